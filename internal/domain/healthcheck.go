package domain

// HealthcheckDocument 队列 Worker 每个循环周期原子覆写的健康状态文档。
//
// Timestamp 必须是带时区的 RFC 3339 时间串，探针据此判断新鲜度。
type HealthcheckDocument struct {
	Timestamp            string `json:"timestamp"`
	Cycles               int64  `json:"cycles"`
	TotalMessages        int64  `json:"total_messages"`
	FailedMessages       int64  `json:"failed_messages"`
	PauseCount           int64  `json:"pause_count"`
	QueueCount           int64  `json:"queue_count"`
	QueueCountDelayed    int64  `json:"queue_count_delayed"`
	QueueCountNotVisible int64  `json:"queue_count_not_visible"`
}
