package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/notification"
	"relaymail/backend/internal/queue"
)

// ExitReason Worker 主循环的退出原因。
type ExitReason string

const (
	// ExitInterrupted 收到取消信号退出
	ExitInterrupted ExitReason = "interrupt"
	// ExitMaxRuntime 达到最大运行时长退出
	ExitMaxRuntime ExitReason = "max_seconds"
)

// 瞬时失败的进程内重试间隔。
const retryPause = time.Second

// QueueConsumer 队列消费操作。
type QueueConsumer interface {
	Name() string
	Receive(ctx context.Context, batchSize, waitSeconds, visibilitySeconds int) ([]queue.Message, error)
	Delete(ctx context.Context, receiptHandle string) error
	Stats(ctx context.Context) (queue.Stats, error)
}

// EnvelopeVerifier 信封验签。
type EnvelopeVerifier interface {
	Verify(ctx context.Context, env *domain.Envelope) error
}

// Classifier 信封分类与订阅确认。
type Classifier interface {
	Classify(env *domain.Envelope) (*notification.Event, error)
	ConfirmSubscription(ctx context.Context, subscribeURL string) error
}

// MailHandler 邮件事件分发。
type MailHandler interface {
	Dispatch(ctx context.Context, event *domain.InboundMailEvent) error
}

// HealthWriter 健康状态文档落盘。
type HealthWriter interface {
	Write(doc *domain.HealthcheckDocument) error
}

// Options Worker 运行参数。
type Options struct {
	BatchSize         int
	WaitSeconds       int
	VisibilitySeconds int
	// DeleteFailed 永久失败时是否删除消息。关闭时消息留给
	// 队列的重投与死信策略处置。
	DeleteFailed bool
	// MaxRuntime 最大运行时长，0 表示不限制
	MaxRuntime time.Duration
}

// Worker 单线程顺序消费通知队列的主循环。
//
// 每个周期：上报队列深度 → 覆写健康文档 → 长轮询拉取一批 →
// 逐条验签、分类、分发，按失败类别决定删除还是留给重投。
type Worker struct {
	consumer   QueueConsumer
	verifier   EnvelopeVerifier
	classifier Classifier
	mail       MailHandler
	health     HealthWriter
	metrics    *monitoring.Metrics
	opts       Options
	log        *zap.Logger

	// 生命周期累计值，写进健康文档
	cycles         int64
	totalMessages  int64
	failedMessages int64
	pauseCount     int64

	sleep func(time.Duration)
}

// New 创建队列 Worker
func New(
	consumer QueueConsumer,
	envVerifier EnvelopeVerifier,
	classifier Classifier,
	mail MailHandler,
	health HealthWriter,
	metrics *monitoring.Metrics,
	opts Options,
	log *zap.Logger,
) *Worker {
	return &Worker{
		consumer:   consumer,
		verifier:   envVerifier,
		classifier: classifier,
		mail:       mail,
		health:     health,
		metrics:    metrics,
		opts:       opts,
		log:        log,
		sleep:      time.Sleep,
	}
}

// Run 运行主循环直到取消或超时。
//
// 队列客户端出错时返回该错误，调用方据此以非零码退出。
func (w *Worker) Run(ctx context.Context) (ExitReason, error) {
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker interrupted", zap.Int64("cycles", w.cycles))
			return ExitInterrupted, nil
		default:
		}

		if w.opts.MaxRuntime > 0 && time.Since(start) >= w.opts.MaxRuntime {
			w.log.Info("worker reached max runtime",
				zap.Duration("max_runtime", w.opts.MaxRuntime),
				zap.Int64("cycles", w.cycles))
			return ExitMaxRuntime, nil
		}

		if err := w.cycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return ExitInterrupted, nil
			}
			return "", err
		}
	}
}

// cycle 执行一个轮询周期。
func (w *Worker) cycle(ctx context.Context) error {
	cycleStart := time.Now()
	w.cycles++

	var stats queue.Stats
	if s, err := w.consumer.Stats(ctx); err != nil {
		w.log.Warn("failed to query queue stats", zap.Error(err))
	} else {
		stats = s
		w.metrics.RecordQueueDepth(w.consumer.Name(), s.Visible, s.Delayed, s.NotVisible)
	}

	w.writeHealth(stats)

	messages, err := w.consumer.Receive(ctx, w.opts.BatchSize, w.opts.WaitSeconds, w.opts.VisibilitySeconds)
	if err != nil {
		return err
	}

	failed := 0
	for i := range messages {
		if err := w.processMessage(ctx, &messages[i]); err != nil {
			failed++
		}
	}

	elapsed := time.Since(cycleStart)
	w.metrics.RecordCycle(elapsed)
	// 空轮次降为 DEBUG，闲置的 Worker 不在每个等待间隔刷 INFO
	logAt := w.log.Info
	if len(messages) == 0 {
		logAt = w.log.Debug
	}
	logAt("cycle complete",
		zap.Int("received", len(messages)),
		zap.Int("failed", failed),
		zap.Int64("queue_visible", stats.Visible),
		zap.Duration("elapsed", elapsed),
	)
	return nil
}

// writeHealth 覆写健康状态文档，失败只告警不中断消费。
func (w *Worker) writeHealth(stats queue.Stats) {
	if w.health == nil {
		return
	}
	doc := &domain.HealthcheckDocument{
		Cycles:               w.cycles,
		TotalMessages:        w.totalMessages,
		FailedMessages:       w.failedMessages,
		PauseCount:           w.pauseCount,
		QueueCount:           stats.Visible,
		QueueCountDelayed:    stats.Delayed,
		QueueCountNotVisible: stats.NotVisible,
	}
	if err := w.health.Write(doc); err != nil {
		w.log.Warn("failed to write healthcheck document", zap.Error(err))
	}
}

// processMessage 处理一条队列消息，返回 nil 表示已消化。
//
// 处置规则：
//   - 成功一律删除
//   - 瞬时出站失败：暂停 1 秒后进程内重试一次，仍失败则留给重投
//   - 邮件体取回失败：不重试不删除，靠可见性租约到期重投
//   - 永久失败：按 DeleteFailed 决定删除还是留给死信队列
func (w *Worker) processMessage(ctx context.Context, msg *queue.Message) error {
	dispatchStart := time.Now()
	w.totalMessages++
	w.metrics.MessagesProcessed.Inc()

	w.log.Debug("processing message", zap.String("message_id", msg.MessageID))

	err := w.handle(ctx, msg)
	if err == nil {
		w.deleteMessage(ctx, msg)
		w.metrics.RecordDispatch("ok", time.Since(dispatchStart))
		return nil
	}

	code := errorCode(err)
	w.failedMessages++
	w.metrics.RecordMessageFailed(code)
	w.metrics.RecordDispatch("failed", time.Since(dispatchStart))

	switch code {
	case domain.CodeTransientOutbound:
		// 第二次瞬时失败才算一次 pause，消息留给重投
		w.pauseCount++
		w.metrics.PausesTotal.Inc()
		w.log.Warn("message left for redelivery after transient failure",
			zap.String("message_id", msg.MessageID), zap.Error(err))
		return err

	case domain.CodeBlobUnavailable:
		w.log.Warn("mail body unavailable, leaving message for redelivery",
			zap.String("message_id", msg.MessageID), zap.Error(err))
		return err

	default:
		w.log.Error("message failed permanently",
			zap.String("message_id", msg.MessageID),
			zap.String("error_code", code),
			zap.Error(err))
		if w.opts.DeleteFailed {
			w.deleteMessage(ctx, msg)
		}
		return err
	}
}

// handle 验签、分类并分发一条消息，瞬时出站失败重试一次。
func (w *Worker) handle(ctx context.Context, msg *queue.Message) error {
	var env domain.Envelope
	if err := json.Unmarshal([]byte(msg.Body), &env); err != nil {
		return domain.NewPipelineError(domain.CodeMalformedEnvelope,
			"message body is not a notification envelope", err)
	}
	env.QueueMessageID = msg.MessageID
	env.ReceiptHandle = msg.ReceiptHandle
	env.RawBody = []byte(msg.Body)

	if err := w.verifier.Verify(ctx, &env); err != nil {
		return err
	}

	event, err := w.classifier.Classify(&env)
	if err != nil {
		return err
	}

	switch event.Kind {
	case notification.EventSubscribe:
		return w.classifier.ConfirmSubscription(ctx, event.SubscribeURL)

	case notification.EventMail:
		err := w.mail.Dispatch(ctx, event.Mail)
		if errorCode(err) != domain.CodeTransientOutbound {
			return err
		}
		w.log.Warn("transient outbound failure, pausing before retry",
			zap.String("message_id", msg.MessageID), zap.Error(err))
		w.sleep(retryPause)
		return w.mail.Dispatch(ctx, event.Mail)

	default:
		return domain.NewPipelineError(domain.CodeMalformedEnvelope,
			"classifier produced an unknown event kind", nil)
	}
}

// deleteMessage 删除消息，失败只告警；at-least-once 下重复投递可接受。
func (w *Worker) deleteMessage(ctx context.Context, msg *queue.Message) {
	if err := w.consumer.Delete(ctx, msg.ReceiptHandle); err != nil {
		w.log.Warn("failed to delete message",
			zap.String("message_id", msg.MessageID), zap.Error(err))
		return
	}
	w.metrics.MessagesDeleted.Inc()
}

// errorCode 提取稳定错误码，非业务错误归为内部错误。
func errorCode(err error) string {
	if err == nil {
		return ""
	}
	var relayErr *domain.RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Code
	}
	return "InternalError"
}
