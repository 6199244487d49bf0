package healthcheck

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	heptio "github.com/heptiolabs/healthcheck"

	"relaymail/backend/internal/domain"
)

// DefaultMaxAge 健康文档的默认过期阈值。
const DefaultMaxAge = 120 * time.Second

// Writer 把 Worker 的健康状态文档写到本地文件。
//
// 写入走临时文件加原子改名，探针任何时刻读到的
// 要么是旧文档要么是新文档，不会读到半截。
type Writer struct {
	path string
}

// NewWriter 创建健康文档写入器
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Write 落盘一份健康文档，时间戳由写入器补齐。
func (w *Writer) Write(doc *domain.HealthcheckDocument) error {
	doc.Timestamp = time.Now().UTC().Format(time.RFC3339)

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal healthcheck document: %w", err)
	}

	dir := filepath.Dir(w.path)
	tmp, err := os.CreateTemp(dir, ".healthcheck-*")
	if err != nil {
		return fmt.Errorf("create healthcheck temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write healthcheck document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close healthcheck temp file: %w", err)
	}

	if err := os.Rename(tmpName, w.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish healthcheck document: %w", err)
	}
	return nil
}

// Probe 校验健康文档的新鲜度。
//
// 文档缺失、无法解析、时间戳缺失或超过 maxAge 都算不健康。
func Probe(path string, maxAge time.Duration) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read healthcheck document: %w", err)
	}

	var doc domain.HealthcheckDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse healthcheck document: %w", err)
	}
	if doc.Timestamp == "" {
		return fmt.Errorf("healthcheck document has no timestamp")
	}

	// RFC3339 自带时区，解析失败即视为时间戳非法
	written, err := time.Parse(time.RFC3339, doc.Timestamp)
	if err != nil {
		return fmt.Errorf("parse healthcheck timestamp %q: %w", doc.Timestamp, err)
	}

	age := time.Since(written)
	if age > maxAge {
		return fmt.Errorf("Timestamp is too old: %s > %s", age.Round(time.Second), maxAge)
	}
	return nil
}

// NewHTTPHandler 组装存活与就绪探针的 HTTP 处理器。
//
// 存活探针基于健康文档新鲜度；依赖探针（数据库、Redis）作为就绪探针。
func NewHTTPHandler(path string, maxAge time.Duration, readiness map[string]func() error) http.Handler {
	handler := heptio.NewHandler()
	handler.AddLivenessCheck("worker-heartbeat", func() error {
		return Probe(path, maxAge)
	})
	for name, check := range readiness {
		handler.AddReadinessCheck(name, heptio.Check(check))
	}
	return handler
}
