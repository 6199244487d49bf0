package healthcheck

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaymail/backend/internal/domain"
)

func writeDoc(t *testing.T, path string, writtenAt time.Time) {
	t.Helper()
	doc := domain.HealthcheckDocument{
		Timestamp:     writtenAt.UTC().Format(time.RFC3339),
		Cycles:        3,
		TotalMessages: 12,
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "healthcheck.json")
	w := NewWriter(path)

	require.NoError(t, w.Write(&domain.HealthcheckDocument{
		Cycles:        7,
		TotalMessages: 42,
		PauseCount:    1,
		QueueCount:    5,
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc domain.HealthcheckDocument
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, int64(7), doc.Cycles)
	assert.Equal(t, int64(42), doc.TotalMessages)
	assert.Equal(t, int64(5), doc.QueueCount)

	// 时间戳由写入器补齐，必须可按 RFC3339 解析
	written, err := time.Parse(time.RFC3339, doc.Timestamp)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), written, time.Minute)

	// 覆写不留临时文件
	require.NoError(t, w.Write(&domain.HealthcheckDocument{Cycles: 8}))
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestProbe(t *testing.T) {
	t.Run("新鲜文档通过", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "healthcheck.json")
		writeDoc(t, path, time.Now().Add(-119*time.Second))
		assert.NoError(t, Probe(path, 120*time.Second))
	})

	t.Run("过期文档报错", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "healthcheck.json")
		writeDoc(t, path, time.Now().Add(-121*time.Second))
		err := Probe(path, 120*time.Second)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Timestamp is too old")
	})

	t.Run("文件缺失报错", func(t *testing.T) {
		err := Probe(filepath.Join(t.TempDir(), "missing.json"), 120*time.Second)
		assert.Error(t, err)
	})

	t.Run("非法 JSON 报错", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "healthcheck.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
		assert.Error(t, Probe(path, 120*time.Second))
	})

	t.Run("缺少时间戳报错", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "healthcheck.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"cycles":1}`), 0o644))
		assert.Error(t, Probe(path, 120*time.Second))
	})

	t.Run("时间戳无法解析报错", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "healthcheck.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"timestamp":"2026-08-31 10:00:00"}`), 0o644))
		assert.Error(t, Probe(path, 120*time.Second))
	})
}
