package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/healthcheck"
)

func writeFreshDoc(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "healthcheck.json")
	writer := healthcheck.NewWriter(path)
	require.NoError(t, writer.Write(&domain.HealthcheckDocument{Cycles: 1}))
	return path
}

func TestRun(t *testing.T) {
	t.Run("健康文档默认静默退出零", func(t *testing.T) {
		path := writeFreshDoc(t)
		var stdout, stderr bytes.Buffer

		code := run([]string{path}, &stdout, &stderr)

		assert.Equal(t, 0, code)
		assert.Empty(t, stdout.String())
	})

	t.Run("verbose 时输出确认", func(t *testing.T) {
		path := writeFreshDoc(t)
		var stdout, stderr bytes.Buffer

		code := run([]string{path, "--verbose"}, &stdout, &stderr)

		assert.Equal(t, 0, code)
		assert.Contains(t, stdout.String(), "healthy")
	})

	t.Run("路径后的 max-age 参数生效", func(t *testing.T) {
		path := writeFreshDoc(t)
		var stdout, stderr bytes.Buffer

		// 零秒容忍度下刚写入的文档也算过期
		code := run([]string{path, "--max-age", "0"}, &stdout, &stderr)

		assert.Equal(t, 1, code)
		assert.Contains(t, stderr.String(), "unhealthy")
	})

	t.Run("文档缺失退出一", func(t *testing.T) {
		var stdout, stderr bytes.Buffer

		code := run([]string{filepath.Join(t.TempDir(), "missing.json")}, &stdout, &stderr)

		assert.Equal(t, 1, code)
		assert.Contains(t, stderr.String(), "unhealthy")
	})

	t.Run("缺少路径参数退出二", func(t *testing.T) {
		var stdout, stderr bytes.Buffer

		code := run(nil, &stdout, &stderr)

		assert.Equal(t, 2, code)
		assert.Contains(t, stderr.String(), "usage:")
	})
}
