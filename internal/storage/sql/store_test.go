package sql

import (
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newMockStore 在 sqlmock 连接上构造存储，绕过建表与 Ping。
func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gormDB, err := gorm.Open(gormmysql.New(gormmysql.Config{
		Conn:                      db,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	return &Store{db: db, gormDB: gormDB}, mock
}

func TestStore_IncrementRateLimit(t *testing.T) {
	t.Run("查询失败时返回错误而不是重置窗口", func(t *testing.T) {
		store, mock := newMockStore(t)
		dbErr := errors.New("driver: bad connection")

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT").WillReturnError(dbErr)
		mock.ExpectRollback()

		count, err := store.IncrementRateLimit("verify:+12065550100", time.Hour)

		assert.ErrorIs(t, err, dbErr)
		assert.Zero(t, count)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("未过期窗口累加计数", func(t *testing.T) {
		store, mock := newMockStore(t)

		rows := sqlmock.NewRows([]string{"key", "count", "expires_at"}).
			AddRow("verify:+12065550100", 2, time.Now().UTC().Add(time.Hour))
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT").WillReturnRows(rows)
		mock.ExpectExec("UPDATE").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		count, err := store.IncrementRateLimit("verify:+12065550100", time.Hour)

		require.NoError(t, err)
		assert.Equal(t, int64(3), count)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("无记录时开新窗口从一计数", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT").
			WillReturnRows(sqlmock.NewRows([]string{"key", "count", "expires_at"}))
		mock.ExpectExec("INSERT").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		count, err := store.IncrementRateLimit("verify:+12065550100", time.Hour)

		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("过期窗口覆盖重来", func(t *testing.T) {
		store, mock := newMockStore(t)

		rows := sqlmock.NewRows([]string{"key", "count", "expires_at"}).
			AddRow("verify:+12065550100", 5, time.Now().UTC().Add(-time.Minute))
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT").WillReturnRows(rows)
		mock.ExpectExec("INSERT").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		count, err := store.IncrementRateLimit("verify:+12065550100", time.Hour)

		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
