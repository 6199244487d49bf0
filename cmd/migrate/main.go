package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"relaymail/backend/internal/config"
	"relaymail/backend/internal/logger"
	sqlstore "relaymail/backend/internal/storage/sql"
)

// main 执行数据库结构迁移后退出。
//
// 建表语句由存储层的自动迁移生成，重复执行是幂等的。
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if cfg.Database.Type == "" || cfg.Database.DSN == "" {
		log.Fatal("database type and DSN are required (RELAY_DATABASE_TYPE, RELAY_DATABASE_DSN)")
	}

	store, err := sqlstore.NewStore(
		cfg.Database.Type,
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
		cfg.Database.ConnMaxLifetime,
	)
	if err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}
	defer store.Close()

	log.Info("database migration complete", zap.String("type", cfg.Database.Type))
}
