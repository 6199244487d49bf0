package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"relaymail/backend/internal/blob"
	"relaymail/backend/internal/config"
	"relaymail/backend/internal/dispatch"
	"relaymail/backend/internal/filter"
	"relaymail/backend/internal/healthcheck"
	"relaymail/backend/internal/logger"
	"relaymail/backend/internal/mailer"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/notification"
	"relaymail/backend/internal/queue"
	"relaymail/backend/internal/storage"
	"relaymail/backend/internal/storage/memory"
	sqlstore "relaymail/backend/internal/storage/sql"
	"relaymail/backend/internal/verifier"
	"relaymail/backend/internal/worker"
)

// main 启动通知队列 Worker。
//
// 退出码：收到信号或达到最大运行时长为 0，队列客户端错误为 1。
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 命令行参数覆盖环境配置
	flag.StringVar(&cfg.Queue.URL, "queue-url", cfg.Queue.URL, "通知队列 URL")
	flag.StringVar(&cfg.Queue.Region, "region", cfg.Queue.Region, "队列所在区域")
	flag.IntVar(&cfg.Queue.BatchSize, "batch-size", cfg.Queue.BatchSize, "单次拉取的最大消息数 (1..10)")
	flag.IntVar(&cfg.Queue.WaitSeconds, "wait-seconds", cfg.Queue.WaitSeconds, "长轮询等待秒数")
	flag.IntVar(&cfg.Queue.VisibilitySeconds, "visibility-seconds", cfg.Queue.VisibilitySeconds, "可见性租约秒数")
	flag.StringVar(&cfg.Queue.HealthcheckPath, "healthcheck-path", cfg.Queue.HealthcheckPath, "健康状态文档路径")
	flag.BoolVar(&cfg.Queue.DeleteFailed, "delete-failed-messages", cfg.Queue.DeleteFailed, "永久失败时直接删除消息")
	maxSeconds := flag.Int("max-seconds", int(cfg.Queue.MaxRuntime.Seconds()), "最大运行秒数，0 表示不限制")
	flag.Parse()
	cfg.Queue.MaxRuntime = time.Duration(*maxSeconds) * time.Second

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if cfg.Queue.URL == "" {
		log.Fatal("queue URL is required (RELAY_QUEUE_URL or --queue-url)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting relay worker",
		zap.String("queue_url", cfg.Queue.URL),
		zap.Int("batch_size", cfg.Queue.BatchSize),
		zap.Bool("delete_failed", cfg.Queue.DeleteFailed),
		zap.Duration("max_runtime", cfg.Queue.MaxRuntime),
	)

	store := openStore(cfg, log)
	defer store.Close()

	consumer, err := queue.NewConsumerFromRegion(ctx, cfg.Queue.Region, cfg.Queue.URL)
	if err != nil {
		log.Error("failed to create queue consumer", zap.Error(err))
		os.Exit(1)
	}

	blobs, err := blob.NewStoreFromRegion(ctx, cfg.Queue.Region)
	if err != nil {
		log.Error("failed to create blob store", zap.Error(err))
		os.Exit(1)
	}

	outbound, err := buildMailer(ctx, cfg, log)
	if err != nil {
		log.Error("failed to create outbound mailer", zap.Error(err))
		os.Exit(1)
	}

	metrics := monitoring.NewMetrics()
	mailDispatcher := dispatch.NewMailDispatcher(
		store, blobs, outbound, filter.New(nil), metrics,
		cfg.Mail.Domain, cfg.Mail.FromAddress, cfg.Mail.BlobBucket, log,
	)

	w := worker.New(
		consumer,
		verifier.New(cfg.Mail.CertHostSuffix, nil, log),
		notification.NewClassifier(cfg.Queue.AllowedTopic, cfg.Mail.CertHostSuffix, nil, log),
		mailDispatcher,
		healthcheck.NewWriter(cfg.Queue.HealthcheckPath),
		metrics,
		worker.Options{
			BatchSize:         cfg.Queue.BatchSize,
			WaitSeconds:       cfg.Queue.WaitSeconds,
			VisibilitySeconds: cfg.Queue.VisibilitySeconds,
			DeleteFailed:      cfg.Queue.DeleteFailed,
			MaxRuntime:        cfg.Queue.MaxRuntime,
		},
		log,
	)

	// 指标与存活探针伴随 Worker 一起提供
	probeServer := &http.Server{
		Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: probeMux(metrics, cfg.Queue.HealthcheckPath, map[string]func() error{
			"store": store.Health,
		}),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := probeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return probeServer.Shutdown(shutdownCtx)
	})

	reason, runErr := w.Run(ctx)
	stop()

	if err := g.Wait(); err != nil {
		log.Warn("probe server shutdown error", zap.Error(err))
	}

	if runErr != nil {
		log.Error("worker failed", zap.Error(runErr))
		os.Exit(1)
	}
	log.Info("worker stopped", zap.String("reason", string(reason)))
}

// openStore 按配置打开数据库存储，未配置则回退内存实现。
func openStore(cfg *config.Config, log *zap.Logger) storage.Store {
	if cfg.Database.Type == "" || cfg.Database.DSN == "" {
		log.Info("using memory storage (development mode)")
		return memory.NewStore()
	}

	store, err := sqlstore.NewStore(
		cfg.Database.Type,
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
		cfg.Database.ConnMaxLifetime,
	)
	if err != nil {
		log.Fatal("failed to initialize database storage", zap.Error(err))
	}
	log.Info("using database storage", zap.String("type", cfg.Database.Type))
	return store
}

// buildMailer 按配置选择出站邮件后端。
func buildMailer(ctx context.Context, cfg *config.Config, log *zap.Logger) (mailer.Mailer, error) {
	switch cfg.Mail.MailerBackend {
	case "smtp":
		if cfg.Mail.SMTPAddr == "" {
			return nil, fmt.Errorf("mail.smtp_addr is required for the smtp backend")
		}
		return mailer.NewSMTPMailer(cfg.Mail.SMTPAddr, log), nil
	default:
		return mailer.NewSESMailerFromRegion(ctx, cfg.Queue.Region, log)
	}
}

// probeMux 组装 /metrics 与探针端点。
func probeMux(metrics *monitoring.Metrics, healthPath string, readiness map[string]func() error) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HTTPHandler())
	mux.Handle("/", healthcheck.NewHTTPHandler(healthPath, healthcheck.DefaultMaxAge, readiness))
	return mux
}
