package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	heptio "github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"relaymail/backend/internal/config"
	"relaymail/backend/internal/logger"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/phone"
	"relaymail/backend/internal/storage"
	"relaymail/backend/internal/storage/memory"
	redisstore "relaymail/backend/internal/storage/redis"
	sqlstore "relaymail/backend/internal/storage/sql"
	httptransport "relaymail/backend/internal/transport/http"
)

// main 启动电话 Webhook 与号码验证 HTTP 服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if cfg.Log.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if cfg.Phone.AuthToken == "" {
		log.Fatal("phone auth token is required (RELAY_PHONE_AUTH_TOKEN)")
	}

	store := openStore(cfg, log)
	defer store.Close()

	// 验证码限流优先走 Redis，多实例共享计数
	var limiter storage.RateLimitRepository = store
	health := heptio.NewHandler()
	health.AddReadinessCheck("store", heptio.Check(store.Health))

	if cfg.Redis.Address != "" {
		redisLimiter, err := redisstore.New(&cfg.Redis)
		if err != nil {
			log.Warn("redis unavailable, falling back to store-backed rate limits", zap.Error(err))
		} else {
			defer redisLimiter.Close()
			limiter = redisLimiter
			health.AddReadinessCheck("redis", heptio.Check(redisLimiter.Health))
			log.Info("using redis rate limiter", zap.String("address", cfg.Redis.Address))
		}
	}

	metrics := monitoring.NewMetrics()
	vendor := phone.NewVendorClient(cfg.Phone.APIBaseURL, cfg.Phone.AccountSID, cfg.Phone.AuthToken, log)

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Verify: phone.NewVerifyService(store, limiter, vendor, metrics,
			cfg.Mail.AllowedCountries, cfg.Phone.MaxVerifyAge, cfg.Phone.SendLimit, log),
		Dispatcher:  phone.NewDispatcher(store, store, store, vendor, metrics, log),
		Signature:   phone.NewSignatureVerifier(cfg.Phone.AuthToken),
		Metrics:     metrics,
		HealthProbe: health,
		Logger:      log,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting webhook server", zap.String("addr", server.Addr))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("webhook server failed", zap.Error(err))
		os.Exit(1)
	}
	log.Info("webhook server stopped")
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
