package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fuzexec/internal/common/cache"
	"fuzexec/internal/common/db"
	httpmw "fuzexec/internal/common/http/middleware"
	"fuzexec/internal/common/mq"
	"fuzexec/internal/exec/controller"
	"fuzexec/internal/exec/natshandler"
	"fuzexec/internal/exec/pool"
	"fuzexec/internal/exec/repository"
	"fuzexec/internal/exec/scheduler"
	"fuzexec/internal/gateway/middleware"
	gatewayRepo "fuzexec/internal/gateway/repository"
	"fuzexec/internal/gateway/service"
	"fuzexec/internal/sandbox/executor"
	"fuzexec/internal/sandbox/isolation"
	"fuzexec/internal/sandbox/profile"
	"fuzexec/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	defaultConfigPath = "configs/exec-service.yaml"
	readyTimeout      = 2 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "exec service stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// backends holds the optional external stores; nil fields are disabled.
type backends struct {
	redis    *cache.RedisCache
	database db.Database
	producer *mq.KafkaProducer
	nats     *nats.Conn
}

func (b *backends) close() {
	if b.nats != nil {
		b.nats.Close()
	}
	if b.producer != nil {
		_ = b.producer.Close()
	}
	if b.database != nil {
		_ = b.database.Close()
	}
	if b.redis != nil {
		_ = b.redis.Close()
	}
}

func openBackends(cfg *AppConfig) (*backends, error) {
	b := &backends{}
	if cfg.Redis.Addr != "" {
		redisCache, err := cache.NewRedisCacheWithConfig(&cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("init redis failed: %w", err)
		}
		b.redis = redisCache
	}
	switch cfg.Database.Driver {
	case "mysql":
		database, err := db.NewMySQLWithConfig(&cfg.Database.MySQL)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("init mysql failed: %w", err)
		}
		b.database = database
	case "sqlite":
		database, err := db.NewSQLite(cfg.Database.SQLitePath)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("init sqlite failed: %w", err)
		}
		b.database = database
	}
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := mq.NewKafkaProducer(cfg.Kafka.KafkaConfig)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("init kafka failed: %w", err)
		}
		b.producer = producer
	}
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("fuzexec"), nats.MaxReconnects(-1))
		if err != nil {
			b.close()
			return nil, fmt.Errorf("init nats failed: %w", err)
		}
		b.nats = nc
	}
	return b, nil
}

func run(cfg *AppConfig) error {
	ctx := context.Background()
	b, err := openBackends(cfg)
	if err != nil {
		return err
	}
	defer b.close()

	var (
		sinks     []repository.Sink
		fallbacks []controller.Lookup
	)
	if b.redis != nil {
		statusRepo := repository.NewStatusRepository(b.redis, cfg.Persist.StatusTTL)
		sinks = append(sinks, statusRepo)
		fallbacks = append(fallbacks, statusRepo.Get)
	}
	if b.database != nil {
		auditRepo, err := repository.NewAuditRepository(b.database)
		if err != nil {
			return err
		}
		defer func() { _ = auditRepo.Close() }()
		if err := auditRepo.EnsureSchema(ctx); err != nil {
			return err
		}
		sinks = append(sinks, auditRepo)
		fallbacks = append(fallbacks, auditRepo.Snapshot)
	}
	if b.producer != nil {
		sinks = append(sinks, repository.NewMQEventPublisher(b.producer, cfg.Kafka.Topic))
	}
	persister := repository.NewPersister(cfg.Persist.PersisterConfig, sinks...)

	runtimes, err := profile.NewLocalRepository(cfg.Runtimes)
	if err != nil {
		return fmt.Errorf("load runtimes failed: %w", err)
	}
	boundary, err := isolation.NewBoundary(cfg.Sandbox)
	if err != nil {
		return fmt.Errorf("init isolation boundary failed: %w", err)
	}
	caps := boundary.Capabilities()
	logger.Info(ctx, "isolation boundary ready",
		zap.Bool("private_fs", caps.PrivateFilesystem),
		zap.Bool("network_isolated", caps.NetworkIsolated),
		zap.Bool("syscall_filter", caps.SyscallFilter),
		zap.Bool("strict", cfg.Sandbox.Strict),
	)
	exec, err := executor.New(cfg.executorConfig(), boundary, runtimes)
	if err != nil {
		return fmt.Errorf("init executor failed: %w", err)
	}
	slots, err := pool.New(cfg.Exec.PoolCapacity)
	if err != nil {
		return fmt.Errorf("init worker pool failed: %w", err)
	}
	sched, err := scheduler.New(cfg.schedulerConfig(), exec, slots, runtimes, persister)
	if err != nil {
		return fmt.Errorf("init scheduler failed: %w", err)
	}

	authService, limiter := buildGate(cfg, b)

	var natsSubs []*nats.Subscription
	if b.nats != nil {
		handler := natshandler.NewHandler(sched, authService, limiter, natshandler.Config{
			MaxInflight:   cfg.NATS.MaxInflight,
			MaxSyncWait:   cfg.Server.MaxSyncWait,
			RequestWindow: cfg.Rate.Window,
			RequestMax:    cfg.Rate.UserMax,
		})
		natsSubs, err = handler.Subscribe(b.nats)
		if err != nil {
			return fmt.Errorf("subscribe nats subjects failed: %w", err)
		}
		logger.Info(ctx, "nats intake started", zap.String("url", cfg.NATS.URL))
	}

	execController := controller.NewExecController(sched, controller.Config{
		MaxBodyBytes: requestBodyLimit(cfg.Exec.MaxPayloadBytes),
		MaxSyncWait:  cfg.Server.MaxSyncWait,
	}, fallbacks...)
	httpServer := buildHTTPServer(cfg, b, execController, authService, limiter)

	listener, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener failed: %w", err)
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "exec http server started",
			zap.String("addr", cfg.Server.Addr),
			zap.Int("pool_capacity", cfg.Exec.PoolCapacity),
			zap.Strings("languages", runtimes.Languages()),
		)
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server stopped: %w", err)
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	drainCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	for _, sub := range natsSubs {
		_ = sub.Unsubscribe()
	}
	if err := httpServer.Shutdown(drainCtx); err != nil {
		logger.Warn(ctx, "http server shutdown failed", zap.Error(err))
	}
	if err := sched.Shutdown(drainCtx); err != nil {
		logger.Error(ctx, "scheduler shutdown incomplete", zap.Error(err))
	}
	if err := persister.Close(drainCtx); err != nil {
		logger.Warn(ctx, "persister drain incomplete", zap.Error(err), zap.Uint64("dropped", persister.Dropped()))
	}
	return serveErr
}

// buildGate resolves the auth service and quota limiter. Redis backs both
// when configured; otherwise quotas are per process.
func buildGate(cfg *AppConfig, b *backends) (*service.AuthService, service.Limiter) {
	var authService *service.AuthService
	if strings.ToLower(cfg.Auth.Mode) == "jwt" {
		var revocation *gatewayRepo.TokenRevocationRepository
		if b.redis != nil {
			local := gatewayRepo.NewRevocationCache(cfg.Auth.RevocationCacheSize, cfg.Auth.RevocationCacheTTL)
			revocation = gatewayRepo.NewTokenRevocationRepository(local, b.redis, cfg.Redis.ReadTimeout, cfg.Auth.RevocationCacheTTL)
		}
		authService = service.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, revocation)
	}
	if b.redis != nil {
		return authService, service.NewRateLimitService(b.redis, cfg.Rate.Window, cfg.Redis.ReadTimeout)
	}
	return authService, service.NewLocalRateLimiter(cfg.Rate.Window)
}

func buildHTTPServer(cfg *AppConfig, b *backends, h *controller.ExecController, authService *service.AuthService, limiter service.Limiter) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.TraceContextMiddleware())
	router.Use(httpmw.CORSMiddleware(cfg.CORS))
	router.Use(httpmw.RequestLogger())

	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/readyz", readyHandler(b))

	auth := middleware.AuthMiddleware(authService, middleware.AuthPolicy{Mode: cfg.Auth.Mode, Roles: cfg.Auth.Roles})
	if authService != nil {
		router.POST("/api/v1/auth/revoke", auth, middleware.RevokeHandler(authService))
	}
	intake := []gin.HandlerFunc{
		auth,
		middleware.RateLimitMiddleware(limiter, "exec_submit", cfg.Rate, time.Minute),
	}
	read := []gin.HandlerFunc{auth}
	controller.RegisterRoutes(router.Group("/api/v1"), h, intake, read)

	return &http.Server{
		Addr:           cfg.Server.Addr,
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}
}

// readyHandler answers 503 until every configured backend responds.
func readyHandler(b *backends) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
		defer cancel()

		checks := make(map[string]string)
		ready := true
		record := func(name string, err error) {
			if err != nil {
				checks[name] = err.Error()
				ready = false
				return
			}
			checks[name] = "ok"
		}
		if b.redis != nil {
			record("redis", b.redis.Ping(ctx))
		}
		if b.database != nil {
			record("database", b.database.Ping(ctx))
		}
		if b.nats != nil {
			var err error
			if !b.nats.IsConnected() {
				err = errors.New("not connected")
			}
			record("nats", err)
		}

		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"ready": ready, "checks": checks})
	}
}
