package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"corpmsg-backend/internal/database"
	"corpmsg-backend/internal/domain"
	callHandler "corpmsg-backend/internal/handler/http/call"
	wsHandler "corpmsg-backend/internal/handler/ws"
	"corpmsg-backend/internal/membership"
	"corpmsg-backend/internal/middleware"
	"corpmsg-backend/internal/repository"
	"corpmsg-backend/internal/repository/cockroach"
	"corpmsg-backend/internal/repository/memory"
	callService "corpmsg-backend/internal/service/call"
	"corpmsg-backend/pkg/audit"
	"corpmsg-backend/pkg/config"
	"corpmsg-backend/pkg/constants"
	"corpmsg-backend/pkg/events"
	"corpmsg-backend/pkg/jwt"
	"corpmsg-backend/pkg/logger"
	"corpmsg-backend/pkg/metrics"
	"corpmsg-backend/pkg/resilience"
	"corpmsg-backend/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger.InitDefault(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	})
	defer logger.Sync()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 1. Metrics and tracing
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		ServiceName: cfg.Server.ServiceName,
		Environment: cfg.Server.Environment,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	// 2. JWT Manager
	jwtSecret := cfg.JWT.Secret
	if jwtSecret == "" {
		jwtSecret = "dev-only-secret-change-me-000000000000"
		logger.Warn("JWT_SECRET not set, using a development secret")
	}
	jwtManager := jwt.NewJWTManager(jwtSecret, cfg.JWT.Audience, 15*time.Minute)

	// 3. Call store and directories
	var (
		callRepo repository.CallRepository
		chats    repository.ChatDirectory
		users    repository.UserDirectory
	)
	switch cfg.Server.Store {
	case "cockroach":
		db, err := database.NewDB(ctx, database.ConnString(cfg.Database), &database.DBConfig{
			MaxConns:          cfg.Database.MaxConns,
			MinConns:          cfg.Database.MinConns,
			ConnMaxLifetime:   time.Hour,
			ConnMaxIdleTime:   5 * time.Minute,
			HealthCheckPeriod: 30 * time.Second,
		})
		if err != nil {
			logger.Fatal("Failed to connect to CockroachDB", zap.Error(err))
		}
		defer db.Close()

		if err := cockroach.EnsureSchema(ctx, db.Pool); err != nil {
			logger.Fatal("Failed to apply call schema", zap.Error(err))
		}
		go db.ReportStats(ctx, appMetrics, constants.DBStatsInterval)

		directory := cockroach.NewDirectoryRepository(db.Pool, appMetrics)
		cached := membership.NewCachedDirectory(directory, cfg.Membership.CacheTTL, cfg.Membership.CacheMaxSize)
		stopCleanup := cached.StartCleanup(cfg.Membership.CacheTTL)
		defer stopCleanup()

		callRepo = cockroach.NewCallRepository(db.Pool, appMetrics)
		chats = cached
		users = directory
		logger.Info("Connected to CockroachDB",
			zap.String("host", cfg.Database.Host),
			zap.String("database", cfg.Database.Database))
	default:
		directory := membership.NewStaticDirectory()
		if path := cfg.Server.DirectoryFile; path != "" {
			if err := loadDirectory(directory, path); err != nil {
				logger.Fatal("Failed to load directory seed", zap.String("path", path), zap.Error(err))
			}
		} else {
			logger.Warn("CALL_DIRECTORY_FILE not set; group calls need chats in the directory")
		}
		callRepo = memory.NewCallRepository()
		chats = directory
		users = directory
		logger.Warn("Using in-memory call store; calls are lost on restart")
	}

	// 4. Event fan-out
	var publishers events.MultiPublisher
	var redisDB *database.RedisClient

	if cfg.Redis.Enabled {
		redisDB = database.NewRedisDB(cfg.Redis, appMetrics)
		defer redisDB.Close()
		if err := redisDB.HealthCheck(ctx); err != nil {
			logger.Warn("Redis unavailable at startup, running degraded", zap.Error(err))
		}
		go redisDB.StartHealthCheck(ctx, constants.RedisHealthCheckInterval)
		publishers = append(publishers,
			events.NewRedisPublisher(redisDB),
			audit.NewAuditLogger(redisDB.Client))
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kafkaPublisher := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kafkaPublisher.Close()
		breaker := resilience.NewCircuitBreaker("kafka_call_events", resilience.DefaultConfig(), appMetrics)
		publishers = append(publishers, events.NewGuardedPublisher(kafkaPublisher, breaker))
		logger.Info("Publishing call events to Kafka",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic))
	}

	// The hub authorizes viewers through the service, and without Redis the
	// service publishes straight into the hub.
	viewer := &lazyViewer{}
	hub := wsHandler.NewCallEventHub(viewer, cfg.Server.AllowedOrigins, cfg.Server.WSMaxConnections, appMetrics)
	if redisDB != nil {
		go hub.SubscribeRedis(ctx, redisDB.Client)
	} else {
		publishers = append(publishers, hub)
	}
	go hub.Run(ctx)

	// 5. Call Service
	service := callService.NewService(callRepo, chats, users, publishers, appMetrics, callService.Options{
		InviteTTL:       cfg.Call.InviteTTL,
		InviteBaseURL:   cfg.Call.InviteBaseURL,
		HistoryMaxLimit: cfg.Call.HistoryMaxLimit,
	})
	viewer.service = service

	if cfg.Call.GroupIdleGrace > 0 {
		go service.RunReaper(ctx, cfg.Call.ReaperInterval, cfg.Call.GroupIdleGrace)
	}

	// 6. Router
	gin.SetMode(gin.ReleaseMode)
	if cfg.Server.Environment == "development" {
		gin.SetMode(gin.DebugMode)
	}
	router := gin.New()
	if err := router.SetTrustedProxies(nil); err != nil {
		logger.Warn("Failed to configure trusted proxies", zap.Error(err))
	}

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	router.GET("/health", func(c *gin.Context) {
		status := "healthy"
		if redisDB != nil && redisDB.IsDegraded() {
			status = "degraded"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  status,
			"service": cfg.Server.ServiceName,
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	var revocationChecker middleware.RevocationChecker
	var createLimit, inviteLimit gin.HandlerFunc
	if redisDB != nil {
		revocationChecker = middleware.NewRedisRevocationChecker(redisDB.Client)
		if cfg.RateLimit.Requests > 0 {
			createLimit = middleware.NewRateLimiter(redisDB.Client, "call_create", cfg.RateLimit.Requests, cfg.RateLimit.Window).Middleware()
			inviteLimit = middleware.NewRateLimiter(redisDB.Client, "call_invite_join", cfg.RateLimit.Requests, cfg.RateLimit.Window).Middleware()
		}
	}

	v1 := router.Group("/v1/calls")
	v1.Use(middleware.AuthMiddleware(jwtManager, revocationChecker))
	{
		// The event stream is long-lived and must not inherit the request timeout
		v1.GET("/:id/events", hub.ServeWS)

		api := v1.Group("", middleware.Timeout(cfg.Server.RequestTimeout))
		callHandler.NewHandler(service).RegisterRoutes(api, createLimit, inviteLimit)
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader, "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           int((12 * time.Hour).Seconds()),
	}).Handler(router)

	// 7. Start server
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           otelhttp.NewHandler(corsHandler, "http.server"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Call service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("store", cfg.Server.Store),
			zap.Bool("redis", cfg.Redis.Enabled))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	// Stop background loops first so websocket clients get a close frame
	stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Failed to flush traces", zap.Error(err))
	}
	logger.Info("Server exited")
}

func loadDirectory(d *membership.StaticDirectory, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return d.Load(f)
}

// lazyViewer breaks the construction cycle between the hub and the service
type lazyViewer struct {
	service *callService.Service
}

func (v *lazyViewer) GetCall(ctx context.Context, req callService.Requester, callID uuid.UUID) (*domain.Call, error) {
	return v.service.GetCall(ctx, req, callID)
}
