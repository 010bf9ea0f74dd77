package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raulk/clock"

	"github.com/streamweave/backend/config"
	"github.com/streamweave/backend/internal/archive"
	"github.com/streamweave/backend/internal/auth"
	"github.com/streamweave/backend/internal/cache"
	"github.com/streamweave/backend/internal/database"
	"github.com/streamweave/backend/internal/delivery"
	"github.com/streamweave/backend/internal/events"
	"github.com/streamweave/backend/internal/gateway"
	"github.com/streamweave/backend/internal/handlers"
	"github.com/streamweave/backend/internal/journal"
	"github.com/streamweave/backend/internal/middleware"
	"github.com/streamweave/backend/internal/models"
	"github.com/streamweave/backend/internal/orchestrator"
	"github.com/streamweave/backend/internal/paych"
	"github.com/streamweave/backend/internal/reconciler"
	"github.com/streamweave/backend/internal/repository"
	"github.com/streamweave/backend/internal/session"
	"github.com/streamweave/backend/internal/websocket"
)

var log = logging.Logger("server")

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := logging.SetLogLevel("*", cfg.Log.Level); err != nil {
		log.Warnw("invalid log level, keeping default", "level", cfg.Log.Level, "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.New()

	ledger, closeLedger, err := openLedger(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open ledger gateway: %v", err)
	}
	defer closeLedger()

	store, err := openContentStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open content store: %v", err)
	}

	bus := events.NewBus(256)
	go bus.Run(ctx)

	pipeline, err := archive.New(archive.Config{
		BatchCount:        cfg.Archive.BatchCount,
		BatchBytes:        cfg.Archive.BatchBytes,
		FlushInterval:     cfg.Archive.FlushInterval,
		ConfirmationDelay: models.Epoch(cfg.Archive.ConfirmationDelay),
		RetentionEpochs:   models.Epoch(cfg.Archive.RetentionEpochs),
		PricePerEpoch:     cfg.Archive.Price(),
		RetryBudget:       cfg.Archive.RetryBudget,
		Retry: gateway.RetryPolicy{
			Attempts: cfg.Archive.CallAttempts,
			Min:      cfg.Archive.BackoffMin,
			Max:      cfg.Archive.BackoffMax,
		},
		CallTimeout:     cfg.Gateway.CallTimeout,
		PollInterval:    cfg.Archive.PollInterval,
		FinalizeTimeout: cfg.Archive.FinalizeTimeout,
		Providers:       cfg.Archive.Providers,
		DefaultProvider: cfg.Archive.DefaultProvider,
	}, ledger, store, bus, clk)
	if err != nil {
		log.Fatalf("Failed to start archive pipeline: %v", err)
	}

	callPolicy := gateway.RetryPolicy{
		Attempts: cfg.Payments.CallAttempts,
		Min:      cfg.Payments.BackoffMin,
		Max:      cfg.Payments.BackoffMax,
	}
	submitPolicy := callPolicy
	submitPolicy.Attempts = cfg.Payments.SubmitAttempts

	payments, err := paych.NewManager(paych.Config{
		RatePerMinute:      cfg.Payments.Rate(),
		PlatformFeePercent: cfg.Payments.Fee(),
		Submit:             submitPolicy,
		Retry:              callPolicy,
		CallTimeout:        cfg.Gateway.CallTimeout,
		SettleTimeout:      cfg.Payments.SettleTimeout,
	}, ledger, bus, clk)
	if err != nil {
		log.Fatalf("Failed to start payment channel manager: %v", err)
	}

	var probe delivery.Probe = delivery.NoopProbe{}
	if cfg.Session.DeliveryOrigin != "" {
		probe = delivery.NewOriginProbe(cfg.Session.DeliveryOrigin)
	}
	sessions := session.NewManager(session.Config{
		WindowSize:       cfg.Session.WindowSize,
		ReadinessTimeout: cfg.Session.ReadinessTimeout,
		Retention:        cfg.Session.Retention,
	}, probe, pipeline, bus, clk)

	orch := orchestrator.New(orchestrator.Config{
		MeterInterval:  cfg.Payments.MeterInterval,
		InitialFunding: cfg.Payments.Funding(),
	}, sessions, pipeline, payments, clk)

	// Background settlement of channels left settling
	recon, err := reconciler.New(reconciler.Config{
		Attempts: cfg.Payments.ReconcileAttempts,
		Min:      cfg.Payments.BackoffMin,
		Max:      cfg.Payments.BackoffMax,
	}, payments, bus, clk)
	if err != nil {
		log.Fatalf("Failed to start reconciler: %v", err)
	}
	go recon.Run(ctx)

	// Journal to Postgres when it is reachable
	var history handlers.SessionHistory
	db, err := database.NewPostgresDB(cfg.GetDSN())
	if err != nil {
		log.Warnw("running without journal", "err", err)
	} else {
		defer db.Close()
		if err := database.RunMigrations(db.DB); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		repo := repository.NewJournalRepository(db)
		history = repo
		sub, cancel := bus.Subscribe(512)
		defer cancel()
		go journal.NewRecorder(repo).Run(ctx, sub)
	}

	// Connect to Redis
	var shared middleware.SharedLimiter
	redis, err := cache.NewRedisClient(cfg.GetRedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Warnw("running without redis, events stay on this instance", "err", err)
		redis = nil
	} else {
		defer redis.Close()
		shared = redis
		sub, cancel := bus.Subscribe(512)
		defer cancel()
		go redis.ForwardEvents(ctx, sub)
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpiryHours)

	hub := websocket.NewHub(redis)
	var local <-chan models.Event
	if redis == nil {
		sub, cancel := bus.Subscribe(512)
		defer cancel()
		local = sub
	}
	go hub.Run(ctx, local)
	wsHandler := websocket.NewHandler(hub, jwtService, cfg.CORS.AllowedOrigins)

	rateLimiter := middleware.NewRateLimiter(cfg.API.RateLimitPerSec, shared)
	rateLimiter.Cleanup(ctx)

	// Setup Gin router
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	router.Use(middleware.CORSMiddleware(cfg.CORS.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":        "ok",
			"live_sessions": len(sessions.ActiveSessions()),
			"ws_clients":    hub.ConnectedClients(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", wsHandler.HandleWebSocket)

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(jwtService))
	api.GET("/ws/stats", wsHandler.Stats)
	handlers.Register(api,
		handlers.NewSessionHandler(orch, history),
		handlers.NewChannelHandler(orch),
		middleware.RateLimitMiddleware(rateLimiter),
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infow("starting server", "addr", srv.Addr, "env", cfg.Server.Env, "gateway", cfg.Gateway.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("server stopped", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http shutdown", "err", err)
	}

	// Stops metering, then the pipeline and payment loops
	orch.Close()
	pipeline.Close()
	payments.Close()
}

func openLedger(ctx context.Context, cfg *config.Config) (gateway.LedgerGateway, func(), error) {
	if cfg.Gateway.Mode == "lotus" {
		g, err := gateway.NewLotusGateway(ctx, gateway.LotusOptions{
			Endpoint:       cfg.Gateway.LotusURL,
			Token:          cfg.Gateway.LotusToken,
			Wallet:         cfg.Gateway.Wallet,
			CallTimeout:    cfg.Gateway.CallTimeout,
			CallsPerSecond: cfg.Gateway.CallsPerSecond,
		})
		if err != nil {
			return nil, nil, err
		}
		return g, g.Close, nil
	}
	log.Warnw("using in-process mock ledger", "epoch", cfg.Gateway.MockEpoch)
	return gateway.NewMockLedger(models.Epoch(cfg.Gateway.MockEpoch)), func() {}, nil
}

func openContentStore(cfg *config.Config) (gateway.ContentStore, error) {
	if cfg.Content.Backend == "s3" {
		return gateway.NewS3ContentStore(gateway.S3Options{
			Endpoint:  cfg.Content.S3Endpoint,
			Region:    cfg.Content.S3Region,
			Bucket:    cfg.Content.S3Bucket,
			AccessKey: cfg.Content.S3AccessKey,
			SecretKey: cfg.Content.S3SecretKey,
			Timeout:   cfg.Content.S3Timeout,
		})
	}
	return gateway.NewMemoryContentStore(), nil
}
