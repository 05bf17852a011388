package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/healthvault/healthvault/internal/config"
	"github.com/healthvault/healthvault/internal/domain/documents"
	"github.com/healthvault/healthvault/internal/domain/interaction"
	"github.com/healthvault/healthvault/internal/domain/medication"
	"github.com/healthvault/healthvault/internal/platform/auth"
	"github.com/healthvault/healthvault/internal/platform/blobstore"
	"github.com/healthvault/healthvault/internal/platform/db"
	"github.com/healthvault/healthvault/internal/platform/errcode"
	"github.com/healthvault/healthvault/internal/platform/hipaa"
	"github.com/healthvault/healthvault/internal/platform/middleware"
	"github.com/healthvault/healthvault/internal/platform/notification"
	"github.com/healthvault/healthvault/internal/platform/resilience"
	"github.com/healthvault/healthvault/migrations"
)

// multipartOverhead is added to MAX_UPLOAD_BYTES for the upload route's body
// limit so a file exactly at the limit still fits with its form framing.
const multipartOverhead = 64 << 10

// app holds the wired components shared by serve and sweep.
type app struct {
	pool        *pgxpool.Pool
	registry    *resilience.Registry
	medications *medication.Service
	documents   *documents.Service
	coordinator *documents.Coordinator
	closers     []func() error
	logger      zerolog.Logger
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("close failed")
		}
	}
}

func retryPolicy(cfg *config.Config) resilience.Policy {
	return resilience.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		Multiplier:  cfg.RetryMultiplier,
		Jitter:      cfg.RetryJitter,
		CallTimeout: cfg.CallTimeout,
	}
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{logger: logger}
	fail := func(err error) (*app, error) {
		a.close()
		return nil, err
	}

	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, func() error { pool.Close(); return nil })

	enc, err := hipaa.NewEncryptionService(hipaa.KeyConfig{
		Key:            cfg.HIPAAEncryptionKey,
		Version:        cfg.HIPAAKeyVersion,
		PreviousKeys:   cfg.HIPAAPreviousKeys,
		AllowEphemeral: cfg.IsDev(),
	}, logger)
	if err != nil {
		return fail(err)
	}

	var blobs blobstore.BlobStore
	switch cfg.BlobBackend {
	case "s3":
		client, err := blobstore.NewS3Client(ctx)
		if err != nil {
			return fail(err)
		}
		blobs = blobstore.NewS3BlobStore(client, cfg.S3Bucket, cfg.S3Prefix)
	default:
		blobs = blobstore.NewInMemoryBlobStore()
		logger.Warn().Msg("BLOB_BACKEND=memory: uploaded documents are lost on restart")
	}

	tpl := notification.NewTemplateEngine()
	events := notification.Multi{notification.NewLogDispatcher(logger, tpl)}
	if brokers := cfg.KafkaBrokerList(); len(brokers) > 0 {
		kd := notification.NewKafkaDispatcher(notification.NewKafkaWriter(brokers, cfg.KafkaTopic, logger), tpl, logger)
		events = append(events, kd)
		a.closers = append(a.closers, kd.Close)
		logger.Info().Strs("brokers", brokers).Str("topic", cfg.KafkaTopic).Msg("publishing events to kafka")
	}

	a.registry = resilience.NewRegistry(resilience.BreakerConfig{
		Threshold: cfg.BreakerThreshold,
		Cooldown:  cfg.BreakerCooldown,
	})
	client := resilience.NewClient(a.registry, retryPolicy(cfg), logger)

	var store interaction.Store = interaction.NewMemoryStore()
	if cfg.InteractionCachePath != "" {
		bs, err := interaction.OpenBadgerStore(cfg.InteractionCachePath)
		if err != nil {
			return fail(fmt.Errorf("open interaction cache: %w", err))
		}
		store = bs
	}
	cache := interaction.NewCache(store, cfg.InteractionCacheTTL, logger)
	a.closers = append(a.closers, cache.Close)
	engine := interaction.NewEngine(cache, interaction.NewHTTPLookup(cfg.InteractionURL, nil), client, logger)

	a.medications = medication.NewService(
		medication.NewRepoPG(pool, enc),
		medication.NewLogRepoPG(pool, enc),
		engine, events, logger,
	)

	runs := documents.NewRunRepoPG(pool, enc)
	commits := documents.NewCommitStorePG(pool)
	pcfg := documents.DefaultPipelineConfig()
	pcfg.ConfidenceThreshold = cfg.ConfidenceThreshold
	pcfg.MinEntities = cfg.MinEntities
	pcfg.StageTimeout = cfg.StageTimeout
	pcfg.CommitPolicy = retryPolicy(cfg)
	pcfg.CommitPolicy.MaxAttempts = cfg.CommitAttempts
	pipeline := documents.NewPipeline(
		runs, commits,
		documents.NewHTTPExtractor(cfg.ExtractionURL, nil, client, blobs, enc),
		documents.NewRuleParser(),
		engine, a.medications, enc, events, pcfg, logger,
	)
	a.coordinator = documents.NewCoordinator(runs, blobs, enc,
		documents.NewValidator(cfg.MaxUploadBytes, cfg.AcceptedFormats),
		pipeline,
		documents.CoordinatorConfig{
			Workers:       cfg.PipelineWorkers,
			StageTimeout:  cfg.StageTimeout,
			SweepInterval: cfg.SweepInterval,
		}, logger)
	a.documents = documents.NewService(runs, commits, enc)
	return a, nil
}

func runServer(migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	signingKey, err := decodeSigningKey(cfg.AuthSigningKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer a.close()
	logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

	if migrate {
		n, err := db.NewMigrator(a.pool, migrations.Files, cfg.DBSchema).Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		logger.Info().Int("applied", n).Msg("migrations applied")
	} else if err := db.EnsureSchema(ctx, a.pool, cfg.DBSchema); err != nil {
		logger.Fatal().Err(err).Msg("failed to ensure schema")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errcode.HTTPErrorHandler(e)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-User-ID", documents.IdempotencyHeader},
	}))
	e.Use(middleware.BodyLimit(1<<20, map[string]int64{
		http.MethodPost + " /api/v1/documents": cfg.MaxUploadBytes + multipartOverhead,
	}))

	if cfg.ResolvedAuthMode() == "development" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: signingKey,
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(a.pool))
	e.GET("/health/dependencies", resilience.HealthHandler(a.registry))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1 := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg))
	admin := apiV1.Group("/admin", auth.RequireRole("admin"))

	medication.NewHandler(a.medications).RegisterRoutes(apiV1)
	docHandler := documents.NewHandler(a.documents, a.coordinator)
	docHandler.RegisterRoutes(apiV1)
	docHandler.RegisterAdminRoutes(admin)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go a.coordinator.StartSweeper(sweepCtx)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	stopSweep()
	if err := a.coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("document runs still in flight at shutdown; the sweeper will expire them")
	}
	logger.Info().Msg("server stopped")
	return nil
}
