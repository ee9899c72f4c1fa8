package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/meddocs/meddocs/internal/config"
	"github.com/meddocs/meddocs/internal/domain/dashboard"
	"github.com/meddocs/meddocs/internal/domain/documents"
	"github.com/meddocs/meddocs/internal/domain/identity"
	"github.com/meddocs/meddocs/internal/domain/team"
	"github.com/meddocs/meddocs/internal/domain/tenancy"
	"github.com/meddocs/meddocs/internal/platform/auth"
	"github.com/meddocs/meddocs/internal/platform/blobstore"
	"github.com/meddocs/meddocs/internal/platform/cache"
	"github.com/meddocs/meddocs/internal/platform/db"
	"github.com/meddocs/meddocs/internal/platform/events"
	"github.com/meddocs/meddocs/internal/platform/logging"
	"github.com/meddocs/meddocs/internal/platform/metrics"
	"github.com/meddocs/meddocs/internal/platform/middleware"
	"github.com/meddocs/meddocs/internal/platform/notification"
	"github.com/meddocs/meddocs/internal/platform/processor"
	"github.com/meddocs/meddocs/internal/platform/scheduling"
)

const (
	jobRefreshProcessing = "refresh-processing"
	jobPurgeInvitations  = "purge-invitations"

	jobTimeout      = 5 * time.Minute
	shutdownTimeout = 10 * time.Second
	// Non-multipart request bodies are JSON and stay small.
	jsonBodyLimit = 1 << 20
)

type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	echo      *echo.Echo
	scheduler *scheduling.Scheduler
	closers   []func()
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, logCloser := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Pretty: cfg.IsDev(),
		File:   cfg.LogFile,
	}, os.Stdout)
	a := &app{cfg: cfg, logger: logger}
	a.onClose(func() { _ = logCloser.Close() })

	if err := cfg.Validate(); err != nil {
		a.close()
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := a.build(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	a.onClose(pool.Close)
	logger.Info().Msg("connected to database")

	m := metrics.New()
	checks := []db.Check{}

	revocations, redisClient := newRevocationStore(ctx, cfg, logger)
	if redisClient != nil {
		a.onClose(func() { _ = redisClient.Close() })
		checks = append(checks, db.Check{Name: "redis", Optional: true, Probe: cache.Probe(redisClient)})
	} else if mem, ok := revocations.(*auth.MemoryRevocationStore); ok {
		a.onClose(mem.Close)
	}

	blobs, err := newBlobStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	checks = append(checks, db.Check{Name: "storage", Probe: blobs.Ping})

	proc := processor.New(processor.Config{
		BaseURL: cfg.ProcessorURL,
		Mode:    processor.Mode(cfg.ProcessorMode),
		Timeout: cfg.ProcessorTimeout,
		Retries: 2,
	}, m)
	checks = append(checks, db.Check{Name: "processor", Optional: true, Probe: proc.Health})

	publisher, closePublisher := newPublisher(cfg, logger)
	a.onClose(closePublisher)
	emitter := events.NewEmitter(publisher, m, logger)

	notifier := notification.NewNotifier(newEmailSender(cfg, logger), notification.NewTemplateEngine())

	// Repositories
	tx := db.NewTxManager(pool)
	orgRepo := tenancy.NewOrganizationRepo(pool)
	membershipRepo := tenancy.NewMembershipRepo(pool)
	userMetaRepo := tenancy.NewUserMetadataRepo(pool)
	roles := tenancy.NewRoleCatalog(tenancy.NewRoleRepo(pool))
	docRepo := documents.NewDocumentRepo(pool)

	// Services
	tenancySvc := tenancy.NewService(tx, orgRepo, membershipRepo, userMetaRepo, roles,
		tenancy.NewResolver(membershipRepo, userMetaRepo, m))
	authz := tenancySvc.Authorizer()

	issuer := auth.NewIssuer([]byte(cfg.AuthSigningKey), cfg.AuthIssuer, cfg.AuthTokenTTL)
	identitySvc := identity.NewService(tx, identity.NewUserRepo(pool), tenancySvc, issuer, revocations)

	teamSvc := team.NewService(tx, team.NewMemberRepo(pool), team.NewInvitationRepo(pool),
		orgRepo, membershipRepo, authz, roles, userMetaRepo, notifier, emitter,
		team.Options{AppURL: cfg.AppURL, InvitationTTL: cfg.InvitationTTL})
	identitySvc.SetInvitationRedeemer(teamSvc)

	docSvc := documents.NewService(tx, docRepo, documents.NewCertificateRepo(pool), documents.NewQueryRepo(pool),
		authz, blobs, proc, emitter, m, documents.Options{
			Concurrency:       cfg.UploadConcurrency,
			ProcessingTimeout: cfg.ProcessingTimeout,
		})

	dashboardSvc := dashboard.NewService(dashboard.NewStatsRepo(pool), docRepo, authz)

	// Jobs
	a.scheduler = scheduling.New(logger, m, jobTimeout)
	if err := registerJobs(a.scheduler, cfg, docSvc, teamSvc); err != nil {
		return err
	}

	// HTTP
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)
	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Server.IdleTimeout = 2 * time.Minute

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(m.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	}))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           5 * time.Minute,
	}))
	e.Use(middleware.BodyLimit(jsonBodyLimit, cfg.MaxUploadSize))

	e.GET("/health", db.HealthHandler(pool, checks...))
	e.GET("/metrics", m.Handler())

	api := e.Group("/api/v1")
	api.Use(auth.JWTMiddleware(auth.JWTConfig{
		Issuer:      issuer,
		Revocations: revocations,
		Skipper:     auth.AuthSkipper,
	}))

	identity.NewHandler(identitySvc, team.StatusCode).RegisterRoutes(api)
	tenancy.NewHandler(tenancySvc).RegisterRoutes(api)
	team.NewHandler(teamSvc).RegisterRoutes(api)
	documents.NewHandler(docSvc).RegisterRoutes(api)
	dashboard.NewHandler(dashboardSvc).RegisterRoutes(api)

	a.echo = e
	return nil
}

// Refresher and Purger are the job entry points of the documents and team
// services.
type Refresher interface {
	RefreshProcessing(ctx context.Context) error
}

type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

func registerJobs(s *scheduling.Scheduler, cfg *config.Config, refresher Refresher, purger Purger) error {
	if err := s.Add(jobRefreshProcessing, cfg.RefreshSchedule, refresher.RefreshProcessing); err != nil {
		return fmt.Errorf("schedule %s: %w", jobRefreshProcessing, err)
	}
	err := s.Add(jobPurgeInvitations, cfg.PurgeSchedule, func(ctx context.Context) error {
		_, err := purger.PurgeExpired(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", jobPurgeInvitations, err)
	}
	return nil
}

// newRevocationStore prefers Redis so revocations survive restarts and are
// shared between replicas.
func newRevocationStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (auth.RevocationStore, *redis.Client) {
	if cfg.RedisURL == "" {
		return auth.NewMemoryRevocationStore(), nil
	}
	client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, token revocations kept in memory")
		return auth.NewMemoryRevocationStore(), nil
	}
	return auth.NewRedisRevocationStore(client), client
}

func newBlobStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (blobstore.BlobStore, error) {
	if !cfg.StorageEnabled() {
		logger.Warn().Msg("STORAGE_ENDPOINT not set, documents are stored in memory")
		return blobstore.NewInMemoryBlobStore("memory://" + cfg.StorageBucket), nil
	}
	store, err := blobstore.NewMinioBlobStore(ctx, blobstore.MinioConfig{
		Endpoint:  cfg.StorageEndpoint,
		AccessKey: cfg.StorageAccessKey,
		SecretKey: cfg.StorageSecretKey,
		Bucket:    cfg.StorageBucket,
		UseTLS:    cfg.StorageUseTLS,
		PublicURL: cfg.StoragePublicURL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to object storage: %w", err)
	}
	return store, nil
}

func newPublisher(cfg *config.Config, logger zerolog.Logger) (events.Publisher, func()) {
	if cfg.AMQPURL == "" {
		return events.NopPublisher{}, func() {}
	}
	p, err := events.NewAMQPPublisher(cfg.AMQPURL, "")
	if err != nil {
		logger.Warn().Err(err).Msg("amqp unavailable, domain events are dropped")
		return events.NopPublisher{}, func() {}
	}
	return p, func() { _ = p.Close() }
}

func newEmailSender(cfg *config.Config, logger zerolog.Logger) notification.EmailSender {
	if cfg.EmailAPIURL == "" {
		return notification.NewLogEmailSender(logger)
	}
	return notification.NewHTTPEmailSender(cfg.EmailAPIURL, cfg.EmailAPIKey, cfg.EmailFrom, 10*time.Second)
}

func runServer() error {
	a, err := newApp(context.Background())
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger

	a.scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + a.cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", a.cfg.TLSEnabled).Msg("starting server")
		var err error
		if a.cfg.TLSEnabled {
			err = a.echo.StartTLS(addr, a.cfg.TLSCertFile, a.cfg.TLSKeyFile)
		} else {
			err = a.echo.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down server")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.echo.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := a.scheduler.Stop(ctx); err != nil {
		logger.Warn().Err(err).Msg("background jobs did not finish before shutdown")
	}
	logger.Info().Msg("server stopped")
	return nil
}
