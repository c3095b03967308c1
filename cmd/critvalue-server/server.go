package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/critvalue/internal/config"
	"github.com/ehr/critvalue/internal/domain/critical"
	"github.com/ehr/critvalue/internal/platform/auth"
	"github.com/ehr/critvalue/internal/platform/db"
	"github.com/ehr/critvalue/internal/platform/hipaa"
	"github.com/ehr/critvalue/internal/platform/metrics"
	"github.com/ehr/critvalue/internal/platform/middleware"
	"github.com/ehr/critvalue/internal/platform/notification"
)

// app is the fully wired server. close releases everything build acquired.
type app struct {
	echo    *echo.Echo
	svc     *critical.Service
	gateway *notification.ChannelGateway
	metrics *metrics.Recorder
	pool    *pgxpool.Pool
	redis   *redis.Client
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "critvalue").Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer a.close()

	recovered, err := a.svc.Recover(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to re-arm pending escalations")
		return err
	}
	if stats, err := a.svc.Statistics(ctx, critical.Filter{}); err == nil {
		a.metrics.SetUnacknowledged(stats.Pending)
	}
	logger.Info().Int("rearmed", recovered).Msg("escalation timers restored")

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Dur("window", a.svc.Window()).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *app, err error) {
	a := &app{metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	table, err := critical.LoadRangeTable(cfg.CriticalRangesFile)
	if err != nil {
		return nil, err
	}

	// Storage
	var repo critical.Repository
	sinks := hipaa.MultiSink{hipaa.NewLogSink(logger)}
	if cfg.UsesDatabase() {
		a.pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		repo = critical.NewPGRepository(a.pool)
		sinks = append(sinks, hipaa.NewAuditLogger(a.pool))
		logger.Info().Msg("connected to database")
	} else {
		repo = critical.NewMemoryRepository()
		logger.Warn().Msg("DATABASE_URL not set: critical values are kept in memory and lost on restart")
	}
	if cfg.RedisURL != "" {
		a.redis, err = hipaa.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, hipaa.NewRedisStreamSink(a.redis, cfg.AuditStream, cfg.AuditStreamMaxLen))
		logger.Info().Str("stream", cfg.AuditStream).Msg("audit events mirrored to redis")
	}

	// Notification delivery
	a.gateway = notification.NewChannelGateway(
		notification.NewLogEmailSender(logger),
		notification.NewLogSMSSender(logger),
		notification.NewTemplateEngine(),
		notification.Config{
			DefaultRecipient:  cfg.NotifyDefaultRecipient,
			EscalationContact: cfg.NotifyEscalationContact,
			BreakerFailures:   cfg.NotifyBreakerFailures,
			BreakerTimeout:    cfg.NotifyBreakerTimeout,
		},
		logger,
	)

	a.svc = critical.NewService(repo, critical.NewEvaluator(table), a.gateway, critical.Options{
		Window:        cfg.EscalationWindow,
		Logger:        logger,
		Audit:         sinks,
		Metrics:       a.metrics,
		RetryAttempts: cfg.StoreRetryAttempts,
		RetryInterval: cfg.StoreRetryInterval,
	})

	a.echo, err = newRouter(cfg, logger, a, sinks)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func newRouter(cfg *config.Config, logger zerolog.Logger, a *app, audit hipaa.Sink) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
	}))

	switch cfg.ResolvedAuthMode() {
	case "development":
		logger.Warn().Msg("development auth: unauthenticated requests run as dev-user with the admin role")
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	default:
		jwtMW, err := auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		})
		if err != nil {
			return nil, fmt.Errorf("configure JWT auth: %w", err)
		}
		e.Use(jwtMW)
	}
	e.Use(middleware.Audit(logger, audit))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "ok",
			"window": a.svc.Window().String(),
		})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool))
	}
	e.GET("/metrics", a.metrics.Handler())

	apiV1 := e.Group("/api/v1")
	critical.NewHandler(a.svc).RegisterRoutes(apiV1)
	notification.NewNotificationHandler(a.gateway).RegisterRoutes(
		apiV1.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse, auth.RoleLabTech)))

	return e, nil
}

// close stops escalation timers and waits for in-flight deliveries before
// releasing connections the service still writes through.
func (a *app) close() {
	if a.svc != nil {
		a.svc.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
