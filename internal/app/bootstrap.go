package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"todo-service/internal/auth"
	"todo-service/internal/config"
	"todo-service/internal/db"
	"todo-service/internal/maintenance"
	"todo-service/internal/observability"
	"todo-service/internal/todo"
)

type Options struct {
	LoadDotEnv bool
}

type Runtime struct {
	Config  config.Config
	Logger  *observability.Logger
	Handler http.Handler
	Close   func() error
}

func Build(ctx context.Context, options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(cfg.LogLevel)

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	var closers []func() error
	closeAll := func() error {
		observability.FlushSentry()
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*Runtime, error) {
		_ = closeAll()
		return nil, err
	}

	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	closers = append(closers, database.Close)

	database.SetMaxOpenConns(cfg.DBMaxOpenConns)
	database.SetMaxIdleConns(cfg.DBMaxIdleConns)
	database.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	database.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = database.PingContext(pingCtx)
	cancel()
	if err != nil {
		return fail(fmt.Errorf("ping database: %w", err))
	}

	if cfg.RunMigrations {
		applied, err := db.RunMigrations(ctx, database)
		if err != nil {
			return fail(fmt.Errorf("run migrations: %w", err))
		}
		if len(applied) > 0 {
			logger.Info("migrations_applied", map[string]any{"versions": applied})
		}
	}

	var redisClient *redis.Client
	if cfg.LoginLimiterBackend == "redis" || cfg.RevocationBackend == "redis" {
		redisClient, err = newRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, redisClient.Close)
	}

	metrics := observability.NewMetrics()
	authRepo := auth.NewRepository(database)

	var revocations auth.RevocationStore = authRepo
	if cfg.RevocationBackend == "redis" {
		revocations = auth.NewRedisRevocations(redisClient, "")
	}
	tokens := auth.NewTokenService(cfg.JWTSecret, revocations)

	authService := auth.NewService(authRepo, authRepo, auth.NewPasswordHasher(auth.DefaultPasswordCost), tokens)
	authService.WithSecurityConfig(cfg.LoginMaxAttempts, cfg.LoginLockDuration, cfg.AccessTokenTTL)
	authService.AllowAdminRegistration(cfg.AllowAdminRegistration)
	authService.WithObserver(metrics)

	if err := authService.BootstrapAdmin(ctx, cfg.AdminUsername, cfg.AdminPassword); err != nil {
		return fail(fmt.Errorf("bootstrap admin: %w", err))
	}

	var ipLimits auth.IPLimitStore
	switch cfg.LoginLimiterBackend {
	case "postgres":
		ipLimits = authRepo
	case "redis":
		ipLimits = auth.NewRedisIPLimits(redisClient, "")
	default:
		ipLimits = auth.NewMemoryIPLimits()
	}
	limiter := auth.NewLoginRateLimiter(ipLimits, cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow).
		WithTrustedProxyHops(cfg.TrustedProxyHops).
		WithLogger(logger).
		WithObserver(metrics)

	guard := auth.NewGuard(tokens).
		WithForbiddenOnRoleMismatch(cfg.RoleMismatchForbidden).
		WithLogger(logger)

	handler := NewRouter(Dependencies{
		Logger:  logger,
		Metrics: metrics,
		Guard:   guard,
		Limiter: limiter,
		Auth:    auth.NewHandler(authService, logger),
		Todos:   todo.NewHandler(todo.NewRepository(database), logger),
		Cleanup: maintenance.NewCleanupHandler(
			authRepo,
			logger,
			cfg.CronSecret,
			cfg.LoginAttemptRetention,
			cfg.CleanupBatchSize,
		),
		DB: database,
	})

	logger.Info("app_ready", map[string]any{
		"env":                cfg.AppEnv,
		"login_limiter":      cfg.LoginLimiterBackend,
		"token_revocation":   cfg.RevocationBackend,
		"trusted_proxy_hops": cfg.TrustedProxyHops,
		"role_mismatch_code": roleMismatchStatus(cfg.RoleMismatchForbidden),
	})

	return &Runtime{
		Config:  cfg,
		Logger:  logger,
		Handler: handler,
		Close:   closeAll,
	}, nil
}

func newRedisClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

func roleMismatchStatus(forbidden bool) int {
	if forbidden {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}
