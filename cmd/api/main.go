// Package main is the entrypoint for the LegacyVault API server.
package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"

	"github.com/legacyvault/legacyvault/internal/activity"
	"github.com/legacyvault/legacyvault/internal/auth"
	"github.com/legacyvault/legacyvault/internal/cache"
	"github.com/legacyvault/legacyvault/internal/config"
	"github.com/legacyvault/legacyvault/internal/disclosure"
	"github.com/legacyvault/legacyvault/internal/handler"
	"github.com/legacyvault/legacyvault/internal/inactivity"
	"github.com/legacyvault/legacyvault/internal/ledger"
	"github.com/legacyvault/legacyvault/internal/metrics"
	"github.com/legacyvault/legacyvault/internal/middleware"
	"github.com/legacyvault/legacyvault/internal/model"
	"github.com/legacyvault/legacyvault/internal/notify"
	"github.com/legacyvault/legacyvault/internal/repository"
	"github.com/legacyvault/legacyvault/internal/server"
	"github.com/legacyvault/legacyvault/internal/service"
	"github.com/legacyvault/legacyvault/internal/webhook"
)

func main() {
	ctx := context.Background()

	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := initLogger(cfg)

	if cfg.AutoMigrate {
		if err := repository.Migrate(cfg.DatabaseURL); err != nil {
			logger.Error("failed to run migrations",
				slog.String("error", sanitizeError(err, cfg.DatabaseURL)),
			)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	repo, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error(
			"failed to connect to database",
			slog.String("error", sanitizeError(err, cfg.DatabaseURL)),
			slog.String("database_url", redactURL(cfg.DatabaseURL)),
		)
		os.Exit(1)
	}
	logger.Info("connected to database")

	cacheClient, err := cache.New(ctx, cfg.RedisURL, cache.Options{PoolSize: cfg.RedisPoolSize})
	if err != nil {
		repo.Close()
		logger.Error(
			"failed to connect to Redis",
			slog.String("error", sanitizeError(err, cfg.RedisURL)),
			slog.String("redis_url", redactURL(cfg.RedisURL)),
		)
		os.Exit(1)
	}
	logger.Info("connected to Redis")

	if err := run(ctx, cfg, repo, cacheClient, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// run wires the services and blocks until the server stops. repo and
// cacheClient are closed on the way out.
func run(ctx context.Context, cfg *config.Config, repo *repository.Repository, cacheClient *cache.Cache, logger *slog.Logger) error {
	recorder := metrics.NewInMemory()
	locker := cacheClient.NewLocker(cfg.UserLockTTL)
	checkIns := ledger.New(repo, logger)

	templates, err := notify.LoadTemplates(cfg.TemplatesPath)
	if err != nil {
		return err
	}
	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}

	var objects disclosure.ObjectStore
	if cfg.S3Endpoint != "" || cfg.S3AccessKeyID != "" {
		s3Store, err := disclosure.NewS3Store(ctx, disclosure.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			UsePathStyle:    cfg.S3UsePathStyle,
		})
		if err != nil {
			return err
		}
		objects = s3Store
		logger.Info("asset storage configured", "bucket", cfg.S3Bucket)
	} else {
		logger.Warn("asset storage not configured, payload uploads disabled")
	}

	access := disclosure.NewService(repo, objects, logger)
	access.SetPresignTTL(cfg.PresignTTL)
	planner := disclosure.NewPlanner(repo, recorder, logger)

	engine := inactivity.NewEngine(repo, checkIns, planner, locker, recorder, logger)
	engine.SetAllowPostConfirmationCancel(cfg.AllowPostConfirmationCancel)

	issuer := auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	otp := auth.NewOTP(cfg.JWTIssuer, cfg.OTPPeriod)

	authService := service.NewAuthService(repo, cacheClient, cacheClient, engine, issuer, otp, registry, templates,
		service.AuthConfig{
			DefaultPolicy: cfg.DefaultPolicy(),
			ResendLimit:   cfg.OTPResendLimit,
			ResendWindow:  cfg.OTPResendWindow,
			VerifyLimit:   cfg.OTPVerifyLimit,
			VerifyWindow:  cfg.OTPVerifyWindow,
		}, logger)
	authService.SetMetrics(recorder)
	controlService := service.NewControlService(engine, checkIns, repo, logger)
	assetService := service.NewAssetService(repo, access, logger)
	nomineeService := service.NewNomineeService(repo, locker, logger)

	var publisher *activity.Publisher
	if cfg.ActivityEnabled {
		publisher = activity.NewPublisher(cacheClient.Client(), logger, recorder, cfg.ActivityBufferSize)
	}

	routerCfg := handler.RouterConfig{
		Logger:     logger,
		Root:       handler.New(),
		Health:     handler.NewHealthHandler(repo, cacheClient),
		Metrics:    handler.NewMetricsHandler(recorder),
		Auth:       handler.NewAuthHandler(authService, logger),
		Cases:      handler.NewCaseHandler(controlService, logger),
		Assets:     handler.NewAssetHandler(assetService, logger),
		Nominees:   handler.NewNomineeHandler(nomineeService, logger),
		Disclosure: handler.NewDisclosureHandler(access, cfg.IdentityCallbackSecret, logger),
		Tokens:     issuer,
		RateLimit: middleware.RateLimitConfig{
			Logger:        logger,
			Limiter:       cacheClient,
			UserEnabled:   cfg.RateLimitAPIEnabled,
			UserPerMinute: cfg.RateLimitAPIRPS * 60,
			UserBurst:     cfg.RateLimitAPIBurst,
			IPEnabled:     cfg.RateLimitAuthEnabled,
			IPRPS:         cfg.RateLimitAuthRPS,
			IPBurst:       cfg.RateLimitAuthBurst,
		},
		CORS:               corsConfig(cfg),
		IsDevelopment:      cfg.IsDevelopment(),
		MaxRequestBodySize: cfg.MaxRequestBodySize,
	}
	if publisher != nil {
		routerCfg.Heartbeats = publisher
	}

	srv := server.New(
		handler.NewRouter(routerCfg),
		cfg.AppPort,
		cfg.ReadTimeout,
		cfg.WriteTimeout,
		cfg.ShutdownTimeout,
		logger,
	)

	// Registered first, closed last.
	srv.OnShutdown("postgres", func(context.Context) error {
		repo.Close()
		return nil
	})
	srv.OnShutdown("redis", func(context.Context) error {
		return cacheClient.Close()
	})

	evaluator := inactivity.NewWorker(engine, logger)
	evaluator.SetBatchSize(cfg.EvaluatorBatchSize)
	evaluator.SetPollInterval(cfg.EvaluatorInterval)
	srv.Go("inactivity-evaluator", evaluator.Run)

	dispatcher := notify.NewDispatcher(repo, checkIns, locker, registry, templates, recorder, cfg.BaseURL, logger)
	dispatcher.SetBatchSize(cfg.DispatchBatchSize)
	dispatcher.SetPollInterval(cfg.DispatchInterval)
	dispatcher.SetWorkers(cfg.DispatchWorkers)
	srv.Go("notice-dispatcher", dispatcher.Run)

	releaser := disclosure.NewReleaser(repo, registry, templates, recorder, cfg.BaseURL, logger)
	releaser.SetBatchSize(cfg.ReleaseBatchSize)
	releaser.SetPollInterval(cfg.ReleaseInterval)
	srv.Go("disclosure-releaser", releaser.Run)

	if publisher != nil {
		srv.Go("activity-publisher", func(ctx context.Context) error {
			publisher.Start(ctx)
			<-ctx.Done()
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
			defer cancel()
			return publisher.Shutdown(flushCtx)
		})

		consumer := activity.NewWorker(cacheClient.Client(), repo, logger, activity.NewConsumerID(), recorder)
		consumer.SetBatchSize(cfg.ActivityBatchSize)
		consumer.SetBlockTimeout(cfg.ActivityBlock)
		srv.Go("activity-worker", consumer.Run)
	}

	logger.Info("starting server",
		"port", cfg.AppPort,
		"base_url", cfg.BaseURL,
		"env", cfg.AppEnv,
	)

	return srv.Run(ctx)
}

// buildRegistry registers one adapter per delivery channel. Channels without
// a configured transport fall back to the log adapter in development and are
// left out otherwise.
func buildRegistry(cfg *config.Config, logger *slog.Logger) (*notify.Registry, error) {
	registry := notify.NewRegistry()
	strict := !cfg.IsDevelopment()

	client := webhook.NewHTTPClient()
	if cfg.GatewayTimeout > 0 {
		client.Timeout = cfg.GatewayTimeout
	}

	register := func(ch notify.Channel) {
		if cfg.ChannelRateLimit > 0 {
			ch = notify.NewThrottle(ch, cfg.ChannelRateLimit, cfg.ChannelRateBurst)
		}
		registry.Register(ch)
	}
	fallback := func(kind model.Channel) {
		if cfg.IsDevelopment() && cfg.LogChannelsInDev {
			registry.Register(notify.NewLogChannel(kind, logger))
			return
		}
		logger.Warn("notification channel disabled", "channel", kind)
	}

	if cfg.SMTPHost != "" {
		email, err := notify.NewEmailChannel(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			Timeout:  cfg.GatewayTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		register(email)
	} else {
		fallback(model.ChannelEmail)
	}

	gateways := []struct {
		kind model.Channel
		url  string
	}{
		{model.ChannelSMS, cfg.SMSGatewayURL},
		{model.ChannelVoice, cfg.VoiceGatewayURL},
		{model.ChannelPush, cfg.PushGatewayURL},
	}
	for _, gw := range gateways {
		if gw.url == "" {
			fallback(gw.kind)
			continue
		}
		ch, err := notify.NewHTTPChannel(gw.kind, gw.url, cfg.GatewaySecret, strict, client, logger)
		if err != nil {
			return nil, err
		}
		register(ch)
	}

	return registry, nil
}

func corsConfig(cfg *config.Config) middleware.CORSConfig {
	c := middleware.DefaultCORSConfig()
	c.AllowedOrigins = cfg.GetCORSAllowedOrigins()
	return c
}

// initLogger initializes the slog logger based on configuration.
func initLogger(cfg *config.Config) *slog.Logger {
	var h slog.Handler

	level := parseLogLevel(cfg.LogLevel)

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)

	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var passwordPattern = regexp.MustCompile(`(?i)password=[^\s]+`)

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "[redacted]"
	}

	if parsed.User != nil {
		username := parsed.User.Username()
		if username == "" {
			parsed.User = url.User("redacted")
		} else {
			parsed.User = url.User(username)
		}
	}

	return parsed.String()
}

func sanitizeError(err error, secrets ...string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		redacted := redactURL(secret)
		if redacted == "" {
			redacted = "[redacted]"
		}
		msg = strings.ReplaceAll(msg, secret, redacted)
	}

	return passwordPattern.ReplaceAllString(msg, "password=redacted")
}
