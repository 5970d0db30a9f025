package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tutorly/session-broker/internal/agent"
	"github.com/tutorly/session-broker/internal/config"
	"github.com/tutorly/session-broker/internal/database"
	"github.com/tutorly/session-broker/internal/handler"
	"github.com/tutorly/session-broker/internal/issuer"
	"github.com/tutorly/session-broker/internal/jobs"
	"github.com/tutorly/session-broker/internal/metrics"
	"github.com/tutorly/session-broker/internal/middleware"
	"github.com/tutorly/session-broker/internal/redis"
	"github.com/tutorly/session-broker/internal/repository"
	"github.com/tutorly/session-broker/internal/service"
	"github.com/tutorly/session-broker/internal/sse"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	if cfg.AutoMigrate {
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewCollector(registry)

	accountRepo := repository.NewAccountRepository(db.DB)
	ledgerRepo := repository.NewLedgerRepository(db)
	sessionRepo := repository.NewSessionRepository(db.DB)
	paymentRepo := repository.NewPaymentEventRepository(db.DB)

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	tokenIssuer := issuer.NewJWTIssuer(
		cfg.TokenSigningSecret, cfg.TokenIssuer, cfg.TransportTokenTTL(), cfg.CompletionTokenTTL(),
	)
	responder := agent.NewHTTPResponder(tokenIssuer, agent.HTTPResponderConfig{
		URL:          cfg.CompletionURL,
		APIKey:       cfg.CompletionAPIKey,
		Model:        cfg.CompletionModel,
		Timeout:      cfg.CompletionTimeout(),
		CharsPerUnit: cfg.AgentCharsPerUnit,
	})

	ledgerService := service.NewLedgerService(accountRepo, ledgerRepo, recorder)
	paymentService := service.NewPaymentService(paymentRepo, accountRepo, ledgerService, cfg.PaymentWebhookSecret, recorder)
	adminService := service.NewAdminService(accountRepo, ledgerService, paymentService, tokenIssuer)
	coordinator := service.NewSessionCoordinator(
		sessionRepo, ledgerService, tokenIssuer, responder, broker, recorder,
		service.CoordinatorConfig{
			UserTurnCredits:     cfg.UserTurnCredits,
			AgentCreditsPerUnit: cfg.AgentCreditsPerUnit,
			IdleTimeout:         cfg.SessionIdleTimeout(),
			RequestTimeout:      config.SessionRequestTimeout,
			InboxSize:           config.SessionInboxSize,
			LeaseTTL:            config.SessionLeaseTTL,
		},
	)
	rateLimiter := service.NewRateLimiter(redisClient.Client)

	router := newRouter(routerDeps{
		db:             db,
		registry:       registry,
		isProduction:   isProduction,
		sessionLimit:   middleware.NewIPRateLimitMiddleware(rateLimiter, cfg.SessionCreateLimitPerMin, config.SessionCreateWindow, "sessions"),
		paymentLimit:   middleware.NewIPRateLimitMiddleware(rateLimiter, config.PaymentCreateLimit, config.PaymentCreateWindow, "payments"),
		credential:     middleware.NewCredentialMiddleware(tokenIssuer),
		accountAuth:    middleware.NewAccountCredentialMiddleware(tokenIssuer),
		adminKey:       middleware.NewAdminKeyMiddleware(cfg.AdminKeyHash),
		sessionHandler: handler.NewSessionHandler(coordinator),
		eventsHandler:  handler.NewEventsHandler(broker, coordinator),
		paymentHandler: handler.NewPaymentHandler(paymentService),
		accountHandler: handler.NewAccountHandler(ledgerService),
		adminHandler:   handler.NewAdminHandler(adminService),
	})

	idleSweep := jobs.NewIdleSweepJob(coordinator, config.IdleSweepInterval)
	idleSweep.Start()
	cleanupJob := jobs.NewCleanupJob(sessionRepo, cfg.SessionRetention(), config.CleanupJobInterval)
	cleanupJob.Start()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	idleSweep.Stop()
	cleanupJob.Stop()

	// End live sessions first so their final transitions reach subscribers
	// before the listener closes.
	coordinator.Shutdown(shutdownCtx)

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
