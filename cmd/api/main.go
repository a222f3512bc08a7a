package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"boltcard-withdraw-authority/config"
	httpHandler "boltcard-withdraw-authority/internal/adapter/http/handler"
	pgStorage "boltcard-withdraw-authority/internal/adapter/storage/postgres"
	redisStorage "boltcard-withdraw-authority/internal/adapter/storage/redis"
	"boltcard-withdraw-authority/internal/core/ports"
	"boltcard-withdraw-authority/internal/service"
	"boltcard-withdraw-authority/pkg/logger"
)

func main() {
	flags := config.Flags()
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse flags: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.LogPretty)
	log.Info().Str("domain", cfg.Domain).Int("port", cfg.Port).Msg("starting boltcard withdraw authority")

	ctx := context.Background()

	pool, err := pgStorage.NewPool(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to PostgreSQL")
	}
	defer pool.Close()

	rdb, err := redisStorage.NewClient(ctx, cfg.RedisAddr, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer rdb.Close()

	cardRepo := pgStorage.NewCardRepo(pool)
	paymentRepo := pgStorage.NewCardPaymentRepo(pool)
	transactor := pgStorage.NewTransactor(pool)

	sessionCache := redisStorage.NewSessionCache(rdb)
	rateLimitStore := redisStorage.NewRateLimitStore(rdb)

	cryptoSvc := service.NewCryptoService()
	tapAuth := service.NewTapAuthenticator(cardRepo, transactor, cryptoSvc, log)

	var dispatcher ports.LightningDispatcher = service.NewMockLightningDispatcher()
	sessions := service.NewWithdrawSessionManager(cardRepo, paymentRepo, transactor, dispatcher, sessionCache, log)

	pgHealth := pgStorage.NewHealthCheck(pool)
	redisHealth := redisStorage.NewHealthCheck(rdb)

	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
		CardRepo:       cardRepo,
		TapAuth:        tapAuth,
		Sessions:       sessions,
		Domain:         cfg.Domain,
		LnurlwBase:     cfg.LnurlwBase(),
		CallbackBase:   cfg.CallbackBase(),
		AdminToken:     cfg.AdminToken,
		RateLimitStore: rateLimitStore,
		HealthCheckers: []ports.HealthChecker{pgHealth, redisHealth},
		Logger:         log,
	})

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: router,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server exited")
}
