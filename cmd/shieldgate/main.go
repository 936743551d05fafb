package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dtg-labs/shieldgate/pkg/app/autotuner"
	apprisk "github.com/dtg-labs/shieldgate/pkg/app/risk"
	"github.com/dtg-labs/shieldgate/pkg/config"
	handlers "github.com/dtg-labs/shieldgate/pkg/handlers/http"
	infraCache "github.com/dtg-labs/shieldgate/pkg/infra/cache"
	"github.com/dtg-labs/shieldgate/pkg/infra/events"
	infraLogger "github.com/dtg-labs/shieldgate/pkg/infra/logger"
	"github.com/dtg-labs/shieldgate/pkg/infra/reputation"
	"github.com/dtg-labs/shieldgate/pkg/middleware"
	"github.com/dtg-labs/shieldgate/pkg/server"
	"github.com/joho/godotenv"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		log.Println("no .env file found, using system environment variables")
	}

	logger := infraLogger.NewLogger()

	if err := config.Load("./config"); err != nil {
		logger.WithError(err).Warn("config file not loaded, using defaults and environment")
	}
	cfg := config.GetConfig()

	cacheClient, err := infraCache.NewClient(infraCache.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TLS:      cfg.Redis.TLS,
	}, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize state store client: %v", err)
	}

	publisher := events.NewNoopPublisher()
	if cfg.Events.Enabled {
		publisher, err = events.NewKafkaPublisher(events.Config{
			Host:  cfg.Events.Host,
			Port:  cfg.Events.Port,
			Topic: cfg.Events.Topic,
		})
		if err != nil {
			logger.Fatalf("Failed to initialize event publisher: %v", err)
		}
	}
	defer publisher.Close()

	reputationClient := reputation.NewClient(reputation.Config{
		BaseURL:        cfg.Reputation.BaseURL,
		Timeout:        cfg.Reputation.Timeout,
		BreakerTimeout: cfg.Reputation.BreakerTimeout,
		MaxFailures:    cfg.Reputation.MaxFailures,
	}, cacheClient, logger)

	riskEngine := apprisk.NewEngine(cfg.Shield, cacheClient, reputationClient, publisher, logger)

	tuner := autotuner.New(riskEngine, publisher, logger, cfg.AutoTuner.Interval, cfg.AutoTuner.SubnetThreshold)
	go tuner.Run(ctx)

	middlewareTransport := middleware.Transport{
		ShieldMiddleware: middleware.NewShieldMiddleware(logger, riskEngine, cfg.Shield),
	}

	handlerTransport := handlers.HandlerTransport{
		ForwardedHandler: handlers.NewForwardedHandler(logger, cfg.Backend),
		HealthHandler:    handlers.NewHealthHandler(logger, riskEngine, cfg.Backend),
	}

	srv := server.NewProxyServer(server.ProxyServerDI{
		Config:              cfg,
		Logger:              logger,
		MiddlewareTransport: middlewareTransport,
		HandlerTransport:    handlerTransport,
	})

	go func() {
		if err := srv.Run(); err != nil {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	fmt.Println("shutting down server...")
	cancel()
	if err := srv.Shutdown(); err != nil {
		fmt.Println("error shutting down server:", err)
		os.Exit(1)
	}
	fmt.Println("server gracefully stopped")
}
