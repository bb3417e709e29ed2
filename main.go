package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"instapilot/config"
	"instapilot/internal/db"
	"instapilot/internal/engine"
	"instapilot/internal/handlers"
	"instapilot/internal/instagram"
	"instapilot/internal/models"
	"instapilot/internal/notify"
	"instapilot/internal/store"
	"instapilot/pkg/logger"
)

func main() {
	logger.Init()

	log.Info().Msg("Loading configuration...")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	gdb, err := db.Open(cfg.DatabaseURL, 40)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	if err := db.Migrate(gdb, models.AllModels()...); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	st := store.New(gdb)

	igClient, err := instagram.NewClient(cfg.GraphBaseURL, 5*time.Second, 10)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Instagram client")
	}

	eng := engine.New(st, igClient)

	rabbit := notify.NewRabbitPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	fanout := notify.NewFanout(st, cfg.GlobalWebhookURL, rabbit)

	webhookHandler := handlers.NewWebhookHandler(st, eng, fanout, cfg.WebhookVerifyToken, cfg.WebhookAppSecret)
	statusHandler := handlers.NewStatusHandler(fanout)
	router := handlers.NewRouter(cfg.WebhookPath, webhookHandler, statusHandler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go engine.NewPoller(eng, st, fanout, cfg.PollInterval, cfg.PollBatchSize).Run(ctx)
	go engine.NewBackfiller(eng, st, igClient, fanout, cfg.BackfillInterval).Run(ctx)
	go engine.NewRefresher(st, igClient, cfg.RefreshInterval).Run(ctx)
	go fanout.Run(ctx)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("webhookPath", cfg.WebhookPath).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
	if rabbit != nil {
		rabbit.Close()
	}
	log.Info().Msg("Server stopped")
}
