package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/changeroom/changeroom-api/internal/config"
	"github.com/changeroom/changeroom-api/internal/domain/billing"
	"github.com/changeroom/changeroom-api/internal/pkg/database"
	"github.com/changeroom/changeroom-api/internal/pkg/logger"
)

func main() {
	once := flag.Bool("once", false, "run a single refresh pass and exit")
	flag.Parse()

	cfg := config.Load()
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env, LogFile: cfg.LogFile}); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize logger")
	}

	log.Info().
		Dur("interval", cfg.RefreshInterval).
		Dur("period", cfg.RefreshPeriod).
		Msg("Starting credit-refresher")

	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer database.Close(db)

	allowances, skipped := billing.ParseAllowances(cfg.PlanAllowances)
	for _, name := range skipped {
		log.Warn().Str("plan", name).Msg("Ignoring allowance for unknown plan")
	}
	if len(allowances) == 0 {
		log.Warn().Msg("No plan allowances configured, nothing to refresh")
	}

	worker := billing.NewWorker(billing.NewService(billing.NewRepository(db)), allowances, cfg.RefreshPeriod, cfg.RefreshInterval)

	if *once {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		n, err := worker.RunOnce(ctx)
		if err != nil {
			log.Error().Err(err).Int64("accounts", n).Msg("Credit refresh pass failed")
			return
		}
		log.Info().Int64("accounts", n).Msg("Credit refresh pass done")
		return
	}

	worker.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan
	log.Info().Msg("Shutdown signal received")

	worker.Stop()
	log.Info().Msg("credit-refresher stopped")
}
