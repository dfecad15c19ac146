package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"fitledger/internal/config"
	"fitledger/internal/metrics"
	"fitledger/internal/notifier"
	"fitledger/internal/repository"
	"fitledger/internal/service"
	"fitledger/internal/worker"
)

// Standalone sweeper process for deployments that run the API with
// FITLEDGER_SWEEP_ENABLED=false and sweep from a single dedicated instance.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.New()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	db, err := repository.Connect(ctx, cfg.DSN())
	if err != nil {
		log.Fatalf("Postgres error: %v", err)
	}
	defer db.Close()

	m := metrics.Get()
	tenants := repository.NewTenantStore(db)
	students := service.NewStudentBalanceService(repository.NewStudentStore(db, nil), tenants, notifier.Nop{}, m, logger)
	professors := service.NewProfessorHourService(repository.NewHourStore(db, nil), tenants, notifier.Nop{}, m, logger)

	sweeper := worker.NewLockSweeper(students, professors, cfg.SweepSchedule, cfg.SweepBatch, m, logger)
	if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("Sweeper error: %v", err)
	}
}
