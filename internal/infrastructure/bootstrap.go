package infrastructure

import (
	"context"

	"github.com/sirupsen/logrus"

	"fitledger/internal/config"
	"fitledger/internal/metrics"
	"fitledger/internal/notifier"
	"fitledger/internal/provider"
	"fitledger/internal/repository"
	"fitledger/internal/service"
	transportHTTP "fitledger/internal/transport/http"
	"fitledger/internal/worker"
)

// Bootstrap initialises all dependencies from config and wires up the
// application. Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context) (*App, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	db, err := connectPostgres(cfg.DSN())
	if err != nil {
		return nil, nil, err
	}

	var cleanupFns []func()
	cleanupFns = append(cleanupFns, db.Close)

	rdb, err := connectRedis(cfg.RedisAddr())
	if err != nil {
		return nil, runCleanup(cleanupFns), err
	}
	if rdb != nil {
		cleanupFns = append(cleanupFns, func() { _ = rdb.Close() })
	} else {
		log.Warn("redis not configured, balance cache disabled")
	}

	m := metrics.Get()

	// ── Notifications ──────────────────────────────────────────────────────────
	var events notifier.Notifier = notifier.Nop{}
	nc, err := connectNats(cfg.NatsAddr())
	if err != nil {
		return nil, runCleanup(cleanupFns), err
	}
	if nc != nil {
		events = notifier.NewNATS(nc, log, m)
		cleanupFns = append(cleanupFns, nc.Close)
	} else {
		log.Warn("nats not configured, balance events disabled")
	}

	// ── Stores and services ────────────────────────────────────────────────────
	cache := repository.NewBalanceCache(rdb, log)
	tenants := repository.NewTenantStore(db)

	students := service.NewStudentBalanceService(repository.NewStudentStore(db, cache), tenants, events, m, log)
	professors := service.NewProfessorHourService(repository.NewHourStore(db, cache), tenants, events, m, log)
	grants := service.NewCreditGrantService(repository.NewGrantStore(db), log)

	asaas := provider.NewAsaas(provider.AsaasConfig{
		BaseURL: cfg.AsaasBaseURL,
		APIKey:  cfg.AsaasAPIKey,
		Logger:  log,
	})
	intents := service.NewPaymentIntentService(
		repository.NewIntentStore(db),
		students,
		professors,
		asaas,
		events,
		service.CheckoutConfig{
			SplitWalletID: cfg.AsaasWalletID,
			SplitPercent:  cfg.AsaasSplitPercent,
		},
		m,
		log,
	)

	// ── Servers ────────────────────────────────────────────────────────────────
	var servers []Server

	if addr, apiErr := cfg.ApiAddr(); apiErr == nil {
		h := transportHTTP.NewHandler(students, professors, grants, intents, asaas, cfg.AsaasWebhookToken, log)
		servers = append(servers, transportHTTP.NewServer(addr, h))
	} else {
		log.Warn("http api disabled")
	}

	if cfg.SweepEnabled {
		servers = append(servers, worker.NewLockSweeper(students, professors, cfg.SweepSchedule, cfg.SweepBatch, m, log))
	}

	return NewApp(servers), runCleanup(cleanupFns), nil
}

// runCleanup returns a single function that calls all cleanup functions in
// reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
