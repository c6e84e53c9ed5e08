package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ManuelReschke/paymentsync/app/controllers"
	"github.com/ManuelReschke/paymentsync/internal/pkg/billing"
	"github.com/ManuelReschke/paymentsync/internal/pkg/bus"
	"github.com/ManuelReschke/paymentsync/internal/pkg/cache"
	"github.com/ManuelReschke/paymentsync/internal/pkg/config"
	"github.com/ManuelReschke/paymentsync/internal/pkg/delivery"
	"github.com/ManuelReschke/paymentsync/internal/pkg/env"
	"github.com/ManuelReschke/paymentsync/internal/pkg/jobqueue"
	"github.com/ManuelReschke/paymentsync/internal/pkg/ledger"
	"github.com/ManuelReschke/paymentsync/internal/pkg/listener"
	"github.com/ManuelReschke/paymentsync/internal/pkg/registry"
	"github.com/ManuelReschke/paymentsync/internal/pkg/router"
	"github.com/ManuelReschke/paymentsync/internal/pkg/statestore"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

const shutdownTimeout = 15 * time.Second

func main() {
	env.SetupEnvFile()
	opts, err := config.Load()
	if err != nil {
		log.Errorf("[Main] CRITICAL: configuration unusable, running on memory state without downstream systems: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := openStateStore(ctx, opts.State)
	conns := connectSystems(opts)
	gw := delivery.NewBusGateway(conns...)

	svc := billing.NewService(registry.New(store), ledger.New(store), gw, opts.BillingOptions())
	if err := svc.Init(ctx); err != nil {
		log.Errorf("[Main] CRITICAL: startup incomplete, continuing degraded: %v", err)
	}

	manager := jobqueue.NewManager(svc, opts.SweepInterval)
	lis := listener.New(svc, manager)
	for _, c := range conns {
		if err := lis.Subscribe(ctx, c.Bus, c.ExternalURL); err != nil {
			log.Errorf("[Main] CRITICAL: %v", err)
		}
	}
	manager.Start()

	app := NewApplication(svc)
	go func() {
		log.Infof("[Main] Listening on %s", opts.ListenAddr())
		if err := app.Listen(opts.ListenAddr()); err != nil {
			log.Errorf("[Main] HTTP server stopped: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("[Main] Shutting down...")

	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		log.Warnf("[Main] HTTP shutdown: %v", err)
	}
	manager.Stop()

	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Shutdown(flushCtx); err != nil {
		log.Errorf("[Main] Final flush failed: %v", err)
	}
	if err := gw.Close(); err != nil {
		log.Warnf("[Main] Closing buses: %v", err)
	}
	if err := cache.Close(); err != nil {
		log.Warnf("[Main] Closing cache: %v", err)
	}
	log.Info("[Main] Stopped")
}

// NewApplication builds the HTTP adapter around svc.
func NewApplication(svc *billing.Service) *fiber.App {
	var storage fiber.Storage
	if env.GetEnv("LIMITER_STORAGE", "memory") == "redis" {
		s, err := router.NewRedisLimiterStorage()
		if err != nil {
			log.Warnf("[Main] Rate limiter falls back to memory: %v", err)
		} else {
			storage = s
		}
	}

	pc := controllers.NewPaymentController(svc)
	return router.NewApplication(router.AppConfig{
		BodyLimit:       env.GetEnvInt("BODY_LIMIT", 0),
		MetricsUser:     env.GetEnv("METRICS_USER", ""),
		MetricsPassword: env.GetEnv("METRICS_PASSWORD", ""),
	}, router.NewPaymentRouter(pc, storage,
		env.GetEnvInt("WEBHOOK_RATE_LIMIT", router.DefaultWebhookRateLimit),
		env.GetEnvDuration("WEBHOOK_RATE_WINDOW", router.DefaultWebhookRateWindow),
	))
}

// openStateStore never fails: without a usable backend the service keeps
// running on memory so webhooks are still acknowledged and published.
func openStateStore(ctx context.Context, cfg statestore.Config) statestore.Store {
	store, err := statestore.Open(ctx, cfg)
	if err != nil {
		log.Errorf("[Main] CRITICAL: state backend %q unavailable, state will not survive a restart: %v", cfg.Backend, err)
		return statestore.NewMemoryStore()
	}
	log.Infof("[Main] State backend: %s", cfg.Backend)
	return store
}

func connectSystems(opts config.PaymentOptions) []delivery.Connection {
	conns := make([]delivery.Connection, 0, len(opts.Systems))
	for _, sys := range opts.Systems {
		b, err := bus.Open(sys)
		if err != nil {
			log.Errorf("[Main] CRITICAL: no bus for %s, its transactions stay pending: %v", sys.ExternalURL, err)
			continue
		}
		conns = append(conns, delivery.Connection{ExternalURL: sys.ExternalURL, Bus: b})
	}
	if len(conns) == 0 {
		log.Error("[Main] CRITICAL: no downstream system connected")
	}
	return conns
}
