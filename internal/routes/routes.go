package routes

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/IBM/sarama"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/sango-pay/sango_pay/internal/breaker"
	"github.com/sango-pay/sango_pay/internal/config"
	"github.com/sango-pay/sango_pay/internal/events"
	"github.com/sango-pay/sango_pay/internal/gateway"
	"github.com/sango-pay/sango_pay/internal/idempotency"
	"github.com/sango-pay/sango_pay/internal/ledger"
	"github.com/sango-pay/sango_pay/internal/logging"
	"github.com/sango-pay/sango_pay/internal/metrics"
	"github.com/sango-pay/sango_pay/internal/middleware"
	"github.com/sango-pay/sango_pay/internal/payments"
	"github.com/sango-pay/sango_pay/internal/statuscache"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg      config.Config
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Producer sarama.SyncProducer
	Consumer sarama.Consumer
	Logger   *slog.Logger
}

// Setup configures middlewares, routes and the background jobs backing them.
// The returned stop function halts the reconciler and event subscriptions;
// call it after the HTTP listener has drained.
func Setup(app *fiber.App, d Deps) (func(), error) {
	// Enforce real backends outside of dev, even though main also checks.
	if !isDev(d.Cfg.AppEnv) {
		if d.DB == nil {
			return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return nil, fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))

	breakers := breaker.NewRegistry(d.Cfg.BreakerThreshold, d.Cfg.BreakerCooldown)
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metrics.NewBreakerCollector(breakers))
	m := metrics.New(promReg)

	identityGW := gateway.NewIdentityClient(d.Cfg.AuthServiceURL, d.Cfg.GatewayTimeout, breakers.Get(gateway.DepIdentity))
	complianceGW := gateway.NewComplianceClient(d.Cfg.ComplianceServiceURL, d.Cfg.GatewayTimeout, breakers.Get(gateway.DepCompliance))
	walletGW := gateway.NewWalletClient(d.Cfg.WalletServiceURL, d.Cfg.GatewayTimeout, breakers.Get(gateway.DepWallet))

	var ledgerBackend ledger.Ledger
	if d.DB != nil {
		ledgerBackend = ledger.NewPostgresLedger(d.DB)
	} else {
		ledgerBackend = ledger.NewInMemory()
	}

	var store idempotency.Store
	if d.Cache != nil {
		store = idempotency.NewRedisStore(d.Cache, d.Cfg.IdempotencyTTL)
	} else {
		store = idempotency.NewMemoryStore(d.Cfg.IdempotencyTTL)
	}

	cache := statuscache.New()
	applier := statuscache.Applier(cache, logging.Component(d.Logger, "statuscache"))

	var publisher events.Publisher
	var bus *events.MemoryBus
	var subscriber events.Subscriber
	if d.Producer != nil {
		publisher = events.NewKafkaPublisher(d.Producer, d.Cfg.PaymentEventsTopic, logging.Component(d.Logger, "events"))
	} else {
		bus = events.NewMemoryBus()
		publisher = bus
	}
	if d.Consumer != nil {
		subscriber = events.NewKafkaSubscriber(d.Consumer, d.Cfg.StatusEventsTopic, logging.Component(d.Logger, "events"))
		subscriber.Subscribe(applier)
	} else if bus != nil {
		// Dev fallback: the local bus doubles as the status-event source.
		bus.Subscribe(applier)
	}

	svc := payments.NewService(payments.Deps{
		Ledger:     ledgerBackend,
		Store:      store,
		Identity:   identityGW,
		Compliance: complianceGW,
		Wallet:     walletGW,
		Cache:      cache,
		Publisher:  publisher,
		Metrics:    m,
		Logger:     logging.Component(d.Logger, "payments"),
		Freshness:  d.Cfg.ComplianceFreshness,
	})
	handler := payments.NewHandler(svc)

	reconciler := payments.NewReconciler(
		ledgerBackend, store, walletGW, publisher, m,
		logging.Component(d.Logger, "reconciler"),
		d.Cfg.ReconcileAfter, d.Cfg.ReconcileInterval,
	)
	jobCtx, stopJobs := context.WithCancel(context.Background())
	go reconciler.Run(jobCtx)

	RegisterHealthRoutes(app, d, breakers)
	RegisterMetricsRoute(app, promReg)

	api := app.Group("/api/v1")
	RegisterPaymentRoutes(api, handler)

	stop := func() {
		stopJobs()
		if subscriber != nil {
			if err := subscriber.Close(); err != nil {
				d.Logger.Warn("close subscriber", slog.Any("error", err))
			}
		}
		if bus != nil {
			bus.Close()
		}
	}
	return stop, nil
}

func isDev(env string) bool {
	switch strings.ToLower(env) {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}
