package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/Zhima-Mochi/minishop-checkout/internal/application/settlement"
	"github.com/Zhima-Mochi/minishop-checkout/internal/config"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/inventory"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/job"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/catalog"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/gateway"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/id"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/jobs"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/memory"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/notify"
	infraobs "github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/observability/oteltrace"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/observability/prometrics"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/observability/zaplogger"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/settlement/worker"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/sqlite"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/pkg/logging"
	workerpresentation "github.com/Zhima-Mochi/minishop-checkout/internal/presentation/worker"
)

var errNeedsDurableStore = errors.New("this command needs store.driver=sqlite")

// app holds every wired component. Commands build only what they use.
type app struct {
	cfg      *config.Config
	log      observability.Logger
	sysLog   observability.Logger
	tel      observability.Observability
	registry *prometheus.Registry

	db       *sqlite.DB
	orders   order.Repository
	ledger   inventory.Ledger
	events   payment.EventStore
	jobStore job.Store

	closers []func() error
}

func newApp(cfg *config.Config) (*app, error) {
	log, syncLog, err := zaplogger.New(logging.Options{
		Service: cfg.Service,
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a := &app{
		cfg:      cfg,
		log:      log,
		sysLog:   log.With(observability.F("trace_id", logging.SystemTraceID), observability.F("span_id", logging.SystemSpanID)),
		registry: prometheus.NewRegistry(),
		closers:  []func() error{syncLog},
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.tel = infraobs.Standard(prometrics.New(a.registry, "", ""), oteltrace.New(cfg.Service), log)

	if err := a.openStores(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStores() error {
	switch a.cfg.Store.Driver {
	case "sqlite":
		db, err := sqlite.Open(a.cfg.Store.Path)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)
		if err := db.Migrate(context.Background()); err != nil {
			return err
		}
		a.db = db
		a.orders = sqlite.NewOrderRepository(db)
		a.ledger = sqlite.NewLedger(db)
		a.events = sqlite.NewEventStore(db)
		a.jobStore = sqlite.NewJobStore(db)
	default:
		a.orders = memory.NewOrderRepository()
		a.ledger = memory.NewLedger()
		a.events = memory.NewEventStore()
		a.jobStore = memory.NewJobStore()
	}
	a.sysLog.Info("store_opened", observability.F("driver", a.cfg.Store.Driver), observability.F("path", a.cfg.Store.Path))
	return nil
}

func (a *app) durable() error {
	if a.db == nil {
		return errNeedsDurableStore
	}
	return nil
}

// Close runs closers in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *app) metricsHandler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
}

func (a *app) runner() *jobs.Runner {
	c := a.cfg.Jobs
	return jobs.NewRunner(a.jobStore, jobs.Config{
		Workers:        c.Workers,
		BatchSize:      c.BatchSize,
		PollInterval:   c.PollInterval,
		Lease:          c.Lease,
		MaxAttempts:    c.MaxAttempts,
		Backoff:        job.Backoff{Base: c.BackoffBase, Max: c.BackoffMax},
		HandlerTimeout: c.HandlerTimeout,
	}, a.tel, jobs.WithJobContext(workerpresentation.JobContext(a.log)))
}

func (a *app) redisCatalog() *catalog.Redis {
	c := a.cfg.Catalog
	client := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
	a.closers = append(a.closers, client.Close)
	return catalog.NewRedis(client, c.RedisKey, c.CacheTTL)
}

func (a *app) catalog() settlement.Catalog {
	if a.cfg.Catalog.Source == "redis" {
		return a.redisCatalog()
	}
	return catalog.NewStatic(a.cfg.Catalog.Prices)
}

func (a *app) publisher() (outbox.Publisher, error) {
	if a.cfg.Notify.Driver != "rabbitmq" {
		return notify.NewLog(a.log), nil
	}
	pub, closeFn, err := notify.Dial(a.cfg.Notify.URL, a.cfg.Notify.Exchange, a.sysLog)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeFn)
	return pub, nil
}

// gateway returns the configured payment gateway. The simulator is returned separately so the
// caller can route its callbacks once the service exists.
func (a *app) gateway() (payment.Gateway, *gateway.Simulator) {
	c := a.cfg.Gateway
	if c.Mode == "http" {
		return gateway.NewClient(gateway.Config{
			BaseURL:   c.BaseURL,
			Secret:    c.Secret,
			ReturnURL: c.ReturnURL,
			Timeout:   c.Timeout,
		}, a.tel), nil
	}
	sim := gateway.NewSimulator(c.Secret, c.ReturnURL, a.log,
		gateway.WithSuccessRate(c.SuccessRate),
		gateway.WithFailureRate(c.FailureRate),
		gateway.WithDelay(c.Delay),
	)
	return sim, sim
}

// settlement wires the orchestrator and registers its follow-up jobs on runner.
func (a *app) settlement(runner *jobs.Runner) (*settlement.Service, *gateway.Simulator, error) {
	pub, err := a.publisher()
	if err != nil {
		return nil, nil, err
	}
	gw, sim := a.gateway()
	c := a.cfg.Settlement
	svc := settlement.New(settlement.Dependencies{
		Orders:    a.orders,
		Ledger:    a.ledger,
		Gateway:   gw,
		Events:    a.events,
		Catalog:   a.catalog(),
		Jobs:      runner,
		Publisher: pub,
		NewID:     id.New,
	}, settlement.Config{
		Currency:        c.Currency,
		PaymentTimeout:  c.PaymentTimeout,
		ConflictRetries: c.ConflictRetries,
		CallbackBudget:  c.CallbackBudget,
	}, a.tel)
	worker.New(svc, runner, a.log).Start()

	if sim != nil {
		sim.SetDeliver(func(ctx context.Context, body []byte, signature string) error {
			_, err := svc.HandleCallback(ctx, settlement.CallbackInput{Body: body, Signature: signature})
			return err
		})
	}
	return svc, sim, nil
}
