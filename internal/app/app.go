// Package app wires reminderd's components from config and owns their
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"reminderd/internal/admin"
	"reminderd/internal/config"
	"reminderd/internal/credentials"
	"reminderd/internal/dispatch"
	"reminderd/internal/eventbus"
	"reminderd/internal/metrics"
	"reminderd/internal/notifier"
	"reminderd/internal/realtime"
	"reminderd/internal/render"
	rtsup "reminderd/internal/runtime/supervisor"
	"reminderd/internal/storage"
	"reminderd/internal/sweep"
	"reminderd/internal/task/engine"
	"reminderd/internal/task/scheduler"
	"reminderd/internal/transport"
	logx "reminderd/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store    storage.Store
	creds    *credentials.Resolver
	renderer *render.Renderer
	sender   *transport.Limited
	closers  []closer

	hub   *realtime.Hub
	redis *realtime.RedisPublisher
	notif *notifier.Service

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	disp   *dispatch.Dispatcher
	runner *sweep.Runner

	engine *engine.Service
	sched  *scheduler.Service
	admin  *admin.Service

	triggers    []string
	credsLoaded atomic.Bool
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.ConfigManager, cfg *config.Config) (_ *App, err error) {
	alerts, err := mapAlertSender(cfg)
	if err != nil {
		return nil, err
	}
	logSvc, log := logx.New(mapLogging(cfg), alerts)

	a := &App{
		cfgm: cfgm,
		log:  log.With(logx.String("comp", "app")),
		logs: logSvc,
		bus:  eventbus.New(),
	}
	defer func() {
		if err != nil {
			a.release()
		}
	}()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if errors.Is(err, storage.ErrDisabled) {
		return nil, fmt.Errorf("storage.driver %q: reminderd requires a store", sc.Driver)
	}
	if err != nil {
		return nil, err
	}
	a.store = store
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	a.creds = credentials.New(store, mapFallbackIdentity(cfg), log.With(logx.String("comp", "credentials")))
	a.renderer = render.NewRenderer(cfg.Reminders.BaseURL, mapTemplates(cfg))

	a.sender, a.closers, err = buildTransport(cfg, log)
	if err != nil {
		return nil, err
	}

	pusher, err := a.buildRealtime(cfg)
	if err != nil {
		return nil, err
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.notif = notifier.New(ncfg, pusher, log.With(logx.String("comp", "notifier")), a.bus)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if a.metrics, err = metrics.New(a.registry); err != nil {
		return nil, err
	}

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.disp = dispatch.New(dcfg, dispatch.Deps{
		Renderer:    a.renderer,
		Credentials: a.creds,
		Sender:      a.sender,
		Store:       store,
		Pusher:      a.notif,
		Bus:         a.bus,
		Log:         log.With(logx.String("comp", "dispatch")),
	})

	swcfg, err := mapSweepConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.runner = sweep.New(swcfg, sweep.Deps{
		Store:      store,
		Dispatcher: a.disp,
		Metrics:    a.metrics,
		Bus:        a.bus,
		Log:        log.With(logx.String("comp", "sweep")),
	})

	ecfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.engine = engine.New(ecfg, log.With(logx.String("comp", "taskengine")), a.bus)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sched = scheduler.New(schedCfg, a.engine, log.With(logx.String("comp", "scheduler")))
	if err := a.registerTriggers(cfg); err != nil {
		return nil, err
	}

	acfg, err := mapAdminConfig(cfg)
	if err != nil {
		return nil, err
	}
	deps := admin.Deps{
		Sweeps:      a.runner,
		Credentials: a.creds,
		Store:       store,
		Schedules:   a.sched,
		Gatherer:    a.registry,
		Ready:       a.ready,
		Log:         log.With(logx.String("comp", "admin")),
	}
	if a.hub != nil {
		deps.Realtime = a.hub
	}
	a.admin = admin.New(acfg, deps)
	return a, nil
}

// buildRealtime returns the pusher behind the notifier queue. With realtime
// disabled the notifier rejects pushes and the pusher is never called.
func (a *App) buildRealtime(cfg *config.Config) (realtime.Pusher, error) {
	rt := cfg.Realtime
	if rt == nil || !rt.Enabled {
		return realtime.Nop{}, nil
	}
	var out realtime.Fanout
	if rt.Websocket {
		a.hub = realtime.NewHub(a.log.With(logx.String("comp", "realtime.ws")), rt.AllowedOrigins)
		out = append(out, a.hub)
	}
	if rt.Redis != nil {
		p, err := realtime.NewRedisPublisher(realtime.RedisConfig{
			Addr:     rt.Redis.Addr,
			Password: rt.Redis.Password,
			DB:       rt.Redis.DB,
			Prefix:   rt.Redis.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("realtime.redis: %w", err)
		}
		a.redis = p
		out = append(out, p)
	}
	if len(out) == 0 {
		a.log.Warn("realtime enabled without websocket or redis; pushes are discarded")
		return realtime.Nop{}, nil
	}
	return out, nil
}

// ready backs /healthz.
func (a *App) ready(ctx context.Context) error {
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			return err
		}
	}
	if !a.credsLoaded.Load() {
		return errors.New("credentials not loaded")
	}
	if a.redis != nil {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := a.redis.Ping(pctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (a *App) Log() logx.Logger                   { return a.log }
func (a *App) Bus() eventbus.Bus                  { return a.bus }
func (a *App) Store() storage.Store               { return a.store }
func (a *App) Sweeps() *sweep.Runner              { return a.runner }
func (a *App) Credentials() *credentials.Resolver { return a.creds }
func (a *App) Scheduler() *scheduler.Service      { return a.sched }
func (a *App) Admin() *admin.Service              { return a.admin }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateWiring(cfg)
	})

	a.sup.Go("credentials.load", func(c context.Context) error {
		if err := a.creds.Run(c); err != nil {
			return err
		}
		a.credsLoaded.Store(true)
		return nil
	})
	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	a.admin.Start(a.sup.Context())

	a.sup.Go("metrics.realtime", func(c context.Context) error {
		a.metrics.WatchRealtime(c, a.bus)
		return nil
	})

	// Optional: log events for observability/debug (components can also subscribe themselves).
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				// Debug level: sweeps publish one event per subject.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started", logx.Strings("triggers", a.triggers))
	return nil
}

// validateWiring rejects configs the running app could not apply.
func validateWiring(cfg *config.Config) error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	_, err := mapStorageConfig(cfg)
	collect(err)
	_, err = mapTaskEngineConfig(cfg)
	collect(err)
	_, err = mapSchedulerConfig(cfg)
	collect(err)
	_, err = mapTriggers(cfg)
	collect(err)
	_, err = sweepTimeout(cfg)
	collect(err)
	_, err = mapSweepConfig(cfg)
	collect(err)
	_, err = mapDispatchConfig(cfg)
	collect(err)
	_, err = mapNotifierConfig(cfg)
	collect(err)
	_, err = mapAdminConfig(cfg)
	collect(err)
	return errors.Join(errs...)
}

// release closes whatever build opened; used when build fails and after Stop.
func (a *App) release() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.log.Warn("transport close failed", logx.Err(err))
		}
	}
	a.closers = nil
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
}
