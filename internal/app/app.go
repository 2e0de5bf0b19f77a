// Package app wires the tracker registry, dispatcher, delivery pipeline,
// persistence and the optional admin server, and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chestnut/internal/admin"
	"chestnut/internal/config"
	"chestnut/internal/delivery"
	"chestnut/internal/dispatch"
	"chestnut/internal/eventbus"
	"chestnut/internal/manage"
	"chestnut/internal/registry"
	rtsup "chestnut/internal/runtime/supervisor"
	"chestnut/internal/store"
	"chestnut/pkg/logx"
)

type App struct {
	version string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store store.Store
	save  *persister
	reg   *registry.Registry

	delivery *delivery.Service
	dispatch *dispatch.Dispatcher
	manage   *manage.Manager
	admin    *admin.Service

	autosave string
}

type Option func(*options)

type options struct {
	version  string
	environ  map[string]string
	delivery []delivery.Option
}

func WithVersion(v string) Option { return func(o *options) { o.version = v } }

// WithEnvironment replaces the process environment for config overrides.
func WithEnvironment(env map[string]string) Option { return func(o *options) { o.environ = env } }

func WithDeliveryOptions(opts ...delivery.Option) Option {
	return func(o *options) { o.delivery = append(o.delivery, opts...) }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetEnvironment(o.environ)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(cfg.LogConfig())
	log = log.With(logx.Component("app"))
	cfgm.SetLogger(log.With(logx.Component("config")))

	bus := eventbus.New()
	reg := registry.New()

	sc, err := storeConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(sc, log.With(logx.Component("store")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if st != nil {
		if err := loadTrackers(context.Background(), st, reg, log); err != nil {
			_ = st.Close()
			return nil, err
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	} else {
		log.Warn("storage disabled; trackers will not survive a restart")
	}

	ds, err := deliverySettings(cfg, log)
	if err != nil {
		if st != nil {
			_ = st.Close()
		}
		return nil, err
	}
	deliverySvc := delivery.New(ds, log, bus, o.delivery...)

	save := &persister{st: st, reg: reg, bus: bus, log: log.With(logx.Component("autosave"))}
	mgr := manage.New(reg, log, save.MarkDirty)
	mgr.SetDefaultDebounceTicks(cfg.DebounceTicks())
	disp := dispatch.New(reg, deliverySvc, log, dispatchSettings(cfg))

	a := &App{
		version:  o.version,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    st,
		save:     save,
		reg:      reg,
		delivery: deliverySvc,
		dispatch: disp,
		manage:   mgr,
		autosave: cfg.StorageConfig().Autosave,
	}
	a.admin = admin.New(adminConfig(cfg), admin.Deps{
		Dispatcher: disp,
		Trackers:   mgr,
		Status:     a.status,
	}, log)
	return a, nil
}

func loadTrackers(ctx context.Context, st store.Store, reg *registry.Registry, log logx.Logger) error {
	res, err := st.Load(ctx)
	if err != nil {
		return fmt.Errorf("load trackers: %w", err)
	}
	for _, t := range res.Trackers {
		reg.Put(t)
	}
	for _, s := range res.Skipped {
		log.Warn("skipped malformed tracker", logx.Tracker(s.Name), logx.Err(s.Err))
	}
	log.Info("trackers loaded",
		logx.Int("count", len(res.Trackers)),
		logx.Int("skipped", len(res.Skipped)),
		logx.Int("migrated", res.Migrated),
	)
	return nil
}

func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatch }
func (a *App) Manager() *manage.Manager          { return a.manage }
func (a *App) Delivery() *delivery.Service       { return a.delivery }
func (a *App) Registry() *registry.Registry      { return a.reg }
func (a *App) Config() *config.ConfigManager     { return a.cfgm }
func (a *App) Admin() *admin.Service             { return a.admin }
func (a *App) Logger() logx.Logger               { return a.log }

// Save persists the registry now.
func (a *App) Save(ctx context.Context) error { return a.save.Save(ctx) }

func (a *App) status() admin.Status {
	var tasks []rtsup.TaskStatus
	if a.sup != nil {
		tasks = a.sup.Tasks()
	}
	return admin.Status{
		Version:  a.version,
		Config:   a.cfgm.Fingerprint(),
		Trackers: a.reg.Len(),
		Dirty:    a.save.Dirty(),
		Delivery: a.delivery.Stats(),
		Limiter:  a.delivery.Limiter().Snapshot(),
		Tasks:    tasks,
		Events:   a.bus.Stats(),
	}
}

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
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	// The worker outlives the app context; Stop ends it through StopAndDrain
	// so an in-flight send can finish.
	a.delivery.Start(context.WithoutCancel(a.sup.Context()))

	if cfg := a.cfgm.Get(); cfg != nil && cfg.AdminConfig().Enabled {
		a.admin.Start(a.sup.Context())
	}

	if a.store != nil {
		spec := a.autosave
		a.sup.GoRestart("store.autosave", func(c context.Context) error {
			return a.save.runAutosave(c, spec)
		}, rtsup.WithMaxRestarts(3))
	}

	// Delivery lifecycle events are debug-only; they fire per notification.
	events, unsub := a.bus.Subscribe(128, eventbus.DeliveryAll, eventbus.TrackersSaved)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("version", a.version),
		logx.Int("trackers", a.reg.Len()),
		logx.Bool("webhook_set", strings.TrimSpace(a.cfgm.Get().WebhookURL) != ""),
	)
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Debug("config change summary", fields...)
	}
	if restart := config.RequiresRestart(prev, next); len(restart) > 0 && !(len(restart) == 1 && restart[0] == "admin") {
		a.log.Warn("config changes require restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	if err := a.logs.Apply(next.LogConfig()); err != nil {
		a.log.Warn("logging sink unavailable", logx.Err(err))
	}

	if ds, err := deliverySettings(next, a.log); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.delivery.Apply(ds)
	}
	a.dispatch.Apply(dispatchSettings(next))
	a.manage.SetDefaultDebounceTicks(next.DebounceTicks())
	a.admin.Reconfigure(ctx, adminConfig(next))

	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		fields = append(fields, logx.String("fingerprint", config.Fingerprint(next)))
		a.log.Info("config reloaded", fields...)
	} else {
		a.log.Info("config reloaded (no changes)", logx.String("fingerprint", config.Fingerprint(next)))
	}
}

// Stop saves trackers, drains the delivery queue and closes the store. Each
// step is bounded so one stuck component cannot stall shutdown.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel background loops first so no new work is scheduled.
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < limit {
				limit = max(rem, 0)
			}
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("admin", time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("save", 5*time.Second, a.save.Save)
	step("delivery", drainTimeout(a.cfgm.Get())+time.Second, func(context.Context) error {
		rep := a.delivery.StopAndDrain(drainTimeout(a.cfgm.Get()))
		a.log.Info("delivery drained",
			logx.Int("flushed", rep.Flushed),
			logx.Int("failed", rep.Failed),
			logx.Int("dropped", rep.Dropped),
			logx.Int("discarded", rep.Discarded),
		)
		return nil
	})
	step("store", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
