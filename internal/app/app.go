// Package app wires newsbot together: config, logging, storage, the task
// scheduler and engine, the event catalog, reminders, digests, the outbox and
// the Telegram command router.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"newsbot/internal/catalog"
	"newsbot/internal/commands"
	"newsbot/internal/config"
	"newsbot/internal/eventbus"
	"newsbot/internal/newsletter"
	"newsbot/internal/notifier"
	"newsbot/internal/reminder"
	"newsbot/internal/runtime/sdnotify"
	"newsbot/internal/runtime/supervisor"
	"newsbot/internal/storage"
	"newsbot/internal/task"
	"newsbot/internal/task/engine"
	"newsbot/internal/task/scheduler"
	"newsbot/internal/task/timer"
	kit "newsbot/internal/transport"
	"newsbot/internal/transport/telegram/adapter"
	"newsbot/internal/transport/telegram/router"
	logx "newsbot/pkg/logx"
)

// FlushTaskID is the recurring task that drains the outbox.
const FlushTaskID = "message-queue-flush"

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor
	sups *supervisor.Registry
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	loc  *time.Location
	sd   *sdnotify.Notifier

	store   storage.Store
	adapter kit.Adapter
	engine  *engine.Service
	timers  *timer.Cron
	sched   *scheduler.Scheduler
	syncer  *catalog.Syncer
	notif   *notifier.Service
	news    *newsletter.Service
	router  *router.Router

	flushCron string
	updates   chan kit.Update
}

// NewApp loads the config at cfgPath and builds every component. Nothing
// runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("info"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg), nil)

	poll, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	ad, err := adapter.New(adapter.Config{Token: cfg.Telegram.Token, PollTimeout: poll},
		log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}
	logSvc.SetAlertSender(ad)

	a, err := build(cfgm, cfg, logSvc, log, ad)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// build assembles the app around an already constructed transport.
func build(cfgm *config.Manager, cfg *config.Config, logSvc *logx.Service, log logx.Logger, ad kit.Adapter) (*App, error) {
	cfgm.SetLogger(log)

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	ec, err := mapTaskEngine(cfg)
	if err != nil {
		return nil, err
	}
	nc, err := mapNotifier(cfg)
	if err != nil {
		return nil, err
	}
	lead, err := mapReminderLead(cfg)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	src, err := newProvider(cfg, loc, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("catalog: %w", err)
	}

	bus := eventbus.New()
	eng := engine.New(ec, log, bus)
	timers := timer.NewCron(loc, log)
	sched := scheduler.New(store, timers,
		scheduler.WithDispatcher(eng),
		scheduler.WithBus(bus),
		scheduler.WithLogger(log),
		scheduler.WithLocation(loc),
	)
	syncer := catalog.NewSyncer(catalog.New(), src, sched, store,
		catalog.WithSyncBus(bus),
		catalog.WithSyncLogger(log),
	)
	notif := notifier.New(nc.Config, ad, log, bus, store)
	rem := reminder.New(syncer.Catalog(), sched, notif,
		reminder.WithLead(lead),
		reminder.WithLogger(log),
		reminder.WithLocation(loc),
	)
	news := newsletter.New(newsletter.Config{
		Cron:      syncCron(cfg),
		DaysAhead: cfg.Catalog.DaysAhead,
		Location:  loc,
		Footer:    cfg.Catalog.DigestFooter,
	}, syncer, store, notif, log)

	err = sched.Bind(scheduler.Handlers{
		Sync:     news.Run,
		Reminder: rem.Handle,
		Flush: func(ctx context.Context, p task.FlushPayload) error {
			_, err := notif.Flush(ctx, p.Max)
			return err
		},
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	rt := router.New(log, ad,
		router.WithOwners(cfg.Telegram.OwnerUserIDs),
		router.WithErrorText(commands.ErrorText),
	)
	sups := supervisor.NewRegistry()
	rt.Register(commands.Build(commands.Deps{
		Events:      syncer.Catalog(),
		Reminders:   rem,
		Prefs:       news,
		Tasks:       sched,
		Syncer:      syncer,
		Engine:      eng,
		Outbox:      notif,
		Audit:       store,
		Supervisors: sups,
		Location:    loc,
		DaysAhead:   cfg.Catalog.DaysAhead,
		Log:         log,
	}))

	return &App{
		cfgm:      cfgm,
		sd:        sdnotify.New(log),
		sups:      sups,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		loc:       loc,
		store:     store,
		adapter:   ad,
		engine:    eng,
		timers:    timers,
		sched:     sched,
		syncer:    syncer,
		notif:     notif,
		news:      news,
		router:    rt,
		flushCron: nc.FlushCron,
		updates:   make(chan kit.Update, 256),
	}, nil
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

// Start restores persisted state and brings every loop up. The engine runs
// before the scheduler loads, since overdue one-shots fire during Load.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	c := a.sup.Context()

	a.sups.Set("app", func() *supervisor.Supervisor { return a.sup })
	a.sups.Set("telegram.adapter", supervisorOf(a.adapter))
	a.sups.Set("task.engine", a.engine.Supervisor)
	a.sups.Set("notifier", a.notif.Supervisor)
	a.sups.Set("router", a.router.Supervisor)

	if err := a.adapter.Start(c, a.updates); err != nil {
		return fmt.Errorf("start telegram: %w", err)
	}
	a.notif.Start(c)
	a.engine.Start(c)

	restored, err := a.syncer.Restore(c)
	if err != nil {
		a.log.Warn("catalog restore failed", logx.Err(err))
	}
	n, err := a.sched.Load(c)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	a.log.Info("tasks loaded", logx.Int("count", n))

	if _, err := a.news.EnsureScheduled(c, a.sched); err != nil {
		return fmt.Errorf("schedule digest: %w", err)
	}
	if _, err := a.ensureFlushScheduled(c); err != nil {
		return fmt.Errorf("schedule outbox flush: %w", err)
	}
	a.timers.Start()

	if !restored {
		// first boot: fill the catalog so /events has something to show
		a.sup.Go0("catalog.initial_sync", func(c context.Context) {
			if _, err := a.syncer.Sync(c, 0); err != nil {
				a.log.Warn("initial catalog sync failed", logx.Err(err))
			}
		})
	}

	a.sup.Go0("commands.menu", func(c context.Context) {
		if err := a.router.PublishMenu(c); err != nil {
			a.log.Warn("publish command menu failed", logx.Err(err))
		}
	})
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub, unsubCfg := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer unsubCfg()
		for {
			select {
			case <-c.Done():
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
				a.applyConfig(newCfg)
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go0("systemd.watchdog", a.sd.Watchdog)
	a.sd.Status(fmt.Sprintf("%d tasks live", len(a.sched.List())))
	a.sd.Ready()

	a.log.Info("app started", logx.String("tz", a.loc.String()))
	return nil
}

func (a *App) ensureFlushScheduled(ctx context.Context) (task.Task, error) {
	t, _, err := a.sched.EnsureTask(ctx, task.Task{
		ID:      FlushTaskID,
		Trigger: task.Cron(a.flushCron),
		Payload: task.FlushPayload{},
	})
	return t, err
}

// applyConfig applies the settings that can change live. Everything else
// is logged and waits for a restart.
func (a *App) applyConfig(cfg *config.Config) {
	if a.logs != nil {
		a.logs.Apply(mapLogging(cfg))
	}
	a.router.SetOwners(cfg.Telegram.OwnerUserIDs)

	if nc, err := mapNotifier(cfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(nc.Config)
	}
	a.log.Info("config applied", logx.Int("owners", len(cfg.Telegram.OwnerUserIDs)))
}

// Stop shuts components down in reverse dependency order. Each step is
// bounded so one stuck component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
			max = time.Until(dl)
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
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

	// No new firings first, then drain what already fired.
	step("timers", 2*time.Second, func(c context.Context) error { a.timers.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return ignoreCanceled(errors.Join(errs...))
}

func supervisorOf(v any) func() *supervisor.Supervisor {
	sp, ok := v.(interface{ Supervisor() *supervisor.Supervisor })
	if !ok {
		return nil
	}
	return sp.Supervisor
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
