// Package app wires timerbot's components together and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"timerbot/internal/commands"
	"timerbot/internal/config"
	"timerbot/internal/esi"
	"timerbot/internal/eventbus"
	"timerbot/internal/notifier"
	"timerbot/internal/ops"
	"timerbot/internal/relay"
	rtsup "timerbot/internal/runtime/supervisor"
	"timerbot/internal/storage"
	"timerbot/internal/task/scheduler"
	kit "timerbot/internal/transport"
	telegram "timerbot/internal/transport/telegram/adapter"
	"timerbot/internal/transport/telegram/router"
	logx "timerbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter

	esi     *esi.Client
	notif   *notifier.Service
	relay   *relay.Engine
	sched   *scheduler.Service
	ops     *ops.Service
	metrics *ops.Metrics
	cmdm    *router.CommandManager

	startedAt time.Time
	updates   chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDuration("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg, ad)
}

// newApp builds every component on top of an already constructed adapter.
func newApp(cfgm *config.ConfigManager, cfg *config.Config, ad kit.Adapter) (*App, error) {
	rs, err := cfg.Relay.Resolve()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg), ad)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	ec, err := mapESIConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	esiLog := log.With(logx.String("comp", "esi"))
	ec.OnRefresh = func(characterID int64, refreshToken string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := store.UpdateAccountToken(ctx, characterID, refreshToken); err != nil {
			esiLog.Warn("persist rotated refresh token failed", logx.Int64("character_id", characterID), logx.Err(err))
		}
	}
	esiClient := esi.New(ec, esiLog)

	nc, err := mapNotifierConfig(cfg, rs)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	notif := notifier.New(nc, ad, log.With(logx.String("comp", "notifier")), bus)

	eng := relay.New(store, esiClient, notif, notif, bus, log.With(logx.String("comp", "relay")), mapRelaySettings(rs))

	// Downtime is defined in UTC; keep job times in the same zone.
	sched := scheduler.New(scheduler.Config{Timezone: "UTC"}, log.With(logx.String("comp", "scheduler")))

	a := &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		adapter:   ad,
		esi:       esiClient,
		notif:     notif,
		relay:     eng,
		sched:     sched,
		metrics:   ops.NewMetrics(),
		startedAt: time.Now(),
		updates:   make(chan kit.Update, 256),
	}

	h := &commands.Handlers{
		Relay:     eng,
		Counter:   store,
		Schedules: sched,
		StartedAt: a.startedAt,
	}
	a.cmdm = router.NewCommandManager(log.With(logx.String("comp", "commands")), ad, cfg.Telegram.OwnerUserIDs)
	a.cmdm.SetRegistry(h.Commands())

	oc, err := mapOpsConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.ops = ops.New(oc, ops.Sources{
		Counts:      store.Counts,
		Unreachable: notif.Snapshot,
		Jobs:        sched.Snapshot,
		Supervisor:  a.supervisorSnapshot,
		Metrics:     a.metrics,
		StartedAt:   a.startedAt,
	}, log.With(logx.String("comp", "ops")))

	if err := registerJobs(sched, eng, rs); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) supervisorSnapshot() rtsup.Snapshot {
	if a.sup == nil {
		return rtsup.Snapshot{}
	}
	return a.sup.Snapshot()
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

// validate rejects hot-reloads that would not map onto the running services.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	rs, err := cfg.Relay.Resolve()
	if err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg, rs); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	_, err = mapESIConfig(cfg)
	return err
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())
	a.ops.Start(a.sup.Context())

	a.sup.Go("ops.metrics", func(c context.Context) error {
		return a.metrics.Run(c, a.bus)
	})
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("commands.menu", a.cmdm.PublishMenu)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	if reason == "" {
		reason = StopUnknown
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so pollers and loops start unwinding immediately.
	a.sup.Cancel()

	// step runs fn with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	// The scheduler waits for running ticks, so it stops before the store closes.
	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
