// Package app wires castbot together: config, logging, storage, transport,
// the broadcast service, the command router and the ops server.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	telegram "castbot/internal/adapters/telegram"
	"castbot/internal/bot"
	"castbot/internal/broadcast"
	"castbot/internal/config"
	"castbot/internal/directory"
	"castbot/internal/eventbus"
	"castbot/internal/eventbus/rabbitmq"
	"castbot/internal/observability/metrics"
	"castbot/internal/observability/ops"
	"castbot/internal/router"
	"castbot/internal/runtime/supervisor"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

// routerWorkers bounds concurrent update handling. A confirmed broadcast
// holds its worker until the last recipient, so the pool is sized for a
// handful of runs in flight with room left for everyone else.
const routerWorkers = 32

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	storageDriver string

	adapter *telegram.Adapter
	sender  *bot.Sender
	disp    *broadcast.Dispatcher
	svc     *broadcast.Service
	refresh *directory.Refresher
	bot     *bot.Bot
	router  *router.Router
	ops     *ops.Service
	events  *rabbitmq.Forwarder // nil when forwarding is disabled

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
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

	// logx.New applies the config at once, and Telegram logging without a
	// target warns. Start with it off, set the target, then apply for real.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	if chatID, ok := logTarget(cfg); ok {
		logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(logCfg)
	appLog := log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	appLog.Info("storage ready", logx.String("driver", sc.Driver))

	policy, err := mapPolicy(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewBroadcastMetrics(reg)

	bus := eventbus.New()
	sender := bot.NewSender(ad, parseMode(cfg))
	disp := broadcast.NewDispatcher(sender, policy, log.With(logx.String("comp", "dispatcher")),
		broadcast.WithDeliveryObserver(m.ObserveDelivery))

	dir := directory.New(store, ad, log.With(logx.String("comp", "directory")))
	refresh := directory.NewRefresher(dir, log.With(logx.String("comp", "directory")))
	if err := refresh.Apply(cfg.Directory.RefreshSchedule); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("directory.refresh_schedule: %w", err)
	}

	svc := broadcast.NewService(
		broadcast.NewSessionStore(),
		dir,
		disp,
		bot.NewPresenter(ad, sender, log.With(logx.String("comp", "presenter"))),
		broadcast.WithLogger(log.With(logx.String("comp", "broadcast"))),
		broadcast.WithBus(bus),
		broadcast.WithAudit(store),
		broadcast.WithObserver(m),
	)
	metrics.RegisterSessionGauge(reg, svc.Sessions().Active)

	b := bot.New(bot.Deps{
		Service:   svc,
		Directory: dir,
		Store:     store,
		Adapter:   ad,
		Sender:    sender,
		Log:       log.With(logx.String("comp", "bot")),
		Owners:    cfg.Telegram.OwnerUserIDs,
	})
	rt := router.New(ad, b, log.With(logx.String("comp", "router")),
		router.WithWorkers(routerWorkers),
		router.WithObserver(b.TrackUser),
	)
	rt.SetRegistry(b.Commands(), b.Callbacks(), b.Fallback)

	a := &App{
		cfgm:          cfgm,
		log:           appLog,
		logs:          logSvc,
		bus:           bus,
		store:         store,
		storageDriver: sc.Driver,
		adapter:       ad,
		sender:        sender,
		disp:          disp,
		svc:           svc,
		refresh:       refresh,
		bot:           b,
		router:        rt,
		updates:       make(chan kit.Update, 256),
	}
	a.ops = ops.New(opsCfg, reg, a.health, log.With(logx.String("comp", "ops")))
	if ec, ok := mapEventsConfig(cfg); ok {
		a.events = rabbitmq.New(ec, log.With(logx.String("comp", "events")))
	}
	return a, nil
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
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional reload: a config is committed only when every mapping
	// accepts it.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapPolicy(cfg); err != nil {
			return err
		}
		if _, err := mapOpsConfig(cfg); err != nil {
			return err
		}
		_, err := mapStorageConfig(cfg)
		return err
	})

	runCtx := a.sup.Context()
	if err := a.bot.SeedOwners(runCtx); err != nil {
		a.log.Warn("seeding owner admins failed", logx.Err(err))
	}
	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	if err := a.adapter.UpdateMenuCommands(runCtx, a.router.MenuCommands()); err != nil {
		a.log.Warn("menu commands update failed", logx.Err(err))
	}

	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	if err := a.refresh.Start(runCtx); err != nil {
		a.log.Warn("channel refresh not started", logx.Err(err))
	}
	a.ops.Start(runCtx)

	if a.events != nil {
		a.sup.GoRestart("events.forward", func(c context.Context) error {
			if err := a.events.Connect(c); err != nil {
				return err
			}
			return a.events.Run(c, a.bus)
		}, supervisor.WithRestartBackoff(time.Second, time.Minute))
	}

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

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
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
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	sdNotify(a.log, daemon.SdNotifyReady)
	a.sup.Go0("systemd.watchdog", func(c context.Context) { sdWatchdog(c, a.log) })

	a.log.Info("app started", logx.String("bot", a.adapter.Username()))
	return nil
}

// applyConfig pushes a committed config into the running components. Changes
// to the token, storage and events sections are only logged; they need a
// restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	sdNotify(a.log, daemon.SdNotifyReloading)
	defer sdNotify(a.log, daemon.SdNotifyReady)

	if oldCfg != nil && oldCfg.Telegram.Token != newCfg.Telegram.Token {
		a.log.Warn("telegram token changed; restart required for changes to take effect")
	}
	for _, s := range sections {
		if s == "storage" || s == "events" {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	// Set the target first so Apply doesn't warn about Telegram logging.
	if chatID, ok := logTarget(newCfg); ok {
		a.logs.SetTelegramTarget(chatID, newCfg.Logging.Telegram.ThreadID)
	} else {
		a.logs.SetTelegramTarget(0, 0)
	}
	a.logs.Apply(mapLogConfig(newCfg))

	a.bot.SetOwners(newCfg.Telegram.OwnerUserIDs)
	if err := a.bot.SeedOwners(ctx); err != nil {
		a.log.Warn("seeding owner admins failed", logx.Err(err))
	}

	if pol, err := mapPolicy(newCfg); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.disp.SetPolicy(pol)
	}
	a.sender.SetParseMode(parseMode(newCfg))

	if err := a.refresh.Apply(newCfg.Directory.RefreshSchedule); err != nil {
		a.log.Warn("invalid refresh schedule; keeping previous", logx.Err(err))
	}

	if oc, err := mapOpsConfig(newCfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) health() map[string]any {
	h := map[string]any{
		"storage":         a.storageDriver,
		"active_sessions": a.svc.Sessions().Active(),
		"events_dropped":  eventbus.Dropped(a.bus),
	}
	if runs := a.svc.Runs(); len(runs) > 0 {
		h["last_run"] = runs[0].ID
		h["last_run_running"] = runs[0].Running
	}
	if a.events != nil {
		published, failed := a.events.Stats()
		h["events_published"] = published
		h["events_failed"] = failed
	}
	return h
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	a.step(ctx, "refresher", 2*time.Second, func(c context.Context) error { a.refresh.Stop(c); return nil })
	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })

	// Router workers finish their current update (a running dispatch stops
	// at the next recipient once its context is canceled).
	a.step(ctx, "supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.step(ctx, "events", time.Second, func(context.Context) error {
		if a.events != nil {
			return a.events.Close()
		}
		return nil
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max so one component can't stall
// the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
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
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
