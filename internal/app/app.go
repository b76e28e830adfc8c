package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"alertwatch/internal/alert"
	"alertwatch/internal/alertstore"
	"alertwatch/internal/config"
	"alertwatch/internal/detector"
	"alertwatch/internal/dispatch"
	"alertwatch/internal/eventbus"
	"alertwatch/internal/monitor"
	"alertwatch/internal/observability"
	"alertwatch/internal/runtime/sdnotify"
	"alertwatch/internal/runtime/supervisor"
	"alertwatch/internal/storage"
	"alertwatch/internal/transport/telegram"
	logx "alertwatch/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	alerts  *alertstore.Store
	cursors *storage.Cursors

	disp    *dispatch.Dispatcher
	mon     *monitor.Monitor
	metrics *observability.Metrics
	obs     *observability.Server
	sd      *sdnotify.Notifier

	telegramReady bool
	grace         time.Duration
}

// New loads the config, sets up logging and connects every backend. ctx
// bounds the initial database connection.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath, nil)
	cfgm.SetLogger(logx.NewConsole("INFO"))
	cfg, err := cfgm.Parse()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	cfgm.Commit(cfg)

	// The sink is offline until a token is configured.
	var sender logx.Sender
	if tok := strings.TrimSpace(cfg.Telegram.Token); tok != "" {
		tg, err := telegram.New(telegram.Config{Token: tok})
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sender = tg
	}

	// logx.New applies immediately; bootstrap with the sink off, set the
	// target, then apply the final config.
	logCfg := mapLoggingConfig(cfg, sender != nil)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, sender)
	logSvc.SetTelegramTarget(cfg.Telegram.ChatID, cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logCfg)
	cfgm.SetLogger(log)
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgm:          cfgm,
		log:           log,
		logs:          logSvc,
		bus:           eventbus.New(),
		sd:            sdnotify.New(log),
		telegramReady: sender != nil,
	}
	if err := a.build(ctx, cfg); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	st, err := storage.Open(sc, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.store = st
	a.log.Info("cursor storage ready", logx.String("driver", sc.Driver))

	alerts, err := alertstore.Open(ctx, mapAlertstoreConfig(cfg), a.log)
	if err != nil {
		return err
	}
	a.alerts = alerts
	a.cursors = storage.NewCursors(st, alerts, a.log)

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return err
	}
	smtpCfg := mapSMTPConfig(cfg)
	var mailer dispatch.Mailer
	if err := smtpCfg.Ready(); err != nil {
		// Each email attempt then reports a config gap.
		a.log.Warn("email channel disabled", logx.Err(err))
	} else {
		mailer = dispatch.NewSMTPMailer(smtpCfg)
	}
	whTimeout, err := config.ParseDurationField("dispatch.webhook_timeout", cfg.Dispatch.WebhookTimeout)
	if err != nil {
		return err
	}
	a.disp = dispatch.New(dcfg, mailer, dispatch.NewWebhookClient(whTimeout), a.bus, a.log)

	mcfg, err := mapMonitorConfig(cfg)
	if err != nil {
		return err
	}
	mon, err := monitor.New(mcfg, monitor.Deps{
		Store:      alerts,
		Directory:  alerts,
		Detector:   detector.New(alerts, a.cursors, a.log),
		Dispatcher: a.disp,
		Cursors:    a.cursors,
		Bus:        a.bus,
	}, a.log)
	if err != nil {
		return err
	}
	a.mon = mon
	a.grace = mcfg.GracePeriod
	if a.grace <= 0 {
		a.grace = 10 * time.Second
	}

	ocfg, err := mapObservabilityConfig(cfg)
	if err != nil {
		return err
	}
	a.metrics = observability.NewMetrics()
	a.obs = observability.NewServer(ocfg, a.metrics, a.health, a.log.With(logx.String("comp", "observability")))
	return nil
}

func (a *App) health() (any, bool) {
	h := a.mon.Health()
	return h, a.mon.State() != monitor.StateStopped
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
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	a.sup.Go0("metrics", func(c context.Context) {
		a.metrics.Run(c, a.bus)
	})
	if err := a.obs.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("monitor", func(c context.Context) error {
		return a.mon.Run(c)
	})

	// Debug-level so frequent cycles stay quiet.
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
		last := a.cfgm.Get()
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
				a.applyConfig(last, newCfg)
				last = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go0("sdnotify.watchdog", func(c context.Context) {
		a.sd.Watchdog(c, func() bool { return a.mon.State() != monitor.StateStopped })
	})
	a.sd.Ready("monitoring")

	a.log.Info("app started", logx.String("schedule", a.mon.Health().Schedule))
	return nil
}

// applyConfig applies the live sections of a reload. Everything else is
// logged as needing a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if pending := config.Restartable(sections); len(pending) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(pending, ",")))
	}

	// update log target first (so Apply() doesn't warn when Telegram logging is enabled)
	a.logs.SetTelegramTarget(newCfg.Telegram.ChatID, newCfg.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLoggingConfig(newCfg, a.telegramReady))

	if dcfg, err := mapDispatchConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dcfg)
	}
	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// The monitor holds in-flight dispatches for up to the grace period.
	a.step(ctx, "supervisor", a.grace+3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "observability", time.Second, func(c context.Context) error { return a.obs.Stop(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.closeBackends() })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
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
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}

func (a *App) closeBackends() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	if a.alerts != nil {
		errs = append(errs, a.alerts.Close())
		a.alerts = nil
	}
	return errors.Join(errs...)
}

// close releases what New managed to open. Used on failed startup and by
// the one-shot commands.
func (a *App) close() {
	if err := a.closeBackends(); err != nil {
		a.log.Warn("close failed", logx.Err(err))
	}
	if a.logs != nil {
		a.logs.Close()
	}
}

// Close releases an app that was never started.
func (a *App) Close() { a.close() }

// TestNotify sends a test message to one subscriber over the channels its
// settings enable. The per-kind toggles are ignored.
func (a *App) TestNotify(ctx context.Context, subscriberID string, kind alert.Kind) (dispatch.Result, error) {
	sub, err := a.alerts.Subscriber(ctx, subscriberID)
	if err != nil {
		return dispatch.Result{}, err
	}
	setting, err := a.alerts.Setting(ctx, subscriberID)
	if err != nil {
		return dispatch.Result{}, err
	}
	res := a.disp.SendTest(ctx, sub, kind, setting)
	a.log.Info("test notification",
		logx.String("subscriber", sub.ID),
		logx.String("kind", kind.String()),
		logx.String("result", res.Summary()))
	return res, res.Err
}
