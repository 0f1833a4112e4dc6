// Package app wires the relay together: config, logging, storage, the
// transport bridge, the session manager, the alert gate, the dispatch engine
// and the supporting services. It owns startup/shutdown ordering and the
// hot-reload fan-out.
package app

import (
	"context"
	"fmt"
	"time"

	"wagate/internal/alert"
	"wagate/internal/config"
	"wagate/internal/dispatch"
	"wagate/internal/eventbus"
	"wagate/internal/gate"
	"wagate/internal/health"
	"wagate/internal/maintenance"
	"wagate/internal/operator"
	"wagate/internal/registry"
	"wagate/internal/runtime/supervisor"
	"wagate/internal/session"
	"wagate/internal/store"
	"wagate/internal/transport"
	"wagate/internal/transport/bridge"
	"wagate/pkg/logx"
)

// Housekeeping horizons for the periodic sweep.
const (
	historyRetention = 24 * time.Hour
	auditRetention   = 30 * 24 * time.Hour
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  store.Store
	sess   transport.Session
	mgr    *session.Manager
	reg    *registry.Registry
	gate   *gate.Gate
	engine *dispatch.Engine
	health *health.Aggregator
	oper   *operator.Service
	maint  *maintenance.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var st store.Store
	if sc, err := mapStoreConfig(cfg); err != nil {
		return nil, err
	} else {
		s, err := store.Open(sc, log.With(logx.String("comp", "store")))
		if err != nil {
			return nil, err
		}
		st = s
		if st != nil {
			log.Info("storage enabled", logx.String("driver", sc.Driver))
		}
	}

	bridgeCfg, err := mapBridgeConfig(cfg)
	if err != nil {
		return nil, err
	}
	br, err := bridge.New(bridgeCfg, log.With(logx.String("comp", "bridge")))
	if err != nil {
		return nil, err
	}

	sessCfg, err := mapSessionConfig(cfg)
	if err != nil {
		return nil, err
	}
	mgr := session.New(sessCfg, br, st, bus, log.With(logx.String("comp", "session")))

	reg, err := registry.New(cfg.Recipients, log.With(logx.String("comp", "registry")))
	if err != nil {
		return nil, err
	}

	gateCfg, err := mapGateConfig(cfg)
	if err != nil {
		return nil, err
	}
	g := gate.New(gateCfg, bus, log.With(logx.String("comp", "gate")))

	dispCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	engine := dispatch.New(dispCfg, br, mgr, reg, st, bus, log.With(logx.String("comp", "dispatch")))

	var oper *operator.Service
	if oc := cfg.Operator; oc != nil && oc.Enabled {
		oper, err = operator.New(operator.Config{
			Token:      oc.Token,
			ChatID:     oc.ChatID,
			RatePerSec: float64(oc.RatePerSec),
		}, bus, log)
		if err != nil {
			return nil, err
		}
	}

	maint := maintenance.New(cfg.Maintenance.SweepSpec, log)

	a := &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  st,
		sess:   br,
		mgr:    mgr,
		reg:    reg,
		gate:   g,
		engine: engine,
		health: health.New(mgr, reg, g, engine.History()),
		oper:   oper,
		maint:  maint,
	}
	a.registerSweeps()
	return a, nil
}

func (a *App) registerSweeps() {
	a.maint.Add("gate.sweep", func(ctx context.Context) error {
		a.gate.Sweep(time.Now())
		return nil
	})
	a.maint.Add("history.trim", func(ctx context.Context) error {
		a.engine.History().TrimOlderThan(time.Now().Add(-historyRetention))
		return nil
	})
	if a.store != nil {
		a.maint.Add("audit.prune", func(ctx context.Context) error {
			_, err := a.store.PruneAudit(ctx, time.Now().Add(-auditRetention))
			return err
		})
	}
}

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		// Normalization failures should reject the reload, not surface later
		// as a half-applied registry.
		for _, raw := range cfg.Recipients.Numbers {
			if _, err := registry.Normalize(raw, registry.Options{
				CountryPrefix: cfg.Recipients.CountryPrefix,
				MinDigits:     cfg.Recipients.MinDigits,
			}); err != nil {
				return err
			}
		}
		return nil
	})

	if err := a.mgr.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.oper != nil {
		a.oper.Start(a.sup.Context())
	}
	if err := a.maint.Start(a.sup.Context()); err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// applyConfig handles the hot-reloadable subset: logging, recipients and gate
// policy. Transport, session and dispatch settings need a restart; changing
// them mid-flight would mean tearing down the live connection.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if err := a.reg.Reload(cfg.Recipients); err != nil {
		a.log.Warn("recipients reload failed; keeping previous set", logx.Err(err))
	}

	if gc, err := mapGateConfig(cfg); err != nil {
		a.log.Warn("invalid gate config; keeping previous", logx.Err(err))
	} else {
		a.gate.Apply(gc)
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
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
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	if a.oper != nil {
		step("operator", 1*time.Second, func(c context.Context) error { a.oper.Stop(c); return nil })
	}
	step("session", 3*time.Second, func(c context.Context) error { a.mgr.Stop(c); return nil })
	if a.store != nil {
		step("store", 1*time.Second, func(context.Context) error { return a.store.Close() })
	}
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

// ---- front-door API ----

// Notify runs an alert through the gate and, when admitted, dispatches it to
// every registered recipient. A suppressed alert returns the gate decision
// with a zero summary and no error.
func (a *App) Notify(ctx context.Context, al alert.Alert) (dispatch.Summary, gate.Decision, error) {
	if err := al.Validate(); err != nil {
		return dispatch.Summary{}, gate.Decision{}, err
	}
	dec := a.gate.Admit(al)
	if !dec.Admitted {
		return dispatch.Summary{}, dec, nil
	}
	sum, err := a.engine.Dispatch(ctx, al)
	return sum, dec, err
}

// Health returns the aggregated health snapshot.
func (a *App) Health() health.Snapshot { return a.health.Snapshot() }

// HTTPListen is the configured front-door bind address ("" disables it).
func (a *App) HTTPListen() string { return a.cfgm.Get().HTTP.Listen }

// Logout invalidates the network session server-side. The session manager
// observes the resulting logged-out close and terminates.
func (a *App) Logout(ctx context.Context) error { return a.sess.Logout(ctx) }

// ---- config mapping ----

func mapBridgeConfig(cfg *config.Config) (bridge.Config, error) {
	hi, err := config.ParseDurationOrDefault("transport.health_interval", cfg.Transport.HealthInterval, 2*time.Second)
	if err != nil {
		return bridge.Config{}, err
	}
	rt, err := config.ParseDurationOrDefault("transport.request_timeout", cfg.Transport.RequestTimeout, 30*time.Second)
	if err != nil {
		return bridge.Config{}, err
	}
	return bridge.Config{BaseURL: cfg.Transport.BaseURL, HealthInterval: hi, RequestTimeout: rt}, nil
}

func mapSessionConfig(cfg *config.Config) (session.Config, error) {
	base, err := config.ParseDurationOrDefault("session.reconnect_base", cfg.Session.ReconnectBase, 2*time.Second)
	if err != nil {
		return session.Config{}, err
	}
	max, err := config.ParseDurationOrDefault("session.reconnect_max", cfg.Session.ReconnectMax, 5*time.Minute)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		ReconnectBase:    base,
		ReconnectMax:     max,
		ReconnectCeiling: cfg.Session.ReconnectCeiling,
	}, nil
}

func mapGateConfig(cfg *config.Config) (gate.Config, error) {
	cd, err := config.ParseDurationOrDefault("gate.cooldown", cfg.Gate.Cooldown, 45*time.Second)
	if err != nil {
		return gate.Config{}, err
	}
	ret, err := config.ParseDurationOrDefault("gate.retention", cfg.Gate.Retention, time.Hour)
	if err != nil {
		return gate.Config{}, err
	}
	hourly := cfg.Gate.HourlyMax
	switch {
	case hourly == 0:
		hourly = 20
	case hourly < 0:
		hourly = 0 // explicit -1 disables the cap
	}
	return gate.Config{Cooldown: cd, HourlyMax: hourly, Retention: ret}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	st, err := config.ParseDurationOrDefault("dispatch.send_timeout", cfg.Dispatch.SendTimeout, 30*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Workers:     cfg.Dispatch.Workers,
		SendTimeout: st,
		RatePerSec:  float64(cfg.Dispatch.RatePerSec),
		HistorySize: cfg.Dispatch.HistorySize,
	}, nil
}

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	sc := cfg.Storage
	if sc == nil {
		return store.Config{Driver: "file", Path: "./data"}, nil
	}
	bt, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{Driver: sc.Driver, Path: sc.Path, BusyTimeout: bt}, nil
}
