package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"novad/internal/config"
	"novad/internal/dispatch"
	"novad/internal/eventbus"
	"novad/internal/heartbeat"
	"novad/internal/oracle"
	"novad/internal/plugin"
	"novad/internal/runtime/supervisor"
	"novad/internal/server"
	"novad/internal/storage"
	"novad/internal/voice"
	logx "novad/pkg/logx"
)

// App owns every component of the daemon and drives their lifecycle:
// Starting -> Running (serve/heartbeat/watch) -> Stopping -> Stopped.
type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	registry   *plugin.Registry
	dispatcher *dispatch.Dispatcher
	server     *server.Server
	hb         *heartbeat.Service
	voice      *voice.Adapter
	oracle     *oracle.Oracle

	state     stateHolder
	startedAt time.Time
	pidFile   string
	grace     time.Duration

	// pmu guards the full plugin set, including plugins currently disabled
	// by config. The registry itself holds only the enabled subset.
	pmu       sync.Mutex
	available []plugin.Plugin

	// hbIntervalNS doubles as the snapshot window, in nanoseconds.
	hbIntervalNS atomic.Int64
}

func NewApp(cfgPath string) (*App, error) {
	if created, err := config.EnsureFile(cfgPath); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	} else if created {
		logx.NewConsole("INFO").Info("wrote default config", logx.String("path", cfgPath))
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
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

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		registry: plugin.NewRegistry(),
		pidFile:  cfg.Daemon.PidFile,
	}
	a.state.Set(StateStarting)

	a.voice = voice.New(mapVoiceConfig(cfg), log.With(logx.String("comp", "voice")))
	a.oracle = oracle.New(mapOracleConfig(cfg), log.With(logx.String("comp", "oracle")))

	a.dispatcher = dispatch.New(a.registry, store, bus, a, log.With(logx.String("comp", "dispatch")))

	srvCfg, err := mapServerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.server = server.New(srvCfg, a.dispatcher, log.With(logx.String("comp", "server")))

	hbCfg, err := mapHeartbeatConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.hb = heartbeat.New(hbCfg, a, store, bus, log.With(logx.String("comp", "heartbeat")))
	a.hbIntervalNS.Store(int64(hbCfg.Interval))

	grace, err := config.ParseDurationOrDefault("daemon.shutdown_grace", cfg.Daemon.ShutdownGrace, 5*time.Second)
	if err != nil {
		return nil, err
	}
	a.grace = grace

	// The shutdown command needs a handle on the app itself.
	a.available = []plugin.Plugin{&shutdownPlugin{app: a}}
	a.syncPlugins(cfg)

	return a, nil
}

// Accessors for plugin construction in main.
func (a *App) Voice() *voice.Adapter  { return a.voice }
func (a *App) Oracle() *oracle.Oracle { return a.oracle }
func (a *App) Store() storage.Store   { return a.store }
func (a *App) Bus() eventbus.Bus      { return a.bus }
func (a *App) Logger() logx.Logger    { return a.log }

// Level returns the current awareness level name derived from the
// lifetime interaction count.
func (a *App) Level(ctx context.Context) (string, int64, error) {
	count, err := a.store.InteractionCount(ctx)
	if err != nil {
		return "", 0, err
	}
	cfg := a.cfgm.Get()
	return awarenessLevel(count, cfg.Awareness), count, nil
}

// Register adds plugins to the known set, then syncs the registry against
// the current config. A duplicate name is rejected and logged; startup
// continues without the offending plugin.
func (a *App) Register(plugins ...plugin.Plugin) {
	a.pmu.Lock()
	for _, p := range plugins {
		if p == nil {
			continue
		}
		if a.hasPluginLocked(p.Name()) {
			a.log.Warn("plugin registration rejected", logx.String("plugin", p.Name()), logx.Err(plugin.ErrDuplicate))
			continue
		}
		a.available = append(a.available, p)
	}
	a.pmu.Unlock()

	a.syncPlugins(a.cfgm.Get())
}

// hasPluginLocked reports whether name is already in the known set.
// Caller holds pmu.
func (a *App) hasPluginLocked(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, p := range a.available {
		if strings.ToLower(strings.TrimSpace(p.Name())) == name {
			return true
		}
	}
	return false
}

// syncPlugins rebuilds the registry from the known plugin set against cfg.
// It runs at startup, on every Register, and on every applied config
// reload, so enabling or disabling a plugin takes effect without a
// restart.
func (a *App) syncPlugins(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.pmu.Lock()
	known := append([]plugin.Plugin(nil), a.available...)
	a.pmu.Unlock()

	enabled := make([]plugin.Plugin, 0, len(known))
	for _, p := range known {
		pc, ok := cfg.Plugins[p.Name()]
		if ok && !pc.Enabled {
			a.log.Info("plugin disabled by config", logx.String("plugin", p.Name()))
			continue
		}
		if c, isCfg := p.(plugin.Configurable); isCfg && ok && len(pc.Config) > 0 {
			if err := c.Configure(pc.Config); err != nil {
				a.log.Warn("plugin config rejected", logx.String("plugin", p.Name()), logx.Err(err))
			}
		}
		enabled = append(enabled, p)
		a.log.Debug("plugin registered", logx.String("plugin", p.Name()))
	}
	a.registry.Replace(enabled...)
}

// Done is closed when the app supervisor context is canceled
// (fatal error, shutdown command, or Stop()).
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

// ShutdownGrace is the configured upper bound for a graceful stop
// (daemon.shutdown_grace).
func (a *App) ShutdownGrace() time.Duration { return a.grace }

// RequestShutdown asks the daemon to stop. Safe from any goroutine.
func (a *App) RequestShutdown() {
	if a.sup != nil {
		a.sup.Cancel()
	}
}

func (a *App) Start(ctx context.Context) error {
	a.startedAt = time.Now()

	if err := writePIDFile(a.pidFile); err != nil {
		return err
	}

	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	if err := a.server.Start(a.sup.Context()); err != nil {
		a.fail()
		return err
	}
	if err := a.hb.Start(a.sup.Context()); err != nil {
		a.fail()
		return err
	}

	// hot reload fan-out
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
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, last, newCfg)
				last = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	// Observability: surface bus traffic at debug level.
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

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		watchdogLoop(c, a.log)
	})

	if _, err := a.store.AppendEvent(a.sup.Context(), storage.SystemEvent{
		Type:   storage.EventStarted,
		Detail: fmt.Sprintf(`{"pid":%d}`, os.Getpid()),
	}); err != nil {
		a.log.Warn("start event append failed", logx.Err(err))
	}

	a.setState(StateRunning)
	sdNotify(a.log, "READY=1")
	a.log.Info("daemon started",
		logx.String("socket", a.cfgm.Get().Socket.Path),
		logx.Int("plugins", a.registry.Len()),
		logx.Int("pid", os.Getpid()),
	)
	return nil
}

// Reload re-reads the config file on SIGHUP. A bad config is rejected
// and the running config stays active.
func (a *App) Reload(ctx context.Context) {
	if !a.state.CompareAndSwap(StateRunning, StateReloading) {
		a.log.Warn("reload ignored", logx.String("state", a.state.Get().String()))
		return
	}
	sdNotify(a.log, "RELOADING=1")

	_, err := a.cfgm.Reload(ctx)
	if err != nil {
		a.log.Warn("reload rejected; keeping previous config", logx.Err(err))
	} else {
		if _, aerr := a.store.AppendEvent(ctx, storage.SystemEvent{Type: storage.EventReloaded}); aerr != nil {
			a.log.Warn("reload event append failed", logx.Err(aerr))
		}
		a.log.Info("config reloaded", logx.String("path", a.cfgm.Path()))
	}

	a.setState(StateRunning)
	sdNotify(a.log, "READY=1")
}

// applyConfig pushes a committed config into the running components.
// Socket and storage changes need a restart; everything else is live.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	if newCfg == nil {
		return
	}

	a.logs.Apply(logx.Config{
		Level:   newCfg.Logging.Level,
		Console: newCfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: newCfg.Logging.File.Enabled,
			Path:    newCfg.Logging.File.Path,
		},
	})

	if hbCfg, err := mapHeartbeatConfig(newCfg); err != nil {
		a.log.Warn("invalid heartbeat config; keeping previous", logx.Err(err))
	} else {
		a.hbIntervalNS.Store(int64(hbCfg.Interval))
		if err := a.hb.Apply(ctx, hbCfg); err != nil {
			a.log.Warn("heartbeat reconfigure failed", logx.Err(err))
		}
	}

	a.syncPlugins(newCfg)

	if oldCfg != nil {
		if oldCfg.Socket != newCfg.Socket {
			a.log.Warn("socket config changed; restart required for changes to take effect")
		}
		if oldCfg.Storage != newCfg.Storage {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded})
	a.log.Info("config applied", logx.String("path", a.cfgm.Path()))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.setState(StateStopping)
	sdNotify(a.log, "STOPPING=1")
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Record the stop before the store goes away.
	{
		ectx, cancel := context.WithTimeout(context.Background(), time.Second)
		if _, err := a.store.AppendEvent(ectx, storage.SystemEvent{
			Type:   storage.EventStopping,
			Detail: fmt.Sprintf(`{"reason":%q}`, reason),
		}); err != nil {
			a.log.Warn("stop event append failed", logx.Err(err))
		}
		cancel()
	}

	// Cancel the run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component
	// can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Each step is bounded by the configured shutdown grace; the caller's
	// deadline still wins when it is shorter.
	step("heartbeat", a.grace, func(c context.Context) error { return a.hb.Stop(c) })
	step("server", a.grace, func(c context.Context) error { return a.server.Stop(c) })
	step("supervisor", a.grace, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", a.grace, func(_ context.Context) error { return a.store.Close() })

	removePIDFile(a.pidFile)
	a.setState(StateStopped)
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) fail() {
	removePIDFile(a.pidFile)
	if a.sup != nil {
		a.sup.Cancel()
	}
}

func (a *App) setState(s State) {
	old := a.state.Get()
	a.state.Set(s)
	if a.bus != nil && old != s {
		a.bus.Publish(eventbus.Event{
			Type: eventbus.TypeStateChanged,
			Data: map[string]any{"from": old.String(), "to": s.String()},
		})
	}
}

// Snapshot implements heartbeat.Source: the derived status snapshot that
// heartbeat ticks persist.
func (a *App) Snapshot(ctx context.Context) (map[string]any, error) {
	level, count, err := a.Level(ctx)
	if err != nil {
		return nil, err
	}
	eventCounts, err := a.store.EventCountsByType(ctx)
	if err != nil {
		return nil, err
	}
	window := time.Duration(a.hbIntervalNS.Load())
	wc, err := a.store.Snapshot(ctx, window)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"state":        a.state.Get().String(),
		"level":        level,
		"interactions": count,
		"event_counts": eventCounts,
		"window": map[string]any{
			"seconds":      int64(window.Seconds()),
			"interactions": wc.Interactions,
			"by_command":   wc.ByKind,
			"events":       wc.Events,
		},
		"uptime_sec": int64(time.Since(a.startedAt).Seconds()),
		"components": map[string]any{
			"voice":   string(a.voice.Mode()),
			"oracle":  a.oracle.Enabled(),
			"storage": true,
		},
	}, nil
}

// Status implements dispatch.StatusProvider: everything Snapshot reports
// plus live server and goroutine counters.
func (a *App) Status(ctx context.Context) map[string]any {
	snap, err := a.Snapshot(ctx)
	if err != nil {
		snap = map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"state":     a.state.Get().String(),
			"error":     err.Error(),
		}
	}
	snap["pid"] = os.Getpid()
	snap["socket"] = a.cfgm.Get().Socket.Path
	snap["server"] = a.server.Stats()
	snap["plugins"] = a.registry.Names()
	if a.sup != nil {
		snap["goroutines"] = a.sup.Counters()
	}
	return snap
}

func awarenessLevel(count int64, cfg config.AwarenessConfig) string {
	aware, enhanced, transcendent := cfg.Aware, cfg.Enhanced, cfg.Transcendent
	if aware <= 0 {
		aware = 50
	}
	if enhanced <= 0 {
		enhanced = 200
	}
	if transcendent <= 0 {
		transcendent = 1000
	}
	switch {
	case count >= transcendent:
		return "transcendent"
	case count >= enhanced:
		return "enhanced"
	case count >= aware:
		return "aware"
	default:
		return "awakening"
	}
}

// shutdownPlugin lets clients stop the daemon over the socket.
type shutdownPlugin struct{ app *App }

func (p *shutdownPlugin) Name() string     { return "shutdown" }
func (p *shutdownPlugin) Describe() string { return "stop the daemon gracefully" }

func (p *shutdownPlugin) Handle(_ context.Context, _ plugin.Request) (plugin.Response, error) {
	// Delay the cancel slightly so the reply still reaches the client.
	time.AfterFunc(100*time.Millisecond, p.app.RequestShutdown)
	return plugin.Response{"stopping": true}, nil
}

// ---- config mapping ----

func mapServerConfig(cfg *config.Config) (server.Config, error) {
	readTimeout, err := config.ParseDurationOrDefault("socket.read_timeout", cfg.Socket.ReadTimeout, 5*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		Path:           strings.TrimSpace(cfg.Socket.Path),
		MaxConnections: cfg.Socket.MaxConnections,
		ReadTimeout:    readTimeout,
		RatePerSec:     cfg.Socket.RatePerSec,
	}, nil
}

func mapHeartbeatConfig(cfg *config.Config) (heartbeat.Config, error) {
	interval, err := config.ParseDurationOrDefault("heartbeat.interval", cfg.Heartbeat.Interval, time.Minute)
	if err != nil {
		return heartbeat.Config{}, err
	}
	return heartbeat.Config{
		Enabled:  cfg.Heartbeat.Enabled,
		Interval: interval,
	}, nil
}

func mapVoiceConfig(cfg *config.Config) voice.Config {
	if cfg.Voice == nil {
		return voice.Config{}
	}
	timeout, err := config.ParseDurationOrDefault("voice.timeout", cfg.Voice.Timeout, 15*time.Second)
	if err != nil {
		timeout = 15 * time.Second
	}
	return voice.Config{
		Enabled: cfg.Voice.Enabled,
		Model:   cfg.Voice.Model,
		Voice:   cfg.Voice.Voice,
		Timeout: timeout,
	}
}

func mapOracleConfig(cfg *config.Config) oracle.Config {
	if cfg.Oracle == nil {
		return oracle.Config{}
	}
	timeout, err := config.ParseDurationOrDefault("oracle.timeout", cfg.Oracle.Timeout, 30*time.Second)
	if err != nil {
		timeout = 30 * time.Second
	}
	return oracle.Config{
		Enabled: cfg.Oracle.Enabled,
		Model:   cfg.Oracle.Model,
		Timeout: timeout,
	}
}
