package app

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"voicetray/internal/config"
	"voicetray/internal/eventbus"
	"voicetray/internal/indicator"
	"voicetray/internal/ingress/httpapi"
	"voicetray/internal/ingress/mqtt"
	"voicetray/internal/relay"
	"voicetray/internal/runtime/supervisor"
	"voicetray/internal/speech"
	"voicetray/internal/storage"
	"voicetray/internal/watcher"
	logx "voicetray/pkg/logx"
)

// Option customizes collaborators, mostly for tests.
type Option func(*options)

type options struct {
	engine  relay.Engine
	dialer  mqtt.Dialer
	version string
}

// WithEngine replaces the subprocess speech engine.
func WithEngine(e relay.Engine) Option { return func(o *options) { o.engine = e } }

// WithDialer replaces the paho broker dialer.
func WithDialer(d mqtt.Dialer) Option { return func(o *options) { o.dialer = d } }

func WithVersion(v string) Option { return func(o *options) { o.version = v } }

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	relay     *relay.Service
	speech    *speech.Engine
	retention *relay.Retention

	mqtt   *mqtt.Manager
	agents *mqtt.AgentStatus

	api    *httpapi.API
	server *httpapi.Server

	watch *loopRunner
	tray  *loopRunner
	icon  atomic.Value // indicator.Indicator
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	o := options{dialer: mqtt.PahoDialer{}}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg.Logging))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorage(cfg.Storage); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("history storage enabled", logx.String("driver", sc.Driver))
	}

	var speechEng *speech.Engine
	engine := o.engine
	if engine == nil {
		speechEng, err = speech.New(mapSpeechConfig(cfg.Speech), log.With(logx.String("comp", "speech")))
		if err != nil {
			closeStore(store)
			return nil, err
		}
		engine = speechEng
	}

	var hist relay.HistorySink
	if store != nil {
		hist = store
	}
	relaySvc := relay.New(relay.Options{
		Engine:     engine,
		Defaults:   mapRelayDefaults(cfg.Speech),
		MaxEntries: cfg.Timeline.MaxEntries,
		Log:        log.With(logx.String("comp", "relay")),
		Bus:        bus,
		History:    hist,
		Session:    uuid.NewString(),
	})

	retention := relay.NewRetention(relaySvc, log.With(logx.String("comp", "retention")))
	sweep, maxAge, err := mapRetention(cfg.Timeline)
	if err == nil {
		err = retention.Apply(sweep, maxAge)
	}
	if err != nil {
		closeStore(store)
		return nil, err
	}

	mqttLog := log.With(logx.String("comp", "mqtt"))
	mqtt.RouteLibraryLogs(log.With(logx.String("comp", "paho")))
	settings, err := mapMQTTSettings(cfg.MQTT)
	if err != nil {
		closeStore(store)
		return nil, err
	}
	adapter := mqtt.NewAdapter(relaySvc, mqttLog)
	mgr, err := mqtt.New(mqtt.Options{
		Dialer:   o.dialer,
		Settings: settings,
		Handler:  adapter.Handle,
		Log:      mqttLog,
		Bus:      bus,
		Version:  o.version,
	})
	if err != nil {
		closeStore(store)
		return nil, err
	}
	relaySvc.SetConnState(mgr.ConnInfo)

	a := &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		relay:     relaySvc,
		speech:    speechEng,
		retention: retention,
		mqtt:      mgr,
		agents:    mqtt.NewAgentStatus(mgr, bus, mqttLog),
		watch:     newLoopRunner("watcher", log),
		tray:      newLoopRunner("indicator", log),
	}
	a.icon.Store(indicator.Idle)

	a.api = httpapi.New(httpapi.Deps{
		Relay:  relaySvc,
		Config: cfgm,
		Bus:    bus,
		Log:    log.With(logx.String("comp", "http")),
		Health: a.counters,
	})
	if store != nil {
		a.api.SetHistory(store)
	}
	a.server = httpapi.NewServer(mapServerConfig(cfg.Server), a.api.Handler(), log.With(logx.String("comp", "http")))
	a.server.OnListen(func(addr net.Addr) { relaySvc.SetServerPort(httpapi.Port(addr)) })

	return a, nil
}

func closeStore(st storage.Store) {
	if st != nil {
		_ = st.Close()
	}
}

// Relay exposes the relay service (status, timeline).
func (a *App) Relay() *relay.Service { return a.relay }

// Addr is the bound HTTP address, empty until the listener is up.
func (a *App) Addr() string { return a.server.Addr() }

// Ready is closed once the HTTP listener is bound.
func (a *App) Ready() <-chan struct{} { return a.server.Ready() }

// Indicator is the most recent tray state.
func (a *App) Indicator() indicator.Indicator {
	v, _ := a.icon.Load().(indicator.Indicator)
	return v
}

func (a *App) counters() supervisor.Counters {
	if a.sup == nil {
		return supervisor.Counters{}
	}
	return a.sup.Counters()
}

// Done is closed when the app supervisor context is canceled (Stop or parent cancel).
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

// validate rejects a config before it is committed, by hot reload or by the API.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, err := mapMQTTSettings(cfg.MQTT); err != nil {
		return err
	}
	if _, _, err := mapRetention(cfg.Timeline); err != nil {
		return err
	}
	if _, _, err := mapWatcherConfig(cfg.Watcher); err != nil {
		return err
	}
	if _, err := mapIndicatorInterval(cfg.Indicator); err != nil {
		return err
	}
	if _, _, err := mapStorage(cfg.Storage); err != nil {
		return err
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	// Worker failures are restarted in place; nothing cancels the daemon but Stop.
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(false))
	a.cfgm.SetValidator(a.validate)
	cfg := a.cfgm.Get()

	a.sup.GoRestart("relay.worker", a.relay.Run)
	a.retention.Start()
	a.sup.GoRestart("mqtt.manager", a.mqtt.Run)
	a.sup.GoRestart("mqtt.agent_status", a.agents.Run)

	a.server.Start(a.sup.Context())

	a.applyWatcher(cfg.Watcher)
	a.applyIndicator(cfg.Indicator)

	if a.bus != nil {
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
					a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	// hot reload config fan-out
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
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
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

	a.log.Info("app started",
		logx.String("server.addr", cfg.Server.Addr),
		logx.Bool("mqtt.enabled", cfg.MQTT.IsEnabled()),
		logx.Bool("watcher.enabled", cfg.Watcher.Enabled),
	)
	return nil
}

func (a *App) applyConfig(c context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogging(next.Logging))

	if a.speech != nil {
		if err := a.speech.Apply(mapSpeechConfig(next.Speech)); err != nil {
			a.log.Warn("invalid speech config; keeping previous", logx.Err(err))
		}
	}
	a.relay.SetDefaults(mapRelayDefaults(next.Speech))
	a.relay.Timeline().SetMax(next.Timeline.MaxEntries)

	if sweep, maxAge, err := mapRetention(next.Timeline); err != nil {
		a.log.Warn("invalid timeline config; keeping previous", logx.Err(err))
	} else if err := a.retention.Apply(sweep, maxAge); err != nil {
		a.log.Warn("invalid timeline sweep; keeping previous", logx.Err(err))
	}

	if config.MQTTChanged(prev.MQTT, next.MQTT) {
		if s, err := mapMQTTSettings(next.MQTT); err != nil {
			a.log.Warn("invalid mqtt config; keeping previous", logx.Err(err))
		} else if err := a.mqtt.Reconfigure(s); err != nil {
			a.log.Warn("mqtt reconfigure rejected", logx.Err(err))
		}
	}

	a.server.Reconfigure(c, mapServerConfig(next.Server))

	if prev.Watcher != next.Watcher {
		a.applyWatcher(next.Watcher)
	}
	if prev.Indicator != next.Indicator {
		a.applyIndicator(next.Indicator)
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func (a *App) applyWatcher(wc config.WatcherConfig) {
	cfg, enabled, err := mapWatcherConfig(wc)
	if err != nil {
		a.log.Warn("invalid watcher config; keeping previous", logx.Err(err))
		return
	}
	if !enabled {
		if a.watch.Running() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = a.watch.Stop(stopCtx)
			cancel()
			a.log.Info("session watcher disabled via config")
		}
		return
	}
	w := watcher.New(cfg, a.relay, a.log.With(logx.String("comp", "watcher")))
	a.watch.Restart(a.sup.Context(), w.Run)
}

func (a *App) applyIndicator(ic config.IndicatorConfig) {
	interval, err := mapIndicatorInterval(ic)
	if err != nil {
		a.log.Warn("invalid indicator config; keeping previous", logx.Err(err))
		return
	}
	p := indicator.NewPoller(a.relay, interval, a.indicatorChanged)
	a.tray.Restart(a.sup.Context(), p.Run)
}

func (a *App) indicatorChanged(prev, next indicator.Indicator, st relay.Status) {
	a.icon.Store(next)
	a.log.Debug("indicator changed",
		logx.String("from", string(prev)),
		logx.String("to", string(next)),
		logx.String("mqtt_status", st.MQTTStatus),
	)
	a.bus.Publish(eventbus.Event{
		Type: eventbus.IndicatorChanged,
		Data: map[string]string{"from": string(prev), "to": string(next)},
	})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context so background loops start unwinding immediately.
	// An utterance in progress is killed with it.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
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
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; a late finish is logged as a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	step("http", 2*time.Second, func(c context.Context) error { a.server.Stop(c); return nil })
	step("watcher", 1*time.Second, a.watch.Stop)
	step("indicator", 1*time.Second, a.tray.Stop)
	step("retention", 1*time.Second, a.retention.Stop)
	step("relay", 1*time.Second, func(context.Context) error { a.relay.Close(); return nil })

	// Waits for the relay worker (history of the killed utterance) and the
	// mqtt manager (offline announcement) before storage goes away.
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
