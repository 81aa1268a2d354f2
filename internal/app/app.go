package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cmdqueue/internal/command"
	"cmdqueue/internal/config"
	"cmdqueue/internal/diag"
	"cmdqueue/internal/engine"
	"cmdqueue/internal/eventbus"
	"cmdqueue/internal/memory"
	"cmdqueue/internal/pipeline"
	"cmdqueue/internal/predicate"
	"cmdqueue/internal/runtime/supervisor"
	"cmdqueue/internal/storage"
	logx "cmdqueue/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	diag  *diag.Sink

	engine    *engine.Engine
	pipelines []string
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	settings, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	var persister *memory.Persister
	if store != nil {
		persister = memory.NewPersister(store, settings.KeyPrefix, settings.Expiry, log.With(logx.String("comp", "memory")))
	}
	mem := memory.New(log.With(logx.String("comp", "memory")), persister)

	sink := diag.NewSink(log, bus, diag.Options{History: settings.DiagHistory, RatePerSec: settings.DiagRate})
	pred := predicate.New(predicate.Options{Lua: cfg.Predicate.Lua, LuaBudget: cfg.Predicate.LuaBudget}, log)

	eng := engine.New(mapEngineConfig(cfg, settings), engine.Deps{
		Log:       log,
		Bus:       bus,
		Diag:      sink,
		Memory:    mem,
		Predicate: pred,
	})

	caps, err := buildCapabilities(cfg)
	if err != nil {
		closeStore(store)
		return nil, err
	}
	if err := eng.Register(caps...); err != nil {
		closeStore(store)
		return nil, err
	}

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		diag:      sink,
		engine:    eng,
		pipelines: pipelinePaths(cfgPath, cfg.Pipelines),
	}, nil
}

func closeStore(st storage.Store) {
	if st != nil {
		_ = st.Close()
	}
}

func (a *App) Engine() *engine.Engine { return a.engine }

func (a *App) Diagnostics() *diag.Sink { return a.diag }

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

// Start starts the engine, submits the configured pipelines and, when
// watch is on, starts the config and pipeline watchers.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := buildCapabilities(cfg); err != nil {
			return err
		}
		for _, p := range pipelinePaths(a.cfgPath, cfg.Pipelines) {
			if _, err := pipeline.LoadFile(p); err != nil {
				return err
			}
		}
		return nil
	})

	// Queue lifecycle events at trace level. Subscribed before the pipelines
	// are submitted so boot chains are logged too.
	events, unsub := a.bus.SubscribePrefix(eventbus.QueuePrefix, 128)
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
				a.log.Trace("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	if err := a.engine.Start(a.sup.Context()); err != nil {
		return err
	}

	for _, p := range a.pipelines {
		entries, err := pipeline.LoadFile(p)
		if err != nil {
			return err
		}
		if err := a.engine.Submit(entries...); err != nil {
			return fmt.Errorf("pipeline %s: %w", p, err)
		}
		a.log.Info("pipeline submitted", logx.String("path", p), logx.Int("entries", len(entries)))
	}

	if a.cfgm.Get().Watch {
		a.startWatchers()
	}

	a.log.Info("app started", logx.Int("pipelines", len(a.pipelines)))
	return nil
}

// Watchers survive transient fsnotify failures; repeated failures are fatal.
var watchRestart = []supervisor.RestartOption{
	supervisor.WithRestartBackoff(time.Second, 30*time.Second),
	supervisor.WithMaxRestarts(5),
}

func (a *App) startWatchers() {
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
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	}, watchRestart...)

	for _, p := range a.pipelines {
		path := p
		a.sup.GoRestart("pipeline.watch:"+path, func(c context.Context) error {
			return pipeline.Watch(c, path, a.log, func(tpl []*command.Entry) error {
				return a.engine.Submit(tpl...)
			})
		}, watchRestart...)
	}
}

// applyConfig applies what can change live (logging) and warns about the rest.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, capChanged := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(capChanged) > 0 {
		a.log.Debug("capability config changes detected", logx.Any("capabilities", capChanged))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if config.RestartRequired(sections) {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("changed", strings.Join(sections, ",")))
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step runs one shutdown stage with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

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
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
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
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			// Leak signal: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	step("engine", 4*time.Second, a.engine.Stop)
	step("supervisor", 2*time.Second, a.sup.Wait)
	if n := a.sup.Active(); n > 0 {
		a.log.Warn("goroutines still running after stop", logx.Int64("active", n))
	}
	step("storage", time.Second, func(context.Context) error {
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
