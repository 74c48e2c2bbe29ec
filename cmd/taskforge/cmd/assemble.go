package cmd

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/geobrowser/taskforge/internal/agent"
	"github.com/geobrowser/taskforge/internal/backend"
	"github.com/geobrowser/taskforge/internal/config"
	"github.com/geobrowser/taskforge/internal/engine"
	"github.com/geobrowser/taskforge/internal/hooks"
	"github.com/geobrowser/taskforge/internal/invoker"
	"github.com/geobrowser/taskforge/internal/looper"
	"github.com/geobrowser/taskforge/internal/model"
	"github.com/geobrowser/taskforge/internal/pool"
	"github.com/geobrowser/taskforge/internal/server"
	"github.com/geobrowser/taskforge/internal/state"
)

// assembly is everything one loop run needs, constructed explicitly and
// injected — no package-level singletons.
type assembly struct {
	cfg      *config.Config
	log      *slog.Logger
	bus      *hooks.Bus
	store    *state.Store
	backend  *backend.FileBackend
	selector *model.Selector
	pools    *pool.Manager
	engine   *engine.Engine
	looper   *looper.Looper
	server   *server.Server // nil unless enabled
}

// assemble loads config and builds the object graph in dependency order:
// registries and selector first, then pools, engine, and the loop.
// maxIterations > 0 overrides the config (flags beat file).
func assemble(seed int64, maxIterations int) (*assembly, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagNamespace != "" {
		cfg.Namespace = flagNamespace
	}
	if maxIterations > 0 {
		cfg.Loop.MaxIterations = maxIterations
	}
	log := newLogger()

	bus := hooks.NewBus(log)
	bus.Emit(hooks.Event{Kind: hooks.KindConfigLoad, Data: map[string]any{"namespace": cfg.Namespace}})

	store, err := state.NewStore(cfg.StateDir)
	if err != nil {
		return nil, err
	}

	be, err := backend.NewFileBackend(cfg.BacklogPath)
	if err != nil {
		return nil, err
	}

	agents := agent.NewRegistry()
	for _, spec := range cfg.Agents {
		def, err := agent.New(spec)
		if err != nil {
			return nil, err
		}
		agents.Register(def)
	}
	if cfg.DefaultAgent != "" {
		if err := agents.SetDefault(cfg.DefaultAgent); err != nil {
			return nil, err
		}
	}

	registry := invoker.NewRegistry()
	for _, d := range []*invoker.Descriptor{
		invoker.NewClaude(cfg.ClaudeAliases),
		invoker.NewOpencode(),
		invoker.NewDroid(),
	} {
		if err := registry.Register(d); err != nil {
			return nil, err
		}
	}

	resolver := &invoker.Resolver{ConfigPaths: cfg.CliPaths}
	cliPaths, err := resolver.ResolveAll(registry.List())
	if err != nil {
		return nil, err
	}
	log.Info("agent CLIs resolved", "paths", cliPaths)

	selector, err := model.NewSelector(cfg.Models.Primary, cfg.Models.Fallback, cfg.Models.Strategy, time.Now().UnixNano())
	if err != nil {
		return nil, err
	}

	// The governor's terminate callback needs the engine, which needs the
	// pool manager — break the cycle with a late-bound pointer.
	var eng *engine.Engine
	pools, err := pool.NewManager(cfg.Pools, pool.Options{
		AcquireTimeout: cfg.AcquireTimeout,
		OnTerminate: func(pid int, reason string) {
			if eng != nil {
				eng.HandleTermination(pid, reason)
			}
		},
	}, log)
	if err != nil {
		return nil, err
	}

	eng, err = engine.New(engine.Config{
		Selector:           selector,
		Registry:           registry,
		Pools:              pools,
		Bus:                bus,
		CliPaths:           cliPaths,
		PreferPty:          cfg.Engine.PreferPty,
		RateLimitWait:      cfg.Engine.RateLimitWait,
		BackoffBase:        cfg.Engine.BackoffBase,
		MaxDelay:           cfg.Engine.MaxDelay,
		RetrySameModel:     cfg.Engine.RetrySameModel,
		MaxRetriesPerModel: cfg.Engine.MaxRetriesPerModel,
		GracePeriod:        cfg.Engine.GracePeriod,
		Logger:             log,
	})
	if err != nil {
		return nil, err
	}

	loop, err := looper.New(looper.Config{
		Backend:             be,
		Executor:            eng,
		Agents:              agents,
		Bus:                 bus,
		Store:               store,
		Selector:            selector,
		Namespace:           cfg.Namespace,
		MaxIterations:       cfg.Loop.MaxIterations,
		DefaultTimeout:      cfg.Loop.DefaultTimeout,
		Retry:               cfg.Loop.Retry,
		CheckpointInterval:  cfg.Loop.CheckpointInterval,
		RemediationTasks:    cfg.Loop.RemediationTasks,
		AbortOnBackendError: cfg.Loop.AbortOnBackendError,
		Logger:              log,
		Seed:                seed,
	})
	if err != nil {
		return nil, err
	}

	a := &assembly{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		store:    store,
		backend:  be,
		selector: selector,
		pools:    pools,
		engine:   eng,
		looper:   loop,
	}

	if cfg.Server.Enabled {
		srv, err := server.New(server.Config{
			Addr:    cfg.Server.Addr,
			Bus:     bus,
			Backend: be,
			WatchPaths: []string{
				store.Dir(),
				filepath.Join(store.Dir(), "checkpoints"),
				be.Path(),
			},
			Logger: log,
		})
		if err != nil {
			return nil, err
		}
		a.server = srv
	}
	return a, nil
}
