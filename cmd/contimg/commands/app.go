package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dsa110/dsa110-contimg-sub007/pkg/breaker"
	"github.com/dsa110/dsa110-contimg-sub007/pkg/config"
	"github.com/dsa110/dsa110-contimg-sub007/pkg/dlq"
	"github.com/dsa110/dsa110-contimg-sub007/pkg/engine"
	"github.com/dsa110/dsa110-contimg-sub007/pkg/stagerunner"
	"github.com/dsa110/dsa110-contimg-sub007/pkg/stages"
	"github.com/dsa110/dsa110-contimg-sub007/pkg/stores"
	"github.com/dsa110/dsa110-contimg-sub007/pkg/telemetry"
)

// app holds the services shared by every command.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	obs      *telemetry.Observer
	store    *stores.SQLiteStore
	breakers *breaker.Registry
	queue    *dlq.Queue
	redis    *redis.Client
}

// loadConfig reads the --config file, or returns the defaults when none is given.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, newCommandError("load configuration", configPath, err, "Run 'contimg validate --config <file>' to see every problem.")
	}
	return cfg, nil
}

// newApp wires telemetry, storage, breakers and the dead letter queue.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	telCfg := cfg.Telemetry
	if verbose {
		telCfg.Logging.Level = "debug"
	}
	tel, err := telemetry.NewTelemetry(&telCfg)
	if err != nil {
		return nil, newCommandError("initialize", "telemetry", err, "Check the telemetry section of the configuration.")
	}
	a := &app{cfg: cfg, tel: tel, obs: telemetry.NewObserver(tel)}

	if err := a.openStore(ctx); err != nil {
		a.close()
		return nil, err
	}
	if err := a.openBreakers(); err != nil {
		a.close()
		return nil, err
	}

	a.queue = dlq.NewQueue(a.store,
		dlq.WithListener(a.obs.DLQListener()),
		dlq.WithLogger(a.logger("dlq")),
	)
	return a, nil
}

func (a *app) logger(component string) zerolog.Logger {
	return a.tel.Logger.NewComponentLogger(component).Zerolog()
}

func (a *app) openStore(ctx context.Context) error {
	store, err := stores.NewSQLiteStore(stores.Config{Path: a.cfg.DLQ.Path})
	if err != nil {
		return newCommandError("open", "database "+a.cfg.DLQ.Path, err, "Check dlq.path in the configuration.")
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return newCommandError("open", "database "+a.cfg.DLQ.Path, err, "Check that the directory exists and is writable.")
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return newCommandError("migrate", "database "+a.cfg.DLQ.Path, err, "The database may have been written by a newer version.")
	}
	a.store = store
	return nil
}

func (a *app) openBreakers() error {
	opts := []breaker.Option{breaker.WithLogger(a.logger("breaker"))}
	if rc := a.cfg.Breaker.Redis; rc != nil {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		window := breaker.NewRedisWindow(a.redis, breaker.RedisConfig{
			Prefix:          rc.Prefix,
			Timeout:         rc.Timeout,
			FallbackToLocal: rc.FallbackToLocal,
		}, a.logger("breaker"))
		opts = append(opts, breaker.WithWindow(window))
	}

	breakers, err := breaker.NewRegistry(a.cfg.Breaker.Config, opts...)
	if err != nil {
		return newCommandError("initialize", "circuit breakers", err, "Check the breaker section of the configuration.")
	}
	breakers.OnStateChange(a.obs.BreakerHook())
	a.breakers = breakers
	return nil
}

// orchestrator builds an orchestrator for pipeline and makes it the replayer of the queue.
func (a *app) orchestrator(pipeline *config.PipelineConfig, workers int) (*engine.Orchestrator, error) {
	defs, built, err := pipeline.Build(stages.DefaultRegistry(), a.cfg.Engine)
	if err != nil {
		return nil, newCommandError("build", "pipeline "+pipeline.Name, err, "Run 'contimg validate' on the pipeline file.")
	}
	runner, err := stagerunner.NewProcessRunner(a.cfg.Engine.Runner, stagerunner.WithLogger(a.logger("stagerunner")))
	if err != nil {
		return nil, newCommandError("configure", "isolated stage runner", err, "Check engine.runner in the configuration.")
	}
	if workers <= 0 {
		workers = a.cfg.Engine.Workers
	}

	orch, err := engine.NewOrchestrator(defs, built,
		engine.WithWorkers(workers),
		engine.WithDefaultIsolatedTimeout(a.cfg.Engine.IsolatedTimeout),
		engine.WithBreaker(a.breakers),
		engine.WithDeadLetterSink(a.queue),
		engine.WithIsolatedRunner(runner),
		engine.WithObserver(a.obs),
		engine.WithObserver(stores.NewHistoryObserver(a.store, a.logger("history"))),
		engine.WithLogger(a.logger("engine")),
	)
	if err != nil {
		return nil, newCommandError("build", "pipeline "+pipeline.Name, err, "Run 'contimg validate' on the pipeline file.")
	}
	a.queue.SetReplayer(orch)
	return orch, nil
}

// pipeline returns the pipeline in path, or the one embedded in the configuration.
func (a *app) pipeline(path string) (*config.PipelineConfig, error) {
	if path != "" {
		p, err := config.LoadPipeline(path)
		if err != nil {
			return nil, newCommandError("load", "pipeline "+path, err, "Run 'contimg validate "+path+"' to see every problem.")
		}
		return p, nil
	}
	if len(a.cfg.Pipeline.Stages) == 0 {
		return nil, newCommandError("load", "pipeline", errors.New("no pipeline given"),
			"Pass --pipeline <file> or add a pipeline section to the configuration.")
	}
	return &a.cfg.Pipeline, nil
}

// refreshDLQ publishes the current queue contents to the metrics gauges.
func (a *app) refreshDLQ(ctx context.Context) {
	stats, err := a.queue.Stats(ctx)
	if err != nil {
		a.tel.Logger.WithError(err).Warn("Failed to read dead letter stats")
		return
	}
	a.obs.RefreshDLQ(stats)
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.tel.Logger.WithError(err).Warn("Failed to close database")
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "telemetry shutdown: %v\n", err)
	}
}
