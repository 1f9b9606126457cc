package conveyor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"tangled.sh/tangled.sh/conveyor/conveyor/artifacts"
	"tangled.sh/tangled.sh/conveyor/conveyor/cache"
	"tangled.sh/tangled.sh/conveyor/conveyor/condition"
	"tangled.sh/tangled.sh/conveyor/conveyor/config"
	"tangled.sh/tangled.sh/conveyor/conveyor/db"
	"tangled.sh/tangled.sh/conveyor/conveyor/engine"
	"tangled.sh/tangled.sh/conveyor/conveyor/executors"
	"tangled.sh/tangled.sh/conveyor/conveyor/registry"
	"tangled.sh/tangled.sh/conveyor/conveyor/runstore"
	"tangled.sh/tangled.sh/conveyor/conveyor/scheduler"
	"tangled.sh/tangled.sh/conveyor/log"
	"tangled.sh/tangled.sh/conveyor/notifier"
	"tangled.sh/tangled.sh/conveyor/telemetry"
)

const (
	serviceName     = "conveyor"
	shutdownTimeout = 30 * time.Second
)

// ArtifactStore serves artifact contents; it is optional.
type ArtifactStore interface {
	Open(ctx context.Context, runId, artifact string) (io.ReadCloser, artifacts.Info, error)
}

type Conveyor struct {
	cfg       *config.Config
	registry  *registry.Registry
	engine    *engine.Engine
	n         *notifier.Notifier
	artifacts ArtifactStore
	tel       *telemetry.Telemetry
	l         *slog.Logger
}

func Command() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the pipeline server",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return Run(ctx)
		},
		Description: `
Environment variables:
	CONVEYOR_SERVER_LISTEN_ADDR              (default: 0.0.0.0:6565)
	CONVEYOR_SERVER_DB_DRIVER                (sqlite3 or pgx, default: sqlite3)
	CONVEYOR_SERVER_DB_PATH                  (default: conveyor.db)
	CONVEYOR_SERVER_LOG_LEVEL                (default: info)
	CONVEYOR_CACHE_PROVIDER                  (memory, redis or none, default: memory)
	CONVEYOR_CACHE_REDIS_ADDR                (default: localhost:6379)
	CONVEYOR_CACHE_TTL                       (default: 1h)
	CONVEYOR_PIPELINES_EXECUTOR              (dry, shell or docker, default: dry)
	CONVEYOR_PIPELINES_WORKSPACE_DIR         (default: /var/lib/conveyor/workspaces)
	CONVEYOR_PIPELINES_IMAGE                 (default: docker.io/library/alpine:3)
	CONVEYOR_PIPELINES_QUEUE_SIZE            (default: 100)
	CONVEYOR_PIPELINES_WORKERS               (default: 2)
	CONVEYOR_PIPELINES_PERMISSIVE_CONDITIONS (default: true)
	CONVEYOR_PIPELINES_RETENTION_DAYS        (default: 30)
	CONVEYOR_PIPELINES_CLEANUP_INTERVAL      (default: 24h, 0 disables)
	CONVEYOR_ARTIFACTS_ENDPOINT              (enables artifact downloads)
	CONVEYOR_ARTIFACTS_BUCKET                (default: conveyor-artifacts)
	CONVEYOR_SCHEDULER_REDIS_ADDR            (enables scheduled triggers)
	CONVEYOR_SCHEDULER_CHANNEL               (default: conveyor:schedule)
	CONVEYOR_TELEMETRY_ENABLED               (default: false)
`,
	}
}

func Run(ctx context.Context) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Server.LogLevel
	if cfg.Server.Dev {
		level = "debug"
	}
	logger := log.NewWithLevel(serviceName, level)
	ctx = log.IntoContext(ctx, logger)

	d, err := db.Open(ctx, cfg.Server.DBDriver, cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}
	defer d.Close()

	runCache, closeCache, err := newCache(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to setup cache: %w", err)
	}
	defer closeCache()

	n := notifier.New()
	runs := runstore.New(d,
		runstore.WithCache(runCache, cfg.Cache.TTL),
		runstore.WithNotifier(n),
		runstore.WithLogger(log.SubLogger(logger, "runstore")),
	)

	reg, err := registry.New(ctx, d, log.SubLogger(logger, "registry"))
	if err != nil {
		return err
	}

	exec, err := executors.New(ctx, cfg.Pipelines, log.SubLogger(logger, "executor"))
	if err != nil {
		return fmt.Errorf("failed to setup executor: %w", err)
	}

	opts := []engine.Opt{
		engine.WithLogger(log.SubLogger(logger, "engine")),
		engine.WithEvaluator(&condition.Expr{Unresolved: cfg.Pipelines.PermissiveConditions}),
		engine.WithQueue(cfg.Pipelines.QueueSize, cfg.Pipelines.Workers),
		engine.WithPersistRetry(cfg.Pipelines.PersistAttempts, 100*time.Millisecond),
	}

	var tel *telemetry.Telemetry
	if cfg.Telemetry.Enabled {
		tel, err = telemetry.NewTelemetry(ctx, serviceName, versioninfo.Short(), os.Stdout)
		if err != nil {
			return fmt.Errorf("failed to setup telemetry: %w", err)
		}
		defer tel.Shutdown(context.Background())

		metrics, err := telemetry.NewRunMetrics(tel.Meter())
		if err != nil {
			return err
		}
		opts = append(opts, engine.WithMetrics(metrics))
	}

	eng := engine.New(reg, runs, exec, opts...)

	s := &Conveyor{
		cfg:      cfg,
		registry: reg,
		engine:   eng,
		n:        n,
		tel:      tel,
		l:        logger,
	}

	if cfg.Artifacts.Enabled() {
		store, err := artifacts.New(cfg.Artifacts)
		if err != nil {
			return fmt.Errorf("failed to setup artifact store: %w", err)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = store.EnsureBucket(startupCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("artifact store unavailable: %w", err)
		}
		s.artifacts = store
	}

	// fails runs interrupted by the last exit, then starts the queue workers
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := eng.Shutdown(shutdownCtx); err != nil {
			logger.Warn("engine shutdown", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: s.Router(),
	}
	g.Go(func() error {
		logger.Info("starting conveyor server", "address", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.Scheduler.Enabled() {
		client := redis.NewClient(&redis.Options{Addr: cfg.Scheduler.RedisAddr})
		defer client.Close()

		consumer := scheduler.NewConsumer(client, cfg.Scheduler.Channel, reg, eng, log.SubLogger(logger, "scheduler"))
		g.Go(func() error {
			logger.Info("starting schedule consumer", "channel", cfg.Scheduler.Channel)
			return consumer.Start(gctx)
		})
	}

	if cfg.Pipelines.CleanupInterval > 0 {
		g.Go(func() error {
			s.retentionLoop(gctx, cfg.Pipelines.CleanupInterval, cfg.Pipelines.RetentionDays)
			return nil
		})
	}

	return g.Wait()
}

func newCache(cfg config.Cache) (cache.RunCache, func(), error) {
	switch cfg.Provider {
	case "redis":
		c := cache.NewRedis(cfg.RedisAddr)
		return c, func() { c.Close() }, nil
	case "none":
		return cache.Nop{}, func() {}, nil
	default:
		c, err := cache.NewMemory(1 << 26)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	}
}

// retentionLoop deletes old terminal runs every interval.
func (s *Conveyor) retentionLoop(ctx context.Context, interval time.Duration, days int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.engine.Cleanup(ctx, days)
			if err != nil {
				s.l.Error("retention sweep failed", "error", err)
				continue
			}
			s.l.Info("retention sweep", "deleted", n, "days", days)
		}
	}
}

func (s *Conveyor) Router() http.Handler {
	mux := chi.NewRouter()

	mux.Use(s.RequestLogger)
	if s.tel != nil {
		mux.Use(s.tel.RequestInFlight())
		mux.Use(s.tel.RequestDuration())
	}

	mux.Get("/events", s.Events)
	mux.Get("/logs/{run}", s.Logs)

	mux.Route("/pipelines", func(r chi.Router) {
		r.Post("/", s.RegisterPipeline)
		r.Get("/", s.ListPipelines)
		r.Post("/validate", s.ValidatePipeline)
		r.Route("/{pipeline}", func(r chi.Router) {
			r.Get("/", s.GetPipeline)
			r.Delete("/", s.DeletePipeline)
			r.Post("/runs", s.TriggerRun)
			r.Get("/runs", s.ListRuns)
			r.Get("/export", s.ExportPipeline)
		})
	})

	mux.Route("/runs/{run}", func(r chi.Router) {
		r.Get("/", s.GetRun)
		r.Post("/cancel", s.CancelRun)
		r.Get("/artifacts/*", s.GetArtifact)
	})

	mux.Post("/cleanup", s.Cleanup)

	return mux
}
