// Package main wires together the archivist service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/coinlens/archivist/internal/api"
	"github.com/coinlens/archivist/internal/archive"
	"github.com/coinlens/archivist/internal/cdx"
	"github.com/coinlens/archivist/internal/clock/system"
	"github.com/coinlens/archivist/internal/config"
	"github.com/coinlens/archivist/internal/diff"
	"github.com/coinlens/archivist/internal/engine"
	collyfetcher "github.com/coinlens/archivist/internal/fetcher/colly"
	headlessfetcher "github.com/coinlens/archivist/internal/fetcher/headless"
	"github.com/coinlens/archivist/internal/hash/sha256"
	"github.com/coinlens/archivist/internal/headless/detector"
	"github.com/coinlens/archivist/internal/id/uuid"
	"github.com/coinlens/archivist/internal/logging"
	"github.com/coinlens/archivist/internal/metrics"
	"github.com/coinlens/archivist/internal/pipeline"
	"github.com/coinlens/archivist/internal/policy/ratelimit"
	memorypublisher "github.com/coinlens/archivist/internal/publisher/memory"
	pubsubpublisher "github.com/coinlens/archivist/internal/publisher/pubsub"
	queuememory "github.com/coinlens/archivist/internal/queue/memory"
	"github.com/coinlens/archivist/internal/scheduler"
	"github.com/coinlens/archivist/internal/storage"
	"github.com/coinlens/archivist/internal/storage/gcs"
	"github.com/coinlens/archivist/internal/storage/local"
	memorystorage "github.com/coinlens/archivist/internal/storage/memory"
	storememory "github.com/coinlens/archivist/internal/store/memory"
	storepostgres "github.com/coinlens/archivist/internal/store/postgres"
	"github.com/coinlens/archivist/internal/telemetry"
)

const (
	batchIndexInterval  = 10 * time.Minute
	batchIndexLimit     = 25
	reanalysisInterval  = 5 * time.Minute
	httpShutdownTimeout = 10 * time.Second
)

// stores bundles the five persistence interfaces so backend selection
// happens in one place.
type stores struct {
	jobs      archive.JobStore
	snapshots archive.SnapshotStore
	cdx       archive.CDXStore
	schedules archive.ScheduleStore
	changes   archive.ChangeStore
	closer    func()
}

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	tp, err := telemetry.InitTracerProvider(ctx, "archivist")
	if err != nil {
		logger.Warn("tracer provider init failed", zap.Error(err))
	} else {
		defer telemetry.Shutdown(context.Background(), tp, logger)
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("archivist exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	backend, err := newStorageBackend(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage backend: %w", err)
	}
	hasher := sha256.New()
	mgr, err := storage.NewManager(backend, hasher, cfg.Storage.Manager, logger.Named("storage"))
	if err != nil {
		return fmt.Errorf("storage manager: %w", err)
	}

	st, err := newStores(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("metadata stores: %w", err)
	}
	defer st.closer()

	clock := system.New()
	ids := uuid.New()

	engines, cleanupEngines, err := newEngines(cfg, mgr, clock, logger)
	if err != nil {
		return fmt.Errorf("crawl engines: %w", err)
	}
	defer cleanupEngines()

	indexer, err := cdx.NewIndexer(st.cdx, st.snapshots, mgr, logger.Named("cdx"))
	if err != nil {
		return fmt.Errorf("cdx indexer: %w", err)
	}
	detector := diff.NewDetector(cfg.Detector, logger.Named("diff"))

	runner, err := scheduler.NewRunner(
		st.jobs, st.snapshots, st.changes,
		engines, indexer, detector, mgr,
		hasher, clock, ids,
		logger.Named("runner"),
	)
	if err != nil {
		return fmt.Errorf("job runner: %w", err)
	}
	runner.SetCrawlDefaults(scheduler.CrawlDefaults{
		Scope:     engine.ScopeDomain,
		Delay:     cfg.Crawler.Delay(),
		UserAgent: cfg.Crawler.UserAgent,
	})

	jobQueue := queuememory.NewQueue(cfg.Crawler.QueueDepth)
	sched, err := scheduler.New(cfg.Scheduler, jobQueue, runner, st.schedules, st.jobs, clock, ids, logger.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	publisher, cleanupPublisher, err := newPublisher(ctx, cfg.PubSub, logger)
	if err != nil {
		return fmt.Errorf("publisher: %w", err)
	}
	defer cleanupPublisher()

	pl, err := pipeline.New(
		sched, st.schedules, st.jobs, st.snapshots, st.changes,
		publisher, clock,
		pipeline.Config{ReanalysisTopic: cfg.PubSub.Topic},
		logger.Named("pipeline"),
	)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	apiServer := api.NewServer(st.jobs, st.schedules, sched, pl, api.Config{
		Port:   cfg.Server.Port,
		APIKey: cfg.Server.APIKey,
		DefaultLimits: archive.CrawlLimits{
			MaxPages: cfg.Crawler.MaxPagesDefault,
			MaxDepth: cfg.Crawler.MaxDepthDefault,
			Timeout:  cfg.Crawler.Timeout(),
		},
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		logger.Info("scheduler started", zap.Int("workers", cfg.Scheduler.Workers))
		if err := sched.Run(ctx); err != nil {
			logger.Error("scheduler stopped with error", zap.Error(err))
		}
	}()

	go batchIndexLoop(ctx, indexer, logger)
	go reanalysisLoop(ctx, pl, cfg.Detector.ReanalysisThreshold, logger)

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	<-schedDone
	logger.Info("shutdown complete")
	return nil
}

// newStorageBackend selects the container backend from config.
func newStorageBackend(ctx context.Context, cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Backend {
	case config.BackendLocal:
		return local.New(local.Config{BaseDir: cfg.BaseDir})
	case config.BackendGCS:
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return gcs.New(client, gcs.Config{Bucket: cfg.Bucket})
	case config.BackendMemory:
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// newStores selects the metadata persistence layer from config.
func newStores(ctx context.Context, cfg config.DatabaseConfig) (stores, error) {
	switch cfg.Backend {
	case config.DatabaseMemory:
		return stores{
			jobs:      storememory.NewJobStore(),
			snapshots: storememory.NewSnapshotStore(),
			cdx:       storememory.NewCDXStore(),
			schedules: storememory.NewScheduleStore(),
			changes:   storememory.NewChangeStore(),
			closer:    func() {},
		}, nil
	case config.DatabasePostgres:
		pool, err := storepostgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return stores{}, err
		}
		jobs, err := storepostgres.NewJobStore(pool)
		if err != nil {
			return stores{}, err
		}
		snapshots, err := storepostgres.NewSnapshotStore(pool)
		if err != nil {
			return stores{}, err
		}
		cdxStore, err := storepostgres.NewCDXStore(pool)
		if err != nil {
			return stores{}, err
		}
		schedules, err := storepostgres.NewScheduleStore(pool)
		if err != nil {
			return stores{}, err
		}
		changes, err := storepostgres.NewChangeStore(pool)
		if err != nil {
			return stores{}, err
		}
		return stores{
			jobs:      jobs,
			snapshots: snapshots,
			cdx:       cdxStore,
			schedules: schedules,
			changes:   changes,
			closer:    pool.Close,
		}, nil
	default:
		return stores{}, fmt.Errorf("unknown database backend %q", cfg.Backend)
	}
}

// newEngines builds the three crawl engines. The headless engine is
// optional: if Chrome is unavailable the slot stays nil and jobs
// requesting it fail with a clear error instead of blocking startup.
func newEngines(cfg config.Config, mgr *storage.Manager, clock archive.Clock, logger *zap.Logger) (scheduler.EngineSet, func(), error) {
	limiter := ratelimit.New(cfg.Crawler.RateLimit)

	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: cfg.Crawler.RespectRobots,
		Timeout:       cfg.Crawler.RequestTimeout(),
	})
	simple, err := engine.NewWalker(probe, mgr, clock, logger.Named("engine.simple"))
	if err != nil {
		return scheduler.EngineSet{}, nil, fmt.Errorf("simple engine: %w", err)
	}
	simple.SetLimiter(limiter)
	simple.SetRenderAdvisor(detector.NewHeuristic(0))

	cleanup := func() {}
	var headless engine.Engine
	headlessFetcher, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       cfg.Scheduler.Workers,
		UserAgent:         cfg.Crawler.UserAgent,
		NavigationTimeout: cfg.Crawler.RequestTimeout(),
	})
	if err != nil {
		logger.Warn("headless fetcher init failed, headless engine disabled", zap.Error(err))
	} else {
		headlessWalker, err := engine.NewWalker(headlessFetcher, mgr, clock, logger.Named("engine.headless"))
		if err != nil {
			headlessFetcher.Close()
			return scheduler.EngineSet{}, nil, fmt.Errorf("headless engine: %w", err)
		}
		headlessWalker.SetLimiter(limiter)
		headless = headlessWalker
		cleanup = headlessFetcher.Close
	}

	browsertrix, err := engine.NewBrowsertrix(mgr, clock, cfg.Browsertrix.Engine(), logger.Named("engine.browsertrix"))
	if err != nil {
		cleanup()
		return scheduler.EngineSet{}, nil, fmt.Errorf("browsertrix engine: %w", err)
	}

	return scheduler.EngineSet{
		Browsertrix: browsertrix,
		Simple:      simple,
		Headless:    headless,
	}, cleanup, nil
}

// newPublisher wires the downstream signal publisher. Pub/Sub when
// enabled, otherwise the in-memory publisher so the pipeline stays
// functional in single-process deployments.
func newPublisher(ctx context.Context, cfg config.PubSubConfig, logger *zap.Logger) (archive.Publisher, func(), error) {
	if !cfg.Enabled {
		logger.Info("pubsub disabled, using in-memory publisher")
		return memorypublisher.New(), func() {}, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	topic := client.Topic(cfg.Topic)
	cleanup := func() {
		topic.Stop()
		if err := client.Close(); err != nil {
			logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	return pubsubpublisher.New(topic), cleanup, nil
}

// batchIndexLoop periodically retries CDX generation for snapshots
// whose inline indexing failed.
func batchIndexLoop(ctx context.Context, indexer *cdx.Indexer, logger *zap.Logger) {
	ticker := time.NewTicker(batchIndexInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := indexer.BatchIndex(ctx, batchIndexLimit)
			if err != nil {
				logger.Warn("batch index sweep failed", zap.Error(err))
				continue
			}
			if summary.Found > 0 {
				logger.Info("batch index sweep",
					zap.Int("found", summary.Found),
					zap.Int("successful", summary.Successful),
					zap.Int("failed", summary.Failed))
			}
		}
	}
}

// reanalysisLoop periodically publishes reanalysis signals for
// significant changes detected since the last sweep.
func reanalysisLoop(ctx context.Context, pl *pipeline.Pipeline, threshold float64, logger *zap.Logger) {
	ticker := time.NewTicker(reanalysisInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			targets, err := pl.CheckForChangesAndReanalyze(ctx, threshold)
			if err != nil {
				logger.Warn("reanalysis sweep failed", zap.Error(err))
				continue
			}
			if len(targets) > 0 {
				logger.Info("reanalysis signals published", zap.Int("targets", len(targets)))
			}
		}
	}
}
