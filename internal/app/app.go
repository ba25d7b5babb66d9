// Package app provides the unified application lifecycle management for Foresight.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpapi "github.com/foresight/foresight/internal/api/http"
	"github.com/foresight/foresight/internal/config"
	"github.com/foresight/foresight/internal/feature"
	"github.com/foresight/foresight/internal/ingest"
	"github.com/foresight/foresight/internal/observability"
	"github.com/foresight/foresight/internal/registry"
	"github.com/foresight/foresight/internal/scheduler"
	"github.com/foresight/foresight/internal/serve"
	"github.com/foresight/foresight/internal/server"
	"github.com/foresight/foresight/internal/storage"
	"github.com/foresight/foresight/internal/train"
)

// App manages all Foresight service lifecycles.
type App struct {
	cfg *config.Config

	// Shared resources
	objects  storage.ObjectStorage
	store    *feature.Store
	registry *registry.Registry
	shutdown *server.ShutdownManager

	// Service components
	extractor *ingest.Extractor
	pipeline  *ingestPipeline
	cache     serve.Cache
	stats     *observability.ModelStats
	engine    *serve.Engine
	trainer   *train.Trainer
	scheduler *scheduler.Scheduler
	apiServer *http.Server

	// Lifecycle
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{
		cfg: cfg,
	}, nil
}

// Start initializes shared resources and starts all configured services.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initSharedResources(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.healthHandler())
	mux.Handle("/metrics", promhttp.Handler())

	if a.cfg.ShouldRunIngest() {
		if err := a.startIngestService(ctx, mux); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start ingest service: %w", err)
		}
	}

	if a.cfg.ShouldRunServe() {
		if err := a.startServeService(ctx, mux); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start serving engine: %w", err)
		}
	}

	if a.cfg.ShouldRunTrain() {
		if err := a.startTrainService(ctx, mux); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start training scheduler: %w", err)
		}
	}

	a.startAPIServer(mux)

	log.Printf("Foresight started in %s mode", a.cfg.Mode)
	return nil
}

// initSharedResources initializes object storage, the feature store, the
// model registry, and the shutdown manager.
func (a *App) initSharedResources(ctx context.Context) error {
	var err error

	switch a.cfg.Storage.Type {
	case "local":
		a.objects, err = storage.NewLocalStorage(a.cfg.Storage.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if a.cfg.Storage.S3.Region != "" {
			s3Cfg.Region = a.cfg.Storage.S3.Region
		}
		if a.cfg.Storage.S3.Endpoint != "" {
			s3Cfg.Endpoint = a.cfg.Storage.S3.Endpoint
		}
		a.objects, err = storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, s3Cfg)
	default:
		return fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	log.Printf("Storage initialized: type=%s", a.cfg.Storage.Type)
	if a.cfg.Storage.Type == "s3" {
		log.Printf("S3 config: bucket=%s, region=%s, endpoint=%s",
			a.cfg.Storage.S3.Bucket, a.cfg.Storage.S3.Region, a.cfg.Storage.S3.Endpoint)
	}

	a.store, err = feature.NewStore(
		a.cfg.CatalogPath(),
		a.objects,
		a.cfg.Features.RetainSnapshots,
		a.cfg.Features.RetentionTTL,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize feature store: %w", err)
	}
	log.Printf("Feature store initialized: retain=%d, ttl=%s",
		a.cfg.Features.RetainSnapshots, a.cfg.Features.RetentionTTL)

	a.registry, err = registry.NewRegistry(a.cfg.CatalogPath(), a.objects)
	if err != nil {
		return fmt.Errorf("failed to initialize model registry: %w", err)
	}
	log.Printf("Model registry initialized: %s", a.cfg.CatalogPath())

	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig())
	a.shutdown.RegisterCloser(server.CloserFunc(a.store.Close))
	a.shutdown.RegisterCloser(server.CloserFunc(a.registry.Close))

	return nil
}

// startIngestService wires the extraction pipeline and its API routes.
func (a *App) startIngestService(ctx context.Context, mux *http.ServeMux) error {
	sources := make([]ingest.Source, 0, len(a.cfg.Sources))
	contracts := make(map[string][]string, len(a.cfg.Sources))
	for _, sc := range a.cfg.Sources {
		src, err := ingest.NewSource(sc)
		if err != nil {
			return fmt.Errorf("failed to build source %s: %w", sc.ID, err)
		}
		sources = append(sources, src)
		contracts[sc.ID] = sc.Fields
	}

	a.extractor = ingest.NewExtractor(sources, contracts,
		a.cfg.Ingest.MaxAttempts, a.cfg.Ingest.InitialBackoff)
	a.pipeline = newIngestPipeline(a.extractor, a.cfg, a.store)
	log.Printf("Ingest pipeline initialized: %d sources, max_drop_ratio=%g",
		len(sources), a.cfg.Ingest.MaxDropRatio)

	mux.Handle("/api/v1/ingest", a.middleware()(httpapi.NewIngestHandler(a.pipeline)))

	// Periodic retention sweep for superseded snapshots.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deleted, err := a.store.Sweep(ctx)
				if err != nil {
					log.Printf("Snapshot sweep error: %v", err)
				} else if len(deleted) > 0 {
					log.Printf("Snapshot sweep evicted %d snapshots", len(deleted))
				}
			}
		}
	}()

	return nil
}

// startServeService wires the prediction engine and its API routes.
func (a *App) startServeService(ctx context.Context, mux *http.ServeMux) error {
	switch a.cfg.Serving.CacheBackend {
	case "redis":
		cache, err := serve.NewRedisCache(a.cfg.Serving.RedisURL, a.cfg.Serving.CacheTTL)
		if err != nil {
			return fmt.Errorf("failed to connect prediction cache: %w", err)
		}
		a.cache = cache
		log.Printf("Prediction cache initialized: backend=redis, ttl=%s", a.cfg.Serving.CacheTTL)
	default:
		a.cache = serve.NewMemoryCache(a.cfg.Serving.CacheTTL, time.Minute)
		log.Printf("Prediction cache initialized: backend=memory, ttl=%s", a.cfg.Serving.CacheTTL)
	}
	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		a.cache.Stop()
		return nil
	}))

	a.stats = observability.NewModelStats(24 * time.Hour)
	a.engine = serve.NewEngine(a.registry, a.cache, a.stats, a.cfg.Serving)
	log.Printf("Serving engine initialized: timeout=%s, max_horizon=%dd, confidence=%g",
		a.cfg.Serving.RequestTimeout, a.cfg.Serving.MaxHorizonDays, a.cfg.Serving.ConfidenceLevel)

	middleware := a.middleware()
	mux.Handle("/api/v1/predictions", middleware(httpapi.NewPredictHandler(a.engine)))
	mux.Handle("/api/v1/models", middleware(httpapi.NewModelsHandler(a.registry)))
	mux.Handle("/api/v1/models/", middleware(httpapi.NewModelsHandler(a.registry)))

	return nil
}

// startTrainService wires the trainer and retrain scheduler.
func (a *App) startTrainService(ctx context.Context, mux *http.ServeMux) error {
	a.trainer = train.NewTrainer(a.store, a.cfg.Training, a.cfg.Serving.ConfidenceLevel)
	a.scheduler = scheduler.NewScheduler(a.trainer, a.registry, a.cfg.Models, a.cfg.Training)

	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	log.Printf("Retrain scheduler started: %d models, interval=%s",
		len(a.cfg.Models), a.cfg.Training.RetrainInterval)

	mux.Handle("/api/v1/models/retrain", a.middleware()(httpapi.NewRetrainHandler(a.scheduler)))

	return nil
}

// startAPIServer starts the HTTP server hosting all registered routes.
func (a *App) startAPIServer(mux *http.ServeMux) {
	a.apiServer = &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("API server listening on %s", a.cfg.HTTP.Addr)
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("API server error: %v", err)
		}
	}()
}

// middleware returns the standard route middleware chain.
func (a *App) middleware() httpapi.Middleware {
	return httpapi.ChainMiddleware(
		server.ShutdownMiddleware(a.shutdown),
		httpapi.RecoveryMiddleware,
		httpapi.RequestIDMiddleware,
		httpapi.CorrelationIDMiddleware,
		httpapi.ContentTypeMiddleware,
	)
}

// Stop gracefully stops all services and releases resources.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	log.Printf("Initiating graceful shutdown...")

	if a.cancel != nil {
		a.cancel()
	}

	// Stop the scheduler first so no training run is cut off mid-register
	if a.scheduler != nil {
		if err := a.scheduler.Stop(); err != nil {
			log.Printf("Scheduler stop error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Drain in-flight requests and reject new ones before the listener closes
	if a.shutdown != nil {
		if err := a.shutdown.Shutdown(shutdownCtx, "application stopping"); err != nil {
			log.Printf("Shutdown manager error: %v", err)
		}
	}

	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// All goroutines finished
	case <-shutdownCtx.Done():
		log.Printf("Shutdown timeout, some goroutines may not have finished")
	}

	a.cleanup()

	log.Printf("Foresight stopped")
	return nil
}

// cleanup releases all shared resources.
func (a *App) cleanup() {
	if a.cache != nil {
		a.cache.Stop()
		a.cache = nil
	}

	if a.store != nil {
		a.store.Close()
		a.store = nil
	}

	if a.registry != nil {
		a.registry.Close()
		a.registry = nil
	}
}

// healthHandler reports service health and mode.
func (a *App) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","service":"foresight","mode":"%s"}`, a.cfg.Mode)
	}
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown(ctx context.Context) error {
	return a.shutdown.ListenForSignals(ctx)
}
