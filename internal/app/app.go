// Package app manages the lifecycle of a Lens server process: the backend,
// the indexing daemon and the HTTP and gRPC APIs.
package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc"

	grpcapi "github.com/arkilian/lens/internal/api/grpc"
	httpapi "github.com/arkilian/lens/internal/api/http"
	"github.com/arkilian/lens/internal/archive"
	"github.com/arkilian/lens/internal/config"
	"github.com/arkilian/lens/internal/ident"
	"github.com/arkilian/lens/internal/indexer"
	"github.com/arkilian/lens/internal/lens"
	"github.com/arkilian/lens/internal/server"
	"github.com/arkilian/lens/internal/storage"
)

// App manages all Lens service lifecycles.
type App struct {
	cfg *config.Config

	// Shared resources
	store    *lens.Store
	storage  storage.ObjectStorage
	exporter *archive.Exporter
	shutdown *server.ShutdownManager

	// Service components
	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener
	daemon       *indexer.Daemon

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
	return &App{cfg: cfg}, nil
}

// StoreOptions returns the store options described by the configuration.
func StoreOptions(cfg *config.Config) lens.Options {
	return lens.Options{
		DB:       cfg.DBOptions(),
		CacheTTL: cfg.Catalog.CacheTTL,
	}
}

// OpenStore opens the configured backend and migrates its catalogue.
func OpenStore(ctx context.Context, cfg *config.Config) (*lens.Store, error) {
	return lens.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, StoreOptions(cfg))
}

// NewObjectStorage builds the archive storage backend named by the configuration.
func NewObjectStorage(ctx context.Context, cfg *config.Config) (storage.ObjectStorage, error) {
	switch cfg.Storage.Type {
	case "local":
		return storage.NewLocalStorage(cfg.Storage.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if cfg.Storage.S3.Region != "" {
			s3Cfg.Region = cfg.Storage.S3.Region
		}
		s3Cfg.Endpoint = cfg.Storage.S3.Endpoint
		s3Cfg.Prefix = cfg.Storage.S3.Prefix
		return storage.NewS3Storage(ctx, cfg.Storage.S3.Bucket, s3Cfg)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
}

// NewExporter builds an archive exporter over store, staging files under
// the data directory.
func NewExporter(cfg *config.Config, store *lens.Store, objects storage.ObjectStorage) (*archive.Exporter, error) {
	workDir := filepath.Join(cfg.DataDir, "work")
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	return archive.NewExporter(store.Ingestor(), objects, workDir, ident.System{}), nil
}

// Start opens shared resources and starts the services the mode selects.
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

	if a.cfg.ShouldRunIndexer() {
		if err := a.startIndexer(ctx); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start indexer: %w", err)
		}
	}

	if a.cfg.ShouldRunAPI() {
		if err := a.startAPI(); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start api: %w", err)
		}
	}

	log.Printf("Lens started in %s mode (driver=%s)", a.cfg.Mode, a.cfg.Database.Driver)
	return nil
}

func (a *App) initSharedResources(ctx context.Context) error {
	var err error
	a.store, err = OpenStore(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	log.Printf("Store opened: driver=%s prefix=%s", a.cfg.Database.Driver, a.cfg.Database.TablePrefix)

	a.storage, err = NewObjectStorage(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	log.Printf("Archive storage initialized: type=%s", a.cfg.Storage.Type)

	a.exporter, err = NewExporter(a.cfg, a.store, a.storage)
	if err != nil {
		return err
	}

	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig())
	a.shutdown.RegisterCloser("store", a.store)
	a.shutdown.OnShutdownStart(a.cancel)
	return nil
}

func (a *App) startIndexer(ctx context.Context) error {
	a.daemon = a.store.NewDaemon(indexer.DaemonConfig{
		BatchSize:    a.cfg.Indexer.BatchSize,
		BusyInterval: a.cfg.Indexer.BusyInterval,
		IdleInterval: a.cfg.Indexer.IdleInterval,
	})
	if err := a.daemon.Start(ctx); err != nil {
		return err
	}
	a.shutdown.RegisterCloser("indexer", server.CloserFunc(a.daemon.Stop))
	return nil
}

func (a *App) startAPI() error {
	mux := http.NewServeMux()
	middleware := httpapi.ChainMiddleware(
		server.ShutdownMiddleware(a.shutdown),
		httpapi.DefaultMiddleware(),
	)
	httpapi.NewHandler(a.store, a.exporter).Routes(mux, middleware)
	mux.HandleFunc("GET /healthz", httpapi.HealthHandler("lens", string(a.cfg.Mode)))
	mux.HandleFunc("GET /readyz", httpapi.ReadyHandler(a.shutdown.IsShuttingDown))

	var err error
	a.httpListener, err = net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on HTTP address: %w", err)
	}
	a.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	a.shutdown.RegisterCloser("http", server.HTTPServerCloser(a.httpServer, 10*time.Second))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("HTTP server listening on %s", a.httpListener.Addr())
		if err := a.httpServer.Serve(a.httpListener); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	if !a.cfg.GRPC.Enabled {
		return nil
	}

	a.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(server.UnaryInterceptor(a.shutdown)))
	grpcapi.RegisterLensServer(a.grpcServer, grpcapi.NewServer(a.store))

	a.grpcListener, err = net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC address: %w", err)
	}
	a.shutdown.RegisterCloser("grpc", server.GRPCServerCloser(a.grpcServer, 10*time.Second))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("gRPC server listening on %s", a.grpcListener.Addr())
		if err := a.grpcServer.Serve(a.grpcListener); err != nil {
			log.Printf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// HTTPAddr returns the bound HTTP address, or "" when the API is not running.
func (a *App) HTTPAddr() string {
	if a.httpListener == nil {
		return ""
	}
	return a.httpListener.Addr().String()
}

// GRPCAddr returns the bound gRPC address, or "" when gRPC is not running.
func (a *App) GRPCAddr() string {
	if a.grpcListener == nil {
		return ""
	}
	return a.grpcListener.Addr().String()
}

// Store returns the open store.
func (a *App) Store() *lens.Store {
	return a.store
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
	err := a.shutdown.Shutdown(ctx, "stop requested")

	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Printf("Shutdown timeout, some goroutines may not have finished")
	}

	log.Printf("Lens stopped")
	return err
}

// cleanup releases resources after a failed Start.
func (a *App) cleanup() {
	if a.shutdown != nil {
		a.shutdown.Shutdown(context.Background(), "start failed")
	} else if a.store != nil {
		a.store.Close()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}

// WaitForShutdown blocks until a shutdown signal is received, then stops.
func (a *App) WaitForShutdown(ctx context.Context) error {
	if err := a.shutdown.ListenForSignals(ctx); err != nil {
		log.Printf("[WARN] shutdown finished with errors: %v", err)
	}
	return a.Stop(context.Background())
}
