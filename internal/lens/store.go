// Package lens wires the backend, catalogue, ingest, indexing and aggregate
// components into a single Store exposing the command surface used by the
// CLI and the APIs.
package lens

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/arkilian/lens/internal/aggregate"
	"github.com/arkilian/lens/internal/cache"
	"github.com/arkilian/lens/internal/db"
	lenserrors "github.com/arkilian/lens/internal/errors"
	"github.com/arkilian/lens/internal/ident"
	"github.com/arkilian/lens/internal/index"
	"github.com/arkilian/lens/internal/indexer"
	"github.com/arkilian/lens/internal/ingest"
	"github.com/arkilian/lens/internal/manifest"
	"github.com/arkilian/lens/internal/observability"
	"github.com/arkilian/lens/internal/registry"
	"github.com/arkilian/lens/internal/router"
	"github.com/arkilian/lens/pkg/types"
)

// Options configures a Store.
type Options struct {
	// DB configures the backend handle
	DB db.Options

	// CacheTTL bounds how long catalogue entries are cached (default 30s)
	CacheTTL time.Duration

	// IDs supplies identifiers and the ingestion clock (default ident.System)
	IDs ident.Source

	// SkipMigrate leaves the catalogue tables untouched on open
	SkipMigrate bool
}

// Store is an open Lens database.
type Store struct {
	db       *db.DB
	catalog  *manifest.Catalog
	cache    *cache.Catalog
	registry *registry.Registry
	indexes  *index.Catalogue
	engine   *aggregate.Engine
	indexer  *indexer.Indexer
	ingestor *ingest.Ingestor
	notifier *router.Notifier
	stats    *observability.IndexStats

	subsMu sync.Mutex
	subs   []*router.Subscriber
}

// statsWindow is how long an idle sink stays in the stats snapshot.
const statsWindow = time.Hour

// Open connects to a backend and brings its catalogue up to date.
func Open(ctx context.Context, driver, dsn string, opts Options) (*Store, error) {
	d, err := db.Open(driver, dsn, opts.DB)
	if err != nil {
		return nil, err
	}
	s, err := New(ctx, d, opts)
	if err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

// New builds a Store over an existing backend handle.
func New(ctx context.Context, d *db.DB, opts Options) (*Store, error) {
	if opts.IDs == nil {
		opts.IDs = ident.System{}
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = cache.DefaultTTL
	}
	if !opts.SkipMigrate {
		if _, err := manifest.NewSchemaVersionManager(d).Migrate(ctx); err != nil {
			return nil, fmt.Errorf("lens: failed to migrate catalogue: %w", err)
		}
	}

	s := &Store{
		db:       d,
		catalog:  manifest.NewCatalog(d),
		cache:    cache.NewCatalog(opts.CacheTTL),
		notifier: router.NewNotifier(64),
		stats:    observability.NewIndexStats(statsWindow),
	}
	s.registry = registry.New(s.catalog, s.cache, opts.IDs)
	s.indexes = index.NewCatalogue(s.catalog, s.registry, s.cache, opts.IDs)
	s.engine = aggregate.NewEngine(s.catalog, s.registry, s.cache, opts.IDs)
	s.indexer = indexer.New(d, s.registry, s.indexes, s.engine)
	s.ingestor = ingest.New(d, s.registry, s.indexes, s.indexer, opts.IDs)
	return s, nil
}

// Close unsubscribes every daemon and releases the backend connection.
func (s *Store) Close() error {
	s.subsMu.Lock()
	for _, sub := range s.subs {
		s.notifier.Unsubscribe(sub)
	}
	s.subs = nil
	s.subsMu.Unlock()
	return s.db.Close()
}

func (s *Store) DB() *db.DB                       { return s.db }
func (s *Store) Registry() *registry.Registry     { return s.registry }
func (s *Store) Indexer() *indexer.Indexer        { return s.indexer }
func (s *Store) Ingestor() *ingest.Ingestor       { return s.ingestor }
func (s *Store) Engine() *aggregate.Engine        { return s.engine }
func (s *Store) Notifier() *router.Notifier       { return s.notifier }
func (s *Store) Stats() *observability.IndexStats { return s.stats }

// Migrate applies pending catalogue migrations and returns how many ran.
func (s *Store) Migrate(ctx context.Context) (int, error) {
	n, err := manifest.NewSchemaVersionManager(s.db).Migrate(ctx)
	if err == nil && n > 0 {
		s.cache.Purge()
	}
	return n, err
}

// CreateSink registers a new sink and returns its identifier.
func (s *Store) CreateSink(ctx context.Context, name string) (string, error) {
	return s.registry.Create(ctx, name)
}

// ListSinks returns every sink name in order; never nil.
func (s *Store) ListSinks(ctx context.Context) ([]string, error) {
	return s.registry.List(ctx)
}

// Sink resolves a sink by name.
func (s *Store) Sink(ctx context.Context, name string) (*types.Sink, error) {
	return s.registry.Lookup(ctx, name)
}

// LogEvent appends an event; lazy leaves it for the daemon.
func (s *Store) LogEvent(ctx context.Context, sink string, payload interface{}, lazy bool) (string, error) {
	id, err := s.ingestor.AddEvent(ctx, sink, payload, lazy)
	if id != "" && (lazy || err != nil) {
		s.notifier.Publish(router.Notification{Type: router.EventLogged, Sink: sink, UUID: id})
	}
	return id, err
}

// LogEvents appends several events in order.
func (s *Store) LogEvents(ctx context.Context, sink string, payloads []interface{}, lazy bool) ([]string, error) {
	ids, err := s.ingestor.AddEvents(ctx, sink, payloads, lazy)
	if len(ids) > 0 && (lazy || err != nil) {
		s.notifier.Publish(router.Notification{Type: router.EventLogged, Sink: sink, UUID: ids[len(ids)-1]})
	}
	return ids, err
}

// Event reads one stored event.
func (s *Store) Event(ctx context.Context, sink, eventUUID string) (*types.Event, error) {
	return s.ingestor.Get(ctx, sink, eventUUID)
}

// DefineIndex adds a secondary index. typ is TEXT or INT, case-insensitive.
func (s *Store) DefineIndex(ctx context.Context, sink, name, typ string, length int) (string, error) {
	t, err := index.ParseType(typ)
	if err != nil {
		return "", err
	}
	id, err := s.indexes.Create(ctx, sink, name, t, length)
	if err == nil {
		s.notifier.Publish(router.Notification{Type: router.IndexDefined, Sink: sink, UUID: id})
	}
	return id, err
}

// Indexes lists the secondary indexes of a sink.
func (s *Store) Indexes(ctx context.Context, sink string) ([]*types.Index, error) {
	sk, err := s.registry.Lookup(ctx, sink)
	if err != nil {
		return nil, err
	}
	return s.indexes.ListForSink(ctx, sk.UUID)
}

// DefineGroup adds a rollup group; parent is empty for a root group.
func (s *Store) DefineGroup(ctx context.Context, sink, group string, fields []string, parent string) (string, error) {
	id, err := s.engine.Define(ctx, sink, group, fields, parent)
	if err == nil {
		s.notifier.Publish(router.Notification{Type: router.GroupDefined, Sink: sink, UUID: id})
	}
	return id, err
}

// Groups lists every group of a sink, parents before children.
func (s *Store) Groups(ctx context.Context, sink string) ([]*types.Group, error) {
	sk, err := s.registry.Lookup(ctx, sink)
	if err != nil {
		return nil, err
	}
	groups, _, err := s.engine.Hierarchy(ctx, sk.UUID)
	if groups == nil {
		groups = []*types.Group{}
	}
	return groups, err
}

// GroupRows returns the rows of a group's rollup table.
func (s *Store) GroupRows(ctx context.Context, sink, group string) ([]*aggregate.Row, error) {
	return s.engine.Rows(ctx, sink, group)
}

// Reindex indexes every dirty event of a sink and settles its rollups.
func (s *Store) Reindex(ctx context.Context, sink string) (int, error) {
	n, err := s.indexer.Reindex(ctx, sink)
	s.stats.RecordIndexed(sink, n)
	if err != nil && !lenserrors.IsNotFound(err) {
		s.stats.RecordFailure(sink, err)
	}
	return n, err
}

// NewDaemon creates an indexing daemon over this store. It shares the
// store's stats and wakes whenever a write leaves dirty work behind.
func (s *Store) NewDaemon(cfg indexer.DaemonConfig) *indexer.Daemon {
	sub := s.notifier.Subscribe()
	s.subsMu.Lock()
	s.subs = append(s.subs, sub)
	s.subsMu.Unlock()
	return indexer.NewDaemon(cfg, s.indexer,
		indexer.WithStats(s.stats),
		indexer.WithWakeup(sub.Ch))
}

// ParseEventArgs turns KEY=VALUE command-line pairs into an event payload.
// Values stay strings; a pair without '=' or with an empty key is rejected.
func ParseEventArgs(args []string) (map[string]interface{}, error) {
	payload := make(map[string]interface{}, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, lenserrors.NewValidationError(lenserrors.CodeInvalidArgument,
				fmt.Sprintf("malformed event argument %q (expected KEY=VALUE)", arg))
		}
		payload[key] = value
	}
	return payload, nil
}
