package cache

import (
	"sync"
	"time"

	"github.com/arkilian/lens/pkg/types"
)

// Scope identifies what an invalidation applies to.
type Scope string

const (
	ScopeSinks   Scope = "sinks"
	ScopeIndexes Scope = "indexes"
	ScopeGroups  Scope = "groups"
)

// InvalidateFunc is called after entries for sinkUUID are dropped.
type InvalidateFunc func(scope Scope, sinkUUID string)

// Catalog caches sink, index and group lookups. Sinks are keyed by both
// name and uuid; index lists by sink; child group lists by sink and parent.
type Catalog struct {
	sinksByName *TTLCache[*types.Sink]
	sinksByID   *TTLCache[*types.Sink]
	indexes     *TTLCache[[]*types.Index]
	children    *TTLCache[[]*types.Group]

	mu    sync.RWMutex
	hooks []InvalidateFunc
}

// NewCatalog creates a catalogue cache; ttl <= 0 uses DefaultTTL.
func NewCatalog(ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Catalog{
		sinksByName: NewTTL[*types.Sink](ttl),
		sinksByID:   NewTTL[*types.Sink](ttl),
		indexes:     NewTTL[[]*types.Index](ttl),
		children:    NewTTL[[]*types.Group](ttl),
	}
}

// OnInvalidate registers a hook run after every invalidation.
func (c *Catalog) OnInvalidate(fn InvalidateFunc) {
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

func (c *Catalog) notify(scope Scope, sinkUUID string) {
	c.mu.RLock()
	hooks := c.hooks
	c.mu.RUnlock()
	for _, fn := range hooks {
		fn(scope, sinkUUID)
	}
}

// Sink returns a cached sink by name.
func (c *Catalog) Sink(name string) (*types.Sink, bool) {
	return c.sinksByName.Get(name)
}

// SinkByID returns a cached sink by uuid.
func (c *Catalog) SinkByID(uuid string) (*types.Sink, bool) {
	return c.sinksByID.Get(uuid)
}

// PutSink caches s under both keys.
func (c *Catalog) PutSink(s *types.Sink) {
	c.sinksByName.Set(s.Name, s)
	c.sinksByID.Set(s.UUID, s)
}

// InvalidateSink drops a sink from both maps.
func (c *Catalog) InvalidateSink(s *types.Sink) {
	c.sinksByName.Delete(s.Name)
	c.sinksByID.Delete(s.UUID)
	c.notify(ScopeSinks, s.UUID)
}

// Indexes returns the cached index list of a sink.
func (c *Catalog) Indexes(sinkUUID string) ([]*types.Index, bool) {
	return c.indexes.Get(sinkUUID)
}

// PutIndexes caches the index list of a sink.
func (c *Catalog) PutIndexes(sinkUUID string, list []*types.Index) {
	c.indexes.Set(sinkUUID, list)
}

// InvalidateIndexes drops the index list of a sink.
func (c *Catalog) InvalidateIndexes(sinkUUID string) {
	c.indexes.Delete(sinkUUID)
	c.notify(ScopeIndexes, sinkUUID)
}

func childrenKey(sinkUUID, parentUUID string) string {
	return sinkUUID + "/" + parentUUID
}

// Children returns the cached child groups of parentUUID ("" for roots).
func (c *Catalog) Children(sinkUUID, parentUUID string) ([]*types.Group, bool) {
	return c.children.Get(childrenKey(sinkUUID, parentUUID))
}

// PutChildren caches the child groups of parentUUID.
func (c *Catalog) PutChildren(sinkUUID, parentUUID string, list []*types.Group) {
	c.children.Set(childrenKey(sinkUUID, parentUUID), list)
}

// InvalidateGroups drops every cached group list of a sink.
func (c *Catalog) InvalidateGroups(sinkUUID string) {
	c.children.DeletePrefix(sinkUUID + "/")
	c.notify(ScopeGroups, sinkUUID)
}

// Purge drops everything.
func (c *Catalog) Purge() {
	c.sinksByName.Purge()
	c.sinksByID.Purge()
	c.indexes.Purge()
	c.children.Purge()
}
