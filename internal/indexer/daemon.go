package indexer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/arkilian/lens/internal/observability"
	"github.com/arkilian/lens/internal/router"
)

// DaemonConfig holds configuration for the indexing daemon.
type DaemonConfig struct {
	// BatchSize caps the events and rollup rows handled per sink per cycle (default: 50).
	BatchSize int

	// BusyInterval is the pause after a cycle that did some work (default: 2s).
	BusyInterval time.Duration

	// IdleInterval is the pause after a cycle that found nothing to do (default: 10s).
	IdleInterval time.Duration
}

// DefaultDaemonConfig returns the default daemon configuration.
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		BatchSize:    50,
		BusyInterval: 2 * time.Second,
		IdleInterval: 10 * time.Second,
	}
}

// Daemon indexes dirty events of every sink in the background.
type Daemon struct {
	config  DaemonConfig
	indexer *Indexer

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	stats  *observability.IndexStats
	wakeup <-chan router.Notification

	statsMu  sync.Mutex
	total    int
	quiesced bool
}

// DaemonOption configures optional daemon behaviour.
type DaemonOption func(*Daemon)

// WithStats records per-sink counters for every cycle.
func WithStats(stats *observability.IndexStats) DaemonOption {
	return func(d *Daemon) { d.stats = stats }
}

// WithWakeup cuts the idle pause short whenever a notification arrives.
func WithWakeup(ch <-chan router.Notification) DaemonOption {
	return func(d *Daemon) { d.wakeup = ch }
}

// NewDaemon creates an indexing daemon. Zero config fields take their defaults.
func NewDaemon(config DaemonConfig, ix *Indexer, opts ...DaemonOption) *Daemon {
	def := DefaultDaemonConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.BusyInterval <= 0 {
		config.BusyInterval = def.BusyInterval
	}
	if config.IdleInterval <= 0 {
		config.IdleInterval = def.IdleInterval
	}
	d := &Daemon{config: config, indexer: ix}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start begins the indexing loop. It runs until the context is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("indexer: daemon is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})
	d.mu.Unlock()

	log.Printf("indexer: daemon started (batch=%d)", d.config.BatchSize)
	go d.run(ctx)
	return nil
}

// Stop stops the daemon and waits for the current cycle to finish.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}

	d.cancel()
	<-d.done
	d.running = false
	log.Printf("indexer: daemon stopped")
	return nil
}

// Wait blocks until the daemon loop exits.
func (d *Daemon) Wait() {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	wakeup := d.wakeup
	idle := false
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-wakeup:
			if !ok {
				wakeup = nil
				continue
			}
			// Only an idle pause is cut short; busy cycles keep their pace.
			if !idle {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			idle = false
			timer.Reset(0)
		case <-timer.C:
			if d.RunOnce(ctx) > 0 {
				idle = false
				timer.Reset(d.config.BusyInterval)
			} else {
				idle = true
				timer.Reset(d.config.IdleInterval)
			}
		}
	}
}

// RunOnce performs a single indexing cycle over every sink and returns the
// number of events and rollup rows processed.
func (d *Daemon) RunOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}

	sinks, err := d.indexer.registry.List(ctx)
	if err != nil {
		log.Printf("indexer: [WARN] failed to list sinks: %v", err)
		return 0
	}

	cycle := 0
	for _, name := range sinks {
		if ctx.Err() != nil {
			break
		}
		n, err := d.indexer.IndexBatch(ctx, name, d.config.BatchSize)
		cycle += n
		d.stats.RecordIndexed(name, n)
		if err != nil {
			log.Printf("indexer: [WARN] failed to index sink %s: %v", name, err)
			d.stats.RecordFailure(name, err)
			continue
		}
		r, err := d.indexer.RollupBatch(ctx, name, d.config.BatchSize)
		cycle += r
		d.stats.RecordRolledUp(name, r)
		if err != nil {
			log.Printf("indexer: [WARN] failed to roll up sink %s: %v", name, err)
			d.stats.RecordFailure(name, err)
		}
	}

	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	if cycle > 0 {
		d.total += cycle
		d.quiesced = false
		log.Printf("indexer: processed %d rows (%d since last idle)", cycle, d.total)
	} else if !d.quiesced {
		log.Printf("indexer: quiesced after %d rows", d.total)
		d.quiesced = true
		d.total = 0
		d.stats.Prune()
	}
	return cycle
}
