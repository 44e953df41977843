// Package remote replays queued mutations against the hosted database.
package remote

import (
	"context"
	"fmt"
	"sync"

	"offline-sync-engine/internal/models"
	"offline-sync-engine/internal/syncer"
)

// TableApplier applies mutations for one or more tables.
type TableApplier interface {
	Apply(ctx context.Context, item models.QueueItem) syncer.ApplyResult
}

// ApplierFunc adapts a function to TableApplier.
type ApplierFunc func(ctx context.Context, item models.QueueItem) syncer.ApplyResult

func (f ApplierFunc) Apply(ctx context.Context, item models.QueueItem) syncer.ApplyResult {
	return f(ctx, item)
}

// Dispatcher routes each item to the applier registered for its table.
type Dispatcher struct {
	mu       sync.RWMutex
	appliers map[string]TableApplier
	fallback TableApplier
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{appliers: make(map[string]TableApplier)}
}

// Register binds an applier to a table name.
func (d *Dispatcher) Register(table string, a TableApplier) {
	if table == "" || a == nil {
		return
	}
	d.mu.Lock()
	d.appliers[table] = a
	d.mu.Unlock()
}

// RegisterDefault handles tables that have no dedicated applier.
func (d *Dispatcher) RegisterDefault(a TableApplier) {
	d.mu.Lock()
	d.fallback = a
	d.mu.Unlock()
}

// Tables lists the table names with a dedicated applier.
func (d *Dispatcher) Tables() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.appliers))
	for t := range d.appliers {
		out = append(out, t)
	}
	return out
}

// Apply satisfies syncer.ApplyFunc. An item for a table nobody handles can
// never succeed and is rejected permanently.
func (d *Dispatcher) Apply(ctx context.Context, item models.QueueItem) syncer.ApplyResult {
	d.mu.RLock()
	a, ok := d.appliers[item.TableName]
	if !ok {
		a = d.fallback
	}
	d.mu.RUnlock()
	if a == nil {
		return syncer.Permanent(fmt.Errorf("no applier registered for table %q", item.TableName))
	}
	return a.Apply(ctx, item)
}
