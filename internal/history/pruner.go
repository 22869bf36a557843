package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultPruneSchedule runs retention once an hour.
const DefaultPruneSchedule = "@every 1h"

// Pruner deletes history older than the retention window on a cron
// schedule.
type Pruner struct {
	store     *Store
	retention time.Duration
	cron      *cron.Cron
	now       func() time.Time

	mu      sync.Mutex
	started bool
}

// NewPruner schedules pruning of store. schedule accepts cron expressions
// and descriptors such as "@every 1h"; empty picks DefaultPruneSchedule.
func NewPruner(store *Store, retention time.Duration, schedule string) (*Pruner, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("history: retention must be positive, got %s", retention)
	}
	if schedule == "" {
		schedule = DefaultPruneSchedule
	}

	p := &Pruner{
		store:     store,
		retention: retention,
		cron:      cron.New(),
		now:       time.Now,
	}
	if _, err := p.cron.AddFunc(schedule, p.run); err != nil {
		return nil, fmt.Errorf("history: parse prune schedule %q: %w", schedule, err)
	}
	return p, nil
}

func (p *Pruner) run() {
	if _, err := p.PruneNow(context.Background()); err != nil {
		slog.Error("[HISTORY] prune failed", "error", err)
	}
}

// PruneNow deletes everything older than the retention window.
func (p *Pruner) PruneNow(ctx context.Context) (int64, error) {
	cutoff := p.now().Add(-p.retention)
	n, err := p.store.Prune(ctx, cutoff)
	if err != nil {
		return n, err
	}
	if n > 0 {
		slog.Info("[HISTORY] pruned old rows", "rows", n, "before", cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// Start begins running the schedule.
func (p *Pruner) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.cron.Start()
	p.started = true
}

// Stop halts the schedule and waits for a running prune to finish.
func (p *Pruner) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	<-p.cron.Stop().Done()
	p.started = false
}
