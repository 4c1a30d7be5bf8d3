// Package lock provides per-key single-flight locks for project executions.
package lock

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Sweeper defaults.
const (
	DefaultSweepInterval = 30 * time.Minute
	DefaultMaxAge        = time.Hour
)

// Entry describes a held lock.
type Entry struct {
	Key        string    `json:"key"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Registry is a mutex-guarded map of held locks. Construct one per process
// and pass it to whatever needs it.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
	logger  *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]Entry),
		now:     time.Now,
		logger:  logger,
	}
}

// Acquire takes key for holder. It never blocks: false means the key is busy.
func (r *Registry) Acquire(key, holder string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, held := r.entries[key]; held {
		return false
	}
	r.entries[key] = Entry{Key: key, Holder: holder, AcquiredAt: r.now()}
	return true
}

// Release frees key if holder currently owns it.
func (r *Registry) Release(key, holder string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, held := r.entries[key]
	if !held || e.Holder != holder {
		return false
	}
	delete(r.entries, key)
	return true
}

// Holder returns the current entry for key.
func (r *Registry) Holder(key string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	return e, ok
}

// List returns all held locks ordered by key.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Sweep removes entries older than maxAge and returns how many it removed.
func (r *Registry) Sweep(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	removed := 0
	for key, e := range r.entries {
		if e.AcquiredAt.Before(cutoff) {
			delete(r.entries, key)
			removed++
			r.logger.Warn("reclaimed stale lock", "key", key, "holder", e.Holder, "age", r.now().Sub(e.AcquiredAt).Round(time.Second))
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(maxAge)
		}
	}
}
