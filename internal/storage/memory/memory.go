// internal/storage/memory/memory.go
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/geoclaim/engine/internal/config"
	"github.com/geoclaim/engine/internal/geo"
	"github.com/geoclaim/engine/internal/storage"
	"github.com/geoclaim/engine/pkg/core"
)

// defaultJournalLimit applies when the config leaves JournalLimit unset.
const defaultJournalLimit = 10000

// Backend keeps territories in memory. All writes happen under one lock, so
// compare-and-swap on Version and the create-time overlap check are atomic.
// With an OutputDir configured it loads a snapshot on Init and writes one on Close.
type Backend struct {
	cfg config.MemoryConfig

	territories map[string]core.Territory // keyed by ID

	// events is a ring once it reaches the journal limit; next is the slot
	// the following event overwrites.
	events []core.Event
	next   int

	mu sync.RWMutex
}

// New creates a new memory backend
func New(cfg config.MemoryConfig) *Backend {
	return &Backend{
		cfg:         cfg,
		territories: make(map[string]core.Territory),
	}
}

// Init loads the last snapshot, if any
func (b *Backend) Init(ctx context.Context) error {
	if b.cfg.OutputDir == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loadSnapshot()
}

// Close writes a snapshot when an output directory is configured
func (b *Backend) Close() error {
	if b.cfg.OutputDir == "" {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.writeSnapshot()
}

// Get returns a copy of the stored territory
func (b *Backend) Get(ctx context.Context, id string) (core.Territory, error) {
	if err := storage.ContextErr(ctx, "memory:get"); err != nil {
		return core.Territory{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.territories[id]
	if !ok {
		return core.Territory{}, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return t, nil
}

// QueryNear returns territories whose bounding envelope intersects the query
// envelope.
func (b *Backend) QueryNear(ctx context.Context, lat, lon, radiusMeters float64) ([]core.Territory, error) {
	if err := storage.ContextErr(ctx, "memory:queryNear"); err != nil {
		return nil, err
	}
	query := geo.BoundingBox(lat, lon, radiusMeters)

	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]core.Territory, 0)
	for _, t := range b.territories {
		if query.Intersects(geo.BoundingBox(t.Center.Lat, t.Center.Lon, t.RadiusMeters)) {
			result = append(result, t)
		}
	}
	sortByID(result)
	return result, nil
}

// Create stores t at version 1 unless it overlaps a stored territory.
func (b *Backend) Create(ctx context.Context, t core.Territory, opts storage.CreateOptions) (core.Territory, error) {
	if err := storage.ContextErr(ctx, "memory:create"); err != nil {
		return core.Territory{}, err
	}
	t.Version = 1
	if err := t.Validate(); err != nil {
		return core.Territory{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.territories[t.ID]; exists {
		return core.Territory{}, fmt.Errorf("%w: duplicate id %s", storage.ErrConflict, t.ID)
	}
	if other, ok := b.findOverlap(t, opts.MarginMeters); ok {
		return core.Territory{}, fmt.Errorf("%w: %s owned by %s", storage.ErrConflict, other.ID, other.OwnerName)
	}

	b.territories[t.ID] = t
	return t, nil
}

// ConditionalUpdate applies mutate if the stored version is expectedVersion.
func (b *Backend) ConditionalUpdate(ctx context.Context, id string, expectedVersion uint64, mutate storage.Mutator) (core.Territory, error) {
	if err := storage.ContextErr(ctx, "memory:conditionalUpdate"); err != nil {
		return core.Territory{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.territories[id]
	if !ok {
		return core.Territory{}, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	if current.Version != expectedVersion {
		return core.Territory{}, fmt.Errorf("%w: %s at v%d, expected v%d", storage.ErrVersionConflict, id, current.Version, expectedVersion)
	}

	next := current
	if err := mutate(&next); err != nil {
		return core.Territory{}, err
	}
	if err := storage.CheckMutation(current, next); err != nil {
		return core.Territory{}, err
	}
	if next.RadiusMeters > current.RadiusMeters {
		if other, ok := b.findOverlap(next, 0); ok {
			return core.Territory{}, fmt.Errorf("%w: %s owned by %s", storage.ErrConflict, other.ID, other.OwnerName)
		}
	}

	next.Version = current.Version + 1
	b.territories[id] = next
	return next, nil
}

// CountByOwner counts territories currently owned by ownerID
func (b *Backend) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	if err := storage.ContextErr(ctx, "memory:countByOwner"); err != nil {
		return 0, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, t := range b.territories {
		if t.OwnerID == ownerID {
			count++
		}
	}
	return count, nil
}

// OwnerCounts counts territories per owner
func (b *Backend) OwnerCounts(ctx context.Context) (map[string]int, error) {
	if err := storage.ContextErr(ctx, "memory:ownerCounts"); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	counts := make(map[string]int)
	for _, t := range b.territories {
		counts[t.OwnerID]++
	}
	return counts, nil
}

// AppendEvent keeps the event in the in-memory journal. Once the journal
// holds JournalLimit events each new one replaces the oldest.
func (b *Backend) AppendEvent(ctx context.Context, e core.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	limit := b.cfg.JournalLimit
	if limit <= 0 {
		limit = defaultJournalLimit
	}
	if len(b.events) < limit {
		b.events = append(b.events, e)
		return nil
	}
	b.events[b.next] = e
	b.next = (b.next + 1) % len(b.events)
	return nil
}

// Events returns a copy of the journal, oldest first
func (b *Backend) Events() []core.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]core.Event, 0, len(b.events))
	out = append(out, b.events[b.next:]...)
	return append(out, b.events[:b.next]...)
}

// findOverlap must be called with b.mu held.
func (b *Backend) findOverlap(t core.Territory, margin float64) (core.Territory, bool) {
	for _, other := range b.territories {
		if other.ID == t.ID {
			continue
		}
		if geo.OverlapsWithMargin(t.Circle(), other.Circle(), margin) {
			return other, true
		}
	}
	return core.Territory{}, false
}

func sortByID(ts []core.Territory) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })
}
