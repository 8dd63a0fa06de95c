// Package progression turns territory events into per-player counters: how
// many territories a player holds right now and lifetime achievement totals.
package progression

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/geoclaim/engine/internal/dispatcher"
	"github.com/geoclaim/engine/pkg/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/geoclaim/engine/internal/progression"

// Achievement counter names.
const (
	TerritoriesClaimed   = "territories_claimed"
	TerritoriesConquered = "territories_conquered"
	TerritoriesLost      = "territories_lost"
)

// Tracker is safe for concurrent use.
type Tracker struct {
	mu           sync.RWMutex
	owned        map[string]int
	achievements map[string]map[string]int

	counter metric.Int64Counter
}

func New() (*Tracker, error) {
	counter, err := otel.Meter(instrumentationName).Int64Counter(
		"progression.achievements",
		metric.WithDescription("Achievement counter increments"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating achievements counter: %w", err)
	}
	return &Tracker{
		owned:        make(map[string]int),
		achievements: make(map[string]map[string]int),
		counter:      counter,
	}, nil
}

// Register subscribes the tracker to the events it counts.
func (t *Tracker) Register(d *dispatcher.Dispatcher) {
	d.Subscribe(core.EventTerritoryClaimed, t.Handle, dispatcher.Named("progression"))
	d.Subscribe(core.EventTerritoryLost, t.Handle, dispatcher.Named("progression"))
}

// Handle matches dispatcher.HandlerFunc. Events without a player are ignored.
func (t *Tracker) Handle(ctx context.Context, e core.Event) error {
	if e.PlayerID == "" {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch e.Type {
	case core.EventTerritoryClaimed:
		t.owned[e.PlayerID]++
		t.bump(ctx, e.PlayerID, TerritoriesClaimed)
		if e.Conquest {
			t.bump(ctx, e.PlayerID, TerritoriesConquered)
		}
	case core.EventTerritoryLost:
		if t.owned[e.PlayerID] > 0 {
			t.owned[e.PlayerID]--
		}
		t.bump(ctx, e.PlayerID, TerritoriesLost)
	}
	return nil
}

func (t *Tracker) bump(ctx context.Context, playerID, name string) {
	m, ok := t.achievements[playerID]
	if !ok {
		m = make(map[string]int)
		t.achievements[playerID] = m
	}
	m[name]++
	t.counter.Add(ctx, 1, metric.WithAttributes(attribute.String("achievement", name)))
}

// Owned returns how many territories the player holds according to the
// events seen so far.
func (t *Tracker) Owned(playerID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.owned[playerID]
}

// Achievement returns one named counter for the player.
func (t *Tracker) Achievement(playerID, name string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.achievements[playerID][name]
}

// Achievements returns a copy of every counter for the player.
func (t *Tracker) Achievements(playerID string) map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]int, len(t.achievements[playerID]))
	for k, v := range t.achievements[playerID] {
		out[k] = v
	}
	return out
}

// Players lists every player the tracker has seen, sorted.
func (t *Tracker) Players() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.achievements))
	for id := range t.achievements {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// OwnerCounter reports how many territories each owner holds.
type OwnerCounter interface {
	OwnerCounts(ctx context.Context) (map[string]int, error)
}

// Load replaces every owned count with the store's. Call it before Register
// so no event is counted twice.
func (t *Tracker) Load(ctx context.Context, src OwnerCounter) error {
	counts, err := src.OwnerCounts(ctx)
	if err != nil {
		return fmt.Errorf("loading owned counts: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.owned = make(map[string]int, len(counts))
	for id, n := range counts {
		t.owned[id] = n
	}
	return nil
}
