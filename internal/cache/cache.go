package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/geoclaim/engine/internal/geo"
	"github.com/geoclaim/engine/internal/storage"
	"github.com/geoclaim/engine/pkg/core"
	"golang.org/x/sync/singleflight"
)

// Source is the read side of the territory store.
type Source interface {
	Get(ctx context.Context, id string) (core.Territory, error)
	QueryNear(ctx context.Context, lat, lon, radiusMeters float64) ([]core.Territory, error)
}

// refreshTimeout bounds a shared reload, which no single caller owns.
const refreshTimeout = 10 * time.Second

// TerritoryView keeps the last known state of every territory around one
// center point, so presentation code can read without a store round trip.
// It is fed by Refresh and by events from the dispatcher.
type TerritoryView struct {
	src Source

	mu          sync.RWMutex
	center      core.LatLon
	radius      float64
	territories map[string]core.Territory

	// gen increases on every write from an event; stamps holds the
	// generation of the last such write per territory since the last reload.
	gen    uint64
	stamps map[string]uint64

	group     singleflight.Group
	refreshes SafeCounter
}

func NewTerritoryView(src Source, center core.LatLon, radiusMeters float64) *TerritoryView {
	return &TerritoryView{
		src:         src,
		center:      center,
		radius:      radiusMeters,
		territories: make(map[string]core.Territory),
		stamps:      make(map[string]uint64),
	}
}

// Refresh reloads the neighborhood from the source. Concurrent calls share
// one query, which runs detached from the caller that started it: a caller
// whose ctx ends gets its ctx error back while the others keep waiting.
func (v *TerritoryView) Refresh(ctx context.Context) error {
	ch := v.group.DoChan("refresh", func() (interface{}, error) {
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return nil, v.reload(qctx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return storage.ContextErr(ctx, "view:refresh")
	}
}

// reload swaps in the query result. Records the view already holds at a newer
// version are kept, as are records applied while the query ran that the
// query did not see.
func (v *TerritoryView) reload(ctx context.Context) error {
	v.mu.RLock()
	center, radius, started := v.center, v.radius, v.gen
	v.mu.RUnlock()

	found, err := v.src.QueryNear(ctx, center.Lat, center.Lon, radius)
	if err != nil {
		return err
	}

	fresh := make(map[string]core.Territory, len(found))
	for _, t := range found {
		if reaches(center, radius, t) {
			fresh[t.ID] = t
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.center != center || v.radius != radius {
		// moved while the query ran
		return nil
	}
	for id, cached := range v.territories {
		t, ok := fresh[id]
		switch {
		case ok && cached.Version > t.Version:
			fresh[id] = cached
		case !ok && v.stamps[id] > started:
			fresh[id] = cached
		}
	}
	v.territories = fresh
	v.stamps = make(map[string]uint64)
	v.refreshes.Inc()
	return nil
}

// Move re-centers the view and drops everything it held.
func (v *TerritoryView) Move(center core.LatLon, radiusMeters float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.center = center
	v.radius = radiusMeters
	v.territories = make(map[string]core.Territory)
	v.stamps = make(map[string]uint64)
}

// Apply folds the territory carried by e into the view. It reports whether
// the view changed; stale versions and territories outside the neighborhood
// are ignored.
func (v *TerritoryView) Apply(e core.Event) bool {
	t := e.Territory
	if t.ID == "" {
		return false
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if !reaches(v.center, v.radius, t) {
		return false
	}
	if cached, ok := v.territories[t.ID]; ok && cached.Version >= t.Version {
		return false
	}
	v.store(t)
	return true
}

// Handle matches dispatcher.HandlerFunc.
func (v *TerritoryView) Handle(ctx context.Context, e core.Event) error {
	v.Apply(e)
	return nil
}

// HandleStale re-reads one territory after a write failed against it.
func (v *TerritoryView) HandleStale(ctx context.Context, id string) error {
	t, err := v.src.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		v.Invalidate(id)
		return nil
	}
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.territories[id]; ok && cached.Version > t.Version {
		return nil
	}
	if reaches(v.center, v.radius, t) {
		v.store(t)
	}
	return nil
}

// store must be called with v.mu held.
func (v *TerritoryView) store(t core.Territory) {
	v.gen++
	v.territories[t.ID] = t
	v.stamps[t.ID] = v.gen
}

func (v *TerritoryView) Get(id string) (core.Territory, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	t, ok := v.territories[id]
	return t, ok
}

// All returns the cached territories ordered by ID.
func (v *TerritoryView) All() []core.Territory {
	v.mu.RLock()
	out := make([]core.Territory, 0, len(v.territories))
	for _, t := range v.territories {
		out = append(out, t)
	}
	v.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v *TerritoryView) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.territories)
}

func (v *TerritoryView) Invalidate(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.territories, id)
	delete(v.stamps, id)
}

func (v *TerritoryView) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.territories = make(map[string]core.Territory)
	v.stamps = make(map[string]uint64)
}

// Refreshes counts completed reloads.
func (v *TerritoryView) Refreshes() int {
	return v.refreshes.Value()
}

func reaches(center core.LatLon, radius float64, t core.Territory) bool {
	return geo.DistanceMeters(center.Lat, center.Lon, t.Center.Lat, t.Center.Lon) <= radius+t.RadiusMeters
}

// SafeCounter is a thread-safe counter
type SafeCounter struct {
	mu sync.Mutex
	v  int
}

func (c *SafeCounter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

func (c *SafeCounter) Inc() {
	c.mu.Lock()
	c.v++
	c.mu.Unlock()
}
