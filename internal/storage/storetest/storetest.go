// Package storetest holds the behaviour every storage.Store backend must show.
// Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/geoclaim/engine/internal/geo"
	"github.com/geoclaim/engine/internal/storage"
	"github.com/geoclaim/engine/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, initialised store for one test.
type Factory func(t *testing.T) storage.Store

// BaseLat and BaseLon anchor every fixture.
const (
	BaseLat = 38.9012
	BaseLon = -77.2654
)

var fixtureTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NorthOf returns the latitude reached by moving meters due north of lat.
func NorthOf(lat, meters float64) float64 {
	return lat + meters/geo.EarthRadiusMeters*180/math.Pi
}

// Territory builds a level 1 fixture metersNorth of the base point.
func Territory(id, owner string, metersNorth float64) core.Territory {
	return core.NewTerritory(id, owner, owner+"-name", core.LatLon{Lat: NorthOf(BaseLat, metersNorth), Lon: BaseLon}, fixtureTime)
}

// Run executes the conformance suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("GetNotFound", func(t *testing.T) { testGetNotFound(t, newStore(t)) })
	t.Run("CreateOverlapConflict", func(t *testing.T) { testCreateOverlapConflict(t, newStore(t)) })
	t.Run("CreateMargin", func(t *testing.T) { testCreateMargin(t, newStore(t)) })
	t.Run("CreateDuplicateID", func(t *testing.T) { testCreateDuplicateID(t, newStore(t)) })
	t.Run("QueryNear", func(t *testing.T) { testQueryNear(t, newStore(t)) })
	t.Run("ConditionalUpdate", func(t *testing.T) { testConditionalUpdate(t, newStore(t)) })
	t.Run("ConditionalUpdateVersionConflict", func(t *testing.T) { testVersionConflict(t, newStore(t)) })
	t.Run("ConditionalUpdateNotFound", func(t *testing.T) { testUpdateNotFound(t, newStore(t)) })
	t.Run("ConditionalUpdateMutatorError", func(t *testing.T) { testMutatorError(t, newStore(t)) })
	t.Run("ConditionalUpdateRejectsInvalid", func(t *testing.T) { testRejectsInvalid(t, newStore(t)) })
	t.Run("ConditionalUpdateGrowthOverlap", func(t *testing.T) { testGrowthOverlap(t, newStore(t)) })
	t.Run("CountByOwner", func(t *testing.T) { testCountByOwner(t, newStore(t)) })
	t.Run("OwnerCounts", func(t *testing.T) { testOwnerCounts(t, newStore(t)) })
	t.Run("CancelledContext", func(t *testing.T) { testCancelledContext(t, newStore(t)) })
	t.Run("ConcurrentCreate", func(t *testing.T) { testConcurrentCreate(t, newStore(t)) })
	t.Run("ConcurrentUpdate", func(t *testing.T) { testConcurrentUpdate(t, newStore(t)) })
}

func testCreateAndGet(t *testing.T, s storage.Store) {
	ctx := context.Background()
	created, err := s.Create(ctx, Territory("a", "alice", 0), storage.CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), created.Version)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.OwnerID)
	assert.Equal(t, "alice-name", got.OwnerName)
	assert.InDelta(t, BaseLat, got.Center.Lat, 1e-9)
	assert.InDelta(t, BaseLon, got.Center.Lon, 1e-9)
	assert.Equal(t, 100, got.Health)
	assert.Equal(t, 1, got.Level)
	assert.Equal(t, uint64(1), got.Version)
	assert.True(t, got.ClaimedAt.Equal(fixtureTime))
}

func testGetNotFound(t *testing.T, s storage.Store) {
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testCreateOverlapConflict(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, err := s.Create(ctx, Territory("a", "alice", 0), storage.CreateOptions{})
	require.NoError(t, err)

	_, err = s.Create(ctx, Territory("b", "bob", 0), storage.CreateOptions{})
	assert.ErrorIs(t, err, storage.ErrConflict)

	_, err = s.Create(ctx, Territory("c", "carol", 19), storage.CreateOptions{})
	assert.ErrorIs(t, err, storage.ErrConflict)

	_, err = s.Create(ctx, Territory("d", "dave", 21), storage.CreateOptions{})
	assert.NoError(t, err)
}

func testCreateMargin(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, err := s.Create(ctx, Territory("a", "alice", 0), storage.CreateOptions{MarginMeters: 5})
	require.NoError(t, err)

	_, err = s.Create(ctx, Territory("b", "bob", 23), storage.CreateOptions{MarginMeters: 5})
	assert.ErrorIs(t, err, storage.ErrConflict)

	_, err = s.Create(ctx, Territory("c", "carol", 26), storage.CreateOptions{MarginMeters: 5})
	assert.NoError(t, err)
}

func testCreateDuplicateID(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, err := s.Create(ctx, Territory("a", "alice", 0), storage.CreateOptions{})
	require.NoError(t, err)

	_, err = s.Create(ctx, Territory("a", "alice", 500), storage.CreateOptions{})
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func testQueryNear(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for i, north := range []float64{0, 50, 200, 5000} {
		_, err := s.Create(ctx, Territory(fmt.Sprintf("t%d", i), "alice", north), storage.CreateOptions{})
		require.NoError(t, err)
	}

	near, err := s.QueryNear(ctx, BaseLat, BaseLon, 100)
	require.NoError(t, err)

	ids := make([]string, 0, len(near))
	for _, tr := range near {
		ids = append(ids, tr.ID)
	}
	assert.Contains(t, ids, "t0")
	assert.Contains(t, ids, "t1")
	assert.NotContains(t, ids, "t2")
	assert.NotContains(t, ids, "t3")

	far, err := s.QueryNear(ctx, NorthOf(BaseLat, 5000), BaseLon, 1)
	require.NoError(t, err)
	require.Len(t, far, 1)
	assert.Equal(t, "t3", far[0].ID)
}

func testConditionalUpdate(t *testing.T, s storage.Store) {
	ctx := context.Background()
	created, err := s.Create(ctx, Territory("a", "alice", 0), storage.CreateOptions{})
	require.NoError(t, err)

	updated, err := s.ConditionalUpdate(ctx, "a", created.Version, func(tr *core.Territory) error {
		tr.ApplyDamage("bob", 30)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 70, updated.Health)
	assert.True(t, updated.IsContested)
	assert.Equal(t, "bob", updated.ContestingPlayerID)
	assert.Equal(t, uint64(2), updated.Version)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, updated.Health, got.Health)
	assert.Equal(t, updated.Version, got.Version)
	assert.Equal(t, "bob", got.ContestingPlayerID)

	// level change moves radius and max health together
	upgraded, err := s.ConditionalUpdate(ctx, "a", got.Version, func(tr *core.Territory) error {
		tr.SetLevel(tr.Level + 1)
		tr.Health = tr.MaxHealth
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, upgraded.Level)
	assert.Equal(t, 15.0, upgraded.RadiusMeters)
	assert.Equal(t, 150, upgraded.MaxHealth)
	assert.Equal(t, uint64(3), upgraded.Version)
}

func testVersionConflict(t *testing.T, s storage.Store) {
	ctx := context.Background()
	created, err := s.Create(ctx, Territory("a", "alice", 0), storage.CreateOptions{})
	require.NoError(t, err)

	_, err = s.ConditionalUpdate(ctx, "a", created.Version, func(tr *core.Territory) error {
		tr.ApplyDamage("bob", 10)
		return nil
	})
	require.NoError(t, err)

	called := false
	_, err = s.ConditionalUpdate(ctx, "a", created.Version, func(tr *core.Territory) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, storage.ErrVersionConflict)
	assert.False(t, called, "mutator ran against a stale version")

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 90, got.Health)
	assert.Equal(t, uint64(2), got.Version)
}

func testUpdateNotFound(t *testing.T, s storage.Store) {
	_, err := s.ConditionalUpdate(context.Background(), "missing", 1, func(tr *core.Territory) error { return nil })
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testMutatorError(t *testing.T, s storage.Store) {
	ctx := context.Background()
	created, err := s.Create(ctx, Territory("a", "alice", 0), storage.CreateOptions{})
	require.NoError(t, err)

	veto := errors.New("veto")
	_, err = s.ConditionalUpdate(ctx, "a", created.Version, func(tr *core.Territory) error {
		tr.ApplyDamage("bob", 50)
		return veto
	})
	assert.ErrorIs(t, err, veto)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 100, got.Health)
	assert.Equal(t, uint64(1), got.Version)
}

func testRejectsInvalid(t *testing.T, s storage.Store) {
	ctx := context.Background()
	created, err := s.Create(ctx, Territory("a", "alice", 0), storage.CreateOptions{})
	require.NoError(t, err)

	mutations := map[string]storage.Mutator{
		"zero health":   func(tr *core.Territory) error { tr.ApplyDamage("bob", 1000); return nil },
		"moved center":  func(tr *core.Territory) error { tr.Center.Lat += 1; return nil },
		"radius only":   func(tr *core.Territory) error { tr.RadiusMeters = 50; return nil },
		"half contest":  func(tr *core.Territory) error { tr.IsContested = true; return nil },
		"version bump":  func(tr *core.Territory) error { tr.Version = 99; return nil },
		"renamed entry": func(tr *core.Territory) error { tr.ID = "b"; return nil },
	}
	for name, mutate := range mutations {
		_, err := s.ConditionalUpdate(ctx, "a", created.Version, mutate)
		assert.ErrorIs(t, err, core.ErrInvalidTerritory, name)
	}

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Version)
	assert.Equal(t, 100, got.Health)
}

func testGrowthOverlap(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a, err := s.Create(ctx, Territory("a", "alice", 0), storage.CreateOptions{})
	require.NoError(t, err)
	_, err = s.Create(ctx, Territory("b", "bob", 22), storage.CreateOptions{})
	require.NoError(t, err)

	_, err = s.ConditionalUpdate(ctx, "a", a.Version, func(tr *core.Territory) error {
		tr.SetLevel(2)
		return nil
	})
	assert.ErrorIs(t, err, storage.ErrConflict)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Level)
}

func testCountByOwner(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, err := s.Create(ctx, Territory("a", "alice", 0), storage.CreateOptions{})
	require.NoError(t, err)
	_, err = s.Create(ctx, Territory("b", "alice", 100), storage.CreateOptions{})
	require.NoError(t, err)
	_, err = s.Create(ctx, Territory("c", "bob", 200), storage.CreateOptions{})
	require.NoError(t, err)

	n, err := s.CountByOwner(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountByOwner(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func testOwnerCounts(t *testing.T, s storage.Store) {
	ctx := context.Background()
	counts, err := s.OwnerCounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)

	_, err = s.Create(ctx, Territory("a", "alice", 0), storage.CreateOptions{})
	require.NoError(t, err)
	_, err = s.Create(ctx, Territory("b", "alice", 100), storage.CreateOptions{})
	require.NoError(t, err)
	_, err = s.Create(ctx, Territory("c", "bob", 200), storage.CreateOptions{})
	require.NoError(t, err)

	_, err = s.ConditionalUpdate(ctx, "b", 1, func(tr *core.Territory) error {
		tr.Conquer("bob", "bob-name", fixtureTime)
		return nil
	})
	require.NoError(t, err)

	counts, err = s.OwnerCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"alice": 1, "bob": 2}, counts)
}

func testCancelledContext(t *testing.T, s storage.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	_, err = s.Create(ctx, Territory("a", "alice", 0), storage.CreateOptions{})
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	_, err = s.QueryNear(ctx, BaseLat, BaseLon, 10)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}

func testConcurrentCreate(t *testing.T, s storage.Store) {
	ctx := context.Background()
	const claimants = 8

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// every fixture overlaps every other one
			_, err := s.Create(ctx, Territory(fmt.Sprintf("c%d", i), fmt.Sprintf("p%d", i), float64(i)), storage.CreateOptions{})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(claimants-1), conflicts.Load())
}

func testConcurrentUpdate(t *testing.T, s storage.Store) {
	ctx := context.Background()
	created, err := s.Create(ctx, Territory("a", "alice", 0), storage.CreateOptions{})
	require.NoError(t, err)

	const writers = 8
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConditionalUpdate(ctx, "a", created.Version, func(tr *core.Territory) error {
				tr.ApplyDamage("bob", 10)
				return nil
			})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrVersionConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(writers-1), conflicts.Load())

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 90, got.Health)
	assert.Equal(t, uint64(2), got.Version)
}
