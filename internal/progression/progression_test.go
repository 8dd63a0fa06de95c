package progression

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/geoclaim/engine/internal/dispatcher"
	"github.com/geoclaim/engine/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTracker(t *testing.T) *Tracker {
	t.Helper()
	tr, err := New()
	require.NoError(t, err)
	return tr
}

func TestTracker_ClaimAndConquest(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Handle(ctx, core.Event{Type: core.EventTerritoryClaimed, PlayerID: "alice"}))
	require.NoError(t, tr.Handle(ctx, core.Event{Type: core.EventTerritoryClaimed, PlayerID: "alice"}))

	// bob conquers one of alice's territories
	require.NoError(t, tr.Handle(ctx, core.Event{Type: core.EventTerritoryLost, PlayerID: "alice", Conquest: true}))
	require.NoError(t, tr.Handle(ctx, core.Event{Type: core.EventTerritoryClaimed, PlayerID: "bob", Conquest: true}))

	assert.Equal(t, 1, tr.Owned("alice"))
	assert.Equal(t, 1, tr.Owned("bob"))

	assert.Equal(t, map[string]int{TerritoriesClaimed: 2, TerritoriesLost: 1}, tr.Achievements("alice"))
	assert.Equal(t, map[string]int{TerritoriesClaimed: 1, TerritoriesConquered: 1}, tr.Achievements("bob"))
	assert.Equal(t, 0, tr.Achievement("bob", TerritoriesLost))
	assert.Equal(t, []string{"alice", "bob"}, tr.Players())
}

func TestTracker_OwnedNeverNegative(t *testing.T) {
	tr := newTracker(t)
	require.NoError(t, tr.Handle(context.Background(), core.Event{Type: core.EventTerritoryLost, PlayerID: "alice"}))

	assert.Equal(t, 0, tr.Owned("alice"))
	assert.Equal(t, 1, tr.Achievement("alice", TerritoriesLost))
}

func TestTracker_IgnoresOtherEvents(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Handle(ctx, core.Event{Type: core.EventTerritoryDamaged, PlayerID: "bob", Amount: 10}))
	require.NoError(t, tr.Handle(ctx, core.Event{Type: core.EventTerritoryClaimed}))

	assert.Empty(t, tr.Players())
}

type ownerCounts map[string]int

func (c ownerCounts) OwnerCounts(context.Context) (map[string]int, error) {
	if c == nil {
		return nil, errors.New("store down")
	}
	return c, nil
}

func TestTracker_Load(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()
	require.NoError(t, tr.Handle(ctx, core.Event{Type: core.EventTerritoryClaimed, PlayerID: "carol"}))

	require.NoError(t, tr.Load(ctx, ownerCounts{"alice": 4, "bob": 1}))
	assert.Equal(t, 4, tr.Owned("alice"))
	assert.Equal(t, 0, tr.Owned("carol"), "counts not in the store are dropped")

	require.NoError(t, tr.Handle(ctx, core.Event{Type: core.EventTerritoryClaimed, PlayerID: "alice"}))
	require.NoError(t, tr.Handle(ctx, core.Event{Type: core.EventTerritoryLost, PlayerID: "bob"}))
	assert.Equal(t, 5, tr.Owned("alice"))
	assert.Equal(t, 0, tr.Owned("bob"))
}

func TestTracker_LoadError(t *testing.T) {
	tr := newTracker(t)
	err := tr.Load(context.Background(), ownerCounts(nil))
	assert.ErrorContains(t, err, "store down")
}

func TestTracker_Register(t *testing.T) {
	tr := newTracker(t)
	d, err := dispatcher.New(nil)
	require.NoError(t, err)
	tr.Register(d)
	ctx := context.Background()

	require.NoError(t, d.Publish(ctx, core.Event{Type: core.EventTerritoryClaimed, PlayerID: "alice"}))
	require.NoError(t, d.Publish(ctx, core.Event{Type: core.EventTerritoryRepaired, PlayerID: "alice"}))
	d.Close()

	assert.Equal(t, 1, tr.Owned("alice"))
}

func TestTracker_Concurrent(t *testing.T) {
	tr := newTracker(t)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tr.Handle(context.Background(), core.Event{Type: core.EventTerritoryClaimed, PlayerID: "alice"})
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, tr.Owned("alice"))
	assert.Equal(t, 100, tr.Achievement("alice", TerritoriesClaimed))
}
