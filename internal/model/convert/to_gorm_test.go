package convert

import (
	"math"
	"testing"
	"time"

	"github.com/geoclaim/engine/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoreToTerritory(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := core.NewTerritory("t-1", "alice", "Alice", core.LatLon{Lat: 38.9012, Lon: -77.2654}, now)
	tr.Version = 3

	row := CoreToTerritory(tr)

	assert.Equal(t, "t-1", row.ID)
	assert.Equal(t, 38.9012, row.Lat)
	assert.Equal(t, -77.2654, row.Lon)
	assert.Equal(t, uint64(3), row.Version)
	assert.Equal(t, 10.0, row.RadiusMeters)

	// bounding box surrounds the center
	assert.Less(t, row.MinLat, row.Lat)
	assert.Greater(t, row.MaxLat, row.Lat)
	assert.Less(t, row.MinLon, row.Lon)
	assert.Greater(t, row.MaxLon, row.Lon)

	coords, ok := row.Position.Coordinates()
	require.True(t, ok)
	assert.Less(t, coords.X, 0.0, "western hemisphere projects to negative X")
	assert.Greater(t, coords.Y, 0.0)
}

func TestTerritoryRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	original := core.NewTerritory("t-1", "alice", "Alice", core.LatLon{Lat: -33.8688, Lon: 151.2093}, now)
	original.ApplyDamage("bob", 40)
	original.Version = 5

	result := TerritoryToCore(CoreToTerritory(original))

	assert.Equal(t, original, result)
}

func TestCoreToTerritoryEvent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := core.NewTerritory("t-1", "alice", "Alice", core.LatLon{Lat: 1, Lon: 2}, now)
	e := core.Event{
		Type:       core.EventTerritoryDamaged,
		Time:       now,
		Territory:  tr,
		PlayerID:   "bob",
		PlayerName: "Bob",
		Amount:     25,
	}

	row := CoreToTerritoryEvent(e)

	assert.Equal(t, "territory_damaged", row.Type)
	assert.Equal(t, "t-1", row.TerritoryID)
	assert.Equal(t, 25, row.Amount)
	assert.Contains(t, string(row.Payload), `"ownerId":"alice"`)

	back := TerritoryEventToCore(row)
	assert.Equal(t, e.Type, back.Type)
	assert.Equal(t, tr.ID, back.Territory.ID)
	assert.Equal(t, tr.Health, back.Territory.Health)
	assert.True(t, math.Abs(back.Territory.Center.Lat-1) < 1e-12)
}
