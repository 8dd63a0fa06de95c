package convert

import (
	"testing"
	"time"

	"github.com/geoclaim/engine/internal/model"
	"github.com/geoclaim/engine/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestTerritoryToCore(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	row := model.Territory{
		ID:                 "t-1",
		OwnerID:            "alice",
		OwnerName:          "Alice",
		Lat:                38.9012,
		Lon:                -77.2654,
		MinLat:             38.9,
		RadiusMeters:       15,
		Level:              2,
		Health:             120,
		MaxHealth:          150,
		IsContested:        true,
		ContestingPlayerID: "bob",
		ClaimedAt:          now,
		LastDefendedAt:     now.Add(time.Minute),
		Version:            7,
	}

	got := TerritoryToCore(row)

	assert.Equal(t, "t-1", got.ID)
	assert.Equal(t, "alice", got.OwnerID)
	assert.Equal(t, "Alice", got.OwnerName)
	assert.Equal(t, core.LatLon{Lat: 38.9012, Lon: -77.2654}, got.Center)
	assert.Equal(t, 15.0, got.RadiusMeters)
	assert.Equal(t, 2, got.Level)
	assert.Equal(t, 120, got.Health)
	assert.Equal(t, 150, got.MaxHealth)
	assert.True(t, got.IsContested)
	assert.Equal(t, "bob", got.ContestingPlayerID)
	assert.Equal(t, now, got.ClaimedAt)
	assert.Equal(t, now.Add(time.Minute), got.LastDefendedAt)
	assert.Equal(t, uint64(7), got.Version)
	require.NoError(t, got.Validate())
}

func TestTerritoriesToCore(t *testing.T) {
	got := TerritoriesToCore([]model.Territory{{ID: "a"}, {ID: "b"}})
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)

	assert.Empty(t, TerritoriesToCore(nil))
}

func TestTerritoryEventToCore(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	row := model.TerritoryEvent{
		Time:            now,
		Type:            "territory_claimed",
		TerritoryID:     "t-1",
		PlayerID:        "bob",
		PlayerName:      "Bob",
		Amount:          0,
		PreviousOwnerID: "alice",
		Conquest:        true,
		Payload:         datatypes.JSON(`{"id":"t-1","ownerId":"bob","level":1}`),
	}

	got := TerritoryEventToCore(row)

	assert.Equal(t, core.EventTerritoryClaimed, got.Type)
	assert.Equal(t, now, got.Time)
	assert.Equal(t, "bob", got.PlayerID)
	assert.Equal(t, "alice", got.PreviousOwnerID)
	assert.True(t, got.Conquest)
	assert.Equal(t, "bob", got.Territory.OwnerID)
	assert.Equal(t, 1, got.Territory.Level)
}

func TestTerritoryEventToCore_BadPayload(t *testing.T) {
	got := TerritoryEventToCore(model.TerritoryEvent{
		Type:        "territory_lost",
		TerritoryID: "t-9",
		Payload:     datatypes.JSON(`not json`),
	})

	assert.Equal(t, core.EventTerritoryLost, got.Type)
	assert.Equal(t, "t-9", got.Territory.ID)
}
