// Package convert provides functions to convert GORM models to core models
package convert

import (
	"encoding/json"

	"github.com/geoclaim/engine/internal/model"
	"github.com/geoclaim/engine/pkg/core"
)

// TerritoryToCore converts a GORM Territory to a core.Territory.
// The projected Position column is derived data and is ignored.
func TerritoryToCore(t model.Territory) core.Territory {
	return core.Territory{
		ID:                 t.ID,
		OwnerID:            t.OwnerID,
		OwnerName:          t.OwnerName,
		Center:             core.LatLon{Lat: t.Lat, Lon: t.Lon},
		RadiusMeters:       t.RadiusMeters,
		Level:              t.Level,
		Health:             t.Health,
		MaxHealth:          t.MaxHealth,
		IsContested:        t.IsContested,
		ContestingPlayerID: t.ContestingPlayerID,
		ClaimedAt:          t.ClaimedAt,
		LastDefendedAt:     t.LastDefendedAt,
		Version:            t.Version,
	}
}

// TerritoriesToCore converts a slice of GORM territories.
func TerritoriesToCore(rows []model.Territory) []core.Territory {
	out := make([]core.Territory, len(rows))
	for i, r := range rows {
		out[i] = TerritoryToCore(r)
	}
	return out
}

// TerritoryEventToCore converts a journal row back to a core.Event.
// The territory snapshot is restored from the payload when it decodes.
func TerritoryEventToCore(e model.TerritoryEvent) core.Event {
	var snapshot core.Territory
	if len(e.Payload) > 0 {
		_ = json.Unmarshal(e.Payload, &snapshot)
	}
	if snapshot.ID == "" {
		snapshot.ID = e.TerritoryID
	}

	return core.Event{
		Type:              core.EventType(e.Type),
		Time:              e.Time,
		Territory:         snapshot,
		PlayerID:          e.PlayerID,
		PlayerName:        e.PlayerName,
		Amount:            e.Amount,
		PreviousOwnerID:   e.PreviousOwnerID,
		PreviousOwnerName: e.PreviousOwnerName,
		Conquest:          e.Conquest,
	}
}
