package convert

import (
	"encoding/json"

	"github.com/geoclaim/engine/internal/geo"
	"github.com/geoclaim/engine/internal/model"
	"github.com/geoclaim/engine/pkg/core"
	"gorm.io/datatypes"
)

// CoreToTerritory converts a core.Territory to a GORM Territory, filling the
// bounding box and projected position columns.
func CoreToTerritory(t core.Territory) model.Territory {
	box := geo.BoundsFor(t.Center.Lat, t.Center.Lon, t.RadiusMeters)

	return model.Territory{
		ID:                 t.ID,
		OwnerID:            t.OwnerID,
		OwnerName:          t.OwnerName,
		Lat:                t.Center.Lat,
		Lon:                t.Center.Lon,
		MinLat:             box.MinLat,
		MaxLat:             box.MaxLat,
		MinLon:             box.MinLon,
		MaxLon:             box.MaxLon,
		Position:           geo.WebMercator(t.Center.Lat, t.Center.Lon),
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

// CoreToTerritoryEvent converts a core.Event to a journal row.
func CoreToTerritoryEvent(e core.Event) model.TerritoryEvent {
	payload, err := json.Marshal(e.Territory)
	if err != nil {
		payload = []byte("{}")
	}

	return model.TerritoryEvent{
		Time:              e.Time,
		Type:              string(e.Type),
		TerritoryID:       e.Territory.ID,
		PlayerID:          e.PlayerID,
		PlayerName:        e.PlayerName,
		Amount:            e.Amount,
		PreviousOwnerID:   e.PreviousOwnerID,
		PreviousOwnerName: e.PreviousOwnerName,
		Conquest:          e.Conquest,
		Payload:           datatypes.JSON(payload),
	}
}
