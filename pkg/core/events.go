// pkg/core/events.go
package core

import (
	"time"
)

// EventType names a territory domain event.
type EventType string

const (
	EventTerritoryClaimed  EventType = "territory_claimed"
	EventTerritoryLost     EventType = "territory_lost"
	EventTerritoryAttacked EventType = "territory_attacked"
	EventTerritoryDamaged  EventType = "territory_damaged"
	EventTerritoryRepaired EventType = "territory_repaired"
	EventTerritoryUpgraded EventType = "territory_upgraded"
	EventTerritoryDefended EventType = "territory_defended"
	EventContestWithdrawn  EventType = "contest_withdrawn"
)

// AllEventTypes lists every event the service publishes.
var AllEventTypes = []EventType{
	EventTerritoryClaimed,
	EventTerritoryLost,
	EventTerritoryAttacked,
	EventTerritoryDamaged,
	EventTerritoryRepaired,
	EventTerritoryUpgraded,
	EventTerritoryDefended,
	EventContestWithdrawn,
}

// Event is published after a committed territory mutation.
// Territory is the committed snapshot.
type Event struct {
	Type       EventType `json:"type"`
	Time       time.Time `json:"time"`
	Territory  Territory `json:"territory"`
	PlayerID   string    `json:"playerId"`   // acting player
	PlayerName string    `json:"playerName"` // acting player display name, if known
	Amount     int       `json:"amount,omitempty"`

	// Set on TerritoryLost, and on the TerritoryClaimed that follows a conquest.
	PreviousOwnerID   string `json:"previousOwnerId,omitempty"`
	PreviousOwnerName string `json:"previousOwnerName,omitempty"`
	Conquest          bool   `json:"conquest,omitempty"`
}
