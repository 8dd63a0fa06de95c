package model

import (
	"time"

	geom "github.com/peterstace/simplefeatures/geom"
	"gorm.io/datatypes"
)

////////////////////////
// DATABASE STRUCTURES //
////////////////////////

// DatabaseModels is a list of all the structs exported here which represent tables in the database schema
var DatabaseModels = []interface{}{
	&Territory{},
	&TerritoryEvent{},
}

// Territory is the persisted form of a claimed region. The bounding box
// columns back the proximity prefilter; Position is the center in EPSG:3857
// for map tooling and is never read back.
type Territory struct {
	ID                 string     `json:"id" gorm:"primarykey;size:64"`
	OwnerID            string     `json:"ownerId" gorm:"size:128;index:idx_territory_owner_id"`
	OwnerName          string     `json:"ownerName" gorm:"size:255"`
	Lat                float64    `json:"lat"`
	Lon                float64    `json:"lon"`
	MinLat             float64    `json:"minLat" gorm:"index:idx_territory_bbox_lat,priority:1"`
	MaxLat             float64    `json:"maxLat" gorm:"index:idx_territory_bbox_lat,priority:2"`
	MinLon             float64    `json:"minLon" gorm:"index:idx_territory_bbox_lon,priority:1"`
	MaxLon             float64    `json:"maxLon" gorm:"index:idx_territory_bbox_lon,priority:2"`
	Position           geom.Point `json:"position"`
	RadiusMeters       float64    `json:"radiusMeters"`
	Level              int        `json:"level"`
	Health             int        `json:"health"`
	MaxHealth          int        `json:"maxHealth"`
	IsContested        bool       `json:"isContested"`
	ContestingPlayerID string     `json:"contestingPlayerId" gorm:"size:128"`
	ClaimedAt          time.Time  `json:"claimedAt"`
	LastDefendedAt     time.Time  `json:"lastDefendedAt"`
	Version            uint64     `json:"version" gorm:"not null;default:1"`
}

func (*Territory) TableName() string {
	return "territories"
}

// TerritoryEvent is one entry of the append-only event journal. Payload holds
// the territory snapshot taken after the change.
type TerritoryEvent struct {
	ID                uint           `json:"id" gorm:"primarykey;autoIncrement;"`
	Time              time.Time      `json:"time" gorm:"index:idx_territoryevent_time"`
	Type              string         `json:"type" gorm:"size:32;index:idx_territoryevent_type"`
	TerritoryID       string         `json:"territoryId" gorm:"size:64;index:idx_territoryevent_territory_id"`
	PlayerID          string         `json:"playerId" gorm:"size:128"`
	PlayerName        string         `json:"playerName" gorm:"size:255"`
	Amount            int            `json:"amount"`
	PreviousOwnerID   string         `json:"previousOwnerId" gorm:"size:128"`
	PreviousOwnerName string         `json:"previousOwnerName" gorm:"size:255"`
	Conquest          bool           `json:"conquest"`
	Payload           datatypes.JSON `json:"payload"`
}

func (*TerritoryEvent) TableName() string {
	return "territory_events"
}
