// pkg/core/territory.go
package core

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/geoclaim/engine/internal/geo"
)

// Level scaling constants.
const (
	BaseRadiusMeters      = 10.0
	RadiusPerLevelMeters  = 5.0
	BaseMaxHealth         = 100
	MaxHealthPerLevel     = 50
	MinLevel              = 1
	ConquestHealthDivisor = 2
)

// ErrInvalidTerritory is returned by Validate when a record breaks an invariant.
var ErrInvalidTerritory = errors.New("invalid territory")

// LatLon is a WGS84 coordinate in degrees.
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Territory is one claimed circular region and its combat state.
type Territory struct {
	ID                 string    `json:"id"`
	OwnerID            string    `json:"ownerId"`
	OwnerName          string    `json:"ownerName"`
	Center             LatLon    `json:"center"`
	RadiusMeters       float64   `json:"radiusMeters"`
	Level              int       `json:"level"`
	Health             int       `json:"health"`
	MaxHealth          int       `json:"maxHealth"`
	IsContested        bool      `json:"isContested"`
	ContestingPlayerID string    `json:"contestingPlayerId,omitempty"`
	ClaimedAt          time.Time `json:"claimedAt"`
	LastDefendedAt     time.Time `json:"lastDefendedAt"`
	Version            uint64    `json:"version"`
}

// RadiusForLevel returns the territory radius in meters at the given level.
func RadiusForLevel(level int) float64 {
	return BaseRadiusMeters + float64(level-1)*RadiusPerLevelMeters
}

// MaxHealthForLevel returns the maximum health at the given level.
func MaxHealthForLevel(level int) int {
	return BaseMaxHealth + (level-1)*MaxHealthPerLevel
}

// NewTerritory builds a fresh level 1 territory at full health.
func NewTerritory(id, ownerID, ownerName string, center LatLon, now time.Time) Territory {
	t := Territory{
		ID:             id,
		OwnerID:        ownerID,
		OwnerName:      ownerName,
		Center:         center,
		ClaimedAt:      now,
		LastDefendedAt: now,
	}
	t.SetLevel(MinLevel)
	t.Health = t.MaxHealth
	return t
}

// Circle returns the geometric footprint of the territory.
func (t Territory) Circle() geo.Circle {
	return geo.Circle{Lat: t.Center.Lat, Lon: t.Center.Lon, Radius: t.RadiusMeters}
}

// SetLevel is the only way radius and max health change. Health is clamped
// to the new maximum but not raised.
func (t *Territory) SetLevel(level int) {
	if level < MinLevel {
		level = MinLevel
	}
	t.Level = level
	t.RadiusMeters = RadiusForLevel(level)
	t.MaxHealth = MaxHealthForLevel(level)
	if t.Health > t.MaxHealth {
		t.Health = t.MaxHealth
	}
}

// ApplyDamage marks the territory contested by attackerID and subtracts amount
// from health, clamped at zero. It returns the damage actually dealt.
func (t *Territory) ApplyDamage(attackerID string, amount int) int {
	t.IsContested = true
	t.ContestingPlayerID = attackerID
	dealt := min(amount, t.Health)
	t.Health -= dealt
	return dealt
}

// Destroyed reports whether health has reached zero.
func (t Territory) Destroyed() bool {
	return t.Health <= 0
}

// Conquer hands the territory to a new owner at half health and ends the contest.
func (t *Territory) Conquer(ownerID, ownerName string, now time.Time) {
	t.OwnerID = ownerID
	t.OwnerName = ownerName
	t.Health = t.MaxHealth / ConquestHealthDivisor
	t.ClaimedAt = now
	t.LastDefendedAt = now
	t.ClearContest()
}

// Heal adds amount to health, clamped at MaxHealth, and returns the amount applied.
func (t *Territory) Heal(amount int) int {
	healed := min(amount, t.MaxHealth-t.Health)
	if healed < 0 {
		healed = 0
	}
	t.Health += healed
	return healed
}

// ClearContest resets the contested flag and contesting player together.
func (t *Territory) ClearContest() {
	t.IsContested = false
	t.ContestingPlayerID = ""
}

// Validate checks the single-record invariants.
func (t Territory) Validate() error {
	switch {
	case t.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidTerritory)
	case t.OwnerID == "":
		return fmt.Errorf("%w: empty owner", ErrInvalidTerritory)
	case !geo.ValidCoordinate(t.Center.Lat, t.Center.Lon):
		return fmt.Errorf("%w: bad center %v", ErrInvalidTerritory, t.Center)
	case t.Level < MinLevel:
		return fmt.Errorf("%w: level %d", ErrInvalidTerritory, t.Level)
	case math.Abs(t.RadiusMeters-RadiusForLevel(t.Level)) > 1e-9:
		return fmt.Errorf("%w: radius %.2f does not match level %d", ErrInvalidTerritory, t.RadiusMeters, t.Level)
	case t.MaxHealth != MaxHealthForLevel(t.Level):
		return fmt.Errorf("%w: max health %d does not match level %d", ErrInvalidTerritory, t.MaxHealth, t.Level)
	case t.Health <= 0 || t.Health > t.MaxHealth:
		return fmt.Errorf("%w: health %d outside (0,%d]", ErrInvalidTerritory, t.Health, t.MaxHealth)
	case t.IsContested != (t.ContestingPlayerID != ""):
		return fmt.Errorf("%w: contested=%t with contesting player %q", ErrInvalidTerritory, t.IsContested, t.ContestingPlayerID)
	}
	return nil
}
