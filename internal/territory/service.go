// Package territory orchestrates claims, attacks, repairs and upgrades
// against the authoritative store. The service keeps no state between calls;
// every mutation is one conditional update on the store, retried on version
// conflicts with a fresh read.
package territory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/geoclaim/engine/internal/config"
	"github.com/geoclaim/engine/internal/geo"
	"github.com/geoclaim/engine/internal/storage"
	"github.com/geoclaim/engine/pkg/core"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/geoclaim/engine/internal/territory"

// Publisher receives every event the service emits, after the write commits.
type Publisher interface {
	Publish(ctx context.Context, e core.Event) error
}

// Dependencies are injected into New. Store is required; the rest default.
type Dependencies struct {
	Store     storage.Store
	Publisher Publisher
	Logger    *slog.Logger
	Config    config.GameConfig
	Clock     func() time.Time
	IDs       func() string
}

// AttackResult describes a committed attack.
type AttackResult struct {
	Territory         core.Territory
	Damage            int
	Conquered         bool
	PreviousOwnerID   string
	PreviousOwnerName string
}

// RepairResult describes a committed repair.
type RepairResult struct {
	Territory core.Territory
	Healed    int
	Defended  bool
}

// Service is the territory orchestrator.
type Service struct {
	store     storage.Store
	publisher Publisher
	log       *slog.Logger
	cfg       config.GameConfig
	now       func() time.Time
	newID     func() string

	operations metric.Int64Counter
	retries    metric.Int64Counter
}

// New builds a Service. Metrics use the global OTel meter (no-op if not configured).
func New(deps Dependencies) (*Service, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("territory service requires a store")
	}

	s := &Service{
		store:     deps.Store,
		publisher: deps.Publisher,
		log:       deps.Logger,
		cfg:       deps.Config,
		now:       deps.Clock,
		newID:     deps.IDs,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "territory")
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.cfg.RetryAttempts < 0 {
		s.cfg.RetryAttempts = 0
	}

	m := otel.Meter(instrumentationName)
	var err error
	s.operations, err = m.Int64Counter(
		"territory.operations",
		metric.WithDescription("Territory operations by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating operations counter: %w", err)
	}
	s.retries, err = m.Int64Counter(
		"territory.retries",
		metric.WithDescription("Conditional updates retried after a version conflict"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating retries counter: %w", err)
	}

	return s, nil
}

// Claim creates a level 1 territory centered on (lat, lon) for the player.
func (s *Service) Claim(ctx context.Context, playerID, playerName string, lat, lon float64) (t core.Territory, err error) {
	defer func() { s.record(ctx, "claim", err) }()

	if playerID == "" {
		return core.Territory{}, invalidInput("player id is required")
	}
	if strings.TrimSpace(playerName) == "" {
		return core.Territory{}, invalidInput("player name is required")
	}
	if !geo.ValidCoordinate(lat, lon) {
		return core.Territory{}, invalidInput(fmt.Sprintf("invalid coordinates %v,%v", lat, lon))
	}

	if limit := s.cfg.MaxTerritoriesPerPlayer; limit > 0 {
		owned, err := s.countByOwner(ctx, playerID)
		if err != nil {
			return core.Territory{}, fromStore(err, "")
		}
		if owned >= limit {
			return core.Territory{}, newError(KindTerritoryLimitReached,
				fmt.Sprintf("you already own %d of %d territories", owned, limit), nil)
		}
	}

	candidate := core.NewTerritory(s.newID(), playerID, playerName, core.LatLon{Lat: lat, Lon: lon}, s.now())
	if blocker, found, err := s.findClaimBlocker(ctx, candidate); err != nil {
		return core.Territory{}, fromStore(err, "")
	} else if found {
		return core.Territory{}, claimBlocked(blocker, playerID, nil)
	}

	opCtx, cancel := s.opContext(ctx)
	created, err := s.store.Create(opCtx, candidate, storage.CreateOptions{MarginMeters: s.cfg.OverlapMarginMeters})
	cancel()
	if errors.Is(err, storage.ErrConflict) {
		// lost a race; name the winner when a read can find it
		if blocker, found, readErr := s.findClaimBlocker(ctx, candidate); readErr == nil && found {
			return core.Territory{}, claimBlocked(blocker, playerID, err)
		}
		return core.Territory{}, newError(KindLocationClaimed, "this location was just claimed by another player", err)
	}
	if err != nil {
		return core.Territory{}, fromStore(err, candidate.ID)
	}

	s.log.DebugContext(ctx, "territory claimed", "territory", created.ID, "player", playerID, "lat", lat, "lon", lon)
	s.publish(ctx, core.Event{
		Type:       core.EventTerritoryClaimed,
		Time:       created.ClaimedAt,
		Territory:  created,
		PlayerID:   playerID,
		PlayerName: playerName,
	})
	return created, nil
}

// Attack damages a territory owned by someone else. Damage that brings health
// to zero transfers ownership in the same write.
func (s *Service) Attack(ctx context.Context, attackerID, attackerName, territoryID string, damage int) (res AttackResult, err error) {
	defer func() { s.record(ctx, "attack", err) }()

	if attackerID == "" {
		return AttackResult{}, invalidInput("attacker id is required")
	}
	if strings.TrimSpace(attackerName) == "" {
		return AttackResult{}, invalidInput("attacker name is required")
	}
	if damage <= 0 {
		return AttackResult{}, invalidInput(fmt.Sprintf("damage must be positive, got %d", damage))
	}

	var (
		dealt     int
		conquered bool
		prevID    string
		prevName  string
		now       time.Time
	)
	updated, err := s.update(ctx, "attack", territoryID, func(t *core.Territory) error {
		if t.OwnerID == attackerID {
			return newError(KindCannotAttackOwn, "you cannot attack your own territory", nil)
		}
		now = s.now()
		prevID, prevName = t.OwnerID, t.OwnerName
		dealt = t.ApplyDamage(attackerID, damage)
		conquered = t.Destroyed()
		if conquered {
			t.Conquer(attackerID, attackerName, now)
		}
		return nil
	})
	if err != nil {
		return AttackResult{}, err
	}

	res = AttackResult{
		Territory:         updated,
		Damage:            dealt,
		Conquered:         conquered,
		PreviousOwnerID:   prevID,
		PreviousOwnerName: prevName,
	}

	if conquered {
		s.log.InfoContext(ctx, "territory conquered", "territory", updated.ID, "from", prevID, "to", attackerID)
		s.publish(ctx, core.Event{
			Type:              core.EventTerritoryLost,
			Time:              now,
			Territory:         updated,
			PlayerID:          prevID,
			PlayerName:        prevName,
			Amount:            dealt,
			PreviousOwnerID:   prevID,
			PreviousOwnerName: prevName,
			Conquest:          true,
		})
		s.publish(ctx, core.Event{
			Type:              core.EventTerritoryClaimed,
			Time:              now,
			Territory:         updated,
			PlayerID:          attackerID,
			PlayerName:        attackerName,
			PreviousOwnerID:   prevID,
			PreviousOwnerName: prevName,
			Conquest:          true,
		})
		return res, nil
	}

	s.log.DebugContext(ctx, "territory attacked", "territory", updated.ID, "attacker", attackerID, "damage", dealt, "health", updated.Health)
	base := core.Event{
		Time:       now,
		Territory:  updated,
		PlayerID:   attackerID,
		PlayerName: attackerName,
		Amount:     dealt,
	}
	attacked := base
	attacked.Type = core.EventTerritoryAttacked
	damaged := base
	damaged.Type = core.EventTerritoryDamaged
	s.publish(ctx, attacked)
	s.publish(ctx, damaged)
	return res, nil
}

// Repair restores health on the player's own territory, clamped at the
// maximum. Reaching full health ends an open contest.
func (s *Service) Repair(ctx context.Context, playerID, territoryID string, amount int) (res RepairResult, err error) {
	defer func() { s.record(ctx, "repair", err) }()

	if amount <= 0 {
		return RepairResult{}, invalidInput(fmt.Sprintf("repair amount must be positive, got %d", amount))
	}

	var (
		healed   int
		defended bool
		now      time.Time
	)
	updated, err := s.update(ctx, "repair", territoryID, func(t *core.Territory) error {
		if t.OwnerID != playerID {
			return notOwner(t)
		}
		now = s.now()
		healed = t.Heal(amount)
		t.LastDefendedAt = now
		defended = t.IsContested && t.Health == t.MaxHealth
		if defended {
			t.ClearContest()
		}
		return nil
	})
	if err != nil {
		return RepairResult{}, err
	}

	s.publish(ctx, core.Event{
		Type:       core.EventTerritoryRepaired,
		Time:       now,
		Territory:  updated,
		PlayerID:   playerID,
		PlayerName: updated.OwnerName,
		Amount:     healed,
	})
	if defended {
		s.publish(ctx, core.Event{
			Type:       core.EventTerritoryDefended,
			Time:       now,
			Territory:  updated,
			PlayerID:   playerID,
			PlayerName: updated.OwnerName,
		})
	}
	return RepairResult{Territory: updated, Healed: healed, Defended: defended}, nil
}

// Upgrade raises the territory one level and heals it fully. The grown circle
// must not overlap any other territory.
func (s *Service) Upgrade(ctx context.Context, playerID, territoryID string) (t core.Territory, err error) {
	defer func() { s.record(ctx, "upgrade", err) }()

	current, err := s.get(ctx, territoryID)
	if err != nil {
		return core.Territory{}, fromStore(err, territoryID)
	}
	if current.OwnerID != playerID {
		return core.Territory{}, notOwner(&current)
	}
	grown := current
	grown.SetLevel(current.Level + 1)
	if blocker, found, err := s.findOverlap(ctx, grown, 0); err != nil {
		return core.Territory{}, fromStore(err, territoryID)
	} else if found {
		return core.Territory{}, wouldOverlap(blocker, nil)
	}

	var now time.Time
	updated, err := s.update(ctx, "upgrade", territoryID, func(t *core.Territory) error {
		if t.OwnerID != playerID {
			return notOwner(t)
		}
		now = s.now()
		t.SetLevel(t.Level + 1)
		t.Health = t.MaxHealth
		return nil
	})
	if errors.Is(err, storage.ErrConflict) {
		if blocker, found, readErr := s.findOverlap(ctx, grown, 0); readErr == nil && found {
			return core.Territory{}, wouldOverlap(blocker, err)
		}
		return core.Territory{}, newError(KindWouldOverlap, "the upgraded territory would overlap a neighbour", err)
	}
	if err != nil {
		return core.Territory{}, err
	}

	s.log.DebugContext(ctx, "territory upgraded", "territory", updated.ID, "level", updated.Level, "radius", updated.RadiusMeters)
	s.publish(ctx, core.Event{
		Type:       core.EventTerritoryUpgraded,
		Time:       now,
		Territory:  updated,
		PlayerID:   playerID,
		PlayerName: updated.OwnerName,
		Amount:     updated.Level,
	})
	return updated, nil
}

// Withdraw ends the attacker's contest on a territory without changing health.
func (s *Service) Withdraw(ctx context.Context, attackerID, territoryID string) (t core.Territory, err error) {
	defer func() { s.record(ctx, "withdraw", err) }()

	var now time.Time
	updated, err := s.update(ctx, "withdraw", territoryID, func(t *core.Territory) error {
		if !t.IsContested || t.ContestingPlayerID != attackerID {
			return invalidInput("you are not contesting this territory")
		}
		now = s.now()
		t.ClearContest()
		return nil
	})
	if err != nil {
		return core.Territory{}, err
	}

	s.publish(ctx, core.Event{
		Type:      core.EventContestWithdrawn,
		Time:      now,
		Territory: updated,
		PlayerID:  attackerID,
	})
	return updated, nil
}

// Get returns one territory.
func (s *Service) Get(ctx context.Context, territoryID string) (core.Territory, error) {
	t, err := s.get(ctx, territoryID)
	if err != nil {
		return core.Territory{}, fromStore(err, territoryID)
	}
	return t, nil
}

// Nearby returns territories whose circle reaches within radiusMeters of
// (lat, lon), nearest first.
func (s *Service) Nearby(ctx context.Context, lat, lon, radiusMeters float64) ([]core.Territory, error) {
	if !geo.ValidCoordinate(lat, lon) {
		return nil, invalidInput(fmt.Sprintf("invalid coordinates %v,%v", lat, lon))
	}
	if radiusMeters < 0 || math.IsNaN(radiusMeters) {
		return nil, invalidInput("radius must not be negative")
	}

	candidates, err := s.queryNear(ctx, lat, lon, radiusMeters)
	if err != nil {
		return nil, fromStore(err, "")
	}

	result := make([]core.Territory, 0, len(candidates))
	for _, c := range candidates {
		if geo.DistanceMeters(lat, lon, c.Center.Lat, c.Center.Lon) <= radiusMeters+c.RadiusMeters {
			result = append(result, c)
		}
	}
	sortByDistance(result, lat, lon)
	return result, nil
}

// OwnedCount returns how many territories the player currently owns.
func (s *Service) OwnedCount(ctx context.Context, playerID string) (int, error) {
	n, err := s.countByOwner(ctx, playerID)
	if err != nil {
		return 0, fromStore(err, "")
	}
	return n, nil
}

// update runs mutate through ConditionalUpdate against a fresh read, retrying
// version conflicts up to RetryAttempts times. Store conflicts are returned
// unmapped so callers can name them.
func (s *Service) update(ctx context.Context, op, id string, mutate storage.Mutator) (core.Territory, error) {
	for attempt := 0; ; attempt++ {
		current, err := s.get(ctx, id)
		if err != nil {
			return core.Territory{}, fromStore(err, id)
		}

		opCtx, cancel := s.opContext(ctx)
		updated, err := s.store.ConditionalUpdate(opCtx, id, current.Version, mutate)
		cancel()

		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, storage.ErrVersionConflict):
			if attempt >= s.cfg.RetryAttempts {
				return core.Territory{}, newError(KindContention,
					"the territory is changing too fast, try again", err)
			}
			s.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
			s.log.DebugContext(ctx, "version conflict, retrying", "op", op, "territory", id, "attempt", attempt+1)
		case errors.Is(err, storage.ErrConflict):
			return core.Territory{}, err
		default:
			if errors.Is(err, storage.ErrUnavailable) {
				s.log.WarnContext(ctx, "write outcome unknown", "op", op, "territory", id, "error", err)
			}
			return core.Territory{}, fromStore(err, id)
		}
	}
}

// findClaimBlocker returns the nearest territory that a claim of candidate
// would collide with, margin included.
func (s *Service) findClaimBlocker(ctx context.Context, candidate core.Territory) (core.Territory, bool, error) {
	return s.findOverlap(ctx, candidate, s.cfg.OverlapMarginMeters)
}

func (s *Service) findOverlap(ctx context.Context, t core.Territory, margin float64) (core.Territory, bool, error) {
	radius := t.RadiusMeters + margin
	if s.cfg.SearchRadiusMeters > radius {
		radius = s.cfg.SearchRadiusMeters
	}
	candidates, err := s.queryNear(ctx, t.Center.Lat, t.Center.Lon, radius)
	if err != nil {
		return core.Territory{}, false, err
	}
	sortByDistance(candidates, t.Center.Lat, t.Center.Lon)
	for _, c := range candidates {
		if c.ID == t.ID {
			continue
		}
		if geo.OverlapsWithMargin(t.Circle(), c.Circle(), margin) {
			return c, true, nil
		}
	}
	return core.Territory{}, false, nil
}

func (s *Service) get(ctx context.Context, id string) (core.Territory, error) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	return s.store.Get(opCtx, id)
}

func (s *Service) queryNear(ctx context.Context, lat, lon, radius float64) ([]core.Territory, error) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	return s.store.QueryNear(opCtx, lat, lon, radius)
}

func (s *Service) countByOwner(ctx context.Context, playerID string) (int, error) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	return s.store.CountByOwner(opCtx, playerID)
}

// opContext bounds a single store call by OpTimeout.
func (s *Service) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.OpTimeout)
}

func (s *Service) publish(ctx context.Context, e core.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.log.WarnContext(ctx, "event delivery failed", "type", e.Type, "territory", e.Territory.ID, "error", err)
	}
}

func (s *Service) record(ctx context.Context, op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
	}
	s.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

func claimBlocked(blocker core.Territory, playerID string, cause error) *Error {
	if blocker.OwnerID == playerID {
		return newError(KindAlreadyOwned, "you already own a territory here", cause)
	}
	return newError(KindLocationClaimed, fmt.Sprintf("this location is claimed by %s", ownerLabel(blocker)), cause)
}

func wouldOverlap(blocker core.Territory, cause error) *Error {
	return newError(KindWouldOverlap,
		fmt.Sprintf("the upgraded territory would overlap a territory owned by %s", ownerLabel(blocker)), cause)
}

func notOwner(t *core.Territory) *Error {
	return newError(KindNotOwner, fmt.Sprintf("territory is owned by %s", ownerLabel(*t)), nil)
}

func ownerLabel(t core.Territory) string {
	if t.OwnerName != "" {
		return t.OwnerName
	}
	return t.OwnerID
}

func sortByDistance(ts []core.Territory, lat, lon float64) {
	sort.SliceStable(ts, func(i, j int) bool {
		di := geo.DistanceMeters(lat, lon, ts[i].Center.Lat, ts[i].Center.Lon)
		dj := geo.DistanceMeters(lat, lon, ts[j].Center.Lat, ts[j].Center.Lon)
		if di != dj {
			return di < dj
		}
		return ts[i].ID < ts[j].ID
	})
}
