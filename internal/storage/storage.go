// internal/storage/storage.go
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/geoclaim/engine/pkg/core"
)

// Store errors. Conflict and VersionConflict are retryable after a fresh read.
var (
	ErrNotFound        = errors.New("territory not found")
	ErrConflict        = errors.New("territory overlaps an existing claim")
	ErrVersionConflict = errors.New("territory version changed")
	ErrUnavailable     = errors.New("territory store unavailable")
)

// Mutator edits a copy of the stored territory. Returning an error aborts the
// update without committing anything; the error is passed through unchanged.
type Mutator func(t *core.Territory) error

// CreateOptions tunes the commit-time overlap check of Create.
type CreateOptions struct {
	// MarginMeters is the extra gap required between boundaries.
	MarginMeters float64
}

// Store is the authoritative territory store every backend must satisfy.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error

	Get(ctx context.Context, id string) (core.Territory, error)

	// QueryNear returns candidates whose bounding box intersects the query
	// circle. It may over-return; callers filter with the geo predicates.
	QueryNear(ctx context.Context, lat, lon, radiusMeters float64) ([]core.Territory, error)

	// Create commits t unless any stored territory overlaps it at commit time.
	// The stored record starts at version 1.
	Create(ctx context.Context, t core.Territory, opts CreateOptions) (core.Territory, error)

	// ConditionalUpdate applies mutate only if the stored version equals
	// expectedVersion, and bumps the version on success.
	ConditionalUpdate(ctx context.Context, id string, expectedVersion uint64, mutate Mutator) (core.Territory, error)

	CountByOwner(ctx context.Context, ownerID string) (int, error)

	// OwnerCounts returns the number of territories held by every owner.
	OwnerCounts(ctx context.Context) (map[string]int, error)
}

// Journal is an optional interface for backends that keep an event log.
type Journal interface {
	AppendEvent(ctx context.Context, e core.Event) error
}

// Unavailable wraps a transport or timeout failure as ErrUnavailable while
// keeping the cause inspectable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// ContextErr maps a done context to ErrUnavailable. It returns nil while ctx is live.
func ContextErr(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return Unavailable(op, err)
	}
	return nil
}

// CheckMutation rejects edits to immutable fields and records that break the
// territory invariants. Backends call it before committing a mutator result.
func CheckMutation(before, after core.Territory) error {
	if after.ID != before.ID || after.Center != before.Center {
		return fmt.Errorf("%w: id and center are immutable", core.ErrInvalidTerritory)
	}
	if after.Version != before.Version {
		return fmt.Errorf("%w: version is managed by the store", core.ErrInvalidTerritory)
	}
	return after.Validate()
}
