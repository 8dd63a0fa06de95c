package territory

import (
	"errors"
	"fmt"

	"github.com/geoclaim/engine/internal/storage"
	"github.com/geoclaim/engine/pkg/core"
)

// Kind classifies a service failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindAlreadyOwned
	KindLocationClaimed
	KindTerritoryLimitReached
	KindCannotAttackOwn
	KindNotFound
	KindNotOwner
	KindContention
	KindWouldOverlap
	KindInvalidInput
	KindUnavailable
)

var kindNames = map[Kind]string{
	KindUnknown:               "Unknown",
	KindAlreadyOwned:          "AlreadyOwned",
	KindLocationClaimed:       "LocationClaimed",
	KindTerritoryLimitReached: "TerritoryLimitReached",
	KindCannotAttackOwn:       "CannotAttackOwn",
	KindNotFound:              "NotFound",
	KindNotOwner:              "NotOwner",
	KindContention:            "Contention",
	KindWouldOverlap:          "WouldOverlap",
	KindInvalidInput:          "InvalidInput",
	KindUnavailable:           "Unavailable",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Retryable reports whether the caller may simply try the operation again.
func (k Kind) Retryable() bool {
	return k == KindContention || k == KindUnavailable
}

// Error is returned by every Service operation. Reason is meant for players.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	if e.Reason == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrAlreadyOwned          = &Error{Kind: KindAlreadyOwned}
	ErrLocationClaimed       = &Error{Kind: KindLocationClaimed}
	ErrTerritoryLimitReached = &Error{Kind: KindTerritoryLimitReached}
	ErrCannotAttackOwn       = &Error{Kind: KindCannotAttackOwn}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrNotOwner              = &Error{Kind: KindNotOwner}
	ErrContention            = &Error{Kind: KindContention}
	ErrWouldOverlap          = &Error{Kind: KindWouldOverlap}
	ErrInvalidInput          = &Error{Kind: KindInvalidInput}
	ErrUnavailable           = &Error{Kind: KindUnavailable}
)

// KindOf returns the kind of a service error, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func newError(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: cause}
}

func invalidInput(reason string) *Error {
	return newError(KindInvalidInput, reason, nil)
}

// fromStore maps store failures that every operation treats alike.
// Conflicts are left to the caller, which knows what they mean.
func fromStore(err error, id string) error {
	var svcErr *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &svcErr):
		return svcErr
	case errors.Is(err, storage.ErrNotFound):
		return newError(KindNotFound, fmt.Sprintf("territory %s does not exist", id), err)
	case errors.Is(err, storage.ErrUnavailable):
		return newError(KindUnavailable, "territory store unavailable, try again", err)
	case errors.Is(err, core.ErrInvalidTerritory):
		return newError(KindInvalidInput, "update would leave the territory invalid", err)
	default:
		return newError(KindUnavailable, "territory store failed", err)
	}
}
