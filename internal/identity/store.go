package identity

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("identity: subject not found")

	// ErrConflict signals an optimistic-concurrency clash on Put. It is
	// surfaced to callers as a retryable 409, never silently merged.
	ErrConflict = errors.New("identity: concurrent update conflict")

	// ErrReservedSubject is returned when a protected install refuses to
	// mutate a reserved system identity.
	ErrReservedSubject = errors.New("identity: subject is reserved and cannot be updated in this manner")
)

// Repository persists subject records. Implementations must serialize
// writes per subject id; the services above hold no locks of their own.
type Repository interface {
	Get(ctx context.Context, id string) (*Subject, error)
	Put(ctx context.Context, subject *Subject) error
	GetMask(ctx context.Context, id string) (*Mask, error)
}
