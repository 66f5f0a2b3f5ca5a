package port

import (
	"context"
	"time"

	"github.com/rl1809/supply-ledger/internal/core/domain"
)

type CacheRepository interface {
	// ClaimIdempotency reserves key. When the key already exists it returns the stored
	// value and false; the value is empty while the first claimant is still in flight.
	ClaimIdempotency(ctx context.Context, key string) (existing string, claimed bool, err error)

	// CompleteIdempotency records the result for a claimed key.
	CompleteIdempotency(ctx context.Context, key, value string) error

	// ReleaseIdempotency drops a claim after a failed attempt so the caller may retry.
	ReleaseIdempotency(ctx context.Context, key string) error
}

// Locker serializes work on one key across processes.
type Locker interface {
	// Obtain returns a release func, or domain.ErrTransientStore when the lock stays
	// held by someone else for longer than wait.
	Obtain(ctx context.Context, key string, ttl, wait time.Duration) (release func(), err error)
}

type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
}
