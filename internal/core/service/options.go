package service

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/supply-ledger/internal/port"
)

type settings struct {
	logger   *zap.Logger
	events   *EventQueue
	cache    port.CacheRepository
	locker   port.Locker
	lockTTL  time.Duration
	lockWait time.Duration
	now      func() time.Time
	newID    func() string
}

type Option func(*settings)

func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

func WithEvents(q *EventQueue) Option {
	return func(s *settings) { s.events = q }
}

// WithIdempotency enables replay-safe submissions keyed by a caller-supplied key.
func WithIdempotency(cache port.CacheRepository) Option {
	return func(s *settings) { s.cache = cache }
}

// WithRequestLocker serializes reviewer transitions on one request across processes
// before the database transaction starts.
func WithRequestLocker(locker port.Locker, ttl, wait time.Duration) Option {
	return func(s *settings) {
		s.locker = locker
		s.lockTTL = ttl
		s.lockWait = wait
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

func newSettings(opts []Option) settings {
	s := settings{
		logger:   zap.NewNop(),
		lockTTL:  10 * time.Second,
		lockWait: 3 * time.Second,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}
