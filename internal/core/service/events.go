package service

import (
	"sync"

	"go.uber.org/zap"

	"github.com/rl1809/supply-ledger/internal/core/domain"
)

// EventQueue buffers committed-mutation events for background publishers. Emit never
// blocks the caller: a full queue drops the event.
type EventQueue struct {
	ch     chan domain.Event
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

func NewEventQueue(size int, logger *zap.Logger) *EventQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size < 1 {
		size = 1
	}
	return &EventQueue{ch: make(chan domain.Event, size), logger: logger}
}

func (q *EventQueue) Emit(ev domain.Event) {
	if q == nil {
		return
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	select {
	case q.ch <- ev:
	default:
		q.logger.Warn("event queue full, dropping event",
			zap.String("type", string(ev.Type)),
			zap.String("request_id", ev.RequestID),
			zap.String("item_id", ev.ItemID))
	}
}

func (q *EventQueue) Events() <-chan domain.Event {
	return q.ch
}

func (q *EventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
