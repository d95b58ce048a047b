// Package broadcast fans out state-change descriptors to subscribers
// without ever blocking the sync engines that publish them. Descriptors
// are coalescible: a subscriber that misses one can always re-derive full
// state from a store snapshot, so overflow drops the oldest pending
// notification rather than stalling a writer.
package broadcast

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EntityKind names a section of account state that changed.
type EntityKind string

const (
	KindPositions  EntityKind = "positions"
	KindOrders     EntityKind = "orders"
	KindTrades     EntityKind = "trades"
	KindOverview   EntityKind = "overview"
	KindActivity   EntityKind = "activity"
	KindConnection EntityKind = "connection"
)

// Change describes one state mutation: which account and which sections.
type Change struct {
	AccountID string       `json:"account_id"`
	Kinds     []EntityKind `json:"kinds"`
	At        time.Time    `json:"at"`
}

// Subscription is a live handle onto the change stream. The channel is
// closed on Unsubscribe or broadcaster shutdown.
type Subscription struct {
	ID string
	C  <-chan Change
}

// NoteFunc records a system note against an account's activity log when a
// notification had to be dropped.
type NoteFunc func(accountID, message string)

const defaultQueueSize = 64

// Broadcaster maintains the subscriber set. It is the only structure in the
// core mutated by external callers; its mutex guards only the set, never a
// channel send.
type Broadcaster struct {
	logger    *zap.Logger
	queueSize int
	note      NoteFunc

	mu     sync.Mutex
	subs   map[string]chan Change
	closed bool
}

// New creates a broadcaster. queueSize <= 0 selects the default per-
// subscriber queue depth. note may be nil.
func New(logger *zap.Logger, queueSize int, note NoteFunc) *Broadcaster {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Broadcaster{
		logger:    logger.Named("broadcast"),
		queueSize: queueSize,
		note:      note,
		subs:      make(map[string]chan Change),
	}
}

// Subscribe registers a new subscriber and returns its handle.
func (b *Broadcaster) Subscribe() Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()
	ch := make(chan Change, b.queueSize)
	if b.closed {
		close(ch)
	} else {
		b.subs[id] = ch
	}

	b.logger.Debug("subscriber added", zap.String("subscription_id", id))
	return Subscription{ID: id, C: ch}
}

// Unsubscribe removes a subscriber and closes its channel. Unknown handles
// are a no-op.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
		b.logger.Debug("subscriber removed", zap.String("subscription_id", id))
	}
}

// Publish pushes a change descriptor to every subscriber. A full subscriber
// queue loses its oldest pending descriptor; the publisher never blocks.
func (b *Broadcaster) Publish(c Change) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- c:
			continue
		default:
		}
		// Queue full: make room by discarding the oldest descriptor.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- c:
		default:
		}
		b.logger.Warn("subscriber queue full, dropped oldest notification",
			zap.String("subscription_id", id),
			zap.String("account", c.AccountID))
		if b.note != nil {
			b.note(c.AccountID, "notification queue overflow for subscriber "+id)
		}
	}
}

// Close shuts the broadcaster down, closing all subscriber channels.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}

// Subscribers returns the current subscriber count.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
