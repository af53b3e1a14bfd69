// Package broadcast fans versioned WorldUpdate events out to connected
// sessions. Shared experiences publish on a per-experience subject; isolated
// experiences scope the subject down to the owning player. Delivery is
// at-least-once and receivers drop updates at or below their last applied
// version.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aeonia-ai/gaia-world/internal/state"
)

// WorldUpdate is the event emitted after every accepted mutation. Version
// equals the post-write world version.
type WorldUpdate struct {
	Experience   string         `json:"experience"`
	Version      int64          `json:"version"`
	Changes      []state.Change `json:"changes"`
	OriginPlayer string         `json:"origin_player,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`

	// Full carries the complete world document when subscribers must
	// re-sync instead of patching, e.g. after a reset.
	Full json.RawMessage `json:"full,omitempty"`
}

// Subject returns the broadcast subject for an experience. A non-empty
// player scopes it to that player's connections (isolated model).
func Subject(experienceID, playerID string) string {
	if playerID == "" {
		return "world." + experienceID
	}
	return "world." + experienceID + "." + playerID
}

// defaultQueueSize bounds each subscriber's pending updates.
const defaultQueueSize = 32

// Subscriber is one receiver's bounded queue on a subject. When the queue
// overflows, the oldest update is dropped and the subscriber is marked
// desynced; the session forces a full re-sync on its next interaction.
type Subscriber struct {
	subject  string
	desynced atomic.Bool

	// mu serialises delivery against close so a publisher can never send on
	// a channel an unsubscribing session just closed.
	mu     sync.Mutex
	closed bool
	ch     chan WorldUpdate
}

// deliver enqueues the update without blocking, shedding the oldest pending
// update when the queue is full. No-op once the subscriber is closed.
func (s *Subscriber) deliver(update WorldUpdate, onDrop func(subject string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- update:
			return
		default:
			// Queue full: shed the oldest and retry; a racing reader may
			// have drained in between.
			select {
			case <-s.ch:
				s.desynced.Store(true)
				if onDrop != nil {
					onDrop(s.subject)
				}
			default:
			}
		}
	}
}

// close closes the receive channel exactly once.
func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Updates returns the subscriber's receive channel. It is closed on
// Unsubscribe.
func (s *Subscriber) Updates() <-chan WorldUpdate {
	return s.ch
}

// Desynced reports whether updates were dropped since the last ClearDesync.
func (s *Subscriber) Desynced() bool {
	return s.desynced.Load()
}

// ClearDesync resets the desync flag after the receiver re-synced.
func (s *Subscriber) ClearDesync() {
	s.desynced.Store(false)
}

// Mirror publishes updates to an external system alongside in-process
// fan-out. *nats.Conn satisfies it.
type Mirror interface {
	Publish(subject string, data []byte) error
}

// Option configures a [Broadcaster].
type Option func(*Broadcaster)

// WithQueueSize sets the per-subscriber queue bound.
func WithQueueSize(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithMirror mirrors every publish to an external subject, same naming.
func WithMirror(m Mirror) Option {
	return func(b *Broadcaster) { b.mirror = m }
}

// WithDropHook installs a callback invoked once per dropped update, keyed by
// subject. Used for metrics.
func WithDropHook(fn func(subject string)) Option {
	return func(b *Broadcaster) { b.onDrop = fn }
}

// Broadcaster is the in-process fan-out hub.
type Broadcaster struct {
	queueSize int
	mirror    Mirror
	onDrop    func(subject string)

	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{}
}

// New creates a [Broadcaster].
func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		queueSize: defaultQueueSize,
		subs:      make(map[string]map[*Subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscriber on a subject.
func (b *Broadcaster) Subscribe(subject string) *Subscriber {
	s := &Subscriber{
		subject: subject,
		ch:      make(chan WorldUpdate, b.queueSize),
	}
	b.mu.Lock()
	set, ok := b.subs[subject]
	if !ok {
		set = make(map[*Subscriber]struct{})
		b.subs[subject] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes the subscriber and closes its channel. Idempotent,
// and safe to call while a publish to the same subject is in flight.
func (b *Broadcaster) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	if set, ok := b.subs[s.subject]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.subject)
		}
	}
	b.mu.Unlock()

	s.close()
}

// SubscriberCount returns how many subscribers a subject currently has.
func (b *Broadcaster) SubscriberCount(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[subject])
}

// Publish delivers the update to every subscriber of the subject without
// blocking. A full subscriber queue loses its oldest update and the
// subscriber is flagged desynced. The external mirror, when configured,
// receives the JSON encoding on the same subject.
func (b *Broadcaster) Publish(subject string, update WorldUpdate) {
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subscribers := make([]*Subscriber, 0, len(b.subs[subject]))
	for s := range b.subs[subject] {
		subscribers = append(subscribers, s)
	}
	b.mu.RUnlock()

	for _, s := range subscribers {
		s.deliver(update, b.onDrop)
	}

	if b.mirror != nil {
		data, err := json.Marshal(update)
		if err != nil {
			slog.Error("broadcast: encode update for mirror", "err", err)
			return
		}
		if err := b.mirror.Publish(subject, data); err != nil {
			slog.Warn("broadcast: mirror publish failed", "subject", subject, "err", err)
		}
	}
}
