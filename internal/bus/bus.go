// Package bus is the supervisor's typed in-process event bus. The
// supervisor publishes lifecycle and log events; the log persister and the
// subscription fanout consume them. Publish never blocks the publisher: a
// subscriber that does not drain its bounded buffer loses events, counted
// per topic in the drop metric.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/streamforge/supervisor/internal/log"
	"github.com/streamforge/supervisor/internal/metrics"
)

// Kind enumerates the event types the supervisor emits.
type Kind string

const (
	KindChannelStarted Kind = "channel_started"
	KindChannelStopped Kind = "channel_stopped"
	KindChannelError   Kind = "channel_error"
	KindLogLine        Kind = "log"
)

// Event is one supervisor emission. Fields beyond Kind/ChannelID/Timestamp
// are populated per kind: PID for started, ExitCode for stopped, Err for
// error, Level/Message for log lines.
type Event struct {
	Kind      Kind
	ChannelID string
	PID       int
	ExitCode  *int
	Err       string
	Level     string
	Message   string
	Timestamp time.Time
}

const dropLogEvery = 100

// Bus fans events out to all live subscriptions.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	dropCount atomic.Uint64
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscription is one subscriber's bounded event stream. Its channel is
// closed by Close (either side) and by Bus.Close.
type Subscription struct {
	bus  *Bus
	ch   chan Event
	once sync.Once
}

// C returns the subscriber's receive channel.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close detaches the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Subscribe attaches a new subscription with the given buffer size (a
// non-positive buffer defaults to 64). Returns nil after Close.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	sub := &Subscription{bus: b, ch: make(chan Event, buffer)}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers ev to every subscription without blocking; a full
// subscriber buffer drops the event for that subscriber only.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			metrics.IncBusDropReason(string(ev.Kind), "subscriber_full")
			if count := b.dropCount.Add(1); count%dropLogEvery == 0 {
				logger := log.WithComponent("bus")
				logger.Warn().
					Str("kind", string(ev.Kind)).
					Uint64("dropped", count).
					Msg("event bus dropped events on a slow subscriber")
			}
		}
	}
}

// Close detaches and closes every subscription and rejects further
// publishes and subscribes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.once.Do(func() { close(sub.ch) })
		delete(b.subs, sub)
	}
}
