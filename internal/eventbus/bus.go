package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// ErrBusAlreadyRunning is returned by Start on a second call.
	ErrBusAlreadyRunning = errors.New("eventbus: already running")
	// ErrBusNotRunning is returned by Stop when the bus was never started.
	ErrBusNotRunning = errors.New("eventbus: not running")
)

// subscriberBuffer bounds how far a slow subscriber can lag before its
// events are dropped; the bus never blocks a publisher on a stalled
// consumer (spec.md §6.3 names this port "best-effort").
const subscriberBuffer = 256

// Bus is the in-process fanout transport: Publish delivers to every
// currently-registered subscriber channel without blocking. It follows
// the same Start/Stop/atomic-running lifecycle idiom used throughout the
// engine's long-running components.
type Bus struct {
	log *zap.Logger

	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int

	ctx       context.Context
	cancel    context.CancelFunc
	isRunning atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// New constructs a Bus. Call Start before Publish/Subscribe are useful.
func New(log *zap.Logger) *Bus {
	return &Bus{log: log, subscribers: make(map[int]chan Event)}
}

// Start marks the bus live. Unlike the engine's other components it has
// no background goroutine of its own — Start/Stop exist so it composes
// uniformly with the rest of the lifecycle-managed engine.
func (b *Bus) Start() error {
	err := ErrBusAlreadyRunning
	b.startOnce.Do(func() {
		if b.isRunning.Load() {
			return
		}
		err = nil
		b.ctx, b.cancel = context.WithCancel(context.Background())
		b.isRunning.Store(true)
		b.log.Info("event bus started")
	})
	return err
}

// Stop closes every subscriber channel and marks the bus dead.
func (b *Bus) Stop() error {
	var err error
	b.stopOnce.Do(func() {
		if !b.isRunning.Load() {
			err = ErrBusNotRunning
			return
		}
		b.cancel()
		b.mu.Lock()
		for id, ch := range b.subscribers {
			close(ch)
			delete(b.subscribers, id)
		}
		b.mu.Unlock()
		b.isRunning.Store(false)
		b.log.Info("event bus stopped")
	})
	return err
}

// Subscribe registers a new channel and returns it along with an unsubscribe
// function. The channel is closed automatically on Stop or Unsubscribe.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subscribers[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok {
			close(existing)
			delete(b.subscribers, id)
		}
	}
	return ch, unsubscribe
}

// Publish fans evt out to every subscriber, dropping it for any
// subscriber whose buffer is full rather than blocking the caller
// (typically the Effect Executor, which must never stall on a slow
// consumer).
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn("eventbus: dropping event for slow subscriber",
				zap.Int("subscriber_id", id), zap.String("event", evt.Name))
		}
	}
}

var _ Publisher = (*Bus)(nil)
