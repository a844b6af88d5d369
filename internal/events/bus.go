package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventBus fans committed case events out to subscribers.
type EventBus interface {
	// Publish delivers the event to every matching subscriber without blocking.
	// It fails only when the bus is closed or ctx is done.
	Publish(ctx context.Context, event Event) error

	// Subscribe returns a channel of matching events and a cleanup function that
	// must be called to unsubscribe. bufferSize 0 uses the default.
	Subscribe(ctx context.Context, filter Filter, bufferSize int) (<-chan Event, func())

	// Lag returns how many events of a running case lagging subscribers missed.
	Lag(caseID string) int

	// Close shuts down the bus and closes every subscriber channel.
	Close() error
}

// DropError describes an event a lagging subscriber had no room for
type DropError struct {
	SubscriberID string
	Event        Event
}

func (e *DropError) Error() string {
	return fmt.Sprintf("subscriber %s is lagging: dropped %s for case %s", e.SubscriberID, e.Event.Type, e.Event.CaseID)
}

// DropHandler is told about every dropped event
type DropHandler func(*DropError)

// MetricsRecorder records bus activity
type MetricsRecorder interface {
	RecordDelivered(eventType EventType, subscribers int)
	RecordDropped(eventType EventType)
	RecordSubscribers(delta int)
}

// DefaultEventBus indexes subscriptions by the case they follow, so a publish only
// visits the followers of that case and the subscriptions that follow every case.
// Drops are counted per case until the event that ends the case.
type DefaultEventBus struct {
	mu     sync.RWMutex
	byCase map[string]map[string]*subscription // "" holds the all-case followers
	closed bool

	lagMu sync.Mutex
	lag   map[string]int

	bufferSize int
	onDrop     DropHandler
	metrics    MetricsRecorder
}

type subscription struct {
	id     string
	ch     chan Event
	filter Filter
	done   <-chan struct{}
}

// Option configures a DefaultEventBus
type Option func(*DefaultEventBus)

// WithDefaultBufferSize sets the buffer used when Subscribe is called with 0 (100 by default)
func WithDefaultBufferSize(size int) Option {
	return func(eb *DefaultEventBus) {
		if size > 0 {
			eb.bufferSize = size
		}
	}
}

// WithDropHandler sets the handler called for dropped events
func WithDropHandler(handler DropHandler) Option {
	return func(eb *DefaultEventBus) {
		if handler != nil {
			eb.onDrop = handler
		}
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(recorder MetricsRecorder) Option {
	return func(eb *DefaultEventBus) {
		if recorder != nil {
			eb.metrics = recorder
		}
	}
}

// NewEventBus creates an empty bus
func NewEventBus(opts ...Option) *DefaultEventBus {
	eb := &DefaultEventBus{
		byCase:     make(map[string]map[string]*subscription),
		lag:        make(map[string]int),
		bufferSize: 100,
		onDrop:     func(*DropError) {},
		metrics:    noopMetrics{},
	}
	for _, opt := range opts {
		opt(eb)
	}
	return eb
}

// Publish delivers the event to the followers of its case and to the all-case
// subscriptions whose filter matches.
func (eb *DefaultEventBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return fmt.Errorf("event bus is closed")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	delivered, dropped := 0, 0
	deliver := func(subs map[string]*subscription) {
		for _, sub := range subs {
			if !sub.live() || !sub.filter.Matches(event) {
				continue
			}
			select {
			case sub.ch <- event:
				delivered++
			default:
				dropped++
				eb.metrics.RecordDropped(event.Type)
				eb.onDrop(&DropError{SubscriberID: sub.id, Event: event})
			}
		}
	}
	if event.CaseID != "" {
		deliver(eb.byCase[event.CaseID])
	}
	deliver(eb.byCase[""])

	eb.lagMu.Lock()
	switch {
	case event.Type.EndsCase():
		delete(eb.lag, event.CaseID)
	case dropped > 0:
		eb.lag[event.CaseID] += dropped
	}
	eb.lagMu.Unlock()

	if delivered > 0 {
		eb.metrics.RecordDelivered(event.Type, delivered)
	}
	return nil
}

// Lag returns how many events of a running case were dropped for lagging subscribers.
func (eb *DefaultEventBus) Lag(caseID string) int {
	eb.lagMu.Lock()
	defer eb.lagMu.Unlock()
	return eb.lag[caseID]
}

// Subscribe registers a subscription under the case its filter names. The channel
// stays open until cleanup is called or the bus is closed; once ctx is done the
// subscription receives nothing more.
func (eb *DefaultEventBus) Subscribe(ctx context.Context, filter Filter, bufferSize int) (<-chan Event, func()) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if bufferSize <= 0 {
		bufferSize = eb.bufferSize
	}
	sub := &subscription{
		id:     "sub-" + uuid.NewString(),
		ch:     make(chan Event, bufferSize),
		filter: filter,
		done:   ctx.Done(),
	}
	if eb.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}

	subs := eb.byCase[filter.CaseID]
	if subs == nil {
		subs = make(map[string]*subscription)
		eb.byCase[filter.CaseID] = subs
	}
	subs[sub.id] = sub
	eb.metrics.RecordSubscribers(1)

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { eb.unsubscribe(filter.CaseID, sub.id) })
	}
}

func (eb *DefaultEventBus) unsubscribe(caseID, id string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	sub, ok := eb.byCase[caseID][id]
	if !ok {
		return
	}
	close(sub.ch)
	delete(eb.byCase[caseID], id)
	if len(eb.byCase[caseID]) == 0 {
		delete(eb.byCase, caseID)
	}
	eb.metrics.RecordSubscribers(-1)
}

// Close shuts down the bus and closes all subscriber channels. It is idempotent.
func (eb *DefaultEventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return nil
	}
	eb.closed = true
	n := 0
	for _, subs := range eb.byCase {
		for _, sub := range subs {
			close(sub.ch)
			n++
		}
	}
	eb.byCase = make(map[string]map[string]*subscription)
	eb.metrics.RecordSubscribers(-n)
	return nil
}

// SubscriberCount returns the number of open subscriptions
func (eb *DefaultEventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	n := 0
	for _, subs := range eb.byCase {
		n += len(subs)
	}
	return n
}

func (s *subscription) live() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

type noopMetrics struct{}

func (noopMetrics) RecordDelivered(EventType, int) {}
func (noopMetrics) RecordDropped(EventType)        {}
func (noopMetrics) RecordSubscribers(int)          {}

var _ EventBus = (*DefaultEventBus)(nil)
