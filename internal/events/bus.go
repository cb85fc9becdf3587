package events

import (
	"log"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultBufferSize is the default per-subscriber channel capacity.
	DefaultBufferSize = 100

	// EventTypeSessionState identifies session lifecycle transitions.
	EventTypeSessionState = "SessionState"
	// EventTypeSuggestionReady identifies delivered suggestions.
	EventTypeSuggestionReady = "SuggestionReady"
	// EventTypeSuggestionSkipped identifies skipped analysis requests.
	EventTypeSuggestionSkipped = "SuggestionSkipped"
	// EventTypeBackendHealth identifies inference backend availability changes.
	EventTypeBackendHealth = "BackendHealth"
	// EventTypeBudgetChange identifies worker-pool budget adjustments.
	EventTypeBudgetChange = "BudgetChange"
	// EventTypeLogWriteWarning identifies non-fatal session log failures.
	EventTypeLogWriteWarning = "LogWriteWarning"
)

const (
	// SeverityInfo indicates informational event severity.
	SeverityInfo = "INFO"
	// SeverityWarn indicates warning event severity.
	SeverityWarn = "WARN"
	// SeverityError indicates error event severity.
	SeverityError = "ERROR"
)

// Event is the normalized message delivered through the in-process bus.
// EntityID is a session id for session-scoped events.
type Event struct {
	Type      string
	Timestamp time.Time
	EntityID  string
	Payload   any
	Severity  string
}

// Handler consumes a published event.
type Handler func(Event)

// Logger captures warning logs for dropped events.
type Logger interface {
	Printf(format string, args ...any)
}

// Bus defines event subscription and publish behavior.
type Bus interface {
	Subscribe(eventType string, handler Handler) (cancel func())
	SubscribeAll(handler Handler) (cancel func())
	Publish(event Event)
}

// Option customizes bus construction.
type Option func(*InMemoryBus)

// WithBufferSize configures per-subscriber channel capacity.
func WithBufferSize(size int) Option {
	return func(bus *InMemoryBus) {
		if size > 0 {
			bus.bufferSize = size
		}
	}
}

// WithLogger configures the log sink used for dropped-event warnings.
func WithLogger(logger Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// InMemoryBus is a thread-safe in-process pub/sub bus backed by buffered
// channels. Publish never blocks: a subscriber that cannot keep up loses
// events, which is acceptable for status streams and never acceptable for
// session logs (those do not go through the bus).
type InMemoryBus struct {
	mu             sync.Mutex
	bufferSize     int
	logger         Logger
	typedSubs      map[string]map[uint64]*subscriber
	wildcardSubs   map[uint64]*subscriber
	nextSubscriber uint64
	closed         bool
}

type subscriber struct {
	id uint64
	ch chan Event
}

// New creates an in-memory event bus with optional configuration.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		bufferSize:   DefaultBufferSize,
		logger:       log.Default(),
		typedSubs:    make(map[string]map[uint64]*subscriber),
		wildcardSubs: make(map[uint64]*subscriber),
	}
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Subscribe registers a handler for a specific event type and returns a
// cancel function.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) func() {
	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" || handler == nil {
		return func() {}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	sub := b.newSubscriberLocked()
	if b.typedSubs[normalizedType] == nil {
		b.typedSubs[normalizedType] = make(map[uint64]*subscriber)
	}
	b.typedSubs[normalizedType][sub.id] = sub
	b.mu.Unlock()

	go b.consume(sub, handler)
	return func() { b.remove(normalizedType, sub.id) }
}

// SubscribeAll registers a handler that receives every published event and
// returns a cancel function.
func (b *InMemoryBus) SubscribeAll(handler Handler) func() {
	if handler == nil {
		return func() {}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	sub := b.newSubscriberLocked()
	b.wildcardSubs[sub.id] = sub
	b.mu.Unlock()

	go b.consume(sub, handler)
	return func() { b.remove("", sub.id) }
}

// Publish delivers an event to typed and wildcard subscribers.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	typed, wildcard := b.snapshotSubscribers(strings.TrimSpace(event.Type))
	for _, sub := range typed {
		b.deliver(sub, event)
	}
	for _, sub := range wildcard {
		b.deliver(sub, event)
	}
}

// Close stops delivery and releases every subscriber goroutine.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.typedSubs {
		for id, sub := range subs {
			delete(subs, id)
			close(sub.ch)
		}
	}
	for id, sub := range b.wildcardSubs {
		delete(b.wildcardSubs, id)
		close(sub.ch)
	}
}

func (b *InMemoryBus) remove(eventType string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if eventType == "" {
		if sub, ok := b.wildcardSubs[id]; ok {
			delete(b.wildcardSubs, id)
			close(sub.ch)
		}
		return
	}
	if subs, ok := b.typedSubs[eventType]; ok {
		if sub, ok := subs[id]; ok {
			delete(subs, id)
			close(sub.ch)
		}
	}
}

func (b *InMemoryBus) snapshotSubscribers(eventType string) ([]*subscriber, []*subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	typed := make([]*subscriber, 0, len(b.typedSubs[eventType]))
	for _, sub := range b.typedSubs[eventType] {
		typed = append(typed, sub)
	}
	wildcard := make([]*subscriber, 0, len(b.wildcardSubs))
	for _, sub := range b.wildcardSubs {
		wildcard = append(wildcard, sub)
	}
	return typed, wildcard
}

func (b *InMemoryBus) deliver(sub *subscriber, event Event) {
	select {
	case sub.ch <- event:
	default:
		b.logger.Printf(
			"events: dropping event for subscriber=%d type=%s entity_id=%s",
			sub.id,
			event.Type,
			event.EntityID,
		)
	}
}

func (b *InMemoryBus) newSubscriberLocked() *subscriber {
	b.nextSubscriber++
	return &subscriber{
		id: b.nextSubscriber,
		ch: make(chan Event, b.bufferSize),
	}
}

func (b *InMemoryBus) consume(sub *subscriber, handler Handler) {
	for event := range sub.ch {
		handler(event)
	}
}
