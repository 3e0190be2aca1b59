package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrBusClosed = errors.New("event bus is closed")

// Filter selects the events a subscriber receives. A nil filter matches all.
type Filter func(Event) bool

// ForWorkflow matches events of a single workflow.
func ForWorkflow(workflowID string) Filter {
	return func(e Event) bool { return e.WorkflowID == workflowID }
}

type subscription struct {
	id     string
	ch     chan Event
	filter Filter
	done   chan struct{}
	once   sync.Once
}

// Bus fans events out to subscribers. Publish assigns a global sequence
// number and delivers to every matching subscriber before returning, so all
// subscribers observe the same order and each event exactly once. A full
// subscriber buffer blocks the publisher until the subscriber drains or
// unsubscribes.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]*subscription
	sequence    uint64
	closed      bool
	logger      zerolog.Logger
}

func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[string]*subscription),
		logger:      logger,
	}
}

// Publish stamps and delivers an event. It returns ctx.Err() if the context
// ends while a subscriber is blocking delivery.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	b.sequence++
	event.Sequence = b.sequence
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, sub := range b.subscribers {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.logger.Debug().
		Str("type", string(event.Type)).
		Str("workflowId", event.WorkflowID).
		Uint64("sequence", event.Sequence).
		Msg("Event published")
	return nil
}

// Subscribe registers a subscriber. The returned cancel function must be
// called to release it; the channel is closed afterwards.
func (b *Bus) Subscribe(filter Filter, bufferSize int) (<-chan Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	sub := &subscription{
		id:     uuid.New().String(),
		ch:     make(chan Event, bufferSize),
		filter: filter,
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			// unblock a Publish waiting on this subscriber before taking the lock
			close(sub.done)
			b.mu.Lock()
			if _, ok := b.subscribers[sub.id]; ok {
				delete(b.subscribers, sub.id)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Close stops the bus and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}
