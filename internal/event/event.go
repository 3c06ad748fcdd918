// Package event publishes instance lifecycle events to in-process
// subscribers.
//
// Publishing never blocks the engine: a subscriber whose buffer is full
// misses the event, and the drop is counted on the subscription.
package event

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/specialistvlad/stepgate/internal/model"
)

// Type names an event.
type Type string

const (
	StepStarted        Type = "step_started"
	StepCompleted      Type = "step_completed"
	StepFailed         Type = "step_failed"
	ApprovalRequested  Type = "approval_requested"
	ApprovalResolved   Type = "approval_resolved"
	InstanceCompleted  Type = "instance_completed"
	InstanceFailed     Type = "instance_failed"
	InstanceRolledBack Type = "instance_rolled_back"
)

// Event is one lifecycle notification. Step is empty for instance-level
// events.
type Event struct {
	Type     Type             `json:"type"`
	Instance model.InstanceID `json:"instance"`
	Step     string           `json:"step,omitempty"`
	Time     time.Time        `json:"time"`
	Payload  map[string]any   `json:"payload,omitempty"`
}

// Publisher is what the engine needs from a bus.
type Publisher interface {
	Publish(e Event)
}

const defaultCapacity = 64

// Subscription is an active registration on a Bus.
type Subscription struct {
	Events <-chan Event

	sub    *subscriber
	cancel func()
}

// Dropped returns how many events did not fit in the buffer.
func (s *Subscription) Dropped() uint64 {
	return s.sub.dropped.Load()
}

// Close removes the subscription and closes Events.
func (s *Subscription) Close() {
	s.cancel()
}

type subscriber struct {
	ch       chan Event
	instance model.InstanceID
	dropped  atomic.Uint64
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
	now    func() time.Time
}

var _ Publisher = (*Bus)(nil)

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{}), now: time.Now}
}

// Subscribe registers for events of one instance, or of every instance when
// instance is empty. capacity <= 0 selects a default buffer size.
func (b *Bus) Subscribe(instance model.InstanceID, capacity int) *Subscription {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	sub := &subscriber{ch: make(chan Event, capacity), instance: instance}

	b.mu.Lock()
	if b.closed {
		close(sub.ch)
	} else {
		b.subs[sub] = struct{}{}
	}
	b.mu.Unlock()

	var once sync.Once
	return &Subscription{
		Events: sub.ch,
		sub:    sub,
		cancel: func() {
			once.Do(func() { b.remove(sub) })
		},
	}
}

func (b *Bus) remove(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers e to every matching subscriber without blocking. A zero
// Time is set to the current time.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.instance != "" && sub.instance != e.Instance {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Close ends every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
	b.closed = true
}

// Discard drops every event.
type Discard struct{}

// Publish does nothing.
func (Discard) Publish(Event) {}
