// Package bus is a capacity-bounded broadcast bus keyed by topic.
//
// Every subscriber reads the same ring of envelopes at its own pace. Publish
// never waits for subscribers: a subscriber that falls more than the ring's
// capacity behind receives a *LaggedError and resumes at the oldest message
// still retained.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultCapacity is the ring size used when New is given a non-positive capacity.
const DefaultCapacity = 256

// Topic identifies the pipeline stage a message belongs to.
type Topic string

const (
	Sensation   Topic = "sensation"
	Instant     Topic = "instant"
	Moment      Topic = "moment"
	Situation   Topic = "situation"
	Episode     Topic = "episode"
	Identity    Topic = "identity"
	Instruction Topic = "instruction"
	FaceInfo    Topic = "face_info"
)

// Topics lists every topic in pipeline order.
var Topics = []Topic{Sensation, Instant, Moment, Situation, Episode, Identity, Instruction, FaceInfo}

// Valid reports whether t is one of the known topics.
func (t Topic) Valid() bool {
	for _, known := range Topics {
		if t == known {
			return true
		}
	}
	return false
}

// Envelope is a topic-tagged payload as placed on the bus.
type Envelope struct {
	Topic   Topic     `json:"topic"`
	Seq     uint64    `json:"seq"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// ErrClosed is returned by Recv once the bus is closed and the subscriber has
// consumed everything still retained.
var ErrClosed = errors.New("bus closed")

// LaggedError reports that a subscriber fell behind and Skipped messages were
// overwritten before it read them. It is not fatal: the next Recv continues.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged, %d messages skipped", e.Skipped)
}

// IsLagged reports whether err is a *LaggedError.
func IsLagged(err error) bool {
	var lagged *LaggedError
	return errors.As(err, &lagged)
}

// Bus is a bounded ring of envelopes shared by all subscribers.
type Bus struct {
	mu     sync.RWMutex
	ring   []Envelope
	head   uint64 // number of envelopes ever published
	notify chan struct{}
	closed bool
}

// New creates a bus retaining at most capacity envelopes.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		ring:   make([]Envelope, capacity),
		notify: make(chan struct{}),
	}
}

// Capacity returns the ring size.
func (b *Bus) Capacity() int {
	return len(b.ring)
}

// Published returns the number of envelopes published so far.
func (b *Bus) Published() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.head
}

// publish appends an envelope, overwriting the oldest one when full, and wakes
// every waiting subscriber. Publishing to a closed bus drops the message.
func (b *Bus) publish(topic Topic, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.ring[b.head%uint64(len(b.ring))] = Envelope{
		Topic:   topic,
		Seq:     b.head,
		At:      time.Now(),
		Payload: payload,
	}
	b.head++
	close(b.notify)
	b.notify = make(chan struct{})
}

// Close wakes all subscribers. Messages still in the ring remain readable.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
}

// oldest returns the sequence number of the oldest retained envelope.
// Caller must hold b.mu.
func (b *Bus) oldest() uint64 {
	capacity := uint64(len(b.ring))
	if b.head > capacity {
		return b.head - capacity
	}
	return 0
}

// SubscribeRaw returns a subscription receiving every envelope published
// after this call, regardless of topic.
func (b *Bus) SubscribeRaw() *RawSubscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return &RawSubscription{bus: b, next: b.head}
}

// RawSubscription is a cursor into the bus. It must be used by one goroutine.
type RawSubscription struct {
	bus  *Bus
	next uint64
}

// Recv blocks until the next envelope is available, the context ends, or the
// bus is closed. A *LaggedError means messages were skipped; call Recv again.
func (s *RawSubscription) Recv(ctx context.Context) (Envelope, error) {
	b := s.bus
	for {
		b.mu.RLock()
		if oldest := b.oldest(); s.next < oldest {
			skipped := oldest - s.next
			s.next = oldest
			b.mu.RUnlock()
			return Envelope{}, &LaggedError{Skipped: skipped}
		}
		if s.next < b.head {
			env := b.ring[s.next%uint64(len(b.ring))]
			s.next++
			b.mu.RUnlock()
			return env, nil
		}
		if b.closed {
			b.mu.RUnlock()
			return Envelope{}, ErrClosed
		}
		wait := b.notify
		b.mu.RUnlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		}
	}
}
