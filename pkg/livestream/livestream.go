// Package livestream implements the process-wide lossy broadcast that fans
// live events out to WebSocket subscribers. Semantics follow a bounded
// multi-consumer ring: each subscriber reads at its own pace, and a
// subscriber that falls more than the channel capacity behind is skipped
// forward and told how many envelopes it missed.
package livestream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/queryvault/queryvault/pkg/model"
)

// Kind discriminates envelope payloads on the live channel.
type Kind string

const (
	KindMetric  Kind = "metric"
	KindAnomaly Kind = "anomaly"
)

// Envelope is one live event. Exactly one of Metric or Anomaly is set,
// according to Kind.
type Envelope struct {
	Kind        Kind
	WorkspaceID uuid.UUID
	Metric      *model.QueryMetric
	Anomaly     *model.QueryAnomaly
}

// ErrClosed is returned by Recv after Close once the subscriber has
// consumed everything that was published.
var ErrClosed = errors.New("livestream: channel closed")

// ErrLagged signals that the channel overwrote Count envelopes this
// subscriber never received. The subscriber continues from the oldest
// retained envelope on its next Recv.
type ErrLagged struct {
	Count uint64
}

func (e ErrLagged) Error() string {
	return fmt.Sprintf("livestream: receiver lagged by %d", e.Count)
}

// Channel is a fixed-capacity lossy broadcast. Publish never blocks;
// slow subscribers lose the oldest undelivered envelopes.
type Channel struct {
	mu     sync.Mutex
	buf    []Envelope
	cap    uint64
	head   uint64 // sequence of the next envelope to be written
	closed bool
	wakeup chan struct{}

	subs int
}

// NewChannel creates a live channel retaining up to capacity envelopes
// per subscriber.
func NewChannel(capacity int) *Channel {
	if capacity <= 0 {
		panic("livestream: capacity must be positive")
	}
	return &Channel{
		buf:    make([]Envelope, capacity),
		cap:    uint64(capacity),
		wakeup: make(chan struct{}),
	}
}

// Publish broadcasts env to all current subscribers. It never blocks and
// reports false only after Close.
func (c *Channel) Publish(env Envelope) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.buf[c.head%c.cap] = env
	c.head++
	wake := c.wakeup
	c.wakeup = make(chan struct{})
	c.mu.Unlock()

	close(wake)
	return true
}

// Close wakes all subscribers; pending envelopes remain receivable, after
// which Recv returns ErrClosed. Close is idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	wake := c.wakeup
	c.mu.Unlock()

	close(wake)
}

// Subscribers is the current subscription count.
func (c *Channel) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs
}

// Subscribe registers a new subscriber positioned at the next published
// envelope.
func (c *Channel) Subscribe() *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs++
	return &Subscription{ch: c, next: c.head}
}

// Subscription is one subscriber's cursor into the channel. Not safe for
// concurrent use by multiple goroutines.
type Subscription struct {
	ch   *Channel
	next uint64
	done bool
}

// Recv returns the next envelope. It blocks until one is available, the
// context is cancelled, or the channel closes. When the subscriber has
// fallen behind it returns ErrLagged and resumes at the oldest retained
// envelope.
func (s *Subscription) Recv(ctx context.Context) (Envelope, error) {
	for {
		s.ch.mu.Lock()

		if s.done {
			s.ch.mu.Unlock()
			return Envelope{}, ErrClosed
		}

		if oldest := s.oldestLocked(); s.next < oldest {
			missed := oldest - s.next
			s.next = oldest
			s.ch.mu.Unlock()
			return Envelope{}, ErrLagged{Count: missed}
		}

		if s.next < s.ch.head {
			env := s.ch.buf[s.next%s.ch.cap]
			s.next++
			s.ch.mu.Unlock()
			return env, nil
		}

		if s.ch.closed {
			s.ch.mu.Unlock()
			return Envelope{}, ErrClosed
		}

		wake := s.ch.wakeup
		s.ch.mu.Unlock()

		select {
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		case <-wake:
		}
	}
}

func (s *Subscription) oldestLocked() uint64 {
	if s.ch.head > s.ch.cap {
		return s.ch.head - s.ch.cap
	}
	return 0
}

// Unsubscribe releases the subscription. Further Recv calls return
// ErrClosed.
func (s *Subscription) Unsubscribe() {
	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()
	if !s.done {
		s.done = true
		s.ch.subs--
		s.next = s.ch.head
	}
}
