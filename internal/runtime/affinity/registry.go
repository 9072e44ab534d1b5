// Package affinity hands every worker its own confirm-mode channel and
// exchange handle. Confirmation tracking is channel scoped, so two workers
// must never share a channel.
package affinity

import (
	"fmt"
	"sync"

	"github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/broker"
	errspkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/errors"
)

// WorkerID identifies the goroutine (pipeline worker) that owns a channel.
type WorkerID string

type slot struct {
	mu       sync.Mutex
	channel  broker.Channel
	exchange broker.Exchange
}

// Registry caches one channel and one exchange handle per worker. A
// worker's channel is set once and never replaced; its lifecycle belongs to
// the connection. A channel that fails to enter confirm mode is closed.
type Registry struct {
	conn broker.Connection
	spec broker.ExchangeSpec

	mu    sync.Mutex
	slots map[WorkerID]*slot

	onChannelOpened func()
}

// Option configures a Registry.
type Option func(*Registry)

// WithChannelOpened registers fn to be called after every new channel.
func WithChannelOpened(fn func()) Option {
	return func(r *Registry) { r.onChannelOpened = fn }
}

// New returns a Registry that opens channels on conn and declares spec on them.
func New(conn broker.Connection, spec broker.ExchangeSpec, opts ...Option) (*Registry, error) {
	if conn == nil {
		return nil, errspkg.ErrConnectionRequired
	}
	r := &Registry{
		conn:  conn,
		spec:  spec,
		slots: make(map[WorkerID]*slot),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Registry) slotFor(worker WorkerID) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[worker]
	if !ok {
		s = &slot{}
		r.slots[worker] = s
	}
	return s
}

// ChannelFor returns the worker's channel, opening it in confirm mode on
// first use. Failures are returned and nothing is cached.
func (r *Registry) ChannelFor(worker WorkerID) (broker.Channel, error) {
	s := r.slotFor(worker)
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.channelLocked(s)
}

func (r *Registry) channelLocked(s *slot) (broker.Channel, error) {
	if s.channel != nil {
		return s.channel, nil
	}

	ch, err := r.conn.CreateChannel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.EnableConfirms(); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	s.channel = ch
	if r.onChannelOpened != nil {
		r.onChannelOpened()
	}
	return ch, nil
}

// ExchangeFor returns the worker's exchange handle, declaring the exchange
// on the worker's channel on first use. A failed declaration is returned and
// retried on the next call.
func (r *Registry) ExchangeFor(worker WorkerID) (broker.Exchange, error) {
	s := r.slotFor(worker)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exchange != nil {
		return s.exchange, nil
	}

	ch, err := r.channelLocked(s)
	if err != nil {
		return nil, err
	}
	ex, err := ch.DeclareExchange(r.spec)
	if err != nil {
		return nil, fmt.Errorf("declare exchange %q (%s): %w", r.spec.Name, r.spec.Kind, err)
	}
	s.exchange = ex
	return ex, nil
}

// Spec returns the exchange every worker declares.
func (r *Registry) Spec() broker.ExchangeSpec {
	return r.spec
}

// Len returns the number of workers holding a channel.
func (r *Registry) Len() int {
	r.mu.Lock()
	slots := make([]*slot, 0, len(r.slots))
	for _, s := range r.slots {
		slots = append(slots, s)
	}
	r.mu.Unlock()

	n := 0
	for _, s := range slots {
		s.mu.Lock()
		if s.channel != nil {
			n++
		}
		s.mu.Unlock()
	}
	return n
}
