// Package memory provides an in-process broker for tests and local
// development. It implements the broker connection contract, records every
// accepted message, and can be scripted to nack, lose confirmations, fail
// publishes, or signal flow control.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	pkgerrors "github.com/pkg/errors"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/broker"
	errspkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/errors"
)

// TransportName identifies this transport in configuration and logs.
const TransportName = "memory"

// MetadataRoutingKey carries the routing key on messages forwarded to a sink.
const MetadataRoutingKey = "routing_key"

var _ broker.Connection = (*Broker)(nil)

// FaultKind selects what happens to a scripted publish.
type FaultKind int

const (
	// Ack confirms the publish. It is the default when no fault is queued.
	Ack FaultKind = iota
	// Nack makes the broker reject the publish.
	Nack
	// LoseConfirm stores the message but never confirms it.
	LoseConfirm
	// PublishError fails the publish call itself with Fault.Err.
	PublishError
)

// Fault is one scripted outcome, consumed by the next publish on any channel.
type Fault struct {
	Kind FaultKind
	Err  error
}

// Delivery is a message accepted by the broker.
type Delivery struct {
	Exchange   string
	RoutingKey string
	Payload    []byte
	Properties broker.Properties
	ChannelID  int
}

// Broker is an in-memory broker.Connection.
type Broker struct {
	mu         sync.Mutex
	listeners  []broker.FlowListener
	channels   []*Channel
	exchanges  map[string]broker.ExchangeSpec
	deliveries []Delivery
	faults     []Fault
	createErrs []error
	confirmErr []error

	connected  atomic.Bool
	violations atomic.Int64

	sink message.Publisher
}

// Option configures a Broker.
type Option func(*Broker)

// WithSink forwards every accepted message to sink as a Watermill message
// published on the exchange name, so tests can consume what was sent.
func WithSink(sink message.Publisher) Option {
	return func(b *Broker) { b.sink = sink }
}

// New returns a connected broker.
func New(opts ...Option) *Broker {
	b := &Broker{exchanges: make(map[string]broker.ExchangeSpec)}
	for _, opt := range opts {
		opt(b)
	}
	b.connected.Store(true)
	return b
}

// CreateChannel opens a new channel.
func (b *Broker) CreateChannel() (broker.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.createErrs) > 0 {
		err := b.createErrs[0]
		b.createErrs = b.createErrs[1:]
		return nil, err
	}
	if !b.connected.Load() {
		return nil, errspkg.ErrConnectionClosed
	}

	ch := &Channel{id: len(b.channels) + 1, broker: b}
	b.channels = append(b.channels, ch)
	return ch, nil
}

func (b *Broker) AddFlowListener(l broker.FlowListener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

func (b *Broker) flowListeners() []broker.FlowListener {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.FlowListener(nil), b.listeners...)
}

// Block signals connection.blocked to every listener.
func (b *Broker) Block(reason string) {
	for _, l := range b.flowListeners() {
		l.Blocked(reason)
	}
}

// Unblock signals connection.unblocked to every listener.
func (b *Broker) Unblock() {
	for _, l := range b.flowListeners() {
		l.Unblocked()
	}
}

// Disconnect drops the connection: channel operations fail with a closed
// channel error and listeners see recovery start.
func (b *Broker) Disconnect() {
	b.connected.Store(false)
	for _, l := range b.flowListeners() {
		l.RecoveryStarted()
	}
}

// Reconnect restores the connection and its channels.
func (b *Broker) Reconnect() {
	b.connected.Store(true)
	for _, l := range b.flowListeners() {
		l.RecoveryCompleted()
	}
}

// Script queues outcomes for the next publishes, in order.
func (b *Broker) Script(faults ...Fault) {
	b.mu.Lock()
	b.faults = append(b.faults, faults...)
	b.mu.Unlock()
}

// FailNextChannel makes the next CreateChannel return err.
func (b *Broker) FailNextChannel(err error) {
	b.mu.Lock()
	b.createErrs = append(b.createErrs, err)
	b.mu.Unlock()
}

// FailNextConfirms makes the next EnableConfirms return err.
func (b *Broker) FailNextConfirms(err error) {
	b.mu.Lock()
	b.confirmErr = append(b.confirmErr, err)
	b.mu.Unlock()
}

func (b *Broker) nextConfirmErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.confirmErr) == 0 {
		return nil
	}
	err := b.confirmErr[0]
	b.confirmErr = b.confirmErr[1:]
	return err
}

// Deliveries returns every accepted message.
func (b *Broker) Deliveries() []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Delivery(nil), b.deliveries...)
}

// ChannelCount returns how many channels were opened.
func (b *Broker) ChannelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels)
}

// OpenChannelCount returns how many opened channels are not closed.
func (b *Broker) OpenChannelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ch := range b.channels {
		if !ch.closed.Load() {
			n++
		}
	}
	return n
}

// Exchange returns the declared exchange named name.
func (b *Broker) Exchange(name string) (broker.ExchangeSpec, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	spec, ok := b.exchanges[name]
	return spec, ok
}

// AffinityViolations counts operations that overlapped on one channel.
func (b *Broker) AffinityViolations() int64 {
	return b.violations.Load()
}

func (b *Broker) nextFault() Fault {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.faults) == 0 {
		return Fault{Kind: Ack}
	}
	f := b.faults[0]
	b.faults = b.faults[1:]
	return f
}

func (b *Broker) declare(spec broker.ExchangeSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.exchanges[spec.Name]; ok && existing != spec {
		return &amqp091.Error{
			Code:   amqp091.PreconditionFailed,
			Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for exchange '%s'", spec.Name),
			Server: true,
		}
	}
	b.exchanges[spec.Name] = spec
	return nil
}

func (b *Broker) accept(d Delivery) error {
	b.mu.Lock()
	if _, ok := b.exchanges[d.Exchange]; !ok && d.Exchange != "" {
		b.mu.Unlock()
		return &amqp091.Error{
			Code:   amqp091.NotFound,
			Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", d.Exchange),
			Server: true,
		}
	}
	b.deliveries = append(b.deliveries, d)
	sink := b.sink
	b.mu.Unlock()

	if sink == nil {
		return nil
	}
	msg := message.NewMessage(watermill.NewULID(), d.Payload)
	msg.Metadata.Set(MetadataRoutingKey, d.RoutingKey)
	return sink.Publish(d.Exchange, msg)
}

// Channel is a channel on the in-memory broker.
type Channel struct {
	id     int
	broker *Broker

	busy     atomic.Bool
	closed   atomic.Bool
	confirms bool

	// outcome of the publishes not yet awaited
	pending []FaultKind
}

var _ broker.Channel = (*Channel)(nil)

// ID returns the channel number.
func (c *Channel) ID() int { return c.id }

func (c *Channel) enter() func() {
	if !c.busy.CompareAndSwap(false, true) {
		c.broker.violations.Add(1)
		return func() {}
	}
	return func() { c.busy.Store(false) }
}

// open reports whether the channel and its connection are usable.
func (c *Channel) open() bool {
	return !c.closed.Load() && c.broker.connected.Load()
}

func (c *Channel) EnableConfirms() error {
	defer c.enter()()
	if !c.open() {
		return pkgerrors.WithStack(errspkg.ErrChannelClosed)
	}
	if err := c.broker.nextConfirmErr(); err != nil {
		return pkgerrors.WithStack(err)
	}
	c.confirms = true
	return nil
}

// Close closes the channel. Closing twice is a no-op.
func (c *Channel) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *Channel) DeclareExchange(spec broker.ExchangeSpec) (broker.Exchange, error) {
	defer c.enter()()
	if !c.open() {
		return nil, pkgerrors.WithStack(errspkg.ErrChannelClosed)
	}
	if err := c.broker.declare(spec); err != nil {
		return nil, pkgerrors.WithStack(err)
	}
	return broker.Bind(spec, c), nil
}

func (c *Channel) Publish(ctx context.Context, exchange string, payload []byte, routingKey string, props broker.Properties) error {
	defer c.enter()()
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.open() {
		return pkgerrors.WithStack(errspkg.ErrChannelClosed)
	}

	fault := c.broker.nextFault()
	switch fault.Kind {
	case PublishError:
		return pkgerrors.WithStack(fault.Err)
	case Nack:
		c.pending = append(c.pending, Nack)
		return nil
	}

	err := c.broker.accept(Delivery{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Payload:    append([]byte(nil), payload...),
		Properties: props,
		ChannelID:  c.id,
	})
	if err != nil {
		return pkgerrors.WithStack(err)
	}
	c.pending = append(c.pending, fault.Kind)
	return nil
}

func (c *Channel) WaitForConfirm(ctx context.Context, timeout time.Duration) (bool, error) {
	defer c.enter()()
	if !c.confirms {
		return false, pkgerrors.WithStack(fmt.Errorf("memory: channel %d is not in confirm mode", c.id))
	}

	pending := c.pending
	c.pending = nil

	acked := true
	lost := false
	for _, kind := range pending {
		switch kind {
		case Nack:
			acked = false
		case LoseConfirm:
			lost = true
		}
	}

	if lost {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			return false, pkgerrors.WithStack(fmt.Errorf("channel %d: %w", c.id, errspkg.ErrConfirmTimeout))
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if !c.open() {
		return false, pkgerrors.WithStack(errspkg.ErrChannelClosed)
	}
	return acked, nil
}
