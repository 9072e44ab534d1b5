// Package broker declares the collaborators the publisher consumes: a
// connection that hands out channels and reports flow-control changes, the
// channel itself, and the exchange handle scoped to a channel.
package broker

import (
	"context"
	"time"
)

// Exchange kinds understood by RabbitMQ.
const (
	KindDirect         = "direct"
	KindFanout         = "fanout"
	KindTopic          = "topic"
	KindHeaders        = "headers"
	KindConsistentHash = "x-consistent-hash"
	KindModulusHash    = "x-modulus-hash"
)

// Kinds lists every supported exchange kind.
var Kinds = []string{KindDirect, KindFanout, KindTopic, KindHeaders, KindConsistentHash, KindModulusHash}

// Properties are the AMQP basic properties attached to a message, keyed by
// property name (content_type, priority, headers, ...).
type Properties map[string]any

// Clone returns a shallow copy with room for extra entries.
func (p Properties) Clone(extra int) Properties {
	cloned := make(Properties, len(p)+extra)
	for k, v := range p {
		cloned[k] = v
	}
	return cloned
}

// ExchangeSpec identifies an exchange. It is fixed for the lifetime of a
// publisher.
type ExchangeSpec struct {
	Name    string
	Kind    string
	Durable bool
}

// FlowListener receives flow-control notifications from a Connection. Calls
// arrive on whatever goroutine the transport uses.
type FlowListener interface {
	Blocked(reason string)
	Unblocked()
	RecoveryStarted()
	RecoveryCompleted()
}

// Connection owns channels and their lifecycle.
type Connection interface {
	CreateChannel() (Channel, error)
	AddFlowListener(l FlowListener)
}

// Channel is a single protocol channel. It is not safe for concurrent use
// by more than one worker.
type Channel interface {
	// EnableConfirms switches the channel into publisher-confirm mode.
	EnableConfirms() error
	DeclareExchange(spec ExchangeSpec) (Exchange, error)
	Publish(ctx context.Context, exchange string, payload []byte, routingKey string, props Properties) error
	// WaitForConfirm blocks until every publish on the channel has been
	// confirmed. It reports false when the broker nacked a message and
	// returns an error when timeout elapses first.
	WaitForConfirm(ctx context.Context, timeout time.Duration) (bool, error)
	// Close releases the channel. Operations after Close fail.
	Close() error
}

// Exchange is a channel-scoped handle to a declared exchange.
type Exchange interface {
	Spec() ExchangeSpec
	Publish(ctx context.Context, payload []byte, routingKey string, props Properties) error
}

// BoundExchange is the Exchange implementation shared by transports: it
// publishes through the channel it was declared on.
type BoundExchange struct {
	spec    ExchangeSpec
	channel Channel
}

// Bind returns an Exchange for spec that publishes through ch.
func Bind(spec ExchangeSpec, ch Channel) *BoundExchange {
	return &BoundExchange{spec: spec, channel: ch}
}

func (e *BoundExchange) Spec() ExchangeSpec { return e.spec }

func (e *BoundExchange) Publish(ctx context.Context, payload []byte, routingKey string, props Properties) error {
	return e.channel.Publish(ctx, e.spec.Name, payload, routingKey, props)
}
