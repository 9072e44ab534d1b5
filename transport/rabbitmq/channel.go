package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/broker"
	errspkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/errors"
)

var errNotConfirmMode = errors.New("rabbitmq: channel is not in confirm mode")

// confirmBuffer bounds confirmations queued between publish and wait.
const confirmBuffer = 64

var _ broker.Channel = (*Channel)(nil)

// Channel wraps an amqp091 channel. After connection recovery the next
// operation reopens it, restores confirm mode and redeclares the exchanges
// declared so far. Unconfirmed publishes from the old channel are lost and
// reported by WaitForConfirm as a closed channel.
type Channel struct {
	conn *Connection

	mu         sync.Mutex
	raw        AMQPChannel
	generation uint64
	closed     chan *amqp091.Error
	confirms   chan amqp091.Confirmation

	confirmMode bool
	declared    []broker.ExchangeSpec
	released    bool

	// published is the delivery tag of the last publish; awaitFrom is the
	// first tag not yet settled by WaitForConfirm.
	published uint64
	awaitFrom uint64
}

func (ch *Channel) reopen() error {
	raw, generation, err := ch.conn.openChannel()
	if err != nil {
		return err
	}

	ch.raw = raw
	ch.generation = generation
	ch.closed = raw.NotifyClose(make(chan *amqp091.Error, 1))
	ch.confirms = nil
	ch.published = 0
	ch.awaitFrom = 1

	if ch.confirmMode {
		if err := ch.enableConfirmsLocked(); err != nil {
			return err
		}
	}
	for _, spec := range ch.declared {
		if err := declare(raw, spec); err != nil {
			return err
		}
	}
	return nil
}

// usable reports whether raw belongs to the live connection and is open.
func (ch *Channel) usable() bool {
	if ch.raw == nil || ch.generation != ch.conn.Generation() {
		return false
	}
	select {
	case <-ch.closed:
		return false
	default:
		return true
	}
}

func (ch *Channel) ensure() error {
	if ch.released {
		return pkgerrors.WithStack(errspkg.ErrChannelClosed)
	}
	if ch.usable() {
		return nil
	}
	if ch.raw != nil {
		_ = ch.raw.Close()
		ch.raw = nil
	}
	if err := ch.reopen(); err != nil {
		return pkgerrors.WithStack(fmt.Errorf("%w: %w", errspkg.ErrChannelClosed, err))
	}
	return nil
}

func (ch *Channel) EnableConfirms() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if err := ch.ensure(); err != nil {
		return err
	}
	if err := ch.enableConfirmsLocked(); err != nil {
		return pkgerrors.WithStack(err)
	}
	ch.confirmMode = true
	return nil
}

func (ch *Channel) enableConfirmsLocked() error {
	if err := ch.raw.Confirm(false); err != nil {
		return err
	}
	ch.confirms = ch.raw.NotifyPublish(make(chan amqp091.Confirmation, confirmBuffer))
	return nil
}

func (ch *Channel) DeclareExchange(spec broker.ExchangeSpec) (broker.Exchange, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if err := ch.ensure(); err != nil {
		return nil, err
	}
	if err := declare(ch.raw, spec); err != nil {
		return nil, pkgerrors.WithStack(err)
	}
	ch.declared = append(ch.declared, spec)
	return broker.Bind(spec, ch), nil
}

func declare(raw AMQPChannel, spec broker.ExchangeSpec) error {
	return raw.ExchangeDeclare(spec.Name, spec.Kind, spec.Durable, false, false, false, nil)
}

func (ch *Channel) Publish(ctx context.Context, exchange string, payload []byte, routingKey string, props broker.Properties) error {
	msg, err := NewPublishing(payload, props)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if err := ch.ensure(); err != nil {
		return err
	}
	if err := ch.raw.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return pkgerrors.WithStack(err)
	}
	ch.published++
	return nil
}

func (ch *Channel) WaitForConfirm(ctx context.Context, timeout time.Duration) (bool, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.confirms == nil {
		return false, pkgerrors.WithStack(errNotConfirmMode)
	}
	if ch.released || ch.generation != ch.conn.Generation() {
		return false, pkgerrors.WithStack(errspkg.ErrChannelClosed)
	}

	target := ch.published
	defer func() { ch.awaitFrom = target + 1 }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	acked := true
	for ch.awaitFrom <= target {
		select {
		case confirm, ok := <-ch.confirms:
			if !ok {
				return false, pkgerrors.WithStack(errspkg.ErrChannelClosed)
			}
			if confirm.DeliveryTag < ch.awaitFrom {
				// late confirmation for a publish that already timed out
				continue
			}
			if !confirm.Ack {
				acked = false
			}
			if confirm.DeliveryTag >= target {
				return acked, nil
			}
		case amqpErr := <-ch.closed:
			if amqpErr != nil {
				return false, pkgerrors.WithStack(amqpErr)
			}
			return false, pkgerrors.WithStack(errspkg.ErrChannelClosed)
		case <-timer.C:
			return false, pkgerrors.WithStack(fmt.Errorf("%w after %s", errspkg.ErrConfirmTimeout, timeout))
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return acked, nil
}

// Close closes the underlying channel. A closed Channel is never reopened.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.released {
		return nil
	}
	ch.released = true
	if ch.raw == nil {
		return nil
	}
	err := ch.raw.Close()
	ch.raw = nil
	return err
}
