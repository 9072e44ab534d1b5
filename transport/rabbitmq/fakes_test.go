package rabbitmq

import (
	"context"
	"sync"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

type fakeConnection struct {
	mu       sync.Mutex
	blocked  []chan amqp091.Blocking
	closes   []chan *amqp091.Error
	channels []*fakeChannel
	closed   bool

	// ack decides the confirmation of each publish; nil acks everything.
	ack func(tag uint64) (bool, bool)
	// confirmErr fails confirm.select on every channel.
	confirmErr error
}

func (f *fakeConnection) Channel() (AMQPChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, amqp091.ErrClosed
	}
	ch := &fakeChannel{conn: f}
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *fakeConnection) NotifyBlocked(receiver chan amqp091.Blocking) chan amqp091.Blocking {
	f.mu.Lock()
	f.blocked = append(f.blocked, receiver)
	f.mu.Unlock()
	return receiver
}

func (f *fakeConnection) NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error {
	f.mu.Lock()
	f.closes = append(f.closes, receiver)
	f.mu.Unlock()
	return receiver
}

func (f *fakeConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for _, c := range f.closes {
		close(c)
	}
	for _, b := range f.blocked {
		close(b)
	}
	return nil
}

// drop simulates the broker closing the connection.
func (f *fakeConnection) drop(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for _, c := range f.closes {
		c <- &amqp091.Error{Code: amqp091.ConnectionForced, Reason: reason, Server: true}
		close(c)
	}
	for _, ch := range f.channels {
		ch.shutdown()
	}
}

func (f *fakeConnection) signal(b amqp091.Blocking) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.blocked {
		ch <- b
	}
}

func (f *fakeConnection) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConnection) channelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

type publishedMessage struct {
	exchange   string
	routingKey string
	msg        amqp091.Publishing
}

type fakeChannel struct {
	conn *fakeConnection

	mu        sync.Mutex
	confirm   bool
	confirms  []chan amqp091.Confirmation
	closes    []chan *amqp091.Error
	declared  []string
	published []publishedMessage
	tag       uint64
	closed    bool

	// hold queues confirmations instead of sending them.
	hold    bool
	pending []amqp091.Confirmation
}

func (c *fakeChannel) Confirm(bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn.confirmErr != nil {
		return c.conn.confirmErr
	}
	c.confirm = true
	return nil
}

func (c *fakeChannel) NotifyPublish(receiver chan amqp091.Confirmation) chan amqp091.Confirmation {
	c.mu.Lock()
	c.confirms = append(c.confirms, receiver)
	c.mu.Unlock()
	return receiver
}

func (c *fakeChannel) NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error {
	c.mu.Lock()
	c.closes = append(c.closes, receiver)
	c.mu.Unlock()
	return receiver
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp091.ErrClosed
	}
	c.declared = append(c.declared, name+"/"+kind)
	return nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp091.ErrClosed
	}
	c.tag++
	c.published = append(c.published, publishedMessage{exchange: exchange, routingKey: key, msg: msg})
	if !c.confirm {
		return nil
	}

	ack, send := true, true
	if c.conn.ack != nil {
		ack, send = c.conn.ack(c.tag)
	}
	if !send {
		return nil
	}
	confirmation := amqp091.Confirmation{DeliveryTag: c.tag, Ack: ack}
	if c.hold {
		c.pending = append(c.pending, confirmation)
		return nil
	}
	for _, ch := range c.confirms {
		ch <- confirmation
	}
	return nil
}

// release sends held confirmations.
func (c *fakeChannel) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, confirmation := range c.pending {
		for _, ch := range c.confirms {
			ch <- confirmation
		}
	}
	c.pending = nil
}

func (c *fakeChannel) Close() error {
	c.shutdown()
	return nil
}

func (c *fakeChannel) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.closes {
		close(ch)
	}
	for _, ch := range c.confirms {
		close(ch)
	}
}

func (c *fakeChannel) messages() []publishedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publishedMessage(nil), c.published...)
}

func (c *fakeChannel) declarations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.declared...)
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
