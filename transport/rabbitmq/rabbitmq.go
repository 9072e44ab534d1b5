// Package rabbitmq connects the output to a RabbitMQ broker through
// amqp091-go. It recovers the connection after failures and reports
// connection.blocked and recovery progress to flow listeners.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/broker"
	configpkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/config"
	errspkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/errors"
	loggingpkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/logging"
)

// TransportName is the name used in logs.
const TransportName = "rabbitmq"

// ConnectionName is advertised to the broker in the client properties.
const ConnectionName = "logstash-output-rabbitmq"

// AMQPConnection is the subset of *amqp091.Connection the transport uses.
type AMQPConnection interface {
	Channel() (AMQPChannel, error)
	NotifyBlocked(receiver chan amqp091.Blocking) chan amqp091.Blocking
	NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error
	Close() error
}

// AMQPChannel is the subset of *amqp091.Channel the transport uses.
type AMQPChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp091.Confirmation) chan amqp091.Confirmation
	NotifyClose(c chan *amqp091.Error) chan *amqp091.Error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

type amqpConnection struct {
	*amqp091.Connection
}

func (c amqpConnection) Channel() (AMQPChannel, error) {
	return c.Connection.Channel()
}

// DialFactory allows overriding the connection creation for testing.
var DialFactory = func(url string, cfg amqp091.Config) (AMQPConnection, error) {
	conn, err := amqp091.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return amqpConnection{Connection: conn}, nil
}

var _ broker.Connection = (*Connection)(nil)

// Connection is a recovering broker.Connection.
type Connection struct {
	conf     *configpkg.Config
	logger   loggingpkg.Logger
	url      string
	amqpConf amqp091.Config

	mu         sync.RWMutex
	conn       AMQPConnection
	generation uint64
	listeners  []broker.FlowListener

	closed atomic.Bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// Dial connects to the broker described by conf. While automatic recovery is
// enabled, failed attempts are retried until ctx is done; authentication and
// vhost errors are never retried.
func Dial(ctx context.Context, conf *configpkg.Config, logger loggingpkg.Logger) (*Connection, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	c := &Connection{
		conf:     conf,
		logger:   loggingpkg.Safe(logger).With(loggingpkg.LogFields{"transport": TransportName}),
		url:      conf.DialURL(),
		amqpConf: amqpConfig(conf),
		stop:     make(chan struct{}),
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.install(conn)
	c.logger.Info("Connected to RabbitMQ", loggingpkg.LogFields{"url": conf.RedactedURL()})
	return c, nil
}

func amqpConfig(conf *configpkg.Config) amqp091.Config {
	cfg := amqp091.Config{
		Heartbeat:  conf.Heartbeat,
		Locale:     "en_US",
		Dial:       amqp091.DefaultDial(conf.ConnectionTimeout),
		Properties: amqp091.NewConnectionProperties(),
	}
	cfg.Properties.SetClientConnectionName(ConnectionName)
	if conf.TLS || conf.TLSSkipVerify {
		cfg.TLSClientConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: conf.TLSSkipVerify, //nolint:gosec
		}
	}
	return cfg
}

func (c *Connection) connectBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.conf.ConnectRetryInterval
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Second
	}
	b.MaxInterval = c.conf.ConnectRetryMaxInterval
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	return b
}

func (c *Connection) connect(ctx context.Context) (AMQPConnection, error) {
	dial := func() (AMQPConnection, error) {
		conn, err := DialFactory(c.url, c.amqpConf)
		if err == nil {
			return conn, nil
		}
		if !c.conf.AutomaticRecovery || isPermanentDialError(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	return backoff.Retry(ctx, dial,
		backoff.WithBackOff(c.connectBackOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Error("RabbitMQ connection attempt failed, retrying", err, loggingpkg.LogFields{"retry_in": next.String()})
		}),
	)
}

func isPermanentDialError(err error) bool {
	return errors.Is(err, amqp091.ErrSASL) ||
		errors.Is(err, amqp091.ErrCredentials) ||
		errors.Is(err, amqp091.ErrVhost)
}

// install makes conn the live connection. It reports false, after closing
// conn, when Close has already run.
func (c *Connection) install(conn AMQPConnection) bool {
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		_ = conn.Close()
		return false
	}
	c.conn = conn
	c.generation++
	c.mu.Unlock()

	blocked := conn.NotifyBlocked(make(chan amqp091.Blocking, 1))
	closed := conn.NotifyClose(make(chan *amqp091.Error, 1))

	c.wg.Add(1)
	go c.watch(blocked, closed)
	return true
}

func (c *Connection) watch(blocked <-chan amqp091.Blocking, closed <-chan *amqp091.Error) {
	defer c.wg.Done()
	for {
		select {
		case b, ok := <-blocked:
			if !ok {
				blocked = nil
				continue
			}
			if b.Active {
				c.logger.Info("RabbitMQ connection blocked", loggingpkg.LogFields{"reason": b.Reason})
				c.dispatch(func(l broker.FlowListener) { l.Blocked(b.Reason) })
			} else {
				c.logger.Info("RabbitMQ connection unblocked", nil)
				c.dispatch(func(l broker.FlowListener) { l.Unblocked() })
			}
		case amqpErr, ok := <-closed:
			if c.closed.Load() {
				return
			}
			var err error = errspkg.ErrConnectionClosed
			if ok && amqpErr != nil {
				err = amqpErr
			}
			c.recoverConnection(err)
			return
		case <-c.stop:
			return
		}
	}
}

func (c *Connection) recoverConnection(cause error) {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()

	c.logger.Error("RabbitMQ connection lost", cause, nil)
	c.dispatch(func(l broker.FlowListener) { l.RecoveryStarted() })

	if !c.conf.AutomaticRecovery {
		c.logger.Info("Automatic recovery is disabled, publishing stays paused", nil)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, err := c.connect(ctx)
	if err != nil {
		c.logger.Error("RabbitMQ recovery abandoned", err, nil)
		return
	}
	if !c.install(conn) {
		return
	}
	c.logger.Info("RabbitMQ connection recovered", loggingpkg.LogFields{"generation": c.Generation()})
	c.dispatch(func(l broker.FlowListener) { l.RecoveryCompleted() })
}

func (c *Connection) dispatch(fn func(broker.FlowListener)) {
	c.mu.RLock()
	listeners := append([]broker.FlowListener(nil), c.listeners...)
	c.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("Flow listener panicked", fmt.Errorf("%v", r), nil)
				}
			}()
			fn(l)
		}()
	}
}

func (c *Connection) AddFlowListener(l broker.FlowListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// CreateChannel opens a channel that transparently reopens itself on the
// recovered connection.
func (c *Connection) CreateChannel() (broker.Channel, error) {
	ch := &Channel{conn: c}
	if err := ch.reopen(); err != nil {
		return nil, err
	}
	return ch, nil
}

// Connected reports whether a live connection is installed.
func (c *Connection) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Generation increments every time the underlying connection is replaced.
func (c *Connection) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

func (c *Connection) openChannel() (AMQPChannel, uint64, error) {
	c.mu.RLock()
	conn, generation := c.conn, c.generation
	c.mu.RUnlock()

	if conn == nil || c.closed.Load() {
		return nil, 0, errspkg.ErrConnectionClosed
	}
	raw, err := conn.Channel()
	if err != nil {
		return nil, 0, err
	}
	return raw, generation, nil
}

// Close stops recovery and closes the connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed.Swap(true) {
		c.mu.Unlock()
		return nil
	}
	close(c.stop)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.wg.Wait()
	return err
}
