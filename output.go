package rabbitmq

import (
	"context"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	runtimepkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime"
	affinitypkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/affinity"
	"github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/broker"
	configpkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/config"
	errspkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/errors"
	loggingpkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/logging"
	metricspkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/metrics"
	rabbitmqtransport "github.com/0akarma/logstash-integration-rabbitmq/transport/rabbitmq"
)

// OutputDependencies lets callers replace collaborators. Zero values select
// the defaults.
type OutputDependencies struct {
	// Connection skips dialing RabbitMQ. The output does not close it.
	Connection broker.Connection
	// Codec overrides the codec selected by Config.Codec.
	Codec Codec
	// Registerer receives the collectors when metrics are enabled.
	Registerer prometheus.Registerer
	Tracer     trace.Tracer
	NewBackOff func() backoff.BackOff
}

// Output encodes events and publishes them through a Publisher.
type Output struct {
	conf      *configpkg.Config
	logger    loggingpkg.Logger
	codec     Codec
	publisher *runtimepkg.Publisher
	metrics   *metricspkg.Metrics

	conn  broker.Connection
	owned *rabbitmqtransport.Connection

	// done is cancelled by Close and aborts every in-flight Receive.
	done     context.Context
	shutdown context.CancelFunc
	inflight sync.WaitGroup
	mu       sync.Mutex
	closed   bool
}

// NewOutput validates conf, connects to the broker unless a connection is
// injected, and builds the publisher. Dialing blocks until the broker is
// reachable or ctx is done.
func NewOutput(ctx context.Context, conf *Config, logger Logger, deps OutputDependencies) (*Output, error) {
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	logger = loggingpkg.Safe(logger)

	codec := deps.Codec
	if codec == nil {
		codec = NewCodec(conf)
	}

	o := &Output{
		conf:   conf,
		logger: logger,
		codec:  codec,
		conn:   deps.Connection,
	}
	o.done, o.shutdown = context.WithCancel(context.Background())

	if conf.MetricsEnabled {
		o.metrics = metricspkg.New(deps.Registerer)
		if err := o.metrics.Register(); err != nil {
			return nil, err
		}
	}

	if o.conn == nil {
		conn, err := rabbitmqtransport.Dial(ctx, conf, logger)
		if err != nil {
			return nil, err
		}
		o.conn = conn
		o.owned = conn
	}

	publisher, err := runtimepkg.NewPublisher(conf, o.conn, logger, runtimepkg.PublisherDependencies{
		Metrics:    o.metrics,
		Tracer:     deps.Tracer,
		NewBackOff: deps.NewBackOff,
	})
	if err != nil {
		_ = o.closeConnection()
		return nil, err
	}
	o.publisher = publisher

	logger.Info("RabbitMQ output ready", loggingpkg.LogFields{
		"exchange":      conf.Exchange,
		"exchange_type": conf.ExchangeType,
		"key":           conf.Key,
		"codec":         conf.Codec,
	})
	return o, nil
}

// Receive encodes ev and blocks until the broker confirms it. Transient
// broker failures are retried until ctx is done or the output is closed.
func (o *Output) Receive(ctx context.Context, worker string, ev Event) error {
	if ev == nil {
		return errspkg.ErrEventRequired
	}
	payload, err := o.codec.Encode(ev)
	if err != nil {
		return err
	}
	return o.send(ctx, affinitypkg.WorkerID(worker), ev, payload)
}

func (o *Output) send(ctx context.Context, worker affinitypkg.WorkerID, ev Event, payload []byte) error {
	if !o.enter() {
		return errspkg.ErrOutputClosed
	}
	defer o.inflight.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(o.done, cancel)
	defer stop()

	return o.publisher.Publish(ctx, worker, ev, payload)
}

func (o *Output) enter() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.inflight.Add(1)
	return true
}

// MultiReceive publishes events in order on the worker's channel and stops
// at the first error.
func (o *Output) MultiReceive(ctx context.Context, worker string, events []Event) error {
	for _, ev := range events {
		if err := o.Receive(ctx, worker, ev); err != nil {
			return err
		}
	}
	return nil
}

// Publisher returns the underlying publisher.
func (o *Output) Publisher() *runtimepkg.Publisher { return o.publisher }

// Metrics returns nil unless metrics are enabled.
func (o *Output) Metrics() *metricspkg.Metrics { return o.metrics }

// Close cancels in-flight Receive calls, waits for them to return and closes
// the connection the output dialed. Receive fails with ErrOutputClosed
// afterwards.
func (o *Output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.shutdown()
	o.inflight.Wait()

	err := o.closeConnection()
	o.logger.Info("RabbitMQ output closed", loggingpkg.LogFields{"exchange": o.conf.Exchange})
	return err
}

func (o *Output) closeConnection() error {
	if o.owned == nil {
		return nil
	}
	return o.owned.Close()
}
