package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	pkgerrors "github.com/pkg/errors"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	affinitypkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/affinity"
	"github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/broker"
	configpkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/config"
	errspkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/errors"
	"github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/event"
	gatepkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/gate"
	idspkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/ids"
	loggingpkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/logging"
	metricspkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/metrics"
	templatepkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/template"
)

const (
	tracerName      = "rabbitmq-output"
	publishSpanName = "rabbitmq.publish"

	propertyPersistent = "persistent"
	propertyMessageID  = "message_id"
)

// PublisherDependencies carries optional collaborators. Zero values select
// the defaults.
type PublisherDependencies struct {
	Metrics *metricspkg.Metrics
	Tracer  trace.Tracer
	// NewBackOff builds the retry schedule for one Publish call.
	NewBackOff func() backoff.BackOff
	// NewMessageID generates message_id when generateMessageId is set.
	NewMessageID func() string
}

// Publisher delivers events to the configured exchange and retries every
// transient failure until the broker confirms the message.
type Publisher struct {
	conf     *configpkg.Config
	logger   loggingpkg.Logger
	gate     *gatepkg.Gate
	registry *affinitypkg.Registry
	props    *templatepkg.Template

	metrics      *metricspkg.Metrics
	tracer       trace.Tracer
	newBackOff   func() backoff.BackOff
	newMessageID func() string
}

// outgoing is prepared once per Publish and resent unchanged on every retry.
type outgoing struct {
	payload    []byte
	routingKey string
	props      broker.Properties
}

// NewPublisher wires the gate and the channel registry onto conn. The gate
// subscribes to the connection's flow notifications.
func NewPublisher(conf *configpkg.Config, conn broker.Connection, logger loggingpkg.Logger, deps PublisherDependencies) (*Publisher, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if conn == nil {
		return nil, errspkg.ErrConnectionRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	p := &Publisher{
		conf:         conf,
		logger:       logger.With(loggingpkg.LogFields{"exchange": conf.Exchange}),
		metrics:      deps.Metrics,
		tracer:       deps.Tracer,
		newBackOff:   deps.NewBackOff,
		newMessageID: deps.NewMessageID,
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer(tracerName)
	}
	if p.newBackOff == nil {
		p.newBackOff = func() backoff.BackOff { return NewRetryBackOff(conf) }
	}
	if p.newMessageID == nil {
		p.newMessageID = idspkg.CreateULID
	}

	p.gate = gatepkg.New(
		gatepkg.WithLogger(p.logger),
		gatepkg.WithObserver(func(st gatepkg.State) { p.metrics.SetGateEngaged(st.Engaged) }),
		gatepkg.WithWaitObserver(p.metrics.SetGateWaiting),
	)

	registry, err := affinitypkg.New(conn, conf.ExchangeSpec(), affinitypkg.WithChannelOpened(p.metrics.ChannelOpened))
	if err != nil {
		return nil, err
	}
	p.registry = registry

	properties := make(map[string]any, len(conf.MessageProperties)+1)
	for name, value := range conf.MessageProperties {
		properties[name] = value
	}
	properties[propertyPersistent] = conf.Persistent
	p.props = templatepkg.Compile(properties)

	conn.AddFlowListener(p.gate)
	return p, nil
}

// NewRetryBackOff returns a constant back-off of RetryInterval, or an
// exponential one capped at RetryMaxInterval when that is larger.
func NewRetryBackOff(conf *configpkg.Config) backoff.BackOff {
	if conf.RetryMaxInterval > conf.RetryInterval {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = conf.RetryInterval
		b.MaxInterval = conf.RetryMaxInterval
		return b
	}
	return backoff.NewConstantBackOff(conf.RetryInterval)
}

// Gate returns the back-pressure gate.
func (p *Publisher) Gate() *gatepkg.Gate { return p.gate }

// Registry returns the per-worker channel registry.
func (p *Publisher) Registry() *affinitypkg.Registry { return p.registry }

// Publish sends payload for ev on the worker's channel and blocks until the
// broker confirms it. Transient failures are logged and retried without
// limit; any other error is returned. Cancelling ctx abandons the message.
func (p *Publisher) Publish(ctx context.Context, worker affinitypkg.WorkerID, ev event.Event, payload []byte) error {
	if ev == nil {
		return errspkg.ErrEventRequired
	}
	if p.conf.Exchange == "" {
		return errspkg.ErrExchangeRequired
	}

	msg, err := p.prepare(ev, payload)
	if err != nil {
		return err
	}

	ctx, span := p.tracer.Start(ctx, publishSpanName,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", p.conf.Exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", msg.routingKey),
			attribute.String("worker", string(worker)),
		),
	)
	defer span.End()

	retry := p.newBackOff()
	for attempt := 1; ; attempt++ {
		err := p.attempt(ctx, worker, ev, msg)
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempt))
			p.metrics.RecordPublished(p.conf.Exchange)
			return nil
		}

		if !errspkg.IsTransient(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}

		reason := retryReason(err)
		p.logger.Error("Failed to publish event, will retry", err, loggingpkg.LogFields{
			"worker":      string(worker),
			"routing_key": msg.routingKey,
			"attempt":     attempt,
			"reason":      reason,
			"backtrace":   backtrace(err),
		})
		p.metrics.RecordRetry(p.conf.Exchange, reason)
		span.AddEvent("retry", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("reason", reason),
		))

		wait := retry.NextBackOff()
		if wait == backoff.Stop {
			wait = p.conf.RetryInterval
		}
		if err := sleep(ctx, wait); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
}

func (p *Publisher) prepare(ev event.Event, payload []byte) (outgoing, error) {
	routingKey, err := ev.Sprintf(p.conf.Key)
	if err != nil {
		return outgoing{}, fmt.Errorf("resolve routing key: %w", err)
	}

	props, err := p.props.Build(ev)
	if err != nil {
		return outgoing{}, fmt.Errorf("resolve message properties: %w", err)
	}
	if p.conf.GenerateMessageID {
		if _, ok := props[propertyMessageID]; !ok {
			props = props.Clone(1)
			props[propertyMessageID] = p.newMessageID()
		}
	}

	return outgoing{payload: payload, routingKey: routingKey, props: props}, nil
}

func (p *Publisher) attempt(ctx context.Context, worker affinitypkg.WorkerID, ev event.Event, msg outgoing) error {
	timeout, err := p.confirmTimeout(ev)
	if err != nil {
		return err
	}

	return p.gate.Run(ctx, func() error {
		exchange, err := p.registry.ExchangeFor(worker)
		if err != nil {
			return err
		}
		if err := exchange.Publish(ctx, msg.payload, msg.routingKey, msg.props); err != nil {
			return err
		}

		ch, err := p.registry.ChannelFor(worker)
		if err != nil {
			return err
		}
		started := time.Now()
		acked, err := ch.WaitForConfirm(ctx, timeout)
		if err != nil {
			return err
		}
		if !acked {
			return pkgerrors.WithStack(errspkg.ErrConfirmNack)
		}
		p.metrics.ObserveConfirm(p.conf.Exchange, time.Since(started))
		return nil
	})
}

// confirmTimeout resolves the confirmTimeout template against ev.
func (p *Publisher) confirmTimeout(ev event.Event) (time.Duration, error) {
	raw, err := ev.Sprintf(p.conf.ConfirmTimeout)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errspkg.ErrInvalidConfirmTimeout, err)
	}
	return configpkg.ParseConfirmTimeout(raw)
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// backtrace formats err with the stack recorded where it was raised, falling
// back to the caller's stack when none was recorded.
func backtrace(err error) string {
	var traced stackTracer
	if errors.As(err, &traced) {
		return fmt.Sprintf("%+v", traced)
	}
	return fmt.Sprintf("%+v", pkgerrors.WithStack(err))
}

func retryReason(err error) string {
	var amqpErr *amqp091.Error
	switch {
	case errors.Is(err, errspkg.ErrConfirmNack):
		return "nack"
	case errors.Is(err, errspkg.ErrConfirmTimeout):
		return "confirm_timeout"
	case errors.Is(err, errspkg.ErrChannelClosed):
		return "channel_closed"
	case errors.Is(err, errspkg.ErrConnectionClosed):
		return "connection_closed"
	case errors.As(err, &amqpErr):
		return "amqp_exception"
	default:
		return "io"
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
