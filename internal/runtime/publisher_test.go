package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	affinitypkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/affinity"
	"github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/broker"
	configpkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/config"
	errspkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/errors"
	"github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/event"
	loggingpkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/logging"
	metricspkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/metrics"
	"github.com/0akarma/logstash-integration-rabbitmq/transport/memory"
)

func testConfig() *configpkg.Config {
	conf := configpkg.Default()
	conf.Exchange = "logs"
	conf.ExchangeType = broker.KindTopic
	conf.RetryInterval = time.Millisecond
	return conf
}

type publisherFixture struct {
	broker    *memory.Broker
	logs      *loggingpkg.Recorder
	publisher *Publisher
}

func newPublisherFixture(t *testing.T, conf *configpkg.Config, deps PublisherDependencies) publisherFixture {
	t.Helper()
	b := memory.New()
	rec := loggingpkg.NewRecorder()
	p, err := NewPublisher(conf, b, rec, deps)
	require.NoError(t, err)
	return publisherFixture{broker: b, logs: rec, publisher: p}
}

func TestNewPublisherValidatesArguments(t *testing.T) {
	b := memory.New()
	log := loggingpkg.NopLogger()

	_, err := NewPublisher(nil, b, log, PublisherDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)
	_, err = NewPublisher(testConfig(), nil, log, PublisherDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrConnectionRequired)
	_, err = NewPublisher(testConfig(), b, nil, PublisherDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)
}

func TestPublishResolvesRoutingKeyAndProperties(t *testing.T) {
	conf := testConfig()
	conf.Key = "logs.%{level}"
	conf.MessageProperties = map[string]any{"priority": "%{prio}", "content_type": "application/json"}
	f := newPublisherFixture(t, conf, PublisherDependencies{})

	ev := event.New(map[string]any{"level": "error", "prio": "5"})
	require.NoError(t, f.publisher.Publish(context.Background(), "worker-1", ev, []byte(`{"msg":"disk full"}`)))

	deliveries := f.broker.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, "logs", deliveries[0].Exchange)
	assert.Equal(t, "logs.error", deliveries[0].RoutingKey)
	assert.Equal(t, []byte(`{"msg":"disk full"}`), deliveries[0].Payload)
	assert.Equal(t, broker.Properties{"priority": 5, "persistent": true, "content_type": "application/json"}, deliveries[0].Properties)
	assert.Zero(t, f.logs.Count("error"))
}

func TestPublishRetriesOnceAfterNack(t *testing.T) {
	f := newPublisherFixture(t, testConfig(), PublisherDependencies{})
	f.broker.Script(memory.Fault{Kind: memory.Nack})

	require.NoError(t, f.publisher.Publish(context.Background(), "worker-1", event.New(nil), []byte("x")))

	assert.Len(t, f.broker.Deliveries(), 1)
	require.Equal(t, 1, f.logs.Count("error"))
	var failed loggingpkg.Entry
	for _, e := range f.logs.Entries() {
		if e.Level == "error" {
			failed = e
		}
	}
	assert.ErrorIs(t, failed.Err, errspkg.ErrConfirmNack)
	assert.Equal(t, "nack", failed.Fields["reason"])
	assert.Equal(t, 1, failed.Fields["attempt"])
}

func TestPublishRetriesTransientFailuresUntilDelivered(t *testing.T) {
	f := newPublisherFixture(t, testConfig(), PublisherDependencies{})
	failures := []error{
		errspkg.ErrChannelClosed,
		&amqp091.Error{Code: amqp091.ChannelError, Reason: "CHANNEL_ERROR"},
		io.ErrUnexpectedEOF,
		errspkg.MarkTransient(errors.New("proxy hiccup")),
	}
	for _, err := range failures {
		f.broker.Script(memory.Fault{Kind: memory.PublishError, Err: err})
	}

	require.NoError(t, f.publisher.Publish(context.Background(), "worker-1", event.New(nil), []byte("x")))

	assert.Len(t, f.broker.Deliveries(), 1)
	assert.Equal(t, len(failures), f.logs.Count("error"))
	for _, e := range f.logs.Entries() {
		if e.Level != "error" {
			continue
		}
		trace, _ := e.Fields["backtrace"].(string)
		assert.Contains(t, trace, "memory.(*Channel).Publish")
		assert.Contains(t, trace, "runtime.(*Publisher).Publish")
	}
}

func TestBacktraceFormatsStackOfOrigin(t *testing.T) {
	raised := pkgerrors.WithStack(errspkg.ErrChannelClosed)
	trace := backtrace(fmt.Errorf("declare exchange: %w", raised))
	assert.Contains(t, trace, "runtime.TestBacktraceFormatsStackOfOrigin")
	assert.True(t, strings.HasPrefix(trace, errspkg.ErrChannelClosed.Error()))

	trace = backtrace(io.ErrUnexpectedEOF)
	assert.Contains(t, trace, "runtime.backtrace")
}

func TestConfirmTimeoutIsResolvedOnEveryAttempt(t *testing.T) {
	conf := testConfig()
	conf.ConfirmTimeout = "%{[sla][confirm]}"
	f := newPublisherFixture(t, conf, PublisherDependencies{})
	f.broker.Script(memory.Fault{Kind: memory.LoseConfirm})

	ev := &countingEvent{Fields: event.New(map[string]any{"sla": map[string]any{"confirm": "0.01"}})}
	started := time.Now()
	require.NoError(t, f.publisher.Publish(context.Background(), "worker-1", ev, []byte("x")))

	assert.GreaterOrEqual(t, time.Since(started), 10*time.Millisecond)
	assert.Equal(t, 2, ev.count(conf.ConfirmTimeout))
	assert.Equal(t, 1, ev.count(conf.Key), "routing key is resolved once")
	// the unconfirmed copy may have reached the exchange
	assert.Len(t, f.broker.Deliveries(), 2)
	assert.Equal(t, 1, f.logs.Count("error"))
}

func TestInvalidConfirmTimeoutIsFatal(t *testing.T) {
	conf := testConfig()
	conf.ConfirmTimeout = "%{missing}"
	f := newPublisherFixture(t, conf, PublisherDependencies{})

	err := f.publisher.Publish(context.Background(), "worker-1", event.New(nil), []byte("x"))
	assert.ErrorIs(t, err, errspkg.ErrInvalidConfirmTimeout)
	assert.Empty(t, f.broker.Deliveries())
}

func TestNonFiniteConfirmTimeoutFromEventIsFatal(t *testing.T) {
	conf := testConfig()
	conf.ConfirmTimeout = "%{sla}"
	f := newPublisherFixture(t, conf, PublisherDependencies{})

	for _, sla := range []string{"NaN", "Inf", "1e12"} {
		err := f.publisher.Publish(context.Background(), "worker-1", event.New(map[string]any{"sla": sla}), []byte("x"))
		assert.ErrorIs(t, err, errspkg.ErrInvalidConfirmTimeout, "sla %q", sla)
	}
	assert.Empty(t, f.broker.Deliveries())
	assert.Zero(t, f.logs.Count("error"))
}

func TestPublishWithoutExchangeIsFatal(t *testing.T) {
	conf := testConfig()
	conf.Exchange = ""
	f := newPublisherFixture(t, conf, PublisherDependencies{})

	err := f.publisher.Publish(context.Background(), "worker-1", event.New(nil), []byte("x"))
	assert.ErrorIs(t, err, errspkg.ErrExchangeRequired)
	assert.Zero(t, f.broker.ChannelCount())
	assert.Empty(t, f.logs.Entries())
}

func TestPublishRejectsNilEvent(t *testing.T) {
	f := newPublisherFixture(t, testConfig(), PublisherDependencies{})
	assert.ErrorIs(t, f.publisher.Publish(context.Background(), "worker-1", nil, nil), errspkg.ErrEventRequired)
}

func TestUnclassifiedErrorPropagatesWithoutRetry(t *testing.T) {
	f := newPublisherFixture(t, testConfig(), PublisherDependencies{})
	bug := errors.New("property encoder exploded")
	f.broker.Script(memory.Fault{Kind: memory.PublishError, Err: bug})

	err := f.publisher.Publish(context.Background(), "worker-1", event.New(nil), []byte("x"))
	assert.ErrorIs(t, err, bug)
	assert.Empty(t, f.broker.Deliveries())
	assert.Zero(t, f.logs.Count("error"))
}

func TestGateHoldsPublishersUntilUnblocked(t *testing.T) {
	f := newPublisherFixture(t, testConfig(), PublisherDependencies{})
	f.broker.Block("low on memory")

	const publishers = 3
	errs := make(chan error, publishers)
	for i := 0; i < publishers; i++ {
		go func(i int) {
			worker := affinitypkg.WorkerID(fmt.Sprintf("worker-%d", i))
			errs <- f.publisher.Publish(context.Background(), worker, event.New(nil), []byte("x"))
		}(i)
	}

	require.Eventually(t, func() bool { return f.publisher.Gate().Waiting() == publishers }, time.Second, time.Millisecond)
	assert.Empty(t, f.broker.Deliveries())

	f.broker.Unblock()
	for i := 0; i < publishers; i++ {
		select {
		case err := <-errs:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("publisher was not released")
		}
	}

	deliveries := f.broker.Deliveries()
	require.Len(t, deliveries, publishers)
	channels := map[int]struct{}{}
	for _, d := range deliveries {
		channels[d.ChannelID] = struct{}{}
	}
	assert.Len(t, channels, publishers)
	assert.Zero(t, f.broker.AffinityViolations())
}

func TestRecoveryParksPublishUntilReconnected(t *testing.T) {
	f := newPublisherFixture(t, testConfig(), PublisherDependencies{})
	require.NoError(t, f.publisher.Publish(context.Background(), "worker-1", event.New(nil), []byte("warmup")))

	f.broker.Disconnect()
	done := make(chan error, 1)
	go func() {
		done <- f.publisher.Publish(context.Background(), "worker-1", event.New(nil), []byte("after"))
	}()

	require.Eventually(t, func() bool { return f.publisher.Gate().Waiting() == 1 }, time.Second, time.Millisecond)
	f.broker.Reconnect()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("publish did not resume after recovery")
	}
	assert.Len(t, f.broker.Deliveries(), 2)
}

func TestCancelledContextReleasesParkedPublisher(t *testing.T) {
	f := newPublisherFixture(t, testConfig(), PublisherDependencies{})
	f.broker.Block("disk alarm")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.publisher.Publish(ctx, "worker-1", event.New(nil), []byte("x")) }()

	require.Eventually(t, func() bool { return f.publisher.Gate().Waiting() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancellation did not release the publisher")
	}
	assert.Empty(t, f.broker.Deliveries())
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	conf := testConfig()
	conf.RetryInterval = time.Hour
	f := newPublisherFixture(t, conf, PublisherDependencies{})
	f.broker.Script(memory.Fault{Kind: memory.Nack})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.publisher.Publish(ctx, "worker-1", event.New(nil), []byte("x")) }()

	require.Eventually(t, func() bool { return f.logs.Count("error") == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("back-off sleep ignored cancellation")
	}
}

func TestConcurrentWorkersKeepChannelAffinity(t *testing.T) {
	f := newPublisherFixture(t, testConfig(), PublisherDependencies{})

	const workers = 8
	const perWorker = 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			worker := affinitypkg.WorkerID(fmt.Sprintf("worker-%d", w))
			for i := 0; i < perWorker; i++ {
				if err := f.publisher.Publish(context.Background(), worker, event.New(nil), []byte("x")); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, f.broker.Deliveries(), workers*perWorker)
	assert.Equal(t, workers, f.publisher.Registry().Len())
	assert.Equal(t, workers, f.broker.ChannelCount())
	assert.Zero(t, f.broker.AffinityViolations())
}

func TestGenerateMessageID(t *testing.T) {
	conf := testConfig()
	conf.GenerateMessageID = true
	f := newPublisherFixture(t, conf, PublisherDependencies{NewMessageID: func() string { return "01HX0000000000000000000000" }})
	f.broker.Script(memory.Fault{Kind: memory.Nack})

	require.NoError(t, f.publisher.Publish(context.Background(), "worker-1", event.New(nil), []byte("x")))

	deliveries := f.broker.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, "01HX0000000000000000000000", deliveries[0].Properties["message_id"])
	assert.NotContains(t, f.publisher.props.Constant(), "message_id")
}

func TestExplicitMessageIDIsKept(t *testing.T) {
	conf := testConfig()
	conf.GenerateMessageID = true
	conf.MessageProperties = map[string]any{"message_id": "%{id}"}
	f := newPublisherFixture(t, conf, PublisherDependencies{})

	require.NoError(t, f.publisher.Publish(context.Background(), "worker-1", event.New(map[string]any{"id": "abc"}), []byte("x")))
	assert.Equal(t, "abc", f.broker.Deliveries()[0].Properties["message_id"])
}

func TestPublishRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metricspkg.New(reg)
	require.NoError(t, m.Register())

	f := newPublisherFixture(t, testConfig(), PublisherDependencies{Metrics: m})
	f.broker.Script(memory.Fault{Kind: memory.Nack})
	require.NoError(t, f.publisher.Publish(context.Background(), "worker-1", event.New(nil), []byte("x")))

	expected := `
# HELP rabbitmq_output_published_total Messages confirmed by the broker
# TYPE rabbitmq_output_published_total counter
rabbitmq_output_published_total{exchange="logs"} 1
# HELP rabbitmq_output_retries_total Publish attempts that failed with a retriable error
# TYPE rabbitmq_output_retries_total counter
rabbitmq_output_retries_total{exchange="logs",reason="nack"} 1
# HELP rabbitmq_output_channels_opened_total Channels opened for publishing workers
# TYPE rabbitmq_output_channels_opened_total counter
rabbitmq_output_channels_opened_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"rabbitmq_output_published_total", "rabbitmq_output_retries_total", "rabbitmq_output_channels_opened_total"))

	f.broker.Block("alarm")
	gateEngaged := `
# HELP rabbitmq_output_gate_engaged 1 while the broker has blocked publishing
# TYPE rabbitmq_output_gate_engaged gauge
rabbitmq_output_gate_engaged 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(gateEngaged), "rabbitmq_output_gate_engaged"))
}

func TestPublishSpanRecordsRetries(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	f := newPublisherFixture(t, testConfig(), PublisherDependencies{Tracer: tp.Tracer("test")})
	f.broker.Script(memory.Fault{Kind: memory.Nack})
	require.NoError(t, f.publisher.Publish(context.Background(), "worker-1", event.New(nil), []byte("x")))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "rabbitmq.publish", spans[0].Name())
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "retry", spans[0].Events()[0].Name)

	attrs := map[string]any{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, "logs", attrs["messaging.destination.name"])
	assert.Equal(t, int64(2), attrs["attempts"])
}

func TestCustomBackOffIsUsed(t *testing.T) {
	var calls int
	f := newPublisherFixture(t, testConfig(), PublisherDependencies{NewBackOff: func() backoff.BackOff {
		calls++
		return &backoff.ZeroBackOff{}
	}})
	f.broker.Script(memory.Fault{Kind: memory.Nack}, memory.Fault{Kind: memory.Nack})

	require.NoError(t, f.publisher.Publish(context.Background(), "worker-1", event.New(nil), []byte("x")))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, f.logs.Count("error"))
}

func TestNewRetryBackOff(t *testing.T) {
	conf := testConfig()
	conf.RetryInterval = 100 * time.Millisecond
	_, ok := NewRetryBackOff(conf).(*backoff.ConstantBackOff)
	assert.True(t, ok)

	conf.RetryMaxInterval = time.Second
	exp, ok := NewRetryBackOff(conf).(*backoff.ExponentialBackOff)
	require.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, exp.InitialInterval)
	assert.Equal(t, time.Second, exp.MaxInterval)
}

type countingEvent struct {
	*event.Fields
	mu    sync.Mutex
	calls map[string]int
}

func (c *countingEvent) Sprintf(format string) (string, error) {
	c.mu.Lock()
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[format]++
	c.mu.Unlock()
	return c.Fields.Sprintf(format)
}

func (c *countingEvent) count(format string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[format]
}
