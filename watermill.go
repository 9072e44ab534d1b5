package rabbitmq

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"

	affinitypkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/affinity"
	"github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/event"
)

// Event fields populated from a Watermill message.
const (
	FieldTopic   = "topic"
	FieldUUID    = "uuid"
	FieldPayload = "message"
)

var _ message.Publisher = (*WatermillPublisher)(nil)

// WatermillPublisher lets a Watermill router publish through an Output. Each
// message becomes an event whose fields are the topic, the message UUID, the
// payload as a string and the metadata entries, so routing keys and message
// properties can reference them ("%{topic}", "%{tenant}"). The payload is
// published unchanged, bypassing the output codec.
type WatermillPublisher struct {
	output *Output
	worker affinitypkg.WorkerID
}

// NewWatermillPublisher publishes on the channel owned by worker.
func NewWatermillPublisher(output *Output, worker string) *WatermillPublisher {
	return &WatermillPublisher{output: output, worker: affinitypkg.WorkerID(worker)}
}

func (p *WatermillPublisher) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		if err := p.publish(msg.Context(), topic, msg); err != nil {
			return err
		}
	}
	return nil
}

func (p *WatermillPublisher) publish(ctx context.Context, topic string, msg *message.Message) error {
	fields := make(map[string]any, len(msg.Metadata)+3)
	for k, v := range msg.Metadata {
		fields[k] = v
	}
	fields[FieldTopic] = topic
	fields[FieldUUID] = msg.UUID
	fields[FieldPayload] = string(msg.Payload)

	return p.output.send(ctx, p.worker, event.New(fields), msg.Payload)
}

// Close does not close the underlying output.
func (p *WatermillPublisher) Close() error { return nil }
