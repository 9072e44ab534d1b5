package rabbitmq

import (
	"fmt"

	configpkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/config"
	"github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/jsoncodec"
)

// Codec turns an event into the message payload.
type Codec interface {
	Encode(ev Event) ([]byte, error)
}

// Mapper is implemented by events that can expose their fields.
type Mapper interface {
	ToMap() map[string]any
}

// NewCodec returns the codec named by conf.Codec.
func NewCodec(conf *Config) Codec {
	if conf.Codec == configpkg.CodecPlain {
		return PlainCodec{Format: conf.Format}
	}
	return JSONCodec{}
}

// JSONCodec encodes the event fields, including @timestamp, as one JSON
// object.
type JSONCodec struct{}

func (JSONCodec) Encode(ev Event) ([]byte, error) {
	m, ok := ev.(Mapper)
	if !ok {
		return nil, fmt.Errorf("json codec: %T does not expose its fields", ev)
	}
	payload, err := jsoncodec.Marshal(m.ToMap())
	if err != nil {
		return nil, fmt.Errorf("json codec: %w", err)
	}
	return payload, nil
}

// PlainCodec renders Format against the event, e.g. "%{host} %{message}".
type PlainCodec struct {
	Format string
}

func (c PlainCodec) Encode(ev Event) ([]byte, error) {
	line, err := ev.Sprintf(c.Format)
	if err != nil {
		return nil, fmt.Errorf("plain codec: %w", err)
	}
	return []byte(line), nil
}
