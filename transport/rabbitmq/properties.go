package rabbitmq

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/broker"
	errspkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/errors"
)

// NewPublishing maps message properties onto an amqp091 publishing. Names
// may use dashes or underscores ("content-type", "content_type").
// "persistent" selects the delivery mode unless "delivery_mode" is also set.
func NewPublishing(payload []byte, props broker.Properties) (amqp091.Publishing, error) {
	msg := amqp091.Publishing{Body: payload}

	if v, ok := lookup(props, "persistent"); ok {
		persistent, ok := v.(bool)
		if !ok {
			return msg, invalidProperty("persistent", v)
		}
		msg.DeliveryMode = amqp091.Transient
		if persistent {
			msg.DeliveryMode = amqp091.Persistent
		}
	}

	for name, value := range props {
		if err := apply(&msg, canonical(name), value); err != nil {
			return msg, err
		}
	}
	return msg, nil
}

func canonical(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "-", "_")
}

func lookup(props broker.Properties, name string) (any, bool) {
	for k, v := range props {
		if canonical(k) == name {
			return v, true
		}
	}
	return nil, false
}

func apply(msg *amqp091.Publishing, name string, value any) error {
	var err error
	switch name {
	case "persistent":
	case "content_type":
		msg.ContentType, err = stringValue(name, value)
	case "content_encoding":
		msg.ContentEncoding, err = stringValue(name, value)
	case "correlation_id":
		msg.CorrelationId, err = stringValue(name, value)
	case "reply_to":
		msg.ReplyTo, err = stringValue(name, value)
	case "expiration":
		msg.Expiration, err = expirationValue(value)
	case "message_id":
		msg.MessageId, err = stringValue(name, value)
	case "type":
		msg.Type, err = stringValue(name, value)
	case "user_id":
		msg.UserId, err = stringValue(name, value)
	case "app_id":
		msg.AppId, err = stringValue(name, value)
	case "priority":
		var n int64
		n, err = intValue(name, value, 0, math.MaxUint8)
		msg.Priority = uint8(n)
	case "delivery_mode":
		var n int64
		n, err = intValue(name, value, int64(amqp091.Transient), int64(amqp091.Persistent))
		msg.DeliveryMode = uint8(n)
	case "timestamp":
		msg.Timestamp, err = timestampValue(value)
	case "headers":
		msg.Headers, err = headersValue(value)
	default:
		return fmt.Errorf("%w: unknown property %q", errspkg.ErrInvalidProperty, name)
	}
	return err
}

func invalidProperty(name string, value any) error {
	return fmt.Errorf("%w: %s cannot be %T(%v)", errspkg.ErrInvalidProperty, name, value, value)
}

func stringValue(name string, value any) (string, error) {
	if s, ok := value.(string); ok {
		return s, nil
	}
	return "", invalidProperty(name, value)
}

func intValue(name string, value any, lo, hi int64) (int64, error) {
	var n int64
	switch v := value.(type) {
	case int:
		n = int64(v)
	case int8:
		n = int64(v)
	case int16:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	case uint8:
		n = int64(v)
	case uint16:
		n = int64(v)
	case uint32:
		n = int64(v)
	case float64:
		if v != math.Trunc(v) {
			return 0, invalidProperty(name, value)
		}
		n = int64(v)
	default:
		return 0, invalidProperty(name, value)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%w: %s %d outside [%d, %d]", errspkg.ErrInvalidProperty, name, n, lo, hi)
	}
	return n, nil
}

// expirationValue accepts the per-message TTL in milliseconds as a string
// or an integer.
func expirationValue(value any) (string, error) {
	if s, ok := value.(string); ok {
		return s, nil
	}
	n, err := intValue("expiration", value, 0, math.MaxInt64)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n, 10), nil
}

// timestampValue accepts a time.Time or epoch seconds.
func timestampValue(value any) (time.Time, error) {
	if t, ok := value.(time.Time); ok {
		return t, nil
	}
	n, err := intValue("timestamp", value, 0, math.MaxInt64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(n, 0).UTC(), nil
}

func headersValue(value any) (amqp091.Table, error) {
	var table amqp091.Table
	switch v := value.(type) {
	case amqp091.Table:
		table = v
	case map[string]any:
		table = toTable(v)
	default:
		return nil, invalidProperty("headers", value)
	}
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("%w: headers: %w", errspkg.ErrInvalidProperty, err)
	}
	return table, nil
}

// toTable converts nested maps so amqp091 can encode them as field tables.
func toTable(m map[string]any) amqp091.Table {
	table := make(amqp091.Table, len(m))
	for k, v := range m {
		table[k] = toFieldValue(v)
	}
	return table
}

func toFieldValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return toTable(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = toFieldValue(item)
		}
		return out
	case int:
		return int64(t)
	default:
		return v
	}
}
