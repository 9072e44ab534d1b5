// Package event defines the event contract the publisher resolves templates
// against, plus Fields, a map-backed implementation used by the output and
// the Watermill bridge.
package event

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/jsoncodec"
)

// TimestampField is the reserved field holding the event timestamp.
const TimestampField = "@timestamp"

// Event is an upstream record. The publisher only reads from it.
type Event interface {
	Timestamp() time.Time
	// Sprintf resolves %{field} placeholders in format against the event.
	Sprintf(format string) (string, error)
}

// Fields is an Event backed by a nested map.
type Fields struct {
	timestamp time.Time
	data      map[string]any
}

// New builds an event from data. A time.Time stored under @timestamp becomes
// the event timestamp, otherwise the current time is used.
func New(data map[string]any) *Fields {
	ts, ok := data[TimestampField].(time.Time)
	if !ok {
		ts = time.Now()
	}
	return NewAt(ts, data)
}

// NewAt builds an event with an explicit timestamp.
func NewAt(ts time.Time, data map[string]any) *Fields {
	if data == nil {
		data = map[string]any{}
	}
	return &Fields{timestamp: ts.UTC(), data: data}
}

func (f *Fields) Timestamp() time.Time { return f.timestamp }

// Get resolves a field reference. Both "name" and "[outer][inner]" forms are
// accepted.
func (f *Fields) Get(ref string) (any, bool) {
	if ref == TimestampField || ref == "["+TimestampField+"]" {
		return f.timestamp, true
	}

	path := splitReference(ref)
	var current any = f.data
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// ToMap returns a shallow copy of the event data including @timestamp.
func (f *Fields) ToMap() map[string]any {
	out := make(map[string]any, len(f.data)+1)
	for k, v := range f.data {
		out[k] = v
	}
	out[TimestampField] = f.timestamp.Format(time.RFC3339Nano)
	return out
}

// Sprintf replaces every %{ref} with the referenced value. %{+FORMAT}
// formats the timestamp (%{+%s} yields epoch seconds). Unknown references
// are left untouched.
func (f *Fields) Sprintf(format string) (string, error) {
	if !strings.Contains(format, "%{") {
		return format, nil
	}

	var b strings.Builder
	b.Grow(len(format))

	rest := format
	for {
		start := strings.Index(rest, "%{")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[start+2:], '}')
		if end < 0 {
			b.WriteString(rest)
			break
		}
		end += start + 2

		b.WriteString(rest[:start])
		ref := rest[start+2 : end]

		value, ok, err := f.resolve(ref)
		if err != nil {
			return "", err
		}
		if ok {
			b.WriteString(value)
		} else {
			b.WriteString(rest[start : end+1])
		}
		rest = rest[end+1:]
	}

	return b.String(), nil
}

func (f *Fields) resolve(ref string) (string, bool, error) {
	if ref == "" {
		return "", false, nil
	}
	if strings.HasPrefix(ref, "+") {
		layout := ref[1:]
		if layout == "%s" {
			return strconv.FormatInt(f.timestamp.Unix(), 10), true, nil
		}
		return formatTimestamp(f.timestamp, layout), true, nil
	}

	value, ok := f.Get(ref)
	if !ok || value == nil {
		return "", false, nil
	}
	s, err := stringify(value)
	if err != nil {
		return "", false, fmt.Errorf("event: resolve %%{%s}: %w", ref, err)
	}
	return s, true, nil
}

func stringify(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano), nil
	case fmt.Stringer:
		return v.String(), nil
	case map[string]any, []any:
		raw, err := jsoncodec.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	default:
		return fmt.Sprint(v), nil
	}
}

func splitReference(ref string) []string {
	if !strings.HasPrefix(ref, "[") {
		return []string{ref}
	}
	parts := strings.Split(strings.Trim(ref, "[]"), "][")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
