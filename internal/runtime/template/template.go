// Package template precompiles message-property templates. Properties whose
// values never change are normalized once at startup; only the entries that
// contain %{...} placeholders are resolved per event.
package template

import (
	"math"
	"strings"

	"github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/broker"
)

// PriorityProperty is coerced to an integer after resolution.
const PriorityProperty = "priority"

const placeholderMarker = "%{"

// Resolver resolves a template string against an event.
type Resolver interface {
	Sprintf(format string) (string, error)
}

// Template is an immutable compiled property mapping.
type Template struct {
	constant broker.Properties
	variable map[string]string
}

// Compile splits properties into constant and per-event parts.
func Compile(properties map[string]any) *Template {
	t := &Template{
		constant: make(broker.Properties, len(properties)),
		variable: make(map[string]string),
	}
	for name, value := range properties {
		if s, ok := value.(string); ok && HasPlaceholder(s) {
			t.variable[name] = s
			continue
		}
		t.constant[name] = value
	}
	normalize(t.constant)
	return t
}

// HasPlaceholder reports whether s needs per-event resolution.
func HasPlaceholder(s string) bool {
	return strings.Contains(s, placeholderMarker)
}

// Constant exposes the frozen constant part. Callers must not modify it.
func (t *Template) Constant() broker.Properties {
	return t.constant
}

// IsConstant reports whether Build ignores the event.
func (t *Template) IsConstant() bool {
	return len(t.variable) == 0
}

// Build returns the properties for ev. Without variable entries the same
// frozen map is returned on every call; treat the result as read-only.
func (t *Template) Build(ev Resolver) (broker.Properties, error) {
	if len(t.variable) == 0 {
		return t.constant, nil
	}

	props := t.constant.Clone(len(t.variable))
	for name, format := range t.variable {
		value, err := ev.Sprintf(format)
		if err != nil {
			return nil, err
		}
		props[name] = value
	}
	normalize(props)
	return props, nil
}

func normalize(props broker.Properties) {
	if s, ok := props[PriorityProperty].(string); ok {
		props[PriorityProperty] = leadingInt(s)
	}
}

// leadingInt parses the integer prefix of s, ignoring surrounding spaces.
// A single underscore between digits is a separator. Anything unparseable
// yields 0; values beyond the int32 range saturate.
func leadingInt(s string) int {
	s = strings.TrimSpace(s)
	neg := false
	if s != "" && (s[0] == '-' || s[0] == '+') {
		neg = s[0] == '-'
		s = s[1:]
	}

	var n int64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '_' && i > 0 && isDigit(s[i-1]) && i+1 < len(s) && isDigit(s[i+1]) {
			continue
		}
		if !isDigit(c) {
			break
		}
		n = n*10 + int64(c-'0')
		if n > math.MaxInt32 {
			n = math.MaxInt32
			break
		}
	}
	if neg {
		return int(-n)
	}
	return int(n)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
