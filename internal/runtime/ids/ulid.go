// Package ids generates message_id values for outgoing messages.
package ids

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator produces monotonically increasing ULIDs. It is safe for
// concurrent use.
type Generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// NewGenerator reads randomness from r, crypto/rand when nil.
func NewGenerator(r io.Reader, now func() time.Time) *Generator {
	if r == nil {
		r = rand.Reader
	}
	if now == nil {
		now = time.Now
	}
	return &Generator{entropy: ulid.Monotonic(r, 0), now: now}
}

// Next returns a 26-character ULID string.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(g.now()), g.entropy).String()
}

var defaultGenerator = NewGenerator(nil, nil)

// CreateULID returns a time-sortable ULID from the shared generator.
func CreateULID() string {
	return defaultGenerator.Next()
}

// Time extracts the creation time encoded in id.
func Time(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
