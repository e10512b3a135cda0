// Package idgen generates time-sortable ULID identifiers for persisted entities.
package idgen

import (
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrInvalid reports a malformed identifier.
var ErrInvalid = errors.New("idgen: invalid ulid")

var (
	once sync.Once
	gen  *generator
)

// generator serializes access to a monotonic entropy source so IDs created
// within the same millisecond still sort in creation order.
type generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func (g *generator) newAt(t time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), g.entropy).String()
}

func initGenerator() {
	gen = &generator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// New returns a new ULID for the current UTC time.
func New() string {
	return NewAt(time.Now().UTC())
}

// NewAt returns a new ULID carrying the given timestamp.
func NewAt(t time.Time) string {
	once.Do(initGenerator)
	return gen.newAt(t)
}

// Parse validates s as a canonical ULID.
func Parse(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrInvalid
	}
	if _, err := ulid.ParseStrict(s); err != nil {
		return "", ErrInvalid
	}
	return s, nil
}

// IsValid reports whether s is a canonical ULID.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Time extracts the embedded timestamp, or the zero time for invalid input.
func Time(s string) time.Time {
	u, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(u.Time()).UTC()
}
