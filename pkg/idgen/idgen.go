// Package idgen mints the time-ordered 128-bit identifiers every
// externally-addressable entity in the core carries. IDs are ULIDs: the
// first 48 bits encode the creation instant in UTC milliseconds, so two IDs
// generated in creation order sort lexicographically in creation order too.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// entropy is shared across calls; ulid.Monotonic wraps crypto/rand with a
// monotonic counter so IDs minted within the same millisecond still sort.
var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New mints a new ID stamped with the current UTC instant.
func New() string {
	return NewAt(time.Now().UTC())
}

// NewAt mints a new ID stamped with the given instant. Only the time part is
// fixed by t; the random part differs on every call, so two calls with the
// same t return different IDs.
func NewAt(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t.UTC()), entropy).String()
}

// Timestamp extracts the creation instant encoded in an ID minted by New.
func Timestamp(id string) (time.Time, error) {
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()).UTC(), nil
}
