// Package ids provides injectable identifier generators and clocks so that
// every component can be driven deterministically in tests.
package ids

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Generator produces a fresh identifier on each call.
type Generator func() string

// Clock returns the current time.
type Clock func() time.Time

// UUID returns a random v4 UUID string.
func UUID() string {
	return uuid.NewString()
}

// EventID returns an id of the form evt_<unix-ms>_<rand>.
func EventID() string {
	return fmt.Sprintf("evt_%d_%d", time.Now().UnixMilli(), rand.IntN(10000))
}

// Now returns the current UTC time.
func Now() time.Time {
	return time.Now().UTC()
}

// Sequence returns a generator yielding prefix-1, prefix-2, ...
func Sequence(prefix string) Generator {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	}
}

// SteppingClock returns a clock that starts at start and advances by step on
// every call.
func SteppingClock(start time.Time, step time.Duration) Clock {
	var mu sync.Mutex
	cur := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := cur
		cur = cur.Add(step)
		return t
	}
}

// OrDefault returns g, or UUID when g is nil.
func (g Generator) OrDefault() Generator {
	if g == nil {
		return UUID
	}
	return g
}

// OrDefault returns c, or Now when c is nil.
func (c Clock) OrDefault() Clock {
	if c == nil {
		return Now
	}
	return c
}
