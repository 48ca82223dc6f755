// Package clock abstracts wall-clock reads so timestamping and back-off
// decisions can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the source of "now" for every timestamp the pipeline produces.
type Clock interface {
	Now() time.Time
}

// NowMillis returns c.Now() as milliseconds since the Unix epoch.
func NowMillis(c Clock) int64 {
	return c.Now().UnixMilli()
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Real returns a Clock backed by time.Now.
func Real() Clock {
	return realClock{}
}

// Fake is a manually advanced Clock. Safe for concurrent use.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake clock pinned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the pinned time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d and returns the new time.
func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

// Set pins the clock at t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}
