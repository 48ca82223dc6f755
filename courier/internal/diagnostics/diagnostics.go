// Package diagnostics records the subsystem's own failures. Nothing here is
// surfaced to the host application: every failure path ends in a Record call
// and the payload involved is dropped.
package diagnostics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/telhawk-systems/courier/common/clock"
	"github.com/telhawk-systems/courier/common/logging"
	"github.com/telhawk-systems/courier/courier/internal/metrics"
)

// Code classifies an internal error.
type Code string

const (
	CodeWriteFailure          Code = "write_failure"
	CodeCorruptKey            Code = "corrupt_key"
	CodeParseFailure          Code = "parse_failure"
	CodeFileMissing           Code = "file_missing"
	CodeDeliveryPermanent     Code = "delivery_permanent"
	CodeDeliveryExhausted     Code = "delivery_exhausted"
	CodeResurrectionNoSession Code = "resurrection_no_session"
	CodeCrashFileMissing      Code = "crash_file_missing"
	CodeCrashParseFailure     Code = "crash_parse_failure"
	CodeIntakeClosed          Code = "intake_closed"
)

// Recoverable reports whether c describes degraded-but-delivered data rather
// than lost data.
func (c Code) Recoverable() bool {
	switch c {
	case CodeResurrectionNoSession, CodeIntakeClosed:
		return true
	}
	return false
}

// Recorder accepts internal errors.
type Recorder interface {
	Record(ctx context.Context, code Code, err error)
}

// Sink receives aggregated error counts for export.
type Sink interface {
	Add(code Code, n int64)
}

// Entry is one recorded internal error.
type Entry struct {
	Code    Code      `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

const defaultCapacity = 128

// Tracker logs, counts and keeps the most recent internal errors.
type Tracker struct {
	logger *slog.Logger
	clock  clock.Clock
	sink   Sink

	mu       sync.Mutex
	recent   []Entry
	capacity int
	counts   map[Code]int64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithSink exports counts to s.
func WithSink(s Sink) Option {
	return func(t *Tracker) { t.sink = s }
}

// WithClock overrides the timestamp source.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithCapacity bounds the number of retained entries.
func WithCapacity(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.capacity = n
		}
	}
}

// NewTracker creates a Tracker. A nil logger falls back to slog.Default.
func NewTracker(logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		logger:   logger,
		clock:    clock.Real(),
		capacity: defaultCapacity,
		counts:   make(map[Code]int64),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record logs err under code and updates counters. Safe on a nil Tracker.
func (t *Tracker) Record(ctx context.Context, code Code, err error) {
	if t == nil {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	level := slog.LevelError
	if code.Recoverable() {
		level = slog.LevelWarn
	}
	t.logger.LogAttrs(ctx, level, "internal error", logging.Code(string(code)), slog.String(logging.FieldError, msg))
	metrics.InternalErrors.WithLabelValues(string(code)).Inc()

	t.mu.Lock()
	t.counts[code]++
	t.recent = append(t.recent, Entry{Code: code, Message: msg, At: t.clock.Now()})
	if len(t.recent) > t.capacity {
		t.recent = t.recent[len(t.recent)-t.capacity:]
	}
	t.mu.Unlock()

	if t.sink != nil {
		t.sink.Add(code, 1)
	}
}

// Recent returns a copy of the retained entries, oldest first.
func (t *Tracker) Recent() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.recent))
	copy(out, t.recent)
	return out
}

// Count returns how many times code was recorded.
func (t *Tracker) Count(code Code) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[code]
}

// Counts returns a snapshot of all counters.
func (t *Tracker) Counts() map[Code]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[Code]int64, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}

// Discard is a Recorder that drops everything.
type Discard struct{}

func (Discard) Record(context.Context, Code, error) {}
