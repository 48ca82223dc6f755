// Package resurrect reconciles payloads left behind when a previous process
// died: open session snapshots are closed and crash records are attached to
// the session they ended.
package resurrect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/telhawk-systems/courier/common/logging"
	"github.com/telhawk-systems/courier/courier/internal/diagnostics"
	"github.com/telhawk-systems/courier/courier/internal/envelope"
	"github.com/telhawk-systems/courier/courier/internal/metrics"
	"github.com/telhawk-systems/courier/courier/internal/payload"
	"github.com/telhawk-systems/courier/courier/internal/storage"
)

// Store is the subset of the durable store resurrection works against.
type Store interface {
	List(ctx context.Context) ([]payload.Metadata, error)
	Load(ctx context.Context, meta payload.Metadata) ([]byte, error)
	Store(ctx context.Context, meta payload.Metadata, body []byte) error
	Delete(ctx context.Context, meta payload.Metadata) error
}

// Notifier is told about every payload resurrection makes ready.
type Notifier interface {
	Notify(meta payload.Metadata)
}

// Config holds resurrection configuration.
type Config struct {
	// ProcessID identifies the running process; its own payloads are never
	// treated as orphaned.
	ProcessID string
	// LegacyMatchWindow bounds timestamp-proximity matching for entries
	// without a process id.
	LegacyMatchWindow time.Duration
}

// Report summarizes one run.
type Report struct {
	Sessions          int `json:"sessions"`
	CrashesAttributed int `json:"crashes_attributed"`
	CrashesStandalone int `json:"crashes_standalone"`
	CrashesDropped    int `json:"crashes_dropped"`
	SessionsDropped   int `json:"sessions_dropped"`
}

// Resurrector runs reconciliation once per process.
type Resurrector struct {
	cfg      Config
	store    Store
	notifier Notifier
	logger   *slog.Logger
	recorder diagnostics.Recorder

	mu     sync.Mutex
	ran    bool
	report Report
}

// New returns a Resurrector. notifier may be nil.
func New(cfg Config, store Store, notifier Notifier, logger *slog.Logger, recorder diagnostics.Recorder) (*Resurrector, error) {
	if store == nil {
		return nil, errors.New("resurrection requires a store")
	}
	if cfg.LegacyMatchWindow <= 0 {
		cfg.LegacyMatchWindow = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = diagnostics.Discard{}
	}
	return &Resurrector{cfg: cfg, store: store, notifier: notifier, logger: logger, recorder: recorder}, nil
}

// crashEntry is a crash record from a prior process with its decoded body.
type crashEntry struct {
	meta payload.Metadata
	env  envelope.Envelope[envelope.CrashRecord]
}

func (c crashEntry) crashID() string {
	if c.env.Data.CrashID != "" {
		return c.env.Data.CrashID
	}
	return c.meta.UUID
}

func (c crashEntry) timestamp() int64 {
	if c.env.Data.Timestamp > 0 {
		return c.env.Data.Timestamp
	}
	return c.meta.Timestamp
}

// orphan is the newest snapshot of a session a prior process never closed,
// plus any older snapshots of the same session.
type orphan struct {
	meta     payload.Metadata
	stale    []payload.Metadata
	crash    *crashEntry
	resolved bool
}

// Run performs reconciliation. Only the first call does any work; later calls
// return the first report.
func (r *Resurrector) Run(ctx context.Context) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ran {
		return r.report, nil
	}

	metas, err := r.store.List(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list payloads: %w", err)
	}

	var (
		report   Report
		crashes  []payload.Metadata
		orphans  = make(map[string]*orphan)
		existing = make(map[payload.EnvelopeType]map[string]bool)
	)
	for _, m := range metas {
		if m.Complete {
			if existing[m.EnvelopeType] == nil {
				existing[m.EnvelopeType] = make(map[string]bool)
			}
			existing[m.EnvelopeType][m.UUID] = true
		}
		if m.ProcessID == r.cfg.ProcessID && r.cfg.ProcessID != "" {
			continue
		}
		switch {
		case m.EnvelopeType == payload.EnvelopeCrash:
			crashes = append(crashes, m)
		case m.EnvelopeType == payload.EnvelopeSession && !m.Complete:
			o, ok := orphans[m.UUID]
			if !ok {
				orphans[m.UUID] = &orphan{meta: m}
				continue
			}
			if m.Timestamp > o.meta.Timestamp {
				o.stale = append(o.stale, o.meta)
				o.meta = m
			} else {
				o.stale = append(o.stale, m)
			}
		}
	}

	sort.Slice(crashes, func(i, j int) bool { return crashes[i].Timestamp < crashes[j].Timestamp })
	var loaded []*crashEntry
	for _, m := range crashes {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		entry, ok := r.loadCrash(ctx, m)
		if !ok {
			report.CrashesDropped++
			continue
		}
		loaded = append(loaded, entry)
	}

	ordered := make([]*orphan, 0, len(orphans))
	for _, o := range orphans {
		ordered = append(ordered, o)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].meta.Timestamp < ordered[j].meta.Timestamp })

	var standalone []*crashEntry
	for _, c := range loaded {
		if o := r.match(c, orphans, ordered); o != nil {
			o.crash = c
			continue
		}
		standalone = append(standalone, c)
	}

	for _, o := range ordered {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		sessionID, ok := r.resurrectSession(ctx, o, existing)
		if !ok {
			report.SessionsDropped++
		} else {
			report.Sessions++
		}
		if o.crash == nil {
			continue
		}
		if !ok {
			// the session it ended is never delivered
			r.recorder.Record(ctx, diagnostics.CodeResurrectionNoSession,
				fmt.Errorf("crash %s from process %q matched unusable session %s", o.crash.crashID(), o.crash.meta.ProcessID, o.meta.UUID))
			if r.resurrectCrash(ctx, o.crash, "", existing) {
				report.CrashesStandalone++
			}
			continue
		}
		if r.resurrectCrash(ctx, o.crash, sessionID, existing) {
			report.CrashesAttributed++
		}
	}

	for _, c := range standalone {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		r.recorder.Record(ctx, diagnostics.CodeResurrectionNoSession,
			fmt.Errorf("crash %s from process %q has no matching session", c.crashID(), c.meta.ProcessID))
		if r.resurrectCrash(ctx, c, c.env.Data.SessionID, existing) {
			report.CrashesStandalone++
		}
	}

	r.ran = true
	r.report = report
	r.logger.Info("resurrection complete",
		slog.Int("sessions", report.Sessions),
		slog.Int("crashes_attributed", report.CrashesAttributed),
		slog.Int("crashes_standalone", report.CrashesStandalone),
		slog.Int("crashes_dropped", report.CrashesDropped),
	)
	return report, nil
}

// loadCrash reads a crash record. Unreadable records are deleted and
// recorded; they never block the session they belonged to.
func (r *Resurrector) loadCrash(ctx context.Context, m payload.Metadata) (*crashEntry, bool) {
	body, err := r.store.Load(ctx, m)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			r.recorder.Record(ctx, diagnostics.CodeCrashFileMissing, fmt.Errorf("crash %s: %w", m.UUID, err))
		} else {
			r.recorder.Record(ctx, diagnostics.CodeCrashParseFailure, fmt.Errorf("crash %s: %w", m.UUID, err))
			r.delete(ctx, m)
		}
		metrics.Resurrections.WithLabelValues("crash_dropped").Inc()
		return nil, false
	}
	env, err := envelope.Decode[envelope.CrashRecord](body)
	if err != nil {
		r.recorder.Record(ctx, diagnostics.CodeCrashParseFailure, fmt.Errorf("crash %s: %w", m.UUID, err))
		r.delete(ctx, m)
		metrics.Resurrections.WithLabelValues("crash_dropped").Inc()
		return nil, false
	}
	return &crashEntry{meta: m, env: env}, true
}

// match finds the orphaned session a crash ended: the session named in the
// crash record, then a session from the same process, then for entries
// without a process id the closest session in time within the window.
func (r *Resurrector) match(c *crashEntry, byID map[string]*orphan, ordered []*orphan) *orphan {
	if id := c.env.Data.SessionID; id != "" {
		if o, ok := byID[id]; ok && o.crash == nil {
			return o
		}
	}

	if c.meta.ProcessID != "" {
		var best *orphan
		for _, o := range ordered {
			if o.crash != nil || o.meta.ProcessID != c.meta.ProcessID {
				continue
			}
			if best == nil || closer(o.meta.Timestamp, best.meta.Timestamp, c.timestamp()) {
				best = o
			}
		}
		if best != nil {
			return best
		}
	}

	window := r.cfg.LegacyMatchWindow.Milliseconds()
	var best *orphan
	for _, o := range ordered {
		if o.crash != nil {
			continue
		}
		if c.meta.ProcessID != "" && o.meta.ProcessID != "" {
			continue
		}
		if abs(o.meta.Timestamp-c.timestamp()) > window {
			continue
		}
		if best == nil || closer(o.meta.Timestamp, best.meta.Timestamp, c.timestamp()) {
			best = o
		}
	}
	return best
}

func closer(a, b, target int64) bool {
	return abs(a-target) < abs(b-target)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// resurrectSession closes o's snapshot as a finished session and returns its
// session id.
func (r *Resurrector) resurrectSession(ctx context.Context, o *orphan, existing map[payload.EnvelopeType]map[string]bool) (string, bool) {
	defer func() {
		for _, m := range o.stale {
			r.delete(ctx, m)
		}
	}()

	body, err := r.store.Load(ctx, o.meta)
	if err != nil {
		code := diagnostics.CodeParseFailure
		if errors.Is(err, storage.ErrNotFound) {
			code = diagnostics.CodeFileMissing
		}
		r.recorder.Record(ctx, code, fmt.Errorf("session snapshot %s: %w", o.meta.UUID, err))
		r.delete(ctx, o.meta)
		return o.meta.UUID, false
	}
	env, err := envelope.Decode[envelope.SessionData](body)
	if err != nil {
		r.recorder.Record(ctx, diagnostics.CodeParseFailure, fmt.Errorf("session snapshot %s: %w", o.meta.UUID, err))
		r.delete(ctx, o.meta)
		return o.meta.UUID, false
	}
	sessionID := env.Data.SessionID
	if sessionID == "" {
		sessionID = o.meta.UUID
	}

	done := o.meta
	done.Complete = true
	if existing[payload.EnvelopeSession][o.meta.UUID] {
		r.logger.Debug("session already resurrected", logging.PayloadKey(done.Key()))
		r.delete(ctx, o.meta)
		return sessionID, true
	}

	crashID := ""
	if o.crash != nil {
		crashID = o.crash.crashID()
	}
	env.Data = closeSession(env.Data, crashID, o.meta.Timestamp)

	blob, err := env.Encode()
	if err == nil {
		err = r.store.Store(ctx, done, blob)
	}
	if err != nil {
		r.recorder.Record(ctx, diagnostics.CodeWriteFailure, fmt.Errorf("resurrected session %s: %w", o.meta.UUID, err))
		return sessionID, false
	}
	r.delete(ctx, o.meta)

	result := "session"
	if crashID != "" {
		result = "session_crashed"
	}
	metrics.Resurrections.WithLabelValues(result).Inc()
	r.logger.Info("resurrected session",
		logging.PayloadKey(done.Key()),
		logging.ProcessID(done.ProcessID),
		slog.String("crash_id", crashID),
	)
	r.notify(done)
	return sessionID, true
}

// closeSession ends a session that never closed. With a crash id the session
// ends in the crash state; otherwise its end state is unknown. Spans still
// open are closed as failed.
func closeSession(s envelope.SessionData, crashID string, fallbackEnd int64) envelope.SessionData {
	if crashID != "" {
		s.EndState = envelope.EndStateCrash
		s.CrashID = crashID
	} else {
		s.EndState = envelope.EndStateUnknown
	}
	if s.LastHeartbeat > s.EndTime {
		s.EndTime = s.LastHeartbeat
	}
	if s.EndTime == 0 {
		s.EndTime = fallbackEnd
	}
	if s.EndTime < s.StartTime {
		s.EndTime = s.StartTime
	}

	spans := make([]envelope.Span, len(s.Spans))
	for i, sp := range s.Spans {
		if sp.EndTime == 0 {
			sp.EndTime = s.EndTime
			sp.Status = envelope.SpanStatusError
			attrs := make(map[string]string, len(sp.Attributes)+1)
			for k, v := range sp.Attributes {
				attrs[k] = v
			}
			attrs[envelope.AttrErrorCode] = envelope.ErrorCodeFailure
			sp.Attributes = attrs
		}
		spans[i] = sp
	}
	s.Spans = spans
	return s
}

// resurrectCrash stores c as a native crash log referencing sessionID, which
// may be empty, and removes the crash record.
func (r *Resurrector) resurrectCrash(ctx context.Context, c *crashEntry, sessionID string, existing map[payload.EnvelopeType]map[string]bool) bool {
	logMeta := payload.Metadata{
		Timestamp:    c.meta.Timestamp,
		UUID:         c.meta.UUID,
		ProcessID:    c.meta.ProcessID,
		EnvelopeType: payload.EnvelopeLog,
		PayloadType:  payload.TypeNativeCrash,
		Complete:     true,
	}
	if existing[payload.EnvelopeLog][c.meta.UUID] {
		r.delete(ctx, c.meta)
		return true
	}

	rec := c.env.Data
	body := rec.Reason
	if body == "" {
		body = "native crash"
	}
	if rec.Signal != "" {
		body = rec.Signal + ": " + body
	}
	attrs := map[string]string{
		envelope.AttrCrashID:   c.crashID(),
		envelope.AttrSessionID: sessionID,
		envelope.AttrProcessID: c.meta.ProcessID,
		envelope.AttrLogType:   envelope.LogTypeCrash,
	}
	logEnv := envelope.New(envelope.TypeLogs, c.env.Resource, c.env.Metadata, envelope.LogBatch{
		Logs: []envelope.Log{{
			Timestamp:  c.timestamp(),
			Severity:   "fatal",
			Body:       body,
			Attributes: attrs,
		}},
	})

	blob, err := logEnv.Encode()
	if err == nil {
		err = r.store.Store(ctx, logMeta, blob)
	}
	if err != nil {
		r.recorder.Record(ctx, diagnostics.CodeWriteFailure, fmt.Errorf("crash log %s: %w", c.meta.UUID, err))
		return false
	}
	r.delete(ctx, c.meta)

	result := "crash_attributed"
	if sessionID == "" {
		result = "crash_standalone"
	}
	metrics.Resurrections.WithLabelValues(result).Inc()
	r.notify(logMeta)
	return true
}

func (r *Resurrector) delete(ctx context.Context, m payload.Metadata) {
	if err := r.store.Delete(ctx, m); err != nil {
		r.logger.Warn("failed to delete reconciled payload", logging.PayloadKey(m.Key()), logging.Error(err))
	}
}

func (r *Resurrector) notify(m payload.Metadata) {
	if r.notifier != nil {
		r.notifier.Notify(m)
	}
}
