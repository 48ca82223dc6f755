// Package intake durably persists finished envelopes and tells the scheduler
// when they are ready to send.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/telhawk-systems/courier/common/logging"
	"github.com/telhawk-systems/courier/courier/internal/diagnostics"
	"github.com/telhawk-systems/courier/courier/internal/metrics"
	"github.com/telhawk-systems/courier/courier/internal/payload"
	"github.com/telhawk-systems/courier/courier/internal/worker"
)

// ErrShutdownTimeout is returned by Shutdown when queued writes did not drain
// in time.
var ErrShutdownTimeout = errors.New("intake shutdown timed out with writes pending")

// Encodable is anything that serializes to a stored payload body.
// envelope.Envelope satisfies it.
type Encodable interface {
	Encode() ([]byte, error)
}

// Store is the subset of the durable store intake writes through.
type Store interface {
	Store(ctx context.Context, meta payload.Metadata, body []byte) error
	List(ctx context.Context) ([]payload.Metadata, error)
	Delete(ctx context.Context, meta payload.Metadata) error
}

// Pruner enforces the storage ceiling after each write.
type Pruner interface {
	Prune(ctx context.Context) ([]payload.Metadata, error)
}

// Submitter runs tasks in the background.
type Submitter interface {
	Submit(prio worker.Priority, task worker.Task) error
}

// Config holds intake configuration.
type Config struct {
	// NotifyBuffer bounds the ready channel toward the scheduler.
	NotifyBuffer int
}

type item struct {
	env  Encodable
	meta payload.Metadata
}

// classQueue holds the writes of one priority class. At most one task drains
// it at a time, which keeps writes within a class in arrival order.
type classQueue struct {
	class   payload.Priority
	items   []item
	running bool
}

// Stats counts intake results since start.
type Stats struct {
	Accepted int64 `json:"accepted"`
	Stored   int64 `json:"stored"`
	Failed   int64 `json:"failed"`
	Rejected int64 `json:"rejected"`
	Evicted  int64 `json:"evicted"`
	Pending  int   `json:"pending"`
}

// Service is the intake write path.
type Service struct {
	store    Store
	pruner   Pruner
	pool     Submitter
	logger   *slog.Logger
	recorder diagnostics.Recorder

	ready chan payload.Metadata

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[payload.Priority]*classQueue
	closed bool
	stats  Stats
}

// New returns an intake Service writing through store.
func New(cfg Config, store Store, pruner Pruner, pool Submitter, logger *slog.Logger, recorder diagnostics.Recorder) (*Service, error) {
	if store == nil || pruner == nil || pool == nil {
		return nil, errors.New("intake requires a store, pruner and worker pool")
	}
	if cfg.NotifyBuffer <= 0 {
		cfg.NotifyBuffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = diagnostics.Discard{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:    store,
		pruner:   pruner,
		pool:     pool,
		logger:   logger,
		recorder: recorder,
		ready:    make(chan payload.Metadata, cfg.NotifyBuffer),
		ctx:      ctx,
		cancel:   cancel,
		queues:   make(map[payload.Priority]*classQueue),
	}, nil
}

// Ready delivers the metadata of every complete payload once it is durable.
// Notifications that find the channel full are dropped.
func (s *Service) Ready() <-chan payload.Metadata {
	return s.ready
}

// Take queues env for a durable write under meta. It never blocks on I/O and
// never fails; problems are recorded as internal errors and the payload is
// dropped.
func (s *Service) Take(env Encodable, meta payload.Metadata) {
	class := meta.Priority()
	if err := meta.Validate(); err != nil {
		s.reject(class, diagnostics.CodeWriteFailure, fmt.Errorf("invalid payload metadata: %w", err))
		return
	}
	if env == nil {
		s.reject(class, diagnostics.CodeWriteFailure, fmt.Errorf("nil envelope for %s", meta))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.reject(class, diagnostics.CodeIntakeClosed, fmt.Errorf("intake closed, dropped %s", meta))
		return
	}
	q, ok := s.queues[class]
	if !ok {
		q = &classQueue{class: class}
		s.queues[class] = q
	}
	q.items = append(q.items, item{env: env, meta: meta})
	s.stats.Accepted++
	s.wg.Add(1)
	metrics.IntakeQueueDepth.Inc()
	start := !q.running
	q.running = true
	s.mu.Unlock()

	if start {
		s.startDrain(q)
	}
}

func (s *Service) reject(class payload.Priority, code diagnostics.Code, err error) {
	s.mu.Lock()
	s.stats.Rejected++
	s.mu.Unlock()
	metrics.IntakeTotal.WithLabelValues(class.String(), "rejected").Inc()
	s.recorder.Record(s.ctx, code, err)
}

func (s *Service) startDrain(q *classQueue) {
	err := s.pool.Submit(worker.PriorityWrite, func(context.Context) { s.drain(q) })
	if err != nil {
		// the pool is saturated or stopping; writes must not wait on it
		s.logger.Debug("draining intake queue outside the pool", logging.Class(q.class.String()), logging.Error(err))
		go s.drain(q)
	}
}

func (s *Service) drain(q *classQueue) {
	for {
		s.mu.Lock()
		if len(q.items) == 0 {
			q.running = false
			s.mu.Unlock()
			return
		}
		it := q.items[0]
		q.items[0] = item{}
		q.items = q.items[1:]
		s.mu.Unlock()

		s.safeWrite(it)
		metrics.IntakeQueueDepth.Dec()
		s.wg.Done()
	}
}

// safeWrite records a panicking write as a write failure so the rest of the
// class queue still drains.
func (s *Service) safeWrite(it item) {
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			s.stats.Failed++
			s.mu.Unlock()
			metrics.IntakeTotal.WithLabelValues(it.meta.Priority().String(), "failed").Inc()
			s.logger.Error("payload write panicked",
				logging.PayloadKey(it.meta.Key()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			s.recorder.Record(s.ctx, diagnostics.CodeWriteFailure, fmt.Errorf("store %s: panic: %v", it.meta, r))
		}
	}()
	s.write(it)
}

func (s *Service) write(it item) {
	meta := it.meta
	class := meta.Priority().String()

	if s.ctx.Err() != nil {
		s.logger.Warn("abandoned write after shutdown deadline", logging.PayloadKey(meta.Key()))
		metrics.IntakeTotal.WithLabelValues(class, "abandoned").Inc()
		return
	}

	body, err := it.env.Encode()
	if err == nil {
		err = s.store.Store(s.ctx, meta, body)
	}
	if err != nil {
		s.mu.Lock()
		s.stats.Failed++
		s.mu.Unlock()
		metrics.IntakeTotal.WithLabelValues(class, "failed").Inc()
		s.recorder.Record(s.ctx, diagnostics.CodeWriteFailure, fmt.Errorf("store %s: %w", meta, err))
		return
	}
	metrics.IntakeTotal.WithLabelValues(class, "stored").Inc()

	if meta.EnvelopeType == payload.EnvelopeSession {
		s.collapseSnapshots(meta)
	}

	evicted, err := s.pruner.Prune(s.ctx)
	if err != nil {
		s.logger.Warn("prune after write failed", logging.Error(err))
	}
	survived := true
	for _, m := range evicted {
		if m == meta {
			survived = false
		}
	}

	s.mu.Lock()
	s.stats.Stored++
	s.stats.Evicted += int64(len(evicted))
	s.mu.Unlock()

	if survived && meta.Complete && meta.EnvelopeType != payload.EnvelopeCrash {
		s.notify(meta)
	}
}

// collapseSnapshots keeps only the newest snapshot of a session, and none
// once the complete session is stored.
func (s *Service) collapseSnapshots(meta payload.Metadata) {
	metas, err := s.store.List(s.ctx)
	if err != nil {
		s.logger.Warn("snapshot cleanup could not list payloads", logging.Error(err))
		return
	}
	for _, m := range metas {
		if m.UUID != meta.UUID || m.Complete || m.EnvelopeType != payload.EnvelopeSession || m == meta {
			continue
		}
		if !meta.Complete && m.Timestamp > meta.Timestamp {
			continue
		}
		if err := s.store.Delete(s.ctx, m); err != nil {
			s.logger.Warn("failed to delete superseded snapshot", logging.PayloadKey(m.Key()), logging.Error(err))
		}
	}
}

func (s *Service) notify(meta payload.Metadata) {
	select {
	case s.ready <- meta:
	default:
		metrics.ReadyNotificationsDropped.Inc()
	}
}

// Shutdown stops accepting payloads and waits up to timeout for queued writes
// to drain. Writes still queued after the timeout are abandoned.
func (s *Service) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	s.closed = true
	pending := s.pendingLocked()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		s.logger.Info("intake drained", logging.Count(pending))
		return nil
	case <-timer.C:
		s.cancel()
		s.mu.Lock()
		left := s.pendingLocked()
		s.mu.Unlock()
		s.logger.Warn("intake shutdown deadline reached", slog.Int("abandoned", left))
		return ErrShutdownTimeout
	}
}

// Stats returns a snapshot of intake counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Pending = s.pendingLocked()
	return st
}

func (s *Service) pendingLocked() int {
	n := 0
	for _, q := range s.queues {
		n += len(q.items)
	}
	return n
}
