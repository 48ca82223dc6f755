// Package scheduler decides when stored payloads are sent: immediately for
// urgent types, on a periodic tick for everything else, and never while the
// network is unreachable. Failed retryable attempts move to the retry queue,
// which is replayed on reconnect and on a backing-off timer.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/telhawk-systems/courier/common/clock"
	"github.com/telhawk-systems/courier/common/logging"
	"github.com/telhawk-systems/courier/courier/internal/connectivity"
	"github.com/telhawk-systems/courier/courier/internal/delivery"
	"github.com/telhawk-systems/courier/courier/internal/diagnostics"
	"github.com/telhawk-systems/courier/courier/internal/metrics"
	"github.com/telhawk-systems/courier/courier/internal/payload"
	"github.com/telhawk-systems/courier/courier/internal/retry"
	"github.com/telhawk-systems/courier/courier/internal/storage"
	"github.com/telhawk-systems/courier/courier/internal/worker"
)

// Store is the subset of the durable store the scheduler needs.
type Store interface {
	List(ctx context.Context) ([]payload.Metadata, error)
	Load(ctx context.Context, meta payload.Metadata) ([]byte, error)
	Delete(ctx context.Context, meta payload.Metadata) error
	DeleteKey(ctx context.Context, key string) error
}

// RetryQueue is the subset of the retry queue the scheduler needs.
type RetryQueue interface {
	Enqueue(ctx context.Context, req retry.Request) error
	Contains(payloadKey string) bool
	ReplayAll(ctx context.Context, send retry.SendFunc) ([]retry.Outcome, error)
}

// Submitter runs tasks in the background.
type Submitter interface {
	Submit(prio worker.Priority, task worker.Task) error
}

// Config holds scheduler configuration.
type Config struct {
	// DeliveryInterval is the batching tick for non-immediate payloads.
	DeliveryInterval time.Duration
	// RetryInterval is the first replay delay; it doubles while replays keep
	// failing, up to MaxRetryInterval.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
	// ImmediateTypes are sent as soon as intake reports them.
	ImmediateTypes []payload.Type
	InitialStatus  connectivity.Status
	// StateTTL bounds how long terminal states stay queryable.
	StateTTL time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DeliveryInterval: 30 * time.Second,
		RetryInterval:    120 * time.Second,
		MaxRetryInterval: time.Hour,
		ImmediateTypes:   []payload.Type{payload.TypeNativeCrash},
		InitialStatus:    connectivity.Unknown,
		StateTTL:         10 * time.Minute,
	}
}

var errEndpointBlocked = errors.New("endpoint blocked by server back-off")

// Scheduler owns delivery decisions for stored payloads.
type Scheduler struct {
	cfg      Config
	store    Store
	queue    RetryQueue
	executor delivery.Executor
	pool     Submitter
	clock    clock.Clock
	logger   *slog.Logger
	recorder diagnostics.Recorder

	immediate  map[payload.Type]bool
	states     *stateTable
	notify     chan payload.Metadata
	replayDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	status        connectivity.Status
	sendCtx       context.Context
	sendCancel    context.CancelFunc
	gated         map[payload.Type]bool
	blocked       map[delivery.Endpoint]time.Time
	passRunning   bool
	passAgain     bool
	passAgainFull bool
	replayRunning bool
	replayAgain   bool
	backoff       time.Duration
	started       bool
}

// Deps are the collaborators a Scheduler is composed from.
type Deps struct {
	Store    Store
	Queue    RetryQueue
	Executor delivery.Executor
	Pool     Submitter
	Clock    clock.Clock
	Logger   *slog.Logger
	Recorder diagnostics.Recorder
}

// New returns a Scheduler. It does nothing until Start.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Store == nil || deps.Queue == nil || deps.Executor == nil || deps.Pool == nil {
		return nil, errors.New("scheduler requires a store, retry queue, executor and worker pool")
	}
	def := DefaultConfig()
	if cfg.DeliveryInterval <= 0 {
		cfg.DeliveryInterval = def.DeliveryInterval
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.MaxRetryInterval < cfg.RetryInterval {
		cfg.MaxRetryInterval = cfg.RetryInterval
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = def.StateTTL
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Recorder == nil {
		deps.Recorder = diagnostics.Discard{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:        cfg,
		store:      deps.Store,
		queue:      deps.Queue,
		executor:   deps.Executor,
		pool:       deps.Pool,
		clock:      deps.Clock,
		logger:     deps.Logger,
		recorder:   deps.Recorder,
		immediate:  make(map[payload.Type]bool),
		states:     newStateTable(cfg.StateTTL),
		notify:     make(chan payload.Metadata, 256),
		replayDone: make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		gated:      make(map[payload.Type]bool),
		blocked:    make(map[delivery.Endpoint]time.Time),
		backoff:    cfg.RetryInterval,
	}
	for _, t := range cfg.ImmediateTypes {
		s.immediate[t] = true
	}
	s.applyStatusLocked(cfg.InitialStatus)
	return s, nil
}

// Start runs the event loop, consuming ready notifications from ready (may be
// nil), and kicks off a first delivery pass and replay for payloads left from
// earlier runs.
func (s *Scheduler) Start(ready <-chan payload.Metadata) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ready)

	s.requestPass(false)
	s.requestReplay()
}

// Stop ends the event loop and cancels any in-flight attempt. Background
// tasks already queued on the pool observe the cancellation and return.
func (s *Scheduler) Stop() {
	s.cancel()
	s.mu.Lock()
	if s.sendCancel != nil {
		s.sendCancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) loop(ready <-chan payload.Metadata) {
	defer s.wg.Done()

	deliveryTicker := time.NewTicker(s.cfg.DeliveryInterval)
	defer deliveryTicker.Stop()
	retryTimer := time.NewTimer(s.currentBackoff())
	defer retryTimer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case meta, ok := <-ready:
			if !ok {
				ready = nil
				continue
			}
			s.onReady(meta)
		case meta := <-s.notify:
			s.onReady(meta)
		case <-deliveryTicker.C:
			s.requestPass(false)
			s.states.sweep(s.clock.Now())
		case <-retryTimer.C:
			s.requestReplay()
			// replayDone rearms it with the updated back-off
			retryTimer.Reset(s.currentBackoff())
		case <-s.replayDone:
			retryTimer.Reset(s.currentBackoff())
		}
	}
}

// Notify reports a payload that became ready outside intake, such as one
// reconciled at startup or dropped into the store by another process.
// Notifications beyond the buffer are dropped; the next tick picks them up.
func (s *Scheduler) Notify(meta payload.Metadata) {
	select {
	case s.notify <- meta:
	default:
		metrics.ReadyNotificationsDropped.Inc()
	}
}

func (s *Scheduler) onReady(meta payload.Metadata) {
	if !meta.Complete || meta.EnvelopeType == payload.EnvelopeCrash {
		return
	}
	key, err := payload.Encode(meta)
	if err != nil {
		return
	}

	s.mu.Lock()
	holding := !s.status.Reachable() || s.gated[meta.PayloadType]
	s.mu.Unlock()

	if holding {
		s.states.mark(key, StateHold, s.clock.Now())
		return
	}
	s.states.mark(key, StateReady, s.clock.Now())
	if s.immediate[meta.PayloadType] {
		s.requestPass(true)
	}
}

// SetConnectivity records a reachability change. Losing the network cancels
// the in-flight attempt; regaining it triggers a delivery pass and a replay.
func (s *Scheduler) SetConnectivity(status connectivity.Status) {
	s.mu.Lock()
	was := s.status
	s.applyStatusLocked(status)
	s.mu.Unlock()

	s.logger.Info("connectivity changed", slog.String("from", was.String()), slog.String("to", status.String()))
	if !was.Reachable() && status.Reachable() {
		s.mu.Lock()
		s.backoff = s.cfg.RetryInterval
		s.mu.Unlock()
		s.signalReplayDone()
		s.requestPass(false)
		s.requestReplay()
	}
}

func (s *Scheduler) applyStatusLocked(status connectivity.Status) {
	s.status = status
	if status.Reachable() {
		metrics.ConnectivityReachable.Set(1)
		if s.sendCtx == nil || s.sendCtx.Err() != nil {
			s.sendCtx, s.sendCancel = context.WithCancel(s.ctx)
		}
		return
	}
	metrics.ConnectivityReachable.Set(0)
	if s.sendCancel != nil {
		s.sendCancel()
	}
	s.sendCtx, s.sendCancel = nil, nil
}

// Connectivity returns the last reported status.
func (s *Scheduler) Connectivity() connectivity.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Gate holds (or releases) delivery of one payload type.
func (s *Scheduler) Gate(t payload.Type, hold bool) {
	s.mu.Lock()
	if hold {
		s.gated[t] = true
	} else {
		delete(s.gated, t)
	}
	s.mu.Unlock()
	s.logger.Info("delivery gate changed", logging.PayloadType(string(t)), slog.Bool("hold", hold))
	if !hold {
		s.requestPass(false)
	}
}

// TriggerDelivery requests a full delivery pass now.
func (s *Scheduler) TriggerDelivery() { s.requestPass(false) }

// TriggerReplay requests a retry queue replay now.
func (s *Scheduler) TriggerReplay() { s.requestReplay() }

// State returns the tracked state of the payload stored under key.
func (s *Scheduler) State(key string) (State, bool) {
	return s.states.get(key)
}

// Idle reports whether no pass or replay is queued or running.
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.passRunning && !s.replayRunning
}

// Stats returns scheduler metrics for the stats endpoint.
func (s *Scheduler) Stats() map[string]interface{} {
	s.mu.Lock()
	blocked := make(map[string]string, len(s.blocked))
	for ep, until := range s.blocked {
		blocked[string(ep)] = until.UTC().Format(time.RFC3339)
	}
	stats := map[string]interface{}{
		"connectivity":   s.status.String(),
		"retry_backoff":  s.backoff.String(),
		"pass_running":   s.passRunning,
		"replay_running": s.replayRunning,
		"blocked":        blocked,
	}
	s.mu.Unlock()
	stats["states"] = s.states.counts()
	return stats
}

func (s *Scheduler) currentSendContext() (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendCtx == nil || s.sendCtx.Err() != nil {
		return nil, false
	}
	return s.sendCtx, true
}

// signalReplayDone asks the loop to rearm the retry timer from the current
// back-off.
func (s *Scheduler) signalReplayDone() {
	select {
	case s.replayDone <- struct{}{}:
	default:
	}
}

func (s *Scheduler) currentBackoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoff
}

func (s *Scheduler) endpointBlocked(ep delivery.Endpoint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.blocked[ep]
	if !ok {
		return false
	}
	if !s.clock.Now().Before(until) {
		delete(s.blocked, ep)
		return false
	}
	return true
}

func (s *Scheduler) blockEndpoint(ep delivery.Endpoint, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until := s.clock.Now().Add(d)
	if cur, ok := s.blocked[ep]; !ok || until.After(cur) {
		s.blocked[ep] = until
	}
	s.logger.Warn("endpoint blocked by server", logging.Endpoint(string(ep)), slog.Duration("retry_after", d))
}

// requestPass schedules a delivery pass, coalescing with one already running.
func (s *Scheduler) requestPass(immediateOnly bool) {
	s.mu.Lock()
	if s.passRunning {
		s.passAgain = true
		if !immediateOnly {
			s.passAgainFull = true
		}
		s.mu.Unlock()
		return
	}
	s.passRunning = true
	s.mu.Unlock()

	err := s.pool.Submit(worker.PriorityDelivery, func(ctx context.Context) {
		s.runPasses(immediateOnly)
	})
	if err != nil {
		s.mu.Lock()
		s.passRunning = false
		s.mu.Unlock()
		s.logger.Warn("delivery pass not scheduled", logging.Error(err))
	}
}

func (s *Scheduler) runPasses(immediateOnly bool) {
	for {
		s.pass(immediateOnly)

		s.mu.Lock()
		if !s.passAgain || s.ctx.Err() != nil {
			s.passRunning = false
			s.passAgain, s.passAgainFull = false, false
			s.mu.Unlock()
			return
		}
		immediateOnly = !s.passAgainFull
		s.passAgain, s.passAgainFull = false, false
		s.mu.Unlock()
	}
}

// pass sends every eligible stored payload in delivery order.
func (s *Scheduler) pass(immediateOnly bool) {
	if _, ok := s.currentSendContext(); !ok {
		return
	}
	metas, err := s.store.List(s.ctx)
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Error("delivery pass could not list payloads", logging.Error(err))
		}
		return
	}

	s.mu.Lock()
	candidates := metas[:0]
	for _, m := range metas {
		if !m.Complete || m.EnvelopeType == payload.EnvelopeCrash {
			continue
		}
		if immediateOnly && !s.immediate[m.PayloadType] {
			continue
		}
		if s.gated[m.PayloadType] {
			continue
		}
		candidates = append(candidates, m)
	}
	s.mu.Unlock()
	payload.SortForDelivery(candidates)

	for _, m := range candidates {
		sendCtx, ok := s.currentSendContext()
		if !ok {
			return
		}
		key := m.Key()
		if s.queue.Contains(key) {
			continue
		}
		if s.endpointBlocked(delivery.EndpointFor(m)) {
			continue
		}
		s.deliver(sendCtx, m, key)
	}
}

func (s *Scheduler) deliver(sendCtx context.Context, meta payload.Metadata, key string) {
	if !s.states.begin(key, s.clock.Now()) {
		return
	}

	body, err := s.store.Load(s.ctx, meta)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.recorder.Record(s.ctx, diagnostics.CodeFileMissing, err)
			s.states.finish(key, StateFailedPermanent, s.clock.Now())
			return
		}
		s.logger.Warn("failed to load payload", logging.PayloadKey(key), logging.Error(err))
		s.states.finish(key, StateReady, s.clock.Now())
		return
	}

	endpoint := delivery.EndpointFor(meta)
	result := s.send(sendCtx, endpoint, body)
	s.logger.Debug("delivery attempt",
		logging.PayloadKey(key),
		logging.Endpoint(string(endpoint)),
		logging.Outcome(result.Outcome.String()),
	)

	switch result.Outcome {
	case delivery.Success:
		if err := s.store.Delete(s.ctx, meta); err != nil {
			s.logger.Warn("failed to delete delivered payload", logging.PayloadKey(key), logging.Error(err))
		}
		s.states.finish(key, StateSent, s.clock.Now())

	case delivery.PermanentFailure:
		s.recorder.Record(s.ctx, diagnostics.CodeDeliveryPermanent, fmt.Errorf("%s: %w", key, result.Err))
		if err := s.store.Delete(s.ctx, meta); err != nil {
			s.logger.Warn("failed to delete rejected payload", logging.PayloadKey(key), logging.Error(err))
		}
		s.states.finish(key, StateFailedPermanent, s.clock.Now())

	default:
		req := retry.Request{PayloadKey: key, Endpoint: endpoint, Body: body}
		if result.Err != nil {
			req.LastError = result.Err.Error()
		}
		if err := s.queue.Enqueue(s.ctx, req); err != nil {
			s.logger.Error("failed to queue payload for retry", logging.PayloadKey(key), logging.Error(err))
		}
		s.states.finish(key, StateFailedRetryable, s.clock.Now())
	}
}

// send invokes the executor and normalizes the result: a failure observed
// after connectivity was lost is retryable whatever the executor said.
func (s *Scheduler) send(ctx context.Context, endpoint delivery.Endpoint, body []byte) delivery.Result {
	start := time.Now()
	result := s.executor.Send(ctx, endpoint, body)
	metrics.DeliveryDuration.WithLabelValues(string(endpoint)).Observe(time.Since(start).Seconds())

	if result.Outcome != delivery.Success && ctx.Err() != nil {
		result.Outcome = delivery.RetryableFailure
	}
	if result.Outcome == delivery.RetryableFailure && result.RetryAfter > 0 {
		s.blockEndpoint(endpoint, result.RetryAfter)
	}
	metrics.DeliveryAttempts.WithLabelValues(string(endpoint), result.Outcome.String()).Inc()
	return result
}

// requestReplay schedules a retry queue replay, coalescing with one already
// running.
func (s *Scheduler) requestReplay() {
	s.mu.Lock()
	if s.replayRunning {
		s.replayAgain = true
		s.mu.Unlock()
		return
	}
	s.replayRunning = true
	s.mu.Unlock()

	err := s.pool.Submit(worker.PriorityReplay, func(ctx context.Context) {
		s.runReplays()
	})
	if err != nil {
		s.mu.Lock()
		s.replayRunning = false
		s.mu.Unlock()
		s.logger.Warn("replay not scheduled", logging.Error(err))
	}
}

func (s *Scheduler) runReplays() {
	for {
		s.replay()

		s.mu.Lock()
		if !s.replayAgain || s.ctx.Err() != nil {
			s.replayRunning = false
			s.replayAgain = false
			s.mu.Unlock()
			s.signalReplayDone()
			return
		}
		s.replayAgain = false
		s.mu.Unlock()
	}
}

func (s *Scheduler) replay() {
	sendCtx, ok := s.currentSendContext()
	if !ok {
		return
	}
	outcomes, err := s.queue.ReplayAll(sendCtx, s.replaySend)
	if err != nil {
		s.logger.Error("retry replay failed", logging.Error(err))
		return
	}

	retained := 0
	for _, o := range outcomes {
		key := o.Request.PayloadKey
		if !o.Removed {
			retained++
			if key != "" {
				s.states.mark(key, StateFailedRetryable, s.clock.Now())
			}
			continue
		}
		if key == "" {
			continue
		}
		// successes and rejections were deleted by replaySend; this covers
		// requests dropped after their last attempt
		if err := s.store.DeleteKey(s.ctx, key); err != nil {
			s.logger.Warn("failed to delete replayed payload", logging.PayloadKey(key), logging.Error(err))
		}
		if o.Result.Outcome == delivery.Success {
			s.states.mark(key, StateSent, s.clock.Now())
		} else {
			s.states.mark(key, StateFailedPermanent, s.clock.Now())
		}
	}

	s.mu.Lock()
	if retained > 0 {
		s.backoff *= 2
		if s.backoff > s.cfg.MaxRetryInterval {
			s.backoff = s.cfg.MaxRetryInterval
		}
	} else {
		s.backoff = s.cfg.RetryInterval
	}
	s.mu.Unlock()

	if len(outcomes) > 0 {
		s.logger.Info("replayed pending deliveries",
			logging.Count(len(outcomes)),
			slog.Int("retained", retained),
		)
	}
}

func (s *Scheduler) replaySend(ctx context.Context, req retry.Request) delivery.Result {
	if s.endpointBlocked(req.Endpoint) {
		return delivery.Retryable(fmt.Errorf("%w: %w", retry.ErrDeferred, errEndpointBlocked))
	}
	if req.PayloadKey != "" {
		if !s.states.begin(req.PayloadKey, s.clock.Now()) {
			return delivery.Retryable(retry.ErrDeferred)
		}
	}
	result := s.send(ctx, req.Endpoint, req.Body)
	if req.PayloadKey == "" {
		return result
	}
	st := StateFailedRetryable
	switch result.Outcome {
	case delivery.Success:
		st = StateSent
	case delivery.PermanentFailure:
		st = StateFailedPermanent
	}
	// the payload must leave the store before its state is released, or a
	// concurrent pass could list it again once the queue drops the request
	if st.Terminal() {
		if err := s.store.DeleteKey(s.ctx, req.PayloadKey); err != nil {
			s.logger.Warn("failed to delete replayed payload", logging.PayloadKey(req.PayloadKey), logging.Error(err))
		}
	}
	s.states.finish(req.PayloadKey, st, s.clock.Now())
	return result
}
