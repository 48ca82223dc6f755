package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/courier/courier/internal/connectivity"
	"github.com/telhawk-systems/courier/courier/internal/delivery"
	"github.com/telhawk-systems/courier/courier/internal/diagnostics"
	"github.com/telhawk-systems/courier/courier/internal/payload"
	"github.com/telhawk-systems/courier/courier/internal/retry"
	"github.com/telhawk-systems/courier/courier/internal/storage"
	"github.com/telhawk-systems/courier/courier/internal/worker"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// recordingExecutor records every body it is asked to send and answers with
// the configured result.
type recordingExecutor struct {
	mu      sync.Mutex
	sent    []string
	result  func(endpoint delivery.Endpoint, body string) delivery.Result
	delay   time.Duration
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (e *recordingExecutor) Send(ctx context.Context, endpoint delivery.Endpoint, body []byte) delivery.Result {
	n := e.active.Add(1)
	defer e.active.Add(-1)
	for {
		cur := e.maxSeen.Load()
		if n <= cur || e.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}

	e.mu.Lock()
	e.sent = append(e.sent, string(body))
	fn := e.result
	e.mu.Unlock()
	if fn == nil {
		return delivery.Succeeded()
	}
	return fn(endpoint, string(body))
}

func (e *recordingExecutor) setResult(fn func(delivery.Endpoint, string) delivery.Result) {
	e.mu.Lock()
	e.result = fn
	e.mu.Unlock()
}

func (e *recordingExecutor) bodies() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.sent...)
}

type harness struct {
	store   *storage.Store
	queue   *retry.Queue
	exec    *recordingExecutor
	tracker *diagnostics.Tracker
	sched   *Scheduler
}

func newHarness(t *testing.T, cfg Config, workers int) *harness {
	t.Helper()
	tracker := diagnostics.NewTracker(nil)
	store, err := storage.Open(t.TempDir(), nil, tracker)
	require.NoError(t, err)
	queue, err := retry.Open(context.Background(), retry.Config{Dir: t.TempDir(), Recorder: tracker})
	require.NoError(t, err)

	pool := worker.New(worker.Config{Workers: workers, QueueSize: 16})
	pool.Start()

	exec := &recordingExecutor{}
	sched, err := New(cfg, Deps{
		Store:    store,
		Queue:    queue,
		Executor: exec,
		Pool:     pool,
		Recorder: tracker,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		sched.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})
	return &harness{store: store, queue: queue, exec: exec, tracker: tracker, sched: sched}
}

func (h *harness) put(t *testing.T, meta payload.Metadata) payload.Metadata {
	t.Helper()
	require.NoError(t, h.store.Store(context.Background(), meta, []byte(meta.UUID)))
	return meta
}

func (h *harness) stored(t *testing.T) int {
	t.Helper()
	metas, err := h.store.List(context.Background())
	require.NoError(t, err)
	return len(metas)
}

func session(ts int64, id string) payload.Metadata {
	return payload.Metadata{Timestamp: ts, UUID: id, ProcessID: "P1", EnvelopeType: payload.EnvelopeSession, PayloadType: payload.TypeSession, Complete: true}
}

func logBatch(ts int64, id string) payload.Metadata {
	return payload.Metadata{Timestamp: ts, UUID: id, ProcessID: "P1", EnvelopeType: payload.EnvelopeLog, PayloadType: payload.TypeLog, Complete: true}
}

func nativeCrash(ts int64, id string) payload.Metadata {
	return payload.Metadata{Timestamp: ts, UUID: id, ProcessID: "P1", EnvelopeType: payload.EnvelopeLog, PayloadType: payload.TypeNativeCrash, Complete: true}
}

func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.DeliveryInterval = time.Hour
	cfg.RetryInterval = time.Hour
	return cfg
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)
}

func TestStart_DeliversStoredPayloadsInPriorityOrder(t *testing.T) {
	h := newHarness(t, quietConfig(), 1)
	h.put(t, logBatch(100, "log-old"))
	h.put(t, session(300, "session-new"))
	h.put(t, session(200, "session-old"))
	h.put(t, nativeCrash(400, "crash"))
	h.put(t, logBatch(50, "log-older"))
	// snapshots and crash records are never sent directly
	h.put(t, payload.Metadata{Timestamp: 10, UUID: "snap", ProcessID: "P1", EnvelopeType: payload.EnvelopeSession, PayloadType: payload.TypeSession})
	h.put(t, payload.Metadata{Timestamp: 20, UUID: "raw-crash", ProcessID: "P0", EnvelopeType: payload.EnvelopeCrash, PayloadType: payload.TypeNativeCrash, Complete: true})

	h.sched.Start(nil)

	assert.Eventually(t, func() bool { return len(h.exec.bodies()) == 5 }, waitFor, tick)
	assert.Equal(t, []string{"crash", "session-old", "session-new", "log-older", "log-old"}, h.exec.bodies())
	assert.Eventually(t, func() bool { return h.stored(t) == 2 }, waitFor, tick)

	st, ok := h.sched.State(session(200, "session-old").Key())
	require.True(t, ok)
	assert.Equal(t, StateSent, st)
}

func TestUnreachable_HoldsUntilReconnect(t *testing.T) {
	cfg := quietConfig()
	cfg.InitialStatus = connectivity.Unreachable
	h := newHarness(t, cfg, 2)
	h.put(t, session(100, "s1"))

	h.sched.Start(nil)
	assert.Never(t, func() bool { return len(h.exec.bodies()) > 0 }, 100*time.Millisecond, tick)
	assert.Equal(t, connectivity.Unreachable, h.sched.Connectivity())

	h.sched.SetConnectivity(connectivity.WiFi)
	assert.Eventually(t, func() bool { return len(h.exec.bodies()) == 1 }, waitFor, tick)
	assert.Eventually(t, func() bool { return h.stored(t) == 0 }, waitFor, tick)
}

func TestReadyNotification_HeldWhileUnreachable(t *testing.T) {
	cfg := quietConfig()
	cfg.InitialStatus = connectivity.Unreachable
	h := newHarness(t, cfg, 1)
	ready := make(chan payload.Metadata, 1)
	h.sched.Start(ready)

	meta := h.put(t, nativeCrash(100, "c1"))
	ready <- meta
	assert.Eventually(t, func() bool {
		st, ok := h.sched.State(meta.Key())
		return ok && st == StateHold
	}, waitFor, tick)
	assert.Empty(t, h.exec.bodies())
}

func TestUnreachable_CancelsInFlightAttemptAsRetryable(t *testing.T) {
	h := newHarness(t, quietConfig(), 1)
	started := make(chan struct{})
	blocking := delivery.ExecutorFunc(func(ctx context.Context, _ delivery.Endpoint, _ []byte) delivery.Result {
		close(started)
		<-ctx.Done()
		return delivery.Permanent(ctx.Err())
	})
	h.sched.executor = blocking

	meta := h.put(t, session(100, "s1"))
	h.sched.Start(nil)
	<-started
	h.sched.SetConnectivity(connectivity.Unreachable)

	assert.Eventually(t, func() bool { return h.queue.Contains(meta.Key()) }, waitFor, tick)
	st, _ := h.sched.State(meta.Key())
	assert.Equal(t, StateFailedRetryable, st)
	assert.Equal(t, 1, h.stored(t))
	assert.Zero(t, h.tracker.Count(diagnostics.CodeDeliveryPermanent))
}

func TestImmediateType_BypassesBatching(t *testing.T) {
	h := newHarness(t, quietConfig(), 1)
	ready := make(chan payload.Metadata, 4)
	h.sched.Start(ready)
	assert.Eventually(t, h.sched.Idle, waitFor, tick)

	logMeta := h.put(t, logBatch(100, "log"))
	ready <- logMeta
	crashMeta := h.put(t, nativeCrash(200, "crash"))
	ready <- crashMeta

	assert.Eventually(t, func() bool { return len(h.exec.bodies()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"crash"}, h.exec.bodies())
	assert.Never(t, func() bool { return len(h.exec.bodies()) > 1 }, 100*time.Millisecond, tick)

	st, ok := h.sched.State(logMeta.Key())
	require.True(t, ok)
	assert.Equal(t, StateReady, st)

	h.sched.TriggerDelivery()
	assert.Eventually(t, func() bool { return len(h.exec.bodies()) == 2 }, waitFor, tick)
}

func TestPermanentFailure_DeletesAndRecords(t *testing.T) {
	h := newHarness(t, quietConfig(), 1)
	h.exec.setResult(func(delivery.Endpoint, string) delivery.Result {
		return delivery.Result{Outcome: delivery.PermanentFailure, StatusCode: 400, Err: fmt.Errorf("bad request")}
	})
	meta := h.put(t, session(100, "s1"))
	h.sched.Start(nil)

	assert.Eventually(t, func() bool { return h.stored(t) == 0 }, waitFor, tick)
	assert.Equal(t, int64(1), h.tracker.Count(diagnostics.CodeDeliveryPermanent))
	assert.False(t, h.queue.Contains(meta.Key()))
	st, _ := h.sched.State(meta.Key())
	assert.Equal(t, StateFailedPermanent, st)
}

func TestRetryableFailure_QueuesThenReplays(t *testing.T) {
	h := newHarness(t, quietConfig(), 1)
	h.exec.setResult(func(delivery.Endpoint, string) delivery.Result {
		return delivery.Retryable(fmt.Errorf("connection reset"))
	})
	meta := h.put(t, session(100, "s1"))
	h.sched.Start(nil)

	assert.Eventually(t, func() bool { return h.queue.Len() == 1 && h.sched.Idle() }, waitFor, tick)
	assert.Equal(t, 1, h.stored(t))

	// later passes skip a payload already owned by the retry queue
	sends := len(h.exec.bodies())
	h.sched.TriggerDelivery()
	assert.Eventually(t, h.sched.Idle, waitFor, tick)
	assert.Equal(t, sends, len(h.exec.bodies()))

	h.exec.setResult(nil)
	h.sched.TriggerReplay()
	assert.Eventually(t, func() bool { return h.queue.Len() == 0 && h.stored(t) == 0 }, waitFor, tick)
	st, _ := h.sched.State(meta.Key())
	assert.Equal(t, StateSent, st)
}

func TestRetryAfter_BlocksEndpoint(t *testing.T) {
	h := newHarness(t, quietConfig(), 1)
	h.exec.setResult(func(ep delivery.Endpoint, _ string) delivery.Result {
		if ep == delivery.EndpointSessions {
			return delivery.Result{Outcome: delivery.RetryableFailure, StatusCode: 429, RetryAfter: time.Hour}
		}
		return delivery.Succeeded()
	})
	h.put(t, session(100, "s1"))
	h.put(t, session(200, "s2"))
	h.put(t, logBatch(300, "l1"))
	h.sched.Start(nil)

	assert.Eventually(t, func() bool { return h.stored(t) == 2 && h.sched.Idle() }, waitFor, tick)
	assert.Equal(t, []string{"s1", "l1"}, h.exec.bodies())

	pending, err := h.queue.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts, "deferred replays do not use attempts")
	assert.Equal(t, map[string]bool{"sessions": true}, blockedSet(h.sched))
}

func blockedSet(s *Scheduler) map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool)
	for ep := range s.blocked {
		out[string(ep)] = true
	}
	return out
}

func TestGate_HoldsType(t *testing.T) {
	h := newHarness(t, quietConfig(), 1)
	h.sched.Gate(payload.TypeSession, true)
	h.put(t, session(100, "s1"))
	h.put(t, logBatch(200, "l1"))
	h.sched.Start(nil)

	assert.Eventually(t, func() bool { return len(h.exec.bodies()) == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return len(h.exec.bodies()) > 1 }, 100*time.Millisecond, tick)

	h.sched.Gate(payload.TypeSession, false)
	assert.Eventually(t, func() bool { return len(h.exec.bodies()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"l1", "s1"}, h.exec.bodies())
}

func TestConcurrentTriggers_AtMostOneAttemptPerPayload(t *testing.T) {
	h := newHarness(t, quietConfig(), 4)
	h.exec.delay = 5 * time.Millisecond
	for i := 0; i < 10; i++ {
		h.put(t, logBatch(int64(100+i), fmt.Sprintf("l%02d", i)))
	}
	h.sched.Start(nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.sched.TriggerDelivery()
			h.sched.TriggerReplay()
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return h.stored(t) == 0 && h.sched.Idle() }, waitFor, tick)
	bodies := h.exec.bodies()
	assert.Len(t, bodies, 10)
	seen := make(map[string]int)
	for _, b := range bodies {
		seen[b]++
	}
	for b, n := range seen {
		assert.Equal(t, 1, n, "payload %s sent more than once", b)
	}
	assert.Equal(t, int32(1), h.exec.maxSeen.Load())
}

func TestStats(t *testing.T) {
	h := newHarness(t, quietConfig(), 1)
	stats := h.sched.Stats()
	assert.Equal(t, "unknown", stats["connectivity"])
	assert.Equal(t, time.Hour.String(), stats["retry_backoff"])
}

func TestReplayAndPass_DeliverEachPayloadOnce(t *testing.T) {
	h := newHarness(t, quietConfig(), 2)

	var mu sync.Mutex
	var sent []string
	var once sync.Once
	bStarted := make(chan struct{})
	release := make(chan struct{})
	h.sched.executor = delivery.ExecutorFunc(func(_ context.Context, _ delivery.Endpoint, body []byte) delivery.Result {
		mu.Lock()
		sent = append(sent, string(body))
		mu.Unlock()
		if string(body) == "B" {
			once.Do(func() { close(bStarted) })
			<-release
		}
		return delivery.Succeeded()
	})

	a := h.put(t, session(100, "A"))
	b := h.put(t, session(200, "B"))
	for _, m := range []payload.Metadata{a, b} {
		require.NoError(t, h.queue.Enqueue(context.Background(), retry.Request{
			PayloadKey: m.Key(),
			Endpoint:   delivery.EndpointSessions,
			Body:       []byte(m.UUID),
		}))
	}

	h.sched.Start(nil)
	<-bStarted

	// a pass while the replay is parked on B must not pick A up again
	h.sched.TriggerDelivery()
	assert.Eventually(t, func() bool {
		h.sched.mu.Lock()
		defer h.sched.mu.Unlock()
		return !h.sched.passRunning
	}, waitFor, tick)

	close(release)
	assert.Eventually(t, func() bool { return h.sched.Idle() && h.queue.Len() == 0 }, waitFor, tick)
	assert.Equal(t, 0, h.stored(t))

	mu.Lock()
	assert.Equal(t, []string{"A", "B"}, sent)
	mu.Unlock()
	st, _ := h.sched.State(a.Key())
	assert.Equal(t, StateSent, st)
}

func retryTimerConfig() Config {
	cfg := quietConfig()
	cfg.RetryInterval = 20 * time.Millisecond
	cfg.MaxRetryInterval = time.Hour
	return cfg
}

func TestRetryTimer_RearmedFromBackoffAfterReplay(t *testing.T) {
	h := newHarness(t, retryTimerConfig(), 1)
	// left over from a run of failing replays
	h.sched.backoff = time.Hour

	// the startup replay finds nothing to retain and resets the back-off
	h.sched.Start(nil)
	assert.Eventually(t, func() bool {
		return h.sched.Idle() && h.sched.Stats()["retry_backoff"] == "20ms"
	}, waitFor, tick)

	require.NoError(t, h.queue.Enqueue(context.Background(), retry.Request{Endpoint: delivery.EndpointSessions, Body: []byte("late")}))
	assert.Eventually(t, func() bool { return len(h.exec.bodies()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"late"}, h.exec.bodies())
}

func TestRetryTimer_RearmedOnReconnect(t *testing.T) {
	cfg := retryTimerConfig()
	cfg.InitialStatus = connectivity.Unreachable
	h := newHarness(t, cfg, 1)
	h.sched.backoff = time.Hour

	h.sched.Start(nil)
	assert.Eventually(t, h.sched.Idle, waitFor, tick)
	assert.Equal(t, "1h0m0s", h.sched.Stats()["retry_backoff"])

	h.sched.SetConnectivity(connectivity.WiFi)
	assert.Eventually(t, h.sched.Idle, waitFor, tick)

	require.NoError(t, h.queue.Enqueue(context.Background(), retry.Request{Endpoint: delivery.EndpointSessions, Body: []byte("late")}))
	assert.Eventually(t, func() bool { return len(h.exec.bodies()) == 1 }, waitFor, tick)
}
