package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/courier/common/clock"
	"github.com/telhawk-systems/courier/courier/internal/connectivity"
	"github.com/telhawk-systems/courier/courier/internal/diagnostics"
	"github.com/telhawk-systems/courier/courier/internal/envelope"
	"github.com/telhawk-systems/courier/courier/internal/intake"
	"github.com/telhawk-systems/courier/courier/internal/payload"
)

type taken struct {
	env  intake.Encodable
	meta payload.Metadata
}

type fakeIntake struct {
	mu    sync.Mutex
	taken []taken
}

func (f *fakeIntake) Take(env intake.Encodable, meta payload.Metadata) {
	f.mu.Lock()
	f.taken = append(f.taken, taken{env: env, meta: meta})
	f.mu.Unlock()
}

func (f *fakeIntake) Stats() intake.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return intake.Stats{Accepted: int64(len(f.taken))}
}

type fakeScheduler struct {
	status   connectivity.Status
	gates    map[payload.Type]bool
	delivers int
	replays  int
}

func (f *fakeScheduler) SetConnectivity(s connectivity.Status) { f.status = s }
func (f *fakeScheduler) Connectivity() connectivity.Status     { return f.status }
func (f *fakeScheduler) Gate(t payload.Type, hold bool) {
	if f.gates == nil {
		f.gates = make(map[payload.Type]bool)
	}
	f.gates[t] = hold
}
func (f *fakeScheduler) TriggerDelivery() { f.delivers++ }
func (f *fakeScheduler) TriggerReplay()   { f.replays++ }
func (f *fakeScheduler) Stats() map[string]interface{} {
	return map[string]interface{}{"connectivity": f.status.String()}
}

var now = time.UnixMilli(1_700_000_000_123)

func newTestHandler(t *testing.T) (*Handler, *fakeIntake, *fakeScheduler, *diagnostics.Tracker) {
	t.Helper()
	in := &fakeIntake{}
	sched := &fakeScheduler{}
	tracker := diagnostics.NewTracker(nil)
	h := NewHandler(Config{
		Intake:       in,
		Scheduler:    sched,
		Diagnostics:  tracker,
		ProcessID:    "agent-1",
		MaxBodyBytes: 1024,
		Clock:        clock.NewFake(now),
		Components: map[string]StatsFunc{
			"store": func() map[string]interface{} { return map[string]interface{}{"payloads": 3} },
		},
	})
	return h, in, sched, tracker
}

func TestSubmitSession(t *testing.T) {
	h, in, _, _ := newTestHandler(t)

	body := `{"resource":{"app_id":"app"},"data":{"session_id":"sess1","start_time":10}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/envelopes/session", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.SubmitSession(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, in.taken, 1)
	meta := in.taken[0].meta
	assert.Equal(t, payload.Metadata{
		Timestamp:    now.UnixMilli(),
		UUID:         "sess1",
		ProcessID:    "agent-1",
		EnvelopeType: payload.EnvelopeSession,
		PayloadType:  payload.TypeSession,
		Complete:     true,
	}, meta)

	var resp acceptedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, meta.Key(), resp.Key)

	blob, err := in.taken[0].env.Encode()
	require.NoError(t, err)
	env, err := envelope.Decode[envelope.SessionData](blob)
	require.NoError(t, err)
	assert.Equal(t, envelope.EndStateNormal, env.Data.EndState)
	assert.Equal(t, envelope.SchemaVersion, env.Version)
	assert.Equal(t, "app", env.Resource.AppID)
}

func TestSubmitSession_Snapshot(t *testing.T) {
	h, in, _, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/envelopes/session?complete=false", strings.NewReader(`{"data":{"session_id":"s1"}}`))
	req.Header.Set(HeaderProcessID, "app-42")
	w := httptest.NewRecorder()
	h.SubmitSession(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.False(t, in.taken[0].meta.Complete)
	assert.Equal(t, "app-42", in.taken[0].meta.ProcessID)
}

func TestSubmit_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		submit func(*Handler) http.HandlerFunc
		body   string
		header map[string]string
		status int
	}{
		{"empty body", func(h *Handler) http.HandlerFunc { return h.SubmitSession }, "", nil, http.StatusBadRequest},
		{"bad json", func(h *Handler) http.HandlerFunc { return h.SubmitSession }, "{", nil, http.StatusBadRequest},
		{"missing session id", func(h *Handler) http.HandlerFunc { return h.SubmitSession }, `{"data":{}}`, nil, http.StatusBadRequest},
		{"reserved char in id", func(h *Handler) http.HandlerFunc { return h.SubmitSession }, `{"data":{"session_id":"a_b"}}`, nil, http.StatusBadRequest},
		{"no logs", func(h *Handler) http.HandlerFunc { return h.SubmitLogs }, `{"data":{"logs":[]}}`, nil, http.StatusBadRequest},
		{"too large", func(h *Handler) http.HandlerFunc { return h.SubmitLogs }, `{"data":{"logs":[{"body":"` + strings.Repeat("x", 2048) + `"}]}}`, nil, http.StatusRequestEntityTooLarge},
		{"bad gzip", func(h *Handler) http.HandlerFunc { return h.SubmitCrash }, "plain", map[string]string{"Content-Encoding": "gzip"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, in, _, _ := newTestHandler(t)
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			tt.submit(h)(w, req)
			assert.Equal(t, tt.status, w.Code)
			assert.Empty(t, in.taken)
		})
	}
}

func TestSubmitLogs_Gzip(t *testing.T) {
	h, in, _, _ := newTestHandler(t)
	blob, err := envelope.Marshal(map[string]interface{}{
		"data": map[string]interface{}{"logs": []map[string]interface{}{{"timestamp": 1, "severity": "info", "body": "hello"}}},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/envelopes/log", bytes.NewReader(blob))
	req.Header.Set("Content-Encoding", "gzip")
	w := httptest.NewRecorder()
	h.SubmitLogs(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	meta := in.taken[0].meta
	assert.Equal(t, payload.EnvelopeLog, meta.EnvelopeType)
	assert.Equal(t, payload.TypeLog, meta.PayloadType)
	assert.NotEmpty(t, meta.UUID)
}

func TestSubmitCrash(t *testing.T) {
	h, in, _, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/envelopes/crash", strings.NewReader(`{"data":{"signal":"SIGABRT"}}`))
	req.Header.Set(HeaderProcessID, "app-7")
	w := httptest.NewRecorder()
	h.SubmitCrash(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	meta := in.taken[0].meta
	assert.Equal(t, payload.EnvelopeCrash, meta.EnvelopeType)
	assert.Equal(t, payload.TypeNativeCrash, meta.PayloadType)
	assert.Equal(t, "app-7", meta.ProcessID)

	blob, err := in.taken[0].env.Encode()
	require.NoError(t, err)
	env, err := envelope.Decode[envelope.CrashRecord](blob)
	require.NoError(t, err)
	assert.Equal(t, meta.UUID, env.Data.CrashID)
	assert.Equal(t, now.UnixMilli(), env.Data.Timestamp)
}

func TestSetConnectivity(t *testing.T) {
	h, _, sched, _ := newTestHandler(t)

	w := httptest.NewRecorder()
	h.SetConnectivity(w, httptest.NewRequest(http.MethodPut, "/v1/connectivity", strings.NewReader(`{"status":"unreachable"}`)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, connectivity.Unreachable, sched.status)
	assert.JSONEq(t, `{"status":"unreachable","reachable":false}`, w.Body.String())

	w = httptest.NewRecorder()
	h.SetConnectivity(w, httptest.NewRequest(http.MethodPut, "/v1/connectivity", strings.NewReader(`{"status":"satellite"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	h.GetConnectivity(w, httptest.NewRequest(http.MethodGet, "/v1/connectivity", nil))
	assert.JSONEq(t, `{"status":"unreachable","reachable":false}`, w.Body.String())
}

func TestFlush(t *testing.T) {
	h, _, sched, _ := newTestHandler(t)
	w := httptest.NewRecorder()
	h.Flush(w, httptest.NewRequest(http.MethodPost, "/v1/delivery/flush", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, sched.delivers)
	assert.Equal(t, 1, sched.replays)
}

func TestStatsAndErrors(t *testing.T) {
	h, _, _, tracker := newTestHandler(t)
	tracker.Record(t.Context(), diagnostics.CodeCorruptKey, assert.AnError)
	tracker.Record(t.Context(), diagnostics.CodeFileMissing, assert.AnError)

	w := httptest.NewRecorder()
	h.Stats(w, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, "agent-1", stats["process_id"])
	assert.Equal(t, map[string]interface{}{"payloads": float64(3)}, stats["store"])
	assert.Equal(t, map[string]interface{}{"corrupt_key": float64(1), "file_missing": float64(1)}, stats["errors"])

	w = httptest.NewRecorder()
	h.Errors(w, httptest.NewRequest(http.MethodGet, "/v1/errors?limit=1", nil))
	var entries []diagnostics.Entry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, diagnostics.CodeFileMissing, entries[0].Code)
}

func TestReady(t *testing.T) {
	ready := false
	h := NewHandler(Config{Intake: &fakeIntake{}, Scheduler: &fakeScheduler{}, Ready: func() bool { return ready }})

	w := httptest.NewRecorder()
	h.Ready(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	ready = true
	w = httptest.NewRecorder()
	h.Ready(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
