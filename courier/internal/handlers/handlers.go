package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/telhawk-systems/courier/common/clock"
	"github.com/telhawk-systems/courier/common/httputil"
	"github.com/telhawk-systems/courier/common/logging"
	"github.com/telhawk-systems/courier/courier/internal/connectivity"
	"github.com/telhawk-systems/courier/courier/internal/diagnostics"
	"github.com/telhawk-systems/courier/courier/internal/envelope"
	"github.com/telhawk-systems/courier/courier/internal/intake"
	"github.com/telhawk-systems/courier/courier/internal/payload"
)

// HeaderProcessID names the submitting process instance. Payloads from a
// process that is no longer running are reconciled at the next start.
const HeaderProcessID = "X-Process-ID"

// Intake accepts envelopes for durable storage.
type Intake interface {
	Take(env intake.Encodable, meta payload.Metadata)
	Stats() intake.Stats
}

// Scheduler is the control surface of the delivery scheduler.
type Scheduler interface {
	SetConnectivity(status connectivity.Status)
	Connectivity() connectivity.Status
	Gate(t payload.Type, hold bool)
	TriggerDelivery()
	TriggerReplay()
	Stats() map[string]interface{}
}

// Diagnostics exposes recorded internal errors.
type Diagnostics interface {
	Recent() []diagnostics.Entry
	Counts() map[diagnostics.Code]int64
}

// StatsFunc reports one component's stats.
type StatsFunc func() map[string]interface{}

// Config wires a Handler.
type Config struct {
	Intake      Intake
	Scheduler   Scheduler
	Diagnostics Diagnostics
	// Components adds named sections to the stats response.
	Components   map[string]StatsFunc
	ProcessID    string
	MaxBodyBytes int64
	Clock        clock.Clock
	Logger       *slog.Logger
	// Ready reports whether startup reconciliation has finished.
	Ready func() bool
}

// Handler serves the agent API.
type Handler struct {
	intake      Intake
	scheduler   Scheduler
	diagnostics Diagnostics
	components  map[string]StatsFunc
	processID   string
	maxBody     int64
	clock       clock.Clock
	logger      *slog.Logger
	ready       func() bool
}

func NewHandler(cfg Config) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Ready == nil {
		cfg.Ready = func() bool { return true }
	}
	return &Handler{
		intake:      cfg.Intake,
		scheduler:   cfg.Scheduler,
		diagnostics: cfg.Diagnostics,
		components:  cfg.Components,
		processID:   cfg.ProcessID,
		maxBody:     cfg.MaxBodyBytes,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		ready:       cfg.Ready,
	}
}

// acceptedResponse acknowledges a queued envelope.
type acceptedResponse struct {
	Key  string `json:"key"`
	UUID string `json:"uuid"`
}

// SubmitSession handles POST /v1/envelopes/session. ?complete=false stores a
// snapshot of a session that is still running.
func (h *Handler) SubmitSession(w http.ResponseWriter, r *http.Request) {
	var env envelope.Envelope[envelope.SessionData]
	if !h.decode(w, r, &env) {
		return
	}
	if env.Data.SessionID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	complete := httputil.ParseBoolParam(r.URL.Query().Get("complete"), true)
	if complete && env.Data.EndState == "" {
		env.Data.EndState = envelope.EndStateNormal
	}
	h.take(w, r, stamp(env, envelope.TypeSpans), payload.Metadata{
		UUID:         env.Data.SessionID,
		EnvelopeType: payload.EnvelopeSession,
		PayloadType:  payload.TypeSession,
		Complete:     complete,
	})
}

// SubmitLogs handles POST /v1/envelopes/log.
func (h *Handler) SubmitLogs(w http.ResponseWriter, r *http.Request) {
	var env envelope.Envelope[envelope.LogBatch]
	if !h.decode(w, r, &env) {
		return
	}
	if len(env.Data.Logs) == 0 {
		httputil.WriteError(w, http.StatusBadRequest, "at least one log is required")
		return
	}
	h.take(w, r, stamp(env, envelope.TypeLogs), payload.Metadata{
		UUID:         uuid.NewString(),
		EnvelopeType: payload.EnvelopeLog,
		PayloadType:  payload.TypeLog,
		Complete:     true,
	})
}

// SubmitCrash handles POST /v1/envelopes/crash. Crash records are held until
// the next start attaches them to the session they ended.
func (h *Handler) SubmitCrash(w http.ResponseWriter, r *http.Request) {
	var env envelope.Envelope[envelope.CrashRecord]
	if !h.decode(w, r, &env) {
		return
	}
	if env.Data.CrashID == "" {
		env.Data.CrashID = uuid.NewString()
	}
	if env.Data.Timestamp == 0 {
		env.Data.Timestamp = clock.NowMillis(h.clock)
	}
	h.take(w, r, stamp(env, envelope.TypeCrash), payload.Metadata{
		UUID:         env.Data.CrashID,
		EnvelopeType: payload.EnvelopeCrash,
		PayloadType:  payload.TypeNativeCrash,
		Complete:     true,
	})
}

func stamp[T any](env envelope.Envelope[T], typ string) envelope.Envelope[T] {
	env.Version = envelope.SchemaVersion
	env.Type = typ
	return env
}

func (h *Handler) take(w http.ResponseWriter, r *http.Request, env intake.Encodable, meta payload.Metadata) {
	meta.Timestamp = clock.NowMillis(h.clock)
	meta.ProcessID = r.Header.Get(HeaderProcessID)
	if meta.ProcessID == "" {
		meta.ProcessID = h.processID
	}
	if err := meta.Validate(); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.intake.Take(env, meta)
	httputil.WriteAccepted(w, acceptedResponse{Key: meta.Key(), UUID: meta.UUID})
}

// decode reads a JSON envelope, gzip-compressed when Content-Encoding says so.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("envelope exceeds %d bytes", tooLarge.Limit))
			return false
		}
		httputil.WriteError(w, http.StatusBadRequest, "failed to read body")
		return false
	}
	if len(body) == 0 {
		httputil.WriteError(w, http.StatusBadRequest, "empty body")
		return false
	}

	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		err = envelope.Unmarshal(body, v)
	} else {
		err = json.Unmarshal(body, v)
	}
	if err != nil {
		h.logger.Debug("rejected envelope", logging.Error(err))
		httputil.WriteError(w, http.StatusBadRequest, "invalid envelope: "+err.Error())
		return false
	}
	return true
}

type connectivityRequest struct {
	Status string `json:"status"`
}

// SetConnectivity handles PUT /v1/connectivity.
func (h *Handler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req connectivityRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status, err := connectivity.Parse(req.Status)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.scheduler.SetConnectivity(status)
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"reachable": status.Reachable(),
	})
}

// GetConnectivity handles GET /v1/connectivity.
func (h *Handler) GetConnectivity(w http.ResponseWriter, r *http.Request) {
	status := h.scheduler.Connectivity()
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"reachable": status.Reachable(),
	})
}

type gateRequest struct {
	Hold bool `json:"hold"`
}

// SetGate handles PUT /v1/gates/{type}.
func (h *Handler) SetGate(w http.ResponseWriter, r *http.Request) {
	t, err := payload.ParseType(r.PathValue("type"))
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	var req gateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.scheduler.Gate(t, req.Hold)
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"type": t, "hold": req.Hold})
}

// Flush handles POST /v1/delivery/flush: a delivery pass and a retry replay
// are requested immediately.
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	h.scheduler.TriggerDelivery()
	h.scheduler.TriggerReplay()
	httputil.WriteAccepted(w, map[string]string{"status": "scheduled"})
}

// Stats handles GET /v1/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"process_id": h.processID,
		"intake":     h.intake.Stats(),
		"scheduler":  h.scheduler.Stats(),
	}
	if h.diagnostics != nil {
		stats["errors"] = h.diagnostics.Counts()
	}
	for name, fn := range h.components {
		stats[name] = fn()
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

// Errors handles GET /v1/errors?limit=N, newest last.
func (h *Handler) Errors(w http.ResponseWriter, r *http.Request) {
	if h.diagnostics == nil {
		httputil.WriteJSON(w, http.StatusOK, []diagnostics.Entry{})
		return
	}
	entries := h.diagnostics.Recent()
	limit := httputil.ParseIntParam(r.URL.Query().Get("limit"), len(entries))
	if limit >= 0 && limit < len(entries) {
		entries = entries[len(entries)-limit:]
	}
	httputil.WriteJSON(w, http.StatusOK, entries)
}

// Health handles /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles /readyz; it fails until startup reconciliation is done.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.ready() {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
