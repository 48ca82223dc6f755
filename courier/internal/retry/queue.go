// Package retry holds delivery requests that failed for retryable reasons
// until a replay delivers them, a permanent failure rejects them or they run
// out of attempts. Requests are persisted one file each so they survive a
// process restart.
package retry

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/telhawk-systems/courier/common/clock"
	"github.com/telhawk-systems/courier/common/logging"
	"github.com/telhawk-systems/courier/courier/internal/delivery"
	"github.com/telhawk-systems/courier/courier/internal/diagnostics"
	"github.com/telhawk-systems/courier/courier/internal/metrics"
)

// ErrDigestMismatch reports a request whose body no longer matches the digest
// recorded at enqueue time.
var ErrDigestMismatch = errors.New("pending request body digest mismatch")

// ErrDeferred may be returned by a SendFunc that chose not to attempt the
// request this round. The request stays queued without using an attempt.
var ErrDeferred = errors.New("delivery deferred")

const (
	filePrefix = "pending_"
	fileSuffix = ".json"
	// DefaultMaxAttempts bounds how often one request is tried.
	DefaultMaxAttempts = 10
)

// Request is a serialized outbound delivery awaiting replay.
type Request struct {
	ID  string `json:"id"`
	Seq uint64 `json:"seq"`
	// PayloadKey is the store key of the payload this request delivers.
	PayloadKey  string            `json:"payload_key,omitempty"`
	Endpoint    delivery.Endpoint `json:"endpoint"`
	Body        []byte            `json:"body"`
	Digest      string            `json:"digest"`
	CreatedAt   int64             `json:"created_at"`
	Attempts    int               `json:"attempts"`
	LastAttempt int64             `json:"last_attempt,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
}

// SendFunc performs one replay attempt.
type SendFunc func(ctx context.Context, req Request) delivery.Result

// Outcome is the fate of one request during a replay.
type Outcome struct {
	Request Request
	Result  delivery.Result
	// Removed is true when the request left the queue.
	Removed bool
}

// Config holds queue configuration.
type Config struct {
	Dir         string
	MaxAttempts int
	Clock       clock.Clock
	Logger      *slog.Logger
	Recorder    diagnostics.Recorder
}

// Queue is a durable FIFO of pending delivery requests.
type Queue struct {
	dir         string
	maxAttempts int
	clock       clock.Clock
	logger      *slog.Logger
	recorder    diagnostics.Recorder

	// serializes replays
	replayMu sync.Mutex

	mu        sync.Mutex
	nextSeq   uint64
	files     map[uint64]string
	byPayload map[string]uint64
}

// Open loads the queue persisted in cfg.Dir, creating the directory if needed.
func Open(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.Dir == "" {
		return nil, errors.New("retry queue directory is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = diagnostics.Discard{}
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create retry queue directory: %w", err)
	}

	q := &Queue{
		dir:         cfg.Dir,
		maxAttempts: cfg.MaxAttempts,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		recorder:    cfg.Recorder,
		nextSeq:     1,
		files:       make(map[uint64]string),
		byPayload:   make(map[string]uint64),
	}
	if err := q.load(ctx); err != nil {
		return nil, err
	}
	metrics.RetryQueueDepth.Set(float64(len(q.files)))
	return q, nil
}

func (q *Queue) load(ctx context.Context) error {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return fmt.Errorf("read retry queue directory: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(name, ".tmp") {
			_ = os.Remove(filepath.Join(q.dir, name))
			continue
		}
		req, err := q.readFile(name)
		if err != nil {
			q.recorder.Record(ctx, diagnostics.CodeParseFailure, fmt.Errorf("pending request %s: %w", name, err))
			_ = os.Remove(filepath.Join(q.dir, name))
			continue
		}
		q.files[req.Seq] = name
		if req.PayloadKey != "" {
			q.byPayload[req.PayloadKey] = req.Seq
		}
		if req.Seq >= q.nextSeq {
			q.nextSeq = req.Seq + 1
		}
	}
	return nil
}

func fileName(seq uint64, created int64) string {
	return fmt.Sprintf("%s%020d_%d%s", filePrefix, seq, created, fileSuffix)
}

// Digest returns the hex BLAKE2b-256 digest of body.
func Digest(body []byte) string {
	sum := blake2b.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Enqueue persists req at the tail of the queue. A request for a payload key
// that is already queued is ignored.
func (q *Queue) Enqueue(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if req.PayloadKey != "" {
		if _, ok := q.byPayload[req.PayloadKey]; ok {
			return nil
		}
	}

	now := q.clock.Now().UnixMilli()
	req.Seq = q.nextSeq
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt == 0 {
		req.CreatedAt = now
	}
	if req.Attempts == 0 {
		req.Attempts = 1
		req.LastAttempt = now
	}
	req.Digest = Digest(req.Body)

	name := fileName(req.Seq, req.CreatedAt)
	if err := q.writeFile(name, req); err != nil {
		return err
	}
	q.nextSeq++
	q.files[req.Seq] = name
	if req.PayloadKey != "" {
		q.byPayload[req.PayloadKey] = req.Seq
	}
	metrics.RetryQueueDepth.Set(float64(len(q.files)))
	q.logger.Debug("queued delivery for retry",
		logging.PayloadKey(req.PayloadKey),
		logging.Endpoint(string(req.Endpoint)),
		slog.Uint64("seq", req.Seq),
	)
	return nil
}

// Contains reports whether a request for payloadKey is queued.
func (q *Queue) Contains(payloadKey string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byPayload[payloadKey]
	return ok
}

// Len returns the number of queued requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.files)
}

// Pending returns every queued request in FIFO order. Unreadable entries are
// dropped and recorded.
func (q *Queue) Pending(ctx context.Context) ([]Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	names := make([]string, 0, len(q.files))
	for _, name := range q.files {
		names = append(names, name)
	}
	// zero-padded sequence numbers sort lexically
	sort.Strings(names)

	reqs := make([]Request, 0, len(names))
	for _, name := range names {
		req, err := q.readFile(name)
		if err != nil {
			q.recorder.Record(ctx, diagnostics.CodeParseFailure, fmt.Errorf("pending request %s: %w", name, err))
			q.removeLocked(seqOf(q.files, name))
			continue
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// ReplayAll sends every queued request in FIFO order. Successes and permanent
// failures leave the queue; retryable failures stay with their attempt count
// raised until the maximum is reached. Replay stops early when ctx is done;
// unvisited requests stay queued.
func (q *Queue) ReplayAll(ctx context.Context, send SendFunc) ([]Outcome, error) {
	q.replayMu.Lock()
	defer q.replayMu.Unlock()

	reqs, err := q.Pending(ctx)
	if err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, 0, len(reqs))
	for _, req := range reqs {
		if ctx.Err() != nil {
			break
		}
		if req.Digest != Digest(req.Body) {
			q.recorder.Record(ctx, diagnostics.CodeParseFailure, fmt.Errorf("%w: seq %d", ErrDigestMismatch, req.Seq))
			q.remove(req.Seq)
			outcomes = append(outcomes, Outcome{Request: req, Result: delivery.Permanent(ErrDigestMismatch), Removed: true})
			continue
		}

		result := send(ctx, req)
		outcome := Outcome{Request: req, Result: result}
		metrics.RetryReplays.WithLabelValues(result.Outcome.String()).Inc()

		switch result.Outcome {
		case delivery.Success:
			q.remove(req.Seq)
			outcome.Removed = true
		case delivery.PermanentFailure:
			q.recorder.Record(ctx, diagnostics.CodeDeliveryPermanent, fmt.Errorf("replay %s seq %d: %v", req.Endpoint, req.Seq, result.Err))
			q.remove(req.Seq)
			outcome.Removed = true
		default:
			if errors.Is(result.Err, ErrDeferred) {
				break
			}
			req.Attempts++
			req.LastAttempt = q.clock.Now().UnixMilli()
			if result.Err != nil {
				req.LastError = result.Err.Error()
			}
			outcome.Request = req
			if req.Attempts >= q.maxAttempts {
				q.recorder.Record(ctx, diagnostics.CodeDeliveryExhausted,
					fmt.Errorf("replay %s seq %d: gave up after %d attempts: %v", req.Endpoint, req.Seq, req.Attempts, result.Err))
				q.remove(req.Seq)
				outcome.Removed = true
			} else if err := q.update(req); err != nil {
				q.logger.Warn("failed to persist retry attempt", slog.Uint64("seq", req.Seq), logging.Error(err))
			}
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// Remove deletes the request with the given sequence number.
func (q *Queue) Remove(seq uint64) {
	q.remove(seq)
}

// Purge deletes every queued request and returns how many were removed.
func (q *Queue) Purge() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for seq := range q.files {
		q.removeLocked(seq)
		n++
	}
	return n
}

// Stats returns queue metrics.
func (q *Queue) Stats() map[string]interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return map[string]interface{}{
		"pending":      len(q.files),
		"next_seq":     q.nextSeq,
		"max_attempts": q.maxAttempts,
		"dir":          q.dir,
	}
}

func (q *Queue) update(req Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	name, ok := q.files[req.Seq]
	if !ok {
		return nil
	}
	return q.writeFile(name, req)
}

func (q *Queue) remove(seq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(seq)
}

func (q *Queue) removeLocked(seq uint64) {
	name, ok := q.files[seq]
	if !ok {
		return
	}
	if err := os.Remove(filepath.Join(q.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		q.logger.Warn("failed to remove pending request", slog.String("file", name), logging.Error(err))
	}
	delete(q.files, seq)
	for key, s := range q.byPayload {
		if s == seq {
			delete(q.byPayload, key)
		}
	}
	metrics.RetryQueueDepth.Set(float64(len(q.files)))
}

func (q *Queue) writeFile(name string, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal pending request: %w", err)
	}
	tmp := filepath.Join(q.dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write pending request: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(q.dir, name)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit pending request: %w", err)
	}
	return nil
}

func (q *Queue) readFile(name string) (Request, error) {
	var seq uint64
	var created int64
	if _, err := fmt.Sscanf(name, filePrefix+"%d_%d"+fileSuffix, &seq, &created); err != nil {
		return Request{}, fmt.Errorf("unexpected file name: %w", err)
	}
	data, err := os.ReadFile(filepath.Join(q.dir, name))
	if err != nil {
		return Request{}, err
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("decode: %w", err)
	}
	if req.Seq != seq {
		return Request{}, fmt.Errorf("sequence %d does not match file name", req.Seq)
	}
	return req, nil
}

func seqOf(files map[uint64]string, name string) uint64 {
	for seq, n := range files {
		if n == name {
			return seq
		}
	}
	return 0
}
