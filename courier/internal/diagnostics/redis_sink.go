package diagnostics

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout:
//
//	courier:errors:{instance}     - hash of code -> cumulative count
//	courier:errors:instances      - hash of instance -> last flush (unix seconds)
const (
	keyPrefix    = "courier:errors:"
	instancesKey = "courier:errors:instances"
)

// DialRedis connects to redisURL and verifies the connection.
func DialRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// RedisSink batches error counts and flushes them to Redis periodically so
// several agents can be compared from one place.
type RedisSink struct {
	client        *redis.Client
	instanceID    string
	flushInterval time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	pending map[Code]int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisSink starts a sink that flushes every flushInterval.
func NewRedisSink(client *redis.Client, instanceID string, flushInterval time.Duration, logger *slog.Logger) *RedisSink {
	if logger == nil {
		logger = slog.Default()
	}
	if flushInterval <= 0 {
		flushInterval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &RedisSink{
		client:        client,
		instanceID:    instanceID,
		flushInterval: flushInterval,
		logger:        logger,
		pending:       make(map[Code]int64),
		ctx:           ctx,
		cancel:        cancel,
	}

	s.wg.Add(1)
	go s.flushLoop()
	return s
}

// Add accumulates n occurrences of code for the next flush.
func (s *RedisSink) Add(code Code, n int64) {
	s.mu.Lock()
	s.pending[code] += n
	s.mu.Unlock()
}

func (s *RedisSink) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.flush()
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

func (s *RedisSink) flush() {
	s.mu.Lock()
	batch := s.pending
	s.pending = make(map[Code]int64)
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pipe := s.client.TxPipeline()
	for code, n := range batch {
		pipe.HIncrBy(ctx, keyPrefix+s.instanceID, string(code), n)
	}
	pipe.HSet(ctx, instancesKey, s.instanceID, time.Now().Unix())

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("failed to flush internal error counts",
			"instance", s.instanceID,
			"codes", len(batch),
			"error", err,
		)
		// merge back for the next attempt
		s.mu.Lock()
		for code, n := range batch {
			s.pending[code] += n
		}
		s.mu.Unlock()
		return
	}
	s.logger.Debug("flushed internal error counts", "codes", len(batch))
}

// FlushNow forces an immediate flush.
func (s *RedisSink) FlushNow() {
	s.flush()
}

// Pending returns counts not yet flushed.
func (s *RedisSink) Pending() map[Code]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Code]int64, len(s.pending))
	for k, v := range s.pending {
		out[k] = v
	}
	return out
}

// Stop flushes remaining counts and stops the background loop.
func (s *RedisSink) Stop() {
	s.cancel()
	s.wg.Wait()
}

// ReadCounts returns the cumulative counts stored for instanceID.
func ReadCounts(ctx context.Context, client *redis.Client, instanceID string) (map[Code]int64, error) {
	raw, err := client.HGetAll(ctx, keyPrefix+instanceID).Result()
	if err != nil {
		return nil, fmt.Errorf("read error counts: %w", err)
	}
	out := make(map[Code]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse count for %s: %w", k, err)
		}
		out[Code(k)] = n
	}
	return out, nil
}
