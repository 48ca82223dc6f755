// Package storage is the directory-backed durable store for payload blobs.
// Each blob lives in a file whose name is the encoded payload.Metadata, so a
// directory listing is enough to recover every record's metadata.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/courier/common/logging"
	"github.com/telhawk-systems/courier/courier/internal/diagnostics"
	"github.com/telhawk-systems/courier/courier/internal/metrics"
	"github.com/telhawk-systems/courier/courier/internal/payload"
)

// ErrNotFound is returned by Load when the payload file does not exist.
var ErrNotFound = errors.New("payload not found")

const (
	payloadsDir = "payloads"
	tmpDir      = "tmp"
	tmpPattern  = "payload-*.tmp"
	// Upper bound on remembered self-written keys while a watcher is active.
	maxOwnKeys = 4096
)

// Store persists payload blobs under root.
type Store struct {
	root       string
	payloadDir string
	tmpDir     string
	logger     *slog.Logger
	recorder   diagnostics.Recorder

	written atomic.Uint64
	deleted atomic.Uint64

	watching atomic.Bool
	ownMu    sync.Mutex
	own      map[string]struct{}
}

// Open prepares root for use, creating directories and clearing temporary
// files left behind by an interrupted write.
func Open(root string, logger *slog.Logger, recorder diagnostics.Recorder) (*Store, error) {
	if root == "" {
		return nil, errors.New("storage root is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = diagnostics.Discard{}
	}

	s := &Store{
		root:       root,
		payloadDir: filepath.Join(root, payloadsDir),
		tmpDir:     filepath.Join(root, tmpDir),
		logger:     logger,
		recorder:   recorder,
		own:        make(map[string]struct{}),
	}
	for _, dir := range []string{s.payloadDir, s.tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	leftovers, _ := filepath.Glob(filepath.Join(s.tmpDir, tmpPattern))
	for _, f := range leftovers {
		_ = os.Remove(f)
	}
	if len(leftovers) > 0 {
		logger.Info("removed interrupted writes", logging.Count(len(leftovers)))
	}
	return s, nil
}

// Root returns the storage root directory.
func (s *Store) Root() string { return s.root }

// Store writes body under meta's key. The blob is written to a temporary file
// and renamed into place, so a partial file is never visible to List or Load.
func (s *Store) Store(ctx context.Context, meta payload.Metadata, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := payload.Encode(meta)
	if err != nil {
		return err
	}
	start := time.Now()

	f, err := os.CreateTemp(s.tmpDir, tmpPattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := f.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := f.Write(body); err != nil {
		_ = f.Close()
		cleanup()
		return fmt.Errorf("write payload: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		cleanup()
		return fmt.Errorf("sync payload: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close payload: %w", err)
	}

	if s.watching.Load() {
		s.rememberOwn(key)
	}
	if err := os.Rename(tmpName, filepath.Join(s.payloadDir, key)); err != nil {
		cleanup()
		s.forgetOwn(key)
		return fmt.Errorf("commit payload: %w", err)
	}

	s.written.Add(1)
	metrics.StoreWriteDuration.Observe(time.Since(start).Seconds())
	return nil
}

// List returns the metadata of every stored payload in key order without
// reading any bodies. Names that fail to decode are recorded, deleted and
// skipped.
func (s *Store) List(ctx context.Context) ([]payload.Metadata, error) {
	entries, err := os.ReadDir(s.payloadDir)
	if err != nil {
		return nil, fmt.Errorf("read payload directory: %w", err)
	}

	metas := make([]payload.Metadata, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		meta, err := payload.Decode(entry.Name())
		if err != nil {
			s.recorder.Record(ctx, diagnostics.CodeCorruptKey, err)
			if rmErr := os.Remove(filepath.Join(s.payloadDir, entry.Name())); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				s.logger.Warn("failed to remove corrupt payload", logging.PayloadKey(entry.Name()), logging.Error(rmErr))
			}
			continue
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

// Load returns the blob stored for meta, or ErrNotFound.
func (s *Store) Load(ctx context.Context, meta payload.Metadata) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := payload.Encode(meta)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.payloadDir, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("read payload %s: %w", key, err)
	}
	return data, nil
}

// Exists reports whether meta is currently stored.
func (s *Store) Exists(meta payload.Metadata) bool {
	key, err := payload.Encode(meta)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(s.payloadDir, key))
	return err == nil
}

// Delete removes meta's blob. Deleting a missing payload is not an error.
func (s *Store) Delete(ctx context.Context, meta payload.Metadata) error {
	key, err := payload.Encode(meta)
	if err != nil {
		return err
	}
	return s.DeleteKey(ctx, key)
}

// DeleteKey removes the blob stored under key.
func (s *Store) DeleteKey(_ context.Context, key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) {
		return fmt.Errorf("invalid payload key %q", key)
	}
	if err := os.Remove(filepath.Join(s.payloadDir, key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("delete payload %s: %w", key, err)
	}
	s.deleted.Add(1)
	return nil
}

// Stats summarizes the store for the stats endpoint and CLI.
func (s *Store) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"root":    s.root,
		"written": s.written.Load(),
		"deleted": s.deleted.Load(),
	}

	entries, err := os.ReadDir(s.payloadDir)
	if err != nil {
		return stats
	}
	var files int
	var size int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		files++
		if info, err := entry.Info(); err == nil {
			size += info.Size()
		}
	}
	stats["payloads"] = files
	stats["bytes"] = size
	return stats
}

func (s *Store) rememberOwn(key string) {
	s.ownMu.Lock()
	defer s.ownMu.Unlock()
	if len(s.own) >= maxOwnKeys {
		s.own = make(map[string]struct{})
	}
	s.own[key] = struct{}{}
}

func (s *Store) forgetOwn(key string) {
	s.ownMu.Lock()
	delete(s.own, key)
	s.ownMu.Unlock()
}

// consumeOwn reports whether key was written by this Store and forgets it.
func (s *Store) consumeOwn(key string) bool {
	s.ownMu.Lock()
	defer s.ownMu.Unlock()
	if _, ok := s.own[key]; ok {
		delete(s.own, key)
		return true
	}
	return false
}
