package storage_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/courier/courier/internal/diagnostics"
	"github.com/telhawk-systems/courier/courier/internal/payload"
	"github.com/telhawk-systems/courier/courier/internal/storage"
)

func logMeta(ts int64, id string) payload.Metadata {
	return payload.Metadata{
		Timestamp:    ts,
		UUID:         id,
		ProcessID:    "P1",
		EnvelopeType: payload.EnvelopeLog,
		PayloadType:  payload.TypeLog,
		Complete:     true,
	}
}

func openStore(t *testing.T) (*storage.Store, *diagnostics.Tracker) {
	t.Helper()
	tracker := diagnostics.NewTracker(nil)
	s, err := storage.Open(t.TempDir(), nil, tracker)
	require.NoError(t, err)
	return s, tracker
}

func TestOpen(t *testing.T) {
	t.Run("requires root", func(t *testing.T) {
		_, err := storage.Open("", nil, nil)
		assert.Error(t, err)
	})

	t.Run("removes interrupted writes", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(root, "tmp"), 0o755))
		stale := filepath.Join(root, "tmp", "payload-123.tmp")
		require.NoError(t, os.WriteFile(stale, []byte("half"), 0o644))

		_, err := storage.Open(root, nil, nil)
		require.NoError(t, err)
		_, err = os.Stat(stale)
		assert.True(t, errors.Is(err, os.ErrNotExist))
	})
}

func TestStoreLoadDelete(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	meta := logMeta(1000, "a")

	require.NoError(t, s.Store(ctx, meta, []byte("body")))
	assert.True(t, s.Exists(meta))

	got, err := s.Load(ctx, meta)
	require.NoError(t, err)
	assert.Equal(t, []byte("body"), got)

	require.NoError(t, s.Delete(ctx, meta))
	assert.False(t, s.Exists(meta))

	_, err = s.Load(ctx, meta)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	// deleting twice is fine
	assert.NoError(t, s.Delete(ctx, meta))

	entries, err := os.ReadDir(filepath.Join(s.Root(), "tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_RejectsUnencodableMetadata(t *testing.T) {
	s, _ := openStore(t)
	err := s.Store(context.Background(), logMeta(1, "bad_uuid"), []byte("x"))
	assert.Error(t, err)
}

func TestList(t *testing.T) {
	s, tracker := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, logMeta(300, "c"), []byte("3")))
	require.NoError(t, s.Store(ctx, logMeta(100, "a"), []byte("1")))
	require.NoError(t, s.Store(ctx, logMeta(200, "b"), []byte("2")))

	corrupt := filepath.Join(s.Root(), "payloads", "not-a-payload.bin")
	require.NoError(t, os.WriteFile(corrupt, []byte("?"), 0o644))

	metas, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 3)
	assert.Equal(t, []int64{100, 200, 300}, []int64{metas[0].Timestamp, metas[1].Timestamp, metas[2].Timestamp})

	assert.Equal(t, int64(1), tracker.Count(diagnostics.CodeCorruptKey))
	_, err = os.Stat(corrupt)
	assert.True(t, errors.Is(err, os.ErrNotExist), "corrupt entry should be removed")

	stats := s.Stats()
	assert.Equal(t, 3, stats["payloads"])
	assert.Equal(t, uint64(3), stats["written"])
}

func TestStore_ConcurrentWritersNeverExposePartialFiles(t *testing.T) {
	s, tracker := openStore(t)
	ctx := context.Background()
	body := make([]byte, 64*1024)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				meta := logMeta(int64(i*100+j), "w"+string(rune('a'+i)))
				assert.NoError(t, s.Store(ctx, meta, body))
			}
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		metas, err := s.List(ctx)
		require.NoError(t, err)
		for _, m := range metas {
			data, err := s.Load(ctx, m)
			require.NoError(t, err)
			assert.Len(t, data, len(body))
		}
		select {
		case <-done:
			assert.Equal(t, int64(0), tracker.Count(diagnostics.CodeCorruptKey))
			metas, err := s.List(ctx)
			require.NoError(t, err)
			assert.Len(t, metas, 80)
			return
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestWatch(t *testing.T) {
	s, _ := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []string
	require.NoError(t, s.Watch(ctx, func(m payload.Metadata) {
		mu.Lock()
		seen = append(seen, m.UUID)
		mu.Unlock()
	}))

	require.NoError(t, s.Store(ctx, logMeta(1, "own"), []byte("x")))

	external := logMeta(2, "external")
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "payloads", external.Key()), []byte("y"), 0o644))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"external"}, seen)
}
