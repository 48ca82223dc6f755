package storage

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/telhawk-systems/courier/common/logging"
	"github.com/telhawk-systems/courier/courier/internal/payload"
)

// Watch calls fn for every payload file that appears in the store directory
// without going through Store, such as a report dropped by an out-of-process
// crash handler. It returns once the watcher is registered; watching stops
// when ctx is done.
func (s *Store) Watch(ctx context.Context, fn func(payload.Metadata)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(s.payloadDir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", s.payloadDir, err)
	}
	s.watching.Store(true)

	go func() {
		defer func() {
			s.watching.Store(false)
			_ = w.Close()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) {
					continue
				}
				name := filepath.Base(ev.Name)
				if s.consumeOwn(name) {
					continue
				}
				meta, err := payload.Decode(name)
				if err != nil {
					// left for List to isolate
					continue
				}
				s.logger.Debug("external payload detected", logging.PayloadKey(name))
				fn(meta)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("payload watcher error", logging.Error(err))
			}
		}
	}()
	return nil
}
