package config

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fsnotify/fsnotify"

	"chestnut/pkg/logx"
)

// reloadDebounce absorbs the burst of events editors emit for a single save.
const reloadDebounce = 250 * time.Millisecond

const watchedOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// Watch reloads the config whenever the file changes until ctx is done. The
// directory is watched, not the file, so rename-on-save editors are seen. A
// broken watcher is recreated with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	w := &watcher{
		m:    m,
		dir:  filepath.Dir(m.path),
		file: filepath.Base(m.path),
		restart: &backoff.ExponentialBackOff{
			InitialInterval:     250 * time.Millisecond,
			RandomizationFactor: 0.5,
			Multiplier:          2,
			MaxInterval:         5 * time.Second,
		},
	}
	w.restart.Reset()
	defer w.cancelPending()

	for ctx.Err() == nil {
		fw, err := w.open()
		if err != nil {
			if !w.pause(ctx, "config watch init failed", err) {
				break
			}
			continue
		}
		w.restart.Reset()
		m.debug("config watcher started", logx.String("dir", w.dir), logx.String("file", w.file))

		err = w.consume(ctx, fw)
		_ = fw.Close()
		if ctx.Err() != nil || !w.pause(ctx, "config watcher stopped; restarting", err) {
			break
		}
	}
	return nil
}

type watcher struct {
	m       *ConfigManager
	dir     string
	file    string
	restart *backoff.ExponentialBackOff

	mu      sync.Mutex
	pending *time.Timer
}

func (w *watcher) open() (*fsnotify.Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(w.dir); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return fw, nil
}

// consume returns when ctx is done or the watcher breaks.
func (w *watcher) consume(ctx context.Context, fw *fsnotify.Watcher) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if ev.Op&watchedOps != 0 && strings.EqualFold(filepath.Base(ev.Name), w.file) {
				w.schedule(ctx)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; the file may have changed.
				w.m.warn("config watch overflow; forcing reload", logx.Err(err))
				w.schedule(ctx)
				continue
			}
			w.m.warn("config watch error", logx.Err(err), logx.String("dir", w.dir))
		}
	}
}

// schedule (re)arms the debounce timer.
func (w *watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(reloadDebounce, func() {
		if ctx.Err() == nil {
			w.m.reloadFromWatch(ctx)
		}
	})
}

func (w *watcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
}

// pause waits out the next restart delay. It reports false if ctx ended first.
func (w *watcher) pause(ctx context.Context, msg string, err error) bool {
	wait := w.restart.NextBackOff()
	w.m.warn(msg, logx.Err(err), logx.String("dir", w.dir), logx.Duration("backoff", wait))
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (m *ConfigManager) reloadFromWatch(ctx context.Context) {
	changed, err := m.Reload(ctx)
	switch {
	case err != nil:
		m.warn("config rejected; keeping previous", logx.String("path", m.path), logx.Err(err))
	case !changed:
		m.debug("config unchanged; skipping publish", logx.String("path", m.path))
	default:
		m.debug("config published", logx.String("path", m.path), logx.String("fingerprint", m.Fingerprint()))
	}
}

func (m *ConfigManager) warn(msg string, fields ...logx.Field) {
	if !m.log.IsZero() {
		m.log.Warn(msg, fields...)
	}
}

func (m *ConfigManager) debug(msg string, fields ...logx.Field) {
	if !m.log.IsZero() {
		m.log.Debug(msg, fields...)
	}
}
