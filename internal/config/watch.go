package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ManifestWatcher monitors the warmup manifest and invokes the supplied
// callback whenever its rows change. Stop must be called to release
// filesystem resources.
type ManifestWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *ManifestWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchManifest wires fsnotify around the warmup manifest and reloads it on
// any relevant change. The callback receives the accepted rows plus the rows
// the loader quarantined; the initial load is delivered before WatchManifest
// returns.
func (l *Loader) WatchManifest(ctx context.Context, cfg Config, onChange func([]WarmupResource, []ResourceSkip), onError func(error)) (*ManifestWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watch manifest requires a change callback")
	}
	if cfg.Warmup.Manifest == "" {
		return nil, fmt.Errorf("config: no warmup manifest configured for watching")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch manifest: %w", err)
	}

	resources, skipped, err := LoadWarmupManifest(watchCtx, cfg.Warmup.Manifest)
	if err != nil {
		if closeErr := watcher.Close(); closeErr != nil && onError != nil {
			onError(fmt.Errorf("config: watch manifest close: %w", closeErr))
		}
		cancel()
		return nil, err
	}
	onChange(resources, skipped)

	done := make(chan struct{})
	watch := &ManifestWatcher{cancel: cancel, done: done}

	ready := make(chan struct{})
	var readyOnce sync.Once
	signalReady := func() { readyOnce.Do(func() { close(ready) }) }

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch manifest close: %w", err))
			}
		}()
		defer signalReady()

		var reloadMu sync.Mutex
		reload := func() {
			reloadMu.Lock()
			defer reloadMu.Unlock()
			resources, skipped, err := LoadWarmupManifest(watchCtx, cfg.Warmup.Manifest)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				if onError != nil {
					onError(err)
				}
				return
			}
			onChange(resources, skipped)
		}

		targetFile := cfg.Warmup.Manifest
		if path, err := filepath.Abs(cfg.Warmup.Manifest); err == nil {
			targetFile = path
		} else if onError != nil {
			onError(fmt.Errorf("config: resolve warmup manifest: %w", err))
		}
		targetFile = filepath.Clean(targetFile)
		if err := watcher.Add(filepath.Dir(targetFile)); err != nil {
			if onError != nil {
				onError(fmt.Errorf("config: watch add %s: %w", filepath.Dir(targetFile), err))
			}
		}

		signalReady()

		const debounce = 25 * time.Millisecond
		var reloadTimer *time.Timer
		var reloadSignal <-chan time.Time
		scheduleReload := func() {
			if reloadTimer == nil {
				reloadTimer = time.NewTimer(debounce)
			} else {
				if !reloadTimer.Stop() {
					select {
					case <-reloadTimer.C:
					default:
					}
				}
				reloadTimer.Reset(debounce)
			}
			reloadSignal = reloadTimer.C
		}
		flushTimer := func() {
			if reloadTimer == nil {
				return
			}
			if !reloadTimer.Stop() {
				select {
				case <-reloadTimer.C:
				default:
				}
			}
			reloadSignal = nil
		}
		defer flushTimer()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-reloadSignal:
				flushTimer()
				reload()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				name := filepath.Clean(event.Name)
				if name != targetFile {
					continue
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if onError != nil {
						onError(fmt.Errorf("config: warmup manifest %s removed", targetFile))
					}
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					scheduleReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(fmt.Errorf("config: watch error: %w", err))
				}
			}
		}
	}()

	<-ready

	return watch, nil
}
