package loader

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 150 * time.Millisecond

// Watch rescans as soon as plugin files change instead of waiting for the
// next refresh window. It returns after the watcher is installed; scans run
// on a background goroutine until ctx ends. The returned channel receives
// each scan result and is closed on exit.
func (l *Loader) Watch(ctx context.Context) (<-chan ScanResult, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("new plugin watcher: %w", err)
	}

	addTree := func(root string) {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			if path != root && (strings.HasPrefix(d.Name(), "_") || strings.HasPrefix(d.Name(), ".")) {
				return fs.SkipDir
			}
			if err := fsw.Add(path); err != nil && !os.IsNotExist(err) {
				l.logger.Warn("plugin watcher: add failed", "dir", path, "error", err)
			}
			return nil
		})
	}
	for _, dir := range l.dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		addTree(dir)
	}

	out := make(chan ScanResult, 4)
	go func() {
		defer func() {
			_ = fsw.Close()
			close(out)
		}()

		var timer *time.Timer
		var timerC <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				relevant := false
				if ev.Op&fsnotify.Create != 0 {
					if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
						addTree(ev.Name)
						relevant = true
					}
				}
				if _, ok := runtimeFor(l.runtimes, ev.Name); ok {
					relevant = true
				}
				if !relevant {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(watchDebounce)
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(watchDebounce)
				}
				timerC = timer.C
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				l.logger.Warn("plugin watcher error", "error", err)
			case <-timerC:
				timerC = nil
				res := l.Scan(ctx)
				l.lastScan.Store(l.now().UnixNano())
				select {
				case out <- res:
				default:
				}
			}
		}
	}()
	return out, nil
}
