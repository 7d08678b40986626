// Package loader keeps the registry in sync with plugin files on disk.
//
// A scan compares each file's modification time with the one recorded at
// its last load. Changed files are unloaded and then loaded again; removed
// files are unloaded. Unload happens before load and is not undone if the
// new load fails, so a broken edit leaves that file with no handlers until
// it is fixed and saved again.
package loader

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-plugbot/internal/bus"
	"github.com/basket/go-plugbot/internal/otel"
	"github.com/basket/go-plugbot/internal/plugin"
	"github.com/basket/go-plugbot/internal/registry"
)

const (
	DefaultRefreshInterval = 2 * time.Second
	DefaultRetireInterval  = 30 * time.Second
	DefaultLoadTimeout     = 5 * time.Second
)

type Options struct {
	Dirs            []string
	Runtimes        []Runtime
	Registry        *registry.Registry
	Bus             *bus.Bus
	Metrics         *otel.Metrics
	Logger          *slog.Logger
	RefreshInterval time.Duration
	RetireInterval  time.Duration
	LoadTimeout     time.Duration
}

type retiredModule struct {
	path string
	mod  Module
}

// ScanResult summarizes one scan.
type ScanResult struct {
	Loaded   int
	Unloaded int
	Failed   int
}

type Loader struct {
	dirs     []string
	runtimes map[string]Runtime
	reg      *registry.Registry
	bus      *bus.Bus
	metrics  *otel.Metrics
	logger   *slog.Logger

	refreshEvery time.Duration
	retireEvery  time.Duration
	loadTimeout  time.Duration
	lastScan     atomic.Int64

	mu         sync.Mutex
	files      map[string]time.Time
	modules    map[string]Module
	retired    []retiredModule
	lastRetire time.Time

	now func() time.Time
}

func New(opts Options) *Loader {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = otel.NopMetrics()
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.RetireInterval <= 0 {
		opts.RetireInterval = DefaultRetireInterval
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = DefaultLoadTimeout
	}
	return &Loader{
		dirs:         opts.Dirs,
		runtimes:     indexRuntimes(opts.Runtimes),
		reg:          opts.Registry,
		bus:          opts.Bus,
		metrics:      metrics,
		logger:       logger.With("component", "loader"),
		refreshEvery: opts.RefreshInterval,
		retireEvery:  opts.RetireInterval,
		loadTimeout:  opts.LoadTimeout,
		files:        make(map[string]time.Time),
		modules:      make(map[string]Module),
		lastRetire:   time.Now(),
		now:          time.Now,
	}
}

// LoadStatic registers compiled-in providers. Their entries are keyed to a
// "builtin:<name>" source so file scans never unload them.
func (l *Loader) LoadStatic(providers ...plugin.Provider) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, p := range providers {
		n, _ := l.reg.Register(p, "builtin:"+p.Name())
		total += n
		l.logger.Info("builtin plugin registered", "plugin", p.Name(), "handlers", n, "priority", plugin.PriorityOf(p))
	}
	return total
}

// Refresh scans at most once per refresh interval. It reports whether a scan
// ran. Concurrent callers inside the same window return immediately.
func (l *Loader) Refresh(ctx context.Context) bool {
	now := l.now().UnixNano()
	last := l.lastScan.Load()
	if now-last < int64(l.refreshEvery) {
		return false
	}
	if !l.lastScan.CompareAndSwap(last, now) {
		return false
	}
	l.Scan(ctx)
	return true
}

// Scan reconciles the registry with the plugin directories unconditionally.
func (l *Loader) Scan(ctx context.Context) ScanResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	var res ScanResult
	current := l.discover()

	for path := range l.files {
		if _, ok := current[path]; ok {
			continue
		}
		removed := l.unloadLocked(path)
		delete(l.files, path)
		res.Unloaded++
		l.logger.Info("plugin file removed", "path", path, "handlers", removed)
		l.publish(bus.TopicPluginUnloaded, bus.PluginEvent{Path: path, Handlers: removed})
	}

	paths := make([]string, 0, len(current))
	for path := range current {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		if ctx.Err() != nil {
			break
		}
		mtime := current[path]
		if prev, ok := l.files[path]; ok {
			if !mtime.After(prev) {
				continue
			}
			removed := l.unloadLocked(path)
			l.logger.Info("plugin file changed, reloading", "path", path, "previous_handlers", removed)
		}
		// Record before loading: a file that fails is not retried until it
		// changes again.
		l.files[path] = mtime
		if err := l.loadLocked(ctx, path); err != nil {
			res.Failed++
			continue
		}
		res.Loaded++
	}

	l.flushRetiredLocked(false)
	return res
}

// discover walks the plugin directories. Names starting with "_" or "." are
// skipped, as are files no runtime handles.
func (l *Loader) discover() map[string]time.Time {
	return walk(l.dirs, l.runtimes, l.logger)
}

// Discover lists the plugin files under dirs that one of rts can load,
// sorted by path.
func Discover(dirs []string, rts ...Runtime) []string {
	found := walk(dirs, indexRuntimes(rts), slog.Default())
	paths := make([]string, 0, len(found))
	for path := range found {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func walk(dirs []string, runtimes map[string]Runtime, logger *slog.Logger) map[string]time.Time {
	found := make(map[string]time.Time)
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == dir && os.IsNotExist(err) {
					return fs.SkipDir
				}
				logger.Warn("plugin dir walk error", "path", path, "error", err)
				return nil
			}
			name := d.Name()
			if path != dir && (strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".")) {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if _, ok := runtimeFor(runtimes, path); !ok {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			found[path] = info.ModTime()
			return nil
		})
		if err != nil {
			logger.Warn("plugin dir scan failed", "dir", dir, "error", err)
		}
	}
	return found
}

// loadLocked runs path under the load timeout. The scan holds l.mu, so a
// file whose top level never returns must not hold it past the deadline.
// The caller's cancellation is ignored: a load serves every later event.
func (l *Loader) loadLocked(ctx context.Context, path string) error {
	rt, _ := runtimeFor(l.runtimes, path)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.loadTimeout)
	defer cancel()
	mod, err := rt.Load(ctx, path)
	if err != nil {
		lerr := &plugin.LoadError{Path: path, Err: err}
		l.logger.Error("plugin load failed", "path", path, "error", err)
		l.metrics.PluginReloads.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", "failed")))
		l.publish(bus.TopicPluginLoadFailed, bus.PluginEvent{Path: path, Err: lerr})
		return lerr
	}
	l.modules[path] = mod

	var names []string
	total := 0
	for _, p := range mod.Providers() {
		n, errs := l.reg.Register(p, path)
		total += n
		names = append(names, p.Name())
		if len(errs) > 0 {
			l.logger.Warn("plugin registered with dropped handlers", "path", path, "plugin", p.Name(), "dropped", len(errs))
		}
	}
	l.metrics.PluginReloads.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", "loaded")))
	l.logger.Info("plugin file loaded", "path", path, "plugins", names, "handlers", total)
	l.publish(bus.TopicPluginLoaded, bus.PluginEvent{Path: path, Plugins: names, Handlers: total})
	return nil
}

// unloadLocked drops path's entries and queues its module for retirement.
func (l *Loader) unloadLocked(path string) int {
	removed := l.reg.UnregisterByFile(path)
	if mod, ok := l.modules[path]; ok {
		l.retired = append(l.retired, retiredModule{path: path, mod: mod})
		delete(l.modules, path)
	}
	return removed
}

// FlushRetired closes queued modules. Without force it only runs once per
// retire interval. It returns how many modules are still waiting.
func (l *Loader) FlushRetired(force bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushRetiredLocked(force)
}

func (l *Loader) flushRetiredLocked(force bool) int {
	if len(l.retired) == 0 {
		return 0
	}
	now := l.now()
	if !force && now.Sub(l.lastRetire) < l.retireEvery {
		return len(l.retired)
	}
	l.lastRetire = now
	kept := l.retired[:0]
	for _, r := range l.retired {
		if !r.mod.Close() {
			kept = append(kept, r)
			continue
		}
		l.logger.Debug("retired plugin module released", "path", r.path)
	}
	for i := len(kept); i < len(l.retired); i++ {
		l.retired[i] = retiredModule{}
	}
	l.retired = kept
	return len(kept)
}

// Files returns the recorded modification time of every tracked file.
func (l *Loader) Files() map[string]time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]time.Time, len(l.files))
	for k, v := range l.files {
		out[k] = v
	}
	return out
}

// Retired reports how many modules wait to be released.
func (l *Loader) Retired() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.retired)
}

// Close releases every loaded and retired module.
func (l *Loader) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for path, mod := range l.modules {
		l.retired = append(l.retired, retiredModule{path: path, mod: mod})
		delete(l.modules, path)
	}
	l.flushRetiredLocked(true)
}

func (l *Loader) publish(topic string, ev bus.PluginEvent) {
	if l.bus != nil {
		l.bus.Publish(topic, ev)
	}
}
