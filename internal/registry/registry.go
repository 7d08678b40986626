// Package registry holds the routing table: one entry per anchored pattern,
// published to readers as an immutable, priority-sorted snapshot.
//
// The loader is the only writer. Every write rebuilds the snapshot and swaps
// it in atomically, so the dispatcher always scans one consistent view and
// never takes a lock.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dlclark/regexp2"

	"github.com/basket/go-plugbot/internal/patterns"
	"github.com/basket/go-plugbot/internal/plugin"
)

// Entry is one routing rule. Entries are never modified after publication.
type Entry struct {
	// Pattern is the anchored source and the entry's key.
	Pattern     string
	Regex       *regexp2.Regexp
	Owner       string
	HandlerName string
	Handler     plugin.Handler
	OwnerOnly   bool
	GroupOnly   bool
	SourceFile  string
	// Seq is the registration order used to break priority ties.
	Seq uint64
}

type Registry struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	priorities map[string]int
	ownerFiles map[string]string
	seq        uint64
	version    uint64

	snap     atomic.Pointer[Snapshot]
	patterns *patterns.Cache
	logger   *slog.Logger
}

func New(cache *patterns.Cache, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		entries:    make(map[string]*Entry),
		priorities: make(map[string]int),
		ownerFiles: make(map[string]string),
		patterns:   cache,
		logger:     logger.With("component", "registry"),
	}
	r.snap.Store(&Snapshot{priorities: map[string]int{}})
	return r
}

// Register adds every route of p under p's name and priority.
func (r *Registry) Register(p plugin.Provider, sourceFile string) (int, []error) {
	return r.RegisterRoutes(p.Name(), plugin.PriorityOf(p), p.RegexHandlers(), sourceFile)
}

// RegisterRoutes adds routes owned by owner. A route whose pattern does not
// compile is dropped with a RegexCompileError; the others still register.
// A route whose anchored pattern is already present replaces that entry.
func (r *Registry) RegisterRoutes(owner string, priority int, routes []plugin.Route, sourceFile string) (int, []error) {
	var errs []error
	r.mu.Lock()
	defer r.mu.Unlock()

	r.priorities[owner] = priority
	r.ownerFiles[owner] = sourceFile
	added := 0
	for _, route := range routes {
		if route.Handler == nil {
			errs = append(errs, fmt.Errorf("route %q of %s has no handler", route.Pattern, owner))
			continue
		}
		anchored := patterns.Anchor(route.Pattern)
		re, err := r.patterns.Compile(anchored)
		if err != nil {
			cerr := &plugin.RegexCompileError{Pattern: route.Pattern, Owner: owner, Err: err}
			r.logger.Error("regex compile failed, handler dropped",
				"plugin", owner, "handler", route.HandlerName, "pattern", route.Pattern, "error", err)
			errs = append(errs, cerr)
			continue
		}
		entry := &Entry{
			Pattern:     anchored,
			Regex:       re,
			Owner:       owner,
			HandlerName: route.HandlerName,
			Handler:     route.Handler,
			OwnerOnly:   route.OwnerOnly,
			GroupOnly:   route.GroupOnly,
			SourceFile:  sourceFile,
		}
		if prev, ok := r.entries[anchored]; ok {
			// Keyed by pattern: the newer registration wins and inherits the
			// slot of the one it replaces.
			entry.Seq = prev.Seq
			if prev.Owner != owner {
				r.logger.Warn("pattern collision, previous handler replaced",
					"pattern", anchored, "previous", prev.Owner+"."+prev.HandlerName, "plugin", owner, "handler", route.HandlerName)
			}
		} else {
			r.seq++
			entry.Seq = r.seq
		}
		r.entries[anchored] = entry
		added++
	}
	r.publishLocked()
	return added, errs
}

// UnregisterByFile removes every entry loaded from path and forgets the
// owners defined there. It returns the number of entries removed.
func (r *Registry) UnregisterByFile(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, e := range r.entries {
		if e.SourceFile == path {
			delete(r.entries, key)
			removed++
		}
	}
	for owner, file := range r.ownerFiles {
		if file == path {
			delete(r.ownerFiles, owner)
			delete(r.priorities, owner)
		}
	}
	r.publishLocked()
	return removed
}

// Snapshot returns the current read view.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// publishLocked rebuilds the sorted view from scratch. Callers hold r.mu.
func (r *Registry) publishLocked() {
	sorted := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	priorities := make(map[string]int, len(r.priorities))
	for k, v := range r.priorities {
		priorities[k] = v
	}
	prio := func(e *Entry) int {
		if p, ok := priorities[e.Owner]; ok {
			return p
		}
		return plugin.DefaultPriority
	}
	sort.SliceStable(sorted, func(i, j int) bool { return prio(sorted[i]) < prio(sorted[j]) })

	r.version++
	r.snap.Store(&Snapshot{Version: r.version, Sorted: sorted, priorities: priorities})
}
