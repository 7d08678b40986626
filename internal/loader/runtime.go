package loader

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/basket/go-plugbot/internal/plugin"
)

// Runtime loads plugin files of one or more extensions.
type Runtime interface {
	// Extensions lists handled file extensions, including the dot.
	Extensions() []string
	// Load executes path as a fresh module. It must give up and return an
	// error once ctx is done, including while script code is running.
	Load(ctx context.Context, path string) (Module, error)
}

// Module is one loaded plugin file.
type Module interface {
	// Providers returns the classes and instances the file exposes, in
	// declaration order.
	Providers() []plugin.Provider
	// Close strips the module's state and releases its interpreter. It
	// returns false without doing anything if a handler is still running
	// inside the module; the caller retries later.
	Close() bool
}

// runtimeFor returns the runtime registered for path's extension.
func runtimeFor(runtimes map[string]Runtime, path string) (Runtime, bool) {
	rt, ok := runtimes[strings.ToLower(filepath.Ext(path))]
	return rt, ok
}

func indexRuntimes(rts []Runtime) map[string]Runtime {
	out := make(map[string]Runtime)
	for _, rt := range rts {
		for _, ext := range rt.Extensions() {
			out[strings.ToLower(ext)] = rt
		}
	}
	return out
}

// Inspect loads a single file outside any registry, for `plugbot check`.
// The caller owns the returned module and must Close it. Loading is capped
// at DefaultLoadTimeout.
func Inspect(ctx context.Context, path string, rts ...Runtime) (Module, error) {
	rt, ok := runtimeFor(indexRuntimes(rts), path)
	if !ok {
		return nil, &plugin.LoadError{Path: path, Err: fmt.Errorf("no runtime for extension %q", filepath.Ext(path))}
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultLoadTimeout)
	defer cancel()
	mod, err := rt.Load(ctx, path)
	if err != nil {
		return nil, &plugin.LoadError{Path: path, Err: err}
	}
	return mod, nil
}
