// Package luaplugin loads plugin files written in Lua.
//
// A file returns either one class table or a table of named classes and
// instances. A class exposes get_regex_handlers(self) returning routes as an
// array of {pattern, spec} pairs (kept in order) or a map of pattern to spec
// (sorted by pattern). A spec is a method name, a function, or a table
// {handler = ..., owner_only = bool, group_only = bool}. Handlers are called
// as handler(self, event) and return true to let lower-priority matches run.
package luaplugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/basket/go-plugbot/internal/event"
	"github.com/basket/go-plugbot/internal/loader"
	"github.com/basket/go-plugbot/internal/plugin"
)

var errClosed = errors.New("lua module closed")

// Runtime loads .lua files into isolated interpreters.
type Runtime struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{logger: logger.With("component", "lua")}
}

func (r *Runtime) Extensions() []string { return []string{".lua"} }

// Load executes path in a fresh state and discovers its providers. ctx
// bounds both the top-level chunk and get_regex_handlers.
func (r *Runtime) Load(ctx context.Context, path string) (loader.Module, error) {
	m := &module{path: path, logger: r.logger.With("file", filepath.Base(path))}
	m.L = newState()
	m.installBot()
	m.reserved = globalNames(m.L)

	m.L.SetContext(ctx)
	ret, err := m.run(path)
	if err == nil {
		err = m.discover(ret)
	}
	m.L.RemoveContext()
	if err != nil {
		m.L.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("load %s: %w", filepath.Base(path), ctx.Err())
		}
		return nil, err
	}
	return m, nil
}

// newState opens only the libraries that cannot reach the filesystem or
// the process.
func newState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range []string{"dofile", "loadfile", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

type module struct {
	path   string
	logger *slog.Logger

	mu        sync.Mutex
	L         *lua.LState
	closed    bool
	reserved  map[string]bool
	providers []plugin.Provider
}

func (m *module) Providers() []plugin.Provider { return m.providers }

// Close releases the interpreter unless a handler is running in it.
func (m *module) Close() bool {
	if !m.mu.TryLock() {
		return false
	}
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		for name := range globalNames(m.L) {
			if !m.reserved[name] {
				m.L.SetGlobal(name, lua.LNil)
			}
		}
		m.L.Close()
	}
	return true
}

func globalNames(L *lua.LState) map[string]bool {
	names := make(map[string]bool)
	L.G.Global.ForEach(func(k, _ lua.LValue) {
		if s, ok := k.(lua.LString); ok {
			names[string(s)] = true
		}
	})
	return names
}

func (m *module) run(path string) (ret lua.LValue, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	fn, err := m.L.LoadFile(path)
	if err != nil {
		return nil, err
	}
	m.L.Push(fn)
	if err := m.L.PCall(0, 1, nil); err != nil {
		return nil, err
	}
	ret = m.L.Get(-1)
	m.L.Pop(1)
	return ret, nil
}

// installBot exposes the bot global: logging and a context-aware sleep.
func (m *module) installBot() {
	bot := m.L.NewTable()
	m.L.SetFuncs(bot, map[string]lua.LGFunction{
		"log": func(L *lua.LState) int {
			m.logger.Info(L.CheckString(1))
			return 0
		},
		"sleep": func(L *lua.LState) int {
			d := time.Duration(L.CheckNumber(1)) * time.Millisecond
			ctx := L.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				L.RaiseError("%s", ctx.Err().Error())
			case <-t.C:
			}
			return 0
		},
	})
	m.L.SetGlobal("bot", bot)
}

func (m *module) discover(ret lua.LValue) error {
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return fmt.Errorf("plugin file must return a table, got %s", ret.Type())
	}
	base := strings.TrimSuffix(filepath.Base(m.path), filepath.Ext(m.path))
	if isClass(m.L, tbl) {
		p, err := m.provider(tbl, nameOf(m.L, tbl, base), false)
		if err != nil {
			return err
		}
		m.providers = append(m.providers, p)
		return nil
	}

	var keys []string
	tbl.ForEach(func(k, v lua.LValue) {
		if ks, ok := k.(lua.LString); ok {
			if _, ok := v.(*lua.LTable); ok {
				keys = append(keys, string(ks))
			}
		}
	})
	sort.Strings(keys)
	for _, key := range keys {
		v := tbl.RawGetString(key).(*lua.LTable)
		if !isClass(m.L, v) {
			continue
		}
		// Instances inherit get_regex_handlers through their metatable.
		instance := m.L.GetMetatable(v) != lua.LNil && v.RawGetString("get_regex_handlers") == lua.LNil
		name := nameOf(m.L, v, key)
		if instance {
			name = nameOf(m.L, v, "instance") + "." + key
		}
		p, err := m.provider(v, name, instance)
		if err != nil {
			return err
		}
		m.providers = append(m.providers, p)
	}
	if len(m.providers) == 0 {
		return fmt.Errorf("no plugin classes found")
	}
	return nil
}

func isClass(L *lua.LState, t *lua.LTable) bool {
	_, ok := L.GetField(t, "get_regex_handlers").(*lua.LFunction)
	return ok
}

func nameOf(L *lua.LState, t *lua.LTable, fallback string) string {
	if s, ok := L.GetField(t, "name").(lua.LString); ok && s != "" {
		return string(s)
	}
	return fallback
}

type route struct {
	pattern string
	spec    lua.LValue
}

func (m *module) provider(self *lua.LTable, name string, instance bool) (plugin.Provider, error) {
	getter := m.L.GetField(self, "get_regex_handlers")
	if err := m.L.CallByParam(lua.P{Fn: getter, NRet: 1, Protect: true}, self); err != nil {
		return nil, fmt.Errorf("%s.get_regex_handlers: %w", name, err)
	}
	ret := m.L.Get(-1)
	m.L.Pop(1)
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("%s.get_regex_handlers must return a table", name)
	}

	var raw []route
	if n := tbl.Len(); n > 0 {
		for i := 1; i <= n; i++ {
			pair, ok := tbl.RawGetInt(i).(*lua.LTable)
			if !ok {
				return nil, fmt.Errorf("%s: route %d is not a {pattern, spec} pair", name, i)
			}
			raw = append(raw, route{pattern: lua.LVAsString(pair.RawGetInt(1)), spec: pair.RawGetInt(2)})
		}
	} else {
		tbl.ForEach(func(k, v lua.LValue) {
			if ks, ok := k.(lua.LString); ok {
				raw = append(raw, route{pattern: string(ks), spec: v})
			}
		})
		sort.Slice(raw, func(i, j int) bool { return raw[i].pattern < raw[j].pattern })
	}

	p := &plugin.Static{ProviderName: name}
	if n, ok := m.L.GetField(self, "priority").(lua.LNumber); ok {
		p.Prio = plugin.Prio(int(n))
	}
	return p, m.fill(p, self, name, instance, raw)
}

func (m *module) fill(p *plugin.Static, self *lua.LTable, owner string, instance bool, raw []route) error {
	for i, r := range raw {
		if r.pattern == "" {
			return fmt.Errorf("%s: route %d has an empty pattern", owner, i+1)
		}
		spec := plugin.Spec{}
		target := r.spec
		if t, ok := r.spec.(*lua.LTable); ok {
			target = t.RawGetString("handler")
			spec.OwnerOnly = lua.LVAsBool(t.RawGetString("owner_only"))
			spec.GroupOnly = lua.LVAsBool(t.RawGetString("group_only"))
		}
		var fn *lua.LFunction
		var method string
		switch v := target.(type) {
		case lua.LString:
			method = string(v)
			f, ok := m.L.GetField(self, method).(*lua.LFunction)
			if !ok {
				m.logger.Warn("handler method not found, route dropped", "plugin", owner, "method", method)
				continue
			}
			fn = f
		case *lua.LFunction:
			method = fmt.Sprintf("fn%d", i+1)
			fn = v
		default:
			m.logger.Warn("unsupported handler spec, route dropped", "plugin", owner, "pattern", r.pattern, "type", target.Type().String())
			continue
		}
		spec.HandlerName = method
		if instance {
			spec.HandlerName = fmt.Sprintf("_instance_handler_%d_%s", i, method)
		}
		spec.Handler = m.handler(self, fn)
		p.Routes = append(p.Routes, plugin.Route{Pattern: r.pattern, Spec: spec})
	}
	return nil
}

// handler binds a Lua function into a plugin.Handler. Calls into one module
// are serialized; the context interrupts the interpreter when it is done.
func (m *module) handler(self *lua.LTable, fn *lua.LFunction) plugin.Handler {
	return func(ctx context.Context, ev *event.Event) (res plugin.Result, err error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			return plugin.Stop, errClosed
		}
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("lua panic: %v", r)
			}
		}()
		m.L.SetContext(ctx)
		defer m.L.RemoveContext()

		if err := m.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, self, eventTable(m.L, ctx, ev)); err != nil {
			if ctx.Err() != nil {
				return plugin.Stop, ctx.Err()
			}
			return plugin.Stop, err
		}
		ret := m.L.Get(-1)
		m.L.Pop(1)
		if ret == lua.LTrue {
			return plugin.Continue, nil
		}
		return plugin.Stop, nil
	}
}
