// Package jsplugin loads plugin files written in JavaScript.
//
// A file assigns module.exports. If the export itself has getRegexHandlers
// it is the only plugin. Otherwise each export key is inspected in order: a
// class is constructed once, an object literal is used as is, and an object
// built from a class becomes an instance named "<Class>.<key>".
// getRegexHandlers returns an array of [pattern, spec] pairs or an object of
// pattern to spec; a spec is a method name, a function, or
// {handler, ownerOnly, groupOnly}. Handlers run synchronously and return
// true to let lower-priority matches run.
package jsplugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/basket/go-plugbot/internal/event"
	"github.com/basket/go-plugbot/internal/loader"
	"github.com/basket/go-plugbot/internal/plugin"
)

var errClosed = errors.New("js module closed")

// Runtime loads .js files, one goja VM per file.
type Runtime struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{logger: logger.With("component", "js")}
}

func (r *Runtime) Extensions() []string { return []string{".js"} }

// Load runs the file and discovers its plugins. The VM is interrupted
// when ctx ends.
func (r *Runtime) Load(ctx context.Context, path string) (loader.Module, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := &module{
		path:   path,
		vm:     goja.New(),
		logger: r.logger.With("file", filepath.Base(path)),
		ctx:    ctx,
	}
	m.reserved = make(map[string]bool)
	for _, k := range m.vm.GlobalObject().Keys() {
		m.reserved[k] = true
	}

	stop := context.AfterFunc(ctx, func() { m.vm.Interrupt(ctx.Err()) })
	exports, err := m.run(string(src))
	if err == nil {
		err = m.discover(exports)
	}
	stop()
	m.vm.ClearInterrupt()
	m.ctx = context.Background()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("load %s: %w", filepath.Base(path), ctx.Err())
		}
		return nil, err
	}
	return m, nil
}

type module struct {
	path   string
	logger *slog.Logger

	mu        sync.Mutex
	vm        *goja.Runtime
	ctx       context.Context
	closed    bool
	reserved  map[string]bool
	providers []plugin.Provider
}

func (m *module) Providers() []plugin.Provider { return m.providers }

func (m *module) Close() bool {
	if !m.mu.TryLock() {
		return false
	}
	defer m.mu.Unlock()
	if !m.closed {
		g := m.vm.GlobalObject()
		for _, k := range g.Keys() {
			if !m.reserved[k] {
				_ = g.Set(k, goja.Undefined())
			}
		}
		m.vm = nil
	}
	m.closed = true
	return true
}

func (m *module) run(src string) (exports goja.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("js panic: %v", r)
		}
	}()
	vm := m.vm
	mod := vm.NewObject()
	exp := vm.NewObject()
	_ = mod.Set("exports", exp)
	_ = vm.Set("module", mod)
	_ = vm.Set("exports", exp)

	logFn := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, a.String())
		}
		m.logger.Info(strings.Join(parts, " "))
		return goja.Undefined()
	}
	console := vm.NewObject()
	_ = console.Set("log", logFn)
	_ = vm.Set("console", console)

	bot := vm.NewObject()
	_ = bot.Set("log", logFn)
	_ = bot.Set("sleep", func(call goja.FunctionCall) goja.Value {
		d := time.Duration(call.Argument(0).ToInteger()) * time.Millisecond
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-m.ctx.Done():
			panic(vm.NewGoError(m.ctx.Err()))
		case <-t.C:
		}
		return goja.Undefined()
	})
	_ = vm.Set("bot", bot)

	if _, err := vm.RunScript(m.path, src); err != nil {
		return nil, err
	}
	return mod.Get("exports"), nil
}

func (m *module) discover(exports goja.Value) error {
	if exports == nil || goja.IsUndefined(exports) || goja.IsNull(exports) {
		return fmt.Errorf("module.exports is empty")
	}
	base := strings.TrimSuffix(filepath.Base(m.path), filepath.Ext(m.path))

	if self, name, instance, ok := m.resolve(exports, base, true); ok {
		p, err := m.provider(self, name, instance)
		if err != nil {
			return err
		}
		m.providers = append(m.providers, p)
		return nil
	}

	obj := exports.ToObject(m.vm)
	for _, key := range obj.Keys() {
		self, name, instance, ok := m.resolve(obj.Get(key), key, false)
		if !ok {
			continue
		}
		p, err := m.provider(self, name, instance)
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

// resolve turns an exported value into the object whose methods serve as
// handlers.
func (m *module) resolve(v goja.Value, key string, top bool) (self *goja.Object, name string, instance, ok bool) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, "", false, false
	}
	obj, isObj := v.(*goja.Object)
	if !isObj {
		return nil, "", false, false
	}
	if _, isFn := goja.AssertFunction(obj); isFn {
		proto := obj.Get("prototype")
		if proto == nil || goja.IsUndefined(proto) {
			return nil, "", false, false
		}
		if _, ok := goja.AssertFunction(proto.ToObject(m.vm).Get("getRegexHandlers")); !ok {
			return nil, "", false, false
		}
		inst, err := m.vm.New(obj)
		if err != nil {
			m.logger.Warn("plugin class constructor failed", "class", key, "error", err)
			return nil, "", false, false
		}
		return inst, stringProp(inst, "name", stringProp(obj, "name", key)), false, true
	}
	if _, ok := goja.AssertFunction(obj.Get("getRegexHandlers")); !ok {
		return nil, "", false, false
	}
	if top || hasOwn(obj, "getRegexHandlers") {
		return obj, stringProp(obj, "name", key), false, true
	}
	cls := "instance"
	if ctor := obj.Get("constructor"); ctor != nil && !goja.IsUndefined(ctor) {
		cls = stringProp(ctor.ToObject(m.vm), "name", cls)
	}
	return obj, cls + "." + key, true, true
}

func hasOwn(obj *goja.Object, key string) bool {
	for _, k := range obj.Keys() {
		if k == key {
			return true
		}
	}
	return false
}

func stringProp(obj *goja.Object, key, fallback string) string {
	v := obj.Get(key)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return fallback
	}
	if s, ok := v.Export().(string); ok && s != "" {
		return s
	}
	return fallback
}

type route struct {
	pattern string
	spec    goja.Value
}

func (m *module) provider(self *goja.Object, name string, instance bool) (plugin.Provider, error) {
	getter, _ := goja.AssertFunction(self.Get("getRegexHandlers"))
	ret, err := getter(self)
	if err != nil {
		return nil, fmt.Errorf("%s.getRegexHandlers: %w", name, err)
	}
	if ret == nil || goja.IsUndefined(ret) || goja.IsNull(ret) {
		return nil, fmt.Errorf("%s.getRegexHandlers returned nothing", name)
	}
	tbl := ret.ToObject(m.vm)

	var raw []route
	if tbl.ClassName() == "Array" {
		for i, k := range tbl.Keys() {
			pair := tbl.Get(k).ToObject(m.vm)
			if pair.ClassName() != "Array" {
				return nil, fmt.Errorf("%s: route %d is not a [pattern, spec] pair", name, i+1)
			}
			raw = append(raw, route{pattern: pair.Get("0").String(), spec: pair.Get("1")})
		}
	} else {
		for _, k := range tbl.Keys() {
			raw = append(raw, route{pattern: k, spec: tbl.Get(k)})
		}
	}

	p := &plugin.Static{ProviderName: name}
	if v := self.Get("priority"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		p.Prio = plugin.Prio(int(v.ToInteger()))
	}
	for i, r := range raw {
		spec := plugin.Spec{}
		target := r.spec
		if o, ok := target.(*goja.Object); ok {
			if _, isFn := goja.AssertFunction(o); !isFn {
				target = o.Get("handler")
				spec.OwnerOnly = o.Get("ownerOnly") != nil && o.Get("ownerOnly").ToBoolean()
				spec.GroupOnly = o.Get("groupOnly") != nil && o.Get("groupOnly").ToBoolean()
			}
		}
		var method string
		var fn goja.Callable
		if f, ok := goja.AssertFunction(target); ok {
			method = fmt.Sprintf("fn%d", i+1)
			fn = f
		} else if target != nil && !goja.IsUndefined(target) {
			method = target.String()
			f, ok := goja.AssertFunction(self.Get(method))
			if !ok {
				m.logger.Warn("handler method not found, route dropped", "plugin", name, "method", method)
				continue
			}
			fn = f
		} else {
			m.logger.Warn("route has no handler, dropped", "plugin", name, "pattern", r.pattern)
			continue
		}
		spec.HandlerName = method
		if instance {
			spec.HandlerName = fmt.Sprintf("_instance_handler_%d_%s", i, method)
		}
		spec.Handler = m.handler(self, fn)
		p.Routes = append(p.Routes, plugin.Route{Pattern: r.pattern, Spec: spec})
	}
	return p, nil
}

// handler binds a JS function into a plugin.Handler. Calls into one VM are
// serialized; ctx interrupts the VM when it is done.
func (m *module) handler(self *goja.Object, fn goja.Callable) plugin.Handler {
	return func(ctx context.Context, ev *event.Event) (res plugin.Result, err error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			return plugin.Stop, errClosed
		}
		vm := m.vm
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("js panic: %v", r)
			}
		}()

		vm.ClearInterrupt()
		m.ctx = ctx
		defer func() { m.ctx = context.Background() }()
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				vm.Interrupt(ctx.Err())
			case <-stop:
			}
		}()

		ret, err := fn(self, eventObject(vm, ctx, ev))
		if err != nil {
			if ctx.Err() != nil {
				return plugin.Stop, ctx.Err()
			}
			return plugin.Stop, err
		}
		if b, ok := ret.Export().(bool); ok && b {
			return plugin.Continue, nil
		}
		return plugin.Stop, nil
	}
}
