package jsplugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-plugbot/internal/event"
	"github.com/basket/go-plugbot/internal/loader"
	"github.com/basket/go-plugbot/internal/plugin"
	"github.com/basket/go-plugbot/internal/telemetry"
)

type sent struct {
	mu   sync.Mutex
	msgs []event.Message
}

func (s *sent) Send(_ context.Context, _ *event.Event, msg event.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func load(t *testing.T, src string) loader.Module {
	t.Helper()
	path := filepath.Join(t.TempDir(), "demo.js")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	mod, err := New(telemetry.Discard()).Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Cleanup(func() { mod.Close() })
	return mod
}

func routes(p plugin.Provider) []string {
	var out []string
	for _, r := range p.RegexHandlers() {
		out = append(out, r.Pattern+"="+r.HandlerName)
	}
	return out
}

func TestLoad_ObjectExport(t *testing.T) {
	mod := load(t, `
module.exports = {
  name: "Echo",
  priority: 0,
  getRegexHandlers() {
    return [
      ["echo (.+)", "echo"],
      ["admin", { handler: "admin", ownerOnly: true, groupOnly: true }],
      ["pass", () => true],
    ];
  },
  echo(ev) { ev.reply("you said " + ev.matches[0]); },
  admin(ev) {},
};
`)
	ps := mod.Providers()
	if len(ps) != 1 || ps[0].Name() != "Echo" {
		t.Fatalf("expected one Echo provider")
	}
	if plugin.PriorityOf(ps[0]) != 0 {
		t.Fatalf("explicit priority 0 must be kept, got %d", plugin.PriorityOf(ps[0]))
	}
	if got := strings.Join(routes(ps[0]), ","); got != "echo (.+)=echo,admin=admin,pass=fn3" {
		t.Fatalf("unexpected routes %s", got)
	}
	rs := ps[0].RegexHandlers()
	if !rs[1].OwnerOnly || !rs[1].GroupOnly {
		t.Fatalf("expected admin flags set")
	}

	out := &sent{}
	ev := event.New(event.TypeGroupMessage, "u", "g", "echo hi", out).Fork("echo hi", []string{"hi"}, nil)
	if res, err := rs[0].Handler(context.Background(), ev); err != nil || res != plugin.Stop {
		t.Fatalf("echo: res=%v err=%v", res, err)
	}
	if len(out.msgs) != 1 || out.msgs[0].Text != "you said hi" {
		t.Fatalf("unexpected replies %+v", out.msgs)
	}
	if res, _ := rs[2].Handler(context.Background(), ev); res != plugin.Continue {
		t.Fatalf("expected continue from pass handler")
	}
}

func TestLoad_ClassesAndInstances(t *testing.T) {
	mod := load(t, `
class Weather {
  getRegexHandlers() { return { "weather (\\w+)": "lookup", "forecast": "lookup" }; }
  lookup(ev) { ev.reply("sunny in " + ev.named.city); }
}
class Greeter {
  constructor(word) { this.word = word; }
  getRegexHandlers() { return [[this.word, "greet"]]; }
  greet(ev) { ev.reply(this.word); }
}
module.exports = { Weather, hello: new Greeter("hello"), util: { x: 1 } };
`)
	ps := mod.Providers()
	if len(ps) != 2 {
		t.Fatalf("expected two providers, got %d", len(ps))
	}
	if ps[0].Name() != "Weather" || strings.Join(routes(ps[0]), ",") != "weather (\\w+)=lookup,forecast=lookup" {
		t.Fatalf("unexpected class provider %s %v", ps[0].Name(), routes(ps[0]))
	}
	if ps[1].Name() != "Greeter.hello" || strings.Join(routes(ps[1]), ",") != "hello=_instance_handler_0_greet" {
		t.Fatalf("unexpected instance provider %s %v", ps[1].Name(), routes(ps[1]))
	}

	out := &sent{}
	ev := event.New(event.TypeDirectMessage, "u", "", "weather paris", out).Fork("weather paris", []string{"paris"}, map[string]string{"city": "paris"})
	if _, err := ps[0].RegexHandlers()[0].Handler(context.Background(), ev); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(out.msgs) != 1 || out.msgs[0].Text != "sunny in paris" {
		t.Fatalf("unexpected replies %+v", out.msgs)
	}
}

func TestLoad_Errors(t *testing.T) {
	rt := New(telemetry.Discard())
	dir := t.TempDir()
	for name, src := range map[string]string{
		"syntax.js": "module.exports = {",
		"throws.js": "throw new Error('boom')",
		"empty.js":  "module.exports = { a: 1 }",
		"null.js":   "module.exports = null",
	} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := rt.Load(context.Background(), path); err == nil {
			t.Fatalf("%s: expected load error", name)
		}
	}
}

func TestLoad_SpinningTopLevelHitsDeadline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spin.js")
	if err := os.WriteFile(path, []byte("for (;;) {}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := New(telemetry.Discard()).Load(ctx, path)
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline error, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("load did not stop at the deadline")
	}
}

func TestHandler_ContextInterruptsVM(t *testing.T) {
	mod := load(t, `
module.exports = {
  getRegexHandlers() { return [["spin", "spin"], ["nap", "nap"]]; },
  spin() { for (;;) {} },
  nap() { bot.sleep(60000); },
};
`)
	for _, r := range mod.Providers()[0].RegexHandlers() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		done := make(chan error, 1)
		go func() {
			_, err := r.Handler(ctx, event.New(event.TypeDirectMessage, "u", "", r.Pattern, nil))
			done <- err
		}()
		select {
		case err := <-done:
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("%s: expected deadline error, got %v", r.Pattern, err)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("%s: handler ignored cancellation", r.Pattern)
		}
		cancel()
	}

	// The VM stays usable after an interrupt.
	h := mod.Providers()[0].RegexHandlers()[1].Handler
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		_, _ = h(ctx, event.New(event.TypeDirectMessage, "u", "", "nap", nil))
		close(done)
	}()
	cancel()
	<-done
}

func TestHandler_ReplyWithoutSenderThrows(t *testing.T) {
	mod := load(t, `
module.exports = {
  getRegexHandlers() { return [["x", "x"]]; },
  x(ev) { ev.reply("hi"); },
};
`)
	_, err := mod.Providers()[0].RegexHandlers()[0].Handler(context.Background(), event.New(event.TypeDirectMessage, "u", "", "x", nil))
	if err == nil || !strings.Contains(err.Error(), event.ErrNoSender.Error()) {
		t.Fatalf("expected no-sender error, got %v", err)
	}
}

func TestClose_BusyModuleRefuses(t *testing.T) {
	mod := load(t, `
module.exports = {
  getRegexHandlers() { return [["slow", "slow"]]; },
  slow() { bot.sleep(60000); },
};
`)
	h := mod.Providers()[0].RegexHandlers()[0].Handler
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_, _ = h(ctx, event.New(event.TypeDirectMessage, "u", "", "slow", nil))
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	if mod.Close() {
		t.Fatalf("close must refuse while a handler runs")
	}
	cancel()
	<-done
	if !mod.Close() {
		t.Fatalf("close should succeed once idle")
	}
}
