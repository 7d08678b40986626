package notify

import (
	"context"
	"strings"
	"testing"

	"github.com/basket/go-plugbot/internal/config"
	"github.com/basket/go-plugbot/internal/event"
	"github.com/basket/go-plugbot/internal/telemetry"
)

func TestRender_DefaultsForEveryKind(t *testing.T) {
	n := New(nil, telemetry.Discard())
	for _, k := range Kinds {
		out, err := n.Render(k, Args{UserID: "u1", Reason: "spam", Code: 40034006})
		if err != nil || out == "" {
			t.Fatalf("%s: out=%q err=%v", k, out, err)
		}
	}
	if _, err := n.Render("nope", Args{}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestRender_BlacklistReason(t *testing.T) {
	n := New(nil, telemetry.Discard())
	out, _ := n.Render(KindBlacklist, Args{UserID: "u1", Reason: "spam"})
	if !strings.Contains(out, "<@u1>") || !strings.Contains(out, "Reason: spam") {
		t.Fatalf("unexpected blacklist text %q", out)
	}
	out, _ = n.Render(KindBlacklist, Args{UserID: "u1"})
	if !strings.Contains(out, "Reason: unspecified") {
		t.Fatalf("expected fallback reason, got %q", out)
	}
}

func TestRender_APIErrorTip(t *testing.T) {
	n := New(nil, telemetry.Discard())
	out, _ := n.Render(KindAPIError, Args{Code: 50015006})
	if !strings.Contains(out, "busy") || !strings.Contains(out, "50015006") {
		t.Fatalf("unexpected api error text %q", out)
	}
	if APIErrorTip(1) == APIErrorTip(50015006) {
		t.Fatalf("unknown codes should use the generic tip")
	}
}

func TestRender_ConfigOverride(t *testing.T) {
	store := config.NewStore(config.Config{Templates: map[string]string{
		"maintenance": "down for {{.Extra.eta}}",
		"owner_only":  "{{.Broken",
	}})
	n := New(store, telemetry.Discard())

	out, err := n.Render(KindMaintenance, Args{Extra: map[string]string{"eta": "5m"}})
	if err != nil || out != "down for 5m" {
		t.Fatalf("override: out=%q err=%v", out, err)
	}
	out, err = n.Render(KindOwnerOnly, Args{UserID: "u"})
	if err != nil || !strings.Contains(out, "permission") {
		t.Fatalf("broken override should fall back to default, got %q %v", out, err)
	}
}

func TestSend_UsesEventIdentityAndKind(t *testing.T) {
	var got []event.Message
	sender := event.SenderFunc(func(_ context.Context, _ *event.Event, msg event.Message) error {
		got = append(got, msg)
		return nil
	})
	n := New(nil, telemetry.Discard())
	ev := event.New(event.TypeGroupMessage, "u9", "g1", "x", sender)

	if err := n.Send(context.Background(), ev, KindGroupOnly, Args{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := n.Send(context.Background(), ev, KindWelcome, Args{}); err != nil {
		t.Fatalf("send welcome: %v", err)
	}
	if len(got) != 2 || !strings.Contains(got[0].Text, "<@u9>") || got[0].Kind != event.KindText {
		t.Fatalf("unexpected group_only message %+v", got)
	}
	if got[1].Kind != event.KindMarkdown {
		t.Fatalf("welcome should be markdown, got %s", got[1].Kind)
	}
}

func TestSend_DeliveryError(t *testing.T) {
	n := New(nil, telemetry.Discard())
	ev := event.New(event.TypeDirectMessage, "u", "", "x", nil)
	if err := n.Send(context.Background(), ev, KindDefault, Args{}); err == nil {
		t.Fatalf("expected error without sender")
	}
}
