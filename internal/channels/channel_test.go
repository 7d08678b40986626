package channels

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-plugbot/internal/event"
	"github.com/basket/go-plugbot/internal/telemetry"
)

// Compile-time interface checks.
var (
	_ Channel      = (*TelegramChannel)(nil)
	_ Channel      = (*ConsoleChannel)(nil)
	_ event.Sender = (*ConsoleChannel)(nil)
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []*event.Event
	reply  string
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, ev *event.Event) bool {
	d.mu.Lock()
	d.events = append(d.events, ev)
	d.mu.Unlock()
	if d.reply != "" {
		_ = ev.Reply(ctx, d.reply)
	}
	return true
}

type fakeAPI struct {
	sent []tgbotapi.Chattable
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func TestTelegramChannel_Name(t *testing.T) {
	ch := NewTelegramChannel("fake-token", nil, nil, nil)
	if got := ch.Name(); got != "telegram" {
		t.Fatalf("TelegramChannel.Name() = %q, want %q", got, "telegram")
	}
}

func TestTelegramChannel_Allowlist(t *testing.T) {
	open := NewTelegramChannel("fake-token", nil, nil, nil)
	if !open.allowed(1) {
		t.Fatalf("empty allowlist should admit everyone")
	}
	closed := NewTelegramChannel("fake-token", []int64{123, 456}, nil, nil)
	if !closed.allowed(123) || closed.allowed(789) {
		t.Fatalf("unexpected allowlist decision")
	}
}

func newTestTelegram() (*TelegramChannel, *fakeAPI) {
	api := &fakeAPI{}
	ch := NewTelegramChannel("fake-token", nil, nil, telemetry.Discard())
	ch.api = api
	ch.selfID = 99
	ch.selfName = "plugbot"
	return ch, api
}

func TestTelegram_ToEventPrivateAndGroup(t *testing.T) {
	ch, _ := newTestTelegram()

	dm := ch.toEvent(&tgbotapi.Message{
		MessageID: 5,
		From:      &tgbotapi.User{ID: 42},
		Chat:      &tgbotapi.Chat{ID: 42, Type: "private"},
		Text:      "/help",
	})
	if dm.Type != event.TypeDirectMessage || dm.UserID != "42" || dm.GroupID != "" || dm.Content != "/help" || dm.ID != "5" {
		t.Fatalf("unexpected direct event %+v", dm)
	}

	grp := ch.toEvent(&tgbotapi.Message{
		MessageID: 6,
		From:      &tgbotapi.User{ID: 42},
		Chat:      &tgbotapi.Chat{ID: -100, Type: "supergroup"},
		Text:      "@plugbot weather tokyo",
	})
	if grp.Type != event.TypeGroupMessage || grp.GroupID != "-100" || grp.Content != "weather tokyo" {
		t.Fatalf("unexpected group event %+v", grp)
	}

	if ev := ch.toEvent(&tgbotapi.Message{From: &tgbotapi.User{ID: 1}, Chat: &tgbotapi.Chat{ID: 1, Type: "private"}}); ev != nil {
		t.Fatalf("expected nil event for empty message")
	}
}

func TestTelegram_BotAddedToGroup(t *testing.T) {
	ch, _ := newTestTelegram()
	ev := ch.toEvent(&tgbotapi.Message{
		From:           &tgbotapi.User{ID: 42},
		Chat:           &tgbotapi.Chat{ID: -7, Type: "group"},
		NewChatMembers: []tgbotapi.User{{ID: 99}},
	})
	if ev == nil || ev.Type != event.TypeGroupAddRobot || ev.GroupID != "-7" {
		t.Fatalf("expected group-add event, got %+v", ev)
	}
}

func TestTelegram_ReplyGoesToChat(t *testing.T) {
	ch, api := newTestTelegram()
	ev := ch.toEvent(&tgbotapi.Message{
		MessageID: 11,
		From:      &tgbotapi.User{ID: 42},
		Chat:      &tgbotapi.Chat{ID: -100, Type: "group"},
		Text:      "ping",
	})
	if err := ev.Reply(context.Background(), "pong"); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if err := ev.ReplyMarkdown(context.Background(), "*pong*"); err != nil {
		t.Fatalf("markdown reply: %v", err)
	}
	if len(api.sent) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(api.sent))
	}
	msg, ok := api.sent[0].(tgbotapi.MessageConfig)
	if !ok || msg.ChatID != -100 || msg.Text != "pong" || msg.ReplyToMessageID != 11 {
		t.Fatalf("unexpected first send %#v", api.sent[0])
	}
	if md := api.sent[1].(tgbotapi.MessageConfig); md.ParseMode != tgbotapi.ModeMarkdown {
		t.Fatalf("expected markdown parse mode, got %q", md.ParseMode)
	}
}

func TestRenderMessage_Media(t *testing.T) {
	c, err := renderMessage(1, 0, event.Message{Kind: event.KindImage, URL: "https://example.com/a.png", Text: "cap"})
	if err != nil {
		t.Fatalf("render image: %v", err)
	}
	photo, ok := c.(tgbotapi.PhotoConfig)
	if !ok || photo.Caption != "cap" {
		t.Fatalf("unexpected photo %#v", c)
	}
	if _, err := renderMessage(1, 0, event.Message{Kind: event.KindVoice, Data: []byte{1, 2}}); err != nil {
		t.Fatalf("render voice: %v", err)
	}
	if _, err := renderMessage(1, 0, event.Message{Kind: event.KindVideo}); err == nil {
		t.Fatalf("expected error for video without url or data")
	}
	ark, err := renderMessage(1, 0, event.Message{Kind: event.KindArk, Ark: map[string]any{"b": 2, "a": "x"}})
	if err != nil {
		t.Fatalf("render ark: %v", err)
	}
	if text := ark.(tgbotapi.MessageConfig).Text; text != "a: x\nb: 2" {
		t.Fatalf("unexpected ark text %q", text)
	}
}

func TestConsoleChannel_DispatchesLinesAndPrintsReplies(t *testing.T) {
	in := strings.NewReader("hello\n\n#g1 weather\n#broken\n")
	var out bytes.Buffer
	d := &recordingDispatcher{reply: "ok"}
	ch := NewConsoleChannel(in, &out, "7", d, telemetry.Discard())

	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(d.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(d.events))
	}
	if d.events[0].Type != event.TypeDirectMessage || d.events[0].UserID != "7" {
		t.Fatalf("unexpected first event %+v", d.events[0])
	}
	if d.events[1].Type != event.TypeGroupMessage || d.events[1].GroupID != "g1" || d.events[1].Content != "weather" {
		t.Fatalf("unexpected group event %+v", d.events[1])
	}
	if got := out.String(); got != "[dm] text: ok\n[#g1] text: ok\n" {
		t.Fatalf("unexpected output %q", got)
	}
}
