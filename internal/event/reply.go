package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindVoice    MessageKind = "voice"
	KindVideo    MessageKind = "video"
	KindArk      MessageKind = "ark"
	KindMarkdown MessageKind = "markdown"
)

// Message is one outbound reply. Rendering into platform wire formats is the
// Sender's job.
type Message struct {
	Kind MessageKind
	Text string
	// URL or Data carries media for image, voice and video replies.
	URL  string
	Data []byte
	// Ark holds the template id and key/values of an ark card.
	ArkTemplate int
	Ark         map[string]any
}

// Summary is a short, log-safe description of the payload.
func (m Message) Summary() string {
	switch m.Kind {
	case KindText, KindMarkdown:
		return fmt.Sprintf("%s: %s", m.Kind, m.Text)
	case KindArk:
		b, _ := json.Marshal(m.Ark)
		return fmt.Sprintf("ark(%d): %s", m.ArkTemplate, b)
	default:
		if m.URL != "" {
			return fmt.Sprintf("%s: %s", m.Kind, m.URL)
		}
		return fmt.Sprintf("%s: %d bytes", m.Kind, len(m.Data))
	}
}

// Sender delivers replies to the platform.
type Sender interface {
	Send(ctx context.Context, ev *Event, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, ev *Event, msg Message) error

func (f SenderFunc) Send(ctx context.Context, ev *Event, msg Message) error { return f(ctx, ev, msg) }

// Observer sees every reply made through an observed view before it is sent.
type Observer func(msg Message)

var ErrNoSender = errors.New("event has no sender")

func (e *Event) send(ctx context.Context, msg Message) error {
	e.state.replies.Add(1)
	if e.observer != nil {
		e.observer(msg)
	}
	if e.sender == nil {
		return ErrNoSender
	}
	return e.sender.Send(ctx, e, msg)
}

func (e *Event) Reply(ctx context.Context, text string) error {
	return e.send(ctx, Message{Kind: KindText, Text: text})
}

func (e *Event) ReplyMarkdown(ctx context.Context, md string) error {
	return e.send(ctx, Message{Kind: KindMarkdown, Text: md})
}

// ReplyImage sends an image given either a URL or raw bytes.
func (e *Event) ReplyImage(ctx context.Context, url string, data []byte, caption string) error {
	return e.send(ctx, Message{Kind: KindImage, URL: url, Data: data, Text: caption})
}

func (e *Event) ReplyVoice(ctx context.Context, url string, data []byte) error {
	return e.send(ctx, Message{Kind: KindVoice, URL: url, Data: data})
}

func (e *Event) ReplyVideo(ctx context.Context, url string, data []byte) error {
	return e.send(ctx, Message{Kind: KindVideo, URL: url, Data: data})
}

func (e *Event) ReplyArk(ctx context.Context, template int, kv map[string]any) error {
	return e.send(ctx, Message{Kind: KindArk, ArkTemplate: template, Ark: kv})
}
