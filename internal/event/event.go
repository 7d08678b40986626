// Package event models one inbound platform event: parsed identity fields,
// raw-field lookup over the original JSON payload, and the reply operations a
// handler uses to answer.
package event

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/tidwall/gjson"
)

// Event types delivered by the gateway.
const (
	TypeGroupMessage   = "GROUP_AT_MESSAGE_CREATE"
	TypeDirectMessage  = "C2C_MESSAGE_CREATE"
	TypeInteraction    = "INTERACTION_CREATE"
	TypeChannelMessage = "AT_MESSAGE_CREATE"
	TypeGroupAddRobot  = "GROUP_ADD_ROBOT"
	TypeUnknown        = "UNKNOWN"
)

// interactionSelfTriggered marks button callbacks caused by the bot itself.
const interactionSelfTriggered = 13

var faceCode = regexp.MustCompile(`<faceType=\d+,faceId="[^"]+",ext="[^"]+">`)

// state is shared by an event and every fork of it.
type state struct {
	handled atomic.Bool
	replies atomic.Int64
}

type Event struct {
	Type      string
	ID        string
	UserID    string
	GroupID   string
	ChannelID string
	// Content is the cleaned message text. A leading "/" is kept; the
	// dispatcher decides how to treat it.
	Content string
	// RawContent is the text exactly as delivered.
	RawContent string
	// Ignore marks events that must never reach plugins.
	Ignore bool

	raw    gjson.Result
	state  *state
	sender Sender

	observer Observer
	matches  []string
	named    map[string]string
}

// Parse builds an Event from a gateway payload of the form {"t": ..., "d": {...}}.
func Parse(payload []byte, sender Sender) (*Event, error) {
	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("parse event: invalid json")
	}
	e := &Event{raw: gjson.ParseBytes(payload), state: &state{}, sender: sender}
	e.Type = e.Get("t").String()
	e.ID = e.Get("d/id").String()

	switch e.Type {
	case TypeGroupMessage:
		e.RawContent = e.Get("d/content").String()
		e.UserID = e.Get("d/author/id").String()
		e.GroupID = firstString(e, "d/group_id", "d/group_openid")
	case TypeDirectMessage:
		e.RawContent = e.Get("d/content").String()
		e.UserID = firstString(e, "d/author/id", "d/author/user_openid")
	case TypeInteraction:
		if e.Get("d/type").Int() == interactionSelfTriggered {
			e.Ignore = true
			return e, nil
		}
		e.RawContent = e.Get("d/data/resolved/button_data").String()
		chatType, scene := e.Get("d/chat_type").Int(), e.Get("d/scene").String()
		switch {
		case chatType == 1 || scene == "group":
			e.GroupID = firstString(e, "d/group_openid", "d/group_id")
			e.UserID = firstString(e, "d/group_member_openid", "d/author/id")
		case chatType == 2 || scene == "c2c":
			e.UserID = firstString(e, "d/user_openid", "d/author/id")
		default:
			e.GroupID = firstString(e, "d/group_openid", "d/group_id")
			e.UserID = firstString(e, "d/group_member_openid", "d/user_openid", "d/author/id")
		}
	case TypeChannelMessage:
		e.RawContent = stripMention(e.Get("d/content").String(), e.Get("d/mentions/0/id").String())
		e.UserID = e.Get("d/author/id").String()
		e.ChannelID = e.Get("d/channel_id").String()
	case TypeGroupAddRobot:
		e.UserID = e.Get("d/op_member_openid").String()
		e.GroupID = e.Get("d/group_openid").String()
	default:
		e.Type = TypeUnknown
	}
	e.Content = sanitize(e.RawContent)
	return e, nil
}

// New builds a message event without a gateway payload. Channel adapters and
// tests use it; Get still resolves d/content, d/author/id and d/group_id.
func New(typ, userID, groupID, content string, sender Sender) *Event {
	d := map[string]any{
		"content": content,
		"author":  map[string]any{"id": userID},
	}
	if groupID != "" {
		d["group_id"] = groupID
	}
	payload, _ := json.Marshal(map[string]any{"t": typ, "d": d})
	return &Event{
		Type:       typ,
		UserID:     userID,
		GroupID:    groupID,
		Content:    sanitize(content),
		RawContent: content,
		raw:        gjson.ParseBytes(payload),
		state:      &state{},
		sender:     sender,
	}
}

func firstString(e *Event, paths ...string) string {
	for _, p := range paths {
		if v := e.Get(p).String(); v != "" {
			return v
		}
	}
	return ""
}

func stripMention(content, botID string) string {
	if botID == "" {
		return strings.TrimSpace(content)
	}
	for _, prefix := range []string{"<@!" + botID + ">", "<@" + botID + ">"} {
		if strings.HasPrefix(content, prefix) {
			return strings.TrimSpace(content[len(prefix):])
		}
	}
	return strings.TrimSpace(content)
}

func sanitize(content string) string {
	return strings.TrimSpace(faceCode.ReplaceAllString(content, ""))
}

// Get resolves a slash-separated path ("d/author/id") against the raw payload.
func (e *Event) Get(path string) gjson.Result {
	return e.raw.Get(gjsonPath(path))
}

func gjsonPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, p := range parts {
		parts[i] = escaper.Replace(p)
	}
	return strings.Join(parts, ".")
}

var escaper = strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)

// IsGroup reports whether the event came from a group context. Channel
// @-messages count as group.
func (e *Event) IsGroup() bool {
	switch e.Type {
	case TypeGroupMessage, TypeChannelMessage:
		return true
	case TypeInteraction:
		if ct := e.Get("d/chat_type"); ct.Exists() {
			return ct.Int() == 1
		}
		if scene := e.Get("d/scene"); scene.Exists() {
			return scene.String() == "group"
		}
	}
	return e.GroupID != "" && e.GroupID != "c2c"
}

func (e *Event) Handled() bool { return e.state.handled.Load() }

func (e *Event) SetHandled() { e.state.handled.Store(true) }

// ReplyCount is the number of replies sent through this event or its forks.
func (e *Event) ReplyCount() int64 { return e.state.replies.Load() }

// Matches returns the capture groups of the pattern that selected the
// current handler.
func (e *Event) Matches() []string { return e.matches }

// Match returns capture group i (1-based), or "".
func (e *Event) Match(i int) string {
	if i < 1 || i > len(e.matches) {
		return ""
	}
	return e.matches[i-1]
}

// Named returns a named capture group, or "".
func (e *Event) Named(name string) string { return e.named[name] }

// NamedGroups returns a copy of every named capture group.
func (e *Event) NamedGroups() map[string]string {
	out := make(map[string]string, len(e.named))
	for k, v := range e.named {
		out[k] = v
	}
	return out
}

// Fork returns a view of e for one handler call. The view shares the handled
// flag and sender, but carries its own content, captures and reply observer.
func (e *Event) Fork(content string, matches []string, named map[string]string) *Event {
	cp := *e
	cp.Content = content
	cp.matches = matches
	cp.named = named
	cp.observer = nil
	return &cp
}

// WithObserver returns a copy of e whose replies are reported to obs before
// being sent.
func (e *Event) WithObserver(obs Observer) *Event {
	cp := *e
	cp.observer = obs
	return &cp
}
