// Package notify renders and sends the fixed user-facing notices: gate
// refusals, permission denials, the default reply, the welcome message and
// delivery error tips.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"text/template"

	"github.com/basket/go-plugbot/internal/config"
	"github.com/basket/go-plugbot/internal/event"
)

type Kind string

const (
	KindBlacklist      Kind = "blacklist"
	KindGroupBlacklist Kind = "group_blacklist"
	KindMaintenance    Kind = "maintenance"
	KindGroupOnly      Kind = "group_only"
	KindOwnerOnly      Kind = "owner_only"
	KindDefault        Kind = "default"
	KindWelcome        Kind = "welcome"
	KindAPIError       Kind = "api_error"
)

// Kinds lists every notice kind in a stable order.
var Kinds = []Kind{
	KindBlacklist, KindGroupBlacklist, KindMaintenance, KindGroupOnly,
	KindOwnerOnly, KindDefault, KindWelcome, KindAPIError,
}

var defaults = map[Kind]string{
	KindBlacklist:      "<@{{.UserID}}> you are blacklisted and cannot use any command. If this is a mistake, send myid and contact the admins.\n\nReason: {{or .Reason \"unspecified\"}}",
	KindGroupBlacklist: "This group is blacklisted and the bot will not respond here.\n\nReason: {{or .Reason \"unspecified\"}}",
	KindMaintenance:    "The bot is under maintenance, please try again later.\nCommands resume automatically once maintenance ends.",
	KindGroupOnly:      "<@{{.UserID}}> this command is only available in group chats.",
	KindOwnerOnly:      "<@{{.UserID}}> you do not have permission to use this command.",
	KindDefault:        "<@{{.UserID}}> unknown command. Send /help for the command list.",
	KindWelcome:        "Hello everyone, thanks for adding me! Mention me with a command to get started.",
	KindAPIError:       "Message delivery failed\n\n{{.Tip}}\ncode: {{.Code}}",
}

// markdownKinds are sent with the markdown reply type.
var markdownKinds = map[Kind]bool{KindWelcome: true, KindAPIError: true}

// apiErrorTips maps platform delivery error codes to user hints.
var apiErrorTips = map[int]string{
	40034006: "The message was rejected by content review.",
	40054017: "The message was intercepted, possibly because of your group nickname.",
	50015006: "The platform is busy, try again shortly.",
	40054010: "URLs are not allowed in messages.",
	40034028: "URLs are not allowed in messages.",
}

// APIErrorTip returns the user hint for a delivery error code.
func APIErrorTip(code int) string {
	if tip, ok := apiErrorTips[code]; ok {
		return tip
	}
	return "Unknown error, please report it with a screenshot."
}

// Args feeds template rendering. Extra carries plugin-specific keys.
type Args struct {
	UserID  string
	GroupID string
	Reason  string
	Code    int
	Tip     string
	Extra   map[string]string
}

type Notifier struct {
	store  *config.Store
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*template.Template
}

func New(store *config.Store, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		store:  store,
		logger: logger.With("component", "notify"),
		cache:  make(map[string]*template.Template),
	}
}

// Render returns the text for kind. Config overrides take precedence over
// the built-in defaults; an override that fails to parse or execute falls
// back to the default.
func (n *Notifier) Render(kind Kind, args Args) (string, error) {
	if kind == KindAPIError && args.Tip == "" {
		args.Tip = APIErrorTip(args.Code)
	}
	if n.store != nil {
		if src, ok := n.store.Current().Templates[string(kind)]; ok && src != "" {
			out, err := n.execute(src, args)
			if err == nil {
				return out, nil
			}
			n.logger.Warn("template override failed, using default", "kind", kind, "error", err)
		}
	}
	src, ok := defaults[kind]
	if !ok {
		return "", fmt.Errorf("unknown notice kind %q", kind)
	}
	return n.execute(src, args)
}

func (n *Notifier) execute(src string, args Args) (string, error) {
	n.mu.Lock()
	tpl, ok := n.cache[src]
	if !ok {
		var err error
		tpl, err = template.New("notice").Option("missingkey=zero").Parse(src)
		if err != nil {
			n.mu.Unlock()
			return "", fmt.Errorf("parse template: %w", err)
		}
		n.cache[src] = tpl
	}
	n.mu.Unlock()

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, args); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return buf.String(), nil
}

// Send renders kind for ev and replies with it. UserID and GroupID default
// to the event's.
func (n *Notifier) Send(ctx context.Context, ev *event.Event, kind Kind, args Args) error {
	if args.UserID == "" {
		args.UserID = ev.UserID
	}
	if args.GroupID == "" {
		args.GroupID = ev.GroupID
	}
	text, err := n.Render(kind, args)
	if err != nil {
		return err
	}
	if markdownKinds[kind] {
		err = ev.ReplyMarkdown(ctx, text)
	} else {
		err = ev.Reply(ctx, text)
	}
	if err != nil {
		n.logger.Warn("notice delivery failed", "kind", kind, "user", ev.UserID, "group", ev.GroupID, "error", err)
		return fmt.Errorf("send %s notice: %w", kind, err)
	}
	return nil
}
