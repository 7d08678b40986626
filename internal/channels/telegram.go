package channels

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-plugbot/internal/event"
)

// botAPI is the slice of the Telegram client the channel uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramChannel turns Telegram updates into events and delivers replies
// back to the originating chat.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	dispatcher Dispatcher
	logger     *slog.Logger

	bot      *tgbotapi.BotAPI
	api      botAPI
	selfID   int64
	selfName string

	inflight sync.WaitGroup
}

// NewTelegramChannel creates a new Telegram channel. An empty allowlist
// admits everyone; access control is then left to the gate pipeline.
func NewTelegramChannel(token string, allowedIDs []int64, dispatcher Dispatcher, logger *slog.Logger) *TelegramChannel {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		dispatcher: dispatcher,
		logger:     logger.With("component", "telegram"),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.api = t.bot
	t.selfID = t.bot.Self.ID
	t.selfName = t.bot.Self.UserName
	defer t.inflight.Wait()

	t.logger.Info("telegram bot started", "user", t.selfName)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within the stall timeout.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi blocks rather than closing the channel on a dead connection.
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			msg := update.Message
			if msg == nil || msg.From == nil {
				continue
			}
			if !t.allowed(msg.From.ID) {
				t.logger.Warn("telegram access denied", "user_id", msg.From.ID, "user_name", msg.From.UserName)
				continue
			}
			ev := t.toEvent(msg)
			if ev == nil {
				continue
			}
			t.inflight.Add(1)
			go func() {
				defer t.inflight.Done()
				t.dispatcher.Dispatch(ctx, ev)
			}()

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) allowed(id int64) bool {
	if len(t.allowedIDs) == 0 {
		return true
	}
	_, ok := t.allowedIDs[id]
	return ok
}

// toEvent maps a Telegram message onto the bot's event model. Private chats
// become direct messages and everything else a group message keyed by chat
// id. Returns nil for messages with nothing to route.
func (t *TelegramChannel) toEvent(msg *tgbotapi.Message) *event.Event {
	userID := strconv.FormatInt(msg.From.ID, 10)
	chatID := msg.Chat.ID
	groupID := ""
	if !msg.Chat.IsPrivate() {
		groupID = strconv.FormatInt(chatID, 10)
	}
	sender := t.senderFor(chatID, msg.MessageID)

	if groupID != "" && slices.ContainsFunc(msg.NewChatMembers, func(u tgbotapi.User) bool { return u.ID == t.selfID }) {
		ev := event.New(event.TypeGroupAddRobot, userID, groupID, "", sender)
		ev.ID = strconv.Itoa(msg.MessageID)
		return ev
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if t.selfName != "" {
		text = strings.ReplaceAll(text, "@"+t.selfName, "")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	typ := event.TypeDirectMessage
	if groupID != "" {
		typ = event.TypeGroupMessage
	}
	ev := event.New(typ, userID, groupID, text, sender)
	ev.ID = strconv.Itoa(msg.MessageID)
	return ev
}

func (t *TelegramChannel) senderFor(chatID int64, replyTo int) event.Sender {
	return event.SenderFunc(func(_ context.Context, _ *event.Event, m event.Message) error {
		if t.api == nil {
			return fmt.Errorf("telegram channel not started")
		}
		c, err := renderMessage(chatID, replyTo, m)
		if err != nil {
			return err
		}
		if _, err := t.api.Send(c); err != nil {
			return fmt.Errorf("telegram send %s: %w", m.Kind, err)
		}
		return nil
	})
}

// renderMessage converts a reply into the matching Telegram request. Ark
// cards have no Telegram equivalent and are sent as key: value lines.
func renderMessage(chatID int64, replyTo int, m event.Message) (tgbotapi.Chattable, error) {
	switch m.Kind {
	case event.KindText:
		msg := tgbotapi.NewMessage(chatID, m.Text)
		msg.ReplyToMessageID = replyTo
		return msg, nil
	case event.KindMarkdown:
		msg := tgbotapi.NewMessage(chatID, m.Text)
		msg.ParseMode = tgbotapi.ModeMarkdown
		msg.ReplyToMessageID = replyTo
		return msg, nil
	case event.KindArk:
		msg := tgbotapi.NewMessage(chatID, arkText(m))
		msg.ReplyToMessageID = replyTo
		return msg, nil
	}

	file, err := fileData(m)
	if err != nil {
		return nil, err
	}
	switch m.Kind {
	case event.KindImage:
		photo := tgbotapi.NewPhoto(chatID, file)
		photo.Caption = m.Text
		photo.ReplyToMessageID = replyTo
		return photo, nil
	case event.KindVoice:
		voice := tgbotapi.NewVoice(chatID, file)
		voice.ReplyToMessageID = replyTo
		return voice, nil
	case event.KindVideo:
		video := tgbotapi.NewVideo(chatID, file)
		video.ReplyToMessageID = replyTo
		return video, nil
	}
	return nil, fmt.Errorf("unsupported message kind %q", m.Kind)
}

func fileData(m event.Message) (tgbotapi.RequestFileData, error) {
	switch {
	case m.URL != "":
		return tgbotapi.FileURL(m.URL), nil
	case len(m.Data) > 0:
		return tgbotapi.FileBytes{Name: string(m.Kind), Bytes: m.Data}, nil
	}
	return nil, fmt.Errorf("%s reply needs a url or data", m.Kind)
}

func arkText(m event.Message) string {
	keys := make([]string, 0, len(m.Ark))
	for k := range m.Ark {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, m.Ark[k])
	}
	return strings.TrimSpace(b.String())
}
