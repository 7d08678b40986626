package channels

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/basket/go-plugbot/internal/event"
)

// ConsoleChannel reads one message per line and prints replies. Lines
// starting with "#<group> " are delivered as group messages.
type ConsoleChannel struct {
	in         io.Reader
	out        io.Writer
	userID     string
	dispatcher Dispatcher
	logger     *slog.Logger

	mu sync.Mutex
}

func NewConsoleChannel(in io.Reader, out io.Writer, userID string, dispatcher Dispatcher, logger *slog.Logger) *ConsoleChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleChannel{
		in:         in,
		out:        out,
		userID:     userID,
		dispatcher: dispatcher,
		logger:     logger.With("component", "console"),
	}
}

func (c *ConsoleChannel) Name() string {
	return "console"
}

// Start dispatches lines in order until input ends or ctx is cancelled.
func (c *ConsoleChannel) Start(ctx context.Context) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					if err != nil {
						return fmt.Errorf("console read: %w", err)
					}
				default:
				}
				return nil
			}
			ev := c.toEvent(line)
			if ev == nil {
				continue
			}
			if !c.dispatcher.Dispatch(ctx, ev) {
				c.logger.Debug("console message unhandled", "content", ev.Content)
			}
		}
	}
}

func (c *ConsoleChannel) toEvent(line string) *event.Event {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if rest, ok := strings.CutPrefix(line, "#"); ok {
		group, text, _ := strings.Cut(rest, " ")
		text = strings.TrimSpace(text)
		if group == "" || text == "" {
			return nil
		}
		return event.New(event.TypeGroupMessage, c.userID, group, text, c)
	}
	return event.New(event.TypeDirectMessage, c.userID, "", line, c)
}

// Send implements event.Sender.
func (c *ConsoleChannel) Send(_ context.Context, ev *event.Event, m event.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	where := "dm"
	if ev.GroupID != "" {
		where = "#" + ev.GroupID
	}
	_, err := fmt.Fprintf(c.out, "[%s] %s\n", where, m.Summary())
	return err
}
