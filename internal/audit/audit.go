// Package audit appends one JSON line per plugin reply, gate stop, handler
// failure, task transition and plugin file change to <home>/logs/audit.jsonl.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-plugbot/internal/bus"
	"github.com/basket/go-plugbot/internal/shared"
)

// Entry kinds.
const (
	KindReply        = "reply"
	KindGateStop     = "gate_stop"
	KindHandlerError = "handler_error"
	KindTaskReaped   = "task_reaped"
	KindTaskPromoted = "task_promoted"
	KindTaskFinished = "task_finished"
	KindPluginFile   = "plugin_file"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	Plugin    string `json:"plugin,omitempty"`
	Handler   string `json:"handler,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
	// Sequence is "first" or "continued" for replies.
	Sequence string `json:"sequence,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

var (
	mu         sync.Mutex
	file       *os.File
	replyCount atomic.Int64
	stopCount  atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// ReplyCount returns the number of plugin replies recorded since startup.
func ReplyCount() int64 {
	return replyCount.Load()
}

// GateStopCount returns the number of events stopped by gates since startup.
func GateStopCount() int64 {
	return stopCount.Load()
}

// RecordReply captures one outbound reply sent by a plugin handler.
func RecordReply(plugin, handler, userID, groupID, payload string, first bool) {
	replyCount.Add(1)
	seq := "continued"
	if first {
		seq = "first"
	}
	write(entry{Kind: KindReply, Plugin: plugin, Handler: handler, UserID: userID, GroupID: groupID, Sequence: seq, Detail: payload})
}

// RecordGateStop captures an event short-circuited before matching.
func RecordGateStop(gate, userID, groupID, reason string) {
	stopCount.Add(1)
	write(entry{Kind: KindGateStop, Plugin: gate, UserID: userID, GroupID: groupID, Detail: reason})
}

// RecordHandlerError captures a handler failure with the content snippet.
func RecordHandlerError(plugin, handler, userID, groupID, detail string) {
	write(entry{Kind: KindHandlerError, Plugin: plugin, Handler: handler, UserID: userID, GroupID: groupID, Detail: detail})
}

// RecordTaskReaped captures a background task removed at the hard timeout.
func RecordTaskReaped(plugin, handler, userID, groupID, detail string) {
	write(entry{Kind: KindTaskReaped, Plugin: plugin, Handler: handler, UserID: userID, GroupID: groupID, Detail: detail})
}

// Follow records plugin file and background task transitions published on
// b until ctx ends. Reaped tasks are recorded by the scheduler directly.
func Follow(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("")
	go func() {
		defer b.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				recordLifecycle(ev)
			}
		}
	}()
}

func recordLifecycle(ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.PluginEvent:
		detail := fmt.Sprintf("%s %s handlers=%d", strings.TrimPrefix(ev.Topic, "plugin."), p.Path, p.Handlers)
		if len(p.Plugins) > 0 {
			detail += " plugins=" + strings.Join(p.Plugins, ",")
		}
		if p.Err != nil {
			detail += " error=" + p.Err.Error()
		}
		write(entry{Kind: KindPluginFile, Detail: detail})
	case bus.TaskEvent:
		var kind string
		switch ev.Topic {
		case bus.TopicTaskPromoted:
			kind = KindTaskPromoted
		case bus.TopicTaskFinished:
			kind = KindTaskFinished
		default:
			return
		}
		detail := "task " + p.TaskID + " age " + p.Age.Round(time.Millisecond).String()
		if p.Err != nil {
			detail += " error=" + p.Err.Error()
		}
		write(entry{Kind: kind, Plugin: p.Plugin, Handler: p.Handler, UserID: p.UserID, GroupID: p.GroupID, Detail: detail})
	}
}

func write(ev entry) {
	ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	ev.Detail = shared.Redact(shared.Snippet(ev.Detail, 200))

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
