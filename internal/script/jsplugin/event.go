package jsplugin

import (
	"context"

	"github.com/dop251/goja"

	"github.com/basket/go-plugbot/internal/event"
)

// eventObject exposes ev to JavaScript. Reply failures throw.
func eventObject(vm *goja.Runtime, ctx context.Context, ev *event.Event) *goja.Object {
	o := vm.NewObject()
	_ = o.Set("content", ev.Content)
	_ = o.Set("rawContent", ev.RawContent)
	_ = o.Set("userId", ev.UserID)
	_ = o.Set("groupId", ev.GroupID)
	_ = o.Set("eventType", ev.Type)
	_ = o.Set("isGroup", ev.IsGroup())

	matches := make([]any, 0, len(ev.Matches()))
	for _, g := range ev.Matches() {
		matches = append(matches, g)
	}
	_ = o.Set("matches", vm.NewArray(matches...))
	named := vm.NewObject()
	for k, v := range ev.NamedGroups() {
		_ = named.Set(k, v)
	}
	_ = o.Set("named", named)

	throw := func(err error) {
		if err != nil {
			panic(vm.NewGoError(err))
		}
	}
	_ = o.Set("reply", func(text string) { throw(ev.Reply(ctx, text)) })
	_ = o.Set("replyMarkdown", func(md string) { throw(ev.ReplyMarkdown(ctx, md)) })
	_ = o.Set("replyImage", func(url string, caption string) { throw(ev.ReplyImage(ctx, url, nil, caption)) })
	_ = o.Set("replyVoice", func(url string) { throw(ev.ReplyVoice(ctx, url, nil)) })
	_ = o.Set("replyVideo", func(url string) { throw(ev.ReplyVideo(ctx, url, nil)) })
	_ = o.Set("replyArk", func(template int, kv map[string]any) { throw(ev.ReplyArk(ctx, template, kv)) })
	_ = o.Set("get", func(path string) any {
		r := ev.Get(path)
		if !r.Exists() {
			return nil
		}
		return r.Value()
	})
	return o
}
