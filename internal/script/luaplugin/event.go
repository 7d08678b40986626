package luaplugin

import (
	"context"

	lua "github.com/yuin/gopher-lua"

	"github.com/basket/go-plugbot/internal/event"
)

// eventTable exposes ev to Lua. Reply methods are called with colon syntax,
// so their first argument is the table itself.
func eventTable(L *lua.LState, ctx context.Context, ev *event.Event) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("content", lua.LString(ev.Content))
	t.RawSetString("raw_content", lua.LString(ev.RawContent))
	t.RawSetString("user_id", lua.LString(ev.UserID))
	t.RawSetString("group_id", lua.LString(ev.GroupID))
	t.RawSetString("event_type", lua.LString(ev.Type))
	t.RawSetString("is_group", lua.LBool(ev.IsGroup()))

	matches := L.NewTable()
	for _, g := range ev.Matches() {
		matches.Append(lua.LString(g))
	}
	t.RawSetString("matches", matches)
	named := L.NewTable()
	for k, v := range ev.NamedGroups() {
		named.RawSetString(k, lua.LString(v))
	}
	t.RawSetString("named", named)

	reply := func(send func(L *lua.LState) error) lua.LGFunction {
		return func(L *lua.LState) int {
			if err := send(L); err != nil {
				L.Push(lua.LFalse)
				L.Push(lua.LString(err.Error()))
				return 2
			}
			L.Push(lua.LTrue)
			return 1
		}
	}
	L.SetFuncs(t, map[string]lua.LGFunction{
		"reply": reply(func(L *lua.LState) error {
			return ev.Reply(ctx, L.CheckString(2))
		}),
		"reply_markdown": reply(func(L *lua.LState) error {
			return ev.ReplyMarkdown(ctx, L.CheckString(2))
		}),
		"reply_image": reply(func(L *lua.LState) error {
			return ev.ReplyImage(ctx, L.CheckString(2), nil, L.OptString(3, ""))
		}),
		"reply_voice": reply(func(L *lua.LState) error {
			return ev.ReplyVoice(ctx, L.CheckString(2), nil)
		}),
		"reply_video": reply(func(L *lua.LState) error {
			return ev.ReplyVideo(ctx, L.CheckString(2), nil)
		}),
		"reply_ark": reply(func(L *lua.LState) error {
			kv, _ := toGo(L.OptTable(3, L.NewTable())).(map[string]any)
			return ev.ReplyArk(ctx, L.CheckInt(2), kv)
		}),
		"get": func(L *lua.LState) int {
			r := ev.Get(L.CheckString(2))
			if !r.Exists() {
				L.Push(lua.LNil)
				return 1
			}
			L.Push(fromGo(L, r.Value()))
			return 1
		},
	})
	return t
}

// toGo converts plain Lua data. Tables with a 1..n sequence become slices,
// other tables maps with string keys.
func toGo(v lua.LValue) any {
	switch v := v.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if n := v.Len(); n > 0 {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, toGo(v.RawGetInt(i)))
			}
			return out
		}
		out := map[string]any{}
		v.ForEach(func(k, val lua.LValue) {
			out[lua.LVAsString(k)] = toGo(val)
		})
		return out
	default:
		return nil
	}
}

func fromGo(L *lua.LState, v any) lua.LValue {
	switch v := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case float64:
		return lua.LNumber(v)
	case string:
		return lua.LString(v)
	case []any:
		t := L.NewTable()
		for _, item := range v {
			t.Append(fromGo(L, item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, item := range v {
			t.RawSetString(k, fromGo(L, item))
		}
		return t
	default:
		return lua.LNil
	}
}
