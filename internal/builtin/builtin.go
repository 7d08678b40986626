// Package builtin holds the compiled-in command plugins: self-id lookup and
// the owner administration commands.
package builtin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/basket/go-plugbot/internal/bus"
	"github.com/basket/go-plugbot/internal/config"
	"github.com/basket/go-plugbot/internal/event"
	"github.com/basket/go-plugbot/internal/gate"
	"github.com/basket/go-plugbot/internal/plugin"
	"github.com/basket/go-plugbot/internal/registry"
	"github.com/basket/go-plugbot/internal/scheduler"
)

// Priority runs built-ins ahead of script plugins.
const Priority = 1

// TaskLister reports background tasks.
type TaskLister interface {
	Tasks() []scheduler.Task
}

type Deps struct {
	Store    *config.Store
	Users    *gate.Blacklist
	Groups   *gate.Blacklist
	Tasks    TaskLister
	Registry *registry.Registry
	Bus      *bus.Bus
	Logger   *slog.Logger
	// Persist writes maintenance changes to config.yaml. Defaults to
	// config.SetMaintenance.
	Persist func(homeDir string, on bool) error
	// Housekeeping reports the next run of each housekeeping job.
	Housekeeping func() map[string]time.Time
}

type commands struct {
	deps   Deps
	logger *slog.Logger
}

// Providers returns the built-in plugins wired to deps.
func Providers(deps Deps) []plugin.Provider {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Persist == nil {
		deps.Persist = config.SetMaintenance
	}
	c := &commands{deps: deps, logger: logger.With("component", "builtin")}

	owner := func(r plugin.Route) plugin.Route {
		r.OwnerOnly = true
		return r
	}
	self := &plugin.Static{ProviderName: "SelfID", Prio: plugin.Prio(Priority), Routes: []plugin.Route{
		plugin.Func(`myid\s*$`, "myid", c.myID),
	}}
	admin := &plugin.Static{ProviderName: "Admin", Prio: plugin.Prio(Priority), Routes: []plugin.Route{
		owner(plugin.Func(`maintenance\s+(on|off)\s*$`, "maintenance_toggle", c.maintenanceToggle)),
		owner(plugin.Func(`maintenance\s*$`, "maintenance_status", c.maintenanceStatus)),
		owner(plugin.Func(`blacklist\s+add\s+(\S+)(?:\s+(.+))?$`, "blacklist_add", c.listAdd(false))),
		owner(plugin.Func(`blacklist\s+(?:remove|rm)\s+(\S+)\s*$`, "blacklist_remove", c.listRemove(false))),
		owner(plugin.Func(`blacklist(?:\s+list)?\s*$`, "blacklist_list", c.listShow(false))),
		owner(plugin.Func(`group-blacklist\s+add\s+(\S+)(?:\s+(.+))?$`, "group_blacklist_add", c.listAdd(true))),
		owner(plugin.Func(`group-blacklist\s+(?:remove|rm)\s+(\S+)\s*$`, "group_blacklist_remove", c.listRemove(true))),
		owner(plugin.Func(`group-blacklist(?:\s+list)?\s*$`, "group_blacklist_list", c.listShow(true))),
		owner(plugin.Func(`tasks\s*$`, "tasks", c.tasks)),
		owner(plugin.Func(`plugins\s*$`, "plugins", c.plugins)),
	}}
	return []plugin.Provider{self, admin}
}

func (c *commands) myID(ctx context.Context, ev *event.Event) (plugin.Result, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "user id: %s", ev.UserID)
	if ev.GroupID != "" {
		fmt.Fprintf(&b, "\ngroup id: %s", ev.GroupID)
	}
	return plugin.Stop, ev.Reply(ctx, b.String())
}

func (c *commands) maintenanceToggle(ctx context.Context, ev *event.Event) (plugin.Result, error) {
	on := ev.Match(1) == "on"
	cfg := c.deps.Store.Update(func(cfg *config.Config) { cfg.MaintenanceMode = on })
	c.logger.Info("maintenance mode changed", "enabled", on, "by", ev.UserID)

	msg := "maintenance mode disabled"
	if on {
		msg = "maintenance mode enabled, only owners can use commands"
	}
	if cfg.HomeDir != "" {
		if err := c.deps.Persist(cfg.HomeDir, on); err != nil {
			c.logger.Warn("maintenance change not persisted", "error", err)
			msg += " (not saved: " + err.Error() + ")"
		}
	}
	if c.deps.Bus != nil {
		c.deps.Bus.Publish(bus.TopicMaintenanceToggle, bus.ConfigEvent{Path: config.ConfigPath(cfg.HomeDir), Fingerprint: cfg.Fingerprint()})
	}
	return plugin.Stop, ev.Reply(ctx, msg)
}

func (c *commands) maintenanceStatus(ctx context.Context, ev *event.Event) (plugin.Result, error) {
	state := "off"
	if c.deps.Store.Current().MaintenanceMode {
		state = "on"
	}
	return plugin.Stop, ev.Reply(ctx, "maintenance mode is "+state)
}

func (c *commands) list(group bool) (*gate.Blacklist, string) {
	if group {
		return c.deps.Groups, "group blacklist"
	}
	return c.deps.Users, "blacklist"
}

func (c *commands) changed() {
	if c.deps.Bus != nil {
		c.deps.Bus.Publish(bus.TopicBlacklistChanged, bus.ConfigEvent{})
	}
}

func (c *commands) listAdd(group bool) plugin.Handler {
	return func(ctx context.Context, ev *event.Event) (plugin.Result, error) {
		list, label := c.list(group)
		if list == nil {
			return plugin.Stop, ev.Reply(ctx, label+" is not configured")
		}
		id, reason := ev.Match(1), strings.TrimSpace(ev.Match(2))
		if reason == "" {
			reason = "unspecified"
		}
		if err := list.Add(id, reason); err != nil {
			return plugin.Stop, fmt.Errorf("%s add %s: %w", label, id, err)
		}
		c.changed()
		c.logger.Info("blacklist entry added", "list", label, "id", id, "reason", reason, "by", ev.UserID)
		return plugin.Stop, ev.Reply(ctx, fmt.Sprintf("added %s to the %s: %s", id, label, reason))
	}
}

func (c *commands) listRemove(group bool) plugin.Handler {
	return func(ctx context.Context, ev *event.Event) (plugin.Result, error) {
		list, label := c.list(group)
		if list == nil {
			return plugin.Stop, ev.Reply(ctx, label+" is not configured")
		}
		id := ev.Match(1)
		found, err := list.Remove(id)
		if err != nil {
			return plugin.Stop, fmt.Errorf("%s remove %s: %w", label, id, err)
		}
		if !found {
			return plugin.Stop, ev.Reply(ctx, fmt.Sprintf("%s is not on the %s", id, label))
		}
		c.changed()
		c.logger.Info("blacklist entry removed", "list", label, "id", id, "by", ev.UserID)
		return plugin.Stop, ev.Reply(ctx, fmt.Sprintf("removed %s from the %s", id, label))
	}
}

func (c *commands) listShow(group bool) plugin.Handler {
	return func(ctx context.Context, ev *event.Event) (plugin.Result, error) {
		list, label := c.list(group)
		if list == nil {
			return plugin.Stop, ev.Reply(ctx, label+" is not configured")
		}
		entries := list.List()
		if len(entries) == 0 {
			return plugin.Stop, ev.Reply(ctx, label+" is empty")
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%s (%d):", label, len(entries))
		for _, id := range list.IDs() {
			fmt.Fprintf(&b, "\n%s: %s", id, entries[id])
		}
		return plugin.Stop, ev.Reply(ctx, b.String())
	}
}

func (c *commands) tasks(ctx context.Context, ev *event.Event) (plugin.Result, error) {
	if c.deps.Tasks == nil {
		return plugin.Stop, ev.Reply(ctx, "no scheduler")
	}
	tasks := c.deps.Tasks.Tasks()
	var b strings.Builder
	if len(tasks) == 0 {
		b.WriteString("no background tasks")
	} else {
		fmt.Fprintf(&b, "background tasks (%d):", len(tasks))
	}
	for _, t := range tasks {
		fmt.Fprintf(&b, "\n%s %s.%s user=%s age=%s %q", shortID(t.ID), t.Plugin, t.Handler, t.UserID, t.Age.Round(time.Second), t.Content)
	}
	if c.deps.Housekeeping != nil {
		next := c.deps.Housekeeping()
		names := make([]string, 0, len(next))
		for name := range next {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "\nnext %s in %s", name, time.Until(next[name]).Round(time.Second))
		}
	}
	return plugin.Stop, ev.Reply(ctx, b.String())
}

func (c *commands) plugins(ctx context.Context, ev *event.Event) (plugin.Result, error) {
	if c.deps.Registry == nil {
		return plugin.Stop, ev.Reply(ctx, "no registry")
	}
	snap := c.deps.Registry.Snapshot()
	counts := map[string]int{}
	var owners []string
	for _, e := range snap.Entries() {
		if counts[e.Owner] == 0 {
			owners = append(owners, e.Owner)
		}
		counts[e.Owner]++
	}
	sort.SliceStable(owners, func(i, j int) bool { return snap.Priority(owners[i]) < snap.Priority(owners[j]) })
	var b strings.Builder
	fmt.Fprintf(&b, "%d plugins, %d handlers:", snap.Owners(), snap.Len())
	for _, o := range owners {
		fmt.Fprintf(&b, "\n[%d] %s: %d", snap.Priority(o), o, counts[o])
	}
	return plugin.Stop, ev.Reply(ctx, b.String())
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
