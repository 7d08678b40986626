// Package gate decides whether an event may reach plugins at all. Gates run
// in a fixed order and the first one that stops the event wins.
package gate

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-plugbot/internal/audit"
	"github.com/basket/go-plugbot/internal/bus"
	"github.com/basket/go-plugbot/internal/config"
	"github.com/basket/go-plugbot/internal/event"
	"github.com/basket/go-plugbot/internal/notify"
	"github.com/basket/go-plugbot/internal/otel"
)

// Verdict is a gate's decision. A zero Verdict lets the event through.
type Verdict struct {
	Stop bool
	// Notice is sent to the user when set.
	Notice notify.Kind
	Args   notify.Args
	Reason string
}

type Gate interface {
	Name() string
	Check(ctx context.Context, ev *event.Event) Verdict
}

// Decision names the gate that stopped an event.
type Decision struct {
	Gate string
	Verdict
}

type Pipeline struct {
	gates   []Gate
	users   *Blacklist
	groups  *Blacklist
	logger  *slog.Logger
	metrics *otel.Metrics
}

type Options struct {
	Store   *config.Store
	Users   *Blacklist
	Groups  *Blacklist
	Logger  *slog.Logger
	Metrics *otel.Metrics
	// Extra gates run after the built-in ones, in order.
	Extra []Gate
}

// NewPipeline builds group blacklist, user blacklist and maintenance gates,
// followed by opts.Extra. A nil blacklist disables its gate.
func NewPipeline(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = otel.NopMetrics()
	}
	gates := []Gate{
		&groupBlacklistGate{store: opts.Store, list: opts.Groups},
		&userBlacklistGate{store: opts.Store, list: opts.Users},
		&maintenanceGate{store: opts.Store},
	}
	gates = append(gates, opts.Extra...)
	return &Pipeline{
		gates:   gates,
		users:   opts.Users,
		groups:  opts.Groups,
		logger:  logger.With("component", "gate"),
		metrics: metrics,
	}
}

// Check runs the gates. It returns the first stopping decision.
func (p *Pipeline) Check(ctx context.Context, ev *event.Event) (Decision, bool) {
	for _, g := range p.gates {
		v := g.Check(ctx, ev)
		if !v.Stop {
			continue
		}
		p.logger.Info("event stopped by gate", "gate", g.Name(), "user", ev.UserID, "group", ev.GroupID, "reason", v.Reason)
		p.metrics.GateStops.Add(ctx, 1, metric.WithAttributes(otel.AttrGate.String(g.Name())))
		audit.RecordGateStop(g.Name(), ev.UserID, ev.GroupID, v.Reason)
		return Decision{Gate: g.Name(), Verdict: v}, true
	}
	return Decision{}, false
}

// Names lists the gates in run order.
func (p *Pipeline) Names() []string {
	out := make([]string, 0, len(p.gates))
	for _, g := range p.gates {
		out = append(out, g.Name())
	}
	return out
}

// Follow invalidates the blacklist caches whenever configuration or
// blacklist files change, until ctx ends.
func (p *Pipeline) Follow(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("config.")
	go func() {
		defer b.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-sub.Ch():
				if !ok {
					return
				}
				p.Invalidate()
			}
		}
	}()
}

// Invalidate drops both blacklist caches.
func (p *Pipeline) Invalidate() {
	if p.users != nil {
		p.users.Invalidate()
	}
	if p.groups != nil {
		p.groups.Invalidate()
	}
}

type groupBlacklistGate struct {
	store *config.Store
	list  *Blacklist
}

func (g *groupBlacklistGate) Name() string { return "group_blacklist" }

func (g *groupBlacklistGate) Check(_ context.Context, ev *event.Event) Verdict {
	if g.list == nil || ev.GroupID == "" || !g.store.Current().Blacklist.GroupEnabled {
		return Verdict{}
	}
	reason, ok := g.list.Lookup(ev.GroupID)
	if !ok {
		return Verdict{}
	}
	return Verdict{Stop: true, Notice: notify.KindGroupBlacklist, Args: notify.Args{Reason: reason}, Reason: reason}
}

type userBlacklistGate struct {
	store *config.Store
	list  *Blacklist
}

func (g *userBlacklistGate) Name() string { return "user_blacklist" }

func (g *userBlacklistGate) Check(_ context.Context, ev *event.Event) Verdict {
	cfg := g.store.Current()
	if g.list == nil || !cfg.Blacklist.Enabled {
		return Verdict{}
	}
	// Blacklisted users may still look up their own id.
	if cfg.IsSelfIDCommand(ev.RawContent) {
		return Verdict{}
	}
	reason, ok := g.list.Lookup(ev.UserID)
	if !ok {
		return Verdict{}
	}
	return Verdict{Stop: true, Notice: notify.KindBlacklist, Args: notify.Args{Reason: reason}, Reason: reason}
}

type maintenanceGate struct {
	store *config.Store
}

func (g *maintenanceGate) Name() string { return "maintenance" }

func (g *maintenanceGate) Check(_ context.Context, ev *event.Event) Verdict {
	cfg := g.store.Current()
	if !cfg.MaintenanceMode || cfg.IsOwner(ev.UserID) {
		return Verdict{}
	}
	return Verdict{Stop: true, Notice: notify.KindMaintenance, Reason: "maintenance mode"}
}
