// Package dispatch routes inbound events to plugin handlers.
package dispatch

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-plugbot/internal/audit"
	"github.com/basket/go-plugbot/internal/config"
	"github.com/basket/go-plugbot/internal/event"
	"github.com/basket/go-plugbot/internal/gate"
	"github.com/basket/go-plugbot/internal/notify"
	"github.com/basket/go-plugbot/internal/otel"
	"github.com/basket/go-plugbot/internal/patterns"
	"github.com/basket/go-plugbot/internal/plugin"
	"github.com/basket/go-plugbot/internal/registry"
	"github.com/basket/go-plugbot/internal/scheduler"
	"github.com/basket/go-plugbot/internal/shared"
)

// Refresher rescans plugin files when its refresh window has passed.
type Refresher interface {
	Refresh(ctx context.Context) bool
}

type Options struct {
	Store     *config.Store
	Registry  *registry.Registry
	Loader    Refresher
	Scheduler *scheduler.Scheduler
	Gates     *gate.Pipeline
	Notifier  *notify.Notifier
	// Patterns compiles default-response exclusion patterns.
	Patterns *patterns.Cache
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	Tracer   trace.Tracer
}

type Dispatcher struct {
	store    *config.Store
	reg      *registry.Registry
	loader   Refresher
	sched    *scheduler.Scheduler
	gates    *gate.Pipeline
	notifier *notify.Notifier
	patterns *patterns.Cache
	logger   *slog.Logger
	metrics  *otel.Metrics
	tracer   trace.Tracer
}

func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = otel.NopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Disabled().Tracer
	}
	return &Dispatcher{
		store:    opts.Store,
		reg:      opts.Registry,
		loader:   opts.Loader,
		sched:    opts.Scheduler,
		gates:    opts.Gates,
		notifier: opts.Notifier,
		patterns: opts.Patterns,
		logger:   logger.With("component", "dispatch"),
		metrics:  metrics,
		tracer:   tracer,
	}
}

// Dispatch is the entry point for one inbound event. It reports whether the
// event was handled, by a handler or by a notice sent in its place.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *event.Event) bool {
	if ev == nil || ev.Ignore {
		return false
	}
	if ev.Handled() {
		return true
	}
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	ctx, span := otel.StartServerSpan(ctx, d.tracer, "plugbot.dispatch",
		otel.AttrEventType.String(ev.Type),
		otel.AttrUserID.String(ev.UserID),
		otel.AttrGroupID.String(ev.GroupID),
	)
	defer span.End()

	outcome := "unhandled"
	defer func() {
		span.SetAttributes(otel.AttrOutcome.String(outcome))
		d.metrics.DispatchCount.Add(ctx, 1, metric.WithAttributes(otel.AttrOutcome.String(outcome)))
	}()

	if ev.Type == event.TypeGroupAddRobot {
		d.notice(ctx, ev, notify.KindWelcome, notify.Args{})
		ev.SetHandled()
		outcome = "welcome"
		return true
	}

	if d.loader != nil {
		d.loader.Refresh(ctx)
	}
	if d.sched != nil {
		d.sched.MaybeSweep()
	}

	if d.gates != nil {
		if dec, stopped := d.gates.Check(ctx, ev); stopped {
			if dec.Notice != "" {
				d.notice(ctx, ev, dec.Notice, dec.Args)
			}
			ev.SetHandled()
			outcome = "gated"
			span.SetAttributes(otel.AttrGate.String(dec.Gate))
			return true
		}
	}

	if d.Route(ctx, ev) {
		outcome = "handled"
		return true
	}
	return false
}

type candidate struct {
	lookup registry.Lookup
	match  *patterns.Match
}

type denials struct {
	owner bool
	group bool
}

// Route matches the event against the registry and runs the matched
// handlers. Content starting with "/" is first tried without the slash; the
// original content is tried only if that found nothing to run.
func (d *Dispatcher) Route(ctx context.Context, ev *event.Event) bool {
	cfg := d.store.Current()
	isOwner := cfg.IsOwner(ev.UserID)
	isGroup := ev.IsGroup()
	table := d.reg.Snapshot().Lookup()
	original := ev.Content

	var denied denials
	if strings.HasPrefix(original, "/") {
		stripped := original[1:]
		if found := d.match(table, stripped, isOwner, isGroup, &denied); len(found) > 0 {
			d.logger.Info("slash prefix stripped",
				"plugin", found[0].lookup.Entry.Owner, "content", shared.Snippet(stripped, shared.DefaultSnippetLen),
				"original", shared.Snippet(original, shared.DefaultSnippetLen))
			d.execute(ctx, ev, stripped, found)
			ev.SetHandled()
			return true
		}
	}
	if found := d.match(table, original, isOwner, isGroup, &denied); len(found) > 0 {
		d.execute(ctx, ev, original, found)
		ev.SetHandled()
		return true
	}

	switch {
	case denied.group:
		d.logger.Info("group-only command used outside a group", "user", ev.UserID)
		d.notice(ctx, ev, notify.KindGroupOnly, notify.Args{})
	case denied.owner:
		d.logger.Info("owner-only command denied", "user", ev.UserID)
		d.notice(ctx, ev, notify.KindOwnerOnly, notify.Args{})
	case cfg.SendDefaultResponse && !d.excluded(cfg.DefaultResponseExcludedPatterns, original):
		d.logger.Info("no handler matched, sending default response", "user", ev.UserID, "content", shared.Snippet(original, shared.DefaultSnippetLen))
		d.notice(ctx, ev, notify.KindDefault, notify.Args{})
	default:
		return false
	}
	ev.SetHandled()
	return true
}

// match scans every entry. Permission failures are recorded in denied and
// skipped.
func (d *Dispatcher) match(table []registry.Lookup, content string, isOwner, isGroup bool, denied *denials) []candidate {
	var out []candidate
	for _, l := range table {
		m, err := patterns.Search(l.Regex, content)
		if err != nil {
			d.logger.Warn("pattern match failed", "pattern", l.Pattern, "plugin", l.Entry.Owner, "error", err)
			continue
		}
		if m == nil {
			continue
		}
		if l.Entry.OwnerOnly && !isOwner {
			denied.owner = true
			continue
		}
		if l.Entry.GroupOnly && !isGroup {
			denied.group = true
			continue
		}
		out = append(out, candidate{lookup: l, match: m})
	}
	return out
}

// execute runs candidates in priority order. The chain continues only while
// handlers return plugin.Continue.
func (d *Dispatcher) execute(ctx context.Context, ev *event.Event, content string, found []candidate) {
	for _, c := range found {
		e := c.lookup.Entry
		fork := ev.Fork(content, c.match.Groups, c.match.Named)

		hctx, span := otel.StartSpan(ctx, d.tracer, "plugbot.handler",
			otel.AttrPlugin.String(e.Owner),
			otel.AttrHandler.String(e.HandlerName),
			otel.AttrPattern.String(e.Pattern),
		)
		d.logger.Debug("handler selected", "plugin", e.Owner, "handler", e.HandlerName, "pattern", e.Pattern, "priority", c.lookup.Priority)
		out := d.sched.Run(hctx, scheduler.Call{Plugin: e.Owner, Handler: e.HandlerName, Fn: e.Handler, Event: fork})
		span.SetAttributes(otel.AttrTaskID.String(out.TaskID))

		switch {
		case out.Promoted:
			span.SetAttributes(otel.AttrOutcome.String("promoted"))
			span.End()
			return
		case out.Err != nil:
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, out.Err.Error())
			span.End()
			d.metrics.HandlerErrors.Add(ctx, 1, metric.WithAttributes(otel.AttrPlugin.String(e.Owner)))
			d.logger.Error("handler failed",
				"plugin", e.Owner, "handler", e.HandlerName,
				"user", ev.UserID, "group", ev.GroupID,
				"content", shared.Snippet(content, shared.DefaultSnippetLen), "error", out.Err)
			audit.RecordHandlerError(e.Owner, e.HandlerName, ev.UserID, ev.GroupID, out.Err.Error())
			return
		case out.Result != plugin.Continue:
			span.SetAttributes(otel.AttrOutcome.String("stop"), otel.AttrReplies.Int64(ev.ReplyCount()))
			span.End()
			return
		}
		span.SetAttributes(otel.AttrOutcome.String("continue"), otel.AttrReplies.Int64(ev.ReplyCount()))
		span.End()
	}
}

func (d *Dispatcher) excluded(exclusions []string, content string) bool {
	for _, p := range exclusions {
		re, err := d.patterns.Compile(p)
		if err != nil {
			d.logger.Warn("invalid default-response exclusion pattern", "pattern", p, "error", err)
			continue
		}
		m, err := patterns.Search(re, content)
		if err != nil {
			d.logger.Warn("exclusion pattern match failed", "pattern", p, "error", err)
			continue
		}
		if m != nil {
			return true
		}
	}
	return false
}

func (d *Dispatcher) notice(ctx context.Context, ev *event.Event, kind notify.Kind, args notify.Args) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.Send(ctx, ev, kind, args); err != nil {
		d.logger.Warn("notice not delivered", "kind", kind, "user", ev.UserID, "error", err)
	}
}
