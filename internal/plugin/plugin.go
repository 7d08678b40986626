// Package plugin defines the capability every handler provider implements,
// whether compiled in or loaded from a script file.
package plugin

import (
	"context"
	"sync"

	"github.com/basket/go-plugbot/internal/event"
)

// DefaultPriority applies to providers that do not implement Prioritized.
const DefaultPriority = 10

// Result tells the dispatcher whether lower-priority matches may run.
type Result int

const (
	// Stop ends the chain for this dispatch pass.
	Stop Result = iota
	// Continue lets the next matched handler run.
	Continue
)

func (r Result) String() string {
	if r == Continue {
		return "continue"
	}
	return "stop"
}

// Handler processes one matched event. ctx is cancelled when the call is
// reaped at the hard timeout or the process shuts down.
type Handler func(ctx context.Context, ev *event.Event) (Result, error)

// Spec describes how a pattern is handled.
type Spec struct {
	HandlerName string
	Handler     Handler
	OwnerOnly   bool
	GroupOnly   bool
}

// Route binds a pattern to a handler spec. Providers return routes in
// registration order.
type Route struct {
	Pattern string
	Spec
}

// Provider exposes regex handlers.
type Provider interface {
	Name() string
	RegexHandlers() []Route
}

// Prioritized providers override DefaultPriority. Lower runs earlier.
type Prioritized interface {
	Priority() int
}

// PriorityOf returns p's priority or DefaultPriority.
func PriorityOf(p Provider) int {
	if pp, ok := p.(Prioritized); ok {
		return pp.Priority()
	}
	return DefaultPriority
}

var (
	mu         sync.Mutex
	registered []Provider
)

// Register adds a compiled-in provider. Call it from init.
func Register(p Provider) {
	mu.Lock()
	defer mu.Unlock()
	registered = append(registered, p)
}

// Registered returns compiled-in providers in registration order.
func Registered() []Provider {
	mu.Lock()
	defer mu.Unlock()
	return append([]Provider(nil), registered...)
}

// Static is a Provider assembled from literal routes. A nil Prio means
// DefaultPriority.
type Static struct {
	ProviderName string
	Prio         *int
	Routes       []Route
}

func (s *Static) Name() string { return s.ProviderName }

func (s *Static) RegexHandlers() []Route { return s.Routes }

func (s *Static) Priority() int {
	if s.Prio == nil {
		return DefaultPriority
	}
	return *s.Prio
}

// Prio returns a pointer for Static.Prio.
func Prio(n int) *int { return &n }

// Func builds a Route for a plain handler function.
func Func(pattern, name string, h Handler) Route {
	return Route{Pattern: pattern, Spec: Spec{HandlerName: name, Handler: h}}
}
