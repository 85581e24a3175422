// Package router binds request predicates to strategies. A Router is built
// once per worker version and never changes afterwards.
package router

import (
	"offline0/internal/cachestore"
	"offline0/internal/fetch"
	"offline0/internal/strategy"
)

// Route binds a predicate to a strategy and the store it works against.
type Route struct {
	Name       string
	Match      Predicate
	Strategy   strategy.Spec
	CacheName  string
	Expiration cachestore.Expiration

	// Queue names the retry queue that receives mutating requests matched
	// by this route when the network fails. Empty disables queueing.
	Queue string
}

// DefaultAction is what happens to a request no route matched.
type DefaultAction int

const (
	// Passthrough hands the request back to the host as ordinary network traffic.
	Passthrough DefaultAction = iota
	// Reject refuses the request.
	Reject
)

func (a DefaultAction) String() string {
	if a == Reject {
		return "reject"
	}
	return "passthrough"
}

// Decision is the outcome of Resolve.
type Decision struct {
	// Route is nil when nothing matched.
	Route *Route
	// Mutation is set for non-idempotent methods: they go to the network
	// only, with retry-queue fallback when Route names a queue.
	Mutation bool
	// Default applies when Route is nil.
	Default DefaultAction
}

// Router holds an ordered, immutable route list. Resolve is safe for
// concurrent use.
type Router struct {
	routes   []Route
	fallback DefaultAction
}

// New builds a router. Routes are evaluated in the given order and the first
// match wins; ordering overlapping predicates is the caller's job.
func New(fallback DefaultAction, routes ...Route) *Router {
	rs := make([]Route, len(routes))
	copy(rs, routes)
	return &Router{routes: rs, fallback: fallback}
}

// Resolve selects the route for req.
func (r *Router) Resolve(req *fetch.Request) Decision {
	mutation := !fetch.IsSafeMethod(req.Method)
	for i := range r.routes {
		rt := &r.routes[i]
		if rt.Match != nil && rt.Match(req) {
			return Decision{Route: rt, Mutation: mutation, Default: r.fallback}
		}
	}
	return Decision{Mutation: mutation, Default: r.fallback}
}

// Routes returns a copy of the route list in evaluation order.
func (r *Router) Routes() []Route {
	out := make([]Route, len(r.routes))
	copy(out, r.routes)
	return out
}

func (r *Router) Default() DefaultAction { return r.fallback }
