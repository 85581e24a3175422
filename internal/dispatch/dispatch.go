// Package dispatch is the per-version request pipeline: the router picks a
// route, reads go through the strategy engine, and mutations go to the
// network with a retry-queue fallback.
package dispatch

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"offline0/internal/cachestore"
	"offline0/internal/errs"
	"offline0/internal/fetch"
	"offline0/internal/retry"
	"offline0/internal/router"
	"offline0/internal/strategy"
)

type Source string

const (
	SourceCache       Source = "cache"
	SourceNetwork     Source = "network"
	SourcePassthrough Source = "passthrough"
	SourceQueued      Source = "queued"
)

// QueuedHeader carries the retry entry id on the synthetic response
// returned for a queued mutation.
const QueuedHeader = "X-Offline0-Queued"

// Result is the outcome of Dispatch. For SourcePassthrough Response is nil
// and the host handles the request as ordinary network traffic.
type Result struct {
	Response *fetch.Response
	Source   Source
	Route    string
	Queued   *retry.Entry
	StoreErr error
}

// Dispatcher is bound to one worker version: its router and its store
// version token.
type Dispatcher struct {
	router *router.Router
	engine *strategy.Engine
	stores *cachestore.Manager
	queue  *retry.Queue
	token  string
	log    zerolog.Logger
}

type Params struct {
	Router *router.Router
	Engine *strategy.Engine
	Stores *cachestore.Manager
	// Queue may be nil, in which case failed mutations propagate.
	Queue  *retry.Queue
	Token  string
	Logger zerolog.Logger
}

func New(p Params) *Dispatcher {
	return &Dispatcher{
		router: p.Router,
		engine: p.Engine,
		stores: p.Stores,
		queue:  p.Queue,
		token:  p.Token,
		log:    p.Logger.With().Str("component", "dispatch").Str("token", p.Token).Logger(),
	}
}

func (d *Dispatcher) Token() string { return d.token }

func (d *Dispatcher) Router() *router.Router { return d.router }

// Store returns the versioned store a route works against, or nil for
// routes that never touch a store.
func (d *Dispatcher) Store(rt *router.Route) *cachestore.Store {
	if rt.CacheName == "" {
		return nil
	}
	return d.stores.Store(rt.CacheName, d.token, rt.Expiration)
}

// Dispatch resolves req. Misses are returned as errors wrapping
// errs.ErrNotCached, errs.ErrNetworkUnavailable or errs.ErrUnavailable so
// the caller can supply an offline substitute.
func (d *Dispatcher) Dispatch(ctx context.Context, req *fetch.Request) (Result, error) {
	dec := d.router.Resolve(req)
	if dec.Route == nil {
		if dec.Default == router.Reject {
			return Result{}, errs.Wrap(errs.ErrRejected, nil, "%s %s", req.Method, req.URL)
		}
		return Result{Source: SourcePassthrough}, nil
	}
	rt := dec.Route
	if dec.Mutation {
		return d.mutation(ctx, rt, req)
	}

	var cache strategy.Cache
	if s := d.Store(rt); s != nil {
		cache = s
	}
	res, err := d.engine.Resolve(ctx, rt.Strategy, req, cache)
	if err != nil {
		return Result{Route: rt.Name}, err
	}
	if res.StoreErr != nil {
		d.log.Warn().Err(res.StoreErr).Str("route", rt.Name).Str("url", req.URL).Msg("store write failed")
	}
	d.log.Debug().Str("method", req.Method).Str("url", req.URL).Str("route", rt.Name).Str("source", string(res.Source)).Msg("dispatched")
	return Result{
		Response: res.Response,
		Source:   Source(res.Source),
		Route:    rt.Name,
		StoreErr: res.StoreErr,
	}, nil
}

// mutation sends req straight to the network. A transport failure is queued
// when the route names a queue; a response of any status is returned as is.
func (d *Dispatcher) mutation(ctx context.Context, rt *router.Route, req *fetch.Request) (Result, error) {
	res, err := d.engine.Resolve(ctx, strategy.Spec{Kind: strategy.NetworkOnly}, req, nil)
	if err == nil {
		return Result{Response: res.Response, Source: SourceNetwork, Route: rt.Name}, nil
	}
	if rt.Queue == "" || d.queue == nil || errors.Is(err, context.Canceled) {
		return Result{Route: rt.Name}, err
	}

	e, qerr := d.queue.Enqueue(context.WithoutCancel(ctx), rt.Queue, req)
	if qerr != nil {
		d.log.Error().Err(qerr).Str("queue", rt.Queue).Str("url", req.URL).Msg("enqueue failed")
		return Result{Route: rt.Name}, errors.Join(err, qerr)
	}
	return Result{
		Response: &fetch.Response{
			Status: http.StatusAccepted,
			Header: http.Header{QueuedHeader: {e.ID}},
		},
		Source: SourceQueued,
		Route:  rt.Name,
		Queued: &e,
	}, nil
}
