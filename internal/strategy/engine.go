// Package strategy implements the resolution algorithms that decide how a
// read request is satisfied from a store, the network, or both.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"offline0/internal/cachestore"
	"offline0/internal/errs"
	"offline0/internal/fetch"
)

// Cache is the store a strategy reads and writes. *cachestore.Store
// implements it; writes enforce the store's eviction policy.
type Cache interface {
	Name() string
	Match(key cachestore.Key) (cachestore.StoredEntry, bool, error)
	Put(key cachestore.Key, resp *fetch.Response) error
	PutUnlessNewer(key cachestore.Key, resp *fetch.Response, since time.Time) (bool, error)
}

type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// Result is a resolved response with where it came from. StoreErr carries a
// failed write-through (e.g. quota exhaustion) while the response itself is
// still usable.
type Result struct {
	Response *fetch.Response
	Source   Source
	StoredAt time.Time
	StoreErr error
}

// Engine runs strategies against a fetcher. Work that outlives a call, such
// as a stale-while-revalidate refresh, is tracked so Wait can join it.
type Engine struct {
	fetcher   fetch.Fetcher
	log       zerolog.Logger
	now       func() time.Time
	bgTimeout time.Duration

	wg sync.WaitGroup
}

type Option func(*Engine)

func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithBackgroundTimeout bounds network calls that continue after the caller
// got its answer.
func WithBackgroundTimeout(d time.Duration) Option {
	return func(e *Engine) { e.bgTimeout = d }
}

func NewEngine(fetcher fetch.Fetcher, opts ...Option) *Engine {
	e := &Engine{
		fetcher:   fetcher,
		log:       zerolog.Nop(),
		now:       time.Now,
		bgTimeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.With().Str("component", "strategy").Logger()
	return e
}

// Wait blocks until every background fetch and write has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Resolve satisfies req according to spec. cache may be nil only for NetworkOnly.
func (e *Engine) Resolve(ctx context.Context, spec Spec, req *fetch.Request, cache Cache) (Result, error) {
	if spec.Kind.UsesCache() && cache == nil {
		return Result{}, fmt.Errorf("%s requires a cache", spec.Kind)
	}
	switch spec.Kind {
	case CacheOnly:
		return e.cacheOnly(spec, req, cache)
	case NetworkOnly:
		return e.networkOnly(ctx, req)
	case CacheFirst:
		return e.cacheFirst(ctx, spec, req, cache)
	case NetworkFirst:
		return e.networkFirst(ctx, spec, req, cache)
	case StaleWhileRevalidate:
		return e.staleWhileRevalidate(ctx, spec, req, cache)
	}
	return Result{}, fmt.Errorf("unhandled strategy %s", spec.Kind)
}

func cacheKey(spec Spec, req *fetch.Request) (cachestore.Key, error) {
	return cachestore.NewKey(req.Method, req.URL, req.Header, spec.Vary)
}

func fromEntry(ent cachestore.StoredEntry) Result {
	return Result{Response: ent.Response, Source: SourceCache, StoredAt: ent.StoredAt}
}

func (e *Engine) cacheOnly(spec Spec, req *fetch.Request, cache Cache) (Result, error) {
	key, err := cacheKey(spec, req)
	if err != nil {
		return Result{}, err
	}
	ent, ok, err := cache.Match(key)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, errs.Wrap(errs.ErrNotCached, nil, "%s in %s", key.URL(), cache.Name())
	}
	return fromEntry(ent), nil
}

func (e *Engine) networkOnly(ctx context.Context, req *fetch.Request) (Result, error) {
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return Result{Response: resp, Source: SourceNetwork}, nil
}

func (e *Engine) cacheFirst(ctx context.Context, spec Spec, req *fetch.Request, cache Cache) (Result, error) {
	key, err := cacheKey(spec, req)
	if err != nil {
		return Result{}, err
	}
	if ent, ok := e.lookup(cache, key); ok {
		return fromEntry(ent), nil
	}
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return Result{}, networkUnavailable(err, key)
	}
	res := Result{Response: resp, Source: SourceNetwork}
	if resp.OK() {
		res.StoreErr = cache.Put(key, resp)
	}
	return res, nil
}

type fetchResult struct {
	resp     *fetch.Response
	err      error
	storeErr error
}

func (e *Engine) networkFirst(ctx context.Context, spec Spec, req *fetch.Request, cache Cache) (Result, error) {
	key, err := cacheKey(spec, req)
	if err != nil {
		return Result{}, err
	}

	startedAt := e.now()
	results := make(chan fetchResult)
	abandoned := make(chan struct{})
	fctx, cancel := e.backgroundContext(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		resp, err := e.fetcher.Fetch(fctx, req)
		r := fetchResult{resp: resp, err: err}
		if err == nil && resp.OK() {
			select {
			case <-abandoned:
				e.lateResult(spec, cache, key, resp, startedAt)
				return
			default:
			}
			// write-through happens before the caller sees the response
			r.storeErr = cache.Put(key, resp)
		}
		select {
		case results <- r:
		case <-abandoned:
			if err != nil {
				e.log.Debug().Err(err).Str("url", key.URL()).Msg("late network failure ignored")
			}
		}
	}()

	var timeout <-chan time.Time
	if spec.NetworkTimeout > 0 {
		t := time.NewTimer(spec.NetworkTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case r := <-results:
		if r.err == nil {
			return Result{Response: r.resp, Source: SourceNetwork, StoreErr: r.storeErr}, nil
		}
		return e.fallback(cache, key, r.err)
	case <-timeout:
		close(abandoned)
		return e.fallback(cache, key, fmt.Errorf("no network response within %s", spec.NetworkTimeout))
	case <-ctx.Done():
		close(abandoned)
		return Result{}, ctx.Err()
	}
}

// lateResult handles a successful network-first response that arrived after
// the caller already moved on. It never replaces an entry stored after the
// fetch began.
func (e *Engine) lateResult(spec Spec, cache Cache, key cachestore.Key, resp *fetch.Response, startedAt time.Time) {
	if !spec.WriteLateNetworkResult {
		e.log.Debug().Str("url", key.URL()).Msg("late network result discarded")
		return
	}
	written, err := cache.PutUnlessNewer(key, resp, startedAt)
	if err != nil {
		e.log.Warn().Err(err).Str("url", key.URL()).Msg("store late network result")
		return
	}
	e.log.Debug().Str("url", key.URL()).Bool("written", written).Msg("late network result")
}

func (e *Engine) fallback(cache Cache, key cachestore.Key, cause error) (Result, error) {
	if ent, ok := e.lookup(cache, key); ok {
		return fromEntry(ent), nil
	}
	return Result{}, errs.Wrap(errs.ErrUnavailable, cause, "%s", key.URL())
}

func (e *Engine) staleWhileRevalidate(ctx context.Context, spec Spec, req *fetch.Request, cache Cache) (Result, error) {
	key, err := cacheKey(spec, req)
	if err != nil {
		return Result{}, err
	}
	ent, hit := e.lookup(cache, key)

	results := make(chan fetchResult, 1)
	fctx, cancel := e.backgroundContext(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		resp, err := e.fetcher.Fetch(fctx, req)
		r := fetchResult{resp: resp, err: err}
		if err == nil && resp.OK() {
			r.storeErr = cache.Put(key, resp)
			if r.storeErr != nil {
				e.log.Warn().Err(r.storeErr).Str("url", key.URL()).Msg("revalidate write")
			}
		} else if hit {
			e.log.Debug().Err(err).Str("url", key.URL()).Msg("revalidate failed, keeping stored entry")
		}
		results <- r
	}()

	if hit {
		return fromEntry(ent), nil
	}
	select {
	case r := <-results:
		if r.err != nil {
			return Result{}, errs.Wrap(errs.ErrUnavailable, r.err, "%s", key.URL())
		}
		return Result{Response: r.resp, Source: SourceNetwork, StoreErr: r.storeErr}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// lookup treats a failing store read as a miss so the network can still answer.
func (e *Engine) lookup(cache Cache, key cachestore.Key) (cachestore.StoredEntry, bool) {
	ent, ok, err := cache.Match(key)
	if err != nil {
		e.log.Error().Err(err).Str("store", cache.Name()).Str("url", key.URL()).Msg("store read")
		return cachestore.StoredEntry{}, false
	}
	return ent, ok
}

// backgroundContext detaches from the caller's cancellation so a fetch can
// complete after the caller returned, bounded by the background timeout.
func (e *Engine) backgroundContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.bgTimeout)
}

func networkUnavailable(err error, key cachestore.Key) error {
	if errors.Is(err, errs.ErrNetworkUnavailable) {
		return fmt.Errorf("%s: %w", key.URL(), err)
	}
	return errs.Wrap(errs.ErrNetworkUnavailable, err, "%s", key.URL())
}
