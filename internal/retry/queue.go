// Package retry is a durable FIFO queue of failed mutating requests, replayed
// in order when the host signals that connectivity is back.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"offline0/internal/errs"
	"offline0/internal/fetch"
)

// DefaultMaxRetention is used when no retention is configured.
const DefaultMaxRetention = 7 * 24 * time.Hour

// Report describes one replay pass.
type Report struct {
	Queue    string
	Replayed int
	// Expired lists entries dropped without a replay attempt.
	Expired []Entry
	// Failed is the entry that stopped the pass; it is still at the head.
	Failed *Entry
	// Err is the failure that stopped the pass.
	Err error
	// Skipped is set when another replay of the same queue was in progress.
	Skipped bool
}

// Queue wraps a Backend with enqueue and replay semantics.
type Queue struct {
	backend      Backend
	fetcher      fetch.Fetcher
	maxRetention time.Duration
	now          func() time.Time
	log          zerolog.Logger
	onExpired    func(Entry)

	mu        sync.Mutex
	replaying map[string]struct{}
	// enqueue serialization keeps EnqueuedAt strictly increasing per queue
	enqMu sync.Mutex
}

type Option func(*Queue)

func WithMaxRetention(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.maxRetention = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithExpiredHook is called for every entry dropped for age.
func WithExpiredHook(fn func(Entry)) Option {
	return func(q *Queue) { q.onExpired = fn }
}

func New(backend Backend, fetcher fetch.Fetcher, opts ...Option) *Queue {
	q := &Queue{
		backend:      backend,
		fetcher:      fetcher,
		maxRetention: DefaultMaxRetention,
		now:          time.Now,
		log:          zerolog.Nop(),
		replaying:    make(map[string]struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	q.log = q.log.With().Str("component", "retry").Logger()
	return q
}

func validQueueName(name string) error {
	if name == "" {
		return errors.New("empty queue name")
	}
	if strings.ContainsAny(name, "\x00\x01") {
		return fmt.Errorf("invalid queue name %q", name)
	}
	return nil
}

// Enqueue persists req at the tail of queue.
func (q *Queue) Enqueue(ctx context.Context, queue string, req *fetch.Request) (Entry, error) {
	if err := validQueueName(queue); err != nil {
		return Entry{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Entry{}, fmt.Errorf("entry id: %w", err)
	}

	q.enqMu.Lock()
	defer q.enqMu.Unlock()

	at := q.now()
	tail, ok, err := q.backend.Tail(ctx, queue)
	if err != nil {
		return Entry{}, fmt.Errorf("read queue tail: %w", err)
	}
	if ok && !at.After(tail.EnqueuedAt) {
		at = tail.EnqueuedAt.Add(time.Nanosecond)
	}

	e := Entry{ID: id.String(), Queue: queue, Request: *req.Clone(), EnqueuedAt: at}
	if err := q.backend.Append(ctx, e); err != nil {
		return Entry{}, err
	}
	q.log.Info().Str("queue", queue).Str("id", e.ID).Str("method", req.Method).Str("url", req.URL).Msg("request queued")
	return e, nil
}

func (q *Queue) begin(queue string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.replaying[queue]; busy {
		return false
	}
	q.replaying[queue] = struct{}{}
	return true
}

func (q *Queue) end(queue string) {
	q.mu.Lock()
	delete(q.replaying, queue)
	q.mu.Unlock()
}

// Replay sends queued requests in FIFO order and removes each one once it
// was delivered. The first failure leaves its entry at the head and ends
// the pass. A call made while a pass for the
// same queue is running returns immediately with Skipped set.
func (q *Queue) Replay(ctx context.Context, queue string) (Report, error) {
	rep := Report{Queue: queue}
	if !q.begin(queue) {
		rep.Skipped = true
		return rep, nil
	}
	defer q.end(queue)

	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		e, ok, err := q.backend.Head(ctx, queue)
		if err != nil {
			return rep, fmt.Errorf("head of %s: %w", queue, err)
		}
		if !ok {
			break
		}

		if q.expired(e) {
			if err := q.backend.Remove(context.WithoutCancel(ctx), e); err != nil {
				return rep, fmt.Errorf("drop %s: %w", e.ID, err)
			}
			rep.Expired = append(rep.Expired, e)
			q.log.Warn().
				Err(errs.Wrap(errs.ErrExpired, nil, "entry %s", e.ID)).
				Str("queue", queue).
				Time("enqueued_at", e.EnqueuedAt).
				Str("url", e.Request.URL).
				Msg("dropped expired request")
			if q.onExpired != nil {
				q.onExpired(e)
			}
			continue
		}

		// the entry stays at the head until its send succeeded
		if err := q.send(ctx, e); err != nil {
			failed := e
			rep.Failed = &failed
			rep.Err = err
			q.log.Info().Err(err).Str("queue", queue).Str("id", e.ID).Msg("replay stopped")
			break
		}
		if err := q.backend.Remove(context.WithoutCancel(ctx), e); err != nil {
			return rep, fmt.Errorf("remove %s: %w", e.ID, err)
		}
		rep.Replayed++
		q.log.Debug().Str("queue", queue).Str("id", e.ID).Msg("replayed")
	}

	if rep.Replayed > 0 || len(rep.Expired) > 0 {
		q.log.Info().Str("queue", queue).Int("replayed", rep.Replayed).Int("expired", len(rep.Expired)).Msg("replay finished")
	}
	return rep, nil
}

func (q *Queue) expired(e Entry) bool {
	return q.now().Sub(e.EnqueuedAt) > q.maxRetention
}

// send treats transport errors and 5xx as failures. A 4xx is final: the
// server saw the request and replaying it again cannot help.
func (q *Queue) send(ctx context.Context, e Entry) error {
	resp, err := q.fetcher.Fetch(ctx, e.Request.Clone())
	if err != nil {
		return err
	}
	if resp.Status >= 500 {
		return errs.Wrap(errs.ErrNetworkUnavailable, nil, "replay %s: status %d", e.ID, resp.Status)
	}
	return nil
}

// Entries lists queue in replay order.
func (q *Queue) Entries(ctx context.Context, queue string) ([]Entry, error) {
	return q.backend.List(ctx, queue)
}

// Queues lists queue names that hold entries.
func (q *Queue) Queues(ctx context.Context) ([]string, error) {
	return q.backend.Queues(ctx)
}

// ReplayAll runs Replay for every non-empty queue, sequentially.
func (q *Queue) ReplayAll(ctx context.Context) ([]Report, error) {
	names, err := q.backend.Queues(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Report, 0, len(names))
	for _, name := range names {
		rep, err := q.Replay(ctx, name)
		if err != nil {
			return out, err
		}
		out = append(out, rep)
	}
	return out, nil
}

func (q *Queue) Close() error {
	return q.backend.Close()
}
