package retry

import (
	"context"
	"time"

	"offline0/internal/fetch"
)

// Entry is one failed mutating request awaiting replay.
type Entry struct {
	ID         string
	Queue      string
	Request    fetch.Request
	EnqueuedAt time.Time
}

// Backend persists queues ordered by (queue, EnqueuedAt, ID). Implementations
// must survive process restarts and be safe for concurrent use.
type Backend interface {
	// Append stores e. Entries are iterated in (EnqueuedAt, ID) order.
	Append(ctx context.Context, e Entry) error
	// Head returns the oldest entry of queue without removing it.
	Head(ctx context.Context, queue string) (Entry, bool, error)
	// Remove deletes e. Removing an absent entry is not an error.
	Remove(ctx context.Context, e Entry) error
	// Tail returns the most recently enqueued entry without removing it.
	Tail(ctx context.Context, queue string) (Entry, bool, error)
	// List returns queue in replay order.
	List(ctx context.Context, queue string) ([]Entry, error)
	// Queues lists every queue name with at least one entry.
	Queues(ctx context.Context) ([]string, error)
	Close() error
}
