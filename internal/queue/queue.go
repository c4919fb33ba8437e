// Package queue carries pending task ids from the dispatcher to the
// worker pool. The service treats the broker as external infrastructure;
// this package holds the narrow contract plus the Redis list realization
// the deployment uses.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrEmpty is returned by Dequeue when no id arrived within the wait
// window. Callers poll again.
var ErrEmpty = errors.New("queue: empty")

type Queue interface {
	Enqueue(ctx context.Context, id string) error
	// Dequeue blocks up to wait for the next id.
	Dequeue(ctx context.Context, wait time.Duration) (string, error)
	// Remove deletes a not-yet-dequeued id. Best effort: a false return
	// means the id was already consumed or never enqueued.
	Remove(ctx context.Context, id string) (bool, error)
	// Snapshot lists the ids currently sitting in the queue.
	Snapshot(ctx context.Context) ([]string, error)
}
