// Package store persists task records and guards every status change
// behind the transition table.
package store

import (
	"context"

	"github.com/vnmchuo/llm-taskd/internal/task"
)

// Store is the persistence contract for task records. Transition is an
// atomic compare-and-set: the current status is re-read and checked
// against the transition table before anything is written.
type Store interface {
	Create(ctx context.Context, prompt string) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	Transition(ctx context.Context, id string, to task.Status, opts ...TransitionOption) (*task.Task, error)
	ListByState(ctx context.Context, states ...task.Status) ([]string, error)
	CountByState(ctx context.Context) (map[task.Status]int64, error)
	Ping(ctx context.Context) error
}

// TransitionOption attaches payloads to a transition. Options are
// applied after the status and timestamps are set.
type TransitionOption func(*task.Task)

func WithResult(res *task.Result) TransitionOption {
	return func(t *task.Task) { t.Result = res }
}

func WithFailure(f *task.Failure) TransitionOption {
	return func(t *task.Task) { t.Error = f }
}
