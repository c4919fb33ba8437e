// Package dispatcher fronts the task lifecycle. It admits validated
// work and handles status and cancel requests; execution itself belongs
// to the worker pool.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	apperrors "github.com/vnmchuo/llm-taskd/internal/errors"
	"github.com/vnmchuo/llm-taskd/internal/queue"
	"github.com/vnmchuo/llm-taskd/internal/store"
	"github.com/vnmchuo/llm-taskd/internal/task"
)

type Options struct {
	Store  store.Store
	Queue  queue.Queue
	Logger *slog.Logger
	Tracer trace.Tracer
}

type Dispatcher struct {
	store  store.Store
	queue  queue.Queue
	logger *slog.Logger
	tracer trace.Tracer
}

// QueueSnapshot is the inspection view returned by ListRecent.
type QueueSnapshot struct {
	Active    []string // tasks being executed
	Scheduled []string // tasks admitted but not yet picked up
	Reserved  []string // ids sitting in the broker queue
}

func New(opts Options) (*Dispatcher, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("dispatcher: store is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("dispatcher: queue is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("dispatcher")
	}

	return &Dispatcher{
		store:  opts.Store,
		queue:  opts.Queue,
		logger: logger.With("component", "dispatcher"),
		tracer: tracer,
	}, nil
}

// Submit validates the prompt and persists a PENDING record before
// enqueueing its id. Nothing is written for an invalid prompt. If the
// record lands but the enqueue fails, the record is failed in place so
// it cannot linger as PENDING forever.
func (d *Dispatcher) Submit(ctx context.Context, prompt string) (*task.Task, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.submit")
	defer span.End()

	if err := task.ValidatePrompt(prompt); err != nil {
		return nil, err
	}

	rec, err := d.store.Create(ctx, prompt)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("task_id", rec.ID),
		attribute.Int("prompt_length", len(rec.Prompt)),
	)

	if err := d.queue.Enqueue(ctx, rec.ID); err != nil {
		failure := &task.Failure{
			Kind:    string(apperrors.KindStoreUnavailable),
			Message: "failed to enqueue task",
		}
		if _, ferr := d.store.Transition(ctx, rec.ID, task.StatusFailure, store.WithFailure(failure)); ferr != nil {
			d.logger.ErrorContext(ctx, "failed to mark unqueued task", "task_id", rec.ID, "error", ferr)
		}
		return nil, err
	}

	d.logger.InfoContext(ctx, "task submitted", "task_id", rec.ID)
	return rec, nil
}

// Status reads the record without side effects.
func (d *Dispatcher) Status(ctx context.Context, id string) (*task.Task, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.status",
		trace.WithAttributes(attribute.String("task_id", id)))
	defer span.End()

	return d.store.Get(ctx, id)
}

// Cancel revokes a task best-effort. Unknown ids and already-terminal
// tasks are successful no-ops, and a second cancel behaves like the
// first. An executing task is never interrupted; its late result is
// rejected by the store when it tries to land over REVOKED.
func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	ctx, span := d.tracer.Start(ctx, "dispatcher.cancel",
		trace.WithAttributes(attribute.String("task_id", id)))
	defer span.End()

	rec, err := d.store.Get(ctx, id)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}

	if _, err := d.store.Transition(ctx, id, task.StatusRevoked); err != nil {
		// Losing the race to a terminal state is still a successful cancel.
		if apperrors.IsInvalidTransition(err) {
			return nil
		}
		return err
	}

	// The record is already REVOKED, so a worker that dequeues the id
	// anyway will skip it. Removing it here just saves that round trip.
	if _, err := d.queue.Remove(ctx, id); err != nil {
		d.logger.WarnContext(ctx, "failed to remove revoked task from queue", "task_id", id, "error", err)
	}

	d.logger.InfoContext(ctx, "task revoked", "task_id", id)
	return nil
}

// ListRecent builds the queue snapshot for the inspection endpoint.
func (d *Dispatcher) ListRecent(ctx context.Context) (*QueueSnapshot, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.list_recent")
	defer span.End()

	active, err := d.store.ListByState(ctx, task.StatusProcessing)
	if err != nil {
		return nil, err
	}
	scheduled, err := d.store.ListByState(ctx, task.StatusPending)
	if err != nil {
		return nil, err
	}
	reserved, err := d.queue.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	return &QueueSnapshot{
		Active:    orEmpty(active),
		Scheduled: orEmpty(scheduled),
		Reserved:  orEmpty(reserved),
	}, nil
}

// Stats counts tasks per lifecycle state.
func (d *Dispatcher) Stats(ctx context.Context) (map[task.Status]int64, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.stats")
	defer span.End()

	return d.store.CountByState(ctx)
}

// Health reports whether the store is reachable.
func (d *Dispatcher) Health(ctx context.Context) error {
	return d.store.Ping(ctx)
}

func orEmpty(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
