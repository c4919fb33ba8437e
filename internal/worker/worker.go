// Package worker runs the executor pool. Workers drain the pending
// queue and drive each claimed task through a provider call to its
// terminal state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/llm-taskd/internal/archive"
	apperrors "github.com/vnmchuo/llm-taskd/internal/errors"
	"github.com/vnmchuo/llm-taskd/internal/provider"
	"github.com/vnmchuo/llm-taskd/internal/queue"
	"github.com/vnmchuo/llm-taskd/internal/store"
	"github.com/vnmchuo/llm-taskd/internal/task"
)

const (
	defaultConcurrency = 2
	defaultMaxTokens   = 1024
	defaultTaskTimeout = 60 * time.Second
	defaultQueueWait   = 5 * time.Second
)

type Options struct {
	Store   store.Store
	Queue   queue.Queue
	Router  *provider.Router
	Archive archive.Store // optional; nil disables the history trail
	Logger  *slog.Logger
	Tracer  trace.Tracer

	Concurrency int
	Model       string
	MaxTokens   int
	TaskTimeout time.Duration
	QueueWait   time.Duration
}

type Pool struct {
	store   store.Store
	queue   queue.Queue
	router  *provider.Router
	archive archive.Store
	logger  *slog.Logger
	tracer  trace.Tracer

	concurrency int
	model       string
	maxTokens   int
	taskTimeout time.Duration
	queueWait   time.Duration

	mu      sync.Mutex
	active  map[string]struct{}
	started bool

	stopCh        chan struct{}
	wg            sync.WaitGroup
	dequeueCtx    context.Context
	dequeueCancel context.CancelFunc
}

func New(opts Options) (*Pool, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("worker: store is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("worker: queue is required")
	}
	if opts.Router == nil {
		return nil, fmt.Errorf("worker: router is required")
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("worker: model is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("worker")
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	taskTimeout := opts.TaskTimeout
	if taskTimeout <= 0 {
		taskTimeout = defaultTaskTimeout
	}
	queueWait := opts.QueueWait
	if queueWait <= 0 {
		queueWait = defaultQueueWait
	}

	dequeueCtx, dequeueCancel := context.WithCancel(context.Background())
	return &Pool{
		store:         opts.Store,
		queue:         opts.Queue,
		router:        opts.Router,
		archive:       opts.Archive,
		logger:        logger.With("component", "worker"),
		tracer:        tracer,
		concurrency:   concurrency,
		model:         opts.Model,
		maxTokens:     maxTokens,
		taskTimeout:   taskTimeout,
		queueWait:     queueWait,
		active:        make(map[string]struct{}),
		stopCh:        make(chan struct{}),
		dequeueCtx:    dequeueCtx,
		dequeueCancel: dequeueCancel,
	}, nil
}

func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.run()
	}
	p.logger.Info("worker pool started", "concurrency", p.concurrency, "model", p.model)
}

// Stop signals the workers and waits up to the context deadline for
// in-flight tasks to finish.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	p.mu.Unlock()

	close(p.stopCh)
	p.dequeueCancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool: %d tasks still in flight", len(p.Active()))
	}
}

// Active lists the ids currently being executed.
func (p *Pool) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	return ids
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		id, err := p.queue.Dequeue(p.dequeueCtx, p.queueWait)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) {
				continue
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			p.logger.Error("dequeue failed", "error", err)
			select {
			case <-p.stopCh:
				return
			case <-time.After(p.queueWait):
			}
			continue
		}
		p.execute(id)
	}
}

func (p *Pool) execute(id string) {
	ctx, span := p.tracer.Start(context.Background(), "worker.execute",
		trace.WithAttributes(attribute.String("task_id", id)))
	defer span.End()

	// Claiming is a CAS to PROCESSING. A task revoked before pickup, or
	// one delivered twice, fails the transition and is skipped without
	// touching the provider.
	claimed, err := p.store.Transition(ctx, id, task.StatusProcessing)
	if err != nil {
		switch {
		case apperrors.IsInvalidTransition(err):
			p.logger.DebugContext(ctx, "skipping task", "task_id", id, "reason", err)
		case apperrors.IsNotFound(err):
			p.logger.WarnContext(ctx, "queued task has no record", "task_id", id)
		default:
			p.logger.ErrorContext(ctx, "failed to claim task", "task_id", id, "error", err)
		}
		return
	}

	p.trackActive(id)
	defer p.untrackActive(id)

	p.logger.InfoContext(ctx, "task processing", "task_id", id)

	req := &provider.Request{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		TaskID:    id,
		Messages: []provider.Message{
			{Role: "user", Content: claimed.Prompt},
		},
	}

	callCtx, cancel := context.WithTimeout(ctx, p.taskTimeout)
	defer cancel()

	start := time.Now()
	var resp *provider.Response
	prov, err := p.router.Route(callCtx, req)
	if err == nil {
		span.SetAttributes(attribute.String("provider", prov.Name()))
		resp, err = p.router.Execute(callCtx, req, prov)
	}
	elapsed := time.Since(start)

	if err != nil {
		p.fail(ctx, claimed, prov, err, elapsed)
		return
	}
	p.succeed(ctx, claimed, prov, resp, elapsed)
}

func (p *Pool) succeed(ctx context.Context, t *task.Task, prov provider.Provider, resp *provider.Response, elapsed time.Duration) {
	text := strings.TrimSpace(resp.Content)
	res := &task.Result{
		Response:       text,
		Model:          resp.Model,
		Provider:       resp.Provider,
		Prompt:         t.Prompt,
		PromptLength:   utf8.RuneCountInString(t.Prompt),
		ResponseLength: utf8.RuneCountInString(text),
		InputTokens:    resp.InputTokens,
		OutputTokens:   resp.OutputTokens,
		DurationMs:     elapsed.Milliseconds(),
		Timestamp:      time.Now().UTC(),
		TaskID:         t.ID,
	}

	if _, err := p.store.Transition(ctx, t.ID, task.StatusSuccess, store.WithResult(res)); err != nil {
		if apperrors.IsInvalidTransition(err) {
			// The task was revoked mid-flight; the result is dropped.
			p.logger.DebugContext(ctx, "result discarded", "task_id", t.ID)
		} else {
			p.logger.ErrorContext(ctx, "failed to record result", "task_id", t.ID, "error", err)
		}
		return
	}

	p.logger.InfoContext(ctx, "task succeeded", "task_id", t.ID, "provider", resp.Provider, "duration_ms", elapsed.Milliseconds())

	cost := float64(resp.InputTokens)*prov.CostPerInputToken() + float64(resp.OutputTokens)*prov.CostPerOutputToken()
	p.archiveTask(&archive.Record{
		TaskID:         t.ID,
		Status:         string(task.StatusSuccess),
		Provider:       resp.Provider,
		Model:          resp.Model,
		PromptLength:   res.PromptLength,
		ResponseLength: res.ResponseLength,
		InputTokens:    resp.InputTokens,
		OutputTokens:   resp.OutputTokens,
		CostUSD:        cost,
		DurationMs:     elapsed.Milliseconds(),
	})
}

func (p *Pool) fail(ctx context.Context, t *task.Task, prov provider.Provider, callErr error, elapsed time.Duration) {
	kind := apperrors.KindProvider
	msg := callErr.Error()
	if errors.Is(callErr, context.DeadlineExceeded) {
		kind = apperrors.KindTimeout
		msg = fmt.Sprintf("task timed out after %s", p.taskTimeout)
	}
	failure := &task.Failure{Kind: string(kind), Message: msg}

	if _, err := p.store.Transition(ctx, t.ID, task.StatusFailure, store.WithFailure(failure)); err != nil {
		if apperrors.IsInvalidTransition(err) {
			p.logger.DebugContext(ctx, "failure discarded", "task_id", t.ID)
		} else {
			p.logger.ErrorContext(ctx, "failed to record failure", "task_id", t.ID, "error", err)
		}
		return
	}

	p.logger.WarnContext(ctx, "task failed", "task_id", t.ID, "kind", string(kind), "error", callErr)

	p.archiveTask(&archive.Record{
		TaskID:       t.ID,
		Status:       string(task.StatusFailure),
		Provider:     providerName(prov),
		Model:        p.model,
		PromptLength: utf8.RuneCountInString(t.Prompt),
		ErrorKind:    string(kind),
		DurationMs:   elapsed.Milliseconds(),
	})
}

// archiveTask writes the history row off the hot path. Losing a row is
// tolerated; losing the task state is not.
func (p *Pool) archiveTask(rec *archive.Record) {
	if p.archive == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.archive.Log(ctx, rec); err != nil {
			p.logger.Warn("archive write failed", "task_id", rec.TaskID, "error", err)
		}
	}()
}

func (p *Pool) trackActive(id string) {
	p.mu.Lock()
	p.active[id] = struct{}{}
	p.mu.Unlock()
}

func (p *Pool) untrackActive(id string) {
	p.mu.Lock()
	delete(p.active, id)
	p.mu.Unlock()
}

func providerName(p provider.Provider) string {
	if p == nil {
		return ""
	}
	return p.Name()
}
