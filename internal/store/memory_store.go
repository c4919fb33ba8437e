package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/vnmchuo/llm-taskd/internal/errors"
	"github.com/vnmchuo/llm-taskd/internal/task"
)

// MemoryStore is the in-process Store used by tests and single-node
// development runs. All methods return copies so callers never share
// state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	tasks   map[string]*task.Task
	byState map[task.Status][]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	byState := make(map[task.Status][]string, len(task.Statuses()))
	for _, st := range task.Statuses() {
		byState[st] = nil
	}
	return &MemoryStore{
		tasks:   make(map[string]*task.Task),
		byState: byState,
	}
}

func (s *MemoryStore) Create(ctx context.Context, prompt string) (*task.Task, error) {
	t := &task.Task{
		ID:        uuid.New().String(),
		Status:    task.StatusPending,
		Prompt:    prompt,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.tasks[t.ID] = t
	s.byState[task.StatusPending] = append(s.byState[task.StatusPending], t.ID)
	s.mu.Unlock()

	return t.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, apperrors.NotFound("task %s not found", id)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, to task.Status, opts ...TransitionOption) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tasks[id]
	if !ok {
		return nil, apperrors.NotFound("task %s not found", id)
	}
	if !task.CanTransition(cur.Status, to) {
		return nil, apperrors.InvalidTransition("task %s: cannot move %s to %s", id, cur.Status, to)
	}

	next := applyTransition(cur, to, opts)
	s.tasks[id] = next
	s.byState[cur.Status] = removeID(s.byState[cur.Status], id)
	s.byState[to] = append(s.byState[to], id)

	return next.Clone(), nil
}

func (s *MemoryStore) ListByState(ctx context.Context, states ...task.Status) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for _, st := range states {
		ids = append(ids, s.byState[st]...)
	}
	return ids, nil
}

func (s *MemoryStore) CountByState(ctx context.Context) (map[task.Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[task.Status]int64, len(task.Statuses()))
	for _, st := range task.Statuses() {
		counts[st] = int64(len(s.byState[st]))
	}
	return counts, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
