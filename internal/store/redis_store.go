package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/vnmchuo/llm-taskd/internal/errors"
	"github.com/vnmchuo/llm-taskd/internal/task"
)

const (
	taskKeyPrefix  = "taskd:task:"
	stateKeyPrefix = "taskd:state:"

	// casRetries bounds the optimistic retry loop when a watched key
	// changes under a concurrent transition.
	casRetries = 5
)

// RedisStore keeps each task in a hash at taskd:task:{id} and maintains
// one index list per status so ListByState preserves insertion order.
type RedisStore struct {
	client redis.UniversalClient
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func taskKey(id string) string {
	return taskKeyPrefix + id
}

func stateKey(s task.Status) string {
	return stateKeyPrefix + string(s)
}

func (s *RedisStore) Create(ctx context.Context, prompt string) (*task.Task, error) {
	t := &task.Task{
		ID:        uuid.New().String(),
		Status:    task.StatusPending,
		Prompt:    prompt,
		CreatedAt: time.Now().UTC(),
	}

	fields, err := taskToMap(t)
	if err != nil {
		return nil, apperrors.StoreUnavailable("encode task", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, taskKey(t.ID), fields)
	pipe.RPush(ctx, stateKey(task.StatusPending), t.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, apperrors.StoreUnavailable("create task", err)
	}
	return t, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*task.Task, error) {
	vals, err := s.client.HGetAll(ctx, taskKey(id)).Result()
	if err != nil {
		return nil, apperrors.StoreUnavailable("get task", err)
	}
	if len(vals) == 0 {
		return nil, apperrors.NotFound("task %s not found", id)
	}
	t, err := mapToTask(vals)
	if err != nil {
		return nil, apperrors.StoreUnavailable("decode task", err)
	}
	return t, nil
}

func (s *RedisStore) Transition(ctx context.Context, id string, to task.Status, opts ...TransitionOption) (*task.Task, error) {
	key := taskKey(id)
	var updated *task.Task

	txn := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			return apperrors.NotFound("task %s not found", id)
		}
		cur, err := mapToTask(vals)
		if err != nil {
			return err
		}
		if !task.CanTransition(cur.Status, to) {
			return apperrors.InvalidTransition("task %s: cannot move %s to %s", id, cur.Status, to)
		}

		next := applyTransition(cur, to, opts)
		fields, err := taskToMap(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			pipe.LRem(ctx, stateKey(cur.Status), 0, id)
			pipe.RPush(ctx, stateKey(to), id)
			return nil
		})
		if err == nil {
			updated = next
		}
		return err
	}

	for i := 0; i < casRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case apperrors.KindOf(err) != "":
			return nil, err
		default:
			return nil, apperrors.StoreUnavailable("transition task", err)
		}
	}
	return nil, apperrors.StoreUnavailable(fmt.Sprintf("transition task %s: contention after %d attempts", id, casRetries), nil)
}

func (s *RedisStore) ListByState(ctx context.Context, states ...task.Status) ([]string, error) {
	var ids []string
	for _, st := range states {
		part, err := s.client.LRange(ctx, stateKey(st), 0, -1).Result()
		if err != nil {
			return nil, apperrors.StoreUnavailable("list tasks by state", err)
		}
		ids = append(ids, part...)
	}
	return ids, nil
}

func (s *RedisStore) CountByState(ctx context.Context) (map[task.Status]int64, error) {
	counts := make(map[task.Status]int64, len(task.Statuses()))
	pipe := s.client.Pipeline()
	cmds := make(map[task.Status]*redis.IntCmd)
	for _, st := range task.Statuses() {
		cmds[st] = pipe.LLen(ctx, stateKey(st))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, apperrors.StoreUnavailable("count tasks by state", err)
	}
	for st, cmd := range cmds {
		counts[st] = cmd.Val()
	}
	return counts, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return apperrors.StoreUnavailable("ping", err)
	}
	return nil
}

// applyTransition produces the successor record: status, lifecycle
// timestamps, then any payload options.
func applyTransition(cur *task.Task, to task.Status, opts []TransitionOption) *task.Task {
	next := cur.Clone()
	next.Status = to
	now := time.Now().UTC()
	if to == task.StatusProcessing {
		next.StartedAt = &now
	}
	if to.Terminal() {
		next.FinishedAt = &now
	}
	for _, opt := range opts {
		opt(next)
	}
	return next
}

func taskToMap(t *task.Task) (map[string]interface{}, error) {
	fields := map[string]interface{}{
		"id":         t.ID,
		"status":     string(t.Status),
		"prompt":     t.Prompt,
		"created_at": t.CreatedAt.Format(time.RFC3339Nano),
	}
	if t.StartedAt != nil {
		fields["started_at"] = t.StartedAt.Format(time.RFC3339Nano)
	}
	if t.FinishedAt != nil {
		fields["finished_at"] = t.FinishedAt.Format(time.RFC3339Nano)
	}
	if t.Result != nil {
		data, err := json.Marshal(t.Result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		fields["result"] = string(data)
	}
	if t.Error != nil {
		data, err := json.Marshal(t.Error)
		if err != nil {
			return nil, fmt.Errorf("marshal error payload: %w", err)
		}
		fields["error"] = string(data)
	}
	return fields, nil
}

func mapToTask(vals map[string]string) (*task.Task, error) {
	t := &task.Task{
		ID:     vals["id"],
		Status: task.Status(vals["status"]),
		Prompt: vals["prompt"],
	}
	if !t.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q for task %s", vals["status"], t.ID)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, vals["created_at"])
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	t.CreatedAt = createdAt

	if raw := vals["started_at"]; raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		t.StartedAt = &ts
	}
	if raw := vals["finished_at"]; raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		t.FinishedAt = &ts
	}
	if raw := vals["result"]; raw != "" {
		var res task.Result
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		t.Result = &res
	}
	if raw := vals["error"]; raw != "" {
		var f task.Failure
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			return nil, fmt.Errorf("unmarshal error payload: %w", err)
		}
		t.Error = &f
	}
	return t, nil
}
