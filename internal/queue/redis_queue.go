package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/vnmchuo/llm-taskd/internal/errors"
)

const pendingKey = "taskd:queue:pending"

// RedisQueue is a Redis list: LPUSH on submit, BRPOP in the workers,
// LREM for cancellation. FIFO across the list.
type RedisQueue struct {
	client redis.UniversalClient
}

var _ Queue = (*RedisQueue)(nil)

func NewRedisQueue(client redis.UniversalClient) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) Enqueue(ctx context.Context, id string) error {
	if err := q.client.LPush(ctx, pendingKey, id).Err(); err != nil {
		return apperrors.StoreUnavailable("enqueue task", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (string, error) {
	vals, err := q.client.BRPop(ctx, wait, pendingKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrEmpty
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", apperrors.StoreUnavailable("dequeue task", err)
	}
	// BRPOP returns [key, value].
	return vals[1], nil
}

func (q *RedisQueue) Remove(ctx context.Context, id string) (bool, error) {
	n, err := q.client.LRem(ctx, pendingKey, 0, id).Result()
	if err != nil {
		return false, apperrors.StoreUnavailable("remove task from queue", err)
	}
	return n > 0, nil
}

func (q *RedisQueue) Snapshot(ctx context.Context) ([]string, error) {
	ids, err := q.client.LRange(ctx, pendingKey, 0, -1).Result()
	if err != nil {
		return nil, apperrors.StoreUnavailable("snapshot queue", err)
	}
	// LPUSH prepends, so the raw list reads newest first; reverse into
	// dequeue order.
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, nil
}
