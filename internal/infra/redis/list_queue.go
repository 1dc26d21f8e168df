package redis

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/sifan077/pageviews/internal/app/service"
)

// ListQueue is a service.Queue stored in a single Redis list. LPUSH adds at
// the head and RPOP takes from the tail; both are atomic per element.
type ListQueue struct {
	rdb redis.Cmdable
	key string
}

var _ service.Queue = (*ListQueue)(nil)

func NewListQueue(rdb redis.Cmdable, key string) *ListQueue {
	return &ListQueue{rdb: rdb, key: key}
}

func (q *ListQueue) PushHead(ctx context.Context, data []byte) (int64, error) {
	return q.rdb.LPush(ctx, q.key, data).Result()
}

func (q *ListQueue) PopTail(ctx context.Context) ([]byte, error) {
	data, err := q.rdb.RPop(ctx, q.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, service.ErrQueueEmpty
	}
	return data, err
}

// Index peeks at position i counted from the head without removing it.
func (q *ListQueue) Index(ctx context.Context, i int64) ([]byte, error) {
	data, err := q.rdb.LIndex(ctx, q.key, i).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, service.ErrQueueEmpty
	}
	return data, err
}

func (q *ListQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.key).Result()
}
