package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sifan077/pageviews/internal/app/service"
)

// ThrottleStore keeps throttle flags as expiring Redis keys.
type ThrottleStore struct {
	rdb redis.Cmdable
}

var _ service.ThrottleStore = (*ThrottleStore)(nil)

func NewThrottleStore(rdb redis.Cmdable) *ThrottleStore {
	return &ThrottleStore{rdb: rdb}
}

func (s *ThrottleStore) Seen(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *ThrottleStore) Mark(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, 1, ttl).Err()
}
