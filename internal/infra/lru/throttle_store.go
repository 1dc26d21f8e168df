// Package lru holds in-process fallbacks for the Redis-backed stores.
package lru

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sifan077/pageviews/internal/app/service"
)

// ThrottleStore keeps throttle flags in a bounded in-memory LRU. Entries
// share the TTL given at construction; the ttl passed to Mark is ignored.
// Flags are per process, so several replicas each admit a visitor once.
type ThrottleStore struct {
	cache *expirable.LRU[string, struct{}]
}

var _ service.ThrottleStore = (*ThrottleStore)(nil)

func NewThrottleStore(size int, ttl time.Duration) *ThrottleStore {
	return &ThrottleStore{cache: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

func (s *ThrottleStore) Seen(_ context.Context, key string) (bool, error) {
	// Peek honours expiry without refreshing recency.
	_, ok := s.cache.Peek(key)
	return ok, nil
}

func (s *ThrottleStore) Mark(_ context.Context, key string, _ time.Duration) error {
	s.cache.Add(key, struct{}{})
	return nil
}

// Len reports the number of live flags.
func (s *ThrottleStore) Len() int {
	return s.cache.Len()
}
