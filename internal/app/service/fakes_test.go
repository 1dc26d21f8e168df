package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sifan077/pageviews/internal/app/model"
)

// memQueue is an in-memory Queue with the same head/tail semantics as a
// Redis list.
type memQueue struct {
	mu      sync.Mutex
	items   [][]byte
	err     error
	indexed []int64
}

var _ Queue = (*memQueue)(nil)

func (q *memQueue) PushHead(_ context.Context, data []byte) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return 0, q.err
	}
	q.items = append([][]byte{data}, q.items...)
	return int64(len(q.items)), nil
}

func (q *memQueue) indexCalls() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int64(nil), q.indexed...)
}

func (q *memQueue) PopTail(_ context.Context) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	if len(q.items) == 0 {
		return nil, ErrQueueEmpty
	}
	last := q.items[len(q.items)-1]
	q.items = q.items[:len(q.items)-1]
	return last, nil
}

func (q *memQueue) Index(_ context.Context, i int64) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.indexed = append(q.indexed, i)
	if q.err != nil {
		return nil, q.err
	}
	if i < 0 || i >= int64(len(q.items)) {
		return nil, ErrQueueEmpty
	}
	return q.items[i], nil
}

func (q *memQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return 0, q.err
	}
	return int64(len(q.items)), nil
}

func (q *memQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// memThrottle is a ThrottleStore driven by an injected clock function.
type memThrottle struct {
	mu      sync.Mutex
	now     func() time.Time
	expires map[string]time.Time
	err     error
}

func newMemThrottle(now func() time.Time) *memThrottle {
	return &memThrottle{now: now, expires: map[string]time.Time{}}
}

func (s *memThrottle) Seen(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	exp, ok := s.expires[key]
	return ok && s.now().Before(exp), nil
}

func (s *memThrottle) Mark(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.expires[key] = s.now().Add(ttl)
	return nil
}

// inlineDispatcher runs tasks on the calling goroutine.
type inlineDispatcher struct {
	tasks *Tasks

	mu    sync.Mutex
	calls []string
}

func (d *inlineDispatcher) Dispatch(ctx context.Context, name string) error {
	d.mu.Lock()
	d.calls = append(d.calls, name)
	d.mu.Unlock()
	return d.tasks.Run(ctx, name)
}

func (d *inlineDispatcher) dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// failingDispatcher refuses every task.
type failingDispatcher struct{}

func (failingDispatcher) Dispatch(context.Context, string) error {
	return errors.New("broker down")
}

// fakeSession is a SessionAccessor that allocates a fixed key on Ensure.
type fakeSession struct {
	key     string
	next    string
	err     error
	ensured int
}

func (s *fakeSession) Key() string { return s.key }

func (s *fakeSession) Ensure() (string, error) {
	s.ensured++
	if s.err != nil {
		return "", s.err
	}
	if s.key == "" {
		s.key = s.next
	}
	return s.key, nil
}

// stubModel is a Model over a fixed set of ids.
type stubModel struct {
	name    string
	ids     map[string]bool
	err     error
	batches int
}

func (m *stubModel) Name() string { return m.name }

func (m *stubModel) Lookup(_ context.Context, _ string, value string) (string, bool, error) {
	if m.err != nil {
		return "", false, m.err
	}
	return value, m.ids[value], nil
}

func (m *stubModel) LookupMany(_ context.Context, ids []string) (map[string]any, error) {
	m.batches++
	if m.err != nil {
		return nil, m.err
	}
	out := map[string]any{}
	for _, id := range ids {
		if m.ids[id] {
			out[id] = "object " + id
		}
	}
	return out, nil
}

func subjectPtr(typ, id string) *model.Subject {
	return &model.Subject{Type: typ, ID: id}
}
