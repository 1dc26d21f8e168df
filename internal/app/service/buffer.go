package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/sifan077/pageviews/internal/app/model"
	"github.com/sifan077/pageviews/internal/app/repository"
	"go.uber.org/zap"
)

var (
	// ErrQueueEmpty is returned by Queue reads past the end of the list.
	ErrQueueEmpty = errors.New("queue empty")
	// ErrQueueUnavailable wraps failures to reach the queue backend.
	ErrQueueUnavailable = errors.New("queue unavailable")
)

// Queue is a durable list. PushHead adds at the head, PopTail removes from the
// tail, so the list is consumed oldest-first. Index 0 is the head. PopTail
// must be atomic per element.
type Queue interface {
	PushHead(ctx context.Context, data []byte) (int64, error)
	PopTail(ctx context.Context) ([]byte, error)
	Index(ctx context.Context, i int64) ([]byte, error)
	Len(ctx context.Context) (int64, error)
}

const (
	DefaultBatchSize     = 100
	DefaultBufferTimeout = 300 * time.Second
)

// BufferDeps groups the collaborators of a Buffer.
type BufferDeps struct {
	Logger *zap.Logger
	Queue  Queue
	Store  repository.PageViewRepository
	// Dispatcher runs the flush task asynchronously. Without one, a full
	// batch is flushed inline by the enqueuing call.
	Dispatcher TaskDispatcher
	// Models, when set, is used to drop subjects of unregistered types.
	Models  *ModelRegistry
	Clock   quartz.Clock
	Metrics *Metrics

	BatchSize int
	Timeout   time.Duration
	// PreserveTimestamps stores the enqueue time instead of the flush time.
	PreserveTimestamps bool
}

// Buffer batches visits through a durable queue before writing them to the
// event store. Delivery is at most once: popped payloads are consumed even if
// the write fails.
type Buffer struct {
	logger             *zap.Logger
	queue              Queue
	store              repository.PageViewRepository
	dispatcher         TaskDispatcher
	models             *ModelRegistry
	clock              quartz.Clock
	metrics            *Metrics
	batchSize          int
	timeout            time.Duration
	preserveTimestamps bool
}

// NewBuffer creates a Buffer.
func NewBuffer(deps BufferDeps) *Buffer {
	b := &Buffer{
		logger:             deps.Logger,
		queue:              deps.Queue,
		store:              deps.Store,
		dispatcher:         deps.Dispatcher,
		models:             deps.Models,
		clock:              deps.Clock,
		metrics:            metricsOrDefault(deps.Metrics),
		batchSize:          deps.BatchSize,
		timeout:            deps.Timeout,
		preserveTimestamps: deps.PreserveTimestamps,
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	if b.clock == nil {
		b.clock = quartz.NewReal()
	}
	if b.batchSize <= 0 {
		b.batchSize = DefaultBatchSize
	}
	if b.timeout <= 0 {
		b.timeout = DefaultBufferTimeout
	}
	return b
}

// BatchSize returns the configured flush threshold.
func (b *Buffer) BatchSize() int {
	return b.batchSize
}

// Enqueue pushes a visit onto the queue and starts a flush once the queue
// holds a full batch. Only queue failures are returned; they wrap
// ErrQueueUnavailable.
func (b *Buffer) Enqueue(ctx context.Context, visit model.ResolvedVisit, visitor model.Visitor) error {
	data, err := json.Marshal(model.BufferedView{
		Visit:      visit,
		Visitor:    visitor,
		EnqueuedAt: b.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("encode buffered view: %w", err)
	}

	n, err := b.queue.PushHead(ctx, data)
	if err != nil {
		return fmt.Errorf("%w: push: %v", ErrQueueUnavailable, err)
	}

	if n >= int64(b.batchSize) {
		b.triggerFlush(ctx, "batch size reached")
	}
	return nil
}

// Flush pops up to one batch from the tail of the queue and writes it with a
// single bulk insert. It returns the number of views written.
func (b *Buffer) Flush(ctx context.Context) (int, error) {
	var payloads [][]byte
	for len(payloads) < b.batchSize {
		data, err := b.queue.PopTail(ctx)
		if errors.Is(err, ErrQueueEmpty) {
			break
		}
		if err != nil {
			b.logger.Error("failed to pop buffered view", zap.Error(err))
			b.metrics.Errors.WithLabelValues("queue").Inc()
			break
		}
		payloads = append(payloads, data)
	}
	if len(payloads) == 0 {
		return 0, nil
	}
	b.metrics.FlushBatchSize.Observe(float64(len(payloads)))

	now := b.clock.Now()
	views := make([]model.PageView, 0, len(payloads))
	for _, data := range payloads {
		var buffered model.BufferedView
		if err := json.Unmarshal(data, &buffered); err != nil {
			b.logger.Error("failed to decode buffered view", zap.Error(err))
			b.metrics.Errors.WithLabelValues("decode").Inc()
			continue
		}
		b.resolveSubject(&buffered.Visit)

		at := now
		if b.preserveTimestamps && !buffered.EnqueuedAt.IsZero() {
			at = buffered.EnqueuedAt
		}
		views = append(views, model.NewPageView(buffered.Visit, buffered.Visitor, at))
	}
	if len(views) == 0 {
		return 0, nil
	}

	if err := b.store.CreateBatch(ctx, views); err != nil {
		b.logger.Error("failed to write buffered views",
			zap.Int("count", len(views)),
			zap.Error(err))
		b.metrics.Errors.WithLabelValues("store").Inc()
		return 0, fmt.Errorf("flush %d views: %w", len(views), err)
	}

	b.metrics.Flushed.Add(float64(len(views)))
	b.logger.Debug("flushed buffered views", zap.Int("count", len(views)))
	return len(views), nil
}

// Reclaim scans the pending list tail to head, oldest first, and starts one
// flush as soon as it meets a payload older than the buffer timeout. The
// flush takes the oldest batch, which is not necessarily the stale payload
// that was found.
func (b *Buffer) Reclaim(ctx context.Context) (bool, error) {
	n, err := b.queue.Len(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: len: %v", ErrQueueUnavailable, err)
	}

	cutoff := b.clock.Now().Add(-b.timeout)
	for i := n - 1; i >= 0; i-- {
		data, err := b.queue.Index(ctx, i)
		if errors.Is(err, ErrQueueEmpty) {
			// Drained concurrently.
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("%w: index %d: %v", ErrQueueUnavailable, i, err)
		}

		var buffered model.BufferedView
		if err := json.Unmarshal(data, &buffered); err != nil {
			continue
		}
		if buffered.EnqueuedAt.Before(cutoff) {
			b.metrics.Reclaims.Inc()
			b.triggerFlush(ctx, "stale payload")
			return true, nil
		}
	}
	return false, nil
}

func (b *Buffer) triggerFlush(ctx context.Context, reason string) {
	if b.dispatcher != nil {
		err := b.dispatcher.Dispatch(ctx, model.TaskFlushBuffer)
		if err == nil {
			return
		}
		b.logger.Warn("failed to dispatch flush, flushing inline", zap.String("reason", reason), zap.Error(err))
	}
	if _, err := b.Flush(ctx); err != nil {
		b.logger.Error("inline flush failed", zap.String("reason", reason), zap.Error(err))
	}
}

func (b *Buffer) resolveSubject(visit *model.ResolvedVisit) {
	if visit.Subject == nil || b.models == nil {
		return
	}
	if !visit.Subject.Valid() {
		visit.Subject = nil
		return
	}
	if _, ok := b.models.Get(visit.Subject.Type); !ok {
		b.logger.Warn("dropping subject of unregistered type",
			zap.String("type", visit.Subject.Type),
			zap.String("url", visit.URL))
		visit.Subject = nil
	}
}

// RegisterTasks makes the flush task available to dispatchers sharing tasks.
func (b *Buffer) RegisterTasks(tasks *Tasks) {
	tasks.Register(model.TaskFlushBuffer, func(ctx context.Context) error {
		_, err := b.Flush(ctx)
		return err
	})
}
