package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/coder/quartz"
	"github.com/sifan077/pageviews/internal/app/model"
	"github.com/sifan077/pageviews/internal/app/repository"
	"go.uber.org/zap"
)

// ErrStorageUnavailable wraps event store write failures.
var ErrStorageUnavailable = errors.New("storage unavailable")

// Mode selects how admitted visits reach the event store.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// DetectAsync decides the recording mode once at startup. An explicit
// setting wins; otherwise async is enabled only when both the queue and the
// task backend answered their probes.
func DetectAsync(explicit *bool, queueReady, tasksReady bool) Mode {
	if explicit != nil {
		if *explicit {
			return ModeAsync
		}
		return ModeSync
	}
	if queueReady && tasksReady {
		return ModeAsync
	}
	return ModeSync
}

// RecorderDeps groups the collaborators of a Recorder.
type RecorderDeps struct {
	Logger  *zap.Logger
	Store   repository.PageViewRepository
	Buffer  *Buffer
	Mode    Mode
	Clock   quartz.Clock
	Metrics *Metrics
}

// Recorder persists admitted visits. It never reports failures to its
// caller.
type Recorder struct {
	logger  *zap.Logger
	store   repository.PageViewRepository
	buffer  *Buffer
	mode    Mode
	clock   quartz.Clock
	metrics *Metrics
}

// NewRecorder creates a Recorder. Async mode without a buffer degrades to
// sync.
func NewRecorder(deps RecorderDeps) *Recorder {
	r := &Recorder{
		logger:  deps.Logger,
		store:   deps.Store,
		buffer:  deps.Buffer,
		mode:    deps.Mode,
		clock:   deps.Clock,
		metrics: metricsOrDefault(deps.Metrics),
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.clock == nil {
		r.clock = quartz.NewReal()
	}
	if r.mode != ModeAsync || r.buffer == nil {
		r.mode = ModeSync
	}
	return r
}

// Mode reports the effective recording mode.
func (r *Recorder) Mode() Mode {
	return r.mode
}

// Record stores the visit directly or hands it to the buffer. Errors and
// panics are logged and swallowed.
func (r *Recorder) Record(ctx context.Context, visit model.ResolvedVisit, visitor model.Visitor) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic while recording page view",
				zap.Any("panic", rec),
				zap.String("url", visit.URL))
			r.metrics.Errors.WithLabelValues("panic").Inc()
		}
	}()

	if r.mode == ModeAsync {
		err := r.buffer.Enqueue(ctx, visit, visitor)
		if err == nil {
			r.metrics.Recorded.WithLabelValues(string(ModeAsync)).Inc()
			return
		}
		r.logger.Warn("buffer unavailable, recording synchronously",
			zap.String("url", visit.URL),
			zap.Error(err))
		r.metrics.Errors.WithLabelValues("queue").Inc()
	}

	if err := r.recordSync(ctx, visit, visitor); err != nil {
		r.logger.Error("failed to record page view",
			zap.String("url", visit.URL),
			zap.Error(err))
		r.metrics.Errors.WithLabelValues("store").Inc()
		return
	}
	r.metrics.Recorded.WithLabelValues(string(ModeSync)).Inc()
}

func (r *Recorder) recordSync(ctx context.Context, visit model.ResolvedVisit, visitor model.Visitor) error {
	view := model.NewPageView(visit, visitor, r.clock.Now())
	if err := r.store.Create(ctx, &view); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}
