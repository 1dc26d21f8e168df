package service

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"
)

const DefaultReclaimInterval = time.Minute

// Reclaimer periodically sweeps the buffer for stale payloads so that quiet
// periods do not leave views pending for longer than the buffer timeout.
type Reclaimer struct {
	logger   *zap.Logger
	buffer   *Buffer
	clock    quartz.Clock
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	waiter quartz.Waiter
}

// NewReclaimer creates a reclaimer sweeping buffer every interval.
func NewReclaimer(logger *zap.Logger, buffer *Buffer, clock quartz.Clock, interval time.Duration) *Reclaimer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	if interval <= 0 {
		interval = DefaultReclaimInterval
	}
	return &Reclaimer{
		logger:   logger,
		buffer:   buffer,
		clock:    clock,
		interval: interval,
	}
}

// Start begins the periodic sweep. Calling Start on a running reclaimer is a
// no-op.
func (r *Reclaimer) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.waiter = r.clock.TickerFunc(ctx, r.interval, func() error {
		r.sweep(ctx)
		return nil
	}, "reclaimer")
}

// Stop ends the sweep and waits for an in-flight pass to finish.
func (r *Reclaimer) Stop() {
	r.mu.Lock()
	cancel, waiter := r.cancel, r.waiter
	r.cancel, r.waiter = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	_ = waiter.Wait()
	r.logger.Info("buffer reclaimer stopped")
}

func (r *Reclaimer) sweep(ctx context.Context) {
	flushed, err := r.buffer.Reclaim(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("failed to sweep page view buffer", zap.Error(err))
		return
	}
	if flushed {
		r.logger.Info("flushed stale page view buffer")
	}
}
