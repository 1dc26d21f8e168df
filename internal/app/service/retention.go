package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/sifan077/pageviews/internal/app/repository"
	"go.uber.org/zap"
)

// DefaultRetentionDays is the age used by the retention command when none
// is given.
const DefaultRetentionDays = 90

var errInvalidRetention = errors.New("retention days must be positive")

// Retention deletes old page views.
type Retention struct {
	store  repository.PageViewRepository
	clock  quartz.Clock
	logger *zap.Logger
}

func NewRetention(store repository.PageViewRepository, clock quartz.Clock, logger *zap.Logger) *Retention {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retention{store: store, clock: clock, logger: logger}
}

// Purge removes views older than days. With keepUnique the most recent view
// of every URL and of every object survives regardless of age.
func (r *Retention) Purge(ctx context.Context, days int, keepUnique bool) (int64, error) {
	if days <= 0 {
		return 0, errInvalidRetention
	}
	cutoff := r.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)

	deleted, err := r.store.DeleteOlderThan(ctx, cutoff, keepUnique)
	if err != nil {
		return 0, fmt.Errorf("purge page views: %w", err)
	}
	r.logger.Info("purged old page views",
		zap.Int64("deleted", deleted),
		zap.Time("cutoff", cutoff),
		zap.Bool("keep_unique", keepUnique))
	return deleted, nil
}
