package service

import (
	"context"
	"time"

	"github.com/sifan077/pageviews/internal/app/model"
	"go.uber.org/zap"
)

const throttleKeyPrefix = "pageview_throttle:"

// ThrottleStore is an expiring key-value store holding presence flags.
type ThrottleStore interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

// ThrottleGate admits a visit at most once per window for a given visitor
// and subject. The check and the mark are separate calls, so concurrent
// requests may occasionally both be admitted.
type ThrottleGate struct {
	store   ThrottleStore
	window  time.Duration
	logger  *zap.Logger
	metrics *Metrics
}

// NewThrottleGate returns a gate backed by store. A zero window or nil
// store disables throttling.
func NewThrottleGate(store ThrottleStore, window time.Duration, logger *zap.Logger, metrics *Metrics) *ThrottleGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ThrottleGate{
		store:   store,
		window:  window,
		logger:  logger,
		metrics: metricsOrDefault(metrics),
	}
}

// DedupKey combines the visitor identity (user, session, IP, or the shared
// anonymous bucket, in that order) with the subject, or the URL when the
// visit has no subject.
func DedupKey(visit model.ResolvedVisit, visitor model.Visitor) string {
	var who string
	switch {
	case visitor.UserID != "":
		who = "user:" + visitor.UserID
	case visitor.SessionKey != "":
		who = "session:" + visitor.SessionKey
	case visitor.IPAddress != "":
		who = "ip:" + visitor.IPAddress
	default:
		who = "anon"
	}

	what := "url:" + visit.URL
	if visit.Subject != nil && visit.Subject.Valid() {
		what = "obj:" + visit.Subject.String()
	}
	return throttleKeyPrefix + what + ":" + who
}

// Admit reports whether key may be recorded now and, if so, marks it for the
// rest of the window. Store failures admit the visit.
func (g *ThrottleGate) Admit(ctx context.Context, key string) bool {
	if g.store == nil || g.window <= 0 {
		return true
	}

	seen, err := g.store.Seen(ctx, key)
	if err != nil {
		g.logger.Warn("throttle store lookup failed, admitting", zap.String("key", key), zap.Error(err))
		g.metrics.Errors.WithLabelValues("throttle").Inc()
		return true
	}
	if seen {
		g.metrics.ThrottleRejected.Inc()
		return false
	}

	if err := g.store.Mark(ctx, key, g.window); err != nil {
		g.logger.Warn("throttle store update failed", zap.String("key", key), zap.Error(err))
		g.metrics.Errors.WithLabelValues("throttle").Inc()
	}
	return true
}

// AdmitVisit is Admit on the visit's dedup key.
func (g *ThrottleGate) AdmitVisit(ctx context.Context, visit model.ResolvedVisit, visitor model.Visitor) bool {
	return g.Admit(ctx, DedupKey(visit, visitor))
}
