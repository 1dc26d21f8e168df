package service

import (
	"context"

	"github.com/sifan077/pageviews/internal/app/model"
	"go.uber.org/zap"
)

// TrackResult describes what happened to a request.
type TrackResult struct {
	Visit    model.ResolvedVisit
	Visitor  model.Visitor
	Skipped  SkipReason
	Recorded bool
}

// Tracker runs a served request through classification, throttling and
// recording. It is the single entry point used by the HTTP layer and by
// handlers that record explicitly.
type Tracker struct {
	classifier *Classifier
	gate       *ThrottleGate
	recorder   *Recorder
	logger     *zap.Logger
}

func NewTracker(classifier *Classifier, gate *ThrottleGate, recorder *Recorder, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{classifier: classifier, gate: gate, recorder: recorder, logger: logger}
}

// Track classifies req and records it when admitted. It never fails; the
// result is informational.
func (t *Tracker) Track(ctx context.Context, req Request) (res TrackResult) {
	defer func() {
		if rec := recover(); rec != nil {
			t.logger.Error("panic while tracking request", zap.Any("panic", rec), zap.String("path", req.Path))
			res.Recorded = false
		}
	}()

	visit, reason := t.classifier.Classify(ctx, req)
	if reason != SkipNone {
		return TrackResult{Skipped: reason}
	}

	visitor := model.Visitor{
		UserID:    req.UserID,
		IPAddress: req.ClientIP,
		UserAgent: req.UserAgent,
	}
	if req.Session != nil {
		visitor.SessionKey = req.Session.Key()
	}
	res = TrackResult{Visit: visit, Visitor: visitor}

	// The dedup key uses the session as it was when the request arrived.
	if !t.gate.AdmitVisit(ctx, visit, visitor) {
		res.Skipped = SkipThrottle
		return res
	}

	if visitor.SessionKey == "" && req.Session != nil {
		key, err := req.Session.Ensure()
		if err != nil {
			t.logger.Warn("failed to create visitor session", zap.Error(err))
		} else {
			visitor.SessionKey = key
			res.Visitor = visitor
		}
	}

	t.recorder.Record(ctx, visit, visitor)
	res.Recorded = true
	return res
}

// Record stores an already resolved visit, subject to the throttle gate.
// Handlers use it to track pages the middleware cannot see.
func (t *Tracker) Record(ctx context.Context, visit model.ResolvedVisit, visitor model.Visitor) bool {
	if !t.gate.AdmitVisit(ctx, visit, visitor) {
		return false
	}
	t.recorder.Record(ctx, visit, visitor)
	return true
}
