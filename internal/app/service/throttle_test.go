package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sifan077/pageviews/internal/app/model"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestDedupKey(t *testing.T) {
	t.Parallel()

	post := model.ResolvedVisit{URL: "/posts/42/", Subject: subjectPtr("BlogPost", "42")}
	bare := model.ResolvedVisit{URL: "/about/"}

	tests := []struct {
		name    string
		visit   model.ResolvedVisit
		visitor model.Visitor
		want    string
	}{
		{
			name:    "UserWins",
			visit:   post,
			visitor: model.Visitor{UserID: "7", SessionKey: "s1", IPAddress: "192.0.2.1"},
			want:    "pageview_throttle:obj:BlogPost:42:user:7",
		},
		{
			name:    "Session",
			visit:   post,
			visitor: model.Visitor{SessionKey: "s1", IPAddress: "192.0.2.1"},
			want:    "pageview_throttle:obj:BlogPost:42:session:s1",
		},
		{
			name:    "IP",
			visit:   bare,
			visitor: model.Visitor{IPAddress: "192.0.2.1"},
			want:    "pageview_throttle:url:/about/:ip:192.0.2.1",
		},
		{
			name:  "Anonymous",
			visit: bare,
			want:  "pageview_throttle:url:/about/:anon",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, DedupKey(tt.visit, tt.visitor))
		})
	}
}

func TestThrottleGate_AdmitsOncePerWindow(t *testing.T) {
	t.Parallel()

	clock := quartz.NewMock(t)
	store := newMemThrottle(func() time.Time { return clock.Now() })
	metrics := NewMetrics(nil)
	gate := NewThrottleGate(store, 20*time.Second, zaptest.NewLogger(t), metrics)
	ctx := context.Background()

	assert.True(t, gate.Admit(ctx, "k"))
	assert.False(t, gate.Admit(ctx, "k"))
	assert.True(t, gate.Admit(ctx, "other"))

	clock.Advance(19 * time.Second)
	assert.False(t, gate.Admit(ctx, "k"))

	clock.Advance(2 * time.Second)
	assert.True(t, gate.Admit(ctx, "k"), "window elapsed")

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ThrottleRejected))
}

func TestThrottleGate_StoreErrorsAdmit(t *testing.T) {
	t.Parallel()

	store := newMemThrottle(time.Now)
	store.err = errors.New("connection refused")
	metrics := NewMetrics(nil)
	gate := NewThrottleGate(store, time.Minute, zaptest.NewLogger(t), metrics)

	assert.True(t, gate.Admit(context.Background(), "k"))
	assert.True(t, gate.Admit(context.Background(), "k"))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Errors.WithLabelValues("throttle")))
}

func TestThrottleGate_Disabled(t *testing.T) {
	t.Parallel()

	store := newMemThrottle(time.Now)
	gate := NewThrottleGate(store, 0, nil, nil)
	assert.True(t, gate.Admit(context.Background(), "k"))
	assert.True(t, gate.Admit(context.Background(), "k"))
	assert.Empty(t, store.expires)

	assert.True(t, NewThrottleGate(nil, time.Minute, nil, nil).Admit(context.Background(), "k"))
}
