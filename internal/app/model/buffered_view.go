package model

import "time"

// BufferedView is the payload pushed onto the pending-views queue.
type BufferedView struct {
	Visit      ResolvedVisit `json:"visit"`
	Visitor    Visitor       `json:"visitor"`
	EnqueuedAt time.Time     `json:"timestamp"`
}

const (
	TaskStreamName     = "PAGEVIEW_TASKS"
	TaskSubjectPrefix  = "pageviews.tasks."
	TaskConsumerName   = "pageview-tasks"
	TaskStreamMaxBytes = 1024 * 1024 * 10 // 10MB

	// TaskFlushBuffer drains one batch of buffered views.
	TaskFlushBuffer = "flush"
)
