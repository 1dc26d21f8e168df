package model

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Column limits mirrored from the page_views schema.
const (
	MaxURLLength         = 2000
	MaxViewNameLength    = 200
	MaxSessionKeyLength  = 40
	MaxContentTypeLength = 100
	MaxObjectIDLength    = 64
)

// PageView is a single recorded visit. Rows are append-only: they are written
// by the recorder (directly or through a buffered flush) and only ever removed
// by retention.
type PageView struct {
	ID          int64     `db:"id" gorm:"primaryKey;autoIncrement"`
	ContentType *string   `db:"content_type" gorm:"size:100;index:idx_page_views_subject,priority:1;index:idx_page_views_type_ts,priority:1"`
	ObjectID    *string   `db:"object_id" gorm:"size:64;index:idx_page_views_subject,priority:2"`
	URL         string    `db:"url" gorm:"size:2000;not null;index"`
	ViewName    *string   `db:"view_name" gorm:"size:200;index"`
	IPAddress   *string   `db:"ip_address" gorm:"size:45"`
	UserAgent   *string   `db:"user_agent" gorm:"type:text"`
	SessionKey  *string   `db:"session_key" gorm:"size:40"`
	Timestamp   time.Time `db:"timestamp" gorm:"type:timestamptz;not null;index;index:idx_page_views_type_ts,priority:2"`
}

// TableName pins the table name used by both GORM and the COPY writer.
func (PageView) TableName() string {
	return "page_views"
}

// Subject returns the tracked object reference, if the view has one.
func (p PageView) Subject() (Subject, bool) {
	if p.ContentType == nil || p.ObjectID == nil {
		return Subject{}, false
	}
	return Subject{Type: *p.ContentType, ID: *p.ObjectID}, true
}

func (p PageView) String() string {
	if s, ok := p.Subject(); ok {
		return fmt.Sprintf("View of %s at %s", s, p.Timestamp.Format(time.RFC3339))
	}
	return fmt.Sprintf("View of %s at %s", p.URL, p.Timestamp.Format(time.RFC3339))
}

// Subject identifies an application object by its registered type tag and id.
type Subject struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (s Subject) String() string {
	return s.Type + ":" + s.ID
}

// Valid reports whether both halves of the reference are present.
func (s Subject) Valid() bool {
	return s.Type != "" && s.ID != ""
}

// Visitor is the best-effort identity snapshot taken when a visit is recorded.
type Visitor struct {
	UserID     string `json:"user_id,omitempty"`
	IPAddress  string `json:"ip_address,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	SessionKey string `json:"session_key,omitempty"`
}

// ResolvedVisit is what the classifier hands to the throttle gate and recorder.
type ResolvedVisit struct {
	URL      string   `json:"url"`
	ViewName string   `json:"view_name,omitempty"`
	Subject  *Subject `json:"subject,omitempty"`
}

// NewPageView builds the row for a visit. Optional fields are stored as NULL
// when empty and bounded fields are truncated to their column size.
func NewPageView(visit ResolvedVisit, visitor Visitor, at time.Time) PageView {
	pv := PageView{
		URL:        truncate(visit.URL, MaxURLLength),
		ViewName:   optional(truncate(visit.ViewName, MaxViewNameLength)),
		IPAddress:  optional(visitor.IPAddress),
		UserAgent:  optional(visitor.UserAgent),
		SessionKey: optional(truncate(visitor.SessionKey, MaxSessionKeyLength)),
		Timestamp:  at,
	}
	if visit.Subject != nil && visit.Subject.Valid() {
		pv.ContentType = optional(truncate(visit.Subject.Type, MaxContentTypeLength))
		pv.ObjectID = optional(truncate(visit.Subject.ID, MaxObjectIDLength))
	}
	return pv
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
