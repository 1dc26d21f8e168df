package model

import "time"

// Link is the demo object type tracked by the bundled server: a named
// bookmark whose detail and list pages are counted.
type Link struct {
	Code      string    `db:"code" gorm:"primaryKey;size:32" json:"code"`
	URL       string    `db:"url" gorm:"type:text;not null" json:"url"`
	Title     string    `db:"title" gorm:"size:200" json:"title"`
	Disabled  bool      `db:"disabled" gorm:"not null;default:false" json:"disabled"`
	CreatedAt time.Time `db:"created_at" gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" gorm:"autoUpdateTime" json:"updated_at"`
}

// LinkContentType is the subject type tag under which links are tracked.
const LinkContentType = "link"
