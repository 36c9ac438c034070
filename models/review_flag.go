package models

import "time"

type ReviewSubject string

const (
	SubjectPosition    ReviewSubject = "position"
	SubjectUser        ReviewSubject = "user"
	SubjectTransaction ReviewSubject = "transaction"
)

// ReviewFlag is an operator queue entry for state the engine refuses to touch
// on its own.
type ReviewFlag struct {
	ID          string        `gorm:"primaryKey;type:uuid" json:"id"`
	SubjectKind ReviewSubject `gorm:"type:varchar(16);not null;index:idx_flag_subject" json:"subject_kind"`
	SubjectID   string        `gorm:"type:varchar(64);not null;index:idx_flag_subject" json:"subject_id"`
	UserID      UserID        `gorm:"type:varchar(64);index" json:"user_id"`
	Reason      string        `gorm:"not null" json:"reason"`
	ErrorClass  string        `gorm:"type:varchar(64)" json:"error_class"`

	ResolvedAt *time.Time `gorm:"index" json:"resolved_at,omitempty"`
	ResolvedBy string     `json:"resolved_by,omitempty"`

	Timestamps
}

func (f *ReviewFlag) Open() bool { return f.ResolvedAt == nil }
