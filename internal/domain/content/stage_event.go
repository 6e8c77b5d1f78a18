package content

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Outcome string

const (
	OutcomeStarted   Outcome = "started"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// StageEvent is the append-only audit trail of a request. Rows are never updated.
type StageEvent struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	RequestID     uuid.UUID `gorm:"type:uuid;not null;index" json:"request_id"`
	CorrelationID string    `gorm:"column:correlation_id;not null;index" json:"correlation_id"`
	Seq           int       `gorm:"column:seq;not null" json:"seq"`
	Stage         string    `gorm:"column:stage;not null;index" json:"stage"`
	Outcome       string    `gorm:"column:outcome;not null" json:"outcome"`
	Progress      int       `gorm:"column:progress;not null" json:"progress"`
	Attempt       int       `gorm:"column:attempt;not null" json:"attempt"`
	ErrorClass    string    `gorm:"column:error_class" json:"error_class,omitempty"`
	Detail        string    `gorm:"column:detail;type:text" json:"detail,omitempty"`
	CreatedAt     time.Time `gorm:"not null;index" json:"created_at"`
}

func (StageEvent) TableName() string { return "stage_event" }

func (e *StageEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

// RetryRecord is written once per scheduled retry attempt.
type RetryRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	RequestID  uuid.UUID `gorm:"type:uuid;not null;index" json:"request_id"`
	Attempt    int       `gorm:"column:attempt;not null" json:"attempt"`
	Stage      string    `gorm:"column:stage;not null" json:"stage"`
	ErrorClass string    `gorm:"column:error_class;not null" json:"error_class"`
	BackoffMS  int64     `gorm:"column:backoff_ms;not null" json:"backoff_ms"`
	CreatedAt  time.Time `gorm:"not null" json:"created_at"`
}

func (RetryRecord) TableName() string { return "retry_record" }

func (r *RetryRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
