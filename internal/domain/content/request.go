package content

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ContentRequest is the ledger row for one generation request. Created by the API,
// mutated by the orchestrator, never deleted here.
type ContentRequest struct {
	ID                  uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CorrelationID       string         `gorm:"column:correlation_id;not null;uniqueIndex" json:"correlation_id"`
	StudentID           string         `gorm:"column:student_id;not null;index" json:"student_id"`
	Query               string         `gorm:"column:query;type:text;not null" json:"query"`
	GradeLevel          int            `gorm:"column:grade_level;not null" json:"grade_level"`
	RequestedModalities datatypes.JSON `gorm:"column:requested_modalities;type:jsonb" json:"requested_modalities"`
	PreferredModality   string         `gorm:"column:preferred_modality" json:"preferred_modality,omitempty"`
	Status              string         `gorm:"column:status;not null;index" json:"status"`
	ProgressPercentage  int            `gorm:"column:progress_percentage;not null" json:"progress_percentage"`
	CurrentStage        string         `gorm:"column:current_stage" json:"current_stage,omitempty"`
	RetryCount          int            `gorm:"column:retry_count;not null" json:"retry_count"`
	ClaimOwner          string         `gorm:"column:claim_owner;index" json:"claim_owner,omitempty"`
	LeaseExpiresAt      *time.Time     `gorm:"column:lease_expires_at;index" json:"lease_expires_at,omitempty"`
	NextAttemptAt       *time.Time     `gorm:"column:next_attempt_at" json:"next_attempt_at,omitempty"`
	FailureReason       string         `gorm:"column:failure_reason;type:text" json:"failure_reason,omitempty"`
	Degraded            bool           `gorm:"column:degraded;not null" json:"degraded"`
	TopicID             string         `gorm:"column:topic_id" json:"topic_id,omitempty"`
	TopicName           string         `gorm:"column:topic_name" json:"topic_name,omitempty"`
	Artifacts           datatypes.JSON `gorm:"column:artifacts;type:jsonb" json:"artifacts,omitempty"`
	// Checkpoint is the pipeline state after the last succeeded stage; a retry resumes from it.
	Checkpoint  datatypes.JSON `gorm:"column:checkpoint;type:jsonb" json:"-"`
	NotifiedAt  *time.Time     `gorm:"column:notified_at" json:"notified_at,omitempty"`
	CompletedAt *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;index" json:"updated_at"`
}

func (ContentRequest) TableName() string { return "content_request" }

func (r *ContentRequest) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = string(StatusPending)
	}
	return nil
}

func (r *ContentRequest) State() Status { return Status(r.Status) }

func (r *ContentRequest) Modalities() Modalities {
	var raw []string
	if len(r.RequestedModalities) > 0 {
		_ = json.Unmarshal(r.RequestedModalities, &raw)
	}
	ms, err := ParseModalities(raw)
	if err != nil {
		return Modalities{ModalityText}
	}
	return ms
}

func (r *ContentRequest) SetModalities(ms Modalities) {
	b, _ := json.Marshal(ms.Strings())
	r.RequestedModalities = datatypes.JSON(b)
}

// ArtifactRefs decodes the persisted artifact references (kind -> ref).
func (r *ContentRequest) ArtifactRefs() map[string]string {
	out := map[string]string{}
	if len(r.Artifacts) > 0 {
		_ = json.Unmarshal(r.Artifacts, &out)
	}
	return out
}

func EncodeArtifacts(refs map[string]string) datatypes.JSON {
	if len(refs) == 0 {
		return datatypes.JSON([]byte("{}"))
	}
	b, _ := json.Marshal(refs)
	return datatypes.JSON(b)
}
