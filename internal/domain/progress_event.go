package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type JobEventKind string

const (
	JobEventCreated   JobEventKind = "created"
	JobEventProgress  JobEventKind = "progress"
	JobEventRetrying  JobEventKind = "retrying"
	JobEventFailed    JobEventKind = "failed"
	JobEventResumed   JobEventKind = "resumed"
	JobEventCancelled JobEventKind = "cancelled"
	JobEventCompleted JobEventKind = "completed"
)

// JobProgressEvent is the append-only timeline for one job; it is the
// progressLog surfaced by the status query and is never updated in place.
type JobProgressEvent struct {
	ID          uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID       uuid.UUID `gorm:"type:uuid;not null;index" json:"job_id"`
	OwnerUserID uuid.UUID `gorm:"type:uuid;not null;index" json:"owner_user_id"`

	Kind     JobEventKind   `gorm:"column:kind;not null;index" json:"kind"`
	Status   JobStatus      `gorm:"column:status;not null" json:"status"`
	Stage    string         `gorm:"column:stage;not null" json:"stage"`
	Progress int            `gorm:"column:progress;not null" json:"progress"`
	Message  string         `gorm:"column:message;type:text" json:"message,omitempty"`
	Data     datatypes.JSON `gorm:"column:data;type:jsonb" json:"data,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (JobProgressEvent) TableName() string { return "job_progress_event" }
