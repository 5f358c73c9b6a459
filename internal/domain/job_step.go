package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Step names, in pipeline order.
const (
	StepScript        = "script"
	StepCharacters    = "characters"
	StepImages        = "images"
	StepAudio         = "audio"
	StepVideoSegments = "video_segments"
	StepLipsync       = "lipsync"
	StepMerge         = "merge"
)

// StepSequence is the canonical stage order the orchestrator walks.
func StepSequence() []string {
	return []string{
		StepScript,
		StepCharacters,
		StepImages,
		StepAudio,
		StepVideoSegments,
		StepLipsync,
		StepMerge,
	}
}

// StatusForStep maps a running stage to the job-level status shown to callers.
func StatusForStep(step string) JobStatus {
	switch step {
	case StepScript:
		return JobGeneratingScript
	case StepCharacters:
		return JobGeneratingCharacters
	case StepImages:
		return JobGeneratingImages
	case StepAudio:
		return JobGeneratingAudio
	case StepVideoSegments:
		return JobGeneratingVideo
	case StepLipsync:
		return JobApplyingLipsync
	case StepMerge:
		return JobMerging
	default:
		return JobPending
	}
}

// JobStep is one step ledger entry: exactly one row per (job, step name).
type JobStep struct {
	ID       uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID    uuid.UUID `gorm:"type:uuid;not null;index:idx_job_step,unique" json:"job_id"`
	StepName string    `gorm:"column:step_name;not null;index:idx_job_step,unique" json:"step_name"`

	Status       StepStatus `gorm:"column:status;not null;index" json:"status"`
	RetryCount   int        `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	ErrorMessage string     `gorm:"column:error_message" json:"error_message,omitempty"`

	// StepData carries stage-local bookkeeping needed for resume/debugging,
	// e.g. provider task ids while a remote render is polled.
	StepData datatypes.JSON `gorm:"column:step_data;type:jsonb" json:"step_data,omitempty"`

	NextRunAt   *time.Time `gorm:"column:next_run_at" json:"next_run_at,omitempty"`
	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (JobStep) TableName() string { return "job_step" }
