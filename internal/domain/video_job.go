package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// VideoJob is the job record for one chapter-to-video generation.
type VideoJob struct {
	ID          uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OwnerUserID uuid.UUID `gorm:"type:uuid;not null;index" json:"owner_user_id"`
	ChapterRef  string    `gorm:"column:chapter_ref;not null" json:"chapter_ref"`
	ScriptRef   string    `gorm:"column:script_ref" json:"script_ref,omitempty"`
	QualityTier string    `gorm:"column:quality_tier;not null;default:standard" json:"quality_tier"`

	// JobType selects the registered pipeline the worker dispatches to.
	JobType string `gorm:"column:job_type;not null;default:video_generate;index" json:"job_type"`

	Options datatypes.JSON `gorm:"column:options;type:jsonb" json:"options"`

	Status   JobStatus `gorm:"column:status;not null;index" json:"status"`
	Stage    string    `gorm:"column:stage;not null;index" json:"stage"`
	Progress int       `gorm:"column:progress;not null;default:0" json:"progress"`
	Message  string    `gorm:"column:message" json:"message,omitempty"`

	// PipelineState is the versioned state document passed between stages,
	// written only by the orchestrator holding this job's lease.
	PipelineState datatypes.JSON `gorm:"column:pipeline_state;type:jsonb" json:"pipeline_state"`

	FailedAtStep  *string    `gorm:"column:failed_at_step;index" json:"failed_at_step,omitempty"`
	CanResume     bool       `gorm:"column:can_resume;not null;default:false" json:"can_resume"`
	RetryCount    int        `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	LastRetryAt   *time.Time `gorm:"column:last_retry_at" json:"last_retry_at,omitempty"`
	MergeFailedAt *time.Time `gorm:"column:merge_failed_at" json:"merge_failed_at,omitempty"`
	Error         string     `gorm:"column:error" json:"error,omitempty"`

	RunAfter    *time.Time `gorm:"column:run_after;index" json:"run_after,omitempty"`
	LockedAt    *time.Time `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt *time.Time `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (VideoJob) TableName() string { return "video_job" }

// JobOptions is the decoded shape of VideoJob.Options.
type JobOptions struct {
	LipsyncRequested bool   `json:"lipsync_requested"`
	CharacterSheet   bool   `json:"character_sheet"`
	VoiceID          string `json:"voice_id,omitempty"`
	Style            string `json:"style,omitempty"`
	MaxScenes        int    `json:"max_scenes,omitempty"`
}

func (j *VideoJob) DecodeOptions() JobOptions {
	var opts JobOptions
	if j == nil || len(j.Options) == 0 {
		return opts
	}
	_ = json.Unmarshal(j.Options, &opts)
	return opts
}
