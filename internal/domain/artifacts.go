package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SceneImage is one generated still for a script scene.
type SceneImage struct {
	ID         uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID      uuid.UUID `gorm:"type:uuid;not null;index:idx_scene_image_job" json:"job_id"`
	SceneIndex int       `gorm:"column:scene_index;not null;index:idx_scene_image_job" json:"scene_index"`

	Status     ArtifactStatus `gorm:"column:status;not null;index" json:"status"`
	Prompt     string         `gorm:"column:prompt;type:text" json:"prompt,omitempty"`
	URL        string         `gorm:"column:url" json:"url,omitempty"`
	StorageKey string         `gorm:"column:storage_key" json:"storage_key,omitempty"`

	Provider     string `gorm:"column:provider" json:"provider,omitempty"`
	Model        string `gorm:"column:model" json:"model,omitempty"`
	GenerationMS int64  `gorm:"column:generation_ms" json:"generation_ms,omitempty"`
	Error        string `gorm:"column:error" json:"error,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (SceneImage) TableName() string { return "scene_image" }

// AudioTrack is the narration clip for one scene.
type AudioTrack struct {
	ID         uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID      uuid.UUID `gorm:"type:uuid;not null;index:idx_audio_track_job" json:"job_id"`
	SceneIndex int       `gorm:"column:scene_index;not null;index:idx_audio_track_job" json:"scene_index"`

	Status      ArtifactStatus `gorm:"column:status;not null;index" json:"status"`
	VoiceID     string         `gorm:"column:voice_id" json:"voice_id,omitempty"`
	DurationSec float64        `gorm:"column:duration_sec" json:"duration_sec,omitempty"`
	URL         string         `gorm:"column:url" json:"url,omitempty"`
	StorageKey  string         `gorm:"column:storage_key" json:"storage_key,omitempty"`

	Provider     string `gorm:"column:provider" json:"provider,omitempty"`
	Model        string `gorm:"column:model" json:"model,omitempty"`
	GenerationMS int64  `gorm:"column:generation_ms" json:"generation_ms,omitempty"`
	Error        string `gorm:"column:error" json:"error,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (AudioTrack) TableName() string { return "audio_track" }

// SegmentKind distinguishes raw renders from lip-synced derivatives; the
// lip-sync stage writes its own rows rather than mutating render rows.
type SegmentKind string

const (
	SegmentRender  SegmentKind = "render"
	SegmentLipsync SegmentKind = "lipsync"
)

// VideoSegment is one rendered clip for a scene.
type VideoSegment struct {
	ID         uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID      uuid.UUID `gorm:"type:uuid;not null;index:idx_video_segment_job" json:"job_id"`
	SceneIndex int       `gorm:"column:scene_index;not null;index:idx_video_segment_job" json:"scene_index"`

	Kind            SegmentKind `gorm:"column:kind;not null;default:render;index:idx_video_segment_job" json:"kind"`
	SourceSegmentID *uuid.UUID  `gorm:"type:uuid;column:source_segment_id" json:"source_segment_id,omitempty"`

	Status      ArtifactStatus `gorm:"column:status;not null;index" json:"status"`
	DurationSec float64        `gorm:"column:duration_sec" json:"duration_sec,omitempty"`
	URL         string         `gorm:"column:url" json:"url,omitempty"`
	StorageKey  string         `gorm:"column:storage_key" json:"storage_key,omitempty"`

	Provider     string `gorm:"column:provider" json:"provider,omitempty"`
	Model        string `gorm:"column:model" json:"model,omitempty"`
	TaskID       string `gorm:"column:task_id;index" json:"task_id,omitempty"`
	GenerationMS int64  `gorm:"column:generation_ms" json:"generation_ms,omitempty"`
	Error        string `gorm:"column:error" json:"error,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (VideoSegment) TableName() string { return "video_segment" }

// MergedVideo is the final assembled output, one per job.
type MergedVideo struct {
	ID    uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex" json:"job_id"`

	Status         ArtifactStatus `gorm:"column:status;not null;index" json:"status"`
	LipsyncApplied bool           `gorm:"column:lipsync_applied;not null;default:false" json:"lipsync_applied"`
	DurationSec    float64        `gorm:"column:duration_sec" json:"duration_sec,omitempty"`
	URL            string         `gorm:"column:url" json:"url,omitempty"`
	StorageKey     string         `gorm:"column:storage_key" json:"storage_key,omitempty"`
	PosterURL      string         `gorm:"column:poster_url" json:"poster_url,omitempty"`

	Provider     string `gorm:"column:provider" json:"provider,omitempty"`
	Model        string `gorm:"column:model" json:"model,omitempty"`
	TaskID       string `gorm:"column:task_id;index" json:"task_id,omitempty"`
	GenerationMS int64  `gorm:"column:generation_ms" json:"generation_ms,omitempty"`
	Error        string `gorm:"column:error" json:"error,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (MergedVideo) TableName() string { return "merged_video" }
