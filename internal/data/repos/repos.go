package repos

import (
	"gorm.io/gorm"

	"github.com/fablecast/fablecast-backend/internal/data/repos/jobs"
	"github.com/fablecast/fablecast-backend/internal/data/repos/media"
	"github.com/fablecast/fablecast-backend/internal/platform/logger"
)

type VideoJobRepo = jobs.VideoJobRepo
type JobStepRepo = jobs.JobStepRepo
type ProgressEventRepo = jobs.ProgressEventRepo

type SceneImageRepo = media.SceneImageRepo
type AudioTrackRepo = media.AudioTrackRepo
type VideoSegmentRepo = media.VideoSegmentRepo
type MergedVideoRepo = media.MergedVideoRepo

type StepUpdate = jobs.StepUpdate

var ErrStepTransition = jobs.ErrStepTransition

func NewVideoJobRepo(db *gorm.DB, baseLog *logger.Logger) VideoJobRepo {
	return jobs.NewVideoJobRepo(db, baseLog)
}
func NewJobStepRepo(db *gorm.DB, baseLog *logger.Logger) JobStepRepo {
	return jobs.NewJobStepRepo(db, baseLog)
}
func NewProgressEventRepo(db *gorm.DB, baseLog *logger.Logger) ProgressEventRepo {
	return jobs.NewProgressEventRepo(db, baseLog)
}

func NewSceneImageRepo(db *gorm.DB, baseLog *logger.Logger) SceneImageRepo {
	return media.NewSceneImageRepo(db, baseLog)
}
func NewAudioTrackRepo(db *gorm.DB, baseLog *logger.Logger) AudioTrackRepo {
	return media.NewAudioTrackRepo(db, baseLog)
}
func NewVideoSegmentRepo(db *gorm.DB, baseLog *logger.Logger) VideoSegmentRepo {
	return media.NewVideoSegmentRepo(db, baseLog)
}
func NewMergedVideoRepo(db *gorm.DB, baseLog *logger.Logger) MergedVideoRepo {
	return media.NewMergedVideoRepo(db, baseLog)
}

// All bundles every repository behind one constructor for wiring.
type All struct {
	VideoJob      VideoJobRepo
	JobStep       JobStepRepo
	ProgressEvent ProgressEventRepo
	SceneImage    SceneImageRepo
	AudioTrack    AudioTrackRepo
	VideoSegment  VideoSegmentRepo
	MergedVideo   MergedVideoRepo
}

func NewAll(db *gorm.DB, baseLog *logger.Logger) *All {
	return &All{
		VideoJob:      NewVideoJobRepo(db, baseLog),
		JobStep:       NewJobStepRepo(db, baseLog),
		ProgressEvent: NewProgressEventRepo(db, baseLog),
		SceneImage:    NewSceneImageRepo(db, baseLog),
		AudioTrack:    NewAudioTrackRepo(db, baseLog),
		VideoSegment:  NewVideoSegmentRepo(db, baseLog),
		MergedVideo:   NewMergedVideoRepo(db, baseLog),
	}
}
