package pipeline

import (
	"gorm.io/gorm"

	"github.com/fablecast/fablecast-backend/internal/clients/openai"
	"github.com/fablecast/fablecast-backend/internal/clients/renderfarm"
	"github.com/fablecast/fablecast-backend/internal/clients/voice"
	"github.com/fablecast/fablecast-backend/internal/data/repos"
	"github.com/fablecast/fablecast-backend/internal/jobs/orchestrator"
	"github.com/fablecast/fablecast-backend/internal/platform/gcs"
	"github.com/fablecast/fablecast-backend/internal/platform/logger"
	"github.com/fablecast/fablecast-backend/internal/services"
)

// VideoGeneratePipeline turns one chapter into a narrated video: script,
// optional character sheet, scene images, narration audio, rendered segments,
// optional lipsync, final merge. The engine walks the stage list against the
// step ledger; each stage function here is idempotent.
type VideoGeneratePipeline struct {
	db     *gorm.DB
	log    *logger.Logger
	engine *orchestrator.Engine

	images   repos.SceneImageRepo
	audio    repos.AudioTrackRepo
	segments repos.VideoSegmentRepo
	merged   repos.MergedVideoRepo

	ai     openai.Client
	tts    voice.Client
	farm   renderfarm.Client
	bucket gcs.BucketService
	poster services.PosterService

	imageConcurrency int
	audioConcurrency int
}

func NewVideoGeneratePipeline(
	db *gorm.DB,
	baseLog *logger.Logger,
	engine *orchestrator.Engine,
	r *repos.All,
	ai openai.Client,
	tts voice.Client,
	farm renderfarm.Client,
	bucket gcs.BucketService,
	poster services.PosterService,
	imageConcurrency int,
	audioConcurrency int,
) *VideoGeneratePipeline {
	if imageConcurrency < 1 {
		imageConcurrency = 3
	}
	if audioConcurrency < 1 {
		audioConcurrency = 2
	}
	return &VideoGeneratePipeline{
		db:               db,
		log:              baseLog.With("job", "video_generate"),
		engine:           engine,
		images:           r.SceneImage,
		audio:            r.AudioTrack,
		segments:         r.VideoSegment,
		merged:           r.MergedVideo,
		ai:               ai,
		tts:              tts,
		farm:             farm,
		bucket:           bucket,
		poster:           poster,
		imageConcurrency: imageConcurrency,
		audioConcurrency: audioConcurrency,
	}
}
