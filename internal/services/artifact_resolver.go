package services

import (
	"context"
	"fmt"

	"github.com/fablecast/fablecast-backend/internal/data/repos"
	"github.com/fablecast/fablecast-backend/internal/domain"
	"github.com/fablecast/fablecast-backend/internal/jobs/orchestrator"
	"github.com/fablecast/fablecast-backend/internal/platform/dbctx"
	"github.com/fablecast/fablecast-backend/internal/platform/gcs"
	"github.com/fablecast/fablecast-backend/internal/platform/logger"
)

// ArtifactResolver checks that a completed stage's outputs are still intact:
// the artifact rows exist in the expected counts and their storage objects
// have not been deleted. Resume runs it over every completed predecessor
// before re-arming a failed stage.
type ArtifactResolver struct {
	repos  *repos.All
	bucket gcs.BucketService
	log    *logger.Logger
}

var _ orchestrator.ArtifactResolver = (*ArtifactResolver)(nil)

func NewArtifactResolver(r *repos.All, bucket gcs.BucketService, baseLog *logger.Logger) *ArtifactResolver {
	return &ArtifactResolver{
		repos:  r,
		bucket: bucket,
		log:    baseLog.With("service", "ArtifactResolver"),
	}
}

func (a *ArtifactResolver) ValidateStepOutputs(ctx context.Context, job *domain.VideoJob, stepName string) error {
	state, err := domain.DecodePipelineState(job.PipelineState)
	if err != nil {
		return fmt.Errorf("decode pipeline state: %w", err)
	}
	dbc := dbctx.Context{Ctx: ctx}

	switch stepName {
	case domain.StepScript:
		if state.Script == nil || len(state.Script.Scenes) == 0 {
			return fmt.Errorf("script document missing from pipeline state")
		}
		return nil

	case domain.StepCharacters:
		for _, c := range state.Characters {
			if c.StorageKey == "" {
				continue
			}
			if err := a.objectAlive(ctx, gcs.BucketCategoryImage, c.StorageKey, "character image "+c.Name); err != nil {
				return err
			}
		}
		return nil

	case domain.StepImages:
		rows, err := a.repos.SceneImage.ListByJob(dbc, job.ID)
		if err != nil {
			return err
		}
		return a.validateSceneArtifacts(ctx, state, gcs.BucketCategoryImage, "scene image", len(rows), func(i int) (domain.ArtifactStatus, string) {
			return rows[i].Status, rows[i].StorageKey
		})

	case domain.StepAudio:
		rows, err := a.repos.AudioTrack.ListByJob(dbc, job.ID)
		if err != nil {
			return err
		}
		return a.validateSceneArtifacts(ctx, state, gcs.BucketCategoryAudio, "audio track", len(rows), func(i int) (domain.ArtifactStatus, string) {
			return rows[i].Status, rows[i].StorageKey
		})

	case domain.StepVideoSegments:
		rows, err := a.repos.VideoSegment.ListByJob(dbc, job.ID, domain.SegmentRender)
		if err != nil {
			return err
		}
		return a.validateSceneArtifacts(ctx, state, gcs.BucketCategoryVideo, "video segment", len(rows), func(i int) (domain.ArtifactStatus, string) {
			return rows[i].Status, rows[i].StorageKey
		})

	case domain.StepLipsync:
		rows, err := a.repos.VideoSegment.ListByJob(dbc, job.ID, domain.SegmentLipsync)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if row.Status != domain.ArtifactCompleted {
				continue
			}
			if err := a.objectAlive(ctx, gcs.BucketCategoryVideo, row.StorageKey, fmt.Sprintf("lipsync segment %d", row.SceneIndex)); err != nil {
				return err
			}
		}
		return nil

	case domain.StepMerge:
		merged, err := a.repos.MergedVideo.GetByJob(dbc, job.ID)
		if err != nil {
			return err
		}
		if merged == nil || merged.Status != domain.ArtifactCompleted {
			return fmt.Errorf("merged video row missing or incomplete")
		}
		return a.objectAlive(ctx, gcs.BucketCategoryVideo, merged.StorageKey, "merged video")

	default:
		return nil
	}
}

func (a *ArtifactResolver) validateSceneArtifacts(
	ctx context.Context,
	state *domain.PipelineState,
	category gcs.BucketCategory,
	label string,
	count int,
	at func(i int) (domain.ArtifactStatus, string),
) error {
	want := state.SceneCount()
	completed := 0
	for i := 0; i < count; i++ {
		status, key := at(i)
		if status != domain.ArtifactCompleted {
			continue
		}
		completed++
		if err := a.objectAlive(ctx, category, key, fmt.Sprintf("%s %d", label, i)); err != nil {
			return err
		}
	}
	if want > 0 && completed < want {
		return fmt.Errorf("%d of %d %ss completed", completed, want, label)
	}
	return nil
}

func (a *ArtifactResolver) objectAlive(ctx context.Context, category gcs.BucketCategory, key, label string) error {
	if key == "" {
		return fmt.Errorf("%s has no storage key", label)
	}
	if a.bucket == nil {
		return nil
	}
	ok, err := a.bucket.Exists(ctx, category, key)
	if err != nil {
		return fmt.Errorf("check %s: %w", label, err)
	}
	if !ok {
		return fmt.Errorf("%s object %s no longer exists", label, key)
	}
	return nil
}
