package pipeline

import (
	"bytes"
	"fmt"

	"github.com/fablecast/fablecast-backend/internal/clients/renderfarm"
	"github.com/fablecast/fablecast-backend/internal/domain"
	"github.com/fablecast/fablecast-backend/internal/jobs/orchestrator"
	jobrt "github.com/fablecast/fablecast-backend/internal/jobs/runtime"
	"github.com/fablecast/fablecast-backend/internal/platform/dbctx"
	"github.com/fablecast/fablecast-backend/internal/platform/gcs"
)

/*
stageSegments turns each scene's image and narration into a rendered clip.
The farm is asynchronous, so this stage runs in submit/poll rounds: scenes
without a task get one submitted, scenes with a task get polled, and the
stage yields Pending while anything is still rendering. Task ids live in the
step's task book so a re-entered round never double-submits.
*/
func (p *VideoGeneratePipeline) stageSegments(jc *jobrt.Context) error {
	state, err := jc.State()
	if err != nil {
		return orchestrator.Fatal(err, false)
	}
	total := state.SceneCount()
	if total == 0 {
		return fmt.Errorf("%w: segments stage entered without a script", orchestrator.ErrInvariant)
	}
	if len(state.Images) < total || len(state.Audio) < total {
		return fmt.Errorf("%w: segments stage entered with incomplete inputs", orchestrator.ErrInvariant)
	}

	book, err := loadTaskBook(jc, domain.StepVideoSegments)
	if err != nil {
		return orchestrator.Transient(err)
	}
	dbc := dbctx.Context{Ctx: jc.Ctx}

	refs := make([]domain.ArtifactRef, total)
	outstanding := 0

	for idx := 0; idx < total; idx++ {
		row, err := p.segments.EnsurePending(dbc, jc.Job.ID, idx, domain.SegmentRender, nil)
		if err != nil {
			return orchestrator.Transient(err)
		}
		if row.Status == domain.ArtifactCompleted {
			refs[idx] = segmentRef(row)
			continue
		}

		taskID := book.Tasks[sceneKey(idx)]
		if taskID == "" || row.Status == domain.ArtifactFailed {
			scene := state.Script.Scenes[idx]
			spec := renderfarm.RenderSpec{
				ImageURL:    state.Images[idx].URL,
				AudioURL:    state.Audio[idx].URL,
				DurationSec: scene.DurationSec,
				Style:       state.Script.Style,
			}
			taskID, err = p.farm.SubmitRender(jc.Ctx, spec)
			if err != nil {
				return classify(fmt.Errorf("submit render scene %d: %w", idx, err))
			}
			book.Tasks[sceneKey(idx)] = taskID
			if err := saveTaskBook(jc, domain.StepVideoSegments, book); err != nil {
				return orchestrator.Transient(err)
			}
			if err := p.segments.UpdateFields(dbc, row.ID, map[string]interface{}{
				"status":  domain.ArtifactProcessing,
				"task_id": taskID,
				"error":   "",
			}); err != nil {
				return orchestrator.Transient(err)
			}
			outstanding++
			continue
		}

		task, err := p.farm.TaskStatus(jc.Ctx, taskID)
		if err != nil {
			return classify(fmt.Errorf("poll render scene %d: %w", idx, err))
		}
		switch task.State {
		case renderfarm.TaskCompleted:
			ref, err := p.storeSegmentOutput(jc, row, task, fmt.Sprintf("video/%s/segments/%d.mp4", jc.Job.ID, idx))
			if err != nil {
				return err
			}
			refs[idx] = ref
		case renderfarm.TaskFailed:
			_ = p.segments.UpdateFields(dbc, row.ID, map[string]interface{}{
				"status": domain.ArtifactFailed,
				"error":  task.Error,
			})
			delete(book.Tasks, sceneKey(idx))
			_ = saveTaskBook(jc, domain.StepVideoSegments, book)
			return orchestrator.Fatal(fmt.Errorf("render scene %d failed: %s", idx, task.Error), true)
		default:
			outstanding++
		}
	}

	if outstanding > 0 {
		done := total - outstanding
		pct := 60 + (20*done)/total
		jc.Progress(domain.StepVideoSegments, domain.JobGeneratingVideo, pct,
			fmt.Sprintf("Rendering video segments (%d/%d)", done, total))
		return orchestrator.Pending(fmt.Sprintf("%d segments rendering", outstanding), 0)
	}

	state.Segments = refs
	return jc.SaveState(state)
}

// storeSegmentOutput copies a finished farm output into our bucket and marks
// the artifact row completed.
func (p *VideoGeneratePipeline) storeSegmentOutput(jc *jobrt.Context, row *domain.VideoSegment, task renderfarm.Task, key string) (domain.ArtifactRef, error) {
	raw, _, err := p.farm.Download(jc.Ctx, task.OutputURL)
	if err != nil {
		return domain.ArtifactRef{}, classify(fmt.Errorf("download task %s output: %w", task.ID, err))
	}
	if err := p.bucket.UploadFile(jc.Ctx, gcs.BucketCategoryVideo, key, bytes.NewReader(raw)); err != nil {
		return domain.ArtifactRef{}, orchestrator.Transient(fmt.Errorf("upload %s: %w", key, err))
	}
	url := p.bucket.GetPublicURL(gcs.BucketCategoryVideo, key)

	dbc := dbctx.Context{Ctx: jc.Ctx}
	if err := p.segments.UpdateFields(dbc, row.ID, map[string]interface{}{
		"status":       domain.ArtifactCompleted,
		"storage_key":  key,
		"url":          url,
		"duration_sec": task.DurationSec,
		"error":        "",
	}); err != nil {
		return domain.ArtifactRef{}, orchestrator.Transient(err)
	}
	row.StorageKey = key
	row.URL = url
	return segmentRef(row), nil
}

func segmentRef(row *domain.VideoSegment) domain.ArtifactRef {
	return domain.ArtifactRef{
		Index:      row.SceneIndex,
		ID:         row.ID,
		URL:        row.URL,
		StorageKey: row.StorageKey,
	}
}
