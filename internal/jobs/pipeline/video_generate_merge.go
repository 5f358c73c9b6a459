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

const (
	mergePhaseCombining = "combining"
	mergeTaskKey        = "merge"
)

// mergeBarrier holds the merge back until every per-scene input it will
// stitch together has a completed artifact row. The preceding ledger entries
// being completed already implies this; the barrier catches rows lost to
// manual cleanup between runs.
func (p *VideoGeneratePipeline) mergeBarrier(jc *jobrt.Context) (int, error) {
	state, err := jc.State()
	if err != nil {
		return 0, orchestrator.Fatal(err, false)
	}
	total := int64(state.SceneCount())
	if total == 0 {
		return 0, fmt.Errorf("%w: merge entered without a script", orchestrator.ErrInvariant)
	}
	dbc := dbctx.Context{Ctx: jc.Ctx}

	segKind := domain.SegmentRender
	if jc.Options().LipsyncRequested {
		segKind = domain.SegmentLipsync
	}
	segs, err := p.segments.CountByStatus(dbc, jc.Job.ID, segKind, domain.ArtifactCompleted)
	if err != nil {
		return 0, orchestrator.Transient(err)
	}
	tracks, err := p.audio.CountByStatus(dbc, jc.Job.ID, domain.ArtifactCompleted)
	if err != nil {
		return 0, orchestrator.Transient(err)
	}

	remaining := 0
	if segs < total {
		remaining += int(total - segs)
	}
	if tracks < total {
		remaining += int(total - tracks)
	}
	return remaining, nil
}

/*
stageMerge assembles the final video. Two phases, tracked in the task book:
submit hands the ordered segment URLs to the farm, combining polls the merge
task and on completion copies the output into our bucket, renders the poster
and closes out the merged row.
*/
func (p *VideoGeneratePipeline) stageMerge(jc *jobrt.Context) error {
	state, err := jc.State()
	if err != nil {
		return orchestrator.Fatal(err, false)
	}
	total := state.SceneCount()
	if total == 0 {
		return fmt.Errorf("%w: merge entered without a script", orchestrator.ErrInvariant)
	}

	dbc := dbctx.Context{Ctx: jc.Ctx}
	row, err := p.merged.EnsurePending(dbc, jc.Job.ID)
	if err != nil {
		return orchestrator.Transient(err)
	}
	if row == nil {
		return fmt.Errorf("%w: merged row missing after create", orchestrator.ErrInvariant)
	}

	lipsyncApplied := jc.Options().LipsyncRequested && len(state.Lipsync) >= total

	if row.Status == domain.ArtifactCompleted {
		// Crash landed between the row update and the ledger completion.
		ref := domain.ArtifactRef{ID: row.ID, URL: row.URL, StorageKey: row.StorageKey}
		state.Merged = &ref
		return jc.SaveState(state)
	}

	book, err := loadTaskBook(jc, domain.StepMerge)
	if err != nil {
		return orchestrator.Transient(err)
	}

	taskID := book.Tasks[mergeTaskKey]
	if taskID == "" || row.Status == domain.ArtifactFailed {
		sources := state.Segments
		if lipsyncApplied {
			sources = state.Lipsync
		}
		urls := make([]string, 0, total)
		for _, ref := range sources {
			if ref.URL == "" {
				return fmt.Errorf("%w: segment %d has no URL at merge", orchestrator.ErrInvariant, ref.Index)
			}
			urls = append(urls, ref.URL)
		}

		taskID, err = p.farm.SubmitMerge(jc.Ctx, renderfarm.MergeSpec{SegmentURLs: urls})
		if err != nil {
			return classify(fmt.Errorf("submit merge: %w", err))
		}
		book.Tasks[mergeTaskKey] = taskID
		book.Phase = mergePhaseCombining
		if err := saveTaskBook(jc, domain.StepMerge, book); err != nil {
			return orchestrator.Transient(err)
		}
		if err := p.merged.UpdateFields(dbc, row.ID, map[string]interface{}{
			"status":          domain.ArtifactProcessing,
			"task_id":         taskID,
			"lipsync_applied": lipsyncApplied,
			"error":           "",
		}); err != nil {
			return orchestrator.Transient(err)
		}
		jc.Progress(domain.StepMerge, domain.JobCombining, 92, "Combining segments")
		return orchestrator.Pending("merge submitted", 0)
	}

	task, err := p.farm.TaskStatus(jc.Ctx, taskID)
	if err != nil {
		return classify(fmt.Errorf("poll merge: %w", err))
	}
	switch task.State {
	case renderfarm.TaskCompleted:
		// fall through to finalize below
	case renderfarm.TaskFailed:
		_ = p.merged.UpdateFields(dbc, row.ID, map[string]interface{}{
			"status": domain.ArtifactFailed,
			"error":  task.Error,
		})
		delete(book.Tasks, mergeTaskKey)
		book.Phase = ""
		_ = saveTaskBook(jc, domain.StepMerge, book)
		return orchestrator.Fatal(fmt.Errorf("merge failed: %s", task.Error), true)
	default:
		jc.Progress(domain.StepMerge, domain.JobCombining, 95, "Combining segments")
		return orchestrator.Pending("merge rendering", 0)
	}

	raw, _, err := p.farm.Download(jc.Ctx, task.OutputURL)
	if err != nil {
		return classify(fmt.Errorf("download merged output: %w", err))
	}
	key := fmt.Sprintf("video/%s/final.mp4", jc.Job.ID)
	if err := p.bucket.UploadFile(jc.Ctx, gcs.BucketCategoryVideo, key, bytes.NewReader(raw)); err != nil {
		return orchestrator.Transient(fmt.Errorf("upload merged video: %w", err))
	}
	url := p.bucket.GetPublicURL(gcs.BucketCategoryVideo, key)

	posterURL := ""
	if p.poster != nil {
		posterURL, _, err = p.poster.CreateAndUploadPoster(jc.Ctx, jc.Job, state)
		if err != nil {
			// The video is done; a missing poster is not worth failing over.
			p.log.Warn("Poster generation failed", "job_id", jc.Job.ID, "error", err)
			posterURL = ""
		}
	}

	if err := p.merged.UpdateFields(dbc, row.ID, map[string]interface{}{
		"status":          domain.ArtifactCompleted,
		"storage_key":     key,
		"url":             url,
		"duration_sec":    task.DurationSec,
		"lipsync_applied": lipsyncApplied,
		"poster_url":      posterURL,
		"error":           "",
	}); err != nil {
		return orchestrator.Transient(err)
	}

	ref := domain.ArtifactRef{ID: row.ID, URL: url, StorageKey: key}
	state.Merged = &ref
	if err := jc.SaveState(state); err != nil {
		return err
	}
	p.log.Info("Merged video ready", "job_id", jc.Job.ID, "url", url, "lipsync", lipsyncApplied)
	return nil
}
