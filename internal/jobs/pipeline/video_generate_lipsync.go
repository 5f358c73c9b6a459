package pipeline

import (
	"fmt"

	"github.com/fablecast/fablecast-backend/internal/clients/renderfarm"
	"github.com/fablecast/fablecast-backend/internal/domain"
	"github.com/fablecast/fablecast-backend/internal/jobs/orchestrator"
	jobrt "github.com/fablecast/fablecast-backend/internal/jobs/runtime"
	"github.com/fablecast/fablecast-backend/internal/platform/dbctx"
)

// stageLipsync re-renders each segment with the narration lip-synced onto it.
// Same submit/poll shape as the segment stage; the derived clips land in
// their own artifact rows keyed to the source render so the originals stay
// available for a non-lipsync merge.
func (p *VideoGeneratePipeline) stageLipsync(jc *jobrt.Context) error {
	state, err := jc.State()
	if err != nil {
		return orchestrator.Fatal(err, false)
	}
	total := state.SceneCount()
	if total == 0 {
		return fmt.Errorf("%w: lipsync stage entered without a script", orchestrator.ErrInvariant)
	}
	if len(state.Segments) < total || len(state.Audio) < total {
		return fmt.Errorf("%w: lipsync stage entered with incomplete inputs", orchestrator.ErrInvariant)
	}

	book, err := loadTaskBook(jc, domain.StepLipsync)
	if err != nil {
		return orchestrator.Transient(err)
	}
	dbc := dbctx.Context{Ctx: jc.Ctx}

	refs := make([]domain.ArtifactRef, total)
	outstanding := 0

	for idx := 0; idx < total; idx++ {
		source := state.Segments[idx]
		row, err := p.segments.EnsurePending(dbc, jc.Job.ID, idx, domain.SegmentLipsync, &source.ID)
		if err != nil {
			return orchestrator.Transient(err)
		}
		if row.Status == domain.ArtifactCompleted {
			refs[idx] = segmentRef(row)
			continue
		}

		taskID := book.Tasks[sceneKey(idx)]
		if taskID == "" || row.Status == domain.ArtifactFailed {
			spec := renderfarm.LipsyncSpec{
				VideoURL: source.URL,
				AudioURL: state.Audio[idx].URL,
			}
			taskID, err = p.farm.SubmitLipsync(jc.Ctx, spec)
			if err != nil {
				return classify(fmt.Errorf("submit lipsync scene %d: %w", idx, err))
			}
			book.Tasks[sceneKey(idx)] = taskID
			if err := saveTaskBook(jc, domain.StepLipsync, book); err != nil {
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
			return classify(fmt.Errorf("poll lipsync scene %d: %w", idx, err))
		}
		switch task.State {
		case renderfarm.TaskCompleted:
			ref, err := p.storeSegmentOutput(jc, row, task, fmt.Sprintf("video/%s/lipsync/%d.mp4", jc.Job.ID, idx))
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
			_ = saveTaskBook(jc, domain.StepLipsync, book)
			return orchestrator.Fatal(fmt.Errorf("lipsync scene %d failed: %s", idx, task.Error), true)
		default:
			outstanding++
		}
	}

	if outstanding > 0 {
		done := total - outstanding
		pct := 80 + (10*done)/total
		jc.Progress(domain.StepLipsync, domain.JobApplyingLipsync, pct,
			fmt.Sprintf("Applying lipsync (%d/%d)", done, total))
		return orchestrator.Pending(fmt.Sprintf("%d lipsync tasks running", outstanding), 0)
	}

	state.Lipsync = refs
	return jc.SaveState(state)
}
