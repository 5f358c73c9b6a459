package pipeline

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fablecast/fablecast-backend/internal/domain"
	"github.com/fablecast/fablecast-backend/internal/jobs/orchestrator"
	jobrt "github.com/fablecast/fablecast-backend/internal/jobs/runtime"
	"github.com/fablecast/fablecast-backend/internal/platform/dbctx"
	"github.com/fablecast/fablecast-backend/internal/platform/gcs"
)

// stageImages renders one still per scene. The fan-out is bounded and
// idempotent: each scene gets an artifact row up front, completed rows from
// earlier attempts are skipped, and the first hard failure stops the group.
func (p *VideoGeneratePipeline) stageImages(jc *jobrt.Context) error {
	state, err := jc.State()
	if err != nil {
		return orchestrator.Fatal(err, false)
	}
	if state.SceneCount() == 0 {
		return fmt.Errorf("%w: images stage entered without a script", orchestrator.ErrInvariant)
	}

	scenes := state.Script.Scenes
	style := state.Script.Style
	dbc := dbctx.Context{Ctx: jc.Ctx}

	refs := make([]domain.ArtifactRef, len(scenes))
	var mu sync.Mutex
	var done int

	g, gctx := errgroup.WithContext(jc.Ctx)
	g.SetLimit(p.imageConcurrency)

	for i := range scenes {
		scene := scenes[i]
		g.Go(func() error {
			prompt := scene.ImagePrompt
			if style != "" {
				prompt += " Style: " + style + "."
			}
			row, err := p.images.EnsurePending(dbc, jc.Job.ID, scene.Index, prompt)
			if err != nil {
				return orchestrator.Transient(err)
			}

			if row.Status != domain.ArtifactCompleted {
				started := time.Now()
				img, err := p.ai.GenerateImage(gctx, prompt)
				if err != nil {
					_ = p.images.UpdateFields(dbc, row.ID, map[string]interface{}{
						"status": domain.ArtifactFailed,
						"error":  err.Error(),
					})
					return classify(fmt.Errorf("scene %d image: %w", scene.Index, err))
				}
				key := fmt.Sprintf("images/%s/%d.png", jc.Job.ID, scene.Index)
				if err := p.bucket.UploadFile(gctx, gcs.BucketCategoryImage, key, bytes.NewReader(img.Bytes)); err != nil {
					return orchestrator.Transient(fmt.Errorf("upload scene %d image: %w", scene.Index, err))
				}
				row.StorageKey = key
				row.URL = p.bucket.GetPublicURL(gcs.BucketCategoryImage, key)
				if err := p.images.UpdateFields(dbc, row.ID, map[string]interface{}{
					"status":        domain.ArtifactCompleted,
					"storage_key":   row.StorageKey,
					"url":           row.URL,
					"generation_ms": time.Since(started).Milliseconds(),
					"error":         "",
				}); err != nil {
					return orchestrator.Transient(err)
				}
			}

			mu.Lock()
			refs[scene.Index] = domain.ArtifactRef{
				Index:      scene.Index,
				ID:         row.ID,
				URL:        row.URL,
				StorageKey: row.StorageKey,
			}
			done++
			n := done
			mu.Unlock()

			jc.Heartbeat()
			p.log.Info("Scene image ready", "job_id", jc.Job.ID, "scene", scene.Index, "done", n, "total", len(scenes))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	state.Images = refs
	return jc.SaveState(state)
}
