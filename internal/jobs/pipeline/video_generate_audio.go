package pipeline

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fablecast/fablecast-backend/internal/domain"
	"github.com/fablecast/fablecast-backend/internal/jobs/orchestrator"
	jobrt "github.com/fablecast/fablecast-backend/internal/jobs/runtime"
	"github.com/fablecast/fablecast-backend/internal/platform/dbctx"
	"github.com/fablecast/fablecast-backend/internal/platform/gcs"
)

// stageAudio synthesizes one narration clip per scene, same fan-out shape as
// the image stage but with a lower bound since TTS providers rate limit hard.
func (p *VideoGeneratePipeline) stageAudio(jc *jobrt.Context) error {
	state, err := jc.State()
	if err != nil {
		return orchestrator.Fatal(err, false)
	}
	if state.SceneCount() == 0 {
		return fmt.Errorf("%w: audio stage entered without a script", orchestrator.ErrInvariant)
	}

	voiceID := strings.TrimSpace(jc.Options().VoiceID)
	scenes := state.Script.Scenes
	dbc := dbctx.Context{Ctx: jc.Ctx}

	refs := make([]domain.ArtifactRef, len(scenes))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(jc.Ctx)
	g.SetLimit(p.audioConcurrency)

	for i := range scenes {
		scene := scenes[i]
		g.Go(func() error {
			row, err := p.audio.EnsurePending(dbc, jc.Job.ID, scene.Index, voiceID)
			if err != nil {
				return orchestrator.Transient(err)
			}

			if row.Status != domain.ArtifactCompleted {
				started := time.Now()
				syn, err := p.tts.Synthesize(gctx, scene.Narration, voiceID)
				if err != nil {
					_ = p.audio.UpdateFields(dbc, row.ID, map[string]interface{}{
						"status": domain.ArtifactFailed,
						"error":  err.Error(),
					})
					return classify(fmt.Errorf("scene %d narration: %w", scene.Index, err))
				}
				key := fmt.Sprintf("audio/%s/%d%s", jc.Job.ID, scene.Index, audioExt(syn.MimeType))
				if err := p.bucket.UploadFile(gctx, gcs.BucketCategoryAudio, key, bytes.NewReader(syn.Bytes)); err != nil {
					return orchestrator.Transient(fmt.Errorf("upload scene %d audio: %w", scene.Index, err))
				}
				row.StorageKey = key
				row.URL = p.bucket.GetPublicURL(gcs.BucketCategoryAudio, key)
				if err := p.audio.UpdateFields(dbc, row.ID, map[string]interface{}{
					"status":        domain.ArtifactCompleted,
					"storage_key":   row.StorageKey,
					"url":           row.URL,
					"duration_sec":  syn.DurationSec,
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
			mu.Unlock()

			jc.Heartbeat()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	state.Audio = refs
	return jc.SaveState(state)
}

func audioExt(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.Split(mimeType, ";")[0])) {
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/ogg":
		return ".ogg"
	default:
		return ".mp3"
	}
}
