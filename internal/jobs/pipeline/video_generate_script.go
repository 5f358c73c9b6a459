package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fablecast/fablecast-backend/internal/domain"
	"github.com/fablecast/fablecast-backend/internal/jobs/orchestrator"
	jobrt "github.com/fablecast/fablecast-backend/internal/jobs/runtime"
	"github.com/fablecast/fablecast-backend/internal/platform/gcs"
)

const scriptSystemPrompt = `You are a screenwriter turning book chapters into short narrated videos.
Split the chapter into visually distinct scenes. For each scene write the
narration to be read aloud and a self-contained image prompt describing the
shot. Keep narration faithful to the chapter text.`

func scriptSchema(maxScenes int) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title": map[string]any{"type": "string"},
			"style": map[string]any{"type": "string"},
			"scenes": map[string]any{
				"type":     "array",
				"maxItems": maxScenes,
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"narration":    map[string]any{"type": "string"},
						"image_prompt": map[string]any{"type": "string"},
						"duration_sec": map[string]any{"type": "number"},
						"mood":         map[string]any{"type": "string"},
						"characters": map[string]any{
							"type":  "array",
							"items": map[string]any{"type": "string"},
						},
					},
					"required":             []string{"narration", "image_prompt"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"title", "scenes"},
		"additionalProperties": false,
	}
}

// stageScript produces the ScriptDoc driving every later stage. A script_ref
// on the job points at a pre-authored script to load instead of generating.
func (p *VideoGeneratePipeline) stageScript(jc *jobrt.Context) error {
	state, err := jc.State()
	if err != nil {
		return orchestrator.Fatal(err, false)
	}
	if state.Script != nil && len(state.Script.Scenes) > 0 {
		// Re-entered after a crash between state write and ledger completion.
		return nil
	}

	var doc *domain.ScriptDoc
	if ref := strings.TrimSpace(jc.Job.ScriptRef); ref != "" {
		doc, err = p.loadAuthoredScript(jc, ref)
	} else {
		doc, err = p.generateScript(jc)
	}
	if err != nil {
		return err
	}

	opts := jc.Options()
	if opts.MaxScenes > 0 && len(doc.Scenes) > opts.MaxScenes {
		doc.Scenes = doc.Scenes[:opts.MaxScenes]
	}
	if len(doc.Scenes) == 0 {
		return orchestrator.Fatal(fmt.Errorf("script has no scenes"), true)
	}
	for i := range doc.Scenes {
		doc.Scenes[i].Index = i
		if strings.TrimSpace(doc.Scenes[i].Narration) == "" {
			return orchestrator.Fatal(fmt.Errorf("scene %d has empty narration", i), true)
		}
		if strings.TrimSpace(doc.Scenes[i].ImagePrompt) == "" {
			return orchestrator.Fatal(fmt.Errorf("scene %d has empty image prompt", i), true)
		}
	}
	if opts.Style != "" {
		doc.Style = opts.Style
	}

	state.Script = doc
	if err := jc.SaveState(state); err != nil {
		return err
	}
	p.log.Info("Script written",
		"job_id", jc.Job.ID,
		"title", doc.Title,
		"scenes", len(doc.Scenes),
	)
	return nil
}

func (p *VideoGeneratePipeline) generateScript(jc *jobrt.Context) (*domain.ScriptDoc, error) {
	chapter, err := p.loadChapterText(jc)
	if err != nil {
		return nil, err
	}

	opts := jc.Options()
	maxScenes := opts.MaxScenes
	if maxScenes <= 0 {
		maxScenes = 20
	}
	user := fmt.Sprintf("Chapter text:\n\n%s\n\nProduce at most %d scenes.", chapter, maxScenes)
	if opts.Style != "" {
		user += fmt.Sprintf(" Visual style: %s.", opts.Style)
	}

	obj, err := p.ai.GenerateJSON(jc.Ctx, scriptSystemPrompt, user, "chapter_script", scriptSchema(maxScenes))
	if err != nil {
		return nil, classify(err)
	}

	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	var doc domain.ScriptDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, orchestrator.Transient(fmt.Errorf("script response shape: %w", err))
	}
	return &doc, nil
}

func (p *VideoGeneratePipeline) loadAuthoredScript(jc *jobrt.Context, ref string) (*domain.ScriptDoc, error) {
	rc, err := p.bucket.DownloadFile(jc.Ctx, gcs.BucketCategoryChapter, ref)
	if err != nil {
		return nil, classify(fmt.Errorf("download script %s: %w", ref, err))
	}
	defer rc.Close()

	var doc domain.ScriptDoc
	if err := json.NewDecoder(rc).Decode(&doc); err != nil {
		return nil, orchestrator.Fatal(fmt.Errorf("parse authored script %s: %w", ref, err), false)
	}
	return &doc, nil
}
