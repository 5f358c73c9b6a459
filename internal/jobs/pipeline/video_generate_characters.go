package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fablecast/fablecast-backend/internal/domain"
	"github.com/fablecast/fablecast-backend/internal/jobs/orchestrator"
	jobrt "github.com/fablecast/fablecast-backend/internal/jobs/runtime"
	"github.com/fablecast/fablecast-backend/internal/platform/gcs"
)

const castSystemPrompt = `You are a casting director. Given a video script,
produce a character sheet: one entry per named character with a short visual
description suitable for generating a consistent portrait.`

func castSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"characters": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name":        map[string]any{"type": "string"},
						"description": map[string]any{"type": "string"},
					},
					"required":             []string{"name", "description"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"characters"},
		"additionalProperties": false,
	}
}

// stageCharacters builds the cast sheet: profile descriptions from the script
// plus a generated portrait per character. Scenes with no named characters
// produce an empty sheet, which is fine.
func (p *VideoGeneratePipeline) stageCharacters(jc *jobrt.Context) error {
	state, err := jc.State()
	if err != nil {
		return orchestrator.Fatal(err, false)
	}
	if state.Script == nil || len(state.Script.Scenes) == 0 {
		return fmt.Errorf("%w: characters stage entered without a script", orchestrator.ErrInvariant)
	}

	if len(state.Characters) == 0 {
		profiles, err := p.describeCast(jc, state.Script)
		if err != nil {
			return err
		}
		state.Characters = profiles
		if err := jc.SaveState(state); err != nil {
			return err
		}
	}
	if len(state.Characters) == 0 {
		return nil
	}

	style := state.Script.Style
	changed := false
	for i := range state.Characters {
		ch := &state.Characters[i]
		if ch.StorageKey != "" {
			continue
		}
		if jc.IsCancelled() {
			// The step must not land completed with portraits missing; keep
			// what finished and leave the ledger row processing.
			if changed {
				if sErr := jc.SaveState(state); sErr != nil {
					return sErr
				}
			}
			return orchestrator.Transient(fmt.Errorf("cancelled during portrait generation"))
		}
		prompt := fmt.Sprintf("Character portrait of %s. %s", ch.Name, ch.Description)
		if style != "" {
			prompt += " Style: " + style + "."
		}
		img, err := p.ai.GenerateImage(jc.Ctx, prompt)
		if err != nil {
			return classify(err)
		}
		key := fmt.Sprintf("characters/%s/%s.png", jc.Job.ID, slugify(ch.Name))
		if err := p.bucket.UploadFile(jc.Ctx, gcs.BucketCategoryImage, key, bytes.NewReader(img.Bytes)); err != nil {
			return orchestrator.Transient(fmt.Errorf("upload portrait %s: %w", key, err))
		}
		ch.StorageKey = key
		ch.ImageURL = p.bucket.GetPublicURL(gcs.BucketCategoryImage, key)
		changed = true
	}
	if changed {
		if err := jc.SaveState(state); err != nil {
			return err
		}
	}
	p.log.Info("Character sheet ready", "job_id", jc.Job.ID, "characters", len(state.Characters))
	return nil
}

func (p *VideoGeneratePipeline) describeCast(jc *jobrt.Context, script *domain.ScriptDoc) ([]domain.CharacterProfile, error) {
	named := map[string]bool{}
	for _, sc := range script.Scenes {
		for _, name := range sc.Characters {
			if n := strings.TrimSpace(name); n != "" {
				named[n] = true
			}
		}
	}
	if len(named) == 0 {
		return nil, nil
	}

	scriptJSON, err := json.Marshal(script)
	if err != nil {
		return nil, err
	}
	obj, err := p.ai.GenerateJSON(jc.Ctx, castSystemPrompt, string(scriptJSON), "character_sheet", castSchema())
	if err != nil {
		return nil, classify(err)
	}

	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	var out struct {
		Characters []domain.CharacterProfile `json:"characters"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, orchestrator.Transient(fmt.Errorf("cast response shape: %w", err))
	}

	profiles := make([]domain.CharacterProfile, 0, len(out.Characters))
	for _, ch := range out.Characters {
		if strings.TrimSpace(ch.Name) == "" {
			continue
		}
		profiles = append(profiles, ch)
	}
	return profiles, nil
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		out = "character"
	}
	return out
}
