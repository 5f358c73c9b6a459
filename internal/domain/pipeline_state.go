package domain

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// PipelineStateVersion is bumped whenever the state document shape changes.
// Decode rejects documents from a newer writer instead of guessing.
const PipelineStateVersion = 1

// ScriptScene is one scene of the generated script.
type ScriptScene struct {
	Index       int     `json:"index"`
	Narration   string  `json:"narration"`
	ImagePrompt string  `json:"image_prompt"`
	DurationSec float64 `json:"duration_sec,omitempty"`
	Mood        string  `json:"mood,omitempty"`
	Characters  []string `json:"characters,omitempty"`
}

// ScriptDoc is the script stage output carried through the rest of the run.
type ScriptDoc struct {
	Title  string        `json:"title"`
	Style  string        `json:"style,omitempty"`
	Scenes []ScriptScene `json:"scenes"`
}

// CharacterProfile is one cast entry produced by the characters stage.
type CharacterProfile struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	StorageKey  string `json:"storage_key,omitempty"`
	VoiceID     string `json:"voice_id,omitempty"`
}

// ArtifactRef points at a persisted artifact row so later stages can load
// inputs without re-querying by scene index.
type ArtifactRef struct {
	Index      int       `json:"index"`
	ID         uuid.UUID `json:"id"`
	URL        string    `json:"url,omitempty"`
	StorageKey string    `json:"storage_key,omitempty"`
}

// PipelineState is the typed state document stored on the job row. Each
// stage reads the slices of the stages before it and appends its own; only
// the goroutine holding the job lease writes it.
type PipelineState struct {
	Version    int                `json:"version"`
	Script     *ScriptDoc         `json:"script,omitempty"`
	Characters []CharacterProfile `json:"characters,omitempty"`
	Images     []ArtifactRef      `json:"images,omitempty"`
	Audio      []ArtifactRef      `json:"audio,omitempty"`
	Segments   []ArtifactRef      `json:"segments,omitempty"`
	Lipsync    []ArtifactRef      `json:"lipsync,omitempty"`
	Merged     *ArtifactRef       `json:"merged,omitempty"`
}

func NewPipelineState() *PipelineState {
	return &PipelineState{Version: PipelineStateVersion}
}

// DecodePipelineState parses the state blob off a job row. An empty blob
// yields a fresh document so the first stage does not need a special case.
func DecodePipelineState(raw datatypes.JSON) (*PipelineState, error) {
	if len(raw) == 0 {
		return NewPipelineState(), nil
	}
	var st PipelineState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode pipeline state: %w", err)
	}
	if st.Version == 0 {
		st.Version = PipelineStateVersion
	}
	if st.Version > PipelineStateVersion {
		return nil, fmt.Errorf("pipeline state version %d is newer than supported %d", st.Version, PipelineStateVersion)
	}
	return &st, nil
}

// Encode serializes the document for storage on the job row.
func (s *PipelineState) Encode() (datatypes.JSON, error) {
	if s.Version == 0 {
		s.Version = PipelineStateVersion
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode pipeline state: %w", err)
	}
	return datatypes.JSON(b), nil
}

// SceneCount is the number of scenes the downstream fan-out stages work over.
func (s *PipelineState) SceneCount() int {
	if s == nil || s.Script == nil {
		return 0
	}
	return len(s.Script.Scenes)
}
