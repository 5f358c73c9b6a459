package domain

import (
	"encoding/json"
	"testing"

	"gorm.io/datatypes"
)

func TestCanTransitionStep(t *testing.T) {
	cases := []struct {
		from, to StepStatus
		ok       bool
	}{
		{StepPending, StepProcessing, true},
		{StepPending, StepSkipped, true},
		{StepPending, StepCompleted, false},
		{StepPending, StepFailed, false},
		{StepProcessing, StepProcessing, true},
		{StepProcessing, StepCompleted, true},
		{StepProcessing, StepFailed, true},
		{StepProcessing, StepPending, false},
		{StepProcessing, StepSkipped, false},
		{StepFailed, StepPending, true},
		{StepFailed, StepProcessing, false},
		{StepFailed, StepCompleted, false},
		{StepCompleted, StepProcessing, false},
		{StepCompleted, StepPending, false},
		{StepSkipped, StepProcessing, false},
	}
	for _, c := range cases {
		if got := CanTransitionStep(c.from, c.to); got != c.ok {
			t.Errorf("CanTransitionStep(%s, %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestJobStatusTerminal(t *testing.T) {
	terminal := []JobStatus{JobCompleted, JobFailed, JobCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	live := []JobStatus{JobPending, JobGeneratingScript, JobMerging, JobCombining, JobRetrying}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestStepSequenceCoversStatusMapping(t *testing.T) {
	for _, step := range StepSequence() {
		if StatusForStep(step) == JobPending {
			t.Errorf("step %q has no job status mapping", step)
		}
	}
	if StatusForStep("bogus") != JobPending {
		t.Errorf("unknown step should map to pending")
	}
}

func TestPipelineStateRoundTrip(t *testing.T) {
	st := NewPipelineState()
	st.Script = &ScriptDoc{
		Title: "The Lighthouse",
		Scenes: []ScriptScene{
			{Index: 0, Narration: "A storm gathers.", ImagePrompt: "dark sea, lighthouse beam"},
			{Index: 1, Narration: "The keeper climbs.", ImagePrompt: "spiral staircase, lantern"},
		},
	}
	raw, err := st.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := DecodePipelineState(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Version != PipelineStateVersion {
		t.Errorf("version = %d, want %d", got.Version, PipelineStateVersion)
	}
	if got.SceneCount() != 2 {
		t.Errorf("scene count = %d, want 2", got.SceneCount())
	}
	if got.Script.Scenes[1].Narration != "The keeper climbs." {
		t.Errorf("scene narration lost in round trip")
	}
}

func TestDecodePipelineStateEmpty(t *testing.T) {
	st, err := DecodePipelineState(nil)
	if err != nil {
		t.Fatalf("decode empty: %v", err)
	}
	if st.Version != PipelineStateVersion {
		t.Errorf("fresh state version = %d, want %d", st.Version, PipelineStateVersion)
	}
	if st.SceneCount() != 0 {
		t.Errorf("fresh state should have no scenes")
	}
}

func TestDecodePipelineStateRejectsNewerVersion(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"version": PipelineStateVersion + 1})
	if _, err := DecodePipelineState(datatypes.JSON(raw)); err == nil {
		t.Fatalf("expected error for newer state version")
	}
}

func TestDecodeOptions(t *testing.T) {
	job := &VideoJob{Options: datatypes.JSON(`{"lipsync_requested":true,"voice_id":"nova","max_scenes":6}`)}
	opts := job.DecodeOptions()
	if !opts.LipsyncRequested || opts.VoiceID != "nova" || opts.MaxScenes != 6 {
		t.Errorf("unexpected options: %+v", opts)
	}

	var nilJob *VideoJob
	if got := nilJob.DecodeOptions(); got != (JobOptions{}) {
		t.Errorf("nil job should decode to zero options")
	}
}
