package pipeline

import (
	"github.com/fablecast/fablecast-backend/internal/domain"
	"github.com/fablecast/fablecast-backend/internal/jobs/orchestrator"
	jobrt "github.com/fablecast/fablecast-backend/internal/jobs/runtime"
)

func (p *VideoGeneratePipeline) Type() string { return "video_generate" }

func (p *VideoGeneratePipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	return p.engine.Advance(jc, p.stages())
}

// stages declares the pipeline in order, with each stage's slice of the
// 0..100 progress band. Characters and lipsync are opt-in per job.
func (p *VideoGeneratePipeline) stages() []orchestrator.Stage {
	return []orchestrator.Stage{
		{
			Name:     domain.StepScript,
			StartPct: 2,
			EndPct:   15,
			StartMsg: "Writing script",
			DoneMsg:  "Script ready",
			Run:      p.stageScript,
		},
		{
			Name:     domain.StepCharacters,
			StartPct: 15,
			EndPct:   25,
			StartMsg: "Casting characters",
			DoneMsg:  "Characters ready",
			Skip: func(jc *jobrt.Context) (bool, string, error) {
				if !jc.Options().CharacterSheet {
					return true, "character sheet not requested", nil
				}
				return false, "", nil
			},
			Run: p.stageCharacters,
		},
		{
			Name:     domain.StepImages,
			StartPct: 25,
			EndPct:   45,
			StartMsg: "Rendering scene images",
			DoneMsg:  "Scene images ready",
			Run:      p.stageImages,
		},
		{
			Name:     domain.StepAudio,
			StartPct: 45,
			EndPct:   60,
			StartMsg: "Synthesizing narration",
			DoneMsg:  "Narration ready",
			Run:      p.stageAudio,
		},
		{
			Name:     domain.StepVideoSegments,
			StartPct: 60,
			EndPct:   80,
			StartMsg: "Rendering video segments",
			DoneMsg:  "Video segments ready",
			Run:      p.stageSegments,
		},
		{
			Name:     domain.StepLipsync,
			StartPct: 80,
			EndPct:   90,
			StartMsg: "Applying lipsync",
			DoneMsg:  "Lipsync applied",
			Skip: func(jc *jobrt.Context) (bool, string, error) {
				if !jc.Options().LipsyncRequested {
					return true, "lipsync not requested", nil
				}
				return false, "", nil
			},
			Run: p.stageLipsync,
		},
		{
			Name:     domain.StepMerge,
			StartPct: 90,
			EndPct:   100,
			StartMsg: "Merging final video",
			DoneMsg:  "Video ready",
			Barrier:  p.mergeBarrier,
			Run:      p.stageMerge,
		},
	}
}
