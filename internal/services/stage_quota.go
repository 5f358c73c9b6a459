package services

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/fablecast/fablecast-backend/internal/domain"
	"github.com/fablecast/fablecast-backend/internal/jobs/orchestrator"
	"github.com/fablecast/fablecast-backend/internal/platform/envutil"
	"github.com/fablecast/fablecast-backend/internal/platform/logger"
)

// StageQuota rate-limits stage starts per provider so a burst of claimed jobs
// cannot stampede a single upstream API. A denied stage is delayed through
// the job's run_after gate, not failed, so the limiter only needs Allow.
type StageQuota struct {
	openai     *rate.Limiter
	voice      *rate.Limiter
	renderfarm *rate.Limiter
	log        *logger.Logger
}

var _ orchestrator.QuotaGate = (*StageQuota)(nil)

func NewStageQuota(baseLog *logger.Logger) *StageQuota {
	return &StageQuota{
		openai:     newLimiter("OPENAI_STAGE_RPS", "OPENAI_STAGE_BURST", 2, 4),
		voice:      newLimiter("VOICE_STAGE_RPS", "VOICE_STAGE_BURST", 2, 4),
		renderfarm: newLimiter("RENDERFARM_STAGE_RPS", "RENDERFARM_STAGE_BURST", 1, 2),
		log:        baseLog.With("service", "StageQuota"),
	}
}

func newLimiter(rpsKey, burstKey string, defRPS float64, defBurst int) *rate.Limiter {
	rps := envutil.Float(rpsKey, defRPS)
	if rps <= 0 {
		rps = defRPS
	}
	burst := envutil.Int(burstKey, defBurst)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func (q *StageQuota) limiterFor(stage string) *rate.Limiter {
	switch stage {
	case domain.StepScript, domain.StepCharacters, domain.StepImages:
		return q.openai
	case domain.StepAudio:
		return q.voice
	case domain.StepVideoSegments, domain.StepLipsync, domain.StepMerge:
		return q.renderfarm
	default:
		return nil
	}
}

func (q *StageQuota) MayStartStage(_ context.Context, job *domain.VideoJob, stage string) error {
	if q == nil {
		return nil
	}
	lim := q.limiterFor(stage)
	if lim == nil {
		return nil
	}
	if !lim.Allow() {
		q.log.Debug("Stage start rate limited",
			"job_id", job.ID,
			"stage", stage,
		)
		return fmt.Errorf("provider rate limit for stage %s", stage)
	}
	return nil
}
