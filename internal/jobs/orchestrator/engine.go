package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fablecast/fablecast-backend/internal/config"
	"github.com/fablecast/fablecast-backend/internal/data/repos"
	"github.com/fablecast/fablecast-backend/internal/domain"
	jobrt "github.com/fablecast/fablecast-backend/internal/jobs/runtime"
	"github.com/fablecast/fablecast-backend/internal/platform/dbctx"
	"github.com/fablecast/fablecast-backend/internal/platform/logger"
)

// QuotaGate is consulted before a stage starts. A FatalError means the gate
// denied the stage outright and the job fails there; any other error is a
// throttle and delays the stage without consuming a retry attempt.
type QuotaGate interface {
	MayStartStage(ctx context.Context, job *domain.VideoJob, stage string) error
}

// Engine drives one job through an ordered stage list against the step
// ledger. It owns every ledger transition; stage code only reports outcomes
// through the error taxonomy.
type Engine struct {
	cfg   config.Pipeline
	quota QuotaGate
	log   *logger.Logger

	// now is swappable in tests.
	now func() time.Time
}

func NewEngine(cfg config.Pipeline, quota QuotaGate, log *logger.Logger) *Engine {
	return &Engine{
		cfg:   cfg,
		quota: quota,
		log:   log.With("component", "Orchestrator"),
		now:   time.Now,
	}
}

// Advance walks the stage list from the first incomplete ledger entry. It
// processes at most one runnable stage per call that needs to wait; when a
// stage completes inline it falls through to the next one, so a healthy job
// runs start to finish under a single lease.
func (e *Engine) Advance(jc *jobrt.Context, stages []Stage) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	if err := validateStages(stages); err != nil {
		jc.Fail("validate", err, false)
		return nil
	}

	dbc := dbctx.Context{Ctx: jc.Ctx}

	for i := range stages {
		def := stages[i]

		step, err := jc.Steps.GetOrCreate(dbc, jc.Job.ID, def.Name)
		if err != nil {
			jc.Fail(def.Name, fmt.Errorf("load step ledger: %w", err), true)
			return nil
		}
		if step == nil {
			jc.Fail(def.Name, fmt.Errorf("%w: step %s missing after create", ErrInvariant, def.Name), false)
			return nil
		}
		if step.Status == domain.StepCompleted || step.Status == domain.StepSkipped {
			continue
		}

		if jc.IsCancelled() {
			e.log.Info("Job cancelled; stopping advance",
				"job_id", jc.Job.ID,
				"stage", def.Name,
			)
			return nil
		}

		// A failed ledger entry only becomes runnable again through the
		// resume controller's re-arm; a worker holding one here raced it.
		if step.Status == domain.StepFailed {
			jc.Yield(def.Name, nil)
			return nil
		}

		if step.NextRunAt != nil && e.now().Before(*step.NextRunAt) {
			jc.Yield(def.Name, step.NextRunAt)
			return nil
		}

		policy := e.cfg.Stage(def.Name)

		if step.Status == domain.StepPending {
			if def.Skip != nil {
				skip, reason, sErr := def.Skip(jc)
				if sErr != nil {
					jc.Fail(def.Name, fmt.Errorf("skip check: %w", sErr), true)
					return nil
				}
				if skip {
					msg := reason
					if _, tErr := jc.Steps.Transition(dbc, jc.Job.ID, def.Name, domain.StepSkipped, repos.StepUpdate{ErrorMessage: &msg}); tErr != nil {
						jc.Fail(def.Name, tErr, true)
						return nil
					}
					e.log.Info("Stage skipped", "job_id", jc.Job.ID, "stage", def.Name, "reason", reason)
					continue
				}
			}
			if e.quota != nil {
				if qErr := e.quota.MayStartStage(jc.Ctx, jc.Job, def.Name); qErr != nil {
					if fe, ok := IsFatal(qErr); ok {
						msg := qErr.Error()
						if _, tErr := jc.Steps.Transition(dbc, jc.Job.ID, def.Name, domain.StepProcessing, repos.StepUpdate{}); tErr == nil {
							_, _ = jc.Steps.Transition(dbc, jc.Job.ID, def.Name, domain.StepFailed, repos.StepUpdate{ErrorMessage: &msg})
						}
						jc.Fail(def.Name, qErr, fe.Resumable)
						return nil
					}
					gate := e.now().Add(policy.PollEvery)
					e.log.Info("Stage gated by quota",
						"job_id", jc.Job.ID,
						"stage", def.Name,
						"reason", qErr.Error(),
					)
					jc.Yield(def.Name, &gate)
					return nil
				}
			}
		}

		step, err = jc.Steps.Transition(dbc, jc.Job.ID, def.Name, domain.StepProcessing, repos.StepUpdate{ClearNextRun: true})
		if err != nil {
			jc.Fail(def.Name, err, true)
			return nil
		}

		jc.Progress(def.Name, domain.StatusForStep(def.Name), def.StartPct, msgOr(def.StartMsg, "Starting "+def.Name))

		if def.Barrier != nil {
			remaining, bErr := def.Barrier(jc)
			if bErr != nil {
				if e.handleStageErr(jc, def, policy, step.RetryCount, bErr) {
					return nil
				}
				continue
			}
			if remaining > 0 {
				gate := e.now().Add(policy.PollEvery)
				if _, tErr := jc.Steps.Transition(dbc, jc.Job.ID, def.Name, domain.StepProcessing, repos.StepUpdate{NextRunAt: &gate}); tErr != nil {
					jc.Fail(def.Name, tErr, true)
					return nil
				}
				jc.Yield(def.Name, &gate)
				return nil
			}
		}

		runErr := e.runStage(jc, def, policy)
		if runErr != nil {
			if e.handleStageErr(jc, def, policy, step.RetryCount, runErr) {
				return nil
			}
			continue
		}

		if _, tErr := jc.Steps.Transition(dbc, jc.Job.ID, def.Name, domain.StepCompleted, repos.StepUpdate{}); tErr != nil {
			jc.Fail(def.Name, tErr, true)
			return nil
		}
		jc.Progress(def.Name, domain.StatusForStep(def.Name), def.EndPct, msgOr(def.DoneMsg, "Done "+def.Name))
	}

	jc.Succeed(lastStageName(stages))
	return nil
}

// runStage executes Run under the stage timeout, converting panics and
// deadline hits into stage errors.
func (e *Engine) runStage(jc *jobrt.Context, def Stage, policy config.StagePolicy) (err error) {
	if def.Run == nil {
		return fmt.Errorf("%w: stage %q has no Run", ErrInvariant, def.Name)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage %q panicked: %v", def.Name, r)
		}
	}()

	if policy.Timeout <= 0 {
		return def.Run(jc)
	}

	tctx, cancel := context.WithTimeout(jc.Ctx, policy.Timeout)
	defer cancel()
	scoped := *jc
	scoped.Ctx = tctx

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("stage %q panicked: %v", def.Name, r)
			}
		}()
		done <- def.Run(&scoped)
	}()

	select {
	case <-tctx.Done():
		return Transient(fmt.Errorf("stage %q timed out after %s: %w", def.Name, policy.Timeout, tctx.Err()))
	case rErr := <-done:
		return rErr
	}
}

// handleStageErr resolves a stage outcome that was not plain success. The
// return value says whether the engine must stop advancing this job now.
func (e *Engine) handleStageErr(jc *jobrt.Context, def Stage, policy config.StagePolicy, priorRetries int, err error) bool {
	dbc := dbctx.Context{Ctx: jc.Ctx}

	if pe, ok := IsPending(err); ok {
		wait := pe.PollAfter
		if wait <= 0 {
			wait = policy.PollEvery
		}
		gate := e.now().Add(wait)
		if _, tErr := jc.Steps.Transition(dbc, jc.Job.ID, def.Name, domain.StepProcessing, repos.StepUpdate{NextRunAt: &gate}); tErr != nil {
			jc.Fail(def.Name, tErr, true)
			return true
		}
		jc.Yield(def.Name, &gate)
		return true
	}

	attempts := priorRetries + 1
	msg := err.Error()

	if shouldRetry(policy, attempts, err) {
		delay := computeBackoff(policy, attempts)
		gate := e.now().Add(delay)
		if _, tErr := jc.Steps.Transition(dbc, jc.Job.ID, def.Name, domain.StepProcessing, repos.StepUpdate{
			ErrorMessage: &msg,
			NextRunAt:    &gate,
			BumpRetry:    true,
		}); tErr != nil {
			jc.Fail(def.Name, tErr, true)
			return true
		}
		e.log.Warn("Stage retry scheduled",
			"job_id", jc.Job.ID,
			"stage", def.Name,
			"attempt", attempts,
			"max_attempts", policy.MaxAttempts,
			"backoff", delay.String(),
			"error", msg,
		)
		jc.Retrying(def.Name, attempts, gate, msg)
		return true
	}

	resumable := true
	if fe, ok := IsFatal(err); ok {
		resumable = fe.Resumable
	}
	if _, ok := IsPrerequisiteLost(err); ok {
		resumable = false
	}
	if strings.Contains(msg, ErrInvariant.Error()) {
		resumable = false
	}

	if _, tErr := jc.Steps.Transition(dbc, jc.Job.ID, def.Name, domain.StepFailed, repos.StepUpdate{
		ErrorMessage: &msg,
		BumpRetry:    true,
	}); tErr != nil {
		e.log.Error("Step ledger failure transition failed",
			"job_id", jc.Job.ID,
			"stage", def.Name,
			"error", tErr,
		)
	}
	e.log.Error("Stage failed",
		"job_id", jc.Job.ID,
		"stage", def.Name,
		"attempts", attempts,
		"resumable", resumable,
		"error", msg,
	)
	jc.Fail(def.Name, err, resumable)
	return true
}

func validateStages(stages []Stage) error {
	if len(stages) == 0 {
		return fmt.Errorf("no stages declared")
	}
	seen := map[string]bool{}
	lastEnd := -1
	for _, s := range stages {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("stage missing Name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate stage name %q", s.Name)
		}
		seen[s.Name] = true
		if s.StartPct < 0 || s.StartPct > 100 || s.EndPct < 0 || s.EndPct > 100 {
			return fmt.Errorf("stage %q: progress must be 0..100", s.Name)
		}
		if s.EndPct < s.StartPct {
			return fmt.Errorf("stage %q: EndPct must be >= StartPct", s.Name)
		}
		if s.EndPct < lastEnd {
			return fmt.Errorf("stage %q: EndPct must be >= previous stage EndPct", s.Name)
		}
		lastEnd = s.EndPct
	}
	return nil
}

func lastStageName(stages []Stage) string {
	if len(stages) == 0 {
		return "done"
	}
	return stages[len(stages)-1].Name
}

func msgOr(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
