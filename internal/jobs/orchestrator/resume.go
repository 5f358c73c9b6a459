package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fablecast/fablecast-backend/internal/config"
	"github.com/fablecast/fablecast-backend/internal/data/repos"
	"github.com/fablecast/fablecast-backend/internal/domain"
	jobrt "github.com/fablecast/fablecast-backend/internal/jobs/runtime"
	"github.com/fablecast/fablecast-backend/internal/platform/dbctx"
	"github.com/fablecast/fablecast-backend/internal/platform/logger"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrNotResumable    = errors.New("job is not resumable")
	ErrResumeExhausted = errors.New("resume attempts exhausted")
)

// ArtifactResolver verifies that the outputs of an already-completed step
// are still resolvable (rows present, storage objects alive) before a resume
// trusts them.
type ArtifactResolver interface {
	ValidateStepOutputs(ctx context.Context, job *domain.VideoJob, stepName string) error
}

// ResumeController re-arms failed jobs. It never re-runs completed work: it
// validates the prerequisites of the failed step, flips that single ledger
// entry back to pending and requeues the job from there.
type ResumeController struct {
	cfg      config.ResumeConfig
	jobs     repos.VideoJobRepo
	steps    repos.JobStepRepo
	resolver ArtifactResolver
	notify   jobrt.Notifier
	events   repos.ProgressEventRepo
	log      *logger.Logger

	now func() time.Time
}

func NewResumeController(cfg config.ResumeConfig, r *repos.All, resolver ArtifactResolver, notify jobrt.Notifier, log *logger.Logger) *ResumeController {
	return &ResumeController{
		cfg:      cfg,
		jobs:     r.VideoJob,
		steps:    r.JobStep,
		resolver: resolver,
		notify:   notify,
		events:   r.ProgressEvent,
		log:      log.With("component", "ResumeController"),
		now:      time.Now,
	}
}

// Resume re-arms one failed job for its owner.
func (rc *ResumeController) Resume(ctx context.Context, jobID, ownerUserID uuid.UUID) (*domain.VideoJob, error) {
	dbc := dbctx.Context{Ctx: ctx}

	job, err := rc.jobs.GetByIDForOwner(dbc, jobID, ownerUserID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}

	if job.Status != domain.JobFailed || !job.CanResume || job.FailedAtStep == nil {
		return nil, ErrNotResumable
	}
	failedStep := *job.FailedAtStep

	if job.RetryCount >= rc.cfg.MaxAttempts {
		// Past the cap the job is abandoned: resumability is cleared so the
		// caller stops offering the action.
		_, _ = rc.jobs.UpdateFieldsUnlessStatus(dbc, job.ID, []string{string(domain.JobCancelled)}, map[string]interface{}{
			"can_resume": false,
		})
		rc.log.Warn("Resume refused; attempts exhausted",
			"job_id", job.ID,
			"retry_count", job.RetryCount,
			"max_attempts", rc.cfg.MaxAttempts,
		)
		return nil, ErrResumeExhausted
	}

	if err := rc.validatePrerequisites(ctx, job, failedStep); err != nil {
		// Completed work the failed step depends on is gone; a re-arm would
		// fail the same way, so the job is marked unresumable instead.
		_, _ = rc.jobs.UpdateFieldsUnlessStatus(dbc, job.ID, []string{string(domain.JobCancelled)}, map[string]interface{}{
			"can_resume": false,
			"error":      err.Error(),
		})
		rc.log.Warn("Resume refused; prerequisite lost",
			"job_id", job.ID,
			"failed_step", failedStep,
			"error", err,
		)
		return nil, err
	}

	if _, err := rc.steps.Transition(dbc, job.ID, failedStep, domain.StepPending, repos.StepUpdate{ResetRetry: true}); err != nil {
		return nil, fmt.Errorf("re-arm step %s: %w", failedStep, err)
	}

	now := rc.now()
	ok, err := rc.jobs.UpdateFieldsUnlessStatus(dbc, job.ID, []string{string(domain.JobCancelled)}, map[string]interface{}{
		"status":         domain.JobRetrying,
		"stage":          failedStep,
		"message":        "",
		"error":          "",
		"failed_at_step": nil,
		"can_resume":     false,
		"retry_count":    job.RetryCount + 1,
		"last_retry_at":  now,
		"run_after":      nil,
		"locked_at":      nil,
		"heartbeat_at":   nil,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotResumable
	}

	job.Status = domain.JobRetrying
	job.Stage = failedStep
	job.Error = ""
	job.FailedAtStep = nil
	job.CanResume = false
	job.RetryCount = job.RetryCount + 1
	job.LastRetryAt = &now
	job.RunAfter = nil
	job.LockedAt = nil

	if rc.events != nil {
		_ = rc.events.Append(dbc, &domain.JobProgressEvent{
			JobID:       job.ID,
			OwnerUserID: job.OwnerUserID,
			Kind:        domain.JobEventResumed,
			Status:      domain.JobRetrying,
			Stage:       failedStep,
			Progress:    job.Progress,
			Message:     "resumed from " + failedStep,
		})
	}
	if rc.notify != nil {
		rc.notify.JobResumed(job.OwnerUserID, job, failedStep)
	}

	rc.log.Info("Job resumed",
		"job_id", job.ID,
		"failed_step", failedStep,
		"retry_count", job.RetryCount,
	)
	return job, nil
}

// validatePrerequisites checks every ledger entry that completed before the
// failed step still has resolvable outputs.
func (rc *ResumeController) validatePrerequisites(ctx context.Context, job *domain.VideoJob, failedStep string) error {
	if rc.resolver == nil {
		return nil
	}
	dbc := dbctx.Context{Ctx: ctx}
	steps, err := rc.steps.ListByJob(dbc, job.ID)
	if err != nil {
		return err
	}
	byName := map[string]*domain.JobStep{}
	for _, s := range steps {
		byName[s.StepName] = s
	}
	for _, name := range domain.StepSequence() {
		if name == failedStep {
			break
		}
		s, ok := byName[name]
		if !ok || s.Status != domain.StepCompleted {
			continue
		}
		if err := rc.resolver.ValidateStepOutputs(ctx, job, name); err != nil {
			return &PrerequisiteLostError{Step: name, Reason: err.Error()}
		}
	}
	return nil
}
