package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fablecast/fablecast-backend/internal/data/repos"
	"github.com/fablecast/fablecast-backend/internal/domain"
	"github.com/fablecast/fablecast-backend/internal/platform/dbctx"
)

/*
Context is the execution contract between the job system and all pipeline
code: a capability-scoped handle for one claimed job run. It wraps the job
row, the repositories that may touch it, the notifier side channel, and the
only sanctioned ways to report progress or terminate execution.

Pipelines never write video_job rows directly. They go through this object,
so the cancellation guard and the progress ledger stay in one place.
*/
type Context struct {
	Ctx    context.Context
	DB     *gorm.DB
	Job    *domain.VideoJob
	Jobs   repos.VideoJobRepo
	Steps  repos.JobStepRepo
	Events repos.ProgressEventRepo
	Notify Notifier
}

func NewContext(ctx context.Context, db *gorm.DB, job *domain.VideoJob, r *repos.All, notify Notifier) *Context {
	return &Context{
		Ctx:    ctx,
		DB:     db,
		Job:    job,
		Jobs:   r.VideoJob,
		Steps:  r.JobStep,
		Events: r.ProgressEvent,
		Notify: notify,
	}
}

func (c *Context) dbc() dbctx.Context {
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return dbctx.Context{Ctx: ctx}
}

// guardedStatuses are statuses a late-running stage must never overwrite.
func guardedStatuses() []string {
	return []string{string(domain.JobCancelled)}
}

// Options returns the decoded job options.
func (c *Context) Options() domain.JobOptions {
	if c == nil || c.Job == nil {
		return domain.JobOptions{}
	}
	return c.Job.DecodeOptions()
}

// State decodes the pipeline state document off the job row.
func (c *Context) State() (*domain.PipelineState, error) {
	if c == nil || c.Job == nil {
		return domain.NewPipelineState(), nil
	}
	return domain.DecodePipelineState(c.Job.PipelineState)
}

// SaveState persists the state document. Only the goroutine holding this
// job's lease calls it, so a plain guarded update is enough.
func (c *Context) SaveState(st *domain.PipelineState) error {
	if c == nil || c.Job == nil || st == nil {
		return nil
	}
	raw, err := st.Encode()
	if err != nil {
		return err
	}
	ok, err := c.Jobs.UpdateFieldsUnlessStatus(c.dbc(), c.Job.ID, guardedStatuses(), map[string]interface{}{
		"pipeline_state": raw,
	})
	if err != nil {
		return err
	}
	if ok {
		c.Job.PipelineState = raw
	}
	return nil
}

// IsCancelled re-reads the job status; stages call it between expensive
// operations so a cancel lands at the next checkpoint.
func (c *Context) IsCancelled() bool {
	if c == nil || c.Job == nil {
		return false
	}
	fresh, err := c.Jobs.GetByID(c.dbc(), c.Job.ID)
	if err != nil || fresh == nil {
		return false
	}
	c.Job.Status = fresh.Status
	return fresh.Status == domain.JobCancelled
}

// Heartbeat refreshes the lease so a long-running stage is not reclaimed.
func (c *Context) Heartbeat() {
	if c == nil || c.Job == nil {
		return
	}
	_ = c.Jobs.Heartbeat(c.dbc(), c.Job.ID)
}

func (c *Context) appendEvent(kind domain.JobEventKind, status domain.JobStatus, stage string, pct int, msg string, data map[string]any) {
	if c == nil || c.Job == nil || c.Events == nil {
		return
	}
	var raw datatypes.JSON
	if data != nil {
		b, err := json.Marshal(data)
		if err == nil {
			raw = datatypes.JSON(b)
		}
	}
	_ = c.Events.Append(c.dbc(), &domain.JobProgressEvent{
		JobID:       c.Job.ID,
		OwnerUserID: c.Job.OwnerUserID,
		Kind:        kind,
		Status:      status,
		Stage:       stage,
		Progress:    pct,
		Message:     msg,
		Data:        raw,
	})
}

/*
Progress publishes a non-terminal status update: it persists status, stage,
progress and message plus a heartbeat, appends a timeline event, and emits a
notification. The write is guarded so a cancelled job is never overwritten;
when the guard rejects the write, no event or notification is emitted.
*/
func (c *Context) Progress(stage string, status domain.JobStatus, pct int, msg string) {
	if c == nil {
		return
	}
	now := time.Now()

	if c.Jobs != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Jobs.UpdateFieldsUnlessStatus(c.dbc(), c.Job.ID, guardedStatuses(), map[string]interface{}{
			"status":       status,
			"stage":        stage,
			"progress":     pct,
			"message":      msg,
			"heartbeat_at": now,
			"updated_at":   now,
		})
		if !ok {
			return
		}
	}

	if c.Job != nil {
		c.Job.Status = status
		c.Job.Stage = stage
		c.Job.Progress = pct
		c.Job.Message = msg
		c.Job.HeartbeatAt = &now
		c.Job.UpdatedAt = now
	}

	c.appendEvent(domain.JobEventProgress, status, stage, pct, msg, nil)

	if c.Notify != nil && c.Job != nil {
		c.Notify.JobProgress(c.Job.OwnerUserID, c.Job, stage, pct, msg)
	}
}

/*
Retrying records a scheduled stage retry: the job drops to the retrying
status, the backoff gate lands in run_after, and the lease is released so
another worker can pick the job up once the gate passes.
*/
func (c *Context) Retrying(stage string, attempt int, runAfter time.Time, cause string) {
	if c == nil {
		return
	}
	now := time.Now()

	if c.Jobs != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Jobs.UpdateFieldsUnlessStatus(c.dbc(), c.Job.ID, guardedStatuses(), map[string]interface{}{
			"status":       domain.JobRetrying,
			"stage":        stage,
			"message":      cause,
			"run_after":    runAfter,
			"locked_at":    nil,
			"heartbeat_at": nil,
			"updated_at":   now,
		})
		if !ok {
			return
		}
	}

	if c.Job != nil {
		c.Job.Status = domain.JobRetrying
		c.Job.Stage = stage
		c.Job.Message = cause
		c.Job.RunAfter = &runAfter
		c.Job.LockedAt = nil
		c.Job.UpdatedAt = now
	}

	c.appendEvent(domain.JobEventRetrying, domain.JobRetrying, stage, c.progressOr(0), cause, map[string]any{
		"attempt":   attempt,
		"run_after": runAfter,
	})

	if c.Notify != nil && c.Job != nil {
		c.Notify.JobRetrying(c.Job.OwnerUserID, c.Job, stage, attempt, cause)
	}
}

/*
Yield releases the lease without changing the job status, optionally leaving
a run_after gate. The polling stages use it while a remote task is still
rendering so the worker slot is not held across the wait.
*/
func (c *Context) Yield(stage string, runAfter *time.Time) {
	if c == nil || c.Job == nil {
		return
	}
	_ = c.Jobs.Release(c.dbc(), c.Job.ID, runAfter)
	c.Job.LockedAt = nil
	c.Job.RunAfter = runAfter
}

/*
Fail marks the job terminally failed. failed_at_step and can_resume drive
the resume controller: a resumable failure keeps its completed stage outputs
and can be re-armed; a non-resumable one is final.
*/
func (c *Context) Fail(stage string, err error, resumable bool) {
	if c == nil {
		return
	}
	now := time.Now()
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	updates := map[string]interface{}{
		"status":         domain.JobFailed,
		"stage":          stage,
		"message":        "",
		"error":          msg,
		"failed_at_step": stage,
		"can_resume":     resumable,
		"locked_at":      nil,
		"run_after":      nil,
		"updated_at":     now,
	}
	if stage == domain.StepMerge {
		updates["merge_failed_at"] = now
	}

	if c.Jobs != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Jobs.UpdateFieldsUnlessStatus(c.dbc(), c.Job.ID, guardedStatuses(), updates)
		if !ok {
			return
		}
	}

	if c.Job != nil {
		c.Job.Status = domain.JobFailed
		c.Job.Stage = stage
		c.Job.Message = ""
		c.Job.Error = msg
		c.Job.FailedAtStep = &stage
		c.Job.CanResume = resumable
		c.Job.LockedAt = nil
		c.Job.RunAfter = nil
		c.Job.UpdatedAt = now
		if stage == domain.StepMerge {
			c.Job.MergeFailedAt = &now
		}
	}

	c.appendEvent(domain.JobEventFailed, domain.JobFailed, stage, c.progressOr(0), msg, map[string]any{
		"can_resume": resumable,
	})

	if c.Notify != nil && c.Job != nil {
		c.Notify.JobFailed(c.Job.OwnerUserID, c.Job, stage, msg)
	}
}

/*
Succeed marks the job terminally completed: progress 100, errors cleared,
lease released.
*/
func (c *Context) Succeed(finalStage string) {
	if c == nil {
		return
	}
	now := time.Now()

	if c.Jobs != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Jobs.UpdateFieldsUnlessStatus(c.dbc(), c.Job.ID, guardedStatuses(), map[string]interface{}{
			"status":         domain.JobCompleted,
			"stage":          finalStage,
			"progress":       100,
			"message":        "",
			"error":          "",
			"failed_at_step": nil,
			"can_resume":     false,
			"locked_at":      nil,
			"run_after":      nil,
			"heartbeat_at":   now,
			"updated_at":     now,
		})
		if !ok {
			return
		}
	}

	if c.Job != nil {
		c.Job.Status = domain.JobCompleted
		c.Job.Stage = finalStage
		c.Job.Progress = 100
		c.Job.Message = ""
		c.Job.Error = ""
		c.Job.FailedAtStep = nil
		c.Job.CanResume = false
		c.Job.LockedAt = nil
		c.Job.RunAfter = nil
		c.Job.HeartbeatAt = &now
		c.Job.UpdatedAt = now
	}

	c.appendEvent(domain.JobEventCompleted, domain.JobCompleted, finalStage, 100, "", nil)

	if c.Notify != nil && c.Job != nil {
		c.Notify.JobDone(c.Job.OwnerUserID, c.Job)
	}
}

func (c *Context) progressOr(def int) int {
	if c != nil && c.Job != nil {
		return c.Job.Progress
	}
	return def
}
