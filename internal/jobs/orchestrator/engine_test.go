package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fablecast/fablecast-backend/internal/config"
	"github.com/fablecast/fablecast-backend/internal/domain"
	jobrt "github.com/fablecast/fablecast-backend/internal/jobs/runtime"
	"github.com/fablecast/fablecast-backend/internal/platform/dbctx"
)

type engineFixture struct {
	engine   *Engine
	jobs     *fakeJobRepo
	steps    *fakeStepRepo
	events   *fakeEventRepo
	notify   *recordingNotifier
	job      *domain.VideoJob
	jobrtCtx *jobrt.Context
}

func newEngineFixture(t *testing.T, cfg config.Pipeline, quota QuotaGate) *engineFixture {
	t.Helper()
	job := &domain.VideoJob{
		ID:          uuid.New(),
		OwnerUserID: uuid.New(),
		ChapterRef:  "chapter-1",
		QualityTier: "standard",
		Status:      domain.JobPending,
	}
	jobsRepo := newFakeJobRepo(job)
	stepsRepo := newFakeStepRepo()
	eventsRepo := &fakeEventRepo{}
	notify := &recordingNotifier{}
	jc := &jobrt.Context{
		Ctx:    context.Background(),
		Job:    job,
		Jobs:   jobsRepo,
		Steps:  stepsRepo,
		Events: eventsRepo,
		Notify: notify,
	}
	return &engineFixture{
		engine:   NewEngine(cfg, quota, testLogger()),
		jobs:     jobsRepo,
		steps:    stepsRepo,
		events:   eventsRepo,
		notify:   notify,
		job:      job,
		jobrtCtx: jc,
	}
}

func quickPolicy(maxAttempts int) config.Pipeline {
	cfg := config.DefaultPipeline()
	cfg.Defaults.Timeout = 2 * time.Second
	cfg.Defaults.MaxAttempts = maxAttempts
	cfg.Defaults.MinBackoff = 10 * time.Millisecond
	cfg.Defaults.MaxBackoff = 50 * time.Millisecond
	cfg.Defaults.PollEvery = 20 * time.Millisecond
	return cfg
}

func runStage(name string, startPct, endPct int, run func(jc *jobrt.Context) error) Stage {
	return Stage{Name: name, StartPct: startPct, EndPct: endPct, Run: run}
}

func mustStep(t *testing.T, fx *engineFixture, name string) *domain.JobStep {
	t.Helper()
	s, err := fx.steps.Get(dbcNone(), fx.job.ID, name)
	if err != nil {
		t.Fatalf("get step %s: %v", name, err)
	}
	if s == nil {
		t.Fatalf("step %s not found", name)
	}
	return s
}

func TestEngineAdvanceHappyPath(t *testing.T) {
	fx := newEngineFixture(t, quickPolicy(3), nil)

	var ran []string
	stages := []Stage{
		runStage(domain.StepScript, 0, 20, func(*jobrt.Context) error {
			ran = append(ran, domain.StepScript)
			return nil
		}),
		runStage(domain.StepImages, 20, 60, func(*jobrt.Context) error {
			ran = append(ran, domain.StepImages)
			return nil
		}),
		runStage(domain.StepMerge, 60, 100, func(*jobrt.Context) error {
			ran = append(ran, domain.StepMerge)
			return nil
		}),
	}

	if err := fx.engine.Advance(fx.jobrtCtx, stages); err != nil {
		t.Fatalf("advance: %v", err)
	}

	if len(ran) != 3 {
		t.Fatalf("expected 3 stage runs, got %v", ran)
	}
	job := fx.jobs.snapshot(fx.job.ID)
	if job.Status != domain.JobCompleted {
		t.Fatalf("job status = %s, want completed", job.Status)
	}
	if job.Progress != 100 {
		t.Fatalf("progress = %d, want 100", job.Progress)
	}
	for _, name := range []string{domain.StepScript, domain.StepImages, domain.StepMerge} {
		s := mustStep(t, fx, name)
		if s.Status != domain.StepCompleted {
			t.Fatalf("step %s = %s, want completed", name, s.Status)
		}
		if s.StartedAt == nil || s.CompletedAt == nil {
			t.Fatalf("step %s missing timestamps", name)
		}
	}
	if fx.notify.done != 1 {
		t.Fatalf("done notifications = %d, want 1", fx.notify.done)
	}
}

func TestEngineAdvanceResumesPastCompletedSteps(t *testing.T) {
	fx := newEngineFixture(t, quickPolicy(3), nil)
	fx.steps.seed(fx.job.ID, domain.StepScript, domain.StepCompleted, 0)

	scriptRuns := 0
	mergeRuns := 0
	stages := []Stage{
		runStage(domain.StepScript, 0, 50, func(*jobrt.Context) error {
			scriptRuns++
			return nil
		}),
		runStage(domain.StepMerge, 50, 100, func(*jobrt.Context) error {
			mergeRuns++
			return nil
		}),
	}

	if err := fx.engine.Advance(fx.jobrtCtx, stages); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if scriptRuns != 0 {
		t.Fatalf("completed stage re-ran %d times", scriptRuns)
	}
	if mergeRuns != 1 {
		t.Fatalf("merge runs = %d, want 1", mergeRuns)
	}
	if got := fx.jobs.snapshot(fx.job.ID).Status; got != domain.JobCompleted {
		t.Fatalf("job status = %s, want completed", got)
	}
}

func TestEngineStageSkip(t *testing.T) {
	fx := newEngineFixture(t, quickPolicy(3), nil)

	lipsyncRuns := 0
	stages := []Stage{
		runStage(domain.StepScript, 0, 40, func(*jobrt.Context) error { return nil }),
		{
			Name:     domain.StepLipsync,
			StartPct: 40,
			EndPct:   70,
			Skip: func(*jobrt.Context) (bool, string, error) {
				return true, "lipsync not requested", nil
			},
			Run: func(*jobrt.Context) error {
				lipsyncRuns++
				return nil
			},
		},
		runStage(domain.StepMerge, 70, 100, func(*jobrt.Context) error { return nil }),
	}

	if err := fx.engine.Advance(fx.jobrtCtx, stages); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if lipsyncRuns != 0 {
		t.Fatalf("skipped stage ran %d times", lipsyncRuns)
	}
	s := mustStep(t, fx, domain.StepLipsync)
	if s.Status != domain.StepSkipped {
		t.Fatalf("step status = %s, want skipped", s.Status)
	}
	if s.ErrorMessage != "lipsync not requested" {
		t.Fatalf("skip reason = %q", s.ErrorMessage)
	}
	if got := fx.jobs.snapshot(fx.job.ID).Status; got != domain.JobCompleted {
		t.Fatalf("job status = %s, want completed", got)
	}
}

func TestEngineTransientRetryThenSuccess(t *testing.T) {
	fx := newEngineFixture(t, quickPolicy(3), nil)

	attempts := 0
	stages := []Stage{
		runStage(domain.StepImages, 0, 100, func(*jobrt.Context) error {
			attempts++
			if attempts == 1 {
				return Transient(errors.New("image provider 503"))
			}
			return nil
		}),
	}

	if err := fx.engine.Advance(fx.jobrtCtx, stages); err != nil {
		t.Fatalf("first advance: %v", err)
	}

	job := fx.jobs.snapshot(fx.job.ID)
	if job.Status != domain.JobRetrying {
		t.Fatalf("job status = %s, want retrying", job.Status)
	}
	if job.RunAfter == nil {
		t.Fatal("retrying job missing run_after gate")
	}
	if job.LockedAt != nil {
		t.Fatal("retrying job still holds its lease")
	}
	s := mustStep(t, fx, domain.StepImages)
	if s.Status != domain.StepProcessing {
		t.Fatalf("step status = %s, want processing", s.Status)
	}
	if s.RetryCount != 1 {
		t.Fatalf("step retry_count = %d, want 1", s.RetryCount)
	}
	if s.NextRunAt == nil {
		t.Fatal("step missing backoff gate")
	}
	if fx.notify.retrying != 1 {
		t.Fatalf("retrying notifications = %d, want 1", fx.notify.retrying)
	}

	// Move the clock past the backoff gate and re-enter.
	fx.engine.now = func() time.Time { return time.Now().Add(time.Hour) }
	if err := fx.engine.Advance(fx.jobrtCtx, stages); err != nil {
		t.Fatalf("second advance: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	if got := fx.jobs.snapshot(fx.job.ID).Status; got != domain.JobCompleted {
		t.Fatalf("job status = %s, want completed", got)
	}
}

func TestEngineRetriesExhaustedFailResumable(t *testing.T) {
	fx := newEngineFixture(t, quickPolicy(2), nil)

	attempts := 0
	stages := []Stage{
		runStage(domain.StepAudio, 0, 100, func(*jobrt.Context) error {
			attempts++
			return Transient(errors.New("voice provider timeout"))
		}),
	}

	if err := fx.engine.Advance(fx.jobrtCtx, stages); err != nil {
		t.Fatalf("first advance: %v", err)
	}
	fx.engine.now = func() time.Time { return time.Now().Add(time.Hour) }
	if err := fx.engine.Advance(fx.jobrtCtx, stages); err != nil {
		t.Fatalf("second advance: %v", err)
	}

	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	job := fx.jobs.snapshot(fx.job.ID)
	if job.Status != domain.JobFailed {
		t.Fatalf("job status = %s, want failed", job.Status)
	}
	if !job.CanResume {
		t.Fatal("exhausted transient failure should stay resumable")
	}
	if job.FailedAtStep == nil || *job.FailedAtStep != domain.StepAudio {
		t.Fatalf("failed_at_step = %v, want %s", job.FailedAtStep, domain.StepAudio)
	}
	s := mustStep(t, fx, domain.StepAudio)
	if s.Status != domain.StepFailed {
		t.Fatalf("step status = %s, want failed", s.Status)
	}
	if s.RetryCount != 2 {
		t.Fatalf("step retry_count = %d, want 2", s.RetryCount)
	}
}

func TestEngineFatalFailsWithoutRetry(t *testing.T) {
	fx := newEngineFixture(t, quickPolicy(5), nil)

	attempts := 0
	stages := []Stage{
		runStage(domain.StepScript, 0, 100, func(*jobrt.Context) error {
			attempts++
			return Fatal(errors.New("chapter text empty"), false)
		}),
	}

	if err := fx.engine.Advance(fx.jobrtCtx, stages); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
	job := fx.jobs.snapshot(fx.job.ID)
	if job.Status != domain.JobFailed {
		t.Fatalf("job status = %s, want failed", job.Status)
	}
	if job.CanResume {
		t.Fatal("non-resumable fatal left can_resume set")
	}
	if mustStep(t, fx, domain.StepScript).Status != domain.StepFailed {
		t.Fatal("ledger entry not failed")
	}
}

func TestEngineMergeFailureStampsMergeFailedAt(t *testing.T) {
	fx := newEngineFixture(t, quickPolicy(1), nil)

	stages := []Stage{
		runStage(domain.StepMerge, 0, 100, func(*jobrt.Context) error {
			return Transient(errors.New("merge task rejected"))
		}),
	}
	if err := fx.engine.Advance(fx.jobrtCtx, stages); err != nil {
		t.Fatalf("advance: %v", err)
	}
	job := fx.jobs.snapshot(fx.job.ID)
	if job.Status != domain.JobFailed {
		t.Fatalf("job status = %s, want failed", job.Status)
	}
	if job.MergeFailedAt == nil {
		t.Fatal("merge failure did not stamp merge_failed_at")
	}
}

func TestEnginePendingPollsWithoutRetryBump(t *testing.T) {
	fx := newEngineFixture(t, quickPolicy(3), nil)

	attempts := 0
	stages := []Stage{
		runStage(domain.StepVideoSegments, 0, 100, func(*jobrt.Context) error {
			attempts++
			if attempts == 1 {
				return Pending("2 render tasks still processing", 30*time.Second)
			}
			return nil
		}),
	}

	if err := fx.engine.Advance(fx.jobrtCtx, stages); err != nil {
		t.Fatalf("first advance: %v", err)
	}

	job := fx.jobs.snapshot(fx.job.ID)
	if job.Status != domain.JobGeneratingVideo {
		t.Fatalf("job status = %s, want generating_video", job.Status)
	}
	if job.LockedAt != nil {
		t.Fatal("pending poll should release the lease")
	}
	s := mustStep(t, fx, domain.StepVideoSegments)
	if s.Status != domain.StepProcessing {
		t.Fatalf("step status = %s, want processing", s.Status)
	}
	if s.RetryCount != 0 {
		t.Fatalf("pending poll bumped retry_count to %d", s.RetryCount)
	}
	if s.NextRunAt == nil {
		t.Fatal("pending poll missing next_run_at gate")
	}
	if fx.notify.retrying != 0 {
		t.Fatal("pending poll emitted a retry notification")
	}

	fx.engine.now = func() time.Time { return time.Now().Add(time.Hour) }
	if err := fx.engine.Advance(fx.jobrtCtx, stages); err != nil {
		t.Fatalf("second advance: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	if got := fx.jobs.snapshot(fx.job.ID).Status; got != domain.JobCompleted {
		t.Fatalf("job status = %s, want completed", got)
	}
}

func TestEngineBarrierWaitsUntilInputsReady(t *testing.T) {
	fx := newEngineFixture(t, quickPolicy(3), nil)

	remaining := 2
	mergeRuns := 0
	stages := []Stage{
		{
			Name:     domain.StepMerge,
			StartPct: 0,
			EndPct:   100,
			Barrier: func(*jobrt.Context) (int, error) {
				return remaining, nil
			},
			Run: func(*jobrt.Context) error {
				mergeRuns++
				return nil
			},
		},
	}

	if err := fx.engine.Advance(fx.jobrtCtx, stages); err != nil {
		t.Fatalf("first advance: %v", err)
	}
	if mergeRuns != 0 {
		t.Fatal("barrier did not hold the stage")
	}
	s := mustStep(t, fx, domain.StepMerge)
	if s.Status != domain.StepProcessing || s.NextRunAt == nil {
		t.Fatalf("barrier wait: status=%s next_run_at=%v", s.Status, s.NextRunAt)
	}

	remaining = 0
	fx.engine.now = func() time.Time { return time.Now().Add(time.Hour) }
	if err := fx.engine.Advance(fx.jobrtCtx, stages); err != nil {
		t.Fatalf("second advance: %v", err)
	}
	if mergeRuns != 1 {
		t.Fatalf("merge runs = %d, want 1", mergeRuns)
	}
	if got := fx.jobs.snapshot(fx.job.ID).Status; got != domain.JobCompleted {
		t.Fatalf("job status = %s, want completed", got)
	}
}

func TestEngineCancelledJobStopsBeforeStage(t *testing.T) {
	fx := newEngineFixture(t, quickPolicy(3), nil)
	_, _ = fx.jobs.UpdateFieldsUnlessStatus(dbcNone(), fx.job.ID, nil, map[string]interface{}{
		"status": domain.JobCancelled,
	})

	runs := 0
	stages := []Stage{
		runStage(domain.StepScript, 0, 100, func(*jobrt.Context) error {
			runs++
			return nil
		}),
	}
	if err := fx.engine.Advance(fx.jobrtCtx, stages); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if runs != 0 {
		t.Fatalf("cancelled job ran %d stages", runs)
	}
	if got := fx.jobs.snapshot(fx.job.ID).Status; got != domain.JobCancelled {
		t.Fatalf("job status = %s, want cancelled", got)
	}
	if mustStep(t, fx, domain.StepScript).Status != domain.StepPending {
		t.Fatal("cancelled job moved its ledger entry")
	}
}

type denyOnceQuota struct {
	denied bool
}

func (q *denyOnceQuota) MayStartStage(_ context.Context, _ *domain.VideoJob, _ string) error {
	if !q.denied {
		q.denied = true
		return errors.New("owner at concurrent job cap")
	}
	return nil
}

func TestEngineQuotaGateDelaysWithoutAttempt(t *testing.T) {
	quota := &denyOnceQuota{}
	fx := newEngineFixture(t, quickPolicy(3), quota)

	runs := 0
	stages := []Stage{
		runStage(domain.StepScript, 0, 100, func(*jobrt.Context) error {
			runs++
			return nil
		}),
	}

	if err := fx.engine.Advance(fx.jobrtCtx, stages); err != nil {
		t.Fatalf("first advance: %v", err)
	}
	if runs != 0 {
		t.Fatal("gated stage still ran")
	}
	s := mustStep(t, fx, domain.StepScript)
	if s.Status != domain.StepPending {
		t.Fatalf("gated step status = %s, want pending", s.Status)
	}
	if s.RetryCount != 0 {
		t.Fatal("quota gate consumed a retry attempt")
	}
	if fx.jobs.snapshot(fx.job.ID).RunAfter == nil {
		t.Fatal("quota gate did not set run_after")
	}

	if err := fx.engine.Advance(fx.jobrtCtx, stages); err != nil {
		t.Fatalf("second advance: %v", err)
	}
	if runs != 1 {
		t.Fatalf("runs = %d, want 1", runs)
	}
}

type denyHardQuota struct{}

func (denyHardQuota) MayStartStage(_ context.Context, _ *domain.VideoJob, _ string) error {
	return Fatal(errors.New("render minutes exhausted for owner"), true)
}

func TestEngineQuotaDenialFailsStage(t *testing.T) {
	fx := newEngineFixture(t, quickPolicy(3), denyHardQuota{})

	runs := 0
	stages := []Stage{
		runStage(domain.StepScript, 0, 100, func(*jobrt.Context) error {
			runs++
			return nil
		}),
	}
	if err := fx.engine.Advance(fx.jobrtCtx, stages); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if runs != 0 {
		t.Fatal("denied stage still ran")
	}
	job := fx.jobs.snapshot(fx.job.ID)
	if job.Status != domain.JobFailed {
		t.Fatalf("job status = %s, want failed", job.Status)
	}
	if job.FailedAtStep == nil || *job.FailedAtStep != domain.StepScript {
		t.Errorf("failed_at_step = %v, want script", job.FailedAtStep)
	}
	if !job.CanResume {
		t.Error("quota denial should leave the job resumable")
	}
	if mustStep(t, fx, domain.StepScript).Status != domain.StepFailed {
		t.Error("denied step should land failed in the ledger")
	}
}

func TestEngineFailedStepWaitsForResume(t *testing.T) {
	fx := newEngineFixture(t, quickPolicy(3), nil)
	fx.steps.seed(fx.job.ID, domain.StepScript, domain.StepFailed, 3)

	runs := 0
	stages := []Stage{
		runStage(domain.StepScript, 0, 100, func(*jobrt.Context) error {
			runs++
			return nil
		}),
	}
	if err := fx.engine.Advance(fx.jobrtCtx, stages); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if runs != 0 {
		t.Fatal("failed step ran without a resume re-arm")
	}
	if mustStep(t, fx, domain.StepScript).Status != domain.StepFailed {
		t.Fatal("failed ledger entry was mutated")
	}
}

func TestEngineRejectsBadStageList(t *testing.T) {
	cases := []struct {
		name   string
		stages []Stage
	}{
		{"empty", nil},
		{"duplicate names", []Stage{
			runStage("a", 0, 50, func(*jobrt.Context) error { return nil }),
			runStage("a", 50, 100, func(*jobrt.Context) error { return nil }),
		}},
		{"regressing progress", []Stage{
			runStage("a", 0, 80, func(*jobrt.Context) error { return nil }),
			runStage("b", 10, 40, func(*jobrt.Context) error { return nil }),
		}},
		{"out of range", []Stage{
			runStage("a", 0, 120, func(*jobrt.Context) error { return nil }),
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newEngineFixture(t, quickPolicy(3), nil)
			if err := fx.engine.Advance(fx.jobrtCtx, tc.stages); err != nil {
				t.Fatalf("advance: %v", err)
			}
			job := fx.jobs.snapshot(fx.job.ID)
			if job.Status != domain.JobFailed {
				t.Fatalf("job status = %s, want failed", job.Status)
			}
			if job.CanResume {
				t.Fatal("stage list validation failure should not be resumable")
			}
		})
	}
}

func TestEngineStagePanicIsFailure(t *testing.T) {
	fx := newEngineFixture(t, quickPolicy(1), nil)

	stages := []Stage{
		runStage(domain.StepImages, 0, 100, func(*jobrt.Context) error {
			panic("nil scene")
		}),
	}
	if err := fx.engine.Advance(fx.jobrtCtx, stages); err != nil {
		t.Fatalf("advance: %v", err)
	}
	job := fx.jobs.snapshot(fx.job.ID)
	if job.Status != domain.JobFailed {
		t.Fatalf("job status = %s, want failed", job.Status)
	}
	if job.Error == "" {
		t.Fatal("panic failure has empty error")
	}
}

func TestEngineStageTimeoutIsTransient(t *testing.T) {
	cfg := quickPolicy(2)
	cfg.Defaults.Timeout = 20 * time.Millisecond
	fx := newEngineFixture(t, cfg, nil)

	stages := []Stage{
		runStage(domain.StepAudio, 0, 100, func(jc *jobrt.Context) error {
			select {
			case <-jc.Ctx.Done():
				return jc.Ctx.Err()
			case <-time.After(5 * time.Second):
				return nil
			}
		}),
	}
	if err := fx.engine.Advance(fx.jobrtCtx, stages); err != nil {
		t.Fatalf("advance: %v", err)
	}
	job := fx.jobs.snapshot(fx.job.ID)
	if job.Status != domain.JobRetrying {
		t.Fatalf("job status = %s, want retrying after timeout", job.Status)
	}
	s := mustStep(t, fx, domain.StepAudio)
	if s.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", s.RetryCount)
	}
}

func TestEngineEmitsTimelineEvents(t *testing.T) {
	fx := newEngineFixture(t, quickPolicy(3), nil)

	stages := []Stage{
		runStage(domain.StepScript, 0, 100, func(*jobrt.Context) error { return nil }),
	}
	if err := fx.engine.Advance(fx.jobrtCtx, stages); err != nil {
		t.Fatalf("advance: %v", err)
	}
	kinds := fx.events.kinds()
	var sawProgress, sawCompleted bool
	for _, k := range kinds {
		switch k {
		case domain.JobEventProgress:
			sawProgress = true
		case domain.JobEventCompleted:
			sawCompleted = true
		}
	}
	if !sawProgress || !sawCompleted {
		t.Fatalf("timeline kinds = %v, want progress and completed", kinds)
	}
}

func dbcNone() dbctx.Context { return dbctx.Context{} }
