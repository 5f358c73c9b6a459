package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/fablecast/fablecast-backend/internal/data/repos"
	"github.com/fablecast/fablecast-backend/internal/domain"
	"github.com/fablecast/fablecast-backend/internal/platform/dbctx"
	"github.com/fablecast/fablecast-backend/internal/platform/logger"
)

func testLogger() *logger.Logger {
	return &logger.Logger{SugaredLogger: zap.NewNop().Sugar()}
}

func timeNow() time.Time { return time.Now() }

func stepUpdateNone() repos.StepUpdate { return repos.StepUpdate{} }

// fakeJobRepo is an in-memory VideoJobRepo. It reproduces the update-map
// semantics of the real repository closely enough for engine tests.
type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*domain.VideoJob
}

func newFakeJobRepo(seed ...*domain.VideoJob) *fakeJobRepo {
	r := &fakeJobRepo{jobs: map[uuid.UUID]*domain.VideoJob{}}
	for _, j := range seed {
		cp := *j
		r.jobs[j.ID] = &cp
	}
	return r
}

func (r *fakeJobRepo) snapshot(id uuid.UUID) *domain.VideoJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

func (r *fakeJobRepo) Create(_ dbctx.Context, job *domain.VideoJob) (*domain.VideoJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	cp := *job
	r.jobs[job.ID] = &cp
	return job, nil
}

func (r *fakeJobRepo) GetByID(_ dbctx.Context, id uuid.UUID) (*domain.VideoJob, error) {
	return r.snapshot(id), nil
}

func (r *fakeJobRepo) GetByIDForOwner(_ dbctx.Context, id, ownerUserID uuid.UUID) (*domain.VideoJob, error) {
	j := r.snapshot(id)
	if j == nil || j.OwnerUserID != ownerUserID {
		return nil, nil
	}
	return j, nil
}

func (r *fakeJobRepo) ListByOwner(_ dbctx.Context, ownerUserID uuid.UUID, _ int) ([]*domain.VideoJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.VideoJob
	for _, j := range r.jobs {
		if j.OwnerUserID == ownerUserID {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeJobRepo) ClaimNextRunnable(_ dbctx.Context, _ time.Duration) (*domain.VideoJob, error) {
	return nil, nil
}

func (r *fakeJobRepo) Release(_ dbctx.Context, id uuid.UUID, runAfter *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		j.LockedAt = nil
		j.HeartbeatAt = nil
		j.RunAfter = runAfter
	}
	return nil
}

func (r *fakeJobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	_, err := r.UpdateFieldsUnlessStatus(dbc, id, nil, updates)
	return err
}

func (r *fakeJobRepo) UpdateFieldsUnlessStatus(_ dbctx.Context, id uuid.UUID, disallowed []string, updates map[string]interface{}) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return false, nil
	}
	for _, s := range disallowed {
		if string(j.Status) == s {
			return false, nil
		}
	}
	applyJobUpdates(j, updates)
	return true, nil
}

func (r *fakeJobRepo) Heartbeat(_ dbctx.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok && j.LockedAt != nil {
		now := time.Now()
		j.HeartbeatAt = &now
	}
	return nil
}

func (r *fakeJobRepo) HasActiveForChapter(_ dbctx.Context, _ uuid.UUID, _ string) (bool, error) {
	return false, nil
}

func (r *fakeJobRepo) CountActiveByOwner(_ dbctx.Context, _ uuid.UUID) (int64, error) {
	return 0, nil
}

func applyJobUpdates(j *domain.VideoJob, updates map[string]interface{}) {
	for k, v := range updates {
		switch k {
		case "status":
			switch s := v.(type) {
			case domain.JobStatus:
				j.Status = s
			case string:
				j.Status = domain.JobStatus(s)
			}
		case "stage":
			if s, ok := v.(string); ok {
				j.Stage = s
			}
		case "progress":
			if n, ok := v.(int); ok {
				j.Progress = n
			}
		case "message":
			if s, ok := v.(string); ok {
				j.Message = s
			}
		case "error":
			if s, ok := v.(string); ok {
				j.Error = s
			}
		case "failed_at_step":
			j.FailedAtStep = asStringPtr(v)
		case "can_resume":
			if b, ok := v.(bool); ok {
				j.CanResume = b
			}
		case "retry_count":
			if n, ok := v.(int); ok {
				j.RetryCount = n
			}
		case "last_retry_at":
			j.LastRetryAt = asTimePtr(v)
		case "merge_failed_at":
			j.MergeFailedAt = asTimePtr(v)
		case "run_after":
			j.RunAfter = asTimePtr(v)
		case "locked_at":
			j.LockedAt = asTimePtr(v)
		case "heartbeat_at":
			j.HeartbeatAt = asTimePtr(v)
		case "pipeline_state":
			if raw, ok := v.(datatypes.JSON); ok {
				j.PipelineState = raw
			}
		case "updated_at":
			if t, ok := v.(time.Time); ok {
				j.UpdatedAt = t
			}
		}
	}
}

func asTimePtr(v interface{}) *time.Time {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		return &t
	case *time.Time:
		return t
	default:
		return nil
	}
}

func asStringPtr(v interface{}) *string {
	switch s := v.(type) {
	case nil:
		return nil
	case string:
		return &s
	case *string:
		return s
	default:
		return nil
	}
}

// fakeStepRepo mirrors the ledger semantics of the real JobStepRepo,
// including the monotonic transition check and timestamp stamping.
type fakeStepRepo struct {
	mu    sync.Mutex
	steps map[string]*domain.JobStep
}

func newFakeStepRepo() *fakeStepRepo {
	return &fakeStepRepo{steps: map[string]*domain.JobStep{}}
}

func stepKey(jobID uuid.UUID, name string) string {
	return jobID.String() + "/" + name
}

func (r *fakeStepRepo) GetOrCreate(_ dbctx.Context, jobID uuid.UUID, stepName string) (*domain.JobStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := stepKey(jobID, stepName)
	if s, ok := r.steps[key]; ok {
		cp := *s
		return &cp, nil
	}
	s := &domain.JobStep{
		ID:        uuid.New(),
		JobID:     jobID,
		StepName:  stepName,
		Status:    domain.StepPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	r.steps[key] = s
	cp := *s
	return &cp, nil
}

func (r *fakeStepRepo) Get(_ dbctx.Context, jobID uuid.UUID, stepName string) (*domain.JobStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.steps[stepKey(jobID, stepName)]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (r *fakeStepRepo) ListByJob(_ dbctx.Context, jobID uuid.UUID) ([]*domain.JobStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.JobStep
	for _, s := range r.steps {
		if s.JobID == jobID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeStepRepo) Transition(_ dbctx.Context, jobID uuid.UUID, stepName string, to domain.StepStatus, upd repos.StepUpdate) (*domain.JobStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.steps[stepKey(jobID, stepName)]
	if !ok {
		return nil, nil
	}
	if !domain.CanTransitionStep(s.Status, to) {
		return nil, repos.ErrStepTransition
	}
	now := time.Now()
	s.Status = to
	s.UpdatedAt = now
	switch to {
	case domain.StepProcessing:
		if s.StartedAt == nil {
			s.StartedAt = &now
		}
	case domain.StepCompleted, domain.StepSkipped:
		s.CompletedAt = &now
		s.NextRunAt = nil
		s.ErrorMessage = ""
	case domain.StepPending:
		s.StartedAt = nil
		s.CompletedAt = nil
		s.NextRunAt = nil
		s.ErrorMessage = ""
	}
	if upd.ErrorMessage != nil {
		s.ErrorMessage = *upd.ErrorMessage
	}
	if upd.StepData != nil {
		s.StepData = upd.StepData
	}
	if upd.NextRunAt != nil {
		s.NextRunAt = upd.NextRunAt
	} else if upd.ClearNextRun {
		s.NextRunAt = nil
	}
	if upd.BumpRetry {
		s.RetryCount++
	}
	if upd.ResetRetry {
		s.RetryCount = 0
	}
	cp := *s
	return &cp, nil
}

func (r *fakeStepRepo) SetStepData(_ dbctx.Context, jobID uuid.UUID, stepName string, data datatypes.JSON) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.steps[stepKey(jobID, stepName)]; ok {
		s.StepData = data
	}
	return nil
}

func (r *fakeStepRepo) seed(jobID uuid.UUID, stepName string, status domain.StepStatus, retries int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[stepKey(jobID, stepName)] = &domain.JobStep{
		ID:         uuid.New(),
		JobID:      jobID,
		StepName:   stepName,
		Status:     status,
		RetryCount: retries,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
}

type fakeEventRepo struct {
	mu     sync.Mutex
	events []*domain.JobProgressEvent
}

func (r *fakeEventRepo) Append(_ dbctx.Context, ev *domain.JobProgressEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *ev
	r.events = append(r.events, &cp)
	return nil
}

func (r *fakeEventRepo) ListByJob(_ dbctx.Context, jobID uuid.UUID, _ int) ([]*domain.JobProgressEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.JobProgressEvent
	for _, ev := range r.events {
		if ev.JobID == jobID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (r *fakeEventRepo) kinds() []domain.JobEventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.JobEventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

// recordingNotifier counts notifications per kind.
type recordingNotifier struct {
	mu        sync.Mutex
	progress  int
	retrying  int
	failed    int
	resumed   int
	cancelled int
	done      int
}

func (n *recordingNotifier) JobProgress(_ uuid.UUID, _ *domain.VideoJob, _ string, _ int, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress++
}

func (n *recordingNotifier) JobRetrying(_ uuid.UUID, _ *domain.VideoJob, _ string, _ int, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.retrying++
}

func (n *recordingNotifier) JobFailed(_ uuid.UUID, _ *domain.VideoJob, _ string, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed++
}

func (n *recordingNotifier) JobResumed(_ uuid.UUID, _ *domain.VideoJob, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resumed++
}

func (n *recordingNotifier) JobCancelled(_ uuid.UUID, _ *domain.VideoJob) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled++
}

func (n *recordingNotifier) JobDone(_ uuid.UUID, _ *domain.VideoJob) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.done++
}
