package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/fablecast/fablecast-backend/internal/clients/openai"
	"github.com/fablecast/fablecast-backend/internal/clients/renderfarm"
	"github.com/fablecast/fablecast-backend/internal/clients/voice"
	"github.com/fablecast/fablecast-backend/internal/data/repos"
	"github.com/fablecast/fablecast-backend/internal/domain"
	"github.com/fablecast/fablecast-backend/internal/platform/dbctx"
	"github.com/fablecast/fablecast-backend/internal/platform/gcs"
	"github.com/fablecast/fablecast-backend/internal/platform/logger"
)

func testLogger() *logger.Logger {
	return &logger.Logger{SugaredLogger: zap.NewNop().Sugar()}
}

// ---------------- job repo ----------------

type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*domain.VideoJob
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[uuid.UUID]*domain.VideoJob{}}
}

func (r *fakeJobRepo) Create(_ dbctx.Context, job *domain.VideoJob) (*domain.VideoJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	r.jobs[job.ID] = job
	return job, nil
}

func (r *fakeJobRepo) GetByID(_ dbctx.Context, id uuid.UUID) (*domain.VideoJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (r *fakeJobRepo) GetByIDForOwner(dbc dbctx.Context, id, owner uuid.UUID) (*domain.VideoJob, error) {
	j, err := r.GetByID(dbc, id)
	if err != nil || j == nil || j.OwnerUserID != owner {
		return nil, err
	}
	return j, nil
}

func (r *fakeJobRepo) ListByOwner(_ dbctx.Context, _ uuid.UUID, _ int) ([]*domain.VideoJob, error) {
	return nil, nil
}

func (r *fakeJobRepo) ClaimNextRunnable(_ dbctx.Context, _ time.Duration) (*domain.VideoJob, error) {
	return nil, nil
}

func (r *fakeJobRepo) Release(_ dbctx.Context, id uuid.UUID, runAfter *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		j.LockedAt = nil
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
	for k, v := range updates {
		switch k {
		case "status":
			j.Status = v.(domain.JobStatus)
		case "stage":
			j.Stage = v.(string)
		case "progress":
			j.Progress = v.(int)
		case "message":
			j.Message = v.(string)
		case "error":
			if s, ok := v.(string); ok {
				j.Error = s
			}
		case "pipeline_state":
			j.PipelineState = v.(datatypes.JSON)
		}
	}
	return true, nil
}

func (r *fakeJobRepo) Heartbeat(_ dbctx.Context, _ uuid.UUID) error { return nil }

func (r *fakeJobRepo) HasActiveForChapter(_ dbctx.Context, _ uuid.UUID, _ string) (bool, error) {
	return false, nil
}

func (r *fakeJobRepo) CountActiveByOwner(_ dbctx.Context, _ uuid.UUID) (int64, error) {
	return 0, nil
}

var _ repos.VideoJobRepo = (*fakeJobRepo)(nil)

// ---------------- step repo ----------------

type fakeStepRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]map[string]*domain.JobStep
}

func newFakeStepRepo() *fakeStepRepo {
	return &fakeStepRepo{rows: map[uuid.UUID]map[string]*domain.JobStep{}}
}

func (r *fakeStepRepo) GetOrCreate(_ dbctx.Context, jobID uuid.UUID, name string) (*domain.JobStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byName, ok := r.rows[jobID]
	if !ok {
		byName = map[string]*domain.JobStep{}
		r.rows[jobID] = byName
	}
	if step, ok := byName[name]; ok {
		cp := *step
		return &cp, nil
	}
	step := &domain.JobStep{ID: uuid.New(), JobID: jobID, StepName: name, Status: domain.StepPending}
	byName[name] = step
	cp := *step
	return &cp, nil
}

func (r *fakeStepRepo) Get(_ dbctx.Context, jobID uuid.UUID, name string) (*domain.JobStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if step, ok := r.rows[jobID][name]; ok {
		cp := *step
		return &cp, nil
	}
	return nil, nil
}

func (r *fakeStepRepo) ListByJob(_ dbctx.Context, jobID uuid.UUID) ([]*domain.JobStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.JobStep
	for _, s := range r.rows[jobID] {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepName < out[j].StepName })
	return out, nil
}

func (r *fakeStepRepo) Transition(_ dbctx.Context, jobID uuid.UUID, name string, to domain.StepStatus, upd repos.StepUpdate) (*domain.JobStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	step, ok := r.rows[jobID][name]
	if !ok {
		return nil, fmt.Errorf("step %s missing", name)
	}
	if !domain.CanTransitionStep(step.Status, to) {
		return nil, repos.ErrStepTransition
	}
	step.Status = to
	if upd.ErrorMessage != nil {
		step.ErrorMessage = *upd.ErrorMessage
	}
	if upd.StepData != nil {
		step.StepData = upd.StepData
	}
	if upd.NextRunAt != nil {
		step.NextRunAt = upd.NextRunAt
	}
	if upd.ClearNextRun {
		step.NextRunAt = nil
	}
	if upd.BumpRetry {
		step.RetryCount++
	}
	if upd.ResetRetry {
		step.RetryCount = 0
	}
	cp := *step
	return &cp, nil
}

func (r *fakeStepRepo) SetStepData(_ dbctx.Context, jobID uuid.UUID, name string, data datatypes.JSON) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	step, ok := r.rows[jobID][name]
	if !ok {
		step = &domain.JobStep{ID: uuid.New(), JobID: jobID, StepName: name, Status: domain.StepProcessing}
		if r.rows[jobID] == nil {
			r.rows[jobID] = map[string]*domain.JobStep{}
		}
		r.rows[jobID][name] = step
	}
	step.StepData = data
	return nil
}

var _ repos.JobStepRepo = (*fakeStepRepo)(nil)

// ---------------- event repo / notifier ----------------

type fakeEventRepo struct {
	mu     sync.Mutex
	events []*domain.JobProgressEvent
}

func (r *fakeEventRepo) Append(_ dbctx.Context, ev *domain.JobProgressEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *fakeEventRepo) ListByJob(_ dbctx.Context, _ uuid.UUID, _ int) ([]*domain.JobProgressEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.JobProgressEvent(nil), r.events...), nil
}

var _ repos.ProgressEventRepo = (*fakeEventRepo)(nil)

type nopNotifier struct{}

func (nopNotifier) JobProgress(uuid.UUID, *domain.VideoJob, string, int, string) {}
func (nopNotifier) JobRetrying(uuid.UUID, *domain.VideoJob, string, int, string) {}
func (nopNotifier) JobFailed(uuid.UUID, *domain.VideoJob, string, string)        {}
func (nopNotifier) JobResumed(uuid.UUID, *domain.VideoJob, string)               {}
func (nopNotifier) JobCancelled(uuid.UUID, *domain.VideoJob)                     {}
func (nopNotifier) JobDone(uuid.UUID, *domain.VideoJob)                          {}

// ---------------- bucket ----------------

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: map[string][]byte{}}
}

func (b *fakeBucket) objectKey(cat gcs.BucketCategory, key string) string {
	return string(cat) + "/" + key
}

func (b *fakeBucket) put(cat gcs.BucketCategory, key string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[b.objectKey(cat, key)] = data
}

func (b *fakeBucket) UploadFile(_ context.Context, cat gcs.BucketCategory, key string, file io.Reader) error {
	data, err := io.ReadAll(file)
	if err != nil {
		return err
	}
	b.put(cat, key, data)
	return nil
}

func (b *fakeBucket) DeleteFile(_ context.Context, cat gcs.BucketCategory, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, b.objectKey(cat, key))
	return nil
}

func (b *fakeBucket) DownloadFile(_ context.Context, cat gcs.BucketCategory, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[b.objectKey(cat, key)]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *fakeBucket) Exists(_ context.Context, cat gcs.BucketCategory, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[b.objectKey(cat, key)]
	return ok, nil
}

func (b *fakeBucket) ListKeys(_ context.Context, cat gcs.BucketCategory, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for k := range b.objects {
		if strings.HasPrefix(k, b.objectKey(cat, prefix)) {
			out = append(out, strings.TrimPrefix(k, string(cat)+"/"))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (b *fakeBucket) DeletePrefix(ctx context.Context, cat gcs.BucketCategory, prefix string) error {
	keys, _ := b.ListKeys(ctx, cat, prefix)
	for _, k := range keys {
		_ = b.DeleteFile(ctx, cat, k)
	}
	return nil
}

func (b *fakeBucket) GetPublicURL(cat gcs.BucketCategory, key string) string {
	return "https://cdn.test/" + string(cat) + "/" + key
}

var _ gcs.BucketService = (*fakeBucket)(nil)

// ---------------- provider clients ----------------

type fakeAI struct {
	mu         sync.Mutex
	jsonOut    map[string]any
	jsonErr    error
	jsonCalls  int
	imageCalls int
	imageErr   error
}

func (a *fakeAI) GenerateJSON(_ context.Context, _, _, _ string, _ map[string]any) (map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jsonCalls++
	if a.jsonErr != nil {
		return nil, a.jsonErr
	}
	return a.jsonOut, nil
}

func (a *fakeAI) GenerateText(_ context.Context, _, _ string) (string, error) {
	return "", fmt.Errorf("not used")
}

func (a *fakeAI) GenerateImage(_ context.Context, prompt string) (openai.ImageGeneration, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.imageCalls++
	if a.imageErr != nil {
		return openai.ImageGeneration{}, a.imageErr
	}
	return openai.ImageGeneration{Bytes: []byte("png:" + prompt), MimeType: "image/png"}, nil
}

var _ openai.Client = (*fakeAI)(nil)

type fakeTTS struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (t *fakeTTS) Synthesize(_ context.Context, text, _ string) (voice.Synthesis, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if t.err != nil {
		return voice.Synthesis{}, t.err
	}
	return voice.Synthesis{Bytes: []byte("mp3:" + text), MimeType: "audio/mpeg", DurationSec: 4}, nil
}

var _ voice.Client = (*fakeTTS)(nil)

type fakeFarm struct {
	mu      sync.Mutex
	nextID  int
	tasks   map[string]*renderfarm.Task
	submits int
}

func newFakeFarm() *fakeFarm {
	return &fakeFarm{tasks: map[string]*renderfarm.Task{}}
}

func (f *fakeFarm) submit() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.submits++
	id := fmt.Sprintf("task-%d", f.nextID)
	f.tasks[id] = &renderfarm.Task{ID: id, State: renderfarm.TaskProcessing}
	return id, nil
}

func (f *fakeFarm) SubmitRender(_ context.Context, _ renderfarm.RenderSpec) (string, error) {
	return f.submit()
}

func (f *fakeFarm) SubmitLipsync(_ context.Context, _ renderfarm.LipsyncSpec) (string, error) {
	return f.submit()
}

func (f *fakeFarm) SubmitMerge(_ context.Context, _ renderfarm.MergeSpec) (string, error) {
	return f.submit()
}

func (f *fakeFarm) TaskStatus(_ context.Context, taskID string) (renderfarm.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[taskID]; ok {
		return *t, nil
	}
	return renderfarm.Task{}, fmt.Errorf("task %s not found", taskID)
}

func (f *fakeFarm) Download(_ context.Context, url string) ([]byte, string, error) {
	return []byte("mp4:" + url), "video/mp4", nil
}

// completeAll moves every known task to completed with an output URL.
func (f *fakeFarm) completeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, t := range f.tasks {
		t.State = renderfarm.TaskCompleted
		t.OutputURL = "https://farm.test/out/" + id
		t.DurationSec = 6
	}
}

func (f *fakeFarm) failTask(id, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[id]; ok {
		t.State = renderfarm.TaskFailed
		t.Error = msg
	}
}

var _ renderfarm.Client = (*fakeFarm)(nil)

// ---------------- media repos ----------------

type fakeImageRepo struct {
	mu   sync.Mutex
	rows map[int]*domain.SceneImage
}

func newFakeImageRepo() *fakeImageRepo { return &fakeImageRepo{rows: map[int]*domain.SceneImage{}} }

func (r *fakeImageRepo) EnsurePending(_ dbctx.Context, jobID uuid.UUID, idx int, prompt string) (*domain.SceneImage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[idx]; ok {
		cp := *row
		return &cp, nil
	}
	row := &domain.SceneImage{ID: uuid.New(), JobID: jobID, SceneIndex: idx, Status: domain.ArtifactPending, Prompt: prompt}
	r.rows[idx] = row
	cp := *row
	return &cp, nil
}

func (r *fakeImageRepo) ListByJob(_ dbctx.Context, _ uuid.UUID) ([]*domain.SceneImage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.SceneImage
	for _, row := range r.rows {
		cp := *row
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SceneIndex < out[j].SceneIndex })
	return out, nil
}

func (r *fakeImageRepo) UpdateFields(_ dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID != id {
			continue
		}
		applyArtifactUpdates(updates,
			&row.Status, &row.URL, &row.StorageKey, &row.Error, nil, nil)
		return nil
	}
	return fmt.Errorf("image row %s not found", id)
}

func (r *fakeImageRepo) CountByStatus(_ dbctx.Context, _ uuid.UUID, status domain.ArtifactStatus) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, row := range r.rows {
		if row.Status == status {
			n++
		}
	}
	return n, nil
}

var _ repos.SceneImageRepo = (*fakeImageRepo)(nil)

type fakeAudioRepo struct {
	mu   sync.Mutex
	rows map[int]*domain.AudioTrack
}

func newFakeAudioRepo() *fakeAudioRepo { return &fakeAudioRepo{rows: map[int]*domain.AudioTrack{}} }

func (r *fakeAudioRepo) EnsurePending(_ dbctx.Context, jobID uuid.UUID, idx int, voiceID string) (*domain.AudioTrack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[idx]; ok {
		cp := *row
		return &cp, nil
	}
	row := &domain.AudioTrack{ID: uuid.New(), JobID: jobID, SceneIndex: idx, Status: domain.ArtifactPending, VoiceID: voiceID}
	r.rows[idx] = row
	cp := *row
	return &cp, nil
}

func (r *fakeAudioRepo) ListByJob(_ dbctx.Context, _ uuid.UUID) ([]*domain.AudioTrack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.AudioTrack
	for _, row := range r.rows {
		cp := *row
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SceneIndex < out[j].SceneIndex })
	return out, nil
}

func (r *fakeAudioRepo) UpdateFields(_ dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID != id {
			continue
		}
		applyArtifactUpdates(updates,
			&row.Status, &row.URL, &row.StorageKey, &row.Error, &row.DurationSec, nil)
		return nil
	}
	return fmt.Errorf("audio row %s not found", id)
}

func (r *fakeAudioRepo) CountByStatus(_ dbctx.Context, _ uuid.UUID, status domain.ArtifactStatus) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, row := range r.rows {
		if row.Status == status {
			n++
		}
	}
	return n, nil
}

var _ repos.AudioTrackRepo = (*fakeAudioRepo)(nil)

type segKey struct {
	idx  int
	kind domain.SegmentKind
}

type fakeSegmentRepo struct {
	mu   sync.Mutex
	rows map[segKey]*domain.VideoSegment
}

func newFakeSegmentRepo() *fakeSegmentRepo {
	return &fakeSegmentRepo{rows: map[segKey]*domain.VideoSegment{}}
}

func (r *fakeSegmentRepo) EnsurePending(_ dbctx.Context, jobID uuid.UUID, idx int, kind domain.SegmentKind, src *uuid.UUID) (*domain.VideoSegment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := segKey{idx: idx, kind: kind}
	if row, ok := r.rows[k]; ok {
		cp := *row
		return &cp, nil
	}
	row := &domain.VideoSegment{
		ID: uuid.New(), JobID: jobID, SceneIndex: idx,
		Kind: kind, SourceSegmentID: src, Status: domain.ArtifactPending,
	}
	r.rows[k] = row
	cp := *row
	return &cp, nil
}

func (r *fakeSegmentRepo) ListByJob(_ dbctx.Context, _ uuid.UUID, kind domain.SegmentKind) ([]*domain.VideoSegment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.VideoSegment
	for k, row := range r.rows {
		if kind != "" && k.kind != kind {
			continue
		}
		cp := *row
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SceneIndex < out[j].SceneIndex })
	return out, nil
}

func (r *fakeSegmentRepo) UpdateFields(_ dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID != id {
			continue
		}
		applyArtifactUpdates(updates,
			&row.Status, &row.URL, &row.StorageKey, &row.Error, &row.DurationSec, &row.TaskID)
		return nil
	}
	return fmt.Errorf("segment row %s not found", id)
}

func (r *fakeSegmentRepo) CountByStatus(_ dbctx.Context, _ uuid.UUID, kind domain.SegmentKind, status domain.ArtifactStatus) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, row := range r.rows {
		if kind != "" && k.kind != kind {
			continue
		}
		if row.Status == status {
			n++
		}
	}
	return n, nil
}

var _ repos.VideoSegmentRepo = (*fakeSegmentRepo)(nil)

type fakeMergedRepo struct {
	mu  sync.Mutex
	row *domain.MergedVideo
}

func (r *fakeMergedRepo) EnsurePending(_ dbctx.Context, jobID uuid.UUID) (*domain.MergedVideo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.row == nil {
		r.row = &domain.MergedVideo{ID: uuid.New(), JobID: jobID, Status: domain.ArtifactPending}
	}
	cp := *r.row
	return &cp, nil
}

func (r *fakeMergedRepo) GetByJob(_ dbctx.Context, _ uuid.UUID) (*domain.MergedVideo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.row == nil {
		return nil, nil
	}
	cp := *r.row
	return &cp, nil
}

func (r *fakeMergedRepo) UpdateFields(_ dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.row == nil || r.row.ID != id {
		return fmt.Errorf("merged row %s not found", id)
	}
	applyArtifactUpdates(updates,
		&r.row.Status, &r.row.URL, &r.row.StorageKey, &r.row.Error, &r.row.DurationSec, &r.row.TaskID)
	if v, ok := updates["lipsync_applied"].(bool); ok {
		r.row.LipsyncApplied = v
	}
	if v, ok := updates["poster_url"].(string); ok {
		r.row.PosterURL = v
	}
	return nil
}

var _ repos.MergedVideoRepo = (*fakeMergedRepo)(nil)

// applyArtifactUpdates mirrors the UpdateFields map convention the gorm repos
// use onto an in-memory row. Nil targets skip fields a row type lacks.
func applyArtifactUpdates(updates map[string]interface{}, status *domain.ArtifactStatus, url, storageKey, errMsg *string, durationSec *float64, taskID *string) {
	if v, ok := updates["status"].(domain.ArtifactStatus); ok && status != nil {
		*status = v
	}
	if v, ok := updates["url"].(string); ok && url != nil {
		*url = v
	}
	if v, ok := updates["storage_key"].(string); ok && storageKey != nil {
		*storageKey = v
	}
	if v, ok := updates["error"].(string); ok && errMsg != nil {
		*errMsg = v
	}
	if durationSec != nil {
		if v, ok := updates["duration_sec"].(float64); ok {
			*durationSec = v
		}
	}
	if taskID != nil {
		if v, ok := updates["task_id"].(string); ok {
			*taskID = v
		}
	}
}

// ---------------- poster ----------------

type fakePoster struct {
	calls int
	err   error
}

func (p *fakePoster) CreateAndUploadPoster(_ context.Context, job *domain.VideoJob, _ *domain.PipelineState) (string, string, error) {
	p.calls++
	if p.err != nil {
		return "", "", p.err
	}
	key := "poster/" + job.ID.String() + "/poster.png"
	return "https://cdn.test/poster/" + key, key, nil
}
