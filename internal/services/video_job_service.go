package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fablecast/fablecast-backend/internal/data/repos"
	"github.com/fablecast/fablecast-backend/internal/domain"
	"github.com/fablecast/fablecast-backend/internal/jobs/orchestrator"
	"github.com/fablecast/fablecast-backend/internal/platform/apierr"
	"github.com/fablecast/fablecast-backend/internal/platform/dbctx"
	"github.com/fablecast/fablecast-backend/internal/platform/envutil"
	"github.com/fablecast/fablecast-backend/internal/platform/logger"
)

// CreateJobRequest is the decoded POST /api/jobs body.
type CreateJobRequest struct {
	ChapterRef  string             `json:"chapter_ref"`
	ScriptRef   string             `json:"script_ref,omitempty"`
	QualityTier string             `json:"quality_tier,omitempty"`
	Options     domain.JobOptions  `json:"options"`
}

// JobView is the status payload: job row plus ledger and timeline.
type JobView struct {
	Job       *domain.VideoJob          `json:"job"`
	Steps     []*domain.JobStep         `json:"steps"`
	Timeline  []*domain.JobProgressEvent `json:"timeline"`
	Artifacts *JobArtifacts             `json:"artifacts,omitempty"`
}

// JobArtifacts bundles every produced asset row for one job.
type JobArtifacts struct {
	Images   []*domain.SceneImage   `json:"images"`
	Audio    []*domain.AudioTrack   `json:"audio"`
	Segments []*domain.VideoSegment `json:"segments"`
	Merged   *domain.MergedVideo    `json:"merged,omitempty"`
}

type VideoJobService interface {
	Create(dbc dbctx.Context, ownerUserID uuid.UUID, req CreateJobRequest) (*domain.VideoJob, error)
	GetForOwner(dbc dbctx.Context, ownerUserID, jobID uuid.UUID) (*JobView, error)
	ListForOwner(dbc dbctx.Context, ownerUserID uuid.UUID, limit int) ([]*domain.VideoJob, error)
	ArtifactsForOwner(dbc dbctx.Context, ownerUserID, jobID uuid.UUID) (*JobArtifacts, error)
	Resume(ctx context.Context, ownerUserID, jobID uuid.UUID) (*domain.VideoJob, error)
	Cancel(dbc dbctx.Context, ownerUserID, jobID uuid.UUID) (*domain.VideoJob, error)
}

type videoJobService struct {
	db     *gorm.DB
	log    *logger.Logger
	repos  *repos.All
	resume *orchestrator.ResumeController
	notify *JobNotifier

	maxActivePerOwner int
	maxScenes         int
}

func NewVideoJobService(
	db *gorm.DB,
	baseLog *logger.Logger,
	r *repos.All,
	resume *orchestrator.ResumeController,
	notify *JobNotifier,
) VideoJobService {
	return &videoJobService{
		db:                db,
		log:               baseLog.With("service", "VideoJobService"),
		repos:             r,
		resume:            resume,
		notify:            notify,
		maxActivePerOwner: envutil.Int("JOB_MAX_ACTIVE_PER_OWNER", 5),
		maxScenes:         envutil.Int("JOB_MAX_SCENES", 20),
	}
}

var validQualityTiers = map[string]bool{
	"standard": true,
	"high":     true,
}

func (s *videoJobService) Create(dbc dbctx.Context, ownerUserID uuid.UUID, req CreateJobRequest) (*domain.VideoJob, error) {
	if ownerUserID == uuid.Nil {
		return nil, apierr.New(http.StatusUnauthorized, "missing_owner", fmt.Errorf("missing owner user id"))
	}
	chapterRef := strings.TrimSpace(req.ChapterRef)
	if chapterRef == "" {
		return nil, apierr.New(http.StatusBadRequest, "missing_chapter_ref", fmt.Errorf("chapter_ref is required"))
	}
	tier := strings.TrimSpace(req.QualityTier)
	if tier == "" {
		tier = "standard"
	}
	if !validQualityTiers[tier] {
		return nil, apierr.New(http.StatusBadRequest, "invalid_quality_tier", fmt.Errorf("unknown quality tier %q", tier))
	}
	if req.Options.MaxScenes < 0 {
		return nil, apierr.New(http.StatusBadRequest, "invalid_max_scenes", fmt.Errorf("max_scenes must be >= 0"))
	}
	if req.Options.MaxScenes == 0 || req.Options.MaxScenes > s.maxScenes {
		req.Options.MaxScenes = s.maxScenes
	}

	active, err := s.repos.VideoJob.HasActiveForChapter(dbc, ownerUserID, chapterRef)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, apierr.New(http.StatusConflict, "job_already_active", fmt.Errorf("a job for chapter %s is already running", chapterRef))
	}
	count, err := s.repos.VideoJob.CountActiveByOwner(dbc, ownerUserID)
	if err != nil {
		return nil, err
	}
	if count >= int64(s.maxActivePerOwner) {
		return nil, apierr.New(http.StatusTooManyRequests, "too_many_active_jobs", fmt.Errorf("active job limit (%d) reached", s.maxActivePerOwner))
	}

	optsRaw, err := json.Marshal(req.Options)
	if err != nil {
		return nil, err
	}
	stateRaw, err := domain.NewPipelineState().Encode()
	if err != nil {
		return nil, err
	}

	job := &domain.VideoJob{
		OwnerUserID:   ownerUserID,
		ChapterRef:    chapterRef,
		ScriptRef:     strings.TrimSpace(req.ScriptRef),
		QualityTier:   tier,
		JobType:       "video_generate",
		Options:       datatypes.JSON(optsRaw),
		Status:        domain.JobPending,
		Stage:         domain.StepScript,
		PipelineState: stateRaw,
	}
	if _, err := s.repos.VideoJob.Create(dbc, job); err != nil {
		return nil, err
	}

	// Seed the full ledger up front so the status view shows every stage.
	for _, name := range domain.StepSequence() {
		if _, err := s.repos.JobStep.GetOrCreate(dbc, job.ID, name); err != nil {
			return nil, err
		}
	}

	_ = s.repos.ProgressEvent.Append(dbc, &domain.JobProgressEvent{
		JobID:       job.ID,
		OwnerUserID: ownerUserID,
		Kind:        domain.JobEventCreated,
		Status:      domain.JobPending,
		Stage:       domain.StepScript,
		Message:     "job queued",
	})

	s.log.Info("Job created",
		"job_id", job.ID,
		"owner_user_id", ownerUserID,
		"chapter_ref", chapterRef,
		"quality_tier", tier,
	)
	return job, nil
}

func (s *videoJobService) GetForOwner(dbc dbctx.Context, ownerUserID, jobID uuid.UUID) (*JobView, error) {
	job, err := s.repos.VideoJob.GetByIDForOwner(dbc, jobID, ownerUserID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, apierr.New(http.StatusNotFound, "job_not_found", fmt.Errorf("job %s not found", jobID))
	}
	steps, err := s.repos.JobStep.ListByJob(dbc, jobID)
	if err != nil {
		return nil, err
	}
	timeline, err := s.repos.ProgressEvent.ListByJob(dbc, jobID, 0)
	if err != nil {
		return nil, err
	}
	artifacts, err := s.collectArtifacts(dbc, jobID)
	if err != nil {
		return nil, err
	}
	return &JobView{Job: job, Steps: steps, Timeline: timeline, Artifacts: artifacts}, nil
}

func (s *videoJobService) ListForOwner(dbc dbctx.Context, ownerUserID uuid.UUID, limit int) ([]*domain.VideoJob, error) {
	if ownerUserID == uuid.Nil {
		return nil, apierr.New(http.StatusUnauthorized, "missing_owner", fmt.Errorf("missing owner user id"))
	}
	return s.repos.VideoJob.ListByOwner(dbc, ownerUserID, limit)
}

func (s *videoJobService) ArtifactsForOwner(dbc dbctx.Context, ownerUserID, jobID uuid.UUID) (*JobArtifacts, error) {
	job, err := s.repos.VideoJob.GetByIDForOwner(dbc, jobID, ownerUserID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, apierr.New(http.StatusNotFound, "job_not_found", fmt.Errorf("job %s not found", jobID))
	}
	return s.collectArtifacts(dbc, jobID)
}

func (s *videoJobService) collectArtifacts(dbc dbctx.Context, jobID uuid.UUID) (*JobArtifacts, error) {
	images, err := s.repos.SceneImage.ListByJob(dbc, jobID)
	if err != nil {
		return nil, err
	}
	audio, err := s.repos.AudioTrack.ListByJob(dbc, jobID)
	if err != nil {
		return nil, err
	}
	segments, err := s.repos.VideoSegment.ListByJob(dbc, jobID, "")
	if err != nil {
		return nil, err
	}
	merged, err := s.repos.MergedVideo.GetByJob(dbc, jobID)
	if err != nil {
		return nil, err
	}
	return &JobArtifacts{Images: images, Audio: audio, Segments: segments, Merged: merged}, nil
}

func (s *videoJobService) Resume(ctx context.Context, ownerUserID, jobID uuid.UUID) (*domain.VideoJob, error) {
	if s.resume == nil {
		return nil, apierr.New(http.StatusServiceUnavailable, "resume_unavailable", fmt.Errorf("resume controller not configured"))
	}
	job, err := s.resume.Resume(ctx, jobID, ownerUserID)
	if err != nil {
		switch {
		case err == orchestrator.ErrJobNotFound:
			return nil, apierr.New(http.StatusNotFound, "job_not_found", err)
		case err == orchestrator.ErrNotResumable:
			return nil, apierr.New(http.StatusConflict, "job_not_resumable", err)
		case err == orchestrator.ErrResumeExhausted:
			return nil, apierr.New(http.StatusConflict, "resume_attempts_exhausted", err)
		}
		if _, ok := orchestrator.IsPrerequisiteLost(err); ok {
			return nil, apierr.New(http.StatusConflict, "prerequisite_lost", err)
		}
		return nil, err
	}
	return job, nil
}

func (s *videoJobService) Cancel(dbc dbctx.Context, ownerUserID, jobID uuid.UUID) (*domain.VideoJob, error) {
	job, err := s.repos.VideoJob.GetByIDForOwner(dbc, jobID, ownerUserID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, apierr.New(http.StatusNotFound, "job_not_found", fmt.Errorf("job %s not found", jobID))
	}
	if job.Status.Terminal() {
		return nil, apierr.New(http.StatusConflict, "job_already_terminal", fmt.Errorf("job is already %s", job.Status))
	}

	// Guard against racing a completing worker: the cancel only lands if the
	// job has not gone terminal in the meantime.
	ok, err := s.repos.VideoJob.UpdateFieldsUnlessStatus(dbc, jobID, []string{
		string(domain.JobCompleted),
		string(domain.JobFailed),
		string(domain.JobCancelled),
	}, map[string]interface{}{
		"status":     domain.JobCancelled,
		"message":    "cancelled by owner",
		"can_resume": false,
		"locked_at":  nil,
		"run_after":  nil,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apierr.New(http.StatusConflict, "job_already_terminal", fmt.Errorf("job reached a terminal state before the cancel"))
	}

	job.Status = domain.JobCancelled
	job.Message = "cancelled by owner"
	job.CanResume = false
	job.LockedAt = nil
	job.RunAfter = nil

	_ = s.repos.ProgressEvent.Append(dbc, &domain.JobProgressEvent{
		JobID:       job.ID,
		OwnerUserID: ownerUserID,
		Kind:        domain.JobEventCancelled,
		Status:      domain.JobCancelled,
		Stage:       job.Stage,
		Progress:    job.Progress,
		Message:     "cancelled by owner",
	})
	if s.notify != nil {
		s.notify.JobCancelled(ownerUserID, job)
	}

	s.log.Info("Job cancelled", "job_id", job.ID, "owner_user_id", ownerUserID)
	return job, nil
}
