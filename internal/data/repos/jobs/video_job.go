package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fablecast/fablecast-backend/internal/domain"
	"github.com/fablecast/fablecast-backend/internal/platform/dbctx"
	"github.com/fablecast/fablecast-backend/internal/platform/logger"
)

type VideoJobRepo interface {
	Create(dbc dbctx.Context, job *domain.VideoJob) (*domain.VideoJob, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.VideoJob, error)
	GetByIDForOwner(dbc dbctx.Context, id, ownerUserID uuid.UUID) (*domain.VideoJob, error)
	ListByOwner(dbc dbctx.Context, ownerUserID uuid.UUID, limit int) ([]*domain.VideoJob, error)
	ClaimNextRunnable(dbc dbctx.Context, staleRunning time.Duration) (*domain.VideoJob, error)
	Release(dbc dbctx.Context, id uuid.UUID, runAfter *time.Time) error
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error)
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
	HasActiveForChapter(dbc dbctx.Context, ownerUserID uuid.UUID, chapterRef string) (bool, error)
	CountActiveByOwner(dbc dbctx.Context, ownerUserID uuid.UUID) (int64, error)
}

type videoJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewVideoJobRepo(db *gorm.DB, baseLog *logger.Logger) VideoJobRepo {
	return &videoJobRepo{
		db:  db,
		log: baseLog.With("repo", "VideoJobRepo"),
	}
}

func (r *videoJobRepo) Create(dbc dbctx.Context, job *domain.VideoJob) (*domain.VideoJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if job == nil {
		return nil, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (r *videoJobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.VideoJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var job domain.VideoJob
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *videoJobRepo) GetByIDForOwner(dbc dbctx.Context, id, ownerUserID uuid.UUID) (*domain.VideoJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil || ownerUserID == uuid.Nil {
		return nil, nil
	}
	var job domain.VideoJob
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ? AND owner_user_id = ?", id, ownerUserID).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *videoJobRepo) ListByOwner(dbc dbctx.Context, ownerUserID uuid.UUID, limit int) ([]*domain.VideoJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.VideoJob
	if ownerUserID == uuid.Nil {
		return out, nil
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("owner_user_id = ?", ownerUserID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimNextRunnable leases the oldest job that is ready to advance: any
// non-terminal, unlocked job whose run_after gate has passed, plus locked
// jobs whose heartbeat went stale (a crashed worker). SKIP LOCKED keeps
// concurrent workers from contending on the same row.
func (r *videoJobRepo) ClaimNextRunnable(dbc dbctx.Context, staleRunning time.Duration) (*domain.VideoJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	staleCutoff := now.Add(-staleRunning)
	terminal := []string{
		string(domain.JobCompleted),
		string(domain.JobFailed),
		string(domain.JobCancelled),
	}
	var claimed *domain.VideoJob
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var job domain.VideoJob
		q := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(`
        status NOT IN ?
        AND (run_after IS NULL OR run_after <= ?)
        AND (
          locked_at IS NULL
          OR (heartbeat_at IS NOT NULL AND heartbeat_at < ?)
        )
      `, terminal, now, staleCutoff).
			Order("created_at ASC")
		qErr := q.First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := txx.Model(&domain.VideoJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return uErr
		}
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Release drops the lease so another claim cycle can pick the job up,
// optionally after a backoff gate.
func (r *videoJobRepo) Release(dbc dbctx.Context, id uuid.UUID, runAfter *time.Time) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.VideoJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"locked_at":    nil,
			"heartbeat_at": nil,
			"run_after":    runAfter,
			"updated_at":   time.Now(),
		}).Error
}

func (r *videoJobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.VideoJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *videoJobRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}

	q := transaction.WithContext(dbc.Ctx).
		Model(&domain.VideoJob{}).
		Where("id = ?", id)
	if len(disallowedStatuses) == 1 {
		q = q.Where("status <> ?", disallowedStatuses[0])
	} else if len(disallowedStatuses) > 1 {
		q = q.Where("status NOT IN ?", disallowedStatuses)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *videoJobRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.VideoJob{}).
		Where("id = ? AND locked_at IS NOT NULL", id).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}

func (r *videoJobRepo) HasActiveForChapter(dbc dbctx.Context, ownerUserID uuid.UUID, chapterRef string) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if ownerUserID == uuid.Nil || chapterRef == "" {
		return false, nil
	}
	terminal := []string{
		string(domain.JobCompleted),
		string(domain.JobFailed),
		string(domain.JobCancelled),
	}
	var count int64
	err := transaction.WithContext(dbc.Ctx).
		Model(&domain.VideoJob{}).
		Where("owner_user_id = ? AND chapter_ref = ? AND status NOT IN ?", ownerUserID, chapterRef, terminal).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *videoJobRepo) CountActiveByOwner(dbc dbctx.Context, ownerUserID uuid.UUID) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if ownerUserID == uuid.Nil {
		return 0, nil
	}
	terminal := []string{
		string(domain.JobCompleted),
		string(domain.JobFailed),
		string(domain.JobCancelled),
	}
	var count int64
	err := transaction.WithContext(dbc.Ctx).
		Model(&domain.VideoJob{}).
		Where("owner_user_id = ? AND status NOT IN ?", ownerUserID, terminal).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
