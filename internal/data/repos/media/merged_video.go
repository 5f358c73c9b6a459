package media

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fablecast/fablecast-backend/internal/domain"
	"github.com/fablecast/fablecast-backend/internal/platform/dbctx"
	"github.com/fablecast/fablecast-backend/internal/platform/logger"
)

type MergedVideoRepo interface {
	EnsurePending(dbc dbctx.Context, jobID uuid.UUID) (*domain.MergedVideo, error)
	GetByJob(dbc dbctx.Context, jobID uuid.UUID) (*domain.MergedVideo, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

type mergedVideoRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMergedVideoRepo(db *gorm.DB, baseLog *logger.Logger) MergedVideoRepo {
	return &mergedVideoRepo{
		db:  db,
		log: baseLog.With("repo", "MergedVideoRepo"),
	}
}

func (r *mergedVideoRepo) EnsurePending(dbc dbctx.Context, jobID uuid.UUID) (*domain.MergedVideo, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == uuid.Nil {
		return nil, nil
	}
	row := &domain.MergedVideo{
		JobID:  jobID,
		Status: domain.ArtifactPending,
	}
	if err := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}},
			DoNothing: true,
		}).
		Create(row).Error; err != nil {
		return nil, err
	}
	return r.GetByJob(dbc, jobID)
}

func (r *mergedVideoRepo) GetByJob(dbc dbctx.Context, jobID uuid.UUID) (*domain.MergedVideo, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == uuid.Nil {
		return nil, nil
	}
	var row domain.MergedVideo
	err := transaction.WithContext(dbc.Ctx).
		Where("job_id = ?", jobID).
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, nil
	}
	return &row, nil
}

func (r *mergedVideoRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&domain.MergedVideo{}).
		Where("id = ?", id).
		Updates(updates).Error
}
