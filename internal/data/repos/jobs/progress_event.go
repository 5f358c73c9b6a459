package jobs

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fablecast/fablecast-backend/internal/domain"
	"github.com/fablecast/fablecast-backend/internal/platform/dbctx"
	"github.com/fablecast/fablecast-backend/internal/platform/logger"
)

type ProgressEventRepo interface {
	Append(dbc dbctx.Context, ev *domain.JobProgressEvent) error
	ListByJob(dbc dbctx.Context, jobID uuid.UUID, limit int) ([]*domain.JobProgressEvent, error)
}

type progressEventRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewProgressEventRepo(db *gorm.DB, baseLog *logger.Logger) ProgressEventRepo {
	return &progressEventRepo{
		db:  db,
		log: baseLog.With("repo", "ProgressEventRepo"),
	}
}

func (r *progressEventRepo) Append(dbc dbctx.Context, ev *domain.JobProgressEvent) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if ev == nil || ev.JobID == uuid.Nil {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).Create(ev).Error
}

func (r *progressEventRepo) ListByJob(dbc dbctx.Context, jobID uuid.UUID, limit int) ([]*domain.JobProgressEvent, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.JobProgressEvent
	if jobID == uuid.Nil {
		return out, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
