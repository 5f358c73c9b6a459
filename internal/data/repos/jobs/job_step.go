package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fablecast/fablecast-backend/internal/domain"
	"github.com/fablecast/fablecast-backend/internal/platform/dbctx"
	"github.com/fablecast/fablecast-backend/internal/platform/logger"
)

// ErrStepTransition is returned when a requested ledger transition violates
// the monotonic step ordering. Callers treat it as a programming error.
var ErrStepTransition = errors.New("invalid step transition")

type StepUpdate struct {
	ErrorMessage *string
	StepData     datatypes.JSON
	NextRunAt    *time.Time
	ClearNextRun bool
	BumpRetry    bool
	ResetRetry   bool
}

type JobStepRepo interface {
	GetOrCreate(dbc dbctx.Context, jobID uuid.UUID, stepName string) (*domain.JobStep, error)
	Get(dbc dbctx.Context, jobID uuid.UUID, stepName string) (*domain.JobStep, error)
	ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.JobStep, error)
	Transition(dbc dbctx.Context, jobID uuid.UUID, stepName string, to domain.StepStatus, upd StepUpdate) (*domain.JobStep, error)
	SetStepData(dbc dbctx.Context, jobID uuid.UUID, stepName string, data datatypes.JSON) error
}

type jobStepRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobStepRepo(db *gorm.DB, baseLog *logger.Logger) JobStepRepo {
	return &jobStepRepo{
		db:  db,
		log: baseLog.With("repo", "JobStepRepo"),
	}
}

func (r *jobStepRepo) GetOrCreate(dbc dbctx.Context, jobID uuid.UUID, stepName string) (*domain.JobStep, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == uuid.Nil || stepName == "" {
		return nil, nil
	}
	step := &domain.JobStep{
		JobID:    jobID,
		StepName: stepName,
		Status:   domain.StepPending,
	}
	if err := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}, {Name: "step_name"}},
			DoNothing: true,
		}).
		Create(step).Error; err != nil {
		return nil, err
	}
	return r.Get(dbc, jobID, stepName)
}

func (r *jobStepRepo) Get(dbc dbctx.Context, jobID uuid.UUID, stepName string) (*domain.JobStep, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == uuid.Nil || stepName == "" {
		return nil, nil
	}
	var step domain.JobStep
	err := transaction.WithContext(dbc.Ctx).
		Where("job_id = ? AND step_name = ?", jobID, stepName).
		Limit(1).
		Find(&step).Error
	if err != nil {
		return nil, err
	}
	if step.ID == uuid.Nil {
		return nil, nil
	}
	return &step, nil
}

func (r *jobStepRepo) ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.JobStep, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.JobStep
	if jobID == uuid.Nil {
		return out, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Transition moves a ledger row to a new status, enforcing the monotonic
// ordering inside the row-level lock so a concurrent writer cannot race a
// stale read into an illegal move.
func (r *jobStepRepo) Transition(dbc dbctx.Context, jobID uuid.UUID, stepName string, to domain.StepStatus, upd StepUpdate) (*domain.JobStep, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == uuid.Nil || stepName == "" {
		return nil, nil
	}
	var out *domain.JobStep
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var step domain.JobStep
		if err := txx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("job_id = ? AND step_name = ?", jobID, stepName).
			First(&step).Error; err != nil {
			return err
		}
		if !domain.CanTransitionStep(step.Status, to) {
			return fmt.Errorf("%w: %s -> %s for step %s", ErrStepTransition, step.Status, to, stepName)
		}

		now := time.Now()
		updates := map[string]interface{}{
			"status":     to,
			"updated_at": now,
		}
		switch to {
		case domain.StepProcessing:
			if step.StartedAt == nil {
				updates["started_at"] = now
			}
		case domain.StepCompleted, domain.StepSkipped:
			updates["completed_at"] = now
			updates["next_run_at"] = nil
			updates["error_message"] = ""
		case domain.StepPending:
			// failed -> pending resume re-arm starts the stage over.
			updates["started_at"] = nil
			updates["completed_at"] = nil
			updates["next_run_at"] = nil
			updates["error_message"] = ""
		}
		if upd.ErrorMessage != nil {
			updates["error_message"] = *upd.ErrorMessage
		}
		if upd.StepData != nil {
			updates["step_data"] = upd.StepData
		}
		if upd.NextRunAt != nil {
			updates["next_run_at"] = *upd.NextRunAt
		} else if upd.ClearNextRun {
			updates["next_run_at"] = nil
		}
		if upd.BumpRetry {
			updates["retry_count"] = gorm.Expr("retry_count + 1")
		}
		if upd.ResetRetry {
			updates["retry_count"] = 0
		}

		if err := txx.Model(&domain.JobStep{}).
			Where("id = ?", step.ID).
			Updates(updates).Error; err != nil {
			return err
		}
		var fresh domain.JobStep
		if err := txx.Where("id = ?", step.ID).First(&fresh).Error; err != nil {
			return err
		}
		out = &fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobStepRepo) SetStepData(dbc dbctx.Context, jobID uuid.UUID, stepName string, data datatypes.JSON) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == uuid.Nil || stepName == "" {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.JobStep{}).
		Where("job_id = ? AND step_name = ?", jobID, stepName).
		Updates(map[string]interface{}{
			"step_data":  data,
			"updated_at": time.Now(),
		}).Error
}
