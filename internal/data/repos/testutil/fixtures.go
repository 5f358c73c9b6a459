package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fablecast/fablecast-backend/internal/domain"
)

func SeedJob(tb testing.TB, ctx context.Context, tx *gorm.DB, ownerUserID uuid.UUID, status domain.JobStatus) *domain.VideoJob {
	tb.Helper()
	job := &domain.VideoJob{
		ID:            uuid.New(),
		OwnerUserID:   ownerUserID,
		ChapterRef:    "chapters/" + uuid.NewString(),
		QualityTier:   "standard",
		Options:       datatypes.JSON([]byte(`{}`)),
		Status:        status,
		Stage:         string(status),
		PipelineState: datatypes.JSON([]byte(`{"version":1}`)),
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(job).Error; err != nil {
		tb.Fatalf("seed job: %v", err)
	}
	return job
}

func SeedStep(tb testing.TB, ctx context.Context, tx *gorm.DB, jobID uuid.UUID, stepName string, status domain.StepStatus) *domain.JobStep {
	tb.Helper()
	step := &domain.JobStep{
		ID:       uuid.New(),
		JobID:    jobID,
		StepName: stepName,
		Status:   status,
		StepData: datatypes.JSON([]byte(`{}`)),
	}
	if err := tx.WithContext(ctx).Create(step).Error; err != nil {
		tb.Fatalf("seed step: %v", err)
	}
	return step
}

func PtrUUID(v uuid.UUID) *uuid.UUID { return &v }

func PtrTime(v time.Time) *time.Time { return &v }
