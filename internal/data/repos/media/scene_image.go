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

type SceneImageRepo interface {
	EnsurePending(dbc dbctx.Context, jobID uuid.UUID, sceneIndex int, prompt string) (*domain.SceneImage, error)
	ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.SceneImage, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	CountByStatus(dbc dbctx.Context, jobID uuid.UUID, status domain.ArtifactStatus) (int64, error)
}

type sceneImageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSceneImageRepo(db *gorm.DB, baseLog *logger.Logger) SceneImageRepo {
	return &sceneImageRepo{
		db:  db,
		log: baseLog.With("repo", "SceneImageRepo"),
	}
}

// EnsurePending creates the artifact row for a scene if none exists; a
// completed row from an earlier attempt is left untouched so re-runs skip it.
func (r *sceneImageRepo) EnsurePending(dbc dbctx.Context, jobID uuid.UUID, sceneIndex int, prompt string) (*domain.SceneImage, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == uuid.Nil {
		return nil, nil
	}
	row := &domain.SceneImage{
		JobID:      jobID,
		SceneIndex: sceneIndex,
		Status:     domain.ArtifactPending,
		Prompt:     prompt,
	}
	if err := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "job_id"}, {Name: "scene_index"}},
			// idx_scene_image_job_scene is partial; the arbiter must repeat
			// its predicate or Postgres refuses the statement.
			TargetWhere: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "deleted_at IS NULL"},
			}},
			DoNothing: true,
		}).
		Create(row).Error; err != nil {
		return nil, err
	}
	var fresh domain.SceneImage
	if err := transaction.WithContext(dbc.Ctx).
		Where("job_id = ? AND scene_index = ?", jobID, sceneIndex).
		First(&fresh).Error; err != nil {
		return nil, err
	}
	return &fresh, nil
}

func (r *sceneImageRepo) ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.SceneImage, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.SceneImage
	if jobID == uuid.Nil {
		return out, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("job_id = ?", jobID).
		Order("scene_index ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *sceneImageRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&domain.SceneImage{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *sceneImageRepo) CountByStatus(dbc dbctx.Context, jobID uuid.UUID, status domain.ArtifactStatus) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == uuid.Nil {
		return 0, nil
	}
	var count int64
	err := transaction.WithContext(dbc.Ctx).
		Model(&domain.SceneImage{}).
		Where("job_id = ? AND status = ?", jobID, status).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
