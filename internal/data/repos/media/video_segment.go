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

type VideoSegmentRepo interface {
	EnsurePending(dbc dbctx.Context, jobID uuid.UUID, sceneIndex int, kind domain.SegmentKind, sourceSegmentID *uuid.UUID) (*domain.VideoSegment, error)
	ListByJob(dbc dbctx.Context, jobID uuid.UUID, kind domain.SegmentKind) ([]*domain.VideoSegment, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	CountByStatus(dbc dbctx.Context, jobID uuid.UUID, kind domain.SegmentKind, status domain.ArtifactStatus) (int64, error)
}

type videoSegmentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewVideoSegmentRepo(db *gorm.DB, baseLog *logger.Logger) VideoSegmentRepo {
	return &videoSegmentRepo{
		db:  db,
		log: baseLog.With("repo", "VideoSegmentRepo"),
	}
}

func (r *videoSegmentRepo) EnsurePending(dbc dbctx.Context, jobID uuid.UUID, sceneIndex int, kind domain.SegmentKind, sourceSegmentID *uuid.UUID) (*domain.VideoSegment, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == uuid.Nil {
		return nil, nil
	}
	row := &domain.VideoSegment{
		JobID:           jobID,
		SceneIndex:      sceneIndex,
		Kind:            kind,
		SourceSegmentID: sourceSegmentID,
		Status:          domain.ArtifactPending,
	}
	if err := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "job_id"}, {Name: "scene_index"}, {Name: "kind"}},
			// idx_video_segment_job_scene_kind is partial; the arbiter must
			// repeat its predicate or Postgres refuses the statement.
			TargetWhere: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "deleted_at IS NULL"},
			}},
			DoNothing: true,
		}).
		Create(row).Error; err != nil {
		return nil, err
	}
	var fresh domain.VideoSegment
	if err := transaction.WithContext(dbc.Ctx).
		Where("job_id = ? AND scene_index = ? AND kind = ?", jobID, sceneIndex, kind).
		First(&fresh).Error; err != nil {
		return nil, err
	}
	return &fresh, nil
}

func (r *videoSegmentRepo) ListByJob(dbc dbctx.Context, jobID uuid.UUID, kind domain.SegmentKind) ([]*domain.VideoSegment, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.VideoSegment
	if jobID == uuid.Nil {
		return out, nil
	}
	q := transaction.WithContext(dbc.Ctx).Where("job_id = ?", jobID)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	if err := q.Order("scene_index ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *videoSegmentRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&domain.VideoSegment{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *videoSegmentRepo) CountByStatus(dbc dbctx.Context, jobID uuid.UUID, kind domain.SegmentKind, status domain.ArtifactStatus) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == uuid.Nil {
		return 0, nil
	}
	q := transaction.WithContext(dbc.Ctx).
		Model(&domain.VideoSegment{}).
		Where("job_id = ? AND status = ?", jobID, status)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
