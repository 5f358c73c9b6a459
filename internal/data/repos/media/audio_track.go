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

type AudioTrackRepo interface {
	EnsurePending(dbc dbctx.Context, jobID uuid.UUID, sceneIndex int, voiceID string) (*domain.AudioTrack, error)
	ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.AudioTrack, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	CountByStatus(dbc dbctx.Context, jobID uuid.UUID, status domain.ArtifactStatus) (int64, error)
}

type audioTrackRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAudioTrackRepo(db *gorm.DB, baseLog *logger.Logger) AudioTrackRepo {
	return &audioTrackRepo{
		db:  db,
		log: baseLog.With("repo", "AudioTrackRepo"),
	}
}

func (r *audioTrackRepo) EnsurePending(dbc dbctx.Context, jobID uuid.UUID, sceneIndex int, voiceID string) (*domain.AudioTrack, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == uuid.Nil {
		return nil, nil
	}
	row := &domain.AudioTrack{
		JobID:      jobID,
		SceneIndex: sceneIndex,
		Status:     domain.ArtifactPending,
		VoiceID:    voiceID,
	}
	if err := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "job_id"}, {Name: "scene_index"}},
			// idx_audio_track_job_scene is partial; the arbiter must repeat
			// its predicate or Postgres refuses the statement.
			TargetWhere: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "deleted_at IS NULL"},
			}},
			DoNothing: true,
		}).
		Create(row).Error; err != nil {
		return nil, err
	}
	var fresh domain.AudioTrack
	if err := transaction.WithContext(dbc.Ctx).
		Where("job_id = ? AND scene_index = ?", jobID, sceneIndex).
		First(&fresh).Error; err != nil {
		return nil, err
	}
	return &fresh, nil
}

func (r *audioTrackRepo) ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.AudioTrack, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.AudioTrack
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

func (r *audioTrackRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&domain.AudioTrack{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *audioTrackRepo) CountByStatus(dbc dbctx.Context, jobID uuid.UUID, status domain.ArtifactStatus) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == uuid.Nil {
		return 0, nil
	}
	var count int64
	err := transaction.WithContext(dbc.Ctx).
		Model(&domain.AudioTrack{}).
		Where("job_id = ? AND status = ?", jobID, status).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
