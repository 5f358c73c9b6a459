package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/fablecast/fablecast-backend/internal/domain"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(

		// Job record + step ledger
		&domain.VideoJob{},
		&domain.JobStep{},
		&domain.JobProgressEvent{},

		// Stage artifacts
		&domain.SceneImage{},
		&domain.AudioTrack{},
		&domain.VideoSegment{},
		&domain.MergedVideo{},
	)
}

func EnsureJobIndexes(db *gorm.DB) error {
	// uuid-ossp is already enabled in NewPostgresService, but safe to re-run
	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		return fmt.Errorf("enable uuid-ossp: %w", err)
	}

	// Claim scan: runnable jobs ordered by age.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_video_job_claim
		ON video_job (status, run_after, created_at)
		WHERE deleted_at IS NULL AND locked_at IS NULL;
	`).Error; err != nil {
		return fmt.Errorf("create idx_video_job_claim: %w", err)
	}

	// Stale-lease reclaim scan.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_video_job_heartbeat
		ON video_job (heartbeat_at)
		WHERE deleted_at IS NULL AND locked_at IS NOT NULL;
	`).Error; err != nil {
		return fmt.Errorf("create idx_video_job_heartbeat: %w", err)
	}

	// Owner job listing.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_video_job_owner_created
		ON video_job (owner_user_id, created_at DESC)
		WHERE deleted_at IS NULL;
	`).Error; err != nil {
		return fmt.Errorf("create idx_video_job_owner_created: %w", err)
	}

	// Progress timeline pagination per job.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_job_progress_event_job_created
		ON job_progress_event (job_id, created_at);
	`).Error; err != nil {
		return fmt.Errorf("create idx_job_progress_event_job_created: %w", err)
	}

	return nil
}

func EnsureArtifactIndexes(db *gorm.DB) error {
	// One artifact row per (job, scene) for each fan-out stage; re-runs update
	// the existing row instead of inserting duplicates.
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_scene_image_job_scene
		ON scene_image (job_id, scene_index)
		WHERE deleted_at IS NULL;
	`).Error; err != nil {
		return fmt.Errorf("create idx_scene_image_job_scene: %w", err)
	}

	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_audio_track_job_scene
		ON audio_track (job_id, scene_index)
		WHERE deleted_at IS NULL;
	`).Error; err != nil {
		return fmt.Errorf("create idx_audio_track_job_scene: %w", err)
	}

	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_video_segment_job_scene_kind
		ON video_segment (job_id, scene_index, kind)
		WHERE deleted_at IS NULL;
	`).Error; err != nil {
		return fmt.Errorf("create idx_video_segment_job_scene_kind: %w", err)
	}

	return nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	if err := AutoMigrateAll(s.db); err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	if err := EnsureJobIndexes(s.db); err != nil {
		s.log.Error("Job index migration failed", "error", err)
		return err
	}
	if err := EnsureArtifactIndexes(s.db); err != nil {
		s.log.Error("Artifact index migration failed", "error", err)
		return err
	}

	return nil
}
