package runtime

import (
	"github.com/google/uuid"

	"github.com/fablecast/fablecast-backend/internal/domain"
)

// Notifier is the side-channel the job system pushes lifecycle updates
// through. The services package provides the SSE-backed implementation;
// keeping the interface here lets pipelines depend on runtime alone.
type Notifier interface {
	JobProgress(ownerUserID uuid.UUID, job *domain.VideoJob, stage string, pct int, msg string)
	JobRetrying(ownerUserID uuid.UUID, job *domain.VideoJob, stage string, attempt int, msg string)
	JobFailed(ownerUserID uuid.UUID, job *domain.VideoJob, stage string, errMsg string)
	JobResumed(ownerUserID uuid.UUID, job *domain.VideoJob, stage string)
	JobCancelled(ownerUserID uuid.UUID, job *domain.VideoJob)
	JobDone(ownerUserID uuid.UUID, job *domain.VideoJob)
}
