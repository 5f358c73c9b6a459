package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	redisbus "github.com/fablecast/fablecast-backend/internal/clients/redis"
	"github.com/fablecast/fablecast-backend/internal/domain"
	jobrt "github.com/fablecast/fablecast-backend/internal/jobs/runtime"
	"github.com/fablecast/fablecast-backend/internal/platform/logger"
	"github.com/fablecast/fablecast-backend/internal/sse"
)

// JobNotifier pushes job lifecycle updates to status watchers. Every update
// goes to two channels: the owner channel (all of a user's jobs) and the
// per-job channel. With a redis bus configured, messages fan out across API
// replicas and land on the local hub through the forwarder; without one they
// go straight to the hub.
type JobNotifier struct {
	hub *sse.SSEHub
	bus redisbus.SSEBus
	log *logger.Logger
}

var _ jobrt.Notifier = (*JobNotifier)(nil)

func NewJobNotifier(hub *sse.SSEHub, bus redisbus.SSEBus, baseLog *logger.Logger) *JobNotifier {
	return &JobNotifier{
		hub: hub,
		bus: bus,
		log: baseLog.With("service", "JobNotifier"),
	}
}

func (n *JobNotifier) emit(ownerUserID uuid.UUID, jobID uuid.UUID, event sse.SSEEvent, data map[string]any) {
	if n == nil {
		return
	}
	for _, channel := range []string{ownerUserID.String(), sse.JobChannel(jobID)} {
		msg := sse.SSEMessage{Channel: channel, Event: event, Data: data}
		if n.bus != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := n.bus.Publish(ctx, msg); err != nil {
				n.log.Warn("SSE bus publish failed; falling back to local hub",
					"event", event,
					"error", err,
				)
				if n.hub != nil {
					n.hub.Broadcast(msg)
				}
			}
			cancel()
			continue
		}
		if n.hub != nil {
			n.hub.Broadcast(msg)
		}
	}
}

func jobPayload(job *domain.VideoJob) map[string]any {
	return map[string]any{
		"job_id":      job.ID,
		"chapter_ref": job.ChapterRef,
		"status":      job.Status,
		"stage":       job.Stage,
		"progress":    job.Progress,
		"job":         job,
	}
}

func (n *JobNotifier) JobProgress(ownerUserID uuid.UUID, job *domain.VideoJob, stage string, pct int, msg string) {
	data := jobPayload(job)
	data["stage"] = stage
	data["progress"] = pct
	data["message"] = msg
	n.emit(ownerUserID, job.ID, sse.SSEEventJobProgress, data)
}

func (n *JobNotifier) JobRetrying(ownerUserID uuid.UUID, job *domain.VideoJob, stage string, attempt int, msg string) {
	data := jobPayload(job)
	data["stage"] = stage
	data["attempt"] = attempt
	data["message"] = msg
	n.emit(ownerUserID, job.ID, sse.SSEEventJobRetrying, data)
}

func (n *JobNotifier) JobFailed(ownerUserID uuid.UUID, job *domain.VideoJob, stage string, errMsg string) {
	data := jobPayload(job)
	data["stage"] = stage
	data["error"] = errMsg
	data["can_resume"] = job.CanResume
	n.emit(ownerUserID, job.ID, sse.SSEEventJobFailed, data)
}

func (n *JobNotifier) JobResumed(ownerUserID uuid.UUID, job *domain.VideoJob, stage string) {
	data := jobPayload(job)
	data["stage"] = stage
	data["retry_count"] = job.RetryCount
	n.emit(ownerUserID, job.ID, sse.SSEEventJobResumed, data)
}

func (n *JobNotifier) JobCancelled(ownerUserID uuid.UUID, job *domain.VideoJob) {
	n.emit(ownerUserID, job.ID, sse.SSEEventJobCancelled, jobPayload(job))
}

func (n *JobNotifier) JobDone(ownerUserID uuid.UUID, job *domain.VideoJob) {
	n.emit(ownerUserID, job.ID, sse.SSEEventJobCompleted, jobPayload(job))
}
