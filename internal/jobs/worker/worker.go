package worker

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/fablecast/fablecast-backend/internal/config"
	"github.com/fablecast/fablecast-backend/internal/data/repos"
	"github.com/fablecast/fablecast-backend/internal/domain"
	jobrt "github.com/fablecast/fablecast-backend/internal/jobs/runtime"
	"github.com/fablecast/fablecast-backend/internal/platform/dbctx"
	"github.com/fablecast/fablecast-backend/internal/platform/logger"
)

// Worker runs the claim loop: each slot repeatedly leases the next runnable
// job and dispatches it to the registered pipeline. Stale leases from crashed
// workers are reclaimed by the repo query itself.
type Worker struct {
	db       *gorm.DB
	log      *logger.Logger
	cfg      config.WorkerConfig
	repos    *repos.All
	registry *jobrt.Registry
	notify   jobrt.Notifier
}

func NewWorker(db *gorm.DB, baseLog *logger.Logger, cfg config.WorkerConfig, r *repos.All, registry *jobrt.Registry, notify jobrt.Notifier) *Worker {
	return &Worker{
		db:       db,
		log:      baseLog.With("component", "JobWorker"),
		cfg:      cfg,
		repos:    r,
		registry: registry,
		notify:   notify,
	}
}

func (w *Worker) Start(ctx context.Context) {
	n := w.cfg.Concurrency
	if n < 1 {
		n = 1
	}
	w.log.Info("Worker starting",
		"concurrency", n,
		"claim_interval", w.cfg.ClaimInterval.String(),
		"stale_running", w.cfg.StaleRunning.String(),
	)
	for i := 0; i < n; i++ {
		go w.claimLoop(ctx, i)
	}
}

func (w *Worker) claimLoop(ctx context.Context, slot int) {
	ticker := time.NewTicker(w.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := w.repos.VideoJob.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, w.cfg.StaleRunning)
			if err != nil {
				w.log.Warn("ClaimNextRunnable failed", "slot", slot, "error", err)
				continue
			}
			if job == nil {
				continue
			}
			w.runJob(ctx, slot, job)
		}
	}
}

// runJob executes one claimed job to the point where the pipeline yields,
// completes or fails. The heartbeat goroutine keeps the lease alive for the
// duration; a handler panic fails the job rather than killing the slot.
func (w *Worker) runJob(ctx context.Context, slot int, job *domain.VideoJob) {
	jc := jobrt.NewContext(ctx, w.db, job, w.repos, w.notify)

	h, ok := w.registry.Get(job.JobType)
	if !ok {
		w.log.Warn("No handler registered for job_type",
			"slot", slot,
			"job_type", job.JobType,
			"job_id", job.ID,
		)
		jc.Fail("dispatch", fmt.Errorf("no handler registered for job_type=%s", job.JobType), false)
		return
	}

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	hbEvery := w.cfg.StaleRunning / 3
	if hbEvery <= 0 {
		hbEvery = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(hbEvery)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				jc.Heartbeat()
			}
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Job handler panic",
				"slot", slot,
				"job_id", job.ID,
				"job_type", job.JobType,
				"panic", r,
			)
			// failed_at_step must name a real ledger row for resume to re-arm
			// it. Before any stage ran there is none, so the job stays down.
			step, resumable := "panic", false
			for _, s := range domain.StepSequence() {
				if s == job.Stage {
					step, resumable = job.Stage, true
					break
				}
			}
			jc.Fail(step, fmt.Errorf("job handler panic: %v", r), resumable)
		}
	}()

	if err := h.Run(jc); err != nil {
		// The engine resolves stage outcomes itself; an error escaping here
		// means the run could not even start.
		w.log.Error("Job run error",
			"slot", slot,
			"job_id", job.ID,
			"job_type", job.JobType,
			"error", err,
		)
		jc.Fail("run", err, true)
	}
}
