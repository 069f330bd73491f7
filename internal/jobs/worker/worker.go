package worker

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/austenmoss/testforge/internal/data/repos"
	"github.com/austenmoss/testforge/internal/jobs/runtime"
	"github.com/austenmoss/testforge/internal/pkg/dbctx"
	"github.com/austenmoss/testforge/internal/pkg/logger"
	"github.com/austenmoss/testforge/internal/platform/envutil"
)

// Worker polls the requests table and drives each claimed request through
// the registered pipeline handler. Cross-request parallelism equals the
// configured concurrency; one goroutine owns one request at a time.
type Worker struct {
	db       *gorm.DB
	log      *logger.Logger
	repo     repos.RequestRepo
	registry *runtime.Registry
	notify   runtime.Notifier
	jobType  string
}

func NewWorker(db *gorm.DB, baseLog *logger.Logger, repo repos.RequestRepo, registry *runtime.Registry, notify runtime.Notifier, jobType string) *Worker {
	return &Worker{
		db:       db,
		log:      baseLog.With("component", "RequestWorker"),
		repo:     repo,
		registry: registry,
		notify:   notify,
		jobType:  jobType,
	}
}

func (w *Worker) Start(ctx context.Context) {
	concurrency := envutil.Int("WORKER_CONCURRENCY", 4)
	if concurrency < 1 {
		concurrency = 1
	}
	w.log.Info("Starting request worker pool", "concurrency", concurrency)

	for i := 0; i < concurrency; i++ {
		workerID := i + 1
		go w.runLoop(ctx, workerID)
	}
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	const maxAttempts = 5
	retryDelay := 30 * time.Second
	staleRunning := 30 * time.Minute

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			req, err := w.repo.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, maxAttempts, retryDelay, staleRunning)
			if err != nil {
				w.log.Warn("ClaimNextRunnable failed", "worker_id", workerID, "error", err)
				continue
			}
			if req == nil {
				continue
			}

			h, ok := w.registry.Get(w.jobType)
			jc := runtime.NewContext(ctx, w.db, req, w.repo, w.notify)

			if !ok {
				w.log.Warn("No handler registered",
					"worker_id", workerID,
					"job_type", w.jobType,
					"request_id", req.ID,
				)
				jc.Fail("dispatch", fmt.Errorf("no handler registered for job_type=%s", w.jobType))
				continue
			}

			func() {
				defer func() {
					if r := recover(); r != nil {
						w.log.Error("Pipeline handler panic",
							"worker_id", workerID,
							"request_id", req.ID,
							"panic", r,
						)
						jc.Fail("panic", fmt.Errorf("panic: unexpected error"))
					}
				}()

				if runErr := h.Run(jc); runErr != nil {
					// Pipelines call jc.Fail themselves; this is a safety net.
					jc.Fail("run", runErr)
				}
			}()
		}
	}
}
