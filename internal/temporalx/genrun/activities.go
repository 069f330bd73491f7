package genrun

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/austenmoss/testforge/internal/data/repos"
	types "github.com/austenmoss/testforge/internal/domain"
	jobrt "github.com/austenmoss/testforge/internal/jobs/runtime"
	"github.com/austenmoss/testforge/internal/pkg/dbctx"
	"github.com/austenmoss/testforge/internal/pkg/logger"

	"go.temporal.io/sdk/activity"
)

type Activities struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Requests repos.RequestRepo
	Registry *jobrt.Registry
	JobType  string
	Notify   jobrt.Notifier
}

// Tick runs the pipeline handler once for the request. Completed stages are
// skipped via the checkpoint, so a tick after a crash resumes mid-pipeline.
func (a *Activities) Tick(ctx context.Context, requestID string) (TickResult, error) {
	res := TickResult{RequestID: strings.TrimSpace(requestID)}
	if a == nil || a.DB == nil || a.Requests == nil || a.Registry == nil {
		return res, fmt.Errorf("genrun: activity not configured")
	}

	parsedID, err := uuid.Parse(res.RequestID)
	if err != nil || parsedID == uuid.Nil {
		return res, fmt.Errorf("genrun: invalid request_id")
	}

	req, err := a.loadRequest(ctx, parsedID)
	if err != nil {
		return res, err
	}
	if req == nil {
		return res, fmt.Errorf("genrun: request not found")
	}

	if isTerminal(req.Status) {
		return fillResult(res, req), nil
	}

	stopHB := a.startHeartbeat(ctx, parsedID)
	defer stopHB()

	// Claim: bump attempts, take the lock, and leave pending for the
	// pipeline's own status transitions. Cancelled rows are never touched.
	now := time.Now().UTC()
	_ = a.DB.WithContext(ctx).
		Model(&types.Request{}).
		Where("id = ? AND status <> ?", parsedID, types.RequestCancelled).
		Updates(map[string]any{
			"attempts":     gorm.Expr("attempts + 1"),
			"locked_at":    now,
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
	if req.StartedAt == nil {
		_ = a.Requests.UpdateFields(dbctx.Context{Ctx: ctx, Tx: a.DB}, parsedID, map[string]interface{}{"started_at": now})
		req.StartedAt = &now
	}

	h, ok := a.Registry.Get(a.JobType)
	jc := jobrt.NewContext(ctx, a.DB, req, a.Requests, a.Notify)
	if !ok {
		jc.Fail("dispatch", fmt.Errorf("no handler registered for job_type=%s", a.JobType))
	} else {
		func() {
			defer func() {
				if r := recover(); r != nil {
					if a.Log != nil {
						a.Log.Error("Pipeline handler panic", "request_id", parsedID, "panic", r)
					}
					jc.Fail("panic", fmt.Errorf("panic: unexpected error"))
				}
			}()
			if runErr := h.Run(jc); runErr != nil {
				jc.Fail("run", runErr)
			}
		}()
	}

	updated, err := a.loadRequest(ctx, parsedID)
	if err != nil {
		return res, err
	}
	if updated == nil {
		return res, fmt.Errorf("genrun: request not found after tick")
	}
	return fillResult(res, updated), nil
}

func (a *Activities) loadRequest(ctx context.Context, id uuid.UUID) (*types.Request, error) {
	return a.Requests.GetByID(dbctx.Context{Ctx: ctx, Tx: a.DB}, id)
}

func (a *Activities) startHeartbeat(ctx context.Context, id uuid.UUID) func() {
	done := make(chan struct{})
	go func() {
		temporalHB := time.NewTicker(10 * time.Second)
		defer temporalHB.Stop()

		dbHB := time.NewTicker(30 * time.Second)
		defer dbHB.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-temporalHB.C:
				activity.RecordHeartbeat(ctx)
			case <-dbHB.C:
				if a == nil || a.DB == nil || a.Requests == nil || id == uuid.Nil {
					continue
				}
				_ = a.Requests.Heartbeat(dbctx.Context{Ctx: ctx, Tx: a.DB}, id)
			}
		}
	}()
	return func() { close(done) }
}

func isTerminal(s types.RequestStatus) bool {
	return s == types.RequestCompleted || s == types.RequestFailed || s == types.RequestCancelled
}

func fillResult(res TickResult, req *types.Request) TickResult {
	res.Status = string(req.Status)
	res.Stage = req.Stage
	res.Progress = req.Progress
	res.Message = req.Message
	return res
}
