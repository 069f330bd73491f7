package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/austenmoss/testforge/internal/data/repos"
	types "github.com/austenmoss/testforge/internal/domain"
	jobrt "github.com/austenmoss/testforge/internal/jobs/runtime"
	"github.com/austenmoss/testforge/internal/pkg/dbctx"
	pkgerrors "github.com/austenmoss/testforge/internal/pkg/errors"
	"github.com/austenmoss/testforge/internal/pkg/logger"
)

// Scheduler starts durable tracking of a request run. The Temporal-backed
// implementation launches a workflow per request; a nil Scheduler leaves
// dispatch entirely to the polling worker pool.
type Scheduler interface {
	StartRequest(ctx context.Context, requestID uuid.UUID) error
	SignalResume(ctx context.Context, requestID uuid.UUID) error
}

type SubmitInput struct {
	OwnerID      *uuid.UUID
	URL          string
	OpenAPIURL   string
	Endpoints    []string
	Requirements []string
	TestType     types.TestType
	Options      map[string]any
}

// RequestService is the ingest and read path around Request rows; the
// pipeline owns all mutation once a worker claims the row.
type RequestService interface {
	Submit(ctx context.Context, in SubmitInput) (*types.Request, error)
	Get(ctx context.Context, id uuid.UUID) (*types.Request, error)
	Metrics(ctx context.Context, id uuid.UUID) ([]*types.GenerationMetric, error)
	Tests(ctx context.Context, id uuid.UUID) ([]*types.TestCase, error)
	Coverage(ctx context.Context, id uuid.UUID) ([]*types.CoverageAnalysis, error)
	Resume(ctx context.Context, id uuid.UUID) (*types.Request, error)
	Cancel(ctx context.Context, id uuid.UUID) (*types.Request, error)
}

type requestService struct {
	log       *logger.Logger
	requests  repos.RequestRepo
	tests     repos.TestCaseRepo
	metrics   repos.GenerationMetricRepo
	coverage  repos.CoverageAnalysisRepo
	notify    jobrt.Notifier
	scheduler Scheduler
	maxRetry  int
}

func NewRequestService(
	log *logger.Logger,
	requests repos.RequestRepo,
	tests repos.TestCaseRepo,
	metrics repos.GenerationMetricRepo,
	coverage repos.CoverageAnalysisRepo,
	notify jobrt.Notifier,
	scheduler Scheduler,
	maxRetries int,
) RequestService {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &requestService{
		log:       log.With("service", "RequestService"),
		requests:  requests,
		tests:     tests,
		metrics:   metrics,
		coverage:  coverage,
		notify:    notify,
		scheduler: scheduler,
		maxRetry:  maxRetries,
	}
}

func (s *requestService) Submit(ctx context.Context, in SubmitInput) (*types.Request, error) {
	if strings.TrimSpace(in.URL) == "" && strings.TrimSpace(in.OpenAPIURL) == "" {
		return nil, fmt.Errorf("url or openapi_url required: %w", pkgerrors.ErrInvalidInput)
	}
	switch in.TestType {
	case types.TestTypeUI, types.TestTypeAPI, types.TestTypeManual, types.TestTypeAutomated, types.TestTypeBoth:
	case "":
		in.TestType = types.TestTypeBoth
	default:
		return nil, fmt.Errorf("unknown test_type %q: %w", in.TestType, pkgerrors.ErrInvalidInput)
	}

	req := &types.Request{
		ID:         uuid.New(),
		OwnerID:    in.OwnerID,
		URL:        strings.TrimSpace(in.URL),
		OpenAPIURL: strings.TrimSpace(in.OpenAPIURL),
		TestType:   in.TestType,
		Status:     types.RequestPending,
		Stage:      "queued",
		MaxRetries: s.maxRetry,
	}
	req.SetRequirements(in.Requirements)
	req.SetEndpoints(in.Endpoints)
	if in.Options != nil {
		b, _ := json.Marshal(in.Options)
		req.Options = datatypes.JSON(b)
	}

	created, err := s.requests.Create(dbctx.Context{Ctx: ctx}, []*types.Request{req})
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if s.scheduler != nil {
		if err := s.scheduler.StartRequest(ctx, req.ID); err != nil {
			s.log.Warn("scheduler start failed; polling worker will pick the request up", "request_id", req.ID, "error", err)
		}
	}
	return created[0], nil
}

func (s *requestService) Get(ctx context.Context, id uuid.UUID) (*types.Request, error) {
	req, err := s.requests.GetByID(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("request %s: %w", id, pkgerrors.ErrNotFound)
	}
	return req, nil
}

func (s *requestService) Metrics(ctx context.Context, id uuid.UUID) ([]*types.GenerationMetric, error) {
	return s.metrics.GetByRequestID(dbctx.Context{Ctx: ctx}, id)
}

func (s *requestService) Tests(ctx context.Context, id uuid.UUID) ([]*types.TestCase, error) {
	return s.tests.GetByRequestID(dbctx.Context{Ctx: ctx}, id)
}

func (s *requestService) Coverage(ctx context.Context, id uuid.UUID) ([]*types.CoverageAnalysis, error) {
	return s.coverage.GetByRequestID(dbctx.Context{Ctx: ctx}, id)
}

// Resume makes a request runnable again from its last checkpoint. The
// checkpoint must decode; a corrupt one is surfaced, not silently reset.
func (s *requestService) Resume(ctx context.Context, id uuid.UUID) (*types.Request, error) {
	req, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status == types.RequestCompleted {
		return req, nil
	}
	if len(req.Result) > 0 && string(req.Result) != "null" {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(req.Result, &probe); err != nil {
			return nil, fmt.Errorf("request %s: %w: %v", id, pkgerrors.ErrCheckpointCorrupt, err)
		}
	}

	now := time.Now()
	err = s.requests.UpdateFields(dbctx.Context{Ctx: ctx}, id, map[string]interface{}{
		"status":        types.RequestPending,
		"stage":         "queued",
		"message":       "",
		"error":         "",
		"error_code":    "",
		"locked_at":     nil,
		"heartbeat_at":  nil,
		"completed_at":  nil,
		"last_error_at": nil,
		"updated_at":    now,
	})
	if err != nil {
		return nil, fmt.Errorf("resume request: %w", err)
	}

	if s.scheduler != nil {
		if err := s.scheduler.SignalResume(ctx, id); err != nil {
			s.log.Warn("scheduler resume signal failed; polling worker will pick the request up", "request_id", id, "error", err)
		}
	}
	return s.Get(ctx, id)
}

// Cancel flips the request to cancelled unless it is already terminal. The
// in-flight stage observes the flipped status at its next interruption
// point; the partial checkpoint is preserved.
func (s *requestService) Cancel(ctx context.Context, id uuid.UUID) (*types.Request, error) {
	req, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	ok, err := s.requests.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, id, []string{
		string(types.RequestCompleted), string(types.RequestFailed), string(types.RequestCancelled),
	}, map[string]interface{}{
		"status":       types.RequestCancelled,
		"message":      "cancelled by client",
		"locked_at":    nil,
		"completed_at": now,
		"updated_at":   now,
	})
	if err != nil {
		return nil, fmt.Errorf("cancel request: %w", err)
	}
	if !ok {
		// Already terminal; return the row as-is.
		return req, nil
	}
	updated, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.notify != nil {
		s.notify.RequestProgress(updated, updated.Stage, updated.Progress, "cancelled")
	}
	return updated, nil
}
