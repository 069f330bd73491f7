package genrun

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"go.temporal.io/api/enums/v1"
	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/austenmoss/testforge/internal/pkg/logger"
	"github.com/austenmoss/testforge/internal/temporalx"
)

// Starter launches (and signals) one workflow per request. It satisfies the
// services.Scheduler seam.
type Starter struct {
	log *logger.Logger
	tc  temporalsdkclient.Client
}

func NewStarter(log *logger.Logger, tc temporalsdkclient.Client) *Starter {
	return &Starter{log: log.With("component", "GenrunStarter"), tc: tc}
}

func workflowID(requestID uuid.UUID) string {
	return WorkflowName + "-" + requestID.String()
}

func (s *Starter) StartRequest(ctx context.Context, requestID uuid.UUID) error {
	if s == nil || s.tc == nil {
		return fmt.Errorf("temporal client not configured")
	}
	cfg := temporalx.LoadConfig()
	_, err := s.tc.ExecuteWorkflow(ctx, temporalsdkclient.StartWorkflowOptions{
		ID:                    workflowID(requestID),
		TaskQueue:             cfg.TaskQueue,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}, WorkflowName)
	if err != nil {
		return fmt.Errorf("start genrun workflow: %w", err)
	}
	s.log.Debug("genrun workflow started", "request_id", requestID)
	return nil
}

// SignalResume wakes a workflow parked on a failed request; when no
// execution is running, a fresh one is started against the same checkpoint.
func (s *Starter) SignalResume(ctx context.Context, requestID uuid.UUID) error {
	if s == nil || s.tc == nil {
		return fmt.Errorf("temporal client not configured")
	}
	cfg := temporalx.LoadConfig()
	_, err := s.tc.SignalWithStartWorkflow(ctx, workflowID(requestID), SignalResume, nil,
		temporalsdkclient.StartWorkflowOptions{
			ID:                    workflowID(requestID),
			TaskQueue:             cfg.TaskQueue,
			WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		}, WorkflowName)
	if err != nil {
		return fmt.Errorf("signal genrun workflow: %w", err)
	}
	return nil
}
