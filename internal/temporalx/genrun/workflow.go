package genrun

import (
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/workflow"
)

// Workflow ticks a single request run. Each iteration executes one Tick
// activity, which advances the pipeline as far as it can; the DB-persisted
// checkpoint is the source of truth, so a resumed run on a fresh Temporal
// execution continues exactly where the last one stopped.
func Workflow(ctx workflow.Context) error {
	requestID := strings.TrimSpace(workflow.GetInfo(ctx).WorkflowExecution.ID)
	requestID = strings.TrimPrefix(requestID, WorkflowName+"-")
	if requestID == "" {
		return fmt.Errorf("genrun: missing request_id")
	}

	const (
		defaultPollInterval  = 2 * time.Second
		continueTickLimit    = 2000
		continueHistoryLimit = 15000
	)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 24 * time.Hour,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy:         nil, // stage retries are handled inside the pipeline
	})

	resumeCh := workflow.GetSignalChannel(ctx, SignalResume)
	tickCount := 0

	for {
		tickCount++
		var out TickResult
		if err := workflow.ExecuteActivity(ctx, ActivityTick, requestID).Get(ctx, &out); err != nil {
			return err
		}

		switch strings.ToLower(strings.TrimSpace(out.Status)) {
		case "completed", "cancelled":
			return nil
		case "failed":
			// Terminal unless a resume signal arrives; wait bounded, then
			// re-observe so an out-of-band DB resume is also noticed.
			waitForResumeOrPoll(ctx, resumeCh, 2*time.Minute)
		default:
			if err := workflow.Sleep(ctx, defaultPollInterval); err != nil {
				return err
			}
		}
		if shouldContinueAsNew(ctx, tickCount, continueTickLimit, continueHistoryLimit) {
			return workflow.NewContinueAsNewError(ctx, Workflow)
		}
	}
}

func waitForResumeOrPoll(ctx workflow.Context, ch workflow.ReceiveChannel, maxWait time.Duration) {
	timer := workflow.NewTimer(ctx, maxWait)
	sel := workflow.NewSelector(ctx)
	sel.AddReceive(ch, func(c workflow.ReceiveChannel, more bool) {
		var v any
		c.Receive(ctx, &v)
	})
	sel.AddFuture(timer, func(f workflow.Future) {})
	sel.Select(ctx)
}

func shouldContinueAsNew(ctx workflow.Context, ticks int, maxTicks int, maxHistory int) bool {
	if maxTicks > 0 && ticks >= maxTicks {
		return true
	}
	info := workflow.GetInfo(ctx)
	if info == nil || maxHistory <= 0 {
		return false
	}
	return info.GetCurrentHistoryLength() >= maxHistory
}
