package realtime

import (
	"context"
	"time"

	types "github.com/austenmoss/testforge/internal/domain"
	"github.com/austenmoss/testforge/internal/pkg/logger"
	"github.com/austenmoss/testforge/internal/realtime/bus"
	"github.com/austenmoss/testforge/internal/sse"
)

// Notifier turns pipeline lifecycle callbacks into progress events on the
// request's channel: the local hub for subscribers on this process, the bus
// for subscribers held by other processes.
type Notifier struct {
	log *logger.Logger
	hub *sse.Hub
	bus bus.Bus
}

func NewNotifier(log *logger.Logger, hub *sse.Hub, b bus.Bus) *Notifier {
	return &Notifier{
		log: log.With("component", "RequestNotifier"),
		hub: hub,
		bus: b,
	}
}

func (n *Notifier) RequestProgress(req *types.Request, stage string, progress int, message string) {
	n.publish(req, "progress", string(req.Status), stage, nil)
}

func (n *Notifier) RequestFailed(req *types.Request, stage string, errorMessage string) {
	n.publish(req, "failed", string(types.RequestFailed), stage, map[string]any{"error": errorMessage})
}

func (n *Notifier) RequestDone(req *types.Request) {
	n.publish(req, "done", string(types.RequestCompleted), req.Stage, nil)
}

func (n *Notifier) publish(req *types.Request, event, status, stage string, metric any) {
	if req == nil {
		return
	}
	msg := sse.Message{
		Channel: sse.RequestChannel(req.ID),
		Event:   event,
		Data: sse.ProgressEvent{
			RequestID:  req.ID,
			Stage:      stage,
			Status:     status,
			StepNumber: sse.StageStep(stage),
			Timestamp:  time.Now().UTC(),
			Metric:     metric,
		},
	}
	if n.hub != nil {
		n.hub.Broadcast(msg)
	}
	if n.bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.bus.Publish(ctx, msg); err != nil {
			n.log.Warn("bus publish failed", "request_id", req.ID, "error", err)
		}
	}
}
