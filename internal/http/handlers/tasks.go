package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	types "github.com/austenmoss/testforge/internal/domain"
	"github.com/austenmoss/testforge/internal/http/response"
	"github.com/austenmoss/testforge/internal/pkg/logger"
	"github.com/austenmoss/testforge/internal/services"
	"github.com/austenmoss/testforge/internal/sse"
)

type TaskHandler struct {
	log      *logger.Logger
	requests services.RequestService
	hub      *sse.Hub
}

func NewTaskHandler(log *logger.Logger, requests services.RequestService, hub *sse.Hub) *TaskHandler {
	return &TaskHandler{
		log:      log.With("handler", "TaskHandler"),
		requests: requests,
		hub:      hub,
	}
}

func parseTaskID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_task_id", err)
		return uuid.Nil, false
	}
	return id, true
}

// GET /tasks/:id?include_tests=bool
func (h *TaskHandler) GetTask(c *gin.Context) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}
	req, err := h.requests.Get(c.Request.Context(), id)
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}

	metrics, err := h.requests.Metrics(c.Request.Context(), id)
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}

	payload := gin.H{
		"task":    req,
		"metrics": summarizeMetrics(metrics),
	}
	if include, _ := strconv.ParseBool(c.Query("include_tests")); include {
		tests, err := h.requests.Tests(c.Request.Context(), id)
		if err != nil {
			response.RespondDomainError(c, err)
			return
		}
		payload["tests"] = tests
	}
	response.RespondOK(c, payload)
}

// GET /tasks/:id/stream
func (h *TaskHandler) Stream(c *gin.Context) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}
	req, err := h.requests.Get(c.Request.Context(), id)
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}

	client := h.hub.NewClient()
	h.hub.AddChannel(client, sse.RequestChannel(id))
	defer h.hub.CloseClient(client)

	// Late subscribers receive the current status on join, then live events.
	client.Outbound <- sse.Message{
		Channel: sse.RequestChannel(id),
		Event:   "status",
		Data: sse.ProgressEvent{
			RequestID:  id,
			Stage:      req.Stage,
			Status:     string(req.Status),
			StepNumber: sse.StageStep(req.Stage),
			Timestamp:  time.Now().UTC(),
		},
	}

	h.hub.ServeHTTP(c.Writer, c.Request, client)
}

// POST /tasks/:id/resume
func (h *TaskHandler) Resume(c *gin.Context) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}
	req, err := h.requests.Resume(c.Request.Context(), id)
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"task": req})
}

// POST /tasks/:id/cancel
func (h *TaskHandler) Cancel(c *gin.Context) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}
	req, err := h.requests.Cancel(c.Request.Context(), id)
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"task": req})
}

func summarizeMetrics(metrics []*types.GenerationMetric) gin.H {
	var totalMs int64
	var tokens int
	byAgent := gin.H{}
	for _, m := range metrics {
		if m.DurationMs != nil {
			totalMs += *m.DurationMs
		}
		if m.TokensTotal != nil {
			tokens += *m.TokensTotal
		}
		byAgent[string(m.AgentName)] = gin.H{
			"status":      m.Status,
			"step_number": m.StepNumber,
			"duration_ms": m.DurationMs,
		}
	}
	return gin.H{
		"stage_count":       len(metrics),
		"total_duration_ms": totalMs,
		"total_tokens":      tokens,
		"by_agent":          byAgent,
	}
}
