package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	types "github.com/austenmoss/testforge/internal/domain"
	"github.com/austenmoss/testforge/internal/http/response"
	"github.com/austenmoss/testforge/internal/services"
)

type GenerateHandler struct {
	requests services.RequestService
}

func NewGenerateHandler(requests services.RequestService) *GenerateHandler {
	return &GenerateHandler{requests: requests}
}

type generateRequest struct {
	URL          string         `json:"url" binding:"required"`
	Requirements []string       `json:"requirements"`
	TestType     string         `json:"test_type"`
	Options      map[string]any `json:"options"`
	OwnerID      *uuid.UUID     `json:"owner_id"`
}

type generateAPIRequest struct {
	OpenAPIURL   string         `json:"openapi_url" binding:"required"`
	Endpoints    []string       `json:"endpoints"`
	Requirements []string       `json:"requirements"`
	Options      map[string]any `json:"options"`
	OwnerID      *uuid.UUID     `json:"owner_id"`
}

type generateResponse struct {
	RequestID uuid.UUID `json:"request_id"`
	TaskID    uuid.UUID `json:"task_id"`
	Status    string    `json:"status"`
	StreamURL string    `json:"stream_url"`
}

// POST /generate/test-cases
func (h *GenerateHandler) GenerateTestCases(c *gin.Context) {
	var body generateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_input", err)
		return
	}
	req, err := h.requests.Submit(c.Request.Context(), services.SubmitInput{
		OwnerID:      body.OwnerID,
		URL:          body.URL,
		Requirements: body.Requirements,
		TestType:     types.TestType(body.TestType),
		Options:      body.Options,
	})
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}
	response.RespondAccepted(c, generateResponse{
		RequestID: req.ID,
		TaskID:    req.ID,
		Status:    string(req.Status),
		StreamURL: "/tasks/" + req.ID.String() + "/stream",
	})
}

// POST /generate/api-tests
func (h *GenerateHandler) GenerateAPITests(c *gin.Context) {
	var body generateAPIRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_input", err)
		return
	}
	req, err := h.requests.Submit(c.Request.Context(), services.SubmitInput{
		OwnerID:      body.OwnerID,
		OpenAPIURL:   body.OpenAPIURL,
		Endpoints:    body.Endpoints,
		Requirements: body.Requirements,
		TestType:     types.TestTypeAPI,
		Options:      body.Options,
	})
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}
	response.RespondAccepted(c, generateResponse{
		RequestID: req.ID,
		TaskID:    req.ID,
		Status:    string(req.Status),
		StreamURL: "/tasks/" + req.ID.String() + "/stream",
	})
}
