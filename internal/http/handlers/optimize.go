package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	types "github.com/austenmoss/testforge/internal/domain"
	"github.com/austenmoss/testforge/internal/http/response"
	"github.com/austenmoss/testforge/internal/optimizer"
)

type OptimizeHandler struct {
	optimizer *optimizer.Optimizer
}

func NewOptimizeHandler(o *optimizer.Optimizer) *OptimizeHandler {
	return &OptimizeHandler{optimizer: o}
}

type optimizeTestInput struct {
	TestID   string `json:"test_id"`
	TestName string `json:"test_name"`
	TestCode string `json:"test_code" binding:"required"`
}

type optimizeRequest struct {
	Tests        []optimizeTestInput `json:"tests" binding:"required"`
	Requirements []string            `json:"requirements"`
}

// POST /optimize/tests
func (h *OptimizeHandler) OptimizeTests(c *gin.Context) {
	var body optimizeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_input", err)
		return
	}

	tests := make([]*types.TestCase, 0, len(body.Tests))
	for _, in := range body.Tests {
		id, err := uuid.Parse(in.TestID)
		if err != nil {
			id = uuid.New()
		}
		tests = append(tests, &types.TestCase{
			ID:   id,
			Name: in.TestName,
			Code: in.TestCode,
		})
	}

	res, err := h.optimizer.Optimize(c.Request.Context(), tests, body.Requirements)
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}
	response.RespondOK(c, res)
}
