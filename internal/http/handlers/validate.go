package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/austenmoss/testforge/internal/http/response"
	"github.com/austenmoss/testforge/internal/validator"
)

type ValidateHandler struct {
	validator *validator.Validator
}

func NewValidateHandler(v *validator.Validator) *ValidateHandler {
	return &ValidateHandler{validator: v}
}

type validateRequest struct {
	TestCode        string `json:"test_code" binding:"required"`
	ValidationLevel string `json:"validation_level"`
}

// POST /validate/tests
func (h *ValidateHandler) ValidateTests(c *gin.Context) {
	var body validateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_input", err)
		return
	}
	level := validator.Level(body.ValidationLevel)
	switch level {
	case validator.LevelSyntax, validator.LevelSemantic, validator.LevelFull:
	case "":
		level = validator.LevelFull
	default:
		response.RespondError(c, http.StatusBadRequest, "invalid_validation_level", nil)
		return
	}

	res := h.validator.Validate(c.Request.Context(), body.TestCode, level)
	response.RespondOK(c, gin.H{"result": res})
}
