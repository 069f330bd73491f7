package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/austenmoss/testforge/internal/platform/apierr"
	pkgerrors "github.com/austenmoss/testforge/internal/pkg/errors"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

// RespondDomainError translates the error taxonomy into an HTTP status and
// stable code. An *apierr.Error anywhere in the chain wins.
func RespondDomainError(c *gin.Context, err error) {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		RespondError(c, ae.Status, ae.Code, err)
		return
	}
	switch {
	case errors.Is(err, pkgerrors.ErrNotFound):
		RespondError(c, http.StatusNotFound, "not_found", err)
	case errors.Is(err, pkgerrors.ErrInvalidInput):
		RespondError(c, http.StatusBadRequest, "invalid_input", err)
	case errors.Is(err, pkgerrors.ErrCheckpointCorrupt):
		RespondError(c, http.StatusConflict, "checkpoint_corrupt", err)
	case errors.Is(err, pkgerrors.ErrCancelled):
		RespondError(c, http.StatusConflict, "cancelled", err)
	default:
		RespondError(c, http.StatusInternalServerError, "internal", err)
	}
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

func RespondAccepted(c *gin.Context, payload any) {
	c.JSON(http.StatusAccepted, payload)
}
