package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/neurobridge-contentgen/internal/data/repos/ledger"
	"github.com/yungbote/neurobridge-contentgen/internal/pkg/apperr"
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
		msg = apperr.Sanitize(err)
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

// RespondServiceError maps a service error to its HTTP status. Internal
// failures are reported without detail.
func RespondServiceError(c *gin.Context, code string, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		RespondError(c, http.StatusNotFound, "not_found", err)
	case apperr.ClassOf(err) == apperr.ClassValidation:
		RespondError(c, http.StatusBadRequest, code, err)
	default:
		_ = c.Error(err)
		RespondError(c, http.StatusInternalServerError, code, errors.New("internal error"))
	}
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

func RespondAccepted(c *gin.Context, payload any) {
	c.JSON(http.StatusAccepted, payload)
}
