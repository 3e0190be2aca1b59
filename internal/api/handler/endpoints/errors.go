package endpoints

import (
	"errors"
	"net/http"

	"flowstudio/internal/api/handler/response"
	"flowstudio/internal/workflow/engine"
	"flowstudio/internal/workflow/models"
	"flowstudio/internal/workflow/session"
	"flowstudio/internal/workflow/validator"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// writeError maps domain errors to a status and an APIError body. Anything
// unclassified answers fallback.
func writeError(c *gin.Context, logger zerolog.Logger, err error, fallback int) {
	var verrs validator.ValidationErrors
	var verr validator.ValidationError
	switch {
	case errors.As(err, &verrs):
		c.JSON(http.StatusUnprocessableEntity, response.APIError{Message: "validation failed", Data: []validator.ValidationError(verrs)})
	case errors.As(err, &verr):
		c.JSON(http.StatusUnprocessableEntity, response.APIError{Message: "validation failed", Data: []validator.ValidationError{verr}})
	case errors.Is(err, session.ErrNodeNotFound), errors.Is(err, session.ErrEdgeNotFound), errors.Is(err, engine.ErrRunNotFound):
		c.JSON(http.StatusNotFound, response.APIError{Message: err.Error()})
	case errors.Is(err, session.ErrNodeExists), errors.Is(err, session.ErrEdgeExists), errors.Is(err, engine.ErrRunActive),
		errors.Is(err, engine.ErrRunFinished), errors.Is(err, engine.ErrNodeNotRetryable):
		c.JSON(http.StatusConflict, response.APIError{Message: err.Error()})
	case errors.Is(err, models.ErrUnknownNodeKind):
		c.JSON(http.StatusBadRequest, response.APIError{Message: err.Error()})
	default:
		if fallback >= http.StatusInternalServerError {
			logger.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
			c.JSON(fallback, response.APIError{Message: "Internal error"})
			return
		}
		c.JSON(fallback, response.APIError{Message: err.Error()})
	}
}
