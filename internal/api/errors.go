package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	tverrors "github.com/tokenvault/tokenvault/internal/errors"
	"github.com/tokenvault/tokenvault/internal/models"
	"github.com/tokenvault/tokenvault/internal/ratelimit"
)

var errBodyTooLarge = errors.New("request body too large")

// bindJSON decodes the body into v. Malformed bodies become validation
// errors so they map to 400.
func bindJSON(c *gin.Context, v interface{}) error {
	if err := c.ShouldBindJSON(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge
		}
		return &tverrors.ValidationError{Field: "body", Reason: "malformed JSON"}
	}
	return nil
}

// writeError maps the error taxonomy onto HTTP. Unknown refs and failed
// refreshes look the same to the caller: both require a relink.
func (s *Server) writeError(c *gin.Context, err error) {
	endpoint := c.FullPath()
	method := c.Request.Method

	switch {
	case errors.Is(err, errBodyTooLarge):
		s.metrics.RecordError("body_too_large", endpoint, method)
		c.JSON(http.StatusRequestEntityTooLarge, models.ErrorResponse{
			Error:   "payload_too_large",
			Message: err.Error(),
		})

	case tverrors.IsValidation(err):
		s.metrics.RecordError("validation", endpoint, method)
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})

	case tverrors.NeedsRelink(err):
		s.metrics.RecordError("relink_required", endpoint, method)
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{
			Error:          "relink_required",
			Message:        "The account must be linked again",
			RelinkRequired: true,
		})

	case tverrors.IsRateLimited(err):
		s.metrics.RecordError("rate_limited", endpoint, method)
		d, _ := tverrors.RetryAfter(err)
		seconds := ratelimit.RetryAfterSeconds(d)
		c.Header("Retry-After", strconv.Itoa(seconds))
		c.JSON(http.StatusTooManyRequests, models.ErrorResponse{
			Error:      "rate_limited",
			Message:    "Upstream rate limit. Please try again later.",
			RetryAfter: seconds,
		})

	default:
		s.metrics.RecordError("internal", endpoint, method)
		s.logger.ErrorWithContext(c.Request.Context(), "request failed",
			"path", endpoint,
			"error", err.Error(),
		)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "internal_error",
			Message: "internal server error",
		})
	}
}
