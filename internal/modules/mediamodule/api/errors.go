package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	mediaerrors "github.com/mantonx/beatdrop/internal/modules/mediamodule/errors"
)

// ErrorResponse represents the standard error response format
type ErrorResponse struct {
	Error   ErrorDetails `json:"error"`
	Success bool         `json:"success"`
}

// ErrorDetails contains detailed error information
type ErrorDetails struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Operation string                 `json:"operation,omitempty"`
	SessionID string                 `json:"sessionId,omitempty"`
	Retryable bool                   `json:"retryable"`
	Context   map[string]interface{} `json:"context,omitempty"`
	RequestID string                 `json:"requestId,omitempty"`
}

// HTTPStatus maps an error kind to its response status
func HTTPStatus(err error) int {
	switch mediaerrors.GetType(err) {
	case mediaerrors.ErrorTypeValidation:
		return http.StatusBadRequest
	case mediaerrors.ErrorTypeInvalidState, mediaerrors.ErrorTypeIncompleteUpload:
		return http.StatusConflict
	case mediaerrors.ErrorTypeUnprobableMedia, mediaerrors.ErrorTypeEncode:
		return http.StatusUnprocessableEntity
	case mediaerrors.ErrorTypeNotFound:
		return http.StatusNotFound
	case mediaerrors.ErrorTypeStorage:
		if errors.Is(err, mediaerrors.ErrObjectNotFound) {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	case mediaerrors.ErrorTypeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RespondWithError sends a structured error response
func RespondWithError(c *gin.Context, logger hclog.Logger, err error) {
	requestID := c.GetString("request_id")
	status := HTTPStatus(err)

	details := ErrorDetails{
		Code:      string(mediaerrors.GetType(err)),
		Message:   err.Error(),
		Operation: mediaerrors.GetOperation(err),
		Retryable: mediaerrors.IsRetryable(err),
		RequestID: requestID,
	}

	var mErr *mediaerrors.MediaError
	if errors.As(err, &mErr) {
		details.SessionID = mErr.SessionID
		if len(mErr.Details) > 0 {
			details.Context = mErr.Details
		}
	}

	// internal failures are logged in full and reported opaquely
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			"error_code", details.Code,
			"operation", details.Operation,
			"session_id", details.SessionID,
			"request_id", requestID,
			"error", err)
		if details.Code == string(mediaerrors.ErrorTypeInternal) {
			details.Message = "internal error"
			details.Context = nil
		}
	} else {
		logger.Debug("request rejected",
			"error_code", details.Code,
			"operation", details.Operation,
			"request_id", requestID,
			"error", err)
	}

	c.JSON(status, ErrorResponse{Error: details})
}

// RespondWithValidationError sends a validation error response
func RespondWithValidationError(c *gin.Context, logger hclog.Logger, op string, err error) {
	RespondWithError(c, logger, mediaerrors.ValidationError(op, err))
}

// ErrorMiddleware recovers from panics and answers with an internal error
func ErrorMiddleware(logger hclog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				var err error
				switch v := r.(type) {
				case error:
					err = v
				default:
					err = fmt.Errorf("%v", v)
				}

				logger.Error("panic recovered",
					"error", err,
					"request_path", c.Request.URL.Path,
					"request_method", c.Request.Method,
				)

				RespondWithError(c, logger, mediaerrors.InternalError("panic", err))
				c.Abort()
			}
		}()
		c.Next()
	}
}
