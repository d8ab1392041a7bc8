package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"verifactu/internal/core/apperror"
	"verifactu/pkg/logger"
)

// retryAfterSeconds is advertised on retryable (503) responses.
const retryAfterSeconds = 1

// ErrorHandler middleware transforms errors into consistent JSON responses.
// Hides internal errors from clients while logging full details.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		WriteError(c, c.Errors.Last().Err)
	}
}

// WriteError renders err as the standard error body.
func WriteError(c *gin.Context, err error) {
	ctx := c.Request.Context()

	appErr, ok := apperror.AsAppError(err)
	if !ok {
		logger.Error(ctx, "unhandled error", "error", err)
		appErr = apperror.NewInternal(err)
	} else if appErr.Err != nil {
		logger.Error(ctx, "request error",
			"code", appErr.Code,
			"cause", appErr.Err,
		)
	}

	body := gin.H{
		"code":    appErr.Code,
		"message": appErr.Message,
	}
	if len(appErr.Details) > 0 {
		body["details"] = appErr.Details
	}
	if appErr.Code == apperror.CodeInternal {
		// Never leak internal details.
		body["message"] = "Internal server error"
		body["details"] = gin.H{"request_id": c.GetString("request_id")}
	}
	if appErr.Retryable {
		body["retryable"] = true
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
	}

	status := appErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	c.AbortWithStatusJSON(status, body)
}
