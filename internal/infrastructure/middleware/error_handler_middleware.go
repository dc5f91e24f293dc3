package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "meetwire/pkg/errors"
)

// ErrorBody is the JSON shape of every error the server returns, over HTTP
// and over the signaling socket alike.
type ErrorBody struct {
	Code    apperrors.ErrorCode    `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func NewErrorBody(appErr *apperrors.AppError) ErrorBody {
	body := ErrorBody{Code: appErr.Code, Message: appErr.Message}
	if len(appErr.Context) > 0 {
		body.Details = appErr.Context
	}
	return body
}

// ErrorHandlerMiddleware renders the last error attached to the gin context.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		appErr := apperrors.GetAppError(err)
		if appErr == nil {
			logger.Errorw("unhandled error",
				"error", err.Error(),
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
			appErr = apperrors.NewInternalError("internal server error")
		} else if appErr.HTTPStatus >= http.StatusInternalServerError {
			logger.Errorw("application error",
				"code", appErr.Code,
				"message", appErr.Message,
				"path", c.Request.URL.Path,
				"error", appErr.Cause,
			)
		} else {
			logger.Debugw("request rejected",
				"code", appErr.Code,
				"message", appErr.Message,
				"path", c.Request.URL.Path,
			)
		}

		c.JSON(appErr.HTTPStatus, gin.H{"error": NewErrorBody(appErr)})
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": NewErrorBody(apperrors.NewInternalError("internal server error")),
				})
			}
		}()

		c.Next()
	}
}
