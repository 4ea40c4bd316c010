package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/toolbridge/toolbridge/internal/domain/chat"
	apperrors "github.com/toolbridge/toolbridge/pkg/errors"
)

// writeError renders err as a JSON error body in the client's dialect.
func writeError(c *gin.Context, dialect chat.Dialect, err error) {
	status := httpStatus(err)
	msg := messageOf(err)

	if dialect == chat.DialectOllama {
		c.JSON(status, gin.H{
			"error": msg,
			"done":  true,
		})
		return
	}
	c.JSON(status, gin.H{
		"object":  "error",
		"message": msg,
		"type":    errorType(apperrors.CodeOf(err)),
		"code":    nil,
		"param":   nil,
	})
}

func errorType(code apperrors.ErrorCode) string {
	switch code {
	case apperrors.CodeInvalidRequest:
		return "invalid_request_error"
	case apperrors.CodeNotFound:
		return "not_found_error"
	case apperrors.CodeUpstreamTransient, apperrors.CodeUpstreamFatal:
		return "upstream_error"
	default:
		return "api_error"
	}
}

func httpStatus(err error) int {
	if s := apperrors.StatusOf(err); s > 0 {
		return s
	}
	switch apperrors.CodeOf(err) {
	case apperrors.CodeInvalidRequest:
		return http.StatusBadRequest
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeUpstreamTransient, apperrors.CodeUpstreamFatal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func messageOf(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
