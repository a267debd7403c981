package api

import (
	"net/http"

	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func statusFor(kind service.ErrorKind) int {
	switch kind {
	case service.KindUnauthenticated:
		return http.StatusUnauthorized
	case service.KindEmptyCart, service.KindValidation, service.KindInvalidStateTransition:
		return http.StatusBadRequest
	case service.KindSessionNotFound:
		return http.StatusNotFound
	case service.KindPaymentConflict:
		return http.StatusConflict
	case service.KindPaymentGateway:
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}

// respondError writes {"error": kind, "details": message}
func respondError(c *gin.Context, err error) {
	kind := service.KindOf(err)
	status := statusFor(kind)

	if status >= http.StatusInternalServerError {
		util.GetLogger().Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.String("kind", string(kind)),
			zap.Error(err))
		util.RecordError(c.Request.Context(), err)
	}
	if kind.Retryable() {
		c.Header("Retry-After", "1")
	}

	c.JSON(status, gin.H{
		"error":   kind,
		"details": err.Error(),
	})
}

func respondValidation(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   service.KindValidation,
		"details": message,
	})
}
