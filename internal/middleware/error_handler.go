package middleware

import (
	"github.com/gin-gonic/gin"

	"estate_chat/pkg/errors"
	"estate_chat/pkg/logger"
)

func ErrorHandler(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Проверяем есть ли ошибки
		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		statusCode := errors.HTTPStatusFromError(err)
		if statusCode >= 500 {
			log.Error("Request failed", "error", err, "method", c.Request.Method, "path", c.Request.URL.Path)
		}

		c.JSON(statusCode, gin.H{
			"error": errors.PublicMessage(err),
		})
	}
}
