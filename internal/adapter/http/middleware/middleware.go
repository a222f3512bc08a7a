package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"boltcard-withdraw-authority/pkg/apperror"
	"boltcard-withdraw-authority/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// AdminAuth creates a middleware that requires a bearer token matching the
// configured admin token on the administrative (/api/...) endpoint. This is
// deliberately simpler than a signed-request or JWT scheme: there is a
// single operator, not a population of merchants with individually issued
// credentials, so there is nothing for a JWT or HMAC signature to bind
// together beyond the shared secret itself.
func AdminAuth(adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(authHeader, prefix) {
			response.Error(c, apperror.New(apperror.KindMalformedRequest, "missing bearer token", http.StatusUnauthorized))
			c.Abort()
			return
		}
		token := strings.TrimPrefix(authHeader, prefix)
		if subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) != 1 {
			response.Error(c, apperror.New(apperror.KindMalformedRequest, "invalid bearer token", http.StatusUnauthorized))
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequestLogger creates a middleware that logs every HTTP request.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		status := c.Writer.Status()

		event := log.Info()
		if status >= http.StatusInternalServerError {
			event = log.Error()
		} else if status >= http.StatusBadRequest {
			event = log.Warn()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Msg("http request")
	}
}

// Recovery creates a panic recovery middleware.
func Recovery(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("path", c.Request.URL.Path).Msg("panic recovered")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error_code": apperror.KindInternal,
					"message":    "Internal server error",
				})
			}
		}()
		c.Next()
	}
}
