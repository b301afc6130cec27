package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDContextKey = "request_id"

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(requestIDContextKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDContextKey, requestID)
	return requestID
}

// requireUser resolves the caller identity from the context or the
// X-User-ID header, rejecting the request when absent.
func requireUser(c *gin.Context) (string, bool) {
	if val, ok := c.Get("userID"); ok {
		if userID, ok := val.(string); ok && userID != "" {
			return userID, true
		}
	}
	if header := c.GetHeader("X-User-ID"); header != "" {
		return header, true
	}

	c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user id"})
	return "", false
}
