package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ValidateLoginInput validates login request input before the rate limiter
// so the per-account key can be derived from the email.
func ValidateLoginInput() gin.HandlerFunc {
	return func(c *gin.Context) {
		bodyBytes, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
			c.Abort()
			return
		}

		// Restore body for further processing
		c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

		var payload struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}

		if err := json.Unmarshal(bodyBytes, &payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON format"})
			c.Abort()
			return
		}

		email := strings.TrimSpace(payload.Email)
		if email == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Email is required"})
			c.Abort()
			return
		}

		if !strings.Contains(email, "@") || !strings.Contains(email, ".") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid email format"})
			c.Abort()
			return
		}

		if payload.Password == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Password is required"})
			c.Abort()
			return
		}

		c.Set("validated_email", strings.ToLower(email))

		c.Next()
	}
}

// RequestID attaches a request identifier for audit correlation, preferring
// the one supplied by the ingress proxy.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = generateRequestID()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func generateRequestID() string {
	return uuid.New().String()
}
