package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"minevault-backend/internal/database"
	apperrors "minevault-backend/internal/errors"
	"minevault-backend/internal/metrics"
	"minevault-backend/internal/models"
	"minevault-backend/internal/tokens"
)

// DeviceAuth validates device bearer tokens for edge-facing endpoints.
// A revoked device authenticates (the token hash still matches) but is
// refused with an explicit code so the edge daemon can stop retrying.
func DeviceAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing authorization header"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization format"})
			c.Abort()
			return
		}

		token := parts[1]
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Empty token"})
			c.Abort()
			return
		}

		var device models.Device
		err := database.DB.Where("token_prefix = ? AND token_hash = ?",
			tokens.Prefix(token), tokens.HashToken(token)).First(&device).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				metrics.DeviceAuthFailures.Inc()
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			} else {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
			}
			c.Abort()
			return
		}

		if device.Status == models.DeviceStatusRevoked {
			metrics.DeviceAuthFailures.Inc()
			c.JSON(http.StatusForbidden, gin.H{
				"error": apperrors.ErrDeviceRevoked.Message,
				"code":  apperrors.ErrDeviceRevoked.Code,
			})
			c.Abort()
			return
		}
		if device.Status != models.DeviceStatusActive {
			c.JSON(http.StatusForbidden, gin.H{"error": "Device is not active"})
			c.Abort()
			return
		}

		c.Set("device", device)
		c.Set("tenant_id", device.TenantID)
		c.Next()
	}
}
