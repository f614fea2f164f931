package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"minevault-backend/internal/database"
	"minevault-backend/internal/models"
)

// HandleListEvents returns audit events for the caller's tenant, newest
// first. Read-only: there is no write surface over HTTP.
func HandleListEvents(c *gin.Context) {
	tenantID := c.GetUint("tenant_id")
	if tenantID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing tenant context"})
		return
	}

	query := database.DB.Where("tenant_id = ?", tenantID)

	if eventType := c.Query("event_type"); eventType != "" {
		query = query.Where("event_type = ?", eventType)
	}
	if outcome := c.Query("outcome"); outcome != "" {
		query = query.Where("outcome = ?", outcome)
	}
	if deviceID := c.Query("device_id"); deviceID != "" {
		id, err := strconv.ParseUint(deviceID, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid device_id"})
			return
		}
		query = query.Where("device_id = ?", id)
	}
	if since := c.Query("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		query = query.Where("created_at >= ?", ts)
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	offset := 0
	if raw := c.Query("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	var events []models.AuditEvent
	var total int64
	if err := query.Model(&models.AuditEvent{}).Count(&total).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to query audit events"})
		return
	}
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&events).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to query audit events"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}
