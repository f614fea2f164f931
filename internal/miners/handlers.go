// Package miners manages the inventory of mining hardware and its bindings
// to edge collectors. A miner row is deliberately credential-free: the row
// names the machine, the sealed envelope carries how to reach it.
package miners

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"minevault-backend/internal/audit"
	"minevault-backend/internal/database"
	"minevault-backend/internal/models"
)

type createMinerRequest struct {
	Name   string `json:"name" binding:"required,max=128"`
	Model  string `json:"model" binding:"max=64"`
	SiteID *uint  `json:"site_id"`
}

type updateMinerRequest struct {
	Name   *string `json:"name"`
	Model  *string `json:"model"`
	Active *bool   `json:"active"`
}

type bindRequest struct {
	DeviceID   string `json:"device_id" binding:"required"`
	Capability string `json:"capability" binding:"required,oneof=discovery telemetry control"`
}

func HandleCreateMiner(c *gin.Context) {
	tenantID := c.GetUint("tenant_id")

	var req createMinerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
		return
	}

	miner := models.Miner{
		TenantID: tenantID,
		SiteID:   req.SiteID,
		Name:     req.Name,
		Model:    req.Model,
		Active:   true,
	}
	if err := database.DB.Create(&miner).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create miner"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"miner": miner})
}

func HandleListMiners(c *gin.Context) {
	tenantID := c.GetUint("tenant_id")

	var miners []models.Miner
	query := database.DB.Where("tenant_id = ?", tenantID)
	if siteID := c.Query("site_id"); siteID != "" {
		query = query.Where("site_id = ?", siteID)
	}
	if err := query.Order("created_at DESC").Find(&miners).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list miners"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"miners": miners, "count": len(miners)})
}

func HandleGetMiner(c *gin.Context) {
	tenantID := c.GetUint("tenant_id")

	var miner models.Miner
	if err := database.DB.Where("id = ? AND tenant_id = ?", c.Param("minerId"), tenantID).First(&miner).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Miner not found"})
		return
	}

	var bindings []models.MinerBinding
	if err := database.DB.Where("miner_id = ?", miner.ID).Find(&bindings).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load bindings"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"miner": miner, "bindings": bindings})
}

func HandleUpdateMiner(c *gin.Context) {
	tenantID := c.GetUint("tenant_id")

	var req updateMinerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
		return
	}

	var miner models.Miner
	if err := database.DB.Where("id = ? AND tenant_id = ?", c.Param("minerId"), tenantID).First(&miner).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Miner not found"})
		return
	}

	updates := map[string]interface{}{}
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.Model != nil {
		updates["model"] = *req.Model
	}
	if req.Active != nil {
		updates["active"] = *req.Active
	}
	if len(updates) > 0 {
		if err := database.DB.Model(&miner).Updates(updates).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update miner"})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"miner": miner})
}

// HandleBindMiner attaches the miner to a device at a capability level.
// Re-binding the same pair updates the capability in place, so downgrading
// control to telemetry takes effect on the next upload attempt.
func HandleBindMiner(c *gin.Context) {
	tenantID := c.GetUint("tenant_id")

	var req bindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
		return
	}

	var miner models.Miner
	if err := database.DB.Where("id = ? AND tenant_id = ?", c.Param("minerId"), tenantID).First(&miner).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Miner not found"})
		return
	}

	var device models.Device
	if err := database.DB.Where("device_id = ? AND tenant_id = ?", req.DeviceID, tenantID).First(&device).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		return
	}
	if device.Status == models.DeviceStatusRevoked {
		c.JSON(http.StatusConflict, gin.H{"error": "Cannot bind a revoked device"})
		return
	}

	var binding models.MinerBinding
	err := database.DB.Where("device_id = ? AND miner_id = ?", device.ID, miner.ID).First(&binding).Error
	if err == nil {
		if err := database.DB.Model(&binding).Update("capability", req.Capability).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update binding"})
			return
		}
		binding.Capability = req.Capability
		c.JSON(http.StatusOK, gin.H{"binding": binding})
		return
	}

	binding = models.MinerBinding{
		TenantID:   tenantID,
		DeviceID:   device.ID,
		MinerID:    miner.ID,
		Capability: req.Capability,
	}
	if err := database.DB.Create(&binding).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create binding"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"binding": binding})
}

// HandleUnbindMiner removes the binding and purges any undelivered envelope
// for the pair. The audit trail records the purge.
func HandleUnbindMiner(c *gin.Context) {
	tenantID := c.GetUint("tenant_id")
	userID := c.GetString("user_id")

	var miner models.Miner
	if err := database.DB.Where("id = ? AND tenant_id = ?", c.Param("minerId"), tenantID).First(&miner).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Miner not found"})
		return
	}

	var device models.Device
	if err := database.DB.Where("device_id = ? AND tenant_id = ?", c.Param("deviceId"), tenantID).First(&device).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		return
	}

	var purged int64
	err := database.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ? AND miner_id = ?", device.ID, miner.ID).
			Delete(&models.MinerBinding{}).Error; err != nil {
			return err
		}
		result := tx.Where("device_id = ? AND miner_id = ?", device.ID, miner.ID).
			Delete(&models.SecretEnvelope{})
		purged = result.RowsAffected
		return result.Error
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove binding"})
		return
	}

	if purged > 0 {
		audit.NewRecorder(database.DB).Record(audit.Entry{
			EventType: audit.EventSecretDelete,
			TenantID:  tenantID,
			ActorType: audit.ActorUser,
			ActorID:   userID,
			DeviceID:  &device.ID,
			MinerID:   &miner.ID,
			Outcome:   audit.OutcomeSuccess,
			Reason:    "binding removed",
			RequestID: c.GetString("request_id"),
		})
	}

	c.JSON(http.StatusOK, gin.H{"removed": true, "purged_envelopes": purged})
}
