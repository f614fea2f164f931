// Package devices implements edge collector enrollment and key lifecycle.
// A device is registered with its X25519 public key, receives an opaque ID
// and a bearer token exactly once, and from then on only rotates keys or
// gets revoked. Revocation is terminal.
package devices

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"minevault-backend/internal/audit"
	"minevault-backend/internal/config"
	"minevault-backend/internal/database"
	"minevault-backend/internal/envelope"
	apperrors "minevault-backend/internal/errors"
	"minevault-backend/internal/models"
	"minevault-backend/internal/tokens"
)

type registerRequest struct {
	Label     string `json:"label" binding:"required,max=128"`
	SiteID    *uint  `json:"site_id"`
	PublicKey string `json:"public_key" binding:"required"`
}

type rotateRequest struct {
	PublicKey string `json:"public_key" binding:"required"`
}

func recordEvent(c *gin.Context, e audit.Entry) {
	if e.RequestID == "" {
		e.RequestID = c.GetString("request_id")
	}
	audit.NewRecorder(database.DB).Record(e)
}

// decodePublicKey validates a base64-encoded X25519 public key submission.
func decodePublicKey(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apperrors.ErrInvalidPublicKey
	}
	if err := envelope.ValidatePublicKey(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// HandleRegisterDevice enrolls a new edge collector. The response carries the
// bearer token in plaintext; it is never retrievable again.
func HandleRegisterDevice(c *gin.Context) {
	tenantID := c.GetUint("tenant_id")
	userID := c.GetString("user_id")

	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
		return
	}

	pubKey, err := decodePublicKey(req.PublicKey)
	if err != nil {
		recordEvent(c, audit.Entry{
			EventType: audit.EventDeviceRegister,
			TenantID:  tenantID,
			ActorType: audit.ActorUser,
			ActorID:   userID,
			Outcome:   audit.OutcomeError,
			Reason:    "invalid public key",
		})
		c.JSON(http.StatusBadRequest, gin.H{"error": apperrors.ErrInvalidPublicKey.Message, "code": apperrors.ErrInvalidPublicKey.Code})
		return
	}

	token, tokenHash, err := tokens.GenerateDeviceToken(tenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate device token"})
		return
	}

	status := models.DeviceStatusActive
	if config.GetEnv("DEVICE_APPROVAL_REQUIRED", "false") == "true" {
		status = models.DeviceStatusPending
	}

	device := models.Device{
		TenantID:    tenantID,
		DeviceID:    "dev_" + uuid.New().String(),
		SiteID:      req.SiteID,
		Label:       req.Label,
		TokenHash:   tokenHash,
		TokenPrefix: tokens.Prefix(token),
		PublicKey:   base64.StdEncoding.EncodeToString(pubKey),
		KeyVersion:  1,
		Status:      status,
	}

	err = database.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&device).Error; err != nil {
			return err
		}
		return tx.Create(&models.DeviceKey{
			DeviceID:  device.ID,
			Version:   1,
			PublicKey: device.PublicKey,
		}).Error
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to register device"})
		return
	}

	recordEvent(c, audit.Entry{
		EventType: audit.EventDeviceRegister,
		TenantID:  tenantID,
		ActorType: audit.ActorUser,
		ActorID:   userID,
		DeviceID:  &device.ID,
		Outcome:   audit.OutcomeSuccess,
		Context: map[string]interface{}{
			"device_id":       device.DeviceID,
			"key_fingerprint": envelope.Fingerprint(pubKey),
			"status":          status,
		},
	})

	c.JSON(http.StatusCreated, gin.H{
		"device": device,
		"token":  token,
	})
}

// HandleListDevices returns all devices for the caller's tenant, revoked ones
// included so the audit trail stays explorable.
func HandleListDevices(c *gin.Context) {
	tenantID := c.GetUint("tenant_id")

	var devices []models.Device
	query := database.DB.Where("tenant_id = ?", tenantID)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Order("created_at DESC").Find(&devices).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list devices"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"devices": devices, "count": len(devices)})
}

// HandleGetDevice returns one device with its key history.
func HandleGetDevice(c *gin.Context) {
	tenantID := c.GetUint("tenant_id")

	var device models.Device
	if err := database.DB.Where("device_id = ? AND tenant_id = ?", c.Param("deviceId"), tenantID).First(&device).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		return
	}

	var keys []models.DeviceKey
	if err := database.DB.Where("device_id = ?", device.ID).Order("version ASC").Find(&keys).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load key history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"device": device, "keys": keys})
}

// HandleApproveDevice moves a pending device to active. A no-op on devices
// that are already active; revoked devices stay revoked.
func HandleApproveDevice(c *gin.Context) {
	tenantID := c.GetUint("tenant_id")
	userID := c.GetString("user_id")

	var device models.Device
	if err := database.DB.Where("device_id = ? AND tenant_id = ?", c.Param("deviceId"), tenantID).First(&device).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		return
	}

	if device.Status == models.DeviceStatusRevoked {
		recordEvent(c, audit.Entry{
			EventType: audit.EventDeviceApprove,
			TenantID:  tenantID,
			ActorType: audit.ActorUser,
			ActorID:   userID,
			DeviceID:  &device.ID,
			Outcome:   audit.OutcomeError,
			Reason:    "device revoked",
		})
		c.JSON(http.StatusConflict, gin.H{"error": apperrors.ErrDeviceRevoked.Message, "code": apperrors.ErrDeviceRevoked.Code})
		return
	}
	if device.Status == models.DeviceStatusPending {
		if err := database.DB.Model(&device).Update("status", models.DeviceStatusActive).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to approve device"})
			return
		}
		device.Status = models.DeviceStatusActive
		recordEvent(c, audit.Entry{
			EventType: audit.EventDeviceApprove,
			TenantID:  tenantID,
			ActorType: audit.ActorUser,
			ActorID:   userID,
			DeviceID:  &device.ID,
			Outcome:   audit.OutcomeSuccess,
			Context: map[string]interface{}{
				"device_id": device.DeviceID,
			},
		})
	}

	c.JSON(http.StatusOK, gin.H{"device": device})
}

// HandleRotateDeviceKey installs a new public key and bumps the version.
// Old versions are retained, marked superseded, so envelopes already sealed
// against them remain resolvable. Counter state is deliberately untouched:
// rotation must not reset replay protection.
func HandleRotateDeviceKey(c *gin.Context) {
	tenantID := c.GetUint("tenant_id")
	userID := c.GetString("user_id")

	var req rotateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
		return
	}

	var device models.Device
	if err := database.DB.Where("device_id = ? AND tenant_id = ?", c.Param("deviceId"), tenantID).First(&device).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		return
	}

	failAudit := func(reason string) {
		recordEvent(c, audit.Entry{
			EventType: audit.EventDeviceRotate,
			TenantID:  tenantID,
			ActorType: audit.ActorUser,
			ActorID:   userID,
			DeviceID:  &device.ID,
			Outcome:   audit.OutcomeError,
			Reason:    reason,
		})
	}

	if device.Status != models.DeviceStatusActive {
		failAudit("device not active")
		if device.Status == models.DeviceStatusRevoked {
			c.JSON(http.StatusForbidden, gin.H{"error": apperrors.ErrDeviceRevoked.Message, "code": apperrors.ErrDeviceRevoked.Code})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": "Device is not active"})
		return
	}

	pubKey, err := decodePublicKey(req.PublicKey)
	if err != nil {
		failAudit("invalid public key")
		c.JSON(http.StatusBadRequest, gin.H{"error": apperrors.ErrInvalidPublicKey.Message, "code": apperrors.ErrInvalidPublicKey.Code})
		return
	}

	encoded := base64.StdEncoding.EncodeToString(pubKey)
	newVersion := device.KeyVersion + 1
	now := time.Now()

	err = database.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.DeviceKey{}).
			Where("device_id = ? AND version = ?", device.ID, device.KeyVersion).
			Update("superseded_at", now).Error; err != nil {
			return err
		}
		if err := tx.Create(&models.DeviceKey{
			DeviceID:  device.ID,
			Version:   newVersion,
			PublicKey: encoded,
		}).Error; err != nil {
			return err
		}
		return tx.Model(&models.Device{}).Where("id = ?", device.ID).Updates(map[string]interface{}{
			"public_key":  encoded,
			"key_version": newVersion,
		}).Error
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to rotate device key"})
		return
	}

	recordEvent(c, audit.Entry{
		EventType: audit.EventDeviceRotate,
		TenantID:  tenantID,
		ActorType: audit.ActorUser,
		ActorID:   userID,
		DeviceID:  &device.ID,
		Outcome:   audit.OutcomeSuccess,
		Context: map[string]interface{}{
			"key_version":     newVersion,
			"key_fingerprint": envelope.Fingerprint(pubKey),
		},
	})

	c.JSON(http.StatusOK, gin.H{
		"device_id":   device.DeviceID,
		"key_version": newVersion,
	})
}

// HandleRevokeDevice marks a device revoked and purges its undelivered
// envelopes. Idempotent: revoking twice reports success both times.
func HandleRevokeDevice(c *gin.Context) {
	tenantID := c.GetUint("tenant_id")
	userID := c.GetString("user_id")

	var device models.Device
	if err := database.DB.Where("device_id = ? AND tenant_id = ?", c.Param("deviceId"), tenantID).First(&device).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		return
	}

	if device.Status == models.DeviceStatusRevoked {
		// Repeated revocation is a no-op but still lands in the trail.
		recordEvent(c, audit.Entry{
			EventType: audit.EventDeviceRevoke,
			TenantID:  tenantID,
			ActorType: audit.ActorUser,
			ActorID:   userID,
			DeviceID:  &device.ID,
			Outcome:   audit.OutcomeSuccess,
			Reason:    "already revoked",
		})
		c.JSON(http.StatusOK, gin.H{"device_id": device.DeviceID, "status": device.Status})
		return
	}

	now := time.Now()
	var purged int64
	err := database.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Device{}).Where("id = ?", device.ID).Updates(map[string]interface{}{
			"status":     models.DeviceStatusRevoked,
			"revoked_at": now,
		}).Error; err != nil {
			return err
		}
		result := tx.Where("device_id = ?", device.ID).Delete(&models.SecretEnvelope{})
		purged = result.RowsAffected
		return result.Error
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to revoke device"})
		return
	}

	recordEvent(c, audit.Entry{
		EventType: audit.EventDeviceRevoke,
		TenantID:  tenantID,
		ActorType: audit.ActorUser,
		ActorID:   userID,
		DeviceID:  &device.ID,
		Outcome:   audit.OutcomeSuccess,
		Context: map[string]interface{}{
			"device_id":        device.DeviceID,
			"purged_envelopes": purged,
		},
	})

	c.JSON(http.StatusOK, gin.H{"device_id": device.DeviceID, "status": models.DeviceStatusRevoked})
}

// HandleGetDevicePublicKey returns the current wrapping key for a device.
// This is what an owner seals against; it fails closed for anything that is
// not an active device.
func HandleGetDevicePublicKey(c *gin.Context) {
	tenantID := c.GetUint("tenant_id")

	var device models.Device
	if err := database.DB.Where("device_id = ? AND tenant_id = ?", c.Param("deviceId"), tenantID).First(&device).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		return
	}

	if device.Status == models.DeviceStatusRevoked {
		c.JSON(http.StatusForbidden, gin.H{"error": apperrors.ErrDeviceRevoked.Message, "code": apperrors.ErrDeviceRevoked.Code})
		return
	}
	if device.Status != models.DeviceStatusActive {
		c.JSON(http.StatusConflict, gin.H{"error": "Device is not active"})
		return
	}

	recordEvent(c, audit.Entry{
		EventType: audit.EventDevicePubkeyRead,
		TenantID:  tenantID,
		ActorType: audit.ActorUser,
		ActorID:   c.GetString("user_id"),
		DeviceID:  &device.ID,
		Outcome:   audit.OutcomeSuccess,
		Context: map[string]interface{}{
			"key_version": device.KeyVersion,
		},
	})

	c.JSON(http.StatusOK, gin.H{
		"device_id":   device.DeviceID,
		"public_key":  device.PublicKey,
		"key_version": device.KeyVersion,
	})
}
