// Package secrets implements the coordination surface for sealed envelope
// delivery. The server never sees plaintext credentials: it stores envelope
// rows opaquely and enforces the policy around them: who may upload, which
// key version is current, whether the declared context matches server-held
// state, and whether the counter moves forward.
package secrets

import (
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"minevault-backend/internal/audit"
	"minevault-backend/internal/database"
	"minevault-backend/internal/envelope"
	apperrors "minevault-backend/internal/errors"
	"minevault-backend/internal/metrics"
	"minevault-backend/internal/models"
	"minevault-backend/internal/presence"
	"minevault-backend/internal/rollback"
)

type uploadRequest struct {
	WrappedDEK string       `json:"wrapped_dek" binding:"required"`
	Ciphertext string       `json:"ciphertext" binding:"required"`
	Nonce      string       `json:"nonce" binding:"required"`
	AAD        envelope.AAD `json:"aad" binding:"required"`
	Counter    uint64       `json:"counter" binding:"required"`
	KeyVersion int          `json:"key_version" binding:"required"`
}

type ackRequest struct {
	MinerID uint   `json:"miner_id" binding:"required"`
	Counter uint64 `json:"counter" binding:"required"`
}

func appErrorResponse(c *gin.Context, status int, appErr *apperrors.AppError) {
	c.JSON(status, gin.H{"error": appErr.Message, "code": appErr.Code})
}

// expectedAAD rebuilds the context the envelope must be bound to, from rows
// the server holds. Client-declared tenant, device or resource identifiers
// are never trusted verbatim; only the timestamp is taken from the submission
// because the server did not observe the sealing instant.
func expectedAAD(device *models.Device, minerID uint, counter uint64, clientTimestamp int64) envelope.AAD {
	aad := envelope.AAD{
		SchemaVersion: envelope.SchemaVersion,
		Algorithm:     envelope.Algorithm,
		TenantID:      device.TenantID,
		DeviceID:      device.DeviceID,
		ResourceID:    minerID,
		Counter:       counter,
		Timestamp:     clientTimestamp,
	}
	if device.SiteID != nil {
		aad.SiteID = *device.SiteID
	}
	return aad
}

// HandleUploadSecret accepts a sealed envelope from an owner for one
// (device, miner) pair. Every rejection path is audited; none of them reveal
// anything about the envelope contents because the server never had them.
func HandleUploadSecret(c *gin.Context) {
	tenantID := c.GetUint("tenant_id")
	userID := c.GetString("user_id")

	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
		return
	}

	var device models.Device
	if err := database.DB.Where("device_id = ? AND tenant_id = ?", c.Param("deviceId"), tenantID).First(&device).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		return
	}

	var miner models.Miner
	if err := database.DB.Where("id = ? AND tenant_id = ?", c.Param("minerId"), tenantID).First(&miner).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Miner not found"})
		return
	}

	recorder := audit.NewRecorder(database.DB)
	fail := func(reason string, eventType string) {
		recorder.Record(audit.Entry{
			EventType: eventType,
			TenantID:  tenantID,
			ActorType: audit.ActorUser,
			ActorID:   userID,
			DeviceID:  &device.ID,
			MinerID:   &miner.ID,
			Outcome:   audit.OutcomeError,
			Reason:    reason,
			RequestID: c.GetString("request_id"),
		})
	}

	if device.Status == models.DeviceStatusRevoked {
		fail("device revoked", audit.EventSecretUpload)
		appErrorResponse(c, http.StatusForbidden, apperrors.ErrDeviceRevoked)
		return
	}
	if device.Status != models.DeviceStatusActive {
		fail("device not active", audit.EventSecretUpload)
		c.JSON(http.StatusConflict, gin.H{"error": "Device is not active"})
		return
	}

	var binding models.MinerBinding
	err := database.DB.Where("device_id = ? AND miner_id = ?", device.ID, miner.ID).First(&binding).Error
	if err != nil || binding.Capability != models.CapabilityControl {
		fail("missing control binding", audit.EventSecretUpload)
		c.JSON(http.StatusForbidden, gin.H{"error": "Secret upload requires a control-level binding to the target device"})
		return
	}

	if req.KeyVersion != device.KeyVersion {
		fail("stale key version", audit.EventSecretUpload)
		appErrorResponse(c, http.StatusConflict, apperrors.ErrKeyVersion)
		return
	}
	if req.AAD.SchemaVersion != envelope.SchemaVersion {
		fail("schema version mismatch", audit.EventSecretUpload)
		appErrorResponse(c, http.StatusBadRequest, apperrors.ErrSchemaVersion)
		return
	}

	if req.AAD != expectedAAD(&device, miner.ID, req.Counter, req.AAD.Timestamp) {
		fail("context binding mismatch", audit.EventSecretUpload)
		appErrorResponse(c, http.StatusBadRequest, apperrors.ErrContextBinding)
		return
	}

	if !validEnvelopeShape(req) {
		fail("malformed envelope", audit.EventSecretUpload)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed envelope encoding"})
		return
	}

	tracker := rollback.NewTracker(database.DB)
	if err := tracker.ValidateUpload(database.DB, tenantID, device.ID, miner.ID, req.Counter); err != nil {
		fail("counter not above last acknowledged", audit.EventRollbackRejected)
		metrics.RollbackRejections.Inc()
		appErrorResponse(c, http.StatusConflict, apperrors.ErrRollbackDetected)
		return
	}

	aadBytes, err := req.AAD.Canonical()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid AAD"})
		return
	}

	row := models.SecretEnvelope{
		TenantID:      tenantID,
		DeviceID:      device.ID,
		MinerID:       miner.ID,
		WrappedDEK:    req.WrappedDEK,
		Ciphertext:    req.Ciphertext,
		Nonce:         req.Nonce,
		AAD:           models.JSON(aadBytes),
		Counter:       req.Counter,
		KeyVersion:    req.KeyVersion,
		SchemaVersion: req.AAD.SchemaVersion,
	}

	err = database.DB.Transaction(func(tx *gorm.DB) error {
		var existing models.SecretEnvelope
		lookupErr := tx.Where("device_id = ? AND miner_id = ?", device.ID, miner.ID).First(&existing).Error
		if lookupErr == nil {
			// One pending envelope per pair: a replacement must advance the
			// counter past the one it displaces, not just past the last ack.
			if req.Counter <= existing.Counter {
				return apperrors.ErrRollbackDetected
			}
			if err := tx.Delete(&existing).Error; err != nil {
				return err
			}
		} else if lookupErr != gorm.ErrRecordNotFound {
			return lookupErr
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		if err == apperrors.ErrRollbackDetected {
			fail("counter not above pending envelope", audit.EventRollbackRejected)
			metrics.RollbackRejections.Inc()
			appErrorResponse(c, http.StatusConflict, apperrors.ErrRollbackDetected)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store envelope"})
		return
	}

	metrics.SecretUploads.Inc()
	recorder.Record(audit.Entry{
		EventType: audit.EventSecretUpload,
		TenantID:  tenantID,
		ActorType: audit.ActorUser,
		ActorID:   userID,
		DeviceID:  &device.ID,
		MinerID:   &miner.ID,
		Outcome:   audit.OutcomeSuccess,
		Context: map[string]interface{}{
			"counter":     req.Counter,
			"key_version": req.KeyVersion,
		},
		RequestID: c.GetString("request_id"),
	})

	c.JSON(http.StatusCreated, gin.H{
		"envelope_id": row.ID,
		"counter":     row.Counter,
	})
}

// validEnvelopeShape checks the opaque fields decode to the documented sizes.
// Contents are not inspected beyond that.
func validEnvelopeShape(req uploadRequest) bool {
	wrapped, err := base64.StdEncoding.DecodeString(req.WrappedDEK)
	if err != nil || len(wrapped) != envelope.KeySize+32+16 {
		return false
	}
	nonce, err := base64.StdEncoding.DecodeString(req.Nonce)
	if err != nil || len(nonce) != envelope.NonceSize {
		return false
	}
	ciphertext, err := base64.StdEncoding.DecodeString(req.Ciphertext)
	if err != nil || len(ciphertext) == 0 {
		return false
	}
	return true
}

// HandlePullSecrets returns all pending envelopes for the authenticated
// device. Devices only ever see their own rows; the middleware already
// refused revoked and pending devices.
func HandlePullSecrets(c *gin.Context) {
	device := c.MustGet("device").(models.Device)

	var envelopes []models.SecretEnvelope
	if err := database.DB.Where("device_id = ?", device.ID).Order("miner_id ASC").Find(&envelopes).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load envelopes"})
		return
	}

	presence.Touch(&device)
	metrics.SecretPulls.Inc()

	// Empty polls are recorded too; the trail must show every device contact.
	audit.NewRecorder(database.DB).Record(audit.Entry{
		EventType: audit.EventSecretPull,
		TenantID:  device.TenantID,
		ActorType: audit.ActorDevice,
		ActorID:   device.DeviceID,
		DeviceID:  &device.ID,
		Outcome:   audit.OutcomeSuccess,
		Context: map[string]interface{}{
			"envelopes": len(envelopes),
		},
		RequestID: c.GetString("request_id"),
	})

	c.JSON(http.StatusOK, gin.H{
		"envelopes":   envelopes,
		"count":       len(envelopes),
		"key_version": device.KeyVersion,
	})
}

// HandleAckSecret records that the device applied an envelope. The counter
// advance is a compare-and-set: a stale or duplicate acknowledgement is
// rejected and audited as a rollback attempt. On success the delivered row
// is removed.
func HandleAckSecret(c *gin.Context) {
	device := c.MustGet("device").(models.Device)

	var req ackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
		return
	}

	// Only bound pairs carry counter state. Without this check a device could
	// seed rollback rows for miners it was never given, poisoning future
	// uploads with arbitrary counters.
	var binding models.MinerBinding
	if err := database.DB.Where("device_id = ? AND miner_id = ?", device.ID, req.MinerID).
		First(&binding).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Miner is not bound to this device"})
		return
	}

	recorder := audit.NewRecorder(database.DB)
	tracker := rollback.NewTracker(database.DB)

	err := database.DB.Transaction(func(tx *gorm.DB) error {
		if err := tracker.AcknowledgeTx(tx, device.TenantID, device.ID, req.MinerID, req.Counter); err != nil {
			return err
		}
		return tx.Where("device_id = ? AND miner_id = ? AND counter <= ?",
			device.ID, req.MinerID, req.Counter).Delete(&models.SecretEnvelope{}).Error
	})
	if err != nil {
		if err == apperrors.ErrRollbackDetected {
			metrics.RollbackRejections.Inc()
			recorder.Record(audit.Entry{
				EventType: audit.EventRollbackRejected,
				TenantID:  device.TenantID,
				ActorType: audit.ActorDevice,
				ActorID:   device.DeviceID,
				DeviceID:  &device.ID,
				MinerID:   &req.MinerID,
				Outcome:   audit.OutcomeError,
				Reason:    "acknowledged counter not above last",
				RequestID: c.GetString("request_id"),
			})
			appErrorResponse(c, http.StatusConflict, apperrors.ErrRollbackDetected)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record acknowledgement"})
		return
	}

	metrics.SecretAcks.Inc()
	recorder.Record(audit.Entry{
		EventType: audit.EventSecretAck,
		TenantID:  device.TenantID,
		ActorType: audit.ActorDevice,
		ActorID:   device.DeviceID,
		DeviceID:  &device.ID,
		MinerID:   &req.MinerID,
		Outcome:   audit.OutcomeSuccess,
		Context: map[string]interface{}{
			"counter": req.Counter,
		},
		RequestID: c.GetString("request_id"),
	})

	c.JSON(http.StatusOK, gin.H{"acknowledged": req.Counter})
}
