// Package rollback enforces the strictly-increasing counter contract for each
// (tenant, device, miner) tuple. All state lives in a single AntiRollbackState
// row per tuple; every mutation goes through a compare-and-set so concurrent
// acknowledgements serialize and exactly one writer wins.
package rollback

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "minevault-backend/internal/errors"
	"minevault-backend/internal/models"
)

type Tracker struct {
	db *gorm.DB
}

func NewTracker(db *gorm.DB) *Tracker {
	return &Tracker{db: db}
}

// LastAcked returns the last acknowledged counter for the tuple, zero when no
// acknowledgement has ever been recorded.
func (t *Tracker) LastAcked(tenantID, deviceID, minerID uint) (uint64, error) {
	var state models.AntiRollbackState
	err := t.db.Where("tenant_id = ? AND device_id = ? AND miner_id = ?", tenantID, deviceID, minerID).
		First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return state.LastAckedCounter, nil
}

// Acknowledge advances the counter for the tuple. The update is a single
// conditional UPDATE: it only applies when the incoming counter is strictly
// greater than the stored value, so two racing acknowledgements cannot both
// succeed out of order. A failed compare is reported as ROLLBACK_DETECTED.
func (t *Tracker) Acknowledge(tenantID, deviceID, minerID uint, counter uint64) error {
	return t.acknowledge(t.db, tenantID, deviceID, minerID, counter)
}

// AcknowledgeTx runs the same compare-and-set inside an existing transaction.
func (t *Tracker) AcknowledgeTx(tx *gorm.DB, tenantID, deviceID, minerID uint, counter uint64) error {
	return t.acknowledge(tx, tenantID, deviceID, minerID, counter)
}

func (t *Tracker) acknowledge(db *gorm.DB, tenantID, deviceID, minerID uint, counter uint64) error {
	if counter == 0 {
		return apperrors.ErrRollbackDetected
	}

	// Ensure the row exists; losers of a concurrent create race fall through
	// to the conditional update below.
	seed := models.AntiRollbackState{
		TenantID: tenantID,
		DeviceID: deviceID,
		MinerID:  minerID,
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return err
	}

	result := db.Model(&models.AntiRollbackState{}).
		Where("tenant_id = ? AND device_id = ? AND miner_id = ? AND last_acked_counter < ?",
			tenantID, deviceID, minerID, counter).
		Updates(map[string]interface{}{
			"last_acked_counter":   counter,
			"last_acknowledged_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrRollbackDetected
	}
	return nil
}

// ValidateUpload is the upload-time check: a new envelope's counter must be
// strictly greater than the last acknowledged value. Ambiguity (a read error)
// rejects rather than accepting optimistically.
func (t *Tracker) ValidateUpload(db *gorm.DB, tenantID, deviceID, minerID uint, counter uint64) error {
	var state models.AntiRollbackState
	err := db.Where("tenant_id = ? AND device_id = ? AND miner_id = ?", tenantID, deviceID, minerID).
		First(&state).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.Wrap(err, apperrors.ErrRollbackDetected.Code, "counter state unavailable")
	}
	if counter <= state.LastAckedCounter {
		return apperrors.ErrRollbackDetected
	}
	return nil
}
