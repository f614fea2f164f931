// Package audit maintains the append-only event trail. Every device
// lifecycle transition and every envelope write/read produces exactly one
// event, failures included. Context fields are masked before they are
// persisted; no key material, plaintext, or raw addresses ever land here.
package audit

import (
	"log"
	"strings"

	"gorm.io/gorm"

	"minevault-backend/internal/models"
)

// Event types recorded by the coordination service.
const (
	EventDeviceRegister   = "device.register"
	EventDeviceApprove    = "device.approve"
	EventDeviceRotate     = "device.rotate_key"
	EventDeviceRevoke     = "device.revoke"
	EventDevicePubkeyRead = "device.pubkey_read"
	EventSecretUpload     = "secret.upload"
	EventSecretPull       = "secret.pull"
	EventSecretAck        = "secret.ack"
	EventSecretDelete     = "secret.delete"
	EventRollbackRejected = "secret.rollback_rejected"
)

// Actor types.
const (
	ActorUser   = "user"
	ActorDevice = "device"
	ActorSystem = "system"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

type Recorder struct {
	db *gorm.DB
}

func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

// Entry describes one event to append.
type Entry struct {
	EventType string
	TenantID  uint
	ActorType string
	ActorID   string
	DeviceID  *uint
	MinerID   *uint
	Outcome   string
	Reason    string
	Context   map[string]interface{}
	RequestID string
}

// Record appends the event. A failed write is logged and swallowed: audit
// persistence must never turn a completed operation into a failure, and the
// row itself is never updated afterwards.
func (r *Recorder) Record(e Entry) {
	event := models.AuditEvent{
		EventType: e.EventType,
		TenantID:  e.TenantID,
		ActorType: e.ActorType,
		ActorID:   e.ActorID,
		DeviceID:  e.DeviceID,
		MinerID:   e.MinerID,
		Outcome:   e.Outcome,
		Reason:    e.Reason,
		Context:   models.MarshalContext(e.Context),
		RequestID: e.RequestID,
	}

	if err := r.db.Create(&event).Error; err != nil {
		log.Printf("audit: failed to append %s event: %v", e.EventType, err)
	}
}

// MaskIP keeps only the first two octets of an IPv4 address. Anything that
// does not look like IPv4 is masked entirely.
func MaskIP(ip string) string {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return "masked"
	}
	return parts[0] + "." + parts[1] + ".x.x"
}
