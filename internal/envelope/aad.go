package envelope

import (
	"encoding/json"

	apperrors "minevault-backend/internal/errors"
)

const (
	// SchemaVersion identifies the envelope wire layout.
	SchemaVersion = 1

	// Algorithm is the declared algorithm identifier carried in every AAD.
	Algorithm = "x25519-hkdf-sha256+chacha20poly1305"
)

// AAD is the additional authenticated data bound to an envelope's ciphertext.
// It travels in the clear but any change to it invalidates the payload tag.
// Field order is fixed; Canonical serialization must be byte-identical on the
// sealing and unsealing side.
type AAD struct {
	SchemaVersion int    `json:"schema_version"`
	Algorithm     string `json:"algorithm"`
	TenantID      uint   `json:"tenant_id"`
	SiteID        uint   `json:"site_id,omitempty"`
	DeviceID      string `json:"device_id"`
	ResourceID    uint   `json:"resource_id"`
	Counter       uint64 `json:"counter"`
	Timestamp     int64  `json:"timestamp"`
}

// Canonical returns the exact byte sequence fed to the AEAD as associated
// data.
func (a AAD) Canonical() ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrSerialization.Code, apperrors.ErrSerialization.Message)
	}
	return data, nil
}

// Binding names the identity an unsealing party expects an envelope to be
// addressed to.
type Binding struct {
	TenantID   uint
	SiteID     uint
	DeviceID   string
	ResourceID uint
}

// Matches checks the AAD's identity fields against the locally expected
// binding. This runs even after a successful decryption, as defense in depth
// against an envelope delivered to the wrong context.
func (a AAD) Matches(b Binding) bool {
	return a.TenantID == b.TenantID &&
		a.SiteID == b.SiteID &&
		a.DeviceID == b.DeviceID &&
		a.ResourceID == b.ResourceID
}
