package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Device lifecycle statuses.
const (
	DeviceStatusActive  = "active"
	DeviceStatusPending = "pending"
	DeviceStatusRevoked = "revoked"
)

// Capability levels for a miner-device binding, weakest to strongest.
const (
	CapabilityDiscovery = "discovery"
	CapabilityTelemetry = "telemetry"
	CapabilityControl   = "control"
)

type User struct {
	ID                  uint       `json:"id" gorm:"primaryKey"`
	Email               string     `json:"email" gorm:"uniqueIndex"`
	Password            string     `json:"-"`
	Name                string     `json:"name"`
	Role                string     `json:"role" gorm:"default:'user'"`
	Active              bool       `json:"active" gorm:"default:true"`
	TenantID            uint       `json:"tenant_id" gorm:"index"`
	FailedLoginAttempts int        `json:"-" gorm:"default:0"`
	LockedUntil         *time.Time `json:"-"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

type Tenant struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	OwnerID     uint      `json:"owner_id" gorm:"index"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TokenBlacklist represents blacklisted JWT tokens
type TokenBlacklist struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	TokenHash string    `json:"-" gorm:"uniqueIndex;not null"`
	UserID    uint      `json:"user_id" gorm:"index"`
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason" gorm:"default:'logout'"`
	CreatedAt time.Time `json:"created_at"`
}

// Device represents one edge collector enrolled with a tenant. The bearer
// token is stored hashed; the plaintext is returned exactly once at
// registration. PublicKey holds the base64-encoded current X25519 key and
// KeyVersion is bumped on every rotation. Devices are never hard-deleted:
// revocation flips Status and is irreversible without re-registration.
type Device struct {
	ID          uint       `json:"id" gorm:"primaryKey"`
	TenantID    uint       `json:"tenant_id" gorm:"index;not null"`
	Tenant      Tenant     `json:"-" gorm:"foreignKey:TenantID"`
	DeviceID    string     `json:"device_id" gorm:"uniqueIndex;size:64"` // opaque, server-issued
	SiteID      *uint      `json:"site_id,omitempty" gorm:"index"`
	Label       string     `json:"label" gorm:"size:128"`
	TokenHash   string     `json:"-" gorm:"uniqueIndex"`      // SHA-256 hash of the bearer token
	TokenPrefix string     `json:"token_prefix" gorm:"index"` // First 8 chars for identification
	PublicKey   string     `json:"public_key" gorm:"size:64"` // base64 raw X25519 point
	KeyVersion  int        `json:"key_version" gorm:"default:1"`
	Status      string     `json:"status" gorm:"default:'active';index"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	LastSeenAt  *time.Time `json:"last_seen_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// DeviceKey retains every (version, public key) pair a device has ever held so
// that in-flight envelopes sealed against a superseded version stay resolvable
// until consumed. New envelopes may only target the current version.
type DeviceKey struct {
	ID           uint       `json:"id" gorm:"primaryKey"`
	DeviceID     uint       `json:"device_id" gorm:"index:idx_device_key_version,unique;not null"`
	Version      int        `json:"version" gorm:"index:idx_device_key_version,unique;not null"`
	PublicKey    string     `json:"public_key" gorm:"size:64;not null"`
	SupersededAt *time.Time `json:"superseded_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Miner is the subject resource an envelope targets. Connection details
// (address, credentials) never appear here in plaintext; they exist only
// inside sealed envelopes.
type Miner struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	TenantID  uint      `json:"tenant_id" gorm:"index;not null"`
	Tenant    Tenant    `json:"-" gorm:"foreignKey:TenantID"`
	SiteID    *uint     `json:"site_id,omitempty" gorm:"index"`
	Name      string    `json:"name" gorm:"size:128"`
	Model     string    `json:"model" gorm:"size:64"`
	Active    bool      `json:"active" gorm:"default:true"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MinerBinding attaches a miner to a device at a capability level. Secret
// upload for a miner requires a control-level binding to the target device.
type MinerBinding struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	TenantID   uint      `json:"tenant_id" gorm:"index;not null"`
	DeviceID   uint      `json:"device_id" gorm:"index:idx_binding_device_miner,unique;not null"`
	MinerID    uint      `json:"miner_id" gorm:"index:idx_binding_device_miner,unique;not null"`
	Capability string    `json:"capability" gorm:"default:'telemetry';size:32"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SecretEnvelope persists one sealed delivery. The row is opaque to the
// coordinator: ciphertext, wrapped DEK and nonce are stored as received, and
// the structured AAD column exists so the upload-time binding check can
// compare individual fields against server-held state. At most one pending
// envelope exists per (device, miner) pair; a replacement must carry a
// strictly higher counter. Rows are immutable once written.
type SecretEnvelope struct {
	ID            uint      `json:"id" gorm:"primaryKey"`
	TenantID      uint      `json:"tenant_id" gorm:"index:idx_envelope_device_miner,unique;not null"`
	DeviceID      uint      `json:"device_id" gorm:"index:idx_envelope_device_miner,unique;not null"`
	MinerID       uint      `json:"miner_id" gorm:"index:idx_envelope_device_miner,unique;not null"`
	WrappedDEK    string    `json:"wrapped_dek" gorm:"type:text;not null"` // base64: eph pub || sealed DEK
	Ciphertext    string    `json:"ciphertext" gorm:"type:text;not null"`  // base64
	Nonce         string    `json:"nonce" gorm:"size:32;not null"`         // base64, 12 raw bytes
	AAD           JSON      `json:"aad" gorm:"type:json;not null"`
	Counter       uint64    `json:"counter" gorm:"not null"`
	KeyVersion    int       `json:"key_version" gorm:"not null"`
	SchemaVersion int       `json:"schema_version" gorm:"default:1"`
	CreatedAt     time.Time `json:"created_at"`
}

// AntiRollbackState holds the last acknowledged counter per
// (tenant, device, miner). Updated only through a compare-and-set that
// requires the incoming counter to be strictly greater than the stored value.
type AntiRollbackState struct {
	ID                 uint      `json:"id" gorm:"primaryKey"`
	TenantID           uint      `json:"tenant_id" gorm:"index:idx_rollback_device_miner,unique;not null"`
	DeviceID           uint      `json:"device_id" gorm:"index:idx_rollback_device_miner,unique;not null"`
	MinerID            uint      `json:"miner_id" gorm:"index:idx_rollback_device_miner,unique;not null"`
	LastAckedCounter   uint64    `json:"last_acked_counter" gorm:"default:0"`
	LastAcknowledgedAt time.Time `json:"last_acknowledged_at"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// AuditEvent is append-only: never mutated, never deleted. Context carries
// masked fields only.
type AuditEvent struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	EventType string    `json:"event_type" gorm:"index;size:64;not null"`
	TenantID  uint      `json:"tenant_id" gorm:"index;not null"`
	ActorType string    `json:"actor_type" gorm:"size:16"` // user | device | system
	ActorID   string    `json:"actor_id" gorm:"size:64"`
	DeviceID  *uint     `json:"device_id,omitempty" gorm:"index"`
	MinerID   *uint     `json:"miner_id,omitempty" gorm:"index"`
	Outcome   string    `json:"outcome" gorm:"size:16;index"` // success | error
	Reason    string    `json:"reason" gorm:"size:128"`
	Context   JSON      `json:"context,omitempty" gorm:"type:json"`
	RequestID string    `json:"request_id" gorm:"size:64"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

// StringArray is a custom type for PostgreSQL text[] arrays
type StringArray []string

// Value implements the driver.Valuer interface for StringArray
func (sa StringArray) Value() (driver.Value, error) {
	if len(sa) == 0 {
		return nil, nil
	}
	var quoted []string
	for _, s := range sa {
		quoted = append(quoted, `"`+strings.ReplaceAll(s, `"`, `\"`)+`"`)
	}
	return "{" + strings.Join(quoted, ",") + "}", nil
}

// Scan implements the sql.Scanner interface for StringArray
func (sa *StringArray) Scan(value interface{}) error {
	if value == nil {
		*sa = StringArray{}
		return nil
	}

	switch v := value.(type) {
	case string:
		if v == "" {
			*sa = StringArray{}
			return nil
		}
		content := strings.TrimSuffix(strings.TrimPrefix(v, "{"), "}")
		if content == "" {
			*sa = StringArray{}
			return nil
		}
		rawEntries := strings.Split(content, ",")
		clean := make([]string, 0, len(rawEntries))
		for _, entry := range rawEntries {
			entry = strings.TrimSpace(entry)
			entry = strings.Trim(entry, `"`)
			entry = strings.ReplaceAll(entry, `\"`, `"`)
			if entry != "" {
				clean = append(clean, entry)
			}
		}
		*sa = StringArray(clean)
		return nil
	case []byte:
		return sa.Scan(string(v))
	default:
		return errors.New("cannot scan into StringArray")
	}
}

// JSON is a generic JSON field type
type JSON []byte

// Value implements the driver.Valuer interface
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return []byte(j), nil
}

// Scan implements the sql.Scanner interface
func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		*j = JSON(v)
		return nil
	case string:
		*j = JSON(v)
		return nil
	default:
		return errors.New("cannot scan into JSON")
	}
}

// UnmarshalJSON implements the json.Unmarshaler interface
func (j *JSON) UnmarshalJSON(data []byte) error {
	*j = JSON(data)
	return nil
}

// MarshalJSON implements the json.Marshaler interface
func (j JSON) MarshalJSON() ([]byte, error) {
	if j == nil {
		return []byte("null"), nil
	}
	return []byte(j), nil
}

// MarshalContext is a convenience for building masked audit context fields.
func MarshalContext(values map[string]interface{}) JSON {
	if len(values) == 0 {
		return nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return JSON(data)
}
