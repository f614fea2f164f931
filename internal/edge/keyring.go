// Package edge implements the collector-side client: it polls the
// coordination API for sealed envelopes, unseals them with locally held
// private keys, applies the credentials, and acknowledges delivery. Private
// keys never leave this process and plaintext credentials are zeroed as soon
// as they are applied.
package edge

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"minevault-backend/internal/envelope"
)

// KeyRing holds every private key version the device has ever used. Old
// versions stay usable so envelopes sealed before a rotation can still be
// opened; new envelopes always reference the highest version.
type KeyRing struct {
	keys    map[int]*envelope.PrivateKey
	current int
}

func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[int]*envelope.PrivateKey)}
}

// Add registers a key under its version and tracks the highest as current.
func (r *KeyRing) Add(key *envelope.PrivateKey) {
	r.keys[key.Version] = key
	if key.Version > r.current {
		r.current = key.Version
	}
}

// Get returns the key for a version, nil when the device never held it.
func (r *KeyRing) Get(version int) *envelope.PrivateKey {
	return r.keys[version]
}

// Current returns the highest key version held.
func (r *KeyRing) Current() *envelope.PrivateKey {
	return r.keys[r.current]
}

// CurrentVersion returns the highest version number, zero for an empty ring.
func (r *KeyRing) CurrentVersion() int {
	return r.current
}

// Rotate generates a fresh keypair at the next version, adds it to the ring
// and returns the new public key for registration with the coordinator.
func (r *KeyRing) Rotate() (*envelope.PrivateKey, []byte, error) {
	priv, pub, err := envelope.GenerateKeyPair(r.current + 1)
	if err != nil {
		return nil, nil, err
	}
	r.Add(priv)
	return priv, pub, nil
}

type keyRingFile struct {
	Keys map[string]string `json:"keys"` // version -> base64 private key
}

// LoadKeyRing reads a key ring from disk. The file holds raw private scalars
// and must be permission-restricted by the operator.
func LoadKeyRing(path string) (*KeyRing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key ring: %w", err)
	}

	var file keyRingFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse key ring: %w", err)
	}

	ring := NewKeyRing()
	for versionStr, encoded := range file.Keys {
		var version int
		if _, err := fmt.Sscanf(versionStr, "%d", &version); err != nil {
			return nil, fmt.Errorf("invalid key version %q", versionStr)
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode key version %d: %w", version, err)
		}
		key, err := envelope.ParsePrivateKey(version, raw)
		envelope.Zero(raw)
		if err != nil {
			return nil, fmt.Errorf("parse key version %d: %w", version, err)
		}
		ring.Add(key)
	}
	return ring, nil
}

// Save writes the ring to disk with owner-only permissions.
func (r *KeyRing) Save(path string) error {
	file := keyRingFile{Keys: make(map[string]string, len(r.keys))}

	versions := make([]int, 0, len(r.keys))
	for v := range r.keys {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	for _, v := range versions {
		raw := r.keys[v].Bytes()
		file.Keys[fmt.Sprintf("%d", v)] = base64.StdEncoding.EncodeToString(raw)
		envelope.Zero(raw)
	}

	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode key ring: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
