package envelope

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	apperrors "minevault-backend/internal/errors"
)

const (
	// KeySize is the raw length of X25519 public and private keys.
	KeySize = 32
)

// PrivateKey is a scoped key handle pairing an X25519 private key with the
// registry version it was enrolled under. Handles are passed by parameter;
// no package-level key material exists anywhere in the engine.
type PrivateKey struct {
	Version int
	key     *ecdh.PrivateKey
}

// GenerateKeyPair creates a fresh X25519 keypair for the given key version and
// returns the handle plus the raw 32-byte public key.
func GenerateKeyPair(version int) (*PrivateKey, []byte, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.ErrRandomUnavailable.Code, apperrors.ErrRandomUnavailable.Message)
	}
	return &PrivateKey{Version: version, key: priv}, priv.PublicKey().Bytes(), nil
}

// ParsePrivateKey wraps raw 32-byte private key material in a handle.
func ParsePrivateKey(version int, raw []byte) (*PrivateKey, error) {
	priv, err := ecdh.X25519().NewPrivateKey(raw)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrInvalidPublicKey.Code, "invalid private key material")
	}
	return &PrivateKey{Version: version, key: priv}, nil
}

// PublicKeyBytes returns the raw public key for this handle.
func (k *PrivateKey) PublicKeyBytes() []byte {
	return k.key.PublicKey().Bytes()
}

// Bytes returns the raw private key material. Callers that persist it own the
// zeroization of the returned slice.
func (k *PrivateKey) Bytes() []byte {
	return k.key.Bytes()
}

// ValidatePublicKey rejects anything that is not a plausible X25519 point:
// wrong length, the all-zero point, or material crypto/ecdh refuses to load.
func ValidatePublicKey(raw []byte) error {
	if len(raw) != KeySize {
		return apperrors.ErrInvalidPublicKey
	}
	allZero := true
	for _, b := range raw {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return apperrors.ErrInvalidPublicKey
	}
	if _, err := ecdh.X25519().NewPublicKey(raw); err != nil {
		return apperrors.Wrap(err, apperrors.ErrInvalidPublicKey.Code, apperrors.ErrInvalidPublicKey.Message)
	}
	return nil
}

// Fingerprint returns a short non-reversible identifier for a public key,
// safe for audit context fields.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// Zero overwrites a byte slice in memory with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
