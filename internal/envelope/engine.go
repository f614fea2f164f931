// Package envelope implements the sealing and unsealing protocol used to
// deliver miner connection secrets to edge collectors. The engine is a pure
// function of its inputs: it holds no mutable state, touches no storage, and
// is safe to call concurrently. The same code runs on the owner side (Seal)
// and the edge side (Unseal).
//
// Construction: a fresh 32-byte DEK encrypts the JSON payload with
// ChaCha20-Poly1305 under a fresh 12-byte random nonce, with the canonical
// AAD as associated data. The DEK itself is wrapped anonymously for the
// recipient: an ephemeral X25519 keypair performs a key agreement with the
// recipient's public key, the wrap key comes from HKDF-SHA256 over the shared
// secret salted with ephemeral||recipient public keys, and the wrap nonce is
// the truncated SHA-256 of the same concatenation. The wrapped blob embeds
// the ephemeral public key and nothing identifying the sender.
package envelope

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	apperrors "minevault-backend/internal/errors"
)

const (
	// NonceSize is the payload AEAD nonce length.
	NonceSize = chacha20poly1305.NonceSize

	wrapInfo = "minevault/envelope/v1/wrap"

	// wrappedDEKSize = ephemeral pub (32) + DEK (32) + Poly1305 tag (16).
	wrappedDEKSize = KeySize + 32 + chacha20poly1305.Overhead
)

// Envelope is the wire form of one sealed delivery.
type Envelope struct {
	WrappedDEK []byte `json:"wrapped_dek"`
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	AAD        AAD    `json:"aad"`
	Counter    uint64 `json:"counter"`
	KeyVersion int    `json:"key_version"`
}

// Seal encrypts a JSON-serializable payload for the device holding the
// private half of recipientPub. keyVersion must be the registry's current
// version for that key; it is recorded in the envelope so the edge can select
// the matching private key.
func Seal(payload interface{}, recipientPub []byte, keyVersion int, aad AAD) (*Envelope, error) {
	if err := ValidatePublicKey(recipientPub); err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrSerialization.Code, apperrors.ErrSerialization.Message)
	}

	aadBytes, err := aad.Canonical()
	if err != nil {
		return nil, err
	}

	// DEK and payload nonce are always drawn together from the CSPRNG so a
	// nonce can never be reused under the same DEK. A short read is fatal:
	// there is no weaker fallback source.
	material := make([]byte, 32+NonceSize)
	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrRandomUnavailable.Code, apperrors.ErrRandomUnavailable.Message)
	}
	dek := material[:32]
	nonce := material[32:]
	defer Zero(dek)

	wrapped, err := wrapDEK(dek, recipientPub)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(dek)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrSerialization.Code, "payload cipher init failed")
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, aadBytes)
	Zero(plaintext)

	return &Envelope{
		WrappedDEK: wrapped,
		Ciphertext: ciphertext,
		Nonce:      append([]byte(nil), nonce...),
		AAD:        aad,
		Counter:    aad.Counter,
		KeyVersion: keyVersion,
	}, nil
}

// Unseal recovers the plaintext payload bytes from an envelope. The caller
// must still validate the counter against the anti-rollback tracker before
// acting on the result, and must Zero the returned slice when done.
func Unseal(env *Envelope, priv *PrivateKey, expect Binding) ([]byte, error) {
	if env.AAD.SchemaVersion != SchemaVersion {
		return nil, apperrors.ErrSchemaVersion
	}
	if priv == nil || env.KeyVersion != priv.Version {
		// Rotation race: the edge must activate the matching historical key
		// or fail closed.
		return nil, apperrors.ErrKeyVersion
	}

	dek, err := unwrapDEK(env.WrappedDEK, priv)
	if err != nil {
		return nil, err
	}
	defer Zero(dek)

	aadBytes, err := env.AAD.Canonical()
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(dek)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrPayloadDecryptFailed.Code, apperrors.ErrPayloadDecryptFailed.Message)
	}
	if len(env.Nonce) != NonceSize {
		return nil, apperrors.ErrPayloadDecryptFailed
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, aadBytes)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrPayloadDecryptFailed.Code, apperrors.ErrPayloadDecryptFailed.Message)
	}

	// Identity check runs even though decryption already succeeded: an
	// envelope sealed for this key but addressed to a different context must
	// never be surfaced.
	if !env.AAD.Matches(expect) {
		Zero(plaintext)
		return nil, apperrors.ErrContextBinding
	}

	return plaintext, nil
}

// UnsealInto unseals and decodes the payload into v, zeroing the intermediate
// plaintext buffer.
func UnsealInto(env *Envelope, priv *PrivateKey, expect Binding, v interface{}) error {
	plaintext, err := Unseal(env, priv, expect)
	if err != nil {
		return err
	}
	defer Zero(plaintext)

	if err := json.Unmarshal(plaintext, v); err != nil {
		return apperrors.Wrap(err, apperrors.ErrSerialization.Code, apperrors.ErrSerialization.Message)
	}
	return nil
}

// wrapDEK performs the anonymous seal of the DEK. The output embeds the
// ephemeral public key so the recipient can redo the agreement, and carries
// no sender identity.
func wrapDEK(dek, recipientPub []byte) ([]byte, error) {
	curve := ecdh.X25519()

	ephPriv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrRandomUnavailable.Code, apperrors.ErrRandomUnavailable.Message)
	}
	ephPub := ephPriv.PublicKey().Bytes()

	recipient, err := curve.NewPublicKey(recipientPub)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrInvalidPublicKey.Code, apperrors.ErrInvalidPublicKey.Message)
	}

	shared, err := ephPriv.ECDH(recipient)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrInvalidPublicKey.Code, apperrors.ErrInvalidPublicKey.Message)
	}
	defer Zero(shared)

	wrapKey, wrapNonce, err := deriveWrapParams(shared, ephPub, recipientPub)
	if err != nil {
		return nil, err
	}
	defer Zero(wrapKey)

	aead, err := chacha20poly1305.New(wrapKey)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDEKUnsealFailed.Code, "wrap cipher init failed")
	}

	out := make([]byte, 0, wrappedDEKSize)
	out = append(out, ephPub...)
	out = aead.Seal(out, wrapNonce, dek, nil)
	return out, nil
}

// unwrapDEK reverses wrapDEK with the device's private key. Any
// authentication failure is terminal; no partial recovery is attempted.
func unwrapDEK(wrapped []byte, priv *PrivateKey) ([]byte, error) {
	if len(wrapped) != wrappedDEKSize {
		return nil, apperrors.ErrDEKUnsealFailed
	}

	curve := ecdh.X25519()
	ephPub := wrapped[:KeySize]
	sealed := wrapped[KeySize:]

	eph, err := curve.NewPublicKey(ephPub)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDEKUnsealFailed.Code, apperrors.ErrDEKUnsealFailed.Message)
	}

	shared, err := priv.key.ECDH(eph)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDEKUnsealFailed.Code, apperrors.ErrDEKUnsealFailed.Message)
	}
	defer Zero(shared)

	wrapKey, wrapNonce, err := deriveWrapParams(shared, ephPub, priv.PublicKeyBytes())
	if err != nil {
		return nil, err
	}
	defer Zero(wrapKey)

	aead, err := chacha20poly1305.New(wrapKey)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDEKUnsealFailed.Code, "wrap cipher init failed")
	}

	dek, err := aead.Open(nil, wrapNonce, sealed, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDEKUnsealFailed.Code, apperrors.ErrDEKUnsealFailed.Message)
	}
	return dek, nil
}

// deriveWrapParams derives the wrap key and nonce from the shared secret and
// the two public keys. The nonce is a truncated hash of the key pair, never a
// byte-wise combination of the raw buffers: both sides derive it identically
// and it is unique per ephemeral key.
func deriveWrapParams(shared, ephPub, recipientPub []byte) ([]byte, []byte, error) {
	salt := make([]byte, 0, len(ephPub)+len(recipientPub))
	salt = append(salt, ephPub...)
	salt = append(salt, recipientPub...)

	wrapKey := make([]byte, chacha20poly1305.KeySize)
	stream := hkdf.New(sha256.New, shared, salt, []byte(wrapInfo))
	if _, err := io.ReadFull(stream, wrapKey); err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.ErrDEKUnsealFailed.Code, "wrap key derivation failed")
	}

	sum := sha256.Sum256(salt)
	return wrapKey, sum[:NonceSize], nil
}
