package edge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minevault-backend/internal/envelope"
	apperrors "minevault-backend/internal/errors"
)

type recordingApplier struct {
	mu      sync.Mutex
	applied []Credentials
}

func (a *recordingApplier) Apply(minerID uint, creds *Credentials) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, *creds)
	return nil
}

func sealFor(t *testing.T, pub []byte, keyVersion int, minerID uint, counter uint64) pulledEnvelope {
	t.Helper()
	aad := envelope.AAD{
		SchemaVersion: envelope.SchemaVersion,
		Algorithm:     envelope.Algorithm,
		TenantID:      7,
		DeviceID:      "dev_edge-1",
		ResourceID:    minerID,
		Counter:       counter,
		Timestamp:     time.Now().Unix(),
	}
	env, err := envelope.Seal(Credentials{IP: "10.0.0.5", User: "root", Pass: "x"}, pub, keyVersion, aad)
	require.NoError(t, err)

	aadBytes, err := aad.Canonical()
	require.NoError(t, err)

	return pulledEnvelope{
		MinerID:    minerID,
		WrappedDEK: base64.StdEncoding.EncodeToString(env.WrappedDEK),
		Ciphertext: base64.StdEncoding.EncodeToString(env.Ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(env.Nonce),
		AAD:        aadBytes,
		Counter:    counter,
		KeyVersion: keyVersion,
	}
}

type fakeCoordinator struct {
	mu        sync.Mutex
	envelopes []pulledEnvelope
	acks      []uint64
	revoked   bool
}

func (f *fakeCoordinator) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/edge/secrets", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.revoked {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]string{"code": "DEVICE_REVOKED"})
			return
		}
		json.NewEncoder(w).Encode(pullResponse{Envelopes: f.envelopes, Count: len(f.envelopes)})
	})
	mux.HandleFunc("/api/v1/edge/secrets/ack", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			MinerID uint   `json:"miner_id"`
			Counter uint64 `json:"counter"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.acks = append(f.acks, body.Counter)
		f.envelopes = nil
		json.NewEncoder(w).Encode(map[string]uint64{"acknowledged": body.Counter})
	})
	return mux
}

func newTestClient(t *testing.T, baseURL string, ring *KeyRing) (*Client, *recordingApplier, *CounterStore) {
	t.Helper()
	store := NewCounterStore(filepath.Join(t.TempDir(), "counters.json"))
	require.NoError(t, store.Load())

	applier := &recordingApplier{}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	client := NewClient(Config{
		BaseURL:  baseURL,
		Token:    "mvd_test",
		DeviceID: "dev_edge-1",
		TenantID: 7,
	}, ring, store, applier, log)
	return client, applier, store
}

func TestProcessOnceAppliesAndAcks(t *testing.T) {
	priv, pub, err := envelope.GenerateKeyPair(1)
	require.NoError(t, err)
	ring := NewKeyRing()
	ring.Add(priv)

	coordinator := &fakeCoordinator{envelopes: []pulledEnvelope{sealFor(t, pub, 1, 42, 3)}}
	server := httptest.NewServer(coordinator.handler())
	defer server.Close()

	client, applier, store := newTestClient(t, server.URL, ring)

	require.NoError(t, client.ProcessOnce(context.Background()))

	require.Len(t, applier.applied, 1)
	assert.Equal(t, "10.0.0.5", applier.applied[0].IP)
	assert.Equal(t, []uint64{3}, coordinator.acks)
	assert.Equal(t, uint64(3), store.Last(42))
}

func TestProcessOnceRefusesReplay(t *testing.T) {
	priv, pub, err := envelope.GenerateKeyPair(1)
	require.NoError(t, err)
	ring := NewKeyRing()
	ring.Add(priv)

	coordinator := &fakeCoordinator{envelopes: []pulledEnvelope{sealFor(t, pub, 1, 42, 5)}}
	server := httptest.NewServer(coordinator.handler())
	defer server.Close()

	client, applier, store := newTestClient(t, server.URL, ring)
	require.NoError(t, store.Advance(42, 5))

	// The coordinator resends counter 5; it must not be applied again.
	require.NoError(t, client.ProcessOnce(context.Background()))
	assert.Empty(t, applier.applied)
	assert.Empty(t, coordinator.acks)
}

func TestProcessOnceMissingKeyVersion(t *testing.T) {
	_, pub, err := envelope.GenerateKeyPair(2)
	require.NoError(t, err)
	priv1, _, err := envelope.GenerateKeyPair(1)
	require.NoError(t, err)
	ring := NewKeyRing()
	ring.Add(priv1)

	coordinator := &fakeCoordinator{envelopes: []pulledEnvelope{sealFor(t, pub, 2, 42, 1)}}
	server := httptest.NewServer(coordinator.handler())
	defer server.Close()

	client, applier, _ := newTestClient(t, server.URL, ring)

	// Unknown version: skipped, not acked, no partial apply.
	require.NoError(t, client.ProcessOnce(context.Background()))
	assert.Empty(t, applier.applied)
	assert.Empty(t, coordinator.acks)
}

func TestPullRevokedDevice(t *testing.T) {
	coordinator := &fakeCoordinator{revoked: true}
	server := httptest.NewServer(coordinator.handler())
	defer server.Close()

	client, _, _ := newTestClient(t, server.URL, NewKeyRing())

	_, err := client.Pull(context.Background())
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestKeyRingRoundTrip(t *testing.T) {
	ring := NewKeyRing()
	privV1, _, err := envelope.GenerateKeyPair(1)
	require.NoError(t, err)
	ring.Add(privV1)

	_, pub2, err := ring.Rotate()
	require.NoError(t, err)
	require.NoError(t, envelope.ValidatePublicKey(pub2))
	assert.Equal(t, 2, ring.CurrentVersion())

	path := filepath.Join(t.TempDir(), "keys.json")
	require.NoError(t, ring.Save(path))

	loaded, err := LoadKeyRing(path)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.CurrentVersion())
	require.NotNil(t, loaded.Get(1))
	assert.Equal(t, privV1.PublicKeyBytes(), loaded.Get(1).PublicKeyBytes())
}

func TestCounterStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counters.json")

	store := NewCounterStore(path)
	require.NoError(t, store.Load())
	require.NoError(t, store.Advance(42, 7))
	assert.ErrorIs(t, store.Advance(42, 7), apperrors.ErrRollbackDetected)

	reloaded := NewCounterStore(path)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, uint64(7), reloaded.Last(42))
}
