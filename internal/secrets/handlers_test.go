package secrets

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"minevault-backend/internal/database"
	"minevault-backend/internal/envelope"
	"minevault-backend/internal/middleware"
	"minevault-backend/internal/models"
	"minevault-backend/internal/tokens"
)

type fixture struct {
	ownerRouter *gin.Engine
	edgeRouter  *gin.Engine
	device      models.Device
	deviceToken string
	devicePriv  *envelope.PrivateKey
	miner       models.Miner
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Tenant{},
		&models.Device{},
		&models.DeviceKey{},
		&models.Miner{},
		&models.MinerBinding{},
		&models.SecretEnvelope{},
		&models.AntiRollbackState{},
		&models.AuditEvent{},
	))
	database.DB = db

	priv, pub, err := envelope.GenerateKeyPair(1)
	require.NoError(t, err)

	token, tokenHash, err := tokens.GenerateDeviceToken(7)
	require.NoError(t, err)

	device := models.Device{
		TenantID:    7,
		DeviceID:    "dev_edge-1",
		Label:       "edge-1",
		TokenHash:   tokenHash,
		TokenPrefix: tokens.Prefix(token),
		PublicKey:   base64.StdEncoding.EncodeToString(pub),
		KeyVersion:  1,
		Status:      models.DeviceStatusActive,
	}
	require.NoError(t, db.Create(&device).Error)

	miner := models.Miner{TenantID: 7, Name: "rack-3-unit-4", Active: true}
	require.NoError(t, db.Create(&miner).Error)

	owner := gin.New()
	owner.Use(func(c *gin.Context) {
		c.Set("tenant_id", uint(7))
		c.Set("user_id", "owner-1")
	})
	owner.POST("/devices/:deviceId/miners/:minerId/secret", HandleUploadSecret)

	edge := gin.New()
	edge.Use(middleware.DeviceAuth())
	edge.GET("/edge/secrets", HandlePullSecrets)
	edge.POST("/edge/secrets/ack", HandleAckSecret)

	return &fixture{
		ownerRouter: owner,
		edgeRouter:  edge,
		device:      device,
		deviceToken: token,
		devicePriv:  priv,
		miner:       miner,
	}
}

func (f *fixture) bind(t *testing.T, capability string) {
	t.Helper()
	require.NoError(t, database.DB.Where("device_id = ? AND miner_id = ?", f.device.ID, f.miner.ID).
		Delete(&models.MinerBinding{}).Error)
	require.NoError(t, database.DB.Create(&models.MinerBinding{
		TenantID: 7, DeviceID: f.device.ID, MinerID: f.miner.ID, Capability: capability,
	}).Error)
}

type minerSecret struct {
	IP   string `json:"ip"`
	User string `json:"user"`
	Pass string `json:"pass"`
}

func (f *fixture) aad(counter uint64) envelope.AAD {
	return envelope.AAD{
		SchemaVersion: envelope.SchemaVersion,
		Algorithm:     envelope.Algorithm,
		TenantID:      7,
		DeviceID:      f.device.DeviceID,
		ResourceID:    f.miner.ID,
		Counter:       counter,
		Timestamp:     time.Now().Unix(),
	}
}

func (f *fixture) seal(t *testing.T, secret minerSecret, counter uint64) *envelope.Envelope {
	t.Helper()
	pub, err := base64.StdEncoding.DecodeString(f.device.PublicKey)
	require.NoError(t, err)
	env, err := envelope.Seal(secret, pub, f.device.KeyVersion, f.aad(counter))
	require.NoError(t, err)
	return env
}

func uploadBody(env *envelope.Envelope) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"wrapped_dek": base64.StdEncoding.EncodeToString(env.WrappedDEK),
		"ciphertext":  base64.StdEncoding.EncodeToString(env.Ciphertext),
		"nonce":       base64.StdEncoding.EncodeToString(env.Nonce),
		"aad":         env.AAD,
		"counter":     env.Counter,
		"key_version": env.KeyVersion,
	})
	return body
}

func (f *fixture) upload(t *testing.T, env *envelope.Envelope) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	url := fmt.Sprintf("/devices/%s/miners/%d/secret", f.device.DeviceID, f.miner.ID)
	req, _ := http.NewRequest("POST", url, bytes.NewReader(uploadBody(env)))
	req.Header.Set("Content-Type", "application/json")
	f.ownerRouter.ServeHTTP(w, req)
	return w
}

func (f *fixture) pull(t *testing.T) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/edge/secrets", nil)
	req.Header.Set("Authorization", "Bearer "+f.deviceToken)
	f.edgeRouter.ServeHTTP(w, req)
	return w
}

func (f *fixture) ack(t *testing.T, minerID uint, counter uint64) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(map[string]interface{}{"miner_id": minerID, "counter": counter})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/edge/secrets/ack", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+f.deviceToken)
	req.Header.Set("Content-Type", "application/json")
	f.edgeRouter.ServeHTTP(w, req)
	return w
}

func TestDeliveryRoundTrip(t *testing.T) {
	f := setupFixture(t)
	f.bind(t, models.CapabilityControl)

	secret := minerSecret{IP: "10.20.0.5", User: "root", Pass: "hunter2"}
	w := f.upload(t, f.seal(t, secret, 1))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Device pulls and recovers the plaintext with its private key.
	w = f.pull(t)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Envelopes []models.SecretEnvelope `json:"envelopes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Envelopes, 1)
	row := resp.Envelopes[0]

	wrapped, err := base64.StdEncoding.DecodeString(row.WrappedDEK)
	require.NoError(t, err)
	ciphertext, err := base64.StdEncoding.DecodeString(row.Ciphertext)
	require.NoError(t, err)
	nonce, err := base64.StdEncoding.DecodeString(row.Nonce)
	require.NoError(t, err)
	var aad envelope.AAD
	require.NoError(t, json.Unmarshal(row.AAD, &aad))

	env := &envelope.Envelope{
		WrappedDEK: wrapped,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		AAD:        aad,
		Counter:    row.Counter,
		KeyVersion: row.KeyVersion,
	}

	var got minerSecret
	require.NoError(t, envelope.UnsealInto(env, f.devicePriv, envelope.Binding{
		TenantID: 7, DeviceID: f.device.DeviceID, ResourceID: f.miner.ID,
	}, &got))
	assert.Equal(t, secret, got)

	// Acknowledge, then the envelope is gone and the counter is pinned.
	w = f.ack(t, f.miner.ID, 1)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.pull(t)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Envelopes)

	var state models.AntiRollbackState
	require.NoError(t, database.DB.Where("device_id = ? AND miner_id = ?", f.device.ID, f.miner.ID).First(&state).Error)
	assert.Equal(t, uint64(1), state.LastAckedCounter)

	var device models.Device
	require.NoError(t, database.DB.First(&device, f.device.ID).Error)
	assert.NotNil(t, device.LastSeenAt, "pulling bumps last seen")
}

func TestUploadRequiresControlCapability(t *testing.T) {
	f := setupFixture(t)

	for _, capability := range []string{models.CapabilityDiscovery, models.CapabilityTelemetry} {
		f.bind(t, capability)
		w := f.upload(t, f.seal(t, minerSecret{IP: "10.20.0.5"}, 1))
		assert.Equal(t, http.StatusForbidden, w.Code, "capability %s must not allow upload", capability)
	}

	f.bind(t, models.CapabilityControl)
	w := f.upload(t, f.seal(t, minerSecret{IP: "10.20.0.5"}, 1))
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestUploadNoBinding(t *testing.T) {
	f := setupFixture(t)

	w := f.upload(t, f.seal(t, minerSecret{IP: "10.20.0.5"}, 1))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestUploadStaleKeyVersion(t *testing.T) {
	f := setupFixture(t)
	f.bind(t, models.CapabilityControl)

	env := f.seal(t, minerSecret{IP: "10.20.0.5"}, 1)
	env.KeyVersion = 2

	w := f.upload(t, env)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "KEY_VERSION_MISMATCH")
}

func TestUploadContextMismatch(t *testing.T) {
	f := setupFixture(t)
	f.bind(t, models.CapabilityControl)

	// Declared identity fields are rebuilt from server state, not trusted.
	env := f.seal(t, minerSecret{IP: "10.20.0.5"}, 1)
	env.AAD.TenantID = 8

	w := f.upload(t, env)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "CONTEXT_BINDING_FAILED")

	env = f.seal(t, minerSecret{IP: "10.20.0.5"}, 1)
	env.AAD.DeviceID = "dev_edge-2"
	w = f.upload(t, env)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "CONTEXT_BINDING_FAILED")
}

func TestUploadSchemaVersionMismatch(t *testing.T) {
	f := setupFixture(t)
	f.bind(t, models.CapabilityControl)

	env := f.seal(t, minerSecret{IP: "10.20.0.5"}, 1)
	env.AAD.SchemaVersion = 9

	w := f.upload(t, env)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "SCHEMA_VERSION_MISMATCH")
}

func TestUploadCounterNotAboveLastAck(t *testing.T) {
	f := setupFixture(t)
	f.bind(t, models.CapabilityControl)

	w := f.upload(t, f.seal(t, minerSecret{IP: "10.20.0.5"}, 3))
	require.Equal(t, http.StatusCreated, w.Code)
	w = f.ack(t, f.miner.ID, 3)
	require.Equal(t, http.StatusOK, w.Code)

	for _, counter := range []uint64{2, 3} {
		w = f.upload(t, f.seal(t, minerSecret{IP: "10.20.0.6"}, counter))
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Contains(t, w.Body.String(), "ROLLBACK_DETECTED")
	}

	var events int64
	require.NoError(t, database.DB.Model(&models.AuditEvent{}).
		Where("event_type = ?", "secret.rollback_rejected").Count(&events).Error)
	assert.Equal(t, int64(2), events)

	w = f.upload(t, f.seal(t, minerSecret{IP: "10.20.0.6"}, 4))
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestPendingEnvelopeReplacement(t *testing.T) {
	f := setupFixture(t)
	f.bind(t, models.CapabilityControl)

	w := f.upload(t, f.seal(t, minerSecret{IP: "10.20.0.5"}, 2))
	require.Equal(t, http.StatusCreated, w.Code)

	// Same or lower counter cannot displace the pending envelope.
	w = f.upload(t, f.seal(t, minerSecret{IP: "10.20.0.6"}, 2))
	assert.Equal(t, http.StatusConflict, w.Code)
	w = f.upload(t, f.seal(t, minerSecret{IP: "10.20.0.6"}, 1))
	assert.Equal(t, http.StatusConflict, w.Code)

	// A higher counter replaces it; only one row remains.
	w = f.upload(t, f.seal(t, minerSecret{IP: "10.20.0.7"}, 5))
	require.Equal(t, http.StatusCreated, w.Code)

	var count int64
	require.NoError(t, database.DB.Model(&models.SecretEnvelope{}).
		Where("device_id = ? AND miner_id = ?", f.device.ID, f.miner.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var row models.SecretEnvelope
	require.NoError(t, database.DB.Where("device_id = ? AND miner_id = ?", f.device.ID, f.miner.ID).First(&row).Error)
	assert.Equal(t, uint64(5), row.Counter)
}

func TestUploadToRevokedDevice(t *testing.T) {
	f := setupFixture(t)
	f.bind(t, models.CapabilityControl)

	now := time.Now()
	require.NoError(t, database.DB.Model(&models.Device{}).Where("id = ?", f.device.ID).
		Updates(map[string]interface{}{"status": models.DeviceStatusRevoked, "revoked_at": now}).Error)

	w := f.upload(t, f.seal(t, minerSecret{IP: "10.20.0.5"}, 1))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "DEVICE_REVOKED")
}

func TestRevokedDeviceCannotPullOrAck(t *testing.T) {
	f := setupFixture(t)
	f.bind(t, models.CapabilityControl)

	w := f.upload(t, f.seal(t, minerSecret{IP: "10.20.0.5"}, 1))
	require.Equal(t, http.StatusCreated, w.Code)

	require.NoError(t, database.DB.Model(&models.Device{}).Where("id = ?", f.device.ID).
		Update("status", models.DeviceStatusRevoked).Error)

	w = f.pull(t)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "DEVICE_REVOKED")

	w = f.ack(t, f.miner.ID, 1)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAckUnboundMiner(t *testing.T) {
	f := setupFixture(t)

	// No binding exists: the ack must not seed counter state the device could
	// use to pre-poison future uploads.
	w := f.ack(t, f.miner.ID, 999)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var count int64
	require.NoError(t, database.DB.Model(&models.AntiRollbackState{}).
		Where("device_id = ? AND miner_id = ?", f.device.ID, f.miner.ID).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestEmptyPullAudited(t *testing.T) {
	f := setupFixture(t)

	w := f.pull(t)
	require.Equal(t, http.StatusOK, w.Code)

	var event models.AuditEvent
	require.NoError(t, database.DB.Where("event_type = ?", "secret.pull").First(&event).Error)
	assert.Equal(t, "success", event.Outcome)
	assert.Contains(t, string(event.Context), `"envelopes":0`)
}

func TestAckReplayRejected(t *testing.T) {
	f := setupFixture(t)
	f.bind(t, models.CapabilityControl)

	w := f.upload(t, f.seal(t, minerSecret{IP: "10.20.0.5"}, 2))
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.ack(t, f.miner.ID, 2)
	require.Equal(t, http.StatusOK, w.Code)

	// Replaying the same acknowledgement must not succeed a second time.
	w = f.ack(t, f.miner.ID, 2)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "ROLLBACK_DETECTED")
}

func TestDeviceAuthRejectsBadTokens(t *testing.T) {
	f := setupFixture(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/edge/secrets", nil)
	f.edgeRouter.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/edge/secrets", nil)
	req.Header.Set("Authorization", "Bearer mvd_bogus")
	f.edgeRouter.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUploadMalformedEnvelope(t *testing.T) {
	f := setupFixture(t)
	f.bind(t, models.CapabilityControl)

	env := f.seal(t, minerSecret{IP: "10.20.0.5"}, 1)
	env.WrappedDEK = env.WrappedDEK[:40]

	w := f.upload(t, env)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
