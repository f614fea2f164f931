package devices

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"minevault-backend/internal/database"
	"minevault-backend/internal/envelope"
	"minevault-backend/internal/models"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Tenant{},
		&models.Device{},
		&models.DeviceKey{},
		&models.SecretEnvelope{},
		&models.AntiRollbackState{},
		&models.AuditEvent{},
	))
	database.DB = db
}

func setupRouter(tenantID uint) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("tenant_id", tenantID)
		c.Set("user_id", "user-1")
	})
	r.POST("/devices", HandleRegisterDevice)
	r.GET("/devices", HandleListDevices)
	r.GET("/devices/:deviceId", HandleGetDevice)
	r.POST("/devices/:deviceId/approve", HandleApproveDevice)
	r.POST("/devices/:deviceId/rotate", HandleRotateDeviceKey)
	r.POST("/devices/:deviceId/revoke", HandleRevokeDevice)
	r.GET("/devices/:deviceId/public_key", HandleGetDevicePublicKey)
	return r
}

func testPublicKey(t *testing.T) string {
	t.Helper()
	_, pub, err := envelope.GenerateKeyPair(1)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(pub)
}

func registerDevice(t *testing.T, r *gin.Engine, publicKey string) (string, string) {
	t.Helper()
	body, _ := json.Marshal(map[string]interface{}{
		"label":      "edge-1",
		"public_key": publicKey,
	})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/devices", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Device models.Device `json:"device"`
		Token  string        `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Device.DeviceID, resp.Token
}

func TestRegisterDevice(t *testing.T) {
	setupTestDB(t)
	r := setupRouter(7)

	deviceID, token := registerDevice(t, r, testPublicKey(t))
	assert.Contains(t, deviceID, "dev_")
	assert.Contains(t, token, "mvd_")

	var device models.Device
	require.NoError(t, database.DB.Where("device_id = ?", deviceID).First(&device).Error)
	assert.Equal(t, models.DeviceStatusActive, device.Status)
	assert.Equal(t, 1, device.KeyVersion)
	assert.NotEqual(t, token, device.TokenHash, "plaintext token must not be stored")

	var key models.DeviceKey
	require.NoError(t, database.DB.Where("device_id = ? AND version = ?", device.ID, 1).First(&key).Error)
	assert.Nil(t, key.SupersededAt)

	var event models.AuditEvent
	require.NoError(t, database.DB.Where("event_type = ?", "device.register").First(&event).Error)
	assert.Equal(t, "success", event.Outcome)
	assert.NotContains(t, string(event.Context), device.PublicKey, "audit context carries fingerprints only")
}

func TestRegisterDeviceRejectsBadKey(t *testing.T) {
	setupTestDB(t)
	r := setupRouter(7)

	for name, key := range map[string]string{
		"not base64":  "!!!",
		"short":       base64.StdEncoding.EncodeToString(make([]byte, 31)),
		"all zero":    base64.StdEncoding.EncodeToString(make([]byte, 32)),
		"wrong curve": base64.StdEncoding.EncodeToString(make([]byte, 33)),
	} {
		t.Run(name, func(t *testing.T) {
			body, _ := json.Marshal(map[string]interface{}{"label": "edge-1", "public_key": key})
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("POST", "/devices", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			r.ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), "INVALID_PUBLIC_KEY")
		})
	}
}

func TestRegisterDeviceApprovalRequired(t *testing.T) {
	setupTestDB(t)
	t.Setenv("DEVICE_APPROVAL_REQUIRED", "true")
	r := setupRouter(7)

	deviceID, _ := registerDevice(t, r, testPublicKey(t))

	var device models.Device
	require.NoError(t, database.DB.Where("device_id = ?", deviceID).First(&device).Error)
	assert.Equal(t, models.DeviceStatusPending, device.Status)

	// A pending device cannot be sealed against.
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", fmt.Sprintf("/devices/%s/public_key", deviceID), nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("POST", fmt.Sprintf("/devices/%s/approve", deviceID), nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var event models.AuditEvent
	require.NoError(t, database.DB.Where("event_type = ?", "device.approve").First(&event).Error)
	assert.Equal(t, "success", event.Outcome)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", fmt.Sprintf("/devices/%s/public_key", deviceID), nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestApproveRevokedDevice(t *testing.T) {
	setupTestDB(t)
	r := setupRouter(7)

	deviceID, _ := registerDevice(t, r, testPublicKey(t))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", fmt.Sprintf("/devices/%s/revoke", deviceID), nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("POST", fmt.Sprintf("/devices/%s/approve", deviceID), nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "DEVICE_REVOKED")

	var event models.AuditEvent
	require.NoError(t, database.DB.Where("event_type = ?", "device.approve").First(&event).Error)
	assert.Equal(t, "error", event.Outcome)
	assert.Equal(t, "device revoked", event.Reason)
}

func TestRotateDeviceKey(t *testing.T) {
	setupTestDB(t)
	r := setupRouter(7)

	deviceID, _ := registerDevice(t, r, testPublicKey(t))

	var device models.Device
	require.NoError(t, database.DB.Where("device_id = ?", deviceID).First(&device).Error)

	// Counter state present before rotation must survive it untouched.
	require.NoError(t, database.DB.Create(&models.AntiRollbackState{
		TenantID: 7, DeviceID: device.ID, MinerID: 42, LastAckedCounter: 9,
	}).Error)

	newKey := testPublicKey(t)
	body, _ := json.Marshal(map[string]interface{}{"public_key": newKey})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", fmt.Sprintf("/devices/%s/rotate", deviceID), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.NoError(t, database.DB.Where("device_id = ?", deviceID).First(&device).Error)
	assert.Equal(t, 2, device.KeyVersion)
	assert.Equal(t, newKey, device.PublicKey)

	var oldKey models.DeviceKey
	require.NoError(t, database.DB.Where("device_id = ? AND version = ?", device.ID, 1).First(&oldKey).Error)
	assert.NotNil(t, oldKey.SupersededAt, "superseded version stays on record")

	var currentKey models.DeviceKey
	require.NoError(t, database.DB.Where("device_id = ? AND version = ?", device.ID, 2).First(&currentKey).Error)
	assert.Nil(t, currentKey.SupersededAt)

	var state models.AntiRollbackState
	require.NoError(t, database.DB.Where("device_id = ? AND miner_id = ?", device.ID, 42).First(&state).Error)
	assert.Equal(t, uint64(9), state.LastAckedCounter, "rotation must not reset replay protection")
}

func TestRotateRevokedDevice(t *testing.T) {
	setupTestDB(t)
	r := setupRouter(7)

	deviceID, _ := registerDevice(t, r, testPublicKey(t))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", fmt.Sprintf("/devices/%s/revoke", deviceID), nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	body, _ := json.Marshal(map[string]interface{}{"public_key": testPublicKey(t)})
	w = httptest.NewRecorder()
	req, _ = http.NewRequest("POST", fmt.Sprintf("/devices/%s/rotate", deviceID), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "DEVICE_REVOKED")
}

func TestRevokeDevice(t *testing.T) {
	setupTestDB(t)
	r := setupRouter(7)

	deviceID, _ := registerDevice(t, r, testPublicKey(t))

	var device models.Device
	require.NoError(t, database.DB.Where("device_id = ?", deviceID).First(&device).Error)

	// A pending delivery that must disappear on revocation.
	require.NoError(t, database.DB.Create(&models.SecretEnvelope{
		TenantID: 7, DeviceID: device.ID, MinerID: 42,
		WrappedDEK: "d", Ciphertext: "c", Nonce: "n",
		AAD: models.JSON(`{}`), Counter: 1, KeyVersion: 1,
	}).Error)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", fmt.Sprintf("/devices/%s/revoke", deviceID), nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	// Idempotent on repeat, and the repeat still lands in the audit trail.
	w = httptest.NewRecorder()
	req, _ = http.NewRequest("POST", fmt.Sprintf("/devices/%s/revoke", deviceID), nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var revokeEvents int64
	require.NoError(t, database.DB.Model(&models.AuditEvent{}).
		Where("event_type = ?", "device.revoke").Count(&revokeEvents).Error)
	assert.Equal(t, int64(2), revokeEvents)

	require.NoError(t, database.DB.Where("device_id = ?", deviceID).First(&device).Error)
	assert.Equal(t, models.DeviceStatusRevoked, device.Status)
	assert.NotNil(t, device.RevokedAt)

	var count int64
	require.NoError(t, database.DB.Model(&models.SecretEnvelope{}).Where("device_id = ?", device.ID).Count(&count).Error)
	assert.Equal(t, int64(0), count, "undelivered envelopes purged on revocation")

	// Key reads fail closed afterwards.
	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", fmt.Sprintf("/devices/%s/public_key", deviceID), nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "DEVICE_REVOKED")
}

func TestTenantIsolation(t *testing.T) {
	setupTestDB(t)
	rTenant7 := setupRouter(7)
	rTenant8 := setupRouter(8)

	deviceID, _ := registerDevice(t, rTenant7, testPublicKey(t))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", fmt.Sprintf("/devices/%s", deviceID), nil)
	rTenant8.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code, "devices are invisible across tenants")
}

func TestGetDevicePublicKey(t *testing.T) {
	setupTestDB(t)
	r := setupRouter(7)

	pubKey := testPublicKey(t)
	deviceID, _ := registerDevice(t, r, pubKey)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", fmt.Sprintf("/devices/%s/public_key", deviceID), nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		PublicKey  string `json:"public_key"`
		KeyVersion int    `json:"key_version"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, pubKey, resp.PublicKey)
	assert.Equal(t, 1, resp.KeyVersion)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/devices/dev_unknown/public_key", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code, "unknown device fails closed")
}
