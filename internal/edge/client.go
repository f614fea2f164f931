package edge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"minevault-backend/internal/envelope"
)

// ErrRevoked is returned when the coordinator refuses the device token
// because the device was revoked. The poll loop stops permanently on it.
var ErrRevoked = errors.New("device has been revoked")

// Credentials is the payload an owner seals for one miner.
type Credentials struct {
	IP   string `json:"ip"`
	MAC  string `json:"mac,omitempty"`
	User string `json:"user"`
	Pass string `json:"pass"`
}

// Applier consumes unsealed credentials, typically by configuring the local
// miner connection. Implementations must not persist the plaintext.
type Applier interface {
	Apply(minerID uint, creds *Credentials) error
}

// Config carries everything the client needs to talk to the coordinator.
type Config struct {
	BaseURL  string
	Token    string
	DeviceID string
	TenantID uint
	SiteID   uint
	Interval time.Duration
}

// Client polls the coordination API and drives envelopes through
// unseal, apply, acknowledge.
type Client struct {
	cfg        Config
	httpClient *http.Client
	ring       *KeyRing
	store      *CounterStore
	applier    Applier
	log        *logrus.Logger
}

func NewClient(cfg Config, ring *KeyRing, store *CounterStore, applier Applier, log *logrus.Logger) *Client {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		ring:       ring,
		store:      store,
		applier:    applier,
		log:        log,
	}
}

type pulledEnvelope struct {
	MinerID    uint            `json:"miner_id"`
	WrappedDEK string          `json:"wrapped_dek"`
	Ciphertext string          `json:"ciphertext"`
	Nonce      string          `json:"nonce"`
	AAD        json.RawMessage `json:"aad"`
	Counter    uint64          `json:"counter"`
	KeyVersion int             `json:"key_version"`
}

type pullResponse struct {
	Envelopes []pulledEnvelope `json:"envelopes"`
	Count     int              `json:"count"`
}

// Pull fetches all pending envelopes for this device.
func (c *Client) Pull(ctx context.Context) ([]pulledEnvelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/v1/edge/secrets", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pull envelopes: %w", err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}

	var body pullResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode pull response: %w", err)
	}
	return body.Envelopes, nil
}

// Ack reports a successfully applied envelope back to the coordinator.
func (c *Client) Ack(ctx context.Context, minerID uint, counter uint64) error {
	payload, _ := json.Marshal(map[string]interface{}{
		"miner_id": minerID,
		"counter":  counter,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/api/v1/edge/secrets/ack", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ack envelope: %w", err)
	}
	defer resp.Body.Close()

	return c.checkStatus(resp)
}

func (c *Client) checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusForbidden && bytes.Contains(body, []byte("DEVICE_REVOKED")) {
		return ErrRevoked
	}
	return fmt.Errorf("coordinator returned %d: %s", resp.StatusCode, body)
}

// ProcessOnce pulls pending envelopes and drives each one to completion.
// A failure on one envelope does not block the others.
func (c *Client) ProcessOnce(ctx context.Context) error {
	envelopes, err := c.Pull(ctx)
	if err != nil {
		return err
	}

	for _, pulled := range envelopes {
		if err := c.process(ctx, pulled); err != nil {
			c.log.WithFields(logrus.Fields{
				"miner_id": pulled.MinerID,
				"counter":  pulled.Counter,
			}).WithError(err).Error("failed to process envelope")
		}
	}
	return nil
}

func (c *Client) process(ctx context.Context, pulled pulledEnvelope) error {
	// Local replay check runs before any crypto: an envelope at or below the
	// applied counter is refused even if the coordinator resent it.
	if pulled.Counter <= c.store.Last(pulled.MinerID) {
		return fmt.Errorf("stale counter %d for miner %d", pulled.Counter, pulled.MinerID)
	}

	key := c.ring.Get(pulled.KeyVersion)
	if key == nil {
		return fmt.Errorf("no private key for version %d", pulled.KeyVersion)
	}

	env, err := decodeEnvelope(pulled)
	if err != nil {
		return err
	}

	var creds Credentials
	err = envelope.UnsealInto(env, key, envelope.Binding{
		TenantID:   c.cfg.TenantID,
		SiteID:     c.cfg.SiteID,
		DeviceID:   c.cfg.DeviceID,
		ResourceID: pulled.MinerID,
	}, &creds)
	if err != nil {
		return err
	}

	if err := c.applier.Apply(pulled.MinerID, &creds); err != nil {
		return fmt.Errorf("apply credentials: %w", err)
	}
	creds = Credentials{}

	if err := c.store.Advance(pulled.MinerID, pulled.Counter); err != nil {
		return err
	}

	if err := c.Ack(ctx, pulled.MinerID, pulled.Counter); err != nil {
		return err
	}

	c.log.WithFields(logrus.Fields{
		"miner_id": pulled.MinerID,
		"counter":  pulled.Counter,
	}).Info("applied credential envelope")
	return nil
}

func decodeEnvelope(pulled pulledEnvelope) (*envelope.Envelope, error) {
	wrapped, err := base64.StdEncoding.DecodeString(pulled.WrappedDEK)
	if err != nil {
		return nil, fmt.Errorf("decode wrapped DEK: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(pulled.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(pulled.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	var aad envelope.AAD
	if err := json.Unmarshal(pulled.AAD, &aad); err != nil {
		return nil, fmt.Errorf("decode AAD: %w", err)
	}

	return &envelope.Envelope{
		WrappedDEK: wrapped,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		AAD:        aad,
		Counter:    pulled.Counter,
		KeyVersion: pulled.KeyVersion,
	}, nil
}

// Run polls until the context is cancelled or the device is revoked.
func (c *Client) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := c.ProcessOnce(ctx); err != nil {
			if errors.Is(err, ErrRevoked) {
				c.log.Warn("device revoked by coordinator, stopping")
				return ErrRevoked
			}
			c.log.WithError(err).Error("poll cycle failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
