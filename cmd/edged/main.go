package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"minevault-backend/internal/config"
	"minevault-backend/internal/edge"
)

// credentialCache hands unsealed credentials to the collector loop. They
// live in memory only; nothing is written to disk.
type credentialCache struct {
	mu    sync.RWMutex
	creds map[uint]edge.Credentials
	log   *logrus.Logger
}

func (c *credentialCache) Apply(minerID uint, creds *edge.Credentials) error {
	c.mu.Lock()
	c.creds[minerID] = *creds
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"miner_id": minerID,
		"address":  maskAddress(creds.IP),
	}).Info("miner credentials updated")
	return nil
}

func maskAddress(ip string) string {
	if len(ip) <= 4 {
		return "****"
	}
	return ip[:4] + "****"
}

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if config.GetEnv("LOG_LEVEL", "info") == "debug" {
		log.SetLevel(logrus.DebugLevel)
	}

	baseURL := config.GetEnv("MINEVAULT_URL", "http://localhost:8080")
	token := os.Getenv("MINEVAULT_DEVICE_TOKEN")
	if token == "" {
		log.Fatal("MINEVAULT_DEVICE_TOKEN is required")
	}
	deviceID := os.Getenv("MINEVAULT_DEVICE_ID")
	if deviceID == "" {
		log.Fatal("MINEVAULT_DEVICE_ID is required")
	}

	stateDir := config.GetEnv("MINEVAULT_STATE_DIR", "/var/lib/minevault-edged")
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		log.WithError(err).Fatal("failed to create state directory")
	}

	keyPath := filepath.Join(stateDir, "keys.json")
	ring, err := edge.LoadKeyRing(keyPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Fatal("failed to load key ring")
		}
		log.Warn("no key ring found, generating version 1; register its public key with the coordinator")
		ring = edge.NewKeyRing()
		if _, _, err := ring.Rotate(); err != nil {
			log.WithError(err).Fatal("failed to generate keypair")
		}
		if err := ring.Save(keyPath); err != nil {
			log.WithError(err).Fatal("failed to persist key ring")
		}
	}

	store := edge.NewCounterStore(filepath.Join(stateDir, "counters.json"))
	if err := store.Load(); err != nil {
		log.WithError(err).Fatal("failed to load counter state")
	}

	var tenantID, siteID uint64
	if raw := os.Getenv("MINEVAULT_TENANT_ID"); raw != "" {
		if tenantID, err = strconv.ParseUint(raw, 10, 32); err != nil {
			log.Fatal("MINEVAULT_TENANT_ID must be numeric")
		}
	}
	if raw := os.Getenv("MINEVAULT_SITE_ID"); raw != "" {
		if siteID, err = strconv.ParseUint(raw, 10, 32); err != nil {
			log.Fatal("MINEVAULT_SITE_ID must be numeric")
		}
	}

	interval, err := time.ParseDuration(config.GetEnv("MINEVAULT_POLL_INTERVAL", "30s"))
	if err != nil {
		log.Fatal("MINEVAULT_POLL_INTERVAL must be a duration")
	}

	cache := &credentialCache{creds: make(map[uint]edge.Credentials), log: log}
	client := edge.NewClient(edge.Config{
		BaseURL:  baseURL,
		Token:    token,
		DeviceID: deviceID,
		TenantID: uint(tenantID),
		SiteID:   uint(siteID),
		Interval: interval,
	}, ring, store, cache, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{
		"coordinator": baseURL,
		"device_id":   deviceID,
		"key_version": ring.CurrentVersion(),
		"interval":    interval.String(),
	}).Info("minevault-edged starting")

	err = client.Run(ctx)
	switch {
	case errors.Is(err, edge.ErrRevoked):
		log.Warn("device revoked, exiting")
		os.Exit(2)
	case errors.Is(err, context.Canceled):
		log.Info("shutting down")
	case err != nil:
		log.WithError(err).Fatal("poll loop failed")
	}
}
