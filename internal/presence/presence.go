// Package presence tracks when each edge device last contacted the service.
// The authoritative value lives on the device row; Redis, when configured,
// additionally holds a TTL key so "currently online" queries do not touch
// the database. The service works unchanged without Redis.
package presence

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"minevault-backend/internal/config"
	"minevault-backend/internal/database"
	"minevault-backend/internal/models"
)

const onlineTTL = 5 * time.Minute

var client *redis.Client

// Init connects to Redis when REDIS_ADDR is set. Absence of Redis is not an
// error; presence falls back to database timestamps only.
func Init() {
	addr := config.GetEnv("REDIS_ADDR", "")
	if addr == "" {
		log.Println("presence: REDIS_ADDR not set, online status served from database only")
		return
	}

	client = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: config.GetEnv("REDIS_PASSWORD", ""),
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("presence: redis unreachable, continuing without it: %v", err)
		client = nil
	}
}

// Touch records device contact: bumps last_seen_at and refreshes the online
// TTL key. Failures are logged and swallowed; presence must never fail a
// device request.
func Touch(device *models.Device) {
	now := time.Now()
	if err := database.DB.Model(&models.Device{}).Where("id = ?", device.ID).
		Update("last_seen_at", now).Error; err != nil {
		log.Printf("presence: failed to update last_seen for %s: %v", device.DeviceID, err)
	}

	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Set(ctx, "presence:device:"+device.DeviceID, now.Unix(), onlineTTL).Err(); err != nil {
		log.Printf("presence: failed to refresh online key for %s: %v", device.DeviceID, err)
	}
}

// IsOnline reports whether the device has contacted the service within the
// TTL window. Without Redis it compares the database timestamp.
func IsOnline(device *models.Device) bool {
	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := client.Get(ctx, "presence:device:"+device.DeviceID).Result(); err == nil {
			return true
		}
		return false
	}

	return device.LastSeenAt != nil && time.Since(*device.LastSeenAt) < onlineTTL
}
