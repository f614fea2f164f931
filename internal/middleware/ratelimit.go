package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"minevault-backend/pkg/utils"
)

// RateLimiter provides per-IP rate limiting with a separate budget per
// endpoint class and progressive blocking after repeated auth failures.
type RateLimiter struct {
	loginLimiter    *IPRateLimiter
	registerLimiter *IPRateLimiter
	edgeLimiter     *IPRateLimiter
	generalLimiter  *IPRateLimiter
	failedAttempts  map[string]*FailedAttemptTracker
	mu              sync.RWMutex
}

// FailedAttemptTracker tracks failed attempts for progressive rate limiting
type FailedAttemptTracker struct {
	Count        int
	LastFailed   time.Time
	BlockedUntil *time.Time
}

// IPRateLimiter manages rate limiters per IP
type IPRateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

// NewIPRateLimiter creates a new IP-based rate limiter
func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	return &IPRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    b,
	}
}

// GetLimiter returns the rate limiter for an IP
func (i *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()

	limiter, exists := i.limiters[ip]
	if !exists {
		limiter = rate.NewLimiter(i.rate, i.burst)
		i.limiters[ip] = limiter
	}

	return limiter
}

// NewRateLimiter creates the default limiter set. Edge polling is the
// hottest path and gets the largest budget.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		loginLimiter:    NewIPRateLimiter(rate.Every(time.Minute), 5),
		registerLimiter: NewIPRateLimiter(rate.Every(5*time.Minute), 3),
		edgeLimiter:     NewIPRateLimiter(rate.Every(time.Second), 60),
		generalLimiter:  NewIPRateLimiter(rate.Every(time.Second), 30),
		failedAttempts:  make(map[string]*FailedAttemptTracker),
	}
}

var limiter = NewRateLimiter()

func (rl *RateLimiter) progressiveDelay(key string) time.Duration {
	rl.mu.RLock()
	tracker, exists := rl.failedAttempts[key]
	rl.mu.RUnlock()

	if !exists {
		return 0
	}

	if tracker.BlockedUntil != nil && time.Now().Before(*tracker.BlockedUntil) {
		return time.Until(*tracker.BlockedUntil)
	}

	switch {
	case tracker.Count >= 10:
		return 30 * time.Minute
	case tracker.Count >= 5:
		return 10 * time.Minute
	case tracker.Count >= 3:
		return 5 * time.Minute
	case tracker.Count >= 1:
		return 1 * time.Minute
	default:
		return 0
	}
}

// RecordFailedAttempt bumps the failure count for a key and extends the block
// window. Returns whether this attempt newly blocked the key.
func (rl *RateLimiter) RecordFailedAttempt(key string) (bool, *time.Time, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	tracker, exists := rl.failedAttempts[key]
	if !exists {
		tracker = &FailedAttemptTracker{}
		rl.failedAttempts[key] = tracker
	}

	tracker.Count++
	tracker.LastFailed = time.Now()
	prevBlocked := tracker.BlockedUntil != nil && time.Now().Before(*tracker.BlockedUntil)
	var newlyBlocked bool

	if os.Getenv("DISABLE_PROGRESSIVE_LOGIN_DELAY") != "true" {
		var delay time.Duration
		switch {
		case tracker.Count >= 10:
			delay = 30 * time.Minute
		case tracker.Count >= 5:
			delay = 10 * time.Minute
		case tracker.Count >= 3:
			delay = 5 * time.Minute
		default:
			delay = time.Minute
		}
		blockedUntil := time.Now().Add(delay)
		tracker.BlockedUntil = &blockedUntil
		if !prevBlocked {
			newlyBlocked = true
		}
	}

	return newlyBlocked, tracker.BlockedUntil, tracker.Count
}

// RecordSuccessfulAttempt clears failure tracking for a key.
func (rl *RateLimiter) RecordSuccessfulAttempt(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if tracker, exists := rl.failedAttempts[key]; exists {
		tracker.Count = 0
		tracker.BlockedUntil = nil
	}
}

func (rl *RateLimiter) isBlocked(key string) bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	tracker, exists := rl.failedAttempts[key]
	if !exists {
		return false
	}

	return tracker.BlockedUntil != nil && time.Now().Before(*tracker.BlockedUntil)
}

// CleanupExpiredEntries drops stale failure trackers.
func (rl *RateLimiter) CleanupExpiredEntries() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-24 * time.Hour)
	for key, tracker := range rl.failedAttempts {
		if tracker.LastFailed.Before(cutoff) {
			delete(rl.failedAttempts, key)
		}
	}
}

func buildLoginRateLimitKey(c *gin.Context) string {
	email := strings.ToLower(c.GetString("validated_email"))
	if email == "" {
		return getClientIP(c)
	}
	sum := sha256.Sum256([]byte(email))
	return hex.EncodeToString(sum[:])
}

func tooManyRequests(c *gin.Context, message string, delay time.Duration) {
	c.JSON(http.StatusTooManyRequests, gin.H{
		"error":       message,
		"retry_after": fmt.Sprintf("%.0f seconds", delay.Seconds()),
	})
	c.Abort()
}

// LoginRateLimit throttles login attempts per account and IP.
func LoginRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := buildLoginRateLimitKey(c)

		if limiter.isBlocked(key) {
			tooManyRequests(c, "Too many failed login attempts. Temporarily blocked.", limiter.progressiveDelay(key))
			return
		}

		if !limiter.loginLimiter.GetLimiter(key).Allow() {
			tooManyRequests(c, "Too many login attempts. Please try again later.", time.Minute)
			return
		}

		c.Next()
	}
}

// RegisterRateLimit throttles account creation per IP.
func RegisterRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := getClientIP(c)

		if limiter.isBlocked(ip) {
			tooManyRequests(c, "Too many failed attempts. Temporarily blocked.", limiter.progressiveDelay(ip))
			return
		}

		if !limiter.registerLimiter.GetLimiter(ip).Allow() {
			tooManyRequests(c, "Too many registration attempts. Please try again later.", 5*time.Minute)
			return
		}

		c.Next()
	}
}

// EdgeRateLimit throttles device polling.
func EdgeRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := getClientIP(c)

		if !limiter.edgeLimiter.GetLimiter(ip).Allow() {
			tooManyRequests(c, "Too many requests. Please slow down.", time.Second)
			return
		}

		c.Next()
	}
}

// GeneralRateLimit throttles everything else.
func GeneralRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/healthz" || path == "/metrics" ||
			strings.HasPrefix(path, "/api/v1/edge/") || strings.HasPrefix(path, "/api/v1/auth/") {
			c.Next()
			return
		}

		ip := getClientIP(c)

		if limiter.isBlocked(ip) {
			tooManyRequests(c, "Too many failed attempts. Temporarily blocked.", limiter.progressiveDelay(ip))
			return
		}

		if !limiter.generalLimiter.GetLimiter(ip).Allow() {
			tooManyRequests(c, "Too many requests. Please slow down.", time.Second)
			return
		}

		c.Next()
	}
}

// RecordFailedLoginAttempt records a failed login attempt
func RecordFailedLoginAttempt(c *gin.Context) {
	key := buildLoginRateLimitKey(c)
	if blocked, blockedUntil, count := limiter.RecordFailedAttempt(key); blocked {
		extras := map[string]interface{}{
			"client_ip":       getClientIP(c),
			"failed_attempts": count,
		}
		if blockedUntil != nil {
			extras["blocked_until"] = blockedUntil.Format(time.RFC3339)
		}
		utils.CaptureSentryError(c, nil, "rate_limit.login_blocked", extras)
	}
}

// RecordSuccessfulLoginAttempt resets failed login tracking
func RecordSuccessfulLoginAttempt(c *gin.Context) {
	limiter.RecordSuccessfulAttempt(buildLoginRateLimitKey(c))
}

// StartCleanup starts the cleanup routine for expired entries
func StartCleanup() {
	ticker := time.NewTicker(1 * time.Hour)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				utils.CaptureSentryPanic("middleware.StartCleanup", r)
			}
		}()
		for range ticker.C {
			limiter.CleanupExpiredEntries()
		}
	}()
}

func getClientIP(c *gin.Context) string {
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	if xri := c.GetHeader("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	return c.ClientIP()
}
