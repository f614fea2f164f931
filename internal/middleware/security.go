package middleware

import (
	"crypto/subtle"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// SecurityHeaders adds the standard response security headers. The API
// serves no HTML, so the CSP is uniformly strict.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Security-Policy",
			"default-src 'none'; frame-ancestors 'none'; base-uri 'none'")

		if c.Request.TLS != nil || c.GetHeader("X-Forwarded-Proto") == "https" {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Cross-Origin-Opener-Policy", "same-origin")
		c.Header("Cross-Origin-Resource-Policy", "same-origin")
		c.Header("Server", "")
		c.Header("X-Powered-By", "")

		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.Header("Cache-Control", "no-store, no-cache, must-revalidate, private")
			c.Header("Pragma", "no-cache")
		}

		c.Next()
	}
}

// RequestSizeLimit limits request body size. Envelopes are small; anything
// over the cap is not a legitimate upload.
func RequestSizeLimit(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// CSRFProtection validates the double-submit CSRF token for cookie sessions.
// Bearer-token requests (edge devices, API clients) skip it.
func CSRFProtection(authCookieName, csrfCookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		method := c.Request.Method
		if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
			c.Next()
			return
		}

		if strings.HasPrefix(c.Request.URL.Path, "/api/v1/auth/login") ||
			strings.HasPrefix(c.Request.URL.Path, "/api/v1/auth/register") {
			c.Next()
			return
		}

		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			c.Next()
			return
		}

		if _, err := c.Cookie(authCookieName); err != nil {
			c.Next()
			return
		}

		headerToken := strings.TrimSpace(c.GetHeader("X-CSRF-Token"))
		if headerToken == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "Missing CSRF token"})
			c.Abort()
			return
		}

		cookieToken, err := c.Cookie(csrfCookieName)
		if err != nil || cookieToken == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "Missing CSRF cookie"})
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(headerToken), []byte(cookieToken)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid CSRF token"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// IPWhitelist restricts access to specific IPs or CIDR ranges when enforced.
func IPWhitelist(allowedIPs []string, enforce bool) gin.HandlerFunc {
	normalized := make([]string, 0, len(allowedIPs))
	for _, entry := range allowedIPs {
		if trimmed := strings.TrimSpace(entry); trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}

	if !enforce || len(normalized) == 0 {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	ipSet, networks := buildIPWhitelist(normalized)

	return func(c *gin.Context) {
		clientIP := getClientIP(c)
		if clientIP == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "Access denied from this IP"})
			c.Abort()
			return
		}

		if _, ok := ipSet[clientIP]; ok {
			c.Next()
			return
		}

		parsedIP := net.ParseIP(clientIP)
		if parsedIP != nil {
			if ipv4 := parsedIP.To4(); ipv4 != nil {
				parsedIP = ipv4
			}
			for _, network := range networks {
				if network.Contains(parsedIP) {
					c.Next()
					return
				}
			}
		}

		log.Printf("Access denied by IP whitelist: client_ip=%s", clientIP)
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied from this IP"})
		c.Abort()
	}
}

// SecurityMonitoring logs slow requests and error responses with the client
// IP for offline correlation with the audit trail.
func SecurityMonitoring() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start)
		if duration > 5*time.Second {
			log.Printf("⚠️ Slow request: %s %s took %v from IP: %s",
				c.Request.Method, c.Request.URL.Path, duration, getClientIP(c))
		}

		if c.Writer.Status() >= 400 {
			log.Printf("🚨 Error response: %d %s %s from IP: %s",
				c.Writer.Status(), c.Request.Method, c.Request.URL.Path, getClientIP(c))
		}
	}
}

func buildIPWhitelist(entries []string) (map[string]struct{}, []*net.IPNet) {
	ipSet := make(map[string]struct{})
	var networks []*net.IPNet

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		switch {
		case entry == "localhost":
			ipSet["127.0.0.1"] = struct{}{}
			ipSet["::1"] = struct{}{}
		case strings.Contains(entry, "/"):
			if _, network, err := net.ParseCIDR(entry); err == nil {
				networks = append(networks, network)
			}
		default:
			if ip := net.ParseIP(entry); ip != nil {
				ipSet[ip.String()] = struct{}{}
			}
		}
	}

	// Always allow loopback
	ipSet["127.0.0.1"] = struct{}{}
	ipSet["::1"] = struct{}{}

	return ipSet, networks
}

// SecurityConfig holds security configuration from environment
type SecurityConfig struct {
	MaxRequestSize     int64
	AllowedIPs         []string
	EnforceIPWhitelist bool
}

func GetSecurityConfig() SecurityConfig {
	config := SecurityConfig{
		MaxRequestSize: 1 * 1024 * 1024, // 1MB default, envelopes are small
	}

	if maxSize := os.Getenv("MAX_REQUEST_SIZE"); maxSize != "" {
		if size, err := strconv.ParseInt(maxSize, 10, 64); err == nil {
			config.MaxRequestSize = size
		}
	}

	if allowedIPs := os.Getenv("ALLOWED_IPS"); allowedIPs != "" {
		config.AllowedIPs = strings.FieldsFunc(allowedIPs, func(r rune) bool {
			return r == ',' || r == '\n' || r == ' '
		})
	}

	if enforce := os.Getenv("ENFORCE_IP_WHITELIST"); enforce != "" {
		config.EnforceIPWhitelist = enforce == "true" || enforce == "1"
	}

	return config
}
