package auth

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"minevault-backend/internal/config"
)

// Cookie names used for browser sessions. API clients use Bearer tokens and
// never see these.
const (
	AuthCookieName = "mv_auth"
	CSRFCookieName = "mv_csrf"
)

func cookieSecure() bool {
	return config.GetEnv("COOKIE_SECURE", "true") == "true"
}

// SetAuthCookies writes the session and CSRF cookies. The auth cookie is
// HttpOnly; the CSRF cookie must be readable by the frontend so it can echo
// the value in X-CSRF-Token.
func SetAuthCookies(c *gin.Context, token, csrfToken string, expiry time.Time) {
	maxAge := int(time.Until(expiry).Seconds())

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(AuthCookieName, token, maxAge, "/", "", cookieSecure(), true)
	c.SetCookie(CSRFCookieName, csrfToken, maxAge, "/", "", cookieSecure(), false)
}

// ClearAuthCookies expires both session cookies.
func ClearAuthCookies(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(AuthCookieName, "", -1, "/", "", cookieSecure(), true)
	c.SetCookie(CSRFCookieName, "", -1, "/", "", cookieSecure(), false)
}
