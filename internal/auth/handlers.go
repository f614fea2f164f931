package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"minevault-backend/internal/database"
	apperrors "minevault-backend/internal/errors"
	"minevault-backend/internal/models"
)

type registerRequest struct {
	Email      string `json:"email" binding:"required,email"`
	Password   string `json:"password" binding:"required,min=12"`
	Name       string `json:"name" binding:"required,max=128"`
	TenantName string `json:"tenant_name" binding:"required,max=128"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// HandleRegister creates a tenant and its owning user in one step.
func HandleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))

	var existing models.User
	if err := database.DB.Where("email = ?", email).First(&existing).Error; err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Email is already registered"})
		return
	}

	passwordHash, err := HashPassword(req.Password)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process registration"})
		return
	}

	var user models.User
	err = database.DB.Transaction(func(tx *gorm.DB) error {
		tenant := models.Tenant{Name: req.TenantName}
		if err := tx.Create(&tenant).Error; err != nil {
			return err
		}

		user = models.User{
			Email:    email,
			Password: passwordHash,
			Name:     req.Name,
			Role:     "admin",
			Active:   true,
			TenantID: tenant.ID,
		}
		if err := tx.Create(&user).Error; err != nil {
			return err
		}

		return tx.Model(&tenant).Update("owner_id", user.ID).Error
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create account"})
		return
	}

	token, expiry, csrfToken, err := GenerateToken(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue session"})
		return
	}
	SetAuthCookies(c, token, csrfToken, expiry)

	c.JSON(http.StatusCreated, gin.H{
		"user":       user,
		"token":      token,
		"expires_at": expiry,
	})
}

// HandleLogin authenticates a user. Failed attempts count toward a temporary
// lockout; the response does not distinguish unknown email from wrong
// password.
func HandleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))

	var user models.User
	if err := database.DB.Where("email = ?", email).First(&user).Error; err != nil {
		// Burn comparable time so a missing account is not observable.
		CheckPassword(req.Password, "$2a$14$invalidinvalidinvalidinvalidinvalidinvalidinvalidinva")
		c.JSON(http.StatusUnauthorized, gin.H{"error": apperrors.ErrInvalidCredentials.Message, "code": apperrors.ErrInvalidCredentials.Code})
		return
	}

	if IsAccountLocked(&user) {
		c.JSON(http.StatusForbidden, gin.H{"error": apperrors.ErrAccountLocked.Message, "code": apperrors.ErrAccountLocked.Code})
		return
	}

	if !user.Active {
		c.JSON(http.StatusForbidden, gin.H{"error": "User account is disabled"})
		return
	}

	if !CheckPassword(req.Password, user.Password) {
		if err := RecordFailedLogin(database.DB, &user); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Login failed"})
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": apperrors.ErrInvalidCredentials.Message, "code": apperrors.ErrInvalidCredentials.Code})
		return
	}

	if err := RecordSuccessfulLogin(database.DB, &user); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Login failed"})
		return
	}

	token, expiry, csrfToken, err := GenerateToken(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue session"})
		return
	}
	SetAuthCookies(c, token, csrfToken, expiry)

	c.JSON(http.StatusOK, gin.H{
		"user":       user,
		"token":      token,
		"expires_at": expiry,
	})
}

// HandleLogout blacklists the presented token and clears session cookies.
func HandleLogout(c *gin.Context) {
	var tokenString string
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			tokenString = parts[1]
		}
	} else if cookie, err := c.Cookie(AuthCookieName); err == nil {
		tokenString = cookie
	}

	if tokenString != "" {
		if claims, err := ParseToken(tokenString); err == nil {
			BlacklistToken(database.DB, tokenString, claims.UserID, claims.ExpiresAt.Time)
		} else {
			BlacklistToken(database.DB, tokenString, 0, time.Now().Add(24*time.Hour))
		}
	}

	ClearAuthCookies(c)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

// HandleMe returns the authenticated user's profile.
func HandleMe(c *gin.Context) {
	user, exists := c.Get("user")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}
