package main

import (
	"log"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"minevault-backend/internal/audit"
	"minevault-backend/internal/auth"
	"minevault-backend/internal/database"
	"minevault-backend/internal/devices"
	"minevault-backend/internal/health"
	"minevault-backend/internal/metrics"
	"minevault-backend/internal/middleware"
	"minevault-backend/internal/miners"
	"minevault-backend/internal/models"
	"minevault-backend/internal/presence"
	"minevault-backend/internal/secrets"
)

func main() {
	log.Println("🚀 Starting MineVault API Server")

	// Initialize Sentry before other subsystems so we capture initialization errors
	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		host, _ := os.Hostname()
		opts := sentry.ClientOptions{
			Dsn:         dsn,
			Environment: os.Getenv("SENTRY_ENVIRONMENT"),
			Release:     os.Getenv("SENTRY_RELEASE"),
		}
		if host != "" {
			opts.ServerName = host
		}

		if err := sentry.Init(opts); err != nil {
			log.Printf("Sentry initialization failed: %v", err)
		} else {
			sentry.ConfigureScope(func(scope *sentry.Scope) {
				scope.SetTag("service", "minevault-backend")
			})
			defer sentry.Flush(2 * time.Second)
		}
	}

	if err := database.InitDatabase(); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	log.Println("Running database migrations...")
	if err := database.DB.AutoMigrate(
		&models.User{},
		&models.Tenant{},
		&models.TokenBlacklist{},
		&models.Device{},
		&models.DeviceKey{},
		&models.Miner{},
		&models.MinerBinding{},
		&models.SecretEnvelope{},
		&models.AntiRollbackState{},
		&models.AuditEvent{},
	); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("✅ Database migrations completed")

	auth.InitJWT()
	presence.Init()

	// Start background tasks
	middleware.StartCleanup()
	go func() {
		ticker := time.NewTicker(time.Hour)
		for range ticker.C {
			auth.CleanupTokenBlacklist(database.DB)
		}
	}()

	if os.Getenv("ENVIRONMENT") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(sentrygin.New(sentrygin.Options{Repanic: true}))
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	securityConfig := middleware.GetSecurityConfig()
	router.Use(cors.New(middleware.SecureCORSConfig()))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestSizeLimit(securityConfig.MaxRequestSize))
	router.Use(middleware.SecurityMonitoring())
	router.Use(middleware.GeneralRateLimit())
	router.Use(middleware.IPWhitelist(securityConfig.AllowedIPs, securityConfig.EnforceIPWhitelist))
	router.Use(middleware.RequestID())
	router.Use(middleware.CSRFProtection(auth.AuthCookieName, auth.CSRFCookieName))

	router.GET("/healthz", health.HandleHealthCheck)
	router.GET("/readyz", health.HandleSystemReady)
	router.GET("/metrics", metrics.Handler())

	api := router.Group("/api/v1")
	{
		authRoutes := api.Group("/auth")
		{
			authRoutes.POST("/register", middleware.RegisterRateLimit(), auth.HandleRegister)
			authRoutes.POST("/login", middleware.ValidateLoginInput(), middleware.LoginRateLimit(), auth.HandleLogin)
			authRoutes.POST("/logout", auth.HandleLogout)
		}

		// Owner surface: everything here requires a user session.
		protected := api.Group("")
		protected.Use(auth.Middleware(database.DB))
		{
			protected.GET("/auth/me", auth.HandleMe)

			deviceRoutes := protected.Group("/devices")
			{
				deviceRoutes.POST("", devices.HandleRegisterDevice)
				deviceRoutes.GET("", devices.HandleListDevices)
				deviceRoutes.GET("/:deviceId", devices.HandleGetDevice)
				deviceRoutes.POST("/:deviceId/approve", devices.HandleApproveDevice)
				deviceRoutes.POST("/:deviceId/rotate", devices.HandleRotateDeviceKey)
				deviceRoutes.POST("/:deviceId/revoke", devices.HandleRevokeDevice)
				deviceRoutes.GET("/:deviceId/public_key", devices.HandleGetDevicePublicKey)
				deviceRoutes.POST("/:deviceId/miners/:minerId/secret", secrets.HandleUploadSecret)
				deviceRoutes.DELETE("/:deviceId/miners/:minerId/binding", miners.HandleUnbindMiner)
			}

			minerRoutes := protected.Group("/miners")
			{
				minerRoutes.POST("", miners.HandleCreateMiner)
				minerRoutes.GET("", miners.HandleListMiners)
				minerRoutes.GET("/:minerId", miners.HandleGetMiner)
				minerRoutes.PATCH("/:minerId", miners.HandleUpdateMiner)
				minerRoutes.POST("/:minerId/bind", miners.HandleBindMiner)
			}

			protected.GET("/audit/events", audit.HandleListEvents)
			protected.GET("/system/metrics", metrics.HandleSystemMetrics)
		}

		// Edge surface: device bearer tokens only.
		edgeRoutes := api.Group("/edge")
		edgeRoutes.Use(middleware.EdgeRateLimit(), middleware.DeviceAuth())
		{
			edgeRoutes.GET("/secrets", secrets.HandlePullSecrets)
			edgeRoutes.POST("/secrets/ack", secrets.HandleAckSecret)
		}
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("✅ MineVault API listening on :%s", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
