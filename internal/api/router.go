package api

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sorglos123/OpenArchiver/internal/api/handlers"
	"github.com/sorglos123/OpenArchiver/internal/api/middleware"
	"github.com/sorglos123/OpenArchiver/internal/config"
	"github.com/sorglos123/OpenArchiver/internal/services"
	"gorm.io/gorm"
)

// syncInterval is how often the background runner starts a cycle over all
// enabled sources
const syncInterval = 5 * time.Minute

// tokenCheckInterval is how often the token scheduler looks for expiring
// credentials
const tokenCheckInterval = 5 * time.Minute

// Background holds the long-running collaborators started with the router
type Background struct {
	Runner         *services.SyncRunner
	TokenScheduler *services.TokenScheduler
	Pending        *services.PendingAuthCache
}

// Stop shuts down all background collaborators
func (b *Background) Stop() {
	b.Runner.Stop()
	b.TokenScheduler.Stop()
	b.Pending.Stop()
}

// SetupRouter initializes the Gin router with all routes configured and
// starts the background schedulers
func SetupRouter(db *gorm.DB, cfg *config.Config) (*gin.Engine, *Background, error) {
	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins(cfg),
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	jwtManager := middleware.NewJWTManager(cfg.JWTSecret, middleware.DefaultTokenExpiry)

	// Services
	logService := services.NewLogServiceWithLevel(db, cfg.LogLevel)
	vault := services.NewVault(cfg.GetEncryptionKey())
	userService := services.NewUserService(db)
	tokenStore := services.NewTokenStore(db, vault)
	sourceService := services.NewSourceService(db, vault, logService)

	pending := services.NewPendingAuthCache()
	pending.Start()

	flow := services.NewOAuthFlow(cfg, tokenStore, pending, logService)

	sink := services.NewArchiveSink(db, cfg.DataDir)
	runner := services.NewSyncRunner(db, sourceService, flow, logService, sink, syncInterval)
	runner.Start()

	tokenScheduler := services.NewTokenScheduler(db, flow, tokenCheckInterval)
	tokenScheduler.Start()

	// Handlers
	authHandler := handlers.NewAuthHandler(userService, jwtManager, logService)
	sourceHandler := handlers.NewSourceHandler(sourceService, runner, logService)
	oauthHandler := handlers.NewOAuthHandler(flow, tokenStore, logService)
	logHandler := handlers.NewLogHandler(logService)

	// Health check endpoint (no auth required)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/login", authHandler.Login)
		}

		oauth := api.Group("/oauth")
		{
			// The provider redirects the user's browser here; it cannot
			// carry a JWT.
			oauth.GET("/callback", oauthHandler.Callback)

			protected := oauth.Group("")
			protected.Use(middleware.JWTMiddleware(jwtManager))
			{
				protected.POST("/authorize", oauthHandler.StartAuthorization)
				protected.GET("/credentials", oauthHandler.ListCredentials)
				protected.DELETE("/credentials/:id", oauthHandler.DeleteCredential)
				protected.POST("/credentials/:id/refresh", oauthHandler.RefreshCredential)
			}
		}

		sources := api.Group("/sources")
		sources.Use(middleware.JWTMiddleware(jwtManager))
		{
			sources.GET("", sourceHandler.ListSources)
			sources.POST("", sourceHandler.CreateSource)
			sources.PUT("/:id", sourceHandler.UpdateSource)
			sources.DELETE("/:id", sourceHandler.DeleteSource)
			sources.PUT("/:id/enabled", sourceHandler.SetSourceEnabled)
			sources.POST("/:id/sync", sourceHandler.SyncSource)
		}

		logs := api.Group("/logs")
		logs.Use(middleware.JWTMiddleware(jwtManager))
		{
			logs.GET("", logHandler.ListLogs)
		}
	}

	background := &Background{
		Runner:         runner,
		TokenScheduler: tokenScheduler,
		Pending:        pending,
	}
	return router, background, nil
}

// corsOrigins parses the configured comma-separated origin list
func corsOrigins(cfg *config.Config) []string {
	if cfg.CORSOrigins == "" || cfg.CORSOrigins == "*" {
		return []string{"*"}
	}
	var origins []string
	for _, origin := range strings.Split(cfg.CORSOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
