package main

import (
	"log"
	"os"

	"github.com/sorglos123/OpenArchiver/internal/api"
	"github.com/sorglos123/OpenArchiver/internal/cli"
	"github.com/sorglos123/OpenArchiver/internal/config"
	"github.com/sorglos123/OpenArchiver/internal/database"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	db, err := database.Initialize(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// CLI mode
	if len(os.Args) > 1 {
		cli.Execute(db, cfg)
		return
	}

	// Server mode
	router, background, err := api.SetupRouter(db, cfg)
	if err != nil {
		log.Fatalf("Failed to setup router: %v", err)
	}
	defer background.Stop()

	log.Printf("Starting OpenArchiver server on port %s", cfg.APIPort)
	log.Printf("Data directory: %s", cfg.DataDir)
	log.Printf("Database path: %s", cfg.DatabasePath)
	log.Printf("Public base URL: %s", cfg.PublicBaseURL)
	if err := router.Run(":" + cfg.APIPort); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
