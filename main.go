package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sitevault/sitevault-be/internal/api"
	"github.com/sitevault/sitevault-be/internal/backup"
	"github.com/sitevault/sitevault-be/internal/config"
	"github.com/sitevault/sitevault-be/internal/database"
	"github.com/sitevault/sitevault-be/internal/logger"
	"github.com/sitevault/sitevault-be/internal/monitoring"
	"github.com/sitevault/sitevault-be/internal/services"
	"github.com/sitevault/sitevault-be/internal/websocket"
)

func main() {
	logger.Init()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Ensure the backup directory exists
	if err := os.MkdirAll(cfg.BackupDir, 0755); err != nil {
		log.Fatal().Err(err).Msg("Failed to create backup directory")
	}

	// Set up the state database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize state database")
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply database migrations")
	}

	// Set up WebSocket Hub
	hub := websocket.NewHub()
	go hub.Run()

	// Set up the site database exporter
	connCfg := backup.ConnConfig{
		Host:        cfg.DBHost,
		Port:        cfg.DBPort,
		User:        cfg.DBUser,
		Password:    cfg.DBPassword,
		Name:        cfg.DBName,
		TablePrefix: cfg.DBTablePrefix,
	}
	source, err := backup.NewMySQLSource(connCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to the site database")
	}
	defer source.Close()

	minFreeBytes := cfg.DiskMinFreeMB * 1024 * 1024

	// Set up services
	eventService := services.NewEventService(db)
	userService := services.NewUserService(db)
	stateService := services.NewStateService(db, cfg.RunFlagTTL)
	backupService := services.NewBackupService(
		backup.NewExporter(connCfg, source),
		backup.NewArchiver(),
		eventService,
		hub,
		cfg.SiteRoot,
		cfg.BackupDir,
		minFreeBytes,
	)

	bootstrapAdmin(userService, cfg)

	// Set up and run the background scheduler
	scheduler, err := monitoring.NewScheduler(stateService, backupService, eventService, cfg.BackupSchedule)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize scheduler")
	}
	go scheduler.Run()

	// Set up and run the disk watcher for the backup volume
	diskWatcher := monitoring.NewDiskWatcher(cfg.BackupDir, minFreeBytes, eventService, hub)
	go diskWatcher.Run()

	// Set up router
	router := api.NewRouter(hub, backupService, stateService, userService, eventService)

	// Set up server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ServerPort),
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		log.Info().Int("port", cfg.ServerPort).Msg("Server starting")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("ListenAndServe()")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	diskWatcher.Stop()
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exiting")
}

// bootstrapAdmin creates the initial administrator account from the
// environment when no account exists yet.
func bootstrapAdmin(users services.UserServiceProvider, cfg *config.Config) {
	exists, err := users.HasUsers()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to check for administrator accounts")
	}
	if exists {
		return
	}
	if cfg.AdminPassword == "" {
		log.Warn().Msg("No administrator account exists and ADMIN_PASSWORD is not set; the API will be unusable until one is created")
		return
	}
	if _, err := users.CreateUser("admin", cfg.AdminEmail, cfg.AdminPassword); err != nil {
		log.Fatal().Err(err).Msg("Failed to create initial administrator account")
	}
	log.Info().Str("email", cfg.AdminEmail).Msg("Created initial administrator account")
}
