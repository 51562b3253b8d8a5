package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration.
type Config struct {
	ServerPort   int
	DatabasePath string // Path to the sqlite state database
	SiteRoot     string // Root directory of the site being backed up
	BackupDir    string // Directory where finished artifacts are stored

	// Connection settings for the site database being exported.
	DBHost        string
	DBPort        int
	DBUser        string
	DBPassword    string
	DBName        string
	DBTablePrefix string

	RunFlagTTL     time.Duration // Expiry on the "a backup is running" flag
	BackupSchedule string        // Optional cron expression for recurring backups
	DiskMinFreeMB  uint64        // Warn and refuse to run below this much free space

	AdminEmail    string
	AdminPassword string
}

// Load loads configuration from environment variables or sets defaults.
func Load() (*Config, error) {
	port, err := strconv.Atoi(getEnv("PORT", "8080"))
	if err != nil {
		return nil, err
	}

	dbPort, err := strconv.Atoi(getEnv("DB_PORT", "3306"))
	if err != nil {
		return nil, err
	}

	ttlMinutes, err := strconv.Atoi(getEnv("JOB_TTL_MINUTES", "10"))
	if err != nil {
		return nil, err
	}

	minFree, err := strconv.ParseUint(getEnv("DISK_MIN_FREE_MB", "512"), 10, 64)
	if err != nil {
		return nil, err
	}

	return &Config{
		ServerPort:     port,
		DatabasePath:   getEnv("DATABASE_PATH", "./sitevault.db"),
		SiteRoot:       getEnv("SITE_ROOT", "./site"),
		BackupDir:      getEnv("BACKUP_DIR", "./backups"),
		DBHost:         getEnv("DB_HOST", "127.0.0.1"),
		DBPort:         dbPort,
		DBUser:         getEnv("DB_USER", "root"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "site"),
		DBTablePrefix:  getEnv("DB_TABLE_PREFIX", ""),
		RunFlagTTL:     time.Duration(ttlMinutes) * time.Minute,
		BackupSchedule: getEnv("BACKUP_SCHEDULE", ""),
		DiskMinFreeMB:  minFree,
		AdminEmail:     getEnv("ADMIN_EMAIL", "admin@localhost"),
		AdminPassword:  getEnv("ADMIN_PASSWORD", ""),
	}, nil
}

// Helper to get an environment variable with a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
