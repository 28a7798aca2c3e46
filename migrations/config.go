package main

import (
	"fmt"
	"os"
	"strings"
)

// Config holds all configuration for the migration tool.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// MigrationTable is the name of the table used to track applied
	// migrations.
	MigrationTable string
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	config := &Config{
		DatabaseURL:    getEnvOrDefault("DATABASE_URL", ""),
		MigrationTable: getEnvOrDefault("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL cannot be empty")
	}

	if c.MigrationTable == "" {
		return fmt.Errorf("MIGRATION_TABLE cannot be empty")
	}

	return nil
}

// String returns a representation safe for logging.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		maskDatabaseURL(c.DatabaseURL), c.MigrationTable)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// maskDatabaseURL hides the password portion of a connection URL.
func maskDatabaseURL(url string) string {
	authStart := strings.Index(url, "//")
	if authStart == -1 {
		return url
	}
	authStart += 2

	authEnd := len(url)
	for i := authStart; i < len(url); i++ {
		if url[i] == '/' || url[i] == '?' || url[i] == '#' {
			authEnd = i
			break
		}
	}

	// Last "@" in the authority section, in case the password contains one.
	atPos := strings.LastIndex(url[authStart:authEnd], "@")
	if atPos == -1 {
		return url
	}
	atPos += authStart

	colonPos := strings.Index(url[authStart:atPos], ":")
	if colonPos == -1 {
		return url
	}
	colonPos += authStart

	if atPos == colonPos+1 {
		return url
	}

	return url[:colonPos+1] + "****" + url[atPos:]
}
