package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// Common weak/default passwords and secrets to check for.
var weakPasswords = []string{
	"password",
	"secret",
	"changeme",
	"admin",
	"root",
	"postgres",
	"123456",
	"12345678",
	"qwerty",
	"abc123",
	"default",
	"guest",
}

// ValidateForProduction validates that configuration is suitable for production use.
// It checks for insecure settings, weak secrets, and development configurations
// that should never be used in production environments.
func ValidateForProduction(cfg *Config) error {
	var errs []string

	if err := validateEnvironment(cfg); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateSecrets(cfg); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateDatabase(cfg); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateServiceURLs(cfg); err != nil {
		errs = append(errs, err.Error())
	}

	logProductionWarnings(cfg)

	if len(errs) > 0 {
		return fmt.Errorf("production configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	slog.Info("production configuration validated successfully")
	return nil
}

func validateEnvironment(cfg *Config) error {
	if cfg.Server.Env != "production" {
		return fmt.Errorf("APP_ENV must be 'production' in production deployment, got: %s", cfg.Server.Env)
	}
	return nil
}

func validateSecrets(cfg *Config) error {
	if cfg.Secrets.UseKMS {
		if cfg.Secrets.KMSKeyID == "" {
			return fmt.Errorf("KMS is enabled but KMSKeyID is not configured")
		}
		return nil
	}

	if cfg.Secrets.MasterKey == "" {
		return fmt.Errorf("secrets master key must be configured when KMS is not used")
	}
	if cfg.Secrets.MasterKey == "dGhpcy1pcy1hLTMyLWJ5dGUtZGV2LWtleS0xMjM0NTY=" {
		return fmt.Errorf("default development secrets master key detected - must use unique production key")
	}
	if len(cfg.Secrets.MasterKey) < 32 {
		return fmt.Errorf("secrets master key is too short - minimum 32 characters required")
	}
	if isWeakPassword(cfg.Secrets.MasterKey) {
		return fmt.Errorf("weak or insecure secrets master key detected - must use strong random key")
	}

	return nil
}

func validateDatabase(cfg *Config) error {
	var errs []string

	if isWeakPassword(cfg.Database.Password) {
		errs = append(errs, "weak or default database password detected")
	}
	if cfg.Database.SSLMode == "disable" {
		errs = append(errs, "database SSL must be enabled in production (use 'require', 'verify-ca', or 'verify-full')")
	}
	if cfg.Database.Host == "" || containsLocalhostURL(cfg.Database.Host) {
		errs = append(errs, "database host appears to be localhost or empty - use production database host")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServiceURLs(cfg *Config) error {
	var errs []string

	if containsLocalhostURL(cfg.Redis.Address) {
		errs = append(errs, "localhost detected in Redis address - use production Redis host")
	}
	if cfg.Observability.TracingEnabled && containsLocalhostURL(cfg.Observability.TracingEndpoint) {
		errs = append(errs, "localhost detected in tracing endpoint")
	}
	if containsLocalhostURL(cfg.Worker.ServerURL) {
		errs = append(errs, "localhost detected in worker server URL")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func logProductionWarnings(cfg *Config) {
	if cfg.Observability.SentryEnabled && cfg.Observability.SentryDSN == "" {
		slog.Warn("Sentry error tracking is enabled but DSN is not configured")
	}
	if cfg.Observability.SentryEnabled && cfg.Observability.SentryEnvironment != "production" {
		slog.Warn("Sentry environment should be 'production'", "current", cfg.Observability.SentryEnvironment)
	}
	if !cfg.Observability.TracingEnabled {
		slog.Warn("distributed tracing is disabled - consider enabling for production observability")
	}
	if !cfg.Observability.MetricsEnabled {
		slog.Warn("metrics collection is disabled - consider enabling for production monitoring")
	}
	if cfg.Redis.Password == "" {
		slog.Warn("Redis password is not set - ensure Redis is secured by other means")
	}
	if !cfg.Retention.Enabled {
		slog.Warn("event log retention cleanup is disabled - database may grow indefinitely")
	}
}

// isWeakPassword checks if a password matches common weak passwords or patterns.
func isWeakPassword(password string) bool {
	if password == "" {
		return true
	}
	if len(password) < 8 {
		return true
	}

	lowerPassword := strings.ToLower(password)
	for _, weak := range weakPasswords {
		if lowerPassword == weak {
			return true
		}
	}
	return false
}

// containsLocalhostURL checks if a URL or host string contains localhost references.
func containsLocalhostURL(url string) bool {
	if url == "" {
		return false
	}

	lowerURL := strings.ToLower(url)

	if strings.Contains(lowerURL, "localhost") {
		return true
	}
	if strings.Contains(lowerURL, "127.0.0.1") || strings.Contains(lowerURL, "0.0.0.0") {
		return true
	}
	if strings.Contains(lowerURL, "::1") || strings.Contains(lowerURL, "[::1]") {
		return true
	}
	return false
}
