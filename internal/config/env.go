package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// LoadFromEnv overrides configuration from DRKEEPER_* environment variables
func LoadFromEnv(cfg *Config) error {
	ints := map[string]*int{
		"DRKEEPER_PORT":           &cfg.Server.Port,
		"DRKEEPER_RPO_MINUTES":    &cfg.Backup.RPOMinutes,
		"DRKEEPER_RTO_MINUTES":    &cfg.Backup.RTOMinutes,
		"DRKEEPER_RETENTION_DAYS": &cfg.Backup.RetentionDays,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("config: %s: %w", key, err)
			}
			*dst = n
		}
	}

	bools := map[string]*bool{
		"DRKEEPER_ENCRYPTION_ENABLED": &cfg.Backup.EncryptionEnabled,
		"DRKEEPER_TENANT_ISOLATION":   &cfg.Backup.TenantIsolation,
	}
	for key, dst := range bools {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("config: %s: %w", key, err)
			}
			*dst = b
		}
	}

	if v := os.Getenv("DRKEEPER_HEALTH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: DRKEEPER_HEALTH_INTERVAL: %w", err)
		}
		cfg.Health.Interval = d
	}

	cfg.Server.LogLevel = GetEnvOrDefault("DRKEEPER_LOG_LEVEL", cfg.Server.LogLevel)
	cfg.State.Driver = GetEnvOrDefault("DRKEEPER_STATE_DRIVER", cfg.State.Driver)
	cfg.State.DSN = GetEnvOrDefault("DRKEEPER_STATE_DSN", cfg.State.DSN)
	cfg.Encryption.MasterKeyHex = GetEnvOrDefault("DRKEEPER_MASTER_KEY", cfg.Encryption.MasterKeyHex)
	cfg.Alerting.WebhookURL = GetEnvOrDefault("DRKEEPER_WEBHOOK_URL", cfg.Alerting.WebhookURL)
	cfg.Alerting.PagerURL = GetEnvOrDefault("DRKEEPER_PAGER_URL", cfg.Alerting.PagerURL)
	cfg.Alerting.PagerRoutingKey = GetEnvOrDefault("DRKEEPER_PAGER_ROUTING_KEY", cfg.Alerting.PagerRoutingKey)
	cfg.Routing.Token = GetEnvOrDefault("DRKEEPER_ROUTING_TOKEN", cfg.Routing.Token)
	cfg.Server.APIKey = GetEnvOrDefault("DRKEEPER_API_KEY", cfg.Server.APIKey)

	return nil
}

// GetEnvOrDefault returns environment variable or default value
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
