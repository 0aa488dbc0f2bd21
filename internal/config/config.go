package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/FairForge/drkeeper/internal/model"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig            `yaml:"server"`
	Backup     model.BackupConfig      `yaml:"backup"`
	Health     HealthConfig            `yaml:"health"`
	Failover   FailoverConfig          `yaml:"failover"`
	State      StateConfig             `yaml:"state"`
	Alerting   AlertingConfig          `yaml:"alerting"`
	Encryption EncryptionConfig        `yaml:"encryption"`
	Kubernetes KubernetesConfig        `yaml:"kubernetes"`
	Routing    RoutingConfig           `yaml:"routing"`
	Access     map[string]RegionAccess `yaml:"region_access"`
	Databases  []model.DatabaseTarget  `yaml:"databases"`
	Namespaces []string                `yaml:"namespaces"`
	// Volumes lists the persistent volume claims snapshotted per namespace
	// on every backup cycle.
	Volumes map[string][]string `yaml:"volumes"`

	// PipelineValue is the business value exposed while the primary is down.
	PipelineValue float64 `yaml:"pipeline_value"`
}

type ServerConfig struct {
	Port             int           `yaml:"port"`
	LogLevel         string        `yaml:"log_level"`
	ShutdownDeadline time.Duration `yaml:"shutdown_deadline"`
	// APIKey guards the mutating API routes. Empty disables the check.
	APIKey string `yaml:"api_key"`
}

type HealthConfig struct {
	Interval         time.Duration `yaml:"interval"`
	CheckTimeout     time.Duration `yaml:"check_timeout"`
	FailThreshold    int           `yaml:"fail_threshold"`
	RecoverThreshold int           `yaml:"recover_threshold"`
	MinAvailability  float64       `yaml:"min_availability_pct"`
	MaxLatency       time.Duration `yaml:"max_latency"`
	MaxErrorsPerMin  float64       `yaml:"max_errors_per_min"`
}

type FailoverConfig struct {
	PromotionTimeout   time.Duration `yaml:"promotion_timeout"`
	PromotionPoll      time.Duration `yaml:"promotion_poll"`
	StepTimeout        time.Duration `yaml:"step_timeout"`
	CapacityMultiplier float64       `yaml:"capacity_multiplier"`
}

// StateConfig selects where artifact metadata and audit records live.
type StateConfig struct {
	Driver string `yaml:"driver"` // "postgres" or "memory"
	DSN    string `yaml:"dsn"`
}

type AlertingConfig struct {
	WebhookURL      string        `yaml:"webhook_url"`
	PagerURL        string        `yaml:"pager_url"`
	PagerRoutingKey string        `yaml:"pager_routing_key"`
	SendTimeout     time.Duration `yaml:"send_timeout"`
	WebhookPerMin   int           `yaml:"webhook_per_min"`
}

type EncryptionConfig struct {
	MasterKeyHex string `yaml:"master_key_hex"`
}

type KubernetesConfig struct {
	Kubectl       string `yaml:"kubectl"`
	SnapshotClass string `yaml:"snapshot_class"`
}

// RegionAccess carries the connection details of one region.
type RegionAccess struct {
	DSN         string `yaml:"dsn"`
	Bucket      string `yaml:"bucket"`
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3Region    string `yaml:"s3_region"`
	AccessKey   string `yaml:"access_key"`
	SecretKey   string `yaml:"secret_key"`
	LocalPath   string `yaml:"local_path"`
	KubeContext string `yaml:"kube_context"`
	Namespace   string `yaml:"namespace"`
	Deployment  string `yaml:"deployment"`
}

type RoutingConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	Zone  string `yaml:"zone"`
}

// Default returns a configuration populated with the stock values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             8080,
			LogLevel:         "info",
			ShutdownDeadline: 2 * time.Minute,
		},
		Backup: model.DefaultBackupConfig(),
		Health: HealthConfig{
			Interval:         30 * time.Second,
			CheckTimeout:     10 * time.Second,
			FailThreshold:    2,
			RecoverThreshold: 2,
			MinAvailability:  99.0,
			MaxLatency:       500 * time.Millisecond,
			MaxErrorsPerMin:  1,
		},
		Failover: FailoverConfig{
			PromotionTimeout:   30 * time.Second,
			PromotionPoll:      time.Second,
			StepTimeout:        30 * time.Second,
			CapacityMultiplier: 1.5,
		},
		State: StateConfig{Driver: "memory"},
		Alerting: AlertingConfig{
			SendTimeout:   5 * time.Second,
			WebhookPerMin: 60,
		},
		Kubernetes: KubernetesConfig{
			Kubectl:       "kubectl",
			SnapshotClass: "csi-snapclass",
		},
		Access: make(map[string]RegionAccess),
	}
}

// Load reads a YAML file over the defaults, applies environment overrides
// and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the recovery policy and the region topology.
func (c *Config) Validate() error {
	if c.Backup.RPOMinutes <= 0 {
		return errors.New("config: rpo_minutes must be positive")
	}
	if c.Backup.RTOMinutes <= 0 {
		return errors.New("config: rto_minutes must be positive")
	}
	if c.Backup.RetentionDays <= 0 {
		return errors.New("config: retention_days must be positive")
	}
	if len(c.Backup.Regions) == 0 {
		return errors.New("config: at least one region is required")
	}

	seen := make(map[string]bool)
	primaries := 0
	for _, r := range c.Backup.Regions {
		if r.ID == "" {
			return errors.New("config: region id is required")
		}
		if seen[r.ID] {
			return fmt.Errorf("config: duplicate region %s", r.ID)
		}
		seen[r.ID] = true
		switch r.Role {
		case model.RolePrimary:
			primaries++
		case model.RoleReplica:
		default:
			return fmt.Errorf("config: region %s has invalid role %q", r.ID, r.Role)
		}
	}
	if primaries != 1 {
		return fmt.Errorf("config: exactly one primary region required, got %d", primaries)
	}

	if c.Backup.EncryptionEnabled && c.Encryption.MasterKeyHex == "" {
		return errors.New("config: encryption enabled but no master key configured")
	}
	if c.Health.FailThreshold <= 0 || c.Health.RecoverThreshold <= 0 {
		return errors.New("config: health thresholds must be positive")
	}
	if c.Failover.CapacityMultiplier < 1 {
		return errors.New("config: capacity_multiplier must be at least 1")
	}
	namespaces := make(map[string]bool, len(c.Namespaces))
	for _, ns := range c.Namespaces {
		namespaces[ns] = true
	}
	for ns := range c.Volumes {
		if !namespaces[ns] {
			return fmt.Errorf("config: volumes listed for unconfigured namespace %s", ns)
		}
	}
	switch c.State.Driver {
	case "memory":
	case "postgres":
		if c.State.DSN == "" {
			return errors.New("config: state.dsn required for postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown state driver %q", c.State.Driver)
	}
	return nil
}
