package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultConfigPath = "/etc/metalkiln/config.yaml"

// Config represents the runtime configuration for the provisioning conductor.
type Config struct {
	ConductorName string `yaml:"conductor_name"`
	APIListen     string `yaml:"api_listen"`

	AgentTimeoutSec      int `yaml:"agent_timeout_sec"`
	AgentRetryAttempts   int `yaml:"agent_retry_attempts"`
	AgentRetryBackoffMin int `yaml:"agent_retry_backoff_min_sec"`
	AgentRetryBackoffMax int `yaml:"agent_retry_backoff_max_sec"`
	HeartbeatTimeoutSec  int `yaml:"heartbeat_timeout_sec"`
	SweepIntervalSec     int `yaml:"sweep_interval_sec"`
	SoftPowerOffAttempts int `yaml:"soft_power_off_attempts"`
	SoftPowerOffMinSec   int `yaml:"soft_power_off_min_sec"`
	SoftPowerOffMaxSec   int `yaml:"soft_power_off_max_sec"`

	StoreBackend  string         `yaml:"store_backend"`
	LockPrefix    string         `yaml:"lock_prefix"`
	LockTTLSec    int            `yaml:"lock_ttl_sec"`
	EtcdEndpoints []string       `yaml:"etcd_endpoints"`
	EtcdNamespace string         `yaml:"etcd_namespace"`
	EtcdTLS       *EtcdTLSConfig `yaml:"etcd_tls"`

	Power   PowerConfig   `yaml:"power"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// EtcdTLSConfig configures optional TLS settings for connecting to etcd.
type EtcdTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Insecure bool   `yaml:"insecure_skip_verify"`
}

// PowerConfig names the operator-supplied commands used for out-of-band
// power, boot device and network operations. Each command receives the node
// and operation through MK_* environment variables.
type PowerConfig struct {
	PowerCmd                   []string `yaml:"power_cmd"`
	BootDeviceCmd              []string `yaml:"boot_device_cmd"`
	RemoveProvisioningNetCmd   []string `yaml:"remove_provisioning_network_cmd"`
	ConfigureTenantNetworksCmd []string `yaml:"configure_tenant_networks_cmd"`
}

// MetricsConfig defines observability exposure options.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ValidationError aggregates multiple configuration validation failures.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	return errors.As(target, &other)
}

// Load reads, parses, and validates a configuration from disk.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks for semantic correctness in the configuration.
func (c *Config) Validate() error {
	problems := make([]string, 0)

	if strings.TrimSpace(c.ConductorName) == "" {
		problems = append(problems, "conductor_name is required")
	}
	if strings.TrimSpace(c.APIListen) == "" {
		problems = append(problems, "api_listen is required")
	}
	if c.AgentTimeoutSec <= 0 {
		problems = append(problems, "agent_timeout_sec must be greater than zero")
	}
	if c.AgentRetryAttempts < 0 {
		problems = append(problems, "agent_retry_attempts must be non-negative")
	}
	if c.AgentRetryBackoffMin <= 0 {
		problems = append(problems, "agent_retry_backoff_min_sec must be greater than zero")
	}
	if c.AgentRetryBackoffMax < c.AgentRetryBackoffMin {
		problems = append(problems, "agent_retry_backoff_max_sec must be greater than or equal to agent_retry_backoff_min_sec")
	}
	if c.HeartbeatTimeoutSec <= 0 {
		problems = append(problems, "heartbeat_timeout_sec must be greater than zero")
	}
	if c.SweepIntervalSec <= 0 {
		problems = append(problems, "sweep_interval_sec must be greater than zero")
	}
	if c.SweepIntervalSec >= c.HeartbeatTimeoutSec {
		problems = append(problems, "sweep_interval_sec must be smaller than heartbeat_timeout_sec to detect timeouts promptly")
	}
	if c.SoftPowerOffAttempts < 0 {
		problems = append(problems, "soft_power_off_attempts must be non-negative")
	}
	if c.SoftPowerOffMinSec <= 0 {
		problems = append(problems, "soft_power_off_min_sec must be greater than zero")
	}
	if c.SoftPowerOffMaxSec < c.SoftPowerOffMinSec {
		problems = append(problems, "soft_power_off_max_sec must be greater than or equal to soft_power_off_min_sec")
	}

	switch c.StoreBackend {
	case "memory":
	case "etcd":
		if len(c.EtcdEndpoints) == 0 {
			problems = append(problems, "etcd_endpoints must contain at least one endpoint when store_backend is etcd")
		}
	default:
		problems = append(problems, fmt.Sprintf("store_backend %q is not supported (expected memory or etcd)", c.StoreBackend))
	}
	if strings.TrimSpace(c.LockPrefix) == "" {
		problems = append(problems, "lock_prefix is required")
	}
	if c.LockTTLSec <= 0 {
		problems = append(problems, "lock_ttl_sec must be greater than zero")
	}
	if c.EtcdTLS != nil && c.EtcdTLS.Enabled {
		if strings.TrimSpace(c.EtcdTLS.CAFile) == "" {
			problems = append(problems, "etcd_tls.ca_file is required when TLS is enabled")
		}
		if strings.TrimSpace(c.EtcdTLS.CertFile) == "" {
			problems = append(problems, "etcd_tls.cert_file is required when TLS is enabled")
		}
		if strings.TrimSpace(c.EtcdTLS.KeyFile) == "" {
			problems = append(problems, "etcd_tls.key_file is required when TLS is enabled")
		}
	}

	if len(c.Power.PowerCmd) == 0 {
		problems = append(problems, "power.power_cmd must specify the command to execute")
	}
	if len(c.Power.BootDeviceCmd) == 0 {
		problems = append(problems, "power.boot_device_cmd must specify the command to execute")
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		problems = append(problems, "metrics.listen must be set when metrics.enabled is true")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.APIListen) == "" {
		c.APIListen = "127.0.0.1:6385"
	}
	if c.AgentTimeoutSec == 0 {
		c.AgentTimeoutSec = 60
	}
	if c.AgentRetryBackoffMin == 0 {
		c.AgentRetryBackoffMin = 1
	}
	if c.AgentRetryBackoffMax == 0 {
		c.AgentRetryBackoffMax = 10
	}
	if c.HeartbeatTimeoutSec == 0 {
		c.HeartbeatTimeoutSec = 300
	}
	if c.SweepIntervalSec == 0 {
		c.SweepIntervalSec = 60
	}
	if c.SoftPowerOffAttempts == 0 {
		c.SoftPowerOffAttempts = 3
	}
	if c.SoftPowerOffMinSec == 0 {
		c.SoftPowerOffMinSec = 2
	}
	if c.SoftPowerOffMaxSec == 0 {
		c.SoftPowerOffMaxSec = 15
	}
	if strings.TrimSpace(c.StoreBackend) == "" {
		c.StoreBackend = "memory"
	}
	if strings.TrimSpace(c.LockPrefix) == "" {
		c.LockPrefix = "/metalkiln/nodes"
	}
	if c.LockTTLSec == 0 {
		c.LockTTLSec = 90
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9090"
	}
}

// AgentTimeout returns the per-request agent RPC timeout as a duration.
func (c *Config) AgentTimeout() time.Duration {
	return time.Duration(c.AgentTimeoutSec) * time.Second
}

// AgentRetryBackoffBounds returns the agent retry backoff window as durations.
func (c *Config) AgentRetryBackoffBounds() (time.Duration, time.Duration) {
	return time.Duration(c.AgentRetryBackoffMin) * time.Second, time.Duration(c.AgentRetryBackoffMax) * time.Second
}

// HeartbeatTimeout returns how long a waiting node may go without a
// heartbeat before the liveness sweep escalates it.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSec) * time.Second
}

// SweepInterval returns how long the liveness sweeper waits between scans.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// SoftPowerOffBounds returns the soft power off retry window as durations.
func (c *Config) SoftPowerOffBounds() (time.Duration, time.Duration) {
	return time.Duration(c.SoftPowerOffMinSec) * time.Second, time.Duration(c.SoftPowerOffMaxSec) * time.Second
}

// LockTTL returns the etcd node lock TTL as a duration.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSec) * time.Second
}
