// Package config loads the gateway's declarative configuration: serial
// ports, device register maps, polling and health tuning, rule sets,
// storage, and the cloud sender.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"fieldgate/internal/alert"
	"fieldgate/internal/bus"
	"fieldgate/internal/control"
	"fieldgate/internal/device"
	"fieldgate/internal/health"
	"fieldgate/internal/monitor"
	"fieldgate/internal/pubsub"
	"fieldgate/internal/sender"
	"fieldgate/internal/serial"
	"fieldgate/internal/virtual"
)

// DefaultPath is where the daemon looks without an explicit -config.
const DefaultPath = "/etc/fieldgate/gateway.yaml"

// PortConfig names one physical serial port.
type PortConfig struct {
	ID     string        `yaml:"id"`
	Serial serial.Config `yaml:",inline"`
}

// DeviceConfig declares one polled Modbus device.
type DeviceConfig struct {
	Model               string                   `yaml:"model"`
	SlaveID             int                      `yaml:"slave_id"`
	DeviceType          string                   `yaml:"device_type"`
	Port                string                   `yaml:"port"`
	DefaultRegisterType bus.RegisterType         `yaml:"default_register_type,omitempty"`
	Critical            bool                     `yaml:"critical,omitempty"`
	Map                 *device.RegisterMap      `yaml:"register_map"`
	QuickCheck          *health.QuickCheckConfig `yaml:"quick_check,omitempty"`
	Health              *HealthOverride          `yaml:"health,omitempty"`
}

// HealthOverride is the per-device backoff override, in seconds.
type HealthOverride struct {
	BaseCooldownSec int     `yaml:"base_cooldown_sec,omitempty"`
	MaxCooldownSec  int     `yaml:"max_cooldown_sec,omitempty"`
	BackoffFactor   float64 `yaml:"backoff_factor,omitempty"`
}

// HealthConfig is the process-wide backoff tuning, in seconds.
type HealthConfig struct {
	BaseCooldownSec             int     `yaml:"base_cooldown_sec"`
	MaxCooldownSec              int     `yaml:"max_cooldown_sec"`
	BackoffFactor               float64 `yaml:"backoff_factor"`
	JitterSec                   int     `yaml:"jitter_sec"`
	MarkUnhealthyAfter          int     `yaml:"mark_unhealthy_after_failures"`
	LongTermOfflineThresholdSec int     `yaml:"long_term_offline_threshold_sec"`
	MaxFailuresCap              int     `yaml:"max_failures_cap"`
}

// ManagerConfig converts the file representation to the health
// manager's durations.
func (h HealthConfig) ManagerConfig() health.Config {
	return health.Config{
		BaseCooldown:    time.Duration(h.BaseCooldownSec) * time.Second,
		MaxCooldown:     time.Duration(h.MaxCooldownSec) * time.Second,
		BackoffFactor:   h.BackoffFactor,
		Jitter:          time.Duration(h.JitterSec) * time.Second,
		UnhealthyAfter:  h.MarkUnhealthyAfter,
		LongTermOffline: time.Duration(h.LongTermOfflineThresholdSec) * time.Second,
		MaxFailuresCap:  h.MaxFailuresCap,
	}
}

// StorageConfig drives the snapshot archive.
type StorageConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Path               string `yaml:"path"`
	RetentionDays      int    `yaml:"retention_days"`
	CleanupIntervalSec int    `yaml:"cleanup_interval_sec"`
	VacuumIntervalSec  int    `yaml:"vacuum_interval_sec"`
}

// Config is the whole gateway configuration file.
type Config struct {
	LogLevel string `yaml:"log_level,omitempty"`
	StateDir string `yaml:"state_dir,omitempty"`

	Ports   []PortConfig   `yaml:"ports"`
	Devices []DeviceConfig `yaml:"devices"`

	Monitor monitor.Config `yaml:"monitor"`
	Health  HealthConfig   `yaml:"health"`

	PubSub map[pubsub.Topic]pubsub.TopicConfig `yaml:"pubsub,omitempty"`

	VirtualDevices []virtual.Spec `yaml:"virtual_devices,omitempty"`

	AlertRules         map[string][]alert.Rule   `yaml:"alert_rules,omitempty"`
	ControlRules       map[string][]control.Rule `yaml:"control_rules,omitempty"`
	ControlConstraints map[string]control.Range  `yaml:"control_constraints,omitempty"`

	Storage StorageConfig `yaml:"storage"`
	Sender  sender.Config `yaml:"sender"`
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Validate checks structural invariants. Rule-level problems are not
// checked here; the rule engines drop invalid rules with a warning.
func (c *Config) Validate() error {
	if len(c.Ports) == 0 {
		return fmt.Errorf("no serial ports configured")
	}
	ports := make(map[string]bool, len(c.Ports))
	for i, p := range c.Ports {
		if p.ID == "" {
			return fmt.Errorf("port %d has no id", i)
		}
		if ports[p.ID] {
			return fmt.Errorf("duplicate port id %q", p.ID)
		}
		if p.Serial.Device == "" {
			return fmt.Errorf("port %q has no device path", p.ID)
		}
		ports[p.ID] = true
	}

	if len(c.Devices) == 0 {
		return fmt.Errorf("no devices configured")
	}
	ids := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.Model == "" {
			return fmt.Errorf("device %d has no model", i)
		}
		if d.SlaveID < 1 || d.SlaveID > 247 {
			return fmt.Errorf("device %s has slave id %d, want 1..247", d.Model, d.SlaveID)
		}
		if !ports[d.Port] {
			return fmt.Errorf("device %s_%d references unknown port %q", d.Model, d.SlaveID, d.Port)
		}
		id := fmt.Sprintf("%s_%d", d.Model, d.SlaveID)
		if ids[id] {
			return fmt.Errorf("duplicate device %s", id)
		}
		ids[id] = true
		if d.Map == nil {
			return fmt.Errorf("device %s has no register map", id)
		}
		if err := d.Map.Validate(); err != nil {
			return fmt.Errorf("device %s register map: %w", id, err)
		}
	}

	if c.Storage.Enabled && c.Storage.Path == "" {
		return fmt.Errorf("storage enabled without a path")
	}
	return nil
}
