package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the application configuration. Every field can come from the
// YAML file and be overridden by the environment; the environment names
// match the parameters the deployment has always used.
type Config struct {
	// DomainName is the address stand agents are reachable on from this
	// process. The docker host is not localhost for a container, so
	// loopback addresses are rejected; the bridge address (usually the
	// eth0/docker0 IP) is the right value.
	DomainName string `yaml:"domain_name"`
	// Image is the ancestor image that identifies stand containers.
	Image string `yaml:"image"`
	// MaxActiveStands caps simultaneously running stands.
	MaxActiveStands int `yaml:"max_active_stands"`
	// StopTimeout is the idle auto-stop window in minutes; 0 disables it.
	// A pointer so an explicit 0 in the file survives defaulting.
	StopTimeout *int `yaml:"stop_timeout"`
	// ReconcileInterval is the background reconcile period in seconds.
	ReconcileInterval int `yaml:"reconcile_interval"`
	// ListenAddress is the web interface bind address.
	ListenAddress string `yaml:"listen_address"`

	Log LogConfig `yaml:"log"`
}

// LogConfig log configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from file, fills defaults and applies
// environment overrides.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s: %w", configPath, os.ErrNotExist)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()
	config.ApplyEnvOverrides()
	return &config, nil
}

// SetDefaults sets default values.
func (c *Config) SetDefaults() {
	if c.DomainName == "" {
		c.DomainName = "172.17.0.1"
	}
	if c.Image == "" {
		c.Image = "tandemservice/test-tools"
	}
	if c.MaxActiveStands == 0 {
		c.MaxActiveStands = 6
	}
	if c.StopTimeout == nil {
		stopTimeout := 480
		c.StopTimeout = &stopTimeout
	}
	if c.ReconcileInterval == 0 {
		c.ReconcileInterval = 60
	}
	if c.ListenAddress == "" {
		c.ListenAddress = ":8888"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// ApplyEnvOverrides applies environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("domain_name"); v != "" {
		c.DomainName = v
	}
	if v := os.Getenv("image"); v != "" {
		c.Image = v
	}
	if v := os.Getenv("max_active_stands"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxActiveStands = n
		}
	}
	if v := os.Getenv("stop_timeout"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.StopTimeout = &n
		}
	}
	if v := os.Getenv("reconcile_interval"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ReconcileInterval = n
		}
	}
	if v := os.Getenv("log_level"); v != "" {
		c.Log.Level = v
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.DomainName == "localhost" {
		return fmt.Errorf("domain_name must not be localhost: the docker host is not localhost for a container, use the bridge address instead")
	}
	if ip := net.ParseIP(c.DomainName); ip != nil && ip.IsLoopback() {
		return fmt.Errorf("domain_name %s is a loopback address: the docker host is not localhost for a container, use the bridge address instead", c.DomainName)
	}
	if c.MaxActiveStands <= 0 {
		return fmt.Errorf("max_active_stands must be positive, got %d", c.MaxActiveStands)
	}
	if c.StopTimeout != nil && *c.StopTimeout < 0 {
		return fmt.Errorf("stop_timeout must not be negative, got %d", *c.StopTimeout)
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile_interval must be positive, got %d", c.ReconcileInterval)
	}
	return nil
}
