package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/guycorbaz/opcgw/errors"
)

// Loader reads the gateway configuration from a YAML document, applies
// defaults, and overlays environment variables with the OPCGW_ prefix.
type Loader struct {
	envPrefix  string
	validation bool
}

// NewLoader creates a configuration loader with validation enabled.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "OPCGW",
		validation: true,
	}
}

// EnableValidation enables or disables validation on load.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads the configuration from a single YAML file.
func (l *Loader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "LoadFile",
			fmt.Sprintf("read %s", path))
	}

	cfg := l.defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapFatal(err, "Loader", "LoadFile",
			fmt.Sprintf("parse %s", path))
	}

	l.applyEnvOverrides(cfg)

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// defaults returns the configuration defaults applied before parsing.
func (l *Loader) defaults() *Config {
	return &Config{
		Chirpstack: ChirpstackConfig{
			PollInterval:   10 * time.Second,
			RetryCount:     3,
			RetryDelay:     2 * time.Second,
			MaxInflight:    4,
			SampleStrategy: SampleLatest,
		},
		OpcUa: OpcUaConfig{
			ApplicationName: "ChirpStack OPC UA Gateway",
			ApplicationURI:  "urn:opcgw:gateway",
			ProductURI:      "urn:opcgw:product",
			Host:            "0.0.0.0",
			Port:            4840,
			NamespaceURI:    "urn:opcgw:chirpstack",
		},
	}
}

// applyEnvOverrides overlays scalar settings from the environment.
// Secrets are the common case: OPCGW_API_TOKEN keeps the token out of the
// configuration file.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(l.envPrefix + "_CHIRPSTACK_SERVER"); val != "" {
		cfg.Chirpstack.Server = val
	}
	if val := os.Getenv(l.envPrefix + "_API_TOKEN"); val != "" {
		cfg.Chirpstack.APIToken = val
	}
	if val := os.Getenv(l.envPrefix + "_TENANT_ID"); val != "" {
		cfg.Chirpstack.TenantID = val
	}
	if val := os.Getenv(l.envPrefix + "_POLL_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Chirpstack.PollInterval = d
		}
	}
	if val := os.Getenv(l.envPrefix + "_OPCUA_HOST"); val != "" {
		cfg.OpcUa.Host = val
	}
	if val := os.Getenv(l.envPrefix + "_OPCUA_PORT"); val != "" {
		if p, err := strconv.Atoi(val); err == nil {
			cfg.OpcUa.Port = p
		}
	}
	if val := os.Getenv(l.envPrefix + "_ENGINE_CONFIG"); val != "" {
		cfg.OpcUa.EngineConfig = val
	}
}
