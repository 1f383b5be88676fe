// Package config loads and validates the gateway configuration: the
// ChirpStack connection, the OPC UA server parameters, the polling
// tunables, and the application/device/metric topology. The configuration
// is read once at startup and treated as immutable afterwards.
package config

import (
	"fmt"
	"time"

	"github.com/guycorbaz/opcgw/errors"
	"github.com/guycorbaz/opcgw/types"
)

// Sample strategies for projecting a fetched series to a single value.
const (
	SampleLatest = "latest" // most recent non-null sample (default)
	SampleMean   = "mean"   // arithmetic mean over the fetch window
)

// Config represents the complete gateway configuration.
type Config struct {
	Chirpstack   ChirpstackConfig    `yaml:"chirpstack"`
	OpcUa        OpcUaConfig         `yaml:"opcua"`
	Applications []ApplicationConfig `yaml:"applications"`
}

// ChirpstackConfig holds the upstream connection and polling tunables.
type ChirpstackConfig struct {
	// Server is the gRPC endpoint, host:port.
	Server string `yaml:"server"`
	// APIToken is the bearer token presented on every call.
	APIToken string `yaml:"api_token"`
	// TenantID scopes application listing to one tenant.
	TenantID string `yaml:"tenant_id"`

	// PollInterval is the tick period of the poller.
	PollInterval time.Duration `yaml:"poll_interval"`
	// RetryCount is the number of retries per failed upstream call.
	RetryCount int `yaml:"retry_count"`
	// RetryDelay is the constant delay between retries.
	RetryDelay time.Duration `yaml:"retry_delay"`
	// FetchWindow is the time range requested from the upstream per
	// fetch. Zero defaults to twice the poll interval.
	FetchWindow time.Duration `yaml:"fetch_window"`
	// MaxInflight bounds concurrent per-device fetches within a tick.
	MaxInflight int `yaml:"max_inflight"`
	// SampleStrategy selects how a fetched series is projected to one
	// value: "latest" or "mean".
	SampleStrategy string `yaml:"sample_strategy"`
}

// OpcUaConfig holds the downstream server parameters. The protocol engine
// details (security policies, certificates, PKI) live in a separate
// document referenced by EngineConfig.
type OpcUaConfig struct {
	ApplicationName string `yaml:"application_name"`
	ApplicationURI  string `yaml:"application_uri"`
	ProductURI      string `yaml:"product_uri"`

	// Host and Port form the opc.tcp bind address.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Path is appended to the endpoint URL, e.g. "/opcgw".
	Path string `yaml:"path"`

	// NamespaceURI identifies the gateway's private namespace.
	NamespaceURI string `yaml:"namespace_uri"`

	// EngineConfig is the path to the protocol-engine document.
	EngineConfig string `yaml:"engine_config"`
}

// ApplicationConfig describes one upstream application to mirror.
type ApplicationConfig struct {
	ApplicationID   string         `yaml:"application_id"`
	ApplicationName string         `yaml:"application_name"`
	Devices         []DeviceConfig `yaml:"devices"`
}

// DeviceConfig describes one device and the metrics collected from it.
type DeviceConfig struct {
	DeviceID   string          `yaml:"device_id"`
	DeviceName string          `yaml:"device_name"`
	Metrics    []MetricConfig  `yaml:"metrics"`
	Commands   []CommandConfig `yaml:"commands"`
}

// MetricConfig maps an upstream metric to an OPC UA variable.
type MetricConfig struct {
	// Name is the alias exposed in the address space.
	Name string `yaml:"name"`
	// ChirpstackName is the metric name as emitted by the upstream.
	ChirpstackName string `yaml:"chirpstack_name"`
	// Kind is the declared data type: bool, int, float or string.
	Kind string `yaml:"kind"`
	// Unit is an optional engineering unit, e.g. "°C".
	Unit string `yaml:"unit"`
	// Writable allows OPC UA clients to write this variable.
	Writable bool `yaml:"writable"`
	// Command optionally names a downlink command triggered by writes.
	Command string `yaml:"command"`
}

// CommandConfig describes a downlink command a device accepts.
type CommandConfig struct {
	Name      string `yaml:"name"`
	FPort     uint32 `yaml:"f_port"`
	Confirmed bool   `yaml:"confirmed"`
}

// ParsedKind returns the declared kind of the metric. Validate guarantees
// it parses.
func (m MetricConfig) ParsedKind() types.Kind {
	k, _ := types.ParseKind(m.Kind)
	return k
}

// Validate checks the whole configuration tree. Any violation is fatal at
// startup.
func (c *Config) Validate() error {
	if err := c.Chirpstack.validate(); err != nil {
		return err
	}
	if err := c.OpcUa.validate(); err != nil {
		return err
	}

	if len(c.Applications) == 0 {
		return errors.WrapFatal(errors.ErrMissingConfig, "Config", "Validate",
			"at least one application must be configured")
	}

	appIDs := make(map[string]bool, len(c.Applications))
	for _, app := range c.Applications {
		if app.ApplicationID == "" {
			return errors.WrapFatal(errors.ErrMissingConfig, "Config", "Validate",
				"application without application_id")
		}
		if appIDs[app.ApplicationID] {
			return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("duplicate application id %q", app.ApplicationID))
		}
		appIDs[app.ApplicationID] = true

		if err := app.validate(); err != nil {
			return err
		}
	}

	return nil
}

func (a ApplicationConfig) validate() error {
	if len(a.Devices) == 0 {
		return errors.WrapFatal(errors.ErrMissingConfig, "Config", "Validate",
			fmt.Sprintf("application %q has no devices", a.ApplicationID))
	}

	devIDs := make(map[string]bool, len(a.Devices))
	for _, dev := range a.Devices {
		if dev.DeviceID == "" {
			return errors.WrapFatal(errors.ErrMissingConfig, "Config", "Validate",
				fmt.Sprintf("device without device_id in application %q", a.ApplicationID))
		}
		if devIDs[dev.DeviceID] {
			return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("duplicate device id %q in application %q", dev.DeviceID, a.ApplicationID))
		}
		devIDs[dev.DeviceID] = true

		if err := dev.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (d DeviceConfig) validate() error {
	if len(d.Metrics) == 0 {
		return errors.WrapFatal(errors.ErrMissingConfig, "Config", "Validate",
			fmt.Sprintf("device %q has no metrics", d.DeviceID))
	}

	commandNames := make(map[string]bool, len(d.Commands))
	for _, cmd := range d.Commands {
		if cmd.Name == "" {
			return errors.WrapFatal(errors.ErrMissingConfig, "Config", "Validate",
				fmt.Sprintf("command without name on device %q", d.DeviceID))
		}
		if cmd.FPort < 1 {
			return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("command %q on device %q uses reserved f_port %d", cmd.Name, d.DeviceID, cmd.FPort))
		}
		if commandNames[cmd.Name] {
			return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("duplicate command %q on device %q", cmd.Name, d.DeviceID))
		}
		commandNames[cmd.Name] = true
	}

	aliases := make(map[string]bool, len(d.Metrics))
	for _, m := range d.Metrics {
		if m.Name == "" || m.ChirpstackName == "" {
			return errors.WrapFatal(errors.ErrMissingConfig, "Config", "Validate",
				fmt.Sprintf("metric without name or chirpstack_name on device %q", d.DeviceID))
		}
		if aliases[m.Name] {
			return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("duplicate metric alias %q on device %q", m.Name, d.DeviceID))
		}
		aliases[m.Name] = true

		if _, err := types.ParseKind(m.Kind); err != nil {
			return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("metric %q on device %q: unknown kind %q", m.Name, d.DeviceID, m.Kind))
		}
		if m.Command != "" && !commandNames[m.Command] {
			return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("metric %q on device %q references unknown command %q", m.Name, d.DeviceID, m.Command))
		}
	}
	return nil
}

func (c ChirpstackConfig) validate() error {
	if c.Server == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "Config", "Validate",
			"chirpstack.server is required")
	}
	if c.APIToken == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "Config", "Validate",
			"chirpstack.api_token is required")
	}
	if c.TenantID == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "Config", "Validate",
			"chirpstack.tenant_id is required")
	}
	if c.PollInterval <= 0 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
			"chirpstack.poll_interval must be positive")
	}
	if c.RetryCount < 0 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
			"chirpstack.retry_count must not be negative")
	}
	if c.RetryDelay < 0 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
			"chirpstack.retry_delay must not be negative")
	}
	switch c.SampleStrategy {
	case SampleLatest, SampleMean:
	default:
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("chirpstack.sample_strategy must be %q or %q", SampleLatest, SampleMean))
	}
	return nil
}

func (o OpcUaConfig) validate() error {
	if o.Port <= 0 || o.Port > 65535 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("opcua.port %d out of range", o.Port))
	}
	if o.NamespaceURI == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "Config", "Validate",
			"opcua.namespace_uri is required")
	}
	return nil
}

// FindDevice returns the device config for a device id, or false.
func (c *Config) FindDevice(deviceID string) (DeviceConfig, bool) {
	for _, app := range c.Applications {
		for _, dev := range app.Devices {
			if dev.DeviceID == deviceID {
				return dev, true
			}
		}
	}
	return DeviceConfig{}, false
}

// FindMetricByUpstreamName returns the metric config on a device whose
// upstream name matches, or false. Used by the poller to project fetched
// series onto configured metrics.
func (d DeviceConfig) FindMetricByUpstreamName(chirpstackName string) (MetricConfig, bool) {
	for _, m := range d.Metrics {
		if m.ChirpstackName == chirpstackName {
			return m, true
		}
	}
	return MetricConfig{}, false
}

// FindCommand returns the command config by name, or false.
func (d DeviceConfig) FindCommand(name string) (CommandConfig, bool) {
	for _, cmd := range d.Commands {
		if cmd.Name == name {
			return cmd, true
		}
	}
	return CommandConfig{}, false
}

// CountMetrics returns the number of configured metrics across the tree.
func (c *Config) CountMetrics() int {
	n := 0
	for _, app := range c.Applications {
		for _, dev := range app.Devices {
			n += len(dev.Metrics)
		}
	}
	return n
}

// EffectiveFetchWindow returns the fetch window, defaulting to twice the
// poll interval when unset.
func (c ChirpstackConfig) EffectiveFetchWindow() time.Duration {
	if c.FetchWindow > 0 {
		return c.FetchWindow
	}
	return 2 * c.PollInterval
}
