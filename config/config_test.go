package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guycorbaz/opcgw/errors"
	"github.com/guycorbaz/opcgw/types"
)

func validConfig() *Config {
	return &Config{
		Chirpstack: ChirpstackConfig{
			Server:         "localhost:8080",
			APIToken:       "token",
			TenantID:       "tenant-1",
			PollInterval:   10 * time.Second,
			RetryCount:     3,
			RetryDelay:     time.Second,
			MaxInflight:    4,
			SampleStrategy: SampleLatest,
		},
		OpcUa: OpcUaConfig{
			ApplicationName: "Gateway",
			ApplicationURI:  "urn:opcgw:gateway",
			ProductURI:      "urn:opcgw:product",
			Host:            "0.0.0.0",
			Port:            4840,
			NamespaceURI:    "urn:opcgw:chirpstack",
		},
		Applications: []ApplicationConfig{
			{
				ApplicationID:   "a1",
				ApplicationName: "Building",
				Devices: []DeviceConfig{
					{
						DeviceID:   "d1",
						DeviceName: "Sensor 01",
						Metrics: []MetricConfig{
							{Name: "temperature", ChirpstackName: "temp", Kind: "float", Unit: "°C"},
							{Name: "enabled", ChirpstackName: "en", Kind: "bool", Writable: true},
						},
						Commands: []CommandConfig{
							{Name: "set_enabled", FPort: 10, Confirmed: true},
						},
					},
				},
			},
		},
	}
}

func TestValidateOK(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRequiresApplications(t *testing.T) {
	cfg := validConfig()
	cfg.Applications = nil
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestValidateDuplicateApplicationID(t *testing.T) {
	cfg := validConfig()
	cfg.Applications = append(cfg.Applications, cfg.Applications[0])
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate application id")
}

func TestValidateDuplicateDeviceID(t *testing.T) {
	cfg := validConfig()
	app := &cfg.Applications[0]
	app.Devices = append(app.Devices, app.Devices[0])
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate device id")
}

func TestValidateDuplicateMetricAlias(t *testing.T) {
	cfg := validConfig()
	dev := &cfg.Applications[0].Devices[0]
	dev.Metrics = append(dev.Metrics, dev.Metrics[0])
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate metric alias")
}

func TestValidateUnknownKind(t *testing.T) {
	cfg := validConfig()
	cfg.Applications[0].Devices[0].Metrics[0].Kind = "double"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")
}

func TestValidateUnknownCommandReference(t *testing.T) {
	cfg := validConfig()
	cfg.Applications[0].Devices[0].Metrics[1].Command = "no_such_command"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestValidateReservedFPort(t *testing.T) {
	cfg := validConfig()
	cfg.Applications[0].Devices[0].Commands[0].FPort = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved f_port")
}

func TestValidateMissingUpstreamSettings(t *testing.T) {
	for _, mutate := range []func(*Config){
		func(c *Config) { c.Chirpstack.Server = "" },
		func(c *Config) { c.Chirpstack.APIToken = "" },
		func(c *Config) { c.Chirpstack.TenantID = "" },
		func(c *Config) { c.Chirpstack.PollInterval = 0 },
		func(c *Config) { c.Chirpstack.SampleStrategy = "median" },
		func(c *Config) { c.OpcUa.Port = 0 },
		func(c *Config) { c.OpcUa.NamespaceURI = "" },
	} {
		cfg := validConfig()
		mutate(cfg)
		assert.Error(t, cfg.Validate())
	}
}

func TestFindDevice(t *testing.T) {
	cfg := validConfig()

	dev, ok := cfg.FindDevice("d1")
	require.True(t, ok)
	assert.Equal(t, "Sensor 01", dev.DeviceName)

	_, ok = cfg.FindDevice("nope")
	assert.False(t, ok)
}

func TestFindMetricByUpstreamName(t *testing.T) {
	cfg := validConfig()
	dev := cfg.Applications[0].Devices[0]

	m, ok := dev.FindMetricByUpstreamName("temp")
	require.True(t, ok)
	assert.Equal(t, "temperature", m.Name)
	assert.Equal(t, types.KindFloat, m.ParsedKind())

	_, ok = dev.FindMetricByUpstreamName("humidity")
	assert.False(t, ok)
}

func TestCountMetrics(t *testing.T) {
	assert.Equal(t, 2, validConfig().CountMetrics())
}

func TestEffectiveFetchWindow(t *testing.T) {
	cs := ChirpstackConfig{PollInterval: 10 * time.Second}
	assert.Equal(t, 20*time.Second, cs.EffectiveFetchWindow())

	cs.FetchWindow = 5 * time.Second
	assert.Equal(t, 5*time.Second, cs.EffectiveFetchWindow())
}

const sampleYAML = `
chirpstack:
  server: "chirpstack.local:8080"
  api_token: "file-token"
  tenant_id: "52f14cd4-c6f1-4fbd-8f87-4025e1d49242"
  poll_interval: 30s
  retry_count: 2
  retry_delay: 5s
opcua:
  application_name: "Plant Gateway"
  port: 4841
  namespace_uri: "urn:opcgw:plant"
applications:
  - application_id: "a1"
    application_name: "Building"
    devices:
      - device_id: "d1"
        device_name: "Sensor 01"
        metrics:
          - name: "temperature"
            chirpstack_name: "temp"
            kind: "float"
            unit: "°C"
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	loader := NewLoader()
	cfg, err := loader.LoadFile(writeTemp(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "chirpstack.local:8080", cfg.Chirpstack.Server)
	assert.Equal(t, 30*time.Second, cfg.Chirpstack.PollInterval)
	assert.Equal(t, 2, cfg.Chirpstack.RetryCount)
	assert.Equal(t, 4841, cfg.OpcUa.Port)
	// Defaults survive for fields the file does not set.
	assert.Equal(t, SampleLatest, cfg.Chirpstack.SampleStrategy)
	assert.Equal(t, 4, cfg.Chirpstack.MaxInflight)
	assert.Equal(t, "0.0.0.0", cfg.OpcUa.Host)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := NewLoader().LoadFile("/does/not/exist.yaml")
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestLoadFileInvalidYAML(t *testing.T) {
	_, err := NewLoader().LoadFile(writeTemp(t, "chirpstack: ["))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OPCGW_API_TOKEN", "env-token")
	t.Setenv("OPCGW_OPCUA_PORT", "14840")
	t.Setenv("OPCGW_POLL_INTERVAL", "7s")

	cfg, err := NewLoader().LoadFile(writeTemp(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "env-token", cfg.Chirpstack.APIToken)
	assert.Equal(t, 14840, cfg.OpcUa.Port)
	assert.Equal(t, 7*time.Second, cfg.Chirpstack.PollInterval)
}

func TestLoadFileValidationFailure(t *testing.T) {
	bad := `
chirpstack:
  server: "chirpstack.local:8080"
  api_token: "t"
  tenant_id: "x"
applications: []
`
	_, err := NewLoader().LoadFile(writeTemp(t, bad))
	require.Error(t, err)

	loader := NewLoader()
	loader.EnableValidation(false)
	_, err = loader.LoadFile(writeTemp(t, bad))
	assert.NoError(t, err)
}
