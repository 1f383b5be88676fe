package opcserver

import (
	"fmt"
	"os"

	"github.com/gopcua/opcua/ua"
	"gopkg.in/yaml.v3"

	"github.com/guycorbaz/opcgw/errors"
)

// EngineConfig is the protocol-engine document: endpoint security
// policies, user token policies, and PKI material. It is deliberately
// separate from the gateway configuration; deployments tune it without
// touching the topology.
type EngineConfig struct {
	SecurityPolicies []SecurityPolicy `yaml:"security_policies"`
	AuthModes        []string         `yaml:"auth_modes"`

	// CertificateFile and PrivateKeyFile hold the server identity. The
	// gateway reads them, never writes them.
	CertificateFile string `yaml:"certificate_file"`
	PrivateKeyFile  string `yaml:"private_key_file"`
	// PKIDir holds trusted, rejected and issued client certificates.
	PKIDir string `yaml:"pki_dir"`
}

// SecurityPolicy pairs an OPC UA security policy with a message mode.
type SecurityPolicy struct {
	Policy string `yaml:"policy"` // "None", "Basic256Sha256", ...
	Mode   string `yaml:"mode"`   // "None", "Sign", "SignAndEncrypt"
}

// DefaultEngineConfig serves unsecured endpoints with anonymous access,
// matching a bench deployment. Production deployments provide a document.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		SecurityPolicies: []SecurityPolicy{{Policy: "None", Mode: "None"}},
		AuthModes:        []string{"anonymous"},
	}
}

// LoadEngineConfig reads the engine document. An empty path yields the
// default configuration.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	if path == "" {
		return DefaultEngineConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "opcserver", "LoadEngineConfig",
			fmt.Sprintf("read %s", path))
	}

	cfg := DefaultEngineConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapFatal(err, "opcserver", "LoadEngineConfig",
			fmt.Sprintf("parse %s", path))
	}

	if len(cfg.SecurityPolicies) == 0 {
		cfg.SecurityPolicies = DefaultEngineConfig().SecurityPolicies
	}
	if len(cfg.AuthModes) == 0 {
		cfg.AuthModes = DefaultEngineConfig().AuthModes
	}
	return cfg, nil
}

// MessageSecurityMode maps the document string to the engine's mode.
func (p SecurityPolicy) MessageSecurityMode() ua.MessageSecurityMode {
	switch p.Mode {
	case "Sign":
		return ua.MessageSecurityModeSign
	case "SignAndEncrypt":
		return ua.MessageSecurityModeSignAndEncrypt
	default:
		return ua.MessageSecurityModeNone
	}
}

// TokenTypes maps the document's auth modes to the engine's user token
// types. Unknown entries are skipped.
func (c *EngineConfig) TokenTypes() []ua.UserTokenType {
	var out []ua.UserTokenType
	for _, mode := range c.AuthModes {
		switch mode {
		case "anonymous":
			out = append(out, ua.UserTokenTypeAnonymous)
		case "username":
			out = append(out, ua.UserTokenTypeUserName)
		case "certificate":
			out = append(out, ua.UserTokenTypeCertificate)
		}
	}
	if len(out) == 0 {
		out = append(out, ua.UserTokenTypeAnonymous)
	}
	return out
}
