package opcserver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultEngineConfig(t *testing.T) {
	cfg := DefaultEngineConfig()
	require.Len(t, cfg.SecurityPolicies, 1)
	assert.Equal(t, "None", cfg.SecurityPolicies[0].Policy)
	assert.Equal(t, []ua.UserTokenType{ua.UserTokenTypeAnonymous}, cfg.TokenTypes())
}

func TestLoadEngineConfigEmptyPath(t *testing.T) {
	cfg, err := LoadEngineConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultEngineConfig(), cfg)
}

func TestLoadEngineConfigFile(t *testing.T) {
	doc := `
security_policies:
  - policy: "None"
    mode: "None"
  - policy: "Basic256Sha256"
    mode: "SignAndEncrypt"
auth_modes: ["anonymous", "username"]
certificate_file: "/etc/opcgw/certs/server.crt"
private_key_file: "/etc/opcgw/certs/server.key"
pki_dir: "/etc/opcgw/pki"
`
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := LoadEngineConfig(path)
	require.NoError(t, err)

	require.Len(t, cfg.SecurityPolicies, 2)
	assert.Equal(t, ua.MessageSecurityModeSignAndEncrypt, cfg.SecurityPolicies[1].MessageSecurityMode())
	assert.Equal(t, []ua.UserTokenType{ua.UserTokenTypeAnonymous, ua.UserTokenTypeUserName}, cfg.TokenTypes())
	assert.Equal(t, "/etc/opcgw/pki", cfg.PKIDir)
}

func TestLoadEngineConfigMissingFile(t *testing.T) {
	_, err := LoadEngineConfig("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestTokenTypesSkipsUnknown(t *testing.T) {
	cfg := &EngineConfig{AuthModes: []string{"kerberos"}}
	assert.Equal(t, []ua.UserTokenType{ua.UserTokenTypeAnonymous}, cfg.TokenTypes())
}

func TestMessageSecurityModeMapping(t *testing.T) {
	assert.Equal(t, ua.MessageSecurityModeNone, SecurityPolicy{Mode: "None"}.MessageSecurityMode())
	assert.Equal(t, ua.MessageSecurityModeSign, SecurityPolicy{Mode: "Sign"}.MessageSecurityMode())
	assert.Equal(t, ua.MessageSecurityModeSignAndEncrypt, SecurityPolicy{Mode: "SignAndEncrypt"}.MessageSecurityMode())
}
