package shared

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voicechat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
character: daffy
teardown_timeout: 5s
provisioning:
  url: https://rooms.example.com
  api_key: secret
  timeout: 2s
transport:
  ice_servers:
    - "stun:stun.example.com:3478"
  disable_microphone: true
audio:
  output_buffer_ms: 60
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "daffy", cfg.Character)
	assert.Equal(t, 5*time.Second, cfg.TeardownTimeout)
	assert.Equal(t, "https://rooms.example.com", cfg.Provisioning.URL)
	assert.Equal(t, "secret", cfg.Provisioning.APIKey)
	assert.Equal(t, 2*time.Second, cfg.Provisioning.Timeout)
	assert.Equal(t, []string{"stun:stun.example.com:3478"}, cfg.Transport.ICEServers)
	assert.True(t, cfg.Transport.DisableMicSrc)
	assert.Equal(t, 60, cfg.Audio.OutputBufferMs)
	// Untouched keys keep their defaults.
	assert.Equal(t, "app-messages", cfg.Transport.DataChannel)
	assert.Equal(t, 2, cfg.Audio.RingBufferSeconds)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "character: daffy\n")
	t.Setenv(EnvCharacter, "porky")
	t.Setenv(EnvProvisionURL, "http://10.0.0.2:7860")
	t.Setenv(EnvAPIKey, "from-env")
	t.Setenv(EnvLogFile, "/tmp/vc.log")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "porky", cfg.Character)
	assert.Equal(t, "http://10.0.0.2:7860", cfg.Provisioning.URL)
	assert.Equal(t, "from-env", cfg.Provisioning.APIKey)
	assert.Equal(t, "/tmp/vc.log", cfg.Log.File)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "character: [unterminated\n"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "provisioning:\n  timeout: 0s\n"))
	assert.ErrorContains(t, err, "provisioning timeout")

	_, err = LoadConfig(writeConfig(t, "transport:\n  data_channel: \"\"\n"))
	assert.ErrorContains(t, err, "data channel")
}

func TestConfig_MarshalYAMLRedactsKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Provisioning.APIKey = "super-secret"

	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "super-secret")
	assert.Contains(t, string(data), "***")
	assert.Equal(t, "super-secret", cfg.Provisioning.APIKey, "marshaling must not mutate the config")

	var back Config
	require.NoError(t, yaml.Unmarshal(data, &back))
	assert.Equal(t, cfg.Character, back.Character)
	assert.Equal(t, cfg.Transport.JoinTimeout, back.Transport.JoinTimeout)
}
