package shared

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Environment variable keys
const (
	EnvProvisionURL = "VOICECHAT_PROVISION_URL"
	EnvAPIKey       = "VOICECHAT_API_KEY"
	EnvCharacter    = "VOICECHAT_CHARACTER"
	EnvLogFile      = "VOICECHAT_LOG_FILE"
)

type ProvisioningConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type TransportConfig struct {
	ICEServers    []string      `yaml:"ice_servers"`
	JoinTimeout   time.Duration `yaml:"join_timeout"`
	DataChannel   string        `yaml:"data_channel"`
	DisableMicSrc bool          `yaml:"disable_microphone"`
}

type AudioConfig struct {
	OutputBufferMs    int `yaml:"output_buffer_ms"`
	RingBufferSeconds int `yaml:"ring_buffer_seconds"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	Verbose    bool   `yaml:"verbose"`
}

type Config struct {
	Character       string             `yaml:"character"`
	TeardownTimeout time.Duration      `yaml:"teardown_timeout"`
	Provisioning    ProvisioningConfig `yaml:"provisioning"`
	Transport       TransportConfig    `yaml:"transport"`
	Audio           AudioConfig        `yaml:"audio"`
	Log             LogConfig          `yaml:"log"`
}

func DefaultConfig() *Config {
	return &Config{
		Character:       "bugs",
		TeardownTimeout: 3 * time.Second,
		Provisioning: ProvisioningConfig{
			URL:     "http://localhost:7860",
			Timeout: 10 * time.Second,
		},
		Transport: TransportConfig{
			ICEServers:  []string{"stun:stun.l.google.com:19302"},
			JoinTimeout: 15 * time.Second,
			DataChannel: "app-messages",
		},
		Audio: AudioConfig{
			OutputBufferMs:    100,
			RingBufferSeconds: 2,
		},
		Log: LogConfig{
			File:       "voicechat/cli.log",
			MaxSizeMB:  10,
			MaxBackups: 2,
			MaxAgeDays: 3,
		},
	}
}

// LoadConfig reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() (err error) {
	if c.Provisioning.URL, err = Getenv(GetenvString, EnvProvisionURL, false, c.Provisioning.URL); err != nil {
		return err
	}
	if c.Provisioning.APIKey, err = Getenv(GetenvString, EnvAPIKey, false, c.Provisioning.APIKey); err != nil {
		return err
	}
	if c.Character, err = Getenv(GetenvString, EnvCharacter, false, c.Character); err != nil {
		return err
	}
	if c.Log.File, err = Getenv(GetenvString, EnvLogFile, false, c.Log.File); err != nil {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Provisioning.URL == "" {
		return errors.New("provisioning url is required")
	}
	if c.Provisioning.Timeout <= 0 {
		return errors.New("provisioning timeout must be positive")
	}
	if c.TeardownTimeout <= 0 {
		return errors.New("teardown timeout must be positive")
	}
	if c.Transport.DataChannel == "" {
		return errors.New("transport data channel label is required")
	}
	return nil
}

func (c *Config) MarshalYAML() ([]byte, error) {
	type plain Config
	redacted := plain(*c)
	if redacted.Provisioning.APIKey != "" {
		redacted.Provisioning.APIKey = "***"
	}
	return yaml.Marshal(redacted)
}
