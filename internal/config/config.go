package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	// Global settings
	Format  string `mapstructure:"format"`
	Level   string `mapstructure:"level"`
	Quiet   bool   `mapstructure:"quiet"`
	Verbose bool   `mapstructure:"verbose"`

	// Bridge settings shared by server and agent
	Bridge BridgeConfig `mapstructure:"bridge"`

	// Agent-side settings
	Agent AgentConfig `mapstructure:"agent"`

	// Default values for commands
	Defaults DefaultsConfig `mapstructure:"defaults"`
}

// BridgeConfig holds the websocket endpoint and call behavior
type BridgeConfig struct {
	Addr        string `mapstructure:"addr"`
	CallTimeout string `mapstructure:"call_timeout"`
	BufferCap   int    `mapstructure:"buffer_cap"`
}

// AgentConfig holds browser-attachment and lifecycle tuning
type AgentConfig struct {
	CDPURL       string `mapstructure:"cdp_url"`
	Headless     bool   `mapstructure:"headless"`
	PingInterval string `mapstructure:"ping_interval"`
	IdleTimeout  string `mapstructure:"idle_timeout"`
	BackoffBase  string `mapstructure:"backoff_base"`
	BackoffMax   string `mapstructure:"backoff_max"`
}

// DefaultsConfig holds default values for various commands
type DefaultsConfig struct {
	// Tail command defaults
	Tab        int    `mapstructure:"tab"`
	BufferSize int    `mapstructure:"buffer_size"`
	Where      string `mapstructure:"where"`

	// Shot command defaults
	ArtifactDir  string `mapstructure:"artifact_dir"`
	OpenAIKeyEnv string `mapstructure:"openai_key_env"`
	VisionModel  string `mapstructure:"vision_model"`
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		Format:  "ndjson",
		Level:   "default",
		Quiet:   false,
		Verbose: false,
		Bridge: BridgeConfig{
			Addr:        "127.0.0.1:6385",
			CallTimeout: "10s",
			BufferCap:   2000,
		},
		Agent: AgentConfig{
			PingInterval: "15s",
			IdleTimeout:  "60s",
			BackoffBase:  "500ms",
			BackoffMax:   "15s",
		},
		Defaults: DefaultsConfig{
			BufferSize:   100,
			ArtifactDir:  ".cwb-artifacts",
			OpenAIKeyEnv: "OPENAI_API_KEY",
			VisionModel:  "gpt-4o-mini",
		},
	}
}

// Load loads configuration from files and environment
func Load() (*Config, error) {
	v := viper.New()

	// Set config name and type
	v.SetConfigName("cwb")
	v.SetConfigType("yaml")

	// Add config paths (in order of precedence, lowest first)
	// 1. System-wide config
	v.AddConfigPath("/etc/cwb/")
	// 2. User config directory
	if configDir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(configDir, "cwb"))
	}
	// 3. Home directory (as .cwb.yaml)
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
		v.SetConfigName(".cwb")
	}
	// 4. Current directory
	v.AddConfigPath(".")

	// Environment variables
	v.SetEnvPrefix("CWB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Bind specific environment variables
	v.BindEnv("format", "CWB_FORMAT")
	v.BindEnv("level", "CWB_LEVEL")
	v.BindEnv("quiet", "CWB_QUIET")
	v.BindEnv("verbose", "CWB_VERBOSE")
	v.BindEnv("bridge.addr", "CWB_ADDR")
	v.BindEnv("agent.cdp_url", "CWB_CDP_URL")

	// Set defaults
	cfg := Default()
	v.SetDefault("format", cfg.Format)
	v.SetDefault("level", cfg.Level)
	v.SetDefault("quiet", cfg.Quiet)
	v.SetDefault("verbose", cfg.Verbose)
	v.SetDefault("bridge.addr", cfg.Bridge.Addr)
	v.SetDefault("bridge.call_timeout", cfg.Bridge.CallTimeout)
	v.SetDefault("bridge.buffer_cap", cfg.Bridge.BufferCap)
	v.SetDefault("agent.ping_interval", cfg.Agent.PingInterval)
	v.SetDefault("agent.idle_timeout", cfg.Agent.IdleTimeout)
	v.SetDefault("agent.backoff_base", cfg.Agent.BackoffBase)
	v.SetDefault("agent.backoff_max", cfg.Agent.BackoffMax)
	v.SetDefault("defaults.buffer_size", cfg.Defaults.BufferSize)
	v.SetDefault("defaults.artifact_dir", cfg.Defaults.ArtifactDir)
	v.SetDefault("defaults.openai_key_env", cfg.Defaults.OpenAIKeyEnv)
	v.SetDefault("defaults.vision_model", cfg.Defaults.VisionModel)

	// Try to read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error occurred
			return nil, err
		}
		// Config file not found; use defaults
	}

	// Unmarshal into struct
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific file
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ConfigFile returns the path to the config file that was loaded
func ConfigFile() string {
	v := viper.New()

	v.SetConfigName("cwb")
	v.SetConfigType("yaml")

	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err == nil {
		return v.ConfigFileUsed()
	}

	// Try .cwb
	v.SetConfigName(".cwb")
	if err := v.ReadInConfig(); err == nil {
		return v.ConfigFileUsed()
	}

	return ""
}
