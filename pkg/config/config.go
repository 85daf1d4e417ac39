// Package config loads application settings and routing tables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables read by Load.
const (
	EnvConfigDir    = "ROUTEGATE_CONFIG_DIR"
	EnvAnthropicKey = "ANTHROPIC_API_KEY"
	EnvOpenAIKey    = "OPENAI_API_KEY"
	EnvGoogleKey    = "GOOGLE_API_KEY"
	EnvOTLPEndpoint = "ROUTEGATE_OTLP_ENDPOINT"
	EnvAuditDB      = "ROUTEGATE_AUDIT_DB"
	EnvLogLevel     = "ROUTEGATE_LOG_LEVEL"
	EnvMode         = "ROUTEGATE_MODE"
)

// Config holds the application configuration.
type Config struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GoogleAPIKey    string
	OTLPEndpoint    string
	OTLPInsecure    bool
	AuditDB         string
	AuditDir        string
	LogLevel        string
	// Mode, when set, overrides the routing config's default mode.
	Mode          string
	RoutingConfig *RoutingConfig
	ConfigDir     string
}

// FileConfig represents the structure of ~/.routegate/config.yaml
type FileConfig struct {
	APIKeys   APIKeysConfig   `yaml:"api_keys"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Audit     AuditConfig     `yaml:"audit"`
	LogLevel  string          `yaml:"log_level"`
	Mode      string          `yaml:"mode"`
}

// APIKeysConfig holds API key configuration from file.
type APIKeysConfig struct {
	Anthropic string `yaml:"anthropic"`
	OpenAI    string `yaml:"openai"`
	Google    string `yaml:"google"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// AuditConfig selects audit sinks.
type AuditConfig struct {
	DB  string `yaml:"db"`
	Dir string `yaml:"dir"`
}

// Load reads configuration from config files and environment variables.
// Environment variables take precedence over file configuration. A .env file
// in the config directory is loaded first and never overrides variables that
// are already set.
func Load() (*Config, error) {
	return load("")
}

// LoadWithRoutingFile loads config with a specific routing file.
func LoadWithRoutingFile(routingPath string) (*Config, error) {
	return load(routingPath)
}

func load(routingPath string) (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	if err := godotenv.Load(filepath.Join(configDir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	fileConfig, err := loadFileConfig(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		AnthropicAPIKey: getEnvOrDefault(EnvAnthropicKey, fileConfig.APIKeys.Anthropic),
		OpenAIAPIKey:    getEnvOrDefault(EnvOpenAIKey, fileConfig.APIKeys.OpenAI),
		GoogleAPIKey:    getEnvOrDefault(EnvGoogleKey, fileConfig.APIKeys.Google),
		OTLPEndpoint:    getEnvOrDefault(EnvOTLPEndpoint, fileConfig.Telemetry.OTLPEndpoint),
		OTLPInsecure:    fileConfig.Telemetry.Insecure,
		AuditDB:         getEnvOrDefault(EnvAuditDB, fileConfig.Audit.DB),
		AuditDir:        fileConfig.Audit.Dir,
		LogLevel:        getEnvOrDefault(EnvLogLevel, fileConfig.LogLevel),
		Mode:            getEnvOrDefault(EnvMode, fileConfig.Mode),
		ConfigDir:       configDir,
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if routingPath == "" {
		routingPath = findRoutingFile(configDir)
	}
	if routingPath == "" {
		cfg.RoutingConfig = DefaultRoutingConfig()
	} else {
		routing, err := LoadRoutingConfig(routingPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load routing config from %s: %w", routingPath, err)
		}
		cfg.RoutingConfig = routing
	}
	if cfg.Mode != "" {
		cfg.RoutingConfig.Mode = cfg.Mode
	}

	return cfg, nil
}

// APIKey returns the key for a provider's api_key_env variable. The three
// well-known variables resolve through the loaded config; anything else is
// read from the environment.
func (c *Config) APIKey(envVar string) string {
	switch envVar {
	case EnvAnthropicKey:
		return c.AnthropicAPIKey
	case EnvOpenAIKey:
		return c.OpenAIAPIKey
	case EnvGoogleKey:
		return c.GoogleAPIKey
	case "":
		return ""
	default:
		return os.Getenv(envVar)
	}
}

// HasProvider returns true if the API key for the given provider type is configured.
func (c *Config) HasProvider(providerType string) bool {
	switch providerType {
	case "anthropic":
		return c.AnthropicAPIKey != ""
	case "openai":
		return c.OpenAIAPIKey != ""
	case "google":
		return c.GoogleAPIKey != ""
	default:
		return true
	}
}

func findRoutingFile(configDir string) string {
	for _, name := range []string{"routing.yaml", "routing.yml", "routing.toml"} {
		path := filepath.Join(configDir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadFileConfig reads the config file. A missing file yields an empty config.
func loadFileConfig(path string) (*FileConfig, error) {
	cfg := &FileConfig{}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// getEnvOrDefault returns the environment variable value if set,
// otherwise returns the default value.
func getEnvOrDefault(envVar, defaultValue string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return defaultValue
}

func getConfigDir() (string, error) {
	configDir := os.Getenv(EnvConfigDir)
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, ".routegate")
	}
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", err
	}
	return configDir, nil
}
