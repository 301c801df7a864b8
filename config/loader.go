// Package config provides configuration loading and parsing functionality
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigFormat represents the configuration file format
type ConfigFormat string

const (
	FormatYAML ConfigFormat = "yaml"
	FormatJSON ConfigFormat = "json"
)

// FormatOf returns the format implied by a file extension.
func FormatOf(filename string) (ConfigFormat, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(filename))
	}
}

// Loader handles configuration loading from files and the environment
type Loader struct {
	// Configuration search paths
	searchPaths []string

	// Environment variable prefix
	envPrefix string

	// lookupEnv reads one environment variable
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	paths := []string{".", "./config", "/etc/amlink"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".amlink"))
	}

	return &Loader{
		searchPaths: paths,
		envPrefix:   "AMLINK",
		lookupEnv:   os.LookupEnv,
	}
}

// SetSearchPaths sets the configuration file search paths
func (l *Loader) SetSearchPaths(paths []string) *Loader {
	l.searchPaths = paths
	return l
}

// SetEnvPrefix sets the environment variable prefix
func (l *Loader) SetEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load loads configuration from filename, or discovers a file in the search
// paths when filename is empty. Environment variables override file values.
func (l *Loader) Load(filename string) (*Config, error) {
	if filename == "" {
		return l.AutoLoad()
	}
	return l.LoadFromFile(filename)
}

// LoadFromFile loads configuration from a specific file
func (l *Loader) LoadFromFile(filename string) (*Config, error) {
	format, err := FormatOf(filename)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}
	return l.finish(config)
}

// LoadFromReader loads configuration from an io.Reader
func (l *Loader) LoadFromReader(reader io.Reader, format ConfigFormat) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration data: %w", err)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, err
	}
	return l.finish(config)
}

// AutoLoad discovers a configuration file in the search paths. Without one
// it starts from DefaultConfig.
func (l *Loader) AutoLoad() (*Config, error) {
	configFile, err := l.findConfigFile()
	if err == ErrConfigFileNotFound {
		return l.finish(DefaultConfig())
	}
	if err != nil {
		return nil, err
	}
	return l.LoadFromFile(configFile)
}

// finish applies environment overrides and validates.
func (l *Loader) finish(config *Config) (*Config, error) {
	if err := l.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

// findConfigFile searches for configuration files in search paths
func (l *Loader) findConfigFile() (string, error) {
	filenames := []string{"amlink.yaml", "amlink.yml", "amlink.json"}

	for _, searchPath := range l.searchPaths {
		for _, filename := range filenames {
			fullPath := filepath.Join(searchPath, filename)
			if _, err := os.Stat(fullPath); err == nil {
				return fullPath, nil
			}
		}
	}
	return "", ErrConfigFileNotFound
}

// parseConfig decodes data over the defaults so absent fields keep their
// default values.
func (l *Loader) parseConfig(data []byte, format ConfigFormat) (*Config, error) {
	config := DefaultConfig()

	switch format {
	case FormatYAML:
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(config); err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case FormatJSON:
		decoder := json.NewDecoder(bytes.NewReader(data))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	return config, nil
}

// loadFromEnv loads configuration overrides from environment variables
func (l *Loader) loadFromEnv(config *Config) error {
	// App configuration
	l.envString("APP_NAME", &config.App.Name)
	if val, ok := l.env("APP_ENVIRONMENT"); ok {
		config.App.Environment = Environment(val)
	}

	// Log configuration
	if val, ok := l.env("LOG_LEVEL"); ok {
		config.Log.Level = LogLevel(strings.ToLower(val))
	}
	l.envString("LOG_FORMAT", &config.Log.Format)
	if val, ok := l.env("LOG_OUTPUTS"); ok {
		config.Log.Outputs = splitList(val)
	}

	// Transport configuration
	if val, ok := l.env("TRANSPORT_KIND"); ok {
		config.Transport.Kind = TransportKind(val)
	}
	l.envString("TRANSPORT_ADDRESS", &config.Transport.Address)
	if err := l.envInt("TRANSPORT_PORT", &config.Transport.Port); err != nil {
		return err
	}
	if err := l.envInt("TRANSPORT_EAGER_THRESHOLD", &config.Transport.EagerThreshold); err != nil {
		return err
	}
	if err := l.envInt("TRANSPORT_RNDV_THRESHOLD", &config.Transport.RndvThreshold); err != nil {
		return err
	}

	// AM configuration
	if err := l.envInt("AM_QUEUE_CAPACITY", &config.AM.QueueCapacity); err != nil {
		return err
	}
	if err := l.envBool("AM_ALLOW_EAGER_PROTO", &config.AM.AllowEagerProto); err != nil {
		return err
	}

	// Metrics configuration
	if err := l.envBool("METRICS_ENABLED", &config.Metrics.Enabled); err != nil {
		return err
	}
	l.envString("METRICS_ADDRESS", &config.Metrics.Address)

	return nil
}

func (l *Loader) env(name string) (string, bool) {
	val, ok := l.lookupEnv(l.envPrefix + "_" + name)
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

func (l *Loader) envString(name string, dst *string) {
	if val, ok := l.env(name); ok {
		*dst = val
	}
}

func (l *Loader) envInt(name string, dst *int) error {
	val, ok := l.env(name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("%w: %s_%s=%q", ErrEnvironmentVarError, l.envPrefix, name, val)
	}
	*dst = n
	return nil
}

func (l *Loader) envBool(name string, dst *bool) error {
	val, ok := l.env(name)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fmt.Errorf("%w: %s_%s=%q", ErrEnvironmentVarError, l.envPrefix, name, val)
	}
	*dst = b
	return nil
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
