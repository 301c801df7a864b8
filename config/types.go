// Package config provides configuration management for amlink
package config

import (
	"time"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvProduction  Environment = "production"
)

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	return string(l)
}

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// TransportKind selects the transport a process runs on
type TransportKind string

const (
	TransportLoopback TransportKind = "loopback"
	TransportTCP      TransportKind = "tcp"
)

// IsValid checks if the transport kind is valid
func (k TransportKind) IsValid() bool {
	return k == TransportLoopback || k == TransportTCP
}

// Config represents the complete amlink configuration
type Config struct {
	// Application configuration
	App AppConfig `yaml:"app" json:"app"`

	// Logging configuration
	Log LogConfig `yaml:"log" json:"log"`

	// Transport configuration
	Transport TransportConfig `yaml:"transport" json:"transport"`

	// Active message bridge configuration
	AM AMConfig `yaml:"am" json:"am"`

	// Metrics endpoint configuration
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	// Application name
	Name string `yaml:"name" json:"name"`

	// Deployment environment
	Environment Environment `yaml:"environment" json:"environment"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Log level
	Level LogLevel `yaml:"level" json:"level"`

	// Log format (json, console)
	Format string `yaml:"format" json:"format"`

	// Output destinations (stdout, stderr, file paths)
	Outputs []string `yaml:"outputs" json:"outputs"`

	// Development enables caller-friendly encoding and colored levels
	Development bool `yaml:"development" json:"development"`

	// Log rotation configuration, used for file outputs
	Rotation LogRotationConfig `yaml:"rotation" json:"rotation"`
}

// LogRotationConfig contains log rotation settings
type LogRotationConfig struct {
	// Enable log rotation
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Maximum file size in MB
	MaxSize int `yaml:"max_size" json:"max_size"`

	// Maximum number of old files to retain
	MaxBackups int `yaml:"max_backups" json:"max_backups"`

	// Maximum age in days
	MaxAge int `yaml:"max_age" json:"max_age"`

	// Compress old files
	Compress bool `yaml:"compress" json:"compress"`
}

// TransportConfig contains transport settings
type TransportConfig struct {
	// Transport kind (loopback, tcp)
	Kind TransportKind `yaml:"kind" json:"kind"`

	// Listening or dialing address
	Address string `yaml:"address" json:"address"`

	// Listening or dialing port
	Port int `yaml:"port" json:"port"`

	// Largest payload sent inline
	EagerThreshold int `yaml:"eager_threshold" json:"eager_threshold"`

	// Smallest payload sent by rendezvous (loopback only; tcp uses EagerThreshold)
	RndvThreshold int `yaml:"rndv_threshold" json:"rndv_threshold"`

	// Largest inline payload delivered in a scratch buffer (tcp)
	ScratchThreshold int `yaml:"scratch_threshold" json:"scratch_threshold"`

	// Maximum frame size in bytes (tcp)
	MaxFrameSize int `yaml:"max_frame_size" json:"max_frame_size"`

	// Largest rendezvous payload accepted or sent (tcp)
	MaxRndvSize int `yaml:"max_rndv_size" json:"max_rndv_size"`

	// Frame write timeout (tcp)
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// Enable TCP keep-alive
	KeepAlive bool `yaml:"keep_alive" json:"keep_alive"`

	// Keep-alive interval
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval" json:"keep_alive_interval"`
}

// AMConfig contains active message bridge settings
type AMConfig struct {
	// Initial capacity of each handler queue
	QueueCapacity int `yaml:"queue_capacity" json:"queue_capacity"`

	// Honor eager protocol hints
	AllowEagerProto bool `yaml:"allow_eager_proto" json:"allow_eager_proto"`
}

// MetricsConfig contains metrics HTTP endpoint settings
type MetricsConfig struct {
	// Enable the metrics endpoint
	Enabled bool `yaml:"enabled" json:"enabled"`

	// HTTP listen address
	Address string `yaml:"address" json:"address"`

	// Metrics endpoint path
	Path string `yaml:"path" json:"path"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "amlink",
			Environment: EnvDevelopment,
		},
		Log: LogConfig{
			Level:   LogLevelInfo,
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: LogRotationConfig{
				Enabled:    false,
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     7,
				Compress:   true,
			},
		},
		Transport: TransportConfig{
			Kind:              TransportLoopback,
			Address:           "127.0.0.1",
			Port:              7400,
			EagerThreshold:    8 << 10,
			RndvThreshold:     64 << 10,
			ScratchThreshold:  8 << 10,
			MaxFrameSize:      64 << 20,
			MaxRndvSize:       1 << 30,
			WriteTimeout:      30 * time.Second,
			KeepAlive:         true,
			KeepAliveInterval: 30 * time.Second,
		},
		AM: AMConfig{
			QueueCapacity:   512,
			AllowEagerProto: false,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9400",
			Path:    "/metrics",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate app config
	if c.App.Name == "" {
		return ErrInvalidAppName
	}
	if !c.App.Environment.IsValid() {
		return ErrInvalidEnvironment
	}

	// Validate log config
	if !c.Log.Level.IsValid() {
		return ErrInvalidLogLevel
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return ErrInvalidLogFormat
	}

	// Validate transport config
	if !c.Transport.Kind.IsValid() {
		return ErrInvalidTransport
	}
	if c.Transport.Port <= 0 || c.Transport.Port > 65535 {
		return ErrInvalidPort
	}
	if c.Transport.EagerThreshold < 0 || c.Transport.RndvThreshold <= c.Transport.EagerThreshold {
		return ErrInvalidThreshold
	}
	if c.Transport.MaxFrameSize <= 0 || c.Transport.MaxRndvSize <= 0 {
		return ErrInvalidFrameSize
	}

	// Validate am config
	if c.AM.QueueCapacity <= 0 {
		return ErrInvalidQueueCapacity
	}

	// Validate metrics config
	if c.Metrics.Enabled && (c.Metrics.Address == "" || c.Metrics.Path == "") {
		return ErrInvalidMetrics
	}

	return nil
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// ListenAddress returns the transport host:port
func (c *Config) ListenAddress() string {
	return joinHostPort(c.Transport.Address, c.Transport.Port)
}
