// Package config provides error definitions for configuration management
package config

import "errors"

// Configuration validation errors
var (
	ErrInvalidAppName       = errors.New("invalid application name")
	ErrInvalidEnvironment   = errors.New("invalid environment")
	ErrInvalidLogLevel      = errors.New("invalid log level")
	ErrInvalidLogFormat     = errors.New("invalid log format")
	ErrInvalidTransport     = errors.New("invalid transport kind")
	ErrInvalidPort          = errors.New("invalid port number")
	ErrInvalidThreshold     = errors.New("invalid protocol thresholds")
	ErrInvalidFrameSize     = errors.New("invalid max frame size")
	ErrInvalidQueueCapacity = errors.New("invalid handler queue capacity")
	ErrInvalidMetrics       = errors.New("invalid metrics endpoint")
)

// Configuration loading errors
var (
	ErrConfigFileNotFound  = errors.New("configuration file not found")
	ErrUnsupportedFormat   = errors.New("unsupported configuration format")
	ErrEnvironmentVarError = errors.New("environment variable error")
)
