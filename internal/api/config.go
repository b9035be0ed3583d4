// Package api provides the HTTP API server implementation for the Dispatchr service.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dispatchr-io/dispatchr/internal/config"
)

const (
	defaultPort           = 8080
	maxPort               = 65535
	defaultHost           = "0.0.0.0"
	defaultTimeout        = 30 * time.Second
	defaultLogLevel       = slog.LevelInfo
	defaultMaxRequestSize = int64(1 << 20) // 1 MiB

	// CORS defaults are permissive for development; production deployments
	// restrict origins via DISPATCHR_CORS_ALLOWED_ORIGINS.
	defaultCORSOrigins = "*"
	defaultCORSMethods = "GET,POST,PUT,DELETE,OPTIONS"
	defaultCORSHeaders = "Content-Type,Authorization,X-Correlation-ID,X-API-Key"
	defaultCORSMaxAge  = 86400
)

var (
	// ErrInvalidPort indicates the port number is outside valid range (1-65535).
	ErrInvalidPort = errors.New("invalid port")

	// ErrEmptyHost indicates the server host address is empty.
	ErrEmptyHost = errors.New("host cannot be empty")

	// ErrInvalidReadTimeout indicates the read timeout is zero or negative.
	ErrInvalidReadTimeout = errors.New("read timeout must be positive")

	// ErrInvalidWriteTimeout indicates the write timeout is zero or negative.
	ErrInvalidWriteTimeout = errors.New("write timeout must be positive")

	// ErrInvalidShutdownTimeout indicates the shutdown timeout is zero or negative.
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must be positive")

	// ErrInvalidMaxRequestSize indicates the max request size is zero or negative.
	ErrInvalidMaxRequestSize = errors.New("max request size must be positive")
)

type (
	// ServerConfig holds HTTP server configuration. Pure configuration,
	// no runtime dependencies.
	ServerConfig struct {
		Port               int
		Host               string
		ReadTimeout        time.Duration
		WriteTimeout       time.Duration
		ShutdownTimeout    time.Duration
		LogLevel           slog.Level
		MaxRequestSize     int64
		CORSAllowedOrigins []string
		CORSAllowedMethods []string
		CORSAllowedHeaders []string
		CORSMaxAge         int
	}

	// CORSConfig adapts the server's CORS fields to the middleware's
	// CORSConfigProvider interface.
	CORSConfig struct {
		AllowedOrigins []string
		AllowedMethods []string
		AllowedHeaders []string
		MaxAge         int
	}
)

// LoadServerConfig loads server configuration from environment variables
// with fallback to defaults.
func LoadServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            config.GetEnvInt("DISPATCHR_SERVER_PORT", defaultPort),
		Host:            config.GetEnvStr("DISPATCHR_SERVER_HOST", defaultHost),
		ReadTimeout:     config.GetEnvDuration("DISPATCHR_SERVER_READ_TIMEOUT", defaultTimeout),
		WriteTimeout:    config.GetEnvDuration("DISPATCHR_SERVER_WRITE_TIMEOUT", defaultTimeout),
		ShutdownTimeout: config.GetEnvDuration("DISPATCHR_SERVER_TIMEOUT", defaultTimeout),
		LogLevel:        config.GetEnvLogLevel("DISPATCHR_SERVER_LOG_LEVEL", defaultLogLevel),
		MaxRequestSize:  config.GetEnvInt64("DISPATCHR_MAX_REQUEST_SIZE", defaultMaxRequestSize),
		CORSAllowedOrigins: config.ParseCommaSeparatedList(
			config.GetEnvStr("DISPATCHR_CORS_ALLOWED_ORIGINS", defaultCORSOrigins),
		),
		CORSAllowedMethods: config.ParseCommaSeparatedList(
			config.GetEnvStr("DISPATCHR_CORS_ALLOWED_METHODS", defaultCORSMethods),
		),
		CORSAllowedHeaders: config.ParseCommaSeparatedList(
			config.GetEnvStr("DISPATCHR_CORS_ALLOWED_HEADERS", defaultCORSHeaders),
		),
		CORSMaxAge: config.GetEnvInt("DISPATCHR_CORS_MAX_AGE", defaultCORSMaxAge),
	}
}

// Address returns the listen address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > maxPort:
		return fmt.Errorf("%w: %d, must be between 1 and %d", ErrInvalidPort, c.Port, maxPort)
	case c.Host == "":
		return ErrEmptyHost
	case c.ReadTimeout <= 0:
		return fmt.Errorf("%w: got %v", ErrInvalidReadTimeout, c.ReadTimeout)
	case c.WriteTimeout <= 0:
		return fmt.Errorf("%w: got %v", ErrInvalidWriteTimeout, c.WriteTimeout)
	case c.ShutdownTimeout <= 0:
		return fmt.Errorf("%w: got %v", ErrInvalidShutdownTimeout, c.ShutdownTimeout)
	case c.MaxRequestSize <= 0:
		return fmt.Errorf("%w: got %d bytes", ErrInvalidMaxRequestSize, c.MaxRequestSize)
	default:
		return nil
	}
}

// ToCORSConfig extracts the CORS fields for the middleware.
func (c *ServerConfig) ToCORSConfig() *CORSConfig {
	return &CORSConfig{
		AllowedOrigins: c.CORSAllowedOrigins,
		AllowedMethods: c.CORSAllowedMethods,
		AllowedHeaders: c.CORSAllowedHeaders,
		MaxAge:         c.CORSMaxAge,
	}
}

// GetAllowedOrigins returns the allowed origins for CORS.
func (c *CORSConfig) GetAllowedOrigins() []string {
	return c.AllowedOrigins
}

// GetAllowedMethods returns the allowed methods for CORS.
func (c *CORSConfig) GetAllowedMethods() []string {
	return c.AllowedMethods
}

// GetAllowedHeaders returns the allowed headers for CORS.
func (c *CORSConfig) GetAllowedHeaders() []string {
	return c.AllowedHeaders
}

// GetMaxAge returns the preflight cache lifetime in seconds.
func (c *CORSConfig) GetMaxAge() int {
	return c.MaxAge
}
