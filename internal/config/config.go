// Package config provides centralized configuration for the cdf command.
// Settings come from environment variables (optionally seeded from a .env
// file) with defaults, and are validated on startup so misconfiguration
// fails fast.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Load     LoadConfig
	Paths    PathsConfig
	S3       S3Config
	Security SecurityConfig
	Logging  LoggingConfig
	Metrics  MetricsConfig
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 127.0.0.1)
	Host string `env:"SERVER_HOST" default:"127.0.0.1"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	ReadTimeout  time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`
	IdleTimeout  time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout bounds read requests; loads use Load.Timeout (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// DatabaseConfig holds store connection settings.
type DatabaseConfig struct {
	// Driver is postgres or sqlite (default: postgres)
	Driver string `env:"DB_DRIVER" default:"postgres"`

	// URL is the PostgreSQL connection string or the SQLite file path (required).
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	MaxConns        int           `env:"DB_MAX_CONNS" default:"20"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// BusyTimeout is how long SQLite waits on a locked database (default: 5s)
	BusyTimeout time.Duration `env:"DB_BUSY_TIMEOUT" default:"5s"`
}

// LoadConfig holds raw file loading settings.
type LoadConfig struct {
	// MaxFileSize is the maximum raw file size in bytes (default: 100MB)
	MaxFileSize int64 `env:"LOAD_MAX_FILE_SIZE" default:"104857600"`

	// Concurrency is the number of files a batch loads in parallel (default: 4)
	Concurrency int `env:"LOAD_CONCURRENCY" default:"4"`

	// MaxConcurrent is the number of load jobs the API runs at once (default: 2)
	MaxConcurrent int `env:"LOAD_MAX_CONCURRENT" default:"2"`

	// MaxWaitTime is how long an API load waits for a slot (default: 30s)
	MaxWaitTime time.Duration `env:"LOAD_MAX_WAIT_TIME" default:"30s"`

	// BatchSize is the number of vote counts per INSERT (default: 500)
	BatchSize int `env:"LOAD_BATCH_SIZE" default:"500"`

	// Timeout bounds a single file load (default: 10m)
	Timeout time.Duration `env:"LOAD_TIMEOUT" default:"10m"`

	// Force reloads files that are already loaded
	Force bool `env:"LOAD_FORCE" default:"false"`
}

// PathsConfig locates munger and jurisdiction definitions and raw files.
type PathsConfig struct {
	MungerDir       string `env:"CDF_MUNGER_DIR" default:"mungers"`
	JurisdictionDir string `env:"CDF_JURISDICTION_DIR" default:"jurisdictions"`

	// DataDir is the only local directory the HTTP API loads raw files from
	// (default: data). The CLI reads any path it is given.
	DataDir string `env:"CDF_DATA_DIR" default:"data"`
}

// S3Config enables s3:// raw file URIs. Credentials come from the AWS
// default chain.
type S3Config struct {
	Enabled   bool   `env:"S3_ENABLED" default:"false"`
	Region    string `env:"S3_REGION" envAlt:"AWS_REGION" default:"us-east-1"`
	Endpoint  string `env:"S3_ENDPOINT"`
	PathStyle bool   `env:"S3_PATH_STYLE" default:"false"`
}

// SecurityConfig guards the mutating API routes.
type SecurityConfig struct {
	// RequireAPIKey enables X-API-Key checks on load and rollback
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted keys
	APIKeys []string `env:"API_KEYS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `env:"METRICS_ENABLED" default:"true"`
	Path    string `env:"METRICS_PATH" default:"/metrics"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
