package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/JonMunkholm/cdf/internal/logging"
)

// Load builds a Config from the environment, applying tag defaults, and
// validates it. Call LoadEnvFiles first to pick up a .env file.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := loadStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadEnvFiles seeds the environment from .env style files. Missing files
// are skipped; variables already set in the environment win.
func LoadEnvFiles(paths ...string) ([]string, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var loaded []string
	for _, p := range paths {
		err := godotenv.Load(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return loaded, fmt.Errorf("load %s: %w", p, err)
		}
		loaded = append(loaded, p)
	}
	return loaded, nil
}

// envVar is the parsed form of a field's env, envAlt, default and required
// tags.
type envVar struct {
	name, alt, def string
	required       bool
}

func envVarOf(f reflect.StructField) (envVar, bool) {
	name := f.Tag.Get("env")
	if name == "" {
		return envVar{}, false
	}
	return envVar{
		name:     name,
		alt:      f.Tag.Get("envAlt"),
		def:      f.Tag.Get("default"),
		required: f.Tag.Get("required") == "true",
	}, true
}

// value returns the first non-empty of the primary variable, the alternate
// and the default.
func (e envVar) value() (string, error) {
	if v := os.Getenv(e.name); v != "" {
		return v, nil
	}
	if e.alt != "" {
		if v := os.Getenv(e.alt); v != "" {
			return v, nil
		}
	}
	if e.required {
		return "", fmt.Errorf("required environment variable %s is not set", e.name)
	}
	return e.def, nil
}

var (
	durationType = reflect.TypeOf(time.Duration(0))
	timeType     = reflect.TypeOf(time.Time{})
)

// loadStruct fills v's tagged fields, descending into nested section
// structs.
func loadStruct(v reflect.Value) error {
	t := v.Type()
	for i := range t.NumField() {
		sf, fv := t.Field(i), v.Field(i)
		if !fv.CanSet() {
			continue
		}
		if sf.Type.Kind() == reflect.Struct && sf.Type != timeType {
			if err := loadStruct(fv); err != nil {
				return err
			}
			continue
		}

		ev, ok := envVarOf(sf)
		if !ok {
			continue
		}
		raw, err := ev.value()
		if err != nil {
			return err
		}
		if raw == "" {
			continue
		}
		if err := setField(fv, raw); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", ev.name, raw, err)
		}
	}
	return nil
}

// setField parses raw into field. Durations use time.ParseDuration and
// string slices are comma-separated with blanks dropped.
func setField(field reflect.Value, raw string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		field.Set(reflect.ValueOf(splitList(raw)))
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

func splitList(raw string) []string {
	out := []string{}
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// problems collects validation failures so Validate can report them all
// at once.
type problems []string

func (p *problems) check(ok bool, format string, args ...any) {
	if !ok {
		*p = append(*p, fmt.Sprintf(format, args...))
	}
}

// Validate reports every invalid setting in one error.
func (c *Config) Validate() error {
	var p problems
	c.Database.validate(&p)
	c.Server.validate(&p)
	c.Load.validate(&p)
	c.Paths.validate(&p)

	p.check(!c.S3.Enabled || c.S3.Region != "", "S3_REGION is required when S3_ENABLED is true")
	p.check(!c.Security.RequireAPIKey || len(c.Security.APIKeys) > 0,
		"REQUIRE_API_KEY is true but API_KEYS is empty; configure at least one API key or disable auth")
	p.check(!c.Metrics.Enabled || strings.HasPrefix(c.Metrics.Path, "/"),
		"METRICS_PATH (%q) must start with /", c.Metrics.Path)

	_, ok := logging.LookupLevel(c.Logging.Level)
	p.check(ok, "LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level)
	p.check(logging.ValidFormat(c.Logging.Format), "LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format)

	if len(p) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(p, "\n  - "))
	}
	return nil
}

func (d DatabaseConfig) validate(p *problems) {
	p.check(d.URL != "", "DATABASE_URL is required")
	switch strings.ToLower(d.Driver) {
	case "postgres", "sqlite":
	default:
		p.check(false, "DB_DRIVER (%q) must be one of: postgres, sqlite", d.Driver)
	}
	p.check(d.MaxConns >= d.MinConns, "DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)", d.MaxConns, d.MinConns)
	p.check(d.MaxConns > 0, "DB_MAX_CONNS must be positive")
	p.check(d.MinConns >= 0, "DB_MIN_CONNS must be non-negative")
	p.check(d.BusyTimeout >= 0, "DB_BUSY_TIMEOUT must be non-negative")
}

func (s ServerConfig) validate(p *problems) {
	p.check(s.Port > 0 && s.Port <= 65535, "SERVER_PORT (%d) must be 1-65535", s.Port)
	p.check(s.ReadTimeout >= 0, "SERVER_READ_TIMEOUT must be non-negative")
	p.check(s.ShutdownTimeout > 0, "SERVER_SHUTDOWN_TIMEOUT must be positive")
}

func (l LoadConfig) validate(p *problems) {
	p.check(l.MaxFileSize > 0, "LOAD_MAX_FILE_SIZE must be positive")
	p.check(l.Concurrency > 0, "LOAD_CONCURRENCY must be positive")
	p.check(l.MaxConcurrent > 0, "LOAD_MAX_CONCURRENT must be positive")
	p.check(l.BatchSize > 0, "LOAD_BATCH_SIZE must be positive")
	p.check(l.MaxWaitTime > 0, "LOAD_MAX_WAIT_TIME must be positive")
	p.check(l.Timeout > 0, "LOAD_TIMEOUT must be positive")
}

func (d PathsConfig) validate(p *problems) {
	p.check(d.MungerDir != "", "CDF_MUNGER_DIR must not be empty")
	p.check(d.JurisdictionDir != "", "CDF_JURISDICTION_DIR must not be empty")
	p.check(d.DataDir != "", "CDF_DATA_DIR must not be empty")
}

// String renders the config for startup logs. DATABASE_URL and API_KEYS
// are never printed.
func (c *Config) String() string {
	sections := []string{
		fmt.Sprintf("Server: {Host: %q, Port: %d}", c.Server.Host, c.Server.Port),
		fmt.Sprintf("Database: {Driver: %q, URL: [MASKED], MaxConns: %d, MinConns: %d}",
			c.Database.Driver, c.Database.MaxConns, c.Database.MinConns),
		fmt.Sprintf("Load: {MaxFileSize: %d, Concurrency: %d, BatchSize: %d, Force: %v}",
			c.Load.MaxFileSize, c.Load.Concurrency, c.Load.BatchSize, c.Load.Force),
		fmt.Sprintf("Paths: {MungerDir: %q, JurisdictionDir: %q, DataDir: %q}",
			c.Paths.MungerDir, c.Paths.JurisdictionDir, c.Paths.DataDir),
		fmt.Sprintf("S3: {Enabled: %v, Region: %q}", c.S3.Enabled, c.S3.Region),
		fmt.Sprintf("Security: {RequireAPIKey: %v, APIKeys: %d configured}",
			c.Security.RequireAPIKey, len(c.Security.APIKeys)),
		fmt.Sprintf("Logging: {Level: %q, Format: %q}", c.Logging.Level, c.Logging.Format),
	}
	return "Config{" + strings.Join(sections, ", ") + "}"
}
