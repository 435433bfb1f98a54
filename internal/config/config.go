// Package config loads kvpipe settings.
//
// Settings are layered: defaults, then an optional YAML or TOML file, then
// KVPIPE_* environment variables, then command-line flags. The result is
// validated before it is returned.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/roach88/kvpipe/internal/kv"
)

const (
	defaultDir      = ".kvpipe"
	defaultLogLevel = "info"
)

// ErrInvalidConfig wraps every load and validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// validate is a singleton validator instance.
var validate = validator.New()

// Config holds the settings shared by every database a process opens.
type Config struct {
	// Dir is the directory database files are kept in.
	Dir string `validate:"required"`

	// Backend selects the storage backend for new and existing databases.
	Backend kv.Backend `validate:"required,oneof=sqlite bolt"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `validate:"required,oneof=debug info warn error"`

	// Version is the schema version databases are opened at. Zero opens
	// each database at its current version.
	Version uint64
}

// LoadOptions controls where Load reads settings from.
type LoadOptions struct {
	// ConfigPath names the config file. Empty falls back to $KVPIPE_CONFIG;
	// with neither set, no file is read. A named file that does not exist
	// is an error.
	ConfigPath string

	// Env replaces the process environment when non-nil.
	Env map[string]string

	Flags FlagOverrides
}

// FlagOverrides carries flag values; nil fields were not set.
type FlagOverrides struct {
	Dir      *string
	Backend  *string
	LogLevel *string
	Version  *uint64
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Dir:      defaultDir,
		Backend:  kv.BackendSQLite,
		LogLevel: defaultLogLevel,
	}
}

// Load builds a Config from defaults, file, environment and flags.
func Load(opts LoadOptions) (Config, error) {
	cfg := Default()

	path := opts.ConfigPath
	if path == "" {
		path, _ = lookupEnv(opts, "KVPIPE_CONFIG")
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnvOverrides(&cfg, opts); err != nil {
		return Config{}, err
	}
	applyFlagOverrides(&cfg, opts.Flags)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// rawConfig mirrors the file format; nil fields were absent.
type rawConfig struct {
	Dir      *string `yaml:"dir" toml:"dir"`
	Backend  *string `yaml:"backend" toml:"backend"`
	LogLevel *string `yaml:"log_level" toml:"log_level"`
	Version  *uint64 `yaml:"version" toml:"version"`
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read config file %q: %v", ErrInvalidConfig, path, err)
	}

	var raw rawConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("%w: parse TOML file %q: %v", ErrInvalidConfig, path, err)
		}
	case ".yaml", ".yml", "":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		// An empty file decodes to io.EOF; it simply sets nothing.
		if err := dec.Decode(&raw); err != nil && len(bytes.TrimSpace(data)) > 0 {
			return fmt.Errorf("%w: parse YAML file %q: %v", ErrInvalidConfig, path, err)
		}
	default:
		return fmt.Errorf("%w: config file %q: unsupported extension (use .yaml, .yml or .toml)", ErrInvalidConfig, path)
	}

	if raw.Dir != nil {
		cfg.Dir = *raw.Dir
	}
	if raw.Backend != nil {
		cfg.Backend = kv.Backend(*raw.Backend)
	}
	if raw.LogLevel != nil {
		cfg.LogLevel = *raw.LogLevel
	}
	if raw.Version != nil {
		cfg.Version = *raw.Version
	}
	return nil
}

func applyEnvOverrides(cfg *Config, opts LoadOptions) error {
	if value, ok := lookupEnv(opts, "KVPIPE_DIR"); ok {
		cfg.Dir = value
	}
	if value, ok := lookupEnv(opts, "KVPIPE_BACKEND"); ok {
		cfg.Backend = kv.Backend(value)
	}
	if value, ok := lookupEnv(opts, "KVPIPE_LOG_LEVEL"); ok {
		cfg.LogLevel = value
	}
	if value, ok := lookupEnv(opts, "KVPIPE_VERSION"); ok {
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: parse KVPIPE_VERSION: %v", ErrInvalidConfig, err)
		}
		cfg.Version = v
	}
	return nil
}

func applyFlagOverrides(cfg *Config, flags FlagOverrides) {
	if flags.Dir != nil {
		cfg.Dir = *flags.Dir
	}
	if flags.Backend != nil {
		cfg.Backend = kv.Backend(*flags.Backend)
	}
	if flags.LogLevel != nil {
		cfg.LogLevel = *flags.LogLevel
	}
	if flags.Version != nil {
		cfg.Version = *flags.Version
	}
}

// lookupEnv reads from opts.Env when set, so tests never touch the process
// environment.
func lookupEnv(opts LoadOptions, key string) (string, bool) {
	if opts.Env != nil {
		value, ok := opts.Env[key]
		return value, ok
	}
	return os.LookupEnv(key)
}

// Validate checks the settings.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	return nil
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	// Report the first failure; the rest usually follow from it.
	for _, e := range validationErrs {
		switch e.Tag() {
		case "required":
			return fmt.Errorf("%w: %s is required", ErrInvalidConfig, e.Field())
		case "oneof":
			return fmt.Errorf("%w: %s must be one of [%s], got %q", ErrInvalidConfig, e.Field(), e.Param(), e.Value())
		default:
			return fmt.Errorf("%w: %s: validation failed (%s)", ErrInvalidConfig, e.Field(), e.Tag())
		}
	}
	return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
}

// SlogLevel converts LogLevel for slog handlers.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
