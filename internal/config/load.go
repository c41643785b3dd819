package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Format is a configuration file syntax
type Format string

const (
	// FormatYAML is selected for .yaml and .yml files
	FormatYAML Format = "yaml"
	// FormatTOML is selected for .toml files
	FormatTOML Format = "toml"
)

// FormatFor picks the syntax from the file extension
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("unsupported configuration file type %q", filepath.Ext(path))
	}
}

// Load reads path, applies defaults and environment overrides, and
// validates the result. The file syntax follows the extension.
//
// The loading sequence is:
// 1. Decode the file
// 2. Apply default values
// 3. Apply PROXYROTATE_* environment overrides
// 4. Validate the final configuration
func Load(path string) (*Config, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg, err := Decode(data, format)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	// Relative paths are resolved against the config file
	cfg.resolvePaths(filepath.Dir(path))

	ApplyDefaults(cfg)

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Decode parses data without defaults or validation
func Decode(data []byte, format Format) (*Config, error) {
	var cfg Config

	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		// An empty document decodes to the zero config
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	case FormatTOML:
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return nil, err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown keys: %v", undecoded)
		}
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}

	return &cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from .env style files into the process
// environment. Variables already set are not overwritten.
func LoadEnvFile(paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	if err := godotenv.Load(paths...); err != nil {
		return fmt.Errorf("loading env file: %w", err)
	}
	return nil
}

func (c *Config) resolvePaths(base string) {
	resolve := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	resolve(&c.EndpointsFile)
	resolve(&c.State.Dir)
}

// applyEnvOverrides applies environment variable overrides to the
// configuration. Variables follow PROXYROTATE_SECTION_FIELD.
func applyEnvOverrides(cfg *Config) error {
	var errs []error

	envInt := func(name string, dst *int) {
		if val, ok := lookupEnv(name); ok {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", envName(name), err))
				return
			}
			*dst = n
		}
	}
	envDuration := func(name string, dst *Duration) {
		if val, ok := lookupEnv(name); ok {
			d, err := ParseDuration(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", envName(name), err))
				return
			}
			*dst = d
		}
	}
	envString := func(name string, dst *string) {
		if val, ok := lookupEnv(name); ok {
			*dst = val
		}
	}
	envBool := func(name string, dst *bool) {
		if val, ok := lookupEnv(name); ok {
			b, err := strconv.ParseBool(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", envName(name), err))
				return
			}
			*dst = b
		}
	}

	// Manager overrides
	envInt("MANAGER_CONCURRENCY", &cfg.Manager.Concurrency)
	envDuration("MANAGER_RETRY_DELAY", &cfg.Manager.RetryDelay)
	envDuration("MANAGER_RESTART_DELAY", &cfg.Manager.RestartDelay)
	envDuration("MANAGER_STOP_TIMEOUT", &cfg.Manager.StopTimeout)
	envDuration("MANAGER_SHUTDOWN_TIMEOUT", &cfg.Manager.ShutdownTimeout)
	envInt("MANAGER_MAX_SPAWN_ATTEMPTS", &cfg.Manager.MaxSpawnAttempts)

	// Worker overrides
	envString("WORKER_COMMAND", &cfg.Worker.Command)
	envDuration("WORKER_STARTUP_GRACE", &cfg.Worker.StartupGrace)

	// SSH overrides only apply to a configured transport
	if cfg.SSH != nil {
		envString("SSH_HOST", &cfg.SSH.Host)
		envString("SSH_USER", &cfg.SSH.User)
		envString("SSH_IDENTITY_FILE", &cfg.SSH.IdentityFile)
	}

	envString("STATE_DIR", &cfg.State.Dir)
	envString("LOGGING_LEVEL", &cfg.Logging.Level)
	envString("LOGGING_FORMAT", &cfg.Logging.Format)
	envBool("LOGGING_ADD_SOURCE", &cfg.Logging.AddSource)
	envString("ADMIN_LISTEN", &cfg.Admin.Listen)
	envString("ENDPOINTS_FILE", &cfg.EndpointsFile)
	envBool("WATCH_ENDPOINTS_FILE", &cfg.WatchFile)

	return errors.Join(errs...)
}

func envName(name string) string {
	return EnvPrefix + "_" + name
}

func lookupEnv(name string) (string, bool) {
	val, ok := os.LookupEnv(envName(name))
	if !ok || val == "" {
		return "", false
	}
	return val, true
}
