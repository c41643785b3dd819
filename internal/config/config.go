// Package config loads the proxyrotate daemon configuration from YAML or
// TOML files and converts it into core types.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "PROXYROTATE"

// Config is the daemon configuration file
type Config struct {
	Manager   ManagerConfig    `yaml:"manager" toml:"manager"`
	Worker    WorkerConfig     `yaml:"worker" toml:"worker"`
	SSH       *SSHConfig       `yaml:"ssh" toml:"ssh"`
	State     StateConfig      `yaml:"state" toml:"state"`
	Logging   LoggingConfig    `yaml:"logging" toml:"logging"`
	Admin     AdminConfig      `yaml:"admin" toml:"admin"`
	Endpoints []EndpointConfig `yaml:"endpoints" toml:"endpoints" validate:"dive"`
	// EndpointsFile lists additional endpoints one per line
	EndpointsFile string           `yaml:"endpoints_file" toml:"endpoints_file"`
	WatchFile     bool             `yaml:"watch_endpoints_file" toml:"watch_endpoints_file"`
	Instances     []InstanceConfig `yaml:"instances" toml:"instances" validate:"dive"`
}

// ManagerConfig tunes the supervisor timings
type ManagerConfig struct {
	Concurrency      int      `yaml:"concurrency" toml:"concurrency" validate:"gte=0"`
	RetryDelay       Duration `yaml:"retry_delay" toml:"retry_delay" validate:"gte=0"`
	RestartDelay     Duration `yaml:"restart_delay" toml:"restart_delay" validate:"gte=0"`
	StopTimeout      Duration `yaml:"stop_timeout" toml:"stop_timeout" validate:"gte=0"`
	ShutdownTimeout  Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" validate:"gte=0"`
	MaxSpawnAttempts int      `yaml:"max_spawn_attempts" toml:"max_spawn_attempts" validate:"gte=0"`
}

// WorkerConfig describes how worker processes are started
type WorkerConfig struct {
	// Command is a command line template; empty selects the gost default
	Command      string       `yaml:"command" toml:"command"`
	StartupGrace Duration     `yaml:"startup_grace" toml:"startup_grace" validate:"gte=0"`
	OutputLimit  int          `yaml:"output_limit" toml:"output_limit" validate:"gte=0"`
	Env          []string     `yaml:"env" toml:"env"`
	Dir          string       `yaml:"dir" toml:"dir"`
	Chpst        *ChpstConfig `yaml:"chpst" toml:"chpst"`
}

// ChpstConfig runs workers under chpst
type ChpstConfig struct {
	Path       string `yaml:"path" toml:"path"`
	User       string `yaml:"user" toml:"user"`
	Group      string `yaml:"group" toml:"group"`
	Nice       int    `yaml:"nice" toml:"nice"`
	LimitMem   int64  `yaml:"limit_mem" toml:"limit_mem" validate:"gte=0"`
	LimitFiles int    `yaml:"limit_files" toml:"limit_files" validate:"gte=0"`
	LimitProcs int    `yaml:"limit_procs" toml:"limit_procs" validate:"gte=0"`
}

// SSHConfig dispatches workers to a remote host
type SSHConfig struct {
	Path           string   `yaml:"path" toml:"path"`
	Host           string   `yaml:"host" toml:"host" validate:"required"`
	Port           int      `yaml:"port" toml:"port" validate:"omitempty,min=1,max=65535"`
	User           string   `yaml:"user" toml:"user"`
	IdentityFile   string   `yaml:"identity_file" toml:"identity_file"`
	KnownHostsFile string   `yaml:"known_hosts_file" toml:"known_hosts_file"`
	Insecure       bool     `yaml:"insecure" toml:"insecure"`
	ConnectTimeout int      `yaml:"connect_timeout" toml:"connect_timeout" validate:"gte=0"`
	Options        []string `yaml:"options" toml:"options"`
}

// StateConfig locates the crash-recovery state directory
type StateConfig struct {
	// Dir holds PID records and allow-lists; empty disables them
	Dir string `yaml:"dir" toml:"dir"`
}

// LoggingConfig selects the daemon log output
type LoggingConfig struct {
	Level     string `yaml:"level" toml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format    string `yaml:"format" toml:"format" validate:"omitempty,oneof=text json"`
	AddSource bool   `yaml:"add_source" toml:"add_source"`
}

// AdminConfig enables the admin HTTP API
type AdminConfig struct {
	// Listen is the bind address; empty disables the API
	Listen string `yaml:"listen" toml:"listen" validate:"omitempty,hostname_port"`
}

// EndpointConfig is one upstream proxy
type EndpointConfig struct {
	ID       string `yaml:"id" toml:"id"`
	Host     string `yaml:"host" toml:"host" validate:"required"`
	Port     int    `yaml:"port" toml:"port" validate:"required,min=1,max=65535"`
	Kind     string `yaml:"kind" toml:"kind" validate:"omitempty,oneof=http https socks socks5"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
}

// InstanceConfig is one desired listener, possibly on several ports
type InstanceConfig struct {
	User             string     `yaml:"user" toml:"user" validate:"required"`
	Password         string     `yaml:"password" toml:"password"`
	ListenHost       string     `yaml:"listen_host" toml:"listen_host"`
	ListenPort       Ports      `yaml:"listen_port" toml:"listen_port" validate:"required,min=1,dive,min=1,max=65535"`
	RotationInterval Duration   `yaml:"rotation_interval" toml:"rotation_interval" validate:"gte=0"`
	RotationSchedule string     `yaml:"rotation_schedule" toml:"rotation_schedule"`
	Policy           string     `yaml:"policy" toml:"policy" validate:"omitempty,oneof=auto exclusive shared"`
	Disabled         bool       `yaml:"disabled" toml:"disabled"`
	IPAllowList      []string   `yaml:"ip_allow_list" toml:"ip_allow_list" validate:"dive,ip|cidr"`
	MaxConnections   int        `yaml:"max_connections" toml:"max_connections" validate:"gte=0"`
	Expiry           *time.Time `yaml:"expiry" toml:"expiry"`
}

// Duration accepts either a Go duration string such as "5m" or a plain
// number of seconds
type Duration time.Duration

// D returns the value as a time.Duration
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// ParseDuration parses "90s", "5m" or "300"
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Duration(time.Duration(n) * time.Second), nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return Duration(v), nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	v, err := ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = v
	return nil
}

// UnmarshalTOML implements toml.Unmarshaler
func (d *Duration) UnmarshalTOML(data any) error {
	switch v := data.(type) {
	case int64:
		*d = Duration(time.Duration(v) * time.Second)
		return nil
	case float64:
		*d = Duration(v * float64(time.Second))
		return nil
	case string:
		p, err := ParseDuration(v)
		if err != nil {
			return err
		}
		*d = p
		return nil
	default:
		return fmt.Errorf("unsupported duration value %v", data)
	}
}

// MarshalYAML renders the duration as a string
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Ports is a listen port list that also accepts a single scalar port
type Ports []int

// UnmarshalYAML implements yaml.Unmarshaler
func (p *Ports) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var port int
		if err := node.Decode(&port); err != nil {
			return err
		}
		*p = Ports{port}
		return nil
	case yaml.SequenceNode:
		var ports []int
		if err := node.Decode(&ports); err != nil {
			return err
		}
		*p = ports
		return nil
	default:
		return fmt.Errorf("line %d: listen_port must be a port or a list of ports", node.Line)
	}
}

// UnmarshalTOML implements toml.Unmarshaler
func (p *Ports) UnmarshalTOML(data any) error {
	switch v := data.(type) {
	case int64:
		*p = Ports{int(v)}
		return nil
	case []any:
		ports := make(Ports, 0, len(v))
		for _, item := range v {
			n, ok := item.(int64)
			if !ok {
				return fmt.Errorf("listen_port entry %v is not an integer", item)
			}
			ports = append(ports, int(n))
		}
		*p = ports
		return nil
	default:
		return errors.New("listen_port must be a port or a list of ports")
	}
}
