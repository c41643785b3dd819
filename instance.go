package proxyrotate

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Policy selects how an instance is bound to upstream endpoints
type Policy int

const (
	// PolicyAuto resolves to PolicyExclusive when rotation is enabled and to
	// PolicyShared otherwise
	PolicyAuto Policy = iota
	// PolicyExclusive binds the instance to one endpoint it holds alone
	PolicyExclusive
	// PolicyShared hands the worker every endpoint for its own balancing
	PolicyShared
)

// Policy string constants
const (
	policyAutoStr      = "auto"
	policyExclusiveStr = "exclusive"
	policySharedStr    = "shared"
)

// String returns the string representation of a Policy
func (p Policy) String() string {
	switch p {
	case PolicyExclusive:
		return policyExclusiveStr
	case PolicyShared:
		return policySharedStr
	default:
		return policyAutoStr
	}
}

// MarshalText renders the policy name in JSON snapshots
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// ParsePolicy converts a configuration value into a Policy.
// An empty string selects PolicyAuto.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", policyAutoStr:
		return PolicyAuto, nil
	case policyExclusiveStr:
		return PolicyExclusive, nil
	case policySharedStr:
		return PolicyShared, nil
	default:
		return PolicyAuto, fmt.Errorf("unsupported policy: %q", s)
	}
}

// InstanceConfig describes one desired listening instance. A config with
// several ListenPorts expands into one supervised instance per port.
type InstanceConfig struct {
	// User is the identity and logging key; also the proxy auth user
	User string
	// Password enables proxy authentication when non-empty
	Password string
	// ListenHost is the bind address, empty for all interfaces
	ListenHost string
	// ListenPorts are the ports to serve
	ListenPorts []int
	// RotationInterval rotates the upstream endpoint after each interval
	RotationInterval time.Duration
	// RotationSchedule is a standard cron expression used instead of RotationInterval
	RotationSchedule string
	// Policy overrides the allocation mode
	Policy Policy
	// Disabled configs are never spawned
	Disabled bool
	// IPAllowList restricts which clients may connect
	IPAllowList []string
	// MaxConnections limits concurrent client connections, 0 for no limit
	MaxConnections int
	// Expiry stops the config from being spawned once passed
	Expiry time.Time
}

// Clone creates a deep copy of the config
func (c *InstanceConfig) Clone() *InstanceConfig {
	if c == nil {
		return nil
	}

	clone := *c

	if c.ListenPorts != nil {
		clone.ListenPorts = make([]int, len(c.ListenPorts))
		copy(clone.ListenPorts, c.ListenPorts)
	}

	if c.IPAllowList != nil {
		clone.IPAllowList = make([]string, len(c.IPAllowList))
		copy(clone.IPAllowList, c.IPAllowList)
	}

	return &clone
}

// Expand returns one single-port copy of the config per listen port
func (c InstanceConfig) Expand() []InstanceConfig {
	out := make([]InstanceConfig, 0, len(c.ListenPorts))
	for _, port := range c.ListenPorts {
		single := c.Clone()
		single.ListenPorts = []int{port}
		out = append(out, *single)
	}
	return out
}

// ListenPort returns the first listen port, 0 when none is set
func (c InstanceConfig) ListenPort() int {
	if len(c.ListenPorts) == 0 {
		return 0
	}
	return c.ListenPorts[0]
}

// ID returns the instance id of a single-port config
func (c InstanceConfig) ID() string {
	return c.User + "-" + strconv.Itoa(c.ListenPort())
}

// Expired reports whether the config has an expiry that is not after now
func (c InstanceConfig) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && !c.Expiry.After(now)
}

// RotationEnabled reports whether the instance rotates its endpoint
func (c InstanceConfig) RotationEnabled() bool {
	return c.RotationInterval > 0 || c.RotationSchedule != ""
}

// EffectivePolicy resolves PolicyAuto
func (c InstanceConfig) EffectivePolicy() Policy {
	if c.Policy != PolicyAuto {
		return c.Policy
	}
	if c.RotationEnabled() {
		return PolicyExclusive
	}
	return PolicyShared
}

// Validate reports every problem with the config
func (c InstanceConfig) Validate() error {
	var errs []error

	if strings.TrimSpace(c.User) == "" {
		errs = append(errs, errors.New("user is required"))
	}
	if len(c.ListenPorts) == 0 {
		errs = append(errs, errors.New("at least one listen port is required"))
	}
	for _, port := range c.ListenPorts {
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Errorf("listen port %d out of range", port))
		}
	}
	if c.RotationInterval < 0 {
		errs = append(errs, fmt.Errorf("negative rotation interval %s", c.RotationInterval))
	}
	if c.RotationSchedule != "" {
		if _, err := cron.ParseStandard(c.RotationSchedule); err != nil {
			errs = append(errs, fmt.Errorf("rotation schedule %q: %w", c.RotationSchedule, err))
		}
	}
	if c.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("negative max connections %d", c.MaxConnections))
	}
	if c.Policy < PolicyAuto || c.Policy > PolicyShared {
		errs = append(errs, fmt.Errorf("unknown policy %d", c.Policy))
	}
	for _, entry := range c.IPAllowList {
		if net.ParseIP(entry) == nil {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				errs = append(errs, fmt.Errorf("allow-list entry %q is not an address or CIDR", entry))
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	if c.User != "" {
		return fmt.Errorf("instance %s: %w", c.User, errors.Join(errs...))
	}
	return errors.Join(errs...)
}

// rotationSchedule parses RotationSchedule; nil when unset
func (c InstanceConfig) rotationSchedule() (cron.Schedule, error) {
	if c.RotationSchedule == "" {
		return nil, nil
	}
	return cron.ParseStandard(c.RotationSchedule)
}
