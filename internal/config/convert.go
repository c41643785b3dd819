package config

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/axondata/go-proxyrotate"
)

// LoadEndpoints returns the inline endpoints followed by those read from
// EndpointsFile
func (c *Config) LoadEndpoints() ([]proxyrotate.Endpoint, error) {
	eps, err := c.inlineEndpoints()
	if err != nil {
		return nil, err
	}

	if c.EndpointsFile != "" {
		fromFile, err := LoadEndpointsFile(c.EndpointsFile)
		if err != nil {
			return nil, err
		}
		eps = append(eps, fromFile...)
	}

	return eps, nil
}

func (c *Config) inlineEndpoints() ([]proxyrotate.Endpoint, error) {
	eps := make([]proxyrotate.Endpoint, 0, len(c.Endpoints))
	var errs []error

	for i, ec := range c.Endpoints {
		kind, err := proxyrotate.ParseEndpointKind(ec.Kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("endpoints[%d]: %w", i, err))
			continue
		}
		eps = append(eps, proxyrotate.Endpoint{
			ID:       ec.ID,
			Host:     ec.Host,
			Port:     ec.Port,
			Kind:     kind,
			Username: ec.Username,
			Password: ec.Password,
		})
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return eps, nil
}

// InstanceConfigs converts the instance entries into core configs
func (c *Config) InstanceConfigs() ([]proxyrotate.InstanceConfig, error) {
	out := make([]proxyrotate.InstanceConfig, 0, len(c.Instances))
	var errs []error

	for i, ic := range c.Instances {
		policy, err := proxyrotate.ParsePolicy(ic.Policy)
		if err != nil {
			errs = append(errs, fmt.Errorf("instances[%d]: %w", i, err))
			continue
		}

		cfg := proxyrotate.InstanceConfig{
			User:             ic.User,
			Password:         ic.Password,
			ListenHost:       ic.ListenHost,
			ListenPorts:      append([]int(nil), ic.ListenPort...),
			RotationInterval: ic.RotationInterval.D(),
			RotationSchedule: ic.RotationSchedule,
			Policy:           policy,
			Disabled:         ic.Disabled,
			IPAllowList:      append([]string(nil), ic.IPAllowList...),
			MaxConnections:   ic.MaxConnections,
		}
		if ic.Expiry != nil {
			cfg.Expiry = *ic.Expiry
		}
		out = append(out, cfg)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// ManagerOptions returns the manager options the configuration implies.
// The state directory is created when configured.
func (c *Config) ManagerOptions(log *slog.Logger) ([]proxyrotate.ManagerOption, error) {
	opts := []proxyrotate.ManagerOption{
		proxyrotate.WithConcurrency(c.Manager.Concurrency),
		proxyrotate.WithRetryDelay(c.Manager.RetryDelay.D()),
		proxyrotate.WithRestartDelay(c.Manager.RestartDelay.D()),
		proxyrotate.WithStopTimeout(c.Manager.StopTimeout.D()),
		proxyrotate.WithShutdownTimeout(c.Manager.ShutdownTimeout.D()),
		proxyrotate.WithMaxSpawnAttempts(c.Manager.MaxSpawnAttempts),
	}

	if log != nil {
		opts = append(opts, proxyrotate.WithLogger(log))
	}

	if c.State.Dir != "" {
		dir, err := proxyrotate.NewStateDir(c.State.Dir)
		if err != nil {
			return nil, err
		}
		opts = append(opts, proxyrotate.WithStateDir(dir))
	}

	return opts, nil
}

// Launcher builds the process launcher for the worker section
func (c *Config) Launcher() (*proxyrotate.ExecLauncher, error) {
	cb, err := proxyrotate.NewCommandBuilder(c.Worker.Command)
	if err != nil {
		return nil, err
	}

	if ch := c.Worker.Chpst; ch != nil {
		cb.WithChpst(func(b *proxyrotate.ChpstBuilder) {
			b.User = ch.User
			b.Group = ch.Group
			b.Nice = ch.Nice
			b.LimitMem = ch.LimitMem
			b.LimitFiles = ch.LimitFiles
			b.LimitProcs = ch.LimitProcs
		})
		if ch.Path != "" {
			cb.WithChpstPath(ch.Path)
		}
	}

	l := proxyrotate.NewExecLauncher(cb)
	l.StartupGrace = c.Worker.StartupGrace.D()
	l.OutputLimit = c.Worker.OutputLimit
	l.Env = c.Worker.Env
	l.Dir = c.Worker.Dir

	if s := c.SSH; s != nil {
		t := proxyrotate.NewSSHTransport(s.Host)
		if s.Path != "" {
			t.Path = s.Path
		}
		t.Port = s.Port
		t.User = s.User
		t.IdentityFile = s.IdentityFile
		t.KnownHostsFile = s.KnownHostsFile
		t.StrictHostKeyCheck = !s.Insecure
		t.ConnectTimeout = s.ConnectTimeout
		t.Options = s.Options
		l.Transport = t
	}

	return l, nil
}
