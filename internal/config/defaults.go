package config

import (
	"github.com/axondata/go-proxyrotate"
)

// ApplyDefaults fills unset fields with the library defaults
func ApplyDefaults(cfg *Config) {
	if cfg.Manager.Concurrency == 0 {
		cfg.Manager.Concurrency = proxyrotate.DefaultConcurrency
	}
	if cfg.Manager.RetryDelay == 0 {
		cfg.Manager.RetryDelay = Duration(proxyrotate.DefaultRetryDelay)
	}
	if cfg.Manager.RestartDelay == 0 {
		cfg.Manager.RestartDelay = Duration(proxyrotate.DefaultRestartDelay)
	}
	if cfg.Manager.StopTimeout == 0 {
		cfg.Manager.StopTimeout = Duration(proxyrotate.DefaultStopTimeout)
	}
	if cfg.Manager.ShutdownTimeout == 0 {
		cfg.Manager.ShutdownTimeout = Duration(proxyrotate.DefaultShutdownTimeout)
	}

	if cfg.Worker.StartupGrace == 0 {
		cfg.Worker.StartupGrace = Duration(proxyrotate.DefaultStartupGrace)
	}
	if cfg.Worker.OutputLimit == 0 {
		cfg.Worker.OutputLimit = proxyrotate.DefaultOutputLimit
	}

	if cfg.SSH != nil && cfg.SSH.ConnectTimeout == 0 {
		cfg.SSH.ConnectTimeout = 5
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}
