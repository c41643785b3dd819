package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and then the semantic rules the core
// applies to instance configs
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fieldErrors(verrs)
		}
		return err
	}

	var errs []error

	if _, err := cfg.inlineEndpoints(); err != nil {
		errs = append(errs, err)
	}

	instances, err := cfg.InstanceConfigs()
	if err != nil {
		errs = append(errs, err)
	}

	seen := make(map[string]bool)
	for _, ic := range instances {
		if err := ic.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if ic.Disabled {
			continue
		}
		for _, single := range ic.Expand() {
			id := single.ID()
			if seen[id] {
				errs = append(errs, fmt.Errorf("duplicate instance %s", id))
			}
			seen[id] = true
		}
	}

	if cfg.WatchFile && cfg.EndpointsFile == "" {
		errs = append(errs, errors.New("watch_endpoints_file requires endpoints_file"))
	}

	return errors.Join(errs...)
}

func fieldErrors(verrs validator.ValidationErrors) error {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
