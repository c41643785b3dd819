package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := flags.load(cmd)
			if err != nil {
				return err
			}

			endpoints, err := cfg.LoadEndpoints()
			if err != nil {
				return err
			}
			if _, err := cfg.Launcher(); err != nil {
				return err
			}

			instances, err := cfg.InstanceConfigs()
			if err != nil {
				return err
			}
			ports := 0
			for _, ic := range instances {
				if !ic.Disabled {
					ports += len(ic.ListenPorts)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "configuration valid: %d endpoints, %d instances\n", len(endpoints), ports)
			return nil
		},
	}
}
