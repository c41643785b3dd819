package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/axondata/go-proxyrotate"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			v := proxyrotate.GetVersion()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "proxyrotate %s\n", v.Version)
			fmt.Fprintf(out, "worker:    %s\n", v.Worker)
			fmt.Fprintf(out, "platforms: %s\n", strings.Join(v.Platforms, ", "))
		},
	}
}
