// Command proxyrotate supervises a fleet of forward-proxy workers and
// rotates their upstream endpoints.
//
// Usage:
//
//	# Start the supervisor
//	proxyrotate run --config /etc/proxyrotate/config.yaml
//
//	# Check a configuration file
//	proxyrotate validate --config config.toml
//
//	# Show version information
//	proxyrotate version
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
