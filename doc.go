// Package proxyrotate supervises a fleet of forward-proxy worker processes.
// Each worker listens on one port and is routed through an upstream
// endpoint taken from a shared pool; the binding rotates on a timer and is
// re-established after a crash.
//
// The central type is ProxyManager, which owns an EndpointPool and one
// supervisor per listen port:
//
//	cmd, err := proxyrotate.NewCommandBuilder("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	mgr, err := proxyrotate.NewManager(endpoints, configs,
//	    proxyrotate.NewExecLauncher(cmd),
//	    proxyrotate.WithRetryDelay(2*time.Second),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := mgr.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Shutdown(context.Background())
//
// # Allocation policies
//
// An instance with rotation enabled holds one endpoint exclusively; the
// pool never hands that endpoint to anyone else until it is released, and
// a rotation never re-selects the endpoint it just gave up. An instance
// without rotation is given the whole pool and balances across it itself.
// InstanceConfig.Policy overrides either choice.
//
// # Lifecycle
//
// Supervisors move through Spawning, Running, Rotating, Stopping and
// Stopped. A worker exit observed while Running is a crash: the endpoint
// is released and a respawn is scheduled after RestartDelay. Exits during
// Rotating or Stopping are expected and never trigger a restart. Spawns
// that fail, including for lack of a free endpoint, are retried after
// RetryDelay.
//
// Shutdown stops every instance concurrently, escalating to a kill after
// StopTimeout, and is itself bounded so the process can always exit.
//
// # Collaborators
//
// Workers are started through the Launcher interface. ExecLauncher runs a
// command rendered by CommandBuilder, optionally through SSHTransport on a
// remote host. StateDir keeps PID records and allow-lists so that a
// restarted manager can terminate workers left over from a previous run.
// Metrics exposes Prometheus counters and gauges.
package proxyrotate
