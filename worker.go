package proxyrotate

import (
	"context"
	"net"
	"net/url"
	"strconv"
)

// Launcher starts worker processes. Implementations decide how the worker is
// invoked (locally, through a remote shell, in tests as a fake).
type Launcher interface {
	// Launch starts a worker for spec and returns once the worker reports
	// alive or has failed. A nil Worker is returned with every error.
	Launch(ctx context.Context, spec WorkerSpec) (Worker, error)
}

// Worker is a handle on one started worker process.
type Worker interface {
	// PID returns the process id, 0 when unknown
	PID() int
	// Alive reports whether the process is still running
	Alive() bool
	// Stop sends the cooperative terminate signal
	Stop() error
	// Kill forcibly terminates the process
	Kill() error
	// Done is closed exactly once, when the process has exited
	Done() <-chan struct{}
	// Exit returns the exit result; only valid after Done is closed
	Exit() ExitResult
}

// ExitResult describes how a worker finished
type ExitResult struct {
	// Code is the process exit code, -1 when killed by a signal
	Code int
	// Err is the wait error, if any
	Err error
	// Output is the trailing combined output of the process
	Output string
}

// WorkerSpec is everything a launcher needs to start one worker
type WorkerSpec struct {
	InstanceID string
	User       string
	Password   string
	ListenHost string
	ListenPort int
	// Upstreams holds the one exclusive endpoint, or the whole pool under
	// the shared policy
	Upstreams      []Endpoint
	IPAllowList    []string
	AllowListFile  string
	MaxConnections int
	LogFile        string
}

// Auth reports whether the worker should require authentication
func (s WorkerSpec) Auth() bool {
	return s.Password != ""
}

// ListenAddress returns the host:port the worker binds
func (s WorkerSpec) ListenAddress() string {
	return net.JoinHostPort(s.ListenHost, strconv.Itoa(s.ListenPort))
}

// ListenURL returns the listener as a URL carrying the credentials, in the
// form proxy workers such as gost take for their -L flag
func (s WorkerSpec) ListenURL() string {
	u := url.URL{Scheme: kindHTTPStr, Host: s.ListenAddress()}
	if s.Auth() {
		u.User = url.UserPassword(s.User, s.Password)
	}
	return u.String()
}
