package proxyrotate

import (
	"fmt"
	"strconv"

	shellquote "github.com/kballard/go-shellquote"
)

// DefaultSSHPath is the ssh client used by SSHTransport
const DefaultSSHPath = "ssh"

// Transport rewrites a worker argv so it runs somewhere other than the
// local host. The lifecycle contract of the worker does not change.
type Transport interface {
	Wrap(argv []string) []string
}

// SSHTransport runs workers on a remote host through the ssh client
type SSHTransport struct {
	// Path is the ssh binary
	Path string
	// Host is the remote host
	Host string
	// Port is the remote ssh port, 0 for the client default
	Port int
	// User is the remote login, empty for the client default
	User string
	// IdentityFile is an optional private key
	IdentityFile string
	// KnownHostsFile overrides the known hosts file
	KnownHostsFile string
	// StrictHostKeyCheck enables host key verification
	StrictHostKeyCheck bool
	// ConnectTimeout is in seconds, 0 for the client default
	ConnectTimeout int
	// Options are extra -o settings
	Options []string
}

// NewSSHTransport returns a transport for host with batch-safe defaults
func NewSSHTransport(host string) *SSHTransport {
	return &SSHTransport{
		Path:               DefaultSSHPath,
		Host:               host,
		StrictHostKeyCheck: true,
		ConnectTimeout:     5,
	}
}

// BaseArgs returns the ssh options without the destination
func (t *SSHTransport) BaseArgs() []string {
	args := []string{"-o", "BatchMode=yes"}

	if t.Port > 0 {
		args = append(args, "-p", strconv.Itoa(t.Port))
	}

	if t.IdentityFile != "" {
		args = append(args, "-i", t.IdentityFile)
	}

	if !t.StrictHostKeyCheck {
		args = append(args, "-o", "StrictHostKeyChecking=no")
	}

	if t.KnownHostsFile != "" {
		args = append(args, "-o", fmt.Sprintf("UserKnownHostsFile=%s", t.KnownHostsFile))
	}

	if t.ConnectTimeout > 0 {
		args = append(args, "-o", fmt.Sprintf("ConnectTimeout=%d", t.ConnectTimeout))
	}

	for _, opt := range t.Options {
		args = append(args, "-o", opt)
	}

	// A forced tty makes the remote worker receive SIGHUP when ssh exits
	args = append(args, "-tt")

	return args
}

// Destination returns [user@]host
func (t *SSHTransport) Destination() string {
	if t.User == "" {
		return t.Host
	}
	return t.User + "@" + t.Host
}

// Wrap returns the ssh invocation that runs argv remotely
func (t *SSHTransport) Wrap(argv []string) []string {
	path := t.Path
	if path == "" {
		path = DefaultSSHPath
	}

	base := t.BaseArgs()
	out := make([]string, 0, len(base)+4)
	out = append(out, path)
	out = append(out, base...)
	out = append(out, t.Destination(), "--", shellquote.Join(argv...))
	return out
}
