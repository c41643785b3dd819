package proxyrotate

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// EndpointKind represents the protocol spoken by an upstream endpoint
type EndpointKind int

const (
	// KindUnknown represents an unrecognized protocol
	KindUnknown EndpointKind = iota
	// KindHTTP represents a plain HTTP CONNECT proxy
	KindHTTP
	// KindHTTPS represents an HTTP proxy reached over TLS
	KindHTTPS
	// KindSOCKS5 represents a SOCKS5 proxy
	KindSOCKS5
)

// EndpointKind string constants
const (
	kindUnknownStr = "unknown"
	kindHTTPStr    = "http"
	kindHTTPSStr   = "https"
	kindSOCKS5Str  = "socks5"
)

// String returns the string representation of EndpointKind
func (k EndpointKind) String() string {
	switch k {
	case KindHTTP:
		return kindHTTPStr
	case KindHTTPS:
		return kindHTTPSStr
	case KindSOCKS5:
		return kindSOCKS5Str
	case KindUnknown:
		fallthrough
	default:
		return kindUnknownStr
	}
}

// MarshalText renders the kind name in JSON snapshots
func (k EndpointKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText accepts the names ParseEndpointKind accepts
func (k *EndpointKind) UnmarshalText(text []byte) error {
	kind, err := ParseEndpointKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// ParseEndpointKind converts a configuration value into an EndpointKind.
// An empty string selects KindHTTP.
func ParseEndpointKind(s string) (EndpointKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", kindHTTPStr:
		return KindHTTP, nil
	case kindHTTPSStr:
		return KindHTTPS, nil
	case "socks", kindSOCKS5Str:
		return KindSOCKS5, nil
	default:
		return KindUnknown, fmt.Errorf("unsupported endpoint kind: %q", s)
	}
}

// Endpoint is an upstream proxy from the configured pool.
//
// Occupied and Holder are filled in by the pool on snapshots; changing them on
// a copy has no effect on the pool.
type Endpoint struct {
	// ID uniquely identifies the endpoint inside the pool
	ID string `json:"id"`
	// Host is the upstream host name or address
	Host string `json:"host"`
	// Port is the upstream port
	Port int `json:"port"`
	// Kind is the upstream protocol
	Kind EndpointKind `json:"kind"`
	// Username is the optional upstream credential
	Username string `json:"-"`
	// Password is the optional upstream credential
	Password string `json:"-"`
	// Occupied reports whether an instance currently holds the endpoint
	Occupied bool `json:"occupied"`
	// Holder is the instance id holding the endpoint, if any
	Holder string `json:"holder,omitempty"`
}

// Address returns host:port
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL returns the endpoint as a proxy URL including credentials
func (e Endpoint) URL() string {
	u := url.URL{Scheme: e.Kind.String(), Host: e.Address()}
	if e.Kind == KindUnknown {
		u.Scheme = kindHTTPStr
	}
	if e.Username != "" {
		u.User = url.UserPassword(e.Username, e.Password)
	}
	return u.String()
}

// String returns a credential-free description for logs
func (e Endpoint) String() string {
	return fmt.Sprintf("%s://%s", e.Kind, e.Address())
}

// sameTarget reports whether two endpoints point at the same host and port
func (e Endpoint) sameTarget(o Endpoint) bool {
	return strings.EqualFold(e.Host, o.Host) && e.Port == o.Port
}
