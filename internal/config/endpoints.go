package config

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"

	"github.com/axondata/go-proxyrotate"
)

// DefaultReloadDebounce coalesces bursts of file events into one reload
const DefaultReloadDebounce = 100 * time.Millisecond

// ParseEndpoint parses one endpoint line. Accepted forms are
// kind://[user:pass@]host:port, host:port and host:port:user:pass.
func ParseEndpoint(line string) (proxyrotate.Endpoint, error) {
	line = strings.TrimSpace(line)

	if strings.Contains(line, "://") {
		u, err := url.Parse(line)
		if err != nil {
			return proxyrotate.Endpoint{}, err
		}
		kind, err := proxyrotate.ParseEndpointKind(u.Scheme)
		if err != nil {
			return proxyrotate.Endpoint{}, err
		}
		ep, err := hostPort(u.Hostname(), u.Port())
		if err != nil {
			return proxyrotate.Endpoint{}, err
		}
		ep.Kind = kind
		if u.User != nil {
			ep.Username = u.User.Username()
			ep.Password, _ = u.User.Password()
		}
		return ep, nil
	}

	parts := strings.Split(line, ":")
	if strings.HasPrefix(line, "[") {
		parts = nil
	}
	switch len(parts) {
	case 2, 4:
		ep, err := hostPort(parts[0], parts[1])
		if err != nil {
			return proxyrotate.Endpoint{}, err
		}
		ep.Kind = proxyrotate.KindHTTP
		if len(parts) == 4 {
			ep.Username, ep.Password = parts[2], parts[3]
		}
		return ep, nil
	default:
		// Bracketed IPv6 literal
		host, port, err := net.SplitHostPort(line)
		if err != nil {
			return proxyrotate.Endpoint{}, fmt.Errorf("unrecognized endpoint %q", line)
		}
		ep, err := hostPort(host, port)
		if err != nil {
			return proxyrotate.Endpoint{}, err
		}
		ep.Kind = proxyrotate.KindHTTP
		return ep, nil
	}
}

func hostPort(host, port string) (proxyrotate.Endpoint, error) {
	if host == "" {
		return proxyrotate.Endpoint{}, errors.New("missing host")
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return proxyrotate.Endpoint{}, fmt.Errorf("invalid port %q", port)
	}
	return proxyrotate.Endpoint{Host: host, Port: n}, nil
}

// ParseEndpoints reads one endpoint per line, skipping blanks and
// #-comments
func ParseEndpoints(data []byte) ([]proxyrotate.Endpoint, error) {
	var eps []proxyrotate.Endpoint
	var errs []error

	sc := bufio.NewScanner(bytes.NewReader(data))
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ep, err := ParseEndpoint(line)
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", n, err))
			continue
		}
		eps = append(eps, ep)
	}
	if err := sc.Err(); err != nil {
		errs = append(errs, err)
	}

	return eps, errors.Join(errs...)
}

// LoadEndpointsFile reads an endpoint list file
func LoadEndpointsFile(path string) ([]proxyrotate.Endpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read endpoints file %q: %w", path, err)
	}
	eps, err := ParseEndpoints(data)
	if err != nil {
		return nil, fmt.Errorf("endpoints file %q: %w", path, err)
	}
	return eps, nil
}

// EndpointAdder receives endpoints discovered by WatchEndpoints
type EndpointAdder interface {
	AddEndpoint(proxyrotate.Endpoint) (proxyrotate.Endpoint, bool)
}

// WatchEndpoints reloads path whenever it changes and adds new endpoints
// to dst. Endpoints removed from the file stay in the pool. The returned
// function stops the watcher.
func WatchEndpoints(ctx context.Context, path string, dst EndpointAdder, log *slog.Logger) (func() error, error) {
	if log == nil {
		log = slog.Default()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	// Editors replace files by rename, so watch the directory
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() {
		_ = watcher.Close()
	})

	log = log.With("file", abs)

	reload := func() {
		if sctx.IsStopping() {
			return
		}
		eps, err := LoadEndpointsFile(abs)
		if err != nil {
			log.Warn("endpoint reload failed", "error", err)
			return
		}
		added := 0
		for _, ep := range eps {
			if _, ok := dst.AddEndpoint(ep); ok {
				added++
			}
		}
		if added > 0 {
			log.Info("endpoints added", "count", added)
		}
	}

	var mu sync.Mutex
	var debouncer *time.Timer

	sctx.Go(func(sctx *stopper.Context) error {
		sctx.Defer(func() {
			mu.Lock()
			if debouncer != nil {
				debouncer.Stop()
			}
			mu.Unlock()
		})

		for {
			select {
			case <-sctx.Stopping():
				return nil

			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if event.Name != abs || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				mu.Lock()
				if debouncer != nil {
					debouncer.Stop()
				}
				debouncer = time.AfterFunc(DefaultReloadDebounce, reload)
				mu.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				log.Warn("endpoint watcher error", "error", err)
			}
		}
	})

	stop := func() error {
		sctx.Stop(100 * time.Millisecond)
		return sctx.Wait()
	}
	return stop, nil
}
