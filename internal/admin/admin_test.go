package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axondata/go-proxyrotate"
)

var _ Manager = (*proxyrotate.ProxyManager)(nil)

type fakeManager struct {
	pool      *proxyrotate.EndpointPool
	instances []proxyrotate.InstanceInfo
	stopped   []string
	stopErr   error
}

func (f *fakeManager) Instances() []proxyrotate.InstanceInfo { return f.instances }

func (f *fakeManager) Instance(id string) (proxyrotate.InstanceInfo, error) {
	for _, info := range f.instances {
		if info.ID == id {
			return info, nil
		}
	}
	return proxyrotate.InstanceInfo{}, &proxyrotate.OpError{Op: proxyrotate.OpStop, ID: id, Err: proxyrotate.ErrUnknownInstance}
}

func (f *fakeManager) StopInstance(_ context.Context, id string) error {
	if _, err := f.Instance(id); err != nil {
		return err
	}
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeManager) AddEndpoint(ep proxyrotate.Endpoint) (proxyrotate.Endpoint, bool) {
	return f.pool.Add(ep)
}

func (f *fakeManager) Pool() *proxyrotate.EndpointPool { return f.pool }

func newFake(t *testing.T) *fakeManager {
	t.Helper()

	pool := proxyrotate.NewEndpointPool([]proxyrotate.Endpoint{
		{ID: "e1", Host: "h1", Port: 1, Kind: proxyrotate.KindHTTP, Password: "hidden"},
		{ID: "e2", Host: "h2", Port: 2, Kind: proxyrotate.KindSOCKS5},
	})
	ep, err := pool.Acquire("u-3000", "")
	require.NoError(t, err)

	return &fakeManager{
		pool: pool,
		instances: []proxyrotate.InstanceInfo{
			{ID: "u-3000", User: "u", ListenPort: 3000, Status: proxyrotate.StatusRunning, Endpoint: &ep},
			{ID: "v-3001", User: "v", ListenPort: 3001, Status: proxyrotate.StatusSpawning, RetryPending: true},
		},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, rd))
	return rec
}

func TestHealth(t *testing.T) {
	h := NewRouter(newFake(t), nil, quietLogger())

	rec := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, Health{Status: "degraded", Instances: 2, Running: 1, Endpoints: 2, Occupied: 1}, body)
}

func TestInstances(t *testing.T) {
	h := NewRouter(newFake(t), nil, quietLogger())

	rec := do(t, h, http.MethodGet, "/instances", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "running", list[0]["status"])
	assert.Equal(t, "spawning", list[1]["status"])

	rec = do(t, h, http.MethodGet, "/instances/u-3000", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"holder":"u-3000"`)

	rec = do(t, h, http.MethodGet, "/instances/nobody-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStopInstance(t *testing.T) {
	fake := newFake(t)
	h := NewRouter(fake, nil, quietLogger())

	rec := do(t, h, http.MethodPost, "/instances/u-3000/stop", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"u-3000"}, fake.stopped)

	fake.stopErr = fmt.Errorf("stop: %w", proxyrotate.ErrStopTimeout)
	rec = do(t, h, http.MethodPost, "/instances/u-3000/stop", "")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)

	rec = do(t, h, http.MethodGet, "/instances/u-3000/stop", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestEndpoints(t *testing.T) {
	h := NewRouter(newFake(t), nil, quietLogger())

	rec := do(t, h, http.MethodGet, "/endpoints", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hidden", "credentials never leave the process")

	var eps []proxyrotate.Endpoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &eps))
	require.Len(t, eps, 2)
	assert.True(t, eps[0].Occupied)
	assert.False(t, eps[1].Occupied)
}

func TestAddEndpoint(t *testing.T) {
	fake := newFake(t)
	h := NewRouter(fake, nil, quietLogger())

	rec := do(t, h, http.MethodPost, "/endpoints", `{"host":"h3","port":3,"kind":"socks5"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 3, fake.pool.Len())

	rec = do(t, h, http.MethodPost, "/endpoints", `{"host":"h3","port":3}`)
	assert.Equal(t, http.StatusOK, rec.Code, "duplicates are reported, not added")
	assert.Equal(t, 3, fake.pool.Len())

	for _, body := range []string{`{"host":"h4"}`, `{"host":"h4","port":4,"kind":"ftp"}`, `{"hots":"h4"}`, `not json`} {
		rec = do(t, h, http.MethodPost, "/endpoints", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestMetricsMount(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "proxyrotate_endpoints 2\n")
	})
	h := NewRouter(newFake(t), metrics, quietLogger())

	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "proxyrotate_endpoints 2\n", rec.Body.String())

	rec = do(t, NewRouter(newFake(t), nil, quietLogger()), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerShutsDownWithContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(ln.Addr().String(), NewRouter(newFake(t), nil, quietLogger()), quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errC := make(chan error, 1)
	go func() { errC <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errC:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
