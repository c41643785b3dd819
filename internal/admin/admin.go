// Package admin serves a read-mostly HTTP API over a running ProxyManager.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/axondata/go-proxyrotate"
)

// Manager is the part of *proxyrotate.ProxyManager the API uses
type Manager interface {
	Instances() []proxyrotate.InstanceInfo
	Instance(id string) (proxyrotate.InstanceInfo, error)
	StopInstance(ctx context.Context, id string) error
	AddEndpoint(ep proxyrotate.Endpoint) (proxyrotate.Endpoint, bool)
	Pool() *proxyrotate.EndpointPool
}

// Health is the /healthz body
type Health struct {
	Status    string `json:"status"`
	Instances int    `json:"instances"`
	Running   int    `json:"running"`
	Endpoints int    `json:"endpoints"`
	Occupied  int    `json:"occupied"`
}

// AddEndpointRequest is the POST /endpoints body
type AddEndpointRequest struct {
	ID       string `json:"id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Kind     string `json:"kind"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type errorBody struct {
	Error string `json:"error"`
}

type handler struct {
	mgr Manager
	log *slog.Logger
}

// NewRouter returns the API routes. metrics, when non-nil, is mounted at
// /metrics.
func NewRouter(mgr Manager, metrics http.Handler, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &handler{mgr: mgr, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)

	r.Route("/instances", func(r chi.Router) {
		r.Get("/", h.listInstances)
		r.Get("/{id}", h.getInstance)
		r.Post("/{id}/stop", h.stopInstance)
	})

	r.Route("/endpoints", func(r chi.Router) {
		r.Get("/", h.listEndpoints)
		r.Post("/", h.addEndpoint)
	})

	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	infos := h.mgr.Instances()
	total, occupied := h.mgr.Pool().Stats()

	body := Health{
		Status:    "ok",
		Instances: len(infos),
		Endpoints: total,
		Occupied:  occupied,
	}
	for _, info := range infos {
		if info.Status == proxyrotate.StatusRunning {
			body.Running++
		}
	}
	if body.Running < body.Instances {
		body.Status = "degraded"
	}

	writeJSON(w, http.StatusOK, body)
}

func (h *handler) listInstances(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.mgr.Instances())
}

func (h *handler) getInstance(w http.ResponseWriter, r *http.Request) {
	info, err := h.mgr.Instance(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handler) stopInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.mgr.StopInstance(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Info("instance stopped via admin API", "instance", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) listEndpoints(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.mgr.Pool().Endpoints())
}

func (h *handler) addEndpoint(w http.ResponseWriter, r *http.Request) {
	var req AddEndpointRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}

	kind, err := proxyrotate.ParseEndpointKind(req.Kind)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if req.Host == "" || req.Port < 1 || req.Port > 65535 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "host and a valid port are required"})
		return
	}

	ep, added := h.mgr.AddEndpoint(proxyrotate.Endpoint{
		ID:       req.ID,
		Host:     req.Host,
		Port:     req.Port,
		Kind:     kind,
		Username: req.Username,
		Password: req.Password,
	})

	status := http.StatusOK
	if added {
		status = http.StatusCreated
		h.log.Info("endpoint added via admin API", "endpoint", ep.ID, "address", ep.Address())
	}
	writeJSON(w, status, ep)
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, proxyrotate.ErrUnknownInstance):
		status = http.StatusNotFound
	case errors.Is(err, proxyrotate.ErrStopTimeout), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		h.log.Error("admin request failed", "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Server runs the API until its context ends
type Server struct {
	srv *http.Server
	log *slog.Logger
}

// NewServer binds nothing yet; Run listens on addr
func NewServer(addr string, handler http.Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       time.Minute,
		},
		log: log,
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errC := make(chan error, 1)
	go func() {
		s.log.Info("admin API listening", "addr", ln.Addr().String())
		errC <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errC:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errC; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
