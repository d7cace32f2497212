// Package api serves decoder status, snapshots and events over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"

	"github.com/smazurov/hwdecode/internal/api/models"
	"github.com/smazurov/hwdecode/internal/capture"
	"github.com/smazurov/hwdecode/internal/decoder"
	"github.com/smazurov/hwdecode/internal/events"
	"github.com/smazurov/hwdecode/internal/logging"
	"github.com/smazurov/hwdecode/internal/version"
)

// Pipeline is the read side of a decoder the API reports on.
type Pipeline interface {
	Name() string
	Stats() decoder.Stats
	Err() error
}

// Options configures the server.
type Options struct {
	AuthUsername string
	AuthPassword string
	// Snapshots maps a decoder name to the holder of its latest frame.
	Snapshots         map[string]*capture.Latest
	Events            *events.Bus
	PrometheusHandler http.Handler
}

// Server is the huma HTTP API.
type Server struct {
	api     huma.API
	mux     *http.ServeMux
	options Options
	bus     *events.Bus
	logger  *slog.Logger

	mu         sync.RWMutex
	pipelines  map[string]Pipeline
	order      []string
	httpServer *http.Server
}

// NewServer builds the router. Decoders are added with Register.
func NewServer(opts Options) *Server {
	mux := http.NewServeMux()
	addPreflightHandler(mux)

	config := huma.DefaultConfig("hwdecode API", version.Get().Version)
	config.Info.Description = "Status and snapshots of hardware video decode pipelines"
	config.Servers = []*huma.Server{}
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"basicAuth": {Type: "http", Scheme: "basic"},
	}

	bus := opts.Events
	if bus == nil {
		bus = events.New()
	}

	s := &Server{
		api:       humago.New(mux, config),
		mux:       mux,
		options:   opts,
		bus:       bus,
		logger:    logging.GetLogger("api"),
		pipelines: make(map[string]Pipeline),
	}

	s.api.UseMiddleware(corsMiddleware)
	s.api.UseMiddleware(httpLoggingMiddleware)
	if opts.AuthUsername != "" && opts.AuthPassword != "" {
		s.api.UseMiddleware(s.basicAuthMiddleware(opts.AuthUsername, opts.AuthPassword))
	}

	if opts.PrometheusHandler != nil {
		mux.Handle("GET /metrics", opts.PrometheusHandler)
	}
	s.registerRoutes()
	return s
}

// Register adds a decoder to the status endpoints.
func (s *Server) Register(p Pipeline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[p.Name()]; !ok {
		s.order = append(s.order, p.Name())
	}
	s.pipelines[p.Name()] = p
}

func (s *Server) pipeline(name string) (Pipeline, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pipelines[name]
	return p, ok
}

func (s *Server) allPipelines() []Pipeline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Pipeline, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.pipelines[name])
	}
	return out
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// API returns the huma API for additional registrations.
func (s *Server) API() huma.API {
	return s.api
}

// Start listens on addr and serves until Stop. It returns nil after a
// clean shutdown.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("Starting API server", "addr", ln.Addr().String())
	s.logger.Info("OpenAPI documentation available", "url", "http://"+ln.Addr().String()+"/docs")
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends.
// SSE streams are cut when ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("Stopping API server")
	if err := srv.Shutdown(ctx); err != nil {
		return srv.Close()
	}
	return nil
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health",
		Description: "Reports degraded when any decoder's worker ended with an error",
		Tags:        []string{"system"},
		Security:    []map[string][]string{},
	}, func(_ context.Context, _ *struct{}) (*models.HealthResponse, error) {
		return &models.HealthResponse{Body: s.health()}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/api/version",
		Summary:     "Version",
		Tags:        []string{"system"},
		Security:    []map[string][]string{},
	}, func(_ context.Context, _ *struct{}) (*models.VersionResponse, error) {
		return &models.VersionResponse{Body: version.Get()}, nil
	})

	s.registerDecoderRoutes()
	s.registerLoggingRoutes()
	s.registerEventRoutes()
}

func (s *Server) health() models.HealthData {
	pipelines := s.allPipelines()
	h := models.HealthData{Status: "ok", Message: "API is healthy", Decoders: len(pipelines)}
	for _, p := range pipelines {
		if err := p.Err(); err != nil {
			h.Status = "degraded"
			h.Message = p.Name() + ": " + err.Error()
			break
		}
	}
	return h
}
