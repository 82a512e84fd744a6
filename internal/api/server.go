package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/alicia-project/alicia-core/internal/config"
	"github.com/alicia-project/alicia-core/internal/devices"
	"github.com/alicia-project/alicia-core/internal/metrics"
	"github.com/alicia-project/alicia-core/internal/voice"
	"github.com/alicia-project/alicia-core/internal/wsadmin"
)

// SessionsSource is the Session Store's operator-read surface (spec
// §6.2, GET /api/v1/sessions).
type SessionsSource interface {
	List() []voice.Snapshot
	Get(sessionID string) (*voice.Session, error)
}

// DevicesSource is the Device Registry's operator-read surface
// (spec §6.2, GET /api/v1/devices).
type DevicesSource interface {
	List(filter devices.ListFilter) []devices.Device
	Get(deviceID string) (devices.Device, error)
}

// CommandsSource is the Command Dispatcher's operator-read surface
// (spec §6.2, GET /api/v1/commands/{id}).
type CommandsSource interface {
	Get(commandID string) (devices.Command, error)
}

// Server is the HTTP surface every Alicia service binary exposes:
// health, metrics, shutdown, and (for the Voice Router and Device
// Manager) the operator read routes.
type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// ServerOptions configures NewServer. Sessions, Devices, and Commands
// are each optional; their routes are only mounted when provided.
type ServerOptions struct {
	Config      *config.Config
	Log         zerolog.Logger
	Health      HealthSource
	Sessions    SessionsSource
	Devices     DevicesSource
	Commands    CommandsSource
	Console     *wsadmin.Handler                // optional, mounts GET /ws/console
	ExtraRoutes func(r chi.Router)               // optional, e.g. cmd/healthmonitor's GET /health/fleet/stream
	OpenAPISpec []byte                           // optional, embedded openapi.yaml served at GET /api/v1/openapi.yaml
	OnShutdown  func(ctx context.Context) error  // invoked by POST /shutdown before the response is written
}

func NewServer(opts ServerOptions) *Server {
	r := chi.NewRouter()

	var corsOrigins []string
	if opts.Config.CORSOrigins != "" {
		for _, o := range strings.Split(opts.Config.CORSOrigins, ",") {
			if s := strings.TrimSpace(o); s != "" {
				corsOrigins = append(corsOrigins, s)
			}
		}
	}

	r.Use(RequestID)
	r.Use(CORSWithOrigins(corsOrigins))
	r.Use(RateLimiter(opts.Config.RateLimitRPS, opts.Config.RateLimitBurst))
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(MaxBodySize(1 << 20)) // 1 MB — no service in this fleet accepts large request bodies

	// Unauthenticated
	r.Get("/health", NewHealthHandler(opts.Health).ServeHTTP)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	if opts.OpenAPISpec != nil {
		r.Get("/api/v1/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/yaml")
			w.Write(opts.OpenAPISpec)
		})
	}

	// POST /shutdown always requires a token; RequireAuth rejects
	// outright when none is configured (spec §7).
	r.Group(func(r chi.Router) {
		r.Use(ResponseTimeout(opts.Config.WriteTimeout))
		r.Use(RequireAuth(opts.Config.ShutdownToken))
		r.Use(BearerAuth(opts.Config.ShutdownToken))
		r.Post("/shutdown", shutdownHandler(opts.OnShutdown, opts.Log))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(metrics.InstrumentHandler)
		if opts.Config.AuthEnabled {
			r.Use(BearerAuth(opts.Config.AuthToken))
		}
		r.Use(ResponseTimeout(opts.Config.WriteTimeout))

		if opts.Sessions != nil {
			h := sessionsHandler{source: opts.Sessions}
			r.Get("/sessions", h.list)
			r.Get("/sessions/{id}", h.get)
		}
		if opts.Devices != nil {
			h := devicesHandler{source: opts.Devices}
			r.Get("/devices", h.list)
			r.Get("/devices/{id}", h.get)
		}
		if opts.Commands != nil {
			h := commandsHandler{source: opts.Commands}
			r.Get("/commands/{id}", h.get)
		}
	})

	// The console websocket runs indefinitely and authenticates itself
	// (extractBearerToken accepts ?token=, since browsers can't set
	// custom headers on a websocket upgrade request), so it sits
	// outside ResponseTimeout and the /api/v1 group.
	if opts.Console != nil {
		consoleRoute := r.With()
		if opts.Config.AuthEnabled {
			consoleRoute = r.With(BearerAuth(opts.Config.AuthToken))
		}
		consoleRoute.Get("/ws/console", opts.Console.ServeHTTP)
	}

	if opts.ExtraRoutes != nil {
		r.Group(func(r chi.Router) {
			if opts.Config.AuthEnabled {
				r.Use(BearerAuth(opts.Config.AuthToken))
			}
			opts.ExtraRoutes(r)
		})
	}

	srv := &http.Server{
		Addr:         opts.Config.HTTPAddr,
		Handler:      r,
		ReadTimeout:  opts.Config.ReadTimeout,
		IdleTimeout:  opts.Config.IdleTimeout,
		WriteTimeout: 0, // the operator console websocket runs indefinitely
	}

	return &Server{http: srv, log: opts.Log}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}

func shutdownHandler(onShutdown func(context.Context) error, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log.Warn().Msg("shutdown requested via operator API")
		if onShutdown != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
			defer cancel()
			if err := onShutdown(ctx); err != nil {
				WriteError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
	}
}

type sessionsHandler struct {
	source SessionsSource
}

func (h sessionsHandler) list(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.source.List())
}

func (h sessionsHandler) get(w http.ResponseWriter, r *http.Request) {
	id, err := PathString(r, "id")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrValidation, err.Error())
		return
	}
	sess, err := h.source.Get(id)
	if err != nil {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, sess.Snapshot())
}

type devicesHandler struct {
	source DevicesSource
}

func (h devicesHandler) list(w http.ResponseWriter, r *http.Request) {
	filter := devices.ListFilter{}
	if v, ok := QueryString(r, "device_type"); ok {
		filter.DeviceType = v
	}
	if v, ok := QueryString(r, "room"); ok {
		filter.Room = v
	}
	if v, ok := QueryString(r, "capability"); ok {
		filter.Capability = v
	}
	WriteJSON(w, http.StatusOK, h.source.List(filter))
}

func (h devicesHandler) get(w http.ResponseWriter, r *http.Request) {
	id, err := PathString(r, "id")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrValidation, err.Error())
		return
	}
	dev, err := h.source.Get(id)
	if err != nil {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, dev)
}

type commandsHandler struct {
	source CommandsSource
}

func (h commandsHandler) get(w http.ResponseWriter, r *http.Request) {
	id, err := PathString(r, "id")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrValidation, err.Error())
		return
	}
	cmd, err := h.source.Get(id)
	if err != nil {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, cmd)
}
