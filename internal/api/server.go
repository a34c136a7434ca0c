// internal/api/server.go
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-chi/jwtauth/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/cmatc13/svckit/internal/intervention"
	"github.com/cmatc13/svckit/pkg/config"
	"github.com/cmatc13/svckit/pkg/errors"
	"github.com/cmatc13/svckit/pkg/health"
	"github.com/cmatc13/svckit/pkg/logging"
	"github.com/cmatc13/svckit/pkg/metrics"
	"github.com/cmatc13/svckit/pkg/service"
)

// ServiceName is the registry name of the admin API.
const ServiceName = "admin-api"

const roleAdmin = "admin"

// Deps are the components the admin API reports on and controls.
type Deps struct {
	// Registry is required.
	Registry *service.Registry
	Health   *health.Registry
	Metrics  *metrics.Metrics
	Journal  *intervention.Journal
	// StopGrace is the grace period used by the stop endpoint when the
	// request does not name one.
	StopGrace time.Duration
}

// Server is the admin HTTP API. It is itself a service: requests are served as
// monitored graceful work, so they are refused while the API is not running
// and drained when it stops.
type Server struct {
	*service.Base

	config    config.AdminConfig
	deps      Deps
	router    *chi.Mux
	tokenAuth *jwtauth.JWTAuth
	logger    *logging.Logger

	mu         sync.Mutex
	server     *http.Server
	addr       string
	uptimeDone chan struct{}
	// held counts the starts taken through the start endpoint that have not
	// been released through the stop endpoint, per service.
	held map[string]int
}

// NewServer creates a stopped admin API server.
func NewServer(cfg config.AdminConfig, deps Deps, logger *logging.Logger, opts ...service.Option) (*Server, error) {
	if deps.Registry == nil {
		return nil, errors.Wrap(errors.ErrInvalidInput, "admin API requires a service registry")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if deps.Health == nil {
		deps.Health = health.NewRegistry(logger)
	}

	s := &Server{
		config: cfg,
		deps:   deps,
		router: chi.NewRouter(),
		logger: logger.WithField("component", ServiceName),
		held:   make(map[string]int),
	}
	if cfg.AuthEnabled() {
		s.tokenAuth = jwtauth.New("HS256", []byte(cfg.JWTSecret), nil)
	} else {
		s.logger.Warn("admin API authentication disabled, service control endpoints are unprotected")
	}

	opts = append([]service.Option{service.WithLogger(logger), service.WithMetrics(deps.Metrics)}, opts...)
	s.Base = service.New(ServiceName, append(opts, service.WithHooks(s))...)

	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

// Handler returns the router serving the admin API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the address the server is listening on, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(SecureHeaders)
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(MetricsMiddleware(s.deps.Metrics))
	s.router.Use(RecovererWithMetrics(s.logger, s.deps.Metrics))

	if len(s.config.CORSAllowedOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.config.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	if s.config.RateLimit > 0 {
		s.router.Use(httprate.LimitByIP(s.config.RateLimit, time.Minute))
	}
}

func (s *Server) setupRoutes() {
	// Public routes
	s.router.Group(func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.metricsHandler().ServeHTTP)
		if s.tokenAuth != nil {
			r.Post("/login", s.handleLogin)
		}
	})

	// Service control routes
	s.router.Group(func(r chi.Router) {
		if s.tokenAuth != nil {
			r.Use(jwtauth.Verifier(s.tokenAuth))
			r.Use(jwtauth.Authenticator)
			r.Use(s.adminOnly)
		}

		r.Get("/services", s.handleListServices)
		r.Get("/services/{name}", s.handleGetService)
		r.Post("/services/{name}/start", s.handleStartService)
		r.Post("/services/{name}/stop", s.handleStopService)
		r.Get("/interventions", s.handleInterventions)
	})
}

func (s *Server) metricsHandler() http.Handler {
	if s.deps.Metrics != nil {
		return s.deps.Metrics.Handler()
	}
	return promhttp.Handler()
}

// OnStart binds the listen address and serves the API in the background.
func (s *Server) OnStart(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return errors.APIWrapWithCode(err, errors.OpStartServer, errors.APIErrInternalServer, "failed to listen on "+s.config.Addr)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	uptimeDone := make(chan struct{})

	s.mu.Lock()
	s.server = srv
	s.addr = ln.Addr().String()
	s.uptimeDone = uptimeDone
	s.mu.Unlock()

	s.deps.Metrics.RecordUptime(uptimeDone)
	s.logger.Info("Starting admin API server", "addr", ln.Addr().String())

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("admin API server stopped serving")
			s.RecordInterventionRequest("admin API server stopped serving: " + err.Error())
		}
	}()
	return nil
}

// OnStop shuts the HTTP server down and then releases every start still held
// on behalf of a start request.
func (s *Server) OnStop(ctx context.Context) error {
	s.mu.Lock()
	srv, uptimeDone := s.server, s.uptimeDone
	s.server, s.uptimeDone, s.addr = nil, nil, ""
	s.mu.Unlock()

	var errs []error
	if srv != nil {
		close(uptimeDone)
		if err := s.shutdown(ctx, srv); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, s.releaseHeld(ctx)...)
	return errors.Join(errs...)
}

func (s *Server) shutdown(ctx context.Context, srv *http.Server) error {
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}

	s.logger.Info("Shutting down admin API server")
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return errors.APIWrapWithCode(err, errors.OpShutdownServer, errors.APIErrInternalServer, "admin API server shutdown failed")
	}
	s.logger.Info("Admin API server shutdown complete")
	return nil
}

// releaseHeld stops each service once for every start the API still holds on it.
func (s *Server) releaseHeld(ctx context.Context) []error {
	s.mu.Lock()
	held := s.held
	s.held = make(map[string]int)
	s.mu.Unlock()

	var errs []error
	for name, n := range held {
		svc, err := s.deps.Registry.Get(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Info("releasing starts taken on request", "service", name, "count", n)
		for ; n > 0; n-- {
			if err := svc.Stop(ctx, s.deps.StopGrace); err != nil {
				errs = append(errs, errors.WrapWithField(err, "service", name))
			}
		}
	}
	return errs
}

// hold records a start taken through the start endpoint.
func (s *Server) hold(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held[name]++
}

// release forgets one held start of name, if there is one.
func (s *Server) release(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[name] > 0 {
		s.held[name]--
	}
	if s.held[name] == 0 {
		delete(s.held, name)
	}
}

// Held returns how many starts the API currently holds on each service.
func (s *Server) Held() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.held))
	for name, n := range s.held {
		out[name] = n
	}
	return out
}

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// serve runs fn as monitored work of the admin API and renders its result.
// Requests refused because the API is not running get a 503.
func (s *Server) serve(w http.ResponseWriter, r *http.Request, workName, message string, fn func(ctx context.Context) (interface{}, error)) {
	var (
		ran  bool
		data interface{}
	)
	err := s.ExecuteMonitored(r.Context(), workName, func(ctx context.Context) error {
		ran = true
		var err error
		data, err = fn(ctx)
		return err
	})
	if err != nil {
		if !ran {
			err = errors.NewAPIError(errors.APIErrServiceUnavailable, "admin API is not accepting requests", err)
		}
		s.renderErr(w, err)
		return
	}

	s.renderJSON(w, Response{Success: true, Message: message, Data: data}, http.StatusOK)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var (
		status health.Status
		checks map[string]health.Check
	)
	err := s.ExecuteMonitored(r.Context(), "health", func(ctx context.Context) error {
		checks = s.deps.Health.RunChecks(ctx)
		status = overallStatus(checks)
		return nil
	})
	if err != nil {
		s.renderErr(w, errors.NewAPIError(errors.APIErrServiceUnavailable, "admin API is not accepting requests", err))
		return
	}

	httpStatus := http.StatusOK
	if status == health.StatusDown {
		httpStatus = http.StatusServiceUnavailable
	}

	resp := Response{
		Success: status == health.StatusUp,
		Message: "Service health status: " + string(status),
		Data: map[string]interface{}{
			"status":    status,
			"timestamp": time.Now().Unix(),
			"checks":    checks,
			"services":  s.deps.Registry.States(),
			"system": map[string]interface{}{
				"go_version":    runtime.Version(),
				"go_goroutines": runtime.NumGoroutine(),
				"go_cpus":       runtime.NumCPU(),
			},
		},
	}
	s.renderJSON(w, resp, httpStatus)
}

func overallStatus(checks map[string]health.Check) health.Status {
	status := health.StatusUp
	for _, check := range checks {
		if check.Status == health.StatusDown {
			return health.StatusDown
		}
		if check.Status == health.StatusUnknown {
			status = health.StatusUnknown
		}
	}
	return status
}

// handleLogin exchanges the admin credentials for a JWT.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.renderErr(w, errors.NewAPIError(errors.APIErrBadRequest, "Invalid request", err))
		return
	}

	s.serve(w, r, "login", "Login successful", func(ctx context.Context) (interface{}, error) {
		userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.config.Username)) == 1
		passErr := bcrypt.CompareHashAndPassword([]byte(s.config.PasswordHash), []byte(req.Password))
		if !userOK || passErr != nil {
			s.logger.Warn("admin login failed", "username", req.Username, "remote_addr", r.RemoteAddr)
			return nil, errors.NewAPIError(errors.APIErrUnauthorized, "Invalid credentials", errors.ErrUnauthorized)
		}

		expiresAt := time.Now().Add(s.config.TokenExpiry)
		claims := map[string]interface{}{
			"sub":  req.Username,
			"role": roleAdmin,
		}
		jwtauth.SetIssuedNow(claims)
		jwtauth.SetExpiry(claims, expiresAt)

		_, token, err := s.tokenAuth.Encode(claims)
		if err != nil {
			return nil, errors.APIWrapWithCode(err, errors.OpGenerateToken, errors.APIErrInternalServer, "Failed to generate token")
		}
		return map[string]interface{}{
			"token":      token,
			"expires_at": expiresAt.Unix(),
		}, nil
	})
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, "list_services", "", func(ctx context.Context) (interface{}, error) {
		return s.deps.Registry.DescribeAll(), nil
	})
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.serve(w, r, "get_service", "", func(ctx context.Context) (interface{}, error) {
		svc, err := s.lookup(name, errors.OpGetService)
		if err != nil {
			return nil, err
		}
		return service.Describe(svc), nil
	})
}

func (s *Server) handleStartService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == s.Name() {
		// Its held starts are released by its own stop.
		s.renderErr(w, errors.NewAPIError(errors.APIErrBadRequest, "The admin API cannot start itself", nil))
		return
	}
	s.serve(w, r, "start_service", "Service started", func(ctx context.Context) (interface{}, error) {
		svc, err := s.lookup(name, errors.OpStartService)
		if err != nil {
			return nil, err
		}
		s.logger.Info("starting service on request", "service", name, "request_id", middleware.GetReqID(r.Context()))
		if err := svc.Start(ctx); err != nil {
			return nil, err
		}
		s.hold(name)
		return service.Describe(svc), nil
	})
}

// handleStopService releases one start of the named service. The optional
// grace query parameter is a Go duration; negative waits for all in-flight work.
func (s *Server) handleStopService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	grace := s.deps.StopGrace
	if v := r.URL.Query().Get("grace"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			s.renderErr(w, errors.NewAPIError(errors.APIErrBadRequest, "Invalid grace period "+strconv.Quote(v), err))
			return
		}
		grace = d
	}
	if name == s.Name() {
		s.renderErr(w, errors.NewAPIError(errors.APIErrBadRequest, "The admin API cannot stop itself", nil))
		return
	}

	s.serve(w, r, "stop_service", "Service stopped", func(ctx context.Context) (interface{}, error) {
		svc, err := s.lookup(name, errors.OpStopService)
		if err != nil {
			return nil, err
		}
		s.logger.Info("stopping service on request", "service", name, "grace", grace.String(), "request_id", middleware.GetReqID(r.Context()))
		if err := svc.Stop(ctx, grace); err != nil {
			return nil, err
		}
		s.release(name)
		return service.Describe(svc), nil
	})
}

func (s *Server) handleInterventions(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, "list_interventions", "", func(ctx context.Context) (interface{}, error) {
		requests := []intervention.Request{}
		total := 0
		if s.deps.Journal != nil {
			requests = s.deps.Journal.Requests()
			total = s.deps.Journal.Total()
		}
		return map[string]interface{}{
			"total":    total,
			"requests": requests,
		}, nil
	})
}

func (s *Server) lookup(name, op string) (service.Service, error) {
	svc, err := s.deps.Registry.Get(name)
	if err != nil {
		return nil, errors.APIWrapWithCode(err, op, errors.APIErrNotFound, "Unknown service "+strconv.Quote(name))
	}
	return svc, nil
}

// renderJSON renders a JSON response
func (s *Server) renderJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Error encoding JSON response", "error", err)
	}
}

// renderError renders an error response
func (s *Server) renderError(w http.ResponseWriter, message string, status int) {
	s.deps.Metrics.RecordError("http", strconv.Itoa(status))

	resp := Response{
		Success: false,
		Error:   message,
	}

	s.renderJSON(w, resp, status)
}

// renderErr renders err with the status code its domain and code map to.
// API errors show only their own message; anything else is shown in full.
func (s *Server) renderErr(w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.WithError(err).Error("request failed")
	}

	message := err.Error()
	var domainErr *errors.Error
	if errors.As(err, &domainErr) && domainErr.Domain == errors.APIDomain {
		message = domainErr.Message
	}
	s.renderError(w, message, status)
}
