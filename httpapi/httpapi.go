// Package httpapi is the Submission/Registration HTTP front end: the
// external surface for submitting workflows, querying and cancelling
// them, and for capability servers to register and heartbeat.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/flowforge/conductor/core"
	"github.com/flowforge/conductor/registry"
	"github.com/flowforge/conductor/supervisor"
	"github.com/flowforge/conductor/workflow"
)

// Config tunes the router.
type Config struct {
	Logger         core.Logger
	Telemetry      core.Telemetry
	DevMode        bool
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = &core.NoOpLogger{}
	}
	if c.Telemetry == nil {
		c.Telemetry = &core.NoOpTelemetry{}
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	return c
}

// Server wires the Supervisor and Registry to an HTTP router.
type Server struct {
	cfg        Config
	supervisor *supervisor.Supervisor
	registry   *registry.Registry
	router     chi.Router
}

// NewServer builds a Server exposing sup and reg over HTTP.
func NewServer(sup *supervisor.Supervisor, reg *registry.Registry, cfg Config) *Server {
	cfg = cfg.withDefaults()
	s := &Server{cfg: cfg, supervisor: sup, registry: reg}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP lets Server satisfy http.Handler directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(core.LoggingMiddleware(s.cfg.Logger, s.cfg.DevMode))
	r.Use(s.telemetryMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Route("/workflows", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/{workflowID}", s.handleGet)
		r.Post("/{workflowID}/cancel", s.handleCancel)
		r.Get("/", s.handleList)
	})

	r.Route("/registry", func(r chi.Router) {
		r.Post("/servers", s.handleRegister)
		r.Post("/servers/{serverID}/heartbeat", s.handleHeartbeat)
		r.Delete("/servers/{serverID}", s.handleDeregister)
	})

	return r
}

// telemetryMiddleware wraps every request in a span named after its
// method and request path, recording 4xx/5xx responses as errors.
func (s *Server) telemetryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.cfg.Telemetry.StartSpan(r.Context(), "http."+r.Method+" "+r.URL.Path)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttribute("http.status_code", sw.status)
		if sw.status >= 400 {
			span.RecordError(errStatus(sw.status))
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

type errStatus int

func (e errStatus) Error() string {
	return "http status " + http.StatusText(int(e))
}

type submitRequest struct {
	WorkflowType string                 `json:"workflow_type"`
	Parameters   map[string]interface{} `json:"parameters"`
	Options      *submitOptions         `json:"options"`
}

type submitOptions struct {
	TimeoutSeconds      int    `json:"timeout_seconds"`
	FailureStrategy     string `json:"failure_strategy"`
	NotificationWebhook string `json:"notification_webhook"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	opts := supervisor.SubmitOptions{}
	if req.Options != nil {
		opts.TimeoutSeconds = req.Options.TimeoutSeconds
		opts.FailureStrategy = workflow.FailureStrategy(req.Options.FailureStrategy)
		opts.NotificationWebhook = req.Options.NotificationWebhook
	}

	id, err := s.supervisor.Submit(r.Context(), req.WorkflowType, req.Parameters, opts)
	if err != nil {
		writeErrForKind(w, err)
		return
	}

	snap, _ := s.supervisor.Get(id)
	writeJSON(w, http.StatusOK, toView(snap))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")
	snap, ok := s.supervisor.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	writeJSON(w, http.StatusOK, toView(snap))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")
	if err := s.supervisor.Cancel(id); err != nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	snap, _ := s.supervisor.Get(id)
	writeJSON(w, http.StatusOK, toView(snap))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter := supervisor.Filter{
		State:        workflow.State(r.URL.Query().Get("state")),
		TemplateName: r.URL.Query().Get("workflow_type"),
	}
	snaps := s.supervisor.List(filter)
	views := make([]workflowView, len(snaps))
	for i, snap := range snaps {
		views[i] = toView(snap)
	}
	writeJSON(w, http.StatusOK, views)
}

type registerRequest struct {
	Name            string   `json:"name"`
	Endpoint        string   `json:"endpoint"`
	Capabilities    []string `json:"capabilities"`
	Version         string   `json:"version"`
	Weight          int      `json:"weight"`
	TTLSeconds      int      `json:"ttl_seconds"`
	HealthCheckPath string   `json:"health_check_path"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	id, err := s.registry.Register(registry.Description{
		Name:            req.Name,
		Endpoint:        req.Endpoint,
		Capabilities:    req.Capabilities,
		Version:         req.Version,
		Weight:          req.Weight,
		TTLSeconds:      req.TTLSeconds,
		HealthCheckPath: req.HealthCheckPath,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"server_id": id})
}

type heartbeatRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "serverID")
	var req heartbeatRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	var status *registry.Status
	if req.Status != "" {
		st := registry.Status(req.Status)
		status = &st
	}
	if err := s.registry.Heartbeat(id, status); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "serverID")
	s.registry.Deregister(id)
	w.WriteHeader(http.StatusOK)
}

// workflowView is the wire shape for a Workflow snapshot, matching
// spec.md §6's submission/GET response shape.
type workflowView struct {
	WorkflowID string     `json:"workflow_id"`
	WorkflowType string   `json:"workflow_type"`
	State      string     `json:"state"`
	Steps      []stepView `json:"steps"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

type stepView struct {
	StepID     string          `json:"step_id"`
	StepName   string          `json:"step_name"`
	Capability string          `json:"capability"`
	Endpoint   string          `json:"endpoint"`
	DependsOn  []string        `json:"depends_on"`
	State      string          `json:"state"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
	RetryCount int             `json:"retry_count,omitempty"`
}

func toView(v workflow.View) workflowView {
	steps := make([]stepView, len(v.Steps))
	for i, st := range v.Steps {
		resultJSON, _ := st.ResultJSON()
		steps[i] = stepView{
			StepID:     st.ID,
			StepName:   st.Name,
			Capability: st.Capability,
			Endpoint:   st.Endpoint,
			DependsOn:  st.DependsOn,
			State:      string(st.State),
			Result:     resultJSON,
			Error:      st.Error,
			DurationMs: st.DurationMs,
			RetryCount: st.RetryCount,
		}
	}
	return workflowView{
		WorkflowID:   v.ID,
		WorkflowType: v.TemplateName,
		State:        string(v.State),
		Steps:        steps,
		CreatedAt:    v.SubmittedAt,
		UpdatedAt:    v.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeErrForKind maps a core.ErrorKind to the HTTP status spec.md §6
// names: 400 for Validation-class rejection, 429 for admission overload.
func writeErrForKind(w http.ResponseWriter, err error) {
	switch core.KindOf(err) {
	case core.KindOverloaded:
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}
