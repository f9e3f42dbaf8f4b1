// Package api exposes the REST and WebSocket surface: workflow CRUD with
// version snapshots, execution control (start, describe, cancel, submit
// input, logs), trigger management, webhook ingress and the live event
// channel. All resources are user-scoped through bearer JWT auth.
package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/flowmaestro/flowmaestro/events"
	"github.com/flowmaestro/flowmaestro/node"
	"github.com/flowmaestro/flowmaestro/runtime"
	"github.com/flowmaestro/flowmaestro/store"
	"github.com/flowmaestro/flowmaestro/telemetry"
	"github.com/flowmaestro/flowmaestro/trigger"
)

type (
	// Server holds the API dependencies and builds the router.
	Server struct {
		st      store.Store
		rt      *runtime.Runtime
		sup     *trigger.Supervisor
		hub     *events.Hub
		nodes   *node.Registry
		logger  telemetry.Logger
		metrics telemetry.Metrics
		secret  []byte
		origins []string

		upgrader websocket.Upgrader
	}

	// Option configures a Server.
	Option func(*Server)
)

// WithLogger sets the API logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics sets the API metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithNodeRegistry enables node-config validation at save and snapshot time.
func WithNodeRegistry(reg *node.Registry) Option {
	return func(s *Server) { s.nodes = reg }
}

// WithCORSOrigins sets the allowed cross-origin hosts. Empty disables CORS
// headers entirely.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// New constructs a Server. The JWT secret signs and verifies bearer tokens.
func New(st store.Store, rt *runtime.Runtime, sup *trigger.Supervisor, hub *events.Hub, jwtSecret string, opts ...Option) *Server {
	s := &Server{
		st:      st,
		rt:      rt,
		sup:     sup,
		hub:     hub,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		secret:  []byte(jwtSecret),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return s.originAllowed(r.Header.Get("Origin")) },
	}
	return s
}

// Router builds the HTTP routing tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", s.listWorkflows)
			r.Post("/", s.createWorkflow)

			// version routes precede /{id} so "versions" is not taken
			// for a workflow id
			r.Route("/versions", func(r chi.Router) {
				r.Get("/{id}", s.getVersion)
				r.Delete("/{id}", s.deleteVersion)
				r.Post("/rename/{id}", s.renameVersion)
				r.Post("/revert/{id}", s.revertVersion)
			})

			r.Get("/{id}", s.getWorkflow)
			r.Put("/{id}", s.updateWorkflow)
			r.Delete("/{id}", s.deleteWorkflow)
			r.Get("/{id}/versions", s.listVersions)
			r.Post("/{id}/versions", s.snapshotWorkflow)
		})

		r.Route("/executions", func(r chi.Router) {
			r.Get("/", s.listExecutions)
			r.Post("/", s.startExecution)
			r.Get("/{id}", s.describeExecution)
			r.Post("/{id}/cancel", s.cancelExecution)
			r.Post("/{id}/submit-input", s.submitInput)
			r.Get("/{id}/logs", s.executionLogs)
		})

		r.Route("/triggers", func(r chi.Router) {
			r.Get("/", s.listTriggers)
			r.Post("/", s.createTrigger)
			r.Get("/{id}", s.getTrigger)
			r.Put("/{id}", s.updateTrigger)
			r.Delete("/{id}", s.deleteTrigger)
		})

		r.Get("/nodes", s.listNodeTypes)
	})

	r.HandleFunc("/hooks/{workflow_id}/{trigger_id}", s.handleWebhook)
	r.Get("/ws", s.handleWS)
	return r
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	s.sup.ServeWebhook(w, r, chi.URLParam(r, "workflow_id"), chi.URLParam(r, "trigger_id"))
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, o := range s.origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// cors answers preflight requests and stamps the allow headers for
// configured origins.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && len(s.origins) > 0 && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Signature")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
