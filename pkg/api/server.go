// Package api is the HTTP surface of the gateway: the agent routes under
// /api/agent/v1, the operator routes under /api/agent-admin/v1, and the
// middleware chain in front of them.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/VancouverCanada/openport/pkg/admin"
	"github.com/VancouverCanada/openport/pkg/agent"
	"github.com/VancouverCanada/openport/pkg/apierror"
	"github.com/VancouverCanada/openport/pkg/auth"
	"github.com/VancouverCanada/openport/pkg/contracts"
	"github.com/VancouverCanada/openport/pkg/observability"
)

// Server routes HTTP requests to the agent and admin engines.
type Server struct {
	agent     *agent.Engine
	admin     *admin.Engine
	authn     *auth.Authenticator
	operators *auth.OperatorAuthenticator
	telemetry *observability.Provider
	ipLimiter *IPRateLimiter
	logger    *slog.Logger
	router    *mux.Router
}

// Option configures a Server.
type Option func(*Server)

// WithTelemetry records request spans and metrics into p.
func WithTelemetry(p *observability.Provider) Option {
	return func(s *Server) { s.telemetry = p }
}

// WithIPRateLimiter installs the pre-auth per-address limiter.
func WithIPRateLimiter(rl *IPRateLimiter) Option {
	return func(s *Server) { s.ipLimiter = rl }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer builds the router.
func NewServer(agentEngine *agent.Engine, adminEngine *admin.Engine, authn *auth.Authenticator, operators *auth.OperatorAuthenticator, opts ...Option) (*Server, error) {
	s := &Server{
		agent:     agentEngine,
		admin:     adminEngine,
		authn:     authn,
		operators: operators,
		logger:    slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.telemetry == nil {
		p, err := observability.New(context.Background(), observability.DefaultConfig())
		if err != nil {
			return nil, err
		}
		s.telemetry = p
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the full middleware chain: request id, then telemetry and
// access log, then the per-address limiter, then the body cap and router.
func (s *Server) Handler() http.Handler {
	var h http.Handler = limitBody(s.router)
	if s.ipLimiter != nil {
		h = s.ipLimiter.Middleware(s.logger)(h)
	}
	h = observe(s.router, s.telemetry, s.logger, h)
	return auth.RequestIDMiddleware(h)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, s.logger, apierror.NotFound("Route not found"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, s.logger, apierror.New(http.StatusMethodNotAllowed, apierror.CodeValidation, "Method not allowed"))
	})

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeOK(w, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	ag := r.PathPrefix("/api/agent/v1").Subrouter()
	ag.HandleFunc("/manifest", s.agentRoute(s.manifest)).Methods(http.MethodGet)
	ag.HandleFunc("/ledgers", s.agentRoute(s.listLedgers)).Methods(http.MethodGet)
	ag.HandleFunc("/transactions", s.agentRoute(s.listTransactions)).Methods(http.MethodGet)
	ag.HandleFunc("/preflight", s.agentRoute(s.preflight)).Methods(http.MethodPost)
	ag.HandleFunc("/actions", s.agentRoute(s.createAction)).Methods(http.MethodPost)
	ag.HandleFunc("/drafts/{id}", s.agentRoute(s.agentDraft)).Methods(http.MethodGet)

	ad := r.PathPrefix("/api/agent-admin/v1").Subrouter()
	ad.HandleFunc("/apps", s.adminRoute(s.listApps)).Methods(http.MethodGet)
	ad.HandleFunc("/apps", s.adminRoute(s.createApp)).Methods(http.MethodPost)
	ad.HandleFunc("/apps/{id}/keys", s.adminRoute(s.createKey)).Methods(http.MethodPost)
	ad.HandleFunc("/apps/{id}/revoke", s.adminRoute(s.revokeApp)).Methods(http.MethodPost)
	ad.HandleFunc("/apps/{id}/policy", s.adminRoute(s.updatePolicy)).Methods(http.MethodPatch)
	ad.HandleFunc("/apps/{id}/auto-execute", s.adminRoute(s.updateAutoExecute)).Methods(http.MethodPatch)
	ad.HandleFunc("/apps/{id}/tools", s.adminRoute(s.listAppTools)).Methods(http.MethodGet)
	ad.HandleFunc("/keys/{id}/revoke", s.adminRoute(s.revokeKey)).Methods(http.MethodPost)
	ad.HandleFunc("/drafts", s.adminRoute(s.listDrafts)).Methods(http.MethodGet)
	ad.HandleFunc("/drafts/{id}", s.adminRoute(s.adminDraft)).Methods(http.MethodGet)
	ad.HandleFunc("/drafts/{id}/approve", s.adminRoute(s.approveDraft)).Methods(http.MethodPost)
	ad.HandleFunc("/drafts/{id}/reject", s.adminRoute(s.rejectDraft)).Methods(http.MethodPost)
	ad.HandleFunc("/audit", s.adminRoute(s.listAudit)).Methods(http.MethodGet)
	ad.HandleFunc("/exports/{hash}", s.adminRoute(s.export)).Methods(http.MethodGet)
	return r
}

type agentHandler func(r *http.Request, rc *contracts.RequestContext) (any, error)

// agentRoute authenticates the bearer token before calling h.
func (s *Server) agentRoute(h agentHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc, err := s.authn.Authenticate(r.Context(), r.Header, r.RemoteAddr)
		if err != nil {
			writeError(w, r, s.logger, err)
			return
		}
		rc.RequestID = auth.GetRequestID(r.Context())
		r = r.WithContext(auth.WithAgent(r.Context(), rc))
		data, err := h(r, rc)
		if err != nil {
			writeError(w, r, s.logger, err)
			return
		}
		writeOK(w, data)
	}
}

type adminHandler func(r *http.Request, operatorID string) (any, error)

// adminRoute resolves the operator before calling h.
func (s *Server) adminRoute(h adminHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		operatorID, err := s.operators.Authenticate(r.Header)
		if err != nil {
			writeError(w, r, s.logger, err)
			return
		}
		r = r.WithContext(auth.WithOperator(r.Context(), operatorID))
		data, err := h(r, operatorID)
		if err != nil {
			writeError(w, r, s.logger, err)
			return
		}
		writeOK(w, data)
	}
}
