// Package web is the local HTTP shell over the session engine. Every platform route is served as a
// JSON view descriptor behind the route guard and the onboarding gate, and the session operations
// are exposed under /api.
package web

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/and161185/mindharbor/internal/authapi"
	"github.com/and161185/mindharbor/internal/guard"
	"github.com/and161185/mindharbor/internal/metrics"
	"github.com/and161185/mindharbor/internal/model"
	"github.com/and161185/mindharbor/internal/onboarding"
	"github.com/and161185/mindharbor/internal/policy"
	"github.com/and161185/mindharbor/internal/session"
)

// Sessions is the session engine as seen by the shell (*session.Store).
type Sessions interface {
	State() session.State
	Login(ctx context.Context, email, password string, role model.Role) (model.Result, error)
	RegisterStudent(ctx context.Context, p model.Profile) (model.Result, error)
	RegisterStaff(ctx context.Context, role model.Role, p model.Profile) (model.Result, error)
	Logout(ctx context.Context) error
	ForgotPassword(ctx context.Context, email string, role model.Role) (model.Result, error)
	ResetPassword(ctx context.Context, token, password string, role model.Role) (model.Result, error)
	ValidateResetToken(ctx context.Context, token string, role model.Role) (model.Result, error)
	ChangePassword(ctx context.Context, current, next string) (model.Result, error)
	CompleteOnboarding(ctx context.Context, p model.OnboardingPayload) error
}

// Server serves the shell.
type Server struct {
	sessions Sessions
	log      *zap.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	mu          sync.Mutex
	wizard      *onboarding.Wizard
	wizardOwner string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.log = l } }

// WithMetrics sets the metrics sink and the registry served on /metrics.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// New builds a shell over sessions.
func New(sessions Sessions, opts ...Option) *Server {
	s := &Server{sessions: sessions, log: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the complete router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Recover(s.log))
	r.Use(Logging(s.log))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Get(policy.HomeRoute, s.handleHome)
	for _, rt := range policy.Routes() {
		if rt.Public {
			r.Get(rt.Path, s.viewHandler(rt))
			continue
		}
		r.With(s.guarded(rt.Roles), onboarding.Middleware(s.sessions, http.HandlerFunc(s.handleIntake))).
			Get(rt.Path, s.viewHandler(rt))
	}
	r.With(s.guarded(nil)).Get(policy.OnboardingRoute, s.handleIntake)

	r.Route("/api/session", s.registerSessionRoutes)
	r.Route("/api/onboarding", func(r chi.Router) {
		r.Use(s.guarded(nil))
		r.Get("/", s.handleIntake)
		r.Put("/draft", s.handleDraft)
		r.Post("/next", s.handleNext)
		r.Post("/back", s.handleBack)
		r.Post("/submit", s.handleSubmit)
	})
	return r
}

func (s *Server) guarded(roles []model.Role) func(http.Handler) http.Handler {
	return guard.Middleware(s.sessions, roles,
		guard.WithLogger(s.log),
		guard.WithMetrics(s.metrics),
		guard.WithWaitHandler(http.HandlerFunc(handleLoading)),
	)
}

type viewBody struct {
	View string          `json:"view"`
	Path string          `json:"path"`
	User *model.Identity `json:"user,omitempty"`
}

func handleLoading(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, viewBody{View: "loading"})
}

func (s *Server) viewHandler(rt policy.Route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, viewBody{View: rt.View, Path: rt.Path, User: s.sessions.State().Identity})
	}
}

// handleHome sends the visitor to the landing view of their role.
func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	st := s.sessions.State()
	switch {
	case st.Loading:
		handleLoading(w, r)
	case !st.IsLoggedIn:
		http.Redirect(w, r, policy.LoginRoute, http.StatusFound)
	default:
		http.Redirect(w, r, policy.HomeFor(st.UserRole), http.StatusFound)
	}
}

// wizardFor returns the intake wizard of the signed-in identity, starting a fresh one when the
// identity changed.
func (s *Server) wizardFor(id string) *onboarding.Wizard {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wizard == nil || s.wizardOwner != id {
		s.wizard = onboarding.NewWizard(model.OnboardingPayload{})
		s.wizardOwner = id
	}
	return s.wizard
}

func (s *Server) currentWizard() *onboarding.Wizard {
	st := s.sessions.State()
	id := ""
	if st.Identity != nil {
		id = st.Identity.ID
	}
	return s.wizardFor(id)
}

func writeResult(w http.ResponseWriter, res model.Result, err error) {
	if err != nil {
		writeJSON(w, http.StatusBadGateway, resultBody{Status: model.StatusFail, Message: res.Message})
		return
	}
	code := http.StatusOK
	if !res.OK() {
		code = http.StatusBadRequest
	}
	writeJSON(w, code, resultBody{Status: res.Status, Message: res.Message, User: res.Identity})
}

// isTransport reports errors the user can retry.
func isTransport(err error) bool {
	var apiErr *authapi.APIError
	return err != nil && !errors.As(err, &apiErr)
}
