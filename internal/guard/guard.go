// Package guard decides whether a requested view may be rendered for the current session.
package guard

import (
	"net/http"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/mindharbor/internal/metrics"
	"github.com/and161185/mindharbor/internal/model"
	"github.com/and161185/mindharbor/internal/policy"
	"github.com/and161185/mindharbor/internal/session"
)

// Decision is the outcome of a guard evaluation.
type Decision int

const (
	// Wait means the identity is still being resolved; nothing is decided yet.
	Wait Decision = iota
	RedirectLogin
	RedirectUnauthorized
	Render
)

func (d Decision) String() string {
	switch d {
	case Wait:
		return "wait"
	case RedirectLogin:
		return "redirect_login"
	case RedirectUnauthorized:
		return "redirect_unauthorized"
	case Render:
		return "render"
	default:
		return "unknown"
	}
}

// Target returns the route a redirect decision points to, or "".
func (d Decision) Target() string {
	switch d {
	case RedirectLogin:
		return policy.LoginRoute
	case RedirectUnauthorized:
		return policy.UnauthorizedRoute
	default:
		return ""
	}
}

// Decide evaluates a destination that admits the allowed roles (any role when empty).
func Decide(allowed []model.Role, st session.State) Decision {
	switch {
	case st.Loading:
		return Wait
	case !st.IsLoggedIn:
		return RedirectLogin
	case len(allowed) > 0 && !slices.Contains(allowed, st.UserRole):
		return RedirectUnauthorized
	default:
		return Render
	}
}

// StateSource provides session snapshots.
type StateSource interface {
	State() session.State
}

// Subscriber is a StateSource that reports changes.
type Subscriber interface {
	StateSource
	Subscribe(fn func(session.State)) (cancel func())
}

type options struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	wait    http.Handler
}

// Option configures Middleware.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = l } }

// WithMetrics counts decisions.
func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithWaitHandler sets the neutral view served while the session is loading.
func WithWaitHandler(h http.Handler) Option { return func(o *options) { o.wait = h } }

func defaultWait(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Retry-After", "1")
	http.Error(w, "loading", http.StatusServiceUnavailable)
}

// Middleware guards next with Decide. Redirects are 302 to the login or unauthorized route.
// The attempted destination is not remembered.
func Middleware(src StateSource, allowed []model.Role, opts ...Option) func(http.Handler) http.Handler {
	o := options{log: zap.NewNop(), wait: http.HandlerFunc(defaultWait)}
	for _, fn := range opts {
		fn(&o)
	}
	allowed = slices.Clone(allowed)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st := src.State()
			d := Decide(allowed, st)
			o.metrics.GuardDecision(d.String())
			switch d {
			case Wait:
				o.wait.ServeHTTP(w, r)
			case RedirectLogin, RedirectUnauthorized:
				o.log.Debug("guard redirect",
					zap.String("path", r.URL.Path),
					zap.String("role", st.UserRole.String()),
					zap.Stringer("decision", d),
				)
				http.Redirect(w, r, d.Target(), http.StatusFound)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// Watch evaluates the destination now and again after every session change, calling fn whenever
// the decision differs from the previous one.
func Watch(sub Subscriber, allowed []model.Role, fn func(Decision)) (cancel func()) {
	allowed = slices.Clone(allowed)
	var (
		mu   sync.Mutex
		last Decision = -1
	)
	eval := func(st session.State) {
		d := Decide(allowed, st)
		mu.Lock()
		changed := d != last
		last = d
		mu.Unlock()
		if changed {
			fn(d)
		}
	}
	cancel = sub.Subscribe(eval)
	eval(sub.State())
	return cancel
}
