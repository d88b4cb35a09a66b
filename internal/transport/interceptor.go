// Package transport makes access token expiry transparent to callers of the identity service.
//
// Interceptor is an http.RoundTripper that stamps the current access token on every request. When a
// request comes back 401 it renews the token once and replays the request; when renewal is impossible
// it destroys the local session and sends the user to the login entry point.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/mindharbor/internal/errs"
	"github.com/and161185/mindharbor/internal/metrics"
	"github.com/and161185/mindharbor/internal/model"
	"github.com/and161185/mindharbor/internal/policy"
)

// HeaderRequestID carries a per-request correlation id.
const HeaderRequestID = "X-Request-ID"

// Keeper owns the credentials. The session store implements it; the interceptor never writes
// persistent state itself.
type Keeper interface {
	AccessToken() string
	RefreshToken() string
	// UpdateTokens stores credentials renewed with the refresh token spent. An empty refresh keeps
	// the current one. It returns errs.ErrSessionChanged when spent is no longer current.
	UpdateTokens(ctx context.Context, spent, access, refresh string) error
	// Expire performs a full local logout without contacting the identity service.
	Expire(ctx context.Context)
}

// TokenRefresher exchanges a refresh token for new credentials (authapi.Client.Refresh).
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (model.Tokens, error)
}

// Navigator moves the user to another screen.
type Navigator interface {
	Navigate(route string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(route string)

// Navigate calls f.
func (f NavigatorFunc) Navigate(route string) { f(route) }

var errNoRefreshToken = errors.New("no refresh token")

type attemptKey struct{}

// withAttempt records how many times the request has been sent already.
func withAttempt(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, attemptKey{}, n)
}

// Attempt returns the replay counter of req: 0 for the original send, 1 for the replay after refresh.
func Attempt(req *http.Request) int {
	n, _ := req.Context().Value(attemptKey{}).(int)
	return n
}

// Interceptor is the token refresh round tripper.
type Interceptor struct {
	next           http.RoundTripper
	tokens         TokenRefresher
	nav            Navigator
	log            *zap.Logger
	metrics        *metrics.Metrics
	refreshTimeout time.Duration

	mu     sync.RWMutex
	keeper Keeper

	group singleflight.Group
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithNavigator sets where forced logouts send the user.
func WithNavigator(n Navigator) Option { return func(i *Interceptor) { i.nav = n } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(i *Interceptor) { i.log = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(i *Interceptor) { i.metrics = m } }

// WithRefreshTimeout bounds one refresh call; it runs detached from the caller's context because
// concurrent callers share it.
func WithRefreshTimeout(d time.Duration) Option { return func(i *Interceptor) { i.refreshTimeout = d } }

// New wraps next (http.DefaultTransport when nil).
func New(next http.RoundTripper, tokens TokenRefresher, opts ...Option) *Interceptor {
	if next == nil {
		next = http.DefaultTransport
	}
	i := &Interceptor{
		next:           next,
		tokens:         tokens,
		nav:            NavigatorFunc(func(string) {}),
		log:            zap.NewNop(),
		refreshTimeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Attach binds the credential keeper. Until then requests pass through untouched.
func (i *Interceptor) Attach(k Keeper) {
	i.mu.Lock()
	i.keeper = k
	i.mu.Unlock()
}

func (i *Interceptor) currentKeeper() Keeper {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.keeper
}

// RoundTrip implements http.RoundTripper.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	k := i.currentKeeper()
	if k == nil {
		return i.next.RoundTrip(req)
	}
	ctx := req.Context()
	attempt := Attempt(req)

	stamped := k.AccessToken()
	out := req.Clone(ctx)
	if stamped != "" {
		out.Header.Set("Authorization", "Bearer "+stamped)
	}
	if out.Header.Get(HeaderRequestID) == "" {
		out.Header.Set(HeaderRequestID, uuid.Must(uuid.NewV4()).String())
	}

	resp, err := i.next.RoundTrip(out)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	if attempt > 0 {
		i.expire(ctx, k, "replayed request rejected", nil)
		return resp, nil
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		i.log.Warn("cannot replay request body; not refreshing", zap.String("url", req.URL.Path))
		return resp, nil
	}

	if _, err := i.renew(ctx, k, stamped); err != nil {
		if errors.Is(err, errs.ErrSessionChanged) {
			i.log.Info("session changed during refresh; not replaying", zap.String("url", req.URL.Path))
			return resp, nil
		}
		i.expire(ctx, k, "refresh failed", err)
		return resp, nil
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	replay := req.Clone(withAttempt(ctx, attempt+1))
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("%w: rewind body: %v", errs.ErrTransport, err)
		}
		replay.Body = body
	}
	return i.RoundTrip(replay)
}

// renew returns a usable access token, refreshing at most once for all concurrent callers.
func (i *Interceptor) renew(ctx context.Context, k Keeper, stale string) (string, error) {
	if cur := k.AccessToken(); cur != "" && cur != stale {
		// another request already renewed the token while this one was in flight
		return cur, nil
	}
	v, err, shared := i.group.Do("refresh", func() (any, error) {
		if cur := k.AccessToken(); cur != "" && cur != stale {
			return cur, nil
		}
		refresh := k.RefreshToken()
		if refresh == "" {
			i.metrics.Refresh("missing")
			return "", errNoRefreshToken
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.refreshTimeout)
		defer cancel()

		toks, err := i.tokens.Refresh(rctx, refresh)
		if err != nil {
			i.metrics.Refresh("failed")
			return "", fmt.Errorf("%w: %v", errs.ErrRefreshFailed, err)
		}
		if err := k.UpdateTokens(rctx, refresh, toks.AccessToken, toks.RefreshToken); err != nil {
			if errors.Is(err, errs.ErrSessionChanged) || errors.Is(err, errs.ErrNoSession) {
				i.metrics.Refresh("superseded")
				return "", fmt.Errorf("store renewed tokens: %w", errs.ErrSessionChanged)
			}
			i.metrics.Refresh("failed")
			return "", fmt.Errorf("%w: store: %v", errs.ErrRefreshFailed, err)
		}
		i.metrics.Refresh("ok")
		return toks.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	if shared {
		i.log.Debug("joined in-flight token refresh")
	}
	return v.(string), nil
}

func (i *Interceptor) expire(ctx context.Context, k Keeper, reason string, err error) {
	i.log.Warn("session expired; forcing logout", zap.String("reason", reason), zap.Error(err))
	i.metrics.ForcedLogout()
	k.Expire(ctx)
	i.nav.Navigate(policy.LoginRoute)
}
