// Package session is the single source of truth for who is using this device.
//
// Store is the only writer of the identity, the session credentials and the onboarding records.
// Every mutation persists to the key-value store first, then updates memory, then notifies
// observers, and only then returns to the caller.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/and161185/mindharbor/internal/authapi"
	"github.com/and161185/mindharbor/internal/errs"
	"github.com/and161185/mindharbor/internal/metrics"
	"github.com/and161185/mindharbor/internal/model"
	"github.com/and161185/mindharbor/internal/policy"
	"github.com/and161185/mindharbor/internal/repository"
)

// API is the part of the identity service client the store talks to.
type API interface {
	Login(ctx context.Context, email, password string, role model.Role) (authapi.Grant, error)
	RegisterStudent(ctx context.Context, p model.Profile) (authapi.Grant, error)
	RegisterStaff(ctx context.Context, role model.Role, p model.Profile) (model.Identity, error)
	Logout(ctx context.Context) error
	ForgotPassword(ctx context.Context, email string, role model.Role) (string, error)
	ResetPassword(ctx context.Context, token, password string, role model.Role) (string, error)
	ValidateResetToken(ctx context.Context, token string, role model.Role) (string, error)
	ChangePassword(ctx context.Context, current, next string) (string, error)
}

// State is a read-only snapshot of the session.
type State struct {
	Identity                       *model.Identity
	IsLoggedIn                     bool
	UserRole                       model.Role
	NeedsOnboarding                bool
	OnboardingCompletedThisSession bool
	// Loading is true until Restore finishes and while an operation waits on the network.
	Loading bool
	// Error is set by the last failed operation and cleared by the next one.
	Error bool
	// TokenExpiresAt is read from the access token without verifying it; zero when unknown.
	TokenExpiresAt time.Time
}

// Operation outcomes reported to metrics.
const (
	outcomeSuccess = "success"
	outcomeFail    = "fail"
	outcomeError   = "error"
)

// Store owns the session state.
type Store struct {
	kv      repository.KVStore
	api     API
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.RWMutex
	identity  *model.Identity
	access    string
	refresh   string
	restored  bool
	inflight  int
	failed    bool
	needs     bool
	completed bool

	obsMu     sync.Mutex
	observers map[int]func(State)
	nextObs   int
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.log = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Store) { s.metrics = m } }

// WithClock overrides time.Now for onboarding timestamps.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// New creates a store. It reports Loading until Restore is called.
func New(kv repository.KVStore, api API, opts ...Option) *Store {
	s := &Store{
		kv:        kv,
		api:       api,
		log:       zap.NewNop(),
		now:       time.Now,
		observers: map[int]func(State){},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the current snapshot.
func (s *Store) State() State {
	s.mu.RLock()
	st := State{
		Identity:                       cloneIdentity(s.identity),
		IsLoggedIn:                     s.identity != nil,
		NeedsOnboarding:                s.needs,
		OnboardingCompletedThisSession: s.completed,
		Loading:                        !s.restored || s.inflight > 0,
		Error:                          s.failed,
	}
	access := s.access
	s.mu.RUnlock()

	if st.Identity != nil {
		st.UserRole = st.Identity.Role
	}
	st.TokenExpiresAt = tokenExpiry(access)
	return st
}

// Subscribe registers fn to be called with the new state after every change. Call cancel to stop.
func (s *Store) Subscribe(fn func(State)) (cancel func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()
	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Store) notify() {
	st := s.State()
	s.obsMu.Lock()
	fns := make([]func(State), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

// Restore hydrates the session from the key-value store. A token without a user, or a user
// without a token, is wiped.
func (s *Store) Restore(ctx context.Context) error {
	defer func() {
		s.mu.Lock()
		s.restored = true
		s.mu.Unlock()
		s.notify()
	}()

	access, err := s.read(ctx, KeyToken)
	if err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	refresh, err := s.read(ctx, KeyRefreshToken)
	if err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	rawUser, err := s.read(ctx, KeyUser)
	if err != nil {
		return fmt.Errorf("restore session: %w", err)
	}

	if access == "" && rawUser == "" {
		if refresh != "" {
			return s.wipe(ctx)
		}
		return nil
	}
	var ident model.Identity
	if access == "" || rawUser == "" || json.Unmarshal([]byte(rawUser), &ident) != nil {
		s.log.Warn("inconsistent persisted session; clearing",
			zap.Bool("token", access != ""),
			zap.Bool("user", rawUser != ""),
		)
		return s.wipe(ctx)
	}

	needs, err := s.needsOnboarding(ctx, ident)
	if err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	s.mu.Lock()
	s.identity = &ident
	s.access, s.refresh = access, refresh
	s.needs, s.completed = needs, false
	s.mu.Unlock()
	s.log.Debug("session restored", zap.String("user_id", ident.ID), zap.String("role", ident.Role.String()))
	return nil
}

func (s *Store) wipe(ctx context.Context) error {
	if err := s.removeCredentials(ctx); err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	return nil
}

// Login signs in with email and password. role is an optional hint for the service.
func (s *Store) Login(ctx context.Context, email, password string, role model.Role) (model.Result, error) {
	s.begin()
	g, err := s.api.Login(ctx, email, password, role)
	if err != nil {
		return s.fail("login", err)
	}
	return s.establish(ctx, "login", g, false)
}

// RegisterStudent creates a student account and signs it in. The new identity always starts
// unonboarded, even when a record for a reused id is still on the device.
func (s *Store) RegisterStudent(ctx context.Context, p model.Profile) (model.Result, error) {
	s.begin()
	g, err := s.api.RegisterStudent(ctx, p)
	if err != nil {
		return s.fail("register", err)
	}
	return s.establish(ctx, "register", g, true)
}

// RegisterStaff creates a counselor or admin account. The current session is not changed.
func (s *Store) RegisterStaff(ctx context.Context, role model.Role, p model.Profile) (model.Result, error) {
	s.begin()
	ident, err := s.api.RegisterStaff(ctx, role, p)
	if err != nil {
		return s.fail("register_staff", err)
	}
	s.end(false)
	s.metrics.SessionOp("register_staff", outcomeSuccess)
	return model.Result{Status: model.StatusSuccess, Identity: &ident, Message: "Registration successful"}, nil
}

// establish persists a granted session and makes it current.
func (s *Store) establish(ctx context.Context, op string, g authapi.Grant, fresh bool) (model.Result, error) {
	ident := g.User
	if fresh {
		if err := s.forgetOnboarding(ctx, ident.ID); err != nil {
			return s.fail(op, err)
		}
	}
	prev := s.snapshot()
	if err := s.persistCredentials(ctx, g.Tokens, ident); err != nil {
		s.rollback(ctx, prev)
		return s.fail(op, err)
	}

	needs := policy.RequiresOnboarding(ident.Role)
	if !fresh {
		var err error
		if needs, err = s.needsOnboarding(ctx, ident); err != nil {
			s.rollback(ctx, prev)
			return s.fail(op, err)
		}
	}

	s.mu.Lock()
	s.identity = cloneIdentity(&ident)
	s.access, s.refresh = g.Tokens.AccessToken, g.Tokens.RefreshToken
	s.needs, s.completed = needs, false
	s.inflight--
	s.failed = false
	s.mu.Unlock()
	s.notify()

	s.log.Info("signed in",
		zap.String("op", op),
		zap.String("user_id", ident.ID),
		zap.String("role", ident.Role.String()),
		zap.Bool("needs_onboarding", needs),
	)
	s.metrics.SessionOp(op, outcomeSuccess)
	return model.Result{Status: model.StatusSuccess, Identity: cloneIdentity(&ident)}, nil
}

// Logout ends the session. The service is told on a best-effort basis; local state is always
// cleared. Onboarding records are kept.
func (s *Store) Logout(ctx context.Context) error {
	s.begin()
	if s.AccessToken() != "" {
		if err := s.api.Logout(ctx); err != nil {
			s.log.Warn("remote logout failed; clearing local session anyway", zap.Error(err))
		}
	}
	err := s.clearLocal(ctx)
	s.end(err != nil)
	if err != nil {
		s.metrics.SessionOp("logout", outcomeError)
		return fmt.Errorf("logout: %w", err)
	}
	s.metrics.SessionOp("logout", outcomeSuccess)
	return nil
}

// Expire performs a full local logout without contacting the service. The refresh interceptor
// calls it when the access token cannot be renewed.
func (s *Store) Expire(ctx context.Context) {
	if err := s.clearLocal(ctx); err != nil {
		s.log.Error("expire session: clear persisted credentials", zap.Error(err))
	}
	s.metrics.SessionOp("expire", outcomeSuccess)
}

func (s *Store) clearLocal(ctx context.Context) error {
	err := s.removeCredentials(ctx)
	s.mu.Lock()
	s.identity = nil
	s.access, s.refresh = "", ""
	s.needs, s.completed = false, false
	s.mu.Unlock()
	s.notify()
	return err
}

// CompleteOnboarding records the intake answers of the current identity and lifts the onboarding
// gate. Calling it again overwrites the record.
func (s *Store) CompleteOnboarding(ctx context.Context, p model.OnboardingPayload) error {
	s.begin()
	s.mu.RLock()
	ident := cloneIdentity(s.identity)
	s.mu.RUnlock()
	if ident == nil {
		s.end(true)
		s.metrics.SessionOp("complete_onboarding", outcomeFail)
		return errs.ErrNoSession
	}

	if p.CompletedAt.IsZero() {
		p.CompletedAt = s.now().UTC()
	}
	data, err := json.Marshal(p)
	if err != nil {
		s.end(true)
		return fmt.Errorf("complete onboarding: encode: %w", err)
	}
	if err := s.kv.Set(ctx, OnboardingDataKey(ident.ID), string(data)); err != nil {
		s.end(true)
		s.metrics.SessionOp("complete_onboarding", outcomeError)
		return fmt.Errorf("complete onboarding: %w", err)
	}
	if err := s.kv.Set(ctx, OnboardedKey(ident.ID), "true"); err != nil {
		s.end(true)
		s.metrics.SessionOp("complete_onboarding", outcomeError)
		return fmt.Errorf("complete onboarding: %w", err)
	}

	s.mu.Lock()
	if s.identity != nil && s.identity.ID == ident.ID {
		s.needs = false
		s.completed = true
	}
	s.inflight--
	s.failed = false
	s.mu.Unlock()
	s.notify()

	s.log.Info("onboarding completed", zap.String("user_id", ident.ID), zap.Strings("reasons", p.SelectedReasons()))
	s.metrics.SessionOp("complete_onboarding", outcomeSuccess)
	return nil
}

// OnboardingRecord returns the stored intake answers of the current identity.
// ok is false when none are stored.
func (s *Store) OnboardingRecord(ctx context.Context) (p model.OnboardingPayload, ok bool, err error) {
	s.mu.RLock()
	ident := cloneIdentity(s.identity)
	s.mu.RUnlock()
	if ident == nil {
		return p, false, errs.ErrNoSession
	}
	raw, err := s.read(ctx, OnboardingDataKey(ident.ID))
	if err != nil || raw == "" {
		return p, false, err
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, false, fmt.Errorf("decode onboarding record: %w", err)
	}
	return p, true, nil
}

// ForgotPassword asks the service to send a reset link.
func (s *Store) ForgotPassword(ctx context.Context, email string, role model.Role) (model.Result, error) {
	return s.passThrough(ctx, "forgot_password", func(ctx context.Context) (string, error) {
		return s.api.ForgotPassword(ctx, email, role)
	})
}

// ResetPassword sets a new password with a reset token.
func (s *Store) ResetPassword(ctx context.Context, token, password string, role model.Role) (model.Result, error) {
	return s.passThrough(ctx, "reset_password", func(ctx context.Context) (string, error) {
		return s.api.ResetPassword(ctx, token, password, role)
	})
}

// ValidateResetToken checks a reset token before the new password form is shown.
func (s *Store) ValidateResetToken(ctx context.Context, token string, role model.Role) (model.Result, error) {
	return s.passThrough(ctx, "validate_reset_token", func(ctx context.Context) (string, error) {
		return s.api.ValidateResetToken(ctx, token, role)
	})
}

// ChangePassword changes the password of the signed-in identity. The service enforces that a
// session exists.
func (s *Store) ChangePassword(ctx context.Context, current, next string) (model.Result, error) {
	return s.passThrough(ctx, "change_password", func(ctx context.Context) (string, error) {
		return s.api.ChangePassword(ctx, current, next)
	})
}

func (s *Store) passThrough(ctx context.Context, op string, call func(context.Context) (string, error)) (model.Result, error) {
	s.begin()
	msg, err := call(ctx)
	if err != nil {
		return s.fail(op, err)
	}
	s.end(false)
	s.metrics.SessionOp(op, outcomeSuccess)
	return model.Result{Status: model.StatusSuccess, Message: msg}, nil
}

// AccessToken returns the current access token or "".
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

// RefreshToken returns the current refresh token or "".
func (s *Store) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresh
}

// UpdateTokens stores credentials renewed with the refresh token spent. An empty refresh keeps
// the current refresh token. It fails with errs.ErrNoSession when nobody is signed in and with
// errs.ErrSessionChanged when spent no longer belongs to the current session; nothing is kept then.
func (s *Store) UpdateTokens(ctx context.Context, spent, access, refresh string) error {
	if access == "" {
		return errors.New("update tokens: empty access token")
	}
	if err := s.owns(spent); err != nil {
		return err
	}

	if err := s.kv.Set(ctx, KeyToken, access); err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	if refresh != "" {
		if err := s.kv.Set(ctx, KeyRefreshToken, refresh); err != nil {
			return fmt.Errorf("update tokens: %w", err)
		}
	}

	s.mu.Lock()
	if err := s.ownsLocked(spent); err != nil {
		// the session ended or changed hands while the tokens were being written
		cur := s.snapshotLocked()
		s.mu.Unlock()
		s.rollback(ctx, cur)
		return err
	}
	s.access = access
	if refresh != "" {
		s.refresh = refresh
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Store) owns(spent string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ownsLocked(spent)
}

func (s *Store) ownsLocked(spent string) error {
	switch {
	case s.identity == nil:
		return errs.ErrNoSession
	case s.refresh != spent:
		return errs.ErrSessionChanged
	}
	return nil
}

// credentials is what the key-value store holds for a session; a nil identity means none.
type credentials struct {
	identity *model.Identity
	tokens   model.Tokens
}

func (s *Store) snapshot() credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() credentials {
	return credentials{
		identity: cloneIdentity(s.identity),
		tokens:   model.Tokens{AccessToken: s.access, RefreshToken: s.refresh},
	}
}

// rollback makes the persisted credentials match c again after a write that was abandoned.
func (s *Store) rollback(ctx context.Context, c credentials) {
	var err error
	if c.identity == nil {
		err = s.removeCredentials(ctx)
	} else {
		err = s.persistCredentials(ctx, c.tokens, *c.identity)
	}
	if err != nil {
		s.log.Error("restore persisted credentials", zap.Error(err))
	}
}

func (s *Store) begin() {
	s.mu.Lock()
	s.inflight++
	s.failed = false
	s.mu.Unlock()
	s.notify()
}

func (s *Store) end(failed bool) {
	s.mu.Lock()
	s.inflight--
	s.failed = failed
	s.mu.Unlock()
	s.notify()
}

// fail finishes an operation that did not succeed. Refusals by the service become a fail result;
// anything else is also returned as an error.
func (s *Store) fail(op string, err error) (model.Result, error) {
	s.end(true)
	res := model.Result{Status: model.StatusFail, Message: authapi.MessageOf(err)}

	var apiErr *authapi.APIError
	if errors.As(err, &apiErr) {
		s.log.Info("operation refused", zap.String("op", op), zap.Int("status", apiErr.HTTPStatus), zap.String("message", apiErr.Message))
		s.metrics.SessionOp(op, outcomeFail)
		return res, nil
	}
	s.log.Warn("operation failed", zap.String("op", op), zap.Error(err))
	s.metrics.SessionOp(op, outcomeError)
	return res, fmt.Errorf("%s: %w", op, err)
}

func (s *Store) persistCredentials(ctx context.Context, t model.Tokens, ident model.Identity) error {
	user, err := json.Marshal(ident)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	if err := s.kv.Set(ctx, KeyToken, t.AccessToken); err != nil {
		return err
	}
	if t.RefreshToken != "" {
		err = s.kv.Set(ctx, KeyRefreshToken, t.RefreshToken)
	} else {
		err = s.kv.Remove(ctx, KeyRefreshToken)
	}
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, KeyUser, string(user))
}

func (s *Store) removeCredentials(ctx context.Context) error {
	return errors.Join(
		s.kv.Remove(ctx, KeyToken),
		s.kv.Remove(ctx, KeyRefreshToken),
		s.kv.Remove(ctx, KeyUser),
	)
}

func (s *Store) forgetOnboarding(ctx context.Context, id string) error {
	return errors.Join(
		s.kv.Remove(ctx, OnboardedKey(id)),
		s.kv.Remove(ctx, OnboardingDataKey(id)),
	)
}

func (s *Store) needsOnboarding(ctx context.Context, ident model.Identity) (bool, error) {
	if !policy.RequiresOnboarding(ident.Role) {
		return false, nil
	}
	v, err := s.read(ctx, OnboardedKey(ident.ID))
	if err != nil {
		return false, err
	}
	return v != "true", nil
}

// read returns "" for absent keys.
func (s *Store) read(ctx context.Context, key string) (string, error) {
	v, err := s.kv.Get(ctx, key)
	if errors.Is(err, errs.ErrNotFound) {
		return "", nil
	}
	return v, err
}

func cloneIdentity(i *model.Identity) *model.Identity {
	if i == nil {
		return nil
	}
	c := *i
	c.Extra = maps.Clone(i.Extra)
	return &c
}

func tokenExpiry(access string) time.Time {
	if access == "" {
		return time.Time{}
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(access, &claims); err != nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
