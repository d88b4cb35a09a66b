package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/mindharbor/internal/authapi"
	"github.com/and161185/mindharbor/internal/authapi/authapitest"
	"github.com/and161185/mindharbor/internal/errs"
	"github.com/and161185/mindharbor/internal/model"
	"github.com/and161185/mindharbor/internal/policy"
	"github.com/and161185/mindharbor/internal/repository"
	"github.com/and161185/mindharbor/internal/repository/memory"
	"github.com/and161185/mindharbor/internal/session"
	"github.com/and161185/mindharbor/internal/transport"
)

type env struct {
	srv   *authapitest.Server
	kv    *memory.Store
	store *session.Store

	mu     sync.Mutex
	routes []string
}

func (e *env) visited() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.routes...)
}

// newEnv wires a store to the fake identity service the same way the application does.
func newEnv(t *testing.T) *env {
	t.Helper()
	srv := authapitest.New()
	t.Cleanup(srv.Close)
	return newEnvWith(t, srv, memory.New())
}

func newEnvWith(t *testing.T, srv *authapitest.Server, kv *memory.Store) *env {
	t.Helper()
	e := &env{srv: srv, kv: kv}
	log := zaptest.NewLogger(t)

	public := authapi.New(srv.BaseURL(), authapi.WithLogger(log))
	ic := transport.New(nil, public,
		transport.WithLogger(log),
		transport.WithNavigator(transport.NavigatorFunc(func(route string) {
			e.mu.Lock()
			e.routes = append(e.routes, route)
			e.mu.Unlock()
		})),
	)
	api := authapi.New(srv.BaseURL(),
		authapi.WithLogger(log),
		authapi.WithAuthedClient(&http.Client{Transport: ic}),
	)
	e.store = session.New(kv, api, session.WithLogger(log))
	ic.Attach(e.store)
	require.NoError(t, e.store.Restore(context.Background()))
	return e
}

func kvGet(t *testing.T, kv repository.KVStore, key string) (string, bool) {
	t.Helper()
	v, err := kv.Get(context.Background(), key)
	if errors.Is(err, errs.ErrNotFound) {
		return "", false
	}
	require.NoError(t, err)
	return v, true
}

func TestLogin_Success(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	alice := e.srv.AddAccount("Alice", "alice@example.com", "password123", model.RoleStudent)

	res, err := e.store.Login(ctx, "alice@example.com", "password123", model.RoleStudent)
	require.NoError(t, err)
	require.True(t, res.OK())
	require.Equal(t, alice.ID, res.Identity.ID)

	st := e.store.State()
	require.True(t, st.IsLoggedIn)
	require.Equal(t, model.RoleStudent, st.UserRole)
	require.True(t, st.NeedsOnboarding)
	require.False(t, st.Loading)
	require.False(t, st.Error)
	require.True(t, st.TokenExpiresAt.After(time.Now()))

	tok, ok := kvGet(t, e.kv, session.KeyToken)
	require.True(t, ok)
	require.NotEmpty(t, tok)
	_, ok = kvGet(t, e.kv, session.KeyRefreshToken)
	require.True(t, ok)

	raw, ok := kvGet(t, e.kv, session.KeyUser)
	require.True(t, ok)
	var stored model.Identity
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	require.Equal(t, alice.ID, stored.ID)
	require.Equal(t, model.RoleStudent, stored.Role)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.srv.AddAccount("Alice", "alice@example.com", "password123", model.RoleStudent)

	cases := []struct {
		name, email, password string
		role                  model.Role
	}{
		{"wrong password", "alice@example.com", "nope", model.RoleStudent},
		{"unknown email", "mallory@example.com", "password123", ""},
		{"wrong role hint", "alice@example.com", "password123", model.RoleAdmin},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := e.store.Login(ctx, tc.email, tc.password, tc.role)
			require.NoError(t, err)
			require.Equal(t, model.StatusFail, res.Status)
			require.Equal(t, "Invalid email or password", res.Message)
			require.Nil(t, res.Identity)

			st := e.store.State()
			require.False(t, st.IsLoggedIn)
			require.True(t, st.Error)
			_, ok := kvGet(t, e.kv, session.KeyToken)
			require.False(t, ok)
		})
	}
}

func TestLogin_FailureKeepsCurrentSession(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	alice := e.srv.AddAccount("Alice", "alice@example.com", "password123", model.RoleStudent)

	_, err := e.store.Login(ctx, "alice@example.com", "password123", "")
	require.NoError(t, err)
	tok, _ := kvGet(t, e.kv, session.KeyToken)

	res, err := e.store.Login(ctx, "alice@example.com", "wrong", "")
	require.NoError(t, err)
	require.False(t, res.OK())

	st := e.store.State()
	require.True(t, st.IsLoggedIn)
	require.Equal(t, alice.ID, st.Identity.ID)
	after, _ := kvGet(t, e.kv, session.KeyToken)
	require.Equal(t, tok, after)
}

func TestAliceCompletesOnboarding(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	alice := e.srv.AddAccount("Alice", "alice@example.com", "password123", model.RoleStudent)

	res, err := e.store.Login(ctx, "alice@example.com", "password123", model.RoleStudent)
	require.NoError(t, err)
	require.True(t, res.OK())
	require.True(t, e.store.State().NeedsOnboarding)

	err = e.store.CompleteOnboarding(ctx, model.OnboardingPayload{
		Consent:           true,
		ReasonsForSeeking: map[string]bool{model.ReasonAcademic: true},
	})
	require.NoError(t, err)

	st := e.store.State()
	require.False(t, st.NeedsOnboarding)
	require.True(t, st.OnboardingCompletedThisSession)

	flag, ok := kvGet(t, e.kv, session.OnboardedKey(alice.ID))
	require.True(t, ok)
	require.Equal(t, "true", flag)

	raw, ok := kvGet(t, e.kv, session.OnboardingDataKey(alice.ID))
	require.True(t, ok)
	var data struct {
		ReasonsForSeeking map[string]bool `json:"reasonsForSeeking"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &data))
	require.True(t, data.ReasonsForSeeking["academic"])

	rec, found, err := e.store.OnboardingRecord(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, rec.Consent)
	require.False(t, rec.CompletedAt.IsZero())
}

func TestCompleteOnboarding_Idempotent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	alice := e.srv.AddAccount("Alice", "alice@example.com", "password123", model.RoleStudent)
	_, err := e.store.Login(ctx, "alice@example.com", "password123", "")
	require.NoError(t, err)

	p := model.OnboardingPayload{Consent: true, ReasonsForSeeking: map[string]bool{model.ReasonStress: true}}
	require.NoError(t, e.store.CompleteOnboarding(ctx, p))
	require.NoError(t, e.store.CompleteOnboarding(ctx, p))

	flag, _ := kvGet(t, e.kv, session.OnboardedKey(alice.ID))
	require.Equal(t, "true", flag)
	require.False(t, e.store.State().NeedsOnboarding)
}

func TestCompleteOnboarding_RequiresSession(t *testing.T) {
	e := newEnv(t)
	err := e.store.CompleteOnboarding(context.Background(), model.OnboardingPayload{Consent: true})
	if !errors.Is(err, errs.ErrNoSession) {
		t.Fatalf("want ErrNoSession, got %v", err)
	}
	_, _, err = e.store.OnboardingRecord(context.Background())
	require.ErrorIs(t, err, errs.ErrNoSession)
}

func TestLogoutThenLogin_KeepsOnboarding(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	alice := e.srv.AddAccount("Alice", "alice@example.com", "password123", model.RoleStudent)

	_, err := e.store.Login(ctx, "alice@example.com", "password123", "")
	require.NoError(t, err)
	require.NoError(t, e.store.CompleteOnboarding(ctx, model.OnboardingPayload{Consent: true}))

	require.NoError(t, e.store.Logout(ctx))
	st := e.store.State()
	require.False(t, st.IsLoggedIn)
	require.False(t, st.NeedsOnboarding)
	require.False(t, st.OnboardingCompletedThisSession)
	require.Empty(t, e.store.AccessToken())
	for _, k := range []string{session.KeyToken, session.KeyRefreshToken, session.KeyUser} {
		_, ok := kvGet(t, e.kv, k)
		require.False(t, ok, k)
	}
	_, ok := kvGet(t, e.kv, session.OnboardedKey(alice.ID))
	require.True(t, ok, "onboarding record survives logout")
	require.Equal(t, 1, e.srv.Calls("/api/auth/logout"))

	_, err = e.store.Login(ctx, "alice@example.com", "password123", "")
	require.NoError(t, err)
	st = e.store.State()
	require.True(t, st.IsLoggedIn)
	require.False(t, st.NeedsOnboarding)
	require.False(t, st.OnboardingCompletedThisSession)
}

func TestLogout_RemoteFailureStillClears(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.srv.AddAccount("Alice", "alice@example.com", "password123", model.RoleStudent)
	_, err := e.store.Login(ctx, "alice@example.com", "password123", "")
	require.NoError(t, err)

	e.srv.FailLogout.Store(true)
	require.NoError(t, e.store.Logout(ctx))
	require.False(t, e.store.State().IsLoggedIn)
	_, ok := kvGet(t, e.kv, session.KeyToken)
	require.False(t, ok)
}

func TestLogout_WithoutSessionSkipsService(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.store.Logout(context.Background()))
	require.Zero(t, e.srv.Calls("/api/auth/logout"))
}

func TestRegisterStudent_IgnoresStaleOnboarding(t *testing.T) {
	ctx := context.Background()
	srv := authapitest.New()
	t.Cleanup(srv.Close)
	srv.NextID = func() string { return "stu-42" }

	kv := memory.New()
	require.NoError(t, kv.Set(ctx, session.OnboardedKey("stu-42"), "true"))
	require.NoError(t, kv.Set(ctx, session.OnboardingDataKey("stu-42"), `{"consent":true}`))
	e := newEnvWith(t, srv, kv)

	res, err := e.store.RegisterStudent(ctx, model.Profile{
		FullName: "Sam", Email: "sam@example.com", Password: "hunter22",
	})
	require.NoError(t, err)
	require.True(t, res.OK())
	require.Equal(t, "stu-42", res.Identity.ID)

	st := e.store.State()
	require.True(t, st.IsLoggedIn)
	require.True(t, st.NeedsOnboarding)
	_, ok := kvGet(t, kv, session.OnboardedKey("stu-42"))
	require.False(t, ok)
	_, ok = kvGet(t, kv, session.OnboardingDataKey("stu-42"))
	require.False(t, ok)
}

func TestRegisterStudent_Duplicate(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.srv.AddAccount("Alice", "alice@example.com", "password123", model.RoleStudent)

	res, err := e.store.RegisterStudent(ctx, model.Profile{Email: "alice@example.com", Password: "x"})
	require.NoError(t, err)
	require.Equal(t, model.StatusFail, res.Status)
	require.Equal(t, "Email already registered", res.Message)
	require.False(t, e.store.State().IsLoggedIn)
}

func TestRegisterStaff(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	res, err := e.store.RegisterStaff(ctx, model.RoleCounselor, model.Profile{
		FullName: "Dr. Chen", Email: "chen@example.com", Password: "pw",
	})
	require.NoError(t, err)
	require.True(t, res.OK())
	require.Equal(t, model.RoleCounselor, res.Identity.Role)
	require.False(t, e.store.State().IsLoggedIn, "staff registration does not sign in")

	res, err = e.store.RegisterStaff(ctx, model.RoleAdmin, model.Profile{
		Email: "root@example.com", Password: "pw", AdminCode: "guess",
	})
	require.NoError(t, err)
	require.False(t, res.OK())
	require.Equal(t, "Invalid admin code", res.Message)

	res, err = e.store.RegisterStaff(ctx, model.RoleAdmin, model.Profile{
		Email: "root@example.com", Password: "pw", AdminCode: e.srv.AdminCode,
	})
	require.NoError(t, err)
	require.True(t, res.OK())

	_, err = e.store.RegisterStaff(ctx, model.RoleStudent, model.Profile{Email: "x@example.com"})
	require.ErrorIs(t, err, errs.ErrInvalidRole)
}

func TestStaffNeverNeedsOnboarding(t *testing.T) {
	ctx := context.Background()
	for _, role := range []model.Role{model.RoleCounselor, model.RoleAdmin} {
		t.Run(role.String(), func(t *testing.T) {
			e := newEnv(t)
			e.srv.AddAccount("Staff", "staff@example.com", "pw", role)

			_, err := e.store.Login(ctx, "staff@example.com", "pw", role)
			require.NoError(t, err)
			st := e.store.State()
			require.True(t, st.IsLoggedIn)
			require.Equal(t, role, st.UserRole)
			require.False(t, st.NeedsOnboarding)
		})
	}
}

func TestPasswordRecovery(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.srv.AddAccount("Alice", "alice@example.com", "password123", model.RoleStudent)

	res, err := e.store.ForgotPassword(ctx, "alice@example.com", model.RoleStudent)
	require.NoError(t, err)
	require.True(t, res.OK())
	require.NotEmpty(t, res.Message)

	res, err = e.store.ValidateResetToken(ctx, "bogus", model.RoleStudent)
	require.NoError(t, err)
	require.False(t, res.OK())
	require.Equal(t, "Invalid or expired reset token", res.Message)
	require.True(t, e.store.State().Error)

	tok := e.srv.ResetTokenFor("alice@example.com")
	require.NotEmpty(t, tok)
	res, err = e.store.ValidateResetToken(ctx, tok, model.RoleStudent)
	require.NoError(t, err)
	require.True(t, res.OK())
	require.False(t, e.store.State().Error)

	res, err = e.store.ResetPassword(ctx, tok, "s3cret!", model.RoleStudent)
	require.NoError(t, err)
	require.True(t, res.OK())
	require.False(t, e.store.State().IsLoggedIn, "reset does not sign in")

	res, err = e.store.Login(ctx, "alice@example.com", "s3cret!", "")
	require.NoError(t, err)
	require.True(t, res.OK())
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.srv.AddAccount("Alice", "alice@example.com", "password123", model.RoleStudent)
	_, err := e.store.Login(ctx, "alice@example.com", "password123", "")
	require.NoError(t, err)
	before := e.store.State().Identity

	res, err := e.store.ChangePassword(ctx, "wrong", "next-pass")
	require.NoError(t, err)
	require.False(t, res.OK())
	require.Equal(t, "Current password is incorrect", res.Message)

	res, err = e.store.ChangePassword(ctx, "password123", "next-pass")
	require.NoError(t, err)
	require.True(t, res.OK())
	require.Equal(t, before, e.store.State().Identity)
}

func TestChangePassword_WithoutSession(t *testing.T) {
	e := newEnv(t)
	res, err := e.store.ChangePassword(context.Background(), "a", "b")
	require.NoError(t, err)
	require.False(t, res.OK())
	require.Equal(t, "Not authenticated", res.Message)
}

func TestExpiredAccessTokenIsRenewed(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.srv.AddAccount("Alice", "alice@example.com", "password123", model.RoleStudent)
	_, err := e.store.Login(ctx, "alice@example.com", "password123", "")
	require.NoError(t, err)
	old := e.store.AccessToken()
	oldRefresh := e.store.RefreshToken()

	e.srv.ExpireAccessTokens()
	res, err := e.store.ChangePassword(ctx, "password123", "next-pass")
	require.NoError(t, err)
	require.True(t, res.OK())

	require.EqualValues(t, 1, e.srv.RefreshCount())
	require.NotEqual(t, old, e.store.AccessToken())
	require.Equal(t, oldRefresh, e.store.RefreshToken())
	tok, _ := kvGet(t, e.kv, session.KeyToken)
	require.Equal(t, e.store.AccessToken(), tok)
	require.Empty(t, e.visited())
}

func TestUnrenewableSessionForcesLogout(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	alice := e.srv.AddAccount("Alice", "alice@example.com", "password123", model.RoleStudent)
	_, err := e.store.Login(ctx, "alice@example.com", "password123", "")
	require.NoError(t, err)
	require.NoError(t, e.store.CompleteOnboarding(ctx, model.OnboardingPayload{Consent: true}))

	e.srv.ExpireAccessTokens()
	e.srv.RevokeRefreshTokens()
	res, err := e.store.ChangePassword(ctx, "password123", "next-pass")
	require.NoError(t, err)
	require.False(t, res.OK())

	require.False(t, e.store.State().IsLoggedIn)
	_, ok := kvGet(t, e.kv, session.KeyToken)
	require.False(t, ok)
	_, ok = kvGet(t, e.kv, session.OnboardedKey(alice.ID))
	require.True(t, ok)
	require.Equal(t, []string{policy.LoginRoute}, e.visited())
}

func TestTransportErrors(t *testing.T) {
	ctx := context.Background()
	srv := authapitest.New()
	e := newEnvWith(t, srv, memory.New())
	srv.Close()

	res, err := e.store.Login(ctx, "alice@example.com", "password123", "")
	require.ErrorIs(t, err, errs.ErrTransport)
	require.Equal(t, model.StatusFail, res.Status)
	require.Equal(t, authapi.GenericMessage, res.Message)

	st := e.store.State()
	require.True(t, st.Error)
	require.False(t, st.IsLoggedIn)
	require.False(t, st.Loading)

	_, err = e.store.ForgotPassword(ctx, "alice@example.com", "")
	require.ErrorIs(t, err, errs.ErrTransport)
}

func TestUpdateTokens(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.ErrorIs(t, e.store.UpdateTokens(ctx, "", "a", "r"), errs.ErrNoSession)
	_, ok := kvGet(t, e.kv, session.KeyToken)
	require.False(t, ok)

	e.srv.AddAccount("Alice", "alice@example.com", "password123", model.RoleStudent)
	_, err := e.store.Login(ctx, "alice@example.com", "password123", "")
	require.NoError(t, err)
	refresh := e.store.RefreshToken()

	require.ErrorIs(t, e.store.UpdateTokens(ctx, "someone-elses", "x", "y"), errs.ErrSessionChanged)
	require.NotEqual(t, "x", e.store.AccessToken())
	v, _ := kvGet(t, e.kv, session.KeyToken)
	require.NotEqual(t, "x", v)

	require.NoError(t, e.store.UpdateTokens(ctx, refresh, "new-access", ""))
	require.Equal(t, "new-access", e.store.AccessToken())
	require.Equal(t, refresh, e.store.RefreshToken())
	require.True(t, e.store.State().TokenExpiresAt.IsZero(), "opaque token has no readable expiry")

	require.NoError(t, e.store.UpdateTokens(ctx, refresh, "newer", "rotated"))
	v, _ = kvGet(t, e.kv, session.KeyRefreshToken)
	require.Equal(t, "rotated", v)
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	alice := model.Identity{ID: "u1", FullName: "Alice", Email: "alice@example.com", Role: model.RoleStudent}
	user, err := json.Marshal(alice)
	require.NoError(t, err)

	cases := []struct {
		name      string
		seed      map[string]string
		loggedIn  bool
		needs     bool
		wantEmpty bool
	}{
		{name: "empty", seed: nil},
		{name: "consistent", seed: map[string]string{
			session.KeyToken: "t", session.KeyRefreshToken: "r", session.KeyUser: string(user),
		}, loggedIn: true, needs: true},
		{name: "onboarded", seed: map[string]string{
			session.KeyToken: "t", session.KeyUser: string(user), session.OnboardedKey("u1"): "true",
		}, loggedIn: true},
		{name: "token without user", seed: map[string]string{
			session.KeyToken: "t", session.KeyRefreshToken: "r",
		}, wantEmpty: true},
		{name: "user without token", seed: map[string]string{
			session.KeyUser: string(user),
		}, wantEmpty: true},
		{name: "corrupt user", seed: map[string]string{
			session.KeyToken: "t", session.KeyUser: "{not json",
		}, wantEmpty: true},
		{name: "unknown role", seed: map[string]string{
			session.KeyToken: "t", session.KeyUser: `{"id":"u1","role":"janitor"}`,
		}, wantEmpty: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kv := memory.New()
			for k, v := range tc.seed {
				require.NoError(t, kv.Set(ctx, k, v))
			}
			s := session.New(kv, nil)
			require.True(t, s.State().Loading, "loading until restored")

			require.NoError(t, s.Restore(ctx))
			st := s.State()
			require.False(t, st.Loading)
			require.Equal(t, tc.loggedIn, st.IsLoggedIn)
			require.Equal(t, tc.needs, st.NeedsOnboarding)
			if st.IsLoggedIn {
				require.Equal(t, "u1", st.Identity.ID)
				require.Equal(t, "t", s.AccessToken())
			} else {
				require.Empty(t, s.AccessToken())
			}
			if tc.wantEmpty {
				for _, k := range []string{session.KeyToken, session.KeyRefreshToken, session.KeyUser} {
					_, ok := kvGet(t, kv, k)
					require.False(t, ok, k)
				}
			}
		})
	}
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.srv.AddAccount("Alice", "alice@example.com", "password123", model.RoleStudent)

	var mu sync.Mutex
	var seen []session.State
	cancel := e.store.Subscribe(func(st session.State) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	_, err := e.store.Login(ctx, "alice@example.com", "password123", "")
	require.NoError(t, err)

	mu.Lock()
	require.NotEmpty(t, seen)
	last := seen[len(seen)-1]
	sawLoading := false
	for _, st := range seen {
		sawLoading = sawLoading || st.Loading
	}
	n := len(seen)
	mu.Unlock()
	require.True(t, last.IsLoggedIn, "observers see the new identity before Login returns")
	require.True(t, last.NeedsOnboarding)
	require.True(t, sawLoading)

	cancel()
	require.NoError(t, e.store.Logout(ctx))
	mu.Lock()
	require.Equal(t, n, len(seen))
	mu.Unlock()
}

// failingKV fails every write once armed. failKey fails the next write of one key only.
type failingKV struct {
	*memory.Store
	fail       bool
	failKey    string
	failRemove bool
}

func (f *failingKV) Set(ctx context.Context, key, value string) error {
	if f.fail {
		return errors.New("disk full")
	}
	if f.failKey != "" && f.failKey == key {
		f.failKey = ""
		return errors.New("disk full")
	}
	return f.Store.Set(ctx, key, value)
}

func (f *failingKV) Remove(ctx context.Context, key string) error {
	if f.failRemove {
		return errors.New("read-only file system")
	}
	return f.Store.Remove(ctx, key)
}

func newFailingEnv(t *testing.T) (*authapitest.Server, *failingKV, *session.Store) {
	t.Helper()
	srv := authapitest.New()
	t.Cleanup(srv.Close)
	kv := &failingKV{Store: memory.New()}
	s := session.New(kv, authapi.New(srv.BaseURL()), session.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, s.Restore(context.Background()))
	return srv, kv, s
}

func TestLogin_PersistFailureKeepsCurrentSession(t *testing.T) {
	ctx := context.Background()
	srv, kv, s := newFailingEnv(t)
	alice := srv.AddAccount("Alice", "alice@example.com", "password123", model.RoleStudent)
	srv.AddAccount("Bob", "bob@example.com", "password123", model.RoleStudent)

	_, err := s.Login(ctx, "alice@example.com", "password123", "")
	require.NoError(t, err)
	aliceToken := s.AccessToken()

	// Bob's token is written, then his user record is not.
	kv.failKey = session.KeyUser
	res, err := s.Login(ctx, "bob@example.com", "password123", "")
	require.Error(t, err)
	require.False(t, res.OK())

	st := s.State()
	require.True(t, st.Error)
	require.True(t, st.IsLoggedIn)
	require.Equal(t, alice.ID, st.Identity.ID)

	v, ok := kvGet(t, kv, session.KeyToken)
	require.True(t, ok)
	require.Equal(t, aliceToken, v)

	reloaded := session.New(kv, authapi.New(srv.BaseURL()))
	require.NoError(t, reloaded.Restore(ctx))
	rst := reloaded.State()
	require.True(t, rst.IsLoggedIn)
	require.Equal(t, alice.ID, rst.Identity.ID)
	require.Equal(t, aliceToken, reloaded.AccessToken())
}

func TestCompleteOnboarding_FailureSetsError(t *testing.T) {
	ctx := context.Background()
	srv, kv, s := newFailingEnv(t)
	srv.AddAccount("Alice", "alice@example.com", "password123", model.RoleStudent)

	require.ErrorIs(t, s.CompleteOnboarding(ctx, model.OnboardingPayload{Consent: true}), errs.ErrNoSession)
	require.True(t, s.State().Error)

	_, err := s.Login(ctx, "alice@example.com", "password123", "")
	require.NoError(t, err)
	require.False(t, s.State().Error)

	kv.failKey = session.OnboardedKey(s.State().Identity.ID)
	require.Error(t, s.CompleteOnboarding(ctx, model.OnboardingPayload{Consent: true}))
	st := s.State()
	require.True(t, st.Error)
	require.True(t, st.NeedsOnboarding)
	require.False(t, st.Loading)

	require.NoError(t, s.CompleteOnboarding(ctx, model.OnboardingPayload{Consent: true}))
	st = s.State()
	require.False(t, st.Error)
	require.False(t, st.NeedsOnboarding)
}

func TestLogout_LocalClearFailureSetsError(t *testing.T) {
	ctx := context.Background()
	srv, kv, s := newFailingEnv(t)
	srv.AddAccount("Alice", "alice@example.com", "password123", model.RoleStudent)
	_, err := s.Login(ctx, "alice@example.com", "password123", "")
	require.NoError(t, err)

	kv.failRemove = true
	require.Error(t, s.Logout(ctx))
	st := s.State()
	require.True(t, st.Error)
	require.False(t, st.IsLoggedIn)

	kv.failRemove = false
	require.NoError(t, s.Logout(ctx))
	require.False(t, s.State().Error)
}

func TestLogin_PersistFailureLeavesNoSession(t *testing.T) {
	ctx := context.Background()
	srv := authapitest.New()
	t.Cleanup(srv.Close)
	srv.AddAccount("Alice", "alice@example.com", "password123", model.RoleStudent)

	kv := &failingKV{Store: memory.New(), fail: true}
	s := session.New(kv, authapi.New(srv.BaseURL()), session.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, s.Restore(ctx))

	res, err := s.Login(ctx, "alice@example.com", "password123", "")
	require.Error(t, err)
	require.False(t, res.OK())
	require.False(t, s.State().IsLoggedIn)
	require.Empty(t, kv.Keys())

	kv.fail = false
	res, err = s.Login(ctx, "alice@example.com", "password123", "")
	require.NoError(t, err)
	require.True(t, res.OK())
}
