package authapi_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/mindharbor/internal/authapi"
	"github.com/and161185/mindharbor/internal/authapi/authapitest"
	"github.com/and161185/mindharbor/internal/errs"
	"github.com/and161185/mindharbor/internal/model"
)

func newFake(t *testing.T) *authapitest.Server {
	t.Helper()
	srv := authapitest.New()
	t.Cleanup(srv.Close)
	return srv
}

func TestLogin_SuccessAndFailure(t *testing.T) {
	t.Parallel()
	srv := newFake(t)
	alice := srv.AddAccount("Alice", "alice@example.com", "password123", model.RoleStudent)
	c := authapi.New(srv.BaseURL())
	ctx := context.Background()

	g, err := c.Login(ctx, "alice@example.com", "password123", model.RoleStudent)
	require.NoError(t, err)
	require.NotEmpty(t, g.Tokens.AccessToken)
	require.NotEmpty(t, g.Tokens.RefreshToken)
	require.Equal(t, alice.ID, g.User.ID)
	require.Equal(t, model.RoleStudent, g.User.Role)

	_, err = c.Login(ctx, "alice@example.com", "nope", "")
	var apiErr *authapi.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "Invalid email or password", apiErr.Message)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	require.Equal(t, "Invalid email or password", authapi.MessageOf(err))

	_, err = c.Login(ctx, "alice@example.com", "password123", model.RoleCounselor)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestRegister(t *testing.T) {
	t.Parallel()
	srv := newFake(t)
	c := authapi.New(srv.BaseURL())
	ctx := context.Background()

	g, err := c.RegisterStudent(ctx, model.Profile{FullName: "Sam", Email: "sam@example.com", Password: "pw"})
	require.NoError(t, err)
	require.Equal(t, model.RoleStudent, g.User.Role)
	require.NotEmpty(t, g.Tokens.AccessToken)

	_, err = c.RegisterStudent(ctx, model.Profile{FullName: "Sam", Email: "sam@example.com", Password: "pw"})
	require.Error(t, err)
	require.Equal(t, "Email already registered", authapi.MessageOf(err))

	id, err := c.RegisterStaff(ctx, model.RoleCounselor, model.Profile{FullName: "Dr C", Email: "c@example.com", Password: "pw"})
	require.NoError(t, err)
	require.Equal(t, model.RoleCounselor, id.Role)

	_, err = c.RegisterStaff(ctx, model.RoleAdmin, model.Profile{FullName: "A", Email: "a@example.com", Password: "pw", AdminCode: "wrong"})
	require.Equal(t, "Invalid admin code", authapi.MessageOf(err))

	_, err = c.RegisterStaff(ctx, model.RoleStudent, model.Profile{})
	require.ErrorIs(t, err, errs.ErrInvalidRole)
}

func TestRefresh(t *testing.T) {
	t.Parallel()
	srv := newFake(t)
	srv.AddAccount("Alice", "alice@example.com", "password123", model.RoleStudent)
	c := authapi.New(srv.BaseURL())
	ctx := context.Background()

	g, err := c.Login(ctx, "alice@example.com", "password123", "")
	require.NoError(t, err)

	tok, err := c.Refresh(ctx, g.Tokens.RefreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, tok.AccessToken)
	require.NotEqual(t, g.Tokens.AccessToken, tok.AccessToken)
	require.Empty(t, tok.RefreshToken)

	_, err = c.Refresh(ctx, "bogus")
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestPasswordRecovery(t *testing.T) {
	t.Parallel()
	srv := newFake(t)
	srv.AddAccount("Alice", "alice@example.com", "old", model.RoleStudent)
	c := authapi.New(srv.BaseURL())
	ctx := context.Background()

	msg, err := c.ForgotPassword(ctx, "alice@example.com", model.RoleStudent)
	require.NoError(t, err)
	require.NotEmpty(t, msg)

	tok := srv.ResetTokenFor("alice@example.com")
	require.NotEmpty(t, tok)

	_, err = c.ValidateResetToken(ctx, tok, model.RoleStudent)
	require.NoError(t, err)
	_, err = c.ValidateResetToken(ctx, "nope", model.RoleStudent)
	require.Equal(t, "Invalid or expired reset token", authapi.MessageOf(err))

	_, err = c.ResetPassword(ctx, tok, "new", model.RoleStudent)
	require.NoError(t, err)
	_, err = c.ResetPassword(ctx, tok, "again", model.RoleStudent)
	require.Error(t, err)

	_, err = c.Login(ctx, "alice@example.com", "new", "")
	require.NoError(t, err)
}

func TestChangePassword_RequiresBearer(t *testing.T) {
	t.Parallel()
	srv := newFake(t)
	srv.AddAccount("Alice", "alice@example.com", "old", model.RoleStudent)
	c := authapi.New(srv.BaseURL())

	_, err := c.ChangePassword(context.Background(), "old", "new")
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		status    int
		body      string
		transport bool
		message   string
	}{
		{"5xx without envelope", http.StatusBadGateway, "<html>bad gateway</html>", true, authapi.GenericMessage},
		{"5xx with envelope", http.StatusInternalServerError, `{"status":"error","message":"db down"}`, true, authapi.GenericMessage},
		{"4xx without envelope", http.StatusTooManyRequests, "slow down", false, "Too Many Requests"},
		{"200 fail envelope", http.StatusOK, `{"status":"fail","message":"Account locked"}`, false, "Account locked"},
		{"200 garbage", http.StatusOK, "not json", true, authapi.GenericMessage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer ts.Close()

			_, err := authapi.New(ts.URL).ForgotPassword(context.Background(), "x@example.com", "")
			require.Error(t, err)
			require.Equal(t, tc.transport, errors.Is(err, errs.ErrTransport), err.Error())
			require.Equal(t, tc.message, authapi.MessageOf(err))
		})
	}
}

func TestUnreachable(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := authapi.New(url).Login(context.Background(), "a", "b", "")
	require.ErrorIs(t, err, errs.ErrTransport)
	require.Equal(t, authapi.GenericMessage, authapi.MessageOf(err))
}
