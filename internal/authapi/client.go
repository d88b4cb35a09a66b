// Package authapi is a thin client for the platform's REST identity service.
//
// Public endpoints (login, register, refresh, password recovery) go through the public HTTP client.
// Endpoints that need a bearer token (logout, change password) go through the authed client, whose
// transport is expected to stamp and refresh tokens (see package transport).
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/and161185/mindharbor/internal/errs"
	"github.com/and161185/mindharbor/internal/model"
)

// GenericMessage is shown when the service did not explain a failure.
const GenericMessage = "network error, please try again"

const maxBody = 1 << 20

// Endpoint paths relative to the base URL.
const (
	PathLogin              = "/auth/login"
	PathRegister           = "/auth/register/" // + role
	PathRefresh            = "/auth/refresh-token"
	PathLogout             = "/auth/logout"
	PathForgotPassword     = "/auth/forgot-password"
	PathResetPassword      = "/auth/reset-password"
	PathValidateResetToken = "/auth/validate-reset-token"
	PathChangePassword     = "/auth/change-password"
)

// APIError is a failure the identity service reported itself (a "fail" envelope or a 4xx).
type APIError struct {
	HTTPStatus int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("identity service: %d %s", e.HTTPStatus, e.Message)
}

// Is maps 401 to errs.ErrUnauthorized.
func (e *APIError) Is(target error) bool {
	return target == errs.ErrUnauthorized && e.HTTPStatus == http.StatusUnauthorized
}

// Grant is what login and student registration return.
type Grant struct {
	Tokens model.Tokens
	User   model.Identity
}

type grantWire struct {
	Token        string          `json:"token"`
	RefreshToken string          `json:"refreshToken"`
	User         *model.Identity `json:"user"`
}

// Client talks to the identity service.
type Client struct {
	base   string
	public *http.Client
	authed *http.Client
	log    *zap.Logger
	tracer trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithPublicClient sets the client for endpoints that need no token.
func WithPublicClient(hc *http.Client) Option { return func(c *Client) { c.public = hc } }

// WithAuthedClient sets the client for endpoints that need a bearer token.
func WithAuthedClient(hc *http.Client) Option { return func(c *Client) { c.authed = hc } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

// New constructs a client for baseURL (e.g. "https://host/api").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		public: &http.Client{Timeout: 15 * time.Second},
		log:    zap.NewNop(),
		tracer: otel.Tracer("github.com/and161185/mindharbor/internal/authapi"),
	}
	for _, o := range opts {
		o(c)
	}
	if c.authed == nil {
		c.authed = c.public
	}
	return c
}

// Login authenticates with email/password. role is an optional hint sent as userType.
func (c *Client) Login(ctx context.Context, email, password string, role model.Role) (Grant, error) {
	body := map[string]any{"email": email, "password": password}
	if role != "" {
		body["userType"] = string(role)
	}
	return c.grant(ctx, PathLogin, body)
}

// RegisterStudent creates a student account; the service logs the student in right away.
func (c *Client) RegisterStudent(ctx context.Context, p model.Profile) (Grant, error) {
	return c.grant(ctx, PathRegister+string(model.RoleStudent), p)
}

// RegisterStaff creates a counselor or admin account. No tokens are issued.
func (c *Client) RegisterStaff(ctx context.Context, role model.Role, p model.Profile) (model.Identity, error) {
	if role != model.RoleCounselor && role != model.RoleAdmin {
		return model.Identity{}, fmt.Errorf("%w: staff registration for %q", errs.ErrInvalidRole, role)
	}
	var out struct {
		User *model.Identity `json:"user"`
	}
	if _, err := c.do(ctx, c.public, PathRegister+string(role), p, &out); err != nil {
		return model.Identity{}, err
	}
	if out.User == nil {
		return model.Identity{}, fmt.Errorf("%w: register response without user", errs.ErrTransport)
	}
	return *out.User, nil
}

// Refresh exchanges a refresh token for a new access token. The service may rotate the refresh
// token; Tokens.RefreshToken is empty when it did not.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (model.Tokens, error) {
	var out struct {
		Token        string `json:"token"`
		RefreshToken string `json:"refreshToken"`
	}
	if _, err := c.do(ctx, c.public, PathRefresh, map[string]string{"refreshToken": refreshToken}, &out); err != nil {
		return model.Tokens{}, err
	}
	if out.Token == "" {
		return model.Tokens{}, fmt.Errorf("%w: refresh response without token", errs.ErrTransport)
	}
	return model.Tokens{AccessToken: out.Token, RefreshToken: out.RefreshToken}, nil
}

// Logout tells the service to invalidate the current session.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.do(ctx, c.authed, PathLogout, nil, nil)
	return err
}

// ForgotPassword asks for a reset link.
func (c *Client) ForgotPassword(ctx context.Context, email string, role model.Role) (string, error) {
	return c.do(ctx, c.public, PathForgotPassword, withRole(map[string]any{"email": email}, role), nil)
}

// ResetPassword sets a new password using a reset token.
func (c *Client) ResetPassword(ctx context.Context, token, password string, role model.Role) (string, error) {
	return c.do(ctx, c.public, PathResetPassword, withRole(map[string]any{"token": token, "password": password}, role), nil)
}

// ValidateResetToken checks a reset token before showing the new-password form.
func (c *Client) ValidateResetToken(ctx context.Context, token string, role model.Role) (string, error) {
	return c.do(ctx, c.public, PathValidateResetToken, withRole(map[string]any{"token": token}, role), nil)
}

// ChangePassword changes the password of the signed-in identity.
func (c *Client) ChangePassword(ctx context.Context, current, next string) (string, error) {
	body := map[string]string{"currentPassword": current, "newPassword": next}
	return c.do(ctx, c.authed, PathChangePassword, body, nil)
}

func withRole(body map[string]any, role model.Role) map[string]any {
	if role != "" {
		body["userType"] = string(role)
	}
	return body
}

func (c *Client) grant(ctx context.Context, path string, body any) (Grant, error) {
	var w grantWire
	if _, err := c.do(ctx, c.public, path, body, &w); err != nil {
		return Grant{}, err
	}
	if w.Token == "" || w.User == nil {
		return Grant{}, fmt.Errorf("%w: %s response without token or user", errs.ErrTransport, path)
	}
	return Grant{
		Tokens: model.Tokens{AccessToken: w.Token, RefreshToken: w.RefreshToken},
		User:   *w.User,
	}, nil
}

// do POSTs body as JSON and decodes the envelope. It returns the envelope message on success.
func (c *Client) do(ctx context.Context, hc *http.Client, path string, body, out any) (msg string, err error) {
	ctx, span := c.tracer.Start(ctx, "authapi "+path, trace.WithSpanKind(trace.SpanKindClient))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "request failed")
		}
		span.End()
	}()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", path, err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, rdr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		c.log.Warn("identity service unreachable", zap.String("path", path), zap.Error(err))
		return "", fmt.Errorf("%w: %s: %v", errs.ErrTransport, path, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", errs.ErrTransport, path, err)
	}
	c.log.Debug("identity service",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("dur", time.Since(start)),
	)

	var env model.Envelope
	decodeErr := json.Unmarshal(raw, &env)

	switch {
	case resp.StatusCode >= 500:
		if decodeErr == nil && env.Message != "" {
			return "", fmt.Errorf("%w: %s: %d %s", errs.ErrTransport, path, resp.StatusCode, env.Message)
		}
		return "", fmt.Errorf("%w: %s: %d", errs.ErrTransport, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		m := http.StatusText(resp.StatusCode)
		if decodeErr == nil && env.Message != "" {
			m = env.Message
		}
		return "", &APIError{HTTPStatus: resp.StatusCode, Message: m}
	case decodeErr != nil:
		return "", fmt.Errorf("%w: decode %s: %v", errs.ErrTransport, path, decodeErr)
	case env.Status != model.StatusSuccess:
		m := env.Message
		if m == "" {
			m = "request failed"
		}
		return "", &APIError{HTTPStatus: resp.StatusCode, Message: m}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return "", fmt.Errorf("%w: decode %s data: %v", errs.ErrTransport, path, err)
		}
	}
	return env.Message, nil
}

// MessageOf returns the user-facing message of err: the service's own message for APIError,
// GenericMessage otherwise.
func MessageOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return GenericMessage
}
