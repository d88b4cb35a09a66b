// Package authapitest runs an in-memory identity service speaking the same REST envelope as the real
// one. It exists for tests and local demos of the client; it is not an authentication server.
package authapitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/mindharbor/internal/model"
)

type account struct {
	identity model.Identity
	password passwordHash
}

// Server is the fake identity service.
type Server struct {
	*httptest.Server

	// AdminCode must accompany admin registrations.
	AdminCode string
	// NextID overrides identity id generation when set.
	NextID func() string
	// FailLogout makes /auth/logout answer 503.
	FailLogout atomic.Bool

	signKey   []byte
	accessTTL time.Duration

	mu       sync.Mutex
	byEmail  map[string]*account
	access   map[string]string // access token -> email
	refresh  map[string]string // refresh token -> email
	resets   map[string]string // reset token -> email
	refreshN atomic.Int64
	calls    map[string]int
}

// New starts the fake service. Close it with t.Cleanup(srv.Close).
func New() *Server {
	s := &Server{
		AdminCode: "let-me-in",
		signKey:   []byte("authapitest-signing-key"),
		accessTTL: 15 * time.Minute,
		byEmail:   map[string]*account{},
		access:    map[string]string{},
		refresh:   map[string]string{},
		resets:    map[string]string{},
		calls:     map[string]int{},
	}
	s.Server = httptest.NewServer(s.routes())
	return s
}

// BaseURL is the URL to hand to authapi.New.
func (s *Server) BaseURL() string { return s.URL + "/api" }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.count)
	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/register/{role}", s.handleRegister)
		r.Post("/refresh-token", s.handleRefresh)
		r.Post("/logout", s.handleLogout)
		r.Post("/forgot-password", s.handleForgot)
		r.Post("/reset-password", s.handleReset)
		r.Post("/validate-reset-token", s.handleValidateReset)
		r.Post("/change-password", s.handleChangePassword)
	})
	r.Get("/api/me", s.handleMe)
	r.Post("/api/journal", s.handleJournal)
	return r
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[r.URL.Path]++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

// AddAccount seeds an identity with a password and returns it.
func (s *Server) AddAccount(fullName, email, password string, role model.Role) model.Identity {
	id, err := s.createAccount(fullName, email, password, role)
	if err != nil {
		panic(err)
	}
	return id
}

// Calls reports how many requests hit path (e.g. "/api/auth/refresh-token").
func (s *Server) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

// RefreshCount is the number of successful refreshes served.
func (s *Server) RefreshCount() int64 { return s.refreshN.Load() }

// ExpireAccessTokens invalidates every issued access token, as if they all timed out.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	s.access = map[string]string{}
	s.mu.Unlock()
}

// RevokeRefreshTokens invalidates every issued refresh token.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	s.refresh = map[string]string{}
	s.mu.Unlock()
}

// ResetTokenFor returns the last reset token issued to email.
func (s *Server) ResetTokenFor(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok, e := range s.resets {
		if e == email {
			return tok
		}
	}
	return ""
}

func (s *Server) createAccount(fullName, email, password string, role model.Role) (model.Identity, error) {
	h, err := hashPassword(password)
	if err != nil {
		return model.Identity{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(email)
	if _, exists := s.byEmail[key]; exists {
		return model.Identity{}, fmt.Errorf("email %s already registered", email)
	}
	id := ""
	if s.NextID != nil {
		id = s.NextID()
	} else {
		id = uuid.Must(uuid.NewV4()).String()
	}
	ident := model.Identity{ID: id, FullName: fullName, Email: email, Role: role}
	s.byEmail[key] = &account{identity: ident, password: h}
	return ident, nil
}

func (s *Server) issue(email string, role model.Role) (access, refresh string, err error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  email,
		"role": string(role),
		"jti":  uuid.Must(uuid.NewV4()).String(),
		"iat":  now.Unix(),
		"exp":  now.Add(s.accessTTL).Unix(),
	}
	access, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signKey)
	if err != nil {
		return "", "", err
	}
	refresh = uuid.Must(uuid.NewV4()).String()
	s.mu.Lock()
	s.access[access] = email
	s.refresh[refresh] = email
	s.mu.Unlock()
	return access, refresh, nil
}

func (s *Server) bearer(r *http.Request) (*account, bool) {
	tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || tok == "" {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	email, ok := s.access[tok]
	if !ok {
		return nil, false
	}
	acc, ok := s.byEmail[strings.ToLower(email)]
	return acc, ok
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	UserType string `json:"userType"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFail(w, http.StatusBadRequest, "Malformed request")
		return
	}
	s.mu.Lock()
	acc, ok := s.byEmail[strings.ToLower(req.Email)]
	s.mu.Unlock()
	if !ok || !acc.password.verify(req.Password) {
		writeFail(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	if req.UserType != "" && req.UserType != string(acc.identity.Role) {
		writeFail(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	s.writeGrant(w, http.StatusOK, acc.identity)
}

type registerRequest struct {
	FullName  string `json:"fullName"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	AdminCode string `json:"adminCode"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	role, err := model.ParseRole(chi.URLParam(r, "role"))
	if err != nil {
		writeFail(w, http.StatusNotFound, "Unknown account type")
		return
	}
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		writeFail(w, http.StatusBadRequest, "Email and password are required")
		return
	}
	if role == model.RoleAdmin && req.AdminCode != s.AdminCode {
		writeFail(w, http.StatusForbidden, "Invalid admin code")
		return
	}
	ident, err := s.createAccount(req.FullName, req.Email, req.Password, role)
	if err != nil {
		writeFail(w, http.StatusConflict, "Email already registered")
		return
	}
	if role != model.RoleStudent {
		writeSuccess(w, http.StatusCreated, "", map[string]any{"user": ident})
		return
	}
	s.writeGrant(w, http.StatusCreated, ident)
}

func (s *Server) writeGrant(w http.ResponseWriter, status int, ident model.Identity) {
	access, refresh, err := s.issue(ident.Email, ident.Role)
	if err != nil {
		writeFail(w, http.StatusInternalServerError, "token issue failed")
		return
	}
	writeSuccess(w, status, "", map[string]any{"token": access, "refreshToken": refresh, "user": ident})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeFail(w, http.StatusBadRequest, "Refresh token required")
		return
	}
	s.mu.Lock()
	email, ok := s.refresh[req.RefreshToken]
	var acc *account
	if ok {
		acc = s.byEmail[strings.ToLower(email)]
	}
	s.mu.Unlock()
	if !ok || acc == nil {
		writeFail(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	now := time.Now()
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  email,
		"role": string(acc.identity.Role),
		"jti":  uuid.Must(uuid.NewV4()).String(),
		"iat":  now.Unix(),
		"exp":  now.Add(s.accessTTL).Unix(),
	}).SignedString(s.signKey)
	if err != nil {
		writeFail(w, http.StatusInternalServerError, "token issue failed")
		return
	}
	s.mu.Lock()
	s.access[access] = email
	s.mu.Unlock()
	s.refreshN.Add(1)
	writeSuccess(w, http.StatusOK, "", map[string]string{"token": access})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if s.FailLogout.Load() {
		writeFail(w, http.StatusServiceUnavailable, "try later")
		return
	}
	tok, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	delete(s.access, tok)
	s.mu.Unlock()
	writeSuccess(w, http.StatusOK, "Logged out", nil)
}

func (s *Server) handleForgot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeFail(w, http.StatusBadRequest, "Email is required")
		return
	}
	s.mu.Lock()
	if _, ok := s.byEmail[strings.ToLower(req.Email)]; ok {
		s.resets[uuid.Must(uuid.NewV4()).String()] = req.Email
	}
	s.mu.Unlock()
	writeSuccess(w, http.StatusOK, "If the account exists, a reset link has been sent", nil)
}

func (s *Server) handleValidateReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.mu.Lock()
	_, ok := s.resets[req.Token]
	s.mu.Unlock()
	if !ok {
		writeFail(w, http.StatusBadRequest, "Invalid or expired reset token")
		return
	}
	writeSuccess(w, http.StatusOK, "Token is valid", nil)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
		writeFail(w, http.StatusBadRequest, "Password is required")
		return
	}
	h, err := hashPassword(req.Password)
	if err != nil {
		writeFail(w, http.StatusInternalServerError, "hash failed")
		return
	}
	s.mu.Lock()
	email, ok := s.resets[req.Token]
	if ok {
		delete(s.resets, req.Token)
		if acc := s.byEmail[strings.ToLower(email)]; acc != nil {
			acc.password = h
		}
	}
	s.mu.Unlock()
	if !ok {
		writeFail(w, http.StatusBadRequest, "Invalid or expired reset token")
		return
	}
	writeSuccess(w, http.StatusOK, "Password has been reset", nil)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.bearer(r)
	if !ok {
		writeFail(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NewPassword == "" {
		writeFail(w, http.StatusBadRequest, "New password is required")
		return
	}
	if !acc.password.verify(req.CurrentPassword) {
		writeFail(w, http.StatusBadRequest, "Current password is incorrect")
		return
	}
	h, err := hashPassword(req.NewPassword)
	if err != nil {
		writeFail(w, http.StatusInternalServerError, "hash failed")
		return
	}
	s.mu.Lock()
	acc.password = h
	s.mu.Unlock()
	writeSuccess(w, http.StatusOK, "Password updated", nil)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.bearer(r)
	if !ok {
		writeFail(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	writeSuccess(w, http.StatusOK, "", map[string]any{"user": acc.identity})
}

// handleJournal echoes the posted body back; used to check request replay after refresh.
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.bearer(r); !ok {
		writeFail(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeFail(w, http.StatusBadRequest, "Malformed entry")
		return
	}
	writeSuccess(w, http.StatusCreated, "", body)
}

func writeSuccess(w http.ResponseWriter, status int, msg string, data any) {
	env := map[string]any{"status": "success"}
	if msg != "" {
		env["message"] = msg
	}
	if data != nil {
		env["data"] = data
	}
	writeJSON(w, status, env)
}

func writeFail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"status": "fail", "message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
