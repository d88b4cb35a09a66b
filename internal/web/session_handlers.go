package web

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/and161185/mindharbor/internal/model"
	"github.com/and161185/mindharbor/internal/policy"
)

func (s *Server) registerSessionRoutes(r chi.Router) {
	r.Get("/", s.handleState)
	r.Post("/login", s.handleLogin)
	r.Post("/register", s.handleRegisterStudent)
	r.Post("/register/{role}", s.handleRegisterStaff)
	r.Post("/logout", s.handleLogout)
	r.Post("/forgot-password", s.handleForgotPassword)
	r.Post("/reset-password", s.handleResetPassword)
	r.Post("/validate-reset-token", s.handleValidateResetToken)
	r.Post("/change-password", s.handleChangePassword)
}

type stateBody struct {
	IsLoggedIn                     bool            `json:"isLoggedIn"`
	UserRole                       model.Role      `json:"userRole,omitempty"`
	CurrentUser                    *model.Identity `json:"currentUser,omitempty"`
	NeedsOnboarding                bool            `json:"needsOnboarding"`
	OnboardingCompletedThisSession bool            `json:"onboardingCompletedThisSession"`
	Loading                        bool            `json:"loading"`
	Error                          bool            `json:"error"`
	TokenExpiresAt                 string          `json:"tokenExpiresAt,omitempty"`
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	st := s.sessions.State()
	body := stateBody{
		IsLoggedIn:                     st.IsLoggedIn,
		UserRole:                       st.UserRole,
		CurrentUser:                    st.Identity,
		NeedsOnboarding:                st.NeedsOnboarding,
		OnboardingCompletedThisSession: st.OnboardingCompletedThisSession,
		Loading:                        st.Loading,
		Error:                          st.Error,
	}
	if !st.TokenExpiresAt.IsZero() {
		body.TokenExpiresAt = st.TokenExpiresAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, body)
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	UserType string `json:"userType"`
}

func (c credentials) role() (model.Role, bool) {
	if c.UserType == "" {
		return "", true
	}
	r, err := model.ParseRole(c.UserType)
	return r, err == nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	role, ok := req.role()
	if !ok || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email, password and a valid userType are required")
		return
	}
	res, err := s.sessions.Login(r.Context(), req.Email, req.Password, role)
	if err == nil && res.OK() {
		writeJSON(w, http.StatusOK, resultBody{Status: res.Status, User: res.Identity, Redirect: s.landing()})
		return
	}
	s.logFailure(r, "login", err)
	writeResult(w, res, err)
}

type profileBody struct {
	FullName  string `json:"fullName"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	AdminCode string `json:"adminCode"`
	StudentID string `json:"studentId"`
}

func (p profileBody) profile() model.Profile {
	out := model.Profile{FullName: p.FullName, Email: p.Email, Password: p.Password, AdminCode: p.AdminCode}
	if p.StudentID != "" {
		out.Extra = map[string]any{"studentId": p.StudentID}
	}
	return out
}

func (s *Server) handleRegisterStudent(w http.ResponseWriter, r *http.Request) {
	var req profileBody
	if err := decode(w, r, &req); err != nil || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}
	res, err := s.sessions.RegisterStudent(r.Context(), req.profile())
	if err == nil && res.OK() {
		writeJSON(w, http.StatusCreated, resultBody{Status: res.Status, User: res.Identity, Redirect: policy.OnboardingRoute})
		return
	}
	s.logFailure(r, "register", err)
	writeResult(w, res, err)
}

func (s *Server) handleRegisterStaff(w http.ResponseWriter, r *http.Request) {
	role, err := model.ParseRole(chi.URLParam(r, "role"))
	if err != nil || role == model.RoleStudent {
		writeError(w, http.StatusNotFound, "unknown account type")
		return
	}
	var req profileBody
	if err := decode(w, r, &req); err != nil || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}
	res, err := s.sessions.RegisterStaff(r.Context(), role, req.profile())
	if err == nil && res.OK() {
		writeJSON(w, http.StatusCreated, resultBody{Status: res.Status, Message: res.Message, User: res.Identity, Redirect: policy.LoginRoute})
		return
	}
	s.logFailure(r, "register_staff", err)
	writeResult(w, res, err)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Logout(r.Context()); err != nil {
		s.log.Error("logout", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, resultBody{Status: model.StatusSuccess, Redirect: policy.LoginRoute})
}

type recoveryBody struct {
	Email    string `json:"email"`
	Token    string `json:"token"`
	Password string `json:"password"`
	UserType string `json:"userType"`
}

func (b recoveryBody) role() model.Role {
	r, err := model.ParseRole(b.UserType)
	if err != nil {
		return ""
	}
	return r
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req recoveryBody
	if err := decode(w, r, &req); err != nil || req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	res, err := s.sessions.ForgotPassword(r.Context(), req.Email, req.role())
	s.logFailure(r, "forgot_password", err)
	writeResult(w, res, err)
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req recoveryBody
	if err := decode(w, r, &req); err != nil || req.Token == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "token and password are required")
		return
	}
	res, err := s.sessions.ResetPassword(r.Context(), req.Token, req.Password, req.role())
	s.logFailure(r, "reset_password", err)
	writeResult(w, res, err)
}

func (s *Server) handleValidateResetToken(w http.ResponseWriter, r *http.Request) {
	var req recoveryBody
	if err := decode(w, r, &req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	res, err := s.sessions.ValidateResetToken(r.Context(), req.Token, req.role())
	s.logFailure(r, "validate_reset_token", err)
	writeResult(w, res, err)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := decode(w, r, &req); err != nil || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "new password is required")
		return
	}
	res, err := s.sessions.ChangePassword(r.Context(), req.CurrentPassword, req.NewPassword)
	s.logFailure(r, "change_password", err)
	if err == nil && !res.OK() && !s.sessions.State().IsLoggedIn {
		// the session could not be renewed and is gone
		writeJSON(w, http.StatusUnauthorized, resultBody{Status: res.Status, Message: res.Message, Redirect: policy.LoginRoute})
		return
	}
	writeResult(w, res, err)
}

// landing is where the current identity goes after signing in.
func (s *Server) landing() string {
	st := s.sessions.State()
	if st.NeedsOnboarding && !st.OnboardingCompletedThisSession {
		return policy.OnboardingRoute
	}
	return policy.HomeFor(st.UserRole)
}

func (s *Server) logFailure(r *http.Request, op string, err error) {
	if isTransport(err) {
		rid, _ := RequestIDFromCtx(r.Context())
		s.log.Warn("session operation failed", zap.String("op", op), zap.String("request_id", rid), zap.Error(err))
	}
}
