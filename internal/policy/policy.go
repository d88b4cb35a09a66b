// Package policy is the single source of truth for role-dependent behavior:
// which routes each role may reach and which roles are gated by onboarding.
package policy

import (
	"slices"

	"github.com/and161185/mindharbor/internal/model"
)

// Entry points every surface must know about.
const (
	LoginRoute        = "/login"
	UnauthorizedRoute = "/unauthorized"
	OnboardingRoute   = "/onboarding"
	HomeRoute         = "/"
)

// Route describes one destination of the platform.
// Public routes skip the guard; Roles nil means "any authenticated identity".
type Route struct {
	Path   string
	View   string
	Roles  []model.Role
	Public bool
}

var (
	students   = []model.Role{model.RoleStudent}
	counselors = []model.Role{model.RoleCounselor}
	admins     = []model.Role{model.RoleAdmin}
	staff      = []model.Role{model.RoleCounselor, model.RoleAdmin}
)

// routes is the authorization table.
var routes = []Route{
	{Path: LoginRoute, View: "login", Public: true},
	{Path: "/register", View: "register", Public: true},
	{Path: "/register/counselor", View: "register-counselor", Public: true},
	{Path: "/register/admin", View: "register-admin", Public: true},
	{Path: "/forgot-password", View: "forgot-password", Public: true},
	{Path: "/reset-password", View: "reset-password", Public: true},
	{Path: UnauthorizedRoute, View: "unauthorized", Public: true},

	{Path: "/student/dashboard", View: "student-dashboard", Roles: students},
	{Path: "/student/journal", View: "journal", Roles: students},
	{Path: "/student/chat", View: "chat", Roles: students},
	{Path: "/student/appointments", View: "student-appointments", Roles: students},
	{Path: "/student/resources", View: "resources", Roles: students},

	{Path: "/counselor/dashboard", View: "counselor-dashboard", Roles: counselors},
	{Path: "/counselor/appointments", View: "counselor-appointments", Roles: counselors},
	{Path: "/counselor/students", View: "student-directory", Roles: staff},
	{Path: "/counselor/chat", View: "counselor-chat", Roles: counselors},

	{Path: "/admin/dashboard", View: "admin-dashboard", Roles: admins},
	{Path: "/admin/users", View: "user-management", Roles: admins},
	{Path: "/admin/reports", View: "reports", Roles: admins},

	{Path: "/profile", View: "profile"},
	{Path: "/settings/password", View: "change-password"},
}

// homes is where each role lands after login.
var homes = map[model.Role]string{
	model.RoleStudent:   "/student/dashboard",
	model.RoleCounselor: "/counselor/dashboard",
	model.RoleAdmin:     "/admin/dashboard",
}

// onboardingRequired lists roles that must complete intake before protected content.
var onboardingRequired = map[model.Role]bool{
	model.RoleStudent: true,
}

// Routes returns a copy of the table.
func Routes() []Route {
	out := make([]Route, len(routes))
	for i, r := range routes {
		r.Roles = slices.Clone(r.Roles)
		out[i] = r
	}
	return out
}

// Lookup finds the route registered for path.
func Lookup(path string) (Route, bool) {
	for _, r := range routes {
		if r.Path == path {
			r.Roles = slices.Clone(r.Roles)
			return r, true
		}
	}
	return Route{}, false
}

// Allows reports whether role may open route. An empty Roles list admits every role.
func (r Route) Allows(role model.Role) bool {
	return r.Public || len(r.Roles) == 0 || slices.Contains(r.Roles, role)
}

// RequiresOnboarding reports whether role is gated by the intake flow.
func RequiresOnboarding(role model.Role) bool { return onboardingRequired[role] }

// HomeFor returns the landing route of role, or the login route for unknown roles.
func HomeFor(role model.Role) string {
	if h, ok := homes[role]; ok {
		return h
	}
	return LoginRoute
}
