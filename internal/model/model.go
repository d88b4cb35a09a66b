// Package model defines domain entities shared by the session engine and its collaborators.
package model

import (
	"encoding/json"
	"fmt"

	"github.com/and161185/mindharbor/internal/errs"
)

// Role is the closed set of platform roles.
type Role string

const (
	// RoleStudent is a help-seeking student; the only role gated by onboarding.
	RoleStudent Role = "student"
	// RoleCounselor is a counseling staff member.
	RoleCounselor Role = "counselor"
	// RoleAdmin manages the platform.
	RoleAdmin Role = "admin"
)

// Roles lists every valid role.
var Roles = []Role{RoleStudent, RoleCounselor, RoleAdmin}

// ParseRole converts a wire string into a Role, rejecting unknown values.
func ParseRole(s string) (Role, error) {
	for _, r := range Roles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", errs.ErrInvalidRole, s)
}

// Valid reports whether r is one of Roles.
func (r Role) Valid() bool {
	_, err := ParseRole(string(r))
	return err == nil
}

// String implements fmt.Stringer.
func (r Role) String() string { return string(r) }

// Identity is the authenticated user's profile as returned by the identity service.
type Identity struct {
	ID       string
	FullName string
	Email    string
	Role     Role
	// Extra keeps profile fields the engine does not interpret (studentId, department...).
	Extra map[string]any
}

type identityWire struct {
	ID       string `json:"id"`
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

// MarshalJSON flattens Extra next to the known fields.
func (i Identity) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(i.Extra)+4)
	for k, v := range i.Extra {
		out[k] = v
	}
	out["id"] = i.ID
	out["fullName"] = i.FullName
	out["email"] = i.Email
	out["role"] = string(i.Role)
	return json.Marshal(out)
}

// UnmarshalJSON validates the role and keeps unknown fields in Extra.
func (i *Identity) UnmarshalJSON(b []byte) error {
	var w identityWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	role, err := ParseRole(w.Role)
	if err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	for _, k := range []string{"id", "fullName", "email", "role"} {
		delete(all, k)
	}
	if len(all) == 0 {
		all = nil
	}
	*i = Identity{ID: w.ID, FullName: w.FullName, Email: w.Email, Role: role, Extra: all}
	return nil
}

// Tokens collects issued access/refresh tokens (refresh optional).
type Tokens struct {
	AccessToken  string
	RefreshToken string
}

// Status is the envelope outcome reported by the identity service and by session operations.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFail    Status = "fail"
)

// Result is what every session operation resolves with.
type Result struct {
	Status   Status
	Identity *Identity
	Message  string
}

// OK reports a successful result.
func (r Result) OK() bool { return r.Status == StatusSuccess }

// Envelope is the response wrapper used by every identity service endpoint.
type Envelope struct {
	Status  Status          `json:"status"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Profile carries registration fields. Unknown fields go through Extra untouched.
type Profile struct {
	FullName  string
	Email     string
	Password  string
	AdminCode string // admin registration only
	Extra     map[string]any
}

// MarshalJSON produces the flat body expected by the register endpoints.
func (p Profile) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+4)
	for k, v := range p.Extra {
		out[k] = v
	}
	out["fullName"] = p.FullName
	out["email"] = p.Email
	out["password"] = p.Password
	if p.AdminCode != "" {
		out["adminCode"] = p.AdminCode
	}
	return json.Marshal(out)
}
