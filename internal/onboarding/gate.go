// Package onboarding interposes the mandatory intake flow before gated content.
package onboarding

import (
	"net/http"

	"github.com/and161185/mindharbor/internal/session"
)

// Outcome is what the gate renders.
type Outcome int

const (
	ShowContent Outcome = iota
	ShowIntake
)

func (o Outcome) String() string {
	if o == ShowIntake {
		return "intake"
	}
	return "content"
}

// Gate substitutes the intake flow until onboarding is recorded or was finished in this session.
func Gate(needsOnboarding, completedThisSession bool) Outcome {
	if needsOnboarding && !completedThisSession {
		return ShowIntake
	}
	return ShowContent
}

// StateSource provides session snapshots.
type StateSource interface {
	State() session.State
}

// Middleware serves intake instead of next while the gate is closed. It belongs behind the
// route guard.
func Middleware(src StateSource, intake http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st := src.State()
			if Gate(st.NeedsOnboarding, st.OnboardingCompletedThisSession) == ShowIntake {
				intake.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
