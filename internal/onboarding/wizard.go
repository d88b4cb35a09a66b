package onboarding

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/and161185/mindharbor/internal/errs"
	"github.com/and161185/mindharbor/internal/model"
)

// Step is one state of the intake flow.
type Step int

const (
	StepConsent Step = iota
	StepReasons
	StepBackground
	StepCurrentState
	StepPreferences
)

// Steps lists the flow in order.
var Steps = []Step{StepConsent, StepReasons, StepBackground, StepCurrentState, StepPreferences}

var stepNames = map[Step]string{
	StepConsent:      "consent",
	StepReasons:      "reasons",
	StepBackground:   "background",
	StepCurrentState: "current-state",
	StepPreferences:  "preferences",
}

func (s Step) String() string {
	if n, ok := stepNames[s]; ok {
		return n
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// Number is the 1-based position shown to the user.
func (s Step) Number() int { return int(s) + 1 }

// Validation problems reported by Validate.
var (
	ErrConsentRequired     = errors.New("consent is required to continue")
	ErrReasonRequired      = errors.New("select at least one reason")
	ErrOtherReasonRequired = errors.New("describe your other reason")
	ErrMoodRequired        = errors.New("rate your mood from 1 to 5")
	ErrStressRequired      = errors.New("rate your stress from 1 to 5")
	ErrFormatRequired      = errors.New("choose a session format")
	ErrContactRequired     = errors.New("choose a contact preference")
)

// Validate reports why the answers in p do not allow leaving step, or nil.
func Validate(step Step, p model.OnboardingPayload) error {
	switch step {
	case StepConsent:
		if !p.Consent {
			return ErrConsentRequired
		}
	case StepReasons:
		if len(p.SelectedReasons()) == 0 {
			return ErrReasonRequired
		}
		if p.ReasonsForSeeking[model.ReasonOther] && strings.TrimSpace(p.OtherReason) == "" {
			return ErrOtherReasonRequired
		}
	case StepBackground:
		// optional
	case StepCurrentState:
		if !onScale(p.CurrentState.Mood) {
			return ErrMoodRequired
		}
		if !onScale(p.CurrentState.Stress) {
			return ErrStressRequired
		}
	case StepPreferences:
		if strings.TrimSpace(p.Preferences.SessionFormat) == "" {
			return ErrFormatRequired
		}
		if strings.TrimSpace(p.Preferences.Contact) == "" {
			return ErrContactRequired
		}
	default:
		return fmt.Errorf("%w: %v", errs.ErrInvalidStep, step)
	}
	return nil
}

// CanAdvance is the pure "can proceed" predicate of step.
func CanAdvance(step Step, p model.OnboardingPayload) bool { return Validate(step, p) == nil }

func onScale(v int) bool { return v >= 1 && v <= 5 }

// Completer records finished intake answers (session.Store).
type Completer interface {
	CompleteOnboarding(ctx context.Context, p model.OnboardingPayload) error
}

// Wizard walks the intake flow. The zero value starts at StepConsent with an empty draft.
type Wizard struct {
	mu    sync.Mutex
	step  Step
	draft model.OnboardingPayload
	done  bool
}

// NewWizard starts a wizard on draft.
func NewWizard(draft model.OnboardingPayload) *Wizard {
	return &Wizard{draft: draft}
}

// Step returns the current step.
func (w *Wizard) Step() Step {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.step
}

// Done reports whether Submit succeeded.
func (w *Wizard) Done() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// Draft returns a copy of the answers collected so far.
func (w *Wizard) Draft() model.OnboardingPayload {
	w.mu.Lock()
	defer w.mu.Unlock()
	return copyPayload(w.draft)
}

// Update edits the draft in place.
func (w *Wizard) Update(edit func(p *model.OnboardingPayload)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	edit(&w.draft)
}

// Next moves forward when the current step is satisfied. The last step is left only by Submit.
func (w *Wizard) Next() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.step == StepPreferences {
		return fmt.Errorf("%w: %v is the last step", errs.ErrInvalidStep, w.step)
	}
	if err := Validate(w.step, w.draft); err != nil {
		return err
	}
	w.step++
	return nil
}

// Back moves to the previous step. Answers are kept.
func (w *Wizard) Back() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.step == StepConsent {
		return fmt.Errorf("%w: %v is the first step", errs.ErrInvalidStep, w.step)
	}
	w.step--
	return nil
}

// Submit hands the answers to c. Only allowed from the last step once every step validates.
func (w *Wizard) Submit(ctx context.Context, c Completer) error {
	w.mu.Lock()
	if w.step != StepPreferences {
		w.mu.Unlock()
		return fmt.Errorf("%w: submit from %v", errs.ErrInvalidStep, w.step)
	}
	for _, s := range Steps {
		if err := Validate(s, w.draft); err != nil {
			w.mu.Unlock()
			return err
		}
	}
	p := copyPayload(w.draft)
	w.mu.Unlock()

	if err := c.CompleteOnboarding(ctx, p); err != nil {
		return err
	}
	w.mu.Lock()
	w.done = true
	w.mu.Unlock()
	return nil
}

func copyPayload(p model.OnboardingPayload) model.OnboardingPayload {
	p.ReasonsForSeeking = maps.Clone(p.ReasonsForSeeking)
	return p
}
