package web

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/and161185/mindharbor/internal/errs"
	"github.com/and161185/mindharbor/internal/model"
	"github.com/and161185/mindharbor/internal/onboarding"
	"github.com/and161185/mindharbor/internal/policy"
)

type intakeBody struct {
	View       string                  `json:"view"`
	Step       string                  `json:"step"`
	StepNumber int                     `json:"stepNumber"`
	StepCount  int                     `json:"stepCount"`
	CanAdvance bool                    `json:"canAdvance"`
	Draft      model.OnboardingPayload `json:"draft"`
	Reasons    []string                `json:"reasons"`
	Message    string                  `json:"message,omitempty"`
}

func (s *Server) intake(wz *onboarding.Wizard, msg string) intakeBody {
	step := wz.Step()
	draft := wz.Draft()
	return intakeBody{
		View:       "onboarding",
		Step:       step.String(),
		StepNumber: step.Number(),
		StepCount:  len(onboarding.Steps),
		CanAdvance: onboarding.CanAdvance(step, draft),
		Draft:      draft,
		Reasons:    model.KnownReasons,
		Message:    msg,
	}
}

// handleIntake renders the wizard. It also stands in for gated content.
func (s *Server) handleIntake(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.intake(s.currentWizard(), ""))
}

func (s *Server) handleDraft(w http.ResponseWriter, r *http.Request) {
	var draft model.OnboardingPayload
	if err := decode(w, r, &draft); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	wz := s.currentWizard()
	wz.Update(func(p *model.OnboardingPayload) { *p = draft })
	writeJSON(w, http.StatusOK, s.intake(wz, ""))
}

func (s *Server) handleNext(w http.ResponseWriter, _ *http.Request) {
	wz := s.currentWizard()
	if err := wz.Next(); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, s.intake(wz, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, s.intake(wz, ""))
}

func (s *Server) handleBack(w http.ResponseWriter, _ *http.Request) {
	wz := s.currentWizard()
	if err := wz.Back(); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, s.intake(wz, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, s.intake(wz, ""))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	wz := s.currentWizard()
	err := wz.Submit(r.Context(), s.sessions)
	switch {
	case err == nil:
		st := s.sessions.State()
		writeJSON(w, http.StatusOK, resultBody{Status: model.StatusSuccess, Redirect: policy.HomeFor(st.UserRole)})
	case errors.Is(err, errs.ErrNoSession):
		http.Redirect(w, r, policy.LoginRoute, http.StatusFound)
	case errors.Is(err, errs.ErrInvalidStep), isValidation(err):
		writeJSON(w, http.StatusUnprocessableEntity, s.intake(wz, err.Error()))
	default:
		s.log.Error("complete onboarding", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not save your answers, please try again")
	}
}

func isValidation(err error) bool {
	for _, target := range []error{
		onboarding.ErrConsentRequired, onboarding.ErrReasonRequired, onboarding.ErrOtherReasonRequired,
		onboarding.ErrMoodRequired, onboarding.ErrStressRequired, onboarding.ErrFormatRequired,
		onboarding.ErrContactRequired,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
