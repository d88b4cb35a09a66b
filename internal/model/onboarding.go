package model

import "time"

// Reasons a student may give for seeking help. Keys of OnboardingPayload.ReasonsForSeeking.
const (
	ReasonAcademic      = "academic"
	ReasonAnxiety       = "anxiety"
	ReasonDepression    = "depression"
	ReasonRelationships = "relationships"
	ReasonStress        = "stress"
	ReasonCareer        = "career"
	ReasonFamily        = "family"
	ReasonOther         = "other"
)

// KnownReasons lists the reason keys offered by the intake flow.
var KnownReasons = []string{
	ReasonAcademic, ReasonAnxiety, ReasonDepression, ReasonRelationships,
	ReasonStress, ReasonCareer, ReasonFamily, ReasonOther,
}

// OnboardingPayload is the intake answers stored as onboarding_data_<id>.
type OnboardingPayload struct {
	Consent           bool            `json:"consent"`
	ReasonsForSeeking map[string]bool `json:"reasonsForSeeking,omitempty"`
	OtherReason       string          `json:"otherReason,omitempty"`
	Background        Background      `json:"background"`
	CurrentState      CurrentState    `json:"currentState"`
	Preferences       Preferences     `json:"preferences"`
	CompletedAt       time.Time       `json:"completedAt,omitzero"`
}

// Background is the optional context step.
type Background struct {
	YearOfStudy     string `json:"yearOfStudy,omitempty"`
	Program         string `json:"program,omitempty"`
	PriorCounseling bool   `json:"priorCounseling,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

// CurrentState is the self-report step. Mood and Stress are on a 1..5 scale, 0 means unanswered.
type CurrentState struct {
	Mood   int    `json:"mood,omitempty"`
	Stress int    `json:"stress,omitempty"`
	Sleep  string `json:"sleep,omitempty"`
	Notes  string `json:"notes,omitempty"`
}

// Preferences is the last intake step.
type Preferences struct {
	SessionFormat   string `json:"sessionFormat,omitempty"` // in-person, video, chat
	Contact         string `json:"contact,omitempty"`       // email, sms, in-app
	CounselorGender string `json:"counselorGender,omitempty"`
	Language        string `json:"language,omitempty"`
}

// SelectedReasons returns the reasons marked true, in KnownReasons order followed by unknown keys.
func (p OnboardingPayload) SelectedReasons() []string {
	var out []string
	seen := map[string]bool{}
	for _, r := range KnownReasons {
		if p.ReasonsForSeeking[r] {
			out = append(out, r)
		}
		seen[r] = true
	}
	for r, on := range p.ReasonsForSeeking {
		if on && !seen[r] {
			out = append(out, r)
		}
	}
	return out
}
