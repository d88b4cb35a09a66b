package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"slices"
	"strings"

	"github.com/and161185/mindharbor/internal/model"
)

// intakeFlags collects the intake answers from the command line.
type intakeFlags struct {
	consent bool
	reasons string
	other   string

	year    string
	program string
	prior   bool
	bgNotes string

	mood    int
	stress  int
	sleep   string
	feeling string

	format   string
	contact  string
	gender   string
	language string
}

func (f *intakeFlags) register(fs *flag.FlagSet) {
	fs.BoolVar(&f.consent, "consent", false, "agree to the terms of counseling")
	fs.StringVar(&f.reasons, "reasons", "", "comma separated: "+strings.Join(model.KnownReasons, ","))
	fs.StringVar(&f.other, "other", "", "other reason (required with -reasons other)")
	fs.StringVar(&f.year, "year", "", "year of study")
	fs.StringVar(&f.program, "program", "", "program or major")
	fs.BoolVar(&f.prior, "prior", false, "had counseling before")
	fs.StringVar(&f.bgNotes, "background", "", "anything else about your background")
	fs.IntVar(&f.mood, "mood", 0, "mood today, 1 (low) to 5 (great)")
	fs.IntVar(&f.stress, "stress", 0, "stress today, 1 (calm) to 5 (overwhelmed)")
	fs.StringVar(&f.sleep, "sleep", "", "sleep quality")
	fs.StringVar(&f.feeling, "feeling", "", "how you are feeling")
	fs.StringVar(&f.format, "format", "", "session format: in-person, video, chat")
	fs.StringVar(&f.contact, "contact", "", "contact preference: email, sms, in-app")
	fs.StringVar(&f.gender, "counselor-gender", "", "preferred counselor gender")
	fs.StringVar(&f.language, "language", "", "preferred language")
}

// payload builds the intake answers. Step rules are checked by the wizard, not here.
func (f *intakeFlags) payload() (model.OnboardingPayload, error) {
	reasons, err := parseReasons(f.reasons)
	if err != nil {
		return model.OnboardingPayload{}, err
	}
	return model.OnboardingPayload{
		Consent:           f.consent,
		ReasonsForSeeking: reasons,
		OtherReason:       strings.TrimSpace(f.other),
		Background: model.Background{
			YearOfStudy:     f.year,
			Program:         f.program,
			PriorCounseling: f.prior,
			Notes:           f.bgNotes,
		},
		CurrentState: model.CurrentState{
			Mood:   f.mood,
			Stress: f.stress,
			Sleep:  f.sleep,
			Notes:  f.feeling,
		},
		Preferences: model.Preferences{
			SessionFormat:   f.format,
			Contact:         f.contact,
			CounselorGender: f.gender,
			Language:        f.language,
		},
	}, nil
}

// parseReasons turns "academic, stress" into a reason set. Unknown keys are rejected.
func parseReasons(s string) (map[string]bool, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	out := map[string]bool{}
	for _, r := range strings.Split(s, ",") {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" {
			continue
		}
		if !slices.Contains(model.KnownReasons, r) {
			return nil, fmt.Errorf("unknown reason %q", r)
		}
		out[r] = true
	}
	return out, nil
}

func pretty(b []byte) string {
	var out any
	if json.Unmarshal(b, &out) == nil {
		j, _ := json.MarshalIndent(out, "", "  ")
		return string(j)
	}
	return string(b)
}
