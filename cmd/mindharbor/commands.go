package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/and161185/mindharbor/internal/guard"
	"github.com/and161185/mindharbor/internal/model"
	"github.com/and161185/mindharbor/internal/onboarding"
	"github.com/and161185/mindharbor/internal/policy"
)

func newFlags(name string, c *cli) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

func parseRoleFlag(s string) (model.Role, error) {
	if s == "" {
		return "", nil
	}
	r, err := model.ParseRole(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errUsage, err)
	}
	return r, nil
}

// report prints the outcome of a session operation.
func (c *cli) report(res model.Result, err error) error {
	if err != nil {
		fmt.Fprintln(c.stderr, res.Message)
		return err
	}
	if !res.OK() {
		fmt.Fprintln(c.stderr, "fail:", res.Message)
		return errFailed
	}
	out := map[string]any{"status": res.Status}
	if res.Message != "" {
		out["message"] = res.Message
	}
	if res.Identity != nil {
		out["user"] = res.Identity
	}
	c.printJSON(out)
	return nil
}

type statusView struct {
	LoggedIn        bool            `json:"isLoggedIn"`
	Role            model.Role      `json:"userRole,omitempty"`
	User            *model.Identity `json:"currentUser,omitempty"`
	NeedsOnboarding bool            `json:"needsOnboarding"`
	Home            string          `json:"home,omitempty"`
	TokenExpiresAt  *time.Time      `json:"tokenExpiresAt,omitempty"`
}

func (c *cli) status() error {
	st := c.app.Store.State()
	v := statusView{
		LoggedIn:        st.IsLoggedIn,
		Role:            st.UserRole,
		User:            st.Identity,
		NeedsOnboarding: st.NeedsOnboarding,
	}
	if st.IsLoggedIn {
		v.Home = policy.HomeFor(st.UserRole)
		if st.NeedsOnboarding {
			v.Home = policy.OnboardingRoute
		}
	}
	if !st.TokenExpiresAt.IsZero() {
		exp := st.TokenExpiresAt
		v.TokenExpiresAt = &exp
	}
	c.printJSON(v)
	return nil
}

func (c *cli) login(ctx context.Context, args []string) error {
	fs := newFlags("login", c)
	email := fs.String("e", "", "email")
	pass := fs.String("p", "", "password")
	role := fs.String("role", "", "role hint")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *email == "" || *pass == "" {
		return fmt.Errorf("%w: need -e and -p", errUsage)
	}
	r, err := parseRoleFlag(*role)
	if err != nil {
		return err
	}
	if err := c.report(c.app.Store.Login(ctx, *email, *pass, r)); err != nil {
		return err
	}
	if c.app.Store.State().NeedsOnboarding {
		fmt.Fprintln(c.stderr, "complete the intake first: mindharbor onboard ...")
	}
	return nil
}

func (c *cli) register(ctx context.Context, args []string) error {
	fs := newFlags("register", c)
	name := fs.String("name", "", "full name")
	email := fs.String("e", "", "email")
	pass := fs.String("p", "", "password")
	studentID := fs.String("student-id", "", "student id")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *email == "" || *pass == "" {
		return fmt.Errorf("%w: need -e and -p", errUsage)
	}
	p := model.Profile{FullName: *name, Email: *email, Password: *pass}
	if *studentID != "" {
		p.Extra = map[string]any{"studentId": *studentID}
	}
	return c.report(c.app.Store.RegisterStudent(ctx, p))
}

func (c *cli) registerStaff(ctx context.Context, args []string) error {
	fs := newFlags("register-staff", c)
	role := fs.String("role", "", "counselor or admin")
	name := fs.String("name", "", "full name")
	email := fs.String("e", "", "email")
	pass := fs.String("p", "", "password")
	code := fs.String("admin-code", "", "admin registration code")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	r, err := parseRoleFlag(*role)
	if err != nil {
		return err
	}
	if r != model.RoleCounselor && r != model.RoleAdmin {
		return fmt.Errorf("%w: -role must be counselor or admin", errUsage)
	}
	if *email == "" || *pass == "" {
		return fmt.Errorf("%w: need -e and -p", errUsage)
	}
	return c.report(c.app.Store.RegisterStaff(ctx, r, model.Profile{
		FullName: *name, Email: *email, Password: *pass, AdminCode: *code,
	}))
}

func (c *cli) logout(ctx context.Context) error {
	if err := c.app.Store.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, "ok")
	return nil
}

func (c *cli) onboard(ctx context.Context, args []string) error {
	fs := newFlags("onboard", c)
	var in intakeFlags
	in.register(fs)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	p, err := in.payload()
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	w := onboarding.NewWizard(p)
	for w.Step() != onboarding.StepPreferences {
		step := w.Step()
		if err := w.Next(); err != nil {
			fmt.Fprintf(c.stderr, "step %d/%d (%s): %v\n", step.Number(), len(onboarding.Steps), step, err)
			return errFailed
		}
	}
	if err := w.Submit(ctx, c.app.Store); err != nil {
		step := w.Step()
		fmt.Fprintf(c.stderr, "step %d/%d (%s): %v\n", step.Number(), len(onboarding.Steps), step, err)
		return errFailed
	}
	fmt.Fprintln(c.stdout, "ok")
	return nil
}

func (c *cli) onboardingRecord(ctx context.Context) error {
	p, ok, err := c.app.Store.OnboardingRecord(ctx)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(c.stderr, "no intake answers stored for this account")
		return errFailed
	}
	c.printJSON(p)
	return nil
}

func (c *cli) forgot(ctx context.Context, args []string) error {
	fs := newFlags("forgot", c)
	email := fs.String("e", "", "email")
	role := fs.String("role", "", "role hint")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *email == "" {
		return fmt.Errorf("%w: need -e", errUsage)
	}
	r, err := parseRoleFlag(*role)
	if err != nil {
		return err
	}
	return c.report(c.app.Store.ForgotPassword(ctx, *email, r))
}

func (c *cli) validateReset(ctx context.Context, args []string) error {
	fs := newFlags("validate-reset", c)
	token := fs.String("token", "", "reset token")
	role := fs.String("role", "", "role hint")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *token == "" {
		return fmt.Errorf("%w: need -token", errUsage)
	}
	r, err := parseRoleFlag(*role)
	if err != nil {
		return err
	}
	return c.report(c.app.Store.ValidateResetToken(ctx, *token, r))
}

func (c *cli) reset(ctx context.Context, args []string) error {
	fs := newFlags("reset", c)
	token := fs.String("token", "", "reset token")
	pass := fs.String("p", "", "new password")
	role := fs.String("role", "", "role hint")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *token == "" || *pass == "" {
		return fmt.Errorf("%w: need -token and -p", errUsage)
	}
	r, err := parseRoleFlag(*role)
	if err != nil {
		return err
	}
	return c.report(c.app.Store.ResetPassword(ctx, *token, *pass, r))
}

func (c *cli) passwd(ctx context.Context, args []string) error {
	fs := newFlags("passwd", c)
	cur := fs.String("current", "", "current password")
	next := fs.String("new", "", "new password")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *next == "" {
		return fmt.Errorf("%w: need -new", errUsage)
	}
	return c.report(c.app.Store.ChangePassword(ctx, *cur, *next))
}

type visitView struct {
	Route    string `json:"route"`
	Decision string `json:"decision"`
	Target   string `json:"target,omitempty"`
	View     string `json:"view,omitempty"`
}

// visit evaluates a destination the way the web shell would.
func (c *cli) visit(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: visit takes one route", errUsage)
	}
	rt, ok := policy.Lookup(args[0])
	if !ok {
		fmt.Fprintf(c.stderr, "unknown route %s\n", args[0])
		return errFailed
	}
	v := visitView{Route: rt.Path}
	if rt.Public {
		v.Decision, v.View = guard.Render.String(), rt.View
		c.printJSON(v)
		return nil
	}
	st := c.app.Store.State()
	d := guard.Decide(rt.Roles, st)
	v.Decision, v.Target = d.String(), d.Target()
	if d == guard.Render {
		v.View = rt.View
		if onboarding.Gate(st.NeedsOnboarding, st.OnboardingCompletedThisSession) == onboarding.ShowIntake {
			v.View = "onboarding"
		}
	}
	c.printJSON(v)
	return nil
}

// call sends an authenticated request to the platform API.
func (c *cli) call(ctx context.Context, args []string) error {
	fs := newFlags("call", c)
	method := fs.String("X", http.MethodGet, "HTTP method")
	data := fs.String("d", "", "JSON body")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: call takes one path", errUsage)
	}
	url := strings.TrimRight(c.app.Config.API.BaseURL, "/") + "/" + strings.TrimLeft(fs.Arg(0), "/")

	var body io.Reader
	if *data != "" {
		body = bytes.NewReader([]byte(*data))
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(*method), url, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.app.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, pretty(raw))
	if resp.StatusCode >= 400 {
		fmt.Fprintf(c.stderr, "%s %s: %s\n", req.Method, fs.Arg(0), resp.Status)
		return errFailed
	}
	return nil
}
