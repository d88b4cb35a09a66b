// Command mindharbor is a terminal client for the counseling platform: it signs in, keeps the
// session on this device, drives the student intake and checks where each role may go.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/mindharbor/internal/app"
	"github.com/and161185/mindharbor/internal/config"
	"github.com/and161185/mindharbor/internal/logging"
	"github.com/and161185/mindharbor/internal/transport"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// errUsage makes run exit with code 2.
var errUsage = errors.New("usage")

// errFailed reports a refused operation whose message is already printed.
var errFailed = errors.New("failed")

const usageText = `mindharbor CLI
Usage:
  mindharbor [-config file] [-api URL] [-store backend] [-state path] [-v] <cmd> [args]

Commands:
  version
  status
  login           -e <email> -p <password> [-role student|counselor|admin]
  register        -name <full name> -e <email> -p <password> [-student-id id]
  register-staff  -role counselor|admin -name <full name> -e <email> -p <password> [-admin-code code]
  logout
  onboard         -consent -reasons academic,stress[,other -other text] -mood 1-5 -stress 1-5
                  -format in-person|video|chat -contact email|sms|in-app [background flags]
  onboarding                                      (show stored intake answers)
  forgot          -e <email> [-role r]
  validate-reset  -token <token> [-role r]
  reset           -token <token> -p <new password> [-role r]
  passwd          -current <password> -new <password>
  visit           <route>                         (guard and onboarding decision)
  call            [-X method] [-d json] <path>    (authenticated platform request)
`

type cli struct {
	stdout io.Writer
	stderr io.Writer
	app    *app.App
	log    *zap.Logger
	// forced is set when the session was destroyed by the refresh interceptor.
	forced string
}

// main wires signals and exits with run's code.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mindharbor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "YAML config file")
	api := fs.String("api", "", "identity service base URL")
	store := fs.String("store", "", "storage backend: memory, file, sqlite, postgres, redis")
	state := fs.String("state", "", "session file or sqlite path")
	verbose := fs.Bool("v", false, "debug logging")
	fs.Usage = func() { fmt.Fprint(stderr, usageText) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return 2
	}
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	if cmd == "version" {
		fmt.Fprintf(stdout, "mindharbor %s (%s)\n", version, buildDate)
		return 0
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	if *api != "" {
		cfg.API.BaseURL = *api
	}
	if *store != "" {
		cfg.Storage.Backend = *store
	}
	if *state != "" {
		cfg.Storage.Path = *state
	}
	level := "warn"
	if *verbose {
		level = "debug"
	}
	log, err := logging.New(level, "console")
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(ctx, 2*cfg.API.Timeout+5*time.Second)
	defer cancel()

	c := &cli{stdout: stdout, stderr: stderr, log: log}
	a, err := app.Build(ctx, cfg, log, app.WithNavigator(transport.NavigatorFunc(func(route string) {
		c.forced = route
	})))
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	defer func() { _ = a.Close() }()
	c.app = a

	err = c.dispatch(ctx, cmd, rest)
	if c.forced != "" {
		fmt.Fprintf(stderr, "session expired, sign in again (%s)\n", c.forced)
	}
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprint(stderr, usageText)
		return 2
	case errors.Is(err, errFailed):
		return 1
	default:
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
}

func (c *cli) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "status":
		return c.status()
	case "login":
		return c.login(ctx, args)
	case "register":
		return c.register(ctx, args)
	case "register-staff":
		return c.registerStaff(ctx, args)
	case "logout":
		return c.logout(ctx)
	case "onboard":
		return c.onboard(ctx, args)
	case "onboarding":
		return c.onboardingRecord(ctx)
	case "forgot":
		return c.forgot(ctx, args)
	case "validate-reset":
		return c.validateReset(ctx, args)
	case "reset":
		return c.reset(ctx, args)
	case "passwd":
		return c.passwd(ctx, args)
	case "visit":
		return c.visit(args)
	case "call":
		return c.call(ctx, args)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func (c *cli) printJSON(v any) {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
