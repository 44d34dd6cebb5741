package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/mcontrol/mission-control/internal/browser"
	"github.com/mcontrol/mission-control/internal/config"
	sdkAuth "github.com/mcontrol/mission-control/sdk/auth"
	log "github.com/sirupsen/logrus"
)

// LoginOptions contains options for the sign-in commands.
type LoginOptions struct {
	// NoBrowser prints the authorization URL instead of opening it.
	NoBrowser bool

	// Loopback receives the provider redirect on a local listener instead of
	// polling the broker.
	Loopback bool

	// LoginHint pre-selects the Google account.
	LoginHint string

	// Prompt reads a pasted callback URL during a loopback sign-in.
	Prompt func(prompt string) (string, error)

	// Out receives user-facing output. Defaults to os.Stdout.
	Out io.Writer
}

func (o *LoginOptions) out() io.Writer {
	if o == nil || o.Out == nil {
		return os.Stdout
	}
	return o.Out
}

// DoLogin runs the interactive Google sign-in with the configured transport
// and stores the resulting session.
func DoLogin(cfg *config.Config, options *LoginOptions) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := runLogin(ctx, cfg, options, ""); err != nil {
		reportSignInError(options.out(), err)
	}
}

// DoDevLogin signs in as email through the emulator-only dev endpoint.
func DoDevLogin(cfg *config.Config, email string, options *LoginOptions) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if strings.TrimSpace(email) == "" {
		email = cfg.Auth.DevEmail
	}
	if err := runLogin(ctx, cfg, options, email); err != nil {
		reportSignInError(options.out(), err)
	}
}

// DoLogout clears the stored session.
func DoLogout(cfg *config.Config, options *LoginOptions) {
	if err := runLogout(context.Background(), cfg, options.out()); err != nil {
		log.Errorf("sign-out failed: %v", err)
	}
}

// runLogin signs in and reports the stored identity. A non-empty devEmail
// selects the dev transport.
func runLogin(ctx context.Context, cfg *config.Config, options *LoginOptions, devEmail string) error {
	if options == nil {
		options = &LoginOptions{}
	}
	sess, err := newSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer sess.Close()

	authn := sess.authn
	opts := &sdkAuth.SignInOptions{
		LoginHint: options.LoginHint,
		NoBrowser: options.NoBrowser,
		Prompt:    options.Prompt,
	}
	switch {
	case devEmail != "":
		authn = authn.WithMode(config.AuthModeDev)
		opts.LoginHint = devEmail
	case options.Loopback:
		authn = authn.WithMode(config.AuthModeLoopback)
	}
	if authn.Mode() != config.AuthModeDev && !opts.NoBrowser && !browser.IsAvailable() {
		log.WithField("component", "browser").Info("no browser launcher found; open the sign-in URL manually")
		opts.NoBrowser = true
	}
	if authn.Mode() == config.AuthModeLoopback && opts.Prompt == nil {
		opts.Prompt = defaultPrompt()
	}

	if err = sess.manager.SignInWith(ctx, authn, opts); err != nil {
		return err
	}
	out := options.out()
	state := sess.manager.State()
	if state.User != nil {
		_, _ = fmt.Fprintf(out, "Signed in as %s\n", state.User.Label())
	}
	if sess.recordDir != "" {
		_, _ = fmt.Fprintf(out, "Session saved to %s\n", sess.recordDir)
	}
	return nil
}

func runLogout(ctx context.Context, cfg *config.Config, out io.Writer) error {
	sess, err := newSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer sess.Close()
	if !sess.manager.State().IsAuthenticated {
		_, _ = fmt.Fprintln(out, "Not signed in.")
		return nil
	}
	sess.manager.SignOut()
	_, _ = fmt.Fprintln(out, "Signed out.")
	return nil
}

func reportSignInError(out io.Writer, err error) {
	var signInErr *sdkAuth.SignInError
	switch {
	case errors.As(err, &signInErr):
		log.Error(signInErr.UserMessage())
	case errors.Is(err, context.Canceled):
		_, _ = fmt.Fprintln(out, "Sign-in cancelled.")
	default:
		_, _ = fmt.Fprintf(out, "Sign-in failed: %v\n", err)
	}
}

// defaultPrompt reads one line from stdin. An empty line keeps waiting for
// the browser redirect.
func defaultPrompt() func(string) (string, error) {
	reader := bufio.NewReader(os.Stdin)
	return func(prompt string) (string, error) {
		fmt.Print(prompt)
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
}
