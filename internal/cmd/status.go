package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/mcontrol/mission-control/internal/api"
	"github.com/mcontrol/mission-control/internal/config"
	log "github.com/sirupsen/logrus"
)

const commandTimeout = 30 * time.Second

// DoStatus prints the stored session and the API reachability.
func DoStatus(cfg *config.Config) {
	if err := runStatus(context.Background(), cfg, os.Stdout); err != nil {
		log.Errorf("status failed: %v", err)
	}
}

// DoWhoAmI prints the profile the API resolves for the current session.
func DoWhoAmI(cfg *config.Config) {
	if err := runWhoAmI(context.Background(), cfg, os.Stdout); err != nil {
		log.Errorf("whoami failed: %v", err)
	}
}

// DoListKeys prints the stored provider credentials of the signed-in user.
func DoListKeys(cfg *config.Config) {
	if err := runListKeys(context.Background(), cfg, os.Stdout); err != nil {
		log.Errorf("list keys failed: %v", err)
	}
}

func runStatus(ctx context.Context, cfg *config.Config, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	sess, err := newSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer sess.Close()

	_, _ = fmt.Fprintf(out, "Store:    %s (%s)\n", cfg.Store.Type, sess.recordDir)
	if bundle := sess.manager.Current(ctx); bundle != nil {
		_, _ = fmt.Fprintf(out, "Session:  signed in as %s\n", bundle.User.Label())
		_, _ = fmt.Fprintf(out, "Expires:  %s\n", bundle.Expiry().Local().Format(time.RFC1123))
	} else {
		_, _ = fmt.Fprintln(out, "Session:  not signed in")
	}

	client := api.NewClient(cfg.APIURL, cfg.ProxyURL, sess.manager)
	status := api.NewHealthMonitor(client, cfg.Health.Interval()).Check(ctx)
	_, _ = fmt.Fprintf(out, "API:      %s (%s)\n", status.Label(), client.BaseURL())
	return nil
}

func runWhoAmI(ctx context.Context, cfg *config.Config, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	sess, err := newSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer sess.Close()

	profile, err := api.NewClient(cfg.APIURL, cfg.ProxyURL, sess.manager).Me(ctx)
	if err != nil {
		return notSignedIn(err)
	}
	_, _ = fmt.Fprintf(out, "UID:      %s\n", profile.UID)
	_, _ = fmt.Fprintf(out, "Email:    %s\n", profile.Email)
	if profile.DisplayName != "" {
		_, _ = fmt.Fprintf(out, "Name:     %s\n", profile.DisplayName)
	}
	return nil
}

func runListKeys(ctx context.Context, cfg *config.Config, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	sess, err := newSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer sess.Close()

	keys, err := api.NewClient(cfg.APIURL, cfg.ProxyURL, sess.manager).ListKeys(ctx)
	if err != nil {
		return notSignedIn(err)
	}
	if len(keys) == 0 {
		_, _ = fmt.Fprintln(out, "No stored keys.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tPROVIDER\tNAME\tKEY")
	for _, k := range keys {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", k.ID, k.Provider, k.Name, k.KeyHint)
	}
	return tw.Flush()
}

func notSignedIn(err error) error {
	if errors.Is(err, api.ErrUnauthorized) {
		return fmt.Errorf("not signed in, run -login first")
	}
	return err
}
