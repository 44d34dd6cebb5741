package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/mcontrol/mission-control/internal/api"
	"github.com/mcontrol/mission-control/internal/buildinfo"
	"github.com/mcontrol/mission-control/internal/config"
	"github.com/mcontrol/mission-control/internal/logging"
	"github.com/mcontrol/mission-control/internal/realtime"
	"github.com/mcontrol/mission-control/internal/tui"
	"github.com/mcontrol/mission-control/internal/watcher"
	log "github.com/sirupsen/logrus"
)

const activityBuffer = 2000

// StartTUI runs the terminal client: the session manager, a watcher that picks
// up sessions written by other processes, the API health poller and, when
// enabled, the realtime link. It blocks until the user quits.
func StartTUI(cfg *config.Config, configPath string, options *LoginOptions) {
	if options == nil {
		options = &LoginOptions{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hook := tui.NewLogHook(activityBuffer)
	log.AddHook(hook)
	origStdout := os.Stdout
	logging.RedirectForTerminalUI(io.Discard)
	defer logging.RedirectForTerminalUI(origStdout)

	sess, err := newSession(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return
	}
	defer sess.Close()

	fileWatcher, err := watcher.NewWatcher(sess.recordDir, configPath, sess.manager, func(next *config.Config) {
		if next.APIURL != cfg.APIURL {
			log.WithField("component", "config").Warnf("api-url changed to %s; restart to apply", next.APIURL)
		}
	})
	if err != nil {
		log.WithField("component", "watcher").Warnf("session watcher disabled: %v", err)
	} else if err = fileWatcher.Start(ctx); err != nil {
		log.WithField("component", "watcher").Warnf("session watcher disabled: %v", err)
	} else {
		defer func() { _ = fileWatcher.Stop() }()
	}

	client := api.NewClient(cfg.APIURL, cfg.ProxyURL, sess.manager)
	health := api.NewHealthMonitor(client, cfg.Health.Interval())
	go health.Run(ctx)

	var presence tui.Presence
	if cfg.Realtime.Enabled {
		if wsURL, errURL := client.WebsocketURL(); errURL != nil {
			log.WithField("component", "realtime").Warnf("realtime disabled: %v", errURL)
		} else {
			link := realtime.NewLink(realtime.LinkOptions{
				URL:          wsURL,
				Tokens:       sess.manager,
				PingInterval: cfg.Realtime.PingInterval(),
			})
			go link.Run(ctx)
			presence = link
		}
	}

	opts := tui.Options{
		Session:   sess.manager,
		Keys:      client,
		Health:    health,
		Realtime:  presence,
		DevEmail:  cfg.Auth.DevEmail,
		Hook:      hook,
		APIURL:    client.BaseURL(),
		Version:   buildinfo.Version,
		NoBrowser: options.NoBrowser,
	}
	if cfg.Auth.Mode == config.AuthModeDev || cfg.Auth.EmulatorHost != "" {
		opts.Dev = sess.authn.WithMode(config.AuthModeDev)
	}
	if errRun := tui.Run(opts, origStdout); errRun != nil {
		_, _ = fmt.Fprintf(os.Stderr, "TUI error: %v\n", errRun)
	}
}
