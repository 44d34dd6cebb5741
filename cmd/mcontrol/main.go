// Package main provides the entry point for the Mission Control desktop client.
// It signs the user in with Google through the Mission Control broker, keeps the
// session refreshed, and offers a terminal UI on top of the API.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/mcontrol/mission-control/internal/buildinfo"
	"github.com/mcontrol/mission-control/internal/cmd"
	"github.com/mcontrol/mission-control/internal/config"
	"github.com/mcontrol/mission-control/internal/logging"
	"github.com/mcontrol/mission-control/internal/util"
	sdkAuth "github.com/mcontrol/mission-control/sdk/auth"
	log "github.com/sirupsen/logrus"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = ""
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	var (
		configPath string
		login      bool
		devLogin   string
		loopback   bool
		loginHint  string
		noBrowser  bool
		logout     bool
		status     bool
		whoami     bool
		keys       bool
		tuiMode    bool
		devBroker  string
		emulator   bool
	)

	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure File Path")
	flag.BoolVar(&login, "login", false, "Sign in with Google")
	flag.StringVar(&devLogin, "dev-login", "", "Sign in as `email` through the auth emulator")
	flag.BoolVar(&loopback, "loopback", false, "Receive the Google redirect on a local listener instead of polling")
	flag.StringVar(&loginHint, "login-hint", "", "Pre-select the Google account")
	flag.BoolVar(&noBrowser, "no-browser", false, "Don't open browser automatically for sign-in")
	flag.BoolVar(&logout, "logout", false, "Sign out and clear the stored session")
	flag.BoolVar(&status, "status", false, "Show the stored session and API status")
	flag.BoolVar(&whoami, "whoami", false, "Show the profile of the signed-in user")
	flag.BoolVar(&keys, "keys", false, "List stored provider keys")
	flag.BoolVar(&tuiMode, "tui", false, "Start the terminal UI (default when no other command is given)")
	flag.StringVar(&devBroker, "dev-broker", "", "Run a local development broker on `addr`")
	flag.BoolVar(&emulator, "emulator", false, "Enable dev sign-in on the development broker")
	flag.Parse()

	wd, err := os.Getwd()
	if err != nil {
		log.Errorf("failed to get working directory: %v", err)
		return
	}

	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	if devBroker != "" {
		cmd.StartDevBroker(devBroker, emulator)
		return
	}

	configFilePath := configPath
	if configFilePath == "" {
		configFilePath = filepath.Join(wd, "config.yaml")
	}
	cfg, err := config.LoadConfigOptional(configFilePath, configPath == "")
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		return
	}

	if err = logging.ConfigureLogOutput(cfg); err != nil {
		log.Errorf("failed to configure log output: %v", err)
		return
	}
	util.SetLogLevel(cfg)
	log.Debugf("Mission Control Version: %s, Commit: %s, BuiltAt: %s", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	if resolvedAuthDir, errResolveAuthDir := util.ResolveAuthDir(cfg.AuthDir); errResolveAuthDir != nil {
		log.Errorf("failed to resolve auth directory: %v", errResolveAuthDir)
		return
	} else {
		cfg.AuthDir = resolvedAuthDir
	}
	sdkAuth.SetDefaultStoreDir(cfg.AuthDir)

	options := &cmd.LoginOptions{
		NoBrowser: noBrowser,
		Loopback:  loopback,
		LoginHint: loginHint,
	}

	switch {
	case login:
		cmd.DoLogin(cfg, options)
	case devLogin != "":
		cmd.DoDevLogin(cfg, devLogin, options)
	case logout:
		cmd.DoLogout(cfg, options)
	case status:
		cmd.DoStatus(cfg)
	case whoami:
		cmd.DoWhoAmI(cfg)
	case keys:
		cmd.DoListKeys(cfg)
	default:
		if !tuiMode && !isTerminal(os.Stdout) {
			fmt.Println("stdout is not a terminal; use -status, -login or -tui")
			return
		}
		cmd.StartTUI(cfg, configFilePath, options)
	}
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
