// Package browser opens sign-in pages in the user's default web browser.
package browser

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/atotto/clipboard"
	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
)

// ErrUnavailable is returned when no mechanism to launch a browser exists on this host.
var ErrUnavailable = errors.New("browser: no browser available")

// Opener launches a URL for the user. Sign-in flows accept one so tests can
// capture the URL instead of spawning a process.
type Opener func(url string) error

var linuxBrowsers = []string{"xdg-open", "x-www-browser", "www-browser", "firefox", "chromium", "google-chrome"}

// OpenURL opens url with open-golang and falls back to an OS-specific command.
func OpenURL(url string) error {
	err := open.Run(url)
	if err == nil {
		log.WithField("component", "browser").Debug("opened sign-in page")
		return nil
	}
	log.WithField("component", "browser").Debugf("open-golang failed: %v, trying platform command", err)
	return openPlatformSpecific(url)
}

// OpenOrCopy opens url and, when that fails, places it on the clipboard so the
// user can paste it into a browser by hand. The returned bool reports whether
// the copy happened.
func OpenOrCopy(url string) (copied bool, err error) {
	errOpen := OpenURL(url)
	if errOpen == nil {
		return false, nil
	}
	if errCopy := clipboard.WriteAll(url); errCopy != nil {
		return false, fmt.Errorf("%w (clipboard: %v)", errOpen, errCopy)
	}
	return true, errOpen
}

func platformCommand(url string) *exec.Cmd {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url)
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	case "linux", "freebsd", "openbsd":
		for _, name := range linuxBrowsers {
			if _, err := exec.LookPath(name); err == nil {
				return exec.Command(name, url)
			}
		}
	}
	return nil
}

func openPlatformSpecific(url string) error {
	cmd := platformCommand(url)
	if cmd == nil {
		return fmt.Errorf("%w on %s", ErrUnavailable, runtime.GOOS)
	}
	log.WithField("component", "browser").Debugf("running %s", cmd.Path)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("browser: start %s: %w", cmd.Path, err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// IsAvailable reports whether a launcher command exists for the current OS.
// Unlike OpenURL it never spawns a process.
func IsAvailable() bool {
	switch runtime.GOOS {
	case "darwin":
		_, err := exec.LookPath("open")
		return err == nil
	case "windows":
		_, err := exec.LookPath("rundll32")
		return err == nil
	default:
		for _, name := range linuxBrowsers {
			if _, err := exec.LookPath(name); err == nil {
				return true
			}
		}
		return false
	}
}
