package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mcontrol/mission-control/internal/buildinfo"
	"github.com/mcontrol/mission-control/internal/devbroker"
	log "github.com/sirupsen/logrus"
)

// StartDevBroker runs the local development broker until SIGINT or SIGTERM.
// With emulator set it also accepts dev sign-ins.
func StartDevBroker(addr string, emulator bool) {
	version := buildinfo.Version
	if version == "" || version == "dev" {
		version = devbroker.DefaultVersion
	}
	broker := devbroker.New(devbroker.Options{
		Addr:     strings.TrimSpace(addr),
		Version:  version,
		Emulator: emulator,
	})
	if err := broker.Start(); err != nil {
		log.Errorf("failed to start dev broker: %v", err)
		return
	}

	fmt.Printf("Dev broker ready.\n  api-url:   %s\n  token-url: %s\n", broker.APIURL(), broker.TokenURL())
	if emulator {
		fmt.Println("  dev sign-in enabled")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	signal.Stop(sigChan)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := broker.Stop(ctx); err != nil {
		log.Errorf("dev broker shutdown: %v", err)
	}
	log.Info("dev broker stopped")
}
