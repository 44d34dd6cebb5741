package cmd

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mcontrol/mission-control/internal/config"
	"github.com/mcontrol/mission-control/internal/devbroker"
	sdkAuth "github.com/mcontrol/mission-control/sdk/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig(t *testing.T, apiURL string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		APIURL:  apiURL,
		AuthDir: t.TempDir(),
	}
	cfg.SanitizeDefaults()
	return cfg
}

func startBroker(t *testing.T) *config.Config {
	t.Helper()
	broker := devbroker.New(devbroker.Options{Emulator: true})
	ts := httptest.NewServer(broker.Handler())
	t.Cleanup(func() {
		_ = broker.Stop(context.Background())
		ts.Close()
	})
	cfg := testConfig(t, ts.URL+"/api")
	cfg.Auth.TokenURL = ts.URL + "/securetoken.googleapis.com/v1/token?key=fake-api-key"
	cfg.Auth.DevEmail = "ada@example.com"
	return cfg
}

func TestOpenTokenStoreDefaultsToFile(t *testing.T) {
	cfg := testConfig(t, "")
	tokenStore, mirror, err := openTokenStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openTokenStore: %v", err)
	}
	if mirror != nil {
		t.Fatalf("mirror = %T, want nil", mirror)
	}
	fileStore, ok := tokenStore.(*sdkAuth.FileTokenStore)
	if !ok {
		t.Fatalf("store = %T, want *FileTokenStore", tokenStore)
	}
	if want := filepath.Join(cfg.AuthDir, sdkAuth.RecordKey+".json"); fileStore.Path() != want {
		t.Fatalf("path = %q, want %q", fileStore.Path(), want)
	}
}

func TestOpenTokenStoreRejectsIncompleteRemote(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Store.Type = config.StoreTypeGit
	if _, _, err := openTokenStore(context.Background(), cfg); err == nil {
		t.Fatal("git store without a remote opened")
	}
}

func TestSpoolDir(t *testing.T) {
	cfg := testConfig(t, "")
	tests := []struct {
		name       string
		configured string
		writable   string
		want       string
	}{
		{name: "configured wins", configured: "/var/spool/mc", writable: "/data", want: filepath.Clean("/var/spool/mc")},
		{name: "writable path", writable: "/data", want: filepath.Join("/data", "pgstore")},
		{name: "auth dir", want: filepath.Join(cfg.AuthDir, "pgstore")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("WRITABLE_PATH", tt.writable)
			t.Setenv("writable_path", "")
			if got := spoolDir(cfg, tt.configured, "pgstore"); got != tt.want {
				t.Fatalf("spoolDir = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDevLoginRoundTrip(t *testing.T) {
	cfg := startBroker(t)
	ctx := context.Background()

	var out bytes.Buffer
	if err := runLogin(ctx, cfg, &LoginOptions{Out: &out}, "ada@example.com"); err != nil {
		t.Fatalf("runLogin: %v", err)
	}
	if !strings.Contains(out.String(), "Signed in as ada") {
		t.Fatalf("login output = %q", out.String())
	}

	out.Reset()
	if err := runStatus(ctx, cfg, &out); err != nil {
		t.Fatalf("runStatus: %v", err)
	}
	for _, want := range []string{"signed in as ada", "Connected v" + devbroker.DefaultVersion} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("status output %q missing %q", out.String(), want)
		}
	}

	out.Reset()
	if err := runWhoAmI(ctx, cfg, &out); err != nil {
		t.Fatalf("runWhoAmI: %v", err)
	}
	if !strings.Contains(out.String(), "ada@example.com") {
		t.Fatalf("whoami output = %q", out.String())
	}

	out.Reset()
	if err := runListKeys(ctx, cfg, &out); err != nil {
		t.Fatalf("runListKeys: %v", err)
	}
	if !strings.Contains(out.String(), "No stored keys.") {
		t.Fatalf("keys output = %q", out.String())
	}

	out.Reset()
	if err := runLogout(ctx, cfg, &out); err != nil {
		t.Fatalf("runLogout: %v", err)
	}
	if !strings.Contains(out.String(), "Signed out.") {
		t.Fatalf("logout output = %q", out.String())
	}

	if err := runWhoAmI(ctx, cfg, &out); err == nil || !strings.Contains(err.Error(), "not signed in") {
		t.Fatalf("whoami after logout = %v", err)
	}
}

func TestDevLoginRequiresEmulator(t *testing.T) {
	broker := devbroker.New(devbroker.Options{})
	ts := httptest.NewServer(broker.Handler())
	defer ts.Close()
	cfg := testConfig(t, ts.URL+"/api")

	err := runLogin(context.Background(), cfg, &LoginOptions{Out: &bytes.Buffer{}}, "ada@example.com")
	var signInErr *sdkAuth.SignInError
	if !errors.As(err, &signInErr) {
		t.Fatalf("err = %T %v, want *SignInError", err, err)
	}
	if signInErr.UserMessage() != "Not available in production" {
		t.Fatalf("message = %q", signInErr.UserMessage())
	}
}
