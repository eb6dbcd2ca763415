package e2e

import (
	"os"
	"os/exec"
	"testing"
)

var sitesyncBin string

func TestMain(m *testing.M) {
	sitesyncBin = envOrLookPath("SITESYNC_BIN", "sitesync")
	os.Exit(m.Run())
}

func envOrLookPath(envVar, name string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	if path, err := exec.LookPath(name); err == nil {
		return path
	}
	return ""
}

func requireSitesync(t *testing.T) {
	t.Helper()
	if sitesyncBin == "" {
		t.Skip("sitesync binary not available (set SITESYNC_BIN or add to PATH)")
	}
}
