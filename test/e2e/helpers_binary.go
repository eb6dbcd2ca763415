//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// servedBinary is a `sitesync serve` process.
type servedBinary struct {
	URL string
	cmd *exec.Cmd
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// startServe runs the binary's contents server and waits for /health.
func startServe(t *testing.T) *servedBinary {
	t.Helper()
	requireSitesync(t)

	dir := t.TempDir()
	port := freePort(t)
	cmd := exec.Command(sitesyncBin, "serve")
	cmd.Env = append(os.Environ(),
		"SITESYNC_CONFIG_PATH="+filepath.Join(dir, "missing.yaml"),
		fmt.Sprintf("SITESYNC_PORT=%d", port),
		"SITESYNC_API_KEY="+testToken,
		"SITESYNC_SERVER_DB_PATH="+filepath.Join(dir, "server.db"),
		"SITESYNC_LOG_LEVEL=warn",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sitesync serve: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Signal(os.Interrupt)
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			cmd.Process.Kill()
		}
		if t.Failed() {
			t.Logf("serve stderr:\n%s", stderr.String())
		}
	})

	s := &servedBinary{URL: fmt.Sprintf("http://127.0.0.1:%d", port), cmd: cmd}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(s.URL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return s
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("sitesync serve did not become healthy:\n%s", stderr.String())
	return nil
}

// cliDevice runs client commands against one local database.
type cliDevice struct {
	env []string
}

func newCLIDevice(t *testing.T, srv *servedBinary, username string) *cliDevice {
	t.Helper()
	requireSitesync(t)
	dir := t.TempDir()
	return &cliDevice{env: append(os.Environ(),
		"SITESYNC_CONFIG_PATH="+filepath.Join(dir, "missing.yaml"),
		"SITESYNC_DB_PATH="+filepath.Join(dir, "client.db"),
		"SITESYNC_REMOTE_URL="+srv.URL,
		"SITESYNC_REPO="+testRepo,
		"SITESYNC_TOKEN="+testToken,
		"SITESYNC_USER="+username,
		"SITESYNC_LOG_LEVEL=error",
	)}
}

func (d *cliDevice) run(t *testing.T, args ...string) string {
	t.Helper()
	out, err := d.try(args...)
	if err != nil {
		t.Fatalf("sitesync %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(out)
}

func (d *cliDevice) try(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, sitesyncBin, args...)
	cmd.Env = d.env
	out, err := cmd.CombinedOutput()
	return string(out), err
}
