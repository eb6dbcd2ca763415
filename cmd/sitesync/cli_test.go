package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperengineering/sitesync/internal/api"
	"github.com/hyperengineering/sitesync/internal/config"
	"github.com/hyperengineering/sitesync/internal/remote"
	"github.com/hyperengineering/sitesync/internal/site"
	"github.com/hyperengineering/sitesync/internal/store"
	"github.com/hyperengineering/sitesync/internal/types"
	"github.com/hyperengineering/sitesync/internal/worker"
)

const testToken = "team-token"

// resetFlags restores package-level flag variables. Cobra parses into them,
// so stale values from a previous test would leak.
func resetFlags() {
	configPath = ""
	jsonOutput = false
	noSync = false
	projectInput = site.ProjectInput{}
	projectFileCat = string(types.FileDocument)
	taskInput = site.TaskInput{}
	taskProject = ""
	taskEvidence = ""
	taskComment = ""
	commentTask = ""
	commentProject = ""
	userID = ""
	userRole = ""
	chatLimit = 20
	backupKey = ""
	inviteToken, inviteRepo, invitePath, inviteRole, inviteUsername = "", "", "data/site.json", "", ""
}

// executeCmd runs the root command with captured output.
func executeCmd(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	resetFlags()

	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)
	rootCmd.SetOut(outBuf)
	rootCmd.SetErr(errBuf)
	rootCmd.SetArgs(args)

	err = rootCmd.Execute()

	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	rootCmd.SetArgs(nil)
	return outBuf.String(), errBuf.String(), err
}

// device points the config environment at one client's database and
// identity. Tests switch devices by calling it again.
func device(t *testing.T, dir, name, username string) {
	t.Helper()
	t.Setenv("SITESYNC_CONFIG_PATH", filepath.Join(dir, "missing.yaml"))
	t.Setenv("SITESYNC_DB_PATH", filepath.Join(dir, name+".db"))
	t.Setenv("SITESYNC_USER", username)
	t.Setenv("SITESYNC_LOG_LEVEL", "error")
}

// contentsServer starts a self-hosted contents server and points the
// remote config at it.
func contentsServer(t *testing.T) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	srv := httptest.NewServer(api.NewRouter(api.NewHandler(st, testToken, "test")))
	t.Cleanup(func() {
		srv.Close()
		st.Close()
	})
	t.Setenv("SITESYNC_REMOTE_URL", srv.URL)
	t.Setenv("SITESYNC_REPO", "acme/site")
	t.Setenv("SITESYNC_TOKEN", testToken)
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, errOut, err := executeCmd(t, args...)
	if err != nil {
		t.Fatalf("sitesync %s: %v\nstderr: %s", strings.Join(args, " "), err, errOut)
	}
	return strings.TrimSpace(out)
}

func TestProjectAddAndList_LocalOnly(t *testing.T) {
	dir := t.TempDir()
	device(t, dir, "a", "Администратор")

	id := mustRun(t, "project", "add", "--name", "Склад №2", "--city", "Казань")
	if len(id) != 26 {
		t.Fatalf("expected a ULID, got %q", id)
	}

	out := mustRun(t, "project", "list")
	if !strings.Contains(out, "Склад №2") || !strings.Contains(out, id) {
		t.Errorf("list output missing project:\n%s", out)
	}

	out = mustRun(t, "status", "--json")
	var status struct {
		Status struct {
			State string `json:"state"`
		} `json:"status"`
		Stats types.Stats `json:"stats"`
	}
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("status json: %v\n%s", err, out)
	}
	if status.Status.State != "local_only" || status.Stats.Projects != 2 {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestConfigFlag(t *testing.T) {
	dir := t.TempDir()
	device(t, dir, "a", "Администратор")

	// Given: an explicit --config path that does not exist
	// Then: the command fails instead of falling back to defaults
	if _, _, err := executeCmd(t, "--config", filepath.Join(dir, "absent.yaml"), "status"); err == nil {
		t.Fatal("expected error for missing --config file")
	}

	// Given: a config file naming its own database
	cfgFile := filepath.Join(dir, "sitesync.yaml")
	body := "local:\n  db_path: " + filepath.Join(dir, "from-file.db") + "\n"
	if err := os.WriteFile(cfgFile, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SITESYNC_DB_PATH", "")

	// When: a command runs with --config
	mustRun(t, "--config", cfgFile, "status")

	// Then: the database from the file is used
	if _, err := os.Stat(filepath.Join(dir, "from-file.db")); err != nil {
		t.Errorf("database from config file not created: %v", err)
	}
}

func TestTaskWorkflow_AcrossDevices(t *testing.T) {
	dir := t.TempDir()
	contentsServer(t)

	// Given the admin creates a task and it reaches the shared document
	device(t, dir, "admin", "Администратор")
	taskID := mustRun(t, "task", "add", "--project", "101", "--title", "Армирование")

	// When the foreman joins and starts the task. A fresh device's default
	// snapshot is newer than the shared one, so it joins with a full sync.
	device(t, dir, "foreman", "Прораб 1")
	mustRun(t, "sync")
	mustRun(t, "task", "move", taskID, "in_progress")

	// And then submits it without a photo
	_, _, err := executeCmd(t, "task", "move", taskID, "review")
	if err == nil {
		t.Fatal("review without evidence should fail")
	}
	mustRun(t, "task", "move", taskID, "review", "--evidence", "https://img.example.com/1.jpg")

	// Then the supervisor sees it in review and a notification for their role
	device(t, dir, "supervisor", "Технадзор")
	mustRun(t, "sync")
	out := mustRun(t, "task", "list", "--json")
	var tasks []types.Task
	if err := json.Unmarshal([]byte(out), &tasks); err != nil {
		t.Fatalf("task list json: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != types.TaskReview || tasks[0].EvidenceCount != 1 {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
	if out := mustRun(t, "notifications"); !strings.Contains(out, "Армирование") {
		t.Errorf("supervisor notification missing:\n%s", out)
	}

	// And the supervisor may not restart it
	if _, _, err := executeCmd(t, "task", "move", taskID, "in_progress"); err == nil {
		t.Error("supervisor moving review -> in_progress should fail")
	}
	mustRun(t, "task", "move", taskID, "done")

	// Finally the admin, already joined, picks the result up with a poll.
	device(t, dir, "admin", "Администратор")
	if out := mustRun(t, "pull"); !strings.HasPrefix(out, "merged") {
		t.Errorf("pull: got %q, want merged", out)
	}
	out = mustRun(t, "task", "list", "--json")
	tasks = nil
	if err := json.Unmarshal([]byte(out), &tasks); err != nil {
		t.Fatalf("task list json: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != types.TaskDone {
		t.Errorf("admin sees %+v, want one done task", tasks)
	}
}

func TestUserSet_GoesThroughRemote(t *testing.T) {
	dir := t.TempDir()
	contentsServer(t)

	device(t, dir, "admin", "Администратор")
	mustRun(t, "sync")
	out := mustRun(t, "user", "set", "Прораб 2", "--role", "foreman")
	if !strings.HasPrefix(out, "pushed ") {
		t.Errorf("expected a push, got %q", out)
	}

	// A second device sees the new member after pulling.
	device(t, dir, "other", "Менеджер")
	mustRun(t, "sync")
	if out := mustRun(t, "user", "list"); !strings.Contains(out, "Прораб 2") {
		t.Errorf("new user missing on other device:\n%s", out)
	}

	// Non-admins cannot change the roster.
	if _, _, err := executeCmd(t, "user", "set", "x", "--role", "foreman"); err == nil {
		t.Error("manager should not manage users")
	}
}

func TestCommentAndChat(t *testing.T) {
	dir := t.TempDir()
	device(t, dir, "a", "Менеджер")

	if _, _, err := executeCmd(t, "comment", "add", "текст"); err == nil {
		t.Error("comment without --task or --project should fail")
	}
	mustRun(t, "comment", "add", "--project", "101", "Проверка", "в", "пятницу")
	mustRun(t, "chat", "post", "Всем", "привет")

	out := mustRun(t, "chat", "list")
	if !strings.Contains(out, "Всем привет") || !strings.Contains(out, "Менеджер") {
		t.Errorf("chat list:\n%s", out)
	}
}

func TestExportImport(t *testing.T) {
	dir := t.TempDir()
	device(t, dir, "a", "Администратор")
	mustRun(t, "project", "add", "--name", "Экспорт")

	file := filepath.Join(dir, "export.json")
	mustRun(t, "export", file)

	device(t, dir, "b", "Администратор")
	mustRun(t, "import", file)
	if out := mustRun(t, "project", "list"); !strings.Contains(out, "Экспорт") {
		t.Errorf("imported project missing:\n%s", out)
	}

	old := filepath.Join(dir, "old.json")
	os.WriteFile(old, []byte(`{"version":"0.1.0","timestamp":"2024-01-01T00:00:00Z"}`), 0o644)
	if _, _, err := executeCmd(t, "import", old); err == nil {
		t.Error("importing an unsupported schema should fail")
	}
}

func TestInviteRoundTrip(t *testing.T) {
	code := mustRun(t, "invite", "encode", "--token", "secret", "--repo", "acme/site", "--role", "foreman", "--username", "Прораб 3")

	out := mustRun(t, "invite", "decode", code)
	if !strings.Contains(out, "acme/site") || !strings.Contains(out, "Прораб 3") {
		t.Errorf("decode output:\n%s", out)
	}
	if strings.Contains(out, "secret") {
		t.Error("decode must not print the token")
	}

	if _, _, err := executeCmd(t, "invite", "encode", "--token", "x", "--repo", "norepo"); err == nil {
		t.Error("invalid repo should fail")
	}
}

func TestBackupNow_RequiresBucket(t *testing.T) {
	dir := t.TempDir()
	device(t, dir, "a", "Администратор")
	if _, _, err := executeCmd(t, "backup", "now"); err == nil {
		t.Error("backup without a bucket should fail")
	}
}

func TestNewLogger_WritesRotatingFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "sitesync.log")
	logger, closer := newLogger(config.LogConfig{Level: "debug", Format: "text", File: file, MaxSizeMB: 1})
	logger.Debug("hello", "component", "test")
	closer.Close()

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "msg=hello") {
		t.Errorf("log file content: %s", data)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"info":  slog.LevelInfo,
		"":      slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestStartWorker_RunsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var stopped atomic.Bool
	done := make(chan struct{})
	go func() {
		startWorker(ctx, "test", func(ctx context.Context) { <-ctx.Done() })
		stopped.Store(true)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	if stopped.Load() {
		t.Fatal("worker returned before cancellation")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

func TestTokenWatcher_OnlyForFileToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("ghp_file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	client, err := remote.NewContentsClient(remote.Config{Repo: "acme/site", Token: "ghp_file"})
	if err != nil {
		t.Fatal(err)
	}
	sched := worker.NewScheduler(nil, time.Hour, time.Hour)

	tests := []struct {
		name   string
		rc     config.RemoteConfig
		client *remote.ContentsClient
		want   bool
	}{
		{"token from file", config.RemoteConfig{Token: "ghp_file", TokenFile: path}, client, true},
		{"env token wins over file", config.RemoteConfig{Token: "ghp_env", TokenFile: path}, client, false},
		{"no token file", config.RemoteConfig{Token: "ghp_env"}, client, false},
		{"local only", config.RemoteConfig{TokenFile: path}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &app{cfg: &config.Config{Remote: tt.rc}, client: tt.client}
			if got := a.tokenWatcher(sched) != nil; got != tt.want {
				t.Errorf("watcher created = %v, want %v", got, tt.want)
			}
		})
	}
}
