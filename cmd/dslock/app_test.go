package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"pkt.systems/dslock"
	"pkt.systems/dslock/internal/record"
	"pkt.systems/dslock/internal/version"
	"pkt.systems/pslog"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	cmd := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("run tests use /bin/sh")
	}
}

func writeForeignLock(t *testing.T, dir, dataset string, acquired time.Time) {
	t.Helper()
	data, err := record.Encode(record.Record{
		PID:        4242,
		Hostname:   "ingest-far-away",
		WriterID:   "writer-remote",
		AcquiredAt: acquired.UTC(),
		ExpiresAt:  acquired.UTC().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("encode record: %v", err)
	}
	if err := os.WriteFile(dslock.LockPath(dir, dataset), data, 0o644); err != nil {
		t.Fatalf("write record: %v", err)
	}
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var exit *exitCodeError
	if !errors.As(err, &exit) {
		t.Fatalf("expected exit code error, got %v", err)
	}
	return exit.code
}

func TestVersionCommand(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	if want := version.Read().String() + "\n"; stdout != want {
		t.Fatalf("stdout %q want %q", stdout, want)
	}

	stdout, _, err = executeRootCommand(t, "version", "--version")
	if err != nil {
		t.Fatalf("version --version: %v", err)
	}
	if want := version.Read().Version + "\n"; stdout != want {
		t.Fatalf("stdout %q want %q", stdout, want)
	}
}

func TestConfigGenStdout(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var got configDefaults
	if err := yaml.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("decode generated config: %v\n%s", err, stdout)
	}
	if got.LockTimeout != "4h0m0s" || got.RefreshInterval != "1m0s" || got.Dir != dslock.DefaultLockDir {
		t.Fatalf("unexpected defaults %+v", got)
	}
	if !slices.Equal(got.Backoff, []string{"100ms", "500ms", "1s", "2s", "5s"}) {
		t.Fatalf("backoff=%v", got.Backoff)
	}
}

func TestConfigGenWritesFileOnce(t *testing.T) {
	out := filepath.Join(t.TempDir(), "cfg", "config.yaml")
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err != nil {
		t.Fatalf("config gen: %v", err)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%v", info.Mode().Perm())
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected refusal to overwrite, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("config gen --force: %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--stdout"); err == nil {
		t.Fatal("--out with --stdout accepted")
	}
}

func TestGeneratedConfigLoads(t *testing.T) {
	out := filepath.Join(t.TempDir(), "config.yaml")
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err != nil {
		t.Fatalf("config gen: %v", err)
	}
	dir := t.TempDir()
	stdout, _, err := executeRootCommand(t, "--config", out, "--dir", dir, "status", "ticks")
	if err != nil {
		t.Fatalf("status with generated config: %v", err)
	}
	if !strings.Contains(stdout, "free") {
		t.Fatalf("unexpected status output:\n%s", stdout)
	}
}

func TestStatusFreeAndHeld(t *testing.T) {
	dir := t.TempDir()
	stdout, _, err := executeRootCommand(t, "--dir", dir, "status", "ticks")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(stdout, "state:     free") {
		t.Fatalf("unexpected output:\n%s", stdout)
	}

	l, err := dslock.New(dir, "ticks", dslock.WithoutMetrics(), dslock.WithWriterID("status-writer"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tok, err := l.Acquire(context.Background(), 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer l.Release(context.Background(), tok)

	stdout, _, err = executeRootCommand(t, "--dir", dir, "status", "ticks", "-o", "json")
	if err != nil {
		t.Fatalf("status json: %v", err)
	}
	var st dslock.Status
	if err := json.Unmarshal([]byte(stdout), &st); err != nil {
		t.Fatalf("decode status: %v\n%s", err, stdout)
	}
	if !st.Present || st.Stale || st.WriterID != "status-writer" || st.PID != os.Getpid() {
		t.Fatalf("unexpected status %+v", st)
	}

	stdout, _, err = executeRootCommand(t, "--dir", dir, "status", "ticks")
	if err != nil {
		t.Fatalf("status text: %v", err)
	}
	for _, want := range []string{"state:     held", "writer:    status-writer", "from now"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("status output missing %q:\n%s", want, stdout)
		}
	}

	if _, _, err := executeRootCommand(t, "--dir", dir, "status", "ticks", "-o", "xml"); err == nil {
		t.Fatal("unknown output format accepted")
	}
}

func TestStatusHonoursEnvironment(t *testing.T) {
	dir := t.TempDir()
	writeForeignLock(t, dir, "fx", time.Now())
	t.Setenv("DSLOCK_DIR", dir)
	stdout, _, err := executeRootCommand(t, "status", "fx", "-o", "yaml")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var st map[string]any
	if err := yaml.Unmarshal([]byte(stdout), &st); err != nil {
		t.Fatalf("decode yaml: %v", err)
	}
	if st["hostname"] != "ingest-far-away" || st["reason"] != "foreign_host" {
		t.Fatalf("unexpected status %v", st)
	}
}

func TestRecoverCommand(t *testing.T) {
	dir := t.TempDir()
	stdout, _, err := executeRootCommand(t, "--dir", dir, "recover", "bars")
	if err != nil || !strings.Contains(stdout, "no lock on bars") {
		t.Fatalf("recover absent: %q %v", stdout, err)
	}

	writeForeignLock(t, dir, "bars", time.Now())
	if _, _, err := executeRootCommand(t, "--dir", dir, "recover", "bars"); !errors.Is(err, dslock.ErrLockLive) {
		t.Fatalf("expected ErrLockLive, got %v", err)
	}

	writeForeignLock(t, dir, "bars", time.Now().Add(-3*time.Hour))
	stdout, _, err = executeRootCommand(t, "--dir", dir, "recover", "bars")
	if err != nil || !strings.Contains(stdout, "recovered bars") {
		t.Fatalf("recover stale: %q %v", stdout, err)
	}
	if _, err := os.Stat(dslock.LockPath(dir, "bars")); !os.IsNotExist(err) {
		t.Fatalf("lock file still present: %v", err)
	}
}

func TestRunHoldsLockForChild(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	script := `test -f "$DSLOCK_LOCK_PATH" && test "$DSLOCK_DATASET" = quotes && test -n "$DSLOCK_RUN_ID" && echo "writer=$DSLOCK_WRITER_ID"`
	stdout, _, err := executeRootCommand(t, "--dir", dir, "--writer-id", "nightly", "run", "quotes", "--", "sh", "-c", script)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.TrimSpace(stdout) != "writer=nightly" {
		t.Fatalf("child output %q", stdout)
	}
	if _, err := os.Stat(dslock.LockPath(dir, "quotes")); !os.IsNotExist(err) {
		t.Fatalf("lock not released: %v", err)
	}
}

func TestRunPropagatesExitCode(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	_, _, err := executeRootCommand(t, "--dir", dir, "run", "quotes", "--", "sh", "-c", "exit 3")
	if code := exitCode(t, err); code != 3 {
		t.Fatalf("exit code %d want 3", code)
	}
	if _, err := os.Stat(dslock.LockPath(dir, "quotes")); !os.IsNotExist(err) {
		t.Fatalf("lock not released after failing child: %v", err)
	}
}

func TestRunTimesOutOnHeldLock(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	writeForeignLock(t, dir, "quotes", time.Now())
	before, err := os.ReadFile(dslock.LockPath(dir, "quotes"))
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = executeRootCommand(t, "--dir", dir, "--acquire-timeout", "0", "run", "quotes", "--", "sh", "-c", "echo ran")
	if code := exitCode(t, err); code != exitTempFail {
		t.Fatalf("exit code %d want %d", code, exitTempFail)
	}
	if !dslock.IsAcquireTimeout(err) {
		t.Fatalf("expected acquire timeout, got %v", err)
	}
	after, err := os.ReadFile(dslock.LockPath(dir, "quotes"))
	if err != nil || !bytes.Equal(before, after) {
		t.Fatalf("held lock was modified: %v", err)
	}
}

func TestRunRequiresDash(t *testing.T) {
	_, _, err := executeRootCommand(t, "--dir", t.TempDir(), "run", "quotes", "true")
	if err == nil || !strings.Contains(err.Error(), "usage") {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestRunUsesConfigFile(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	cfg := "dir: " + dir + "\nwriter-id: from-config\nlock-timeout: 30m\nrefresh-interval: 1m\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	_, _, err := executeRootCommand(t, "--config", cfgPath, "run", "fx", "--", "sh", "-c", `test "$DSLOCK_WRITER_ID" = from-config && test -f "$DSLOCK_LOCK_PATH"`)
	if err != nil {
		t.Fatalf("run with config: %v", err)
	}
}

func TestInvalidSettingsRejected(t *testing.T) {
	dir := t.TempDir()
	cases := [][]string{
		{"--dir", dir, "--file-mode", "999", "status", "x"},
		{"--dir", dir, "--backoff", "soon", "status", "x"},
		{"--dir", dir, "--lock-timeout", "1m", "--refresh-interval", "2m", "status", "x"},
		{"--dir", dir, "status", "../escape"},
		{"--config", filepath.Join(dir, "missing.yaml"), "status", "x"},
	}
	for _, args := range cases {
		if _, _, err := executeRootCommand(t, args...); err == nil {
			t.Fatalf("%v accepted", args)
		}
	}
}

func TestParseDurations(t *testing.T) {
	got, err := parseDurations([]string{"100ms,500ms", "1s", "[2s 5s]"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, time.Second, 2 * time.Second, 5 * time.Second}
	if !slices.Equal(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestEventLine(t *testing.T) {
	at := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
	line := eventLine(dslock.Event{
		Kind: dslock.EventAcquired,
		At:   at,
		Status: dslock.Status{
			Present:   true,
			PID:       17,
			Hostname:  "ingest-02",
			WriterID:  "w",
			ExpiresAt: at.Add(time.Hour),
		},
	})
	want := "2026-10-15T08:00:00Z acquired  held pid=17 host=ingest-02 writer=w expires=2026-10-15T09:00:00Z"
	if line != want {
		t.Fatalf("line %q\nwant %q", line, want)
	}
}
