package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func setupTestEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CHUNKFLOW_HOME", dir)
	return dir
}

func execCmd(t *testing.T, args ...string) (stdout, stderr string, exitCode int) {
	t.Helper()
	var outBuf, errBuf bytes.Buffer
	rootCmd.SetOut(&outBuf)
	rootCmd.SetErr(&errBuf)
	rootCmd.SetArgs(args)

	err := rootCmd.Execute()

	stdout, stderr = outBuf.String(), errBuf.String()
	if err != nil {
		exitCode = 1
		stderr += err.Error()
	}
	resetFlags(rootCmd)
	cfgFile, contextName, formatOutput, verbose = "", "", "text", false
	return
}

func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		f.Changed = false
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
			return
		}
		f.Value.Set(f.DefValue)
	})
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	stdout, stderr, code := execCmd(t, args...)
	if code != 0 {
		t.Fatalf("chunkflow %s: exit %d: %s", strings.Join(args, " "), code, stderr)
	}
	return stdout
}

func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const joinPipeline = `
name: greet
steps:
  - id: joined
    action: transform/join
    inputs: prompt
`

func TestVersion(t *testing.T) {
	setupTestEnv(t)
	if out := mustRun(t, "version"); !strings.Contains(out, "chunkflow") {
		t.Fatalf("expected 'chunkflow', got: %s", out)
	}
	if out := mustRun(t, "version", "--format", "json"); !strings.Contains(out, `"version"`) {
		t.Fatalf("expected JSON, got: %s", out)
	}
}

func TestConfigContexts(t *testing.T) {
	home := setupTestEnv(t)

	out := mustRun(t, "config", "add-context", "local", "--server", "http://localhost:8080", "--session", "demo")
	if !strings.Contains(out, `"local" saved`) {
		t.Fatalf("add-context output: %s", out)
	}
	mustRun(t, "config", "add-context", "prod", "--server", "https://flow.example.com", "--token", "abcd12345678wxyz")
	if _, err := os.Stat(filepath.Join(home, appName, "config.yaml")); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	out = mustRun(t, "config", "get-contexts")
	if !strings.Contains(out, "*  local") || !strings.Contains(out, "prod") {
		t.Fatalf("get-contexts: %s", out)
	}

	out = mustRun(t, "config", "view", "prod", "--format", "json")
	if !strings.Contains(out, "abcd********wxyz") || strings.Contains(out, "12345678") {
		t.Fatalf("view did not mask the token: %s", out)
	}

	if _, stderr, code := execCmd(t, "config", "use-context", "nope"); code == 0 || !strings.Contains(stderr, "not found") {
		t.Fatalf("use-context nope: exit %d, %s", code, stderr)
	}
	if _, _, code := execCmd(t, "config", "add-context", "bad", "--server", "ftp://x"); code == 0 {
		t.Fatal("ftp server accepted")
	}
	if _, _, code := execCmd(t, "config", "add-context", "bad", "--server", "http://x", "--codec", "xml"); code == 0 {
		t.Fatal("unknown codec accepted")
	}

	mustRun(t, "config", "use-context", "prod")
	mustRun(t, "config", "delete-context", "prod")
	if _, stderr, code := execCmd(t, "send", "x", "--text", "y"); code == 0 || !strings.Contains(stderr, "no context") {
		t.Fatalf("send without context: exit %d, %s", code, stderr)
	}
}

func TestActionsLocal(t *testing.T) {
	setupTestEnv(t)
	out := mustRun(t, "actions")
	for _, name := range []string{"transform/join", "transform/jq", "transform/merge", "audio/resample"} {
		if !strings.Contains(out, name) {
			t.Errorf("actions missing %s:\n%s", name, out)
		}
	}
	out = mustRun(t, "actions", "--format", "json", "--schema")
	if !strings.Contains(out, `"separator"`) {
		t.Errorf("schema missing join config:\n%s", out)
	}
	if _, _, code := execCmd(t, "actions", "--models", filepath.Join(t.TempDir(), "missing")); code == 0 {
		t.Error("explicit missing models dir accepted")
	}
}

func TestRunLocal(t *testing.T) {
	setupTestEnv(t)
	path := writeTestFile(t, "pipeline.yaml", joinPipeline)

	out := mustRun(t, "run", "-f", path, "--input", "prompt=hello", "--input", "prompt= world")
	if !strings.Contains(out, "== joined.out (joined/out) ==") || !strings.Contains(out, "hello world") {
		t.Fatalf("run output:\n%s", out)
	}

	out = mustRun(t, "run", "-f", path, "-i", "prompt=x", "--format", "json")
	if !strings.Contains(out, `"channel": "joined/out"`) || !strings.Contains(out, `"text": "x"`) {
		t.Fatalf("run json output:\n%s", out)
	}

	if _, stderr, code := execCmd(t, "run", "-f", path, "--input", "novalue"); code == 0 || !strings.Contains(stderr, "channel=text") {
		t.Fatalf("bad input: exit %d, %s", code, stderr)
	}
	bad := writeTestFile(t, "bad.yaml", "steps: [{action: nope, inputs: a}]")
	if _, stderr, code := execCmd(t, "run", "-f", bad); code == 0 || !strings.Contains(stderr, "not found") {
		t.Fatalf("unknown action: exit %d, %s", code, stderr)
	}
}

func TestServeAndRemote(t *testing.T) {
	setupTestEnv(t)
	archive := t.TempDir()

	serveAddr = "127.0.0.1:0"
	serveArchive = archive
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- serve(ctx, ready) }()
	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("serve: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not start")
	}
	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve returned %v", err)
		}
		serveAddr, serveArchive = ":8080", ""
	}
	defer stop()

	mustRun(t, "config", "add-context", "local", "--server", "http://"+addr, "--session", "demo", "--codec", "msgpack")

	out := mustRun(t, "send", "prompt", "--text", "hello", "--text", " world")
	if !strings.Contains(out, "Sent 2 chunk(s) to demo/prompt") {
		t.Fatalf("send output: %s", out)
	}
	mustRun(t, "send", "notes", "--text", "a", "--keep-open")
	mustRun(t, "send", "notes", "--text", "b", "--append")

	if out := mustRun(t, "read", "notes"); strings.TrimSpace(out) != "ab" {
		t.Fatalf("read notes = %q", out)
	}

	path := writeTestFile(t, "pipeline.yaml", joinPipeline)
	out = mustRun(t, "run", "-f", path, "--remote", "--wait")
	if !strings.Contains(out, "hello world") {
		t.Fatalf("remote run output:\n%s", out)
	}
	if out := mustRun(t, "read", "joined/out"); strings.TrimSpace(out) != "hello world" {
		t.Fatalf("read joined/out = %q", out)
	}

	out = mustRun(t, "inspect")
	for _, want := range []string{"session demo", "joined/out", "prompt", "closed"} {
		if !strings.Contains(out, want) {
			t.Errorf("inspect missing %q:\n%s", want, out)
		}
	}
	out = mustRun(t, "inspect", "--records")
	if !strings.Contains(out, "prompt") || !strings.Contains(out, "(close)") {
		t.Errorf("inspect --records:\n%s", out)
	}
	if out := mustRun(t, "actions", "--remote"); !strings.Contains(out, "transform/join") {
		t.Errorf("remote actions:\n%s", out)
	}

	stop()
	out = mustRun(t, "inspect", "demo", "--archive", archive, "--format", "json")
	if !strings.Contains(out, `"channel": "joined/out"`) {
		t.Errorf("archived records:\n%s", out)
	}
}

func TestResolveMedia(t *testing.T) {
	home := setupTestEnv(t)
	if got := resolveMedia(""); got != "" {
		t.Fatalf("resolveMedia without media dir = %q", got)
	}
	dir := filepath.Join(home, appName, "media")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if got := resolveMedia(""); got != dir {
		t.Fatalf("resolveMedia = %q, want %q", got, dir)
	}
	if got := resolveMedia("s3://b/m"); got != "s3://b/m" {
		t.Fatalf("resolveMedia(flag) = %q", got)
	}
}
