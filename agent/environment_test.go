package agent

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestLocalEnvReadWriteRoundtrip(t *testing.T) {
	env := NewLocalEnv(t.TempDir())

	if err := env.WriteFile("sub/dir/a.txt", "one\ntwo\nthree"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if !env.FileExists("sub/dir/a.txt") {
		t.Fatal("file should exist")
	}

	content, err := env.ReadFile("sub/dir/a.txt", 0, 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(content, "1 | one") || !strings.Contains(content, "3 | three") {
		t.Errorf("missing line numbers: %q", content)
	}

	windowed, err := env.ReadFile("sub/dir/a.txt", 2, 1)
	if err != nil {
		t.Fatalf("windowed read failed: %v", err)
	}
	if windowed != "2 | two\n" {
		t.Errorf("unexpected window: %q", windowed)
	}
}

func TestLocalEnvListDirectory(t *testing.T) {
	dir := t.TempDir()
	env := NewLocalEnv(dir)
	if err := os.Mkdir(filepath.Join(dir, "nested"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := env.WriteFile("b.txt", "hi"); err != nil {
		t.Fatal(err)
	}

	entries, err := env.ListDirectory(".")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", entries)
	}
	if entries[0].Name != "b.txt" || entries[0].IsDir {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Name != "nested" || !entries[1].IsDir {
		t.Errorf("unexpected second entry: %+v", entries[1])
	}
}

func TestLocalEnvExec(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell test")
	}
	env := NewLocalEnv(t.TempDir())

	result, err := env.Exec(context.Background(), "echo hello; echo err >&2; exit 3", 5*time.Second, "")
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	if !strings.Contains(result.Stdout, "hello") || !strings.Contains(result.Stderr, "err") {
		t.Errorf("unexpected output: %+v", result)
	}
	if result.ExitCode != 3 {
		t.Errorf("expected exit 3, got %d", result.ExitCode)
	}
}

func TestLocalEnvExecTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell test")
	}
	env := NewLocalEnv(t.TempDir())

	result, err := env.Exec(context.Background(), "sleep 5", 50*time.Millisecond, "")
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	if !result.TimedOut || result.ExitCode != -1 {
		t.Errorf("expected timeout, got %+v", result)
	}
}

func TestLocalEnvGlob(t *testing.T) {
	env := NewLocalEnv(t.TempDir())
	for _, name := range []string{"a.go", "b.go", "c.txt"} {
		if err := env.WriteFile(name, ""); err != nil {
			t.Fatal(err)
		}
	}
	matches, err := env.Glob("*.go", "")
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	if len(matches) != 2 {
		t.Errorf("expected 2 matches, got %v", matches)
	}
}

func TestSensitiveEnvFiltering(t *testing.T) {
	if !isSensitiveEnvVar("OPENAI_API_KEY") || !isSensitiveEnvVar("db_password") {
		t.Error("expected sensitive classification")
	}
	if isSensitiveEnvVar("PATH") || isSensitiveEnvVar("EDITOR") {
		t.Error("unexpected sensitive classification")
	}
}
