package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"
)

// ExecResult is the outcome of one shell command.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

// Output returns combined stdout and stderr.
func (r ExecResult) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// DirEntry is one filesystem directory entry.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// GrepOptions configures content search.
type GrepOptions struct {
	GlobFilter      string `json:"glob_filter,omitempty"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty"`
	MaxResults      int    `json:"max_results,omitempty"`
}

// ExecutionEnvironment abstracts where tool operations run, so the same
// tool set can target the local machine, a container, or a remote host.
type ExecutionEnvironment interface {
	ReadFile(path string, offset, limit int) (string, error)
	WriteFile(path, content string) error
	FileExists(path string) bool
	ListDirectory(path string) ([]DirEntry, error)

	Exec(ctx context.Context, command string, timeout time.Duration, workingDir string) (*ExecResult, error)

	Grep(ctx context.Context, pattern, path string, options GrepOptions) (string, error)
	Glob(pattern, path string) ([]string, error)

	WorkingDirectory() string
	Platform() string
}

// Environment variables with these suffixes are stripped from child
// processes.
var sensitiveEnvSuffixes = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

var alwaysKeptEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"GOPATH": true, "GOROOT": true, "CARGO_HOME": true,
	"XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true, "XDG_CACHE_HOME": true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, suffix := range sensitiveEnvSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

func filteredEnviron() []string {
	var kept []string
	for _, entry := range os.Environ() {
		name, _, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		if alwaysKeptEnvVars[name] || !isSensitiveEnvVar(name) {
			kept = append(kept, entry)
		}
	}
	return kept
}

// LocalEnv runs tools on the local machine rooted at a working directory.
type LocalEnv struct {
	workingDir string
}

// NewLocalEnv creates a local environment. An empty workingDir means the
// process working directory.
func NewLocalEnv(workingDir string) *LocalEnv {
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	return &LocalEnv{workingDir: workingDir}
}

func (e *LocalEnv) WorkingDirectory() string { return e.workingDir }

func (e *LocalEnv) Platform() string { return runtime.GOOS + "/" + runtime.GOARCH }

func (e *LocalEnv) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.workingDir, path)
}

// ReadFile returns the file content formatted with 1-based line numbers.
// offset is the first line to include (1-based, 0 means start) and limit
// caps the number of lines (0 means all).
func (e *LocalEnv) ReadFile(path string, offset, limit int) (string, error) {
	data, err := os.ReadFile(e.resolvePath(path))
	if err != nil {
		return "", fmt.Errorf("read_file: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	start := 0
	if offset > 0 {
		start = offset - 1
	}
	if start >= len(lines) {
		return "", nil
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	var sb strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%d | %s\n", i+1, lines[i])
	}
	return sb.String(), nil
}

func (e *LocalEnv) WriteFile(path, content string) error {
	resolved := e.resolvePath(path)
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return fmt.Errorf("write_file: %w", err)
	}
	return os.WriteFile(resolved, []byte(content), 0644)
}

func (e *LocalEnv) FileExists(path string) bool {
	_, err := os.Stat(e.resolvePath(path))
	return err == nil
}

func (e *LocalEnv) ListDirectory(path string) ([]DirEntry, error) {
	entries, err := os.ReadDir(e.resolvePath(path))
	if err != nil {
		return nil, fmt.Errorf("list_dir: %w", err)
	}

	result := make([]DirEntry, 0, len(entries))
	for _, entry := range entries {
		de := DirEntry{Name: entry.Name(), IsDir: entry.IsDir()}
		if info, err := entry.Info(); err == nil && !entry.IsDir() {
			de.Size = info.Size()
		}
		result = append(result, de)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// Exec runs a shell command under the context plus an optional timeout. A
// timed-out command is reported in the result rather than as an error; the
// whole process group is killed so children do not linger.
func (e *LocalEnv) Exec(ctx context.Context, command string, timeout time.Duration, workingDir string) (*ExecResult, error) {
	if workingDir == "" {
		workingDir = e.workingDir
	} else {
		workingDir = e.resolvePath(workingDir)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shell, shellArg := "/bin/bash", "-c"
	if runtime.GOOS == "windows" {
		shell, shellArg = "cmd.exe", "/c"
	}

	cmd := exec.CommandContext(ctx, shell, shellArg, command)
	cmd.Dir = workingDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = filteredEnviron()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		if ctx.Err() != nil {
			result.TimedOut = ctx.Err() == context.DeadlineExceeded
			result.ExitCode = -1
			if cmd.Process != nil {
				_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			}
			if !result.TimedOut {
				return nil, ctx.Err()
			}
		} else if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("exec: %w", err)
		}
	}
	return result, nil
}

// Grep searches file contents, preferring ripgrep when installed.
func (e *LocalEnv) Grep(ctx context.Context, pattern, path string, options GrepOptions) (string, error) {
	if path == "" {
		path = e.workingDir
	} else {
		path = e.resolvePath(path)
	}

	rgPath, err := exec.LookPath("rg")
	if err != nil {
		return e.grepFallback(ctx, pattern, path, options)
	}

	args := []string{pattern, path, "--line-number", "--no-heading"}
	if options.CaseInsensitive {
		args = append(args, "-i")
	}
	if options.GlobFilter != "" {
		args = append(args, "--glob", options.GlobFilter)
	}
	if options.MaxResults > 0 {
		args = append(args, "--max-count", fmt.Sprintf("%d", options.MaxResults))
	}

	cmd := exec.CommandContext(ctx, rgPath, args...)
	cmd.Dir = e.workingDir
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	_ = cmd.Run() // exit 1 means no matches
	return stdout.String(), nil
}

func (e *LocalEnv) grepFallback(ctx context.Context, pattern, path string, options GrepOptions) (string, error) {
	args := []string{"-rn", pattern, path}
	if options.CaseInsensitive {
		args = append([]string{"-i"}, args...)
	}
	cmd := exec.CommandContext(ctx, "grep", args...)
	cmd.Dir = e.workingDir
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	_ = cmd.Run()
	return stdout.String(), nil
}

// Glob matches pattern under path, returning working-directory-relative
// paths where possible.
func (e *LocalEnv) Glob(pattern, path string) ([]string, error) {
	if path == "" {
		path = e.workingDir
	} else {
		path = e.resolvePath(path)
	}

	matches, err := filepath.Glob(filepath.Join(path, pattern))
	if err != nil {
		return nil, fmt.Errorf("glob: %w", err)
	}

	result := make([]string, len(matches))
	for i, m := range matches {
		if rel, err := filepath.Rel(e.workingDir, m); err == nil {
			result[i] = rel
		} else {
			result[i] = m
		}
	}
	return result, nil
}
