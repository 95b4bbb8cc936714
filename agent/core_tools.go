package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RegisterCoreTools installs the built-in tool set. Timeouts bound the shell
// tool: commands default to defaultTimeout and may request up to maxTimeout.
func RegisterCoreTools(reg *ToolRegistry, defaultTimeout, maxTimeout time.Duration) {
	registerReadFile(reg)
	registerWriteFile(reg)
	registerEditFile(reg)
	registerShell(reg, defaultTimeout, maxTimeout)
	registerGrep(reg)
	registerGlob(reg)
	registerListDir(reg)
}

func objectSchema(required []string, props map[string]interface{}) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc}
}

func intProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "integer", "description": desc}
}

func boolProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "boolean", "description": desc}
}

func registerReadFile(reg *ToolRegistry) {
	reg.Register(&Tool{
		Definition: toolDef("read_file",
			"Read a file from the filesystem. Returns line-numbered content.",
			objectSchema([]string{"file_path"}, map[string]interface{}{
				"file_path": stringProp("Path to the file to read."),
				"offset":    intProp("1-based line number to start reading from."),
				"limit":     intProp("Maximum number of lines to read. Default: 2000."),
			})),
		ReadOnly: true,
		Run: func(ctx context.Context, raw json.RawMessage, env ExecutionEnvironment) (string, error) {
			var args struct {
				FilePath string `json:"file_path"`
				Offset   int    `json:"offset"`
				Limit    int    `json:"limit"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return "", err
			}
			if args.FilePath == "" {
				return "", InvalidParams("file_path is required")
			}
			if args.Limit == 0 {
				args.Limit = 2000
			}
			return env.ReadFile(args.FilePath, args.Offset, args.Limit)
		},
	})
}

func registerWriteFile(reg *ToolRegistry) {
	reg.Register(&Tool{
		Definition: toolDef("write_file",
			"Write content to a file. Creates the file and parent directories if needed.",
			objectSchema([]string{"file_path", "content"}, map[string]interface{}{
				"file_path": stringProp("Path to write to."),
				"content":   stringProp("The full file content to write."),
			})),
		Run: func(ctx context.Context, raw json.RawMessage, env ExecutionEnvironment) (string, error) {
			var args struct {
				FilePath string  `json:"file_path"`
				Content  *string `json:"content"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return "", err
			}
			if args.FilePath == "" {
				return "", InvalidParams("file_path is required")
			}
			if args.Content == nil {
				return "", InvalidParams("content is required")
			}
			if err := env.WriteFile(args.FilePath, *args.Content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Successfully wrote %d bytes to %s", len(*args.Content), args.FilePath), nil
		},
	})
}

func registerEditFile(reg *ToolRegistry) {
	reg.Register(&Tool{
		Definition: toolDef("edit_file",
			"Replace an exact string occurrence in a file. The old_string must be unique in the file unless replace_all is true.",
			objectSchema([]string{"file_path", "old_string", "new_string"}, map[string]interface{}{
				"file_path":   stringProp("Path to the file to edit."),
				"old_string":  stringProp("Exact text to find in the file."),
				"new_string":  stringProp("Replacement text."),
				"replace_all": boolProp("Replace all occurrences. Default: false."),
			})),
		Run: func(ctx context.Context, raw json.RawMessage, env ExecutionEnvironment) (string, error) {
			var args struct {
				FilePath   string `json:"file_path"`
				OldString  string `json:"old_string"`
				NewString  string `json:"new_string"`
				ReplaceAll bool   `json:"replace_all"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return "", err
			}
			if args.FilePath == "" {
				return "", InvalidParams("file_path is required")
			}
			if args.OldString == "" {
				return "", InvalidParams("old_string is required")
			}

			content, err := readRawFile(env, args.FilePath)
			if err != nil {
				return "", err
			}

			count := strings.Count(content, args.OldString)
			if count == 0 {
				return "", fmt.Errorf("old_string not found in %s", args.FilePath)
			}
			if count > 1 && !args.ReplaceAll {
				return "", fmt.Errorf("old_string found %d times in %s. Provide more context to make it unique, or set replace_all=true", count, args.FilePath)
			}

			var updated string
			replacements := 1
			if args.ReplaceAll {
				updated = strings.ReplaceAll(content, args.OldString, args.NewString)
				replacements = count
			} else {
				updated = strings.Replace(content, args.OldString, args.NewString, 1)
			}
			if err := env.WriteFile(args.FilePath, updated); err != nil {
				return "", err
			}
			return fmt.Sprintf("Successfully replaced %d occurrence(s) in %s", replacements, args.FilePath), nil
		},
	})
}

// readRawFile reconstructs unnumbered file content from the environment's
// line-numbered ReadFile output.
func readRawFile(env ExecutionEnvironment, path string) (string, error) {
	numbered, err := env.ReadFile(path, 0, 0)
	if err != nil {
		return "", err
	}
	lines := strings.Split(numbered, "\n")
	var raw []string
	for _, line := range lines {
		if idx := strings.Index(line, " | "); idx >= 0 {
			raw = append(raw, line[idx+3:])
		} else if line != "" {
			raw = append(raw, line)
		}
	}
	return strings.Join(raw, "\n"), nil
}

func registerShell(reg *ToolRegistry, defaultTimeout, maxTimeout time.Duration) {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	if maxTimeout <= 0 {
		maxTimeout = 10 * time.Minute
	}
	reg.Register(&Tool{
		Definition: toolDef("shell",
			"Execute a shell command. Returns stdout, stderr, and exit code.",
			objectSchema([]string{"command"}, map[string]interface{}{
				"command":     stringProp("The command to run."),
				"timeout_ms":  intProp("Override the default command timeout in milliseconds."),
				"description": stringProp("Human-readable description of what this command does."),
			})),
		Run: func(ctx context.Context, raw json.RawMessage, env ExecutionEnvironment) (string, error) {
			var args struct {
				Command   string `json:"command"`
				TimeoutMs int    `json:"timeout_ms"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return "", err
			}
			if args.Command == "" {
				return "", InvalidParams("command is required")
			}
			timeout := defaultTimeout
			if args.TimeoutMs > 0 {
				timeout = time.Duration(args.TimeoutMs) * time.Millisecond
			}
			if timeout > maxTimeout {
				timeout = maxTimeout
			}

			result, err := env.Exec(ctx, args.Command, timeout, "")
			if err != nil {
				return "", err
			}

			var sb strings.Builder
			sb.WriteString(result.Output())
			if result.TimedOut {
				fmt.Fprintf(&sb, "\n\n[ERROR: Command timed out after %s. Partial output is shown above. "+
					"You can retry with a longer timeout by setting the timeout_ms parameter.]", timeout)
			} else if result.ExitCode != 0 {
				fmt.Fprintf(&sb, "\n\n[Exit code: %d]", result.ExitCode)
			}
			return sb.String(), nil
		},
	})
}

func registerGrep(reg *ToolRegistry) {
	reg.Register(&Tool{
		Definition: toolDef("grep",
			"Search file contents using regex patterns. Returns matching lines with file paths and line numbers.",
			objectSchema([]string{"pattern"}, map[string]interface{}{
				"pattern":          stringProp("Regex pattern to search for."),
				"path":             stringProp("Directory or file to search. Default: working directory."),
				"glob_filter":      stringProp("File pattern filter (e.g., \"*.go\")."),
				"case_insensitive": boolProp("Case insensitive search. Default: false."),
				"max_results":      intProp("Maximum number of results. Default: 100."),
			})),
		ReadOnly: true,
		Run: func(ctx context.Context, raw json.RawMessage, env ExecutionEnvironment) (string, error) {
			var args struct {
				Pattern         string `json:"pattern"`
				Path            string `json:"path"`
				GlobFilter      string `json:"glob_filter"`
				CaseInsensitive bool   `json:"case_insensitive"`
				MaxResults      int    `json:"max_results"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return "", err
			}
			if args.Pattern == "" {
				return "", InvalidParams("pattern is required")
			}
			if args.MaxResults <= 0 {
				args.MaxResults = 100
			}
			return env.Grep(ctx, args.Pattern, args.Path, GrepOptions{
				GlobFilter:      args.GlobFilter,
				CaseInsensitive: args.CaseInsensitive,
				MaxResults:      args.MaxResults,
			})
		},
	})
}

func registerGlob(reg *ToolRegistry) {
	reg.Register(&Tool{
		Definition: toolDef("glob",
			"Find files matching a glob pattern. Returns matching file paths.",
			objectSchema([]string{"pattern"}, map[string]interface{}{
				"pattern": stringProp("Glob pattern (e.g., \"**/*.go\")."),
				"path":    stringProp("Base directory. Default: working directory."),
			})),
		ReadOnly: true,
		Run: func(ctx context.Context, raw json.RawMessage, env ExecutionEnvironment) (string, error) {
			var args struct {
				Pattern string `json:"pattern"`
				Path    string `json:"path"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return "", err
			}
			if args.Pattern == "" {
				return "", InvalidParams("pattern is required")
			}
			matches, err := env.Glob(args.Pattern, args.Path)
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "No files matched the pattern.", nil
			}
			return strings.Join(matches, "\n"), nil
		},
	})
}

func registerListDir(reg *ToolRegistry) {
	reg.Register(&Tool{
		Definition: toolDef("list_dir",
			"List the entries of a directory. Directories are suffixed with a slash.",
			objectSchema([]string{"path"}, map[string]interface{}{
				"path": stringProp("Directory to list."),
			})),
		ReadOnly: true,
		Run: func(ctx context.Context, raw json.RawMessage, env ExecutionEnvironment) (string, error) {
			var args struct {
				Path string `json:"path"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return "", err
			}
			if args.Path == "" {
				return "", InvalidParams("path is required")
			}
			entries, err := env.ListDirectory(args.Path)
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "(empty directory)", nil
			}
			var sb strings.Builder
			for _, entry := range entries {
				if entry.IsDir {
					fmt.Fprintf(&sb, "%s/\n", entry.Name)
				} else {
					fmt.Fprintf(&sb, "%s (%d bytes)\n", entry.Name, entry.Size)
				}
			}
			return sb.String(), nil
		},
	})
}
