package workflow

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/davidroman0O/meroflow/pkg/config"
	"github.com/davidroman0O/meroflow/pkg/validate"
	"github.com/davidroman0O/meroflow/workflows/store"
)

// maxEnvNameLength bounds exported variable names.
const maxEnvNameLength = 128

// protectedEnv are never overwritten by workflow variables.
var protectedEnv = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true, "PWD": true,
	"IFS": true, "LD_PRELOAD": true, "LD_LIBRARY_PATH": true,
	"BASH_ENV": true, "ENV": true, "PS4": true, "PROMPT_COMMAND": true,
}

// EnvName converts a workflow variable name into a shell-safe environment
// variable name. It returns "" when the name cannot be exported.
func EnvName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == '-', r == '.':
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" {
		return ""
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	if len(out) > maxEnvNameLength {
		out = out[:maxEnvNameLength]
	}
	if protectedEnv[out] || strings.HasPrefix(out, "DYLD_") {
		return ""
	}
	return out
}

// scriptEnv exports every visible variable. When two variables map to the
// same name the one sorting last wins.
func scriptEnv(env *store.Environment) map[string]string {
	vars := env.All()
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]string, len(names))
	for _, name := range names {
		key := EnvName(name)
		if key == "" {
			continue
		}
		out[key] = store.Stringify(vars[name])
	}
	return out
}

func script(ctx context.Context, d *Dispatcher, call *stepCall) (any, error) {
	path := call.str("script")
	inline := call.str("inline")
	if path == "" && inline == "" {
		return nil, fmt.Errorf("script needs 'script' or 'inline'")
	}
	if path != "" {
		if err := validate.ScriptPath(path, d.workDir); err != nil {
			return nil, err
		}
	}
	args := call.strings("args")
	vars := scriptEnv(call.env)

	switch target := call.strOr("target", config.ScriptTargetLocal); target {
	case config.ScriptTargetLocal:
		return d.runLocalScript(ctx, call, path, inline, args, vars)
	case config.ScriptTargetNodes:
		return d.runNodeScript(ctx, call, path, inline, args, vars)
	default:
		return nil, fmt.Errorf("unknown script target %q", target)
	}
}

func (d *Dispatcher) runLocalScript(ctx context.Context, call *stepCall, path, inline string, args []string, vars map[string]string) (any, error) {
	var cmd *exec.Cmd
	if inline != "" {
		cmd = exec.CommandContext(ctx, "sh", append([]string{"-c", inline, call.step.Name}, args...)...)
	} else {
		cmd = exec.CommandContext(ctx, "sh", append([]string{filepath.Join(d.workDir, path)}, args...)...)
	}
	cmd.Dir = d.workDir
	cmd.Env = os.Environ()
	for _, k := range sortedKeys(vars) {
		cmd.Env = append(cmd.Env, k+"="+vars[k])
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	call.log.Debug("Running local script for '%s'", call.step.Name)
	err := cmd.Run()
	result := map[string]any{
		"stdout":    strings.TrimRight(stdout.String(), "\n"),
		"stderr":    strings.TrimRight(stderr.String(), "\n"),
		"exit_code": 0,
	}
	if err != nil {
		var exitErr *exec.ExitError
		if stderrors.As(err, &exitErr) {
			result["exit_code"] = exitErr.ExitCode()
			return result, fmt.Errorf("script exited with code %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return result, fmt.Errorf("failed to run script: %w", err)
	}
	return result, nil
}

// runNodeScript runs the script inside each target node and fails if any
// node fails.
func (d *Dispatcher) runNodeScript(ctx context.Context, call *stepCall, path, inline string, args []string, vars map[string]string) (any, error) {
	if d.nodes == nil {
		return nil, fmt.Errorf("no node manager available for target 'nodes'")
	}
	content := inline
	if content == "" {
		raw, err := os.ReadFile(filepath.Join(d.workDir, path))
		if err != nil {
			return nil, fmt.Errorf("failed to read script: %w", err)
		}
		content = string(raw)
	}

	names := call.strings("nodes")
	if len(names) == 0 {
		names = sortedKeys(d.configs)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no nodes to run the script on")
	}

	cmd := append([]string{"sh", "-c", content, call.step.Name}, args...)
	outputs := make(map[string]any, len(names))
	var failed []string
	for _, name := range names {
		call.log.Debug("Running script on node %s", name)
		out, err := d.nodes.Exec(ctx, name, cmd, vars)
		entry := map[string]any{"stdout": strings.TrimRight(out, "\n"), "success": err == nil}
		if err != nil {
			entry["error"] = err.Error()
			failed = append(failed, name)
			call.log.Error("Script failed on %s: %v", name, err)
		}
		outputs[name] = entry
	}

	result := map[string]any{"nodes": outputs}
	if len(failed) > 0 {
		return result, fmt.Errorf("script failed on %s", strings.Join(failed, ", "))
	}
	return result, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
