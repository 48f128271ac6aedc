package workflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/meroflow/errors"
	"github.com/davidroman0O/meroflow/pkg/config"
	"github.com/davidroman0O/meroflow/pkg/lifecycle"
)

func TestEnvName(t *testing.T) {
	tests := map[string]string{
		"context_id":     "CONTEXT_ID",
		"member-key":     "MEMBER_KEY",
		"app.version":    "APP_VERSION",
		"9lives":         "_9LIVES",
		"we!rd$name":     "WERDNAME",
		"path":           "",
		"ld_preload":     "",
		"dyld_insert_me": "",
		"!!!":            "",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, EnvName(in))
		})
	}

	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, EnvName(string(long)), maxEnvNameLength)
}

func TestLocalInlineScript(t *testing.T) {
	dir := t.TempDir()
	env := newEnv(map[string]any{"greeting-name": "hello", "count": 3, "path": "/nope"})
	d := newTestDispatcher(t, newFakeAdmin(), WithWorkDir(dir))

	step := withOutputs(newStep("greet", config.StepScript, map[string]any{
		"inline": `echo "$GREETING_NAME $COUNT $1"; test "$PATH" != "/nope"`,
		"args":   []any{"{{count}}"},
	}), map[string]string{"out": "stdout"})

	_, err := d.Run(context.Background(), []config.Step{step}, env)
	require.NoError(t, err)

	out, _ := env.Lookup("out")
	assert.Equal(t, "hello 3 3", out)
}

func TestLocalScriptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte("echo \"file:$1\"\n"), 0o644))

	env := newEnv(nil)
	d := newTestDispatcher(t, newFakeAdmin(), WithWorkDir(dir))
	step := withOutputs(newStep("run", config.StepScript, map[string]any{"script": "run.sh", "args": []any{"x"}}),
		map[string]string{"out": "stdout", "code": "exit_code"})

	_, err := d.Run(context.Background(), []config.Step{step}, env)
	require.NoError(t, err)

	out, _ := env.Lookup("out")
	code, _ := env.Lookup("code")
	assert.Equal(t, "file:x", out)
	assert.Equal(t, float64(0), code)
}

func TestLocalScriptFailure(t *testing.T) {
	d := newTestDispatcher(t, newFakeAdmin(), WithWorkDir(t.TempDir()))
	outcomes, err := d.Run(context.Background(), []config.Step{
		newStep("broken", config.StepScript, map[string]any{"inline": "echo oops >&2; exit 3"}),
	}, newEnv(nil))
	require.Error(t, err)
	assert.True(t, errors.IsStepExecution(err))
	assert.Contains(t, err.Error(), "code 3")
	assert.Contains(t, err.Error(), "oops")

	require.Len(t, outcomes, 1)
	data := outcomes[0].Data.(map[string]any)
	assert.Equal(t, 3, data["exit_code"])
}

func TestScriptPathTraversalRejected(t *testing.T) {
	d := newTestDispatcher(t, newFakeAdmin(), WithWorkDir(t.TempDir()))
	_, err := d.Run(context.Background(), []config.Step{
		newStep("escape", config.StepScript, map[string]any{"script": "../../etc/passwd"}),
	}, newEnv(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
}

func TestNodeScript(t *testing.T) {
	nodes := newFakeNodes()
	nodes.failExec["node-2"] = true
	configs := map[string]lifecycle.NodeConfig{
		"node-1": {Name: "node-1", RPCPort: 2528},
		"node-2": {Name: "node-2", RPCPort: 2529},
	}
	d := newTestDispatcher(t, newFakeAdmin(), WithWorkDir(t.TempDir()), WithNodes(nodes, configs, nil, 0))
	env := newEnv(map[string]any{"context_id": "ctx-1"})

	_, err := d.Run(context.Background(), []config.Step{
		newStep("on-one", config.StepScript, map[string]any{"inline": "echo $CONTEXT_ID", "target": "nodes", "nodes": []any{"node-1"}}),
	}, env)
	require.NoError(t, err)
	assert.Equal(t, "echo $CONTEXT_ID", nodes.execs["node-1"][2])
	assert.Equal(t, "ctx-1", nodes.execEnv["CONTEXT_ID"])

	_, err = d.Run(context.Background(), []config.Step{
		newStep("on-all", config.StepScript, map[string]any{"inline": "true", "target": "nodes"}),
	}, env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node-2")
	assert.Contains(t, nodes.execs, "node-2")
}
