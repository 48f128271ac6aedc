package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/davidroman0O/meroflow/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
name: kv workflow
description: two nodes
variables:
  app_path: ./res/kv_store.wasm
  rounds: 3
nodes:
  count: 2
  prefix: node
remote_nodes:
  staging:
    url: ${STAGING_URL}
    auth:
      method: user_password
      username: ${STAGING_USER:-admin}
      password: ${STAGING_PASSWORD}
steps:
  - name: Install
    type: install_application
    node: node-1
    path: "{{app_path}}"
    outputs:
      app_id: applicationId
  - name: Loop
    type: repeat
    count: 2
    steps:
      - name: Call
        type: call
        node: node-1
        context_id: "{{context_id}}"
        method: set
        args:
          key: "k{{iteration}}"
  - name: Fan out
    type: parallel
    failure_mode: fail_fast
    groups:
      - name: writers
        count: 2
        steps:
          - name: Wait
            type: wait
            seconds: 1
unknown_key: true
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func fakeEnv(values map[string]string) LookupEnvFunc {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoadWorkflowFileYAML(t *testing.T) {
	path := writeFile(t, "workflow.yml", sampleYAML)

	wf, err := LoadWorkflowFileWithEnv(path, fakeEnv(map[string]string{
		"STAGING_URL":      "https://staging.example.com",
		"STAGING_PASSWORD": "s3cret",
	}))
	require.NoError(t, err)

	assert.Equal(t, "kv workflow", wf.Name)
	assert.Equal(t, 3, wf.Variables["rounds"])
	assert.Equal(t, DefaultMaxNestingDepth, wf.MaxNestingDepth)
	assert.Equal(t, DefaultTimeout, wf.Timeout)
	assert.Equal(t, DefaultWaitTimeout, wf.WaitTimeout)
	assert.Equal(t, DefaultLogLevel, wf.LogLevel)

	staging := wf.RemoteNodes["staging"]
	assert.Equal(t, "https://staging.example.com", staging.URL)
	require.NotNil(t, staging.Auth)
	assert.Equal(t, "admin", staging.Auth.Username)
	assert.Equal(t, "s3cret", staging.Auth.Password)

	require.Len(t, wf.Steps, 3)
	install := wf.Steps[0]
	assert.Equal(t, "install_application", install.Type)
	assert.Equal(t, "applicationId", install.Outputs["app_id"])
	assert.Equal(t, "node-1", install.Fields["node"])
	_, hasOutputs := install.Fields["outputs"]
	assert.False(t, hasOutputs)

	loop := wf.Steps[1]
	assert.Equal(t, 2, loop.Fields["count"])
	require.Len(t, loop.Steps, 1)
	assert.Equal(t, "call", loop.Steps[0].Type)

	fan := wf.Steps[2]
	assert.Equal(t, "fail_fast", fan.Fields["failure_mode"])
	require.Len(t, fan.Groups, 1)
	assert.Equal(t, 2, fan.Groups[0].Count)

	assert.Contains(t, wf.Warnings, `unknown top-level key "unknown_key" ignored`)
}

func TestLoadWorkflowFileWarnsOnUnsetEnv(t *testing.T) {
	path := writeFile(t, "workflow.yaml", sampleYAML)

	wf, err := LoadWorkflowFileWithEnv(path, fakeEnv(nil))
	require.NoError(t, err)

	assert.Equal(t, "${STAGING_URL}", wf.RemoteNodes["staging"].URL)
	assert.Contains(t, wf.Warnings, "environment variable ${STAGING_URL} is not set")
	assert.Contains(t, wf.Warnings, "environment variable ${STAGING_PASSWORD} is not set")
}

func TestLoadWorkflowFileJSON(t *testing.T) {
	path := writeFile(t, "workflow.json", `{
  "name": "json workflow",
  "nodes": {"count": 1},
  "wait_timeout": 30,
  "steps": [
    {"name": "Pause", "type": "wait", "seconds": 2},
    {"name": "Fan", "type": "parallel", "groups": [{"name": "a", "count": 2.0, "steps": []}]}
  ]
}`)

	wf, err := LoadWorkflowFile(path)
	require.NoError(t, err)
	assert.Equal(t, 30, wf.WaitTimeout)
	assert.Equal(t, float64(2), wf.Steps[0].Fields["seconds"])
	assert.Equal(t, 2, wf.Steps[1].Groups[0].Count)
}

func TestLoadWorkflowFileErrors(t *testing.T) {
	tests := []struct {
		name  string
		file  string
		body  string
		check func(t *testing.T, err error)
	}{
		{
			name: "unsupported extension",
			file: "workflow.toml",
			body: "name = 'x'",
			check: func(t *testing.T, err error) {
				assert.True(t, errors.IsValidation(err))
			},
		},
		{
			name: "malformed yaml",
			file: "workflow.yml",
			body: "name: [unterminated",
			check: func(t *testing.T, err error) {
				assert.True(t, errors.IsValidation(err))
			},
		},
		{
			name: "wrong field type",
			file: "workflow.yml",
			body: "name: x\ntimeout: soon\n",
			check: func(t *testing.T, err error) {
				assert.True(t, errors.IsValidation(err))
				assert.Contains(t, errors.GetContext(err)["path"], "workflow.yml")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.body)
			_, err := LoadWorkflowFile(path)
			require.Error(t, err)
			tt.check(t, err)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadWorkflowFile(filepath.Join(t.TempDir(), "nope.yml"))
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestExpandEnv(t *testing.T) {
	env := fakeEnv(map[string]string{"HOST": "node.example.com", "EMPTY": ""})

	tests := []struct {
		in       string
		want     string
		warnings int
	}{
		{"https://${HOST}", "https://node.example.com", 0},
		{"${MISSING:-fallback}", "fallback", 0},
		{"${MISSING:-}", "", 0},
		{"${EMPTY:-fallback}", "", 0},
		{"${MISSING}", "${MISSING}", 1},
		{"plain", "plain", 0},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, warnings := ExpandEnv(tt.in, env)
			assert.Equal(t, tt.want, got)
			assert.Len(t, warnings, tt.warnings)
		})
	}
}
