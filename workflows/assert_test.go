package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/meroflow/errors"
	"github.com/davidroman0O/meroflow/pkg/config"
)

func TestEvaluator(t *testing.T) {
	env := newEnv(map[string]any{
		"count": 3,
		"name":  "alice",
		"items": []any{"a", "b"},
		"obj":   map[string]any{"a": 1, "b": []any{true}},
		"empty": "",
	})
	eval := NewEvaluator(env)

	tests := []struct {
		expr string
		want bool
	}{
		{"{{count}} > 2", true},
		{"{{count}} === 4", false},
		{"{{name}} == 'alice'", true},
		{"{{name}}.length === 5", true},
		{"contains({{items}}, 'b')", true},
		{"contains({{items}}, 'z')", false},
		{"contains({{name}}, 'lic')", true},
		{"is_set({{name}})", true},
		{"is_set({{empty}})", false},
		{"regex({{name}}, '^al')", true},
		{"equal({{obj}}, {a: 1, b: [true]})", true},
		{"{{obj}}.b[0] && {{count}} < 10", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := eval.Eval(context.Background(), tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluatorErrors(t *testing.T) {
	eval := NewEvaluator(newEnv(map[string]any{"x": 1}))

	_, err := eval.Eval(context.Background(), "{{missing}} == 1")
	require.Error(t, err)
	assert.True(t, errors.IsUnresolvedVariable(err))

	_, err = eval.Eval(context.Background(), "{{x}} ===")
	require.Error(t, err)

	_, err = eval.Eval(context.Background(), "regex({{x}}, '(')")
	require.Error(t, err)
}

func TestEvaluatorInterruptedByContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEvaluator(newEnv(nil)).Eval(ctx, "while (true) {}")
	require.Error(t, err)
}

func TestAssertStep(t *testing.T) {
	env := newEnv(map[string]any{"count": 2})
	d := newTestDispatcher(t, newFakeAdmin())

	_, err := d.Run(context.Background(), []config.Step{
		newStep("check", config.StepAssert, map[string]any{"statements": []any{
			"{{count}} == 2",
			map[string]any{"statement": "{{count}} > 0", "message": "count must be positive"},
		}}),
	}, env)
	require.NoError(t, err)

	_, err = d.Run(context.Background(), []config.Step{
		newStep("check", config.StepAssert, map[string]any{"statements": []any{
			map[string]any{"statement": "{{count}} > 5", "message": "count too small"},
		}}),
	}, env)
	require.Error(t, err)
	assert.True(t, errors.IsStepExecution(err))
	assert.Contains(t, err.Error(), "count too small")
}

func TestJSONAssertStep(t *testing.T) {
	env := newEnv(map[string]any{
		"state": `{"members": ["a", "b"], "meta": {"version": 2, "owner": "a"}}`,
	})
	d := newTestDispatcher(t, newFakeAdmin())

	_, err := d.Run(context.Background(), []config.Step{
		newStep("check", config.StepJSONAssert, map[string]any{"statements": []any{
			map[string]any{"actual": "{{state}}", "expected": map[string]any{"meta": map[string]any{"version": 2}}, "mode": "subset"},
			map[string]any{"actual": "{{state}}", "expected": `{"members":["a","b"],"meta":{"owner":"a","version":2}}`},
		}}),
	}, env)
	require.NoError(t, err)

	_, err = d.Run(context.Background(), []config.Step{
		newStep("check", config.StepJSONAssert, map[string]any{"statements": []any{
			map[string]any{"actual": "{{state}}", "expected": map[string]any{"members": []any{"c"}}, "mode": "subset", "message": "c is missing"},
		}}),
	}, env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "c is missing")
}

func TestJSONSubset(t *testing.T) {
	actual := normalize(map[string]any{"a": 1, "b": []any{1, 2, 3}, "c": map[string]any{"d": "x", "e": nil}})

	assert.True(t, jsonSubset(normalize(map[string]any{"a": 1}), actual))
	assert.True(t, jsonSubset(normalize(map[string]any{"b": []any{3, 1}}), actual))
	assert.True(t, jsonSubset(normalize(map[string]any{"c": map[string]any{"d": "x"}}), actual))
	assert.False(t, jsonSubset(normalize(map[string]any{"a": 2}), actual))
	assert.False(t, jsonSubset(normalize(map[string]any{"z": 1}), actual))
	assert.False(t, jsonSubset(normalize(map[string]any{"b": []any{4}}), actual))
}
