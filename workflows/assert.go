package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/dop251/goja"
	"github.com/go-viper/mapstructure/v2"

	"github.com/davidroman0O/meroflow/workflows/store"
)

// statement is one assert entry after normalization.
type statement struct {
	expr    string
	message string
}

func parseStatements(raw any) ([]statement, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("'statements' must be a list")
	}
	out := make([]statement, 0, len(items))
	for i, item := range items {
		switch st := item.(type) {
		case string:
			out = append(out, statement{expr: st})
		case map[string]any:
			expr, _ := st["statement"].(string)
			msg, _ := st["message"].(string)
			out = append(out, statement{expr: expr, message: msg})
		default:
			return nil, fmt.Errorf("statement %d must be a string or a mapping", i)
		}
		if strings.TrimSpace(out[len(out)-1].expr) == "" {
			return nil, fmt.Errorf("statement %d is empty", i)
		}
	}
	return out, nil
}

// Evaluator runs assert expressions. Tokens in an expression are bound to
// their variable values, so "{{count}} > 2" compares numbers and
// "{{name}} == 'alice'" compares strings.
type Evaluator struct {
	env *store.Environment
}

// NewEvaluator creates an Evaluator reading from env.
func NewEvaluator(env *store.Environment) *Evaluator {
	return &Evaluator{env: env}
}

// Eval evaluates a single expression to a boolean.
func (e *Evaluator) Eval(ctx context.Context, expr string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	vars := map[string]any{}
	var resolveErr error
	script := store.ReplaceTokens(expr, func(name string) string {
		if _, seen := vars[name]; !seen && resolveErr == nil {
			v, err := e.env.Resolve(name)
			if err != nil {
				resolveErr = err
			}
			vars[name] = v
		}
		return fmt.Sprintf("__vars[%q]", name)
	})
	if resolveErr != nil {
		return false, resolveErr
	}

	encoded, err := json.Marshal(vars)
	if err != nil {
		return false, fmt.Errorf("variables are not serializable: %w", err)
	}

	vm := goja.New()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt("assert cancelled") })
	defer stop()

	if err := vm.Set("__varsJSON", string(encoded)); err != nil {
		return false, err
	}
	for name, fn := range assertHelpers {
		if err := vm.Set(name, fn); err != nil {
			return false, err
		}
	}
	if _, err := vm.RunString("var __vars = JSON.parse(__varsJSON);"); err != nil {
		return false, err
	}

	v, err := vm.RunString(script)
	if err != nil {
		return false, fmt.Errorf("cannot evaluate %q: %w", expr, err)
	}
	return v.ToBoolean(), nil
}

// assertHelpers are callable from assert expressions.
var assertHelpers = map[string]any{
	"is_set": func(v any) bool {
		if v == nil {
			return false
		}
		s, ok := v.(string)
		return !ok || s != ""
	},
	"contains": func(haystack, needle any) bool {
		switch h := haystack.(type) {
		case string:
			return strings.Contains(h, store.Stringify(needle))
		case []any:
			for _, item := range h {
				if jsonEqual(item, needle) {
					return true
				}
			}
		case map[string]any:
			_, ok := h[store.Stringify(needle)]
			return ok
		}
		return false
	},
	"equal": func(a, b any) bool {
		return jsonEqual(a, b)
	},
	"regex": func(s any, pattern string) (bool, error) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, err
		}
		return re.MatchString(store.Stringify(s)), nil
	},
}

func assertStatements(ctx context.Context, d *Dispatcher, call *stepCall) (any, error) {
	statements, err := parseStatements(call.fields["statements"])
	if err != nil {
		return nil, err
	}

	eval := NewEvaluator(call.env)
	var failures []string
	results := make([]map[string]any, 0, len(statements))
	for _, st := range statements {
		ok, err := eval.Eval(ctx, st.expr)
		if err != nil {
			return nil, err
		}
		results = append(results, map[string]any{"statement": st.expr, "passed": ok})
		if ok {
			call.log.Debug("Assertion passed: %s", st.expr)
			continue
		}
		msg := st.message
		if msg == "" {
			msg = "assertion failed: " + st.expr
		}
		failures = append(failures, msg)
		call.log.Error("%s", msg)
	}

	data := map[string]any{"passed": len(statements) - len(failures), "failed": len(failures), "results": results}
	if len(failures) > 0 {
		return data, fmt.Errorf("%d of %d assertion(s) failed: %s", len(failures), len(statements), strings.Join(failures, "; "))
	}
	return data, nil
}

// jsonAssertion is one json_assert entry.
type jsonAssertion struct {
	Actual   any    `mapstructure:"actual"`
	Expected any    `mapstructure:"expected"`
	Mode     string `mapstructure:"mode"`
	Message  string `mapstructure:"message"`
}

func jsonAssert(ctx context.Context, d *Dispatcher, call *stepCall) (any, error) {
	items, ok := call.fields["statements"].([]any)
	if !ok || len(items) == 0 {
		return nil, fmt.Errorf("'statements' must be a non-empty list")
	}

	var failures []string
	for i, item := range items {
		raw, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("statement %d must be a mapping", i)
		}
		var a jsonAssertion
		if err := mapstructure.Decode(raw, &a); err != nil {
			return nil, fmt.Errorf("statement %d: %w", i, err)
		}
		a.Actual = decodeJSONString(a.Actual)
		a.Expected = decodeJSONString(a.Expected)

		var passed bool
		switch a.Mode {
		case "", "equal":
			passed = jsonEqual(a.Actual, a.Expected)
		case "subset":
			passed = jsonSubset(normalize(a.Expected), normalize(a.Actual))
		default:
			return nil, fmt.Errorf("statement %d: unknown mode %q", i, a.Mode)
		}
		if passed {
			continue
		}
		msg := a.Message
		if msg == "" {
			actual, _ := json.Marshal(a.Actual)
			expected, _ := json.Marshal(a.Expected)
			msg = fmt.Sprintf("statement %d: expected %s, got %s", i, expected, actual)
		}
		failures = append(failures, msg)
		call.log.Error("%s", msg)
	}

	data := map[string]any{"passed": len(items) - len(failures), "failed": len(failures)}
	if len(failures) > 0 {
		return data, fmt.Errorf("%d of %d JSON assertion(s) failed: %s", len(failures), len(items), strings.Join(failures, "; "))
	}
	return data, nil
}

// decodeJSONString parses strings that hold a JSON object or array.
func decodeJSONString(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return v
	}
	var out any
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return v
	}
	return out
}

// normalize maps any value onto the shapes encoding/json decodes into.
func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func jsonEqual(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

// jsonSubset reports whether every key and element of expected appears in
// actual. Array elements may match in any order.
func jsonSubset(expected, actual any) bool {
	switch e := expected.(type) {
	case map[string]any:
		a, ok := actual.(map[string]any)
		if !ok {
			return false
		}
		for k, ev := range e {
			av, ok := a[k]
			if !ok || !jsonSubset(ev, av) {
				return false
			}
		}
		return true
	case []any:
		a, ok := actual.([]any)
		if !ok {
			return false
		}
		for _, ev := range e {
			found := false
			for _, av := range a {
				if jsonSubset(ev, av) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(expected, actual)
	}
}
