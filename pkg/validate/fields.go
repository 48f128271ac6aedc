package validate

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/davidroman0O/meroflow/pkg/config"
	"github.com/davidroman0O/meroflow/workflows/store"
)

// checkFunc returns a problem description, or "" when v is acceptable.
type checkFunc func(v any) string

type fieldRule struct {
	name     string
	required bool
	check    checkFunc
}

func required(name string, check checkFunc) fieldRule {
	return fieldRule{name: name, required: true, check: check}
}

func optional(name string, check checkFunc) fieldRule {
	return fieldRule{name: name, check: check}
}

// kindSpec describes the fields one step kind accepts.
type kindSpec struct {
	fields []fieldRule
	// oneOf lists groups where exactly one field must be present.
	oneOf [][]string
}

var (
	nodeField      = required("node", nonEmptyString)
	contextIDField = required("context_id", nonEmptyString)
)

var kindSpecs = map[string]kindSpec{
	config.StepInstallApplication: {
		fields: []fieldRule{nodeField, optional("path", nonEmptyString), optional("url", nonEmptyString), optional("dev", boolean), optional("metadata", anyValue)},
		oneOf:  [][]string{{"path", "url"}},
	},
	config.StepCreateContext: {
		fields: []fieldRule{nodeField, required("application_id", nonEmptyString), optional("protocol", nonEmptyString), optional("params", anyValue)},
	},
	config.StepCreateIdentity: {
		fields: []fieldRule{nodeField},
	},
	config.StepInviteIdentity: {
		fields: []fieldRule{nodeField, contextIDField, required("granter_id", nonEmptyString), required("grantee_id", nonEmptyString), optional("capability", nonEmptyString)},
	},
	config.StepJoinContext: {
		fields: []fieldRule{nodeField, contextIDField, required("invitee_id", nonEmptyString), required("invitation", anyValue)},
	},
	config.StepInviteOpen: {
		fields: []fieldRule{nodeField, contextIDField, required("granter_id", nonEmptyString), optional("valid_for_blocks", integer(1))},
	},
	config.StepJoinOpen: {
		fields: []fieldRule{nodeField, required("invitation", anyValue), required("invitee_id", nonEmptyString)},
	},
	config.StepCall: {
		fields: []fieldRule{nodeField, contextIDField, required("method", nonEmptyString), optional("args", anyValue), optional("executor_public_key", nonEmptyString)},
	},
	config.StepWait: {
		fields: []fieldRule{required("seconds", integer(0)), optional("message", stringValue)},
	},
	config.StepWaitForSync: {
		fields: []fieldRule{contextIDField, required("nodes", nonEmptyList), optional("timeout", integer(1)), optional("interval", integer(1))},
	},
	config.StepRepeat: {
		fields: []fieldRule{required("count", integer(1))},
	},
	config.StepParallel: {
		fields: []fieldRule{optional("failure_mode", enum(config.FailSlow, config.FailFast, config.ContinueOnError))},
	},
	config.StepScript: {
		fields: []fieldRule{optional("script", nonEmptyString), optional("inline", nonEmptyString), optional("target", enum(config.ScriptTargetLocal, config.ScriptTargetNodes)), optional("args", list), optional("nodes", nodeList)},
		oneOf:  [][]string{{"script", "inline"}},
	},
	config.StepAssert: {
		fields: []fieldRule{required("statements", statementList("statement"))},
	},
	config.StepJSONAssert: {
		fields: []fieldRule{required("statements", jsonStatementList)},
	},
	config.StepListApplications: {
		fields: []fieldRule{nodeField},
	},
	config.StepListContexts: {
		fields: []fieldRule{nodeField},
	},
	config.StepListProposals: {
		fields: []fieldRule{nodeField, contextIDField},
	},
	config.StepGetProposal: {
		fields: []fieldRule{nodeField, contextIDField, required("proposal_id", nonEmptyString)},
	},
	config.StepGetProposalApprovers: {
		fields: []fieldRule{nodeField, contextIDField, required("proposal_id", nonEmptyString)},
	},
	config.StepStopNode: {
		fields: []fieldRule{required("nodes", nodeList)},
	},
	config.StepStartNode: {
		fields: []fieldRule{required("nodes", nodeList)},
	},
	config.StepUploadBlob: {
		fields: []fieldRule{nodeField, required("file_path", nonEmptyString), optional("context_id", nonEmptyString)},
	},
	config.StepRunWorkflow: {
		fields: []fieldRule{required("workflow_path", nonEmptyString), optional("inputs", mapping), optional("inherit_variables", boolean), optional("on_failure", onFailure)},
	},
	config.StepRunWorkflows: {
		fields: []fieldRule{required("workflows", workflowList), optional("mode", enum(config.ModeParallel, config.ModeSequential)), optional("fail_fast", boolean)},
	},
}

// Kinds returns every step kind the validator accepts.
func Kinds() []string {
	out := make([]string, 0, len(kindSpecs))
	for k := range kindSpecs {
		out = append(out, k)
	}
	return out
}

// IsKnownKind reports whether kind is a recognised step kind.
func IsKnownKind(kind string) bool {
	_, ok := kindSpecs[kind]
	return ok
}

func anyValue(v any) string {
	if v == nil {
		return "must not be empty"
	}
	return ""
}

func stringValue(v any) string {
	if _, ok := v.(string); !ok {
		return fmt.Sprintf("must be a string, got %s", typeName(v))
	}
	return ""
}

func nonEmptyString(v any) string {
	s, ok := v.(string)
	if !ok {
		return fmt.Sprintf("must be a string, got %s", typeName(v))
	}
	if strings.TrimSpace(s) == "" {
		return "must not be empty"
	}
	return ""
}

func boolean(v any) string {
	if _, ok := v.(bool); !ok {
		return fmt.Sprintf("must be a boolean, got %s", typeName(v))
	}
	return ""
}

// integer accepts Go integers, whole floats and a single {{token}}.
// Booleans are rejected.
func integer(min int) checkFunc {
	return func(v any) string {
		if s, ok := v.(string); ok {
			if _, exact := store.ExactToken(s); exact {
				return ""
			}
		}
		n, ok := AsInt(v)
		if !ok {
			return fmt.Sprintf("must be an integer, got %s", typeName(v))
		}
		if n < min {
			return fmt.Sprintf("must be >= %d, got %d", min, n)
		}
		return ""
	}
}

// AsInt converts the integer shapes produced by YAML and JSON decoding.
func AsInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case float32:
		if float64(n) != math.Trunc(float64(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

func enum(values ...string) checkFunc {
	return func(v any) string {
		s, ok := v.(string)
		if !ok {
			return fmt.Sprintf("must be one of %s", strings.Join(values, ", "))
		}
		for _, allowed := range values {
			if s == allowed {
				return ""
			}
		}
		return fmt.Sprintf("must be one of %s, got %q", strings.Join(values, ", "), s)
	}
}

func mapping(v any) string {
	if _, ok := v.(map[string]any); !ok {
		return fmt.Sprintf("must be a mapping, got %s", typeName(v))
	}
	return ""
}

// onFailure accepts {continue: bool, set_variables: mapping}.
func onFailure(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return fmt.Sprintf("must be a mapping, got %s", typeName(v))
	}
	if c, ok := m["continue"]; ok {
		if msg := boolean(c); msg != "" {
			return "continue " + msg
		}
	}
	if sv, ok := m["set_variables"]; ok {
		if msg := mapping(sv); msg != "" {
			return "set_variables " + msg
		}
	}
	return ""
}

// workflowList checks the entries of run_workflows.
func workflowList(v any) string {
	items, ok := v.([]any)
	if !ok {
		return fmt.Sprintf("must be a list, got %s", typeName(v))
	}
	if len(items) == 0 {
		return "must not be empty"
	}
	for i, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			return fmt.Sprintf("item %d must be a mapping", i)
		}
		if msg := nonEmptyString(entry["path"]); msg != "" {
			return fmt.Sprintf("item %d: path %s", i, msg)
		}
		for _, key := range []string{"inputs", "outputs"} {
			if value, ok := entry[key]; ok {
				if msg := mapping(value); msg != "" {
					return fmt.Sprintf("item %d: %s %s", i, key, msg)
				}
			}
		}
		if outputs, ok := entry["outputs"].(map[string]any); ok {
			for name, child := range outputs {
				if msg := nonEmptyString(child); msg != "" {
					return fmt.Sprintf("item %d: output '%s' %s", i, name, msg)
				}
			}
		}
		if inherit, ok := entry["inherit_variables"]; ok {
			if msg := boolean(inherit); msg != "" {
				return fmt.Sprintf("item %d: inherit_variables %s", i, msg)
			}
		}
		if of, ok := entry["on_failure"]; ok {
			if msg := onFailure(of); msg != "" {
				return fmt.Sprintf("item %d: on_failure %s", i, msg)
			}
		}
	}
	return ""
}

func list(v any) string {
	if _, ok := v.([]any); !ok {
		return fmt.Sprintf("must be a list, got %s", typeName(v))
	}
	return ""
}

func nonEmptyList(v any) string {
	items, ok := v.([]any)
	if !ok {
		if s, isString := v.(string); isString && store.ContainsToken(s) {
			return ""
		}
		return fmt.Sprintf("must be a list, got %s", typeName(v))
	}
	if len(items) == 0 {
		return "must not be empty"
	}
	return ""
}

// nodeList accepts a single node reference or a non-empty list of them.
func nodeList(v any) string {
	if s, ok := v.(string); ok {
		return nonEmptyString(s)
	}
	items, ok := v.([]any)
	if !ok {
		return fmt.Sprintf("must be a node name or a list of node names, got %s", typeName(v))
	}
	if len(items) == 0 {
		return "must not be empty"
	}
	for i, item := range items {
		if msg := nonEmptyString(item); msg != "" {
			return fmt.Sprintf("item %d %s", i, msg)
		}
	}
	return ""
}

func statementList(key string) checkFunc {
	return func(v any) string {
		items, ok := v.([]any)
		if !ok {
			return fmt.Sprintf("must be a list, got %s", typeName(v))
		}
		if len(items) == 0 {
			return "must not be empty"
		}
		for i, item := range items {
			switch st := item.(type) {
			case string:
				if strings.TrimSpace(st) == "" {
					return fmt.Sprintf("item %d must not be empty", i)
				}
			case map[string]any:
				if msg := nonEmptyString(st[key]); msg != "" {
					return fmt.Sprintf("item %d: %s %s", i, key, msg)
				}
			default:
				return fmt.Sprintf("item %d must be a string or a mapping", i)
			}
		}
		return ""
	}
}

func jsonStatementList(v any) string {
	items, ok := v.([]any)
	if !ok {
		return fmt.Sprintf("must be a list, got %s", typeName(v))
	}
	if len(items) == 0 {
		return "must not be empty"
	}
	for i, item := range items {
		st, ok := item.(map[string]any)
		if !ok {
			return fmt.Sprintf("item %d must be a mapping", i)
		}
		if _, ok := st["actual"]; !ok {
			return fmt.Sprintf("item %d is missing 'actual'", i)
		}
		if _, ok := st["expected"]; !ok {
			return fmt.Sprintf("item %d is missing 'expected'", i)
		}
		if mode, ok := st["mode"]; ok {
			if msg := enum("equal", "subset")(mode); msg != "" {
				return fmt.Sprintf("item %d: mode %s", i, msg)
			}
		}
	}
	return ""
}

// ScriptPath rejects script paths that escape workDir. Backslashes are
// treated as separators so Windows-style traversal is caught too.
func ScriptPath(path, workDir string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("script path must not be empty")
	}

	normalized := strings.ReplaceAll(path, `\`, "/")
	root, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("cannot resolve working directory: %w", err)
	}

	target := normalized
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	target = filepath.Clean(target)

	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("script path %q escapes the working directory", path)
	}
	return nil
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "nothing"
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int64, int32, uint64:
		return "integer"
	case float64, float32:
		return "number"
	case []any:
		return "list"
	case map[string]any:
		return "mapping"
	default:
		return fmt.Sprintf("%T", v)
	}
}
