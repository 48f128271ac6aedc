package validate

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/davidroman0O/meroflow/errors"
	"github.com/davidroman0O/meroflow/pkg/config"
	"github.com/davidroman0O/meroflow/pkg/node"
)

// Option configures a validation pass.
type Option func(*validator)

// WithWorkDir sets the directory script paths must stay within. Defaults to
// the process working directory.
func WithWorkDir(dir string) Option {
	return func(v *validator) {
		v.workDir = dir
	}
}

type validator struct {
	report   Report
	maxDepth int
	workDir  string
}

// Workflow validates a loaded workflow and returns every issue found.
// It never executes anything.
func Workflow(wf *config.WorkflowFile, opts ...Option) *Report {
	v := &validator{maxDepth: wf.MaxNestingDepth}
	for _, opt := range opts {
		opt(v)
	}
	if v.workDir == "" {
		v.workDir, _ = os.Getwd()
	}

	v.checkTopLevel(wf)
	if v.maxDepth < 1 {
		v.maxDepth = config.DefaultMaxNestingDepth
	}
	v.checkSteps(wf.Steps, location{}, "steps", 0)
	return &v.report
}

// Steps validates a step list on its own, as found in a workflow file run
// by run_workflow. maxDepth is the nesting still available to the list.
func Steps(steps []config.Step, maxDepth int, opts ...Option) *Report {
	v := &validator{maxDepth: maxDepth}
	for _, opt := range opts {
		opt(v)
	}
	if v.workDir == "" {
		v.workDir, _ = os.Getwd()
	}
	v.checkSteps(steps, location{}, "steps", 0)
	return &v.report
}

// ValidateWorkflow is Workflow returning the batched error form.
func ValidateWorkflow(wf *config.WorkflowFile, opts ...Option) error {
	return Workflow(wf, opts...).Err()
}

func (v *validator) checkTopLevel(wf *config.WorkflowFile) {
	top := location{}
	if strings.TrimSpace(wf.Name) == "" {
		v.report.add(top, "name", "workflow 'name' is required")
	}
	if !wf.HasNodeSource() {
		v.report.add(top, "nodes", "workflow must declare 'nodes' or 'remote_nodes'")
	}
	if wf.WaitTimeout <= 0 {
		v.report.add(top, "wait_timeout", "'wait_timeout' must be > 0, got %d", wf.WaitTimeout)
	}
	if wf.Timeout <= 0 {
		v.report.add(top, "timeout", "'timeout' must be > 0, got %d", wf.Timeout)
	}
	if wf.MaxNestingDepth < 1 {
		v.report.add(top, "max_nesting_depth", "'max_nesting_depth' must be >= 1, got %d", wf.MaxNestingDepth)
	}

	if _, err := wf.Topology(); err != nil {
		v.report.add(top, "nodes", "%v", err)
	}

	names := make([]string, 0, len(wf.RemoteNodes))
	for name := range wf.RemoteNodes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v.checkRemoteNode(name, wf.RemoteNodes[name])
	}
}

func (v *validator) checkRemoteNode(name string, cfg config.RemoteNodeConfig) {
	loc := location{path: "remote_nodes." + name}
	if !node.IsURL(cfg.URL) {
		v.report.add(loc, "url", "'url' must be an http(s) url, got %q", cfg.URL)
	}
	if cfg.Auth == nil {
		return
	}
	switch cfg.Auth.Method {
	case "", config.AuthNone:
	case config.AuthUserPassword:
		if cfg.Auth.Username == "" || cfg.Auth.Password == "" {
			v.report.add(loc, "auth", "user_password auth needs 'username' and 'password'")
		}
	case config.AuthAPIKey:
		if cfg.Auth.APIKey == "" {
			v.report.add(loc, "auth", "api_key auth needs 'api_key'")
		}
	default:
		v.report.add(loc, "auth", "unknown auth method %q", cfg.Auth.Method)
	}
}

// checkSteps validates a step list. depth counts the composite steps
// enclosing the list.
func (v *validator) checkSteps(steps []config.Step, parent location, field string, depth int) {
	for i, step := range steps {
		loc := parent.child(field, i)
		loc.name = step.Name
		v.checkStep(step, loc, depth)
	}
}

func (v *validator) checkStep(step config.Step, loc location, depth int) {
	if strings.TrimSpace(step.Name) == "" {
		v.report.add(loc, "name", "step 'name' is required")
	}
	if step.Type == "" {
		v.report.add(loc, "type", "step 'type' is required")
		return
	}
	spec, ok := kindSpecs[step.Type]
	if !ok {
		v.report.add(loc, "type", "unknown step type %q", step.Type)
		return
	}

	for _, rule := range spec.fields {
		value, present := step.Fields[rule.name]
		if !present {
			if rule.required {
				v.report.add(loc, rule.name, "missing required field '%s'", rule.name)
			}
			continue
		}
		if msg := rule.check(value); msg != "" {
			v.report.add(loc, rule.name, "field '%s' %s", rule.name, msg)
		}
	}

	for _, group := range spec.oneOf {
		var present []string
		for _, name := range group {
			if _, ok := step.Fields[name]; ok {
				present = append(present, name)
			}
		}
		switch len(present) {
		case 0:
			v.report.add(loc, group[0], "one of '%s' is required", strings.Join(group, "', '"))
		case 1:
		default:
			v.report.add(loc, group[0], "only one of '%s' may be set", strings.Join(present, "', '"))
		}
	}

	for local, path := range step.Outputs {
		if strings.TrimSpace(local) == "" || strings.TrimSpace(path) == "" {
			v.report.add(loc, "outputs", "outputs entries need a name and a path")
		}
	}

	switch step.Type {
	case config.StepRepeat:
		v.checkNesting(loc, depth)
		if len(step.Steps) == 0 {
			v.report.add(loc, "steps", "repeat needs at least one step in 'steps'")
		}
		v.checkSteps(step.Steps, loc, "steps", depth+1)
	case config.StepParallel:
		v.checkNesting(loc, depth)
		v.checkGroups(step, loc, depth+1)
	case config.StepRunWorkflow, config.StepRunWorkflows:
		// child files are loaded at run time, which is where their depth
		// is enforced
		if len(step.Steps) > 0 || len(step.Groups) > 0 {
			v.report.add(loc, "steps", "step type %q cannot contain nested steps", step.Type)
		}
	case config.StepScript:
		if path, ok := step.Fields["script"].(string); ok && path != "" {
			if err := ScriptPath(path, v.workDir); err != nil {
				v.report.add(loc, "script", "%v", err)
			}
		}
		if target, _ := step.Fields["target"].(string); target == config.ScriptTargetNodes {
			if _, ok := step.Fields["nodes"]; !ok {
				v.report.add(loc, "nodes", "script with target 'nodes' needs 'nodes'")
			}
		}
	default:
		if len(step.Steps) > 0 || len(step.Groups) > 0 {
			v.report.add(loc, "steps", "step type %q cannot contain nested steps", step.Type)
		}
	}
}

// checkNesting flags a composite step whose body would exceed the limit.
func (v *validator) checkNesting(loc location, depth int) {
	if depth+1 > v.maxDepth {
		v.report.Issues = append(v.report.Issues, Issue{
			Location: loc.path,
			StepName: loc.name,
			Field:    "steps",
			Message:  fmt.Sprintf("nesting depth exceeds max_nesting_depth of %d", v.maxDepth),
			Code:     errors.ErrNestingLimitExceeded,
		})
	}
}

func (v *validator) checkGroups(step config.Step, loc location, depth int) {
	if len(step.Groups) == 0 {
		v.report.add(loc, "groups", "parallel needs at least one group in 'groups'")
		return
	}
	seen := make(map[string]bool, len(step.Groups))
	for i, group := range step.Groups {
		gloc := loc.child("groups", i)
		gloc.name = group.Name
		if strings.TrimSpace(group.Name) == "" {
			v.report.add(gloc, "name", "group 'name' is required")
		} else if seen[group.Name] {
			v.report.add(gloc, "name", "duplicate group name %q", group.Name)
		}
		seen[group.Name] = true
		if group.Count < 0 {
			v.report.add(gloc, "count", "group 'count' must be >= 1, got %d", group.Count)
		}
		if len(group.Steps) == 0 {
			v.report.add(gloc, "steps", "group needs at least one step")
		}
		v.checkSteps(group.Steps, gloc, "steps", depth)
	}
}
