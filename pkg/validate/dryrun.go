package validate

import (
	"fmt"
	"sort"

	"github.com/davidroman0O/meroflow/pkg/config"
	"github.com/davidroman0O/meroflow/pkg/node"
	"github.com/davidroman0O/meroflow/workflows/store"
)

// nodeRefFields hold node references rather than data.
var nodeRefFields = map[string]bool{"node": true, "nodes": true}

// DryRunReport is the result of a static pass over a workflow.
type DryRunReport struct {
	// Produced lists every name a step could bind, sorted.
	Produced []string
	// Consumed lists every name referenced by a {{token}}, sorted.
	Consumed []string
	// Undefined lists consumed names nothing produces, sorted.
	Undefined []string
	// UnknownNodes lists static node references missing from the topology.
	UnknownNodes []string
	Warnings     []string
}

// HasWarnings reports whether the dry run found anything to flag.
func (r *DryRunReport) HasWarnings() bool {
	return len(r.Warnings) > 0
}

type dryRun struct {
	produced map[string]struct{}
	consumed map[string]struct{}
	nodeRefs map[string]struct{}
}

// DryRun walks the step tree in declaration order and reports variables that
// are consumed but never produced, and node references that are not
// declared. Nothing is executed.
func DryRun(wf *config.WorkflowFile) *DryRunReport {
	d := &dryRun{
		produced: make(map[string]struct{}),
		consumed: make(map[string]struct{}),
		nodeRefs: make(map[string]struct{}),
	}
	d.walk(wf.Steps)

	report := &DryRunReport{
		Produced: keys(d.produced),
		Consumed: keys(d.consumed),
	}

	for _, name := range report.Consumed {
		if _, ok := d.produced[name]; ok {
			continue
		}
		if _, ok := wf.Variables[name]; ok {
			continue
		}
		report.Undefined = append(report.Undefined, name)
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("variable '%s' is used but never defined by a step output or global variable", name))
	}

	declared := make(map[string]struct{})
	for _, name := range wf.NodeNames() {
		declared[name] = struct{}{}
	}
	for name := range wf.RemoteNodes {
		declared[name] = struct{}{}
	}
	for _, ref := range keys(d.nodeRefs) {
		if _, ok := declared[ref]; ok {
			continue
		}
		report.UnknownNodes = append(report.UnknownNodes, ref)
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("node '%s' is not declared in nodes or remote_nodes", ref))
	}

	return report
}

func (d *dryRun) walk(steps []config.Step) {
	for _, step := range steps {
		d.visit(step)
	}
}

func (d *dryRun) visit(step config.Step) {
	for name := range step.Outputs {
		d.produced[name] = struct{}{}
	}

	for field, value := range step.Fields {
		if nodeRefFields[field] {
			d.noteNodeRefs(value)
			continue
		}
		for _, name := range store.ExtractTokens(value) {
			d.consumed[name] = struct{}{}
		}
	}

	switch step.Type {
	case config.StepRepeat:
		for _, name := range config.RepeatVariables {
			d.produced[name] = struct{}{}
		}
		d.walk(step.Steps)
	case config.StepParallel:
		for _, suffix := range []string{"_duration_ms", "_success_count", "_failure_count"} {
			d.produced[step.Name+suffix] = struct{}{}
		}
		for _, group := range step.Groups {
			if group.Count > 0 {
				d.produced[config.GroupIndexVariable] = struct{}{}
			}
			d.walk(group.Steps)
		}
	case config.StepRunWorkflow:
		d.noteFailureVariables(step.Fields["on_failure"])
	case config.StepRunWorkflows:
		for _, name := range []string{config.WorkflowsSuccessCount, config.WorkflowsFailureCount, config.WorkflowsTotalCount} {
			d.produced[name] = struct{}{}
		}
		entries, _ := step.Fields["workflows"].([]any)
		for _, item := range entries {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if outputs, ok := entry["outputs"].(map[string]any); ok {
				for name := range outputs {
					d.produced[name] = struct{}{}
				}
			}
			d.noteFailureVariables(entry["on_failure"])
		}
	}
}

// noteFailureVariables records the names an on_failure block sets.
func (d *dryRun) noteFailureVariables(value any) {
	block, _ := value.(map[string]any)
	vars, _ := block["set_variables"].(map[string]any)
	for name := range vars {
		d.produced[name] = struct{}{}
	}
}

// noteNodeRefs records static node references. References built from tokens
// are only known at run time and are skipped entirely.
func (d *dryRun) noteNodeRefs(value any) {
	var refs []string
	switch v := value.(type) {
	case string:
		refs = []string{v}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				refs = append(refs, s)
			}
		}
	}
	for _, ref := range refs {
		if ref == "" || store.ContainsToken(ref) || node.IsURL(ref) {
			continue
		}
		d.nodeRefs[ref] = struct{}{}
	}
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
