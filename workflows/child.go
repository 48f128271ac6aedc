package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/davidroman0O/meroflow/errors"
	"github.com/davidroman0O/meroflow/pkg/config"
	"github.com/davidroman0O/meroflow/pkg/validate"
	"github.com/davidroman0O/meroflow/workflows/store"
)

// childRun is one workflow file run from inside another. Outputs map a
// parent variable to a variable of the child.
type childRun struct {
	WorkflowPath string            `mapstructure:"workflow_path"`
	Path         string            `mapstructure:"path"`
	Inputs       map[string]any    `mapstructure:"inputs"`
	Outputs      map[string]string `mapstructure:"outputs"`
	Inherit      bool              `mapstructure:"inherit_variables"`
	OnFailure    failurePolicy     `mapstructure:"on_failure"`
}

type failurePolicy struct {
	Continue     bool           `mapstructure:"continue"`
	SetVariables map[string]any `mapstructure:"set_variables"`
}

func (r childRun) file() string {
	if r.WorkflowPath != "" {
		return r.WorkflowPath
	}
	return r.Path
}

// runWorkflow runs another workflow file on this run's nodes. The child's
// variables are the step payload, so outputs name child variables.
func runWorkflow(ctx context.Context, d *Dispatcher, call *stepCall) (any, error) {
	var run childRun
	if err := config.DecodeFields(call.fields, &run); err != nil {
		return nil, err
	}
	if run.file() == "" {
		return nil, fmt.Errorf("field 'workflow_path' is empty")
	}

	vars, err := d.runChild(ctx, call, run, call.loc+".workflow", nested(call.log, call.depth+1, ""))
	if err != nil {
		if !run.OnFailure.Continue {
			return nil, err
		}
		call.log.Warn("Child workflow %s failed, continuing: %v", run.file(), err)
		applyFailureVariables(call, run.OnFailure)
		return map[string]any{"success": false, "error": err.Error()}, nil
	}
	return vars, nil
}

// runWorkflows runs several workflow files, concurrently by default. With
// fail_fast (the default) any failure fails the step; otherwise failures are
// only counted.
func runWorkflows(ctx context.Context, d *Dispatcher, call *stepCall) (any, error) {
	mode := call.strOr("mode", config.ModeParallel)
	if mode != config.ModeParallel && mode != config.ModeSequential {
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
	failFast := true
	if call.has("fail_fast") {
		failFast = call.boolean("fail_fast")
	}

	var runs []childRun
	for i, item := range call.list("workflows") {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("workflows[%d] must be a mapping", i)
		}
		var run childRun
		if err := config.DecodeFields(entry, &run); err != nil {
			return nil, fmt.Errorf("workflows[%d]: %w", i, err)
		}
		if run.file() == "" {
			return nil, fmt.Errorf("workflows[%d]: 'path' is required", i)
		}
		runs = append(runs, run)
	}

	if mode == config.ModeParallel {
		seen := map[string]bool{}
		for _, run := range runs {
			for name := range run.Outputs {
				if seen[name] {
					call.log.Warn("Several workflows export '%s'; the last to finish wins", name)
				}
				seen[name] = true
			}
		}
	}

	errs := make([]error, len(runs))
	exec := func(i int) error {
		run := runs[i]
		loc := fmt.Sprintf("%s.workflows[%d]", call.loc, i)
		vars, err := d.runChild(ctx, call, run, loc, nested(call.log, call.depth+1, filepath.Base(run.file())))
		if err != nil {
			if run.OnFailure.Continue {
				call.log.Warn("Workflow %s failed, continuing: %v", run.file(), err)
				applyFailureVariables(call, run.OnFailure)
				return nil
			}
			return err
		}
		warnings, err := captureOutputs(call.env, call.step.Name, run.Outputs, vars)
		for _, w := range warnings {
			call.log.Warn("%s", w)
		}
		return err
	}

	call.log.Info("Running %d workflow(s) of '%s' (%s)", len(runs), call.step.Name, mode)
	started := time.Now()
	if mode == config.ModeParallel {
		var wg sync.WaitGroup
		for i := range runs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = exec(i)
			}(i)
		}
		wg.Wait()
	} else {
		for i := range runs {
			errs[i] = exec(i)
			if errs[i] != nil && failFast {
				call.log.Error("Stopping '%s' after workflow %d failed", call.step.Name, i)
				break
			}
		}
	}

	var (
		successes, failures int
		firstErr            error
		entries             = make([]map[string]any, 0, len(runs))
	)
	for i, run := range runs {
		entry := map[string]any{"path": run.file(), "success": errs[i] == nil}
		switch {
		case errs[i] != nil:
			failures++
			entry["error"] = errs[i].Error()
			if firstErr == nil {
				firstErr = errs[i]
			}
		case mode == config.ModeSequential && failFast && firstErr != nil:
			entry["success"] = false
			entry["skipped"] = true
		default:
			successes++
		}
		entries = append(entries, entry)
	}

	counts := map[string]any{
		config.WorkflowsSuccessCount: successes,
		config.WorkflowsFailureCount: failures,
		config.WorkflowsTotalCount:   len(runs),
	}
	for name, value := range counts {
		if err := call.env.SetWithSource(name, value, call.step.Name); err != nil {
			call.log.Warn("Cannot export %s: %v", name, err)
		}
	}

	data := map[string]any{
		"mode":          mode,
		"workflows":     entries,
		"success_count": successes,
		"failure_count": failures,
		"total_count":   len(runs),
		"duration_ms":   millis(time.Since(started)),
	}
	if firstErr != nil && failFast {
		return data, fmt.Errorf("%d of %d workflow(s) failed: %w", failures, len(runs), firstErr)
	}
	if failures > 0 {
		call.log.Warn("%d of %d workflow(s) of '%s' failed; continuing", failures, len(runs), call.step.Name)
	}
	return data, nil
}

// runChild loads a workflow file and runs its steps on this run's nodes.
// Its variables start from the file's own, then the parent's when
// inherited, then the inputs. They are returned once every step passed.
func (d *Dispatcher) runChild(ctx context.Context, call *stepCall, run childRun, loc string, log Logger) (map[string]any, error) {
	depth := call.depth + 1
	if depth > d.maxDepth {
		return nil, errors.Newf(errors.ErrNestingLimitExceeded,
			"workflow %s would exceed max nesting depth of %d", run.file(), d.maxDepth)
	}

	path := run.file()
	if !filepath.IsAbs(path) {
		path = filepath.Join(d.workDir, path)
	}
	wf, err := config.LoadWorkflowFile(path)
	if err != nil {
		return nil, err
	}
	for _, w := range wf.Warnings {
		log.Warn("%s: %s", path, w)
	}
	if wf.HasNodeSource() {
		log.Warn("Nodes declared in %s are ignored; its steps run on the nodes of '%s'", path, d.workflow)
	}

	dir := filepath.Dir(path)
	if err := validate.Steps(wf.Steps, d.maxDepth-depth, validate.WithWorkDir(dir)).Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigValidation, fmt.Sprintf("invalid workflow %s", path))
	}

	vars := make(map[string]any, len(wf.Variables)+len(run.Inputs))
	for name, value := range wf.Variables {
		vars[name] = value
	}
	if run.Inherit {
		for name, value := range call.env.All() {
			vars[name] = value
		}
	}
	for name, value := range run.Inputs {
		vars[name] = value
	}
	env := store.NewEnvironment(vars)

	ctx, cancel := context.WithTimeout(ctx, time.Duration(wf.Timeout)*time.Second)
	defer cancel()

	log.Info("Running workflow '%s' from %s", wf.Name, path)
	if err := d.child(dir).runList(ctx, wf.Steps, env, loc+".steps", depth, log); err != nil {
		return nil, err
	}
	return env.All(), nil
}

// applyFailureVariables binds on_failure.set_variables in the parent.
func applyFailureVariables(call *stepCall, policy failurePolicy) {
	for name, value := range policy.SetVariables {
		if err := call.env.SetWithSource(name, value, call.step.Name); err != nil {
			call.log.Warn("Cannot set %s: %v", name, err)
		}
	}
}
