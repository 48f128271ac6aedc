package workflow

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davidroman0O/meroflow/errors"
	"github.com/davidroman0O/meroflow/pkg/config"
	"github.com/davidroman0O/meroflow/pkg/node"
	"github.com/davidroman0O/meroflow/pkg/retry"
	"github.com/davidroman0O/meroflow/workflows/store"
)

// rootHashPaths are tried in order against a context state response.
var rootHashPaths = []string{"data.rootHash", "data.root_hash", "data.context.rootHash", "rootHash"}

func wait(ctx context.Context, d *Dispatcher, call *stepCall) (any, error) {
	delay, err := call.duration("seconds", 0)
	if err != nil {
		return nil, err
	}
	if msg := call.str("message"); msg != "" {
		call.log.Info("%s", msg)
	}
	call.log.Debug("Waiting %s", delay)
	if err := d.sleep(ctx, delay); err != nil {
		return nil, errors.Wrap(err, errors.ErrTimeout, "wait interrupted")
	}
	return map[string]any{"waited_seconds": delay.Seconds()}, nil
}

// waitForSync polls the context state on every listed node until all of
// them report the same non-empty root hash.
func waitForSync(ctx context.Context, d *Dispatcher, call *stepCall) (any, error) {
	api, err := d.api()
	if err != nil {
		return nil, err
	}
	contextID, err := call.require("context_id")
	if err != nil {
		return nil, err
	}
	timeout, err := call.duration("timeout", DefaultSyncTimeout)
	if err != nil {
		return nil, err
	}
	interval, err := call.duration("interval", d.syncInterval)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = d.syncInterval
	}

	refs := call.strings("nodes")
	if len(refs) == 0 {
		return nil, fmt.Errorf("field 'nodes' is empty")
	}
	targets := make([]node.Descriptor, 0, len(refs))
	for _, ref := range refs {
		target, err := d.registry.Resolve(ref, call.env)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}

	hashes := make(map[string]string, len(targets))
	attempts := 0
	err = retry.Poll(ctx, interval, timeout, func(ctx context.Context) (bool, error) {
		attempts++
		for _, target := range targets {
			res, err := api.ContextState(ctx, target, contextID)
			if err != nil {
				call.log.Debug("Context state on %s not available yet: %v", target.Name, err)
				hashes[target.Name] = ""
				continue
			}
			hashes[target.Name] = rootHash(res.Data)
		}
		return converged(hashes), nil
	})
	if err != nil {
		if stderrors.Is(err, retry.ErrPollTimeout) {
			return map[string]any{"nodes": hashes, "attempts": attempts},
				errors.Newf(errors.ErrTimeout, "context %s did not sync across %d node(s) within %s", contextID, len(targets), timeout)
		}
		return nil, err
	}

	var hash string
	for _, h := range hashes {
		hash = h
		break
	}
	call.log.Info("Context %s synced on %d node(s) after %d check(s)", contextID, len(targets), attempts)
	return map[string]any{"root_hash": hash, "nodes": hashes, "attempts": attempts}, nil
}

func rootHash(data any) string {
	for _, path := range rootHashPaths {
		if v, ok := ExtractPath(data, path); ok && v != nil {
			if s := store.Stringify(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func converged(hashes map[string]string) bool {
	var first string
	for _, h := range hashes {
		if h == "" {
			return false
		}
		if first == "" {
			first = h
		} else if h != first {
			return false
		}
	}
	return first != ""
}

// repeat runs the body count times, each pass in its own scope. Writes to
// non-iteration variables are applied to the enclosing environment after
// every successful pass.
func repeat(ctx context.Context, d *Dispatcher, call *stepCall) (any, error) {
	count, err := call.intOr("count", 0)
	if err != nil {
		return nil, errors.StepExecution(call.step.Name, call.step.Type, err)
	}
	if count < 1 {
		return nil, errors.StepExecution(call.step.Name, call.step.Type, fmt.Errorf("count must be >= 1, got %d", count))
	}

	log := nested(call.log, call.depth+1, "")
	body := call.loc + ".steps"
	for i := 0; i < count; i++ {
		scope := call.env.Scope()
		scope.Bind("iteration", i)
		scope.Bind("iteration_index", i)
		scope.Bind("iteration_number", i+1)
		scope.Bind("total_iterations", count)

		log.Info("Iteration %d/%d of '%s'", i+1, count, call.step.Name)
		if err := d.runList(ctx, call.step.Steps, scope, body, call.depth+1, log); err != nil {
			call.log.Error("Repeat '%s' aborted in iteration %d", call.step.Name, i)
			return map[string]any{"iterations_completed": i, "total_iterations": count}, err
		}
		call.env.Merge(scope)
	}
	return map[string]any{"iterations_completed": count, "total_iterations": count}, nil
}

// errGroupSkipped marks a group stopped by fail_fast before it finished.
var errGroupSkipped = stderrors.New("stopped after a sibling group failed")

type groupRun struct {
	name     string
	index    int // replica index, -1 when the group is not replicated
	location string
	steps    []config.Step
	env      *store.Environment
	err      error
	duration time.Duration
}

// expandGroups replicates groups that declare a count.
func expandGroups(groups []config.Group, loc string) []*groupRun {
	var runs []*groupRun
	for gi, g := range groups {
		location := fmt.Sprintf("%s.groups[%d].steps", loc, gi)
		if g.Count <= 0 {
			runs = append(runs, &groupRun{name: g.Name, index: -1, location: location, steps: g.Steps})
			continue
		}
		for k := 0; k < g.Count; k++ {
			name := g.Name
			if g.Count > 1 {
				name = fmt.Sprintf("%s#%d", g.Name, k)
			}
			runs = append(runs, &groupRun{name: name, index: k, location: location, steps: g.Steps})
		}
	}
	return runs
}

// parallel runs every group concurrently on its own snapshot of the
// environment. Writes of successful groups are merged back in declaration
// order once all groups are done, so a later group wins on conflicts.
func parallel(ctx context.Context, d *Dispatcher, call *stepCall) (any, error) {
	mode := call.strOr("failure_mode", config.FailSlow)
	switch mode {
	case config.FailSlow, config.FailFast, config.ContinueOnError:
	default:
		return nil, errors.StepExecution(call.step.Name, call.step.Type, fmt.Errorf("unknown failure_mode %q", mode))
	}

	runs := expandGroups(call.step.Groups, call.loc)
	if len(runs) == 0 {
		return nil, errors.StepExecution(call.step.Name, call.step.Type, fmt.Errorf("no groups to run"))
	}
	for _, run := range runs {
		run.env = call.env.Snapshot()
		if run.index >= 0 {
			run.env.Bind(config.GroupIndexVariable, run.index)
		}
	}

	call.log.Info("Running %d group(s) of '%s' (%s)", len(runs), call.step.Name, mode)
	started := time.Now()

	var (
		stop atomic.Bool
		wg   sync.WaitGroup
	)
	for _, run := range runs {
		wg.Add(1)
		go func(run *groupRun) {
			defer wg.Done()
			groupStart := time.Now()
			run.err = d.runGroup(ctx, run, call.depth+1, nested(call.log, call.depth+1, run.name), &stop)
			run.duration = time.Since(groupStart)
			if run.err != nil && mode == config.FailFast {
				stop.Store(true)
			}
		}(run)
	}
	wg.Wait()
	elapsed := time.Since(started)

	var (
		successes, failures int
		firstErr            error
		groups              = make([]map[string]any, 0, len(runs))
	)
	for _, run := range runs {
		entry := map[string]any{
			"name":        run.name,
			"success":     run.err == nil,
			"duration_ms": millis(run.duration),
		}
		if run.err != nil {
			failures++
			entry["error"] = run.err.Error()
			if firstErr == nil && !stderrors.Is(run.err, errGroupSkipped) {
				firstErr = run.err
			}
			call.log.Error("Group '%s' failed: %v", run.name, run.err)
		} else {
			successes++
			if replaced := call.env.Merge(run.env); len(replaced) > 0 {
				call.log.Debug("Group '%s' overwrote %s", run.name, strings.Join(replaced, ", "))
			}
		}
		groups = append(groups, entry)
	}

	exports := map[string]any{
		call.step.Name + "_duration_ms":   millis(elapsed),
		call.step.Name + "_success_count": successes,
		call.step.Name + "_failure_count": failures,
	}
	for name, value := range exports {
		if err := call.env.SetWithSource(name, value, call.step.Name); err != nil {
			call.log.Warn("Cannot export %s: %v", name, err)
		}
	}

	data := map[string]any{
		"groups":        groups,
		"success_count": successes,
		"failure_count": failures,
		"duration_ms":   millis(elapsed),
	}

	failed := failures > 0
	if mode == config.ContinueOnError {
		failed = successes == 0
	}
	if !failed {
		if failures > 0 {
			call.log.Warn("%d of %d group(s) of '%s' failed; continuing", failures, len(runs), call.step.Name)
		}
		return data, nil
	}
	if firstErr == nil {
		firstErr = errGroupSkipped
	}
	return data, errors.Wrap(firstErr, errors.ErrStepExecution,
		fmt.Sprintf("parallel step '%s': %d of %d group(s) failed", call.step.Name, failures, len(runs)))
}

// runGroup dispatches a group's steps in order. With fail_fast a sibling's
// failure prevents the next step from starting.
func (d *Dispatcher) runGroup(ctx context.Context, run *groupRun, depth int, log Logger, stop *atomic.Bool) error {
	for i, step := range run.steps {
		if stop.Load() {
			return errGroupSkipped
		}
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.ErrTimeout, "workflow deadline exceeded")
		}
		loc := fmt.Sprintf("%s[%d]", run.location, i)
		if _, err := d.dispatch(ctx, step, run.env, loc, depth, log); err != nil {
			return err
		}
	}
	return nil
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d)/float64(time.Millisecond)*1000) / 1000
}
