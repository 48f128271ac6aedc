package workflow

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidroman0O/meroflow/errors"
	"github.com/davidroman0O/meroflow/internal/tracing"
	"github.com/davidroman0O/meroflow/pkg/config"
	"github.com/davidroman0O/meroflow/pkg/events"
	"github.com/davidroman0O/meroflow/pkg/lifecycle"
	"github.com/davidroman0O/meroflow/pkg/metrics"
	"github.com/davidroman0O/meroflow/pkg/node"
	"github.com/davidroman0O/meroflow/pkg/readiness"
	"github.com/davidroman0O/meroflow/pkg/validate"
	"github.com/davidroman0O/meroflow/workflows/store"
)

// teardownTimeout bounds node shutdown after the run context is gone.
const teardownTimeout = 30 * time.Second

// RunResult contains the result of a workflow execution
type RunResult struct {
	RunID    string
	Workflow string
	Success  bool

	// Phase is where the run stopped: validation and provisioning failures
	// mean no step started.
	Phase Phase

	// CapturedVariables holds every variable bound by a step.
	CapturedVariables map[string]any
	Outcomes          []StepOutcome
	Warnings          []string

	Error         error
	ExecutionTime time.Duration
}

// RunOptions contains options for workflow execution
type RunOptions struct {
	// Logger to use for the workflow execution
	Logger Logger

	// Context to use for the workflow execution
	Context context.Context

	// Admin talks to the nodes. Required unless the workflow has no steps.
	Admin AdminAPI

	// Nodes provisions local nodes. Required when the workflow declares any.
	Nodes lifecycle.Manager

	Metrics metrics.Recorder
	Events  events.Publisher
	Tracer  trace.Tracer

	// WorkDir is where script paths are resolved.
	WorkDir string

	// PollInterval overrides the readiness and sync poll interval.
	PollInterval time.Duration

	// NoTeardown keeps nodes running even if the workflow asks to stop them.
	NoTeardown bool
}

// DefaultRunOptions returns the default options for running a workflow
func DefaultRunOptions() RunOptions {
	return RunOptions{
		Logger:  NewDefaultLogger(),
		Context: context.Background(),
		Metrics: (*metrics.Collectors)(nil),
		Events:  events.Nop{},
		WorkDir: ".",
	}
}

func (o *RunOptions) withDefaults() {
	def := DefaultRunOptions()
	if o.Logger == nil {
		o.Logger = def.Logger
	}
	if o.Context == nil {
		o.Context = def.Context
	}
	if o.Metrics == nil {
		o.Metrics = def.Metrics
	}
	if o.Events == nil {
		o.Events = def.Events
	}
	if o.Tracer == nil {
		o.Tracer = tracing.Tracer(nil)
	}
	if o.WorkDir == "" {
		o.WorkDir = def.WorkDir
	}
}

// RunWorkflow validates wf, provisions its nodes, waits for them and then
// dispatches its steps. Validation problems are reported all at once before
// anything starts. Defaults are applied to a copy; wf is left as given.
func RunWorkflow(wf *config.WorkflowFile, options RunOptions) RunResult {
	startTime := time.Now()
	options.withDefaults()
	logger := options.Logger

	run := *wf
	run.Variables = maps.Clone(wf.Variables)
	run.ApplyDefaults()
	wf = &run
	result := RunResult{
		RunID:    uuid.NewString(),
		Workflow: wf.Name,
		Phase:    PhaseValidation,
		Warnings: append([]string(nil), wf.Warnings...),
	}
	done := func(err error) RunResult {
		result.Error = err
		result.Success = err == nil
		result.ExecutionTime = time.Since(startTime)
		options.Metrics.RunFinished(wf.Name, result.Success, result.ExecutionTime)
		return result
	}

	if err := validate.ValidateWorkflow(wf, validate.WithWorkDir(options.WorkDir)); err != nil {
		logger.Error("Workflow '%s' is invalid", wf.Name)
		for _, issue := range validate.IssuesOf(err) {
			logger.Error("  %s", issue)
		}
		return done(err)
	}
	report := validate.DryRun(wf)
	for _, w := range report.Warnings {
		logger.Warn("%s", w)
	}
	result.Warnings = append(result.Warnings, report.Warnings...)

	ctx, cancel := context.WithTimeout(options.Context, time.Duration(wf.Timeout)*time.Second)
	defer cancel()

	ctx, span := options.Tracer.Start(ctx, "workflow "+wf.Name, trace.WithAttributes(
		attribute.String("workflow.name", wf.Name),
		attribute.String("run.id", result.RunID),
	))
	defer span.End()

	publish := func(ev events.Event) {
		ev.RunID = result.RunID
		ev.Workflow = wf.Name
		if err := options.Events.Publish(ctx, ev); err != nil {
			logger.Debug("Dropping %s event: %v", ev.Type, err)
		}
	}

	logger.Info("Starting workflow '%s' (run %s)", wf.Name, result.RunID)
	publish(events.Event{Type: events.TypeRunStarted})

	finish := func(err error) RunResult {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error("Workflow '%s' failed during %s: %v", wf.Name, result.Phase, err)
		} else {
			result.Phase = PhaseCompleted
			logger.Info("Workflow '%s' completed in %s", wf.Name, time.Since(startTime).Round(time.Millisecond))
		}
		out := done(err)
		publish(events.Event{
			Type:     events.TypeRunFinished,
			Success:  events.Bool(err == nil),
			Error:    errString(err),
			Duration: out.ExecutionTime.Seconds(),
			Data:     map[string]any{"phase": string(out.Phase)},
		})
		return out
	}

	result.Phase = PhaseProvisioning
	registry := node.NewRegistryFromConfig(wf.RemoteNodes)
	configs, err := nodeConfigs(wf)
	if err != nil {
		return finish(errors.Wrap(err, errors.ErrConfigValidation, "invalid node topology"))
	}
	if len(configs) > 0 && options.Nodes == nil {
		return finish(errors.New(errors.ErrInvalidInput, "workflow declares local nodes but no node manager is configured"))
	}
	if (len(wf.Steps) > 0 || len(configs) > 0) && options.Admin == nil {
		return finish(errors.New(errors.ErrInvalidInput, "no admin client configured"))
	}

	coordinator := readiness.NewCoordinator(options.Nodes, options.Admin,
		readiness.WithInterval(options.PollInterval),
		readiness.WithLogger(logger),
		readiness.WithMetrics(options.Metrics),
	)
	waitTimeout := time.Duration(wf.WaitTimeout) * time.Second

	if len(configs) > 0 {
		if err := startNodesForRun(ctx, wf, options.Nodes, configs, coordinator, waitTimeout, registry, logger); err != nil {
			if !options.NoTeardown {
				teardown(options.Nodes, configs, logger)
			}
			return finish(err)
		}
		publish(events.Event{Type: events.TypeNodesReady, Data: map[string]any{"nodes": sortedKeys(configs)}})
	}
	for _, name := range registry.RemoteNames() {
		desc, _ := registry.Remote(name)
		logger.Info("Using remote node %s at %s", name, desc.Endpoint)
	}

	result.Phase = PhaseExecution
	env := store.NewEnvironment(wf.Variables)
	dispatcher := NewDispatcher(options.Admin, registry,
		WithLogger(logger),
		WithMetrics(options.Metrics),
		WithTracer(options.Tracer),
		WithEvents(options.Events),
		WithNodes(options.Nodes, configs, coordinator, waitTimeout),
		WithRun(result.RunID, wf.Name),
		WithWorkDir(options.WorkDir),
		WithSyncInterval(options.PollInterval),
		WithMaxNestingDepth(wf.MaxNestingDepth),
	)
	outcomes, runErr := dispatcher.Run(ctx, wf.Steps, env)
	result.Outcomes = outcomes
	result.CapturedVariables = captured(env)
	for _, o := range outcomes {
		result.Warnings = append(result.Warnings, o.Warnings...)
	}

	if wf.StopAllNodes && !options.NoTeardown && len(configs) > 0 {
		teardown(options.Nodes, configs, logger)
	}
	return finish(runErr)
}

// nodeConfigs expands the topology into start configurations keyed by name.
func nodeConfigs(wf *config.WorkflowFile) (map[string]lifecycle.NodeConfig, error) {
	nodes, err := wf.Topology()
	if err != nil {
		return nil, err
	}
	configs := make(map[string]lifecycle.NodeConfig, len(nodes))
	for _, n := range nodes {
		configs[n.Name] = lifecycle.NodeConfig{
			Name:      n.Name,
			Image:     n.Image,
			ChainID:   n.ChainID,
			Port:      n.Port,
			RPCPort:   n.RPCPort,
			LogLevel:  wf.LogLevel,
			ForcePull: wf.ForcePullImage,
		}
	}
	return configs, nil
}

// startNodesForRun starts every local node that is not already running
// (restarting it when asked to) and waits until all are ready.
func startNodesForRun(ctx context.Context, wf *config.WorkflowFile, nodes lifecycle.Manager, configs map[string]lifecycle.NodeConfig,
	coordinator *readiness.Coordinator, waitTimeout time.Duration, registry *node.Registry, logger Logger) error {
	targets := make([]readiness.Target, 0, len(configs))
	for _, name := range sortedKeys(configs) {
		cfg := configs[name]
		endpoint := lifecycle.Endpoint(cfg.RPCPort)

		running := nodes.IsRunning(ctx, name)
		if running && wf.Restart {
			logger.Info("Restarting node %s", name)
			if err := nodes.Stop(ctx, name); err != nil {
				return errors.Wrap(err, errors.ErrUnknown, fmt.Sprintf("failed to stop %s for restart", name))
			}
			running = false
		}
		if running {
			logger.Info("Node %s is already running, reusing it", name)
		} else {
			logger.Info("Starting node %s (p2p %d, rpc %d)", name, cfg.Port, cfg.RPCPort)
			started, err := nodes.Start(ctx, cfg)
			if err != nil {
				return errors.Wrap(err, errors.ErrUnknown, fmt.Sprintf("failed to start %s", name))
			}
			if started != "" {
				endpoint = started
			}
		}
		targets = append(targets, readiness.Target{Name: name, Endpoint: endpoint})
	}
	return coordinator.WaitAll(ctx, targets, waitTimeout, registry)
}

func teardown(nodes lifecycle.Manager, configs map[string]lifecycle.NodeConfig, logger Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	for _, name := range sortedKeys(configs) {
		logger.Info("Stopping node %s", name)
		if err := nodes.Stop(ctx, name); err != nil {
			logger.Warn("Failed to stop %s: %v", name, err)
		}
	}
}

// captured returns the variables bound by steps, leaving out untouched
// globals.
func captured(env *store.Environment) map[string]any {
	out := make(map[string]any)
	for name, value := range env.All() {
		if source, _ := env.Source(name); source == store.SourceGlobal {
			continue
		}
		out[name] = value
	}
	return out
}

// FormatResults returns a human-readable summary of a run
func FormatResults(result RunResult) string {
	var b strings.Builder

	status := "FAILED"
	if result.Success {
		status = "SUCCESS"
	}
	fmt.Fprintf(&b, "Workflow: %s - %s (%s)\n", result.Workflow, status, result.ExecutionTime.Round(time.Millisecond))
	fmt.Fprintf(&b, "Run: %s\n", result.RunID)

	succeeded := 0
	for _, o := range result.Outcomes {
		mark := "ok"
		if o.Status == StatusFailed {
			mark = "FAILED"
		} else {
			succeeded++
		}
		fmt.Fprintf(&b, "  %-40s %-22s %-7s %s\n", o.Location, o.Name, mark, o.Duration.Round(time.Millisecond))
	}

	if len(result.CapturedVariables) > 0 {
		b.WriteString("\nCaptured variables:\n")
		names := make([]string, 0, len(result.CapturedVariables))
		for name := range result.CapturedVariables {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "  %s = %s\n", name, store.Stringify(result.CapturedVariables[name]))
		}
	}

	for _, w := range result.Warnings {
		fmt.Fprintf(&b, "Warning: %s\n", w)
	}
	if result.Error != nil {
		fmt.Fprintf(&b, "Error (%s): %v\n", result.Phase, result.Error)
	}

	fmt.Fprintf(&b, "\nSummary: %d/%d steps succeeded\n", succeeded, len(result.Outcomes))
	return b.String()
}
