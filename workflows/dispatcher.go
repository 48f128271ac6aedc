package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/davidroman0O/meroflow/errors"
	"github.com/davidroman0O/meroflow/internal/tracing"
	"github.com/davidroman0O/meroflow/pkg/config"
	"github.com/davidroman0O/meroflow/pkg/events"
	"github.com/davidroman0O/meroflow/pkg/lifecycle"
	"github.com/davidroman0O/meroflow/pkg/metrics"
	"github.com/davidroman0O/meroflow/pkg/node"
	"github.com/davidroman0O/meroflow/pkg/readiness"
	"github.com/davidroman0O/meroflow/workflows/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// handler executes one resolved step and returns its result payload.
type handler func(ctx context.Context, d *Dispatcher, call *stepCall) (any, error)

// handlers is the fixed dispatch table.
var handlers map[string]handler

func init() {
	handlers = map[string]handler{
		config.StepInstallApplication:   installApplication,
		config.StepCreateContext:        createContext,
		config.StepCreateIdentity:       createIdentity,
		config.StepInviteIdentity:       inviteIdentity,
		config.StepJoinContext:          joinContext,
		config.StepInviteOpen:           inviteOpen,
		config.StepJoinOpen:             joinOpen,
		config.StepCall:                 callMethod,
		config.StepWait:                 wait,
		config.StepWaitForSync:          waitForSync,
		config.StepRepeat:               repeat,
		config.StepParallel:             parallel,
		config.StepScript:               script,
		config.StepAssert:               assertStatements,
		config.StepJSONAssert:           jsonAssert,
		config.StepListApplications:     listApplications,
		config.StepListContexts:         listContexts,
		config.StepListProposals:        listProposals,
		config.StepGetProposal:          getProposal,
		config.StepGetProposalApprovers: getProposalApprovers,
		config.StepStopNode:             stopNodes,
		config.StepStartNode:            startNodes,
		config.StepUploadBlob:           uploadBlob,
		config.StepRunWorkflow:          runWorkflow,
		config.StepRunWorkflows:         runWorkflows,
	}
}

// lazyFields are resolved by their handler rather than up front.
var lazyFields = map[string]map[string]bool{
	config.StepAssert: {"statements": true},
}

// compositeKinds run nested step lists; their failures are already wrapped.
var compositeKinds = map[string]bool{
	config.StepRepeat:   true,
	config.StepParallel: true,
}

// Dispatcher resolves and executes steps against an environment.
type Dispatcher struct {
	admin     AdminAPI
	registry  *node.Registry
	nodes     lifecycle.Manager
	readiness *readiness.Coordinator
	configs   map[string]lifecycle.NodeConfig

	logger  Logger
	metrics metrics.Recorder
	tracer  trace.Tracer
	events  events.Publisher

	runID        string
	workflow     string
	workDir      string
	waitTimeout  time.Duration
	syncInterval time.Duration
	maxDepth     int
	sleep        func(ctx context.Context, d time.Duration) error

	state *runState
}

// runState is shared by a dispatcher and the children it runs workflows
// with.
type runState struct {
	mu       sync.Mutex
	outcomes []StepOutcome
	// stopped holds local nodes taken down by stop_node. They stay in the
	// registry but cannot be targeted until start_node brings them back.
	stopped map[string]bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics records step timings.
func WithMetrics(m metrics.Recorder) DispatcherOption {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithTracer sets the tracer used for step spans.
func WithTracer(t trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) {
		if t != nil {
			d.tracer = t
		}
	}
}

// WithEvents publishes step progress.
func WithEvents(p events.Publisher) DispatcherOption {
	return func(d *Dispatcher) {
		if p != nil {
			d.events = p
		}
	}
}

// WithNodes gives node lifecycle steps and node-targeted scripts a manager,
// the per-node start configuration and a readiness coordinator for restarts.
func WithNodes(m lifecycle.Manager, configs map[string]lifecycle.NodeConfig, c *readiness.Coordinator, waitTimeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.nodes = m
		d.configs = configs
		d.readiness = c
		if waitTimeout > 0 {
			d.waitTimeout = waitTimeout
		}
	}
}

// WithRun labels events and spans.
func WithRun(runID, workflow string) DispatcherOption {
	return func(d *Dispatcher) {
		d.runID = runID
		d.workflow = workflow
	}
}

// WithWorkDir sets the directory scripts are resolved against.
func WithWorkDir(dir string) DispatcherOption {
	return func(d *Dispatcher) {
		d.workDir = dir
	}
}

// WithMaxNestingDepth bounds composite steps and child workflows at run
// time.
func WithMaxNestingDepth(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxDepth = n
		}
	}
}

// WithSyncInterval overrides the default wait_for_sync poll interval.
func WithSyncInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.syncInterval = interval
		}
	}
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(api AdminAPI, registry *node.Registry, opts ...DispatcherOption) *Dispatcher {
	if registry == nil {
		registry = node.NewRegistry()
	}
	d := &Dispatcher{
		admin:        api,
		registry:     registry,
		logger:       NewDefaultLogger(),
		metrics:      (*metrics.Collectors)(nil),
		tracer:       tracing.Tracer(nil),
		events:       events.Nop{},
		workDir:      ".",
		waitTimeout:  time.Duration(config.DefaultWaitTimeout) * time.Second,
		syncInterval: DefaultSyncInterval,
		maxDepth:     config.DefaultMaxNestingDepth,
		sleep:        sleepContext,
		state:        &runState{stopped: map[string]bool{}},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run dispatches steps in order and stops at the first failure. It returns
// the outcome of every step that was looked at, nested steps included.
func (d *Dispatcher) Run(ctx context.Context, steps []config.Step, env *store.Environment) ([]StepOutcome, error) {
	err := d.runList(ctx, steps, env, "steps", 0, d.logger)
	return d.Outcomes(), err
}

// Outcomes returns a copy of the outcomes recorded so far.
func (d *Dispatcher) Outcomes() []StepOutcome {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	return append([]StepOutcome(nil), d.state.outcomes...)
}

// child returns a dispatcher for a nested workflow file. It shares nodes,
// telemetry and recorded outcomes with d; scripts resolve against workDir.
func (d *Dispatcher) child(workDir string) *Dispatcher {
	return &Dispatcher{
		admin:        d.admin,
		registry:     d.registry,
		nodes:        d.nodes,
		readiness:    d.readiness,
		configs:      d.configs,
		logger:       d.logger,
		metrics:      d.metrics,
		tracer:       d.tracer,
		events:       d.events,
		runID:        d.runID,
		workflow:     d.workflow,
		workDir:      workDir,
		waitTimeout:  d.waitTimeout,
		syncInterval: d.syncInterval,
		maxDepth:     d.maxDepth,
		sleep:        d.sleep,
		state:        d.state,
	}
}

func (d *Dispatcher) runList(ctx context.Context, steps []config.Step, env *store.Environment, prefix string, depth int, log Logger) error {
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.ErrTimeout, "workflow deadline exceeded")
		}
		loc := fmt.Sprintf("%s[%d]", prefix, i)
		if _, err := d.dispatch(ctx, step, env, loc, depth, log); err != nil {
			return err
		}
	}
	return nil
}

// stepCall carries a step through its handler.
type stepCall struct {
	step   config.Step
	fields map[string]any
	target node.Descriptor
	env    *store.Environment
	loc    string
	depth  int
	log    Logger
}

// dispatch moves one step through Pending, Resolved, Dispatched and finally
// Succeeded or Failed.
func (d *Dispatcher) dispatch(ctx context.Context, step config.Step, env *store.Environment, loc string, depth int, log Logger) (StepResult, error) {
	outcome := StepOutcome{Name: step.Name, Kind: step.Type, Location: loc, Status: StatusPending}
	started := time.Now()

	ctx, span := d.tracer.Start(ctx, "step "+step.Type, trace.WithAttributes(
		attribute.String("step.name", step.Name),
		attribute.String("step.type", step.Type),
		attribute.String("step.location", loc),
		attribute.Int("step.depth", depth),
	))
	defer span.End()

	finish := func(res StepResult, err error) (StepResult, error) {
		outcome.Duration = time.Since(started)
		outcome.Data = res.Data
		outcome.Error = err
		if err != nil {
			outcome.Status = StatusFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Error("Step '%s' (%s) failed: %v", step.Name, step.Type, err)
		} else {
			outcome.Status = StatusSucceeded
			log.Info("Step '%s' succeeded in %s", step.Name, outcome.Duration.Round(time.Millisecond))
		}
		d.record(outcome)
		d.metrics.StepFinished(step.Type, err == nil, outcome.Duration)
		d.publish(ctx, events.Event{
			Type:     events.TypeStepFinished,
			Step:     step.Name,
			StepType: step.Type,
			Success:  events.Bool(err == nil),
			Error:    errString(err),
			Duration: outcome.Duration.Seconds(),
		})
		return res, err
	}

	log.Info("Executing step '%s' (%s)", step.Name, step.Type)
	d.publish(ctx, events.Event{Type: events.TypeStepStarted, Step: step.Name, StepType: step.Type})

	h, ok := handlers[step.Type]
	if !ok {
		err := errors.StepExecution(step.Name, step.Type, fmt.Errorf("unknown step type %q", step.Type))
		return finish(StepResult{Error: err}, err)
	}

	call, err := d.resolve(step, env, loc, depth, log)
	if err != nil {
		err = errors.WithContext(err, map[string]interface{}{"step_name": step.Name, "step_type": step.Type})
		return finish(StepResult{Error: err}, err)
	}
	outcome.Status = StatusResolved
	if call.target.Name != "" {
		log.Debug("Step '%s' targets %s (%s)", step.Name, call.target.Name, call.target.Endpoint)
	}

	outcome.Status = StatusDispatched
	data, err := h(ctx, d, call)
	if err != nil {
		if !compositeKinds[step.Type] {
			err = errors.StepExecution(step.Name, step.Type, err)
		}
		return finish(StepResult{Data: data, Error: err}, err)
	}

	warnings, err := captureOutputs(env, step.Name, step.Outputs, data)
	for _, w := range warnings {
		log.Warn("%s", w)
	}
	outcome.Warnings = warnings
	if err != nil {
		err = errors.StepExecution(step.Name, step.Type, err)
		return finish(StepResult{Data: data, Error: err}, err)
	}
	return finish(StepResult{Success: true, Data: data}, nil)
}

// resolve substitutes tokens in the step fields and resolves its node.
func (d *Dispatcher) resolve(step config.Step, env *store.Environment, loc string, depth int, log Logger) (*stepCall, error) {
	call := &stepCall{
		step:   step,
		fields: make(map[string]any, len(step.Fields)),
		env:    env,
		loc:    loc,
		depth:  depth,
		log:    log,
	}

	lazy := lazyFields[step.Type]
	for name, value := range step.Fields {
		if lazy[name] {
			call.fields[name] = value
			continue
		}
		resolved, err := env.ResolveValue(value)
		if err != nil {
			return nil, err
		}
		call.fields[name] = resolved
	}

	if raw, ok := step.Fields["node"].(string); ok {
		target, err := d.registry.Resolve(raw, env)
		if err != nil {
			return nil, err
		}
		if target.Kind == node.KindLocal && d.isStopped(target.Name) {
			return nil, errors.NodeResolution(raw, "node was stopped by an earlier stop_node step")
		}
		call.target = target
	}
	return call, nil
}

func (d *Dispatcher) record(o StepOutcome) {
	d.state.mu.Lock()
	d.state.outcomes = append(d.state.outcomes, o)
	d.state.mu.Unlock()
}

func (d *Dispatcher) setStopped(name string, stopped bool) {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	if stopped {
		d.state.stopped[name] = true
	} else {
		delete(d.state.stopped, name)
	}
}

func (d *Dispatcher) isStopped(name string) bool {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	return d.state.stopped[name]
}

func (d *Dispatcher) publish(ctx context.Context, ev events.Event) {
	ev.RunID = d.runID
	ev.Workflow = d.workflow
	if err := d.events.Publish(ctx, ev); err != nil {
		d.logger.Debug("Dropping %s event: %v", ev.Type, err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
