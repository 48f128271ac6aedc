package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/davidroman0O/meroflow/pkg/admin"
	"github.com/davidroman0O/meroflow/pkg/config"
	"github.com/davidroman0O/meroflow/pkg/lifecycle"
	"github.com/davidroman0O/meroflow/pkg/node"
	"github.com/davidroman0O/meroflow/workflows/store"
)

// TestLogger is a simple logger implementation for testing
type TestLogger struct {
	t *testing.T
}

func (l *TestLogger) Debug(format string, args ...interface{}) {
	l.t.Logf("[DEBUG] "+format, args...)
}

func (l *TestLogger) Info(format string, args ...interface{}) {
	l.t.Logf("[INFO] "+format, args...)
}

func (l *TestLogger) Warn(format string, args ...interface{}) {
	l.t.Logf("[WARN] "+format, args...)
}

func (l *TestLogger) Error(format string, args ...interface{}) {
	l.t.Logf("[ERROR] "+format, args...)
}

// adminCallRecord is one call received by fakeAdmin.
type adminCallRecord struct {
	Method string
	Node   string
	Args   []any
}

// fakeAdmin answers admin calls from canned data. Execute and ContextState
// can be scripted per call.
type fakeAdmin struct {
	mu      sync.Mutex
	calls   []adminCallRecord
	results map[string]any
	errs    map[string]error

	execute func(req admin.ExecuteRequest) (any, error)
	state   func(target node.Descriptor, contextID string) (any, error)
	health  func(target node.Descriptor) error
}

func newFakeAdmin() *fakeAdmin {
	return &fakeAdmin{results: map[string]any{}, errs: map[string]error{}}
}

func (f *fakeAdmin) record(method string, target node.Descriptor, args ...any) (admin.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, adminCallRecord{Method: method, Node: target.Name, Args: args})
	if err := f.errs[method]; err != nil {
		return admin.Result{}, err
	}
	return admin.Result{Data: f.results[method], Endpoint: target.Endpoint}, nil
}

func (f *fakeAdmin) Calls(method string) []adminCallRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []adminCallRecord
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeAdmin) Health(_ context.Context, target node.Descriptor) error {
	if f.health != nil {
		return f.health(target)
	}
	return nil
}

func (f *fakeAdmin) InstallApplication(_ context.Context, target node.Descriptor, req admin.InstallRequest) (admin.Result, error) {
	return f.record("InstallApplication", target, req)
}

func (f *fakeAdmin) CreateContext(_ context.Context, target node.Descriptor, applicationID, protocol string, params any) (admin.Result, error) {
	return f.record("CreateContext", target, applicationID, protocol, params)
}

func (f *fakeAdmin) CreateIdentity(_ context.Context, target node.Descriptor) (admin.Result, error) {
	return f.record("CreateIdentity", target)
}

func (f *fakeAdmin) Invite(_ context.Context, target node.Descriptor, req admin.InviteRequest) (admin.Result, error) {
	return f.record("Invite", target, req)
}

func (f *fakeAdmin) Join(_ context.Context, target node.Descriptor, contextID, inviteeID string, invitation any) (admin.Result, error) {
	return f.record("Join", target, contextID, inviteeID, invitation)
}

func (f *fakeAdmin) InviteOpen(_ context.Context, target node.Descriptor, contextID, inviterID string, validFor int) (admin.Result, error) {
	return f.record("InviteOpen", target, contextID, inviterID, validFor)
}

func (f *fakeAdmin) JoinOpen(_ context.Context, target node.Descriptor, invitation any, memberKey string) (admin.Result, error) {
	return f.record("JoinOpen", target, invitation, memberKey)
}

func (f *fakeAdmin) Execute(_ context.Context, target node.Descriptor, req admin.ExecuteRequest) (admin.Result, error) {
	res, err := f.record("Execute", target, req)
	if err != nil || f.execute == nil {
		return res, err
	}
	data, err := f.execute(req)
	return admin.Result{Data: data, Endpoint: target.Endpoint}, err
}

func (f *fakeAdmin) ListApplications(_ context.Context, target node.Descriptor) (admin.Result, error) {
	return f.record("ListApplications", target)
}

func (f *fakeAdmin) ListContexts(_ context.Context, target node.Descriptor) (admin.Result, error) {
	return f.record("ListContexts", target)
}

func (f *fakeAdmin) ContextState(_ context.Context, target node.Descriptor, contextID string) (admin.Result, error) {
	res, err := f.record("ContextState", target, contextID)
	if err != nil || f.state == nil {
		return res, err
	}
	data, err := f.state(target, contextID)
	return admin.Result{Data: data, Endpoint: target.Endpoint}, err
}

func (f *fakeAdmin) ListProposals(_ context.Context, target node.Descriptor, contextID string) (admin.Result, error) {
	return f.record("ListProposals", target, contextID)
}

func (f *fakeAdmin) GetProposal(_ context.Context, target node.Descriptor, contextID, proposalID string) (admin.Result, error) {
	return f.record("GetProposal", target, contextID, proposalID)
}

func (f *fakeAdmin) GetProposalApprovers(_ context.Context, target node.Descriptor, contextID, proposalID string) (admin.Result, error) {
	return f.record("GetProposalApprovers", target, contextID, proposalID)
}

func (f *fakeAdmin) UploadBlob(_ context.Context, target node.Descriptor, data []byte, contextID string) (admin.Result, error) {
	return f.record("UploadBlob", target, data, contextID)
}

// fakeNodes is an in-memory lifecycle.Manager.
type fakeNodes struct {
	mu       sync.Mutex
	running  map[string]bool
	started  []string
	stopped  []string
	execs    map[string][]string
	execEnv  map[string]string
	failExec map[string]bool
}

func newFakeNodes() *fakeNodes {
	return &fakeNodes{running: map[string]bool{}, execs: map[string][]string{}, failExec: map[string]bool{}}
}

func (f *fakeNodes) Start(_ context.Context, cfg lifecycle.NodeConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[cfg.Name] = true
	f.started = append(f.started, cfg.Name)
	return lifecycle.Endpoint(cfg.RPCPort), nil
}

func (f *fakeNodes) Stop(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, name)
	f.stopped = append(f.stopped, name)
	return nil
}

func (f *fakeNodes) StopAll(ctx context.Context) error {
	names, _ := f.Running(ctx)
	for _, name := range names {
		_ = f.Stop(ctx, name)
	}
	return nil
}

func (f *fakeNodes) IsRunning(_ context.Context, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[name]
}

func (f *fakeNodes) Running(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.running {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeNodes) Logs(_ context.Context, name string, _ int) (string, error) {
	return "logs of " + name, nil
}

func (f *fakeNodes) Exec(_ context.Context, name string, cmd []string, env map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs[name] = cmd
	f.execEnv = env
	if f.failExec[name] {
		return "", fmt.Errorf("exit status 1")
	}
	return "ran on " + name + "\n", nil
}

func (f *fakeNodes) Close() error { return nil }

var _ lifecycle.Manager = (*fakeNodes)(nil)

// newStep builds a step with kind-specific fields.
func newStep(name, kind string, fields map[string]any) config.Step {
	if fields == nil {
		fields = map[string]any{}
	}
	return config.Step{Name: name, Type: kind, Fields: fields}
}

func withOutputs(s config.Step, outputs map[string]string) config.Step {
	s.Outputs = outputs
	return s
}

func testRegistry() *node.Registry {
	r := node.NewRegistry()
	r.RegisterLocal("node-1", "http://localhost:2528")
	r.RegisterLocal("node-2", "http://localhost:2529")
	return r
}

func newTestDispatcher(t *testing.T, api AdminAPI, opts ...DispatcherOption) *Dispatcher {
	opts = append([]DispatcherOption{WithLogger(&TestLogger{t: t})}, opts...)
	return NewDispatcher(api, testRegistry(), opts...)
}

func newEnv(seed map[string]any) *store.Environment {
	return store.NewEnvironment(seed)
}

func bound(env *store.Environment, name string) bool {
	_, ok := env.Lookup(name)
	return ok
}
