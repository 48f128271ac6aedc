package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/meroflow/errors"
	"github.com/davidroman0O/meroflow/pkg/admin"
	"github.com/davidroman0O/meroflow/pkg/config"
	"github.com/davidroman0O/meroflow/pkg/node"
)

func TestDispatcherCapturesOutputsForLaterSteps(t *testing.T) {
	api := newFakeAdmin()
	api.results["InstallApplication"] = map[string]any{"applicationId": "app-1"}
	api.results["CreateContext"] = map[string]any{"contextId": "ctx-1", "memberPublicKey": "pk-1"}
	api.results["Execute"] = map[string]any{"result": map[string]any{"output": `{"count": 3}`}}

	steps := []config.Step{
		withOutputs(newStep("install", config.StepInstallApplication, map[string]any{"node": "node-1", "path": "app.wasm", "dev": true}),
			map[string]string{"app_id": "applicationId"}),
		withOutputs(newStep("context", config.StepCreateContext, map[string]any{"node": "node-1", "application_id": "{{app_id}}"}),
			map[string]string{"context_id": "contextId", "member_key": "memberPublicKey"}),
		withOutputs(newStep("get", config.StepCall, map[string]any{
			"node":                "node-2",
			"context_id":          "{{context_id}}",
			"method":              "get",
			"args":                map[string]any{"key": "k-{{member_key}}"},
			"executor_public_key": "{{member_key}}",
		}), map[string]string{"count": "result.output.count"}),
	}

	env := newEnv(nil)
	d := newTestDispatcher(t, api)
	outcomes, err := d.Run(context.Background(), steps, env)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	created := api.Calls("CreateContext")
	require.Len(t, created, 1)
	assert.Equal(t, "app-1", created[0].Args[0])
	assert.Equal(t, DefaultProtocol, created[0].Args[1])

	executed := api.Calls("Execute")
	require.Len(t, executed, 1)
	assert.Equal(t, "node-2", executed[0].Node)
	req := executed[0].Args[0].(admin.ExecuteRequest)
	assert.Equal(t, "ctx-1", req.ContextID)
	assert.Equal(t, "pk-1", req.Executor)
	assert.Equal(t, map[string]any{"key": "k-pk-1"}, req.Args)

	count, ok := env.Lookup("count")
	require.True(t, ok)
	assert.Equal(t, float64(3), count)

	source, _ := env.Source("context_id")
	assert.Equal(t, "context", source)

	for _, o := range outcomes {
		assert.Equal(t, StatusSucceeded, o.Status)
	}
	assert.Equal(t, "steps[2]", outcomes[2].Location)
}

func TestDispatcherCapturesFromNodeEnvelope(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, admin.PathContexts, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"id":"ctx-1","memberPublicKey":"pk-1"}}`))
	}))
	defer srv.Close()

	registry := node.NewRegistry()
	registry.RegisterLocal("node-1", srv.URL)
	d := NewDispatcher(admin.NewClient(admin.WithHTTPClient(srv.Client())), registry, WithLogger(&TestLogger{t: t}))

	step := withOutputs(newStep("context", config.StepCreateContext, map[string]any{
		"node": "node-1", "application_id": "app-1",
	}), map[string]string{"context_id": "data.id", "member_key": "data.memberPublicKey"})

	env := newEnv(nil)
	outcomes, err := d.Run(context.Background(), []config.Step{step}, env)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Empty(t, outcomes[0].Warnings)
	assert.Equal(t, "app-1", body["applicationId"])

	contextID, ok := env.Lookup("context_id")
	require.True(t, ok)
	assert.Equal(t, "ctx-1", contextID)
	key, _ := env.Lookup("member_key")
	assert.Equal(t, "pk-1", key)
}

func TestDispatcherStopsAtFirstFailure(t *testing.T) {
	api := newFakeAdmin()
	api.errs["CreateIdentity"] = fmt.Errorf("node refused")

	steps := []config.Step{
		newStep("list", config.StepListApplications, map[string]any{"node": "node-1"}),
		newStep("identity", config.StepCreateIdentity, map[string]any{"node": "node-1"}),
		newStep("contexts", config.StepListContexts, map[string]any{"node": "node-1"}),
	}

	d := newTestDispatcher(t, api)
	outcomes, err := d.Run(context.Background(), steps, newEnv(nil))
	require.Error(t, err)
	assert.True(t, errors.IsStepExecution(err))
	assert.Contains(t, err.Error(), "identity")
	assert.Contains(t, err.Error(), "create_identity")
	assert.Contains(t, err.Error(), "node refused")

	require.Len(t, outcomes, 2)
	assert.Equal(t, StatusFailed, outcomes[1].Status)
	assert.Empty(t, api.Calls("ListContexts"))
}

func TestDispatcherFailsOnUnresolvedVariable(t *testing.T) {
	api := newFakeAdmin()
	steps := []config.Step{
		newStep("context", config.StepCreateContext, map[string]any{"node": "node-1", "application_id": "{{missing}}"}),
	}

	d := newTestDispatcher(t, api)
	outcomes, err := d.Run(context.Background(), steps, newEnv(nil))
	require.Error(t, err)
	assert.True(t, errors.IsUnresolvedVariable(err))
	assert.Contains(t, err.Error(), "missing")
	assert.Empty(t, api.Calls("CreateContext"))
	require.Len(t, outcomes, 1)
	assert.Equal(t, StatusFailed, outcomes[0].Status)
}

func TestDispatcherResolvesNodeReferences(t *testing.T) {
	api := newFakeAdmin()
	steps := []config.Step{
		newStep("by-token", config.StepCreateIdentity, map[string]any{"node": "{{target}}"}),
		newStep("by-url", config.StepCreateIdentity, map[string]any{"node": "http://10.0.0.5:2528"}),
	}

	d := newTestDispatcher(t, api)
	_, err := d.Run(context.Background(), steps, newEnv(map[string]any{"target": "node-2"}))
	require.NoError(t, err)

	calls := api.Calls("CreateIdentity")
	require.Len(t, calls, 2)
	assert.Equal(t, "node-2", calls[0].Node)
	assert.Contains(t, calls[1].Node, "remote-")
}

func TestDispatcherRejectsUnknownNode(t *testing.T) {
	api := newFakeAdmin()
	steps := []config.Step{newStep("identity", config.StepCreateIdentity, map[string]any{"node": "ghost"})}

	d := newTestDispatcher(t, api)
	_, err := d.Run(context.Background(), steps, newEnv(nil))
	require.Error(t, err)
	assert.True(t, errors.IsNodeResolution(err))
	assert.Empty(t, api.Calls("CreateIdentity"))
}

func TestDispatcherWarnsOnMissingOutputPath(t *testing.T) {
	api := newFakeAdmin()
	api.results["CreateIdentity"] = map[string]any{"publicKey": "pk"}
	steps := []config.Step{
		withOutputs(newStep("identity", config.StepCreateIdentity, map[string]any{"node": "node-1"}),
			map[string]string{"key": "publicKey", "secret": "privateKey"}),
	}

	env := newEnv(nil)
	d := newTestDispatcher(t, api)
	outcomes, err := d.Run(context.Background(), steps, env)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Len(t, outcomes[0].Warnings, 1)
	assert.Contains(t, outcomes[0].Warnings[0], "privateKey")
	assert.True(t, bound(env, "key"))
	assert.False(t, bound(env, "secret"))
}

func TestDispatcherUnknownKind(t *testing.T) {
	d := newTestDispatcher(t, newFakeAdmin())
	_, err := d.Run(context.Background(), []config.Step{newStep("odd", "teleport", nil)}, newEnv(nil))
	require.Error(t, err)
	assert.True(t, errors.IsStepExecution(err))
	assert.Contains(t, err.Error(), "teleport")
}

func TestDispatcherHonoursDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	api := newFakeAdmin()
	d := newTestDispatcher(t, api)
	_, err := d.Run(ctx, []config.Step{newStep("identity", config.StepCreateIdentity, map[string]any{"node": "node-1"})}, newEnv(nil))
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
	assert.Empty(t, api.Calls("CreateIdentity"))
}

func TestAdminStepFieldMapping(t *testing.T) {
	api := newFakeAdmin()
	steps := []config.Step{
		newStep("invite", config.StepInviteIdentity, map[string]any{
			"node": "node-1", "context_id": "ctx", "granter_id": "alice", "grantee_id": "bob",
		}),
		newStep("open", config.StepInviteOpen, map[string]any{"node": "node-1", "context_id": "ctx", "granter_id": "alice"}),
		newStep("join", config.StepJoinContext, map[string]any{
			"node": "node-2", "context_id": "ctx", "invitee_id": "bob", "invitation": `{"payload":"abc"}`,
		}),
		newStep("install", config.StepInstallApplication, map[string]any{
			"node": "node-1", "url": "https://example.com/app.wasm", "metadata": map[string]any{"v": 1},
		}),
		newStep("approvers", config.StepGetProposalApprovers, map[string]any{"node": "node-1", "context_id": "ctx", "proposal_id": "p1"}),
	}

	d := newTestDispatcher(t, api)
	_, err := d.Run(context.Background(), steps, newEnv(nil))
	require.NoError(t, err)

	invite := api.Calls("Invite")[0].Args[0].(admin.InviteRequest)
	assert.Equal(t, admin.InviteRequest{ContextID: "ctx", InviterID: "alice", InviteeID: "bob", Capability: DefaultCapability}, invite)

	open := api.Calls("InviteOpen")[0]
	assert.Equal(t, DefaultValidForBlocks, open.Args[2])

	join := api.Calls("Join")[0]
	assert.Equal(t, map[string]any{"payload": "abc"}, join.Args[2])

	install := api.Calls("InstallApplication")[0].Args[0].(admin.InstallRequest)
	assert.Equal(t, "https://example.com/app.wasm", install.URL)
	assert.JSONEq(t, `{"v":1}`, string(install.Metadata))

	approvers := api.Calls("GetProposalApprovers")[0]
	assert.Equal(t, []any{"ctx", "p1"}, approvers.Args)
}
