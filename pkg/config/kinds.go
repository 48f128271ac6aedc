package config

// Step kinds understood by the engine.
const (
	StepInstallApplication   = "install_application"
	StepCreateContext        = "create_context"
	StepCreateIdentity       = "create_identity"
	StepInviteIdentity       = "invite_identity"
	StepJoinContext          = "join_context"
	StepInviteOpen           = "invite_open"
	StepJoinOpen             = "join_open"
	StepCall                 = "call"
	StepWait                 = "wait"
	StepWaitForSync          = "wait_for_sync"
	StepRepeat               = "repeat"
	StepParallel             = "parallel"
	StepScript               = "script"
	StepAssert               = "assert"
	StepJSONAssert           = "json_assert"
	StepListApplications     = "list_applications"
	StepListContexts         = "list_contexts"
	StepListProposals        = "list_proposals"
	StepGetProposal          = "get_proposal"
	StepGetProposalApprovers = "get_proposal_approvers"
	StepStopNode             = "stop_node"
	StepStartNode            = "start_node"
	StepUploadBlob           = "upload_blob"
	StepRunWorkflow          = "run_workflow"
	StepRunWorkflows         = "run_workflows"
)

// run_workflows modes.
const (
	ModeParallel   = "parallel"
	ModeSequential = "sequential"
)

// Variables set by run_workflows in the enclosing environment.
const (
	WorkflowsSuccessCount = "workflows_success_count"
	WorkflowsFailureCount = "workflows_failure_count"
	WorkflowsTotalCount   = "workflows_total_count"
)

// Parallel failure modes.
const (
	FailSlow        = "fail_slow"
	FailFast        = "fail_fast"
	ContinueOnError = "continue_on_error"
)

// Script targets.
const (
	ScriptTargetLocal = "local"
	ScriptTargetNodes = "nodes"
)

// Variables bound read-only inside every repeat iteration.
var RepeatVariables = []string{"iteration", "iteration_index", "iteration_number", "total_iterations"}

// GroupIndexVariable is bound inside replicated parallel groups.
const GroupIndexVariable = "group_index"
