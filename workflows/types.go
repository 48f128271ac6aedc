package workflow

import (
	"context"
	"time"

	"github.com/davidroman0O/meroflow/pkg/admin"
	"github.com/davidroman0O/meroflow/pkg/node"
)

// StepResult is what a step handler produced.
type StepResult struct {
	Success bool
	Data    any
	Error   error
}

// StepOutcome records one dispatched step for the run result.
type StepOutcome struct {
	Name     string
	Kind     string
	Location string
	Status   StepStatus
	Data     any
	Error    error
	Duration time.Duration
	Warnings []string
}

// AdminAPI is the node admin surface the dispatcher drives.
// *admin.Client implements it.
type AdminAPI interface {
	Health(ctx context.Context, target node.Descriptor) error
	InstallApplication(ctx context.Context, target node.Descriptor, req admin.InstallRequest) (admin.Result, error)
	CreateContext(ctx context.Context, target node.Descriptor, applicationID, protocol string, params any) (admin.Result, error)
	CreateIdentity(ctx context.Context, target node.Descriptor) (admin.Result, error)
	Invite(ctx context.Context, target node.Descriptor, req admin.InviteRequest) (admin.Result, error)
	Join(ctx context.Context, target node.Descriptor, contextID, inviteeID string, invitation any) (admin.Result, error)
	InviteOpen(ctx context.Context, target node.Descriptor, contextID, inviterID string, validFor int) (admin.Result, error)
	JoinOpen(ctx context.Context, target node.Descriptor, invitation any, memberKey string) (admin.Result, error)
	Execute(ctx context.Context, target node.Descriptor, req admin.ExecuteRequest) (admin.Result, error)
	ListApplications(ctx context.Context, target node.Descriptor) (admin.Result, error)
	ListContexts(ctx context.Context, target node.Descriptor) (admin.Result, error)
	ContextState(ctx context.Context, target node.Descriptor, contextID string) (admin.Result, error)
	ListProposals(ctx context.Context, target node.Descriptor, contextID string) (admin.Result, error)
	GetProposal(ctx context.Context, target node.Descriptor, contextID, proposalID string) (admin.Result, error)
	GetProposalApprovers(ctx context.Context, target node.Descriptor, contextID, proposalID string) (admin.Result, error)
	UploadBlob(ctx context.Context, target node.Descriptor, data []byte, contextID string) (admin.Result, error)
}

var _ AdminAPI = (*admin.Client)(nil)
