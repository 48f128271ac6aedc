package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/davidroman0O/meroflow/errors"
	"github.com/davidroman0O/meroflow/pkg/admin"
)

// DefaultCapability is granted by invite_identity when none is given.
const DefaultCapability = "member"

func (d *Dispatcher) api() (AdminAPI, error) {
	if d.admin == nil {
		return nil, fmt.Errorf("no admin client configured")
	}
	return d.admin, nil
}

// adminCall runs one admin operation and returns its payload.
func adminCall(d *Dispatcher, op func(api AdminAPI) (admin.Result, error)) (any, error) {
	api, err := d.api()
	if err != nil {
		return nil, err
	}
	res, err := op(api)
	return res.Data, err
}

func installApplication(ctx context.Context, d *Dispatcher, call *stepCall) (any, error) {
	metadata, err := metadataBytes(call.fields["metadata"])
	if err != nil {
		return nil, err
	}
	req := admin.InstallRequest{
		URL:      call.str("url"),
		Path:     call.str("path"),
		Dev:      call.boolean("dev"),
		Metadata: metadata,
	}
	call.log.Debug("Installing application on %s (dev=%t)", call.target.Name, req.Dev)
	return adminCall(d, func(api AdminAPI) (admin.Result, error) {
		return api.InstallApplication(ctx, call.target, req)
	})
}

// metadataBytes accepts text as-is and encodes anything else as JSON.
func metadataBytes(v any) ([]byte, error) {
	switch m := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(m), nil
	case []byte:
		return m, nil
	default:
		raw, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("metadata is not serializable: %w", err)
		}
		return raw, nil
	}
}

func createContext(ctx context.Context, d *Dispatcher, call *stepCall) (any, error) {
	appID, err := call.require("application_id")
	if err != nil {
		return nil, err
	}
	protocol := call.strOr("protocol", DefaultProtocol)
	return adminCall(d, func(api AdminAPI) (admin.Result, error) {
		return api.CreateContext(ctx, call.target, appID, protocol, call.payload("params"))
	})
}

func createIdentity(ctx context.Context, d *Dispatcher, call *stepCall) (any, error) {
	return adminCall(d, func(api AdminAPI) (admin.Result, error) {
		return api.CreateIdentity(ctx, call.target)
	})
}

func inviteIdentity(ctx context.Context, d *Dispatcher, call *stepCall) (any, error) {
	req := admin.InviteRequest{
		ContextID:  call.str("context_id"),
		InviterID:  call.str("granter_id"),
		InviteeID:  call.str("grantee_id"),
		Capability: call.strOr("capability", DefaultCapability),
	}
	for _, name := range []string{"context_id", "granter_id", "grantee_id"} {
		if _, err := call.require(name); err != nil {
			return nil, err
		}
	}
	return adminCall(d, func(api AdminAPI) (admin.Result, error) {
		return api.Invite(ctx, call.target, req)
	})
}

func joinContext(ctx context.Context, d *Dispatcher, call *stepCall) (any, error) {
	contextID, err := call.require("context_id")
	if err != nil {
		return nil, err
	}
	invitee, err := call.require("invitee_id")
	if err != nil {
		return nil, err
	}
	return adminCall(d, func(api AdminAPI) (admin.Result, error) {
		return api.Join(ctx, call.target, contextID, invitee, call.payload("invitation"))
	})
}

func inviteOpen(ctx context.Context, d *Dispatcher, call *stepCall) (any, error) {
	contextID, err := call.require("context_id")
	if err != nil {
		return nil, err
	}
	inviter, err := call.require("granter_id")
	if err != nil {
		return nil, err
	}
	validFor, err := call.intOr("valid_for_blocks", DefaultValidForBlocks)
	if err != nil {
		return nil, err
	}
	return adminCall(d, func(api AdminAPI) (admin.Result, error) {
		return api.InviteOpen(ctx, call.target, contextID, inviter, validFor)
	})
}

func joinOpen(ctx context.Context, d *Dispatcher, call *stepCall) (any, error) {
	invitee, err := call.require("invitee_id")
	if err != nil {
		return nil, err
	}
	return adminCall(d, func(api AdminAPI) (admin.Result, error) {
		return api.JoinOpen(ctx, call.target, call.payload("invitation"), invitee)
	})
}

func callMethod(ctx context.Context, d *Dispatcher, call *stepCall) (any, error) {
	req := admin.ExecuteRequest{
		ContextID: call.str("context_id"),
		Method:    call.str("method"),
		Args:      call.payload("args"),
		Executor:  call.str("executor_public_key"),
	}
	if req.ContextID == "" || req.Method == "" {
		return nil, fmt.Errorf("call needs both 'context_id' and 'method'")
	}
	call.log.Debug("Calling %s on %s", req.Method, call.target.Name)
	return adminCall(d, func(api AdminAPI) (admin.Result, error) {
		return api.Execute(ctx, call.target, req)
	})
}

func listApplications(ctx context.Context, d *Dispatcher, call *stepCall) (any, error) {
	return adminCall(d, func(api AdminAPI) (admin.Result, error) {
		return api.ListApplications(ctx, call.target)
	})
}

func listContexts(ctx context.Context, d *Dispatcher, call *stepCall) (any, error) {
	return adminCall(d, func(api AdminAPI) (admin.Result, error) {
		return api.ListContexts(ctx, call.target)
	})
}

func listProposals(ctx context.Context, d *Dispatcher, call *stepCall) (any, error) {
	contextID, err := call.require("context_id")
	if err != nil {
		return nil, err
	}
	return adminCall(d, func(api AdminAPI) (admin.Result, error) {
		return api.ListProposals(ctx, call.target, contextID)
	})
}

func getProposal(ctx context.Context, d *Dispatcher, call *stepCall) (any, error) {
	contextID, proposalID, err := proposalRef(call)
	if err != nil {
		return nil, err
	}
	return adminCall(d, func(api AdminAPI) (admin.Result, error) {
		return api.GetProposal(ctx, call.target, contextID, proposalID)
	})
}

func getProposalApprovers(ctx context.Context, d *Dispatcher, call *stepCall) (any, error) {
	contextID, proposalID, err := proposalRef(call)
	if err != nil {
		return nil, err
	}
	return adminCall(d, func(api AdminAPI) (admin.Result, error) {
		return api.GetProposalApprovers(ctx, call.target, contextID, proposalID)
	})
}

func proposalRef(call *stepCall) (string, string, error) {
	contextID, err := call.require("context_id")
	if err != nil {
		return "", "", err
	}
	proposalID, err := call.require("proposal_id")
	if err != nil {
		return "", "", err
	}
	return contextID, proposalID, nil
}

// uploadBlob stores a local file in the node's blob store. Relative paths
// resolve against the working directory.
func uploadBlob(ctx context.Context, d *Dispatcher, call *stepCall) (any, error) {
	path, err := call.require("file_path")
	if err != nil {
		return nil, err
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(d.workDir, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrNotFound, fmt.Sprintf("blob file %s", path))
	}
	if info.IsDir() {
		return nil, errors.Newf(errors.ErrInvalidInput, "blob file %s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	call.log.Info("Uploading %s (%d bytes) to %s", filepath.Base(path), len(data), call.target.Name)
	return adminCall(d, func(api AdminAPI) (admin.Result, error) {
		return api.UploadBlob(ctx, call.target, data, call.str("context_id"))
	})
}
