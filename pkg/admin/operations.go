package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/davidroman0O/meroflow/errors"
	"github.com/davidroman0O/meroflow/pkg/node"
)

// InstallRequest installs an application from a URL or, in dev mode, from a
// path on the node's filesystem.
type InstallRequest struct {
	URL      string
	Path     string
	Dev      bool
	Metadata []byte
}

// InstallApplication installs an application on target.
func (c *Client) InstallApplication(ctx context.Context, target node.Descriptor, req InstallRequest) (Result, error) {
	metadata := byteList(req.Metadata)
	if req.Dev {
		if req.Path == "" {
			return Result{}, errors.New(errors.ErrInvalidInput, "dev install requires a path")
		}
		return c.do(ctx, target, http.MethodPost, PathInstallDev, map[string]any{
			"path":     req.Path,
			"metadata": metadata,
		})
	}
	if req.URL == "" {
		return Result{}, errors.New(errors.ErrInvalidInput, "install requires a url")
	}
	return c.do(ctx, target, http.MethodPost, PathInstallApplication, map[string]any{
		"url":      req.URL,
		"metadata": metadata,
	})
}

// UploadBlob stores data in the node's blob store, optionally announcing it
// within a context.
func (c *Client) UploadBlob(ctx context.Context, target node.Descriptor, data []byte, contextID string) (Result, error) {
	var query url.Values
	if contextID != "" {
		query = url.Values{"context_id": {contextID}}
	}
	return c.send(ctx, target, http.MethodPut, PathBlobs, query, data, "application/octet-stream")
}

// ListApplications lists installed applications.
func (c *Client) ListApplications(ctx context.Context, target node.Descriptor) (Result, error) {
	return c.do(ctx, target, http.MethodGet, PathApplications, nil)
}

// CreateContext creates a context for applicationID.
func (c *Client) CreateContext(ctx context.Context, target node.Descriptor, applicationID, protocol string, params any) (Result, error) {
	initParams, err := encodeParams(params)
	if err != nil {
		return Result{}, err
	}
	return c.do(ctx, target, http.MethodPost, PathContexts, map[string]any{
		"applicationId":        applicationID,
		"protocol":             protocol,
		"initializationParams": initParams,
	})
}

// ListContexts lists contexts the node is a member of.
func (c *Client) ListContexts(ctx context.Context, target node.Descriptor) (Result, error) {
	return c.do(ctx, target, http.MethodGet, PathContexts, nil)
}

// ContextState returns a context's metadata, including its root hash.
func (c *Client) ContextState(ctx context.Context, target node.Descriptor, contextID string) (Result, error) {
	return c.do(ctx, target, http.MethodGet, PathContexts+"/"+contextID, nil)
}

// CreateIdentity generates a new context identity key pair.
func (c *Client) CreateIdentity(ctx context.Context, target node.Descriptor) (Result, error) {
	return c.do(ctx, target, http.MethodPost, PathIdentityContext, map[string]any{})
}

// InviteRequest asks a member to invite another identity into a context.
type InviteRequest struct {
	ContextID  string
	InviterID  string
	InviteeID  string
	Capability string
}

// Invite creates an invitation for req.InviteeID to join req.ContextID.
func (c *Client) Invite(ctx context.Context, target node.Descriptor, req InviteRequest) (Result, error) {
	body := map[string]any{
		"contextId": req.ContextID,
		"inviterId": req.InviterID,
		"inviteeId": req.InviteeID,
	}
	if req.Capability != "" {
		body["capability"] = req.Capability
	}
	return c.do(ctx, target, http.MethodPost, PathContextsInvite, body)
}

// Join accepts an invitation.
func (c *Client) Join(ctx context.Context, target node.Descriptor, contextID, inviteeID string, invitation any) (Result, error) {
	return c.do(ctx, target, http.MethodPost, PathContextsJoin, map[string]any{
		"contextId":         contextID,
		"inviteeId":         inviteeID,
		"invitationPayload": invitation,
	})
}

// InviteOpen creates an invitation any identity may redeem until validFor
// blocks have passed.
func (c *Client) InviteOpen(ctx context.Context, target node.Descriptor, contextID, inviterID string, validFor int) (Result, error) {
	return c.do(ctx, target, http.MethodPost, PathContextsInviteOpen, map[string]any{
		"contextId":      contextID,
		"inviterId":      inviterID,
		"validForBlocks": validFor,
	})
}

// JoinOpen redeems an open invitation with a new member key.
func (c *Client) JoinOpen(ctx context.Context, target node.Descriptor, invitation any, memberKey string) (Result, error) {
	return c.do(ctx, target, http.MethodPost, PathJoinOpen, map[string]any{
		"invitation":         invitation,
		"newMemberPublicKey": memberKey,
	})
}

// ExecuteRequest invokes a method of a context's application.
type ExecuteRequest struct {
	ContextID string
	Method    string
	Args      any
	Executor  string
}

// Execute calls a context method over JSON-RPC. The full JSON-RPC response
// is returned so callers can capture "result.output".
func (c *Client) Execute(ctx context.Context, target node.Descriptor, req ExecuteRequest) (Result, error) {
	args := req.Args
	if args == nil {
		args = map[string]any{}
	}
	res, err := c.do(ctx, target, http.MethodPost, PathJSONRPC, map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "execute",
		"params": map[string]any{
			"contextId":         req.ContextID,
			"method":            req.Method,
			"argsJson":          args,
			"executorPublicKey": req.Executor,
		},
	})
	if err != nil {
		return Result{}, err
	}
	if body, ok := res.Data.(map[string]any); ok {
		if rpcErr, ok := body["error"]; ok && rpcErr != nil {
			raw, _ := json.Marshal(rpcErr)
			return res, errors.Newf(errors.ErrUnknown, "%s returned error: %s", req.Method, raw)
		}
	}
	return res, nil
}

// ListProposals lists governance proposals of a context.
func (c *Client) ListProposals(ctx context.Context, target node.Descriptor, contextID string) (Result, error) {
	return c.do(ctx, target, http.MethodGet, proposalsPath(contextID), nil)
}

// GetProposal fetches one proposal.
func (c *Client) GetProposal(ctx context.Context, target node.Descriptor, contextID, proposalID string) (Result, error) {
	return c.do(ctx, target, http.MethodGet, proposalsPath(contextID)+"/"+proposalID, nil)
}

// GetProposalApprovers lists the members that approved a proposal.
func (c *Client) GetProposalApprovers(ctx context.Context, target node.Descriptor, contextID, proposalID string) (Result, error) {
	path := proposalsPath(contextID) + "/" + proposalID + "/approvals/users"
	return c.do(ctx, target, http.MethodGet, path, nil)
}

func proposalsPath(contextID string) string {
	return PathContexts + "/" + contextID + "/proposals"
}

// encodeParams turns step-provided init params into the byte array form the
// API expects. Strings are sent as their UTF-8 bytes, everything else as JSON.
func encodeParams(params any) (byteList, error) {
	switch p := params.(type) {
	case nil:
		return byteList{}, nil
	case string:
		return byteList(p), nil
	case []byte:
		return byteList(p), nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrInvalidInput, "cannot encode initialization params")
		}
		return byteList(raw), nil
	}
}

// byteList marshals as a JSON array of numbers rather than base64.
type byteList []byte

func (b byteList) MarshalJSON() ([]byte, error) {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return json.Marshal(out)
}
