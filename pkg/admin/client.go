// Package admin is a client for the node admin API and the JSON-RPC
// endpoint used to execute context methods.
package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/davidroman0O/meroflow/errors"
	"github.com/davidroman0O/meroflow/pkg/config"
	"github.com/davidroman0O/meroflow/pkg/node"
	"github.com/davidroman0O/meroflow/pkg/retry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Admin API routes.
const (
	PathApplications       = "/admin-api/applications"
	PathInstallApplication = "/admin-api/install-application"
	PathInstallDev         = "/admin-api/install-dev-application"
	PathContexts           = "/admin-api/contexts"
	PathContextsInvite     = "/admin-api/contexts/invite"
	PathContextsInviteOpen = "/admin-api/contexts/invite-open"
	PathContextsJoin       = "/admin-api/contexts/join"
	PathJoinOpen           = "/admin-api/dev/contexts/join-open"
	PathIdentityContext    = "/admin-api/identity/context"
	PathBlobs              = "/admin-api/blobs"
	PathHealth             = "/admin-api/health"
	PathNodeInfo           = "/admin-api/node-info"
	PathJSONRPC            = "/jsonrpc"
)

// DefaultTimeout bounds a single HTTP exchange.
const DefaultTimeout = 30 * time.Second

// Result is the decoded payload of a successful call.
type Result struct {
	// Data is the decoded response body as the node sent it, including any
	// {"data": ...} envelope, so output paths read "data.<field>".
	Data any
	// Endpoint is the URL that answered.
	Endpoint string
}

// Client talks to node admin APIs.
type Client struct {
	http  *http.Client
	retry retry.Config
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithRetry replaces the retry policy for transient failures.
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) {
		c.retry = cfg
	}
}

// NewClient creates a Client. Requests are traced through the global
// OpenTelemetry provider.
func NewClient(opts ...Option) *Client {
	c := &Client{
		http: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		retry: retry.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health checks the admin API of a node.
func (c *Client) Health(ctx context.Context, target node.Descriptor) error {
	_, err := c.do(ctx, target, http.MethodGet, PathHealth, nil)
	return err
}

// NodeInfo returns the node's self description.
func (c *Client) NodeInfo(ctx context.Context, target node.Descriptor) (Result, error) {
	return c.do(ctx, target, http.MethodGet, PathNodeInfo, nil)
}

// do sends a JSON request, retrying transient failures, and decodes the
// body.
func (c *Client) do(ctx context.Context, target node.Descriptor, method, path string, body any) (Result, error) {
	if body == nil {
		return c.send(ctx, target, method, path, nil, nil, "")
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, errors.Wrap(err, errors.ErrInvalidInput, "cannot encode request")
	}
	return c.send(ctx, target, method, path, nil, payload, "application/json")
}

func (c *Client) send(ctx context.Context, target node.Descriptor, method, path string, query url.Values, payload []byte, contentType string) (Result, error) {
	endpoint, err := url.JoinPath(target.Endpoint, path)
	if err != nil {
		return Result{}, errors.Wrap(err, errors.ErrInvalidInput, fmt.Sprintf("bad endpoint for node %s", target.Name))
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var decoded any
	op := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Accept", "application/json")
		applyAuth(req, target.Auth)

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return retry.NewRetryableError(errors.Wrap(err, errors.ErrConnection, fmt.Sprintf("%s %s", method, endpoint)))
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.NewRetryableError(errors.Wrap(err, errors.ErrConnection, "reading response"))
		}
		if err := statusError(resp.StatusCode, method, endpoint, raw); err != nil {
			return err
		}

		decoded = nil
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, &decoded); err != nil {
				decoded = string(raw)
			}
		}
		return nil
	}

	if err := retry.WithBackoff(ctx, op, c.retry); err != nil {
		return Result{}, errors.WithOp(err, method+" "+path)
	}
	return Result{Data: decoded, Endpoint: endpoint}, nil
}

func applyAuth(req *http.Request, auth node.Auth) {
	switch auth.Method {
	case config.AuthUserPassword:
		req.SetBasicAuth(auth.Username, auth.Password)
	case config.AuthAPIKey:
		req.Header.Set("Authorization", "Bearer "+auth.APIKey)
	}
}

// statusError maps HTTP failures onto error codes. 5xx gateway errors are
// retried, everything else is final.
func statusError(status int, method, endpoint string, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := fmt.Sprintf("%s %s returned %d: %s", method, endpoint, status, truncate(body, 512))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.New(errors.ErrAuthentication, msg)
	case status == http.StatusNotFound:
		return errors.New(errors.ErrNotFound, msg)
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout:
		return retry.NewRetryableError(errors.New(errors.ErrConnection, msg))
	default:
		return errors.New(errors.ErrUnknown, msg)
	}
}

func truncate(b []byte, n int) string {
	s := string(bytes.TrimSpace(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
