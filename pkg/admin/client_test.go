package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/davidroman0O/meroflow/errors"
	"github.com/davidroman0O/meroflow/pkg/config"
	"github.com/davidroman0O/meroflow/pkg/node"
	"github.com/davidroman0O/meroflow/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1}
}

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(WithHTTPClient(srv.Client()), WithRetry(fastRetry()))
}

func target(srv *httptest.Server, auth node.Auth) node.Descriptor {
	return node.Descriptor{Name: "node-1", Kind: node.KindLocal, Endpoint: srv.URL, Auth: auth}
}

func TestInstallApplicationKeepsEnvelope(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, PathInstallDev, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"data":{"applicationId":"app-1"}}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv).InstallApplication(context.Background(), target(srv, node.Auth{}), InstallRequest{
		Path:     "/app/kv.wasm",
		Dev:      true,
		Metadata: []byte("hi"),
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"data": map[string]any{"applicationId": "app-1"}}, res.Data)
	assert.Equal(t, srv.URL+PathInstallDev, res.Endpoint)
	assert.Equal(t, "/app/kv.wasm", got["path"])
	assert.Equal(t, []any{104.0, 105.0}, got["metadata"])
}

func TestInstallApplicationRequiresSource(t *testing.T) {
	c := NewClient()
	_, err := c.InstallApplication(context.Background(), node.Descriptor{Endpoint: "http://x"}, InstallRequest{})
	assert.Equal(t, errors.ErrInvalidInput, errors.GetCode(err))

	_, err = c.InstallApplication(context.Background(), node.Descriptor{Endpoint: "http://x"}, InstallRequest{Dev: true})
	assert.Equal(t, errors.ErrInvalidInput, errors.GetCode(err))
}

func TestAuthHeaders(t *testing.T) {
	tests := []struct {
		name   string
		auth   node.Auth
		expect string
	}{
		{"none", node.Auth{Method: config.AuthNone}, ""},
		{"api key", node.Auth{Method: config.AuthAPIKey, APIKey: "k1"}, "Bearer k1"},
		{"basic", node.Auth{Method: config.AuthUserPassword, Username: "u", Password: "p"}, "Basic dTpw"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var header string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				header = r.Header.Get("Authorization")
				w.Write([]byte(`{"data":{}}`))
			}))
			defer srv.Close()

			require.NoError(t, newTestClient(srv).Health(context.Background(), target(srv, tt.auth)))
			assert.Equal(t, tt.expect, header)
		})
	}
}

func TestStatusCodes(t *testing.T) {
	tests := []struct {
		status   int
		code     errors.ErrorCode
		attempts int32
	}{
		{http.StatusUnauthorized, errors.ErrAuthentication, 1},
		{http.StatusForbidden, errors.ErrAuthentication, 1},
		{http.StatusNotFound, errors.ErrNotFound, 1},
		{http.StatusInternalServerError, errors.ErrUnknown, 1},
		{http.StatusServiceUnavailable, errors.ErrConnection, 3},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := newTestClient(srv).ListContexts(context.Background(), target(srv, node.Auth{}))
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.GetCode(err))
			assert.Equal(t, "GET "+PathContexts, err.(*errors.Error).Op)
			assert.Equal(t, tt.attempts, atomic.LoadInt32(&calls))
		})
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv).ListApplications(context.Background(), target(srv, node.Auth{}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"data": []any{}}, res.Data)
	assert.EqualValues(t, 3, calls)
}

func TestExecuteKeepsRPCEnvelope(t *testing.T) {
	var req map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathJSONRPC, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"output":"v1"}}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv).Execute(context.Background(), target(srv, node.Auth{}), ExecuteRequest{
		ContextID: "ctx-1",
		Method:    "set",
		Args:      map[string]any{"key": "k"},
		Executor:  "pk-1",
	})
	require.NoError(t, err)

	body := res.Data.(map[string]any)
	assert.Equal(t, map[string]any{"output": "v1"}, body["result"])

	assert.Equal(t, "execute", req["method"])
	params := req["params"].(map[string]any)
	assert.Equal(t, "ctx-1", params["contextId"])
	assert.Equal(t, "set", params["method"])
	assert.Equal(t, "pk-1", params["executorPublicKey"])
	assert.Equal(t, map[string]any{"key": "k"}, params["argsJson"])
}

func TestExecuteSurfacesRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"type":"FunctionCallError"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Execute(context.Background(), target(srv, node.Auth{}), ExecuteRequest{Method: "get"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FunctionCallError")
}

func TestProposalPaths(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	tg := target(srv, node.Auth{})
	ctx := context.Background()
	_, err := c.ListProposals(ctx, tg, "c1")
	require.NoError(t, err)
	_, err = c.GetProposal(ctx, tg, "c1", "p1")
	require.NoError(t, err)
	_, err = c.GetProposalApprovers(ctx, tg, "c1", "p1")
	require.NoError(t, err)
	_, err = c.ContextState(ctx, tg, "c1")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"/admin-api/contexts/c1/proposals",
		"/admin-api/contexts/c1/proposals/p1",
		"/admin-api/contexts/c1/proposals/p1/approvals/users",
		"/admin-api/contexts/c1",
	}, paths)
}

func TestCreateContextEncodesParams(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"data":{"contextId":"c1","memberPublicKey":"pk"}}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv).CreateContext(context.Background(), target(srv, node.Auth{}), "app-1", "near", "{}")
	require.NoError(t, err)
	data := res.Data.(map[string]any)["data"].(map[string]any)
	assert.Equal(t, "c1", data["contextId"])
	assert.Equal(t, "app-1", got["applicationId"])
	assert.Equal(t, "near", got["protocol"])
	assert.Equal(t, []any{123.0, 125.0}, got["initializationParams"])
}

func TestUploadBlobSendsRawBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, PathBlobs, r.URL.Path)
		assert.Equal(t, "ctx-1", r.URL.Query().Get("context_id"))
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x00, 0x01, 0xff}, body)
		w.Write([]byte(`{"data":{"blobId":"blob-1","size":3}}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv).UploadBlob(context.Background(), target(srv, node.Auth{}), []byte{0x00, 0x01, 0xff}, "ctx-1")
	require.NoError(t, err)
	data := res.Data.(map[string]any)["data"].(map[string]any)
	assert.Equal(t, "blob-1", data["blobId"])
	assert.Equal(t, float64(3), data["size"])
}
