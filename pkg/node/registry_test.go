package node

import (
	"strings"
	"testing"

	"github.com/davidroman0O/meroflow/errors"
	"github.com/davidroman0O/meroflow/pkg/config"
	"github.com/davidroman0O/meroflow/workflows/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	r := NewRegistryFromConfig(map[string]config.RemoteNodeConfig{
		"staging": {
			URL:  "https://staging.example.com/",
			Auth: &config.AuthConfig{Method: config.AuthAPIKey, APIKey: "k-1"},
		},
		"shadowed": {URL: "https://shadow.example.com"},
	})
	r.RegisterLocal("node-1", "http://localhost:2528")
	r.RegisterLocal("shadowed", "http://localhost:2529")
	return r
}

func TestResolve(t *testing.T) {
	r := newTestRegistry()
	env := store.NewEnvironment(map[string]any{
		"target":     "node-1",
		"remote_url": "https://staging.example.com",
		"count":      3,
	})

	tests := []struct {
		name     string
		ref      string
		wantName string
		wantKind Kind
		wantAuth string
		wantURL  string
	}{
		{"local name", "node-1", "node-1", KindLocal, config.AuthNone, "http://localhost:2528"},
		{"named remote", "staging", "staging", KindRemote, config.AuthAPIKey, "https://staging.example.com"},
		{"local wins over remote name", "shadowed", "shadowed", KindLocal, config.AuthNone, "http://localhost:2529"},
		{"token to local", "{{target}}", "node-1", KindLocal, config.AuthNone, "http://localhost:2528"},
		{"registered url", "https://staging.example.com", "staging", KindRemote, config.AuthAPIKey, "https://staging.example.com"},
		{"registered url with slash", "https://staging.example.com/", "staging", KindRemote, config.AuthAPIKey, "https://staging.example.com"},
		{"token to url", "{{remote_url}}", "staging", KindRemote, config.AuthAPIKey, "https://staging.example.com"},
		{"ad hoc url", "http://10.0.0.7:2528/", "", KindRemote, config.AuthNone, "http://10.0.0.7:2528"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := r.Resolve(tt.ref, env)
			require.NoError(t, err)
			if tt.wantName != "" {
				assert.Equal(t, tt.wantName, d.Name)
			}
			assert.Equal(t, tt.wantKind, d.Kind)
			assert.Equal(t, tt.wantAuth, d.Auth.Method)
			assert.Equal(t, tt.wantURL, d.Endpoint)
		})
	}
}

func TestResolveFailures(t *testing.T) {
	r := newTestRegistry()
	env := store.NewEnvironment(map[string]any{"count": 3})

	_, err := r.Resolve("node-9", env)
	require.Error(t, err)
	assert.True(t, errors.IsNodeResolution(err))
	assert.Equal(t, "node-9", errors.GetContext(err)["node_ref"])

	_, err = r.Resolve("{{missing}}", env)
	assert.True(t, errors.IsUnresolvedVariable(err))

	_, err = r.Resolve("{{count}}", env)
	assert.True(t, errors.IsNodeResolution(err))

	_, err = r.Resolve("{{count}}", nil)
	assert.True(t, errors.IsNodeResolution(err))

	_, err = r.Resolve("  ", env)
	assert.True(t, errors.IsNodeResolution(err))
}

func TestStableName(t *testing.T) {
	a := StableName("https://Node.Example.com:8443/")
	b := StableName("https://node.example.com:8443")
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "remote-node_example_com_8443-"), a)
	assert.Len(t, strings.TrimPrefix(a, "remote-node_example_com_8443-"), 8)

	assert.NotEqual(t, a, StableName("https://other.example.com"))
}

func TestIsURL(t *testing.T) {
	assert.True(t, IsURL("http://localhost:2528"))
	assert.True(t, IsURL("https://x.example.com/path"))
	assert.False(t, IsURL("node-1"))
	assert.False(t, IsURL("localhost:2528"))
	assert.False(t, IsURL("ftp://x.example.com"))
}

func TestRegistryNames(t *testing.T) {
	r := newTestRegistry()
	assert.Equal(t, []string{"node-1", "shadowed"}, r.LocalNames())
	assert.Equal(t, []string{"shadowed", "staging"}, r.RemoteNames())
}
