package node

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/davidroman0O/meroflow/errors"
	"github.com/davidroman0O/meroflow/pkg/config"
	"github.com/davidroman0O/meroflow/workflows/store"
)

// Registry holds the nodes known to a run. Local nodes are added by the
// readiness coordinator, remote ones from the merged configuration. The
// registry is read-only once steps start executing.
type Registry struct {
	mu     sync.RWMutex
	local  map[string]Descriptor
	remote map[string]Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		local:  make(map[string]Descriptor),
		remote: make(map[string]Descriptor),
	}
}

// NewRegistryFromConfig creates a registry holding the remote nodes of a
// merged workflow configuration.
func NewRegistryFromConfig(remote map[string]config.RemoteNodeConfig) *Registry {
	r := NewRegistry()
	for name, cfg := range remote {
		r.RegisterRemote(name, cfg.URL, AuthFromConfig(cfg.Auth))
	}
	return r
}

// RegisterLocal records a provisioned node that passed readiness.
func (r *Registry) RegisterLocal(name, endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local[name] = Descriptor{
		Name:     name,
		Kind:     KindLocal,
		Endpoint: strings.TrimRight(endpoint, "/"),
		Auth:     Auth{Method: config.AuthNone},
	}
}

// RegisterRemote records a named pre-existing node.
func (r *Registry) RegisterRemote(name, endpoint string, auth Auth) {
	if auth.Method == "" {
		auth.Method = config.AuthNone
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remote[name] = Descriptor{
		Name:     name,
		Kind:     KindRemote,
		Endpoint: strings.TrimRight(endpoint, "/"),
		Auth:     auth,
	}
}

// Local returns a provisioned node by name.
func (r *Registry) Local(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.local[name]
	return d, ok
}

// Remote returns a named remote node.
func (r *Registry) Remote(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.remote[name]
	return d, ok
}

// ByURL returns the remote node registered under the given URL. A trailing
// slash on either side is ignored.
func (r *Registry) ByURL(raw string) (Descriptor, bool) {
	want := strings.TrimRight(raw, "/")
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.remote {
		if d.Endpoint == want {
			return d, true
		}
	}
	return Descriptor{}, false
}

// LocalNames lists provisioned nodes, sorted.
func (r *Registry) LocalNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.local)
}

// RemoteNames lists named remote nodes, sorted.
func (r *Registry) RemoteNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.remote)
}

// Resolve maps a node reference to a descriptor:
//  1. a reference containing {{tokens}} is resolved through vars first;
//  2. an http(s) URL is an ad hoc remote node, authenticated with the
//     registry entry for that URL when there is one;
//  3. anything else is looked up among local nodes, then named remote nodes.
func (r *Registry) Resolve(ref string, vars Variables) (Descriptor, error) {
	if store.ContainsToken(ref) {
		if vars == nil {
			return Descriptor{}, errors.NodeResolution(ref, "reference contains variables but no environment was given")
		}
		resolved, err := vars.ResolveString(ref)
		if err != nil {
			return Descriptor{}, err
		}
		s, ok := resolved.(string)
		if !ok {
			return Descriptor{}, errors.NodeResolution(ref, fmt.Sprintf("resolved to %T, not a node name or url", resolved))
		}
		ref = s
	}

	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Descriptor{}, errors.NodeResolution(ref, "empty node reference")
	}

	if IsURL(ref) {
		endpoint := strings.TrimRight(ref, "/")
		if d, ok := r.ByURL(endpoint); ok {
			return d, nil
		}
		return Descriptor{
			Name:     StableName(endpoint),
			Kind:     KindRemote,
			Endpoint: endpoint,
			Auth:     Auth{Method: config.AuthNone},
		}, nil
	}

	if d, ok := r.Local(ref); ok {
		return d, nil
	}
	if d, ok := r.Remote(ref); ok {
		return d, nil
	}
	return Descriptor{}, errors.NodeResolution(ref, "not a local node, registered remote node or url")
}

// IsURL reports whether ref carries an http or https scheme.
func IsURL(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// StableName derives a deterministic name for an unregistered node URL,
// of the form remote-<host>-<hash8>.
func StableName(raw string) string {
	normalized := strings.ToLower(strings.TrimRight(raw, "/"))

	host := normalized
	if u, err := url.Parse(normalized); err == nil && u.Host != "" {
		host = u.Host
	}

	var b strings.Builder
	for _, c := range host {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	safe := b.String()
	if len(safe) > 50 {
		safe = safe[:50]
	}

	sum := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("remote-%s-%s", safe, hex.EncodeToString(sum[:])[:8])
}

func sortedKeys(m map[string]Descriptor) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
