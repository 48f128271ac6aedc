// Package config provides the workflow file model and loading utilities
package config

// Defaults applied to a loaded workflow when the file leaves a key unset.
const (
	DefaultMaxNestingDepth = 5
	DefaultTimeout         = 3600
	DefaultWaitTimeout     = 60
	DefaultLogLevel        = "debug"

	DefaultNodePrefix  = "calimero-node"
	DefaultChainID     = "testnet-1"
	DefaultImage       = "ghcr.io/calimero-network/merod:edge"
	DefaultBasePort    = 2428
	DefaultBaseRPCPort = 2528
)

// Auth methods accepted for remote nodes.
const (
	AuthNone         = "none"
	AuthUserPassword = "user_password"
	AuthAPIKey       = "api_key"
)

// WorkflowFile represents the top-level workflow file structure
type WorkflowFile struct {
	Name        string         `yaml:"name" json:"name" mapstructure:"name" jsonschema:"required"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty" mapstructure:"description"`
	Variables   map[string]any `yaml:"variables,omitempty" json:"variables,omitempty" mapstructure:"variables"`

	// Nodes is either a generator block (count, prefix, ...) or a map of
	// explicitly named nodes. Use Topology to interpret it.
	Nodes       map[string]any              `yaml:"nodes,omitempty" json:"nodes,omitempty" mapstructure:"nodes"`
	RemoteNodes map[string]RemoteNodeConfig `yaml:"remote_nodes,omitempty" json:"remote_nodes,omitempty" mapstructure:"remote_nodes"`

	Steps []Step `yaml:"steps" json:"steps" mapstructure:"steps"`

	MaxNestingDepth int    `yaml:"max_nesting_depth,omitempty" json:"max_nesting_depth,omitempty" mapstructure:"max_nesting_depth"`
	Timeout         int    `yaml:"timeout,omitempty" json:"timeout,omitempty" mapstructure:"timeout" jsonschema:"description=Overall workflow deadline in seconds"`
	WaitTimeout     int    `yaml:"wait_timeout,omitempty" json:"wait_timeout,omitempty" mapstructure:"wait_timeout" jsonschema:"description=Node readiness window in seconds"`
	StopAllNodes    bool   `yaml:"stop_all_nodes,omitempty" json:"stop_all_nodes,omitempty" mapstructure:"stop_all_nodes"`
	Restart         bool   `yaml:"restart,omitempty" json:"restart,omitempty" mapstructure:"restart"`
	LogLevel        string `yaml:"log_level,omitempty" json:"log_level,omitempty" mapstructure:"log_level"`
	ForcePullImage  bool   `yaml:"force_pull_image,omitempty" json:"force_pull_image,omitempty" mapstructure:"force_pull_image"`

	// Warnings collected while loading, such as unset environment variables.
	Warnings []string `yaml:"-" json:"-" mapstructure:"-"`
}

// RemoteNodeConfig describes a pre-existing node reachable over HTTP
type RemoteNodeConfig struct {
	URL         string      `yaml:"url" json:"url" mapstructure:"url" jsonschema:"required"`
	Auth        *AuthConfig `yaml:"auth,omitempty" json:"auth,omitempty" mapstructure:"auth"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty" mapstructure:"description"`
}

// AuthConfig contains remote node credentials
type AuthConfig struct {
	Method   string `yaml:"method" json:"method" mapstructure:"method" jsonschema:"enum=none,enum=user_password,enum=api_key"`
	Username string `yaml:"username,omitempty" json:"username,omitempty" mapstructure:"username"`
	Password string `yaml:"password,omitempty" json:"password,omitempty" mapstructure:"password"`
	APIKey   string `yaml:"api_key,omitempty" json:"api_key,omitempty" mapstructure:"api_key"`
}

// Step is one entry of a workflow. Kind-specific fields are kept raw in
// Fields and decoded by the handler for that kind.
type Step struct {
	Name    string            `yaml:"name" json:"name" mapstructure:"name" jsonschema:"required"`
	Type    string            `yaml:"type" json:"type" mapstructure:"type" jsonschema:"required"`
	Outputs map[string]string `yaml:"outputs,omitempty" json:"outputs,omitempty" mapstructure:"outputs"`

	// Steps is the body of a repeat step.
	Steps []Step `yaml:"steps,omitempty" json:"steps,omitempty" mapstructure:"steps"`
	// Groups are the branches of a parallel step.
	Groups []Group `yaml:"groups,omitempty" json:"groups,omitempty" mapstructure:"groups"`

	Fields map[string]any `yaml:",inline" json:"-" mapstructure:",remain"`
}

// Field returns a kind-specific field and whether it was present.
func (s Step) Field(name string) (any, bool) {
	v, ok := s.Fields[name]
	return v, ok
}

// Group is one branch of a parallel step. Count replicates the branch.
type Group struct {
	Name  string `yaml:"name" json:"name" mapstructure:"name" jsonschema:"required"`
	Count int    `yaml:"count,omitempty" json:"count,omitempty" mapstructure:"count"`
	Steps []Step `yaml:"steps" json:"steps" mapstructure:"steps"`
}

// LocalNode is one node the workflow provisions itself.
type LocalNode struct {
	Name    string
	Image   string
	ChainID string
	Port    int
	RPCPort int
}

// ApplyDefaults fills unset top-level keys.
func (w *WorkflowFile) ApplyDefaults() {
	if w.MaxNestingDepth == 0 {
		w.MaxNestingDepth = DefaultMaxNestingDepth
	}
	if w.Timeout == 0 {
		w.Timeout = DefaultTimeout
	}
	if w.WaitTimeout == 0 {
		w.WaitTimeout = DefaultWaitTimeout
	}
	if w.LogLevel == "" {
		w.LogLevel = DefaultLogLevel
	}
	if w.Variables == nil {
		w.Variables = map[string]any{}
	}
}

// HasNodeSource reports whether at least one local or remote node is declared.
func (w *WorkflowFile) HasNodeSource() bool {
	return len(w.Nodes) > 0 || len(w.RemoteNodes) > 0
}
