// Package lifecycle starts, stops and inspects local nodes, either as
// Docker containers or as merod processes on the host.
package lifecycle

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Node home and ports inside a container.
const (
	ContainerHome    = "/app/data"
	ContainerP2PPort = 2428
	ContainerRPCPort = 2528

	// StopTimeout is the grace period before a node is killed.
	StopTimeout = 10 * time.Second

	// LabelNode marks containers managed by this package.
	LabelNode    = "calimero.node"
	LabelName    = "node.name"
	LabelChainID = "chain.id"
)

// NodeConfig describes a node to start.
type NodeConfig struct {
	Name     string
	Image    string
	ChainID  string
	Port     int
	RPCPort  int
	DataDir  string
	LogLevel string

	// ForcePull pulls the image even when it exists locally.
	ForcePull bool

	// Env holds extra environment variables for the node process.
	Env map[string]string
}

// Manager controls the lifecycle of local nodes.
type Manager interface {
	// Start provisions and starts a node, returning its RPC endpoint.
	Start(ctx context.Context, cfg NodeConfig) (string, error)

	// Stop stops and removes a node.
	Stop(ctx context.Context, name string) error

	// StopAll stops every node this manager knows about.
	StopAll(ctx context.Context) error

	// IsRunning reports whether the node's process or container is up.
	IsRunning(ctx context.Context, name string) bool

	// Running lists running node names.
	Running(ctx context.Context) ([]string, error)

	// Logs returns the last tail lines of a node's output. A tail of 0
	// returns everything.
	Logs(ctx context.Context, name string, tail int) (string, error)

	// Exec runs a command next to the node and returns its stdout.
	Exec(ctx context.Context, name string, cmd []string, env map[string]string) (string, error)

	// Close releases resources held by the manager. Nodes keep running.
	Close() error
}

// Endpoint is the admin URL of a node listening on rpcPort on this host.
func Endpoint(rpcPort int) string {
	return fmt.Sprintf("http://localhost:%d", rpcPort)
}

// InitCommand initializes a node home.
func InitCommand(home, name string, rpcPort, p2pPort int) []string {
	return []string{
		"merod",
		"--home", home,
		"--node", name,
		"init",
		"--server-host", "0.0.0.0",
		"--server-port", strconv.Itoa(rpcPort),
		"--swarm-port", strconv.Itoa(p2pPort),
	}
}

// RunCommand runs an initialized node.
func RunCommand(home, name string) []string {
	return []string{"merod", "--home", home, "--node", name, "run"}
}

// nodeEnv is the environment every node process gets.
func nodeEnv(cfg NodeConfig, home string) map[string]string {
	env := map[string]string{
		"CALIMERO_HOME":  home,
		"NODE_NAME":      cfg.Name,
		"RUST_LOG":       cfg.LogLevel,
		"RUST_BACKTRACE": "0",
	}
	if env["RUST_LOG"] == "" {
		env["RUST_LOG"] = "info"
	}
	for k, v := range cfg.Env {
		env[k] = v
	}
	return env
}
