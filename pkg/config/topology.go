package config

import (
	"fmt"
	"sort"
)

// generatorKeys mark the count-based form of the nodes block.
var generatorKeys = map[string]struct{}{
	"count":         {},
	"prefix":        {},
	"chain_id":      {},
	"image":         {},
	"base_port":     {},
	"base_rpc_port": {},
}

// nodeGenerator is the count-based nodes block.
type nodeGenerator struct {
	Count       int    `mapstructure:"count"`
	Prefix      string `mapstructure:"prefix"`
	ChainID     string `mapstructure:"chain_id"`
	Image       string `mapstructure:"image"`
	BasePort    int    `mapstructure:"base_port"`
	BaseRPCPort int    `mapstructure:"base_rpc_port"`
}

// nodeSpec is one explicitly named node.
type nodeSpec struct {
	Port    int    `mapstructure:"port"`
	RPCPort int    `mapstructure:"rpc_port"`
	Image   string `mapstructure:"image"`
	ChainID string `mapstructure:"chain_id"`
}

// IsGenerator reports whether the nodes block uses the count-based form.
func (w *WorkflowFile) IsGenerator() bool {
	_, ok := w.Nodes["count"]
	return ok
}

// Topology expands the nodes block into the list of local nodes to provision.
// Generated nodes are named prefix-1..prefix-count; explicit nodes are
// returned sorted by name, with ports defaulting to the base ports plus
// their position.
func (w *WorkflowFile) Topology() ([]LocalNode, error) {
	if len(w.Nodes) == 0 {
		return nil, nil
	}

	if w.IsGenerator() {
		gen := nodeGenerator{}
		if err := DecodeFields(w.Nodes, &gen); err != nil {
			return nil, fmt.Errorf("invalid nodes block: %w", err)
		}
		if gen.Count < 1 {
			return nil, fmt.Errorf("nodes.count must be at least 1, got %d", gen.Count)
		}
		gen.withDefaults()

		nodes := make([]LocalNode, 0, gen.Count)
		for i := 0; i < gen.Count; i++ {
			nodes = append(nodes, LocalNode{
				Name:    fmt.Sprintf("%s-%d", gen.Prefix, i+1),
				Image:   gen.Image,
				ChainID: gen.ChainID,
				Port:    gen.BasePort + i,
				RPCPort: gen.BaseRPCPort + i,
			})
		}
		return nodes, nil
	}

	names := make([]string, 0, len(w.Nodes))
	for name := range w.Nodes {
		if _, reserved := generatorKeys[name]; reserved {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	shared := nodeGenerator{}
	if err := DecodeFields(w.Nodes, &shared); err != nil {
		return nil, fmt.Errorf("invalid nodes block: %w", err)
	}
	shared.withDefaults()

	nodes := make([]LocalNode, 0, len(names))
	for i, name := range names {
		spec := nodeSpec{}
		if raw, ok := w.Nodes[name].(map[string]any); ok {
			if err := DecodeFields(raw, &spec); err != nil {
				return nil, fmt.Errorf("invalid node %q: %w", name, err)
			}
		} else if w.Nodes[name] != nil {
			return nil, fmt.Errorf("node %q must be a mapping", name)
		}

		node := LocalNode{
			Name:    name,
			Image:   spec.Image,
			ChainID: spec.ChainID,
			Port:    spec.Port,
			RPCPort: spec.RPCPort,
		}
		if node.Image == "" {
			node.Image = shared.Image
		}
		if node.ChainID == "" {
			node.ChainID = shared.ChainID
		}
		if node.Port == 0 {
			node.Port = shared.BasePort + i
		}
		if node.RPCPort == 0 {
			node.RPCPort = shared.BaseRPCPort + i
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// NodeNames lists the names of the declared local nodes.
func (w *WorkflowFile) NodeNames() []string {
	nodes, err := w.Topology()
	if err != nil {
		return nil
	}
	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Name
	}
	return names
}

func (g *nodeGenerator) withDefaults() {
	if g.Prefix == "" {
		g.Prefix = DefaultNodePrefix
	}
	if g.ChainID == "" {
		g.ChainID = DefaultChainID
	}
	if g.Image == "" {
		g.Image = DefaultImage
	}
	if g.BasePort == 0 {
		g.BasePort = DefaultBasePort
	}
	if g.BaseRPCPort == 0 {
		g.BaseRPCPort = DefaultBaseRPCPort
	}
}
