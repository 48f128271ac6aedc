package workflow

import (
	"context"
	"fmt"

	"github.com/davidroman0O/meroflow/errors"
	"github.com/davidroman0O/meroflow/pkg/lifecycle"
	"github.com/davidroman0O/meroflow/pkg/readiness"
)

// managedNodes resolves the nodes field to names this run provisioned.
// Remote nodes are refused: their lifecycle belongs to someone else.
func (d *Dispatcher) managedNodes(call *stepCall) ([]string, error) {
	if d.nodes == nil {
		return nil, fmt.Errorf("no node manager available")
	}
	refs := call.strings("nodes")
	if len(refs) == 0 {
		return nil, fmt.Errorf("field 'nodes' is empty")
	}
	names := make([]string, 0, len(refs))
	for _, ref := range refs {
		if _, ok := d.configs[ref]; ok {
			names = append(names, ref)
			continue
		}
		if desc, ok := d.registry.Remote(ref); ok {
			return nil, errors.Newf(errors.ErrInvalidInput, "node '%s' is remote (%s) and cannot be managed", ref, desc.Endpoint)
		}
		return nil, errors.NodeResolution(ref, "not a node provisioned by this workflow")
	}
	return names, nil
}

func stopNodes(ctx context.Context, d *Dispatcher, call *stepCall) (any, error) {
	names, err := d.managedNodes(call)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		call.log.Info("Stopping node %s", name)
		if err := d.nodes.Stop(ctx, name); err != nil {
			return nil, fmt.Errorf("failed to stop %s: %w", name, err)
		}
		d.setStopped(name, true)
	}
	return map[string]any{"stopped": names}, nil
}

// startNodes restarts stopped nodes with their original configuration and
// waits until they are ready again. The registry keeps the descriptors it
// had before the stop; a node's endpoint is derived from its fixed RPC port.
func startNodes(ctx context.Context, d *Dispatcher, call *stepCall) (any, error) {
	names, err := d.managedNodes(call)
	if err != nil {
		return nil, err
	}
	targets := make([]readiness.Target, 0, len(names))
	for _, name := range names {
		cfg := d.configs[name]
		endpoint := lifecycle.Endpoint(cfg.RPCPort)
		if d.nodes.IsRunning(ctx, name) {
			call.log.Info("Node %s is already running", name)
		} else {
			call.log.Info("Starting node %s", name)
			started, err := d.nodes.Start(ctx, cfg)
			if err != nil {
				return nil, fmt.Errorf("failed to start %s: %w", name, err)
			}
			if started != "" {
				endpoint = started
			}
		}
		targets = append(targets, readiness.Target{Name: name, Endpoint: endpoint})
	}
	if d.readiness != nil {
		if err := d.readiness.WaitAll(ctx, targets, d.waitTimeout, nil); err != nil {
			return nil, err
		}
	}
	for _, name := range names {
		d.setStopped(name, false)
	}
	return map[string]any{"started": names}, nil
}
