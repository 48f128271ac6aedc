// Package readiness blocks until provisioned nodes are running and answer
// their admin health check.
package readiness

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/davidroman0O/meroflow/errors"
	"github.com/davidroman0O/meroflow/pkg/metrics"
	"github.com/davidroman0O/meroflow/pkg/node"
	"github.com/davidroman0O/meroflow/pkg/retry"
)

// DefaultInterval is the delay between two probes of the same node.
const DefaultInterval = 2 * time.Second

// RunningChecker reports whether a node's process or container is up.
type RunningChecker interface {
	IsRunning(ctx context.Context, name string) bool
}

// HealthChecker probes a node's admin API.
type HealthChecker interface {
	Health(ctx context.Context, target node.Descriptor) error
}

// Logger is the logging contract shared with the workflow engine.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// Target is a node to wait for.
type Target struct {
	Name     string
	Endpoint string
}

// Coordinator polls a set of nodes concurrently.
type Coordinator struct {
	running  RunningChecker
	health   HealthChecker
	interval time.Duration
	logger   Logger
	metrics  metrics.Recorder
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithInterval overrides the probe interval.
func WithInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records readiness timings.
func WithMetrics(m metrics.Recorder) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(running RunningChecker, health HealthChecker, opts ...Option) *Coordinator {
	c := &Coordinator{
		running:  running,
		health:   health,
		interval: DefaultInterval,
		logger:   nopLogger{},
		metrics:  (*metrics.Collectors)(nil),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WaitAll waits for every target to be running and healthy, or for timeout.
// Nodes that become ready are registered as local nodes in registry. When
// any node misses the window, the error lists every never-ready node.
func (c *Coordinator) WaitAll(ctx context.Context, targets []Target, timeout time.Duration, registry *node.Registry) error {
	if len(targets) == 0 {
		return nil
	}

	c.logger.Info("Waiting up to %s for %d node(s) to become ready", timeout, len(targets))

	var (
		mu       sync.Mutex
		notReady []string
		wg       sync.WaitGroup
	)

	for _, target := range targets {
		wg.Add(1)
		go func(target Target) {
			defer wg.Done()

			started := time.Now()
			err := c.waitOne(ctx, target, timeout)
			if err != nil {
				c.logger.Warn("Node %s not ready: %v", target.Name, err)
				mu.Lock()
				notReady = append(notReady, target.Name)
				mu.Unlock()
				return
			}

			elapsed := time.Since(started)
			c.metrics.NodeReady(target.Name, elapsed)
			c.logger.Info("Node %s ready after %s", target.Name, elapsed.Round(time.Millisecond))
			if registry != nil {
				registry.RegisterLocal(target.Name, target.Endpoint)
			}
		}(target)
	}
	wg.Wait()

	if len(notReady) > 0 {
		sort.Strings(notReady)
		c.metrics.NodesNotReady(len(notReady))
		return errors.ReadinessTimeout(notReady, timeout)
	}
	return nil
}

// Ready reports whether a single node is currently running and healthy.
func (c *Coordinator) Ready(ctx context.Context, target Target) bool {
	if !c.running.IsRunning(ctx, target.Name) {
		return false
	}
	probe := node.Descriptor{
		Name:     target.Name,
		Kind:     node.KindLocal,
		Endpoint: target.Endpoint,
		Auth:     node.Auth{Method: "none"},
	}
	if err := c.health.Health(ctx, probe); err != nil {
		c.logger.Debug("Health check for %s failed: %v", target.Name, err)
		return false
	}
	return true
}

func (c *Coordinator) waitOne(ctx context.Context, target Target, timeout time.Duration) error {
	return retry.Poll(ctx, c.interval, timeout, func(ctx context.Context) (bool, error) {
		return c.Ready(ctx, target), nil
	})
}
