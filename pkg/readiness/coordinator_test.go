package readiness

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/davidroman0O/meroflow/errors"
	"github.com/davidroman0O/meroflow/pkg/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCluster reports a node running once it has been probed readyAfter
// times. A negative readyAfter never becomes ready.
type fakeCluster struct {
	mu         sync.Mutex
	readyAfter map[string]int
	probes     map[string]int
}

func newFakeCluster(readyAfter map[string]int) *fakeCluster {
	return &fakeCluster{readyAfter: readyAfter, probes: make(map[string]int)}
}

func (f *fakeCluster) IsRunning(_ context.Context, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes[name]++
	after := f.readyAfter[name]
	return after >= 0 && f.probes[name] > after
}

func (f *fakeCluster) Health(_ context.Context, target node.Descriptor) error {
	if target.Endpoint == "" {
		return fmt.Errorf("no endpoint")
	}
	return nil
}

func targets(names ...string) []Target {
	out := make([]Target, len(names))
	for i, n := range names {
		out[i] = Target{Name: n, Endpoint: "http://localhost:" + fmt.Sprint(2528+i)}
	}
	return out
}

func TestWaitAllRegistersReadyNodes(t *testing.T) {
	cluster := newFakeCluster(map[string]int{"node-1": 0, "node-2": 2})
	c := NewCoordinator(cluster, cluster, WithInterval(5*time.Millisecond))
	registry := node.NewRegistry()

	err := c.WaitAll(context.Background(), targets("node-1", "node-2"), time.Second, registry)
	require.NoError(t, err)

	assert.Equal(t, []string{"node-1", "node-2"}, registry.LocalNames())
	d, ok := registry.Local("node-2")
	require.True(t, ok)
	assert.Equal(t, "http://localhost:2529", d.Endpoint)
}

func TestWaitAllListsNeverReadyNodes(t *testing.T) {
	cluster := newFakeCluster(map[string]int{"node-c": -1, "node-a": -1, "node-b": 0})
	c := NewCoordinator(cluster, cluster, WithInterval(5*time.Millisecond))
	registry := node.NewRegistry()

	err := c.WaitAll(context.Background(), targets("node-c", "node-b", "node-a"), 50*time.Millisecond, registry)
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
	assert.Equal(t, []string{"node-a", "node-c"}, errors.ReadinessNodes(err))
	assert.Contains(t, err.Error(), "node-a, node-c")

	assert.Equal(t, []string{"node-b"}, registry.LocalNames())
}

func TestWaitAllRequiresHealth(t *testing.T) {
	cluster := newFakeCluster(map[string]int{"node-1": 0})
	c := NewCoordinator(cluster, cluster, WithInterval(5*time.Millisecond))

	err := c.WaitAll(context.Background(), []Target{{Name: "node-1"}}, 30*time.Millisecond, nil)
	assert.Equal(t, []string{"node-1"}, errors.ReadinessNodes(err))
}

func TestWaitAllPollsConcurrently(t *testing.T) {
	cluster := newFakeCluster(map[string]int{"a": 3, "b": 3, "c": 3, "d": 3})
	c := NewCoordinator(cluster, cluster, WithInterval(20*time.Millisecond))

	started := time.Now()
	err := c.WaitAll(context.Background(), targets("a", "b", "c", "d"), 2*time.Second, nil)
	require.NoError(t, err)
	// Sequential polling would need at least 4 * 3 intervals.
	assert.Less(t, time.Since(started), 200*time.Millisecond)
}

func TestWaitAllEmpty(t *testing.T) {
	c := NewCoordinator(nil, nil)
	assert.NoError(t, c.WaitAll(context.Background(), nil, time.Second, nil))
}
