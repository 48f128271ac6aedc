package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockConn records published messages and fails the first failures calls.
type mockConn struct {
	mu       sync.Mutex
	failures int
	subjects []string
	payloads [][]byte
}

func (m *mockConn) Publish(subj string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return errors.New("nats: connection closed")
	}
	m.subjects = append(m.subjects, subj)
	m.payloads = append(m.payloads, data)
	return nil
}

func TestPublishEncodesEvent(t *testing.T) {
	conn := &mockConn{}
	p := NewNATSPublisher(conn, "")

	err := p.Publish(context.Background(), Event{
		Type:     TypeStepFinished,
		RunID:    "r1",
		Workflow: "kv",
		Step:     "install",
		StepType: "install_application",
		Success:  Bool(true),
		Duration: 1.5,
	})
	require.NoError(t, err)

	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "meroflow.r1.step.finished", conn.subjects[0])

	var got map[string]any
	require.NoError(t, json.Unmarshal(conn.payloads[0], &got))
	assert.Equal(t, "install", got["step"])
	assert.Equal(t, true, got["success"])
	assert.Equal(t, 1.5, got["duration_seconds"])
	assert.NotEmpty(t, got["timestamp"])
}

func TestPublishRetries(t *testing.T) {
	conn := &mockConn{failures: 2}
	p := NewNATSPublisher(conn, "ci")
	p.retry.InitialDelay = time.Millisecond

	require.NoError(t, p.Publish(context.Background(), Event{Type: TypeRunStarted, RunID: "r2"}))
	assert.Equal(t, []string{"ci.r2.run.started"}, conn.subjects)
}

func TestPublishGivesUp(t *testing.T) {
	conn := &mockConn{failures: 10}
	p := NewNATSPublisher(conn, "ci")
	p.retry.InitialDelay = time.Millisecond

	assert.Error(t, p.Publish(context.Background(), Event{Type: TypeRunStarted, RunID: "r3"}))
	assert.Empty(t, conn.subjects)
}

func TestConnectRequiresURL(t *testing.T) {
	_, err := Connect(context.Background(), ConnectionConfig{})
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), Event{}))
	assert.NoError(t, p.Close())
}
