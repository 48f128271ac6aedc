// Package events publishes workflow progress to NATS so that dashboards and
// CI pipelines can follow a run without tailing its logs.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/davidroman0O/meroflow/pkg/retry"
	"github.com/nats-io/nats.go"
)

// Event types.
const (
	TypeRunStarted       = "run.started"
	TypeNodesReady       = "nodes.ready"
	TypeStepStarted      = "step.started"
	TypeStepFinished     = "step.finished"
	TypeRunFinished      = "run.finished"
	DefaultSubjectPrefix = "meroflow"
)

// Event is one progress notification.
type Event struct {
	Type      string         `json:"type"`
	RunID     string         `json:"run_id"`
	Workflow  string         `json:"workflow"`
	Step      string         `json:"step,omitempty"`
	StepType  string         `json:"step_type,omitempty"`
	Success   *bool          `json:"success,omitempty"`
	Error     string         `json:"error,omitempty"`
	Duration  float64        `json:"duration_seconds,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Conn is the subset of *nats.Conn used by NATSPublisher.
type Conn interface {
	Publish(subj string, data []byte) error
}

// NATSPublisher publishes events on <prefix>.<run id>.<type>.
type NATSPublisher struct {
	conn   Conn
	prefix string
	retry  retry.Config
	close  func() error
}

// NewNATSPublisher wraps an established connection.
func NewNATSPublisher(conn Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	cfg := retry.DefaultConfig()
	cfg.InitialDelay = 200 * time.Millisecond
	return &NATSPublisher{
		conn:   conn,
		prefix: prefix,
		retry:  cfg,
		close:  func() error { return nil },
	}
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(ev Event) string {
	return strings.Join([]string{p.prefix, ev.RunID, ev.Type}, ".")
}

// Publish implements Publisher. Failed publishes are retried.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	subject := p.Subject(ev)
	return retry.WithBackoff(ctx, func(context.Context) error {
		if err := p.conn.Publish(subject, data); err != nil {
			return retry.NewRetryableError(err)
		}
		return nil
	}, p.retry)
}

// Close drains the underlying connection when the publisher owns it.
func (p *NATSPublisher) Close() error {
	return p.close()
}

// ConnectionConfig holds configuration for the NATS connection
type ConnectionConfig struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
	Token         string
	Username      string
	Password      string
	SubjectPrefix string
}

// DefaultConnectionConfig returns a configuration with sensible defaults
func DefaultConnectionConfig(url string) ConnectionConfig {
	return ConnectionConfig{
		URL:           url,
		Name:          "meroflow",
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
		SubjectPrefix: DefaultSubjectPrefix,
	}
}

// Connect dials NATS and returns a publisher owning the connection.
func Connect(ctx context.Context, cfg ConnectionConfig) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("NATS URL cannot be empty")
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	} else if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(cfg.URL, opts...)
		resultCh <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", res.err)
		}
		p := NewNATSPublisher(res.conn, cfg.SubjectPrefix)
		p.close = func() error {
			if err := res.conn.Drain(); err != nil {
				res.conn.Close()
				return fmt.Errorf("error draining connection: %w", err)
			}
			return nil
		}
		return p, nil
	}
}

// Bool returns a pointer to b, for Event.Success.
func Bool(b bool) *bool {
	return &b
}
