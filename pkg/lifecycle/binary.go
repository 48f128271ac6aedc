package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/davidroman0O/meroflow/errors"
	"go.uber.org/zap"
)

// binaryProcess is a node started by BinaryManager.
type binaryProcess struct {
	cmd     *exec.Cmd
	logPath string
	done    chan struct{}
}

// BinaryManager runs nodes as merod processes on the host.
type BinaryManager struct {
	binary  string
	dataDir string
	logger  *zap.Logger

	mu    sync.Mutex
	nodes map[string]*binaryProcess
}

// BinaryOption configures a BinaryManager.
type BinaryOption func(*BinaryManager)

// WithBinaryDataDir sets the directory holding node homes and logs.
func WithBinaryDataDir(dir string) BinaryOption {
	return func(m *BinaryManager) {
		m.dataDir = dir
	}
}

// WithBinaryLogger sets the logger.
func WithBinaryLogger(l *zap.Logger) BinaryOption {
	return func(m *BinaryManager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewBinaryManager creates a manager for the merod binary at path. A bare
// name is looked up in PATH.
func NewBinaryManager(path string, opts ...BinaryOption) (*BinaryManager, error) {
	if path == "" {
		path = "merod"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrNotFound, fmt.Sprintf("node binary %s not found", path))
	}

	m := &BinaryManager{
		binary:  resolved,
		dataDir: "data",
		logger:  zap.NewNop(),
		nodes:   make(map[string]*binaryProcess),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start implements Manager.Start. The node listens on the host ports from
// cfg directly.
func (m *BinaryManager) Start(ctx context.Context, cfg NodeConfig) (string, error) {
	if m.IsRunning(ctx, cfg.Name) {
		if err := m.Stop(ctx, cfg.Name); err != nil {
			return "", err
		}
	}

	home := cfg.DataDir
	if home == "" {
		home = filepath.Join(m.dataDir, cfg.Name)
	}
	home, err := filepath.Abs(home)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrInvalidInput, "bad data dir")
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return "", errors.Wrap(err, errors.ErrUnknown, fmt.Sprintf("cannot create data dir %s", home))
	}

	env := nodeEnv(cfg, home)

	if _, err := os.Stat(filepath.Join(home, cfg.Name, "config.toml")); os.IsNotExist(err) {
		m.logger.Info("Initializing node", zap.String("node", cfg.Name))
		args := InitCommand(home, cfg.Name, cfg.RPCPort, cfg.Port)[1:]
		initCmd := exec.CommandContext(ctx, m.binary, args...)
		initCmd.Env = mergeEnv(os.Environ(), env)
		if out, err := initCmd.CombinedOutput(); err != nil {
			return "", errors.Wrap(err, errors.ErrUnknown, fmt.Sprintf("init of %s failed: %s", cfg.Name, strings.TrimSpace(string(out))))
		}
	}

	logPath := filepath.Join(home, "node.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrUnknown, "cannot open node log")
	}

	// The node outlives the start request, so it is not bound to ctx.
	cmd := exec.Command(m.binary, RunCommand(home, cfg.Name)[1:]...)
	cmd.Env = mergeEnv(os.Environ(), env)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return "", errors.Wrap(err, errors.ErrUnknown, fmt.Sprintf("failed to start %s", cfg.Name))
	}

	proc := &binaryProcess{cmd: cmd, logPath: logPath, done: make(chan struct{})}
	go func() {
		cmd.Wait()
		logFile.Close()
		close(proc.done)
	}()

	m.mu.Lock()
	m.nodes[cfg.Name] = proc
	m.mu.Unlock()

	m.logger.Info("Node process started",
		zap.String("node", cfg.Name),
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("rpc_port", cfg.RPCPort))
	return Endpoint(cfg.RPCPort), nil
}

// Stop implements Manager.Stop. The process group gets SIGTERM, then SIGKILL
// after StopTimeout.
func (m *BinaryManager) Stop(ctx context.Context, name string) error {
	m.mu.Lock()
	proc, ok := m.nodes[name]
	delete(m.nodes, name)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	pgid := -proc.cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	timer := time.NewTimer(StopTimeout)
	defer timer.Stop()
	select {
	case <-proc.done:
	case <-timer.C:
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		<-proc.done
	case <-ctx.Done():
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		return ctx.Err()
	}

	m.logger.Info("Node stopped", zap.String("node", name))
	return nil
}

// StopAll implements Manager.StopAll.
func (m *BinaryManager) StopAll(ctx context.Context) error {
	names, _ := m.Running(ctx)
	var lastErr error
	for _, name := range names {
		if err := m.Stop(ctx, name); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// IsRunning implements Manager.IsRunning.
func (m *BinaryManager) IsRunning(_ context.Context, name string) bool {
	m.mu.Lock()
	proc, ok := m.nodes[name]
	m.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-proc.done:
		return false
	default:
		return true
	}
}

// Running implements Manager.Running.
func (m *BinaryManager) Running(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	names := make([]string, 0, len(m.nodes))
	for name := range m.nodes {
		names = append(names, name)
	}
	m.mu.Unlock()

	running := names[:0]
	for _, name := range names {
		if m.IsRunning(ctx, name) {
			running = append(running, name)
		}
	}
	sort.Strings(running)
	return running, nil
}

// Logs implements Manager.Logs.
func (m *BinaryManager) Logs(_ context.Context, name string, tail int) (string, error) {
	path := filepath.Join(m.dataDir, name, "node.log")
	m.mu.Lock()
	if proc, ok := m.nodes[name]; ok {
		path = proc.logPath
	}
	m.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.Newf(errors.ErrNotFound, "no logs for node %s", name)
		}
		return "", errors.Wrap(err, errors.ErrUnknown, "failed to read node log")
	}
	return tailLines(string(data), tail), nil
}

// Exec implements Manager.Exec. The command runs on the host with the node's
// home as working directory.
func (m *BinaryManager) Exec(ctx context.Context, name string, cmd []string, env map[string]string) (string, error) {
	if len(cmd) == 0 {
		return "", errors.New(errors.ErrInvalidInput, "empty command")
	}
	c := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	c.Env = mergeEnv(os.Environ(), env)
	if dir, err := filepath.Abs(filepath.Join(m.dataDir, name)); err == nil {
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			c.Dir = dir
		}
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if err := c.Run(); err != nil {
		return stdout.String(), errors.Wrap(err, errors.ErrUnknown, fmt.Sprintf("command failed for %s: %s", name, strings.TrimSpace(stderr.String())))
	}
	return stdout.String(), nil
}

// Close implements Manager.Close.
func (m *BinaryManager) Close() error {
	return nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	out := append([]string(nil), base...)
	return append(out, envList(extra)...)
}

func tailLines(s string, n int) string {
	if n <= 0 {
		return s
	}
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n") + "\n"
}
