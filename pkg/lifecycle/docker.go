package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/davidroman0O/meroflow/errors"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"
)

// DockerManager runs nodes as Docker containers named after the node.
type DockerManager struct {
	client  *client.Client
	dataDir string
	logger  *zap.Logger

	mu    sync.Mutex
	nodes map[string]string // node name -> container ID
}

// DockerOption configures a DockerManager.
type DockerOption func(*DockerManager)

// WithDataDir sets the host directory holding node homes.
func WithDataDir(dir string) DockerOption {
	return func(m *DockerManager) {
		m.dataDir = dir
	}
}

// WithDockerLogger sets the logger.
func WithDockerLogger(l *zap.Logger) DockerOption {
	return func(m *DockerManager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewDockerManager connects to the Docker daemon configured in the
// environment.
func NewDockerManager(opts ...DockerOption) (*DockerManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConnection, "failed to connect to Docker daemon; ensure Docker is running and DOCKER_HOST is set correctly if using a non-default socket")
	}

	m := &DockerManager{
		client:  cli,
		dataDir: "data",
		logger:  zap.NewNop(),
		nodes:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start implements Manager.Start. An existing container with the same name
// is replaced.
func (m *DockerManager) Start(ctx context.Context, cfg NodeConfig) (string, error) {
	log := m.logger.With(zap.String("node", cfg.Name))

	if err := m.ensureImage(ctx, cfg.Image, cfg.ForcePull); err != nil {
		return "", err
	}

	for _, name := range []string{cfg.Name, initName(cfg.Name)} {
		if err := m.removeContainer(ctx, name); err != nil {
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

	if _, err := os.Stat(filepath.Join(home, cfg.Name, "config.toml")); os.IsNotExist(err) {
		log.Info("Initializing node")
		if err := m.runInit(ctx, cfg, home); err != nil {
			return "", err
		}
	}

	containerCfg, hostCfg := containerConfig(cfg, home, RunCommand(ContainerHome, cfg.Name))
	resp, err := m.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrUnknown, fmt.Sprintf("failed to create container %s", cfg.Name))
	}
	if err := m.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", errors.Wrap(err, errors.ErrUnknown, fmt.Sprintf("failed to start container %s", cfg.Name))
	}

	m.mu.Lock()
	m.nodes[cfg.Name] = resp.ID
	m.mu.Unlock()

	log.Info("Node container started",
		zap.String("id", shortID(resp.ID)),
		zap.Int("rpc_port", cfg.RPCPort),
		zap.Int("p2p_port", cfg.Port))
	return Endpoint(cfg.RPCPort), nil
}

// runInit runs the one-shot init container and waits for it to exit.
func (m *DockerManager) runInit(ctx context.Context, cfg NodeConfig, home string) error {
	name := initName(cfg.Name)
	containerCfg, hostCfg := containerConfig(cfg, home, InitCommand(ContainerHome, cfg.Name, ContainerRPCPort, ContainerP2PPort))
	hostCfg.PortBindings = nil

	resp, err := m.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return errors.Wrap(err, errors.ErrUnknown, fmt.Sprintf("failed to create init container for %s", cfg.Name))
	}
	defer m.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})

	if err := m.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return errors.Wrap(err, errors.ErrUnknown, fmt.Sprintf("failed to start init container for %s", cfg.Name))
	}

	statusCh, errCh := m.client.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return errors.Wrap(err, errors.ErrUnknown, fmt.Sprintf("init of %s failed", cfg.Name))
	case status := <-statusCh:
		if status.StatusCode != 0 {
			out, _ := m.containerLogs(ctx, resp.ID, 20)
			return errors.Newf(errors.ErrUnknown, "init of %s exited with code %d: %s", cfg.Name, status.StatusCode, out)
		}
	}
	return nil
}

func (m *DockerManager) ensureImage(ctx context.Context, ref string, force bool) error {
	if !force {
		images, err := m.client.ImageList(ctx, image.ListOptions{
			Filters: filters.NewArgs(filters.Arg("reference", ref)),
		})
		if err == nil && len(images) > 0 {
			return nil
		}
	}

	m.logger.Info("Pulling image", zap.String("image", ref))
	rc, err := m.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return errors.Wrap(err, errors.ErrConnection, fmt.Sprintf("failed to pull image %s", ref))
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return errors.Wrap(err, errors.ErrConnection, fmt.Sprintf("failed to pull image %s", ref))
	}
	return nil
}

// Stop implements Manager.Stop.
func (m *DockerManager) Stop(ctx context.Context, name string) error {
	timeout := int(StopTimeout.Seconds())
	err := m.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout})
	if err != nil && !errdefs.IsNotFound(err) {
		return errors.Wrap(err, errors.ErrUnknown, fmt.Sprintf("failed to stop %s", name))
	}
	if err := m.removeContainer(ctx, name); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.nodes, name)
	m.mu.Unlock()

	m.logger.Info("Node stopped", zap.String("node", name))
	return nil
}

// StopAll implements Manager.StopAll. Every labelled node container is
// stopped, not only the ones started by this manager.
func (m *DockerManager) StopAll(ctx context.Context) error {
	names, err := m.list(ctx, true)
	if err != nil {
		return err
	}

	var lastErr error
	for _, name := range names {
		if err := m.Stop(ctx, name); err != nil {
			m.logger.Warn("Failed to stop node", zap.String("node", name), zap.Error(err))
			lastErr = err
		}
	}
	return lastErr
}

// IsRunning implements Manager.IsRunning.
func (m *DockerManager) IsRunning(ctx context.Context, name string) bool {
	info, err := m.client.ContainerInspect(ctx, name)
	if err != nil || info.State == nil {
		return false
	}
	return info.State.Running
}

// Running implements Manager.Running.
func (m *DockerManager) Running(ctx context.Context) ([]string, error) {
	return m.list(ctx, false)
}

func (m *DockerManager) list(ctx context.Context, all bool) ([]string, error) {
	containers, err := m.client.ContainerList(ctx, container.ListOptions{
		All:     all,
		Filters: filters.NewArgs(filters.Arg("label", LabelNode+"=true")),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConnection, "failed to list node containers")
	}

	names := make([]string, 0, len(containers))
	for _, c := range containers {
		if name := c.Labels[LabelName]; name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Logs implements Manager.Logs.
func (m *DockerManager) Logs(ctx context.Context, name string, tail int) (string, error) {
	return m.containerLogs(ctx, name, tail)
}

func (m *DockerManager) containerLogs(ctx context.Context, id string, tail int) (string, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	rc, err := m.client.ContainerLogs(ctx, id, opts)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", errors.Newf(errors.ErrNotFound, "node %s not found", id)
		}
		return "", errors.Wrap(err, errors.ErrUnknown, fmt.Sprintf("failed to read logs of %s", id))
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", errors.Wrap(err, errors.ErrUnknown, "failed to demultiplex logs")
	}
	return buf.String(), nil
}

// Exec implements Manager.Exec. The command runs inside the node container.
func (m *DockerManager) Exec(ctx context.Context, name string, cmd []string, env map[string]string) (string, error) {
	execResp, err := m.client.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          cmd,
		Env:          envList(env),
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", errors.Wrap(err, errors.ErrUnknown, fmt.Sprintf("failed to create exec in %s", name))
	}

	resp, err := m.client.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{Tty: false})
	if err != nil {
		return "", errors.Wrap(err, errors.ErrUnknown, fmt.Sprintf("failed to attach to exec in %s", name))
	}
	defer resp.Close()

	var outBuf, errBuf strings.Builder
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, resp.Reader); err != nil {
		return "", errors.Wrap(err, errors.ErrUnknown, "failed to read exec output")
	}

	inspect, err := m.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrUnknown, "failed to inspect exec")
	}
	if inspect.ExitCode != 0 {
		return outBuf.String(), errors.Newf(errors.ErrUnknown, "command failed in %s with exit code %d: %s", name, inspect.ExitCode, strings.TrimSpace(errBuf.String()))
	}
	return outBuf.String(), nil
}

// Close implements Manager.Close.
func (m *DockerManager) Close() error {
	return m.client.Close()
}

func (m *DockerManager) removeContainer(ctx context.Context, name string) error {
	err := m.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return errors.Wrap(err, errors.ErrUnknown, fmt.Sprintf("failed to remove container %s", name))
	}
	return nil
}

// containerConfig converts a NodeConfig to Docker's container and host
// configuration.
func containerConfig(cfg NodeConfig, home string, cmd []string) (*container.Config, *container.HostConfig) {
	p2p := nat.Port(fmt.Sprintf("%d/tcp", ContainerP2PPort))
	rpc := nat.Port(fmt.Sprintf("%d/tcp", ContainerRPCPort))

	containerCfg := &container.Config{
		Image:        cfg.Image,
		Cmd:          cmd,
		Entrypoint:   []string{},
		Env:          envList(nodeEnv(cfg, ContainerHome)),
		User:         "root",
		ExposedPorts: nat.PortSet{p2p: struct{}{}, rpc: struct{}{}},
		Labels: map[string]string{
			LabelNode:    "true",
			LabelName:    cfg.Name,
			LabelChainID: cfg.ChainID,
		},
	}

	hostCfg := &container.HostConfig{
		Binds:  []string{fmt.Sprintf("%s:%s:rw", home, ContainerHome)},
		CapAdd: []string{"CHOWN", "DAC_OVERRIDE", "FOWNER", "SETGID", "SETUID"},
		PortBindings: nat.PortMap{
			p2p: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(cfg.Port)}},
			rpc: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(cfg.RPCPort)}},
		},
	}
	return containerCfg, hostCfg
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func initName(name string) string {
	return name + "-init"
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
