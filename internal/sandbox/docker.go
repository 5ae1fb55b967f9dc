package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

const containerWorkdir = "/workspace"

// DockerConfig tunes the Docker sandbox manager.
type DockerConfig struct {
	Image            string
	ProvisionTimeout time.Duration
	MemoryLimitBytes int64
	PidsLimit        int64
}

func (c DockerConfig) withDefaults() DockerConfig {
	if c.Image == "" {
		c.Image = "node:20-slim"
	}
	if c.ProvisionTimeout <= 0 {
		c.ProvisionTimeout = 30 * time.Second
	}
	if c.MemoryLimitBytes <= 0 {
		c.MemoryLimitBytes = 2 << 30 // 2 GiB
	}
	if c.PidsLimit <= 0 {
		c.PidsLimit = 512
	}
	return c
}

// DockerManager provisions one hardened container per sandbox key.
type DockerManager struct {
	cli *client.Client
	cfg DockerConfig

	mu        sync.Mutex
	sandboxes map[string]*dockerSandbox
}

// NewDockerManager connects to the local Docker daemon.
func NewDockerManager(cfg DockerConfig) (*DockerManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: docker client: %w", err)
	}
	if _, err := cli.Ping(context.Background()); err != nil {
		cli.Close()
		return nil, fmt.Errorf("sandbox: docker daemon unreachable: %w", err)
	}
	return &DockerManager{
		cli:       cli,
		cfg:       cfg.withDefaults(),
		sandboxes: make(map[string]*dockerSandbox),
	}, nil
}

func (m *DockerManager) Get(ctx context.Context, key, workspace string) (Sandbox, error) {
	m.mu.Lock()
	if sb, ok := m.sandboxes[key]; ok {
		m.mu.Unlock()
		return sb, nil
	}
	m.mu.Unlock()

	// Provision outside the lock; creation can take seconds. A timed-out
	// provision gets one retry before failing the caller.
	sb, err := m.provision(ctx, key, workspace)
	if err != nil && ctx.Err() == nil {
		slog.Warn("sandbox provision failed, retrying once", "key", key, "error", err)
		sb, err = m.provision(ctx, key, workspace)
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sandboxes[key]; ok {
		// Lost the race; discard ours.
		go sb.Stop(context.Background())
		return existing, nil
	}
	m.sandboxes[key] = sb
	return sb, nil
}

func (m *DockerManager) provision(ctx context.Context, key, workspace string) (*dockerSandbox, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProvisionTimeout)
	defer cancel()

	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create workspace: %w", err)
	}

	if err := m.ensureImage(ctx); err != nil {
		return nil, err
	}

	name := "agentd-sbx-" + sanitizeKey(key)

	// A container may survive a previous process; reuse it if running.
	if inspect, err := m.cli.ContainerInspect(ctx, name); err == nil {
		if inspect.State != nil && inspect.State.Running {
			return &dockerSandbox{cli: m.cli, id: inspect.ID}, nil
		}
		_ = m.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	}

	created, err := m.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      m.cfg.Image,
			Cmd:        []string{"sleep", "infinity"},
			WorkingDir: containerWorkdir,
			Labels:     map[string]string{"agentd.sandbox": key},
		},
		&container.HostConfig{
			Mounts: []mount.Mount{{
				Type:   mount.TypeBind,
				Source: workspace,
				Target: containerWorkdir,
			}},
			SecurityOpt: []string{"no-new-privileges:true"},
			CapDrop:     []string{"ALL"},
			Resources: container.Resources{
				Memory:    m.cfg.MemoryLimitBytes,
				PidsLimit: &m.cfg.PidsLimit,
			},
		},
		nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("sandbox: create container: %w", err)
	}

	if err := m.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = m.cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("sandbox: start container: %w", err)
	}

	slog.Info("sandbox provisioned", "key", key, "container", created.ID[:12], "image", m.cfg.Image)
	return &dockerSandbox{cli: m.cli, id: created.ID}, nil
}

func (m *DockerManager) ensureImage(ctx context.Context) error {
	_, err := m.cli.ImageInspect(ctx, m.cfg.Image)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("sandbox: inspect image: %w", err)
	}

	slog.Info("pulling sandbox image", "image", m.cfg.Image)
	rc, err := m.cli.ImagePull(ctx, m.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("sandbox: pull image %s: %w", m.cfg.Image, err)
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (m *DockerManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	sandboxes := make([]*dockerSandbox, 0, len(m.sandboxes))
	for _, sb := range m.sandboxes {
		sandboxes = append(sandboxes, sb)
	}
	m.sandboxes = make(map[string]*dockerSandbox)
	m.mu.Unlock()

	var firstErr error
	for _, sb := range sandboxes {
		if err := sb.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.cli.Close()
	return firstErr
}

type dockerSandbox struct {
	cli *client.Client
	id  string
}

func (s *dockerSandbox) ID() string { return s.id }

func (s *dockerSandbox) Exec(ctx context.Context, argv []string, cwd string) (*ExecResult, error) {
	if cwd == "" {
		cwd = containerWorkdir
	}

	execID, err := s.cli.ContainerExecCreate(ctx, s.id, container.ExecOptions{
		Cmd:          argv,
		WorkingDir:   cwd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: exec create: %w", err)
	}

	attach, err := s.cli.ContainerExecAttach(ctx, execID.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("sandbox: exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("sandbox: read exec output: %w", err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	inspect, err := s.cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return nil, fmt.Errorf("sandbox: exec inspect: %w", err)
	}

	return &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

func (s *dockerSandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	rc, _, err := s.cli.CopyFromContainer(ctx, s.id, path)
	if err != nil {
		return nil, fmt.Errorf("sandbox: read %s: %w", path, err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	if _, err := tr.Next(); err != nil {
		return nil, fmt.Errorf("sandbox: read %s: %w", path, err)
	}
	return io.ReadAll(tr)
}

func (s *dockerSandbox) WriteFile(ctx context.Context, path string, data []byte) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name: filepath.Base(path),
		Mode: 0o644,
		Size: int64(len(data)),
	}); err != nil {
		return err
	}
	if _, err := tw.Write(data); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if _, err := s.Exec(ctx, []string{"mkdir", "-p", dir}, containerWorkdir); err != nil {
		return err
	}
	if err := s.cli.CopyToContainer(ctx, s.id, dir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("sandbox: write %s: %w", path, err)
	}
	return nil
}

func (s *dockerSandbox) Stop(ctx context.Context) error {
	timeout := 5
	if err := s.cli.ContainerStop(ctx, s.id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("sandbox: stop container: %w", err)
	}
	return s.cli.ContainerRemove(ctx, s.id, container.RemoveOptions{Force: true})
}

func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, key)
}
