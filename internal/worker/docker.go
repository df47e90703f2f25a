// Package worker implements the session-worker lifecycle manager (spec.md
// 4.E): activating a containerized sandbox per session, syncing its
// workspace to object storage, stopping it when idle, and removing it once
// stopped long enough.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
)

// DockerConfig mirrors the teacher's container resource-limit constants,
// generalized into configuration instead of package constants.
type DockerConfig struct {
	Image               string
	Runtime             string
	MemoryLimitBytes    int64
	CPUQuota            int64
	PidsLimit           int64
	NetworkName         string
	StopTimeout         time.Duration
	CreateRetryAttempts int
	CreateRetryDelay    time.Duration
}

// DockerClient is the outbound port spec.md 4.E names: createWorker,
// start, stop, remove, exists.
type DockerClient interface {
	CreateWorker(ctx context.Context, sessionID string, env map[string]string) (containerID string, err error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	Exists(ctx context.Context, containerID string) (bool, error)
	// ExportWorkspace returns a tar stream of /workspace inside containerID,
	// the source archive syncSessionWorkspace uploads to object storage.
	ExportWorkspace(ctx context.Context, containerID string) (io.ReadCloser, error)
}

// dockerManager implements DockerClient using the Docker API, generalizing
// the teacher's one-container-per-user DockerManager to one container per
// session, with a distinct stop (no removal) step the teacher never had.
type dockerManager struct {
	cli *client.Client
	cfg DockerConfig
}

// NewDockerClient builds a DockerClient against the local Docker daemon.
func NewDockerClient(cfg DockerConfig) (DockerClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &dockerManager{cli: cli, cfg: cfg}, nil
}

func containerName(sessionID string) string { return fmt.Sprintf("runctl-worker-%s", sessionID) }
func volumeName(sessionID string) string    { return fmt.Sprintf("runctl-worker-%s-data", sessionID) }

// CreateWorker creates and starts a new container bound to sessionID,
// retrying on a transient name conflict exactly as the teacher's
// EnsureContainer loop does.
func (m *dockerManager) CreateWorker(ctx context.Context, sessionID string, env map[string]string) (string, error) {
	name := containerName(sessionID)

	envVars := make([]string, 0, len(env))
	for k, v := range env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}

	cfg := &container.Config{
		Image: m.cfg.Image,
		Tty:   true,
		Env:   envVars,
	}
	hostCfg := &container.HostConfig{
		Runtime:     m.cfg.Runtime,
		NetworkMode: container.NetworkMode(m.cfg.NetworkName),
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: volumeName(sessionID),
			Target: "/workspace",
		}},
		Resources: container.Resources{
			Memory:    m.cfg.MemoryLimitBytes,
			CPUQuota:  m.cfg.CPUQuota,
			PidsLimit: &m.cfg.PidsLimit,
		},
		DNS: []string{"8.8.8.8", "8.8.4.4"},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < m.cfg.CreateRetryAttempts; i++ {
		resp, createErr = m.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
		if createErr == nil {
			break
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", fmt.Errorf("create worker container: %w", createErr)
		}

		slog.Warn("worker container name conflict, retrying", "session_id", sessionID, "attempt", i+1)
		if inspect, inspectErr := m.cli.ContainerInspect(ctx, name); inspectErr == nil {
			if stopErr := m.Stop(ctx, inspect.ID); stopErr != nil {
				slog.Warn("failed to stop conflicting worker before retry", "container_id", inspect.ID, "error", stopErr)
			}
			if rmErr := m.Remove(ctx, inspect.ID); rmErr != nil {
				slog.Warn("failed to remove conflicting worker before retry", "container_id", inspect.ID, "error", rmErr)
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(m.cfg.CreateRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create worker container after retries: %w", createErr)
	}

	if err := m.Start(ctx, resp.ID); err != nil {
		if rmErr := m.Remove(ctx, resp.ID); rmErr != nil && !errors.Is(rmErr, context.Canceled) {
			slog.Warn("failed to remove worker after start failure", "container_id", resp.ID, "error", rmErr)
		}
		return "", err
	}

	slog.Info("worker container created and started", "container_id", resp.ID, "session_id", sessionID)
	return resp.ID, nil
}

// Start starts an existing, previously stopped worker container.
func (m *dockerManager) Start(ctx context.Context, containerID string) error {
	if err := m.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start worker container %s: %w", containerID, err)
	}
	return nil
}

// Stop stops containerID without removing it, so it can be restarted later
// (the state the teacher's manager never modeled: it only created and
// destroyed).
func (m *dockerManager) Stop(ctx context.Context, containerID string) error {
	_, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("inspect worker container %s: %w", containerID, err)
	}

	timeout := int(m.cfg.StopTimeout.Seconds())
	if err := m.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("context canceled during worker stop, proceeding", "container_id", containerID)
			return nil
		}
		return fmt.Errorf("stop worker container %s: %w", containerID, err)
	}
	return nil
}

// Remove force-removes containerID, idempotent on already-gone containers.
func (m *dockerManager) Remove(ctx context.Context, containerID string) error {
	if err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("remove worker container %s: %w", containerID, err)
	}
	return nil
}

// Exists reports whether containerID is still known to Docker.
func (m *dockerManager) Exists(ctx context.Context, containerID string) (bool, error) {
	_, err := m.cli.ContainerInspect(ctx, containerID)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspect worker container %s: %w", containerID, err)
}

// ExportWorkspace streams /workspace out of containerID as a tar archive.
func (m *dockerManager) ExportWorkspace(ctx context.Context, containerID string) (io.ReadCloser, error) {
	rc, _, err := m.cli.CopyFromContainer(ctx, containerID, "/workspace")
	if err != nil {
		return nil, fmt.Errorf("export workspace from %s: %w", containerID, err)
	}
	return rc, nil
}
