package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/mtzanidakis/archon/internal/agent"
	"github.com/mtzanidakis/archon/internal/config"
)

const labelPrefix = "archon"

// DockerHandler runs each task in a one-shot container: the task JSON
// goes to the container's stdin, its stdout becomes the task output,
// and a non-zero exit is a task failure. Context cancellation stops
// the container, so agent timeouts hold even for runaway payloads.
//
// The docker client is created in Setup and released in Cleanup, so it
// follows the owning agent's lifecycle.
type DockerHandler struct {
	cfg    config.SandboxConfig
	env    map[string]string
	docker *client.Client
}

func NewDockerHandler(cfg config.SandboxConfig, env map[string]string) *DockerHandler {
	return &DockerHandler{cfg: cfg, env: env}
}

func (h *DockerHandler) Setup(ctx context.Context) error {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	if _, err := docker.Ping(ctx); err != nil {
		docker.Close()
		return fmt.Errorf("docker ping: %w", err)
	}
	h.docker = docker
	return nil
}

func (h *DockerHandler) Cleanup(ctx context.Context) error {
	if h.docker != nil {
		return h.docker.Close()
	}
	return nil
}

func (h *DockerHandler) Process(ctx context.Context, task *agent.Task) (any, error) {
	if h.docker == nil {
		return nil, fmt.Errorf("docker client not initialized")
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return nil, agent.Permanent(fmt.Errorf("marshal task: %w", err))
	}

	env := make([]string, 0, len(h.env))
	for k, v := range h.env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	containerCfg := &dockercontainer.Config{
		Image:        h.cfg.Image,
		Env:          env,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			labelPrefix + ".managed": "true",
			labelPrefix + ".task":    task.ID,
		},
	}
	hostCfg := &dockercontainer.HostConfig{}
	if h.cfg.Workspace != "" {
		hostCfg.Binds = []string{h.cfg.Workspace + ":/workspace"}
	}

	name := fmt.Sprintf("archon-sandbox-%s", task.ID)
	resp, err := h.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	defer func() {
		// Removal must not be tied to the (possibly cancelled) task ctx.
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := h.docker.ContainerRemove(rmCtx, resp.ID, dockercontainer.RemoveOptions{Force: true}); err != nil {
			slog.Warn("failed to remove sandbox container", "container", resp.ID[:12], "error", err)
		}
	}()

	attach, err := h.docker.ContainerAttach(ctx, resp.ID, dockercontainer.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container: %w", err)
	}
	defer attach.Close()

	if err := h.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	go func() {
		if _, err := attach.Conn.Write(payload); err == nil {
			_ = attach.CloseWrite()
		}
	}()

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copyDone <- err
	}()

	waitCh, errCh := h.docker.ContainerWait(ctx, resp.ID, dockercontainer.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		h.stopContainer(resp.ID)
		return nil, ctx.Err()
	case err := <-errCh:
		return nil, fmt.Errorf("wait container: %w", err)
	case status := <-waitCh:
		<-copyDone
		if status.StatusCode != 0 {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = fmt.Sprintf("exit code %d", status.StatusCode)
			}
			return nil, fmt.Errorf("sandbox failed: %s", msg)
		}
		return strings.TrimRight(stdout.String(), "\n"), nil
	}
}

func (h *DockerHandler) stopContainer(id string) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	timeout := 5
	if err := h.docker.ContainerStop(stopCtx, id, dockercontainer.StopOptions{Timeout: &timeout}); err != nil {
		slog.Warn("failed to stop sandbox container", "container", id[:12], "error", err)
	}
}
