// Package sandbox routes tool command execution to the host or to
// ephemeral Docker containers, per the configured mode and the tool's
// execution policy.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

const defaultImage = "alpine:3.20"

// Docker runs commands in ephemeral containers with the chat working
// directory bind-mounted at /workspace.
type Docker struct {
	client          *client.Client
	image           string
	containerPrefix string
	noNetwork       bool
	memoryBytes     int64
}

func NewDocker(image, containerPrefix string, noNetwork bool) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if image == "" {
		image = defaultImage
	}
	if containerPrefix == "" {
		containerPrefix = "microclaw"
	}
	return &Docker{
		client:          cli,
		image:           image,
		containerPrefix: containerPrefix,
		noNetwork:       noNetwork,
		memoryBytes:     512 * 1024 * 1024,
	}, nil
}

// Available pings the daemon.
func (d *Docker) Available(ctx context.Context) bool {
	_, err := d.client.Ping(ctx)
	return err == nil
}

// Exec runs command in a fresh container bound to hostDir and waits for
// it to finish. The container auto-removes.
func (d *Docker) Exec(ctx context.Context, command, hostDir string) (ExecResult, error) {
	networkMode := container.NetworkMode("bridge")
	if d.noNetwork {
		networkMode = "none"
	}
	name := fmt.Sprintf("%s-%s", d.containerPrefix, strings.Split(uuid.NewString(), "-")[0])

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        []string{"sh", "-c", command},
		WorkingDir: "/workspace",
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: d.memoryBytes},
		NetworkMode: networkMode,
		Binds:       []string{fmt.Sprintf("%s:/workspace", hostDir)},
		AutoRemove:  true,
	}, nil, nil, name)
	if err != nil {
		return ExecResult{ExitCode: -1}, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return ExecResult{ExitCode: -1}, fmt.Errorf("start container: %w", err)
	}

	var exitCode int
	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return ExecResult{ExitCode: -1}, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = d.client.ContainerKill(context.WithoutCancel(ctx), containerID, "SIGKILL")
		return ExecResult{Stderr: "command timed out", ExitCode: -1}, ctx.Err()
	}

	out, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return ExecResult{ExitCode: exitCode}, fmt.Errorf("container logs: %w", err)
	}
	defer out.Close()

	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, out)
	return ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
}

func (d *Docker) Close() error {
	return d.client.Close()
}
