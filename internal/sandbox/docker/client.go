// Package docker backs sandboxes with OS-level containers. The agent runs as
// the container's main process with stdin/stdout attached, Tty off, so the
// line-JSON channel is exactly the process pipes.
package docker

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/logger"
)

// ContainerSpec describes the sandbox container to create.
type ContainerSpec struct {
	Name     string
	Image    string
	Cmd      []string
	Env      []string
	Mounts   []MountSpec
	Labels   map[string]string
	MemoryMB int
	CPUShare int
}

// MountSpec is one host bind mount.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Client wraps the Docker SDK with the operations the provider needs.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

// NewClient connects to the Docker daemon.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "docker")),
		config: cfg,
	}, nil
}

// Close closes the daemon connection.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks daemon availability.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// PullImage pulls the sandbox image, draining the progress stream.
func (c *Client) PullImage(ctx context.Context, imageName string) error {
	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", imageName, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("read pull output for %s: %w", imageName, err)
	}
	return nil
}

// CreateContainer creates the sandbox container with stdin open and no TTY.
// Tty must stay off: the multiplexed stream is what keeps stderr separable.
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		Labels:       spec.Labels,
		WorkingDir:   "/workspace",
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}
	hostCfg := &container.HostConfig{
		Mounts: mounts,
		Resources: container.Resources{
			Memory:    int64(spec.MemoryMB) * 1024 * 1024,
			CPUShares: int64(spec.CPUShare),
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	c.logger.Info("container created",
		zap.String("id", resp.ID),
		zap.String("image", spec.Image))
	return resp.ID, nil
}

// StartContainer starts the container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", containerID, err)
	}
	return nil
}

// StopContainer stops the container; volumes keep the session state.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds})
	if err != nil {
		return fmt.Errorf("stop container %s: %w", containerID, err)
	}
	return nil
}

// RemoveContainer force-removes the container and its anonymous volumes.
func (c *Client) RemoveContainer(ctx context.Context, containerID string) error {
	err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	return nil
}

// ContainerState returns the daemon's state string for the container.
func (c *Client) ContainerState(ctx context.Context, containerID string) (string, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("inspect container %s: %w", containerID, err)
	}
	return inspect.State.Status, nil
}

// AttachStreams is the demultiplexed I/O of an attached container.
type AttachStreams struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader
	conn   net.Conn
}

// Close tears the attachment down.
func (a *AttachStreams) Close() error {
	if a.Stdin != nil {
		_ = a.Stdin.Close()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

// Attach opens stdin/stdout/stderr of the container's main process. With Tty
// off the daemon multiplexes output with 8-byte frame headers; stdout and
// stderr are split into separate readers so stderr can feed the log ring.
func (c *Client) Attach(ctx context.Context, containerID string) (*AttachStreams, error) {
	resp, err := c.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container %s: %w", containerID, err)
	}

	stdinReader, stdinWriter := io.Pipe()
	go func() {
		_, _ = io.Copy(resp.Conn, stdinReader)
	}()

	stdoutReader, stdoutWriter := io.Pipe()
	stderrReader, stderrWriter := io.Pipe()
	go func() {
		defer func() {
			_ = stdoutWriter.Close()
			_ = stderrWriter.Close()
		}()
		c.demultiplex(resp.Reader, stdoutWriter, stderrWriter)
	}()

	return &AttachStreams{
		Stdin:  stdinWriter,
		Stdout: stdoutReader,
		Stderr: stderrReader,
		conn:   resp.Conn,
	}, nil
}

// demultiplex splits the daemon's framed stream. Header layout: byte 0 is
// the stream type (1=stdout, 2=stderr), bytes 4-7 the big-endian frame size.
func (c *Client) demultiplex(reader io.Reader, stdout, stderr io.Writer) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if err != io.EOF {
				c.logger.Debug("attach stream ended", zap.Error(err))
			}
			return
		}

		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}

		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			c.logger.Debug("truncated attach frame", zap.Error(err))
			return
		}

		switch streamType {
		case 1:
			_, _ = stdout.Write(data)
		case 2:
			_, _ = stderr.Write(data)
		}
	}
}
