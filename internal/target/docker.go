package target

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerTarget instruments a running container as a build environment.
type DockerTarget struct {
	docker      *client.Client
	containerID string
}

func NewDockerTarget(ctx context.Context, containerID string) (*DockerTarget, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	return &DockerTarget{docker: cli, containerID: containerID}, nil
}

func (t *DockerTarget) PushFile(ctx context.Context, sourcePath, destPath string) error {
	content, err := os.ReadFile(sourcePath)
	if err != nil {
		return fmt.Errorf("read source file: %w", err)
	}
	info, err := os.Stat(sourcePath)
	if err != nil {
		return fmt.Errorf("stat source file: %w", err)
	}
	return t.PushFileContent(ctx, destPath, content, int64(info.Mode().Perm()))
}

func (t *DockerTarget) PushFileContent(ctx context.Context, destPath string, content []byte, mode int64) error {
	buf, err := fileArchive(destPath, content, mode)
	if err != nil {
		return err
	}
	destDir := filepath.Dir(destPath)
	if err := t.docker.CopyToContainer(ctx, t.containerID, destDir, buf, types.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy %s into container: %w", destPath, err)
	}
	return nil
}

// fileArchive wraps a single file in the tar stream the docker copy API
// expects. The entry is named relative to the destination directory.
func fileArchive(destPath string, content []byte, mode int64) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: filepath.Base(destPath),
		Mode: mode,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write(content); err != nil {
		return nil, fmt.Errorf("write tar content: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	return &buf, nil
}

func (t *DockerTarget) Run(ctx context.Context, command []string, opts RunOptions) error {
	if len(command) == 0 {
		return errors.New("empty command")
	}

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	created, err := t.docker.ContainerExecCreate(ctx, t.containerID, container.ExecOptions{
		Cmd:          command,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return fmt.Errorf("exec create: %w", err)
	}

	attached, err := t.docker.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return fmt.Errorf("exec attach: %w", err)
	}
	defer attached.Close()

	var output bytes.Buffer
	if _, err := stdcopy.StdCopy(&output, &output, attached.Reader); err != nil {
		return fmt.Errorf("exec read output: %w", err)
	}

	inspect, err := t.docker.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return fmt.Errorf("exec inspect: %w", err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("command %q exited with code %d: %s",
			strings.Join(command, " "), inspect.ExitCode, tail(output.String(), 512))
	}
	return nil
}

// Gateway resolves the host-side address of the container's first attached
// network, which is where the proxy ports are reachable from inside it.
func (t *DockerTarget) Gateway(ctx context.Context) (string, error) {
	inspect, err := t.docker.ContainerInspect(ctx, t.containerID)
	if err != nil {
		return "", fmt.Errorf("container inspect: %w", err)
	}
	if inspect.NetworkSettings != nil {
		for _, netData := range inspect.NetworkSettings.Networks {
			if netData != nil && netData.Gateway != "" {
				return netData.Gateway, nil
			}
		}
	}
	return "", fmt.Errorf("no gateway address found for container %s", t.containerID)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
