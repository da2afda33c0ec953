package exec

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"codecollab/internal/models"
)

// DockerExecutor runs each request in a throwaway container without network.
type DockerExecutor struct {
	cli    *client.Client
	limits Limits
}

func NewDockerExecutor(limits Limits) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &DockerExecutor{cli: cli, limits: limits.withDefaults()}, nil
}

func (d *DockerExecutor) Run(ctx context.Context, lang models.Language, code string) (models.RunResult, error) {
	spec, err := specFor(lang)
	if err != nil {
		return models.RunResult{}, err
	}

	var stdout, stderr strings.Builder
	exit, timedOut, err := d.run(ctx, spec, []byte(code), &stdout, &stderr)
	if err != nil && !timedOut {
		return models.RunResult{}, err
	}
	return models.RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Exit:     exit,
		TimedOut: timedOut,
	}, nil
}

func (d *DockerExecutor) run(ctx context.Context, spec langSpec, code []byte, stdout, stderr *strings.Builder) (exit int, timedOut bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, d.limits.WallTime)
	defer cancel()
	defer func() {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			timedOut = true
		}
	}()

	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Mounts: []mount.Mount{
			{Type: mount.TypeTmpfs, Target: "/tmp"},
			{Type: mount.TypeTmpfs, Target: "/workspace"},
		},
		Resources: container.Resources{
			Memory:   d.limits.MemoryB,
			NanoCPUs: d.limits.NanoCPUs,
		},
		SecurityOpt: []string{"no-new-privileges"},
	}
	conf := &container.Config{
		Image:      spec.image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: "/workspace",
	}

	create, err := d.cli.ContainerCreate(ctx, conf, hostCfg, nil, nil, "")
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	cid := create.ID
	defer func() {
		_ = d.cli.ContainerRemove(context.Background(), cid, types.ContainerRemoveOptions{Force: true})
	}()

	if err := d.cli.ContainerStart(ctx, cid, types.ContainerStartOptions{}); err != nil {
		return 0, false, err
	}
	if err := d.copyFile(ctx, cid, "/workspace/"+spec.fileName, code, 0o600); err != nil {
		return 0, false, err
	}

	// compile, then run
	for _, cmd := range spec.cmds {
		execID, attach, err := d.execStart(ctx, cid, cmd)
		if err != nil {
			return 0, false, err
		}
		_, _ = stdcopy.StdCopy(stdout, stderr, attach.Reader)
		attach.Close()

		ir, err := d.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, false, err
		}
		if ir.ExitCode != 0 {
			return ir.ExitCode, false, nil
		}
	}
	return 0, false, nil
}

func (d *DockerExecutor) execStart(ctx context.Context, containerID string, cmd []string) (string, types.HijackedResponse, error) {
	execResp, err := d.cli.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		Cmd:          cmd,
		WorkingDir:   "/workspace",
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", types.HijackedResponse{}, err
	}
	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return "", types.HijackedResponse{}, err
	}
	return execResp.ID, attach, nil
}

func (d *DockerExecutor) copyFile(ctx context.Context, cid, absPath string, content []byte, mode int64) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name: absPath[1:],
		Mode: mode,
		Size: int64(len(content)),
	}); err != nil {
		return err
	}
	if _, err := tw.Write(content); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return d.cli.CopyToContainer(ctx, cid, "/", &buf, types.CopyToContainerOptions{})
}
