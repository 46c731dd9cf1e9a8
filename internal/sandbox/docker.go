package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/araddon/dateparse"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"
)

type DockerRuntime struct {
	cli    *client.Client
	logger *zerolog.Logger
}

// NewDockerRuntime connects to the daemon from the environment, or to
// host when it is set.
func NewDockerRuntime(host string, logger *zerolog.Logger) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerRuntime{cli: cli, logger: logger}, nil
}

func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

func (d *DockerRuntime) Create(ctx context.Context, spec ContainerSpec) (Process, error) {
	pidsLimit := spec.PidsLimit

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Cmd,
		WorkingDir:      spec.WorkingDir,
		User:            spec.User,
		Tty:             false,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: true,
		Labels:          spec.Labels,
	}, &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.MountSource,
			Target: spec.MountTarget,
		}},
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:     spec.MemoryBytes,
			MemorySwap: spec.MemoryBytes, // no swap
			NanoCPUs:   spec.NanoCPUs,
			PidsLimit:  &pidsLimit,
		},
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=16m,mode=1777",
		},
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("%w: create container: %w", ErrRuntime, err)
	}

	d.logger.Debug().Str("container", resp.ID).Str("image", spec.Image).Msg("container created")
	return &dockerProcess{cli: d.cli, id: resp.ID}, nil
}

// Reap force-removes every sandbox container left behind by an earlier
// process, running or not.
func (d *DockerRuntime) Reap(ctx context.Context) (int, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelWorkspace)),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: list containers: %w", ErrRuntime, err)
	}

	var errs []error
	removed := 0
	for _, c := range list {
		err := d.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && !errdefs.IsNotFound(err) {
			errs = append(errs, err)
			continue
		}
		removed++
		d.logger.Info().Str("container", c.ID).Str("workspace", c.Labels[LabelWorkspace]).Msg("removed stale sandbox")
	}
	return removed, errors.Join(errs...)
}

func (d *DockerRuntime) EnsureImage(ctx context.Context, img string) error {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil
	}

	d.logger.Info().Str("image", img).Msg("pulling docker image")
	reader, err := d.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	defer reader.Close()

	// The pull only completes once the stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull stream for %s: %w", img, err)
	}

	d.logger.Info().Str("image", img).Msg("successfully pulled docker image")
	return nil
}

type dockerProcess struct {
	cli *client.Client
	id  string
}

func (p *dockerProcess) ID() string { return p.id }

func (p *dockerProcess) Attach(ctx context.Context, stdout, stderr io.Writer) (<-chan error, error) {
	resp, err := p.cli.ContainerAttach(ctx, p.id, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: attach: %w", ErrRuntime, err)
	}

	done := make(chan error, 1)
	go func() {
		defer resp.Close()
		_, err := stdcopy.StdCopy(stdout, stderr, resp.Reader)
		done <- err
	}()
	return done, nil
}

func (p *dockerProcess) Start(ctx context.Context) error {
	if err := p.cli.ContainerStart(ctx, p.id, container.StartOptions{}); err != nil {
		return fmt.Errorf("%w: start: %w", ErrRuntime, err)
	}
	return nil
}

func (p *dockerProcess) Wait(ctx context.Context) (int, error) {
	statusCh, errCh := p.cli.ContainerWait(ctx, p.id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return -1, fmt.Errorf("%w: wait: %s", ErrRuntime, status.Error.Message)
		}
		return int(status.StatusCode), nil
	case err := <-errCh:
		return -1, fmt.Errorf("%w: wait: %w", ErrRuntime, err)
	}
}

func (p *dockerProcess) Kill(ctx context.Context) error {
	err := p.cli.ContainerKill(ctx, p.id, "SIGKILL")
	// Conflict means it already stopped.
	if err != nil && !errdefs.IsConflict(err) && !errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: kill: %w", ErrRuntime, err)
	}
	return nil
}

func (p *dockerProcess) Inspect(ctx context.Context) (State, error) {
	info, err := p.cli.ContainerInspect(ctx, p.id)
	if err != nil {
		return State{}, fmt.Errorf("%w: inspect: %w", ErrRuntime, err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return State{}, errors.New("inspect: container has no state")
	}

	state := State{
		ExitCode:  info.State.ExitCode,
		OOMKilled: info.State.OOMKilled,
	}
	started, err1 := dateparse.ParseAny(info.State.StartedAt)
	finished, err2 := dateparse.ParseAny(info.State.FinishedAt)
	if err1 == nil && err2 == nil && finished.After(started) {
		state.Duration = finished.Sub(started)
	}
	return state, nil
}

func (p *dockerProcess) Remove(ctx context.Context) error {
	err := p.cli.ContainerRemove(ctx, p.id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: remove: %w", ErrRuntime, err)
	}
	return nil
}
