package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"Rigger/internal/config"
	"Rigger/internal/fleet"
	"Rigger/internal/provider"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

const (
	labelPrefix    = "rigger.runner"
	labelName      = labelPrefix + ".name"
	labelRepo      = labelPrefix + ".repo"
	labelManagedBy = labelPrefix + ".managed-by"
)

// Driver runs runner units as Docker containers.
type Driver struct {
	client *client.Client
	config config.DockerConfig
	logger *slog.Logger
}

func New(cfg config.DockerConfig, logger *slog.Logger) (*Driver, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(cfg.Host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	return &Driver{
		client: cli,
		config: cfg,
		logger: logger.With("driver", "docker"),
	}, nil
}

func (d *Driver) Name() string {
	return "docker"
}

func (d *Driver) Create(ctx context.Context, spec provider.Spec) (string, error) {
	d.logger.Info("creating runner container", "name", spec.Name, "repo", spec.Repo)

	if d.config.PullPolicy == "always" || d.config.PullPolicy == "if-not-present" {
		if err := d.pullImage(ctx, spec.Image); err != nil {
			return "", classifyCreate(fmt.Errorf("pull image %s: %w", spec.Image, err))
		}
	}

	containerConfig := &container.Config{
		Image:  spec.Image,
		Env:    buildEnv(spec, d.config),
		Labels: d.buildLabels(spec),
	}
	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(d.config.Network),
		Resources: container.Resources{
			NanoCPUs: int64(d.config.CPULimit * 1e9),
			Memory:   d.config.MemoryLimit,
		},
	}
	if len(d.config.Volumes) > 0 {
		hostConfig.Binds = d.config.Volumes
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", classifyCreate(fmt.Errorf("create container: %w", err))
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Don't leave the half-made container behind.
		_ = d.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", classifyCreate(fmt.Errorf("start container: %w", err))
	}

	d.logger.Info("runner container started", "name", spec.Name, "container_id", resp.ID)
	return resp.ID, nil
}

func (d *Driver) Destroy(ctx context.Context, handle string) error {
	stopTimeout := int(d.config.StopTimeout / time.Second)
	err := d.client.ContainerStop(ctx, handle, container.StopOptions{Timeout: &stopTimeout})
	if err != nil && !errdefs.IsNotFound(err) {
		d.logger.Warn("container stop failed, forcing removal", "handle", handle, "error", err)
	}

	err = d.client.ContainerRemove(ctx, handle, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", handle, fleet.ErrTransient)
	}

	d.logger.Info("runner container removed", "handle", handle)
	return nil
}

func (d *Driver) List(ctx context.Context, selector map[string]string) ([]provider.Unit, error) {
	args := filters.NewArgs(filters.Arg("label", labelManagedBy+"=rigger"))
	for k, v := range selector {
		args.Add("label", k+"="+v)
	}

	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: args,
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", fleet.ErrTransient)
	}

	units := make([]provider.Unit, 0, len(containers))
	for _, c := range containers {
		units = append(units, provider.Unit{
			Handle:    c.ID,
			Name:      c.Labels[labelName],
			Repo:      c.Labels[labelRepo],
			Labels:    c.Labels,
			State:     c.State,
			CreatedAt: time.Unix(c.Created, 0),
		})
	}
	return units, nil
}

func (d *Driver) HealthCheck(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker health check: %w", err)
	}
	return nil
}

func (d *Driver) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

func (d *Driver) pullImage(ctx context.Context, image string) error {
	reader, err := d.client.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	// Drain so the pull actually completes.
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *Driver) buildLabels(spec provider.Spec) map[string]string {
	labels := map[string]string{
		labelName:      spec.Name,
		labelRepo:      spec.Repo,
		labelManagedBy: "rigger",
	}
	for k, v := range d.config.Labels {
		labels[k] = v
	}
	return labels
}

func buildEnv(spec provider.Spec, cfg config.DockerConfig) []string {
	env := []string{
		fmt.Sprintf("RUNNER_NAME=%s", spec.Name),
		fmt.Sprintf("RUNNER_TOKEN=%s", spec.Credential),
		fmt.Sprintf("RUNNER_REPO=%s", spec.Repo),
		fmt.Sprintf("RUNNER_WORKDIR=%s", cfg.RunnerWorkDir),
	}
	if len(spec.Labels) > 0 {
		env = append(env, fmt.Sprintf("RUNNER_LABELS=%s", strings.Join(spec.Labels, ",")))
	}
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// classifyCreate maps runtime failures onto the shared error kinds so the
// scaling engine can pick the right retry policy.
func classifyCreate(err error) error {
	switch {
	case errdefs.IsInvalidParameter(err), errdefs.IsNotFound(err):
		return fmt.Errorf("%v: %w", err, fleet.ErrBadSpec)
	case errdefs.IsConflict(err):
		return fmt.Errorf("%v: %w", err, fleet.ErrBadSpec)
	case errdefs.IsSystem(err):
		return fmt.Errorf("%v: %w", err, fleet.ErrResourceExhausted)
	default:
		return fmt.Errorf("%v: %w", err, fleet.ErrTransient)
	}
}
