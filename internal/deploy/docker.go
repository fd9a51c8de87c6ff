package deploy

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"stagehand/internal/core"
)

const (
	groupLabel   = "stagehand.group"
	serviceLabel = "stagehand.service"
)

// DockerRunner manages the service group as labeled containers through
// the Docker Engine API.
type DockerRunner struct {
	cli         *client.Client
	stopTimeout int // seconds
}

// NewDockerRunner creates a runner from the ambient Docker environment.
func NewDockerRunner() (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &DockerRunner{cli: cli, stopTimeout: 10}, nil
}

// Client exposes the underlying Docker client for collaborators that
// share the connection, like the proxy reloader.
func (r *DockerRunner) Client() *client.Client {
	return r.cli
}

// StartGroup creates and starts one container per spec, labeled with the
// group name so the whole unit can be found later. It returns after
// issuing the start commands; readiness is the health poller's job.
func (r *DockerRunner) StartGroup(ctx context.Context, group string, specs []core.ServiceSpec) error {
	for _, spec := range specs {
		name := containerName(group, spec.Name)

		cfg := &container.Config{
			Image: spec.Image,
			Env:   envList(spec.Env),
			Labels: map[string]string{
				groupLabel:   group,
				serviceLabel: spec.Name,
			},
		}
		hostCfg := &container.HostConfig{}

		if spec.ContainerPort > 0 {
			port := nat.Port(fmt.Sprintf("%d/tcp", spec.ContainerPort))
			cfg.ExposedPorts = nat.PortSet{port: struct{}{}}
			if spec.HostPort > 0 {
				hostCfg.PortBindings = nat.PortMap{
					port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostPort)}},
				}
			}
		}

		resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
		if err != nil {
			return fmt.Errorf("failed to create container %s: %w", name, err)
		}
		if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
			return fmt.Errorf("failed to start container %s: %w", name, err)
		}
		log.Printf("[DEPLOY] Started container %s (image %s)", name, spec.Image)
	}
	return nil
}

// StopGroup stops and removes every container labeled with the group.
// Individual failures are collected, not fatal mid-way, so a wedged
// container never strands its siblings.
func (r *DockerRunner) StopGroup(ctx context.Context, group string) error {
	containers, err := r.listGroup(ctx, group)
	if err != nil {
		return err
	}

	var errs []string
	for _, c := range containers {
		timeout := r.stopTimeout
		if err := r.cli.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout}); err != nil {
			errs = append(errs, fmt.Sprintf("stop %s: %v", displayName(c.Names), err))
			continue
		}
		if err := r.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{}); err != nil {
			errs = append(errs, fmt.Sprintf("remove %s: %v", displayName(c.Names), err))
			continue
		}
		log.Printf("[DEPLOY] Stopped and removed container %s", displayName(c.Names))
	}

	if len(errs) > 0 {
		return fmt.Errorf("stop group %s: %s", group, strings.Join(errs, "; "))
	}
	return nil
}

// GroupStatus reports the current state of every container in the group.
func (r *DockerRunner) GroupStatus(ctx context.Context, group string) ([]core.ServiceStatus, error) {
	containers, err := r.listGroup(ctx, group)
	if err != nil {
		return nil, err
	}

	statuses := make([]core.ServiceStatus, 0, len(containers))
	for _, c := range containers {
		statuses = append(statuses, core.ServiceStatus{
			Name:        c.Labels[serviceLabel],
			ContainerID: c.ID,
			State:       c.State,
			Detail:      c.Status,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses, nil
}

// ServiceLogs returns the last tail lines of one service's log stream.
func (r *DockerRunner) ServiceLogs(ctx context.Context, group, service string, tail int) (string, error) {
	containers, err := r.listGroup(ctx, group)
	if err != nil {
		return "", err
	}

	for _, c := range containers {
		if c.Labels[serviceLabel] != service {
			continue
		}
		rc, err := r.cli.ContainerLogs(ctx, c.ID, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Tail:       strconv.Itoa(tail),
		})
		if err != nil {
			return "", fmt.Errorf("failed to fetch logs for %s: %w", service, err)
		}
		defer rc.Close()

		var buf bytes.Buffer
		// Container logs come multiplexed; demux stdout and stderr together.
		if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
			return "", fmt.Errorf("failed to read logs for %s: %w", service, err)
		}
		return buf.String(), nil
	}
	return "", fmt.Errorf("no container found for service %s in group %s", service, group)
}

func (r *DockerRunner) listGroup(ctx context.Context, group string) ([]container.Summary, error) {
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", groupLabel+"="+group)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list group containers: %w", err)
	}
	return containers, nil
}

func containerName(group, service string) string {
	return fmt.Sprintf("%s-%s", group, service)
}

func displayName(names []string) string {
	if len(names) == 0 {
		return "<unnamed>"
	}
	return strings.TrimPrefix(names[0], "/")
}

// envList renders an env map in the KEY=VALUE form Docker expects,
// sorted for stable container configs.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
