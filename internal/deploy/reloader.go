package deploy

import (
	"context"
	"fmt"
	"log"

	"github.com/docker/docker/client"
)

// DockerReloader signals the reverse-proxy container to reload its
// configuration gracefully (SIGHUP, nginx semantics: re-read config,
// drain old workers, keep in-flight connections alive). The signal is
// idempotent.
type DockerReloader struct {
	cli           *client.Client
	containerName string
}

// NewDockerReloader builds a reloader targeting the named container.
func NewDockerReloader(cli *client.Client, containerName string) *DockerReloader {
	return &DockerReloader{cli: cli, containerName: containerName}
}

// Reload implements core.ProxyReloader.
func (r *DockerReloader) Reload(ctx context.Context) error {
	if err := r.cli.ContainerKill(ctx, r.containerName, "SIGHUP"); err != nil {
		return fmt.Errorf("failed to signal proxy %s: %w", r.containerName, err)
	}
	log.Printf("[DEPLOY] Sent SIGHUP to proxy container %s", r.containerName)
	return nil
}
