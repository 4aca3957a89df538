package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/darthnorse/dockmon/internal/agentchan"
	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/docker"
)

const (
	updateHealthTimeout = 60 * time.Second
	oldNameSuffix       = "-old"
	composePrefix       = "com.docker.compose."
	traefikPrefix       = "traefik."
)

// updateContainer replaces a container with one built from the commanded
// image, entirely on this host. Pull progress streams back on the command
// frame's ID; the old container is restored if the replacement never
// becomes healthy.
func (s *session) updateContainer(ctx context.Context, frameID string, cmd agentchan.UpdateCommand) (string, error) {
	if cmd.Image == "" {
		return "", fmt.Errorf("update command carries no image")
	}

	inspect, err := s.docker.InspectContainer(ctx, cmd.ContainerID)
	if err != nil {
		return "", fmt.Errorf("inspect %s: %w", cmd.ContainerID, err)
	}
	name := strings.TrimPrefix(inspect.Name, "/")

	pullCtx := ctx
	if cmd.PullTimeoutS > 0 {
		var cancel context.CancelFunc
		pullCtx, cancel = context.WithTimeout(ctx, time.Duration(cmd.PullTimeoutS)*time.Second)
		defer cancel()
	}
	err = s.docker.PullImageWithProgress(pullCtx, cmd.Image, cmd.RegistryAuth, func(p docker.PullProgress) {
		payload, _ := json.Marshal(p)
		_ = s.send(agentchan.Frame{Type: framePullProgress, ID: frameID, Payload: payload})
	})
	if err != nil {
		return "", fmt.Errorf("pull %s: %w", cmd.Image, err)
	}

	newCfg := docker.CloneConfig(inspect.Config)
	oldDefaults := map[string]string{}
	if newCfg.Image != "" {
		if defaults, err := s.docker.ImageLabels(ctx, newCfg.Image); err == nil {
			oldDefaults = defaults
		}
	}
	labels := docker.UserLabels(newCfg.Labels, oldDefaults)
	for k, v := range newCfg.Labels {
		if strings.HasPrefix(k, composePrefix) || strings.HasPrefix(k, traefikPrefix) {
			labels[k] = v
		}
	}
	newCfg.Labels = labels
	newCfg.Image = cmd.Image
	netCfg := docker.RebuildNetworkingConfig(inspect.NetworkSettings)

	stopTimeout := cmd.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = 30
	}
	if err := s.docker.StopContainer(ctx, cmd.ContainerID, stopTimeout); err != nil {
		s.log.Warn("stop failed, continuing", "name", name, "error", err)
	}
	if err := s.docker.RenameContainer(ctx, cmd.ContainerID, name+oldNameSuffix); err != nil {
		_ = s.docker.StartContainer(ctx, cmd.ContainerID)
		return "", fmt.Errorf("rename old container %s: %w", name, err)
	}

	newID, err := s.docker.CreateContainer(ctx, name, newCfg, inspect.HostConfig, netCfg)
	if err != nil {
		s.restoreOld(ctx, cmd.ContainerID, name)
		return "", fmt.Errorf("create replacement for %s: %w", name, err)
	}

	healthy := false
	if err := s.docker.StartContainer(ctx, newID); err == nil {
		healthy, _ = docker.WaitForContainerHealth(ctx, s.docker, clock.Real{}, newID, updateHealthTimeout)
	}
	if !healthy {
		s.log.Error("replacement unhealthy, rolling back", "name", name)
		_ = s.docker.StopContainer(ctx, newID, 10)
		_ = s.docker.RemoveContainer(ctx, newID)
		s.restoreOld(ctx, cmd.ContainerID, name)
		return "", fmt.Errorf("replacement for %s failed health verification", name)
	}

	if err := s.docker.RemoveContainer(ctx, cmd.ContainerID); err != nil {
		s.log.Warn("old container removal failed", "name", name, "error", err)
	}
	s.log.Info("update complete", "name", name, "image", cmd.Image)
	return newID, nil
}

func (s *session) restoreOld(ctx context.Context, shortID, name string) {
	if err := s.docker.RenameContainer(ctx, shortID, name); err != nil {
		s.log.Error("rollback rename failed", "name", name, "error", err)
	}
	if err := s.docker.StartContainer(ctx, shortID); err != nil {
		s.log.Error("rollback start failed", "name", name, "error", err)
	}
}
