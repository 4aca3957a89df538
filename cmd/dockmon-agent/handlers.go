package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/darthnorse/dockmon/internal/agentchan"
	"github.com/darthnorse/dockmon/internal/docker"
	"github.com/darthnorse/dockmon/internal/store"
)

// Command type strings shared with the controller's agent channel.
const (
	cmdListContainers     = "list_containers"
	cmdListRunning        = "list_running_containers"
	cmdInspectContainer   = "inspect_container"
	cmdStartContainer     = "start_container"
	cmdStopContainer      = "stop_container"
	cmdRestartContainer   = "restart_container"
	cmdPauseContainer     = "pause_container"
	cmdUnpauseContainer   = "unpause_container"
	cmdRemoveContainer    = "remove_container"
	cmdCreateContainer    = "create_container"
	cmdRenameContainer    = "rename_container"
	cmdContainerLogs      = "container_logs"
	cmdContainerStats     = "container_stats"
	cmdExecContainer      = "exec_container"
	cmdPullImage          = "pull_image"
	cmdImageDigest        = "image_digest"
	cmdImageID            = "image_id"
	cmdImageLabels        = "image_labels"
	cmdDistributionDigest = "distribution_digest"
	cmdTagImage           = "tag_image"
	cmdRemoveImage        = "remove_image"
	cmdNetworkExists      = "network_exists"
	cmdCreateVolume       = "create_volume"
	cmdRemoveVolume       = "remove_volume"
	cmdEngineID           = "engine_id"
	cmdPing               = "ping"
	cmdUpdateContainer    = "update_container"
	cmdHealthConfig       = "health_check_config"
	cmdHealthConfigRemove = "health_check_config_remove"
)

type idPayload struct {
	ID string `json:"id"`
}

type refPayload struct {
	Ref string `json:"ref"`
}

// handle executes one controller command and replies on the same ID.
func (s *session) handle(ctx context.Context, f agentchan.Frame) {
	switch f.Type {
	case cmdPing:
		s.result(f.ID, nil)

	case cmdEngineID:
		id, err := s.docker.EngineID(ctx)
		s.reply(f.ID, map[string]string{"engine_id": id}, err)

	case cmdListContainers:
		out, err := s.docker.ListContainers(ctx)
		s.reply(f.ID, out, err)

	case cmdListRunning:
		out, err := s.docker.ListRunningContainers(ctx)
		s.reply(f.ID, out, err)

	case cmdInspectContainer:
		var p idPayload
		if !s.decode(f, &p) {
			return
		}
		out, err := s.docker.InspectContainer(ctx, p.ID)
		s.reply(f.ID, out, err)

	case cmdStartContainer:
		var p idPayload
		if !s.decode(f, &p) {
			return
		}
		s.reply(f.ID, nil, s.docker.StartContainer(ctx, p.ID))

	case cmdStopContainer:
		var p struct {
			ID      string `json:"id"`
			Timeout int    `json:"timeout"`
		}
		if !s.decode(f, &p) {
			return
		}
		s.reply(f.ID, nil, s.docker.StopContainer(ctx, p.ID, p.Timeout))

	case cmdRestartContainer:
		var p idPayload
		if !s.decode(f, &p) {
			return
		}
		s.reply(f.ID, nil, s.docker.RestartContainer(ctx, p.ID))

	case cmdPauseContainer:
		var p idPayload
		if !s.decode(f, &p) {
			return
		}
		s.reply(f.ID, nil, s.docker.PauseContainer(ctx, p.ID))

	case cmdUnpauseContainer:
		var p idPayload
		if !s.decode(f, &p) {
			return
		}
		s.reply(f.ID, nil, s.docker.UnpauseContainer(ctx, p.ID))

	case cmdRemoveContainer:
		var p idPayload
		if !s.decode(f, &p) {
			return
		}
		s.reply(f.ID, nil, s.docker.RemoveContainer(ctx, p.ID))

	case cmdCreateContainer:
		var p struct {
			Name             string                    `json:"name"`
			Config           *container.Config         `json:"config"`
			HostConfig       *container.HostConfig     `json:"host_config,omitempty"`
			NetworkingConfig *network.NetworkingConfig `json:"networking_config,omitempty"`
		}
		if !s.decode(f, &p) {
			return
		}
		id, err := s.docker.CreateContainer(ctx, p.Name, p.Config, p.HostConfig, p.NetworkingConfig)
		s.reply(f.ID, idPayload{ID: id}, err)

	case cmdRenameContainer:
		var p struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if !s.decode(f, &p) {
			return
		}
		s.reply(f.ID, nil, s.docker.RenameContainer(ctx, p.ID, p.Name))

	case cmdContainerLogs:
		var p struct {
			ID    string `json:"id"`
			Lines int    `json:"lines"`
		}
		if !s.decode(f, &p) {
			return
		}
		logs, err := s.docker.ContainerLogs(ctx, p.ID, p.Lines)
		s.reply(f.ID, map[string]string{"logs": logs}, err)

	case cmdContainerStats:
		var p idPayload
		if !s.decode(f, &p) {
			return
		}
		out, err := s.docker.ContainerStats(ctx, p.ID)
		s.reply(f.ID, out, err)

	case cmdExecContainer:
		var p struct {
			ID      string   `json:"id"`
			Cmd     []string `json:"cmd"`
			Timeout int      `json:"timeout"`
		}
		if !s.decode(f, &p) {
			return
		}
		code, output, err := s.docker.ExecContainer(ctx, p.ID, p.Cmd, p.Timeout)
		s.reply(f.ID, map[string]any{"exit_code": code, "output": output}, err)

	case cmdPullImage:
		var p struct {
			Ref          string `json:"ref"`
			RegistryAuth string `json:"registry_auth,omitempty"`
		}
		if !s.decode(f, &p) {
			return
		}
		err := s.docker.PullImageWithProgress(ctx, p.Ref, p.RegistryAuth, func(pr docker.PullProgress) {
			payload, _ := json.Marshal(pr)
			_ = s.send(agentchan.Frame{Type: framePullProgress, ID: f.ID, Payload: payload})
		})
		s.reply(f.ID, nil, err)

	case cmdImageDigest:
		s.imageQuery(ctx, f, s.docker.ImageDigest)

	case cmdImageID:
		s.imageQuery(ctx, f, s.docker.ImageID)

	case cmdDistributionDigest:
		s.imageQuery(ctx, f, s.docker.DistributionDigest)

	case cmdImageLabels:
		var p refPayload
		if !s.decode(f, &p) {
			return
		}
		labels, err := s.docker.ImageLabels(ctx, p.Ref)
		s.reply(f.ID, map[string]any{"labels": labels}, err)

	case cmdTagImage:
		var p struct {
			Source string `json:"source"`
			Target string `json:"target"`
		}
		if !s.decode(f, &p) {
			return
		}
		s.reply(f.ID, nil, s.docker.TagImage(ctx, p.Source, p.Target))

	case cmdRemoveImage:
		var p idPayload
		if !s.decode(f, &p) {
			return
		}
		s.reply(f.ID, nil, s.docker.RemoveImage(ctx, p.ID))

	case cmdNetworkExists:
		var p struct {
			Name string `json:"name"`
		}
		if !s.decode(f, &p) {
			return
		}
		exists, err := s.docker.NetworkExists(ctx, p.Name)
		s.reply(f.ID, map[string]bool{"exists": exists}, err)

	case cmdCreateVolume:
		var p struct {
			Name string `json:"name"`
		}
		if !s.decode(f, &p) {
			return
		}
		s.reply(f.ID, nil, s.docker.CreateVolume(ctx, p.Name))

	case cmdRemoveVolume:
		var p struct {
			Name string `json:"name"`
		}
		if !s.decode(f, &p) {
			return
		}
		s.reply(f.ID, nil, s.docker.RemoveVolume(ctx, p.Name))

	case cmdUpdateContainer:
		var cmd agentchan.UpdateCommand
		if !s.decode(f, &cmd) {
			return
		}
		newID, err := s.updateContainer(ctx, f.ID, cmd)
		s.reply(f.ID, map[string]string{"new_container_id": newID}, err)

	case cmdHealthConfig:
		var cfg store.HealthCheckConfig
		if err := json.Unmarshal(f.Payload, &cfg); err != nil {
			s.log.Warn("malformed health config", "error", err)
			return
		}
		s.probes.apply(cfg)

	case cmdHealthConfigRemove:
		var p struct {
			CompositeKey string `json:"composite_key"`
		}
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return
		}
		s.probes.remove(p.CompositeKey)

	default:
		s.fail(f.ID, fmt.Errorf("unknown command %s", f.Type))
	}
}

func (s *session) imageQuery(ctx context.Context, f agentchan.Frame, fn func(context.Context, string) (string, error)) {
	var p refPayload
	if !s.decode(f, &p) {
		return
	}
	value, err := fn(ctx, p.Ref)
	s.reply(f.ID, map[string]string{"value": value}, err)
}

func (s *session) decode(f agentchan.Frame, v any) bool {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		s.fail(f.ID, fmt.Errorf("malformed %s payload: %v", f.Type, err))
		return false
	}
	return true
}

func (s *session) reply(id string, v any, err error) {
	if err != nil {
		s.fail(id, err)
		return
	}
	s.result(id, v)
}
