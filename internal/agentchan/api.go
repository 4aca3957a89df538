package agentchan

import (
	"context"
	"encoding/json"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/events"
	"github.com/moby/moby/api/types/network"

	"github.com/darthnorse/dockmon/internal/docker"
)

// remoteAPI implements docker.API by proxying every call over the agent
// channel. The hosts manager holds it as the session API for agent
// hosts, so the rest of the system never distinguishes a local daemon
// from a proxied one.
type remoteAPI struct {
	ch *Channel

	eventCh chan events.Message
	errCh   chan error
}

var _ docker.API = (*remoteAPI)(nil)

func newRemoteAPI(ch *Channel) *remoteAPI {
	return &remoteAPI{
		ch:      ch,
		eventCh: make(chan events.Message, 64),
		errCh:   make(chan error, 1),
	}
}

type idPayload struct {
	ID string `json:"id"`
}

func (r *remoteAPI) Ping(ctx context.Context) error {
	return r.ch.request(ctx, cmdPing, struct{}{}, nil)
}

func (r *remoteAPI) EngineID(ctx context.Context) (string, error) {
	var resp struct {
		EngineID string `json:"engine_id"`
	}
	err := r.ch.request(ctx, cmdEngineID, struct{}{}, &resp)
	return resp.EngineID, err
}

func (r *remoteAPI) ListContainers(ctx context.Context) ([]container.Summary, error) {
	var out []container.Summary
	err := r.ch.request(ctx, cmdListContainers, struct{}{}, &out)
	return out, err
}

func (r *remoteAPI) ListRunningContainers(ctx context.Context) ([]container.Summary, error) {
	var out []container.Summary
	err := r.ch.request(ctx, cmdListRunning, struct{}{}, &out)
	return out, err
}

func (r *remoteAPI) InspectContainer(ctx context.Context, id string) (container.InspectResponse, error) {
	var out container.InspectResponse
	err := r.ch.request(ctx, cmdInspectContainer, idPayload{ID: id}, &out)
	return out, err
}

func (r *remoteAPI) StartContainer(ctx context.Context, id string) error {
	return r.ch.request(ctx, cmdStartContainer, idPayload{ID: id}, nil)
}

func (r *remoteAPI) StopContainer(ctx context.Context, id string, timeout int) error {
	payload := struct {
		ID      string `json:"id"`
		Timeout int    `json:"timeout"`
	}{id, timeout}
	return r.ch.request(ctx, cmdStopContainer, payload, nil)
}

func (r *remoteAPI) RestartContainer(ctx context.Context, id string) error {
	return r.ch.request(ctx, cmdRestartContainer, idPayload{ID: id}, nil)
}

func (r *remoteAPI) PauseContainer(ctx context.Context, id string) error {
	return r.ch.request(ctx, cmdPauseContainer, idPayload{ID: id}, nil)
}

func (r *remoteAPI) UnpauseContainer(ctx context.Context, id string) error {
	return r.ch.request(ctx, cmdUnpauseContainer, idPayload{ID: id}, nil)
}

func (r *remoteAPI) RemoveContainer(ctx context.Context, id string) error {
	return r.ch.request(ctx, cmdRemoveContainer, idPayload{ID: id}, nil)
}

func (r *remoteAPI) CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	payload := struct {
		Name             string                    `json:"name"`
		Config           *container.Config         `json:"config"`
		HostConfig       *container.HostConfig     `json:"host_config,omitempty"`
		NetworkingConfig *network.NetworkingConfig `json:"networking_config,omitempty"`
	}{name, cfg, hostCfg, netCfg}
	var resp idPayload
	err := r.ch.request(ctx, cmdCreateContainer, payload, &resp)
	return resp.ID, err
}

func (r *remoteAPI) RenameContainer(ctx context.Context, id, newName string) error {
	payload := struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}{id, newName}
	return r.ch.request(ctx, cmdRenameContainer, payload, nil)
}

func (r *remoteAPI) ContainerLogs(ctx context.Context, id string, lines int) (string, error) {
	payload := struct {
		ID    string `json:"id"`
		Lines int    `json:"lines"`
	}{id, lines}
	var resp struct {
		Logs string `json:"logs"`
	}
	err := r.ch.request(ctx, cmdContainerLogs, payload, &resp)
	return resp.Logs, err
}

func (r *remoteAPI) ContainerStats(ctx context.Context, id string) (container.StatsResponse, error) {
	var out container.StatsResponse
	err := r.ch.request(ctx, cmdContainerStats, idPayload{ID: id}, &out)
	return out, err
}

func (r *remoteAPI) ExecContainer(ctx context.Context, id string, cmd []string, timeout int) (int, string, error) {
	payload := struct {
		ID      string   `json:"id"`
		Cmd     []string `json:"cmd"`
		Timeout int      `json:"timeout"`
	}{id, cmd, timeout}
	var resp struct {
		ExitCode int    `json:"exit_code"`
		Output   string `json:"output"`
	}
	err := r.ch.request(ctx, cmdExecContainer, payload, &resp)
	return resp.ExitCode, resp.Output, err
}

// WatchEvents returns the stream of daemon events the agent relays.
// The error channel fires once when the channel is lost.
func (r *remoteAPI) WatchEvents(ctx context.Context) (<-chan events.Message, <-chan error) {
	go func() {
		select {
		case <-ctx.Done():
		case <-r.ch.closed:
			select {
			case r.errCh <- ErrChannelClosed:
			default:
			}
		}
	}()
	return r.eventCh, r.errCh
}

// pushEvent feeds one relayed daemon event to the watcher. Drops when
// the watcher is behind; the pipeline reconciles on its own cadence.
func (r *remoteAPI) pushEvent(msg events.Message) {
	select {
	case r.eventCh <- msg:
	default:
	}
}

func (r *remoteAPI) PullImage(ctx context.Context, refStr string) error {
	payload := struct {
		Ref string `json:"ref"`
	}{refStr}
	return r.ch.request(ctx, cmdPullImage, payload, nil)
}

func (r *remoteAPI) PullImageWithProgress(ctx context.Context, refStr, registryAuth string, onProgress func(docker.PullProgress)) error {
	payload := struct {
		Ref          string `json:"ref"`
		RegistryAuth string `json:"registry_auth,omitempty"`
	}{refStr, registryAuth}
	return r.ch.stream(ctx, cmdPullImage, payload, nil, func(f Frame) {
		if f.Type != framePullProgress || onProgress == nil {
			return
		}
		var p docker.PullProgress
		if json.Unmarshal(f.Payload, &p) == nil {
			onProgress(p)
		}
	})
}

func (r *remoteAPI) imageQuery(ctx context.Context, cmd, ref string) (string, error) {
	payload := struct {
		Ref string `json:"ref"`
	}{ref}
	var resp struct {
		Value string `json:"value"`
	}
	err := r.ch.request(ctx, cmd, payload, &resp)
	return resp.Value, err
}

func (r *remoteAPI) ImageDigest(ctx context.Context, imageRef string) (string, error) {
	return r.imageQuery(ctx, cmdImageDigest, imageRef)
}

func (r *remoteAPI) ImageID(ctx context.Context, imageRef string) (string, error) {
	return r.imageQuery(ctx, cmdImageID, imageRef)
}

func (r *remoteAPI) ImageLabels(ctx context.Context, imageRef string) (map[string]string, error) {
	payload := struct {
		Ref string `json:"ref"`
	}{imageRef}
	var resp struct {
		Labels map[string]string `json:"labels"`
	}
	err := r.ch.request(ctx, cmdImageLabels, payload, &resp)
	return resp.Labels, err
}

func (r *remoteAPI) DistributionDigest(ctx context.Context, imageRef string) (string, error) {
	return r.imageQuery(ctx, cmdDistributionDigest, imageRef)
}

func (r *remoteAPI) TagImage(ctx context.Context, src, target string) error {
	payload := struct {
		Source string `json:"source"`
		Target string `json:"target"`
	}{src, target}
	return r.ch.request(ctx, cmdTagImage, payload, nil)
}

func (r *remoteAPI) RemoveImage(ctx context.Context, id string) error {
	return r.ch.request(ctx, cmdRemoveImage, idPayload{ID: id}, nil)
}

func (r *remoteAPI) NetworkExists(ctx context.Context, name string) (bool, error) {
	payload := struct {
		Name string `json:"name"`
	}{name}
	var resp struct {
		Exists bool `json:"exists"`
	}
	err := r.ch.request(ctx, cmdNetworkExists, payload, &resp)
	return resp.Exists, err
}

func (r *remoteAPI) CreateVolume(ctx context.Context, name string) error {
	payload := struct {
		Name string `json:"name"`
	}{name}
	return r.ch.request(ctx, cmdCreateVolume, payload, nil)
}

func (r *remoteAPI) RemoveVolume(ctx context.Context, name string) error {
	payload := struct {
		Name string `json:"name"`
	}{name}
	return r.ch.request(ctx, cmdRemoveVolume, payload, nil)
}

func (r *remoteAPI) Close() error {
	r.ch.close()
	return nil
}
