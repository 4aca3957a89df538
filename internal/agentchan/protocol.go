// Package agentchan terminates the duplex WebSocket channel to on-host
// agents: command/response correlation, Docker API proxying, and the
// async streams agents push back (stats, health results, events).
package agentchan

import "encoding/json"

// Frame is the wire unit in both directions. Requests carry a generated
// ID the peer echoes on every reply; frames without a pending ID are
// async notifications.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Frame types the controller sends.
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

// Frame types agents send.
const (
	frameRegister     = "register"
	frameResult       = "result"
	frameError        = "error"
	framePullProgress = "pull_progress"
	frameStats        = "host_stats"
	frameHealthResult = "health_check_result"
	frameDockerEvent  = "docker_event"
)

// UpdateCommand is the payload of an update_container command. Registry
// credentials ride inside the command because the agent has no access to
// the controller's credential callback.
type UpdateCommand struct {
	ContainerID  string `json:"container_id"`
	Image        string `json:"image"`
	RegistryAuth string `json:"registry_auth,omitempty"`
	StopTimeout  int    `json:"stop_timeout,omitempty"`
	PullTimeoutS int    `json:"pull_timeout_s,omitempty"`
}

// healthResult is the agent's report for one probe.
type healthResult struct {
	CompositeKey string `json:"composite_key"`
	Healthy      bool   `json:"healthy"`
	Detail       string `json:"detail,omitempty"`
}

// dockerEvent is a daemon event relayed by the agent.
type dockerEvent struct {
	Action     string            `json:"action"`
	ActorID    string            `json:"actor_id"`
	Attributes map[string]string `json:"attributes,omitempty"`
}
