package docker

import (
	"context"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/events"
	"github.com/moby/moby/api/types/network"
)

// API is the subset of Docker operations DockMon needs per host.
// Implemented by Client for production, and by mocks for testing.
type API interface {
	Ping(ctx context.Context) error
	EngineID(ctx context.Context) (string, error)
	ListContainers(ctx context.Context) ([]container.Summary, error)
	ListRunningContainers(ctx context.Context) ([]container.Summary, error)
	InspectContainer(ctx context.Context, id string) (container.InspectResponse, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout int) error
	RestartContainer(ctx context.Context, id string) error
	PauseContainer(ctx context.Context, id string) error
	UnpauseContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error)
	RenameContainer(ctx context.Context, id, newName string) error
	ContainerLogs(ctx context.Context, id string, lines int) (string, error)
	ContainerStats(ctx context.Context, id string) (container.StatsResponse, error)
	ExecContainer(ctx context.Context, id string, cmd []string, timeout int) (int, string, error)
	WatchEvents(ctx context.Context) (<-chan events.Message, <-chan error)
	PullImage(ctx context.Context, refStr string) error
	PullImageWithProgress(ctx context.Context, refStr, registryAuth string, onProgress func(PullProgress)) error
	ImageDigest(ctx context.Context, imageRef string) (string, error)
	ImageID(ctx context.Context, imageRef string) (string, error)
	ImageLabels(ctx context.Context, imageRef string) (map[string]string, error)
	DistributionDigest(ctx context.Context, imageRef string) (string, error)
	TagImage(ctx context.Context, src, target string) error
	RemoveImage(ctx context.Context, id string) error
	NetworkExists(ctx context.Context, name string) (bool, error)
	CreateVolume(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string) error
	Close() error
}

// Verify Client implements API at compile time.
var _ API = (*Client)(nil)
