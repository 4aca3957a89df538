package deploy

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/config"
	"github.com/darthnorse/dockmon/internal/docker"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/hosts"
	"github.com/darthnorse/dockmon/internal/keys"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/metrics"
	"github.com/darthnorse/dockmon/internal/store"
)

// startVerifyTimeout bounds the post-start health wait per container.
const startVerifyTimeout = 60 * time.Second

// Executor drives deployments through their lifecycle on a host.
type Executor struct {
	store *store.Store
	mgr   *hosts.Manager
	bus   *events.Bus
	cfg   *config.Config
	log   *logging.Logger
	clock clock.Clock
}

// NewExecutor creates a deployment executor.
func NewExecutor(st *store.Store, mgr *hosts.Manager, bus *events.Bus, cfg *config.Config, log *logging.Logger, clk clock.Clock) *Executor {
	return &Executor{store: st, mgr: mgr, bus: bus, cfg: cfg, log: log, clock: clk}
}

// createdResources tracks what a deployment materialized on the host so
// rollback can remove exactly that and nothing else.
type createdResources struct {
	containers []string // container IDs (short)
	volumes    []string // named volumes created by this deployment
}

// Execute runs one deployment to a terminal state. The returned error
// reflects the outcome; the deployment record always ends terminal.
func (e *Executor) Execute(ctx context.Context, deploymentID string) error {
	d, err := e.store.GetDeployment(deploymentID)
	if err != nil {
		return err
	}
	started := e.clock.Now()
	defer func() {
		metrics.DeploymentDuration.Observe(e.clock.Since(started).Seconds())
		e.refreshGauges()
	}()

	var created createdResources
	if err := e.run(ctx, d, &created); err != nil {
		e.fail(ctx, d, &created, err)
		return err
	}
	return nil
}

func (e *Executor) run(ctx context.Context, d *store.Deployment, created *createdResources) error {
	if err := e.transition(d, store.DeployValidating, "validating definition"); err != nil {
		return err
	}
	cf, order, err := ValidateCompose(d.Definition)
	if err != nil {
		return fmt.Errorf("validation: %w", err)
	}

	sess, err := e.mgr.Ensure(ctx, d.HostID)
	if err != nil {
		return fmt.Errorf("host session: %w", err)
	}
	api := sess.API

	if err := e.transition(d, store.DeployPullingImage, "pulling images"); err != nil {
		return err
	}
	if err := e.pullImages(ctx, api, d, cf, order); err != nil {
		return err
	}

	if err := e.transition(d, store.DeployCreating, "creating containers"); err != nil {
		return err
	}
	ids := make(map[string]string, len(order)) // service -> short container ID
	for _, name := range order {
		id, err := e.createService(ctx, api, d, name, cf.Services[name], cf, created)
		if err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}
		ids[name] = id
	}

	// Commitment point: containers exist and their metadata rows are
	// committed. Rollback no longer applies past here.
	d.Committed = true
	if err := e.store.UpdateDeployment(*d); err != nil {
		return fmt.Errorf("commit deployment: %w", err)
	}

	if err := e.transition(d, store.DeployStarting, "starting containers"); err != nil {
		return err
	}
	for _, name := range order {
		id := ids[name]
		if err := api.StartContainer(ctx, id); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
		ok, err := docker.WaitForContainerHealth(ctx, api, e.clock, id, startVerifyTimeout)
		if err != nil {
			return fmt.Errorf("verify %s: %w", name, err)
		}
		if !ok {
			return fmt.Errorf("service %s failed verification after start", name)
		}
	}

	return e.transition(d, store.DeployRunning, "running")
}

// pullImages pulls each distinct image once, streaming aggregated layer
// progress to subscribers.
func (e *Executor) pullImages(ctx context.Context, api docker.API, d *store.Deployment, cf *ComposeFile, order []string) error {
	pullCtx := ctx
	if e.cfg.PullTimeout > 0 {
		var cancel context.CancelFunc
		pullCtx, cancel = context.WithTimeout(ctx, e.cfg.PullTimeout)
		defer cancel()
	}

	seen := make(map[string]bool)
	for _, name := range order {
		img := cf.Services[name].Image
		if img == "" || seen[img] {
			continue
		}
		seen[img] = true

		tracker := docker.NewProgressTracker(e.clock)
		err := api.PullImageWithProgress(pullCtx, img, "", func(p docker.PullProgress) {
			e.bus.PublishData(events.TypeDeploymentProgress, d.HostID, d.ID, tracker.Update(p))
		})
		if err != nil {
			return fmt.Errorf("pull %s: %w", img, err)
		}
		e.bus.PublishData(events.TypeDeploymentProgress, d.HostID, d.ID, tracker.Snapshot())
	}
	return nil
}

// createService materializes one service as a container, creating any
// named volumes it references and recording its deployment metadata.
func (e *Executor) createService(ctx context.Context, api docker.API, d *store.Deployment, name string, svc Service, cf *ComposeFile, created *createdResources) (string, error) {
	cfg, hostCfg, netCfg, err := e.containerSpec(ctx, api, d, name, svc, cf, created)
	if err != nil {
		return "", err
	}

	containerName := svc.ContainerName
	if containerName == "" {
		containerName = d.Name
		if d.Type == "stack" {
			containerName = d.Name + "-" + name
		}
	}

	fullID, err := api.CreateContainer(ctx, containerName, cfg, hostCfg, netCfg)
	if err != nil {
		return "", err
	}
	shortID := keys.NormalizeContainerID(fullID)
	created.containers = append(created.containers, shortID)

	ck, err := keys.MakeCompositeKey(d.HostID, shortID)
	if err != nil {
		return "", err
	}
	meta := store.DeploymentMetadata{
		ContainerID:  ck,
		HostID:       d.HostID,
		DeploymentID: d.ID,
		IsManaged:    true,
		ServiceName:  name,
	}
	if err := e.store.SaveDeploymentMetadata(meta); err != nil {
		return "", fmt.Errorf("save metadata: %w", err)
	}
	return shortID, nil
}

// containerSpec maps a compose service to Docker create options.
func (e *Executor) containerSpec(ctx context.Context, api docker.API, d *store.Deployment, name string, svc Service, cf *ComposeFile, created *createdResources) (*container.Config, *container.HostConfig, *network.NetworkingConfig, error) {
	memBytes, nanoCPUs, err := resources(svc)
	if err != nil {
		return nil, nil, nil, err
	}

	cfg := &container.Config{
		Image:  svc.Image,
		User:   svc.User,
		Labels: map[string]string{},
	}
	for k, v := range svc.Labels {
		cfg.Labels[k] = v
	}
	if d.Type == "stack" {
		cfg.Labels["com.docker.compose.project"] = stackLabel(d)
		cfg.Labels["com.docker.compose.service"] = name
	}
	cfg.Cmd = append(cfg.Cmd, svc.Command...)
	cfg.Entrypoint = append(cfg.Entrypoint, svc.Entrypoint...)
	for k, v := range svc.Environment {
		cfg.Env = append(cfg.Env, k+"="+v)
	}
	if hc := svc.Healthcheck; hc != nil {
		cfg.Healthcheck, err = healthConfig(hc)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	hostCfg := &container.HostConfig{
		Privileged: svc.Privileged,
		ExtraHosts: []string(svc.ExtraHosts),
	}
	hostCfg.CapAdd = append(hostCfg.CapAdd, svc.CapAdd...)
	hostCfg.CapDrop = append(hostCfg.CapDrop, svc.CapDrop...)
	hostCfg.Memory = memBytes
	hostCfg.NanoCPUs = nanoCPUs
	if svc.Restart != "" {
		hostCfg.RestartPolicy = container.RestartPolicy{
			Name: container.RestartPolicyMode(svc.Restart),
		}
	}
	for _, dev := range svc.Devices {
		mapping, err := deviceMapping(dev)
		if err != nil {
			return nil, nil, nil, err
		}
		hostCfg.Devices = append(hostCfg.Devices, mapping)
	}

	if err := e.applyVolumes(ctx, api, svc, cf, hostCfg, created); err != nil {
		return nil, nil, nil, err
	}
	if err := applyPorts(svc, cfg, hostCfg); err != nil {
		return nil, nil, nil, err
	}

	netCfg, err := e.applyNetworks(ctx, api, d, svc, hostCfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, hostCfg, netCfg, nil
}

func stackLabel(d *store.Deployment) string {
	if d.StackName != "" {
		return d.StackName
	}
	return d.Name
}

// applyVolumes splits bind mounts from named volumes, auto-creating
// named volumes that do not exist yet.
func (e *Executor) applyVolumes(ctx context.Context, api docker.API, svc Service, cf *ComposeFile, hostCfg *container.HostConfig, created *createdResources) error {
	for _, vol := range svc.Volumes {
		src, _, ok := strings.Cut(vol, ":")
		if !ok {
			return fmt.Errorf("invalid volume %q", vol)
		}
		if strings.HasPrefix(src, "/") || strings.HasPrefix(src, ".") || strings.HasPrefix(src, "~") {
			hostCfg.Binds = append(hostCfg.Binds, vol)
			continue
		}
		// Named volume. External volumes must already exist; everything
		// else is created with the local driver on first use.
		if spec, declared := cf.Volumes[src]; !declared || !spec.External {
			if err := api.CreateVolume(ctx, src); err != nil {
				return fmt.Errorf("create volume %s: %w", src, err)
			}
			created.volumes = append(created.volumes, src)
		}
		hostCfg.Binds = append(hostCfg.Binds, vol)
	}
	return nil
}

// applyPorts translates port mappings onto the container config.
func applyPorts(svc Service, cfg *container.Config, hostCfg *container.HostConfig) error {
	if len(svc.Ports) == 0 {
		return nil
	}
	cfg.ExposedPorts = make(network.PortSet)
	hostCfg.PortBindings = make(network.PortMap)

	for _, spec := range svc.Ports {
		mapping, proto, _ := strings.Cut(spec, "/")
		if proto == "" {
			proto = "tcp"
		}
		parts := strings.Split(mapping, ":")

		var hostIP, hostPort, ctrPort string
		switch len(parts) {
		case 1:
			ctrPort = parts[0]
		case 2:
			hostPort, ctrPort = parts[0], parts[1]
		case 3:
			hostIP, hostPort, ctrPort = parts[0], parts[1], parts[2]
		default:
			return fmt.Errorf("invalid port mapping %q", spec)
		}

		port, err := network.ParsePort(ctrPort + "/" + proto)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", spec, err)
		}
		cfg.ExposedPorts[port] = struct{}{}
		if hostPort != "" {
			binding := network.PortBinding{HostPort: hostPort}
			if hostIP != "" {
				addr, err := netip.ParseAddr(hostIP)
				if err != nil {
					return fmt.Errorf("invalid host IP in %q: %w", spec, err)
				}
				binding.HostIP = addr
			}
			hostCfg.PortBindings[port] = append(hostCfg.PortBindings[port], binding)
		}
	}
	return nil
}

// applyNetworks wires the service into its networks. A referenced
// network that does not exist on the host falls back to bridge with a
// warning; networks are never auto-created.
func (e *Executor) applyNetworks(ctx context.Context, api docker.API, d *store.Deployment, svc Service, hostCfg *container.HostConfig) (*network.NetworkingConfig, error) {
	if svc.NetworkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(svc.NetworkMode)
		return nil, nil
	}
	if len(svc.Networks) == 0 {
		return nil, nil
	}

	endpoints := make(map[string]*network.EndpointSettings)
	for _, netName := range svc.Networks {
		if isBuiltinNetwork(netName) {
			endpoints[netName] = &network.EndpointSettings{}
			continue
		}
		exists, err := api.NetworkExists(ctx, netName)
		if err != nil {
			return nil, fmt.Errorf("inspect network %s: %w", netName, err)
		}
		if !exists {
			e.log.Warn("network missing, falling back to bridge",
				"deployment", d.ID, "network", netName)
			endpoints["bridge"] = &network.EndpointSettings{}
			continue
		}
		endpoints[netName] = &network.EndpointSettings{}
	}
	return &network.NetworkingConfig{EndpointsConfig: endpoints}, nil
}

func isBuiltinNetwork(name string) bool {
	return name == "bridge" || name == "host" || name == "none"
}

func healthConfig(hc *Healthcheck) (*container.HealthConfig, error) {
	out := &container.HealthConfig{
		Test:    []string(hc.Test),
		Retries: hc.Retries,
	}
	for _, f := range []struct {
		val string
		dst *time.Duration
	}{
		{hc.Interval, &out.Interval},
		{hc.Timeout, &out.Timeout},
		{hc.StartPeriod, &out.StartPeriod},
	} {
		if f.val == "" {
			continue
		}
		d, err := time.ParseDuration(f.val)
		if err != nil {
			return nil, fmt.Errorf("invalid healthcheck duration %q", f.val)
		}
		*f.dst = d
	}
	return out, nil
}

func deviceMapping(spec string) (container.DeviceMapping, error) {
	parts := strings.Split(spec, ":")
	switch len(parts) {
	case 1:
		return container.DeviceMapping{PathOnHost: parts[0], PathInContainer: parts[0], CgroupPermissions: "rwm"}, nil
	case 2:
		return container.DeviceMapping{PathOnHost: parts[0], PathInContainer: parts[1], CgroupPermissions: "rwm"}, nil
	case 3:
		return container.DeviceMapping{PathOnHost: parts[0], PathInContainer: parts[1], CgroupPermissions: parts[2]}, nil
	default:
		return container.DeviceMapping{}, fmt.Errorf("invalid device %q", spec)
	}
}

// fail moves the deployment to failed and rolls back when allowed.
func (e *Executor) fail(ctx context.Context, d *store.Deployment, created *createdResources, cause error) {
	d.ErrorMessage = cause.Error()
	if err := e.transition(d, store.DeployFailed, "failed"); err != nil {
		e.log.Error("record deployment failure", "deployment", d.ID, "error", err)
		return
	}
	e.log.Warn("deployment failed", "deployment", d.ID, "error", cause)

	if d.Committed || !d.RollbackOnFailure {
		return
	}
	e.rollback(ctx, d, created)
}

// rollback removes only what this deployment created, then transitions
// to rolled_back. Cleanup failures are logged without masking the
// original error.
func (e *Executor) rollback(ctx context.Context, d *store.Deployment, created *createdResources) {
	sess, ok := e.mgr.Session(d.HostID)
	if !ok {
		e.log.Error("rollback skipped, host offline", "deployment", d.ID)
		return
	}
	api := sess.API

	for _, id := range created.containers {
		if err := api.StopContainer(ctx, id, 10); err != nil {
			e.log.Warn("rollback stop", "container", id, "error", err)
		}
		if err := api.RemoveContainer(ctx, id); err != nil {
			e.log.Warn("rollback remove", "container", id, "error", err)
		}
	}
	for _, vol := range created.volumes {
		if err := api.RemoveVolume(ctx, vol); err != nil {
			e.log.Warn("rollback volume", "volume", vol, "error", err)
		}
	}

	if err := e.transition(d, store.DeployRolledBack, "rolled back"); err != nil {
		e.log.Error("record rollback", "deployment", d.ID, "error", err)
	}
}

func (e *Executor) publishStatus(d store.Deployment) {
	e.bus.PublishData(events.TypeDeploymentStatus, d.HostID, d.ID, map[string]any{
		"deployment_id":    d.ID,
		"status":           string(d.Status),
		"progress_percent": d.ProgressPercent,
		"current_stage":    d.CurrentStage,
		"error":            d.ErrorMessage,
	})
}

func (e *Executor) refreshGauges() {
	all, err := e.store.ListDeployments("")
	if err != nil {
		return
	}
	counts := make(map[string]float64)
	for _, d := range all {
		counts[string(d.Status)]++
	}
	for _, s := range []store.DeploymentStatus{
		store.DeployPending, store.DeployValidating, store.DeployPullingImage,
		store.DeployCreating, store.DeployStarting, store.DeployRunning,
		store.DeployFailed, store.DeployRolledBack,
	} {
		metrics.DeploymentsByStatus.WithLabelValues(string(s)).Set(counts[string(s)])
	}
}
