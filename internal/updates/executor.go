package updates

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/moby/moby/api/types/container"

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

const (
	stopTimeout      = 30 // seconds
	healthTimeout    = 60 * time.Second
	oldNameSuffix    = "-old"
	preservedPrefix1 = "com.docker.compose."
	preservedPrefix2 = "traefik."
)

// Credentials is a registry login pair.
type Credentials struct {
	Username string
	Password string
}

// CredentialFunc resolves registry credentials for an image reference.
// Returning nil means anonymous pull. Errors are treated as "no auth",
// never as update failures.
type CredentialFunc func(imageRef string) (*Credentials, error)

// Executor replaces a running container with one built from a newer
// image, preserving user labels and network identity, with rollback
// when the replacement never becomes healthy.
type Executor struct {
	store   *store.Store
	mgr     *hosts.Manager
	bus     *events.Bus
	tracker *Tracker
	creds   CredentialFunc
	cfg     *config.Config
	log     *logging.Logger
	clock   clock.Clock
}

// NewExecutor creates an Executor. creds may be nil when no registry
// credentials are configured.
func NewExecutor(st *store.Store, mgr *hosts.Manager, bus *events.Bus, tracker *Tracker, creds CredentialFunc, cfg *config.Config, log *logging.Logger, clk clock.Clock) *Executor {
	return &Executor{store: st, mgr: mgr, bus: bus, tracker: tracker, creds: creds, cfg: cfg, log: log, clock: clk}
}

// Update replaces the container behind compositeKey with its
// latest_image, looking up registry credentials through the callback.
func (e *Executor) Update(ctx context.Context, compositeKey string) error {
	return e.run(ctx, compositeKey, false)
}

// UpdateSelf is the self-update path for the DockMon controller and
// agent containers. It never calls the credential callback: the image
// is pulled with whatever auth the daemon already holds.
func (e *Executor) UpdateSelf(ctx context.Context, compositeKey string) error {
	return e.run(ctx, compositeKey, true)
}

func (e *Executor) run(ctx context.Context, oldKey string, selfUpdate bool) error {
	start := e.clock.Now()
	outcome := "failed"
	defer func() {
		metrics.UpdatesTotal.WithLabelValues(outcome).Inc()
		metrics.UpdateDuration.Observe(e.clock.Since(start).Seconds())
	}()

	hostID, shortID, err := keys.ParseCompositeKey(oldKey)
	if err != nil {
		return err
	}
	sess, ok := e.mgr.Session(hostID)
	if !ok {
		return fmt.Errorf("host %s is offline", hostID)
	}
	api := sess.API

	inspect, err := api.InspectContainer(ctx, shortID)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", oldKey, err)
	}
	name := strings.TrimPrefix(inspect.Name, "/")
	oldImage := ""
	if inspect.Config != nil {
		oldImage = inspect.Config.Image
	}

	target := oldImage
	if rec, err := e.store.GetContainerUpdate(oldKey); err == nil && rec != nil && rec.LatestImage != "" {
		target = rec.LatestImage
	}
	if target == "" {
		return fmt.Errorf("no target image for %s", oldKey)
	}

	auth := ""
	if !selfUpdate {
		auth = e.RegistryAuth(target)
	}

	if err := e.pull(ctx, api, oldKey, hostID, target, auth); err != nil {
		return fmt.Errorf("pull %s: %w", target, err)
	}

	newCfg, err := e.buildConfig(ctx, api, inspect, target)
	if err != nil {
		return err
	}
	netCfg := docker.RebuildNetworkingConfig(inspect.NetworkSettings)

	// From here on the old container is disturbed; anything that fails
	// must put it back.
	e.log.Info("stopping container for update", "name", name, "image", target)
	if err := api.StopContainer(ctx, shortID, stopTimeout); err != nil {
		e.log.Warn("stop failed, continuing", "name", name, "error", err)
	}
	if err := api.RenameContainer(ctx, shortID, name+oldNameSuffix); err != nil {
		_ = api.StartContainer(ctx, shortID)
		return fmt.Errorf("rename old container %s: %w", name, err)
	}

	newID, err := api.CreateContainer(ctx, name, newCfg, inspect.HostConfig, netCfg)
	if err != nil {
		e.restoreOld(ctx, api, shortID, name)
		return fmt.Errorf("create replacement for %s: %w", name, err)
	}
	newKey, err := normalizeKey(hostID, newID)
	if err != nil {
		newKey = oldKey
	}

	// Both keys guard the auto-restart race until teardown completes.
	e.tracker.Add(oldKey, newKey)
	defer e.tracker.Remove(oldKey, newKey)

	healthy := false
	if err := api.StartContainer(ctx, newID); err == nil {
		healthy, _ = docker.WaitForContainerHealth(ctx, api, e.clock, newID, healthTimeout)
	}
	if !healthy {
		e.log.Error("replacement unhealthy, rolling back", "name", name)
		_ = api.StopContainer(ctx, newID, 10)
		_ = api.RemoveContainer(ctx, newID)
		e.restoreOld(ctx, api, shortID, name)
		e.recordOutcome(oldKey, hostID, "rollback", target)
		outcome = "rollback"
		return fmt.Errorf("replacement for %s failed health verification", name)
	}

	// Committed: the replacement is healthy, the old container goes away.
	if err := api.RemoveContainer(ctx, shortID); err != nil {
		e.log.Warn("old container removal failed", "name", name, "error", err)
	}

	if err := e.store.MigrateContainerTagAssignments(oldKey, newKey); err != nil {
		e.log.Error("tag migration failed", "old", oldKey, "new", newKey, "error", err)
	}
	e.migrateRecord(ctx, api, oldKey, newKey, hostID, target)
	e.recordOutcome(newKey, hostID, "success", target)
	outcome = "success"

	e.log.Info("update complete", "name", name, "image", target,
		"new_id", keys.NormalizeContainerID(newID), "duration", e.clock.Since(start))
	return nil
}

// pull fetches the target image, streaming layer progress to the hub.
func (e *Executor) pull(ctx context.Context, api docker.API, key, hostID, ref, auth string) error {
	pullCtx, cancel := context.WithTimeout(ctx, e.cfg.PullTimeout)
	defer cancel()

	tracker := docker.NewProgressTracker(e.clock)
	return api.PullImageWithProgress(pullCtx, ref, auth, func(p docker.PullProgress) {
		snap := tracker.Update(p)
		data, err := json.Marshal(snap)
		if err != nil {
			return
		}
		e.bus.PublishData(events.TypeUpdateProgress, hostID, key, map[string]any{
			"composite_key": key,
			"image":         ref,
			"progress":      json.RawMessage(data),
		})
	})
}

// buildConfig derives the replacement's config from the old container:
// the new image, plus only the labels the user set. Image-default labels
// from the old image are dropped so the new image's own defaults apply,
// while compose and Traefik labels always survive.
func (e *Executor) buildConfig(ctx context.Context, api docker.API, inspect container.InspectResponse, target string) (*container.Config, error) {
	cfg := docker.CloneConfig(inspect.Config)

	oldDefaults := map[string]string{}
	if cfg.Image != "" {
		if defaults, err := api.ImageLabels(ctx, cfg.Image); err == nil {
			oldDefaults = defaults
		} else {
			e.log.Debug("old image labels unavailable", "image", cfg.Image, "error", err)
		}
	}

	labels := docker.UserLabels(cfg.Labels, oldDefaults)
	for k, v := range cfg.Labels {
		if strings.HasPrefix(k, preservedPrefix1) || strings.HasPrefix(k, preservedPrefix2) {
			labels[k] = v
		}
	}
	cfg.Labels = labels
	cfg.Image = target
	return cfg, nil
}

// restoreOld renames the parked old container back and starts it.
func (e *Executor) restoreOld(ctx context.Context, api docker.API, shortID, name string) {
	if err := api.RenameContainer(ctx, shortID, name); err != nil {
		e.log.Error("rollback rename failed", "name", name, "error", err)
	}
	if err := api.StartContainer(ctx, shortID); err != nil {
		e.log.Error("rollback start failed", "name", name, "error", err)
	}
}

// migrateRecord rewrites the update record under the new composite key
// with the fresh image as the baseline.
func (e *Executor) migrateRecord(ctx context.Context, api docker.API, oldKey, newKey, hostID, target string) {
	digest, err := api.ImageDigest(ctx, target)
	if err != nil {
		e.log.Debug("new digest lookup failed", "image", target, "error", err)
	}
	rec := store.ContainerUpdate{
		CompositeKey:    newKey,
		HostID:          hostID,
		CurrentImage:    target,
		CurrentDigest:   digest,
		LatestImage:     target,
		LatestDigest:    digest,
		FloatingTagMode: "latest",
		LastCheckedAt:   e.clock.Now().UTC(),
	}
	if prev, err := e.store.GetContainerUpdate(oldKey); err == nil && prev != nil && prev.FloatingTagMode != "" {
		rec.FloatingTagMode = prev.FloatingTagMode
	}
	_ = e.store.DeleteContainerUpdate(oldKey)
	if err := e.store.SaveContainerUpdate(rec); err != nil {
		e.log.Error("save migrated update record", "key", newKey, "error", err)
	}
}

// recordOutcome appends the update outcome to the event log.
func (e *Executor) recordOutcome(key, hostID, outcome, image string) {
	if err := e.store.AppendEventLog(store.EventLogEntry{
		Timestamp: e.clock.Now().UTC(),
		Category:  "update",
		HostID:    hostID,
		EntityID:  key,
		Message:   fmt.Sprintf("update %s: %s", outcome, image),
	}); err != nil {
		e.log.Error("append event log", "error", err)
	}
}

// RegistryAuth resolves and encodes credentials for an image as the
// base64 auth header Docker expects. Callback errors mean anonymous
// pull. Also used to embed credentials in agent-side update commands.
func (e *Executor) RegistryAuth(ref string) string {
	if e.creds == nil {
		return ""
	}
	creds, err := e.creds(ref)
	if err != nil {
		e.log.Debug("credential lookup failed, pulling anonymously", "image", ref, "error", err)
		return ""
	}
	if creds == nil {
		return ""
	}
	payload, err := json.Marshal(map[string]string{
		"username": creds.Username,
		"password": creds.Password,
	})
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(payload)
}
