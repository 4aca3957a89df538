package updates

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/config"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/hosts"
	"github.com/darthnorse/dockmon/internal/keys"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/metrics"
	"github.com/darthnorse/dockmon/internal/pipeline"
	"github.com/darthnorse/dockmon/internal/store"
)

// ContainerIndex resolves the currently observed containers.
// Implemented by the pipeline.
type ContainerIndex interface {
	Snapshots() []pipeline.Snapshot
}

// Checker compares local image digests against the registry and flags
// containers with updates available.
type Checker struct {
	store *store.Store
	mgr   *hosts.Manager
	index ContainerIndex
	bus   *events.Bus
	cfg   *config.Config
	log   *logging.Logger
	clock clock.Clock
}

// NewChecker creates a Checker.
func NewChecker(st *store.Store, mgr *hosts.Manager, index ContainerIndex, bus *events.Bus, cfg *config.Config, log *logging.Logger, clk clock.Clock) *Checker {
	return &Checker{store: st, mgr: mgr, index: index, bus: bus, cfg: cfg, log: log, clock: clk}
}

// Run schedules CheckAll on the configured cron expression and blocks
// until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) error {
	sched := cron.New()
	if _, err := sched.AddFunc(c.cfg.UpdateCheckCron, func() { c.CheckAll(ctx) }); err != nil {
		return fmt.Errorf("update check cron %q: %w", c.cfg.UpdateCheckCron, err)
	}
	sched.Start()
	<-ctx.Done()
	stopped := sched.Stop()
	<-stopped.Done()
	return nil
}

// CheckAll seeds records for newly observed containers, then checks
// every record against the registry. Per-container failures are logged
// and skipped so one broken registry never stalls the sweep.
func (c *Checker) CheckAll(ctx context.Context) {
	c.seed(ctx)

	records, err := c.store.ListContainerUpdates(false)
	if err != nil {
		c.log.Error("list container updates", "error", err)
		return
	}

	available := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			return
		}
		updated, err := c.checkOne(ctx, rec)
		if err != nil {
			c.log.Warn("update check failed", "key", rec.CompositeKey, "error", err)
			continue
		}
		if updated.UpdateAvailable {
			available++
		}
	}
	metrics.UpdatesAvailable.Set(float64(available))
}

// seed creates update records for observed containers that have none,
// capturing the running image and its local digest as the baseline.
func (c *Checker) seed(ctx context.Context) {
	for _, snap := range c.index.Snapshots() {
		if isLocalImage(snap.Image) {
			continue
		}
		existing, err := c.store.GetContainerUpdate(snap.CompositeKey)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			c.log.Error("load update record", "key", snap.CompositeKey, "error", err)
			continue
		}
		if existing != nil {
			continue
		}
		sess, ok := c.mgr.Session(snap.HostID)
		if !ok {
			continue
		}
		digest, err := sess.API.ImageDigest(ctx, snap.Image)
		if err != nil {
			c.log.Debug("local digest lookup failed", "image", snap.Image, "error", err)
			continue
		}
		rec := store.ContainerUpdate{
			CompositeKey:    snap.CompositeKey,
			HostID:          snap.HostID,
			CurrentImage:    snap.Image,
			CurrentDigest:   digest,
			LatestImage:     snap.Image,
			FloatingTagMode: "latest",
		}
		if err := c.store.SaveContainerUpdate(rec); err != nil {
			c.log.Error("save update record", "key", snap.CompositeKey, "error", err)
		}
	}
}

// checkOne queries the registry for one container and persists the
// outcome. A transition to update-available publishes an event.
func (c *Checker) checkOne(ctx context.Context, rec store.ContainerUpdate) (store.ContainerUpdate, error) {
	sess, ok := c.mgr.Session(rec.HostID)
	if !ok {
		return rec, fmt.Errorf("host %s offline", rec.HostID)
	}

	// Exact mode pins the running reference; latest mode tracks whatever
	// the configured floating tag points at now.
	ref := rec.CurrentImage
	if rec.FloatingTagMode != "exact" && rec.LatestImage != "" {
		ref = rec.LatestImage
	}

	remote, err := sess.API.DistributionDigest(ctx, ref)
	if err != nil {
		return rec, fmt.Errorf("registry digest for %s: %w", ref, err)
	}

	wasAvailable := rec.UpdateAvailable
	rec.LatestImage = ref
	rec.LatestDigest = remote
	rec.UpdateAvailable = remote != "" && !digestsEqual(rec.CurrentDigest, remote)
	rec.LastCheckedAt = c.clock.Now().UTC()

	if err := c.store.SaveContainerUpdate(rec); err != nil {
		return rec, err
	}

	if rec.UpdateAvailable && !wasAvailable {
		c.log.Info("update available", "key", rec.CompositeKey, "image", ref)
		c.bus.PublishData(events.TypeUpdateAvailable, rec.HostID, rec.CompositeKey, map[string]any{
			"composite_key": rec.CompositeKey,
			"latest_image":  rec.LatestImage,
			"latest_digest": rec.LatestDigest,
		})
	}
	return rec, nil
}

// digestsEqual compares digests, tolerating a repo@sha256:... local form
// against a bare sha256:... registry form.
func digestsEqual(local, remote string) bool {
	if local == remote {
		return true
	}
	if i := strings.LastIndex(local, "@"); i >= 0 {
		return local[i+1:] == remote
	}
	return false
}

// isLocalImage reports whether a reference can never resolve against a
// registry: image IDs and digest-pinned references.
func isLocalImage(ref string) bool {
	return ref == "" || strings.HasPrefix(ref, "sha256:") || strings.Contains(ref, "@sha256:")
}

// normalizeKey truncates long container IDs before composite key use.
func normalizeKey(hostID, containerID string) (string, error) {
	return keys.MakeCompositeKey(hostID, keys.NormalizeContainerID(containerID))
}
