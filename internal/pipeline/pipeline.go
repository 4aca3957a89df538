// Package pipeline turns raw Docker state into normalized container
// snapshots. Each online host contributes an event stream tail plus a
// periodic full list; the two are merged so a missed event is always
// repaired by the next reconciliation pass.
package pipeline

import (
	"context"
	"strings"
	"sync"
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

// Snapshot is the normalized view of one container. Authoritative state
// lives in the Docker daemon; snapshots are transient.
type Snapshot struct {
	CompositeKey string            `json:"composite_key"`
	HostID       string            `json:"host_id"`
	ShortID      string            `json:"short_id"`
	Name         string            `json:"name"`
	Image        string            `json:"image"`
	State        string            `json:"state"`
	StatusText   string            `json:"status_text"`
	Labels       map[string]string `json:"labels,omitempty"`
	DerivedTags  []string          `json:"derived_tags,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// fingerprint is the dedup identity: a snapshot is only re-published when
// state, status text, or derived tags change.
func (s Snapshot) fingerprint() string {
	return s.State + "|" + s.StatusText + "|" + strings.Join(s.DerivedTags, ",")
}

// Pipeline reconciles container state per host and publishes snapshots.
type Pipeline struct {
	mgr   *hosts.Manager
	store *store.Store
	bus   *events.Bus
	cfg   *config.Config
	log   *logging.Logger
	clock clock.Clock

	mu    sync.RWMutex
	seen  map[string]string   // composite_key -> last published fingerprint
	last  map[string]Snapshot // composite_key -> last good snapshot
	tails map[string]context.CancelFunc
}

// New creates a Pipeline.
func New(mgr *hosts.Manager, st *store.Store, bus *events.Bus, cfg *config.Config, log *logging.Logger, clk clock.Clock) *Pipeline {
	return &Pipeline{
		mgr:   mgr,
		store: st,
		bus:   bus,
		cfg:   cfg,
		log:   log,
		clock: clk,
		seen:  make(map[string]string),
		last:  make(map[string]Snapshot),
		tails: make(map[string]context.CancelFunc),
	}
}

// Run drives the pipeline: event tails start when hosts connect, stop
// when they go offline, and every poll interval each online host gets a
// full list reconciliation. Exits when ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	busCh, cancel := p.bus.Subscribe()
	defer cancel()
	defer p.stopAllTails()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("pipeline stopped")
			return nil
		case evt, ok := <-busCh:
			if !ok {
				return nil
			}
			switch evt.Type {
			case events.TypeHostConnected:
				p.startTail(ctx, evt.HostID)
				p.reconcileHost(ctx, evt.HostID)
			case events.TypeHostOffline:
				p.stopTail(evt.HostID)
			}
		case <-p.clock.After(p.cfg.PollInterval):
			for _, st := range p.mgr.Statuses() {
				if st.State == "online" {
					p.reconcileHost(ctx, st.HostID)
				}
			}
		}
	}
}

// startTail begins streaming Docker events for one host.
func (p *Pipeline) startTail(ctx context.Context, hostID string) {
	sess, ok := p.mgr.Session(hostID)
	if !ok {
		return
	}

	p.mu.Lock()
	if cancel, live := p.tails[hostID]; live {
		cancel()
	}
	tailCtx, cancel := context.WithCancel(ctx)
	p.tails[hostID] = cancel
	p.mu.Unlock()

	go p.tail(tailCtx, hostID, sess.API)
}

func (p *Pipeline) stopTail(hostID string) {
	p.mu.Lock()
	if cancel, ok := p.tails[hostID]; ok {
		cancel()
		delete(p.tails, hostID)
	}
	p.mu.Unlock()
}

func (p *Pipeline) stopAllTails() {
	p.mu.Lock()
	for _, cancel := range p.tails {
		cancel()
	}
	p.tails = make(map[string]context.CancelFunc)
	p.mu.Unlock()
}

// tail processes one host's Docker event stream in arrival order. Stream
// loss marks the host offline; the last good snapshots stay published.
func (p *Pipeline) tail(ctx context.Context, hostID string, api docker.API) {
	log := p.log.WithHost(hostID)
	log.Info("event tail started")

	msgCh, errCh := api.WatchEvents(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info("event tail stopped")
			return
		case err := <-errCh:
			if ctx.Err() != nil {
				return
			}
			log.Warn("event stream lost", "error", err)
			p.mgr.MarkOffline(hostID, hosts.ClassifyError(err))
			return
		case msg := <-msgCh:
			if msg.Type != "container" {
				continue
			}
			p.handleContainerEvent(ctx, hostID, string(msg.Action), msg.Actor.ID, msg.Actor.Attributes)
		}
	}
}

func (p *Pipeline) handleContainerEvent(ctx context.Context, hostID, action, actorID string, attrs map[string]string) {
	ck, err := keys.MakeCompositeKey(hostID, keys.NormalizeContainerID(actorID))
	if err != nil {
		return
	}

	p.bus.PublishData(events.TypeContainerEvent, hostID, ck, map[string]any{
		"composite_key": ck,
		"action":        action,
		"name":          attrs["name"],
	})

	// One event means one container changed; refresh just that host.
	p.reconcileHost(ctx, hostID)
}

// reconcileHost lists all containers on a host and publishes snapshots
// for anything whose dedup identity changed.
func (p *Pipeline) reconcileHost(ctx context.Context, hostID string) {
	sess, ok := p.mgr.Session(hostID)
	if !ok {
		return
	}

	listCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	containers, err := sess.API.ListContainers(listCtx)
	cancel()
	if err != nil {
		p.mgr.MarkOffline(hostID, hosts.ClassifyError(err))
		return
	}

	alive := make(map[string]bool, len(containers))
	stateCounts := make(map[string]int)
	for _, c := range containers {
		snap := p.normalize(hostID, c)
		if snap.CompositeKey == "" {
			continue
		}
		alive[snap.CompositeKey] = true
		stateCounts[snap.State]++
		p.publishIfChanged(snap)
	}

	p.dropVanished(hostID, alive)
	for state, n := range stateCounts {
		metrics.ContainersByState.WithLabelValues(state).Set(float64(n))
	}
}

func (p *Pipeline) normalize(hostID string, c container.Summary) Snapshot {
	ck, err := keys.MakeCompositeKey(hostID, keys.NormalizeContainerID(c.ID))
	if err != nil {
		return Snapshot{}
	}
	name := ""
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}
	return Snapshot{
		CompositeKey: ck,
		HostID:       hostID,
		ShortID:      keys.NormalizeContainerID(c.ID),
		Name:         name,
		Image:        c.Image,
		State:        string(c.State),
		StatusText:   c.Status,
		Labels:       c.Labels,
		DerivedTags:  docker.DerivedTags(c.Labels),
		CreatedAt:    time.Unix(c.Created, 0).UTC(),
	}
}

func (p *Pipeline) publishIfChanged(snap Snapshot) {
	fp := snap.fingerprint()

	p.mu.Lock()
	if p.seen[snap.CompositeKey] == fp {
		p.last[snap.CompositeKey] = snap
		p.mu.Unlock()
		return
	}
	p.seen[snap.CompositeKey] = fp
	p.last[snap.CompositeKey] = snap
	p.mu.Unlock()

	p.bus.PublishData(events.TypeContainerSnapshot, snap.HostID, snap.CompositeKey, snap)
}

// dropVanished forgets dedup state for containers that no longer exist on
// the host so a recreated container always publishes fresh.
func (p *Pipeline) dropVanished(hostID string, alive map[string]bool) {
	prefix := hostID + ":"
	p.mu.Lock()
	for ck := range p.seen {
		if strings.HasPrefix(ck, prefix) && !alive[ck] {
			delete(p.seen, ck)
			delete(p.last, ck)
		}
	}
	p.mu.Unlock()
}

// LastSnapshot returns the most recent snapshot for a composite key.
func (p *Pipeline) LastSnapshot(compositeKey string) (Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snap, ok := p.last[compositeKey]
	return snap, ok
}

// Snapshots returns the last known snapshot for every container,
// including containers on hosts that are currently offline.
func (p *Pipeline) Snapshots() []Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Snapshot, 0, len(p.last))
	for _, snap := range p.last {
		out = append(out, snap)
	}
	return out
}

// EffectiveTags unions a container's derived tags with its user-assigned
// tags from the store.
func (p *Pipeline) EffectiveTags(snap Snapshot) []string {
	tags := append([]string(nil), snap.DerivedTags...)
	assignments, err := p.store.AssignmentsForSubject(store.SubjectContainer, snap.CompositeKey)
	if err == nil {
		for _, a := range assignments {
			tags = append(tags, a.TagID)
		}
	}
	return tags
}
