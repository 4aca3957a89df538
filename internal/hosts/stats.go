package hosts

import (
	"context"
	"time"

	"github.com/moby/moby/api/types/container"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/config"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/store"
)

// StatsSample is one host-level resource measurement. Agent hosts push
// samples measured on the host itself; direct hosts get samples derived
// from per-container stats, which cannot see host disk usage, so
// DiskPercent is only populated for agents.
type StatsSample struct {
	HostID        string    `json:"host_id"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent,omitempty"`
	SampledAt     time.Time `json:"sampled_at"`
}

// StatsSampler produces host_stats events on a fixed cadence for
// directly connected hosts and relays pushed samples from agents.
type StatsSampler struct {
	mgr   *Manager
	bus   *events.Bus
	cfg   *config.Config
	log   *logging.Logger
	clock clock.Clock
}

// NewStatsSampler creates a sampler over the session manager.
func NewStatsSampler(mgr *Manager, bus *events.Bus, cfg *config.Config, log *logging.Logger, clk clock.Clock) *StatsSampler {
	return &StatsSampler{mgr: mgr, bus: bus, cfg: cfg, log: log, clock: clk}
}

// Push publishes a sample measured by an agent on the host itself.
func (s *StatsSampler) Push(sample StatsSample) {
	if sample.SampledAt.IsZero() {
		sample.SampledAt = s.clock.Now().UTC()
	}
	s.bus.PublishData(events.TypeHostStats, sample.HostID, "", sample)
}

// Run samples every directly connected host at the configured interval.
func (s *StatsSampler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.cfg.StatsInterval):
			s.sampleAll(ctx)
		}
	}
}

func (s *StatsSampler) sampleAll(ctx context.Context) {
	for _, status := range s.mgr.Statuses() {
		if status.State != "online" {
			continue
		}
		sess, ok := s.mgr.Session(status.HostID)
		if !ok || sess.Type == store.ConnectionAgent {
			continue
		}
		sample, err := s.sampleHost(ctx, sess)
		if err != nil {
			s.log.Debug("host stats sample failed", "host", status.HostID, "error", err)
			continue
		}
		s.bus.PublishData(events.TypeHostStats, sample.HostID, "", sample)
	}
}

// sampleHost aggregates one-shot container stats into a host sample. CPU
// is the sum of per-container usage relative to total host CPU time;
// memory is the sum of usage over the (shared) host limit.
func (s *StatsSampler) sampleHost(ctx context.Context, sess *Session) (StatsSample, error) {
	sampleCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	running, err := sess.API.ListRunningContainers(sampleCtx)
	if err != nil {
		return StatsSample{}, err
	}

	var cpu float64
	var memUsed, memLimit uint64
	for _, c := range running {
		stats, err := sess.API.ContainerStats(sampleCtx, c.ID)
		if err != nil {
			continue
		}
		cpu += cpuPercent(stats)
		memUsed += stats.MemoryStats.Usage
		if stats.MemoryStats.Limit > memLimit {
			memLimit = stats.MemoryStats.Limit
		}
	}

	sample := StatsSample{
		HostID:     sess.HostID,
		CPUPercent: cpu,
		SampledAt:  s.clock.Now().UTC(),
	}
	if memLimit > 0 {
		sample.MemoryPercent = float64(memUsed) / float64(memLimit) * 100
	}
	return sample, nil
}

// cpuPercent computes a container's CPU usage from the deltas between
// the current and previous readings in a one-shot stats response.
func cpuPercent(stats container.StatsResponse) float64 {
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || sysDelta <= 0 {
		return 0
	}
	cpus := float64(stats.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = 1
	}
	return cpuDelta / sysDelta * cpus * 100
}
