package docker

import (
	"fmt"
	"sync"
	"time"

	"github.com/darthnorse/dockmon/internal/clock"
)

// LayerProgress is the aggregated pull state of one image layer.
type LayerProgress struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Current int64  `json:"current"`
	Total   int64  `json:"total"`
	Percent int    `json:"percent"`
}

// Progress is a point-in-time summary of an image pull, shaped for
// broadcast to WebSocket subscribers.
type Progress struct {
	OverallProgress int             `json:"overall_progress"`
	Layers          []LayerProgress `json:"layers"`
	TotalLayers     int             `json:"total_layers"`
	Summary         string          `json:"summary"`
	SpeedMbps       float64         `json:"speed_mbps"`
}

// layerDone are daemon statuses that mean a layer needs no more bytes.
var layerDone = map[string]bool{
	"Pull complete":     true,
	"Already exists":    true,
	"Download complete": true,
}

// ProgressTracker folds the daemon's per-layer JSON progress lines into
// an overall view. Safe for use from a single pull goroutine with
// concurrent snapshot readers.
type ProgressTracker struct {
	clock clock.Clock

	mu      sync.Mutex
	layers  map[string]*LayerProgress
	order   []string
	started time.Time
}

// NewProgressTracker creates a tracker for one pull operation.
func NewProgressTracker(clk clock.Clock) *ProgressTracker {
	return &ProgressTracker{
		clock:   clk,
		layers:  make(map[string]*LayerProgress),
		started: clk.Now(),
	}
}

// Update folds one progress line and returns the new aggregate.
func (t *ProgressTracker) Update(p PullProgress) Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p.ID != "" {
		layer, ok := t.layers[p.ID]
		if !ok {
			layer = &LayerProgress{ID: p.ID}
			t.layers[p.ID] = layer
			t.order = append(t.order, p.ID)
		}
		layer.Status = p.Status
		if p.ProgressDetail.Total > 0 {
			layer.Current = p.ProgressDetail.Current
			layer.Total = p.ProgressDetail.Total
			layer.Percent = int(p.ProgressDetail.Current * 100 / p.ProgressDetail.Total)
		}
		if layerDone[p.Status] {
			layer.Percent = 100
			if layer.Total > 0 {
				layer.Current = layer.Total
			}
		}
	}
	return t.snapshotLocked()
}

// Snapshot returns the current aggregate without folding new input.
func (t *ProgressTracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *ProgressTracker) snapshotLocked() Progress {
	out := Progress{
		Layers:      make([]LayerProgress, 0, len(t.order)),
		TotalLayers: len(t.order),
	}

	done := 0
	var sum int
	var bytes int64
	for _, id := range t.order {
		layer := t.layers[id]
		out.Layers = append(out.Layers, *layer)
		sum += layer.Percent
		bytes += layer.Current
		if layer.Percent == 100 {
			done++
		}
	}
	if len(t.order) > 0 {
		out.OverallProgress = sum / len(t.order)
	}
	out.Summary = fmt.Sprintf("%d/%d layers complete", done, len(t.order))

	if elapsed := t.clock.Since(t.started).Seconds(); elapsed > 0 {
		out.SpeedMbps = float64(bytes) * 8 / 1e6 / elapsed
	}
	return out
}
