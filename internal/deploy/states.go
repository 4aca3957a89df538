package deploy

import (
	"fmt"

	"github.com/darthnorse/dockmon/internal/store"
)

// forwardRank orders the happy-path states. A forward transition must
// move strictly up this ranking.
var forwardRank = map[store.DeploymentStatus]int{
	store.DeployPending:      0,
	store.DeployValidating:   1,
	store.DeployPullingImage: 2,
	store.DeployCreating:     3,
	store.DeployStarting:     4,
	store.DeployRunning:      5,
}

// progressFor maps each state to its overall progress percentage.
var progressFor = map[store.DeploymentStatus]int{
	store.DeployPending:      0,
	store.DeployValidating:   10,
	store.DeployPullingImage: 30,
	store.DeployCreating:     60,
	store.DeployStarting:     85,
	store.DeployRunning:      100,
	store.DeployFailed:       100,
	store.DeployRolledBack:   100,
}

func isTerminal(s store.DeploymentStatus) bool {
	return s == store.DeployRunning || s == store.DeployRolledBack
}

// CanTransition reports whether from -> to is a legal move: strictly
// forward on the happy path, any non-terminal state to failed, and
// failed to rolled_back. Everything else, including any backward move,
// is rejected.
func CanTransition(from, to store.DeploymentStatus) bool {
	if from == to {
		return false
	}
	if to == store.DeployFailed {
		return !isTerminal(from) && from != store.DeployFailed
	}
	if to == store.DeployRolledBack {
		return from == store.DeployFailed
	}
	fromRank, okFrom := forwardRank[from]
	toRank, okTo := forwardRank[to]
	return okFrom && okTo && toRank == fromRank+1
}

// transition applies a state change to the deployment record, updating
// status, progress, stage, and timestamps together, then persists and
// broadcasts it.
func (e *Executor) transition(d *store.Deployment, to store.DeploymentStatus, stage string) error {
	if !CanTransition(d.Status, to) {
		return fmt.Errorf("illegal deployment transition %s -> %s", d.Status, to)
	}

	now := e.clock.Now().UTC()
	d.Status = to
	d.ProgressPercent = progressFor[to]
	d.CurrentStage = stage
	d.UpdatedAt = now
	if to == store.DeployValidating && d.StartedAt == nil {
		d.StartedAt = &now
	}
	if isTerminal(to) || to == store.DeployFailed {
		d.CompletedAt = &now
	}

	if err := e.store.UpdateDeployment(*d); err != nil {
		return fmt.Errorf("persist deployment %s: %w", d.ID, err)
	}
	e.publishStatus(*d)
	return nil
}
