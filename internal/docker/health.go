package docker

import (
	"context"
	"time"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/moby/moby/api/types/container"
)

// stabilityWindow is how long a container without a healthcheck must stay
// running before it counts as healthy.
const stabilityWindow = 3 * time.Second

// WaitForContainerHealth blocks until the container is verifiably up.
// Containers with a Docker healthcheck wait for the check to report
// healthy or unhealthy; containers without one must stay in the running
// state for a short stability window. A failed verification is an
// outcome, not a fault: unhealthy, exited, timed out, and inspect
// failures all return false with a nil error. The only error returned
// is the context's, on cancellation.
func WaitForContainerHealth(ctx context.Context, api API, clk clock.Clock, id string, timeout time.Duration) (bool, error) {
	deadline := clk.Now().Add(timeout)
	var runningSince time.Time

	for {
		inspect, err := api.InspectContainer(ctx, id)
		if err != nil {
			// Transient daemon errors are retried until the deadline.
			if clk.Now().After(deadline) {
				return false, nil
			}
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-clk.After(500 * time.Millisecond):
			}
			continue
		}

		state := inspect.State
		if state == nil {
			return false, nil
		}

		if state.Health != nil && state.Health.Status != "" && state.Health.Status != container.NoHealthcheck {
			switch state.Health.Status {
			case container.Healthy:
				return true, nil
			case container.Unhealthy:
				return false, nil
			}
			// Still starting, keep polling.
		} else if state.Running {
			if runningSince.IsZero() {
				runningSince = clk.Now()
			}
			if clk.Since(runningSince) >= stabilityWindow {
				return true, nil
			}
		} else {
			// Not running and no health probe pending: it exited.
			if !state.Running && state.Status != "created" {
				return false, nil
			}
		}

		if clk.Now().After(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-clk.After(500 * time.Millisecond):
		}
	}
}
