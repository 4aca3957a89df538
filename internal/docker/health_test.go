package docker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/moby/moby/api/types/container"
)

// stepClock advances by a fixed step every time the waiter sleeps, so a
// polling loop runs to its deadline without real time passing.
type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time { return c.now }

func (c *stepClock) After(d time.Duration) <-chan time.Time {
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c *stepClock) Since(t time.Time) time.Duration { return c.now.Sub(t) }

// inspectStub implements only InspectContainer; the embedded interface
// covers the rest of API, which the waiter never calls.
type inspectStub struct {
	API
	inspect func() (container.InspectResponse, error)
}

func (s *inspectStub) InspectContainer(context.Context, string) (container.InspectResponse, error) {
	return s.inspect()
}

func stateResponse(st *container.State) container.InspectResponse {
	return container.InspectResponse{State: st}
}

func TestWaitForContainerHealth(t *testing.T) {
	tests := []struct {
		name    string
		inspect func() (container.InspectResponse, error)
		want    bool
	}{
		{
			"healthcheck reports healthy",
			func() (container.InspectResponse, error) {
				return stateResponse(&container.State{
					Running: true,
					Health:  &container.Health{Status: container.Healthy},
				}), nil
			},
			true,
		},
		{
			"healthcheck reports unhealthy",
			func() (container.InspectResponse, error) {
				return stateResponse(&container.State{
					Running: true,
					Health:  &container.Health{Status: container.Unhealthy},
				}), nil
			},
			false,
		},
		{
			"no healthcheck stays running through stability window",
			func() (container.InspectResponse, error) {
				return stateResponse(&container.State{Running: true, Status: "running"}), nil
			},
			true,
		},
		{
			"container exited",
			func() (container.InspectResponse, error) {
				return stateResponse(&container.State{Running: false, Status: "exited"}), nil
			},
			false,
		},
		{
			"inspect keeps failing until the deadline",
			func() (container.InspectResponse, error) {
				return container.InspectResponse{}, errors.New("daemon unavailable")
			},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := &stepClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
			api := &inspectStub{inspect: tt.inspect}

			got, err := WaitForContainerHealth(context.Background(), api, clk, "abc123def456", 10*time.Second)
			if err != nil {
				t.Fatalf("WaitForContainerHealth: %v", err)
			}
			if got != tt.want {
				t.Errorf("healthy = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWaitForContainerHealthCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	clk := &stepClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	api := &inspectStub{inspect: func() (container.InspectResponse, error) {
		return stateResponse(&container.State{Running: true, Status: "running"}), nil
	}}

	_, err := WaitForContainerHealth(ctx, api, clk, "abc123def456", 10*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
