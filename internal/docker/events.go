package docker

import (
	"context"

	"github.com/moby/moby/api/types/events"
	"github.com/moby/moby/client"
)

// WatchEvents streams daemon events until the context is cancelled. The
// error channel delivers at most one error; stream loss is the caller's
// signal to reconcile with a full container list.
func (c *Client) WatchEvents(ctx context.Context) (<-chan events.Message, <-chan error) {
	res := c.api.Events(ctx, client.EventsListOptions{})
	return res.Messages, res.Err
}
