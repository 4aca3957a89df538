package docker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/client"
)

// PullImage pulls an image by reference, waiting for the pull to complete.
func (c *Client) PullImage(ctx context.Context, refStr string) error {
	resp, err := c.api.ImagePull(ctx, refStr, client.ImagePullOptions{})
	if err != nil {
		return err
	}
	return resp.Wait(ctx)
}

// PullDetail is the byte-level progress of one layer.
type PullDetail struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

// PullProgress is one layer progress line from the daemon's pull stream.
type PullProgress struct {
	ID             string     `json:"id"`
	Status         string     `json:"status"`
	ProgressDetail PullDetail `json:"progressDetail"`
}

// PullImageWithProgress pulls an image and invokes onProgress for each
// layer progress line. Progress reporting is best effort: malformed lines
// are skipped and never fail the pull.
func (c *Client) PullImageWithProgress(ctx context.Context, refStr, registryAuth string, onProgress func(PullProgress)) error {
	opts := client.ImagePullOptions{}
	if registryAuth != "" {
		opts.RegistryAuth = registryAuth
	}
	resp, err := c.api.ImagePull(ctx, refStr, opts)
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(resp)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var p PullProgress
		if json.Unmarshal(line, &p) != nil {
			continue
		}
		if onProgress != nil {
			onProgress(p)
		}
	}

	return resp.Wait(ctx)
}

// ImageDigest returns the repo digest of a locally available image.
// Falls back to the image ID if no repo digest is available.
func (c *Client) ImageDigest(ctx context.Context, imageRef string) (string, error) {
	resp, err := c.api.ImageInspect(ctx, imageRef)
	if err != nil {
		return "", err
	}
	if len(resp.RepoDigests) > 0 {
		return resp.RepoDigests[0], nil
	}
	return resp.ID, nil
}

// ImageID returns the image ID (sha256:...) for a given image reference.
func (c *Client) ImageID(ctx context.Context, imageRef string) (string, error) {
	resp, err := c.api.ImageInspect(ctx, imageRef)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// ImageLabels returns the default labels baked into an image.
func (c *Client) ImageLabels(ctx context.Context, imageRef string) (map[string]string, error) {
	resp, err := c.api.ImageInspect(ctx, imageRef)
	if err != nil {
		return nil, err
	}
	if resp.Config == nil {
		return nil, nil
	}
	return resp.Config.Labels, nil
}

// DistributionDigest queries the registry for the current digest of an image
// reference, using the daemon's configured credentials.
func (c *Client) DistributionDigest(ctx context.Context, imageRef string) (string, error) {
	resp, err := c.api.DistributionInspect(ctx, imageRef, client.DistributionInspectOptions{})
	if err != nil {
		return "", err
	}
	return resp.Descriptor.Digest.String(), nil
}

// TagImage applies a new tag to an existing image.
func (c *Client) TagImage(ctx context.Context, src, target string) error {
	_, err := c.api.ImageTag(ctx, client.ImageTagOptions{Source: src, Target: target})
	return err
}

// RemoveImage removes an image by ID, pruning untagged children.
func (c *Client) RemoveImage(ctx context.Context, id string) error {
	_, err := c.api.ImageRemove(ctx, id, client.ImageRemoveOptions{PruneChildren: true})
	return err
}

// NetworkExists checks whether a named network exists on the host.
func (c *Client) NetworkExists(ctx context.Context, name string) (bool, error) {
	_, err := c.api.NetworkInspect(ctx, name, client.NetworkInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateVolume creates a named volume if it does not already exist.
func (c *Client) CreateVolume(ctx context.Context, name string) error {
	_, err := c.api.VolumeCreate(ctx, client.VolumeCreateOptions{Name: name})
	if err != nil {
		return fmt.Errorf("create volume %s: %w", name, err)
	}
	return nil
}

// RemoveVolume removes a named volume.
func (c *Client) RemoveVolume(ctx context.Context, name string) error {
	_, err := c.api.VolumeRemove(ctx, name, client.VolumeRemoveOptions{})
	return err
}
