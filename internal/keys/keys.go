// Package keys provides container ID normalization and the composite key
// format used for every container-scoped record. A composite key is
// "{host_id}:{short_container_id}" so containers on cloned hosts with
// identical IDs never collide.
package keys

import (
	"fmt"
	"strings"
)

// ShortIDLength is the canonical short form of a Docker container ID.
const ShortIDLength = 12

// NormalizeContainerID truncates a full container ID to its 12-character
// short form. IDs already at or below 12 characters are returned unchanged,
// which makes the operation idempotent.
func NormalizeContainerID(id string) string {
	if len(id) > ShortIDLength {
		return id[:ShortIDLength]
	}
	return id
}

// MakeCompositeKey builds "{hostID}:{shortID}" from a host ID and a
// normalized container ID. The container ID must already be exactly 12
// characters; callers normalize at the boundary.
func MakeCompositeKey(hostID, containerID string) (string, error) {
	if hostID == "" {
		return "", fmt.Errorf("composite key: host ID is empty")
	}
	if len(containerID) != ShortIDLength {
		return "", fmt.Errorf("composite key: container ID %q is %d chars, want %d", containerID, len(containerID), ShortIDLength)
	}
	return hostID + ":" + containerID, nil
}

// ParseCompositeKey splits a composite key into its host and short container
// ID parts. The container ID is the final 12 characters after the last
// colon, which allows host IDs that themselves contain colons.
func ParseCompositeKey(key string) (hostID, containerID string, err error) {
	i := strings.LastIndex(key, ":")
	if i <= 0 {
		return "", "", fmt.Errorf("composite key %q: missing host separator", key)
	}
	hostID, containerID = key[:i], key[i+1:]
	if len(containerID) != ShortIDLength {
		return "", "", fmt.Errorf("composite key %q: container part is %d chars, want %d", key, len(containerID), ShortIDLength)
	}
	return hostID, containerID, nil
}

// MakeDeploymentID builds the composite deployment identifier
// "{hostID}:{shortDeploymentID}".
func MakeDeploymentID(hostID, deploymentID string) (string, error) {
	return MakeCompositeKey(hostID, NormalizeContainerID(deploymentID))
}

// HostOf returns the host portion of a composite key, or "" if malformed.
func HostOf(key string) string {
	h, _, err := ParseCompositeKey(key)
	if err != nil {
		return ""
	}
	return h
}
