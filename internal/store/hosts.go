package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/darthnorse/dockmon/internal/keys"
)

// ConnectionType describes how DockMon reaches a host's Docker daemon.
type ConnectionType string

const (
	ConnectionLocal  ConnectionType = "local"
	ConnectionRemote ConnectionType = "remote"
	ConnectionAgent  ConnectionType = "agent"
)

// TLSMaterial carries PEM-encoded client certificate material for
// remote-TLS hosts.
type TLSMaterial struct {
	CACert     string `json:"ca_cert,omitempty"`
	ClientCert string `json:"client_cert,omitempty"`
	ClientKey  string `json:"client_key,omitempty"`
}

// Host is a persisted Docker host.
type Host struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	URL              string            `json:"url"`
	ConnectionType   ConnectionType    `json:"connection_type"`
	TLS              *TLSMaterial      `json:"tls,omitempty"`
	EngineID         string            `json:"engine_id,omitempty"`
	IsActive         bool              `json:"is_active"`
	ReplacedByHostID string            `json:"replaced_by_host_id,omitempty"`
	SystemInfo       map[string]string `json:"system_info,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// CreateHost persists a new host.
func (s *Store) CreateHost(h Host) error {
	if h.ID == "" {
		return fmt.Errorf("create host: %w: empty id", ErrIntegrity)
	}
	now := time.Now().UTC()
	h.CreatedAt, h.UpdatedAt = now, now
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketHosts).Get([]byte(h.ID)) != nil {
			return fmt.Errorf("host %s: %w", h.ID, ErrConflict)
		}
		return putJSON(tx, bucketHosts, h.ID, h)
	})
}

// GetHost loads a host by ID.
func (s *Store) GetHost(id string) (*Host, error) {
	var h Host
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketHosts, id, &h)
	})
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// UpdateHost overwrites an existing host record.
func (s *Store) UpdateHost(h Host) error {
	h.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketHosts).Get([]byte(h.ID)) == nil {
			return fmt.Errorf("host %s: %w", h.ID, ErrNotFound)
		}
		return putJSON(tx, bucketHosts, h.ID, h)
	})
}

// ListHosts returns all hosts.
func (s *Store) ListHosts() ([]Host, error) {
	var hosts []Host
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).ForEach(func(_, v []byte) error {
			var h Host
			if err := json.Unmarshal(v, &h); err != nil {
				return nil // skip malformed records
			}
			hosts = append(hosts, h)
			return nil
		})
	})
	return hosts, err
}

// FindHostByEngineID returns the host with the given Docker engine ID,
// or nil if none exists.
func (s *Store) FindHostByEngineID(engineID string) (*Host, error) {
	var found *Host
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).ForEach(func(_, v []byte) error {
			var h Host
			if err := json.Unmarshal(v, &h); err != nil {
				return nil
			}
			if h.EngineID == engineID {
				hCopy := h
				found = &hCopy
			}
			return nil
		})
	})
	return found, err
}

// CleanupCounts reports how many rows each cleanup pass removed or resolved.
type CleanupCounts struct {
	AutoRestartConfigs int `json:"auto_restart_configs"`
	DesiredStates      int `json:"desired_states"`
	AlertsResolved     int `json:"alerts_resolved"`
}

// CleanupHostData deletes per-container operational state for a host and
// resolves (never deletes) its open alerts. Audit and event logs are
// preserved. Calling it twice returns zero counts the second time.
func (s *Store) CleanupHostData(hostID string) (CleanupCounts, error) {
	var counts CleanupCounts
	err := s.db.Update(func(tx *bolt.Tx) error {
		counts.AutoRestartConfigs = deleteByHostPrefix(tx, bucketAutoRestart, hostID)
		counts.DesiredStates = deleteByHostPrefix(tx, bucketDesiredStates, hostID)

		// Resolve open alerts whose scope belongs to this host.
		resolved, err := resolveOpenAlertsForHost(tx, hostID)
		if err != nil {
			return err
		}
		counts.AlertsResolved = resolved
		return nil
	})
	return counts, err
}

// DeleteHost removes a host and cascades: health checks, container updates,
// deployment metadata, tag assignments addressed to the host's containers,
// and the per-container state covered by CleanupHostData.
func (s *Store) DeleteHost(hostID string) error {
	if _, err := s.CleanupHostData(hostID); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketHosts).Get([]byte(hostID)) == nil {
			return fmt.Errorf("host %s: %w", hostID, ErrNotFound)
		}
		deleteByHostPrefix(tx, bucketHealthChecks, hostID)
		deleteByHostPrefix(tx, bucketUpdates, hostID)
		deleteByHostPrefix(tx, bucketDeployMeta, hostID)
		deleteHostTagAssignments(tx, hostID)
		return tx.Bucket(bucketHosts).Delete([]byte(hostID))
	})
}

// MigrateHostData atomically rewrites every composite-key record that
// references oldHostID to newHostID and flags the old host as replaced.
// Used when an agent registers with an engine ID that matches an existing
// remote host. The whole rewrite commits or rolls back as one transaction.
func (s *Store) MigrateHostData(oldHostID, newHostID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketHosts).Get([]byte(newHostID)) == nil {
			return fmt.Errorf("new host %s: %w", newHostID, ErrNotFound)
		}
		return migrateHostData(tx, oldHostID, newHostID)
	})
}

// ReplaceHost creates newHost and migrates oldHostID's records to it in
// the same transaction, so a failed migration never leaves behind an
// orphan host with no data.
func (s *Store) ReplaceHost(newHost Host, oldHostID string) error {
	if newHost.ID == "" {
		return fmt.Errorf("replace host: %w: empty id", ErrIntegrity)
	}
	now := time.Now().UTC()
	newHost.CreatedAt, newHost.UpdatedAt = now, now
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketHosts).Get([]byte(newHost.ID)) != nil {
			return fmt.Errorf("host %s: %w", newHost.ID, ErrConflict)
		}
		if err := putJSON(tx, bucketHosts, newHost.ID, newHost); err != nil {
			return err
		}
		return migrateHostData(tx, oldHostID, newHost.ID)
	})
}

func migrateHostData(tx *bolt.Tx, oldHostID, newHostID string) error {
	var old Host
	if err := getJSON(tx, bucketHosts, oldHostID, &old); err != nil {
		return err
	}

	for _, bucket := range [][]byte{
		bucketAutoRestart, bucketDesiredStates, bucketHealthChecks,
		bucketDeployMeta, bucketUpdates,
	} {
		if err := rewriteHostPrefix(tx, bucket, oldHostID, newHostID); err != nil {
			return err
		}
	}
	if err := rewriteTagAssignmentHosts(tx, oldHostID, newHostID); err != nil {
		return err
	}

	old.IsActive = false
	old.ReplacedByHostID = newHostID
	old.UpdatedAt = time.Now().UTC()
	return putJSON(tx, bucketHosts, oldHostID, old)
}

// deleteByHostPrefix removes every key in bucket whose composite key belongs
// to hostID. Returns the number of deleted keys.
func deleteByHostPrefix(tx *bolt.Tx, bucket []byte, hostID string) int {
	b := tx.Bucket(bucket)
	prefix := []byte(hostID + ":")
	var toDelete [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keyCopy := make([]byte, len(k))
		copy(keyCopy, k)
		toDelete = append(toDelete, keyCopy)
	}
	for _, k := range toDelete {
		_ = b.Delete(k)
	}
	return len(toDelete)
}

// rewriteHostPrefix moves every record under oldHostID's composite prefix to
// the equivalent key under newHostID, patching the embedded host_id and
// composite key fields in the JSON value.
func rewriteHostPrefix(tx *bolt.Tx, bucket []byte, oldHostID, newHostID string) error {
	b := tx.Bucket(bucket)
	prefix := []byte(oldHostID + ":")

	type move struct {
		oldKey, newKey []byte
		value          []byte
	}
	var moves []move

	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		shortID := string(k[len(prefix):])
		newKey := []byte(newHostID + ":" + shortID)
		patched, err := patchHostFields(v, oldHostID, newHostID, shortID)
		if err != nil {
			return fmt.Errorf("migrate %s/%s: %w", bucket, k, err)
		}
		oldKey := make([]byte, len(k))
		copy(oldKey, k)
		moves = append(moves, move{oldKey: oldKey, newKey: newKey, value: patched})
	}

	for _, m := range moves {
		if b.Get(m.newKey) != nil {
			return fmt.Errorf("migrate %s: key %s already exists: %w", bucket, m.newKey, ErrIntegrity)
		}
		if err := b.Put(m.newKey, m.value); err != nil {
			return err
		}
		if err := b.Delete(m.oldKey); err != nil {
			return err
		}
	}
	return nil
}

// patchHostFields rewrites host_id and composite-key JSON fields in a
// record value during host migration.
func patchHostFields(value []byte, oldHostID, newHostID, shortID string) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(value, &m); err != nil {
		return nil, err
	}
	newHostRaw, _ := json.Marshal(newHostID)
	if _, ok := m["host_id"]; ok {
		m["host_id"] = newHostRaw
	}
	newKey, err := keys.MakeCompositeKey(newHostID, shortID)
	if err != nil {
		return nil, err
	}
	newKeyRaw, _ := json.Marshal(newKey)
	for _, field := range []string{"composite_key", "container_id"} {
		if raw, ok := m[field]; ok {
			var cur string
			if json.Unmarshal(raw, &cur) == nil && strings.HasPrefix(cur, oldHostID+":") {
				m[field] = newKeyRaw
			}
		}
	}
	return json.Marshal(m)
}
