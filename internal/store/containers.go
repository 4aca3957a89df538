package store

import (
	"bytes"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

// DesiredRunState declares what DockMon should do when a container is found
// stopped.
type DesiredRunState string

const (
	DesiredShouldRun   DesiredRunState = "should_run"
	DesiredOnDemand    DesiredRunState = "on_demand"
	DesiredUnspecified DesiredRunState = "unspecified"
)

// DesiredState is the persisted desired run state for a container.
type DesiredState struct {
	CompositeKey string          `json:"composite_key"`
	HostID       string          `json:"host_id"`
	Name         string          `json:"name"`
	Desired      DesiredRunState `json:"desired"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// AutoRestartConfig enables the restart-on-exit loop for a container.
type AutoRestartConfig struct {
	CompositeKey string    `json:"composite_key"`
	HostID       string    `json:"host_id"`
	Name         string    `json:"name"`
	Enabled      bool      `json:"enabled"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ContainerUpdate records the digest comparison state for a container.
type ContainerUpdate struct {
	CompositeKey    string    `json:"composite_key"`
	HostID          string    `json:"host_id"`
	CurrentImage    string    `json:"current_image"`
	CurrentDigest   string    `json:"current_digest"`
	LatestImage     string    `json:"latest_image"`
	LatestDigest    string    `json:"latest_digest"`
	UpdateAvailable bool      `json:"update_available"`
	FloatingTagMode string    `json:"floating_tag_mode"` // "latest" or "exact"
	LastCheckedAt   time.Time `json:"last_checked_at"`
}

// SetDesiredState stores the desired run state for a container.
func (s *Store) SetDesiredState(ds DesiredState) error {
	ds.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketDesiredStates, ds.CompositeKey, ds)
	})
}

// GetDesiredState loads the desired run state for a composite key.
func (s *Store) GetDesiredState(compositeKey string) (*DesiredState, error) {
	var ds DesiredState
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketDesiredStates, compositeKey, &ds)
	})
	if err != nil {
		return nil, err
	}
	return &ds, nil
}

// DeleteDesiredState removes the desired state for a composite key.
func (s *Store) DeleteDesiredState(compositeKey string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDesiredStates).Delete([]byte(compositeKey))
	})
}

// SetAutoRestart stores the auto-restart config for a container.
func (s *Store) SetAutoRestart(cfg AutoRestartConfig) error {
	cfg.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketAutoRestart, cfg.CompositeKey, cfg)
	})
}

// GetAutoRestart loads the auto-restart config for a composite key.
func (s *Store) GetAutoRestart(compositeKey string) (*AutoRestartConfig, error) {
	var cfg AutoRestartConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketAutoRestart, compositeKey, &cfg)
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ListAutoRestartForHost returns all auto-restart configs on a host.
func (s *Store) ListAutoRestartForHost(hostID string) ([]AutoRestartConfig, error) {
	var configs []AutoRestartConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := []byte(hostID + ":")
		c := tx.Bucket(bucketAutoRestart).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var cfg AutoRestartConfig
			if json.Unmarshal(v, &cfg) == nil {
				configs = append(configs, cfg)
			}
		}
		return nil
	})
	return configs, err
}

// SaveContainerUpdate stores the update check result for a container.
func (s *Store) SaveContainerUpdate(u ContainerUpdate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketUpdates, u.CompositeKey, u)
	})
}

// GetContainerUpdate loads the update record for a composite key.
func (s *Store) GetContainerUpdate(compositeKey string) (*ContainerUpdate, error) {
	var u ContainerUpdate
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketUpdates, compositeKey, &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// DeleteContainerUpdate removes the update record for a composite key.
func (s *Store) DeleteContainerUpdate(compositeKey string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUpdates).Delete([]byte(compositeKey))
	})
}

// ListContainerUpdates returns all update records, optionally only those
// with an update available.
func (s *Store) ListContainerUpdates(availableOnly bool) ([]ContainerUpdate, error) {
	var updates []ContainerUpdate
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUpdates).ForEach(func(_, v []byte) error {
			var u ContainerUpdate
			if json.Unmarshal(v, &u) != nil {
				return nil
			}
			if availableOnly && !u.UpdateAvailable {
				return nil
			}
			updates = append(updates, u)
			return nil
		})
	})
	return updates, err
}
