package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// PolicyCategory groups update policy patterns by what they protect.
type PolicyCategory string

const (
	PolicyCritical   PolicyCategory = "critical"
	PolicyDatabases  PolicyCategory = "databases"
	PolicyProxies    PolicyCategory = "proxies"
	PolicyMonitoring PolicyCategory = "monitoring"
)

// UpdatePolicy is a glob pattern that gates container image updates.
// Matching a critical pattern can block an update; matching any enabled
// pattern downgrades it to a warning.
type UpdatePolicy struct {
	Pattern   string         `json:"pattern"`
	Category  PolicyCategory `json:"category"`
	Enabled   bool           `json:"enabled"`
	CreatedAt time.Time      `json:"created_at"`
}

// SaveUpdatePolicy creates or updates a policy pattern.
func (s *Store) SaveUpdatePolicy(p UpdatePolicy) error {
	if p.Pattern == "" {
		return fmt.Errorf("update policy: %w: empty pattern", ErrIntegrity)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketUpdatePolicies, p.Pattern, p)
	})
}

// DeleteUpdatePolicy removes a policy pattern.
func (s *Store) DeleteUpdatePolicy(pattern string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUpdatePolicies).Delete([]byte(pattern))
	})
}

// ListUpdatePolicies returns all policies, or only enabled ones.
func (s *Store) ListUpdatePolicies(enabledOnly bool) ([]UpdatePolicy, error) {
	var policies []UpdatePolicy
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUpdatePolicies).ForEach(func(_, v []byte) error {
			var p UpdatePolicy
			if json.Unmarshal(v, &p) != nil {
				return nil
			}
			if enabledOnly && !p.Enabled {
				return nil
			}
			policies = append(policies, p)
			return nil
		})
	})
	return policies, err
}
