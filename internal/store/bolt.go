// Package store persists DockMon state in BoltDB. Every container-scoped
// record is keyed by its composite key "{host_id}:{short_id}" so records
// survive host cloning without collisions. Referential actions (cascade
// delete, set-null, host migration) are implemented as multi-bucket
// db.Update transactions.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketHosts          = []byte("hosts")
	bucketDesiredStates  = []byte("desired_states")
	bucketAutoRestart    = []byte("auto_restart_configs")
	bucketTags           = []byte("tags")
	bucketTagAssignments = []byte("tag_assignments")
	bucketAlertRules     = []byte("alert_rules")
	bucketAlerts         = []byte("alerts")
	bucketAlertOpenIndex = []byte("alert_open_index")
	bucketChannels       = []byte("notification_channels")
	bucketHealthChecks   = []byte("health_checks")
	bucketDeployments    = []byte("deployments")
	bucketDeployMeta     = []byte("deployment_metadata")
	bucketUpdates        = []byte("container_updates")
	bucketUpdatePolicies = []byte("update_policies")
	bucketStacks         = []byte("stacks")
	bucketTemplates      = []byte("templates")
	bucketUsers          = []byte("users")
	bucketSessions       = []byte("sessions")
	bucketAPIKeys        = []byte("api_keys")
	bucketActionTokens   = []byte("action_tokens")
	bucketRegTokens      = []byte("registration_tokens")
	bucketPrefs          = []byte("user_prefs")
	bucketEventLog       = []byte("event_log")
	bucketAuditLog       = []byte("audit_log")
	bucketSettings       = []byte("settings")
)

var allBuckets = [][]byte{
	bucketHosts, bucketDesiredStates, bucketAutoRestart,
	bucketTags, bucketTagAssignments,
	bucketAlertRules, bucketAlerts, bucketAlertOpenIndex, bucketChannels,
	bucketHealthChecks,
	bucketDeployments, bucketDeployMeta,
	bucketUpdates, bucketUpdatePolicies,
	bucketStacks, bucketTemplates,
	bucketUsers, bucketSessions, bucketAPIKeys, bucketActionTokens,
	bucketRegTokens, bucketPrefs,
	bucketEventLog, bucketAuditLog, bucketSettings,
}

// Sentinel errors mapped to the HTTP error taxonomy by the web layer.
var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
	ErrIntegrity = errors.New("integrity constraint violation")
)

// Store wraps a BoltDB database for DockMon persistence.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at the given path and ensures
// all required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// putJSON marshals v and stores it under key in the named bucket.
func putJSON(tx *bolt.Tx, bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", bucket, key, err)
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

// getJSON loads key from the named bucket into v. Returns ErrNotFound if
// the key does not exist.
func getJSON(tx *bolt.Tx, bucket []byte, key string, v any) error {
	data := tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	return json.Unmarshal(data, v)
}

// SaveSetting stores a setting key-value pair in the settings bucket.
func (s *Store) SaveSetting(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(key), []byte(value))
	})
}

// LoadSetting loads a setting by key from the settings bucket.
// Returns empty string if the key doesn't exist.
func (s *Store) LoadSetting(key string) (string, error) {
	var val string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSettings).Get([]byte(key))
		if v != nil {
			val = string(v)
		}
		return nil
	})
	return val, err
}
