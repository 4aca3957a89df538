package store

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

// HealthStatus is the last evaluated status of a container's HTTP check.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// HealthAuth configures request authentication for a health check.
type HealthAuth struct {
	Type     string `json:"type,omitempty"` // "basic" or "bearer"
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

// HealthCheckConfig is the persisted HTTP health check for a container.
type HealthCheckConfig struct {
	CompositeKey         string            `json:"composite_key"`
	HostID               string            `json:"host_id"`
	Enabled              bool              `json:"enabled"`
	URL                  string            `json:"url"`
	Method               string            `json:"method"`
	ExpectedStatusCodes  string            `json:"expected_status_codes"` // "200", "200,201", "200-299"
	TimeoutSeconds       int               `json:"timeout_seconds"`
	IntervalSeconds      int               `json:"interval_seconds"`
	FailureThreshold     int               `json:"failure_threshold"`
	SuccessThreshold     int               `json:"success_threshold"`
	FollowRedirects      bool              `json:"follow_redirects"`
	VerifySSL            bool              `json:"verify_ssl"`
	Headers              map[string]string `json:"headers,omitempty"`
	Auth                 *HealthAuth       `json:"auth,omitempty"`
	AutoRestartOnFailure bool              `json:"auto_restart_on_failure"`
	MaxRestartAttempts   int               `json:"max_restart_attempts"`
	RestartRetryDelayS   int               `json:"restart_retry_delay_s"`
	CurrentStatus        HealthStatus      `json:"current_status"`
	CheckFrom            string            `json:"check_from"` // "backend" or "agent"
	UpdatedAt            time.Time         `json:"updated_at"`
}

// SaveHealthCheck creates or updates a health check config.
func (s *Store) SaveHealthCheck(cfg HealthCheckConfig) error {
	if cfg.CurrentStatus == "" {
		cfg.CurrentStatus = HealthUnknown
	}
	cfg.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketHealthChecks, cfg.CompositeKey, cfg)
	})
}

// GetHealthCheck loads a health check by composite key.
func (s *Store) GetHealthCheck(compositeKey string) (*HealthCheckConfig, error) {
	var cfg HealthCheckConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketHealthChecks, compositeKey, &cfg)
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DeleteHealthCheck removes a health check config.
func (s *Store) DeleteHealthCheck(compositeKey string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHealthChecks).Delete([]byte(compositeKey))
	})
}

// ListHealthChecks returns all configs, or only the enabled ones.
func (s *Store) ListHealthChecks(enabledOnly bool) ([]HealthCheckConfig, error) {
	var configs []HealthCheckConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHealthChecks).ForEach(func(_, v []byte) error {
			var cfg HealthCheckConfig
			if json.Unmarshal(v, &cfg) != nil {
				return nil
			}
			if enabledOnly && !cfg.Enabled {
				return nil
			}
			configs = append(configs, cfg)
			return nil
		})
	})
	return configs, err
}

// SetHealthStatus records the latest evaluated status for a check.
func (s *Store) SetHealthStatus(compositeKey string, status HealthStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var cfg HealthCheckConfig
		if err := getJSON(tx, bucketHealthChecks, compositeKey, &cfg); err != nil {
			return err
		}
		cfg.CurrentStatus = status
		return putJSON(tx, bucketHealthChecks, compositeKey, cfg)
	})
}
