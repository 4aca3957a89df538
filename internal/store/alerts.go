package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// AlertKind is the closed set of rule kinds the engine evaluates.
type AlertKind string

const (
	KindContainerStopped   AlertKind = "container_stopped"
	KindContainerUnhealthy AlertKind = "container_unhealthy"
	KindCPUHigh            AlertKind = "cpu_high"
	KindMemoryHigh         AlertKind = "memory_high"
	KindDiskHigh           AlertKind = "disk_high"
	KindHostOffline        AlertKind = "host_offline"
	KindUpdateAvailable    AlertKind = "update_available"
	KindRestartLoop        AlertKind = "restart_loop"
)

// ScopeType selects which entities a rule applies to.
type ScopeType string

const (
	ScopeGlobal    ScopeType = "global"
	ScopeHost      ScopeType = "host"
	ScopeContainer ScopeType = "container"
	ScopeTag       ScopeType = "tag"
)

// Scope is a rule's target: a host ID, a composite key, a tag ID, or
// nothing for global rules.
type Scope struct {
	Type ScopeType `json:"type"`
	ID   string    `json:"id,omitempty"`
}

// Predicate is the threshold comparison applied by metric rule kinds.
type Predicate struct {
	Operator  string        `json:"operator,omitempty"` // ">=", "<=", "=="
	Threshold float64       `json:"threshold,omitempty"`
	Window    time.Duration `json:"window,omitempty"` // sustained/rate window
}

// BlackoutWindow suppresses notification dispatch (not state transitions)
// during the given weekday/time interval. Weekday -1 means every day.
type BlackoutWindow struct {
	Weekday    int    `json:"weekday"` // 0=Sunday .. 6=Saturday, -1=daily
	StartHHMM  string `json:"start"`   // "22:00"
	EndHHMM    string `json:"end"`     // "06:00"
	EndWeekday int    `json:"end_weekday,omitempty"`
}

// AlertRule is a persisted, declarative alerting rule.
type AlertRule struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Kind            AlertKind        `json:"kind"`
	Scope           Scope            `json:"scope"`
	Predicate       Predicate        `json:"predicate"`
	Severity        string           `json:"severity"` // info, warning, critical
	NotifyChannels  []ChannelRef     `json:"notify_channels,omitempty"` // channel IDs (numbers) or legacy type strings
	CooldownMinutes int              `json:"cooldown_minutes"`
	Blackouts       []BlackoutWindow `json:"blackout_windows,omitempty"`
	Enabled         bool             `json:"enabled"`
	TriggerEvents   []string         `json:"trigger_events,omitempty"`
	TriggerStates   []string         `json:"trigger_states,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// normalizeRule collapses empty trigger lists to nil so storage always
// represents "no filter" the same way.
func normalizeRule(r *AlertRule) {
	if len(r.TriggerEvents) == 0 {
		r.TriggerEvents = nil
	}
	if len(r.TriggerStates) == 0 {
		r.TriggerStates = nil
	}
	if len(r.NotifyChannels) == 0 {
		r.NotifyChannels = nil
	}
}

// validateRule enforces that state/event rule kinds carry at least one
// trigger list.
func validateRule(r AlertRule) error {
	switch r.Kind {
	case KindContainerStopped, KindContainerUnhealthy, KindRestartLoop:
		if len(r.TriggerEvents) == 0 && len(r.TriggerStates) == 0 {
			return fmt.Errorf("rule %s: state/event rule needs trigger_events or trigger_states: %w", r.Name, ErrIntegrity)
		}
	}
	return nil
}

// SaveAlertRule creates or updates a rule.
func (s *Store) SaveAlertRule(r AlertRule) error {
	normalizeRule(&r)
	if err := validateRule(r); err != nil {
		return err
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketAlertRules, r.ID, r)
	})
}

// GetAlertRule loads a rule by ID.
func (s *Store) GetAlertRule(id string) (*AlertRule, error) {
	var r AlertRule
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketAlertRules, id, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListAlertRules returns all rules, or only enabled ones.
func (s *Store) ListAlertRules(enabledOnly bool) ([]AlertRule, error) {
	var rules []AlertRule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAlertRules).ForEach(func(_, v []byte) error {
			var r AlertRule
			if json.Unmarshal(v, &r) != nil {
				return nil
			}
			if enabledOnly && !r.Enabled {
				return nil
			}
			rules = append(rules, r)
			return nil
		})
	})
	return rules, err
}

// DeleteAlertRule removes a rule; its open alert instances are resolved.
func (s *Store) DeleteAlertRule(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketAlertRules).Get([]byte(id)) == nil {
			return fmt.Errorf("alert rule %s: %w", id, ErrNotFound)
		}
		if err := resolveAlertsWhere(tx, func(a Alert) bool { return a.RuleID == id }); err != nil {
			return err
		}
		return tx.Bucket(bucketAlertRules).Delete([]byte(id))
	})
}

// AlertState is the lifecycle state of an alert instance.
type AlertState string

const (
	AlertOpen     AlertState = "open"
	AlertSnoozed  AlertState = "snoozed"
	AlertResolved AlertState = "resolved"
)

// Alert is a persisted alert instance. At most one open instance exists
// per dedup key; the open index bucket enforces this.
type Alert struct {
	ID                   string     `json:"id"`
	DedupKey             string     `json:"dedup_key"`
	RuleID               string     `json:"rule_id"`
	Scope                Scope      `json:"scope"`
	Kind                 AlertKind  `json:"kind"`
	Severity             string     `json:"severity"`
	State                AlertState `json:"state"`
	Message              string     `json:"message,omitempty"`
	FirstSeen            time.Time  `json:"first_seen"`
	LastSeen             time.Time  `json:"last_seen"`
	SuppressedByBlackout bool       `json:"suppressed_by_blackout"`
	NextRetryAt          *time.Time `json:"next_retry_at,omitempty"`
	LastNotifyAttemptAt  *time.Time `json:"last_notification_attempt_at,omitempty"`
	NotifyAttempts       int        `json:"notify_attempts,omitempty"`
	ResolvedAt           *time.Time `json:"resolved_at,omitempty"`
}

// OpenAlert creates a new open alert, or refreshes LastSeen on the existing
// open instance for the same dedup key. Returns the stored alert and
// whether it was newly created.
func (s *Store) OpenAlert(a Alert) (Alert, bool, error) {
	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketAlertOpenIndex)
		if existingID := idx.Get([]byte(a.DedupKey)); existingID != nil {
			var existing Alert
			if err := getJSON(tx, bucketAlerts, string(existingID), &existing); err != nil {
				return err
			}
			existing.LastSeen = a.LastSeen
			existing.SuppressedByBlackout = a.SuppressedByBlackout
			a = existing
			return putJSON(tx, bucketAlerts, existing.ID, existing)
		}
		created = true
		if err := putJSON(tx, bucketAlerts, a.ID, a); err != nil {
			return err
		}
		return idx.Put([]byte(a.DedupKey), []byte(a.ID))
	})
	return a, created, err
}

// GetAlert loads an alert by ID.
func (s *Store) GetAlert(id string) (*Alert, error) {
	var a Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketAlerts, id, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetOpenAlertByDedup returns the open alert for a dedup key, or nil.
func (s *Store) GetOpenAlertByDedup(dedupKey string) (*Alert, error) {
	var a *Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketAlertOpenIndex).Get([]byte(dedupKey))
		if id == nil {
			return nil
		}
		var loaded Alert
		if err := getJSON(tx, bucketAlerts, string(id), &loaded); err != nil {
			return err
		}
		a = &loaded
		return nil
	})
	return a, err
}

// UpdateAlert overwrites an alert record, keeping the open index in sync
// with state transitions.
func (s *Store) UpdateAlert(a Alert) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketAlerts).Get([]byte(a.ID)) == nil {
			return fmt.Errorf("alert %s: %w", a.ID, ErrNotFound)
		}
		idx := tx.Bucket(bucketAlertOpenIndex)
		if a.State == AlertResolved {
			if cur := idx.Get([]byte(a.DedupKey)); cur != nil && string(cur) == a.ID {
				if err := idx.Delete([]byte(a.DedupKey)); err != nil {
					return err
				}
			}
		}
		return putJSON(tx, bucketAlerts, a.ID, a)
	})
}

// ResolveAlert transitions an alert to resolved and clears the open index.
func (s *Store) ResolveAlert(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var a Alert
		if err := getJSON(tx, bucketAlerts, id, &a); err != nil {
			return err
		}
		return resolveAlertTx(tx, &a)
	})
}

// ListAlerts returns alerts filtered by state ("" = all).
func (s *Store) ListAlerts(state AlertState) ([]Alert, error) {
	var alerts []Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAlerts).ForEach(func(_, v []byte) error {
			var a Alert
			if json.Unmarshal(v, &a) != nil {
				return nil
			}
			if state != "" && a.State != state {
				return nil
			}
			alerts = append(alerts, a)
			return nil
		})
	})
	return alerts, err
}

// ListAlertsDueForRetry returns open alerts whose NextRetryAt has passed.
func (s *Store) ListAlertsDueForRetry(now time.Time) ([]Alert, error) {
	var due []Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAlerts).ForEach(func(_, v []byte) error {
			var a Alert
			if json.Unmarshal(v, &a) != nil {
				return nil
			}
			if a.State == AlertOpen && a.NextRetryAt != nil && !a.NextRetryAt.After(now) {
				due = append(due, a)
			}
			return nil
		})
	})
	return due, err
}

func resolveAlertTx(tx *bolt.Tx, a *Alert) error {
	now := time.Now().UTC()
	a.State = AlertResolved
	a.ResolvedAt = &now
	a.NextRetryAt = nil
	idx := tx.Bucket(bucketAlertOpenIndex)
	if cur := idx.Get([]byte(a.DedupKey)); cur != nil && string(cur) == a.ID {
		if err := idx.Delete([]byte(a.DedupKey)); err != nil {
			return err
		}
	}
	return putJSON(tx, bucketAlerts, a.ID, *a)
}

// resolveAlertsWhere resolves every open alert matching the predicate.
func resolveAlertsWhere(tx *bolt.Tx, match func(Alert) bool) error {
	var toResolve []Alert
	err := tx.Bucket(bucketAlerts).ForEach(func(_, v []byte) error {
		var a Alert
		if json.Unmarshal(v, &a) != nil {
			return nil
		}
		if a.State == AlertOpen && match(a) {
			toResolve = append(toResolve, a)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i := range toResolve {
		if err := resolveAlertTx(tx, &toResolve[i]); err != nil {
			return err
		}
	}
	return nil
}

// resolveOpenAlertsForHost resolves alerts scoped to the host or to any of
// its containers. Returns the number resolved.
func resolveOpenAlertsForHost(tx *bolt.Tx, hostID string) (int, error) {
	count := 0
	err := resolveAlertsWhere(tx, func(a Alert) bool {
		hit := (a.Scope.Type == ScopeHost && a.Scope.ID == hostID) ||
			(a.Scope.Type == ScopeContainer && len(a.Scope.ID) > len(hostID) && a.Scope.ID[:len(hostID)+1] == hostID+":")
		if hit {
			count++
		}
		return hit
	})
	return count, err
}
