package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

// NotificationChannel is a persisted delivery channel. Config is opaque to
// the store; the notify package decodes it per Type.
type NotificationChannel struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Type      string          `json:"type"` // discord, telegram, pushover, slack, gotify, ntfy, webhook, smtp, mqtt
	Config    json.RawMessage `json:"config"`
	Enabled   bool            `json:"enabled"`
	CreatedAt time.Time       `json:"created_at"`
}

// ChannelRef addresses a channel from an alert rule. New rules store the
// numeric channel ID; legacy rules stored the provider type string, which
// resolves to at most one channel of that type.
type ChannelRef struct {
	ID   int64  `json:"-"`
	Type string `json:"-"`
}

// MarshalJSON writes the numeric ID when set, otherwise the legacy string.
func (r ChannelRef) MarshalJSON() ([]byte, error) {
	if r.ID != 0 {
		return json.Marshal(r.ID)
	}
	return json.Marshal(r.Type)
}

// UnmarshalJSON accepts both JSON numbers (IDs) and strings (legacy types).
func (r *ChannelRef) UnmarshalJSON(data []byte) error {
	var id int64
	if err := json.Unmarshal(data, &id); err == nil {
		r.ID = id
		return nil
	}
	var typ string
	if err := json.Unmarshal(data, &typ); err == nil {
		// Numeric strings are IDs that survived a round-trip through text.
		if n, err := strconv.ParseInt(typ, 10, 64); err == nil {
			r.ID = n
			return nil
		}
		r.Type = typ
		return nil
	}
	return fmt.Errorf("channel ref %s: neither id nor type", data)
}

func channelKey(id int64) []byte {
	return []byte(fmt.Sprintf("%016d", id))
}

// CreateChannel persists a channel, assigning the next sequential ID.
func (s *Store) CreateChannel(ch NotificationChannel) (NotificationChannel, error) {
	ch.CreatedAt = time.Now().UTC()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChannels)
		if ch.ID == 0 {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			ch.ID = int64(seq)
		} else if b.Get(channelKey(ch.ID)) != nil {
			return fmt.Errorf("channel %d: %w", ch.ID, ErrConflict)
		}
		return putJSON(tx, bucketChannels, string(channelKey(ch.ID)), ch)
	})
	return ch, err
}

// GetChannel loads a channel by ID.
func (s *Store) GetChannel(id int64) (*NotificationChannel, error) {
	var ch NotificationChannel
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketChannels, string(channelKey(id)), &ch)
	})
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// UpdateChannel overwrites a channel record.
func (s *Store) UpdateChannel(ch NotificationChannel) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketChannels).Get(channelKey(ch.ID)) == nil {
			return fmt.Errorf("channel %d: %w", ch.ID, ErrNotFound)
		}
		return putJSON(tx, bucketChannels, string(channelKey(ch.ID)), ch)
	})
}

// ListChannels returns all channels in ID order.
func (s *Store) ListChannels() ([]NotificationChannel, error) {
	var channels []NotificationChannel
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChannels).ForEach(func(_, v []byte) error {
			var ch NotificationChannel
			if json.Unmarshal(v, &ch) == nil {
				channels = append(channels, ch)
			}
			return nil
		})
	})
	return channels, err
}

// DeleteChannelResult reports the cascade outcome of a channel deletion.
type DeleteChannelResult struct {
	DeletedAlerts []string `json:"deleted_alerts"` // names of rules removed because no channel remained
	UpdatedRules  int      `json:"updated_rules"`  // rules that merely lost this channel from their list
}

// DeleteChannel removes a channel. Rules referencing only this channel are
// deleted (and their open alerts resolved); rules with other channels keep
// them and drop the reference.
func (s *Store) DeleteChannel(id int64) (DeleteChannelResult, error) {
	var result DeleteChannelResult
	err := s.db.Update(func(tx *bolt.Tx) error {
		var ch NotificationChannel
		if err := getJSON(tx, bucketChannels, string(channelKey(id)), &ch); err != nil {
			return err
		}

		var rules []AlertRule
		_ = tx.Bucket(bucketAlertRules).ForEach(func(_, v []byte) error {
			var r AlertRule
			if json.Unmarshal(v, &r) == nil {
				rules = append(rules, r)
			}
			return nil
		})

		for _, r := range rules {
			var kept []ChannelRef
			referenced := false
			for _, ref := range r.NotifyChannels {
				if ref.ID == id || (ref.ID == 0 && ref.Type == ch.Type) {
					referenced = true
					continue
				}
				kept = append(kept, ref)
			}
			if !referenced {
				continue
			}
			if len(kept) == 0 {
				if err := resolveAlertsWhere(tx, func(a Alert) bool { return a.RuleID == r.ID }); err != nil {
					return err
				}
				if err := tx.Bucket(bucketAlertRules).Delete([]byte(r.ID)); err != nil {
					return err
				}
				result.DeletedAlerts = append(result.DeletedAlerts, r.Name)
				continue
			}
			r.NotifyChannels = kept
			if err := putJSON(tx, bucketAlertRules, r.ID, r); err != nil {
				return err
			}
			result.UpdatedRules++
		}

		return tx.Bucket(bucketChannels).Delete(channelKey(id))
	})
	if result.DeletedAlerts == nil {
		result.DeletedAlerts = []string{}
	}
	return result, err
}
