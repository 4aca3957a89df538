package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// User is a persisted DockMon account.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Session is a cookie-backed login session bound to the originating IP.
type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// APIKey authenticates programmatic access via Bearer tokens.
type APIKey struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Name      string     `json:"name"`
	TokenHash string     `json:"token_hash"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
}

// ActionToken is a single-use, hashed, time-bound credential permitting one
// parameterized action (mobile alert-action URLs). Plaintext is never stored.
type ActionToken struct {
	TokenHash    string          `json:"token_hash"`
	TokenPrefix  string          `json:"token_prefix"`
	UserID       string          `json:"user_id"`
	ActionType   string          `json:"action_type"`
	ActionParams json.RawMessage `json:"action_params,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	UsedAt       *time.Time      `json:"used_at,omitempty"`
	UsedFromIP   string          `json:"used_from_ip,omitempty"`
	RevokedAt    *time.Time      `json:"revoked_at,omitempty"`
}

// RegistrationToken authorizes a new agent to enroll.
type RegistrationToken struct {
	TokenHash string     `json:"token_hash"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

// maxPrefsBytes caps the serialized preferences blob per user.
const maxPrefsBytes = 100 * 1024

// ErrPrefsTooLarge is returned when a preferences payload exceeds the cap.
var ErrPrefsTooLarge = fmt.Errorf("preferences exceed %d bytes", maxPrefsBytes)

// CreateUser persists a new user.
func (s *Store) CreateUser(u User) error {
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketUsers).Get([]byte(u.ID)) != nil {
			return fmt.Errorf("user %s: %w", u.ID, ErrConflict)
		}
		return putJSON(tx, bucketUsers, u.ID, u)
	})
}

// UpdateUser rewrites an existing user record.
func (s *Store) UpdateUser(u User) error {
	u.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketUsers).Get([]byte(u.ID)) == nil {
			return fmt.Errorf("user %s: %w", u.ID, ErrNotFound)
		}
		return putJSON(tx, bucketUsers, u.ID, u)
	})
}

// GetUser loads a user by ID.
func (s *Store) GetUser(id string) (*User, error) {
	var u User
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketUsers, id, &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByUsername looks up a user by username.
func (s *Store) GetUserByUsername(username string) (*User, error) {
	var found *User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(_, v []byte) error {
			var u User
			if json.Unmarshal(v, &u) == nil && u.Username == username {
				uc := u
				found = &uc
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
	}
	return found, nil
}

// CreateSession persists a session, evicting the user's oldest sessions
// beyond maxPerUser.
func (s *Store) CreateSession(sess Session, maxPerUser int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		var existing []Session
		_ = b.ForEach(func(_, v []byte) error {
			var cur Session
			if json.Unmarshal(v, &cur) == nil && cur.UserID == sess.UserID {
				existing = append(existing, cur)
			}
			return nil
		})
		if maxPerUser > 0 && len(existing) >= maxPerUser {
			sort.Slice(existing, func(i, j int) bool {
				return existing[i].CreatedAt.Before(existing[j].CreatedAt)
			})
			for _, old := range existing[:len(existing)-maxPerUser+1] {
				_ = b.Delete([]byte(old.Token))
			}
		}
		return putJSON(tx, bucketSessions, sess.Token, sess)
	})
}

// GetSession loads a session by token.
func (s *Store) GetSession(token string) (*Session, error) {
	var sess Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketSessions, token, &sess)
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// DeleteSession removes a session by token.
func (s *Store) DeleteSession(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(token))
	})
}

// DeleteExpiredSessions sweeps expired sessions. Returns the count removed.
func (s *Store) DeleteExpiredSessions(now time.Time) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		var toDelete [][]byte
		_ = b.ForEach(func(k, v []byte) error {
			var sess Session
			if json.Unmarshal(v, &sess) == nil && sess.ExpiresAt.Before(now) {
				kc := make([]byte, len(k))
				copy(kc, k)
				toDelete = append(toDelete, kc)
			}
			return nil
		})
		for _, k := range toDelete {
			_ = b.Delete(k)
		}
		count = len(toDelete)
		return nil
	})
	return count, err
}

// CreateAPIKey persists an API key record.
func (s *Store) CreateAPIKey(k APIKey) error {
	k.CreatedAt = time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketAPIKeys, k.ID, k)
	})
}

// TouchAPIKey stamps an API key's last-use time, leaving the rest of
// the record alone.
func (s *Store) TouchAPIKey(id string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var k APIKey
		if err := getJSON(tx, bucketAPIKeys, id, &k); err != nil {
			return err
		}
		at = at.UTC()
		k.LastUsed = &at
		return putJSON(tx, bucketAPIKeys, id, k)
	})
}

// GetAPIKeyByHash looks up an API key by its token hash.
func (s *Store) GetAPIKeyByHash(hash string) (*APIKey, error) {
	var found *APIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAPIKeys).ForEach(func(_, v []byte) error {
			var k APIKey
			if json.Unmarshal(v, &k) == nil && k.TokenHash == hash {
				kc := k
				found = &kc
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("api key: %w", ErrNotFound)
	}
	return found, nil
}

// DeleteAPIKey removes an API key record.
func (s *Store) DeleteAPIKey(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAPIKeys).Delete([]byte(id))
	})
}

// CreateActionToken persists a hashed action token, revoking the user's
// oldest active tokens beyond maxPerUser (oldest-first).
func (s *Store) CreateActionToken(t ActionToken, maxPerUser int) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActionTokens)
		now := time.Now().UTC()
		var active []ActionToken
		_ = b.ForEach(func(_, v []byte) error {
			var cur ActionToken
			if json.Unmarshal(v, &cur) != nil {
				return nil
			}
			if cur.UserID == t.UserID && cur.RevokedAt == nil && cur.UsedAt == nil && cur.ExpiresAt.After(now) {
				active = append(active, cur)
			}
			return nil
		})
		if maxPerUser > 0 && len(active) >= maxPerUser {
			sort.Slice(active, func(i, j int) bool {
				return active[i].CreatedAt.Before(active[j].CreatedAt)
			})
			for _, old := range active[:len(active)-maxPerUser+1] {
				old.RevokedAt = &now
				if err := putJSON(tx, bucketActionTokens, old.TokenHash, old); err != nil {
					return err
				}
			}
		}
		return putJSON(tx, bucketActionTokens, t.TokenHash, t)
	})
}

// GetActionToken loads an action token by hash.
func (s *Store) GetActionToken(hash string) (*ActionToken, error) {
	var t ActionToken
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketActionTokens, hash, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateActionToken overwrites an action token record.
func (s *Store) UpdateActionToken(t ActionToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketActionTokens).Get([]byte(t.TokenHash)) == nil {
			return fmt.Errorf("action token: %w", ErrNotFound)
		}
		return putJSON(tx, bucketActionTokens, t.TokenHash, t)
	})
}

// CreateRegistrationToken persists a hashed agent enrollment token.
func (s *Store) CreateRegistrationToken(t RegistrationToken) error {
	t.CreatedAt = time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketRegTokens, t.TokenHash, t)
	})
}

// ConsumeRegistrationToken validates and single-uses an enrollment token by
// hash. Returns ErrNotFound for unknown, expired, or already-used tokens.
func (s *Store) ConsumeRegistrationToken(hash string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var t RegistrationToken
		if err := getJSON(tx, bucketRegTokens, hash, &t); err != nil {
			return err
		}
		if t.UsedAt != nil || t.ExpiresAt.Before(now) {
			return fmt.Errorf("registration token: %w", ErrNotFound)
		}
		t.UsedAt = &now
		return putJSON(tx, bucketRegTokens, hash, t)
	})
}

// SaveUserPrefs stores a user's preference blob, rejecting oversized payloads.
func (s *Store) SaveUserPrefs(userID string, prefs json.RawMessage) error {
	if len(prefs) > maxPrefsBytes {
		return ErrPrefsTooLarge
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPrefs).Put([]byte(userID), prefs)
	})
}

// GetUserPrefs loads a user's preference blob. Returns nil if unset.
func (s *Store) GetUserPrefs(userID string) (json.RawMessage, error) {
	var out json.RawMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPrefs).Get([]byte(userID))
		if v != nil {
			out = make([]byte, len(v))
			copy(out, v)
		}
		return nil
	})
	return out, err
}

// EventLogEntry is an append-only operational event record.
type EventLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Category  string    `json:"category"` // host, container, alert, deploy, update, security
	HostID    string    `json:"host_id,omitempty"`
	EntityID  string    `json:"entity_id,omitempty"`
	Message   string    `json:"message"`
}

// AppendEventLog writes an entry to the event log.
func (s *Store) AppendEventLog(e EventLogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEventLog)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%s|%016d", e.Timestamp.UTC().Format(time.RFC3339Nano), seq)
		return putJSON(tx, bucketEventLog, key, e)
	})
}

// ListEventLog returns the most recent entries, newest first, up to limit.
func (s *Store) ListEventLog(limit int) ([]EventLogEntry, error) {
	var entries []EventLogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEventLog).Cursor()
		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var e EventLogEntry
			if json.Unmarshal(v, &e) == nil {
				entries = append(entries, e)
			}
		}
		return nil
	})
	return entries, err
}

// AppendAuditLog writes a security-relevant entry to the audit log.
func (s *Store) AppendAuditLog(e EventLogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuditLog)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%s|%016d", e.Timestamp.UTC().Format(time.RFC3339Nano), seq)
		return putJSON(tx, bucketAuditLog, key, e)
	})
}

// ListAuditLog returns the most recent audit entries, newest first.
func (s *Store) ListAuditLog(limit int) ([]EventLogEntry, error) {
	var entries []EventLogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAuditLog).Cursor()
		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var e EventLogEntry
			if json.Unmarshal(v, &e) == nil {
				entries = append(entries, e)
			}
		}
		return nil
	})
	return entries, err
}
