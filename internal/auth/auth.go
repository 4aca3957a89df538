// Package auth owns password checks, login sessions, API keys, and
// agent enrollment tokens.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/config"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/store"
)

const (
	sessionTokenBytes = 32
	apiKeyPrefix      = "dmak_"
	enrollPrefix      = "dmrt_"
	sweepEvery        = 10 * time.Minute
)

// Authentication errors. Handlers map all of them to 401 so responses
// never reveal which part of a credential was wrong.
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrSessionInvalid     = errors.New("session invalid")
	ErrSessionExpired     = errors.New("session expired")
)

// Service implements authentication on top of the store.
type Service struct {
	store *store.Store
	cfg   *config.Config
	log   *logging.Logger
	clock clock.Clock
}

// New creates a Service.
func New(st *store.Store, cfg *config.Config, log *logging.Logger, clk clock.Clock) *Service {
	return &Service{store: st, cfg: cfg, log: log, clock: clk}
}

// CreateUser registers a user with a bcrypt password hash.
func (s *Service) CreateUser(username, password string, admin bool) (*store.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := s.clock.Now().UTC()
	u := store.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		IsAdmin:      admin,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ChangePassword verifies the old password and replaces the hash.
func (s *Service) ChangePassword(userID, oldPassword, newPassword string) error {
	u, err := s.store.GetUser(userID)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(oldPassword)) != nil {
		return ErrInvalidCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = string(hash)
	return s.store.UpdateUser(*u)
}

// Login checks credentials and opens a session bound to the client IP.
func (s *Service) Login(username, password, ip, userAgent string) (*store.Session, error) {
	u, err := s.store.GetUserByUsername(username)
	if err != nil {
		// Burn a comparison anyway so lookup failures take as long as
		// password failures.
		_ = bcrypt.CompareHashAndPassword(
			[]byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"),
			[]byte(password))
		return nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		s.audit(u.ID, "failed login for "+username, ip)
		return nil, ErrInvalidCredentials
	}

	now := s.clock.Now().UTC()
	sess := store.Session{
		Token:     randomHex(sessionTokenBytes),
		UserID:    u.ID,
		IP:        ip,
		UserAgent: userAgent,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.SessionExpiry),
	}
	if err := s.store.CreateSession(sess, s.cfg.MaxSessions); err != nil {
		return nil, err
	}
	s.audit(u.ID, "login for "+username, ip)
	return &sess, nil
}

// Validate resolves a session token to its user. The session is bound
// to the IP it was created from: a different caller IP invalidates the
// session entirely, so a stolen cookie dies on first foreign use.
func (s *Service) Validate(token, ip string) (*store.User, error) {
	sess, err := s.store.GetSession(token)
	if err != nil {
		return nil, ErrSessionInvalid
	}
	if s.clock.Now().After(sess.ExpiresAt) {
		_ = s.store.DeleteSession(token)
		return nil, ErrSessionExpired
	}
	if sess.IP != ip {
		_ = s.store.DeleteSession(token)
		s.audit(sess.UserID, "session invalidated by IP change", ip)
		return nil, ErrSessionInvalid
	}
	u, err := s.store.GetUser(sess.UserID)
	if err != nil {
		return nil, ErrSessionInvalid
	}
	return u, nil
}

// Logout removes a session. Unknown tokens are a no-op.
func (s *Service) Logout(token string) {
	_ = s.store.DeleteSession(token)
}

// IssueAPIKey mints a Bearer token. The plaintext is returned once and
// only its SHA-256 is stored.
func (s *Service) IssueAPIKey(userID, name string) (string, *store.APIKey, error) {
	plaintext := apiKeyPrefix + randomHex(24)
	key := store.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		TokenHash: hashToken(plaintext),
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := s.store.CreateAPIKey(key); err != nil {
		return "", nil, err
	}
	return plaintext, &key, nil
}

// ValidateAPIKey resolves a Bearer token to its user and stamps last
// use.
func (s *Service) ValidateAPIKey(plaintext string) (*store.User, error) {
	key, err := s.store.GetAPIKeyByHash(hashToken(plaintext))
	if err != nil {
		return nil, ErrSessionInvalid
	}
	_ = s.store.TouchAPIKey(key.ID, s.clock.Now())
	return s.store.GetUser(key.UserID)
}

// IssueRegistrationToken mints an agent enrollment token.
func (s *Service) IssueRegistrationToken(name string, ttl time.Duration) (string, error) {
	plaintext := enrollPrefix + randomHex(24)
	now := s.clock.Now().UTC()
	err := s.store.CreateRegistrationToken(store.RegistrationToken{
		TokenHash: hashToken(plaintext),
		Name:      name,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		return "", err
	}
	return plaintext, nil
}

// Run sweeps expired sessions until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(sweepEvery):
			n, err := s.store.DeleteExpiredSessions(s.clock.Now())
			if err != nil {
				s.log.Error("session sweep failed", "error", err)
			} else if n > 0 {
				s.log.Debug("swept expired sessions", "count", n)
			}
		}
	}
}

func (s *Service) audit(userID, msg, ip string) {
	err := s.store.AppendAuditLog(store.EventLogEntry{
		Timestamp: s.clock.Now().UTC(),
		Category:  "security",
		EntityID:  userID,
		Message:   fmt.Sprintf("%s (ip=%s)", msg, ip),
	})
	if err != nil {
		s.log.Error("append audit log", "error", err)
	}
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // the OS entropy source is gone, nothing sane to do
	}
	return hex.EncodeToString(buf)
}

func hashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
