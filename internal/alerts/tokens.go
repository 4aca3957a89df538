package alerts

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/store"
)

// Action token plaintexts look like "dmat_<48 hex chars>". Only the
// SHA-256 of the full plaintext is stored, plus a short display prefix.
const (
	actionTokenPrefix = "dmat_"
	displayPrefixLen  = 12
	maxTokensPerUser  = 20
	defaultTokenTTL   = 24 * time.Hour
)

// Redemption failures are distinct so callers can report and audit the
// exact reason without leaking whether a token ever existed to the
// caller-facing message.
var (
	ErrTokenMalformed = errors.New("action token: malformed")
	ErrTokenUnknown   = errors.New("action token: unknown")
	ErrTokenExpired   = errors.New("action token: expired")
	ErrTokenUsed      = errors.New("action token: already used")
	ErrTokenRevoked   = errors.New("action token: revoked")
	ErrTokenUserGone  = errors.New("action token: user no longer exists")
)

// TokenService issues and redeems single-use action tokens for
// alert-action links (restart this container, acknowledge, etc).
type TokenService struct {
	store *store.Store
	log   *logging.Logger
	clock clock.Clock
}

// NewTokenService creates a TokenService.
func NewTokenService(st *store.Store, log *logging.Logger, clk clock.Clock) *TokenService {
	return &TokenService{store: st, log: log, clock: clk}
}

// Issue mints a token authorizing one action for one user. The returned
// plaintext is shown once and never stored; issuing beyond the per-user
// cap revokes the user's oldest active tokens.
func (t *TokenService) Issue(userID, actionType string, params json.RawMessage, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate action token: %w", err)
	}
	plaintext := actionTokenPrefix + hex.EncodeToString(buf)
	now := t.clock.Now().UTC()

	tok := store.ActionToken{
		TokenHash:    hashToken(plaintext),
		TokenPrefix:  plaintext[:displayPrefixLen],
		UserID:       userID,
		ActionType:   actionType,
		ActionParams: params,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}
	if err := t.store.CreateActionToken(tok, maxTokensPerUser); err != nil {
		return "", fmt.Errorf("store action token: %w", err)
	}
	return plaintext, nil
}

// Redeem validates and consumes a token, marking when and from where it
// was used. Every failure is audit-logged with its reason.
func (t *TokenService) Redeem(plaintext, fromIP string) (*store.ActionToken, error) {
	if !strings.HasPrefix(plaintext, actionTokenPrefix) {
		t.audit("", "malformed action token presented", fromIP)
		return nil, ErrTokenMalformed
	}

	tok, err := t.store.GetActionToken(hashToken(plaintext))
	if err != nil {
		t.audit("", "unknown action token presented", fromIP)
		return nil, ErrTokenUnknown
	}

	now := t.clock.Now().UTC()
	switch {
	case tok.RevokedAt != nil:
		t.audit(tok.UserID, "revoked action token presented", fromIP)
		return nil, ErrTokenRevoked
	case tok.UsedAt != nil:
		t.audit(tok.UserID, "action token replay attempt", fromIP)
		return nil, ErrTokenUsed
	case tok.ExpiresAt.Before(now):
		t.audit(tok.UserID, "expired action token presented", fromIP)
		return nil, ErrTokenExpired
	}

	if _, err := t.store.GetUser(tok.UserID); err != nil {
		t.audit(tok.UserID, "action token for deleted user", fromIP)
		return nil, ErrTokenUserGone
	}

	tok.UsedAt = &now
	tok.UsedFromIP = fromIP
	if err := t.store.UpdateActionToken(*tok); err != nil {
		return nil, fmt.Errorf("consume action token: %w", err)
	}
	t.audit(tok.UserID, fmt.Sprintf("action token redeemed: %s", tok.ActionType), fromIP)
	return tok, nil
}

func (t *TokenService) audit(userID, msg, fromIP string) {
	entry := store.EventLogEntry{
		Category: "security",
		EntityID: userID,
		Message:  fmt.Sprintf("%s (ip=%s)", msg, fromIP),
	}
	if err := t.store.AppendAuditLog(entry); err != nil {
		t.log.Error("append audit log", "error", err)
	}
}

func hashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
