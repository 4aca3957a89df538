package auth

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/darthnorse/dockmon/internal/config"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/store"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }
func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- f.now.Add(d)
	return ch
}
func (f *fakeClock) Since(t time.Time) time.Duration { return f.now.Sub(t) }

func testService(t *testing.T) (*Service, *store.Store, *fakeClock) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	clk := &fakeClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	cfg := &config.Config{SessionExpiry: 24 * time.Hour, MaxSessions: 2}
	return New(st, cfg, logging.New(false), clk), st, clk
}

func TestLoginAndValidate(t *testing.T) {
	s, _, _ := testService(t)
	if _, err := s.CreateUser("admin", "hunter2hunter2", true); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Login("admin", "wrong", "10.0.0.1", "ua"); err != ErrInvalidCredentials {
		t.Fatalf("bad password err = %v", err)
	}
	if _, err := s.Login("ghost", "whatever", "10.0.0.1", "ua"); err != ErrInvalidCredentials {
		t.Fatalf("unknown user err = %v", err)
	}

	sess, err := s.Login("admin", "hunter2hunter2", "10.0.0.1", "ua")
	if err != nil {
		t.Fatal(err)
	}
	if len(sess.Token) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(sess.Token))
	}

	u, err := s.Validate(sess.Token, "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if u.Username != "admin" || !u.IsAdmin {
		t.Errorf("user = %+v", u)
	}
}

func TestValidateRejectsIPChange(t *testing.T) {
	s, _, _ := testService(t)
	if _, err := s.CreateUser("admin", "hunter2hunter2", true); err != nil {
		t.Fatal(err)
	}
	sess, err := s.Login("admin", "hunter2hunter2", "10.0.0.1", "ua")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Validate(sess.Token, "192.168.1.50"); err != ErrSessionInvalid {
		t.Fatalf("err = %v, want ErrSessionInvalid", err)
	}
	// The session is gone, not just rejected for the foreign IP.
	if _, err := s.Validate(sess.Token, "10.0.0.1"); err == nil {
		t.Error("session survived an IP change")
	}
}

func TestValidateRejectsExpiredSession(t *testing.T) {
	s, _, clk := testService(t)
	if _, err := s.CreateUser("admin", "hunter2hunter2", true); err != nil {
		t.Fatal(err)
	}
	sess, err := s.Login("admin", "hunter2hunter2", "10.0.0.1", "ua")
	if err != nil {
		t.Fatal(err)
	}

	clk.now = clk.now.Add(25 * time.Hour)
	if _, err := s.Validate(sess.Token, "10.0.0.1"); err != ErrSessionExpired {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
}

func TestMaxSessionsEvictsOldest(t *testing.T) {
	s, _, clk := testService(t)
	if _, err := s.CreateUser("admin", "hunter2hunter2", true); err != nil {
		t.Fatal(err)
	}

	first, _ := s.Login("admin", "hunter2hunter2", "10.0.0.1", "ua")
	clk.now = clk.now.Add(time.Minute)
	second, _ := s.Login("admin", "hunter2hunter2", "10.0.0.1", "ua")
	clk.now = clk.now.Add(time.Minute)
	third, _ := s.Login("admin", "hunter2hunter2", "10.0.0.1", "ua")

	if _, err := s.Validate(first.Token, "10.0.0.1"); err == nil {
		t.Error("oldest session not evicted")
	}
	for _, sess := range []*store.Session{second, third} {
		if _, err := s.Validate(sess.Token, "10.0.0.1"); err != nil {
			t.Errorf("session evicted too eagerly: %v", err)
		}
	}
}

func TestChangePassword(t *testing.T) {
	s, _, _ := testService(t)
	u, err := s.CreateUser("admin", "hunter2hunter2", true)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.ChangePassword(u.ID, "wrong", "newpassword123"); err != ErrInvalidCredentials {
		t.Fatalf("err = %v", err)
	}
	if err := s.ChangePassword(u.ID, "hunter2hunter2", "newpassword123"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Login("admin", "hunter2hunter2", "10.0.0.1", "ua"); err == nil {
		t.Error("old password still valid")
	}
	if _, err := s.Login("admin", "newpassword123", "10.0.0.1", "ua"); err != nil {
		t.Errorf("new password rejected: %v", err)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	s, _, _ := testService(t)
	u, err := s.CreateUser("ci", "hunter2hunter2", false)
	if err != nil {
		t.Fatal(err)
	}

	plaintext, key, err := s.IssueAPIKey(u.ID, "ci-pipeline")
	if err != nil {
		t.Fatal(err)
	}
	if len(plaintext) <= len(apiKeyPrefix) || plaintext[:len(apiKeyPrefix)] != apiKeyPrefix {
		t.Errorf("plaintext = %q", plaintext)
	}
	if key.TokenHash == plaintext {
		t.Error("plaintext stored instead of hash")
	}

	got, err := s.ValidateAPIKey(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != u.ID {
		t.Errorf("user = %s, want %s", got.ID, u.ID)
	}

	if _, err := s.ValidateAPIKey(apiKeyPrefix + "deadbeef"); err == nil {
		t.Error("bogus key accepted")
	}
}

func TestValidateAPIKeyPreservesCreatedAt(t *testing.T) {
	s, st, clk := testService(t)
	u, err := s.CreateUser("ci", "hunter2hunter2", false)
	if err != nil {
		t.Fatal(err)
	}
	plaintext, key, err := s.IssueAPIKey(u.ID, "ci-pipeline")
	if err != nil {
		t.Fatal(err)
	}
	before, err := st.GetAPIKeyByHash(key.TokenHash)
	if err != nil {
		t.Fatal(err)
	}

	clk.now = clk.now.Add(48 * time.Hour)
	if _, err := s.ValidateAPIKey(plaintext); err != nil {
		t.Fatal(err)
	}

	after, err := st.GetAPIKeyByHash(key.TokenHash)
	if err != nil {
		t.Fatal(err)
	}
	if !after.CreatedAt.Equal(before.CreatedAt) {
		t.Errorf("CreatedAt changed on validation: %v -> %v", before.CreatedAt, after.CreatedAt)
	}
	if after.LastUsed == nil || !after.LastUsed.Equal(clk.now) {
		t.Errorf("LastUsed = %v, want %v", after.LastUsed, clk.now)
	}
}

func TestRegistrationTokenSingleUse(t *testing.T) {
	s, st, clk := testService(t)
	plaintext, err := s.IssueRegistrationToken("node-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	if err := st.ConsumeRegistrationToken(hashToken(plaintext), clk.now); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if err := st.ConsumeRegistrationToken(hashToken(plaintext), clk.now); err == nil {
		t.Error("token reusable")
	}
}
