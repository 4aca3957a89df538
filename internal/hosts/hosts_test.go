package hosts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/config"
	"github.com/darthnorse/dockmon/internal/docker"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/store"
)

func testManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{PingInterval: time.Second, ReconnectMax: time.Minute}
	m := NewManager(st, events.New(), cfg, logging.New(false), clock.Real{}, DialerFunc(
		func(_ context.Context, _ store.Host) (docker.API, error) {
			return nil, errors.New("no dialing in tests")
		},
	))
	return m, st
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want OfflineReason
	}{
		{"refused", errors.New("dial tcp 10.0.0.1:2376: connect: connection refused"), ReasonUnreachable},
		{"dns", errors.New("dial tcp: lookup dockerhost: no such host"), ReasonUnreachable},
		{"timeout", &net.OpError{Op: "dial", Err: errors.New("i/o timeout")}, ReasonUnreachable},
		{"bad ca", errors.New("tls: failed to verify certificate: x509: certificate signed by unknown authority"), ReasonTLSInvalid},
		{"expired cert", errors.New("x509: certificate has expired or is not yet valid"), ReasonTLSInvalid},
		{"unauthorized", errors.New("Error response from daemon: unauthorized"), ReasonAuthFailed},
		{"forbidden", errors.New("access forbidden by policy"), ReasonAuthFailed},
		{"garbage response", errors.New("malformed HTTP response"), ReasonProtocolError},
		{"wrapped refused", fmt.Errorf("ping: %w", errors.New("connection refused")), ReasonUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func registrationToken(t *testing.T, st *store.Store, token string) {
	t.Helper()
	sum := sha256.Sum256([]byte(token))
	err := st.CreateRegistrationToken(store.RegistrationToken{
		TokenHash: hex.EncodeToString(sum[:]),
		Name:      "test",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRegisterAgentFreshHost(t *testing.T) {
	m, st := testManager(t)
	registrationToken(t, st, "tok1")

	res, err := m.RegisterAgent(RegistrationRequest{
		Token: "tok1", EngineID: "ENG-1", Hostname: "node-a", Version: "1.0.0",
	})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if res.Migrated {
		t.Error("fresh registration should not migrate")
	}

	h, err := st.GetHost(res.HostID)
	if err != nil {
		t.Fatalf("host not persisted: %v", err)
	}
	if h.ConnectionType != store.ConnectionAgent || h.EngineID != "ENG-1" || !h.IsActive {
		t.Errorf("host = %+v", h)
	}
}

func TestRegisterAgentBadToken(t *testing.T) {
	m, _ := testManager(t)
	_, err := m.RegisterAgent(RegistrationRequest{Token: "nope", EngineID: "E"})
	if !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestRegisterAgentTokenSingleUse(t *testing.T) {
	m, st := testManager(t)
	registrationToken(t, st, "tok1")

	if _, err := m.RegisterAgent(RegistrationRequest{Token: "tok1", EngineID: "E1", Hostname: "a"}); err != nil {
		t.Fatal(err)
	}
	_, err := m.RegisterAgent(RegistrationRequest{Token: "tok1", EngineID: "E2", Hostname: "b"})
	if !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("second use = %v, want ErrTokenInvalid", err)
	}
}

func TestRegisterAgentMigratesRemoteHost(t *testing.T) {
	m, st := testManager(t)
	registrationToken(t, st, "tok1")

	old := store.Host{
		ID: "old", Name: "remote-a", URL: "tcp://10.0.0.1:2376",
		ConnectionType: store.ConnectionRemote, EngineID: "ENG-1", IsActive: true,
	}
	if err := st.CreateHost(old); err != nil {
		t.Fatal(err)
	}
	_ = st.SetAutoRestart(store.AutoRestartConfig{
		CompositeKey: "old:abc123def456", HostID: "old", Name: "web", Enabled: true,
	})

	res, err := m.RegisterAgent(RegistrationRequest{Token: "tok1", EngineID: "ENG-1", Hostname: "node-a"})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if !res.Migrated || res.OldHostID != "old" {
		t.Errorf("result = %+v", res)
	}

	if _, err := st.GetAutoRestart(res.HostID + ":abc123def456"); err != nil {
		t.Errorf("auto-restart not migrated: %v", err)
	}
	oldHost, _ := st.GetHost("old")
	if oldHost.IsActive || oldHost.ReplacedByHostID != res.HostID {
		t.Errorf("old host = %+v", oldHost)
	}
}

func TestRegisterAgentRejectsLocalHost(t *testing.T) {
	m, st := testManager(t)
	registrationToken(t, st, "tok1")
	_ = st.CreateHost(store.Host{
		ID: "local", Name: "this-box", ConnectionType: store.ConnectionLocal,
		EngineID: "ENG-1", IsActive: true,
	})

	_, err := m.RegisterAgent(RegistrationRequest{Token: "tok1", EngineID: "ENG-1"})
	if !errors.Is(err, ErrLocalNotMigrate) {
		t.Errorf("err = %v, want ErrLocalNotMigrate", err)
	}
}

func TestRegisterAgentRejectsAlreadyMigrated(t *testing.T) {
	m, st := testManager(t)
	registrationToken(t, st, "tok1")
	_ = st.CreateHost(store.Host{
		ID: "old", Name: "remote-a", ConnectionType: store.ConnectionRemote,
		EngineID: "ENG-1", IsActive: false, ReplacedByHostID: "agent-1",
	})

	_, err := m.RegisterAgent(RegistrationRequest{Token: "tok1", EngineID: "ENG-1"})
	if !errors.Is(err, ErrAlreadyMigrated) {
		t.Errorf("err = %v, want ErrAlreadyMigrated", err)
	}
}

func TestBackoffCapped(t *testing.T) {
	m, _ := testManager(t)
	var prev time.Duration
	for i := 1; i <= 12; i++ {
		d := m.backoff(i)
		if d < prev {
			t.Errorf("backoff(%d) = %v, decreased from %v", i, d, prev)
		}
		if d > m.cfg.ReconnectMax {
			t.Errorf("backoff(%d) = %v exceeds cap %v", i, d, m.cfg.ReconnectMax)
		}
		prev = d
	}
	if m.backoff(12) != m.cfg.ReconnectMax {
		t.Errorf("backoff should reach the cap, got %v", m.backoff(12))
	}
}
