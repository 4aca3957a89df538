package hosts

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/darthnorse/dockmon/internal/store"
)

// Registration errors surfaced to the agent with distinct messages.
var (
	ErrTokenInvalid    = errors.New("registration token invalid or expired")
	ErrLocalNotMigrate = errors.New("migrating a local host to an agent is not supported")
	ErrAlreadyMigrated = errors.New("host already migrated to an agent")
)

// RegistrationRequest is what an enrolling agent presents.
type RegistrationRequest struct {
	Token        string   `json:"token"`
	EngineID     string   `json:"engine_id"`
	Hostname     string   `json:"hostname"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// RegistrationResult reports the host the agent now represents and
// whether an existing direct-connection host was migrated to it.
type RegistrationResult struct {
	HostID    string `json:"host_id"`
	Migrated  bool   `json:"migrated"`
	OldHostID string `json:"old_host_id,omitempty"`
}

// RegisterAgent enrolls an agent. When an active remote host shares the
// agent's engine ID, its recorded container state is migrated to the new
// agent host in one transaction. Local hosts are never migrated, and a
// host that was already migrated cannot be claimed twice.
func (m *Manager) RegisterAgent(req RegistrationRequest) (*RegistrationResult, error) {
	sum := sha256.Sum256([]byte(req.Token))
	if err := m.store.ConsumeRegistrationToken(hex.EncodeToString(sum[:]), m.clock.Now()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	existing, err := m.store.FindHostByEngineID(req.EngineID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	newHost := store.Host{
		ID:             uuid.NewString(),
		Name:           req.Hostname,
		ConnectionType: store.ConnectionAgent,
		EngineID:       req.EngineID,
		IsActive:       true,
		SystemInfo: map[string]string{
			"agent_version": req.Version,
			"registered_at": m.clock.Now().UTC().Format(time.RFC3339),
		},
	}

	if existing == nil {
		if err := m.store.CreateHost(newHost); err != nil {
			return nil, err
		}
		m.log.Info("agent registered", "host", newHost.ID, "engine", req.EngineID)
		return &RegistrationResult{HostID: newHost.ID}, nil
	}

	if existing.ConnectionType == store.ConnectionLocal {
		return nil, ErrLocalNotMigrate
	}
	if !existing.IsActive {
		return nil, ErrAlreadyMigrated
	}
	if existing.ConnectionType == store.ConnectionAgent {
		// Same agent re-registering after a reinstall: reuse the host.
		m.log.Info("agent re-registered", "host", existing.ID, "engine", req.EngineID)
		return &RegistrationResult{HostID: existing.ID}, nil
	}

	if err := m.store.ReplaceHost(newHost, existing.ID); err != nil {
		return nil, fmt.Errorf("migrate host data: %w", err)
	}
	m.Drop(existing.ID)

	m.log.Info("agent registered with migration",
		"host", newHost.ID, "replaces", existing.ID, "engine", req.EngineID)
	return &RegistrationResult{HostID: newHost.ID, Migrated: true, OldHostID: existing.ID}, nil
}
