package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// DeploymentStatus is one of the seven lifecycle states.
type DeploymentStatus string

const (
	DeployPending      DeploymentStatus = "pending"
	DeployValidating   DeploymentStatus = "validating"
	DeployPullingImage DeploymentStatus = "pulling_image"
	DeployCreating     DeploymentStatus = "creating"
	DeployStarting     DeploymentStatus = "starting"
	DeployRunning      DeploymentStatus = "running"
	DeployFailed       DeploymentStatus = "failed"
	DeployRolledBack   DeploymentStatus = "rolled_back"
)

// Deployment is a persisted container or stack deployment.
type Deployment struct {
	ID                string           `json:"id"` // composite "{host_id}:{short_id}"
	HostID            string           `json:"host_id"`
	Name              string           `json:"name"`
	Type              string           `json:"type"` // "container" or "stack"
	Definition        string           `json:"definition"`
	Status            DeploymentStatus `json:"status"`
	ProgressPercent   int              `json:"progress_percent"`
	CurrentStage      string           `json:"current_stage"`
	StagePercent      int              `json:"stage_percent"`
	RollbackOnFailure bool             `json:"rollback_on_failure"`
	Committed         bool             `json:"committed"`
	StackName         string           `json:"stack_name,omitempty"`
	StartedAt         *time.Time       `json:"started_at,omitempty"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
	ErrorMessage      string           `json:"error_message,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// DeploymentMetadata links a managed container to the deployment that
// created it. One row per managed container, keyed by composite key.
type DeploymentMetadata struct {
	ContainerID  string    `json:"container_id"` // composite key, primary
	HostID       string    `json:"host_id"`
	DeploymentID string    `json:"deployment_id,omitempty"` // set null on deployment delete
	IsManaged    bool      `json:"is_managed"`
	ServiceName  string    `json:"service_name,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CreateDeployment persists a new deployment. Name is unique per host.
func (s *Store) CreateDeployment(d Deployment) error {
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	if d.Status == "" {
		d.Status = DeployPending
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		dup := false
		_ = tx.Bucket(bucketDeployments).ForEach(func(_, v []byte) error {
			var existing Deployment
			if json.Unmarshal(v, &existing) == nil &&
				existing.HostID == d.HostID && existing.Name == d.Name {
				dup = true
			}
			return nil
		})
		if dup {
			return fmt.Errorf("deployment %q on host %s: %w", d.Name, d.HostID, ErrConflict)
		}
		return putJSON(tx, bucketDeployments, d.ID, d)
	})
}

// GetDeployment loads a deployment by composite ID.
func (s *Store) GetDeployment(id string) (*Deployment, error) {
	var d Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketDeployments, id, &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// UpdateDeployment overwrites a deployment record.
func (s *Store) UpdateDeployment(d Deployment) error {
	d.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketDeployments).Get([]byte(d.ID)) == nil {
			return fmt.Errorf("deployment %s: %w", d.ID, ErrNotFound)
		}
		return putJSON(tx, bucketDeployments, d.ID, d)
	})
}

// ListDeployments returns all deployments, optionally filtered by host.
func (s *Store) ListDeployments(hostID string) ([]Deployment, error) {
	var out []Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).ForEach(func(_, v []byte) error {
			var d Deployment
			if json.Unmarshal(v, &d) != nil {
				return nil
			}
			if hostID != "" && d.HostID != hostID {
				return nil
			}
			out = append(out, d)
			return nil
		})
	})
	return out, err
}

// CountDeploymentsForStack returns how many deployments reference a stack.
func (s *Store) CountDeploymentsForStack(stackName string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).ForEach(func(_, v []byte) error {
			var d Deployment
			if json.Unmarshal(v, &d) == nil && d.StackName == stackName {
				count++
			}
			return nil
		})
	})
	return count, err
}

// DeleteDeployment removes a deployment. Metadata rows that reference it
// keep their is_managed flag but lose the deployment link (SET NULL).
func (s *Store) DeleteDeployment(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketDeployments).Get([]byte(id)) == nil {
			return fmt.Errorf("deployment %s: %w", id, ErrNotFound)
		}
		b := tx.Bucket(bucketDeployMeta)
		type patch struct {
			key []byte
			m   DeploymentMetadata
		}
		var patches []patch
		_ = b.ForEach(func(k, v []byte) error {
			var m DeploymentMetadata
			if json.Unmarshal(v, &m) == nil && m.DeploymentID == id {
				m.DeploymentID = ""
				kc := make([]byte, len(k))
				copy(kc, k)
				patches = append(patches, patch{key: kc, m: m})
			}
			return nil
		})
		for _, p := range patches {
			p.m.UpdatedAt = time.Now().UTC()
			if err := putJSON(tx, bucketDeployMeta, string(p.key), p.m); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketDeployments).Delete([]byte(id))
	})
}

// SaveDeploymentMetadata creates or updates the metadata row for a
// managed container.
func (s *Store) SaveDeploymentMetadata(m DeploymentMetadata) error {
	m.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketDeployMeta, m.ContainerID, m)
	})
}

// GetDeploymentMetadata loads the metadata row for a composite key.
func (s *Store) GetDeploymentMetadata(containerID string) (*DeploymentMetadata, error) {
	var m DeploymentMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketDeployMeta, containerID, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListDeploymentMetadataForHost returns all metadata rows on a host.
func (s *Store) ListDeploymentMetadataForHost(hostID string) ([]DeploymentMetadata, error) {
	var out []DeploymentMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := []byte(hostID + ":")
		c := tx.Bucket(bucketDeployMeta).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var m DeploymentMetadata
			if json.Unmarshal(v, &m) == nil {
				out = append(out, m)
			}
		}
		return nil
	})
	return out, err
}

// Stack is a named compose definition stored on the controller.
type Stack struct {
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateStack persists a new stack. Fails with ErrConflict if the name exists.
func (s *Store) CreateStack(st Stack) error {
	now := time.Now().UTC()
	st.CreatedAt, st.UpdatedAt = now, now
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketStacks).Get([]byte(st.Name)) != nil {
			return fmt.Errorf("stack %q: %w", st.Name, ErrConflict)
		}
		return putJSON(tx, bucketStacks, st.Name, st)
	})
}

// GetStack loads a stack by name.
func (s *Store) GetStack(name string) (*Stack, error) {
	var st Stack
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketStacks, name, &st)
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// UpdateStack overwrites a stack's content.
func (s *Store) UpdateStack(st Stack) error {
	st.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		var cur Stack
		if err := getJSON(tx, bucketStacks, st.Name, &cur); err != nil {
			return err
		}
		st.CreatedAt = cur.CreatedAt
		return putJSON(tx, bucketStacks, st.Name, st)
	})
}

// ListStacks returns all stacks.
func (s *Store) ListStacks() ([]Stack, error) {
	var out []Stack
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStacks).ForEach(func(_, v []byte) error {
			var st Stack
			if json.Unmarshal(v, &st) == nil {
				out = append(out, st)
			}
			return nil
		})
	})
	return out, err
}

// RenameStack renames a stack and updates deployments referencing it in the
// same transaction. The filesystem rename happens after the DB commit; the
// caller reverses this with RenameStack(new, old) if the FS step fails.
func (s *Store) RenameStack(oldName, newName string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var st Stack
		if err := getJSON(tx, bucketStacks, oldName, &st); err != nil {
			return err
		}
		if tx.Bucket(bucketStacks).Get([]byte(newName)) != nil {
			return fmt.Errorf("stack %q: %w", newName, ErrConflict)
		}
		st.Name = newName
		st.UpdatedAt = time.Now().UTC()

		type patch struct {
			id string
			d  Deployment
		}
		var patches []patch
		_ = tx.Bucket(bucketDeployments).ForEach(func(k, v []byte) error {
			var d Deployment
			if json.Unmarshal(v, &d) == nil && d.StackName == oldName {
				d.StackName = newName
				patches = append(patches, patch{id: string(k), d: d})
			}
			return nil
		})
		for _, p := range patches {
			if err := putJSON(tx, bucketDeployments, p.id, p.d); err != nil {
				return err
			}
		}

		if err := putJSON(tx, bucketStacks, newName, st); err != nil {
			return err
		}
		return tx.Bucket(bucketStacks).Delete([]byte(oldName))
	})
}

// DeleteStack removes a stack. Blocked while deployments reference it.
func (s *Store) DeleteStack(name string) error {
	count, err := s.CountDeploymentsForStack(name)
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("stack %q is referenced by %d deployments: %w", name, count, ErrConflict)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketStacks).Get([]byte(name)) == nil {
			return fmt.Errorf("stack %q: %w", name, ErrNotFound)
		}
		return tx.Bucket(bucketStacks).Delete([]byte(name))
	})
}

// Template is a reusable deployment definition with ${VAR} placeholders.
type Template struct {
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	IsBuiltin bool      `json:"is_builtin"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateTemplate persists a new template.
func (s *Store) CreateTemplate(t Template) error {
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketTemplates).Get([]byte(t.Name)) != nil {
			return fmt.Errorf("template %q: %w", t.Name, ErrConflict)
		}
		return putJSON(tx, bucketTemplates, t.Name, t)
	})
}

// GetTemplate loads a template by name.
func (s *Store) GetTemplate(name string) (*Template, error) {
	var t Template
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketTemplates, name, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTemplate overwrites a template. Builtin templates are protected.
func (s *Store) UpdateTemplate(t Template) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var cur Template
		if err := getJSON(tx, bucketTemplates, t.Name, &cur); err != nil {
			return err
		}
		if cur.IsBuiltin {
			return fmt.Errorf("template %q is builtin: %w", t.Name, ErrConflict)
		}
		t.CreatedAt = cur.CreatedAt
		t.UpdatedAt = time.Now().UTC()
		return putJSON(tx, bucketTemplates, t.Name, t)
	})
}

// DeleteTemplate removes a template. Builtin templates are protected.
func (s *Store) DeleteTemplate(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var cur Template
		if err := getJSON(tx, bucketTemplates, name, &cur); err != nil {
			return err
		}
		if cur.IsBuiltin {
			return fmt.Errorf("template %q is builtin: %w", name, ErrConflict)
		}
		return tx.Bucket(bucketTemplates).Delete([]byte(name))
	})
}

// ListTemplates returns all templates.
func (s *Store) ListTemplates() ([]Template, error) {
	var out []Template
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).ForEach(func(_, v []byte) error {
			var t Template
			if json.Unmarshal(v, &t) == nil {
				out = append(out, t)
			}
			return nil
		})
	})
	return out, err
}
