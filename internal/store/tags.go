package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// TagKind separates user-created tags from system-managed ones.
type TagKind string

const (
	TagUser   TagKind = "user"
	TagSystem TagKind = "system"
)

// Tag is a persisted tag definition.
type Tag struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	Kind      TagKind   `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// SubjectType scopes a tag assignment to a container or a host.
type SubjectType string

const (
	SubjectContainer SubjectType = "container"
	SubjectHost      SubjectType = "host"
)

// TagAssignment attaches a tag to a subject. The first assignment for a
// subject (lowest OrderIndex) is its primary tag.
type TagAssignment struct {
	TagID       string      `json:"tag_id"`
	SubjectType SubjectType `json:"subject_type"`
	SubjectID   string      `json:"subject_id"` // composite key or host ID
	OrderIndex  int         `json:"order_index"`
	Provenance  string      `json:"provenance,omitempty"`
}

// assignmentKey is the bucket key enforcing UNIQUE(tag, subject_type, subject_id).
func assignmentKey(a TagAssignment) string {
	return string(a.SubjectType) + "|" + a.SubjectID + "|" + a.TagID
}

// CreateTag persists a new tag.
func (s *Store) CreateTag(t Tag) error {
	t.CreatedAt = time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketTags).Get([]byte(t.ID)) != nil {
			return fmt.Errorf("tag %s: %w", t.ID, ErrConflict)
		}
		return putJSON(tx, bucketTags, t.ID, t)
	})
}

// GetTag loads a tag by ID.
func (s *Store) GetTag(id string) (*Tag, error) {
	var t Tag
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketTags, id, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTags returns all tags.
func (s *Store) ListTags() ([]Tag, error) {
	var tags []Tag
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTags).ForEach(func(_, v []byte) error {
			var t Tag
			if json.Unmarshal(v, &t) == nil {
				tags = append(tags, t)
			}
			return nil
		})
	})
	return tags, err
}

// DeleteTag removes a tag and all of its assignments.
func (s *Store) DeleteTag(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketTags).Get([]byte(id)) == nil {
			return fmt.Errorf("tag %s: %w", id, ErrNotFound)
		}
		b := tx.Bucket(bucketTagAssignments)
		var toDelete [][]byte
		_ = b.ForEach(func(k, v []byte) error {
			var a TagAssignment
			if json.Unmarshal(v, &a) == nil && a.TagID == id {
				keyCopy := make([]byte, len(k))
				copy(keyCopy, k)
				toDelete = append(toDelete, keyCopy)
			}
			return nil
		})
		for _, k := range toDelete {
			_ = b.Delete(k)
		}
		return tx.Bucket(bucketTags).Delete([]byte(id))
	})
}

// AssignTag attaches a tag to a subject. Assigning the same (tag, subject)
// pair twice violates the uniqueness constraint and returns ErrIntegrity.
func (s *Store) AssignTag(a TagAssignment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := assignmentKey(a)
		if tx.Bucket(bucketTagAssignments).Get([]byte(key)) != nil {
			return fmt.Errorf("tag assignment %s: %w", key, ErrIntegrity)
		}
		return putJSON(tx, bucketTagAssignments, key, a)
	})
}

// UnassignTag removes a tag from a subject.
func (s *Store) UnassignTag(a TagAssignment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTagAssignments).Delete([]byte(assignmentKey(a)))
	})
}

// AssignmentsForSubject returns a subject's assignments ordered by
// OrderIndex (primary tag first).
func (s *Store) AssignmentsForSubject(st SubjectType, subjectID string) ([]TagAssignment, error) {
	var out []TagAssignment
	prefix := string(st) + "|" + subjectID + "|"
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTagAssignments).Cursor()
		for k, v := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			var a TagAssignment
			if json.Unmarshal(v, &a) == nil {
				out = append(out, a)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out, nil
}

// MigrateContainerTagAssignments moves all container assignments from
// oldKey to newKey after an update recreates the container under a new ID.
// If newKey already carries assignments (container discovery reattached the
// tags first), the now-orphaned oldKey assignments are deleted instead; the
// race resolves in favour of the existing rows, mirroring the
// integrity-violation-as-success path.
func (s *Store) MigrateContainerTagAssignments(oldKey, newKey string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTagAssignments)
		oldPrefix := string(SubjectContainer) + "|" + oldKey + "|"
		newPrefix := string(SubjectContainer) + "|" + newKey + "|"

		newExists := false
		c := b.Cursor()
		if k, _ := c.Seek([]byte(newPrefix)); k != nil && strings.HasPrefix(string(k), newPrefix) {
			newExists = true
		}

		var oldKeys [][]byte
		var oldVals [][]byte
		for k, v := c.Seek([]byte(oldPrefix)); k != nil && strings.HasPrefix(string(k), oldPrefix); k, v = c.Next() {
			kc := make([]byte, len(k))
			copy(kc, k)
			vc := make([]byte, len(v))
			copy(vc, v)
			oldKeys = append(oldKeys, kc)
			oldVals = append(oldVals, vc)
		}

		if newExists {
			for _, k := range oldKeys {
				_ = b.Delete(k)
			}
			return nil
		}

		for i, k := range oldKeys {
			var a TagAssignment
			if err := json.Unmarshal(oldVals[i], &a); err != nil {
				continue
			}
			a.SubjectID = newKey
			if b.Get([]byte(assignmentKey(a))) != nil {
				// Concurrent reattachment landed between our existence scan
				// and the rewrite. Treat as success, keep the existing row.
				_ = b.Delete(k)
				continue
			}
			if err := putJSON(tx, bucketTagAssignments, assignmentKey(a), a); err != nil {
				return err
			}
			_ = b.Delete(k)
		}
		return nil
	})
}

// deleteHostTagAssignments removes all assignments whose subject is the
// host itself or one of its containers.
func deleteHostTagAssignments(tx *bolt.Tx, hostID string) {
	b := tx.Bucket(bucketTagAssignments)
	var toDelete [][]byte
	_ = b.ForEach(func(k, v []byte) error {
		var a TagAssignment
		if json.Unmarshal(v, &a) != nil {
			return nil
		}
		match := (a.SubjectType == SubjectHost && a.SubjectID == hostID) ||
			(a.SubjectType == SubjectContainer && strings.HasPrefix(a.SubjectID, hostID+":"))
		if match {
			kc := make([]byte, len(k))
			copy(kc, k)
			toDelete = append(toDelete, kc)
		}
		return nil
	})
	for _, k := range toDelete {
		_ = b.Delete(k)
	}
}

// rewriteTagAssignmentHosts rewrites container-scoped assignment subjects
// from the old host's composite keys to the new host's during migration.
func rewriteTagAssignmentHosts(tx *bolt.Tx, oldHostID, newHostID string) error {
	b := tx.Bucket(bucketTagAssignments)
	type move struct {
		oldKey []byte
		a      TagAssignment
	}
	var moves []move
	err := b.ForEach(func(k, v []byte) error {
		var a TagAssignment
		if json.Unmarshal(v, &a) != nil {
			return nil
		}
		if a.SubjectType == SubjectContainer && strings.HasPrefix(a.SubjectID, oldHostID+":") {
			a.SubjectID = newHostID + a.SubjectID[len(oldHostID):]
			kc := make([]byte, len(k))
			copy(kc, k)
			moves = append(moves, move{oldKey: kc, a: a})
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, m := range moves {
		if err := putJSON(tx, bucketTagAssignments, assignmentKey(m.a), m.a); err != nil {
			return err
		}
		if err := b.Delete(m.oldKey); err != nil {
			return err
		}
	}
	return nil
}
