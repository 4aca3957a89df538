package web

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"

	"github.com/darthnorse/dockmon/internal/deploy"
	"github.com/darthnorse/dockmon/internal/store"
)

// validStackName keeps stack names usable as filenames.
var validStackName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,127}$`)

// stackPath is where a stack's compose file is mirrored on disk. The DB
// copy is authoritative; the file exists for operators who want to read
// or edit compose content outside DockMon.
func (s *Server) stackPath(name string) string {
	return filepath.Join(s.deps.Config.StacksDir, name+".yml")
}

func (s *Server) writeStackFile(name, content string) error {
	if err := os.MkdirAll(s.deps.Config.StacksDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.stackPath(name), []byte(content), 0o644)
}

func (s *Server) apiListStacks(w http.ResponseWriter, r *http.Request) {
	stacks, err := s.deps.Store.ListStacks()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	type stackView struct {
		Name        string `json:"name"`
		Deployments int    `json:"deployments"`
		UpdatedAt   any    `json:"updated_at"`
	}
	out := []stackView{}
	for _, st := range stacks {
		n, err := s.deps.Store.CountDeploymentsForStack(st.Name)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		out = append(out, stackView{Name: st.Name, Deployments: n, UpdatedAt: st.UpdatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) apiGetStack(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Store.GetStack(r.PathValue("name"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// apiCreateStack is create-only; an existing name is a conflict, never
// an implicit overwrite.
func (s *Server) apiCreateStack(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !validStackName.MatchString(req.Name) {
		writeError(w, http.StatusBadRequest, "invalid stack name")
		return
	}
	if _, _, err := deploy.ValidateCompose(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Store.CreateStack(store.Stack{Name: req.Name, Content: req.Content}); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.writeStackFile(req.Name, req.Content); err != nil {
		s.deps.Log.Warn("stack file write failed", "stack", req.Name, "error", err)
	}

	st, err := s.deps.Store.GetStack(req.Name)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) apiUpdateStack(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req struct {
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if _, _, err := deploy.ValidateCompose(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Store.UpdateStack(store.Stack{Name: name, Content: req.Content}); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.writeStackFile(name, req.Content); err != nil {
		s.deps.Log.Warn("stack file write failed", "stack", name, "error", err)
	}

	st, err := s.deps.Store.GetStack(name)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// apiRenameStack renames DB first, filesystem second. If the file move
// fails the DB rename is reversed so the two views stay consistent.
func (s *Server) apiRenameStack(w http.ResponseWriter, r *http.Request) {
	oldName := r.PathValue("name")
	var req struct {
		NewName string `json:"new_name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !validStackName.MatchString(req.NewName) {
		writeError(w, http.StatusBadRequest, "invalid stack name")
		return
	}

	if err := s.deps.Store.RenameStack(oldName, req.NewName); err != nil {
		s.writeStoreError(w, err)
		return
	}

	oldPath, newPath := s.stackPath(oldName), s.stackPath(req.NewName)
	if err := os.Rename(oldPath, newPath); err != nil && !os.IsNotExist(err) {
		// Compensate: put the DB back the way it was.
		if rbErr := s.deps.Store.RenameStack(req.NewName, oldName); rbErr != nil {
			s.deps.Log.Error("stack rename compensation failed, db and filesystem diverged",
				"stack", oldName, "error", rbErr)
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("stack file rename failed: %v", err))
		return
	}

	st, err := s.deps.Store.GetStack(req.NewName)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// apiDeleteStack refuses to delete while deployments reference the
// stack; the files stay untouched in that case.
func (s *Server) apiDeleteStack(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	count, err := s.deps.Store.CountDeploymentsForStack(name)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if count > 0 {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("stack %q is referenced by %d deployments", name, count))
		return
	}

	if err := s.deps.Store.DeleteStack(name); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := os.Remove(s.stackPath(name)); err != nil && !os.IsNotExist(err) {
		s.deps.Log.Warn("stack file removal failed", "stack", name, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) apiCopyStack(w http.ResponseWriter, r *http.Request) {
	src, err := s.deps.Store.GetStack(r.PathValue("name"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	var req struct {
		NewName string `json:"new_name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !validStackName.MatchString(req.NewName) {
		writeError(w, http.StatusBadRequest, "invalid stack name")
		return
	}

	if err := s.deps.Store.CreateStack(store.Stack{Name: req.NewName, Content: src.Content}); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.writeStackFile(req.NewName, src.Content); err != nil {
		s.deps.Log.Warn("stack file write failed", "stack", req.NewName, "error", err)
	}

	st, err := s.deps.Store.GetStack(req.NewName)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}
