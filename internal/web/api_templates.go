package web

import (
	"fmt"
	"net/http"
	"regexp"
	"sort"

	"github.com/darthnorse/dockmon/internal/store"
)

// templateVar matches ${VAR_NAME} placeholders in template content.
var templateVar = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)

func (s *Server) apiListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.deps.Store.ListTemplates()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if templates == nil {
		templates = []store.Template{}
	}
	writeJSON(w, http.StatusOK, templates)
}

func (s *Server) apiGetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.deps.Store.GetTemplate(r.PathValue("name"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"template":  tpl,
		"variables": templateVariables(tpl.Content),
	})
}

func (s *Server) apiCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Name == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "name and content are required")
		return
	}

	if err := s.deps.Store.CreateTemplate(store.Template{Name: req.Name, Content: req.Content}); err != nil {
		s.writeStoreError(w, err)
		return
	}
	tpl, err := s.deps.Store.GetTemplate(req.Name)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func (s *Server) apiUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Content == "" {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}

	name := r.PathValue("name")
	if err := s.deps.Store.UpdateTemplate(store.Template{Name: name, Content: req.Content}); err != nil {
		s.writeStoreError(w, err)
		return
	}
	tpl, err := s.deps.Store.GetTemplate(name)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) apiDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteTemplate(r.PathValue("name")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// apiRenderTemplate substitutes ${VAR_NAME} placeholders with the
// supplied values. Every placeholder must be bound; unknown extras are
// rejected so typos do not pass silently.
func (s *Server) apiRenderTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.deps.Store.GetTemplate(r.PathValue("name"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	var req struct {
		Variables map[string]string `json:"variables"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	rendered, err := renderTemplate(tpl.Content, req.Variables)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    tpl.Name,
		"content": rendered,
	})
}

// templateVariables lists the distinct placeholders in content, sorted.
func templateVariables(content string) []string {
	seen := map[string]bool{}
	for _, m := range templateVar.FindAllStringSubmatch(content, -1) {
		seen[m[1]] = true
	}
	vars := make([]string, 0, len(seen))
	for v := range seen {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	return vars
}

func renderTemplate(content string, values map[string]string) (string, error) {
	var missing []string
	rendered := templateVar.ReplaceAllStringFunc(content, func(m string) string {
		name := templateVar.FindStringSubmatch(m)[1]
		v, ok := values[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("unbound template variables: %v", missing)
	}

	known := map[string]bool{}
	for _, v := range templateVariables(content) {
		known[v] = true
	}
	for name := range values {
		if !known[name] {
			return "", fmt.Errorf("unknown template variable %q", name)
		}
	}
	return rendered, nil
}
