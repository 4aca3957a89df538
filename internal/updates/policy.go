package updates

import (
	"path"
	"strings"

	"github.com/darthnorse/dockmon/internal/store"
)

// LabelSelf marks the DockMon controller's own container. A critical
// policy match on this container blocks the update outright instead of
// just warning, because replacing the controller mid-flight would kill
// the executor doing the replacing.
const LabelSelf = "dockmon.self"

// Verdict classifies one update candidate.
type Verdict string

const (
	VerdictAllowed Verdict = "allowed"
	VerdictWarned  Verdict = "warned"
	VerdictBlocked Verdict = "blocked"
)

// Candidate is one container proposed for update.
type Candidate struct {
	CompositeKey string            `json:"composite_key"`
	Image        string            `json:"image"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// ValidationResult is the verdict for one candidate.
type ValidationResult struct {
	CompositeKey   string `json:"composite_key"`
	Image          string `json:"image"`
	MatchedPattern string `json:"matched_pattern,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// BatchResult groups candidates by verdict with totals.
type BatchResult struct {
	Allowed []ValidationResult `json:"allowed"`
	Warned  []ValidationResult `json:"warned"`
	Blocked []ValidationResult `json:"blocked"`
	Summary BatchSummary       `json:"summary"`
}

// BatchSummary holds the counts per verdict.
type BatchSummary struct {
	Total   int `json:"total"`
	Allowed int `json:"allowed"`
	Warned  int `json:"warned"`
	Blocked int `json:"blocked"`
}

// Validator applies the enabled update policies to candidates.
type Validator struct {
	store *store.Store
}

// NewValidator creates a Validator.
func NewValidator(st *store.Store) *Validator {
	return &Validator{store: st}
}

// ValidateBatch categorizes candidates: blocked when a critical pattern
// matches the controller's own container, warned when any enabled
// pattern matches, allowed otherwise.
func (v *Validator) ValidateBatch(candidates []Candidate) (BatchResult, error) {
	policies, err := v.store.ListUpdatePolicies(true)
	if err != nil {
		return BatchResult{}, err
	}

	var out BatchResult
	for _, c := range candidates {
		res := ValidationResult{CompositeKey: c.CompositeKey, Image: c.Image}
		pattern, critical := matchPolicies(policies, c.Image)
		switch {
		case critical && c.Labels[LabelSelf] == "true":
			res.MatchedPattern = pattern
			res.Reason = "container runs the DockMon controller"
			out.Blocked = append(out.Blocked, res)
		case pattern != "":
			res.MatchedPattern = pattern
			out.Warned = append(out.Warned, res)
		default:
			out.Allowed = append(out.Allowed, res)
		}
	}

	out.Summary = BatchSummary{
		Total:   len(candidates),
		Allowed: len(out.Allowed),
		Warned:  len(out.Warned),
		Blocked: len(out.Blocked),
	}
	return out, nil
}

// matchPolicies returns the first matching pattern and whether any match
// was in the critical category. Critical matches win over others so the
// block rule sees them even when a softer pattern matched first.
func matchPolicies(policies []store.UpdatePolicy, image string) (string, bool) {
	matched := ""
	for _, p := range policies {
		if !patternMatches(p.Pattern, image) {
			continue
		}
		if p.Category == store.PolicyCritical {
			return p.Pattern, true
		}
		if matched == "" {
			matched = p.Pattern
		}
	}
	return matched, false
}

// patternMatches tests a glob pattern against the full image reference
// and against the repository without its tag.
func patternMatches(pattern, image string) bool {
	if ok, _ := path.Match(pattern, image); ok {
		return true
	}
	repo := image
	if i := strings.LastIndex(repo, ":"); i > strings.LastIndex(repo, "/") {
		repo = repo[:i]
	}
	ok, _ := path.Match(pattern, repo)
	return ok
}
