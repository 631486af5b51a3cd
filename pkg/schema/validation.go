package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ValidationIssue is a single validation problem with location context.
// Path uses dotted/indexed notation rooted at a caller-chosen label, e.g.
// "tool.manifest.tools[0].tool_id".
type ValidationIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i ValidationIssue) String() string {
	return i.Path + " " + i.Message
}

// ValidationResult aggregates every issue found in one validation pass.
type ValidationResult struct {
	Issues []ValidationIssue `json:"issues"`
}

// Valid returns true if no issues were recorded.
func (r *ValidationResult) Valid() bool {
	return len(r.Issues) == 0
}

// Add appends an issue.
func (r *ValidationResult) Add(path, message string) {
	r.Issues = append(r.Issues, ValidationIssue{Path: path, Message: message})
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Issues = append(r.Issues, other.Issues...)
}

// Summary joins issues as "path message; path message".
func (r *ValidationResult) Summary() string {
	parts := make([]string, len(r.Issues))
	for i, issue := range r.Issues {
		parts[i] = issue.String()
	}
	return strings.Join(parts, "; ")
}

// ToError converts the result to a StewardError if invalid, nil if valid.
// label names the document kind, e.g. "Tool manifest".
func (r *ValidationResult) ToError(label string) error {
	if r.Valid() {
		return nil
	}
	return NewErrorf(ErrCodeValidation, "%s validation failed: %s", label, r.Summary()).
		WithDetails(map[string]any{
			"issue_count": len(r.Issues),
			"issues":      r.Issues,
		})
}

// MarshalJSON includes the derived valid flag.
func (r ValidationResult) MarshalJSON() ([]byte, error) {
	issues := r.Issues
	if issues == nil {
		issues = []ValidationIssue{}
	}
	return json.Marshal(struct {
		Valid  bool              `json:"valid"`
		Issues []ValidationIssue `json:"issues"`
	}{Valid: len(issues) == 0, Issues: issues})
}

// String implements fmt.Stringer.
func (r *ValidationResult) String() string {
	if r.Valid() {
		return "valid"
	}
	return fmt.Sprintf("%d issue(s): %s", len(r.Issues), r.Summary())
}
