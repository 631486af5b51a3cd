package store

import (
	"strings"

	"github.com/rendis/steward/pkg/schema"
)

// RequestFilter narrows ListRequests. Zero values match everything.
type RequestFilter struct {
	RunID  string
	Kind   schema.HitlType
	Status schema.HitlStatus
	Limit  int
}

// Match reports whether req satisfies the filter, ignoring Limit.
func (f RequestFilter) Match(req *schema.HitlRequest) bool {
	if f.RunID != "" && req.RunID != f.RunID {
		return false
	}
	if f.Kind != "" && req.Kind != f.Kind {
		return false
	}
	if f.Status != "" && req.Status != f.Status {
		return false
	}
	return true
}

// validID rejects ids that would escape a key namespace or directory.
func validID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`+"\x00")
}

func invalidID(kind, id string) *schema.StewardError {
	return schema.NewErrorf(schema.ErrCodeValidation, "invalid %s id %q", kind, id)
}

func storeNotFound(resource, id string) *schema.StewardError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeErr(op string, err error) *schema.StewardError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}
