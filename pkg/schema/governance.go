package schema

import "time"

// GovernanceLevel is an autonomy tier bounding which actions are allowed.
type GovernanceLevel string

const (
	LevelA0 GovernanceLevel = "A0"
	LevelA1 GovernanceLevel = "A1"
	LevelA2 GovernanceLevel = "A2"
	LevelA3 GovernanceLevel = "A3"
)

// GovernancePolicy is a named policy with ordered levels. Loaded once and
// treated as immutable.
type GovernancePolicy struct {
	PolicyID       string                  `json:"policy_id" yaml:"policy_id"`
	Name           string                  `json:"name" yaml:"name"`
	Version        string                  `json:"version" yaml:"version"`
	Owner          string                  `json:"owner" yaml:"owner"`
	CreatedAt      string                  `json:"created_at" yaml:"created_at"`
	UpdatedAt      string                  `json:"updated_at" yaml:"updated_at"`
	Levels         []GovernanceLevelPolicy `json:"levels" yaml:"levels"`
	EscalationPath []GovernanceLevel       `json:"escalation_path" yaml:"escalation_path"`
}

// Level returns the policy for the given level.
func (p *GovernancePolicy) Level(level GovernanceLevel) (*GovernanceLevelPolicy, bool) {
	for i := range p.Levels {
		if p.Levels[i].Level == level {
			return &p.Levels[i], true
		}
	}
	return nil, false
}

// GovernanceLevelPolicy is what one level permits.
type GovernanceLevelPolicy struct {
	Level               GovernanceLevel `json:"level" yaml:"level"`
	Name                string          `json:"name" yaml:"name"`
	Description         string          `json:"description" yaml:"description"`
	AllowedActions      []string        `json:"allowed_actions" yaml:"allowed_actions"`
	RequiresHumanReview bool            `json:"requires_human_review" yaml:"requires_human_review"`
	RequiresRunLogging  bool            `json:"requires_run_logging" yaml:"requires_run_logging"`
	RestrictedData      []string        `json:"restricted_data" yaml:"restricted_data"`
}

// PolicyEnforcementRequest asks whether an actor may perform an action.
// Actor and role arrive already authenticated.
type PolicyEnforcementRequest struct {
	Policy   *GovernancePolicy `json:"policy" validate:"required"`
	Level    GovernanceLevel   `json:"level" validate:"required"`
	Actor    string            `json:"actor" validate:"required"`
	Role     string            `json:"role" validate:"required"`
	Action   string            `json:"action" validate:"required"`
	Resource string            `json:"resource,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PolicyDecision is the pure result of evaluating a request.
type PolicyDecision struct {
	Allowed             bool            `json:"allowed"`
	Level               GovernanceLevel `json:"level"`
	RequiresHumanReview bool            `json:"requires_human_review"`
	RequiresRunLogging  bool            `json:"requires_run_logging"`
	RestrictedData      []string        `json:"restricted_data"`
	Violations          []string        `json:"violations"`
	DecidedAt           time.Time       `json:"decided_at"`
}

// PolicyAuditRecord is the persisted record of one decision.
type PolicyAuditRecord struct {
	AuditID    string            `json:"audit_id"`
	PolicyID   string            `json:"policy_id"`
	Level      GovernanceLevel   `json:"level"`
	Actor      string            `json:"actor"`
	Role       string            `json:"role"`
	Action     string            `json:"action"`
	Resource   string            `json:"resource,omitempty"`
	Allowed    bool              `json:"allowed"`
	Violations []string          `json:"violations"`
	DecidedAt  time.Time         `json:"decided_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
