package validation

import (
	"embed"
	"fmt"
	"sync"

	"github.com/rendis/steward/pkg/schema"
)

//go:embed schemas/*.json
var shapeFS embed.FS

// Issue path labels for the built-in document kinds.
const (
	LabelToolManifest     = "tool.manifest"
	LabelExecutionSandbox = "execution.sandbox"
	LabelGovernancePolicy = "governance-policy"
	LabelWorkflow         = "workflow"
)

var (
	shapesOnce sync.Once
	shapes     map[string]*Node
	shapesErr  error
)

func loadShapes() (map[string]*Node, error) {
	shapesOnce.Do(func() {
		files := map[string]string{
			LabelToolManifest:     "schemas/tool-manifest.json",
			LabelExecutionSandbox: "schemas/execution-sandbox.json",
			LabelGovernancePolicy: "schemas/governance-policy.json",
			LabelWorkflow:         "schemas/workflow-definition.json",
		}
		shapes = make(map[string]*Node, len(files))
		for label, file := range files {
			data, err := shapeFS.ReadFile(file)
			if err != nil {
				shapesErr = fmt.Errorf("read %s: %w", file, err)
				return
			}
			node, err := ParseNodeJSON(data)
			if err != nil {
				shapesErr = fmt.Errorf("parse %s: %w", file, err)
				return
			}
			shapes[label] = node
		}
	})
	return shapes, shapesErr
}

// ShapeSchema returns the embedded schema for a document label.
func ShapeSchema(label string) (*Node, error) {
	all, err := loadShapes()
	if err != nil {
		return nil, err
	}
	node, ok := all[label]
	if !ok {
		return nil, fmt.Errorf("no embedded schema for %q", label)
	}
	return node, nil
}

func validateShape(label string, doc any) *schema.ValidationResult {
	node, err := ShapeSchema(label)
	if err != nil {
		r := &schema.ValidationResult{}
		r.Add(label, err.Error())
		return r
	}
	return Validate(node, ToValue(doc), label)
}

// ValidateToolManifest checks a manifest (struct or decoded document).
func ValidateToolManifest(manifest any) *schema.ValidationResult {
	return validateShape(LabelToolManifest, manifest)
}

// ValidateExecutionSandbox checks a sandbox policy.
func ValidateExecutionSandbox(sandbox any) *schema.ValidationResult {
	return validateShape(LabelExecutionSandbox, sandbox)
}

// ValidateGovernancePolicy checks a governance policy.
func ValidateGovernancePolicy(policy any) *schema.ValidationResult {
	return validateShape(LabelGovernancePolicy, policy)
}

// ValidateWorkflowShape checks the structural shape of a workflow definition.
func ValidateWorkflowShape(def any) *schema.ValidationResult {
	return validateShape(LabelWorkflow, def)
}

// AssertToolManifest returns a VALIDATION_ERROR if the manifest is malformed.
func AssertToolManifest(manifest any) error {
	return ValidateToolManifest(manifest).ToError("Tool manifest")
}

// AssertExecutionSandbox returns a VALIDATION_ERROR if the sandbox is malformed.
func AssertExecutionSandbox(sandbox any) error {
	return ValidateExecutionSandbox(sandbox).ToError("Execution sandbox")
}

// AssertGovernancePolicy returns a VALIDATION_ERROR if the policy is malformed.
func AssertGovernancePolicy(policy any) error {
	return ValidateGovernancePolicy(policy).ToError("Governance policy")
}
