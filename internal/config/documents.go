package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/steward/internal/policy"
	"github.com/rendis/steward/internal/validation"
	"github.com/rendis/steward/pkg/schema"
)

// ReadDocument decodes a YAML or JSON file into its generic form. The
// format follows the extension; anything other than .json is read as YAML.
func ReadDocument(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "document %s not found", path).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "read %s: %v", path, err).WithCause(err)
	}
	return DecodeDocument(data, strings.EqualFold(filepath.Ext(path), ".json"), path)
}

// DecodeDocument decodes data as JSON or YAML. label names the source in
// errors.
func DecodeDocument(data []byte, isJSON bool, label string) (any, error) {
	var doc any
	if isJSON {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse %s: %v", label, err).WithCause(err)
		}
	} else if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse %s: %v", label, err).WithCause(err)
	}
	if doc == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s is empty", label)
	}
	return doc, nil
}

// decodeInto converts a generic document into out through its JSON form so
// YAML and JSON sources share the json struct tags.
func decodeInto(doc any, out any, label string) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "encode %s: %v", label, err).WithCause(err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "decode %s: %v", label, err).WithCause(err)
	}
	return nil
}

// LoadPolicy reads and validates a governance policy.
func LoadPolicy(path string) (*schema.GovernancePolicy, error) {
	doc, err := ReadDocument(path)
	if err != nil {
		return nil, err
	}
	if err := validation.AssertGovernancePolicy(doc); err != nil {
		return nil, err
	}
	var p schema.GovernancePolicy
	if err := decodeInto(doc, &p, path); err != nil {
		return nil, err
	}
	return policy.LoadPolicy(&p)
}

// LoadManifest reads and validates a tool manifest.
func LoadManifest(path string) (*schema.ToolManifest, error) {
	doc, err := ReadDocument(path)
	if err != nil {
		return nil, err
	}
	if err := validation.AssertToolManifest(doc); err != nil {
		return nil, err
	}
	var m schema.ToolManifest
	if err := decodeInto(doc, &m, path); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadSandboxes reads a list of sandbox policies. The document is either a
// list or an object with a "sandboxes" list. Every entry is validated.
func LoadSandboxes(path string) ([]schema.ExecutionSandbox, error) {
	doc, err := ReadDocument(path)
	if err != nil {
		return nil, err
	}
	if m, ok := doc.(map[string]any); ok {
		if list, ok := m["sandboxes"]; ok {
			doc = list
		} else {
			doc = []any{m}
		}
	}
	entries, ok := doc.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s must hold a list of sandboxes", path)
	}

	out := make([]schema.ExecutionSandbox, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if err := validation.AssertExecutionSandbox(entry); err != nil {
			return nil, err
		}
		var sb schema.ExecutionSandbox
		if err := decodeInto(entry, &sb, path); err != nil {
			return nil, err
		}
		if seen[sb.SandboxID] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate sandbox_id %q in %s", sb.SandboxID, path)
		}
		seen[sb.SandboxID] = true
		out = append(out, sb)
	}
	return out, nil
}

// LoadWorkflow reads one workflow definition and checks its shape and
// semantics. lookup may be nil.
func LoadWorkflow(path string, lookup validation.ActionLookup) (*schema.WorkflowDefinition, error) {
	doc, err := ReadDocument(path)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateWorkflowShape(doc).ToError("Workflow definition"); err != nil {
		return nil, err
	}
	var def schema.WorkflowDefinition
	if err := decodeInto(doc, &def, path); err != nil {
		return nil, err
	}
	if err := validation.NewWorkflowValidator(lookup).ValidateDefinition(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadWorkflows reads every .yaml, .yml and .json file in dir, keyed by
// workflow id. A missing directory yields an empty set.
func LoadWorkflows(dir string, lookup validation.ActionLookup) (map[string]*schema.WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*schema.WorkflowDefinition{}, nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "read workflows dir %s: %v", dir, err).WithCause(err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make(map[string]*schema.WorkflowDefinition, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		def, err := LoadWorkflow(path, lookup)
		if err != nil {
			return nil, err
		}
		if _, dup := out[def.WorkflowID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %s defined twice (second in %s)", def.WorkflowID, path)
		}
		out[def.WorkflowID] = def
	}
	return out, nil
}
