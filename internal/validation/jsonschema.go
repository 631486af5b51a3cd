package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/steward/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// ContractCompiler compiles tool contract schemas with a full JSON Schema
// Draft 2020-12 compiler. The walker in this package is deliberately loose;
// the compiler is used to reject contracts that are not well-formed schemas
// at all, and in strict mode also contracts with dangling $refs.
// It is safe for concurrent use.
type ContractCompiler struct {
	strictRefs bool

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewContractCompiler creates a compiler. With strictRefs set, references that
// do not resolve against the schema's own $defs are reported as errors.
func NewContractCompiler(strictRefs bool) *ContractCompiler {
	return &ContractCompiler{
		strictRefs: strictRefs,
		cache:      make(map[string]*jsonschema.Schema),
	}
}

// StrictRefs reports whether dangling references are rejected.
func (c *ContractCompiler) StrictRefs() bool {
	return c.strictRefs
}

// Check verifies that raw is a usable contract schema. label names the slot
// in errors, e.g. "fs.read.request". The returned warnings list dangling refs
// that were tolerated because strict mode is off.
func (c *ContractCompiler) Check(raw map[string]any, label string) (warnings []string, err error) {
	if raw == nil {
		return nil, nil
	}

	node, err := ParseNode(raw)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: %s", label, err.Error()).WithCause(err)
	}

	if dangling := node.UnresolvedRefs(); len(dangling) > 0 {
		if c.strictRefs {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"%s: unresolved $ref %s", label, strings.Join(dangling, ", ")).
				WithDetails(map[string]any{"refs": dangling})
		}
		// The compiler cannot build a schema with dangling refs; the walker
		// still can, so stop here and let the caller log the warnings.
		for _, ref := range dangling {
			warnings = append(warnings, fmt.Sprintf("%s: unresolved $ref %s accepted", label, ref))
		}
		return warnings, nil
	}

	if _, err := c.compile(raw); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid schema: %s", label, err.Error()).WithCause(err)
	}
	return nil, nil
}

// ValidateStrict validates value against raw using the full compiler. It is
// stricter than Validate: every JSON Schema keyword is honored.
func (c *ContractCompiler) ValidateStrict(raw map[string]any, value any) error {
	compiled, err := c.compile(raw)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid schema").WithCause(err)
	}
	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize value").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toStewardError(err)
	}
	return nil
}

// compile returns a cached compiled schema or compiles and caches a new one.
func (c *ContractCompiler) compile(raw map[string]any) (*jsonschema.Schema, error) {
	keyBytes, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	key := string(keyBytes)

	c.mu.RLock()
	if cached, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each contract gets a unique URL; a fresh compiler avoids resource collisions.
	url := fmt.Sprintf("steward://contract-schema/%d", len(c.cache))
	comp := jsonschema.NewCompiler()
	comp.AssertFormat()
	if err := comp.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := comp.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	c.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toStewardError converts a jsonschema.ValidationError into a StewardError.
func toStewardError(err error) *schema.StewardError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
