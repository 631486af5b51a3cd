package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rendis/steward/pkg/schema"
)

// Validate walks value against root and collects every issue in one pass.
// label is the path prefix for issues (e.g. "tool.manifest"). A nil root is
// trivially satisfied. References that cannot be resolved against root's
// $defs are skipped without an issue.
func Validate(root *Node, value any, label string) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	validateNode(root, root, value, label, result)
	return result
}

// ValidateRaw parses a raw schema document and validates value against it.
func ValidateRaw(rawSchema map[string]any, value any, label string) (*schema.ValidationResult, error) {
	root, err := ParseNode(rawSchema)
	if err != nil {
		return nil, err
	}
	return Validate(root, value, label), nil
}

func validateNode(root, node *Node, value any, path string, result *schema.ValidationResult) {
	if node == nil {
		return
	}

	if node.Ref != "" {
		validateNode(root, root.resolve(node.Ref), value, path, result)
		return
	}

	value = normalize(value)

	switch node.Type {
	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			result.Add(path, "should be an object")
			return
		}
		for _, key := range node.Required {
			if _, present := obj[key]; !present {
				result.Add(path+"."+key, "is required")
			}
		}
		for _, key := range sortedKeys(obj) {
			child, declared := node.Properties[key]
			if !declared {
				if node.AdditionalProperties != nil && !*node.AdditionalProperties {
					result.Add(path+"."+key, "is not allowed")
				}
				continue
			}
			validateNode(root, child, obj[key], path+"."+key, result)
		}

	case "array":
		list, ok := value.([]any)
		if !ok {
			result.Add(path, "should be an array")
			return
		}
		for i, item := range list {
			validateNode(root, node.Items, item, fmt.Sprintf("%s[%d]", path, i), result)
		}

	case "string":
		s, ok := value.(string)
		if !ok {
			result.Add(path, "should be a string")
			return
		}
		if node.MinLength > 0 && utf8.RuneCountInString(s) < node.MinLength {
			result.Add(path, fmt.Sprintf("should be at least %d characters", node.MinLength))
		}
		if len(node.Enum) > 0 && !contains(node.Enum, s) {
			result.Add(path, "should be one of "+strings.Join(node.Enum, ", "))
		}
		if node.re != nil && !node.re.MatchString(s) {
			result.Add(path, "does not match pattern "+node.Pattern)
		}
		if node.Format == "date-time" && !isDateTime(s) {
			result.Add(path, "should be an ISO-8601 date-time string")
		}

	case "number", "integer":
		n, ok := toFloat(value)
		if !ok {
			result.Add(path, "should be a number")
			return
		}
		if node.Minimum != nil && n < *node.Minimum {
			result.Add(path, "should be at least "+strconv.FormatFloat(*node.Minimum, 'f', -1, 64))
		}

	case "boolean":
		if _, ok := value.(bool); !ok {
			result.Add(path, "should be a boolean")
		}
	}
}

// normalize maps arbitrary Go values onto the JSON data model (map[string]any,
// []any, string, bool, numbers). Values already in that model pass through.
func normalize(v any) any {
	switch t := v.(type) {
	case nil, map[string]any, []any, string, bool, json.Number,
		float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return v
	case map[any]any:
		m, _ := toStringMap(t)
		return m
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return v
	}
	return out
}

// ToValue converts any Go value (typically a struct) into the JSON data model.
func ToValue(v any) any {
	return normalize(v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

func isDateTime(s string) bool {
	for _, layout := range dateTimeLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
