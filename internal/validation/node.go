package validation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const defsPrefix = "#/$defs/"

// Node is a parsed schema node. Only the keywords the walker understands are
// kept; anything else in the source document is ignored.
type Node struct {
	Type                 string
	Required             []string
	Properties           map[string]*Node
	Items                *Node
	Enum                 []string
	MinLength            int
	Minimum              *float64
	Pattern              string
	Format               string
	AdditionalProperties *bool
	Ref                  string
	Defs                 map[string]*Node

	re *regexp.Regexp
}

// ParseNode builds a Node tree from a decoded schema document. A nil raw
// document yields a nil node, which the walker treats as "anything goes".
func ParseNode(raw any) (*Node, error) {
	if raw == nil {
		return nil, nil
	}
	m, ok := toStringMap(raw)
	if !ok {
		return nil, fmt.Errorf("schema node must be an object, got %T", raw)
	}
	return parseNode(m, "#")
}

// ParseNodeJSON parses a schema from JSON bytes.
func ParseNodeJSON(data []byte) (*Node, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	return ParseNode(raw)
}

func parseNode(m map[string]any, loc string) (*Node, error) {
	n := &Node{}
	n.Type, _ = m["type"].(string)
	n.Pattern, _ = m["pattern"].(string)
	n.Format, _ = m["format"].(string)
	n.Ref, _ = m["$ref"].(string)

	if req, ok := m["required"]; ok {
		n.Required = toStrings(req)
	}
	if enum, ok := m["enum"]; ok {
		n.Enum = toStrings(enum)
	}
	if v, ok := toFloat(m["minLength"]); ok {
		n.MinLength = int(v)
	}
	if v, ok := toFloat(m["minimum"]); ok {
		n.Minimum = &v
	}
	if ap, ok := m["additionalProperties"].(bool); ok {
		n.AdditionalProperties = &ap
	}
	if n.Pattern != "" {
		re, err := regexp.Compile(n.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid pattern %q: %w", loc, n.Pattern, err)
		}
		n.re = re
	}

	if props, ok := toStringMap(m["properties"]); ok {
		n.Properties = make(map[string]*Node, len(props))
		for key, raw := range props {
			child, err := parseChild(raw, loc+"/properties/"+key)
			if err != nil {
				return nil, err
			}
			n.Properties[key] = child
		}
	}
	if items, ok := m["items"]; ok {
		child, err := parseChild(items, loc+"/items")
		if err != nil {
			return nil, err
		}
		n.Items = child
	}
	if defs, ok := toStringMap(m["$defs"]); ok {
		n.Defs = make(map[string]*Node, len(defs))
		for key, raw := range defs {
			child, err := parseChild(raw, loc+"/$defs/"+key)
			if err != nil {
				return nil, err
			}
			n.Defs[key] = child
		}
	}
	return n, nil
}

func parseChild(raw any, loc string) (*Node, error) {
	m, ok := toStringMap(raw)
	if !ok {
		// Boolean or otherwise unusable subschemas impose no constraint.
		return nil, nil
	}
	return parseNode(m, loc)
}

// resolve looks up a "#/$defs/<name>" reference on the root node.
func (n *Node) resolve(ref string) *Node {
	if !strings.HasPrefix(ref, defsPrefix) || n.Defs == nil {
		return nil
	}
	return n.Defs[strings.TrimPrefix(ref, defsPrefix)]
}

// UnresolvedRefs lists every $ref in the tree that cannot be resolved against
// this root's $defs. The walker accepts such refs silently; callers that want
// strict behavior check this list up front.
func (n *Node) UnresolvedRefs() []string {
	if n == nil {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	var walk func(*Node)
	walk = func(cur *Node) {
		if cur == nil {
			return
		}
		if cur.Ref != "" && n.resolve(cur.Ref) == nil && !seen[cur.Ref] {
			seen[cur.Ref] = true
			out = append(out, cur.Ref)
		}
		for _, p := range cur.Properties {
			walk(p)
		}
		walk(cur.Items)
		for _, d := range cur.Defs {
			walk(d)
		}
	}
	walk(n)
	sort.Strings(out)
	return out
}

func toStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	}
	return nil, false
}

func toStrings(v any) []string {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return nil
}
