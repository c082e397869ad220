package catalog

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// expandEnvRefs substitutes ${VAR} references in every string scalar of the
// catalog document and reports the names that resolved to nothing. Quoted
// scalars stay strings; a plain scalar is retagged so an expanded "7000"
// decodes as an int.
func expandEnvRefs(raw []byte) (string, []string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return "", nil, fmt.Errorf("parse config: %w", err)
	}

	resolver := &envResolver{missing: make(map[string]struct{})}
	resolver.walk(&doc)

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return "", nil, fmt.Errorf("encode expanded config: %w", err)
	}
	return string(out), resolver.missingNames(), nil
}

type envResolver struct {
	missing map[string]struct{}
}

func (r *envResolver) walk(node *yaml.Node) {
	switch node.Kind {
	case yaml.ScalarNode:
		r.substitute(node)
	case yaml.MappingNode:
		// Values only; keys are never expanded.
		for i := 1; i < len(node.Content); i += 2 {
			r.walk(node.Content[i])
		}
	case yaml.AliasNode:
		if node.Alias != nil {
			r.walk(node.Alias)
		}
	default:
		for _, child := range node.Content {
			r.walk(child)
		}
	}
}

func (r *envResolver) substitute(node *yaml.Node) {
	if node.Tag != "" && node.Tag != "!!str" {
		return
	}
	if !strings.Contains(node.Value, "$") {
		return
	}

	expanded := os.Expand(node.Value, r.lookup)
	if expanded == node.Value {
		return
	}

	if node.Style != 0 {
		node.Tag = "!!str"
		node.Value = expanded
		return
	}
	node.Tag, node.Value = retagScalar(expanded)
}

func (r *envResolver) lookup(key string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	r.missing[key] = struct{}{}
	return ""
}

func (r *envResolver) missingNames() []string {
	if len(r.missing) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.missing))
	for name := range r.missing {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func retagScalar(value string) (string, string) {
	if strings.TrimSpace(value) == "" {
		return "!!str", value
	}

	var parsed any
	if yaml.Unmarshal([]byte(value), &parsed) != nil {
		return "!!str", value
	}

	switch v := parsed.(type) {
	case nil:
		return "!!null", "null"
	case bool:
		return "!!bool", strconv.FormatBool(v)
	case int:
		return "!!int", strconv.Itoa(v)
	case int64:
		return "!!int", strconv.FormatInt(v, 10)
	case uint64:
		return "!!int", strconv.FormatUint(v, 10)
	case float64:
		return "!!float", strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return "!!str", value
	}
}
