package query

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// SelectedProperty is one entry of a property selection. A property with a
// sub-selection asks for the connection to be traversed.
type SelectedProperty struct {
	Name       string             `json:"name"`
	Properties []SelectedProperty `json:"properties,omitempty"`
	// Limit caps the number of connections retrieved. Zero means unbounded.
	Limit int `json:"limit,omitempty"`
}

// Nested reports whether the property requests a traversal.
func (p SelectedProperty) Nested() bool {
	return len(p.Properties) > 0
}

// Names returns the property names selected at this level.
func Names(selection []SelectedProperty) []string {
	names := make([]string, 0, len(selection))
	for _, prop := range selection {
		names = append(names, prop.Name)
	}
	return names
}

// HasNested reports whether any entry of the selection requests a traversal.
func HasNested(selection []SelectedProperty) bool {
	for _, prop := range selection {
		if prop.Nested() {
			return true
		}
	}
	return false
}

// SelectProperties builds a flat selection from property names.
func SelectProperties(names ...string) []SelectedProperty {
	selection := make([]SelectedProperty, 0, len(names))
	for _, name := range names {
		selection = append(selection, SelectedProperty{Name: name})
	}
	return selection
}

// ParseSelection parses the selection language, a GraphQL selection set
// without the surrounding braces:
//
//	name age outwards(limit: 10) { name }
func ParseSelection(text string) ([]SelectedProperty, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	doc, err := parser.ParseQuery(&ast.Source{Name: "selection", Input: "{" + text + "}"})
	if err != nil {
		return nil, invalidRequest("parse selection: %v", err)
	}
	if len(doc.Operations) != 1 {
		return nil, invalidRequest("selection must be a single selection set")
	}
	return convertSelectionSet(doc.Operations[0].SelectionSet)
}

func convertSelectionSet(set ast.SelectionSet) ([]SelectedProperty, error) {
	selection := make([]SelectedProperty, 0, len(set))
	for _, item := range set {
		field, ok := item.(*ast.Field)
		if !ok {
			return nil, invalidRequest("fragments are not supported in selections")
		}
		prop := SelectedProperty{Name: field.Name}
		for _, arg := range field.Arguments {
			switch arg.Name {
			case "limit":
				if arg.Value == nil || arg.Value.Kind != ast.IntValue {
					return nil, invalidRequest("limit on %s must be an integer", field.Name)
				}
				limit, err := strconv.Atoi(arg.Value.Raw)
				if err != nil {
					return nil, invalidRequest("limit on %s: %v", field.Name, err)
				}
				prop.Limit = limit
			default:
				return nil, invalidRequest("unknown argument %q on %s", arg.Name, field.Name)
			}
		}
		if len(field.SelectionSet) > 0 {
			children, err := convertSelectionSet(field.SelectionSet)
			if err != nil {
				return nil, err
			}
			prop.Properties = children
		}
		selection = append(selection, prop)
	}
	return selection, nil
}

// SelectionFromJSON converts the decoded JSON form of a selection: a list of
// names and single-key objects, e.g. ["name", {"outwards": ["name"]}].
func SelectionFromJSON(raw any) ([]SelectedProperty, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return ParseSelection(v)
	case []any:
		selection := make([]SelectedProperty, 0, len(v))
		for _, item := range v {
			switch entry := item.(type) {
			case string:
				selection = append(selection, SelectedProperty{Name: entry})
			case map[string]any:
				names := make([]string, 0, len(entry))
				for name := range entry {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					children, err := SelectionFromJSON(entry[name])
					if err != nil {
						return nil, err
					}
					selection = append(selection, SelectedProperty{Name: name, Properties: children})
				}
			default:
				return nil, invalidRequest("selection entries must be names or objects, got %T", item)
			}
		}
		return selection, nil
	default:
		return nil, invalidRequest("unsupported selection %T", raw)
	}
}

// String renders the selection in the selection language.
func (p SelectedProperty) String() string {
	var b strings.Builder
	b.WriteString(p.Name)
	if p.Limit != 0 {
		fmt.Fprintf(&b, "(limit: %d)", p.Limit)
	}
	if p.Nested() {
		b.WriteString(" { ")
		for i, child := range p.Properties {
			if i > 0 {
				b.WriteString(" ")
			}
			b.WriteString(child.String())
		}
		b.WriteString(" }")
	}
	return b.String()
}
