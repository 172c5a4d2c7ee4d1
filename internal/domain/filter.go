package domain

import (
	"encoding/json"
	"fmt"
)

// Pseudo properties addressing instance metadata rather than view properties.
// Values compared against node.id, edge.type, edge.startNode and edge.endNode are
// instance identifiers.
var (
	NodeIDProperty         = []string{"node", "id"}
	NodeExternalIDProperty = []string{"node", "externalId"}
	NodeSpaceProperty      = []string{"node", "space"}
	EdgeIDProperty         = []string{"edge", "id"}
	EdgeTypeProperty       = []string{"edge", "type"}
	EdgeStartNodeProperty  = []string{"edge", "startNode"}
	EdgeEndNodeProperty    = []string{"edge", "endNode"}
)

// Filter is a node in the filter expression tree sent to the instance store.
type Filter interface {
	// Dump returns the wire form, e.g. {"equals": {"property": [...], "value": 1}}.
	Dump() map[string]any
}

// Equals matches instances whose property equals Value. A nil Value is not
// supported by the store; see query.NormalizeNullFilters.
type Equals struct {
	Property []string
	Value    any
}

// In matches instances whose property equals any of Values. On list-valued
// properties it matches when any element is in Values.
type In struct {
	Property []string
	Values   []any
}

// Exists matches instances that have a value for Property.
type Exists struct {
	Property []string
}

// Prefix matches text properties starting with Value.
type Prefix struct {
	Property []string
	Value    string
}

// Range matches instances whose property lies within the given bounds.
type Range struct {
	Property []string
	GT       any
	GTE      any
	LT       any
	LTE      any
}

// ContainsAny matches list properties containing any of Values.
type ContainsAny struct {
	Property []string
	Values   []any
}

// HasData matches instances with data in all the given views.
type HasData struct {
	Views []ViewReference
}

// And matches when every child matches.
type And struct {
	Filters []Filter
}

// Or matches when any child matches.
type Or struct {
	Filters []Filter
}

// Not negates its child.
type Not struct {
	Filter Filter
}

func (f Equals) Dump() map[string]any {
	return map[string]any{"equals": map[string]any{"property": f.Property, "value": dumpValue(f.Value)}}
}

func (f In) Dump() map[string]any {
	return map[string]any{"in": map[string]any{"property": f.Property, "values": dumpValues(f.Values)}}
}

func (f Exists) Dump() map[string]any {
	return map[string]any{"exists": map[string]any{"property": f.Property}}
}

func (f Prefix) Dump() map[string]any {
	return map[string]any{"prefix": map[string]any{"property": f.Property, "value": f.Value}}
}

func (f Range) Dump() map[string]any {
	body := map[string]any{"property": f.Property}
	for key, value := range map[string]any{"gt": f.GT, "gte": f.GTE, "lt": f.LT, "lte": f.LTE} {
		if value != nil {
			body[key] = value
		}
	}
	return map[string]any{"range": body}
}

func (f ContainsAny) Dump() map[string]any {
	return map[string]any{"containsAny": map[string]any{"property": f.Property, "values": dumpValues(f.Values)}}
}

func (f HasData) Dump() map[string]any {
	views := make([]any, 0, len(f.Views))
	for _, view := range f.Views {
		views = append(views, map[string]any{"type": "view", "space": view.Space, "externalId": view.ExternalID, "version": view.Version})
	}
	return map[string]any{"hasData": views}
}

func (f And) Dump() map[string]any {
	return map[string]any{"and": dumpFilters(f.Filters)}
}

func (f Or) Dump() map[string]any {
	return map[string]any{"or": dumpFilters(f.Filters)}
}

func (f Not) Dump() map[string]any {
	if f.Filter == nil {
		return map[string]any{"not": nil}
	}
	return map[string]any{"not": f.Filter.Dump()}
}

// AndFilters combines the non-nil filters. It returns nil for no filters and
// the filter itself for exactly one.
func AndFilters(filters ...Filter) Filter {
	kept := make([]Filter, 0, len(filters))
	for _, filter := range filters {
		if filter != nil {
			kept = append(kept, filter)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	default:
		return And{Filters: kept}
	}
}

// IDValues converts identifiers into In filter values.
func IDValues(ids []InstanceID) []any {
	values := make([]any, len(ids))
	for i, id := range ids {
		values[i] = id
	}
	return values
}

// FilterToJSON encodes a filter for persistence or transport.
func FilterToJSON(filter Filter) (json.RawMessage, error) {
	if filter == nil {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(filter.Dump())
}

// FilterFromJSON decodes a filter produced by FilterToJSON.
func FilterFromJSON(data json.RawMessage) (Filter, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return LoadFilter(raw)
}

// LoadFilter parses the wire form of a filter.
func LoadFilter(raw map[string]any) (Filter, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if len(raw) != 1 {
		return nil, fmt.Errorf("filter must have exactly one key, got %d", len(raw))
	}
	for name, body := range raw {
		switch name {
		case "and", "or":
			items, ok := body.([]any)
			if !ok {
				return nil, fmt.Errorf("%s filter expects a list", name)
			}
			children := make([]Filter, 0, len(items))
			for _, item := range items {
				childRaw, ok := item.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("%s filter child must be an object", name)
				}
				child, err := LoadFilter(childRaw)
				if err != nil {
					return nil, err
				}
				if child != nil {
					children = append(children, child)
				}
			}
			if name == "and" {
				return And{Filters: children}, nil
			}
			return Or{Filters: children}, nil
		case "not":
			childRaw, ok := body.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("not filter expects an object")
			}
			child, err := LoadFilter(childRaw)
			if err != nil {
				return nil, err
			}
			return Not{Filter: child}, nil
		case "hasData":
			items, ok := body.([]any)
			if !ok {
				return nil, fmt.Errorf("hasData filter expects a list")
			}
			views := make([]ViewReference, 0, len(items))
			for _, item := range items {
				ref, ok := item.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("hasData entries must be objects")
				}
				space, _ := ref["space"].(string)
				externalID, _ := ref["externalId"].(string)
				version, _ := ref["version"].(string)
				views = append(views, ViewReference{Space: space, ExternalID: externalID, Version: version})
			}
			return HasData{Views: views}, nil
		}

		fields, ok := body.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s filter expects an object", name)
		}
		property, err := loadProperty(fields["property"])
		if err != nil {
			return nil, fmt.Errorf("%s filter: %w", name, err)
		}
		switch name {
		case "equals":
			return Equals{Property: property, Value: fields["value"]}, nil
		case "in":
			values, _ := fields["values"].([]any)
			return In{Property: property, Values: values}, nil
		case "containsAny":
			values, _ := fields["values"].([]any)
			return ContainsAny{Property: property, Values: values}, nil
		case "exists":
			return Exists{Property: property}, nil
		case "prefix":
			value, _ := fields["value"].(string)
			return Prefix{Property: property, Value: value}, nil
		case "range":
			return Range{Property: property, GT: fields["gt"], GTE: fields["gte"], LT: fields["lt"], LTE: fields["lte"]}, nil
		default:
			return nil, fmt.Errorf("unsupported filter %q", name)
		}
	}
	return nil, nil
}

func loadProperty(raw any) ([]string, error) {
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		property := make([]string, 0, len(v))
		for _, part := range v {
			s, ok := part.(string)
			if !ok {
				return nil, fmt.Errorf("property path must contain strings")
			}
			property = append(property, s)
		}
		return property, nil
	default:
		return nil, fmt.Errorf("property path is required")
	}
}

func dumpFilters(filters []Filter) []any {
	dumped := make([]any, 0, len(filters))
	for _, filter := range filters {
		if filter != nil {
			dumped = append(dumped, filter.Dump())
		}
	}
	return dumped
}

func dumpValues(values []any) []any {
	dumped := make([]any, len(values))
	for i, value := range values {
		dumped[i] = dumpValue(value)
	}
	return dumped
}

func dumpValue(value any) any {
	switch v := value.(type) {
	case InstanceID:
		return v.Dump()
	case *InstanceID:
		if v == nil {
			return nil
		}
		return v.Dump()
	default:
		return value
	}
}
