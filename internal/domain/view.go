package domain

import (
	"fmt"
	"sort"
)

// UsedFor tells which instance kinds a view can be queried as.
type UsedFor string

const (
	UsedForNode UsedFor = "node"
	UsedForEdge UsedFor = "edge"
	UsedForAll  UsedFor = "all"
)

// InstanceKinds returns the instance kinds backing a view, nodes first.
func (u UsedFor) InstanceKinds() []InstanceKind {
	switch u {
	case UsedForEdge:
		return []InstanceKind{InstanceKindEdge}
	case UsedForAll:
		return []InstanceKind{InstanceKindNode, InstanceKindEdge}
	default:
		return []InstanceKind{InstanceKindNode}
	}
}

// PropertyType represents the type of a view property.
type PropertyType string

const (
	PropertyTypeText           PropertyType = "text"
	PropertyTypeInt            PropertyType = "int64"
	PropertyTypeFloat          PropertyType = "float64"
	PropertyTypeBoolean        PropertyType = "boolean"
	PropertyTypeTimestamp      PropertyType = "timestamp"
	PropertyTypeDate           PropertyType = "date"
	PropertyTypeJSON           PropertyType = "json"
	PropertyTypeDirectRelation PropertyType = "direct"
)

// ConnectionKind enumerates the connection flavours a view property may carry.
type ConnectionKind string

const (
	ConnectionNone                  ConnectionKind = ""
	ConnectionDirectRelation        ConnectionKind = "direct"
	ConnectionEdge                  ConnectionKind = "edge"
	ConnectionReverseDirectRelation ConnectionKind = "reverseDirectRelation"
)

// Direction of an edge or relation traversal relative to the current instance.
type Direction string

const (
	DirectionOutwards Direction = "outwards"
	DirectionInwards  Direction = "inwards"
)

// ViewProperty describes one property of a view. Container properties hold values
// (a direct relation is a container property of type direct); edge and reverse
// direct relation properties are virtual connections with no stored value.
type ViewProperty struct {
	Name        string         `json:"name" yaml:"name"`
	Type        PropertyType   `json:"type,omitempty" yaml:"type,omitempty"`
	List        bool           `json:"list,omitempty" yaml:"list,omitempty"`
	Nullable    bool           `json:"nullable,omitempty" yaml:"nullable,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Connection  ConnectionKind `json:"connection,omitempty" yaml:"connection,omitempty"`
	// Target is the view of the instances on the far side of a connection.
	Target *ViewReference `json:"target,omitempty" yaml:"target,omitempty"`
	// EdgeType and Direction apply to edge connections.
	EdgeType  *InstanceID `json:"edgeType,omitempty" yaml:"edgeType,omitempty"`
	Direction Direction   `json:"direction,omitempty" yaml:"direction,omitempty"`
	// EdgeSource is the view holding the edge's own properties.
	EdgeSource *ViewReference `json:"edgeSource,omitempty" yaml:"edgeSource,omitempty"`
	// Through is the direct relation a reverse direct relation walks backwards.
	Through *PropertyReference `json:"through,omitempty" yaml:"through,omitempty"`
	// Multiple is false for single-valued edge and reverse connections.
	Multiple bool `json:"multiple,omitempty" yaml:"multiple,omitempty"`
}

// ConnectionKind classifies the property, treating direct-typed container
// properties as direct relations.
func (p ViewProperty) ConnectionKind() ConnectionKind {
	if p.Connection != ConnectionNone {
		return p.Connection
	}
	if p.Type == PropertyTypeDirectRelation {
		return ConnectionDirectRelation
	}
	return ConnectionNone
}

// IsConnection reports whether the property links to other instances.
func (p ViewProperty) IsConnection() bool {
	return p.ConnectionKind() != ConnectionNone
}

// IsSingleValued reports whether the connection resolves to at most one instance.
func (p ViewProperty) IsSingleValued() bool {
	switch p.ConnectionKind() {
	case ConnectionDirectRelation:
		return !p.List
	case ConnectionEdge, ConnectionReverseDirectRelation:
		return !p.Multiple
	default:
		return !p.List
	}
}

// View is a versioned entity-type definition.
type View struct {
	Ref         ViewReference           `json:"ref" yaml:"ref"`
	Name        string                  `json:"name,omitempty" yaml:"name,omitempty"`
	Description string                  `json:"description,omitempty" yaml:"description,omitempty"`
	UsedFor     UsedFor                 `json:"usedFor" yaml:"usedFor"`
	Properties  map[string]ViewProperty `json:"properties" yaml:"properties"`
}

// Property returns the named property definition.
func (v View) Property(name string) (ViewProperty, bool) {
	prop, ok := v.Properties[name]
	if ok && prop.Name == "" {
		prop.Name = name
	}
	return prop, ok
}

// ContainerPropertyNames returns the names of properties that hold stored values, sorted.
func (v View) ContainerPropertyNames() []string {
	names := make([]string, 0, len(v.Properties))
	for name, prop := range v.Properties {
		switch prop.ConnectionKind() {
		case ConnectionEdge, ConnectionReverseDirectRelation:
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that connection properties carry the references they need.
func (v View) Validate() error {
	for name, prop := range v.Properties {
		switch prop.ConnectionKind() {
		case ConnectionEdge:
			if prop.EdgeType == nil {
				return fmt.Errorf("view %s: edge property %s missing edge type", v.Ref, name)
			}
			if prop.Target == nil {
				return fmt.Errorf("view %s: edge property %s missing target view", v.Ref, name)
			}
		case ConnectionReverseDirectRelation:
			if prop.Through == nil {
				return fmt.Errorf("view %s: reverse relation %s missing through property", v.Ref, name)
			}
		}
	}
	return nil
}
