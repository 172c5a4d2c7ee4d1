package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// InstanceKind distinguishes node and edge instances.
type InstanceKind string

const (
	InstanceKindNode InstanceKind = "node"
	InstanceKindEdge InstanceKind = "edge"
)

// InstanceID identifies a node or edge within a space.
type InstanceID struct {
	Space      string `json:"space" yaml:"space"`
	ExternalID string `json:"externalId" yaml:"externalId"`
}

// NewInstanceID builds an identifier from its parts.
func NewInstanceID(space, externalID string) InstanceID {
	return InstanceID{Space: space, ExternalID: externalID}
}

// IsZero reports whether the identifier is empty.
func (id InstanceID) IsZero() bool {
	return id.Space == "" && id.ExternalID == ""
}

// String renders the identifier as space:externalId.
func (id InstanceID) String() string {
	return id.Space + ":" + id.ExternalID
}

// Dump returns the wire representation used inside property bags and result rows.
func (id InstanceID) Dump() map[string]any {
	return map[string]any{"space": id.Space, "externalId": id.ExternalID}
}

// ParseInstanceID extracts an identifier from a raw direct relation value. It
// accepts InstanceID values, pointers and the map form produced by Dump or JSON decoding.
func ParseInstanceID(value any) (InstanceID, bool) {
	switch v := value.(type) {
	case InstanceID:
		return v, !v.IsZero()
	case *InstanceID:
		if v == nil {
			return InstanceID{}, false
		}
		return *v, !v.IsZero()
	case map[string]any:
		space, _ := v["space"].(string)
		externalID, _ := v["externalId"].(string)
		if externalID == "" {
			return InstanceID{}, false
		}
		return InstanceID{Space: space, ExternalID: externalID}, true
	case map[string]string:
		if v["externalId"] == "" {
			return InstanceID{}, false
		}
		return InstanceID{Space: v["space"], ExternalID: v["externalId"]}, true
	default:
		return InstanceID{}, false
	}
}

// ParseInstanceIDs extracts identifiers from a single or list-valued direct relation.
func ParseInstanceIDs(value any) []InstanceID {
	switch v := value.(type) {
	case nil:
		return nil
	case []any:
		ids := make([]InstanceID, 0, len(v))
		for _, item := range v {
			if id, ok := ParseInstanceID(item); ok {
				ids = append(ids, id)
			}
		}
		return ids
	case []map[string]any:
		ids := make([]InstanceID, 0, len(v))
		for _, item := range v {
			if id, ok := ParseInstanceID(item); ok {
				ids = append(ids, id)
			}
		}
		return ids
	case []InstanceID:
		return append([]InstanceID(nil), v...)
	default:
		if id, ok := ParseInstanceID(v); ok {
			return []InstanceID{id}
		}
		return nil
	}
}

// ViewReference identifies a versioned view.
type ViewReference struct {
	Space      string `json:"space" yaml:"space"`
	ExternalID string `json:"externalId" yaml:"externalId"`
	Version    string `json:"version" yaml:"version"`
}

// Identifier is the key used for the view inside a property bag space.
func (v ViewReference) Identifier() string {
	return v.ExternalID + "/" + v.Version
}

func (v ViewReference) String() string {
	return v.Space + ":" + v.Identifier()
}

// IsZero reports whether the reference is empty.
func (v ViewReference) IsZero() bool {
	return v.Space == "" && v.ExternalID == "" && v.Version == ""
}

// PropertyPath returns the filter path addressing prop on this view.
func (v ViewReference) PropertyPath(prop string) []string {
	return []string{v.Space, v.Identifier(), prop}
}

// ParseViewReference parses "space:externalId/version".
func ParseViewReference(raw string) (ViewReference, error) {
	raw = strings.TrimSpace(raw)
	space, rest, ok := strings.Cut(raw, ":")
	if !ok || space == "" {
		return ViewReference{}, fmt.Errorf("invalid view reference %q: expected space:externalId/version", raw)
	}
	externalID, version, ok := strings.Cut(rest, "/")
	if !ok || externalID == "" || version == "" {
		return ViewReference{}, fmt.Errorf("invalid view reference %q: expected space:externalId/version", raw)
	}
	return ViewReference{Space: space, ExternalID: externalID, Version: version}, nil
}

// PropertyReference identifies one property slot on a view.
type PropertyReference struct {
	View     ViewReference `json:"view" yaml:"view"`
	Property string        `json:"property" yaml:"property"`
}

func (p PropertyReference) String() string {
	return p.View.String() + "." + p.Property
}

// PropertyBag holds instance properties keyed space → "externalId/version" → name.
type PropertyBag map[string]map[string]map[string]any

// ForView returns the properties stored for the given view, or nil.
func (b PropertyBag) ForView(view ViewReference) map[string]any {
	if b == nil {
		return nil
	}
	bySpace, ok := b[view.Space]
	if !ok {
		return nil
	}
	return bySpace[view.Identifier()]
}

// Set stores a property value for a view, allocating nested maps as needed.
func (b PropertyBag) Set(view ViewReference, name string, value any) {
	bySpace, ok := b[view.Space]
	if !ok {
		bySpace = make(map[string]map[string]any)
		b[view.Space] = bySpace
	}
	props, ok := bySpace[view.Identifier()]
	if !ok {
		props = make(map[string]any)
		bySpace[view.Identifier()] = props
	}
	props[name] = value
}

// Lookup resolves a [space, view/version, property] path.
func (b PropertyBag) Lookup(path []string) (any, bool) {
	if len(path) != 3 || b == nil {
		return nil, false
	}
	props, ok := b[path[0]][path[1]]
	if !ok {
		return nil, false
	}
	value, ok := props[path[2]]
	return value, ok
}

// Merged flattens every view's properties into one map. Later views win on name clashes.
func (b PropertyBag) Merged() map[string]any {
	merged := make(map[string]any)
	for _, bySpace := range b {
		for _, props := range bySpace {
			for name, value := range props {
				merged[name] = value
			}
		}
	}
	return merged
}

// Record is the raw unit returned by the instance store: a *Node or an *Edge.
type Record interface {
	ID() InstanceID
	Kind() InstanceKind
	Meta() InstanceMeta
	Props() PropertyBag
}

// InstanceMeta carries the metadata shared by nodes and edges.
type InstanceMeta struct {
	Version         int64  `json:"version" yaml:"version"`
	CreatedTime     int64  `json:"createdTime" yaml:"createdTime"`
	LastUpdatedTime int64  `json:"lastUpdatedTime" yaml:"lastUpdatedTime"`
	DeletedTime     *int64 `json:"deletedTime,omitempty" yaml:"deletedTime,omitempty"`
}

// Node is a node instance.
type Node struct {
	InstanceID   `yaml:",inline"`
	InstanceMeta `yaml:",inline"`
	Type       *InstanceID `json:"type,omitempty" yaml:"type,omitempty"`
	Properties PropertyBag `json:"properties,omitempty" yaml:"properties,omitempty"`
}

func (n *Node) ID() InstanceID { return n.InstanceID }
func (n *Node) Kind() InstanceKind { return InstanceKindNode }
func (n *Node) Meta() InstanceMeta { return n.InstanceMeta }
func (n *Node) Props() PropertyBag { return n.Properties }

// Edge is an edge instance connecting two nodes.
type Edge struct {
	InstanceID   `yaml:",inline"`
	InstanceMeta `yaml:",inline"`
	Type       InstanceID  `json:"type" yaml:"type"`
	StartNode  InstanceID  `json:"startNode" yaml:"startNode"`
	EndNode    InstanceID  `json:"endNode" yaml:"endNode"`
	Properties PropertyBag `json:"properties,omitempty" yaml:"properties,omitempty"`
}

func (e *Edge) ID() InstanceID { return e.InstanceID }
func (e *Edge) Kind() InstanceKind { return InstanceKindEdge }
func (e *Edge) Meta() InstanceMeta { return e.InstanceMeta }
func (e *Edge) Props() PropertyBag { return e.Properties }

// RawRecord is the JSON envelope used when records cross a process boundary.
type RawRecord struct {
	InstanceType InstanceKind `json:"instanceType"`
	Space        string       `json:"space"`
	ExternalID   string       `json:"externalId"`
	InstanceMeta
	Type       *InstanceID `json:"type,omitempty"`
	StartNode  *InstanceID `json:"startNode,omitempty"`
	EndNode    *InstanceID `json:"endNode,omitempty"`
	Properties PropertyBag `json:"properties,omitempty"`
}

// Record converts the envelope into its typed variant.
func (r RawRecord) Record() (Record, error) {
	id := InstanceID{Space: r.Space, ExternalID: r.ExternalID}
	switch r.InstanceType {
	case InstanceKindNode, "":
		return &Node{InstanceID: id, InstanceMeta: r.InstanceMeta, Type: r.Type, Properties: r.Properties}, nil
	case InstanceKindEdge:
		if r.Type == nil || r.StartNode == nil || r.EndNode == nil {
			return nil, fmt.Errorf("edge %s missing type or end nodes", id)
		}
		return &Edge{
			InstanceID:   id,
			InstanceMeta: r.InstanceMeta,
			Type:         *r.Type,
			StartNode:    *r.StartNode,
			EndNode:      *r.EndNode,
			Properties:   r.Properties,
		}, nil
	default:
		return nil, fmt.Errorf("unknown instance type %q", r.InstanceType)
	}
}

// ToRawRecord converts a typed record into its JSON envelope.
func ToRawRecord(record Record) RawRecord {
	raw := RawRecord{
		InstanceType: record.Kind(),
		Space:        record.ID().Space,
		ExternalID:   record.ID().ExternalID,
		InstanceMeta: record.Meta(),
		Properties:   record.Props(),
	}
	switch r := record.(type) {
	case *Node:
		raw.Type = r.Type
	case *Edge:
		edgeType, start, end := r.Type, r.StartNode, r.EndNode
		raw.Type = &edgeType
		raw.StartNode = &start
		raw.EndNode = &end
	}
	return raw
}

// DecodeRecords unmarshals a JSON array of record envelopes.
func DecodeRecords(data json.RawMessage) ([]Record, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var raws []RawRecord
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(raws))
	for _, raw := range raws {
		record, err := raw.Record()
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}
