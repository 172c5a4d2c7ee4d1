package query

import (
	"github.com/rpattn/dmquery/internal/domain"
)

// Unlimited disables a step's retrieve limit.
const Unlimited = -1

// Step is one stage of a multi-hop query. A step fetches either nodes or
// edges; child steps are narrowed to the identities produced by their parent.
type Step struct {
	Name string
	// From names the parent step. It is empty for the root.
	From string
	Kind domain.InstanceKind
	// View is the node view for node steps and the optional edge source view
	// for edge steps.
	View       domain.ViewReference
	Filter     domain.Filter
	Sort       []domain.InstanceSort
	Properties []string
	// Limit caps the total number of records retrieved. Negative means unbounded.
	Limit int

	// EdgeType and Direction apply to edge steps. Direction also marks whether a
	// relation step follows a direct relation forwards or backwards.
	EdgeType  domain.InstanceID
	Direction domain.Direction

	// Through is the direct relation a node step is mediated through.
	Through *domain.PropertyReference
	// ConnectionProperty is the property on the parent this step fills.
	ConnectionProperty *domain.PropertyReference
	// SingleValued makes the unpacker attach one object instead of a list.
	SingleValued bool

	Results []domain.Record
}

func (s *Step) IsRoot() bool { return s.From == "" }

func (s *Step) IsEdge() bool { return s.Kind == domain.InstanceKindEdge }

func (s *Step) Unbounded() bool { return s.Limit < 0 }

// ConnectionName is the key the step's output is attached under on its parent.
func (s *Step) ConnectionName() string {
	if s.ConnectionProperty == nil {
		return ""
	}
	return s.ConnectionProperty.Property
}

// InwardRelation reports whether the step walks a direct relation backwards,
// i.e. its records point at the parent.
func (s *Step) InwardRelation() bool {
	return s.Through != nil && s.Direction == domain.DirectionInwards
}

// OutwardRelation reports whether the step resolves a direct relation held by
// the parent records.
func (s *Step) OutwardRelation() bool {
	return s.Through != nil && s.Direction != domain.DirectionInwards
}

// throughPath is the filter path of the mediating direct relation.
func (s *Step) throughPath() []string {
	return s.Through.View.PropertyPath(s.Through.Property)
}

// edgeEnds returns the near and far node of an edge for this step's direction.
func (s *Step) edgeEnds(edge *domain.Edge) (source, target domain.InstanceID) {
	if s.Direction == domain.DirectionInwards {
		return edge.EndNode, edge.StartNode
	}
	return edge.StartNode, edge.EndNode
}

// targetKey is the edge field holding the far node for this step's direction.
func (s *Step) targetKey() string {
	if s.Direction == domain.DirectionInwards {
		return "startNode"
	}
	return "endNode"
}

// narrowing returns the property a child step is filtered on and the parent
// identities it must match. The caller guarantees parent is step's parent.
func narrowing(step, parent *Step) ([]string, []domain.InstanceID) {
	switch {
	case step.IsEdge():
		property := domain.EdgeStartNodeProperty
		if step.Direction == domain.DirectionInwards {
			property = domain.EdgeEndNodeProperty
		}
		return property, recordIDs(parent.Results)
	case parent.IsEdge():
		targets := make([]domain.InstanceID, 0, len(parent.Results))
		for _, record := range parent.Results {
			if edge, ok := record.(*domain.Edge); ok {
				_, target := parent.edgeEnds(edge)
				targets = append(targets, target)
			}
		}
		return domain.NodeIDProperty, uniqueIDs(targets)
	case step.InwardRelation():
		return step.throughPath(), recordIDs(parent.Results)
	case step.OutwardRelation():
		path := step.throughPath()
		referenced := make([]domain.InstanceID, 0, len(parent.Results))
		for _, record := range parent.Results {
			value, _ := record.Props().Lookup(path)
			referenced = append(referenced, domain.ParseInstanceIDs(value)...)
		}
		return domain.NodeIDProperty, uniqueIDs(referenced)
	default:
		return domain.NodeIDProperty, nil
	}
}

// linkValues returns the identities of record that are compared against the
// identities produced by narrowing.
func linkValues(step *Step, parent *Step, record domain.Record) []domain.InstanceID {
	switch {
	case step.IsEdge():
		edge, ok := record.(*domain.Edge)
		if !ok {
			return nil
		}
		source, _ := step.edgeEnds(edge)
		return []domain.InstanceID{source}
	case parent.IsEdge(), step.OutwardRelation():
		return []domain.InstanceID{record.ID()}
	case step.InwardRelation():
		value, _ := record.Props().Lookup(step.throughPath())
		return domain.ParseInstanceIDs(value)
	default:
		return nil
	}
}

func recordIDs(records []domain.Record) []domain.InstanceID {
	ids := make([]domain.InstanceID, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID())
	}
	return uniqueIDs(ids)
}

// uniqueIDs removes duplicates, keeping first occurrences in order.
func uniqueIDs(ids []domain.InstanceID) []domain.InstanceID {
	seen := make(map[domain.InstanceID]struct{}, len(ids))
	unique := make([]domain.InstanceID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	return unique
}

type idSet map[domain.InstanceID]struct{}

func newIDSet(ids ...domain.InstanceID) idSet {
	set := make(idSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (s idSet) add(ids ...domain.InstanceID) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

func (s idSet) has(id domain.InstanceID) bool {
	_, ok := s[id]
	return ok
}

func (s idSet) intersects(ids []domain.InstanceID) bool {
	for _, id := range ids {
		if s.has(id) {
			return true
		}
	}
	return false
}
