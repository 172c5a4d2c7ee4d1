package query

import (
	"fmt"
	"log/slog"

	"github.com/rpattn/dmquery/internal/domain"
)

// EdgePolicy controls what an edge step contributes to its parent row.
type EdgePolicy string

const (
	// EdgesSkip attaches the target nodes directly.
	EdgesSkip EdgePolicy = "skip"
	// EdgesIdentifier attaches the edge identifier with the target nested under
	// endNode or startNode when target properties were selected.
	EdgesIdentifier EdgePolicy = "identifier"
	// EdgesInclude attaches the full edge with the target nested inside it.
	EdgesInclude EdgePolicy = "include"
)

// ParseEdgePolicy validates a policy name. An empty name selects EdgesSkip.
func ParseEdgePolicy(raw string) (EdgePolicy, error) {
	switch EdgePolicy(raw) {
	case "":
		return EdgesSkip, nil
	case EdgesSkip, EdgesIdentifier, EdgesInclude:
		return EdgePolicy(raw), nil
	default:
		return "", invalidRequest("unknown edge policy %q", raw)
	}
}

// resultMapping groups unpacked items by the identity the parent joins on.
type resultMapping map[domain.InstanceID][]any

// QueryUnpacker nests cleaned step results into rows.
type QueryUnpacker struct {
	steps       []*Step
	children    map[string][]*Step
	policy      EdgePolicy
	logger      *slog.Logger
	diagnostics []Diagnostic
}

// NewQueryUnpacker indexes steps by parent. A nil logger uses slog.Default.
func NewQueryUnpacker(steps []*Step, policy EdgePolicy, logger *slog.Logger) *QueryUnpacker {
	if policy == "" {
		policy = EdgesSkip
	}
	if logger == nil {
		logger = slog.Default()
	}
	u := &QueryUnpacker{
		steps:    steps,
		children: make(map[string][]*Step),
		policy:   policy,
		logger:   logger,
	}
	for _, step := range steps {
		if !step.IsRoot() {
			u.children[step.From] = append(u.children[step.From], step)
		}
	}
	return u
}

// Unpack returns one nested row per root record, in root order, along with
// any dangling reference diagnostics.
func (u *QueryUnpacker) Unpack() ([]map[string]any, []Diagnostic, error) {
	u.diagnostics = nil
	var root *Step
	for _, step := range u.steps {
		if step.IsRoot() {
			root = step
			break
		}
	}
	if root == nil {
		return nil, nil, fmt.Errorf("%w: query has no root step", ErrInconsistentState)
	}
	if root.IsEdge() {
		return nil, nil, fmt.Errorf("%w: root step %s fetches edges", ErrInconsistentState, root.Name)
	}
	rows, _, err := u.unpackNodes(root)
	if err != nil {
		return nil, nil, err
	}
	return rows, u.diagnostics, nil
}

// childOutput is a processed child together with how it joins its parent.
type childOutput struct {
	step    *Step
	mapping resultMapping
}

func (u *QueryUnpacker) unpackChildren(step *Step) ([]childOutput, error) {
	outputs := make([]childOutput, 0, len(u.children[step.Name]))
	for _, child := range u.children[step.Name] {
		var (
			mapping resultMapping
			err     error
		)
		if child.IsEdge() {
			mapping, err = u.unpackEdges(child)
		} else {
			_, mapping, err = u.unpackNodes(child)
		}
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, childOutput{step: child, mapping: mapping})
	}
	return outputs, nil
}

// unpackNodes flattens a node step, attaches its children and groups the rows
// by the identity its parent joins on.
func (u *QueryUnpacker) unpackNodes(step *Step) ([]map[string]any, resultMapping, error) {
	outputs, err := u.unpackChildren(step)
	if err != nil {
		return nil, nil, err
	}

	rows := make([]map[string]any, 0, len(step.Results))
	mapping := make(resultMapping, len(step.Results))
	for _, record := range step.Results {
		row := flattenDump(record, step.Properties)
		for _, output := range outputs {
			u.attach(record, row, output)
		}
		rows = append(rows, row)

		if step.InwardRelation() {
			value, _ := record.Props().Lookup(step.throughPath())
			targets := domain.ParseInstanceIDs(value)
			for i, target := range targets {
				item := any(row)
				if i > 0 {
					item = deepCopy(row)
				}
				mapping[target] = append(mapping[target], item)
			}
			continue
		}
		mapping[record.ID()] = append(mapping[record.ID()], row)
	}
	return rows, mapping, nil
}

// attach places a child's output under its connection name on row.
func (u *QueryUnpacker) attach(record domain.Record, row map[string]any, output childOutput) {
	child := output.step
	name := child.ConnectionName()
	if child.OutwardRelation() {
		u.resolveReferences(record, row, child, output.mapping)
		return
	}
	row[name] = cardinality(child, output.mapping[record.ID()])
}

// resolveReferences replaces raw direct relation values with the nested rows
// they point at. Missing targets keep the raw reference and record a diagnostic.
func (u *QueryUnpacker) resolveReferences(record domain.Record, row map[string]any, child *Step, mapping resultMapping) {
	name := child.ConnectionName()
	raw, present := row[name]
	if !present || raw == nil {
		value, _ := record.Props().Lookup(child.throughPath())
		if value == nil {
			if !child.SingleValued {
				row[name] = []any{}
			}
			return
		}
		raw = dumpValue(value)
	}

	resolve := func(value any) any {
		id, ok := domain.ParseInstanceID(value)
		if !ok {
			return value
		}
		items := mapping[id]
		if len(items) == 0 {
			u.warn(Diagnostic{
				Step:      child.Name,
				Property:  name,
				Source:    record.ID(),
				Reference: id,
				Message:   "referenced instance was not retrieved",
			})
			return value
		}
		return deepCopy(items[0])
	}

	if list, ok := raw.([]any); ok {
		resolved := make([]any, 0, len(list))
		for _, item := range list {
			resolved = append(resolved, resolve(item))
		}
		row[name] = resolved
		return
	}
	row[name] = resolve(raw)
}

func (u *QueryUnpacker) warn(d Diagnostic) {
	u.diagnostics = append(u.diagnostics, d)
	u.logger.Warn("dangling reference while unpacking",
		slog.String("step", d.Step),
		slog.String("property", d.Property),
		slog.String("source", d.Source.String()),
		slog.String("reference", d.Reference.String()))
}

// unpackEdges groups an edge step's contribution by the near node.
func (u *QueryUnpacker) unpackEdges(step *Step) (resultMapping, error) {
	outputs, err := u.unpackChildren(step)
	if err != nil {
		return nil, err
	}
	if len(outputs) > 1 {
		return nil, fmt.Errorf("%w: edge step %s has %d target steps", ErrInconsistentState, step.Name, len(outputs))
	}
	var targets resultMapping
	if len(outputs) == 1 {
		targets = outputs[0].mapping
	}

	mapping := make(resultMapping)
	key := step.targetKey()
	for _, record := range step.Results {
		edge, ok := record.(*domain.Edge)
		if !ok {
			return nil, fmt.Errorf("%w: edge step %s holds a %s record", ErrInconsistentState, step.Name, record.Kind())
		}
		source, target := step.edgeEnds(edge)

		var targetValue any = target.Dump()
		if targets != nil {
			if nodes := targets[target]; len(nodes) > 0 {
				targetValue = deepCopy(nodes[0])
			}
		}

		var item any
		switch u.policy {
		case EdgesIdentifier:
			identifier := edge.InstanceID.Dump()
			if targets != nil {
				identifier[key] = targetValue
			}
			item = identifier
		case EdgesInclude:
			flat := flattenDump(edge, step.Properties)
			flat[key] = targetValue
			item = flat
		default:
			item = targetValue
		}
		mapping[source] = append(mapping[source], item)
	}
	return mapping, nil
}

// cardinality returns the first item for single-valued steps and the list,
// never nil, otherwise.
func cardinality(step *Step, items []any) any {
	if step.SingleValued {
		if len(items) == 0 {
			return nil
		}
		return items[0]
	}
	if items == nil {
		return []any{}
	}
	return items
}

// flattenDump merges identity, metadata and properties into one flat map.
// properties limits the view properties copied; nil copies all of them.
func flattenDump(record domain.Record, properties []string) map[string]any {
	id := record.ID()
	meta := record.Meta()
	row := map[string]any{
		"space":           id.Space,
		"externalId":      id.ExternalID,
		"version":         meta.Version,
		"createdTime":     meta.CreatedTime,
		"lastUpdatedTime": meta.LastUpdatedTime,
	}
	if meta.DeletedTime != nil {
		row["deletedTime"] = *meta.DeletedTime
	}
	switch r := record.(type) {
	case *domain.Node:
		if r.Type != nil {
			row["type"] = r.Type.Dump()
		}
	case *domain.Edge:
		row["type"] = r.Type.Dump()
		row["startNode"] = r.StartNode.Dump()
		row["endNode"] = r.EndNode.Dump()
	}

	var selected map[string]struct{}
	if properties != nil {
		selected = make(map[string]struct{}, len(properties))
		for _, name := range properties {
			selected[name] = struct{}{}
		}
	}
	for name, value := range record.Props().Merged() {
		if selected != nil {
			if _, ok := selected[name]; !ok {
				continue
			}
		}
		row[name] = dumpValue(value)
	}
	return row
}

// dumpValue converts identifiers into their map form, recursing into lists.
func dumpValue(value any) any {
	switch v := value.(type) {
	case domain.InstanceID:
		return v.Dump()
	case *domain.InstanceID:
		if v == nil {
			return nil
		}
		return v.Dump()
	case []domain.InstanceID:
		out := make([]any, len(v))
		for i, id := range v {
			out[i] = id.Dump()
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = dumpValue(item)
		}
		return out
	default:
		return value
	}
}

func deepCopy(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return value
	}
}
