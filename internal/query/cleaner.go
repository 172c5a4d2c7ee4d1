package query

import (
	"fmt"

	"github.com/rpattn/dmquery/internal/domain"
)

// defaultGroup keys identities reachable through edges or by the record's own id.
const defaultGroup = ""

// exposure is the set of identities a step offers to its parent, keyed by the
// parent property they must match (defaultGroup for the parent's own id).
type exposure struct {
	property string
	ids      idSet
}

// QueryResultCleaner prunes step results that are not connected to the root.
type QueryResultCleaner struct {
	steps    []*Step
	byName   map[string]*Step
	children map[string][]*Step
}

// NewQueryResultCleaner indexes steps by name and parent.
func NewQueryResultCleaner(steps []*Step) *QueryResultCleaner {
	c := &QueryResultCleaner{
		steps:    steps,
		byName:   make(map[string]*Step, len(steps)),
		children: make(map[string][]*Step),
	}
	for _, step := range steps {
		c.byName[step.Name] = step
		if !step.IsRoot() {
			c.children[step.From] = append(c.children[step.From], step)
		}
	}
	return c
}

// Clean removes records that do not lead to every constrained connection,
// walking from the leaves to the root, then removes children whose parent
// record was removed. It returns the number of records removed per step.
func (c *QueryResultCleaner) Clean() (map[string]int, error) {
	removed := make(map[string]int, len(c.steps))
	for _, step := range c.steps {
		removed[step.Name] = 0
	}
	for _, step := range c.steps {
		if !step.IsRoot() {
			continue
		}
		if _, err := c.reduce(step, removed); err != nil {
			return nil, err
		}
	}
	c.detachOrphans(removed)
	return removed, nil
}

// reduce filters step by its children's exposures and returns its own.
func (c *QueryResultCleaner) reduce(step *Step, removed map[string]int) (exposure, error) {
	groups := make(map[string]idSet)
	for _, child := range c.children[step.Name] {
		exposed, err := c.reduce(child, removed)
		if err != nil {
			return exposure{}, err
		}
		group, ok := groups[exposed.property]
		if !ok {
			group = make(idSet)
			groups[exposed.property] = group
		}
		for id := range exposed.ids {
			group.add(id)
		}
	}

	if len(c.children[step.Name]) > 0 && !step.IsRoot() {
		before := len(step.Results)
		var err error
		if step.IsEdge() {
			step.Results, err = c.keepEdges(step, groups)
		} else {
			step.Results = c.keepNodes(step, groups)
		}
		if err != nil {
			return exposure{}, err
		}
		removed[step.Name] += before - len(step.Results)
	}
	return c.expose(step), nil
}

func (c *QueryResultCleaner) keepNodes(step *Step, groups map[string]idSet) []domain.Record {
	expected, hasDefault := groups[defaultGroup]
	relations := make(map[string]idSet, len(groups))
	for property, ids := range groups {
		if property != defaultGroup {
			relations[property] = ids
		}
	}

	kept := step.Results[:0:0]
	for _, record := range step.Results {
		if hasDefault && expected.has(record.ID()) {
			kept = append(kept, record)
			continue
		}
		if len(relations) == 0 {
			continue
		}
		all := true
		for property, ids := range relations {
			value, _ := record.Props().Lookup(step.View.PropertyPath(property))
			if !ids.intersects(domain.ParseInstanceIDs(value)) {
				all = false
				break
			}
		}
		if all {
			kept = append(kept, record)
		}
	}
	return kept
}

func (c *QueryResultCleaner) keepEdges(step *Step, groups map[string]idSet) ([]domain.Record, error) {
	expected, ok := groups[defaultGroup]
	if !ok || len(groups) != 1 {
		return nil, fmt.Errorf("%w: edge step %s expects exactly one target group, got %d", ErrInconsistentState, step.Name, len(groups))
	}
	kept := step.Results[:0:0]
	for _, record := range step.Results {
		edge, ok := record.(*domain.Edge)
		if !ok {
			return nil, fmt.Errorf("%w: edge step %s holds a %s record", ErrInconsistentState, step.Name, record.Kind())
		}
		if _, target := step.edgeEnds(edge); expected.has(target) {
			kept = append(kept, record)
		}
	}
	return kept, nil
}

// expose computes what step offers its parent from its current results.
func (c *QueryResultCleaner) expose(step *Step) exposure {
	ids := make(idSet, len(step.Results))
	switch {
	case step.IsEdge():
		for _, record := range step.Results {
			if edge, ok := record.(*domain.Edge); ok {
				source, _ := step.edgeEnds(edge)
				ids.add(source)
			}
		}
		return exposure{property: defaultGroup, ids: ids}
	case step.InwardRelation():
		path := step.throughPath()
		for _, record := range step.Results {
			value, _ := record.Props().Lookup(path)
			ids.add(domain.ParseInstanceIDs(value)...)
		}
		return exposure{property: defaultGroup, ids: ids}
	case step.OutwardRelation():
		for _, record := range step.Results {
			ids.add(record.ID())
		}
		return exposure{property: step.Through.Property, ids: ids}
	default:
		for _, record := range step.Results {
			ids.add(record.ID())
		}
		return exposure{property: defaultGroup, ids: ids}
	}
}

// detachOrphans walks from the root down and drops records whose link to the
// parent no longer resolves to a surviving parent record.
func (c *QueryResultCleaner) detachOrphans(removed map[string]int) {
	for _, step := range c.steps {
		if step.IsRoot() {
			continue
		}
		parent := c.byName[step.From]
		_, ids := narrowing(step, parent)
		allowed := newIDSet(ids...)
		kept := step.Results[:0:0]
		for _, record := range step.Results {
			if allowed.intersects(linkValues(step, parent, record)) {
				kept = append(kept, record)
			}
		}
		removed[step.Name] += len(step.Results) - len(kept)
		step.Results = kept
	}
}
