package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/rpattn/dmquery/internal/domain"
	"github.com/rpattn/dmquery/internal/repository"
)

// ViewResolver resolves view definitions. Missing views yield ErrNotFound.
type ViewResolver interface {
	View(ctx context.Context, ref domain.ViewReference) (domain.View, error)
}

type storeViews struct {
	store repository.InstanceStore
}

// NewStoreViewResolver resolves views with one store call per lookup.
func NewStoreViewResolver(store repository.InstanceStore) ViewResolver {
	return storeViews{store: store}
}

func (s storeViews) View(ctx context.Context, ref domain.ViewReference) (domain.View, error) {
	views, err := s.store.RetrieveViews(ctx, []domain.ViewReference{ref})
	if err != nil {
		if errors.Is(err, repository.ErrViewNotFound) {
			return domain.View{}, fmt.Errorf("view %s: %w", ref, ErrNotFound)
		}
		return domain.View{}, fmt.Errorf("retrieve view %s: %w", ref, err)
	}
	for _, view := range views {
		if view.Ref == ref {
			return view, nil
		}
	}
	return domain.View{}, fmt.Errorf("view %s: %w", ref, ErrNotFound)
}

// ReverseViewsLookup names the view holding the instances on the far side of
// a reverse direct relation, keyed by the direct relation it walks backwards.
type ReverseViewsLookup map[domain.PropertyReference]domain.ViewReference

// RootOptions shape the root step.
type RootOptions struct {
	Filter domain.Filter
	Sort   []domain.InstanceSort
	Limit  int
}

// StepFactory turns a view and a property selection into steps.
type StepFactory struct {
	builder *QueryBuilder
	views   ViewResolver
	reverse ReverseViewsLookup
}

// NewStepFactory creates a factory that names steps with builder.
func NewStepFactory(builder *QueryBuilder, views ViewResolver, reverse ReverseViewsLookup) *StepFactory {
	return &StepFactory{builder: builder, views: views, reverse: reverse}
}

// Root builds the first step of a query.
func (f *StepFactory) Root(view domain.View, selection []SelectedProperty, opts RootOptions) *Step {
	return &Step{
		Name:       f.builder.CreateName(""),
		Kind:       domain.InstanceKindNode,
		View:       view.Ref,
		Filter:     opts.Filter,
		Sort:       opts.Sort,
		Properties: Names(selection),
		Limit:      opts.Limit,
	}
}

// Build appends the root step and one or two steps per traversed connection,
// parents first.
func (f *StepFactory) Build(ctx context.Context, view domain.View, selection []SelectedProperty, opts RootOptions) error {
	root := f.Root(view, selection, opts)
	if err := f.builder.Append(root); err != nil {
		return err
	}
	return f.walk(ctx, root, view, selection)
}

func (f *StepFactory) walk(ctx context.Context, parent *Step, view domain.View, selection []SelectedProperty) error {
	for _, selected := range selection {
		if !selected.Nested() {
			continue
		}
		prop, ok := view.Property(selected.Name)
		if !ok {
			return invalidRequest("view %s has no property %q", view.Ref, selected.Name)
		}
		steps, err := f.FromConnection(parent, selected.Name, prop, selected)
		if err != nil {
			return err
		}
		if err := f.builder.Extend(steps); err != nil {
			return err
		}

		last := steps[len(steps)-1]
		if last.IsEdge() {
			continue
		}
		target, err := f.views.View(ctx, last.View)
		if err != nil {
			return err
		}
		if err := f.walk(ctx, last, target, selected.Properties); err != nil {
			return err
		}
	}
	return nil
}

// FromConnection dispatches on the connection kind of prop.
func (f *StepFactory) FromConnection(parent *Step, name string, prop domain.ViewProperty, selected SelectedProperty) ([]*Step, error) {
	switch prop.ConnectionKind() {
	case domain.ConnectionEdge:
		return f.FromEdge(parent, name, prop, selected)
	case domain.ConnectionDirectRelation, domain.ConnectionReverseDirectRelation:
		step, err := f.FromDirectRelation(parent, name, prop, selected)
		if err != nil {
			return nil, err
		}
		return []*Step{step}, nil
	default:
		return nil, invalidRequest("property %q of %s is not a connection", name, parent.View)
	}
}

// FromEdge builds an edge step and, when the selection asks for more than the
// target identifiers, a node step fetching the targets.
func (f *StepFactory) FromEdge(parent *Step, name string, prop domain.ViewProperty, selected SelectedProperty) ([]*Step, error) {
	if prop.EdgeType == nil {
		return nil, invalidRequest("edge property %q of %s has no edge type", name, parent.View)
	}
	direction := prop.Direction
	if direction == "" {
		direction = domain.DirectionOutwards
	}
	edge := &Step{
		Name:               f.builder.CreateName(parent.Name),
		From:               parent.Name,
		Kind:               domain.InstanceKindEdge,
		Limit:              connectionLimit(selected),
		EdgeType:           *prop.EdgeType,
		Direction:          direction,
		ConnectionProperty: &domain.PropertyReference{View: parent.View, Property: name},
		SingleValued:       prop.IsSingleValued(),
	}
	if prop.EdgeSource != nil {
		edge.View = *prop.EdgeSource
	}
	if !wantsTarget(selected) {
		return []*Step{edge}, nil
	}
	if prop.Target == nil {
		return nil, invalidRequest("edge property %q of %s has no target view", name, parent.View)
	}
	node := &Step{
		Name:               f.builder.CreateName(edge.Name),
		From:               edge.Name,
		Kind:               domain.InstanceKindNode,
		View:               *prop.Target,
		Properties:         Names(selected.Properties),
		Limit:              Unlimited,
		Direction:          direction,
		ConnectionProperty: &domain.PropertyReference{View: edge.View, Property: edge.targetKey()},
		SingleValued:       true,
	}
	return []*Step{edge, node}, nil
}

// FromDirectRelation builds the node step resolving a direct relation, or a
// reverse direct relation when prop walks one backwards.
func (f *StepFactory) FromDirectRelation(parent *Step, name string, prop domain.ViewProperty, selected SelectedProperty) (*Step, error) {
	step := &Step{
		Name:               f.builder.CreateName(parent.Name),
		From:               parent.Name,
		Kind:               domain.InstanceKindNode,
		Properties:         Names(selected.Properties),
		Limit:              connectionLimit(selected),
		ConnectionProperty: &domain.PropertyReference{View: parent.View, Property: name},
		SingleValued:       prop.IsSingleValued(),
	}

	if prop.ConnectionKind() == domain.ConnectionReverseDirectRelation {
		if prop.Through == nil {
			return nil, invalidRequest("reverse relation %q of %s has no through property", name, parent.View)
		}
		through := *prop.Through
		step.Through = &through
		step.Direction = domain.DirectionInwards
		switch {
		case prop.Target != nil:
			step.View = *prop.Target
		case f.reverse != nil && !f.reverse[through].IsZero():
			step.View = f.reverse[through]
		default:
			step.View = through.View
		}
		return step, nil
	}

	if prop.Target == nil {
		return nil, invalidRequest("direct relation %q of %s has no target view", name, parent.View)
	}
	step.Through = &domain.PropertyReference{View: parent.View, Property: name}
	step.Direction = domain.DirectionOutwards
	step.View = *prop.Target
	step.Limit = Unlimited
	return step, nil
}

// connectionLimit caps a connection step across all parents, so an unset
// limit means unbounded rather than DefaultLimit.
func connectionLimit(selected SelectedProperty) int {
	if selected.Limit > 0 {
		return selected.Limit
	}
	return Unlimited
}

// wantsTarget reports whether an edge selection needs the target nodes rather
// than only their identifiers.
func wantsTarget(selected SelectedProperty) bool {
	for _, child := range selected.Properties {
		switch child.Name {
		case "externalId", "space":
			continue
		}
		return true
	}
	return false
}
