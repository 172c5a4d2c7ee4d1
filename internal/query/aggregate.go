package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rpattn/dmquery/internal/domain"
)

// AggregateValues maps aggregate kind to property to value, e.g.
// {"count": {"externalId": 15}}. A nil value means no input values.
type AggregateValues map[string]map[string]any

// GroupedAggregate is the result for one group of a grouped aggregation.
type GroupedAggregate struct {
	Group  map[string]any  `json:"group"`
	Values AggregateValues `json:"aggregates"`
}

// ToAggregateValues converts one store partial into the result shape.
func ToAggregateValues(values []domain.AggregatedValue) AggregateValues {
	out := make(AggregateValues)
	for _, value := range values {
		byProperty, ok := out[string(value.Kind)]
		if !ok {
			byProperty = make(map[string]any)
			out[string(value.Kind)] = byProperty
		}
		if value.Value == nil {
			byProperty[value.Property] = nil
			continue
		}
		byProperty[value.Property] = *value.Value
	}
	return out
}

// MergeAggregates combines partial results computed over different instance
// kinds. Counts and sums add, min and max keep the extreme. Averages cannot
// be merged without the underlying counts and fail with ErrInvalidRequest.
func MergeAggregates(partials ...[]domain.AggregatedValue) (AggregateValues, error) {
	if len(partials) == 1 {
		return ToAggregateValues(partials[0]), nil
	}
	type slot struct {
		kind     domain.AggregateKind
		property string
	}
	merged := make(map[slot]*float64)
	var order []slot
	for _, partial := range partials {
		for _, value := range partial {
			key := slot{kind: value.Kind, property: value.Property}
			current, seen := merged[key]
			if !seen {
				order = append(order, key)
			}
			switch value.Kind {
			case domain.AggregateAvg:
				return nil, invalidRequest("average of %s cannot be merged across instance kinds", value.Property)
			case domain.AggregateCount, domain.AggregateSum:
				merged[key] = addValues(current, value.Value)
			case domain.AggregateMin:
				merged[key] = pickValue(current, value.Value, func(a, b float64) bool { return b < a })
			case domain.AggregateMax:
				merged[key] = pickValue(current, value.Value, func(a, b float64) bool { return b > a })
			default:
				return nil, invalidRequest("unsupported aggregate %q", value.Kind)
			}
		}
	}

	values := make([]domain.AggregatedValue, 0, len(order))
	for _, key := range order {
		values = append(values, domain.AggregatedValue{Kind: key.kind, Property: key.property, Value: merged[key]})
	}
	return ToAggregateValues(values), nil
}

// MergeGroups merges grouped partials, matching groups by their values.
func MergeGroups(partials ...[]domain.AggregateGroup) ([]GroupedAggregate, error) {
	type bucket struct {
		group    map[string]any
		partials [][]domain.AggregatedValue
	}
	var order []string
	buckets := make(map[string]*bucket)
	for _, partial := range partials {
		for _, group := range partial {
			key := groupKey(group.Group)
			b, ok := buckets[key]
			if !ok {
				b = &bucket{group: group.Group}
				buckets[key] = b
				order = append(order, key)
			}
			b.partials = append(b.partials, group.Aggregates)
		}
	}

	groups := make([]GroupedAggregate, 0, len(order))
	for _, key := range order {
		b := buckets[key]
		values, err := MergeAggregates(b.partials...)
		if err != nil {
			return nil, err
		}
		groups = append(groups, GroupedAggregate{Group: b.group, Values: values})
	}
	return groups, nil
}

func groupKey(group map[string]any) string {
	names := make([]string, 0, len(group))
	for name := range group {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%v", name, group[name]))
	}
	return strings.Join(parts, "\x00")
}

func addValues(current, next *float64) *float64 {
	switch {
	case current == nil && next == nil:
		return nil
	case current == nil:
		v := *next
		return &v
	case next == nil:
		return current
	default:
		v := *current + *next
		return &v
	}
}

func pickValue(current, next *float64, better func(a, b float64) bool) *float64 {
	switch {
	case next == nil:
		return current
	case current == nil || better(*current, *next):
		v := *next
		return &v
	default:
		return current
	}
}
