package query

import (
	"github.com/rpattn/dmquery/internal/domain"
)

// NormalizeNullFilters rewrites Equals(p, nil) into Not(Exists(p)), which the
// store supports. Combinators are rewritten recursively and branches that end
// up empty are dropped.
func NormalizeNullFilters(filter domain.Filter) domain.Filter {
	switch f := filter.(type) {
	case nil:
		return nil
	case domain.Equals:
		if f.Value == nil {
			return domain.Not{Filter: domain.Exists{Property: f.Property}}
		}
		return f
	case domain.And:
		children := normalizeAll(f.Filters)
		if len(children) == 0 {
			return nil
		}
		return domain.And{Filters: children}
	case domain.Or:
		children := normalizeAll(f.Filters)
		if len(children) == 0 {
			return nil
		}
		return domain.Or{Filters: children}
	case domain.Not:
		inner := NormalizeNullFilters(f.Filter)
		if inner == nil {
			return nil
		}
		return domain.Not{Filter: inner}
	default:
		return filter
	}
}

func normalizeAll(filters []domain.Filter) []domain.Filter {
	kept := make([]domain.Filter, 0, len(filters))
	for _, child := range filters {
		if normalized := NormalizeNullFilters(child); normalized != nil {
			kept = append(kept, normalized)
		}
	}
	return kept
}
