package domain

// SortDirection represents ordering direction for sortable properties.
type SortDirection string

const (
	SortDirectionAsc  SortDirection = "ascending"
	SortDirectionDesc SortDirection = "descending"
)

// InstanceSort captures ordering preferences for instance listings. Property
// uses the same paths as filters, e.g. [space, view/version, name] or
// ["node", "externalId"].
type InstanceSort struct {
	Property   []string      `json:"property"`
	Direction  SortDirection `json:"direction,omitempty"`
	NullsFirst bool          `json:"nullsFirst,omitempty"`
}

// Descending reports whether the sort orders from high to low.
func (s InstanceSort) Descending() bool {
	return s.Direction == SortDirectionDesc || s.Direction == "desc"
}
