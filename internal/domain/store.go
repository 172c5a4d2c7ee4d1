package domain

// ListRequest is one page request against the instance store.
type ListRequest struct {
	InstanceType InstanceKind    `json:"instanceType"`
	Sources      []ViewReference `json:"sources,omitempty"`
	Filter       Filter          `json:"-"`
	Sort         []InstanceSort  `json:"sort,omitempty"`
	Limit        int             `json:"limit"`
	Cursor       string          `json:"cursor,omitempty"`
}

// InstancePage is one page of store results. An empty NextCursor means the
// store has no more results for the request.
type InstancePage struct {
	Items      []Record
	NextCursor string
}

// SearchRequest is a free-text search against one view.
type SearchRequest struct {
	View         ViewReference  `json:"view"`
	Query        string         `json:"query,omitempty"`
	InstanceType InstanceKind   `json:"instanceType"`
	Properties   []string       `json:"properties,omitempty"`
	Filter       Filter         `json:"-"`
	Sort         []InstanceSort `json:"sort,omitempty"`
	Limit        int            `json:"limit"`
}

// AggregateKind enumerates metric aggregations.
type AggregateKind string

const (
	AggregateCount AggregateKind = "count"
	AggregateSum   AggregateKind = "sum"
	AggregateMin   AggregateKind = "min"
	AggregateMax   AggregateKind = "max"
	AggregateAvg   AggregateKind = "avg"
)

// Aggregation requests one metric over one property.
type Aggregation struct {
	Kind     AggregateKind `json:"kind"`
	Property string        `json:"property"`
}

// AggregatedValue is the result of one Aggregation. Value is nil when the
// aggregation had no input values (min/max/avg over an empty set).
type AggregatedValue struct {
	Kind     AggregateKind `json:"kind"`
	Property string        `json:"property"`
	Value    *float64      `json:"value"`
}

// NewAggregatedValue is a convenience constructor for a present value.
func NewAggregatedValue(kind AggregateKind, property string, value float64) AggregatedValue {
	return AggregatedValue{Kind: kind, Property: property, Value: &value}
}

// AggregateGroup is one group of a grouped aggregation.
type AggregateGroup struct {
	Group      map[string]any    `json:"group"`
	Aggregates []AggregatedValue `json:"aggregates"`
}

// AggregateRequest asks the store for metric aggregates, optionally grouped.
type AggregateRequest struct {
	View         ViewReference `json:"view"`
	InstanceType InstanceKind  `json:"instanceType"`
	GroupBy      []string      `json:"groupBy,omitempty"`
	Aggregates   []Aggregation `json:"aggregates"`
	Filter       Filter        `json:"-"`
	Query        string        `json:"query,omitempty"`
	Properties   []string      `json:"properties,omitempty"`
	Limit        int           `json:"limit"`
}

// AggregateResponse holds grouped results when GroupBy was set, otherwise a
// single group with no group values.
type AggregateResponse struct {
	Groups []AggregateGroup `json:"groups"`
}

// Histogram requests fixed-width buckets over a numeric property.
type Histogram struct {
	Property string  `json:"property"`
	Interval float64 `json:"interval"`
}

// HistogramBucket is one bucket starting at Start.
type HistogramBucket struct {
	Start float64 `json:"start"`
	Count int64   `json:"count"`
}

// HistogramValue is the result of one Histogram request.
type HistogramValue struct {
	Property string            `json:"property"`
	Interval float64           `json:"interval"`
	Buckets  []HistogramBucket `json:"buckets"`
}

// HistogramRequest asks the store for histograms over one view.
type HistogramRequest struct {
	View         ViewReference `json:"view"`
	InstanceType InstanceKind  `json:"instanceType"`
	Histograms   []Histogram   `json:"histograms"`
	Filter       Filter        `json:"-"`
	Query        string        `json:"query,omitempty"`
	Properties   []string      `json:"properties,omitempty"`
	Limit        int           `json:"limit"`
}
