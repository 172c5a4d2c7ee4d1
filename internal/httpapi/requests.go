package httpapi

import (
	"encoding/json"
	"fmt"

	"github.com/rpattn/dmquery/internal/domain"
	"github.com/rpattn/dmquery/internal/query"
)

// listBody is the wire form shared by list, search and export requests.
// Select is either the selection language text or its JSON form.
type listBody struct {
	View             string                         `json:"view"`
	Select           any                            `json:"select,omitempty"`
	Filter           json.RawMessage                `json:"filter,omitempty"`
	Sort             []domain.InstanceSort          `json:"sort,omitempty"`
	Limit            int                            `json:"limit,omitempty"`
	Cursors          map[domain.InstanceKind]string `json:"cursors,omitempty"`
	EdgePolicy       string                         `json:"edgePolicy,omitempty"`
	KeepNotConnected bool                           `json:"keepNotConnected,omitempty"`
	Query            string                         `json:"query,omitempty"`
	Properties       []string                       `json:"properties,omitempty"`
	Format           string                         `json:"format,omitempty"`
}

type parsedList struct {
	view      domain.ViewReference
	selection []query.SelectedProperty
	list      query.ListOptions
	search    query.SearchOptions
}

func (b listBody) parse(defaultPolicy query.EdgePolicy) (parsedList, error) {
	view, err := domain.ParseViewReference(b.View)
	if err != nil {
		return parsedList{}, badRequest(err)
	}
	selection, err := query.SelectionFromJSON(b.Select)
	if err != nil {
		return parsedList{}, err
	}
	filter, err := domain.FilterFromJSON(b.Filter)
	if err != nil {
		return parsedList{}, badRequest(fmt.Errorf("invalid filter: %w", err))
	}
	policy := defaultPolicy
	if b.EdgePolicy != "" {
		if policy, err = query.ParseEdgePolicy(b.EdgePolicy); err != nil {
			return parsedList{}, err
		}
	}
	return parsedList{
		view:      view,
		selection: selection,
		list: query.ListOptions{
			Filter:           filter,
			Sort:             b.Sort,
			Limit:            b.Limit,
			Cursors:          b.Cursors,
			EdgePolicy:       policy,
			KeepNotConnected: b.KeepNotConnected,
		},
		search: query.SearchOptions{
			Query:            b.Query,
			SearchProperties: b.Properties,
			Filter:           filter,
			Sort:             b.Sort,
			Limit:            b.Limit,
			EdgePolicy:       policy,
			KeepNotConnected: b.KeepNotConnected,
		},
	}, nil
}

// aggregateBody is the wire form of aggregate and histogram requests.
type aggregateBody struct {
	View       string               `json:"view"`
	Aggregates []domain.Aggregation `json:"aggregates,omitempty"`
	Histograms []domain.Histogram   `json:"histograms,omitempty"`
	GroupBy    []string             `json:"groupBy,omitempty"`
	Filter     json.RawMessage      `json:"filter,omitempty"`
	Query      string               `json:"query,omitempty"`
	Properties []string             `json:"properties,omitempty"`
	Limit      int                  `json:"limit,omitempty"`
}

func (b aggregateBody) parse() (domain.ViewReference, domain.Filter, error) {
	view, err := domain.ParseViewReference(b.View)
	if err != nil {
		return domain.ViewReference{}, nil, badRequest(err)
	}
	filter, err := domain.FilterFromJSON(b.Filter)
	if err != nil {
		return domain.ViewReference{}, nil, badRequest(fmt.Errorf("invalid filter: %w", err))
	}
	return view, filter, nil
}
