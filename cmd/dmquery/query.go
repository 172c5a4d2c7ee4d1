package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rpattn/dmquery/internal/domain"
	"github.com/rpattn/dmquery/internal/export"
	"github.com/rpattn/dmquery/internal/query"
)

// queryFlags are shared by list, search and aggregate.
type queryFlags struct {
	view             string
	selection        string
	filter           string
	sort             string
	limit            int
	edgePolicy       string
	keepNotConnected bool
	output           string
	query            string
	properties       []string
}

func (f *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.view, "view", "", "View reference, space:externalId/version")
	cmd.Flags().StringVar(&f.filter, "filter", "", "Filter as JSON, e.g. {\"exists\": {\"property\": [\"node\", \"externalId\"]}}")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "Maximum root rows; 0 uses the default, -1 is unbounded")
	_ = cmd.MarkFlagRequired("view")
}

func (f *queryFlags) registerRows(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.selection, "select", "s", "", "Selection, e.g. \"name outwards { name }\"")
	cmd.Flags().StringVar(&f.sort, "sort", "", "Sort as a JSON list of {property, direction, nullsFirst}")
	cmd.Flags().StringVar(&f.edgePolicy, "edge-policy", "", "Edge rendering: skip, identifier or include")
	cmd.Flags().BoolVar(&f.keepNotConnected, "keep-not-connected", false, "Keep instances not connected to a root row")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "Write rows to a .csv or .xlsx file instead of JSON on stdout")
}

func (f *queryFlags) parse(defaultPolicy query.EdgePolicy) (domain.ViewReference, []query.SelectedProperty, domain.Filter, []domain.InstanceSort, query.EdgePolicy, error) {
	view, err := domain.ParseViewReference(f.view)
	if err != nil {
		return domain.ViewReference{}, nil, nil, nil, "", err
	}
	var selection []query.SelectedProperty
	if strings.TrimSpace(f.selection) != "" {
		if selection, err = query.ParseSelection(f.selection); err != nil {
			return domain.ViewReference{}, nil, nil, nil, "", err
		}
	}
	filter, err := domain.FilterFromJSON(json.RawMessage(f.filter))
	if err != nil {
		return domain.ViewReference{}, nil, nil, nil, "", fmt.Errorf("invalid filter: %w", err)
	}
	var sorts []domain.InstanceSort
	if f.sort != "" {
		if err := json.Unmarshal([]byte(f.sort), &sorts); err != nil {
			return domain.ViewReference{}, nil, nil, nil, "", fmt.Errorf("invalid sort: %w", err)
		}
	}
	policy := defaultPolicy
	if f.edgePolicy != "" {
		if policy, err = query.ParseEdgePolicy(f.edgePolicy); err != nil {
			return domain.ViewReference{}, nil, nil, nil, "", err
		}
	}
	return view, selection, filter, sorts, policy, nil
}

func listCmd(flags *globalFlags) *cobra.Command {
	f := &queryFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the instances of a view",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			view, selection, filter, sorts, policy, err := f.parse(a.cfg.EdgePolicy())
			if err != nil {
				return err
			}
			result, err := a.executor().List(cmd.Context(), view, selection, query.ListOptions{
				Filter:           filter,
				Sort:             sorts,
				Limit:            f.limit,
				EdgePolicy:       policy,
				KeepNotConnected: f.keepNotConnected,
			})
			if err != nil {
				return err
			}
			return writeRows(cmd.OutOrStdout(), f.output, result)
		},
	}
	f.register(cmd)
	f.registerRows(cmd)
	return cmd
}

func searchCmd(flags *globalFlags) *cobra.Command {
	f := &queryFlags{}
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Free-text search over a view",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				f.query = args[0]
			}
			a, err := newApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			view, selection, filter, sorts, policy, err := f.parse(a.cfg.EdgePolicy())
			if err != nil {
				return err
			}
			result, err := a.executor().Search(cmd.Context(), view, selection, query.SearchOptions{
				Query:            f.query,
				SearchProperties: f.properties,
				Filter:           filter,
				Sort:             sorts,
				Limit:            f.limit,
				EdgePolicy:       policy,
				KeepNotConnected: f.keepNotConnected,
			})
			if err != nil {
				return err
			}
			return writeRows(cmd.OutOrStdout(), f.output, result)
		},
	}
	f.register(cmd)
	f.registerRows(cmd)
	cmd.Flags().StringSliceVar(&f.properties, "properties", nil, "Properties to search; all text properties by default")
	return cmd
}

func aggregateCmd(flags *globalFlags) *cobra.Command {
	var (
		f          = &queryFlags{}
		aggregates []string
		histograms []string
		groupBy    []string
	)
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Compute aggregates or histograms over a view",
		RunE: func(cmd *cobra.Command, args []string) error {
			aggregations, err := parseAggregations(aggregates)
			if err != nil {
				return err
			}
			buckets, err := parseHistograms(histograms)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			view, _, filter, _, _, err := f.parse(a.cfg.EdgePolicy())
			if err != nil {
				return err
			}
			result, err := a.executor().Aggregate(cmd.Context(), view, query.AggregateOptions{
				Aggregates:       aggregations,
				Histograms:       buckets,
				GroupBy:          groupBy,
				Filter:           filter,
				Query:            f.query,
				SearchProperties: f.properties,
				Limit:            f.limit,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	f.register(cmd)
	cmd.Flags().StringArrayVar(&aggregates, "agg", nil, "Aggregate as kind:property, e.g. avg:pressure (repeatable)")
	cmd.Flags().StringArrayVar(&histograms, "histogram", nil, "Histogram as property:interval (repeatable)")
	cmd.Flags().StringSliceVar(&groupBy, "group-by", nil, "Properties to group by")
	cmd.Flags().StringVar(&f.query, "query", "", "Restrict to instances matching a free-text query")
	cmd.Flags().StringSliceVar(&f.properties, "properties", nil, "Properties the query searches")
	return cmd
}

func parseAggregations(raw []string) ([]domain.Aggregation, error) {
	out := make([]domain.Aggregation, 0, len(raw))
	for _, item := range raw {
		kind, property, ok := strings.Cut(item, ":")
		if !ok || property == "" {
			return nil, fmt.Errorf("invalid aggregate %q: expected kind:property", item)
		}
		switch domain.AggregateKind(kind) {
		case domain.AggregateCount, domain.AggregateSum, domain.AggregateMin, domain.AggregateMax, domain.AggregateAvg:
		default:
			return nil, fmt.Errorf("invalid aggregate %q: unknown kind %q", item, kind)
		}
		out = append(out, domain.Aggregation{Kind: domain.AggregateKind(kind), Property: property})
	}
	return out, nil
}

func parseHistograms(raw []string) ([]domain.Histogram, error) {
	out := make([]domain.Histogram, 0, len(raw))
	for _, item := range raw {
		idx := strings.LastIndex(item, ":")
		if idx <= 0 {
			return nil, fmt.Errorf("invalid histogram %q: expected property:interval", item)
		}
		interval, err := strconv.ParseFloat(item[idx+1:], 64)
		if err != nil || interval <= 0 {
			return nil, fmt.Errorf("invalid histogram %q: interval must be a positive number", item)
		}
		out = append(out, domain.Histogram{Property: item[:idx], Interval: interval})
	}
	return out, nil
}

// writeRows prints the result as JSON, or exports its rows when output names
// a .csv or .xlsx file.
func writeRows(w io.Writer, output string, result query.ListResult) error {
	if output == "" {
		return writeJSON(w, result)
	}
	format, err := export.ParseFormat(strings.TrimPrefix(filepath.Ext(output), "."))
	if err != nil {
		return err
	}
	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create %s: %w", output, err)
	}
	rows, err := export.Write(file, format, result.Items)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", output, err)
	}
	fmt.Fprintf(w, "wrote %d rows to %s\n", rows, output)
	return nil
}

func writeJSON(w io.Writer, payload any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}
