package repository

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rpattn/dmquery/internal/domain"
)

type sqlBuilder struct {
	args []any
}

func newSQLBuilder() *sqlBuilder {
	return &sqlBuilder{args: make([]any, 0)}
}

func (b *sqlBuilder) addArg(value any) int {
	b.args = append(b.args, value)
	return len(b.args)
}

func (b *sqlBuilder) placeholder(idx int) string {
	return fmt.Sprintf("$%d", idx)
}

func (b *sqlBuilder) arg(value any) string {
	return b.placeholder(b.addArg(value))
}

type columnType int

const (
	columnJSON columnType = iota
	columnText
	columnBigint
	columnIdentifier
)

// sqlTarget is the SQL side of a filter or sort path.
type sqlTarget struct {
	kind columnType
	expr string
	// pair holds the space and externalId columns of identifier metadata.
	pair [2]string
}

func (t sqlTarget) orderExpr() string {
	if t.kind == columnIdentifier {
		return t.pair[0] + " || ':' || " + t.pair[1]
	}
	return t.expr
}

func (b *sqlBuilder) target(path []string) (sqlTarget, error) {
	if len(path) == 3 {
		return sqlTarget{kind: columnJSON, expr: fmt.Sprintf("(i.properties #> %s::text[])", b.arg(path))}, nil
	}
	if len(path) != 2 {
		return sqlTarget{}, fmt.Errorf("unsupported property path %v", path)
	}
	switch path[1] {
	case "id":
		return sqlTarget{kind: columnIdentifier, pair: [2]string{"i.space", "i.external_id"}}, nil
	case "externalId":
		return sqlTarget{kind: columnText, expr: "i.external_id"}, nil
	case "space":
		return sqlTarget{kind: columnText, expr: "i.space"}, nil
	case "version":
		return sqlTarget{kind: columnBigint, expr: "i.version"}, nil
	case "createdTime":
		return sqlTarget{kind: columnBigint, expr: "i.created_time"}, nil
	case "lastUpdatedTime":
		return sqlTarget{kind: columnBigint, expr: "i.last_updated_time"}, nil
	case "type":
		return sqlTarget{kind: columnIdentifier, pair: [2]string{"i.type_space", "i.type_external_id"}}, nil
	case "startNode":
		return sqlTarget{kind: columnIdentifier, pair: [2]string{"i.start_space", "i.start_external_id"}}, nil
	case "endNode":
		return sqlTarget{kind: columnIdentifier, pair: [2]string{"i.end_space", "i.end_external_id"}}, nil
	default:
		return sqlTarget{}, fmt.Errorf("unsupported property path %v", path)
	}
}

// whereClause translates a filter tree into a boolean SQL expression over the
// instances table aliased as i.
func (b *sqlBuilder) whereClause(filter domain.Filter) (string, error) {
	switch f := filter.(type) {
	case nil:
		return "TRUE", nil
	case domain.And:
		return b.combine(f.Filters, " AND ", "TRUE")
	case domain.Or:
		return b.combine(f.Filters, " OR ", "FALSE")
	case domain.Not:
		inner, err := b.whereClause(f.Filter)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case domain.HasData:
		if len(f.Views) == 0 {
			return "TRUE", nil
		}
		parts := make([]string, 0, len(f.Views))
		for _, view := range f.Views {
			parts = append(parts, b.hasView(view))
		}
		return "(" + strings.Join(parts, " AND ") + ")", nil
	case domain.Equals:
		if f.Value == nil {
			return "", fmt.Errorf("equals filter on %v: null values are not supported", f.Property)
		}
		return b.matchAny(f.Property, []any{f.Value})
	case domain.In:
		return b.matchAny(f.Property, f.Values)
	case domain.ContainsAny:
		return b.matchAny(f.Property, f.Values)
	case domain.Exists:
		t, err := b.target(f.Property)
		if err != nil {
			return "", err
		}
		switch t.kind {
		case columnJSON:
			return fmt.Sprintf("(%s IS NOT NULL AND jsonb_typeof(%s) <> 'null')", t.expr, t.expr), nil
		case columnIdentifier:
			return t.pair[1] + " IS NOT NULL", nil
		default:
			return t.expr + " IS NOT NULL", nil
		}
	case domain.Prefix:
		t, err := b.target(f.Property)
		if err != nil {
			return "", err
		}
		value := b.arg(f.Value)
		switch t.kind {
		case columnJSON:
			return fmt.Sprintf("(jsonb_typeof(%s) = 'string' AND starts_with(%s #>> '{}', %s))", t.expr, t.expr, value), nil
		case columnText:
			return fmt.Sprintf("starts_with(%s, %s)", t.expr, value), nil
		default:
			return "", fmt.Errorf("prefix filter on %v: not a text property", f.Property)
		}
	case domain.Range:
		return b.rangeClause(f)
	default:
		return "", fmt.Errorf("unsupported filter type %T", filter)
	}
}

func (b *sqlBuilder) combine(filters []domain.Filter, op, empty string) (string, error) {
	parts := make([]string, 0, len(filters))
	for _, child := range filters {
		if child == nil {
			continue
		}
		clause, err := b.whereClause(child)
		if err != nil {
			return "", err
		}
		parts = append(parts, clause)
	}
	if len(parts) == 0 {
		return empty, nil
	}
	return "(" + strings.Join(parts, op) + ")", nil
}

func (b *sqlBuilder) hasView(view domain.ViewReference) string {
	return fmt.Sprintf("i.properties #> %s::text[] IS NOT NULL", b.arg([]string{view.Space, view.Identifier()}))
}

// sourcesClause keeps instances with data in at least one source view.
func (b *sqlBuilder) sourcesClause(sources []domain.ViewReference) string {
	if len(sources) == 0 {
		return "TRUE"
	}
	parts := make([]string, 0, len(sources))
	for _, view := range sources {
		parts = append(parts, b.hasView(view))
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

// matchAny matches when the property, or any element of a list property,
// equals one of values.
func (b *sqlBuilder) matchAny(path []string, values []any) (string, error) {
	t, err := b.target(path)
	if err != nil {
		return "", err
	}
	if len(values) == 0 {
		return "FALSE", nil
	}

	switch t.kind {
	case columnJSON:
		encoded, err := json.Marshal(jsonValues(values))
		if err != nil {
			return "", fmt.Errorf("encode filter values for %v: %w", path, err)
		}
		return fmt.Sprintf("EXISTS (SELECT 1 FROM jsonb_array_elements(%s::jsonb) AS v(value) "+
			"WHERE %s = v.value OR (jsonb_typeof(%s) = 'array' AND %s @> jsonb_build_array(v.value)))",
			b.arg(string(encoded)), t.expr, t.expr, t.expr), nil
	case columnIdentifier:
		spaces := make([]string, 0, len(values))
		externalIDs := make([]string, 0, len(values))
		for _, value := range values {
			id, ok := domain.ParseInstanceID(value)
			if !ok {
				continue
			}
			spaces = append(spaces, id.Space)
			externalIDs = append(externalIDs, id.ExternalID)
		}
		if len(spaces) == 0 {
			return "FALSE", nil
		}
		return fmt.Sprintf("(%s, %s) IN (SELECT * FROM unnest(%s::text[], %s::text[]))",
			t.pair[0], t.pair[1], b.arg(spaces), b.arg(externalIDs)), nil
	case columnBigint:
		numbers := make([]int64, 0, len(values))
		for _, value := range values {
			if number, ok := toFloat(value); ok {
				numbers = append(numbers, int64(number))
			}
		}
		return fmt.Sprintf("%s = ANY(%s::bigint[])", t.expr, b.arg(numbers)), nil
	default:
		texts := make([]string, 0, len(values))
		for _, value := range values {
			texts = append(texts, fmt.Sprint(value))
		}
		return fmt.Sprintf("%s = ANY(%s::text[])", t.expr, b.arg(texts)), nil
	}
}

func (b *sqlBuilder) rangeClause(f domain.Range) (string, error) {
	t, err := b.target(f.Property)
	if err != nil {
		return "", err
	}
	if t.kind == columnIdentifier {
		return "", fmt.Errorf("range filter on %v: identifiers are not ordered", f.Property)
	}

	bounds := []struct {
		op    string
		value any
	}{{">", f.GT}, {">=", f.GTE}, {"<", f.LT}, {"<=", f.LTE}}

	parts := make([]string, 0, len(bounds))
	for _, bound := range bounds {
		if bound.value == nil {
			continue
		}
		number, numeric := toFloat(bound.value)
		switch {
		case t.kind == columnJSON && numeric:
			parts = append(parts, fmt.Sprintf("(jsonb_typeof(%s) = 'number' AND (%s)::float8 %s %s::float8)",
				t.expr, t.expr, bound.op, b.arg(number)))
		case t.kind == columnJSON:
			parts = append(parts, fmt.Sprintf("(jsonb_typeof(%s) = 'string' AND %s #>> '{}' %s %s)",
				t.expr, t.expr, bound.op, b.arg(fmt.Sprint(bound.value))))
		case t.kind == columnBigint && numeric:
			parts = append(parts, fmt.Sprintf("%s %s %s", t.expr, bound.op, b.arg(int64(number))))
		case t.kind == columnText:
			parts = append(parts, fmt.Sprintf("%s %s %s", t.expr, bound.op, b.arg(fmt.Sprint(bound.value))))
		default:
			return "", fmt.Errorf("range filter on %v: bound %v has the wrong type", f.Property, bound.value)
		}
	}
	if len(parts) == 0 {
		return "TRUE", nil
	}
	return "(" + strings.Join(parts, " AND ") + ")", nil
}

// searchClause requires every query token to appear in one of the searched
// text properties of the view, case-insensitively.
func (b *sqlBuilder) searchClause(view domain.ViewReference, query string, properties []string) string {
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 {
		return "TRUE"
	}
	viewPath := b.arg([]string{view.Space, view.Identifier()})
	keyClause := "TRUE"
	if len(properties) > 0 {
		keyClause = fmt.Sprintf("kv.key = ANY(%s::text[])", b.arg(properties))
	}
	parts := make([]string, 0, len(tokens))
	for _, token := range tokens {
		parts = append(parts, fmt.Sprintf("EXISTS (SELECT 1 FROM jsonb_each(COALESCE(i.properties #> %s::text[], '{}'::jsonb)) AS kv(key, value) "+
			"WHERE %s AND jsonb_typeof(kv.value) = 'string' AND kv.value #>> '{}' ILIKE %s)",
			viewPath, keyClause, b.arg("%"+escapeLike(token)+"%")))
	}
	return "(" + strings.Join(parts, " AND ") + ")"
}

func (b *sqlBuilder) orderClause(sorts []domain.InstanceSort) (string, error) {
	orderings := make([]string, 0, len(sorts)+1)
	for _, sort := range sorts {
		t, err := b.target(sort.Property)
		if err != nil {
			return "", err
		}
		direction := "ASC"
		if sort.Descending() {
			direction = "DESC"
		}
		nulls := "NULLS LAST"
		if sort.NullsFirst {
			nulls = "NULLS FIRST"
		}
		orderings = append(orderings, fmt.Sprintf("%s %s %s", t.orderExpr(), direction, nulls))
	}
	orderings = append(orderings, "i.seq ASC")
	return "ORDER BY " + strings.Join(orderings, ", "), nil
}

// propertyExpr addresses a view property, or the externalId and space
// metadata, as jsonb for grouping and aggregation.
func (b *sqlBuilder) propertyExpr(view domain.ViewReference, name string) string {
	switch name {
	case "externalId":
		return "to_jsonb(i.external_id)"
	case "space":
		return "to_jsonb(i.space)"
	}
	return fmt.Sprintf("(i.properties #> %s::text[])", b.arg(view.PropertyPath(name)))
}

func numericExpr(expr string) string {
	return fmt.Sprintf("CASE WHEN jsonb_typeof(%s) = 'number' THEN (%s)::float8 END", expr, expr)
}

func (b *sqlBuilder) aggregateExpr(view domain.ViewReference, aggregation domain.Aggregation) (string, error) {
	expr := b.propertyExpr(view, aggregation.Property)
	switch aggregation.Kind {
	case domain.AggregateCount:
		return fmt.Sprintf("COUNT(NULLIF(%s, 'null'::jsonb))::float8", expr), nil
	case domain.AggregateSum:
		return fmt.Sprintf("COALESCE(SUM(%s), 0)::float8", numericExpr(expr)), nil
	case domain.AggregateMin:
		return fmt.Sprintf("MIN(%s)::float8", numericExpr(expr)), nil
	case domain.AggregateMax:
		return fmt.Sprintf("MAX(%s)::float8", numericExpr(expr)), nil
	case domain.AggregateAvg:
		return fmt.Sprintf("AVG(%s)::float8", numericExpr(expr)), nil
	default:
		return "", fmt.Errorf("unsupported aggregate %q", aggregation.Kind)
	}
}

func jsonValues(values []any) []any {
	encoded := make([]any, len(values))
	for i, value := range values {
		if id, ok := value.(domain.InstanceID); ok {
			encoded[i] = id.Dump()
			continue
		}
		if id, ok := value.(*domain.InstanceID); ok && id != nil {
			encoded[i] = id.Dump()
			continue
		}
		encoded[i] = value
	}
	return encoded
}

func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}
