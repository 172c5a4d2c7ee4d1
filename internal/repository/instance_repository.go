package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/rpattn/dmquery/internal/db"
	"github.com/rpattn/dmquery/internal/domain"
)

const defaultSQLPageLimit = 1000

const instanceColumns = "i.kind, i.space, i.external_id, i.version, i.created_time, i.last_updated_time, i.deleted_time, " +
	"i.type_space, i.type_external_id, i.start_space, i.start_external_id, i.end_space, i.end_external_id, i.properties"

// Transactor runs a function inside a transaction. *db.Connection implements it.
type Transactor interface {
	WithTx(ctx context.Context, fn func(pgx.Tx) error) error
}

// InstanceRepository is the postgres implementation of InstanceStore. Cursors
// are row offsets into the ordered result.
type InstanceRepository struct {
	db     db.DBTX
	tx     Transactor
	logger *slog.Logger
}

// NewInstanceRepository creates a postgres-backed instance store. tx may be nil,
// in which case writes run directly against exec.
func NewInstanceRepository(exec db.DBTX, tx Transactor, logger *slog.Logger) *InstanceRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &InstanceRepository{db: exec, tx: tx, logger: logger}
}

func (r *InstanceRepository) ListInstances(ctx context.Context, req domain.ListRequest) (domain.InstancePage, error) {
	offset, err := decodeOffsetCursor(req.Cursor)
	if err != nil {
		return domain.InstancePage{}, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSQLPageLimit
	}

	query, args, err := buildListQuery(req, offset, limit+1)
	if err != nil {
		return domain.InstancePage{}, err
	}
	records, err := r.queryRecords(ctx, query, args)
	if err != nil {
		return domain.InstancePage{}, fmt.Errorf("list instances: %w", err)
	}

	page := domain.InstancePage{}
	if len(records) > limit {
		records = records[:limit]
		page.NextCursor = strconv.Itoa(offset + limit)
	}
	page.Items = projectRecords(records, req.Sources)
	r.logger.Debug("postgres list",
		slog.String("instanceType", string(req.InstanceType)),
		slog.Int("offset", offset),
		slog.Int("returned", len(page.Items)))
	return page, nil
}

func (r *InstanceRepository) SearchInstances(ctx context.Context, req domain.SearchRequest) ([]domain.Record, error) {
	query, args, err := buildSearchQuery(req)
	if err != nil {
		return nil, err
	}
	records, err := r.queryRecords(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("search instances: %w", err)
	}
	return projectRecords(records, []domain.ViewReference{req.View}), nil
}

func (r *InstanceRepository) AggregateInstances(ctx context.Context, req domain.AggregateRequest) (domain.AggregateResponse, error) {
	query, args, err := buildAggregateQuery(req)
	if err != nil {
		return domain.AggregateResponse{}, err
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return domain.AggregateResponse{}, fmt.Errorf("aggregate instances: %w", err)
	}
	defer rows.Close()

	response := domain.AggregateResponse{Groups: make([]domain.AggregateGroup, 0)}
	for rows.Next() {
		groupRaw := make([][]byte, len(req.GroupBy))
		values := make([]*float64, len(req.Aggregates))
		dest := make([]any, 0, len(groupRaw)+len(values))
		for i := range groupRaw {
			dest = append(dest, &groupRaw[i])
		}
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return domain.AggregateResponse{}, fmt.Errorf("scan aggregate row: %w", err)
		}

		group := domain.AggregateGroup{Aggregates: make([]domain.AggregatedValue, len(values))}
		if len(req.GroupBy) > 0 {
			group.Group = make(map[string]any, len(req.GroupBy))
			for i, name := range req.GroupBy {
				value, err := decodeJSONValue(groupRaw[i])
				if err != nil {
					return domain.AggregateResponse{}, fmt.Errorf("decode group value %s: %w", name, err)
				}
				group.Group[name] = value
			}
		}
		for i, aggregation := range req.Aggregates {
			group.Aggregates[i] = domain.AggregatedValue{Kind: aggregation.Kind, Property: aggregation.Property, Value: values[i]}
		}
		response.Groups = append(response.Groups, group)
	}
	if err := rows.Err(); err != nil {
		return domain.AggregateResponse{}, fmt.Errorf("iterate aggregate rows: %w", err)
	}
	return response, nil
}

func (r *InstanceRepository) HistogramInstances(ctx context.Context, req domain.HistogramRequest) ([]domain.HistogramValue, error) {
	values := make([]domain.HistogramValue, 0, len(req.Histograms))
	for _, histogram := range req.Histograms {
		query, args, err := buildHistogramQuery(req, histogram)
		if err != nil {
			return nil, err
		}
		rows, err := r.db.Query(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("histogram on %s: %w", histogram.Property, err)
		}
		buckets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.HistogramBucket, error) {
			var bucket domain.HistogramBucket
			err := row.Scan(&bucket.Start, &bucket.Count)
			return bucket, err
		})
		if err != nil {
			return nil, fmt.Errorf("scan histogram on %s: %w", histogram.Property, err)
		}
		values = append(values, domain.HistogramValue{
			Property: histogram.Property,
			Interval: histogram.Interval,
			Buckets:  buckets,
		})
	}
	return values, nil
}

func (r *InstanceRepository) RetrieveViews(ctx context.Context, ids []domain.ViewReference) ([]domain.View, error) {
	if len(ids) == 0 {
		return []domain.View{}, nil
	}
	spaces := make([]string, len(ids))
	externalIDs := make([]string, len(ids))
	versions := make([]string, len(ids))
	for i, id := range ids {
		spaces[i], externalIDs[i], versions[i] = id.Space, id.ExternalID, id.Version
	}

	rows, err := r.db.Query(ctx,
		"SELECT definition FROM views WHERE (space, external_id, version) IN "+
			"(SELECT * FROM unnest($1::text[], $2::text[], $3::text[]))",
		spaces, externalIDs, versions)
	if err != nil {
		return nil, fmt.Errorf("retrieve views: %w", err)
	}
	views, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.View, error) {
		var raw []byte
		if err := row.Scan(&raw); err != nil {
			return domain.View{}, err
		}
		var view domain.View
		if err := json.Unmarshal(raw, &view); err != nil {
			return domain.View{}, fmt.Errorf("decode view definition: %w", err)
		}
		return view, nil
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve views: %w", err)
	}
	return views, nil
}

func (r *InstanceRepository) ApplyViews(ctx context.Context, views []domain.View) error {
	return r.write(ctx, func(exec db.DBTX) error {
		for _, view := range views {
			if err := view.Validate(); err != nil {
				return err
			}
			definition, err := json.Marshal(view)
			if err != nil {
				return fmt.Errorf("encode view %s: %w", view.Ref, err)
			}
			usedFor := view.UsedFor
			if usedFor == "" {
				usedFor = domain.UsedForNode
			}
			if _, err := exec.Exec(ctx,
				`INSERT INTO views (space, external_id, version, used_for, definition)
				 VALUES ($1, $2, $3, $4, $5)
				 ON CONFLICT (space, external_id, version)
				 DO UPDATE SET used_for = EXCLUDED.used_for, definition = EXCLUDED.definition, updated_at = NOW()`,
				view.Ref.Space, view.Ref.ExternalID, view.Ref.Version, string(usedFor), definition); err != nil {
				return fmt.Errorf("upsert view %s: %w", view.Ref, err)
			}
		}
		return nil
	})
}

func (r *InstanceRepository) ApplyInstances(ctx context.Context, records []domain.Record) error {
	return r.write(ctx, func(exec db.DBTX) error {
		for _, record := range records {
			if record == nil || record.ID().IsZero() {
				return errors.New("instance without identifier")
			}
			args, err := instanceArgs(record)
			if err != nil {
				return err
			}
			if _, err := exec.Exec(ctx,
				`INSERT INTO instances (kind, space, external_id, version, created_time, last_updated_time, deleted_time,
				   type_space, type_external_id, start_space, start_external_id, end_space, end_external_id, properties)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
				 ON CONFLICT (kind, space, external_id) DO UPDATE SET
				   version = EXCLUDED.version,
				   last_updated_time = EXCLUDED.last_updated_time,
				   deleted_time = EXCLUDED.deleted_time,
				   type_space = EXCLUDED.type_space,
				   type_external_id = EXCLUDED.type_external_id,
				   start_space = EXCLUDED.start_space,
				   start_external_id = EXCLUDED.start_external_id,
				   end_space = EXCLUDED.end_space,
				   end_external_id = EXCLUDED.end_external_id,
				   properties = EXCLUDED.properties`,
				args...); err != nil {
				return fmt.Errorf("upsert instance %s: %w", record.ID(), err)
			}
		}
		return nil
	})
}

func (r *InstanceRepository) write(ctx context.Context, fn func(db.DBTX) error) error {
	if r.tx == nil {
		return fn(r.db)
	}
	return r.tx.WithTx(ctx, func(tx pgx.Tx) error { return fn(tx) })
}

func (r *InstanceRepository) queryRecords(ctx context.Context, query string, args []any) ([]domain.Record, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Record, error) {
		return scanRecord(row)
	})
}

func scanRecord(row pgx.Row) (domain.Record, error) {
	var (
		raw                         domain.RawRecord
		kind                        string
		typeSpace, typeExternalID   *string
		startSpace, startExternalID *string
		endSpace, endExternalID     *string
		properties                  []byte
	)
	if err := row.Scan(&kind, &raw.Space, &raw.ExternalID,
		&raw.Version, &raw.CreatedTime, &raw.LastUpdatedTime, &raw.DeletedTime,
		&typeSpace, &typeExternalID, &startSpace, &startExternalID, &endSpace, &endExternalID,
		&properties); err != nil {
		return nil, fmt.Errorf("scan instance: %w", err)
	}
	raw.InstanceType = domain.InstanceKind(kind)
	raw.Type = optionalID(typeSpace, typeExternalID)
	raw.StartNode = optionalID(startSpace, startExternalID)
	raw.EndNode = optionalID(endSpace, endExternalID)
	if len(properties) > 0 {
		if err := json.Unmarshal(properties, &raw.Properties); err != nil {
			return nil, fmt.Errorf("decode properties of %s:%s: %w", raw.Space, raw.ExternalID, err)
		}
	}
	return raw.Record()
}

func optionalID(space, externalID *string) *domain.InstanceID {
	if externalID == nil {
		return nil
	}
	id := domain.InstanceID{ExternalID: *externalID}
	if space != nil {
		id.Space = *space
	}
	return &id
}

func instanceArgs(record domain.Record) ([]any, error) {
	properties := record.Props()
	if properties == nil {
		properties = domain.PropertyBag{}
	}
	encoded, err := json.Marshal(properties)
	if err != nil {
		return nil, fmt.Errorf("encode properties of %s: %w", record.ID(), err)
	}
	meta := record.Meta()
	args := []any{
		string(record.Kind()), record.ID().Space, record.ID().ExternalID,
		meta.Version, meta.CreatedTime, meta.LastUpdatedTime, meta.DeletedTime,
	}
	var typeID, start, end *domain.InstanceID
	switch r := record.(type) {
	case *domain.Node:
		typeID = r.Type
	case *domain.Edge:
		typeID, start, end = &r.Type, &r.StartNode, &r.EndNode
	}
	for _, id := range []*domain.InstanceID{typeID, start, end} {
		if id == nil {
			args = append(args, nil, nil)
			continue
		}
		args = append(args, id.Space, id.ExternalID)
	}
	return append(args, encoded), nil
}

func decodeJSONValue(raw []byte) (any, error) {
	if raw == nil {
		return nil, nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return value, nil
}

func decodeOffsetCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	offset, err := strconv.Atoi(cursor)
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("invalid cursor %q", cursor)
	}
	return offset, nil
}

// baseWhere renders the conditions shared by every read: kind, liveness,
// source views and the filter.
func baseWhere(b *sqlBuilder, kind domain.InstanceKind, sources []domain.ViewReference, filter domain.Filter) (string, error) {
	filterSQL, err := b.whereClause(filter)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{
		"i.kind = " + b.arg(string(kind)),
		"i.deleted_time IS NULL",
		b.sourcesClause(sources),
		filterSQL,
	}, " AND "), nil
}

func buildListQuery(req domain.ListRequest, offset, limit int) (string, []any, error) {
	b := newSQLBuilder()
	where, err := baseWhere(b, req.InstanceType, req.Sources, req.Filter)
	if err != nil {
		return "", nil, err
	}
	order, err := b.orderClause(req.Sort)
	if err != nil {
		return "", nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM instances i WHERE %s %s LIMIT %s OFFSET %s",
		instanceColumns, where, order, b.arg(limit), b.arg(offset))
	return query, b.args, nil
}

func buildSearchQuery(req domain.SearchRequest) (string, []any, error) {
	b := newSQLBuilder()
	where, err := baseWhere(b, req.InstanceType, []domain.ViewReference{req.View}, req.Filter)
	if err != nil {
		return "", nil, err
	}
	search := b.searchClause(req.View, req.Query, req.Properties)
	order, err := b.orderClause(req.Sort)
	if err != nil {
		return "", nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSQLPageLimit
	}
	query := fmt.Sprintf("SELECT %s FROM instances i WHERE %s AND %s %s LIMIT %s",
		instanceColumns, where, search, order, b.arg(limit))
	return query, b.args, nil
}

func buildAggregateQuery(req domain.AggregateRequest) (string, []any, error) {
	if len(req.Aggregates) == 0 {
		return "", nil, errors.New("aggregate request without aggregates")
	}
	b := newSQLBuilder()
	where, err := baseWhere(b, req.InstanceType, []domain.ViewReference{req.View}, req.Filter)
	if err != nil {
		return "", nil, err
	}
	where += " AND " + b.searchClause(req.View, req.Query, req.Properties)

	selects := make([]string, 0, len(req.GroupBy)+len(req.Aggregates))
	groups := make([]string, 0, len(req.GroupBy))
	for _, name := range req.GroupBy {
		expr := b.propertyExpr(req.View, name)
		selects = append(selects, expr)
		groups = append(groups, strconv.Itoa(len(groups)+1))
	}
	for _, aggregation := range req.Aggregates {
		expr, err := b.aggregateExpr(req.View, aggregation)
		if err != nil {
			return "", nil, err
		}
		selects = append(selects, expr)
	}

	query := fmt.Sprintf("SELECT %s FROM instances i WHERE %s", strings.Join(selects, ", "), where)
	if len(groups) > 0 {
		query += fmt.Sprintf(" GROUP BY %s ORDER BY %s", strings.Join(groups, ", "), strings.Join(groups, ", "))
		if req.Limit > 0 {
			query += " LIMIT " + b.arg(req.Limit)
		}
	}
	return query, b.args, nil
}

func buildHistogramQuery(req domain.HistogramRequest, histogram domain.Histogram) (string, []any, error) {
	if histogram.Interval <= 0 {
		return "", nil, fmt.Errorf("histogram on %s: interval must be positive", histogram.Property)
	}
	b := newSQLBuilder()
	where, err := baseWhere(b, req.InstanceType, []domain.ViewReference{req.View}, req.Filter)
	if err != nil {
		return "", nil, err
	}
	where += " AND " + b.searchClause(req.View, req.Query, req.Properties)

	expr := b.propertyExpr(req.View, histogram.Property)
	interval := b.arg(histogram.Interval)
	query := fmt.Sprintf("SELECT floor((%s)::float8 / %s::float8) * %s::float8 AS start, COUNT(*) "+
		"FROM instances i WHERE %s AND jsonb_typeof(%s) = 'number' GROUP BY 1 ORDER BY 1",
		expr, interval, interval, where, expr)
	if req.Limit > 0 {
		query += " LIMIT " + b.arg(req.Limit)
	}
	return query, b.args, nil
}
