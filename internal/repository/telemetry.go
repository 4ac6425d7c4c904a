package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/akave-ai/teleingest/internal/model"
)

const insertColumnCount = 6

// fixedColumns can be used directly in ORDER BY; any other order field is
// looked up inside the fields document.
var fixedColumns = map[string]struct{}{
	"id":                   {},
	model.KeyCreatedAt:     {},
	model.KeyRawData:       {},
	model.KeyParserVersion: {},
	model.KeyDataSource:    {},
}

// TelemetryRepository is the gateway to the telemetry table.
type TelemetryRepository struct {
	pool *pgxpool.Pool
}

// NewTelemetryRepository returns a TelemetryRepository using the given pool.
func NewTelemetryRepository(pool *pgxpool.Pool) *TelemetryRepository {
	return &TelemetryRepository{pool: pool}
}

// InsertTelemetry writes records in a single statement and returns the ids of
// the inserted rows, in insertion order.
func (r *TelemetryRepository) InsertTelemetry(ctx context.Context, records []model.Record) ([]int64, error) {
	if len(records) == 0 {
		return nil, nil
	}
	query, args, err := buildInsert(records)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("insert telemetry: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("insert telemetry: %w", err)
	}
	return ids, nil
}

// Query returns stored records flattened to their wire shape plus the row id.
func (r *TelemetryRepository) Query(ctx context.Context, p model.QueryParams) ([]map[string]any, error) {
	order, orderArgs := orderClause(p)
	query := fmt.Sprintf(`
		SELECT id, fields, raw_data, parser_version, data_source, parse_error, created_at
		FROM telemetry
		ORDER BY %s
		LIMIT $1 OFFSET $2`, order)

	args := append([]any{p.Limit, p.Offset}, orderArgs...)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query telemetry: %w", err)
	}
	defer rows.Close()

	list := make([]map[string]any, 0, p.Limit)
	for rows.Next() {
		var (
			id            int64
			fields        []byte
			rawData       string
			parserVersion string
			dataSource    string
			parseError    *string
			createdAt     time.Time
		)
		if err := rows.Scan(&id, &fields, &rawData, &parserVersion, &dataSource, &parseError, &createdAt); err != nil {
			return nil, fmt.Errorf("scan telemetry: %w", err)
		}
		row, err := decodeFields(fields)
		if err != nil {
			return nil, fmt.Errorf("decode fields of row %d: %w", id, err)
		}
		row["id"] = id
		row[model.KeyRawData] = rawData
		row[model.KeyParserVersion] = parserVersion
		row[model.KeyDataSource] = dataSource
		if parseError != nil {
			row[model.KeyParseError] = *parseError
		}
		row[model.KeyCreatedAt] = createdAt.UTC().Format(model.TimestampLayout)
		list = append(list, row)
	}
	return list, rows.Err()
}

// Ping checks that the store answers and the telemetry table exists.
func (r *TelemetryRepository) Ping(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `SELECT 1 FROM telemetry LIMIT 1`)
	return err
}

func buildInsert(records []model.Record) (string, []any, error) {
	var b strings.Builder
	b.WriteString(`INSERT INTO telemetry (fields, raw_data, parser_version, data_source, parse_error, created_at) VALUES `)

	args := make([]any, 0, len(records)*insertColumnCount)
	for i, rec := range records {
		fields, err := rec.FieldsJSON()
		if err != nil {
			return "", nil, fmt.Errorf("encode fields of record %d: %w", i, err)
		}
		if i > 0 {
			b.WriteString(", ")
		}
		n := i * insertColumnCount
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6)

		createdAt := rec.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		var parseError *string
		if rec.ParseError != "" {
			parseError = &rec.ParseError
		}
		args = append(args, json.RawMessage(fields), rec.RawData, rec.ParserVersion, rec.DataSource, parseError, createdAt)
	}
	b.WriteString(` RETURNING id`)
	return b.String(), args, nil
}

// orderClause renders the ORDER BY expression for p. Field names are bound as
// parameters, never interpolated.
func orderClause(p model.QueryParams) (string, []any) {
	dir := "ASC"
	if p.Descending {
		dir = "DESC"
	}
	if _, ok := fixedColumns[p.OrderBy]; ok {
		if p.OrderBy == "id" {
			return "id " + dir, nil
		}
		return fmt.Sprintf("%s %s NULLS LAST, id %s", p.OrderBy, dir, dir), nil
	}
	return fmt.Sprintf("fields -> $3 %s NULLS LAST, id %s", dir, dir), []any{p.OrderBy}
}

// decodeFields unmarshals a fields document keeping integers and floats apart.
func decodeFields(b []byte) (map[string]any, error) {
	out := make(map[string]any)
	if len(b) == 0 {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	for k, v := range raw {
		n, ok := v.(json.Number)
		if !ok {
			out[k] = v
			continue
		}
		if i, err := n.Int64(); err == nil && !strings.ContainsAny(n.String(), ".eE") {
			out[k] = i
		} else if f, err := n.Float64(); err == nil {
			out[k] = f
		} else {
			out[k] = n.String()
		}
	}
	return out, nil
}
