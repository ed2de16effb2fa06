package store

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// Row is one result of Query keyed by column name. Values are the driver's
// native types: int64, float64, string, []byte, time.Time or nil.
type Row map[string]any

type tableSpec struct {
	columns  []string
	conflict []string // unique key used by Upsert
	timeCol  string   // column Filter.Since and Filter.Until apply to
}

// tables is the allow-list of identifiers Upsert and Query may touch.
var tables = map[string]tableSpec{
	"observations": {
		columns:  []string{"station_id", "observed_at", "pressure", "temperature", "sky_condition", "humidity", "wind_dir", "wind_speed", "visibility", "quality_flags"},
		conflict: []string{"station_id", "observed_at"},
		timeCol:  "observed_at",
	},
	"metar": {
		columns:  metarColumns,
		conflict: []string{"station_id", "observed_at"},
		timeCol:  "observed_at",
	},
	"metar_distribution": {
		columns:  append([]string{"window_id", "created_at"}, metarColumns...),
		conflict: []string{"window_id", "station_id", "observed_at"},
		timeCol:  "created_at",
	},
	"forecast": {
		columns:  []string{"city", "state", "issued_at", "date", "sky_condition", "temp_min", "temp_max", "uv_index"},
		conflict: []string{"city", "issued_at", "date"},
		timeCol:  "date",
	},
	"predictions": {
		columns:  []string{"station_id", "run_id", "issued_at", "target_date", "temp_max", "temp_min", "max_training_run_id", "min_training_run_id"},
		conflict: []string{"station_id", "run_id"},
		timeCol:  "issued_at",
	},
	"pipeline_runs": {
		columns:  []string{"run_id", "flow", "started_at", "finished_at", "stage", "status", "failure_reason", "drifted", "retrained", "retrain_errors"},
		conflict: []string{"run_id"},
		timeCol:  "started_at",
	},
	"stations": {
		columns:  []string{"station_id", "name", "city", "state", "active"},
		conflict: []string{"station_id"},
	},
	"sky_codes": {
		columns:  []string{"condition", "code", "version"},
		conflict: []string{"condition"},
	},
}

var metarColumns = []string{
	"station_id", "observed_at", "day", "month", "year", "pressure", "temperature", "sky_code",
	"humidity", "wind_dir_sin", "wind_dir_cos", "wind_speed", "visibility",
}

// Filter narrows a Query. Zero fields are ignored.
type Filter struct {
	Equals  map[string]any
	Since   time.Time // inclusive, on the table's time column
	Until   time.Time // inclusive, on the table's time column
	OrderBy string
	Desc    bool
	Limit   int
}

func lookupTable(table string, columns []string) (tableSpec, error) {
	spec, ok := tables[table]
	if !ok {
		return tableSpec{}, fmt.Errorf("%w: table %q is not allowed", ErrPersistence, table)
	}
	for _, c := range columns {
		if !slices.Contains(spec.columns, c) {
			return tableSpec{}, fmt.Errorf("%w: column %q is not allowed on %s", ErrPersistence, c, table)
		}
	}
	return spec, nil
}

// Upsert writes rows, each aligned with columns, replacing existing rows
// that share the table's unique key. It reports whether anything changed.
// All rows are written in one transaction.
func (s *Store) Upsert(ctx context.Context, table string, columns []string, rows [][]any) (bool, error) {
	spec, err := lookupTable(table, columns)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	for _, k := range spec.conflict {
		if !slices.Contains(columns, k) {
			return false, fmt.Errorf("%w: upsert into %s needs key column %q", ErrPersistence, table, k)
		}
	}

	var updates []string
	for _, c := range columns {
		if !slices.Contains(spec.conflict, c) {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	onConflict := "DO NOTHING"
	if len(updates) > 0 {
		onConflict = "DO UPDATE SET " + strings.Join(updates, ", ")
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) %s",
		table,
		strings.Join(columns, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", "),
		strings.Join(spec.conflict, ", "),
		onConflict,
	)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, persistErr("begin upsert "+table, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return false, persistErr("prepare upsert "+table, err)
	}
	defer stmt.Close()

	var affected int64
	for i, row := range rows {
		if len(row) != len(columns) {
			return false, fmt.Errorf("%w: row %d has %d values for %d columns", ErrPersistence, i, len(row), len(columns))
		}
		res, err := stmt.ExecContext(ctx, row...)
		if err != nil {
			return false, persistErr(fmt.Sprintf("upsert %s row %d", table, i), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, persistErr("rows affected", err)
		}
		affected += n
	}

	if err := tx.Commit(); err != nil {
		return false, persistErr("commit upsert "+table, err)
	}
	return affected > 0, nil
}

// Query reads columns from table. Every identifier, including filter and
// order columns, is checked against the allow-list; values are bound as
// parameters.
func (s *Store) Query(ctx context.Context, table string, columns []string, f Filter) ([]Row, error) {
	spec, err := lookupTable(table, columns)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: query on %s selects no columns", ErrPersistence, table)
	}

	var (
		where []string
		args  []any
	)
	keys := make([]string, 0, len(f.Equals))
	for k := range f.Equals {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if !slices.Contains(spec.columns, k) {
			return nil, fmt.Errorf("%w: filter column %q is not allowed on %s", ErrPersistence, k, table)
		}
		where = append(where, k+" = ?")
		args = append(args, f.Equals[k])
	}
	if !f.Since.IsZero() || !f.Until.IsZero() {
		if spec.timeCol == "" {
			return nil, fmt.Errorf("%w: %s has no time column", ErrPersistence, table)
		}
		if !f.Since.IsZero() {
			where = append(where, spec.timeCol+" >= ?")
			args = append(args, f.Since.UTC())
		}
		if !f.Until.IsZero() {
			where = append(where, spec.timeCol+" <= ?")
			args = append(args, f.Until.UTC())
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(columns, ", "), table)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	orderBy := f.OrderBy
	if orderBy == "" {
		orderBy = spec.timeCol
	}
	if orderBy != "" {
		if !slices.Contains(spec.columns, orderBy) {
			return nil, fmt.Errorf("%w: order column %q is not allowed on %s", ErrPersistence, orderBy, table)
		}
		dir := "ASC"
		if f.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&b, " ORDER BY %s %s", orderBy, dir)
	}
	if f.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, persistErr("query "+table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		vals := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, persistErr("scan "+table, err)
		}
		r := make(Row, len(columns))
		for i, c := range columns {
			r[c] = vals[i]
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate "+table, err)
	}
	return out, nil
}

func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func (r Row) Float(col string) float64 {
	switch v := r[col].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return 0
	}
}

// NullableFloat is Float with NULL read as NaN.
func (r Row) NullableFloat(col string) float64 {
	if r[col] == nil {
		return math.NaN()
	}
	return r.Float(col)
}

func (r Row) Int(col string) int {
	switch v := r[col].(type) {
	case int64:
		return int(v)
	case float64:
		return int(v)
	case bool:
		if v {
			return 1
		}
		return 0
	default:
		return 0
	}
}

func (r Row) Time(col string) time.Time {
	if v, ok := r[col].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
