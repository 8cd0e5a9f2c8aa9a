package introspect

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/cockroachdb-parser/pkg/sql/lexbase"
	"github.com/cockroachdb/dsinspect/dbtable"
	"github.com/cockroachdb/dsinspect/dsconn"
	"github.com/cockroachdb/dsinspect/metabase"
	"github.com/cockroachdb/dsinspect/typeconv"
	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const pgDefaultSchema = "public"

const pgExcludedSchemas = `('pg_catalog', 'information_schema', 'crdb_internal', 'pg_extension')`

// pgConnector introspects PostgreSQL and CockroachDB. CockroachDB keeps its
// row estimates in table statistics rather than pg_class.reltuples.
type pgConnector struct {
	conn *dsconn.PGConn
}

var _ Relational = (*pgConnector)(nil)

func (c *pgConnector) Kind() dsconn.Kind {
	return dsconn.KindPostgreSQL
}

func (c *pgConnector) Dialect() string {
	return c.conn.Dialect()
}

func (c *pgConnector) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

func (c *pgConnector) TestConnection(ctx context.Context) error {
	var one int
	if err := c.conn.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return testConnErr(err)
	}
	return nil
}

func (c *pgConnector) rowEstimateSelect() string {
	if c.conn.IsCockroach() {
		return `(SELECT s.estimated_row_count FROM crdb_internal.table_row_statistics s WHERE s.table_id = c.oid::INT8)`
	}
	return `c.reltuples::INT8`
}

func (c *pgConnector) ListTables(ctx context.Context) ([]metabase.TableSummary, error) {
	rows, err := c.conn.Query(
		ctx,
		`SELECT n.nspname, c.relname, `+c.rowEstimateSelect()+`
FROM pg_class c
JOIN pg_namespace n ON (c.relnamespace = n.oid)
WHERE c.relkind IN ('r', 'p')
  AND n.nspname NOT IN `+pgExcludedSchemas+`
  AND n.nspname NOT LIKE 'pg_toast%'
ORDER BY 1, 2`,
	)
	if err != nil {
		return nil, queryErr(err, "error listing tables")
	}
	defer rows.Close()

	var ret []metabase.TableSummary
	for rows.Next() {
		var ts metabase.TableSummary
		var estimate *int64
		if err := rows.Scan(&ts.Schema, &ts.Table, &estimate); err != nil {
			return nil, normalizeErr(err, "error decoding tables metadata")
		}
		ts.RowCount = rowEstimate(estimate)
		ret = append(ret, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr(err, "error collecting tables metadata")
	}
	return ret, nil
}

func (c *pgConnector) FetchTableStructure(
	ctx context.Context, schema, table string,
) (metabase.TableStructure, error) {
	return wholeTable(c.fetchTableStructure(ctx, schema, table))
}

func (c *pgConnector) fetchTableStructure(
	ctx context.Context, schema, table string,
) (metabase.TableStructure, error) {
	if schema == "" {
		schema = pgDefaultSchema
	}
	ret := metabase.TableStructure{Name: table, Schema: schema}

	var estimate *int64
	if err := c.conn.QueryRow(
		ctx,
		`SELECT `+c.rowEstimateSelect()+`
FROM pg_class c
JOIN pg_namespace n ON (c.relnamespace = n.oid)
WHERE c.relkind IN ('r', 'p') AND n.nspname = $1 AND c.relname = $2`,
		schema,
		table,
	).Scan(&estimate); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ret, notFound(schema, table)
		}
		return ret, queryErr(err, "error looking up table")
	}
	ret.RowCount = rowEstimate(estimate)

	hiddenFilter := ""
	if c.conn.IsCockroach() {
		hiddenFilter = ` AND is_hidden = 'NO'`
	}
	rows, err := c.conn.Query(
		ctx,
		`SELECT
column_name::TEXT, udt_name::TEXT, is_nullable::TEXT, column_default::TEXT,
character_maximum_length::INT8, numeric_precision::INT8, numeric_scale::INT8
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2`+hiddenFilter+`
ORDER BY ordinal_position`,
		schema,
		table,
	)
	if err != nil {
		return ret, queryErr(err, "error getting columns")
	}
	var cols []metabase.Column
	for rows.Next() {
		var name, udtName, isNullable string
		var def sql.NullString
		var charLen, numPrec, numScale sql.NullInt64
		if err := rows.Scan(&name, &udtName, &isNullable, &def, &charLen, &numPrec, &numScale); err != nil {
			rows.Close()
			return ret, normalizeErr(err, "error decoding column metadata")
		}
		mods := typeconv.Modifiers{
			Length:    nullInt64Ptr(charLen),
			Precision: nullInt64Ptr(numPrec),
			Scale:     nullInt64Ptr(numScale),
		}
		cols = append(cols, metabase.Column{
			Name:     name,
			DataType: typeconv.PGDataType(udtName, mods),
			Nullable: isNullable == "YES",
			Default:  typeconv.PGDefault(nullStringPtr(def)),
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ret, queryErr(err, "error collecting column metadata")
	}
	if len(cols) == 0 {
		return ret, errNoColumns(schema, table)
	}

	crows, err := c.conn.Query(ctx, constraintQuery("$1", "$2", true), schema, table)
	if err != nil {
		return ret, queryErr(err, "error getting constraints")
	}
	constraints, err := scanConstraints(crows)
	crows.Close()
	if err != nil {
		return ret, err
	}
	if ret.Columns, err = assembleColumns(cols, constraints); err != nil {
		return ret, err
	}
	return ret, nil
}

func (c *pgConnector) CountRows(ctx context.Context, schema, table string) (int64, error) {
	if schema == "" {
		schema = pgDefaultSchema
	}
	name := dbtable.Name{Schema: lexbase.EscapeSQLIdent(schema), Table: lexbase.EscapeSQLIdent(table)}
	var n int64
	if err := c.conn.QueryRow(ctx, "SELECT count(*) FROM "+name.SafeString()).Scan(&n); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
			return 0, notFound(schema, table)
		}
		return 0, queryErr(err, "error counting rows")
	}
	return n, nil
}
