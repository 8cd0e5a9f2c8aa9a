package introspect

import (
	"context"
	"database/sql"
	"strings"

	"github.com/cockroachdb/dsinspect/dsconn"
	"github.com/cockroachdb/dsinspect/metabase"
	"github.com/cockroachdb/dsinspect/typeconv"
	"github.com/cockroachdb/errors"
	mssql "github.com/microsoft/go-mssqldb"
)

const mssqlDefaultSchema = "dbo"

type mssqlConnector struct {
	conn *dsconn.MSSQLConn
}

var _ Relational = (*mssqlConnector)(nil)

func (c *mssqlConnector) Kind() dsconn.Kind {
	return dsconn.KindSQLServer
}

func (c *mssqlConnector) Dialect() string {
	return c.conn.Dialect()
}

func (c *mssqlConnector) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

func (c *mssqlConnector) TestConnection(ctx context.Context) error {
	if err := c.conn.PingContext(ctx); err != nil {
		return testConnErr(err)
	}
	return nil
}

func (c *mssqlConnector) ListTables(ctx context.Context) ([]metabase.TableSummary, error) {
	rows, err := c.conn.QueryContext(
		ctx,
		`SET NOCOUNT ON;
SELECT
    SCHEMA_NAME(t.schema_id) AS table_schema,
    t.name AS table_name,
    SUM(p.rows) AS row_count
FROM sys.tables t
LEFT JOIN sys.partitions p ON t.object_id = p.object_id AND p.index_id IN (0, 1)
WHERE t.is_ms_shipped = 0
GROUP BY t.schema_id, t.name
ORDER BY table_schema, table_name`,
	)
	if err != nil {
		return nil, queryErr(err, "error listing tables")
	}
	defer func() { _ = rows.Close() }()

	var ret []metabase.TableSummary
	for rows.Next() {
		var ts metabase.TableSummary
		var estimate sql.NullInt64
		if err := rows.Scan(&ts.Schema, &ts.Table, &estimate); err != nil {
			return nil, normalizeErr(err, "error decoding tables metadata")
		}
		ts.RowCount = rowEstimate(nullInt64Ptr(estimate))
		ret = append(ret, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr(err, "error collecting tables metadata")
	}
	return ret, nil
}

func (c *mssqlConnector) FetchTableStructure(
	ctx context.Context, schema, table string,
) (metabase.TableStructure, error) {
	return wholeTable(c.fetchTableStructure(ctx, schema, table))
}

func (c *mssqlConnector) fetchTableStructure(
	ctx context.Context, schema, table string,
) (metabase.TableStructure, error) {
	if schema == "" {
		schema = mssqlDefaultSchema
	}
	ret := metabase.TableStructure{Name: table, Schema: schema}
	args := []any{sql.Named("schema", schema), sql.Named("table", table)}

	var estimate sql.NullInt64
	if err := c.conn.QueryRowContext(
		ctx,
		`SELECT SUM(p.rows)
FROM sys.tables t
LEFT JOIN sys.partitions p ON t.object_id = p.object_id AND p.index_id IN (0, 1)
WHERE t.object_id = OBJECT_ID(QUOTENAME(@schema) + N'.' + QUOTENAME(@table))
GROUP BY t.object_id`,
		args...,
	).Scan(&estimate); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ret, notFound(schema, table)
		}
		return ret, queryErr(err, "error looking up table")
	}
	ret.RowCount = rowEstimate(nullInt64Ptr(estimate))

	rows, err := c.conn.QueryContext(
		ctx,
		`SELECT
column_name, data_type, is_nullable, column_default,
character_maximum_length, numeric_precision, numeric_scale
FROM information_schema.columns
WHERE table_schema = @schema AND table_name = @table
ORDER BY ordinal_position`,
		args...,
	)
	if err != nil {
		return ret, queryErr(err, "error getting columns")
	}
	var cols []metabase.Column
	for rows.Next() {
		var name, dataType, isNullable string
		var def sql.NullString
		var charLen, numPrec, numScale sql.NullInt64
		if err := rows.Scan(&name, &dataType, &isNullable, &def, &charLen, &numPrec, &numScale); err != nil {
			_ = rows.Close()
			return ret, normalizeErr(err, "error decoding column metadata")
		}
		mods := typeconv.Modifiers{
			Length:    nullInt64Ptr(charLen),
			Precision: nullInt64Ptr(numPrec),
			Scale:     nullInt64Ptr(numScale),
		}
		cols = append(cols, metabase.Column{
			Name:     name,
			DataType: typeconv.MSSQLDataType(dataType, mods),
			Nullable: isNullable == "YES",
			Default:  typeconv.MSSQLDefault(nullStringPtr(def)),
		})
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return ret, queryErr(err, "error collecting column metadata")
	}
	if len(cols) == 0 {
		return ret, errNoColumns(schema, table)
	}

	crows, err := c.conn.QueryContext(ctx, constraintQuery("@schema", "@table", true), args...)
	if err != nil {
		return ret, queryErr(err, "error getting constraints")
	}
	constraints, err := scanConstraints(crows)
	_ = crows.Close()
	if err != nil {
		return ret, err
	}
	if ret.Columns, err = assembleColumns(cols, constraints); err != nil {
		return ret, err
	}
	return ret, nil
}

func mssqlQuoteIdent(s string) string {
	return "[" + strings.ReplaceAll(s, "]", "]]") + "]"
}

func (c *mssqlConnector) CountRows(ctx context.Context, schema, table string) (int64, error) {
	if schema == "" {
		schema = mssqlDefaultSchema
	}
	var n int64
	if err := c.conn.QueryRowContext(
		ctx,
		"SELECT COUNT_BIG(*) FROM "+mssqlQuoteIdent(schema)+"."+mssqlQuoteIdent(table),
	).Scan(&n); err != nil {
		var msErr mssql.Error
		// Invalid object name.
		if errors.As(err, &msErr) && msErr.Number == 208 {
			return 0, notFound(schema, table)
		}
		return 0, queryErr(err, "error counting rows")
	}
	return n, nil
}
