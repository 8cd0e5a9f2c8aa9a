package introspect

import (
	"context"
	"database/sql"
	"strings"

	"github.com/cockroachdb/dsinspect/dsconn"
	"github.com/cockroachdb/dsinspect/metabase"
	"github.com/cockroachdb/dsinspect/typeconv"
	"github.com/cockroachdb/errors"
	"github.com/go-sql-driver/mysql"
)

const mysqlExcludedSchemas = `('mysql', 'information_schema', 'performance_schema', 'sys')`

// mysqlConnector introspects MySQL. The database of the source acts as the
// schema.
type mysqlConnector struct {
	conn *dsconn.MySQLConn
}

var _ Relational = (*mysqlConnector)(nil)

func (c *mysqlConnector) Kind() dsconn.Kind {
	return dsconn.KindMySQL
}

func (c *mysqlConnector) Dialect() string {
	return c.conn.Dialect()
}

func (c *mysqlConnector) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

func (c *mysqlConnector) TestConnection(ctx context.Context) error {
	if err := c.conn.PingContext(ctx); err != nil {
		return testConnErr(err)
	}
	return nil
}

func (c *mysqlConnector) ListTables(ctx context.Context) ([]metabase.TableSummary, error) {
	// Without a database selected every user schema is listed.
	rows, err := c.conn.QueryContext(
		ctx,
		`SELECT table_schema, table_name, table_rows FROM information_schema.tables
WHERE table_schema = COALESCE(database(), table_schema)
  AND table_schema NOT IN `+mysqlExcludedSchemas+`
  AND table_type = 'BASE TABLE'
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

func (c *mysqlConnector) resolveSchema(ctx context.Context, schema string) (string, error) {
	if schema != "" {
		return schema, nil
	}
	if db := c.conn.Database(); db != "" {
		return db, nil
	}
	var db sql.NullString
	if err := c.conn.QueryRowContext(ctx, "SELECT database()").Scan(&db); err != nil {
		return "", queryErr(err, "error determining current database")
	}
	if !db.Valid || db.String == "" {
		return "", metabase.NewFetchErrorf(
			metabase.FetchConfig, "no schema given and source %s has no database", c.conn.ID(),
		)
	}
	return db.String, nil
}

func (c *mysqlConnector) FetchTableStructure(
	ctx context.Context, schema, table string,
) (metabase.TableStructure, error) {
	return wholeTable(c.fetchTableStructure(ctx, schema, table))
}

func (c *mysqlConnector) fetchTableStructure(
	ctx context.Context, schema, table string,
) (metabase.TableStructure, error) {
	schema, err := c.resolveSchema(ctx, schema)
	if err != nil {
		return metabase.TableStructure{}, err
	}
	ret := metabase.TableStructure{Name: table, Schema: schema}

	var estimate sql.NullInt64
	if err := c.conn.QueryRowContext(
		ctx,
		`SELECT table_rows FROM information_schema.tables
WHERE table_schema = ? AND table_name = ? AND table_type = 'BASE TABLE'`,
		schema,
		table,
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
column_name, data_type, column_type, is_nullable, column_default, extra
FROM information_schema.columns
WHERE table_schema = ? AND table_name = ?
ORDER BY ordinal_position`,
		schema,
		table,
	)
	if err != nil {
		return ret, queryErr(err, "error getting columns")
	}
	var cols []metabase.Column
	for rows.Next() {
		var cn, dt, ct, isNullable, extra string
		var def sql.NullString
		if err := rows.Scan(&cn, &dt, &ct, &isNullable, &def, &extra); err != nil {
			_ = rows.Close()
			return ret, normalizeErr(err, "error decoding column metadata")
		}
		cols = append(cols, metabase.Column{
			Name:     cn,
			DataType: typeconv.MySQLDataType(dt, ct),
			Nullable: isNullable == "YES",
			Default:  typeconv.MySQLDefault(nullStringPtr(def), dt, extra),
		})
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return ret, queryErr(err, "error collecting column metadata")
	}
	if len(cols) == 0 {
		return ret, errNoColumns(schema, table)
	}

	// MySQL has no constraint_column_usage, so CHECK constraints are not
	// attributed to columns.
	crows, err := c.conn.QueryContext(ctx, constraintQuery("?", "?", false), schema, table)
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

func mysqlQuoteIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

func (c *mysqlConnector) CountRows(ctx context.Context, schema, table string) (int64, error) {
	schema, err := c.resolveSchema(ctx, schema)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := c.conn.QueryRowContext(
		ctx,
		"SELECT COUNT(*) FROM "+mysqlQuoteIdent(schema)+"."+mysqlQuoteIdent(table),
	).Scan(&n); err != nil {
		var myErr *mysql.MySQLError
		// ER_NO_SUCH_TABLE
		if errors.As(err, &myErr) && myErr.Number == 1146 {
			return 0, notFound(schema, table)
		}
		return 0, queryErr(err, "error counting rows")
	}
	return n, nil
}
