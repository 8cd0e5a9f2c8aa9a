package introspect

import (
	"database/sql"
	"fmt"

	"github.com/cockroachdb/dsinspect/metabase"
	"github.com/cockroachdb/dsinspect/typeconv"
	"github.com/cockroachdb/errors"
)

// wholeTable drops a partially built structure when any part of it failed
// to resolve.
func wholeTable(ts metabase.TableStructure, err error) (metabase.TableStructure, error) {
	if err != nil {
		return metabase.TableStructure{}, err
	}
	return ts, nil
}

// rowScanner is satisfied by both pgx.Rows and *sql.Rows.
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

const keyConstraintQuery = `SELECT kcu.column_name, tc.constraint_type
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_schema = kcu.constraint_schema
  AND tc.constraint_name = kcu.constraint_name
  AND tc.table_schema = kcu.table_schema
  AND tc.table_name = kcu.table_name
WHERE tc.table_schema = %[1]s AND tc.table_name = %[2]s`

// CHECK constraints have no key columns so they are matched through
// constraint_column_usage. PostgreSQL reports NOT NULL as CHECK constraints,
// which are skipped.
const checkConstraintQuery = `SELECT ccu.column_name, tc.constraint_type
FROM information_schema.table_constraints tc
JOIN information_schema.constraint_column_usage ccu
  ON tc.constraint_schema = ccu.constraint_schema
  AND tc.constraint_name = ccu.constraint_name
WHERE tc.constraint_type = 'CHECK'
  AND tc.constraint_name NOT LIKE '%%_not_null'
  AND tc.table_schema = %[1]s AND tc.table_name = %[2]s`

// constraintQuery lists (column, constraint type) pairs of a table given the
// dialect placeholders for the schema and table.
func constraintQuery(schemaArg, tableArg string, withChecks bool) string {
	q := fmt.Sprintf(keyConstraintQuery, schemaArg, tableArg)
	if withChecks {
		q += "\nUNION ALL\n" + fmt.Sprintf(checkConstraintQuery, schemaArg, tableArg)
	}
	return q
}

func scanConstraints(rows rowScanner) (map[string][]string, error) {
	ret := make(map[string][]string)
	for rows.Next() {
		var col, typ string
		if err := rows.Scan(&col, &typ); err != nil {
			return nil, normalizeErr(err, "error decoding constraint metadata")
		}
		ret[col] = append(ret[col], typ)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr(err, "error collecting constraint metadata")
	}
	return ret, nil
}

// assembleColumns attaches constraints to columns, which must be in ordinal
// order, and checks column names are unique.
func assembleColumns(
	cols []metabase.Column, constraints map[string][]string,
) ([]metabase.Column, error) {
	seen := make(map[string]struct{}, len(cols))
	for i := range cols {
		if _, ok := seen[cols[i].Name]; ok {
			return nil, metabase.NewFetchErrorf(
				metabase.FetchNormalize, "duplicate column %q", cols[i].Name,
			)
		}
		seen[cols[i].Name] = struct{}{}
		cols[i].Constraints = typeconv.Constraints(constraints[cols[i].Name])
	}
	return cols, nil
}

func nullInt64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nullStringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

// rowEstimate treats negative catalog estimates as unknown.
func rowEstimate(n *int64) *int64 {
	if n == nil || *n < 0 {
		return nil
	}
	return n
}

func errNoColumns(schema, table string) error {
	return metabase.NewFetchError(
		metabase.FetchNormalize,
		errors.Newf("no columns visible for %s.%s", schema, table),
	)
}
