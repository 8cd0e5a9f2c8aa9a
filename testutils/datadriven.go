package testutils

import (
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/cockroachdb/dsinspect/metabase"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

// ParseTable reads a table declared in a datadriven command. The optional
// schema and rows arguments set the schema and catalog row count. The first
// line of input is the table name and every following line a column, as
// accepted by ParseColumn.
//
//	table source=pg schema=public rows=10
//	orders
//	id int4 not-null constraint=PRIMARY_KEY
//	total numeric(10,2) default=0
func ParseTable(t *testing.T, d *datadriven.TestData) metabase.TableStructure {
	var ts metabase.TableStructure
	if d.HasArg("schema") {
		d.ScanArgs(t, "schema", &ts.Schema)
	}
	if d.HasArg("rows") {
		var rows int
		d.ScanArgs(t, "rows", &rows)
		n := int64(rows)
		ts.RowCount = &n
	}
	lines := strings.Split(strings.TrimSpace(d.Input), "\n")
	require.NotEmpty(t, lines[0], "table name must be given")
	ts.Name = strings.TrimSpace(lines[0])
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		col, err := ParseColumn(line)
		require.NoError(t, err)
		ts.Columns = append(ts.Columns, col)
	}
	return ts
}

// ParseColumn parses `<name> <type> [not-null] [default=<d>]
// [constraint=<c>]...`. Underscores in constraint labels become spaces;
// defaults are kept as written.
func ParseColumn(line string) (metabase.Column, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return metabase.Column{}, errors.Newf("column %q needs a name and type", line)
	}
	col := metabase.Column{Name: fields[0], DataType: fields[1], Nullable: true}
	for _, f := range fields[2:] {
		k, v, _ := strings.Cut(f, "=")
		switch k {
		case "not-null":
			col.Nullable = false
		case "default":
			d := v
			col.Default = &d
		case "constraint":
			col.Constraints = append(col.Constraints, strings.ReplaceAll(v, "_", " "))
		default:
			return metabase.Column{}, errors.Newf("unknown column attribute %q", f)
		}
	}
	return col, nil
}
