package cmdutil

import (
	"strings"

	"github.com/cockroachdb/dsinspect/dbtable"
	"github.com/spf13/cobra"
)

var tableFilter = dbtable.DefaultFilterConfig()

func RegisterNameFilterFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(
		&tableFilter.TableFilter,
		"table-filter",
		tableFilter.TableFilter,
		"POSIX regexp filter for tables to list",
	)
	cmd.PersistentFlags().StringVar(
		&tableFilter.SchemaFilter,
		"schema-filter",
		tableFilter.SchemaFilter,
		"POSIX regexp filter for schemas to list",
	)
}

func TableFilter() dbtable.FilterConfig {
	return tableFilter
}

// ParseTableName splits `schema.table`. Without a dot the schema is empty,
// selecting the source's default schema.
func ParseTableName(s string) dbtable.Name {
	schema, table, ok := strings.Cut(s, ".")
	if !ok {
		return dbtable.Name{Table: s}
	}
	return dbtable.Name{Schema: schema, Table: table}
}
