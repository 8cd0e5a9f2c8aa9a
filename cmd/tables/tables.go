package tables

import (
	"fmt"

	"github.com/cockroachdb/dsinspect/cmd/internal/cmdutil"
	"github.com/cockroachdb/dsinspect/dsconn"
	"github.com/cockroachdb/dsinspect/metabase"
	"github.com/spf13/cobra"
)

func registerFlags(cmd *cobra.Command, refresh *bool) {
	cmd.PersistentFlags().BoolVar(refresh, "refresh", false, "bypass the metadata cache")
	cmdutil.RegisterSourceFlags(cmd)
	cmdutil.RegisterLoggerFlags(cmd)
	cmdutil.RegisterMetricsFlags(cmd)
}

func Command() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "tables <source id>",
		Short: "List the tables of a SQL data source.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := cmdutil.Logger()
			if err != nil {
				return err
			}
			cmdutil.RunMetricsServer(cmd.Context(), logger)
			svc, err := cmdutil.LoadService(logger)
			if err != nil {
				return err
			}
			filter, err := cmdutil.TableFilter().Filter()
			if err != nil {
				return err
			}
			tables, err := svc.GetTables(cmd.Context(), dsconn.ID(args[0]), refresh)
			if err != nil {
				return err
			}
			t := cmdutil.NewTable(cmd.OutOrStdout(), "SCHEMA", "TABLE", "ESTIMATED ROWS")
			for _, tbl := range tables {
				if !filter(tbl.Name) {
					continue
				}
				t.Row(tbl.Schema, tbl.Table, metabase.FormatRowCount(tbl.RowCount))
			}
			return t.Flush()
		},
	}
	registerFlags(cmd, &refresh)
	cmdutil.RegisterNameFilterFlags(cmd)
	return cmd
}

func DescribeCommand() *cobra.Command {
	var refresh, exact bool
	cmd := &cobra.Command{
		Use:   "describe <source id> <[schema.]table>",
		Short: "Show the normalized structure of a table.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := cmdutil.Logger()
			if err != nil {
				return err
			}
			cmdutil.RunMetricsServer(cmd.Context(), logger)
			svc, err := cmdutil.LoadService(logger)
			if err != nil {
				return err
			}
			source, name := dsconn.ID(args[0]), cmdutil.ParseTableName(args[1])
			ts, err := svc.GetTableStructure(cmd.Context(), source, name.Schema, name.Table, refresh)
			if err != nil {
				return err
			}
			rows := "estimated rows: " + metabase.FormatRowCount(ts.RowCount)
			if exact {
				n, err := svc.CountRows(cmd.Context(), source, ts.Schema, ts.Name)
				if err != nil {
					return err
				}
				rows = fmt.Sprintf("rows: %d", n)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", ts.QualifiedName(), rows)
			t := cmdutil.NewTable(cmd.OutOrStdout(), "COLUMN", "TYPE", "NULLABLE", "DEFAULT", "CONSTRAINTS")
			for _, c := range ts.Columns {
				def := "-"
				if c.Default != nil {
					def = *c.Default
				}
				constraints := "-"
				if len(c.Constraints) > 0 {
					constraints = fmt.Sprint(c.Constraints)
				}
				t.Row(c.Name, c.DataType, fmt.Sprint(c.Nullable), def, constraints)
			}
			return t.Flush()
		},
	}
	cmd.Flags().BoolVar(&exact, "exact-row-count", false, "count rows instead of using the catalog estimate")
	registerFlags(cmd, &refresh)
	return cmd
}
