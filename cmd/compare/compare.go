package compare

import (
	"github.com/cockroachdb/dsinspect/cmd/internal/cmdutil"
	"github.com/cockroachdb/dsinspect/dsconn"
	"github.com/cockroachdb/dsinspect/report"
	"github.com/cockroachdb/dsinspect/tablecompare"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

func Command() *cobra.Command {
	var (
		schema1        string
		schema2        string
		exactRowCounts bool
		failOnDiff     bool
	)

	cmd := &cobra.Command{
		Use:   "compare <source id 1> <source id 2> <table>",
		Short: "Compare the structure of a table on two data sources.",
		Long: `Compare fetches the normalized structure of a table from two data sources and
reports every column which was added, removed or modified relative to the first.`,
		Args: cobra.ExactArgs(3),
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

			reporter := report.CombinedReporter{}
			reporter.Reporters = append(
				reporter.Reporters,
				report.LogReporter{Logger: logger},
				report.NewTextReporter(cmd.OutOrStdout()),
			)
			defer reporter.Close()

			name := cmdutil.ParseTableName(args[2])
			req := tablecompare.Request{
				Source1:        dsconn.ID(args[0]),
				Source2:        dsconn.ID(args[1]),
				Schema1:        schema1,
				Schema2:        schema2,
				Table:          name.Table,
				ExactRowCounts: exactRowCounts,
			}
			if name.Schema != "" {
				if req.Schema1 == "" {
					req.Schema1 = name.Schema
				}
				if req.Schema2 == "" {
					req.Schema2 = name.Schema
				}
			}
			res, err := svc.CompareTables(cmd.Context(), req)
			if err != nil {
				return errors.Wrapf(err, "error comparing %s", args[2])
			}
			report.Result(reporter, res)
			if failOnDiff && !res.Identical() {
				return errors.Newf("%s differs between %s and %s", args[2], req.Source1, req.Source2)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(
		&schema1,
		"schema1",
		"",
		"schema of the table on the first source (defaults to the dialect default)",
	)
	cmd.PersistentFlags().StringVar(
		&schema2,
		"schema2",
		"",
		"schema of the table on the second source (defaults to the dialect default)",
	)
	cmd.PersistentFlags().BoolVar(
		&exactRowCounts,
		"exact-row-counts",
		false,
		"count rows on both sides instead of using catalog estimates",
	)
	cmd.PersistentFlags().BoolVar(
		&failOnDiff,
		"fail-on-diff",
		false,
		"exit with an error if the structures differ",
	)
	cmdutil.RegisterSourceFlags(cmd)
	cmdutil.RegisterLoggerFlags(cmd)
	cmdutil.RegisterMetricsFlags(cmd)
	return cmd
}
