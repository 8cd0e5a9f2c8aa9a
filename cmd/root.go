package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/cockroachdb/dsinspect/cmd/compare"
	"github.com/cockroachdb/dsinspect/cmd/sources"
	"github.com/cockroachdb/dsinspect/cmd/tables"
	"github.com/cockroachdb/dsinspect/cmd/topics"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "dsinspect",
		Short: "Inspect and compare metadata across data sources",
		Long: `dsinspect reads table and topic metadata from PostgreSQL, CockroachDB, MySQL,
SQL Server and Kafka data sources, and compares table structures across them.`,
		SilenceUsage: true,
	}
	root.AddCommand(
		sources.Command(),
		tables.Command(),
		tables.DescribeCommand(),
		topics.Command(),
		topics.SchemasCommand(),
		compare.Command(),
	)
	return root
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
