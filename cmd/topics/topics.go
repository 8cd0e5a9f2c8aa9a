package topics

import (
	"fmt"
	"strings"

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

func joinInts(ids []int) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = fmt.Sprint(id)
	}
	return strings.Join(s, ",")
}

func Command() *cobra.Command {
	var refresh, internal bool
	cmd := &cobra.Command{
		Use:   "topics <source id> [topic]",
		Short: "List the topics of a Kafka data source, or the partitions of one topic.",
		Args:  cobra.RangeArgs(1, 2),
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
			source := dsconn.ID(args[0])
			if len(args) == 2 {
				topic, err := svc.GetKafkaTopic(cmd.Context(), source, args[1], refresh)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (consumer groups: %s)\n", topic.Name, groupList(topic))
				t := cmdutil.NewTable(cmd.OutOrStdout(), "PARTITION", "LEADER", "REPLICAS", "ISR")
				for _, p := range topic.Partitions {
					t.Row(fmt.Sprint(p.ID), fmt.Sprint(p.Leader), joinInts(p.Replicas), joinInts(p.ISR))
				}
				return t.Flush()
			}

			topics, err := svc.GetKafkaTopics(cmd.Context(), source, refresh)
			if err != nil {
				return err
			}
			t := cmdutil.NewTable(cmd.OutOrStdout(), "TOPIC", "PARTITIONS", "CONSUMER GROUPS")
			for _, topic := range topics {
				if topic.Internal && !internal {
					continue
				}
				t.Row(topic.Name, fmt.Sprint(len(topic.Partitions)), groupList(topic))
			}
			return t.Flush()
		},
	}
	cmd.Flags().BoolVar(&internal, "internal", false, "include internal topics")
	registerFlags(cmd, &refresh)
	return cmd
}

func groupList(t metabase.TopicStructure) string {
	if len(t.ConsumerGroups) == 0 {
		return "-"
	}
	return strings.Join(t.ConsumerGroups, ",")
}

func SchemasCommand() *cobra.Command {
	var refresh, showSchema bool
	cmd := &cobra.Command{
		Use:   "schemas <source id>",
		Short: "List the latest schema of every subject in a Kafka source's schema registry.",
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
			schemas, err := svc.GetSchemaRegistrySchemas(cmd.Context(), dsconn.ID(args[0]), refresh)
			if err != nil {
				return err
			}
			if showSchema {
				for _, s := range schemas {
					fmt.Fprintf(cmd.OutOrStdout(), "%s v%d (id %d, %s):\n%s\n\n", s.Subject, s.Version, s.ID, s.Format, s.Schema)
				}
				return nil
			}
			t := cmdutil.NewTable(cmd.OutOrStdout(), "SUBJECT", "VERSION", "ID", "FORMAT")
			for _, s := range schemas {
				t.Row(s.Subject, fmt.Sprint(s.Version), fmt.Sprint(s.ID), s.Format)
			}
			return t.Flush()
		},
	}
	cmd.Flags().BoolVar(&showSchema, "show-schema", false, "print the schema text of each subject")
	registerFlags(cmd, &refresh)
	return cmd
}
