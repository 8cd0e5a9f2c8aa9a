package sources

import (
	"context"
	"time"

	"github.com/cockroachdb/dsinspect/cmd/internal/cmdutil"
	"github.com/cockroachdb/dsinspect/dsconn"
	"github.com/cockroachdb/dsinspect/metabase"
	"github.com/cockroachdb/dsinspect/retry"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List and test registered data sources.",
	}
	cmd.AddCommand(listCommand(), testCommand())
	cmdutil.RegisterSourceFlags(cmd)
	cmdutil.RegisterLoggerFlags(cmd)
	return cmd
}

func listCommand() *cobra.Command {
	var contextID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List data sources, optionally of a single context.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := cmdutil.Logger()
			if err != nil {
				return err
			}
			svc, err := cmdutil.LoadService(logger)
			if err != nil {
				return err
			}
			descs, err := svc.ListDataSources(cmd.Context(), contextID)
			if err != nil {
				return err
			}
			t := cmdutil.NewTable(cmd.OutOrStdout(), "ID", "CONTEXT", "KIND", "ADDRESS", "PROXY")
			for _, d := range descs {
				proxy := "-"
				if d.Proxy != nil {
					proxy = string(d.Proxy.Type)
				}
				t.Row(string(d.ID), d.ContextID, string(d.Kind), d.Addr(), proxy)
			}
			return t.Flush()
		},
	}
	cmd.Flags().StringVar(&contextID, "context", "", "only list data sources of this context")
	return cmd
}

// retryableConnErr reports whether a failed connection test may succeed if
// attempted again. Authentication and configuration failures will not.
func retryableConnErr(err error) bool {
	if metabase.IsTimeout(err) {
		return true
	}
	ce, ok := metabase.AsConnectionError(err)
	return ok && (ce.Kind == metabase.ConnectionUnreachable || ce.Kind == metabase.ConnectionTunnel)
}

func testCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test <source id>...",
		Short: "Test connecting to data sources.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := cmdutil.Logger()
			if err != nil {
				return err
			}
			svc, err := cmdutil.LoadService(logger)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			t := cmdutil.NewTable(cmd.OutOrStdout(), "ID", "RESULT", "DURATION")
			descs, err := svc.ListDataSources(ctx, "")
			if err != nil {
				return err
			}
			var failed []string
			for _, id := range args {
				desc, ok := find(descs, dsconn.ID(id))
				if !ok {
					return errors.Newf("data source %s not found", id)
				}
				start := time.Now()
				err = retry.Do(
					ctx,
					cmdutil.RetrySettings(),
					retryableConnErr,
					func(attempt int, wait time.Duration, err error) {
						logger.Warn().Err(err).
							Str("source", id).
							Int("attempt", attempt).
							Dur("backoff", wait).
							Msg("connection test failed, retrying")
					},
					func(ctx context.Context) error {
						return svc.TestConnection(ctx, desc)
					},
				)
				result := "ok"
				if err != nil {
					result = err.Error()
					failed = append(failed, id)
				}
				t.Row(id, result, time.Since(start).Round(time.Millisecond).String())
			}
			if err := t.Flush(); err != nil {
				return err
			}
			if len(failed) > 0 {
				return errors.Newf("%d of %d connection tests failed", len(failed), len(args))
			}
			return nil
		},
	}
	cmdutil.RegisterRetryFlags(cmd)
	return cmd
}

func find(descs []dsconn.Descriptor, id dsconn.ID) (dsconn.Descriptor, bool) {
	for _, d := range descs {
		if d.ID == id {
			return d, true
		}
	}
	return dsconn.Descriptor{}, false
}
