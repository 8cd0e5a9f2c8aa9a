package cmdutil

import (
	"time"

	"github.com/cockroachdb/dsinspect/dsconn"
	"github.com/cockroachdb/dsinspect/inspector"
	"github.com/cockroachdb/dsinspect/introspect"
	"github.com/cockroachdb/dsinspect/registry"
	"github.com/cockroachdb/dsinspect/retry"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

type sourcesConfig struct {
	path string

	connectTimeout      time.Duration
	queryTimeout        time.Duration
	kafkaConnectTimeout time.Duration
	kafkaQueryTimeout   time.Duration
	fetchRate           float64
}

func defaultSourcesConfig() sourcesConfig {
	d := introspect.DefaultTimeouts()
	return sourcesConfig{
		connectTimeout:      d[dsconn.KindPostgreSQL].Connect,
		queryTimeout:        d[dsconn.KindPostgreSQL].Query,
		kafkaConnectTimeout: d[dsconn.KindKafka].Connect,
		kafkaQueryTimeout:   d[dsconn.KindKafka].Query,
	}
}

var sourcesCfg = defaultSourcesConfig()

// Opener, if set, replaces connecting to real data sources.
var Opener introspect.Opener

func RegisterSourceFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(
		&sourcesCfg.path,
		"sources",
		"",
		"YAML file listing the contexts and data sources",
	)
	cmd.PersistentFlags().DurationVar(
		&sourcesCfg.connectTimeout,
		"connect-timeout",
		sourcesCfg.connectTimeout,
		"timeout for connecting to SQL sources, including any tunnel",
	)
	cmd.PersistentFlags().DurationVar(
		&sourcesCfg.queryTimeout,
		"query-timeout",
		sourcesCfg.queryTimeout,
		"timeout for a single metadata operation against SQL sources",
	)
	cmd.PersistentFlags().DurationVar(
		&sourcesCfg.kafkaConnectTimeout,
		"kafka-connect-timeout",
		sourcesCfg.kafkaConnectTimeout,
		"timeout for connecting to Kafka sources",
	)
	cmd.PersistentFlags().DurationVar(
		&sourcesCfg.kafkaQueryTimeout,
		"kafka-query-timeout",
		sourcesCfg.kafkaQueryTimeout,
		"timeout for a single metadata operation against Kafka sources",
	)
	cmd.PersistentFlags().Float64Var(
		&sourcesCfg.fetchRate,
		"fetch-rate",
		sourcesCfg.fetchRate,
		"if set, maximum number of live metadata fetches per second against each source",
	)
	if err := cmd.MarkPersistentFlagRequired("sources"); err != nil {
		panic(err)
	}
}

// Timeouts returns the timeouts configured by flags.
func Timeouts() introspect.Timeouts {
	sqlTimeout := introspect.Timeout{Connect: sourcesCfg.connectTimeout, Query: sourcesCfg.queryTimeout}
	return introspect.Timeouts{
		dsconn.KindPostgreSQL: sqlTimeout,
		dsconn.KindMySQL:      sqlTimeout,
		dsconn.KindSQLServer:  sqlTimeout,
		dsconn.KindKafka:      {Connect: sourcesCfg.kafkaConnectTimeout, Query: sourcesCfg.kafkaQueryTimeout},
	}
}

// LoadService loads the data source registry and builds the service.
func LoadService(logger zerolog.Logger) (*inspector.Service, error) {
	if sourcesCfg.path == "" {
		return nil, errors.New("--sources must be set")
	}
	reg, err := registry.LoadFile(sourcesCfg.path)
	if err != nil {
		return nil, err
	}
	timeouts := Timeouts()
	opener := Opener
	if opener == nil {
		opener = introspect.DialOpener{Timeouts: timeouts}
	}
	return inspector.New(
		reg,
		opener,
		logger,
		inspector.WithTimeouts(timeouts),
		inspector.WithFetchRate(rate.Limit(sourcesCfg.fetchRate)),
	), nil
}

var retryCfg = retry.DefaultSettings()

func RegisterRetryFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().IntVar(
		&retryCfg.MaxAttempts,
		"retries",
		retryCfg.MaxAttempts,
		"number of attempts to make before giving up",
	)
	cmd.PersistentFlags().DurationVar(
		&retryCfg.InitialBackoff,
		"retry-initial-backoff",
		retryCfg.InitialBackoff,
		"time to wait after the first failed attempt",
	)
	cmd.PersistentFlags().DurationVar(
		&retryCfg.MaxBackoff,
		"retry-max-backoff",
		retryCfg.MaxBackoff,
		"maximum time to wait between attempts",
	)
}

func RetrySettings() retry.Settings {
	return retryCfg
}
