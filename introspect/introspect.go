// Package introspect reads schema metadata from data sources and converts
// it into the normalized model in metabase. Dispatch on the kind of source
// happens once, in Open; everything downstream works through the Connector
// interfaces.
package introspect

import (
	"context"
	"time"

	"github.com/cockroachdb/dsinspect/dsconn"
	"github.com/cockroachdb/dsinspect/metabase"
	"github.com/cockroachdb/errors"
)

// Connector is a connection to a single data source, scoped to one
// operation.
type Connector interface {
	Kind() dsconn.Kind
	Dialect() string
	// TestConnection verifies the source answers a trivial request.
	TestConnection(ctx context.Context) error
	Close(ctx context.Context) error
}

// Relational is implemented by connectors to sources which expose tables.
type Relational interface {
	Connector
	ListTables(ctx context.Context) ([]metabase.TableSummary, error)
	// FetchTableStructure returns the structure of a table. An empty schema
	// selects the dialect default. A missing table is a FetchNotFound error.
	FetchTableStructure(ctx context.Context, schema, table string) (metabase.TableStructure, error)
	// CountRows returns the exact number of rows in a table.
	CountRows(ctx context.Context, schema, table string) (int64, error)
}

// Streaming is implemented by connectors to sources which expose topics.
type Streaming interface {
	Connector
	// ListTopics returns every topic with its partitions and consumer
	// groups, ordered by name.
	ListTopics(ctx context.Context) ([]metabase.TopicStructure, error)
	FetchTopicStructure(ctx context.Context, topic string) (metabase.TopicStructure, error)
	// FetchRegisteredSchemas returns the latest schema of every subject in
	// the schema registry. It fails with FetchConfig if the source has no
	// registry configured.
	FetchRegisteredSchemas(ctx context.Context) ([]metabase.SchemaEntry, error)
}

// Opener opens connectors.
type Opener interface {
	Open(ctx context.Context, desc dsconn.Descriptor) (Connector, error)
}

// Timeout bounds the work done against a source.
type Timeout struct {
	// Connect bounds establishing the connection, including any tunnel.
	Connect time.Duration
	// Query bounds a single metadata operation.
	Query time.Duration
}

// Timeouts holds the timeout for each kind of source.
type Timeouts map[dsconn.Kind]Timeout

func DefaultTimeouts() Timeouts {
	sqlTimeout := Timeout{Connect: 10 * time.Second, Query: 30 * time.Second}
	return Timeouts{
		dsconn.KindPostgreSQL: sqlTimeout,
		dsconn.KindMySQL:      sqlTimeout,
		dsconn.KindSQLServer:  sqlTimeout,
		dsconn.KindKafka:      {Connect: 5 * time.Second, Query: 10 * time.Second},
	}
}

// For returns the timeout for kind, falling back to the defaults for any
// unset value.
func (t Timeouts) For(kind dsconn.Kind) Timeout {
	ret := t[kind]
	def := DefaultTimeouts()[kind]
	if ret.Connect <= 0 {
		ret.Connect = def.Connect
	}
	if ret.Query <= 0 {
		ret.Query = def.Query
	}
	return ret
}

// DialOpener opens connectors by connecting to the source.
type DialOpener struct {
	Timeouts Timeouts
}

var _ Opener = DialOpener{}

func (o DialOpener) Open(ctx context.Context, desc dsconn.Descriptor) (Connector, error) {
	t := o.Timeouts.For(desc.Kind)
	connectCtx, cancel := context.WithTimeout(ctx, t.Connect)
	defer cancel()
	conn, err := dsconn.Connect(connectCtx, desc, t.Connect)
	if err != nil {
		return nil, err
	}
	c, err := Wrap(conn)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}
	return c, nil
}

// Wrap returns the connector for an established connection.
func Wrap(conn dsconn.Conn) (Connector, error) {
	switch conn := conn.(type) {
	case *dsconn.PGConn:
		return &pgConnector{conn: conn}, nil
	case *dsconn.MySQLConn:
		return &mysqlConnector{conn: conn}, nil
	case *dsconn.MSSQLConn:
		return &mssqlConnector{conn: conn}, nil
	case *dsconn.KafkaConn:
		return &kafkaConnector{conn: conn}, nil
	}
	return nil, errors.AssertionFailedf("connection %T not supported", conn)
}

// AsRelational returns c as a Relational connector, or a FetchUnsupported
// error if the source does not expose tables.
func AsRelational(c Connector) (Relational, error) {
	r, ok := c.(Relational)
	if !ok {
		return nil, metabase.NewFetchErrorf(
			metabase.FetchUnsupported, "%s sources do not have tables", c.Kind(),
		)
	}
	return r, nil
}

// AsStreaming returns c as a Streaming connector, or a FetchUnsupported
// error if the source does not expose topics.
func AsStreaming(c Connector) (Streaming, error) {
	s, ok := c.(Streaming)
	if !ok {
		return nil, metabase.NewFetchErrorf(
			metabase.FetchUnsupported, "%s sources do not have topics", c.Kind(),
		)
	}
	return s, nil
}

func notFound(schema, table string) error {
	if schema == "" {
		return metabase.NewFetchErrorf(metabase.FetchNotFound, "table %s not found", table)
	}
	return metabase.NewFetchErrorf(metabase.FetchNotFound, "table %s.%s not found", schema, table)
}

func queryErr(err error, msg string) error {
	return metabase.WrapFetchError(errors.Wrap(err, msg), metabase.FetchQuery)
}

func normalizeErr(err error, msg string) error {
	return metabase.WrapFetchError(errors.Wrap(err, msg), metabase.FetchNormalize)
}

func testConnErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return metabase.NewFetchError(metabase.FetchTimeout, err)
	}
	return metabase.NewConnectionError(metabase.ConnectionHandshake, err)
}
