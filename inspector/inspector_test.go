package inspector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/dsinspect/dsconn"
	"github.com/cockroachdb/dsinspect/introspect"
	"github.com/cockroachdb/dsinspect/metabase"
	"github.com/cockroachdb/dsinspect/metacache"
	"github.com/cockroachdb/dsinspect/registry"
	"github.com/cockroachdb/dsinspect/tablecompare"
	"github.com/cockroachdb/dsinspect/testutils"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc    *Service
	opener *testutils.FakeOpener
	pg     *testutils.FakeSource
	mysql  *testutils.FakeSource
	kafka  *testutils.FakeSource
}

func i64(n int64) *int64 {
	return &n
}

func column(t *testing.T, line string) metabase.Column {
	c, err := testutils.ParseColumn(line)
	require.NoError(t, err)
	return c
}

func newFixture(t *testing.T, opts ...ServiceOpt) *fixture {
	pg := testutils.NewFakeSource(dsconn.Descriptor{
		ID: "pg", ContextID: "prod", Kind: dsconn.KindPostgreSQL, Host: "pg.internal",
	})
	pg.AddTable(metabase.TableStructure{
		Name:     "orders",
		RowCount: i64(10),
		Columns: []metabase.Column{
			column(t, "id int4 not-null constraint=PRIMARY_KEY"),
			column(t, "total numeric"),
		},
	}, 10)
	mysql := testutils.NewFakeSource(dsconn.Descriptor{
		ID: "mysql", ContextID: "staging", Kind: dsconn.KindMySQL, Host: "mysql.internal", Database: "shop",
	})
	mysql.AddTable(metabase.TableStructure{
		Name: "orders",
		Columns: []metabase.Column{
			column(t, "id int4 not-null constraint=PRIMARY_KEY"),
			column(t, "total numeric not-null"),
			column(t, "note varchar(255)"),
		},
	}, 4)
	kafka := testutils.NewFakeSource(dsconn.Descriptor{
		ID: "kafka", ContextID: "prod", Kind: dsconn.KindKafka, Host: "kafka.internal",
	})
	kafka.SetTopics([]metabase.TopicStructure{
		{Name: "payments", Partitions: []metabase.Partition{{ID: 0, Leader: 1, Replicas: []int{1}, ISR: []int{1}}}},
		{Name: "orders", Partitions: []metabase.Partition{{ID: 0, Leader: 2, Replicas: []int{2}, ISR: []int{2}}}},
	})

	opener := testutils.NewFakeOpener(pg, mysql, kafka)
	reg, err := registry.NewStatic(opener.Descriptors()...)
	require.NoError(t, err)
	return &fixture{
		svc:    New(reg, opener, zerolog.New(zerolog.NewTestWriter(t)), opts...),
		opener: opener,
		pg:     pg,
		mysql:  mysql,
		kafka:  kafka,
	}
}

func requireFetchKind(t *testing.T, err error, expected metabase.FetchErrorKind) {
	t.Helper()
	require.Error(t, err)
	kind, ok := metabase.FetchErrorKindOf(err)
	require.True(t, ok, "expected fetch error, got %v", err)
	require.Equal(t, expected, kind, "%v", err)
}

func TestListDataSources(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	all, err := f.svc.ListDataSources(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)

	prod, err := f.svc.ListDataSources(ctx, "prod")
	require.NoError(t, err)
	require.Equal(t, dsconn.ID("kafka"), prod[0].ID)
	require.Equal(t, dsconn.ID("pg"), prod[1].ID)

	none, err := f.svc.ListDataSources(ctx, "unknown")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestGetTablesIsCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.GetTables(ctx, "pg", false)
	require.NoError(t, err)
	second, err := f.svc.GetTables(ctx, "pg", false)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.EqualValues(t, 1, f.pg.Fetches.Load())
	require.Equal(t, f.pg.Opens.Load(), f.pg.Closes.Load())

	_, err = f.svc.GetTables(ctx, "pg", true)
	require.NoError(t, err)
	require.EqualValues(t, 2, f.pg.Fetches.Load())
}

func TestGetTableStructureIsCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.GetTableStructure(ctx, "pg", "", "orders", false)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := f.svc.GetTableStructure(ctx, "pg", "", "orders", false)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
	require.EqualValues(t, 1, f.pg.Fetches.Load())
	require.Equal(t, f.pg.Opens.Load(), f.pg.Closes.Load())
}

func TestDottedTableNames(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pg.AddTable(metabase.TableStructure{
		Name:    "a.b",
		Columns: []metabase.Column{column(t, "dotted int8")},
	}, 0)
	f.pg.AddTable(metabase.TableStructure{
		Schema:  "a",
		Name:    "b",
		Columns: []metabase.Column{column(t, "plain int8")},
	}, 0)

	dotted, err := f.svc.GetTableStructure(ctx, "pg", "", "a.b", false)
	require.NoError(t, err)
	require.Equal(t, "a.b", dotted.Name)
	require.Equal(t, "dotted", dotted.Columns[0].Name)

	plain, err := f.svc.GetTableStructure(ctx, "pg", "a", "b", false)
	require.NoError(t, err)
	require.Equal(t, "b", plain.Name)
	require.Equal(t, "plain", plain.Columns[0].Name)
	require.EqualValues(t, 2, f.pg.Fetches.Load())
}

func TestReturnedMetadataIsACopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ts, err := f.svc.GetTableStructure(ctx, "pg", "", "orders", false)
	require.NoError(t, err)
	ts.Columns[0].DataType = "text"
	ts.Columns[0].Constraints[0] = "UNIQUE"
	*ts.RowCount = 0
	again, err := f.svc.GetTableStructure(ctx, "pg", "", "orders", false)
	require.NoError(t, err)
	require.Equal(t, "int4", again.Columns[0].DataType)
	require.Equal(t, []string{"PRIMARY KEY"}, again.Columns[0].Constraints)
	require.EqualValues(t, 10, *again.RowCount)

	tables, err := f.svc.GetTables(ctx, "pg", false)
	require.NoError(t, err)
	tables[0].Table = "renamed"
	tables, err = f.svc.GetTables(ctx, "pg", false)
	require.NoError(t, err)
	require.Equal(t, "orders", tables[0].Table)

	topics, err := f.svc.GetKafkaTopics(ctx, "kafka", false)
	require.NoError(t, err)
	topics[0].Partitions[0].Replicas[0] = 99
	topics, err = f.svc.GetKafkaTopics(ctx, "kafka", false)
	require.NoError(t, err)
	require.NotEqual(t, 99, topics[0].Partitions[0].Replicas[0])
}

func TestRefreshMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tables, err := f.svc.GetTables(ctx, "pg", false)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	_, err = f.svc.GetTableStructure(ctx, "pg", "", "orders", false)
	require.NoError(t, err)

	f.pg.AddTable(metabase.TableStructure{
		Name:    "items",
		Columns: []metabase.Column{column(t, "id int8 not-null")},
	}, 0)
	f.pg.AddTable(metabase.TableStructure{
		Name:    "orders",
		Columns: []metabase.Column{column(t, "id int8 not-null")},
	}, 0)

	// Stale until refreshed.
	tables, err = f.svc.GetTables(ctx, "pg", false)
	require.NoError(t, err)
	require.Len(t, tables, 1)

	require.NoError(t, f.svc.RefreshMetadata(ctx, "pg", metacache.KindTableList))
	tables, err = f.svc.GetTables(ctx, "pg", false)
	require.NoError(t, err)
	require.Len(t, tables, 2)
	require.Equal(t, "items", tables[0].Table)

	before := f.pg.Fetches.Load()
	ts, err := f.svc.GetTableStructure(ctx, "pg", "", "orders", false)
	require.NoError(t, err)
	require.Equal(t, "int4", ts.Columns[0].DataType)
	require.Equal(t, before, f.pg.Fetches.Load())

	require.NoError(t, f.svc.RefreshMetadata(ctx, "pg", metacache.KindTableStructure))
	ts, err = f.svc.GetTableStructure(ctx, "pg", "", "orders", false)
	require.NoError(t, err)
	require.Equal(t, "int8", ts.Columns[0].DataType)
	require.Equal(t, before+1, f.pg.Fetches.Load())
	_, err = f.svc.GetTableStructure(ctx, "pg", "", "orders", false)
	require.NoError(t, err)
	_, err = f.svc.GetTables(ctx, "pg", false)
	require.NoError(t, err)
	require.Equal(t, before+1, f.pg.Fetches.Load())

	f.pg.DropTable("public", "items")
	require.NoError(t, f.svc.RefreshMetadata(ctx, "pg"))
	tables, err = f.svc.GetTables(ctx, "pg", false)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	require.Equal(t, before+2, f.pg.Fetches.Load())

	requireFetchKind(t, f.svc.RefreshMetadata(ctx, "pg", "tables"), metabase.FetchConfig)
}

func TestConcurrentForcedGetTables(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	release := f.pg.Hold()
	defer release()

	const n = 10
	var wg sync.WaitGroup
	results := make([][]metabase.TableSummary, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.svc.GetTables(ctx, "pg", true)
		}()
	}
	require.Eventually(t, func() bool {
		return f.svc.Cache().Waiters() == n
	}, 5*time.Second, time.Millisecond)
	release()
	wg.Wait()

	require.EqualValues(t, 1, f.pg.Fetches.Load())
	require.EqualValues(t, 1, f.pg.Opens.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0], results[i])
	}
}

func TestFailedFetchIsNotCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.pg.SetFetchErr(metabase.NewFetchErrorf(metabase.FetchQuery, "permission denied"))
	_, err := f.svc.GetTables(ctx, "pg", false)
	requireFetchKind(t, err, metabase.FetchQuery)
	require.Zero(t, f.svc.Cache().Len())

	f.pg.SetFetchErr(nil)
	tables, err := f.svc.GetTables(ctx, "pg", false)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	require.EqualValues(t, 2, f.pg.Fetches.Load())
}

func TestFetchErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown source", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.GetTables(ctx, "missing", false)
		requireFetchKind(t, err, metabase.FetchConfig)
		require.True(t, errors.Is(err, registry.ErrNotFound))
	})

	t.Run("tables of a kafka source", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.GetTables(ctx, "kafka", false)
		requireFetchKind(t, err, metabase.FetchUnsupported)
		require.Zero(t, f.kafka.Opens.Load())
	})

	t.Run("topics of a relational source", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.GetKafkaTopics(ctx, "pg", false)
		requireFetchKind(t, err, metabase.FetchUnsupported)
	})

	t.Run("schemas without registry", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.GetSchemaRegistrySchemas(ctx, "kafka", false)
		requireFetchKind(t, err, metabase.FetchConfig)
		require.Zero(t, f.kafka.Opens.Load())
	})

	t.Run("missing table", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.GetTableStructure(ctx, "pg", "public", "missing", false)
		requireFetchKind(t, err, metabase.FetchNotFound)
	})

	t.Run("empty table name", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.GetTableStructure(ctx, "pg", "public", "", false)
		requireFetchKind(t, err, metabase.FetchConfig)
	})

	t.Run("auth failure", func(t *testing.T) {
		f := newFixture(t)
		f.pg.SetOpenErr(metabase.NewConnectionError(metabase.ConnectionAuth, errors.New("bad password")))
		_, err := f.svc.GetTables(ctx, "pg", false)
		requireFetchKind(t, err, metabase.FetchConnection)
		ce, ok := metabase.AsConnectionError(err)
		require.True(t, ok)
		require.Equal(t, metabase.ConnectionAuth, ce.Kind)
	})

	t.Run("query timeout", func(t *testing.T) {
		f := newFixture(t, WithTimeouts(introspect.Timeouts{
			dsconn.KindPostgreSQL: {Query: 10 * time.Millisecond},
		}))
		release := f.pg.Hold()
		defer release()
		_, err := f.svc.GetTables(ctx, "pg", false)
		requireFetchKind(t, err, metabase.FetchTimeout)
		require.True(t, metabase.IsTimeout(err))
		require.Equal(t, f.pg.Opens.Load(), f.pg.Closes.Load())
	})
}

func TestTopicsAndSchemas(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	topics, err := f.svc.GetKafkaTopics(ctx, "kafka", false)
	require.NoError(t, err)
	require.Len(t, topics, 2)
	require.Equal(t, "orders", topics[0].Name)
	require.Equal(t, "payments", topics[1].Name)

	topic, err := f.svc.GetKafkaTopic(ctx, "kafka", "payments", false)
	require.NoError(t, err)
	require.Equal(t, 1, topic.Partitions[0].Leader)
	_, err = f.svc.GetKafkaTopic(ctx, "kafka", "missing", false)
	requireFetchKind(t, err, metabase.FetchNotFound)

	f.kafka.Desc.SchemaRegistryURL = "http://registry:8081"
	f.opener.Add(f.kafka)
	reg, err := registry.NewStatic(f.opener.Descriptors()...)
	require.NoError(t, err)
	svc := New(reg, f.opener, zerolog.Nop())
	f.kafka.SetSchemas([]metabase.SchemaEntry{
		{Subject: "orders-value", Version: 2, ID: 5, Format: "AVRO", Schema: `{"type":"string"}`},
	})
	schemas, err := svc.GetSchemaRegistrySchemas(ctx, "kafka", false)
	require.NoError(t, err)
	require.Len(t, schemas, 1)
	require.Equal(t, "orders-value", schemas[0].Subject)
}

func TestCompareTables(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.CompareTables(ctx, tablecompare.Request{
		Source1: "pg",
		Source2: "mysql",
		Table:   "orders",
	})
	require.NoError(t, err)
	require.Len(t, res.Diffs, 2)
	require.Equal(t, "total", res.Diffs[0].Column)
	require.Equal(t, tablecompare.DiffModified, res.Diffs[0].Kind)
	require.Equal(t, "note", res.Diffs[1].Column)
	require.Equal(t, tablecompare.DiffAdded, res.Diffs[1].Kind)
	require.Nil(t, res.RowCountDelta)
	require.Equal(t, "shop", res.Structure2.Schema)

	res, err = f.svc.CompareTables(ctx, tablecompare.Request{
		Source1:        "pg",
		Source2:        "mysql",
		Table:          "orders",
		ExactRowCounts: true,
	})
	require.NoError(t, err)
	require.Equal(t, i64(6), res.RowCountDelta)

	f.mysql.DropTable("shop", "orders")
	require.NoError(t, f.svc.RefreshMetadata(ctx, "mysql"))
	_, err = f.svc.CompareTables(ctx, tablecompare.Request{Source1: "pg", Source2: "mysql", Table: "orders"})
	ce, ok := tablecompare.AsCompareError(err)
	require.True(t, ok)
	require.Equal(t, tablecompare.TableNotFound, ce.Kind)
	require.Equal(t, 2, ce.Side)
}

func TestTestConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	desc, err := f.svc.registry.Get(ctx, "pg")
	require.NoError(t, err)
	require.NoError(t, f.svc.TestConnection(ctx, desc))

	f.pg.SetOpenErr(metabase.NewConnectionError(metabase.ConnectionTunnel, errors.New("ssh: handshake failed")))
	err = f.svc.TestConnection(ctx, desc)
	ce, ok := metabase.AsConnectionError(err)
	require.True(t, ok)
	require.Equal(t, metabase.ConnectionTunnel, ce.Kind)

	err = f.svc.TestConnection(ctx, dsconn.Descriptor{ID: "bad", Kind: "oracle", Host: "h"})
	ce, ok = metabase.AsConnectionError(err)
	require.True(t, ok)
	require.Equal(t, metabase.ConnectionHandshake, ce.Kind)
}

func TestFetchRateLimit(t *testing.T) {
	f := newFixture(t,
		WithFetchRate(0.001),
		WithTimeouts(introspect.Timeouts{dsconn.KindPostgreSQL: {Query: 20 * time.Millisecond}}),
	)
	ctx := context.Background()
	_, err := f.svc.GetTables(ctx, "pg", true)
	require.NoError(t, err)
	// The second fetch would wait far past the query timeout.
	_, err = f.svc.GetTables(ctx, "pg", true)
	requireFetchKind(t, err, metabase.FetchTimeout)
	require.EqualValues(t, 1, f.pg.Fetches.Load())
}
