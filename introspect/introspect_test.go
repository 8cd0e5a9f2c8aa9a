package introspect

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/dsinspect/dsconn"
	"github.com/cockroachdb/dsinspect/metabase"
	"github.com/cockroachdb/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/sr"
)

func TestTimeoutsFor(t *testing.T) {
	ts := Timeouts{
		dsconn.KindPostgreSQL: {Connect: time.Second},
		dsconn.KindKafka:      {Connect: 2 * time.Second, Query: 3 * time.Second},
	}
	require.Equal(t, Timeout{Connect: time.Second, Query: 30 * time.Second}, ts.For(dsconn.KindPostgreSQL))
	require.Equal(t, Timeout{Connect: 2 * time.Second, Query: 3 * time.Second}, ts.For(dsconn.KindKafka))
	require.Equal(t, Timeout{Connect: 10 * time.Second, Query: 30 * time.Second}, ts.For(dsconn.KindSQLServer))
	require.Equal(t, Timeout{Connect: 5 * time.Second, Query: 10 * time.Second}, Timeouts(nil).For(dsconn.KindKafka))
}

func TestWrap(t *testing.T) {
	_, err := Wrap(dsconn.MakeFakeConn("fake", dsconn.KindPostgreSQL))
	require.Error(t, err)

	c, err := Wrap(&dsconn.KafkaConn{})
	require.NoError(t, err)
	_, err = AsStreaming(c)
	require.NoError(t, err)
	_, err = AsRelational(c)
	kind, ok := metabase.FetchErrorKindOf(err)
	require.True(t, ok)
	require.Equal(t, metabase.FetchUnsupported, kind)

	c, err = Wrap(&dsconn.MySQLConn{})
	require.NoError(t, err)
	_, err = AsRelational(c)
	require.NoError(t, err)
	_, err = AsStreaming(c)
	require.EqualError(t, err, "fetch error (unsupported): mysql sources do not have topics")
}

func TestConstraintQuery(t *testing.T) {
	q := constraintQuery("?", "?", false)
	require.Contains(t, q, "tc.table_schema = ? AND tc.table_name = ?")
	require.NotContains(t, q, "UNION ALL")

	q = constraintQuery("$1", "$2", true)
	require.Contains(t, q, "UNION ALL")
	require.Contains(t, q, "NOT LIKE '%_not_null'")
	require.Contains(t, q, "tc.table_schema = $1 AND tc.table_name = $2")
}

type fakeRows struct {
	rows [][2]string
	pos  int
	err  error
}

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos <= len(r.rows)
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.pos-1]
	*dest[0].(*string) = row[0]
	*dest[1].(*string) = row[1]
	return nil
}

func (r *fakeRows) Err() error {
	return r.err
}

func TestAssembleColumns(t *testing.T) {
	constraints, err := scanConstraints(&fakeRows{rows: [][2]string{
		{"id", "PRIMARY KEY"},
		{"id", "primary key"},
		{"email", "UNIQUE"},
		{"total", "CHECK"},
	}})
	require.NoError(t, err)

	cols, err := assembleColumns([]metabase.Column{
		{Name: "id", DataType: "int4"},
		{Name: "email", DataType: "text", Nullable: true},
		{Name: "total", DataType: "numeric(10,2)"},
		{Name: "note", DataType: "text", Nullable: true},
	}, constraints)
	require.NoError(t, err)
	require.Equal(t, []string{"PRIMARY KEY"}, cols[0].Constraints)
	require.Equal(t, []string{"UNIQUE"}, cols[1].Constraints)
	require.Equal(t, []string{"CHECK"}, cols[2].Constraints)
	require.Nil(t, cols[3].Constraints)

	_, err = assembleColumns([]metabase.Column{{Name: "a"}, {Name: "a"}}, nil)
	kind, ok := metabase.FetchErrorKindOf(err)
	require.True(t, ok)
	require.Equal(t, metabase.FetchNormalize, kind)

	_, err = scanConstraints(&fakeRows{err: errors.New("connection reset")})
	kind, ok = metabase.FetchErrorKindOf(err)
	require.True(t, ok)
	require.Equal(t, metabase.FetchQuery, kind)
}

func TestWholeTable(t *testing.T) {
	n := int64(5)
	partial := metabase.TableStructure{Name: "orders", Schema: "public", RowCount: &n}

	for _, tc := range []struct {
		desc string
		err  error
		kind metabase.FetchErrorKind
	}{
		{desc: "not found", err: notFound("public", "orders"), kind: metabase.FetchNotFound},
		{desc: "no columns", err: errNoColumns("public", "orders"), kind: metabase.FetchNormalize},
		{desc: "query failure", err: queryErr(errors.New("connection reset"), "error getting constraints"), kind: metabase.FetchQuery},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			ts, err := wholeTable(partial, tc.err)
			require.Equal(t, metabase.TableStructure{}, ts)
			kind, ok := metabase.FetchErrorKindOf(err)
			require.True(t, ok)
			require.Equal(t, tc.kind, kind)
		})
	}

	ts, err := wholeTable(partial, nil)
	require.NoError(t, err)
	require.Equal(t, partial, ts)
}

func TestRowEstimate(t *testing.T) {
	neg, zero := int64(-1), int64(0)
	require.Nil(t, rowEstimate(nil))
	require.Nil(t, rowEstimate(&neg))
	require.Equal(t, &zero, rowEstimate(&zero))
}

func TestTopicStructure(t *testing.T) {
	b := func(id int) kafka.Broker { return kafka.Broker{ID: id} }
	ts := topicStructure(kafka.Topic{
		Name: "orders",
		Partitions: []kafka.Partition{
			{ID: 1, Leader: b(2), Replicas: []kafka.Broker{b(2), b(3)}, Isr: []kafka.Broker{b(2)}},
			{ID: 0, Leader: b(1), Replicas: []kafka.Broker{b(1), b(2)}, Isr: []kafka.Broker{b(2), b(1)}},
		},
	}, []string{"billing"})
	require.Equal(t, metabase.TopicStructure{
		Name: "orders",
		Partitions: []metabase.Partition{
			{ID: 0, Leader: 1, Replicas: []int{1, 2}, ISR: []int{2, 1}},
			{ID: 1, Leader: 2, Replicas: []int{2, 3}, ISR: []int{2}},
		},
		ConsumerGroups: []string{"billing"},
	}, ts)
}

func TestGroupsByTopic(t *testing.T) {
	member := func(topics ...string) kafka.DescribeGroupsResponseMember {
		var m kafka.DescribeGroupsResponseMember
		for _, topic := range topics {
			m.MemberAssignments.Topics = append(
				m.MemberAssignments.Topics,
				kafka.GroupMemberTopic{Topic: topic, Partitions: []int{0}},
			)
		}
		return m
	}
	got := groupsByTopic([]kafka.DescribeGroupsResponseGroup{
		{GroupID: "shipping", Members: []kafka.DescribeGroupsResponseMember{member("orders"), member("orders")}},
		{GroupID: "billing", Members: []kafka.DescribeGroupsResponseMember{member("orders", "payments")}},
		{GroupID: "broken", Error: errors.New("coordinator not available"), Members: []kafka.DescribeGroupsResponseMember{member("orders")}},
		{GroupID: "idle"},
	})
	require.Equal(t, map[string][]string{
		"orders":   {"billing", "shipping"},
		"payments": {"billing"},
	}, got)
}

func TestSchemaEntry(t *testing.T) {
	e := schemaEntry(sr.SubjectSchema{
		Subject: "orders-value",
		Version: 3,
		ID:      17,
		Schema:  sr.Schema{Schema: `{"type":"string"}`},
	})
	require.Equal(t, metabase.SchemaEntry{
		Subject: "orders-value",
		Version: 3,
		ID:      17,
		Format:  "AVRO",
		Schema:  `{"type":"string"}`,
	}, e)
}

func TestFetchRegisteredSchemasWithoutRegistry(t *testing.T) {
	c := &kafkaConnector{conn: &dsconn.KafkaConn{}}
	_, err := c.FetchRegisteredSchemas(context.Background())
	kind, ok := metabase.FetchErrorKindOf(err)
	require.True(t, ok)
	require.Equal(t, metabase.FetchConfig, kind)
}

func TestRegistryErr(t *testing.T) {
	err := registryErr(&sr.ResponseError{StatusCode: 401, Message: "unauthorized"}, "listing")
	ce, ok := metabase.AsConnectionError(err)
	require.True(t, ok)
	require.Equal(t, metabase.ConnectionAuth, ce.Kind)

	err = registryErr(&sr.ResponseError{StatusCode: 500, Message: "oops"}, "listing")
	kind, ok := metabase.FetchErrorKindOf(err)
	require.True(t, ok)
	require.Equal(t, metabase.FetchQuery, kind)
}
