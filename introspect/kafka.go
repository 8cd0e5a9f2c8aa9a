package introspect

import (
	"context"
	"net"
	"net/http"
	"sort"
	"sync"

	"github.com/cockroachdb/dsinspect/dsconn"
	"github.com/cockroachdb/dsinspect/metabase"
	"github.com/cockroachdb/errors"
	"github.com/segmentio/kafka-go"
	"github.com/twmb/franz-go/pkg/sr"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentSubjectFetches bounds the requests made to the schema
// registry at once.
const maxConcurrentSubjectFetches = 8

// kafkaConnector introspects a Kafka cluster and its schema registry.
type kafkaConnector struct {
	conn *dsconn.KafkaConn

	groupsOnce sync.Once
	groups     map[string][]string
	groupsErr  error
}

var _ Streaming = (*kafkaConnector)(nil)

func (c *kafkaConnector) Kind() dsconn.Kind {
	return dsconn.KindKafka
}

func (c *kafkaConnector) Dialect() string {
	return c.conn.Dialect()
}

func (c *kafkaConnector) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

func (c *kafkaConnector) TestConnection(ctx context.Context) error {
	if _, err := c.conn.Client().ApiVersions(ctx, &kafka.ApiVersionsRequest{}); err != nil {
		return testConnErr(err)
	}
	return nil
}

func (c *kafkaConnector) ListTopics(ctx context.Context) ([]metabase.TopicStructure, error) {
	meta, err := c.conn.Client().Metadata(ctx, &kafka.MetadataRequest{})
	if err != nil {
		return nil, kafkaErr(err, "error fetching cluster metadata")
	}
	groups, err := c.topicGroups(ctx)
	if err != nil {
		return nil, err
	}
	ret := make([]metabase.TopicStructure, 0, len(meta.Topics))
	for _, t := range meta.Topics {
		if t.Error != nil {
			return nil, kafkaErr(t.Error, "error fetching metadata for topic "+t.Name)
		}
		ret = append(ret, topicStructure(t, groups[t.Name]))
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Name < ret[j].Name })
	return ret, nil
}

func (c *kafkaConnector) FetchTopicStructure(
	ctx context.Context, topic string,
) (metabase.TopicStructure, error) {
	meta, err := c.conn.Client().Metadata(ctx, &kafka.MetadataRequest{Topics: []string{topic}})
	if err != nil {
		return metabase.TopicStructure{}, kafkaErr(err, "error fetching topic metadata")
	}
	var found *kafka.Topic
	for i := range meta.Topics {
		if meta.Topics[i].Name == topic {
			found = &meta.Topics[i]
			break
		}
	}
	if found == nil || errors.Is(found.Error, kafka.UnknownTopicOrPartition) {
		return metabase.TopicStructure{}, metabase.NewFetchErrorf(
			metabase.FetchNotFound, "topic %s not found", topic,
		)
	}
	if found.Error != nil {
		return metabase.TopicStructure{}, kafkaErr(found.Error, "error fetching topic metadata")
	}
	groups, err := c.topicGroups(ctx)
	if err != nil {
		return metabase.TopicStructure{}, err
	}
	return topicStructure(*found, groups[topic]), nil
}

// topicGroups maps each topic to the consumer groups with a member assigned
// to it. It is computed once per connector.
func (c *kafkaConnector) topicGroups(ctx context.Context) (map[string][]string, error) {
	c.groupsOnce.Do(func() {
		c.groups, c.groupsErr = c.fetchTopicGroups(ctx)
	})
	return c.groups, c.groupsErr
}

func (c *kafkaConnector) fetchTopicGroups(ctx context.Context) (map[string][]string, error) {
	listed, err := c.conn.Client().ListGroups(ctx, &kafka.ListGroupsRequest{})
	if err != nil {
		return nil, kafkaErr(err, "error listing consumer groups")
	}
	if listed.Error != nil {
		return nil, kafkaErr(listed.Error, "error listing consumer groups")
	}
	if len(listed.Groups) == 0 {
		return map[string][]string{}, nil
	}
	ids := make([]string, 0, len(listed.Groups))
	for _, g := range listed.Groups {
		ids = append(ids, g.GroupID)
	}
	described, err := c.conn.Client().DescribeGroups(ctx, &kafka.DescribeGroupsRequest{GroupIDs: ids})
	if err != nil {
		return nil, kafkaErr(err, "error describing consumer groups")
	}
	return groupsByTopic(described.Groups), nil
}

// groupsByTopic inverts group member assignments into a sorted list of
// groups per topic. Groups which failed to describe are skipped.
func groupsByTopic(groups []kafka.DescribeGroupsResponseGroup) map[string][]string {
	seen := make(map[string]map[string]struct{})
	for _, g := range groups {
		if g.Error != nil {
			continue
		}
		for _, m := range g.Members {
			for _, t := range m.MemberAssignments.Topics {
				if seen[t.Topic] == nil {
					seen[t.Topic] = make(map[string]struct{})
				}
				seen[t.Topic][g.GroupID] = struct{}{}
			}
		}
	}
	ret := make(map[string][]string, len(seen))
	for topic, ids := range seen {
		for id := range ids {
			ret[topic] = append(ret[topic], id)
		}
		sort.Strings(ret[topic])
	}
	return ret
}

func topicStructure(t kafka.Topic, groups []string) metabase.TopicStructure {
	ret := metabase.TopicStructure{
		Name:           t.Name,
		Internal:       t.Internal,
		Partitions:     make([]metabase.Partition, 0, len(t.Partitions)),
		ConsumerGroups: groups,
	}
	for _, p := range t.Partitions {
		ret.Partitions = append(ret.Partitions, metabase.Partition{
			ID:       p.ID,
			Leader:   p.Leader.ID,
			Replicas: brokerIDs(p.Replicas),
			ISR:      brokerIDs(p.Isr),
		})
	}
	sort.Slice(ret.Partitions, func(i, j int) bool {
		return ret.Partitions[i].ID < ret.Partitions[j].ID
	})
	return ret
}

// brokerIDs keeps the order reported by the cluster; the first replica is
// the preferred leader.
func brokerIDs(brokers []kafka.Broker) []int {
	ret := make([]int, len(brokers))
	for i, b := range brokers {
		ret[i] = b.ID
	}
	return ret
}

func (c *kafkaConnector) FetchRegisteredSchemas(ctx context.Context) ([]metabase.SchemaEntry, error) {
	reg := c.conn.Registry()
	if reg == nil {
		return nil, metabase.NewFetchErrorf(
			metabase.FetchConfig, "source %s has no schema registry configured", c.conn.ID(),
		)
	}
	subjects, err := reg.Subjects(ctx)
	if err != nil {
		return nil, registryErr(err, "error listing schema registry subjects")
	}
	sort.Strings(subjects)

	ret := make([]metabase.SchemaEntry, len(subjects))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentSubjectFetches)
	for i, subject := range subjects {
		i, subject := i, subject
		g.Go(func() error {
			ss, err := reg.SchemaByVersion(gCtx, subject, -1)
			if err != nil {
				return registryErr(err, "error fetching latest schema for subject "+subject)
			}
			ret[i] = schemaEntry(ss)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ret, nil
}

func schemaEntry(ss sr.SubjectSchema) metabase.SchemaEntry {
	return metabase.SchemaEntry{
		Subject: ss.Subject,
		Version: ss.Version,
		ID:      ss.ID,
		Format:  ss.Type.String(),
		Schema:  ss.Schema.Schema,
	}
}

func kafkaErr(err error, msg string) error {
	var netErr net.Error
	if errors.As(err, &netErr) && !errors.Is(err, context.DeadlineExceeded) {
		return metabase.NewFetchError(
			metabase.FetchConnection,
			metabase.NewConnectionError(metabase.ConnectionUnreachable, errors.Wrap(err, msg)),
		)
	}
	return queryErr(err, msg)
}

func registryErr(err error, msg string) error {
	var respErr *sr.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return metabase.NewFetchError(
				metabase.FetchConnection,
				metabase.NewConnectionError(metabase.ConnectionAuth, errors.Wrap(err, msg)),
			)
		}
	}
	return kafkaErr(err, msg)
}
