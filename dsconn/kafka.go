package dsconn

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/twmb/franz-go/pkg/sr"
)

const kafkaClientID = "dsinspect"

// Options understood by Kafka sources.
const (
	OptionSchemaRegistryUsername = "schema_registry_username"
	OptionSchemaRegistryPassword = "schema_registry_password"
)

// KafkaConn is a connection to a Kafka cluster and, if configured, its
// schema registry.
type KafkaConn struct {
	id        ID
	client    *kafka.Client
	transport *kafka.Transport
	registry  *sr.Client
}

var _ Conn = (*KafkaConn)(nil)

func ConnectKafka(ctx context.Context, desc Descriptor, dialer *Dialer) (*KafkaConn, error) {
	transport := &kafka.Transport{
		Dial:        dialer.DialContext,
		DialTimeout: dialer.timeout,
		ClientID:    kafkaClientID,
	}
	if desc.Username != "" {
		transport.SASL = plain.Mechanism{Username: desc.Username, Password: desc.Password}
	}
	c := &KafkaConn{
		id:     desc.ID,
		client: &kafka.Client{
			Addr:      kafka.TCP(desc.Addr()),
			Timeout:   dialer.timeout,
			Transport: transport,
		},
		transport: transport,
	}
	if desc.SchemaRegistryURL != "" {
		opts := []sr.ClientOpt{
			sr.URLs(desc.SchemaRegistryURL),
			sr.HTTPClient(&http.Client{
				Timeout:   registryTimeout(dialer.timeout),
				Transport: &http.Transport{DialContext: dialer.DialContext},
			}),
		}
		if u := desc.Options[OptionSchemaRegistryUsername]; u != "" {
			opts = append(opts, sr.BasicAuth(u, desc.Options[OptionSchemaRegistryPassword]))
		}
		registry, err := sr.NewClient(opts...)
		if err != nil {
			return nil, errors.Wrapf(err, "error creating schema registry client for %s", desc.ID)
		}
		c.registry = registry
	}
	if _, err := c.client.ApiVersions(ctx, &kafka.ApiVersionsRequest{}); err != nil {
		c.transport.CloseIdleConnections()
		if errors.Is(err, kafka.SASLAuthenticationFailed) {
			return nil, markAuth(err)
		}
		return nil, err
	}
	return c, nil
}

func registryTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return 2 * d
}

func (c *KafkaConn) ID() ID {
	return c.id
}

func (c *KafkaConn) Kind() Kind {
	return KindKafka
}

func (c *KafkaConn) Dialect() string {
	return "Kafka"
}

// Client returns the Kafka client.
func (c *KafkaConn) Client() *kafka.Client {
	return c.client
}

// Registry returns the schema registry client. It is nil if the source has
// no registry configured.
func (c *KafkaConn) Registry() *sr.Client {
	return c.registry
}

func (c *KafkaConn) Close(ctx context.Context) error {
	c.transport.CloseIdleConnections()
	return nil
}
