// Package inspector is the operation surface: it resolves data sources,
// serves metadata through the cache and runs comparisons.
package inspector

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/dsinspect/dsconn"
	"github.com/cockroachdb/dsinspect/introspect"
	"github.com/cockroachdb/dsinspect/metabase"
	"github.com/cockroachdb/dsinspect/metacache"
	"github.com/cockroachdb/dsinspect/registry"
	"github.com/cockroachdb/dsinspect/tablecompare"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	liveFetchesMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dsinspect",
		Name:      "live_fetches_total",
		Help:      "Live metadata fetches against data sources.",
	}, []string{"kind"})
	liveFetchErrorsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dsinspect",
		Name:      "live_fetch_errors_total",
		Help:      "Failed live metadata fetches by error kind.",
	}, []string{"kind", "error"})
	liveFetchDurationMetric = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dsinspect",
		Name:      "live_fetch_duration_seconds",
		Help:      "Duration of live metadata fetches, including connecting.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})
)

// row counts are never cached; this labels their metrics.
const countRowsKind = "row-count"

type serviceOpts struct {
	timeouts  introspect.Timeouts
	fetchRate rate.Limit
	cache     *metacache.Cache
}

type ServiceOpt func(*serviceOpts)

// WithTimeouts sets the per-kind timeouts.
func WithTimeouts(t introspect.Timeouts) ServiceOpt {
	return func(o *serviceOpts) {
		o.timeouts = t
	}
}

// WithFetchRate limits live fetches against each source to r per second.
// Zero means no limit.
func WithFetchRate(r rate.Limit) ServiceOpt {
	return func(o *serviceOpts) {
		o.fetchRate = r
	}
}

// WithCache makes the service use an existing cache.
func WithCache(c *metacache.Cache) ServiceOpt {
	return func(o *serviceOpts) {
		o.cache = c
	}
}

// Service implements every metadata operation. It is safe for concurrent
// use.
type Service struct {
	registry registry.Registry
	opener   introspect.Opener
	logger   zerolog.Logger
	cache    *metacache.Cache
	timeouts introspect.Timeouts

	fetchRate rate.Limit
	mu        struct {
		sync.Mutex
		limiters map[dsconn.ID]*rate.Limiter
	}
}

var _ tablecompare.StructureFetcher = (*Service)(nil)

func New(
	reg registry.Registry, opener introspect.Opener, logger zerolog.Logger, opts ...ServiceOpt,
) *Service {
	o := serviceOpts{timeouts: introspect.DefaultTimeouts()}
	for _, applyOpt := range opts {
		applyOpt(&o)
	}
	if o.cache == nil {
		o.cache = metacache.New()
	}
	s := &Service{
		registry:  reg,
		opener:    opener,
		logger:    logger,
		cache:     o.cache,
		timeouts:  o.timeouts,
		fetchRate: o.fetchRate,
	}
	s.mu.limiters = make(map[dsconn.ID]*rate.Limiter)
	return s
}

// Cache returns the metadata cache.
func (s *Service) Cache() *metacache.Cache {
	return s.cache
}

// ListDataSources lists the registered sources of a context, or of all
// contexts if contextID is empty.
func (s *Service) ListDataSources(ctx context.Context, contextID string) ([]dsconn.Descriptor, error) {
	ret, err := s.registry.List(ctx, contextID)
	if err != nil {
		return nil, metabase.WrapFetchError(err, metabase.FetchConfig)
	}
	return ret, nil
}

// TestConnection connects to desc and issues a trivial request. desc need
// not be registered. Failures are ConnectionErrors, or a FetchTimeout
// error if the source did not answer in time.
func (s *Service) TestConnection(ctx context.Context, desc dsconn.Descriptor) error {
	if err := desc.Validate(); err != nil {
		return metabase.NewConnectionError(metabase.ConnectionHandshake, err)
	}
	t := s.timeouts.For(desc.Kind)
	start := time.Now()
	c, err := s.open(ctx, desc, t)
	if err != nil {
		s.logger.Warn().Err(err).Str("source", string(desc.ID)).Msg("connection test failed")
		return err
	}
	defer s.close(desc, c)

	queryCtx, cancel := context.WithTimeout(ctx, t.Query)
	defer cancel()
	if err := c.TestConnection(queryCtx); err != nil {
		s.logger.Warn().Err(err).Str("source", string(desc.ID)).Msg("connection test failed")
		return err
	}
	s.logger.Debug().
		Str("source", string(desc.ID)).
		Str("dialect", c.Dialect()).
		Dur("duration", time.Since(start)).
		Msg("connection test succeeded")
	return nil
}

// GetTables lists the tables of a relational source.
func (s *Service) GetTables(
	ctx context.Context, source dsconn.ID, force bool,
) ([]metabase.TableSummary, error) {
	desc, err := s.resolve(ctx, source, dsconn.Kind.Relational, "tables")
	if err != nil {
		return nil, err
	}
	key := metacache.Key{Source: source, Kind: metacache.KindTableList}
	ret, err := fetch(ctx, s, desc, key, force, func(ctx context.Context, c introspect.Connector) ([]metabase.TableSummary, error) {
		r, err := introspect.AsRelational(c)
		if err != nil {
			return nil, err
		}
		return r.ListTables(ctx)
	})
	return cloneEach(ret, metabase.TableSummary.Clone), err
}

// GetTableStructure returns the structure of a table. An empty schema
// selects the default schema of the source's dialect.
func (s *Service) GetTableStructure(
	ctx context.Context, source dsconn.ID, schema, table string, force bool,
) (metabase.TableStructure, error) {
	if table == "" {
		return metabase.TableStructure{}, metabase.NewFetchErrorf(metabase.FetchConfig, "table name must be set")
	}
	desc, err := s.resolve(ctx, source, dsconn.Kind.Relational, "tables")
	if err != nil {
		return metabase.TableStructure{}, err
	}
	key := metacache.Key{
		Source: source,
		Kind:   metacache.KindTableStructure,
		Sub:    metacache.TableSub(schema, table),
	}
	ret, err := fetch(ctx, s, desc, key, force, func(ctx context.Context, c introspect.Connector) (metabase.TableStructure, error) {
		r, err := introspect.AsRelational(c)
		if err != nil {
			return metabase.TableStructure{}, err
		}
		return r.FetchTableStructure(ctx, schema, table)
	})
	return ret.Clone(), err
}

// CountRows counts the rows of a table. It always reads live.
func (s *Service) CountRows(
	ctx context.Context, source dsconn.ID, schema, table string,
) (int64, error) {
	desc, err := s.resolve(ctx, source, dsconn.Kind.Relational, "tables")
	if err != nil {
		return 0, err
	}
	return live(ctx, s, desc, countRowsKind, func(ctx context.Context, c introspect.Connector) (int64, error) {
		r, err := introspect.AsRelational(c)
		if err != nil {
			return 0, err
		}
		return r.CountRows(ctx, schema, table)
	})
}

// GetKafkaTopics lists the topics of a streaming source with their
// partitions and consumer groups.
func (s *Service) GetKafkaTopics(
	ctx context.Context, source dsconn.ID, force bool,
) ([]metabase.TopicStructure, error) {
	desc, err := s.resolve(ctx, source, dsconn.Kind.Streaming, "topics")
	if err != nil {
		return nil, err
	}
	key := metacache.Key{Source: source, Kind: metacache.KindTopicList}
	ret, err := fetch(ctx, s, desc, key, force, func(ctx context.Context, c introspect.Connector) ([]metabase.TopicStructure, error) {
		st, err := introspect.AsStreaming(c)
		if err != nil {
			return nil, err
		}
		return st.ListTopics(ctx)
	})
	return cloneEach(ret, metabase.TopicStructure.Clone), err
}

// GetKafkaTopic returns a single topic. It is cached alongside the topic
// list and invalidated with it.
func (s *Service) GetKafkaTopic(
	ctx context.Context, source dsconn.ID, topic string, force bool,
) (metabase.TopicStructure, error) {
	desc, err := s.resolve(ctx, source, dsconn.Kind.Streaming, "topics")
	if err != nil {
		return metabase.TopicStructure{}, err
	}
	key := metacache.Key{Source: source, Kind: metacache.KindTopicList, Sub: topic}
	ret, err := fetch(ctx, s, desc, key, force, func(ctx context.Context, c introspect.Connector) (metabase.TopicStructure, error) {
		st, err := introspect.AsStreaming(c)
		if err != nil {
			return metabase.TopicStructure{}, err
		}
		return st.FetchTopicStructure(ctx, topic)
	})
	return ret.Clone(), err
}

// GetSchemaRegistrySchemas returns the latest schema of every subject in
// the source's schema registry. Sources without a registry fail with
// FetchConfig before any I/O.
func (s *Service) GetSchemaRegistrySchemas(
	ctx context.Context, source dsconn.ID, force bool,
) ([]metabase.SchemaEntry, error) {
	desc, err := s.resolve(ctx, source, dsconn.Kind.Streaming, "schema registries")
	if err != nil {
		return nil, err
	}
	if desc.SchemaRegistryURL == "" {
		return nil, metabase.NewFetchErrorf(
			metabase.FetchConfig, "source %s has no schema registry configured", source,
		)
	}
	key := metacache.Key{Source: source, Kind: metacache.KindSchemaList}
	ret, err := fetch(ctx, s, desc, key, force, func(ctx context.Context, c introspect.Connector) ([]metabase.SchemaEntry, error) {
		st, err := introspect.AsStreaming(c)
		if err != nil {
			return nil, err
		}
		return st.FetchRegisteredSchemas(ctx)
	})
	return slices.Clone(ret), err
}

// RefreshMetadata drops cached metadata of the given kinds, or all kinds,
// for a source so the next read is live. It fails only for unknown kinds.
func (s *Service) RefreshMetadata(ctx context.Context, source dsconn.ID, kinds ...metacache.Kind) error {
	for _, k := range kinds {
		if !k.Valid() {
			return metabase.NewFetchErrorf(metabase.FetchConfig, "unknown metadata kind %q", k)
		}
	}
	s.cache.Invalidate(source, kinds...)
	s.logger.Debug().Str("source", string(source)).Interface("kinds", kinds).Msg("metadata invalidated")
	return nil
}

// CompareTables compares the structure of a table on two sources.
func (s *Service) CompareTables(ctx context.Context, req tablecompare.Request) (tablecompare.Result, error) {
	res, err := tablecompare.Compare(ctx, s, req)
	if err != nil {
		return res, err
	}
	s.logger.Debug().
		Str("table", req.Table).
		Str("source1", string(req.Source1)).
		Str("source2", string(req.Source2)).
		Int("diffs", len(res.Diffs)).
		Msg("tables compared")
	return res, nil
}

// resolve looks up a source and checks it supports the requested metadata,
// without any I/O.
func (s *Service) resolve(
	ctx context.Context, source dsconn.ID, supports func(dsconn.Kind) bool, what string,
) (dsconn.Descriptor, error) {
	desc, err := s.registry.Get(ctx, source)
	if err != nil {
		return dsconn.Descriptor{}, metabase.NewFetchError(metabase.FetchConfig, err)
	}
	if !supports(desc.Kind) {
		return dsconn.Descriptor{}, metabase.NewFetchErrorf(
			metabase.FetchUnsupported, "%s source %s does not have %s", desc.Kind, source, what,
		)
	}
	return desc, nil
}

func (s *Service) limiter(source dsconn.ID) *rate.Limiter {
	if s.fetchRate <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.mu.limiters[source]
	if !ok {
		l = rate.NewLimiter(s.fetchRate, 1)
		s.mu.limiters[source] = l
	}
	return l
}

// open connects to desc within the connect timeout. Failures are
// ConnectionErrors unless the deadline expired.
func (s *Service) open(
	ctx context.Context, desc dsconn.Descriptor, t introspect.Timeout,
) (introspect.Connector, error) {
	connectCtx, cancel := context.WithTimeout(ctx, t.Connect)
	defer cancel()
	c, err := s.opener.Open(connectCtx, desc)
	if err == nil {
		return c, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, metabase.NewFetchError(
			metabase.FetchTimeout, errors.Wrapf(err, "timed out connecting to %s", desc.ID),
		)
	}
	if _, ok := metabase.AsConnectionError(err); ok {
		return nil, err
	}
	return nil, metabase.NewConnectionError(metabase.ConnectionHandshake, err)
}

func (s *Service) close(desc dsconn.Descriptor, c introspect.Connector) {
	if err := c.Close(context.Background()); err != nil {
		s.logger.Warn().Err(err).Str("source", string(desc.ID)).Msg("error closing connection")
	}
}

// fetch serves key from the cache, fetching it live on a miss.
func fetch[T any](
	ctx context.Context,
	s *Service,
	desc dsconn.Descriptor,
	key metacache.Key,
	force bool,
	fn func(context.Context, introspect.Connector) (T, error),
) (T, error) {
	s.logger.Trace().Str("key", key.String()).Bool("force", force).Msg("metadata requested")
	return metacache.Fetch(ctx, s.cache, key, force, func(ctx context.Context) (T, error) {
		return live(ctx, s, desc, string(key.Kind), fn)
	})
}

// cloneEach copies values served from the cache so callers cannot mutate
// cached entries.
func cloneEach[T any](s []T, clone func(T) T) []T {
	if s == nil {
		return nil
	}
	ret := make([]T, len(s))
	for i, v := range s {
		ret[i] = clone(v)
	}
	return ret
}

// live opens a connector scoped to a single fetch and runs fn within the
// query timeout. Every failure is a FetchError.
func live[T any](
	ctx context.Context,
	s *Service,
	desc dsconn.Descriptor,
	kind string,
	fn func(context.Context, introspect.Connector) (T, error),
) (ret T, retErr error) {
	t := s.timeouts.For(desc.Kind)
	logger := s.logger.With().Str("source", string(desc.ID)).Str("kind", kind).Logger()
	start := time.Now()
	liveFetchesMetric.WithLabelValues(kind).Inc()
	defer func() {
		liveFetchDurationMetric.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		if retErr != nil {
			k, _ := metabase.FetchErrorKindOf(retErr)
			liveFetchErrorsMetric.WithLabelValues(kind, k.String()).Inc()
			logger.Warn().Err(retErr).Dur("duration", time.Since(start)).Msg("live fetch failed")
			return
		}
		logger.Debug().Dur("duration", time.Since(start)).Msg("live fetch")
	}()

	if l := s.limiter(desc.ID); l != nil {
		waitCtx, cancel := context.WithTimeout(ctx, t.Query)
		err := l.Wait(waitCtx)
		cancel()
		if err != nil {
			return ret, metabase.NewFetchError(
				metabase.FetchTimeout, errors.Wrapf(err, "rate limited fetching from %s", desc.ID),
			)
		}
	}

	c, err := s.open(ctx, desc, t)
	if err != nil {
		return ret, metabase.WrapFetchError(err, metabase.FetchConnection)
	}
	defer s.close(desc, c)

	queryCtx, cancel := context.WithTimeout(ctx, t.Query)
	defer cancel()
	ret, err = fn(queryCtx, c)
	if err != nil {
		return ret, metabase.WrapFetchError(err, metabase.FetchQuery)
	}
	return ret, nil
}
