// Package testutils provides in-memory data sources for tests.
package testutils

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/dsinspect/dbtable"
	"github.com/cockroachdb/dsinspect/dsconn"
	"github.com/cockroachdb/dsinspect/introspect"
	"github.com/cockroachdb/dsinspect/metabase"
	"github.com/cockroachdb/errors"
)

// FakeSource is an in-memory data source. Its connectors count their calls
// and can be held on a gate to simulate slow fetches.
type FakeSource struct {
	Desc dsconn.Descriptor

	// Opens counts connectors opened; Fetches counts metadata fetches.
	Opens   atomic.Int64
	Fetches atomic.Int64
	// Closes counts connectors closed.
	Closes  atomic.Int64

	mu        sync.Mutex
	tables    map[dbtable.Name]metabase.TableStructure
	counts    map[dbtable.Name]int64
	topics    []metabase.TopicStructure
	schemas   []metabase.SchemaEntry
	registry  bool
	openErr   error
	fetchErr  error
	gate      chan struct{}
	onFetched func()
}

func NewFakeSource(desc dsconn.Descriptor) *FakeSource {
	return &FakeSource{
		Desc:   desc,
		tables: make(map[dbtable.Name]metabase.TableStructure),
		counts: make(map[dbtable.Name]int64),
	}
}

// AddTable adds or replaces a table. exactRows is returned by CountRows.
func (s *FakeSource) AddTable(ts metabase.TableStructure, exactRows int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts.Schema == "" {
		ts.Schema = s.defaultSchema()
	}
	s.tables[ts.QualifiedName()] = ts
	s.counts[ts.QualifiedName()] = exactRows
}

// DropTable removes a table.
func (s *FakeSource) DropTable(schema, table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, dbtable.Name{Schema: schema, Table: table})
}

func (s *FakeSource) SetTopics(topics []metabase.TopicStructure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = topics
}

// SetSchemas sets the registered schemas and marks the source as having a
// schema registry.
func (s *FakeSource) SetSchemas(schemas []metabase.SchemaEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas = schemas
	s.registry = true
}

// SetOpenErr makes opening a connector fail with err.
func (s *FakeSource) SetOpenErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = err
}

// SetFetchErr makes every metadata fetch fail with err.
func (s *FakeSource) SetFetchErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchErr = err
}

// Hold makes fetches block until the returned function is called.
func (s *FakeSource) Hold() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// OnFetched sets a hook run after each fetch returns its data and before
// the connector is closed.
func (s *FakeSource) OnFetched(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFetched = f
}

func (s *FakeSource) defaultSchema() string {
	switch s.Desc.Kind {
	case dsconn.KindMySQL:
		return s.Desc.Database
	case dsconn.KindSQLServer:
		return "dbo"
	}
	return "public"
}

// begin records a fetch and waits for any gate.
func (s *FakeSource) begin(ctx context.Context) error {
	s.Fetches.Add(1)
	s.mu.Lock()
	gate, err := s.gate, s.fetchErr
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return metabase.WrapFetchError(ctx.Err(), metabase.FetchTimeout)
		}
	}
	return err
}

func (s *FakeSource) end() {
	s.mu.Lock()
	f := s.onFetched
	s.mu.Unlock()
	if f != nil {
		f()
	}
}

// FakeOpener opens connectors to fake sources by id.
type FakeOpener struct {
	mu      sync.Mutex
	sources map[dsconn.ID]*FakeSource
}

var _ introspect.Opener = (*FakeOpener)(nil)

func NewFakeOpener(sources ...*FakeSource) *FakeOpener {
	o := &FakeOpener{sources: make(map[dsconn.ID]*FakeSource)}
	for _, s := range sources {
		o.Add(s)
	}
	return o
}

func (o *FakeOpener) Add(s *FakeSource) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sources[s.Desc.ID] = s
}

// Source returns the fake source with the given id.
func (o *FakeOpener) Source(id dsconn.ID) *FakeSource {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sources[id]
}

// Descriptors returns the descriptors of all sources, ordered by id.
func (o *FakeOpener) Descriptors() []dsconn.Descriptor {
	o.mu.Lock()
	defer o.mu.Unlock()
	ret := make([]dsconn.Descriptor, 0, len(o.sources))
	for _, s := range o.sources {
		ret = append(ret, s.Desc)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret
}

func (o *FakeOpener) Open(ctx context.Context, desc dsconn.Descriptor) (introspect.Connector, error) {
	s := o.Source(desc.ID)
	if s == nil {
		return nil, metabase.NewConnectionError(
			metabase.ConnectionUnreachable, errors.Newf("no fake source %s", desc.ID),
		)
	}
	s.Opens.Add(1)
	s.mu.Lock()
	err := s.openErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if desc.Kind.Streaming() {
		return &fakeStreaming{fakeConnector{src: s}}, nil
	}
	return &fakeRelational{fakeConnector{src: s}}, nil
}

type fakeConnector struct {
	src *FakeSource
}

func (c *fakeConnector) Kind() dsconn.Kind {
	return c.src.Desc.Kind
}

func (c *fakeConnector) Dialect() string {
	return "fake " + string(c.src.Desc.Kind)
}

func (c *fakeConnector) TestConnection(ctx context.Context) error {
	c.src.mu.Lock()
	defer c.src.mu.Unlock()
	return c.src.fetchErr
}

func (c *fakeConnector) Close(ctx context.Context) error {
	c.src.Closes.Add(1)
	return nil
}

type fakeRelational struct {
	fakeConnector
}

var _ introspect.Relational = (*fakeRelational)(nil)

func (c *fakeRelational) ListTables(ctx context.Context) ([]metabase.TableSummary, error) {
	if err := c.src.begin(ctx); err != nil {
		return nil, err
	}
	defer c.src.end()
	c.src.mu.Lock()
	defer c.src.mu.Unlock()
	ret := make([]metabase.TableSummary, 0, len(c.src.tables))
	for name, ts := range c.src.tables {
		ret = append(ret, metabase.TableSummary{Name: name, RowCount: ts.RowCount})
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Less(ret[j].Name) })
	return ret, nil
}

func (c *fakeRelational) lookup(schema, table string) (dbtable.Name, error) {
	if schema == "" {
		schema = c.src.defaultSchema()
	}
	name := dbtable.Name{Schema: schema, Table: table}
	if _, ok := c.src.tables[name]; !ok {
		return name, metabase.NewFetchErrorf(metabase.FetchNotFound, "table %s not found", name)
	}
	return name, nil
}

func (c *fakeRelational) FetchTableStructure(
	ctx context.Context, schema, table string,
) (metabase.TableStructure, error) {
	if err := c.src.begin(ctx); err != nil {
		return metabase.TableStructure{}, err
	}
	defer c.src.end()
	c.src.mu.Lock()
	defer c.src.mu.Unlock()
	name, err := c.lookup(schema, table)
	if err != nil {
		return metabase.TableStructure{}, err
	}
	ts := c.src.tables[name]
	ts.Columns = append([]metabase.Column(nil), ts.Columns...)
	return ts, nil
}

func (c *fakeRelational) CountRows(ctx context.Context, schema, table string) (int64, error) {
	if err := c.src.begin(ctx); err != nil {
		return 0, err
	}
	defer c.src.end()
	c.src.mu.Lock()
	defer c.src.mu.Unlock()
	name, err := c.lookup(schema, table)
	if err != nil {
		return 0, err
	}
	return c.src.counts[name], nil
}

type fakeStreaming struct {
	fakeConnector
}

var _ introspect.Streaming = (*fakeStreaming)(nil)

func (c *fakeStreaming) ListTopics(ctx context.Context) ([]metabase.TopicStructure, error) {
	if err := c.src.begin(ctx); err != nil {
		return nil, err
	}
	defer c.src.end()
	c.src.mu.Lock()
	defer c.src.mu.Unlock()
	ret := append([]metabase.TopicStructure(nil), c.src.topics...)
	sort.Slice(ret, func(i, j int) bool { return ret[i].Name < ret[j].Name })
	return ret, nil
}

func (c *fakeStreaming) FetchTopicStructure(
	ctx context.Context, topic string,
) (metabase.TopicStructure, error) {
	topics, err := c.ListTopics(ctx)
	if err != nil {
		return metabase.TopicStructure{}, err
	}
	for _, t := range topics {
		if t.Name == topic {
			return t, nil
		}
	}
	return metabase.TopicStructure{}, metabase.NewFetchErrorf(
		metabase.FetchNotFound, "topic %s not found", topic,
	)
}

func (c *fakeStreaming) FetchRegisteredSchemas(ctx context.Context) ([]metabase.SchemaEntry, error) {
	c.src.mu.Lock()
	registry := c.src.registry
	c.src.mu.Unlock()
	if !registry {
		return nil, metabase.NewFetchErrorf(
			metabase.FetchConfig, "source %s has no schema registry configured", c.src.Desc.ID,
		)
	}
	if err := c.src.begin(ctx); err != nil {
		return nil, err
	}
	defer c.src.end()
	c.src.mu.Lock()
	defer c.src.mu.Unlock()
	return append([]metabase.SchemaEntry(nil), c.src.schemas...), nil
}
