// Package metacache holds the most recent successful metadata fetch for
// each (source, kind, subject) and deduplicates concurrent live fetches of
// the same key.
package metacache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/dsinspect/dsconn"
	"github.com/cockroachdb/dsinspect/metabase"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

var (
	lookupsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dsinspect",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Metadata cache lookups by kind and result.",
	}, []string{"kind", "result"})
	sharedWaitersMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dsinspect",
		Subsystem: "cache",
		Name:      "shared_fetch_waiters_total",
		Help:      "Callers which received the result of a live fetch started by another caller.",
	}, []string{"kind"})
)

// Kind is the kind of metadata held by an entry.
type Kind string

const (
	KindTableList      Kind = "table-list"
	KindTableStructure Kind = "table-structure"
	KindTopicList      Kind = "topic-list"
	KindSchemaList     Kind = "schema-list"
)

// Kinds lists every kind of metadata.
var Kinds = []Kind{KindTableList, KindTableStructure, KindTopicList, KindSchemaList}

func (k Kind) Valid() bool {
	for _, o := range Kinds {
		if k == o {
			return true
		}
	}
	return false
}

// ParseKind parses the name of a kind.
func ParseKind(s string) (Kind, error) {
	if k := Kind(s); k.Valid() {
		return k, nil
	}
	return "", errors.Newf("unknown metadata kind %q", s)
}

// Key identifies an entry. Sub is TableSub(schema, table) for table
// structures, the topic name for a single topic and empty otherwise.
type Key struct {
	Source dsconn.ID
	Kind   Kind
	Sub    string
}

// TableSub is the sub-key of a table structure. Both parts are quoted, so a
// table named "a.b" in the default schema never shares an entry with table
// "b" in schema "a".
func TableSub(schema, table string) string {
	return fmt.Sprintf("%q.%q", schema, table)
}

// flightKey identifies a shared fetch of key at generation gen. Quoting
// keeps ids containing "/" apart.
func (k Key) flightKey(gen uint64) string {
	return fmt.Sprintf("%q %q %q %d", k.Source, k.Kind, k.Sub, gen)
}

func (k Key) String() string {
	if k.Sub == "" {
		return fmt.Sprintf("%s/%s", k.Source, k.Kind)
	}
	return fmt.Sprintf("%s/%s/%s", k.Source, k.Kind, k.Sub)
}

// Entry is an immutable cached value.
type Entry struct {
	Payload   any
	FetchedAt time.Time
}

type sourceKind struct {
	source dsconn.ID
	kind   Kind
}

// Cache is a process-lifetime metadata cache. Entries never expire; they are
// replaced by newer fetches or dropped by Invalidate. The lock is never held
// during I/O.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]Entry
	// generations is bumped by Invalidate so that fetches which started
	// before an invalidation do not store their results.
	generations map[sourceKind]uint64

	group singleflight.Group
	// waiters counts callers blocked in Fetch on a live fetch.
	waiters atomic.Int64
	now     func() time.Time
}

func New() *Cache {
	return &Cache{
		entries:     make(map[Key]Entry),
		generations: make(map[sourceKind]uint64),
		now:         time.Now,
	}
}

func (c *Cache) Get(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e, ok
}

// Put replaces the entry for key.
func (c *Cache) Put(key Key, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = Entry{Payload: payload, FetchedAt: c.now()}
}

// Invalidate drops every entry of source with one of kinds, or of any kind
// if none are given.
func (c *Cache) Invalidate(source dsconn.ID, kinds ...Kind) {
	if len(kinds) == 0 {
		kinds = Kinds
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range kinds {
		c.generations[sourceKind{source: source, kind: k}]++
	}
	for key := range c.entries {
		if key.Source != source {
			continue
		}
		for _, k := range kinds {
			if key.Kind == k {
				delete(c.entries, key)
				break
			}
		}
	}
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Waiters returns the number of callers waiting on live fetches.
func (c *Cache) Waiters() int64 {
	return c.waiters.Load()
}

func (c *Cache) generation(key Key) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[sourceKind{source: key.Source, kind: key.Kind}]
}

// putAt stores payload only if key has not been invalidated since gen was
// read.
func (c *Cache) putAt(key Key, payload any, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[sourceKind{source: key.Source, kind: key.Kind}] != gen {
		return false
	}
	c.entries[key] = Entry{Payload: payload, FetchedAt: c.now()}
	return true
}

// FetchFunc performs a live fetch.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Fetch returns the cached value for key unless force is set or there is
// none, in which case fn is called and its result stored on success.
// Concurrent callers for the same key and generation share one call of fn.
//
// Values are shared with the cache and with other callers; callers must
// not mutate them.
//
// fn runs detached from the cancellation of ctx so that one caller giving up
// does not fail the others; it must bound itself. A caller whose ctx is done
// stops waiting and gets a FetchTimeout error.
func Fetch[T any](ctx context.Context, c *Cache, key Key, force bool, fn FetchFunc[T]) (T, error) {
	var zero T
	if !force {
		if e, ok := c.Get(key); ok {
			v, ok := e.Payload.(T)
			if !ok {
				return zero, errors.AssertionFailedf(
					"cache entry %s holds %T, not %T", key, e.Payload, zero,
				)
			}
			lookupsMetric.WithLabelValues(string(key.Kind), "hit").Inc()
			return v, nil
		}
		lookupsMetric.WithLabelValues(string(key.Kind), "miss").Inc()
	}

	gen := c.generation(key)
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key.flightKey(gen), func() (any, error) {
		v, err := fn(fetchCtx)
		if err != nil {
			return nil, err
		}
		c.putAt(key, v, gen)
		return v, nil
	})
	c.waiters.Add(1)
	defer c.waiters.Add(-1)
	select {
	case res := <-ch:
		if res.Shared {
			sharedWaitersMetric.WithLabelValues(string(key.Kind)).Inc()
		}
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		return zero, metabase.NewFetchError(
			metabase.FetchTimeout,
			errors.Wrapf(ctx.Err(), "waiting for %s", key),
		)
	}
}
