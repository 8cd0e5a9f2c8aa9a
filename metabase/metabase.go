// Package metabase holds the normalized metadata model shared by every
// connector, the metadata cache and the comparison engine.
package metabase

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/dsinspect/dbtable"
)

// TableSummary is one entry of a table listing.
type TableSummary struct {
	dbtable.Name
	// RowCount is the catalog estimate, if the dialect exposes one.
	RowCount *int64
}

// FormatRowCount renders an optional row count.
func FormatRowCount(n *int64) string {
	if n == nil {
		return "unknown"
	}
	return strconv.FormatInt(*n, 10)
}

// Clone returns a copy of s which shares no memory with it.
func (s TableSummary) Clone() TableSummary {
	s.RowCount = cloneInt64(s.RowCount)
	return s
}

func cloneInt64(n *int64) *int64 {
	if n == nil {
		return nil
	}
	v := *n
	return &v
}

// TableStructure is the normalized shape of a single table.
type TableStructure struct {
	Name     string
	Schema   string
	RowCount *int64
	Columns  []Column
}

// Clone returns a copy of t which shares no memory with it.
func (t TableStructure) Clone() TableStructure {
	t.RowCount = cloneInt64(t.RowCount)
	if t.Columns != nil {
		cols := make([]Column, len(t.Columns))
		for i, c := range t.Columns {
			cols[i] = c.Clone()
		}
		t.Columns = cols
	}
	return t
}

// Column returns the column named name.
func (t TableStructure) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// QualifiedName returns the schema-qualified table name.
func (t TableStructure) QualifiedName() dbtable.Name {
	return dbtable.Name{Schema: t.Schema, Table: t.Name}
}

// Column describes one column of a table. DataType, Default and Constraints
// are already normalized so that columns from different dialects can be
// compared directly.
type Column struct {
	Name        string
	DataType    string
	Nullable    bool
	Default     *string
	Constraints []string
}

func (c Column) Clone() Column {
	if c.Default != nil {
		d := *c.Default
		c.Default = &d
	}
	c.Constraints = slices.Clone(c.Constraints)
	return c
}

// Equal reports whether c and o have the same normalized definition. Names
// are not compared.
func (c Column) Equal(o Column) bool {
	if c.DataType != o.DataType || c.Nullable != o.Nullable {
		return false
	}
	if (c.Default == nil) != (o.Default == nil) {
		return false
	}
	if c.Default != nil && *c.Default != *o.Default {
		return false
	}
	return sameSet(c.Constraints, o.Constraints)
}

// Describe renders the column definition, e.g.
// `int4 NOT NULL DEFAULT 0 [PRIMARY KEY]`.
func (c Column) Describe() string {
	var sb strings.Builder
	sb.WriteString(c.DataType)
	if c.Nullable {
		sb.WriteString(" NULL")
	} else {
		sb.WriteString(" NOT NULL")
	}
	if c.Default != nil {
		sb.WriteString(" DEFAULT ")
		sb.WriteString(*c.Default)
	}
	if len(c.Constraints) > 0 {
		cs := append([]string(nil), c.Constraints...)
		sort.Strings(cs)
		sb.WriteString(" [")
		sb.WriteString(strings.Join(cs, ", "))
		sb.WriteString("]")
	}
	return sb.String()
}

func sameSet(a, b []string) bool {
	seen := make(map[string]struct{}, len(a))
	for _, s := range a {
		seen[s] = struct{}{}
	}
	other := make(map[string]struct{}, len(b))
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			return false
		}
		other[s] = struct{}{}
	}
	return len(seen) == len(other)
}

// TopicStructure describes a streaming topic. ConsumerGroups lists the
// groups with an active member assigned to one of its partitions.
type TopicStructure struct {
	Name           string
	Internal       bool
	Partitions     []Partition
	ConsumerGroups []string
}

// Clone returns a copy of t which shares no memory with it.
func (t TopicStructure) Clone() TopicStructure {
	if t.Partitions != nil {
		parts := make([]Partition, len(t.Partitions))
		for i, p := range t.Partitions {
			p.Replicas = slices.Clone(p.Replicas)
			p.ISR = slices.Clone(p.ISR)
			parts[i] = p
		}
		t.Partitions = parts
	}
	t.ConsumerGroups = slices.Clone(t.ConsumerGroups)
	return t
}

// Partition describes one partition of a topic. Broker ids are used for the
// leader and replica sets.
type Partition struct {
	ID       int
	Leader   int
	Replicas []int
	ISR      []int
}

func (p Partition) String() string {
	return fmt.Sprintf("partition %d leader=%d replicas=%v isr=%v", p.ID, p.Leader, p.Replicas, p.ISR)
}

// SchemaEntry is the latest registered schema of a subject. Schema is the
// raw registered text and is never parsed.
type SchemaEntry struct {
	Subject string
	Version int
	ID      int
	Format  string
	Schema  string
}
