// Package report emits comparison results and status to log and text
// sinks.
package report

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/cockroachdb/dsinspect/dbtable"
	"github.com/cockroachdb/dsinspect/dsconn"
	"github.com/cockroachdb/dsinspect/tablecompare"
	"github.com/rs/zerolog"
)

// ReportableObject is an object which can be reported.
type ReportableObject interface {
	reportable()
}

// ColumnDiff is a column which differs between two sources.
type ColumnDiff struct {
	Table   dbtable.Name
	Source1 dsconn.ID
	Source2 dsconn.ID
	tablecompare.StructureDiff
}

// RowCountDelta is the difference in row counts of a compared table.
type RowCountDelta struct {
	Table   dbtable.Name
	Source1 dsconn.ID
	Source2 dsconn.ID
	Delta   int64
}

// ComparisonSummary closes the report of one comparison.
type ComparisonSummary struct {
	Table   dbtable.Name
	Source1 dsconn.ID
	Source2 dsconn.ID
	Diffs   int
}

type StatusReport struct {
	Info string
}

func (ColumnDiff) reportable()        {}
func (RowCountDelta) reportable()     {}
func (ComparisonSummary) reportable() {}
func (StatusReport) reportable()      {}

type Reporter interface {
	Report(obj ReportableObject)
	Close()
}

// Result reports every part of a comparison result.
func Result(r Reporter, res tablecompare.Result) {
	table := res.QualifiedName(1)
	for _, d := range res.Diffs {
		r.Report(ColumnDiff{Table: table, Source1: res.Source1, Source2: res.Source2, StructureDiff: d})
	}
	if res.RowCountDelta != nil {
		r.Report(RowCountDelta{Table: table, Source1: res.Source1, Source2: res.Source2, Delta: *res.RowCountDelta})
	}
	r.Report(ComparisonSummary{Table: table, Source1: res.Source1, Source2: res.Source2, Diffs: len(res.Diffs)})
}

type CombinedReporter struct {
	Reporters []Reporter
}

func (c CombinedReporter) Report(obj ReportableObject) {
	for _, r := range c.Reporters {
		r.Report(obj)
	}
}

func (c CombinedReporter) Close() {
	for _, r := range c.Reporters {
		r.Close()
	}
}

// LogReporter reports to `zerolog`.
type LogReporter struct {
	zerolog.Logger
}

func (l LogReporter) Report(obj ReportableObject) {
	switch obj := obj.(type) {
	case ColumnDiff:
		e := l.Warn().
			Str("table_schema", obj.Table.Schema).
			Str("table_name", obj.Table.Table).
			Str("column", obj.Column).
			Str("source1", string(obj.Source1)).
			Str("source2", string(obj.Source2))
		if obj.Source1Value != nil {
			e = e.Str("source1_value", *obj.Source1Value)
		}
		if obj.Source2Value != nil {
			e = e.Str("source2_value", *obj.Source2Value)
		}
		e.Msgf("%s column", obj.Kind)
	case RowCountDelta:
		l.Info().
			Str("table_schema", obj.Table.Schema).
			Str("table_name", obj.Table.Table).
			Int64("delta", obj.Delta).
			Msgf("row count delta")
	case ComparisonSummary:
		e := l.Info()
		if obj.Diffs > 0 {
			e = l.Warn()
		}
		e.
			Str("table_schema", obj.Table.Schema).
			Str("table_name", obj.Table.Table).
			Str("source1", string(obj.Source1)).
			Str("source2", string(obj.Source2)).
			Int("num_diffs", obj.Diffs).
			Msgf("comparison complete")
	case StatusReport:
		l.Info().Msg(obj.Info)
	default:
		l.Error().
			Str("type", fmt.Sprintf("%T", obj)).
			Msgf("unknown object type")
	}
}

func (l LogReporter) Close() {
}

// TextReporter renders differences as an aligned table. Output is written
// on Close.
type TextReporter struct {
	w    *tabwriter.Writer
	rows int
}

func NewTextReporter(w io.Writer) *TextReporter {
	return &TextReporter{w: tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)}
}

func valueOrDash(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func (t *TextReporter) Report(obj ReportableObject) {
	switch obj := obj.(type) {
	case ColumnDiff:
		if t.rows == 0 {
			fmt.Fprintf(t.w, "COLUMN\tDIFF\t%s\t%s\n", obj.Source1, obj.Source2)
		}
		t.rows++
		fmt.Fprintf(
			t.w, "%s\t%s\t%s\t%s\n",
			obj.Column, obj.Kind, valueOrDash(obj.Source1Value), valueOrDash(obj.Source2Value),
		)
	case RowCountDelta:
		t.flush()
		fmt.Fprintf(t.w, "row count delta (%s - %s): %d\n", obj.Source1, obj.Source2, obj.Delta)
	case ComparisonSummary:
		t.flush()
		if obj.Diffs == 0 {
			fmt.Fprintf(t.w, "%s is identical on %s and %s\n", obj.Table, obj.Source1, obj.Source2)
		} else {
			fmt.Fprintf(t.w, "%s has %d differing columns\n", obj.Table, obj.Diffs)
		}
	case StatusReport:
		t.flush()
		fmt.Fprintln(t.w, obj.Info)
	}
}

func (t *TextReporter) flush() {
	if t.rows > 0 {
		_ = t.w.Flush()
		t.rows = 0
	}
}

func (t *TextReporter) Close() {
	_ = t.w.Flush()
}
