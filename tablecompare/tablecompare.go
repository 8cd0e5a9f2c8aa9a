// Package tablecompare computes the structural differences between the same
// table on two data sources.
package tablecompare

import (
	"context"
	"fmt"

	"github.com/cockroachdb/dsinspect/dbtable"
	"github.com/cockroachdb/dsinspect/dsconn"
	"github.com/cockroachdb/dsinspect/metabase"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

// StructureFetcher resolves table structures, normally through the metadata
// cache.
type StructureFetcher interface {
	GetTableStructure(
		ctx context.Context, source dsconn.ID, schema, table string, force bool,
	) (metabase.TableStructure, error)
	CountRows(ctx context.Context, source dsconn.ID, schema, table string) (int64, error)
}

// Request names the table to compare. An empty schema selects the default
// schema of the side's dialect.
type Request struct {
	Source1 dsconn.ID
	Source2 dsconn.ID
	Schema1 string
	Schema2 string
	Table   string
	// ExactRowCounts replaces catalog row estimates with a COUNT(*) on each
	// side.
	ExactRowCounts bool
}

func (r Request) side(i int) (dsconn.ID, string) {
	if i == 1 {
		return r.Source2, r.Schema2
	}
	return r.Source1, r.Schema1
}

// DiffKind describes how a column differs. It is relative to side 1.
type DiffKind string

const (
	DiffAdded    DiffKind = "added"
	DiffRemoved  DiffKind = "removed"
	DiffModified DiffKind = "modified"
)

// StructureDiff is the difference of one column. The value of a side is nil
// if the column does not exist there.
type StructureDiff struct {
	Column       string
	Kind         DiffKind
	Source1Value *string
	Source2Value *string
}

func (d StructureDiff) String() string {
	switch d.Kind {
	case DiffAdded:
		return fmt.Sprintf("added %s: %s", d.Column, *d.Source2Value)
	case DiffRemoved:
		return fmt.Sprintf("removed %s: %s", d.Column, *d.Source1Value)
	}
	return fmt.Sprintf("modified %s: %s -> %s", d.Column, *d.Source1Value, *d.Source2Value)
}

// Result is the outcome of a comparison.
type Result struct {
	TableName  string
	Source1    dsconn.ID
	Source2    dsconn.ID
	Structure1 metabase.TableStructure
	Structure2 metabase.TableStructure
	Diffs      []StructureDiff
	// RowCountDelta is the side 1 row count minus the side 2 row count. It is
	// nil unless both sides report a count.
	RowCountDelta *int64
}

// Identical reports whether the structures have no differences.
func (r Result) Identical() bool {
	return len(r.Diffs) == 0
}

// Compare fetches the table from both sides and diffs their columns.
// Neither side's fetch waits on the other. It performs no retries.
func Compare(ctx context.Context, f StructureFetcher, req Request) (Result, error) {
	if req.Table == "" {
		return Result{}, errors.New("table name must be set")
	}
	var structures [2]metabase.TableStructure
	var errs [2]error
	var g errgroup.Group
	for i := range structures {
		i := i
		g.Go(func() error {
			source, schema := req.side(i)
			structures[i], errs[i] = f.GetTableStructure(ctx, source, schema, req.Table, false)
			if errs[i] == nil && req.ExactRowCounts {
				var n int64
				n, errs[i] = f.CountRows(ctx, source, structures[i].Schema, req.Table)
				structures[i].RowCount = &n
			}
			return nil
		})
	}
	_ = g.Wait()
	// Side 1 is reported when both fail.
	for i, err := range errs {
		if err != nil {
			return Result{}, newCompareError(i+1, err)
		}
	}

	ret := Result{
		TableName:  req.Table,
		Source1:    req.Source1,
		Source2:    req.Source2,
		Structure1: structures[0],
		Structure2: structures[1],
		Diffs:      Diff(structures[0], structures[1]),
	}
	if a, b := structures[0].RowCount, structures[1].RowCount; a != nil && b != nil {
		delta := *a - *b
		ret.RowCountDelta = &delta
	}
	return ret, nil
}

// Diff returns the column differences from a to b, in the column order of
// a followed by the columns only in b in their order.
func Diff(a, b metabase.TableStructure) []StructureDiff {
	bCols := make(map[string]metabase.Column, len(b.Columns))
	for _, c := range b.Columns {
		bCols[c.Name] = c
	}
	aNames := make(map[string]struct{}, len(a.Columns))

	var ret []StructureDiff
	for _, ac := range a.Columns {
		aNames[ac.Name] = struct{}{}
		bc, ok := bCols[ac.Name]
		if !ok {
			ret = append(ret, StructureDiff{
				Column:       ac.Name,
				Kind:         DiffRemoved,
				Source1Value: describe(ac),
			})
			continue
		}
		if !ac.Equal(bc) {
			ret = append(ret, StructureDiff{
				Column:       ac.Name,
				Kind:         DiffModified,
				Source1Value: describe(ac),
				Source2Value: describe(bc),
			})
		}
	}
	for _, bc := range b.Columns {
		if _, ok := aNames[bc.Name]; ok {
			continue
		}
		ret = append(ret, StructureDiff{
			Column:       bc.Name,
			Kind:         DiffAdded,
			Source2Value: describe(bc),
		})
	}
	return ret
}

func describe(c metabase.Column) *string {
	s := c.Describe()
	return &s
}

// CompareErrorKind classifies a failed comparison.
type CompareErrorKind int

const (
	TableNotFound CompareErrorKind = iota
	FetchFailed
)

func (k CompareErrorKind) String() string {
	switch k {
	case TableNotFound:
		return "table not found"
	case FetchFailed:
		return "fetch failed"
	}
	return fmt.Sprintf("CompareErrorKind(%d)", int(k))
}

// CompareError is returned when either side of a comparison cannot be
// fetched. Side is 1 or 2.
type CompareError struct {
	Kind  CompareErrorKind
	Side  int
	Cause error
}

func newCompareError(side int, cause error) *CompareError {
	kind := FetchFailed
	if metabase.IsNotFound(cause) {
		kind = TableNotFound
	}
	return &CompareError{Kind: kind, Side: side, Cause: metabase.WrapFetchError(cause, metabase.FetchQuery)}
}

func (e *CompareError) Error() string {
	return fmt.Sprintf("compare error (%s on side %d): %s", e.Kind, e.Side, e.Cause)
}

func (e *CompareError) Unwrap() error {
	return e.Cause
}

// AsCompareError extracts the CompareError from err, if any.
func AsCompareError(err error) (*CompareError, bool) {
	var ce *CompareError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// QualifiedName returns the name of the table on side (1 or 2) of r.
func (r Result) QualifiedName(side int) dbtable.Name {
	if side == 2 {
		return r.Structure2.QualifiedName()
	}
	return r.Structure1.QualifiedName()
}
