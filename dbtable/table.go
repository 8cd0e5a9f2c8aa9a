package dbtable

import (
	"fmt"
	"regexp"
	"strings"
)

// Name is a schema-qualified table name.
type Name struct {
	Schema string
	Table  string
}

func (n Name) SafeString() string {
	if n.Schema == "" {
		return n.Table
	}
	return fmt.Sprintf("%s.%s", n.Schema, n.Table)
}

func (n Name) String() string {
	return n.SafeString()
}

// Compare orders names by schema then table, ignoring case.
func (n Name) Compare(o Name) int {
	if c := strings.Compare(strings.ToLower(n.Schema), strings.ToLower(o.Schema)); c != 0 {
		return c
	}
	if c := strings.Compare(strings.ToLower(n.Table), strings.ToLower(o.Table)); c != 0 {
		return c
	}
	// Names differing only by case still need a stable order.
	if c := strings.Compare(n.Schema, o.Schema); c != 0 {
		return c
	}
	return strings.Compare(n.Table, o.Table)
}

func (n Name) Less(o Name) bool {
	return n.Compare(o) < 0
}

const DefaultFilterString = ".*"

type FilterString = string

func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		SchemaFilter: DefaultFilterString,
		TableFilter:  DefaultFilterString,
	}
}

// FilterConfig restricts table listings by POSIX regexps on the schema and
// table names.
type FilterConfig struct {
	SchemaFilter FilterString
	TableFilter  FilterString
}

// Filter returns a matcher for cfg.
func (cfg FilterConfig) Filter() (func(Name) bool, error) {
	if (cfg.SchemaFilter == DefaultFilterString || cfg.SchemaFilter == "") &&
		(cfg.TableFilter == DefaultFilterString || cfg.TableFilter == "") {
		return func(Name) bool { return true }, nil
	}
	schemaRe, err := compileFilter(cfg.SchemaFilter)
	if err != nil {
		return nil, err
	}
	tableRe, err := compileFilter(cfg.TableFilter)
	if err != nil {
		return nil, err
	}
	return func(n Name) bool {
		return schemaRe.MatchString(n.Schema) && tableRe.MatchString(n.Table)
	}, nil
}

func compileFilter(f FilterString) (*regexp.Regexp, error) {
	if f == "" {
		f = DefaultFilterString
	}
	return regexp.CompilePOSIX(f)
}
