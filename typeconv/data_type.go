// Package typeconv normalizes column metadata from each relational dialect
// into a single vocabulary. Data types are expressed as PostgreSQL type
// names so that columns from different dialects can be compared.
package typeconv

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq/oid"
)

// Modifiers are the type modifiers reported by information_schema.
type Modifiers struct {
	// Length is the character or bit length. -1 means unbounded (max).
	Length    *int64
	Precision *int64
	Scale     *int64
}

var nameToOID = func() map[string]oid.Oid {
	ret := make(map[string]oid.Oid, len(oid.TypeName))
	for o, n := range oid.TypeName {
		ret[strings.ToLower(n)] = o
	}
	return ret
}()

// OIDName returns the canonical lower-case name of o.
func OIDName(o oid.Oid) string {
	if o == oid.T_json {
		o = oid.T_jsonb
	}
	if n, ok := oid.TypeName[o]; ok {
		return strings.ToLower(n)
	}
	return fmt.Sprintf("oid%d", o)
}

// PGDataType normalizes a PostgreSQL or CockroachDB column given its
// information_schema udt_name. Arrays are reported with a leading underscore
// on the udt_name.
func PGDataType(udtName string, mods Modifiers) string {
	udtName = strings.ToLower(strings.TrimSpace(udtName))
	if strings.HasPrefix(udtName, "_") {
		return PGDataType(udtName[1:], Modifiers{}) + "[]"
	}
	o, ok := nameToOID[udtName]
	if !ok {
		// Enums and other user defined types keep their name.
		return udtName
	}
	return render(o, mods)
}

// MySQLDataType normalizes a MySQL column given its information_schema
// data_type and column_type.
func MySQLDataType(dataType, columnType string) string {
	dataType = strings.ToLower(strings.TrimSpace(dataType))
	o := mysqlDataTypeToOID(dataType)
	if o == oid.T_unknown {
		return dataType
	}
	return render(o, parseColumnTypeMods(o, columnType))
}

func mysqlDataTypeToOID(dataType string) oid.Oid {
	switch dataType {
	case "integer", "int", "mediumint":
		return oid.T_int4
	case "smallint", "tinyint", "year":
		return oid.T_int2
	case "bigint":
		return oid.T_int8
	case "decimal", "numeric":
		return oid.T_numeric
	case "float":
		return oid.T_float4
	case "double", "real":
		return oid.T_float8
	case "bit":
		return oid.T_varbit
	case "bool", "boolean":
		return oid.T_bool
	case "date":
		return oid.T_date
	case "datetime":
		return oid.T_timestamp
	case "timestamp":
		return oid.T_timestamptz
	case "time":
		return oid.T_time
	case "char":
		return oid.T_bpchar
	case "varchar":
		return oid.T_varchar
	case "binary", "varbinary", "blob", "tinyblob", "mediumblob", "longblob":
		return oid.T_bytea
	case "text", "tinytext", "mediumtext", "longtext", "enum", "set":
		return oid.T_text
	case "json":
		return oid.T_jsonb
	}
	return oid.T_unknown
}

// parseColumnTypeMods reads the modifiers from a MySQL column_type such as
// `varchar(255)` or `decimal(10,2) unsigned`. Integer display widths are
// ignored.
func parseColumnTypeMods(o oid.Oid, columnType string) Modifiers {
	open := strings.IndexByte(columnType, '(')
	end := strings.IndexByte(columnType, ')')
	if open < 0 || end < open {
		return Modifiers{}
	}
	parts := strings.Split(columnType[open+1:end], ",")
	var nums []int64
	for _, p := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return Modifiers{}
		}
		nums = append(nums, n)
	}
	switch o {
	case oid.T_numeric:
		ret := Modifiers{Precision: &nums[0]}
		if len(nums) > 1 {
			ret.Scale = &nums[1]
		}
		return ret
	case oid.T_varchar, oid.T_bpchar, oid.T_varbit:
		return Modifiers{Length: &nums[0]}
	}
	return Modifiers{}
}

// MSSQLDataType normalizes a SQL Server column given its information_schema
// data_type.
func MSSQLDataType(dataType string, mods Modifiers) string {
	dataType = strings.ToLower(strings.TrimSpace(dataType))
	var o oid.Oid
	switch dataType {
	case "int":
		o = oid.T_int4
	case "bigint":
		o = oid.T_int8
	case "smallint", "tinyint":
		o = oid.T_int2
	case "bit":
		o = oid.T_bool
	case "decimal", "numeric":
		o = oid.T_numeric
	case "money":
		p, s := int64(19), int64(4)
		mods = Modifiers{Precision: &p, Scale: &s}
		o = oid.T_numeric
	case "smallmoney":
		p, s := int64(10), int64(4)
		mods = Modifiers{Precision: &p, Scale: &s}
		o = oid.T_numeric
	case "float":
		o = oid.T_float8
	case "real":
		o = oid.T_float4
	case "date":
		o = oid.T_date
	case "datetime", "datetime2", "smalldatetime":
		o = oid.T_timestamp
	case "datetimeoffset":
		o = oid.T_timestamptz
	case "time":
		o = oid.T_time
	case "char", "nchar":
		o = oid.T_bpchar
	case "varchar", "nvarchar":
		o = oid.T_varchar
	case "text", "ntext":
		o = oid.T_text
	case "binary", "varbinary", "image", "rowversion", "timestamp":
		o = oid.T_bytea
	case "uniqueidentifier":
		o = oid.T_uuid
	case "xml":
		o = oid.T_xml
	default:
		return dataType
	}
	return render(o, mods)
}

func render(o oid.Oid, mods Modifiers) string {
	name := OIDName(o)
	switch o {
	case oid.T_varchar, oid.T_bpchar, oid.T_bit, oid.T_varbit:
		if mods.Length == nil {
			return name
		}
		if *mods.Length < 0 {
			return name + "(max)"
		}
		return fmt.Sprintf("%s(%d)", name, *mods.Length)
	case oid.T_numeric:
		if mods.Precision == nil {
			return name
		}
		if mods.Scale == nil {
			return fmt.Sprintf("%s(%d)", name, *mods.Precision)
		}
		return fmt.Sprintf("%s(%d,%d)", name, *mods.Precision, *mods.Scale)
	}
	return name
}
