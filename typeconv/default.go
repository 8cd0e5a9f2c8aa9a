package typeconv

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

func isCurrentTimestamp(d string) bool {
	switch d {
	case "now()", "current_timestamp", "current_timestamp()", "getdate()",
		"sysdatetime()", "localtimestamp", "transaction_timestamp()":
		return true
	}
	return false
}

// trailingCast matches a `::type` cast at the end of a PostgreSQL default,
// e.g. `::character varying` or `::timestamp(6) without time zone`.
var trailingCast = regexp.MustCompile(`::[a-zA-Z_][a-zA-Z0-9_ ."]*(\(\d+(,\s*\d+)?\))?[a-zA-Z ]*(\[\])?$`)

// PGDefault normalizes a PostgreSQL or CockroachDB column_default.
func PGDefault(raw *string) *string {
	if raw == nil {
		return nil
	}
	d := strings.TrimSpace(*raw)
	for {
		loc := trailingCast.FindStringIndex(d)
		if loc == nil || insideQuotes(d, loc[0]) {
			break
		}
		cast := strings.ToLower(d[loc[0]:])
		d = stripParens(strings.TrimSpace(d[:loc[0]]))
		// Negative numbers are reported as quoted literals, e.g. '-1'::integer.
		if numericCast(cast) && len(d) > 2 && d[0] == '\'' && d[len(d)-1] == '\'' {
			if _, err := strconv.ParseFloat(d[1:len(d)-1], 64); err == nil {
				d = d[1 : len(d)-1]
			}
		}
	}
	return finishDefault(d)
}

func numericCast(cast string) bool {
	for _, t := range []string{"int", "numeric", "decimal", "real", "double", "float"} {
		if strings.Contains(cast, t) {
			return true
		}
	}
	return false
}

// MySQLDefault normalizes a MySQL column_default. MySQL reports literal
// defaults unquoted, so literals of character and temporal types are quoted
// unless extra marks the default as an expression.
func MySQLDefault(raw *string, dataType string, extra string) *string {
	if raw == nil {
		return nil
	}
	d := strings.TrimSpace(*raw)
	if strings.EqualFold(d, "NULL") {
		return nil
	}
	isExpr := strings.Contains(strings.ToUpper(extra), "DEFAULT_GENERATED")
	if !isExpr && quotedMySQLType(strings.ToLower(dataType)) && !strings.HasPrefix(d, "'") {
		if !isCurrentTimestamp(strings.ToLower(d)) {
			d = "'" + strings.ReplaceAll(d, "'", "''") + "'"
		}
	}
	if isExpr {
		d = stripParens(d)
	}
	return finishDefault(d)
}

func quotedMySQLType(dataType string) bool {
	switch dataType {
	case "char", "varchar", "text", "tinytext", "mediumtext", "longtext",
		"enum", "set", "date", "datetime", "timestamp", "time", "year",
		"binary", "varbinary", "blob", "tinyblob", "mediumblob", "longblob":
		return true
	}
	return false
}

// MSSQLDefault normalizes a SQL Server column_default, which is reported
// wrapped in parentheses, e.g. `((0))` or `(getdate())`.
func MSSQLDefault(raw *string) *string {
	if raw == nil {
		return nil
	}
	d := stripParens(strings.TrimSpace(*raw))
	if strings.HasPrefix(d, "N'") || strings.HasPrefix(d, "n'") {
		d = d[1:]
	}
	return finishDefault(d)
}

func finishDefault(d string) *string {
	d = lowerOutsideQuotes(strings.TrimSpace(d))
	if strings.EqualFold(d, "null") {
		return nil
	}
	if isCurrentTimestamp(d) {
		d = "current_timestamp"
	}
	return &d
}

// stripParens removes parentheses wrapping the whole of s.
func stripParens(s string) string {
	for len(s) >= 2 && s[0] == '(' && s[len(s)-1] == ')' && closingParen(s) == len(s)-1 {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

// closingParen returns the index of the parenthesis closing s[0].
func closingParen(s string) int {
	depth := 0
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\'':
			inQuote = !inQuote
		case inQuote:
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func insideQuotes(s string, pos int) bool {
	return strings.Count(s[:pos], "'")%2 == 1
}

func lowerOutsideQuotes(s string) string {
	var sb strings.Builder
	inQuote := false
	for _, r := range s {
		if r == '\'' {
			inQuote = !inQuote
		}
		if !inQuote {
			r = unicode.ToLower(r)
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
