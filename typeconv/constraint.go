package typeconv

import (
	"sort"
	"strings"
)

// Constraints upper-cases, de-duplicates and sorts constraint labels such as
// those found in information_schema.table_constraints.constraint_type.
func Constraints(labels []string) []string {
	if len(labels) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(labels))
	ret := make([]string, 0, len(labels))
	for _, l := range labels {
		l = strings.Join(strings.Fields(strings.ToUpper(l)), " ")
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		ret = append(ret, l)
	}
	sort.Strings(ret)
	if len(ret) == 0 {
		return nil
	}
	return ret
}
