package aggregate

import (
	"strconv"
	"strings"

	"github.com/arkilian/lens/internal/calendar"
)

// NormalizeFields maps raw field names through the calendar whitelist,
// dropping duplicates. Unknown names are returned separately.
func NormalizeFields(raw []string) (fields, unknown []string) {
	seen := make(map[string]bool)
	fields = make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		f, ok := calendar.NormalizeField(r)
		if !ok {
			unknown = append(unknown, r)
			continue
		}
		if !seen[f] {
			seen[f] = true
			fields = append(fields, f)
		}
	}
	return fields, unknown
}

// SplitFieldList parses a comma-separated field list.
func SplitFieldList(s string) []string {
	return strings.Split(s, ",")
}

// Tuple is a group row's field values, keyed by calendar field name.
// A nil value stands for NULL.
type Tuple map[string]interface{}

// Project selects fields from t; absent fields become nil.
func (t Tuple) Project(fields []string) Tuple {
	out := make(Tuple, len(fields))
	for _, f := range fields {
		out[f] = normalizeValue(t[f])
	}
	return out
}

// Key encodes the tuple over fields canonically, NULL as "~".
func (t Tuple) Key(fields []string) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		switch v := normalizeValue(t[f]).(type) {
		case int64:
			parts[i] = strconv.FormatInt(v, 10)
		default:
			parts[i] = "~"
		}
	}
	return strings.Join(parts, ",")
}

func normalizeValue(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case *int64:
		if n == nil {
			return nil
		}
		return *n
	default:
		return nil
	}
}
