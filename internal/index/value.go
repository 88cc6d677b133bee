package index

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/arkilian/lens/pkg/types"
)

// Values maps each index column to its value drawn from payload. Indexes
// whose key is missing or whose value cannot be coerced map to nil, so a
// re-index clears stale values.
func Values(indexes []*types.Index, payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(indexes))
	for _, idx := range indexes {
		v, ok := payload[idx.Name]
		if !ok {
			out[idx.Name] = nil
			continue
		}
		out[idx.Name] = Coerce(idx, v)
	}
	return out
}

// Coerce converts a decoded JSON value to the index column type.
func Coerce(idx *types.Index, v interface{}) interface{} {
	switch idx.Type {
	case types.IndexInt:
		if n, ok := toInt(v); ok {
			return n
		}
		return nil
	default:
		s, ok := toText(v)
		if !ok {
			return nil
		}
		return truncate(s, idx.Length)
	}
}

func toText(v interface{}) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

func toInt(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return floatToInt(f)
	case float64:
		return floatToInt(t)
	case int:
		return int64(t), true
	case int64:
		return t, true
	case string:
		s := strings.TrimSpace(t)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return floatToInt(f)
		}
		return 0, false
	default:
		return 0, false
	}
}

func floatToInt(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

// truncate cuts s to at most n runes; n <= 0 leaves it unchanged.
func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
