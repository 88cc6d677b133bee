package db

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Drivers disagree on how DATETIME, INTEGER and TEXT columns come back
// (time.Time, []byte, int64, string). These helpers normalise values
// scanned into interface{}.

var timeLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05",
}

// AsTime converts a scanned DATETIME value to UTC.
func AsTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case []byte:
		return parseTime(string(t))
	case string:
		return parseTime(t)
	case nil:
		return time.Time{}, fmt.Errorf("db: null timestamp")
	default:
		return time.Time{}, fmt.Errorf("db: unexpected timestamp type %T", v)
	}
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("db: unparseable timestamp %q", s)
}

// AsInt64 converts a scanned integer value. ok is false for NULL.
func AsInt64(v interface{}) (n int64, ok bool, err error) {
	switch t := v.(type) {
	case nil:
		return 0, false, nil
	case int64:
		return t, true, nil
	case int32:
		return int64(t), true, nil
	case int:
		return int64(t), true, nil
	case uint64:
		return int64(t), true, nil
	case float64:
		return int64(t), true, nil
	case []byte:
		n, err := strconv.ParseInt(string(t), 10, 64)
		return n, err == nil, err
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil, err
	default:
		return 0, false, fmt.Errorf("db: unexpected integer type %T", v)
	}
}

// AsString converts a scanned text value. ok is false for NULL.
func AsString(v interface{}) (s string, ok bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case []byte:
		return string(t), true
	case time.Time:
		return t.UTC().Format("2006-01-02 15:04:05"), true
	default:
		return fmt.Sprint(t), true
	}
}
