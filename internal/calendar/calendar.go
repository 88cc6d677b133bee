// Package calendar derives the time-bucket fields stored with every event.
package calendar

import (
	"strings"
	"time"

	"github.com/arkilian/lens/pkg/types"
)

// TimestampLayout is the textual form of the _timestamp column.
const TimestampLayout = "2006-01-02 15:04:05"

// Group field names, in the order they appear in the event table.
const (
	FieldYear    = "year"
	FieldMonth   = "month"
	FieldDay     = "day"
	FieldWeekday = "weekday"
	FieldISOWeek = "iso_week"
	FieldYearDay = "year_day"
	FieldHour    = "hour"
	FieldMinute  = "minute"
	FieldSecond  = "second"
)

// Fields is the whitelist of dimensions a group may aggregate on.
var Fields = []string{
	FieldYear, FieldMonth, FieldDay, FieldWeekday, FieldISOWeek,
	FieldYearDay, FieldHour, FieldMinute, FieldSecond,
}

var columns = map[string]string{
	FieldYear:    "_year",
	FieldMonth:   "_month",
	FieldDay:     "_day",
	FieldWeekday: "_weekday",
	FieldISOWeek: "_yearweek",
	FieldYearDay: "_yearday",
	FieldHour:    "_hour",
	FieldMinute:  "_minute",
	FieldSecond:  "_second",
}

// aliases accepts the physical column spellings as field names too.
var aliases = map[string]string{
	"yearweek": FieldISOWeek,
	"isoweek":  FieldISOWeek,
	"week":     FieldISOWeek,
	"yearday":  FieldYearDay,
}

// Decompose returns the UTC calendar fields of t.
func Decompose(t time.Time) types.CalendarFields {
	t = t.UTC()
	_, week := t.ISOWeek()
	return types.CalendarFields{
		Year:    t.Year(),
		Month:   int(t.Month()),
		Day:     t.Day(),
		Weekday: int(t.Weekday()),
		ISOWeek: week,
		YearDay: t.YearDay(),
		Hour:    t.Hour(),
		Minute:  t.Minute(),
		Second:  t.Second(),
	}
}

// FormatTimestamp renders t for the _timestamp column.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a _timestamp column value. Drivers that hand back
// RFC 3339 text for DATETIME columns are accepted as well.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.ParseInLocation(TimestampLayout, s, time.UTC)
	if err == nil {
		return t, nil
	}
	if t2, err2 := time.Parse(time.RFC3339Nano, s); err2 == nil {
		return t2.UTC(), nil
	}
	return time.Time{}, err
}

// NormalizeField maps a user-supplied field name onto the whitelist.
// The second result is false when the name is not a calendar field.
func NormalizeField(name string) (string, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if a, ok := aliases[name]; ok {
		name = a
	}
	_, ok := columns[name]
	return name, ok
}

// Column returns the physical column name for a whitelisted field.
func Column(field string) (string, bool) {
	col, ok := columns[field]
	return col, ok
}

// Columns returns the physical calendar column names in table order.
func Columns() []string {
	out := make([]string, len(Fields))
	for i, f := range Fields {
		out[i] = columns[f]
	}
	return out
}

// Values maps each calendar column name to its value in c.
func Values(c types.CalendarFields) map[string]interface{} {
	return map[string]interface{}{
		"_year":     c.Year,
		"_month":    c.Month,
		"_day":      c.Day,
		"_weekday":  c.Weekday,
		"_yearweek": c.ISOWeek,
		"_yearday":  c.YearDay,
		"_hour":     c.Hour,
		"_minute":   c.Minute,
		"_second":   c.Second,
	}
}

// FieldValues returns c keyed by group field name.
func FieldValues(c types.CalendarFields) map[string]int {
	return map[string]int{
		FieldYear:    c.Year,
		FieldMonth:   c.Month,
		FieldDay:     c.Day,
		FieldWeekday: c.Weekday,
		FieldISOWeek: c.ISOWeek,
		FieldYearDay: c.YearDay,
		FieldHour:    c.Hour,
		FieldMinute:  c.Minute,
		FieldSecond:  c.Second,
	}
}
