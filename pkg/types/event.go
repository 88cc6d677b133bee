package types

import "time"

// CalendarFields is the UTC decomposition of an event's ingestion instant.
type CalendarFields struct {
	Year    int `json:"year"`
	Month   int `json:"month"`    // 1-12
	Day     int `json:"day"`      // 1-31
	Weekday int `json:"weekday"`  // 0-6, 0 = Sunday
	ISOWeek int `json:"iso_week"` // ISO-8601 week of the year, 1-53
	YearDay int `json:"year_day"` // 1-366
	Hour    int `json:"hour"`     // 0-23
	Minute  int `json:"minute"`   // 0-59
	Second  int `json:"second"`   // 0-59
}

// Event is a single row in a sink's event table.
type Event struct {
	// UUID is the event's unique identifier
	UUID string `json:"uuid"`

	// Timestamp is the ingestion instant in UTC, truncated to the second
	Timestamp time.Time `json:"timestamp"`

	// Calendar holds the derived calendar fields; they are never rewritten
	Calendar CalendarFields `json:"calendar"`

	// Dirty means the event is not yet reflected in index columns and aggregates
	Dirty bool `json:"dirty"`

	// Kind is the optional event type tag copied from the payload's "kind" key
	Kind *string `json:"kind,omitempty"`

	// Payload is the serialized JSON document as it was stored
	Payload string `json:"payload"`

	// Indexed holds the values of the sink's secondary index columns
	Indexed map[string]interface{} `json:"indexed,omitempty"`
}
