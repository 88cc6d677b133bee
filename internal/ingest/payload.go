package ingest

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"

	lenserrors "github.com/arkilian/lens/internal/errors"
	"github.com/arkilian/lens/internal/manifest"
)

// KindKey is the payload key copied into the _kind column.
const KindKey = "kind"

// NormalizePayload turns a caller's payload into the serialized document that
// is stored and the decoded object used for kind extraction. Structured values
// are marshalled; nil and empty input become "{}"; strings, byte slices and
// json.RawMessage are stored verbatim but must hold a JSON object.
func NormalizePayload(payload interface{}) (string, map[string]interface{}, error) {
	switch v := payload.(type) {
	case nil:
		return "{}", map[string]interface{}{}, nil
	case string:
		return normalizeRaw(v)
	case []byte:
		return normalizeRaw(string(v))
	case json.RawMessage:
		return normalizeRaw(string(v))
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", nil, lenserrors.Wrap(lenserrors.ErrCategoryValidation, lenserrors.CodeInvalidPayload,
			"event payload cannot be serialized", err)
	}
	if string(data) == "null" {
		return "{}", map[string]interface{}{}, nil
	}
	fields, ok := decodeObject(data)
	if !ok {
		return "", nil, lenserrors.NewValidationError(lenserrors.CodeInvalidPayload,
			"event payload must serialize to a JSON object")
	}
	return string(data), fields, nil
}

func normalizeRaw(s string) (string, map[string]interface{}, error) {
	if strings.TrimSpace(s) == "" {
		return "{}", map[string]interface{}{}, nil
	}
	fields, ok := decodeObject([]byte(s))
	if !ok {
		return "", nil, lenserrors.NewValidationError(lenserrors.CodeInvalidPayload,
			"event payload is not a JSON object")
	}
	return s, fields, nil
}

func decodeObject(data []byte) (map[string]interface{}, bool) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}
	return fields, true
}

// Kind extracts the optional event type tag. Strings are kept (truncated to
// the column width) and numbers are formatted; any other value is ignored.
func Kind(fields map[string]interface{}) *string {
	var s string
	switch v := fields[KindKey].(type) {
	case string:
		s = v
	case json.Number:
		s = v.String()
	default:
		return nil
	}
	if utf8.RuneCountInString(s) > manifest.MaxKindLength {
		s = string([]rune(s)[:manifest.MaxKindLength])
	}
	return &s
}
