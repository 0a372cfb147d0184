package tasks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// timestamp layouts accepted for create_date and done_date; naive layouts are read as UTC
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// DecodeDraft reads one JSON object and turns it into a Draft.
// A body that is not a JSON object is reported as *SyntaxError.
func DecodeDraft(r io.Reader) (Draft, error) {
	var raw map[string]json.RawMessage
	dec := json.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		return Draft{}, &SyntaxError{Err: err}
	}
	if raw == nil {
		return Draft{}, &SyntaxError{Err: fmt.Errorf("body must be a JSON object")}
	}
	if _, err := dec.Token(); err != io.EOF {
		return Draft{}, &SyntaxError{Err: fmt.Errorf("unexpected data after JSON object")}
	}
	return ParseDraft(raw)
}

// ParseDraft coerces an untyped record into a Draft. Keys that are missing stay
// absent, JSON null becomes a present null. The id key is type checked and then
// dropped since ids are assigned by the store. Unknown keys are ignored.
func ParseDraft(raw map[string]json.RawMessage) (Draft, error) {
	var (
		d    Draft
		errs []FieldError
	)

	if v, ok := raw["id"]; ok && !isNull(v) {
		if _, err := coerceInt(v); err != nil {
			errs = append(errs, FieldError{Field: "id", Message: err.Error()})
		}
	}

	var err error
	if d.Title, err = stringField(raw, "title"); err != nil {
		errs = append(errs, FieldError{Field: "title", Message: err.Error()})
	}
	if d.Status, err = stringField(raw, "status"); err != nil {
		errs = append(errs, FieldError{Field: "status", Message: err.Error()})
	}
	if d.CreateDate, err = timeField(raw, "create_date"); err != nil {
		errs = append(errs, FieldError{Field: "create_date", Message: err.Error()})
	}
	if d.DoneDate, err = timeField(raw, "done_date"); err != nil {
		errs = append(errs, FieldError{Field: "done_date", Message: err.Error()})
	}

	if len(errs) > 0 {
		return Draft{}, &ValidationError{Details: errs}
	}
	return d, nil
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func stringField(raw map[string]json.RawMessage, key string) (Field[string], error) {
	v, ok := raw[key]
	if !ok {
		return Absent[string](), nil
	}
	if isNull(v) {
		return Null[string](), nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return Set(s), nil
	}
	// numbers are accepted and keep their literal text
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		return Set(n.String()), nil
	}
	return Field[string]{}, fmt.Errorf("must be a string")
}

func timeField(raw map[string]json.RawMessage, key string) (Field[time.Time], error) {
	v, ok := raw[key]
	if !ok {
		return Absent[time.Time](), nil
	}
	if isNull(v) {
		return Null[time.Time](), nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		ts, err := parseTime(s)
		if err != nil {
			return Field[time.Time]{}, err
		}
		return Set(ts), nil
	}
	var secs float64
	if err := json.Unmarshal(v, &secs); err == nil {
		ts, err := unixTime(secs)
		if err != nil {
			return Field[time.Time]{}, err
		}
		return Set(ts), nil
	}
	return Field[time.Time]{}, fmt.Errorf("must be a datetime")
}

// numbers above this are milliseconds since the epoch rather than seconds
const millisThreshold = 2e10

var (
	minUnix = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC).Unix()
	maxUnix = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC).Unix()
)

// unixTime reads a numeric timestamp. Values outside years 1..9999 are rejected.
func unixTime(secs float64) (time.Time, error) {
	if math.Abs(secs) > millisThreshold {
		secs /= 1000
	}
	if math.IsNaN(secs) || secs < float64(minUnix) || secs >= float64(maxUnix+1) {
		return time.Time{}, fmt.Errorf("datetime out of range")
	}
	whole := math.Floor(secs)
	nanos := math.Round((secs - whole) * float64(time.Second))
	return time.Unix(int64(whole), int64(nanos)).UTC(), nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return unixTime(float64(secs))
	}
	return time.Time{}, fmt.Errorf("invalid datetime format")
}

func coerceInt(v json.RawMessage) (int64, error) {
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		var s string
		if json.Unmarshal(v, &s) != nil {
			return 0, fmt.Errorf("must be an integer")
		}
		n = json.Number(strings.TrimSpace(s))
	}
	i, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	return i, nil
}
