package model

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// Metadata keys attached to every record. Parsed fields with the same name are
// shadowed by the metadata value when the record is flattened.
const (
	KeyRawData       = "raw_data"
	KeyParserVersion = "parser_version"
	KeyDataSource    = "data_source"
	KeyParseError    = "parse_error"
	KeyCreatedAt     = "created_at"
)

// TimestampLayout is the ISO-8601 layout used for created_at on the wire.
const TimestampLayout = time.RFC3339Nano

type ValueKind uint8

const (
	KindString ValueKind = iota
	KindInt
	KindFloat
)

func (k ValueKind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	default:
		return "string"
	}
}

// Value is a single parsed field value. It holds exactly one of an int64,
// a float64 or a string.
type Value struct {
	kind ValueKind
	i    int64
	f    float64
	s    string
}

func IntValue(v int64) Value     { return Value{kind: KindInt, i: v} }
func FloatValue(v float64) Value { return Value{kind: KindFloat, f: v} }
func StringValue(v string) Value { return Value{kind: KindString, s: v} }

func (v Value) Kind() ValueKind { return v.kind }

// Int returns the integer and true if the value holds an int64.
func (v Value) Int() (int64, bool) { return v.i, v.kind == KindInt }

// Float returns the float and true if the value holds a float64.
func (v Value) Float() (float64, bool) { return v.f, v.kind == KindFloat }

// Str returns the string and true if the value holds a string.
func (v Value) Str() (string, bool) { return v.s, v.kind == KindString }

// Any returns the underlying Go value.
func (v Value) Any() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	default:
		return v.s
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	default:
		return v.s
	}
}

// MarshalJSON keeps integral floats distinguishable from integers, so 45.0
// is written as 45.0 rather than 45.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindFloat && v.f == math.Trunc(v.f) && math.Abs(v.f) < 1e21 {
		return strconv.AppendFloat(nil, v.f, 'f', 1, 64), nil
	}
	return json.Marshal(v.Any())
}

// Record is one parsed telemetry line. Records are passed by value; the
// batcher stamps CreatedAt on its own copy.
type Record struct {
	Fields        map[string]Value
	RawData       string
	ParserVersion string
	DataSource    string
	ParseError    string
	CreatedAt     time.Time
}

// WithCreatedAt returns a copy of r with CreatedAt set to t.
func (r Record) WithCreatedAt(t time.Time) Record {
	r.CreatedAt = t.UTC()
	return r
}

// FieldsJSON encodes only the parsed fields, as stored in the fields column.
func (r Record) FieldsJSON() ([]byte, error) {
	if len(r.Fields) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(r.Fields)
}

// Flatten returns the record in its wire shape: parsed fields and metadata
// keys side by side.
func (r Record) Flatten() map[string]any {
	out := make(map[string]any, len(r.Fields)+5)
	for k, v := range r.Fields {
		out[k] = v.Any()
	}
	out[KeyRawData] = r.RawData
	out[KeyParserVersion] = r.ParserVersion
	out[KeyDataSource] = r.DataSource
	if r.ParseError != "" {
		out[KeyParseError] = r.ParseError
	}
	if !r.CreatedAt.IsZero() {
		out[KeyCreatedAt] = r.CreatedAt.UTC().Format(TimestampLayout)
	}
	return out
}

func (r Record) MarshalJSON() ([]byte, error) {
	flat := r.Flatten()
	for k, v := range r.Fields {
		if !IsMetadataKey(k) {
			flat[k] = v
		}
	}
	return json.Marshal(flat)
}

// IsMetadataKey reports whether k is one of the keys the service attaches to
// every record.
func IsMetadataKey(k string) bool {
	switch k {
	case KeyRawData, KeyParserVersion, KeyDataSource, KeyParseError, KeyCreatedAt:
		return true
	}
	return false
}

// BatchStatus is a point-in-time view of the pending batch. It is computed on
// demand and never persisted.
type BatchStatus struct {
	PendingCount   int  `json:"pending_count"`
	BatchSize      int  `json:"batch_size"`
	IsFull         bool `json:"is_full"`
	StoreReachable bool `json:"store_reachable"`
}

// FlushInfo describes the last confirmed flush.
type FlushInfo struct {
	BatchID string    `json:"batch_id"`
	Count   int       `json:"count"`
	At      time.Time `json:"at"`
}

// QueryParams selects stored records. OrderBy is either a fixed column or a
// parsed field name.
type QueryParams struct {
	Limit      int    `json:"limit" validate:"gte=0,lte=1000"`
	Offset     int    `json:"offset" validate:"gte=0"`
	OrderBy    string `json:"order_by" validate:"required,max=63,fieldname"`
	Descending bool   `json:"desc"`
}

// DefaultQueryParams mirrors the query endpoint defaults.
func DefaultQueryParams() QueryParams {
	return QueryParams{
		Limit:      100,
		Offset:     0,
		OrderBy:    KeyCreatedAt,
		Descending: true,
	}
}
