// Package parser turns single-line "key:value,key:value" telemetry into typed records.
package parser

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/akave-ai/teleingest/internal/model"
)

const (
	// Version is attached to every record as parser_version.
	Version = "1.0"
	// DataSource identifies the ingestion channel.
	DataSource = "http_api"
)

// Parse converts a raw telemetry line into a Record. It never panics and never
// fails: problems are reported through Record.ParseError.
func Parse(raw string) (rec model.Record) {
	defer func() {
		if r := recover(); r != nil {
			rec = errorRecord(raw, fmt.Sprintf("%v", r))
		}
	}()

	if !utf8.ValidString(raw) || strings.ContainsRune(raw, 0) {
		return errorRecord(raw, "input is not valid UTF-8 text")
	}

	fields := make(map[string]model.Value)
	if strings.Contains(raw, ",") {
		for _, pair := range strings.Split(strings.TrimSpace(raw), ",") {
			addPair(fields, pair)
		}
	} else {
		addPair(fields, raw)
	}

	return model.Record{
		Fields:        fields,
		RawData:       raw,
		ParserVersion: Version,
		DataSource:    DataSource,
	}
}

func addPair(fields map[string]model.Value, pair string) {
	key, value, ok := strings.Cut(pair, ":")
	if !ok {
		return
	}
	fields[strings.ToLower(strings.TrimSpace(key))] = ConvertValue(strings.TrimSpace(value))
}

// ConvertValue applies the conversion policy: a value containing '.' may only
// become a float, any other value may only become an integer, and anything
// that does not parse stays a string.
func ConvertValue(s string) model.Value {
	if strings.Contains(s, ".") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return model.FloatValue(f)
		}
		return model.StringValue(s)
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return model.IntValue(i)
	}
	return model.StringValue(s)
}

func errorRecord(raw, msg string) model.Record {
	return model.Record{
		Fields:        map[string]model.Value{},
		RawData:       sanitize(raw),
		ParserVersion: Version,
		DataSource:    DataSource,
		ParseError:    msg,
	}
}

// sanitize makes raw storable in a Postgres text column.
func sanitize(raw string) string {
	return strings.ReplaceAll(strings.ToValidUTF8(raw, "\uFFFD"), "\x00", "")
}

// FieldDefinitions describes the well-known telemetry fields and the metadata
// attached by the parser.
func FieldDefinitions() map[string]string {
	defs := map[string]string{
		"roll":    "Roll angle in degrees",
		"pitch":   "Pitch angle in degrees",
		"yaw":     "Yaw angle in degrees",
		"alt":     "Altitude in meters",
		"gps_lat": "GPS latitude",
		"gps_lon": "GPS longitude",
		"bat_v":   "Battery voltage",
		"armed":   "Armed status (0/1)",
	}
	defs[model.KeyRawData] = "Original telemetry string"
	defs[model.KeyParserVersion] = "Parser version"
	defs[model.KeyDataSource] = "Data source identifier"
	return defs
}
