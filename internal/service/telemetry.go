// Package service implements the telemetry operations exposed over HTTP:
// ingest, flush, status, query, health and config.
package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/akave-ai/teleingest/internal/batcher"
	"github.com/akave-ai/teleingest/internal/model"
	"github.com/akave-ai/teleingest/internal/parser"
)

// Buffer is the batching side used by the service. *batcher.Batcher
// satisfies it.
type Buffer interface {
	Add(ctx context.Context, rec model.Record) bool
	Flush(ctx context.Context) bool
	Status(ctx context.Context) model.BatchStatus
	LastFlush() (model.FlushInfo, bool)
	Config() batcher.Config
}

// Reader queries stored telemetry. *repository.TelemetryRepository
// satisfies it.
type Reader interface {
	Query(ctx context.Context, params model.QueryParams) ([]map[string]any, error)
}

// ValidationError reports a request that cannot be served as given.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// ErrNoData is returned by Ingest for an empty body.
var ErrNoData = &ValidationError{Message: "no telemetry data provided"}

var fieldNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// IngestResult is the outcome of Ingest. Stored and BatchStatus are set only
// when storage was requested.
type IngestResult struct {
	Record      model.Record       `json:"parsed_data"`
	Stored      *bool              `json:"stored,omitempty"`
	BatchStatus *model.BatchStatus `json:"batch_status,omitempty"`
}

type FlushResult struct {
	Success     bool              `json:"success"`
	Message     string            `json:"message"`
	BatchStatus model.BatchStatus `json:"batch_status"`
}

type StatusResult struct {
	BatchStatus model.BatchStatus `json:"batch_status"`
	LastFlush   *model.FlushInfo  `json:"last_flush,omitempty"`
}

type QueryResult struct {
	Records []map[string]any `json:"records"`
	Count   int              `json:"count"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

type HealthResult struct {
	Healthy        bool              `json:"healthy"`
	StoreReachable bool              `json:"store_reachable"`
	BatchStatus    model.BatchStatus `json:"batch_status"`
}

type ConfigInfo struct {
	FieldDefinitions map[string]string `json:"telemetry_fields"`
	BatchSize        int               `json:"batch_size"`
	MaxRetries       int               `json:"max_retries"`
}

// TelemetryService wires the parser, the batch buffer and the store reader.
type TelemetryService struct {
	buffer   Buffer
	reader   Reader
	validate *validator.Validate
	log      zerolog.Logger
}

// NewTelemetryService returns a TelemetryService.
func NewTelemetryService(buffer Buffer, reader Reader, log zerolog.Logger) *TelemetryService {
	return &TelemetryService{
		buffer:   buffer,
		reader:   reader,
		validate: newValidator(),
		log:      log,
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// registration only fails for an empty tag or nil func
	_ = v.RegisterValidation("fieldname", func(fl validator.FieldLevel) bool {
		return fieldNamePattern.MatchString(fl.Field().String())
	})
	return v
}

// Ingest parses raw and, when store is set, hands the record to the buffer.
// Only an empty input fails; parse problems are reported inside the record
// and a failed flush only clears Stored.
func (s *TelemetryService) Ingest(ctx context.Context, raw string, store bool) (*IngestResult, error) {
	if raw == "" {
		return nil, ErrNoData
	}

	rec := parser.Parse(raw)
	if rec.ParseError != "" {
		s.log.Warn().Str("parse_error", rec.ParseError).Msg("telemetry line could not be parsed")
	}

	res := &IngestResult{Record: rec}
	if !store {
		return res, nil
	}

	stored := s.buffer.Add(ctx, rec)
	if !stored {
		s.log.Warn().Msg("failed to store telemetry record")
	}
	st := s.buffer.Status(ctx)
	res.Stored = &stored
	res.BatchStatus = &st
	return res, nil
}

// FlushNow forces a flush of the pending batch.
func (s *TelemetryService) FlushNow(ctx context.Context) FlushResult {
	ok := s.buffer.Flush(ctx)
	msg := "Batch flushed successfully"
	if !ok {
		msg = "Batch flush failed"
	}
	return FlushResult{
		Success:     ok,
		Message:     msg,
		BatchStatus: s.buffer.Status(ctx),
	}
}

func (s *TelemetryService) GetBatchStatus(ctx context.Context) StatusResult {
	res := StatusResult{BatchStatus: s.buffer.Status(ctx)}
	if info, ok := s.buffer.LastFlush(); ok {
		res.LastFlush = &info
	}
	return res
}

// Query validates params and reads stored records. Invalid params yield a
// *ValidationError.
func (s *TelemetryService) Query(ctx context.Context, params model.QueryParams) (*QueryResult, error) {
	if err := s.validateQuery(params); err != nil {
		return nil, err
	}

	rows, err := s.reader.Query(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("query telemetry: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return &QueryResult{
		Records: rows,
		Count:   len(rows),
		Limit:   params.Limit,
		Offset:  params.Offset,
	}, nil
}

func (s *TelemetryService) validateQuery(params model.QueryParams) error {
	err := s.validate.Struct(params)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Message: err.Error()}
	}
	fe := verrs[0]
	return &ValidationError{Field: fe.Field(), Message: validationMessage(fe)}
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "gte":
		return "must be a non-negative integer"
	case "lte", "max":
		return "must be at most " + fe.Param()
	case "required":
		return "is required"
	case "fieldname":
		return "must match " + fieldNamePattern.String()
	}
	return "failed " + fe.Tag() + " validation"
}

// HealthCheck always reports the service healthy; store reachability is
// reported separately so that ingestion is not considered down with it.
func (s *TelemetryService) HealthCheck(ctx context.Context) HealthResult {
	st := s.buffer.Status(ctx)
	return HealthResult{
		Healthy:        true,
		StoreReachable: st.StoreReachable,
		BatchStatus:    st,
	}
}

func (s *TelemetryService) GetConfig() ConfigInfo {
	cfg := s.buffer.Config()
	return ConfigInfo{
		FieldDefinitions: parser.FieldDefinitions(),
		BatchSize:        cfg.BatchSize,
		MaxRetries:       cfg.MaxRetries,
	}
}
