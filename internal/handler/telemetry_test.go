package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akave-ai/teleingest/internal/batcher"
	"github.com/akave-ai/teleingest/internal/model"
	"github.com/akave-ai/teleingest/internal/response"
	"github.com/akave-ai/teleingest/internal/service"
)

type stubBuffer struct {
	added   int
	flushOK bool
	pingOK  bool
}

func (b *stubBuffer) Add(context.Context, model.Record) bool {
	b.added++
	return true
}

func (b *stubBuffer) Flush(context.Context) bool {
	if b.flushOK {
		b.added = 0
	}
	return b.flushOK
}

func (b *stubBuffer) Status(context.Context) model.BatchStatus {
	return model.BatchStatus{PendingCount: b.added, BatchSize: 10, IsFull: b.added >= 10, StoreReachable: b.pingOK}
}

func (b *stubBuffer) LastFlush() (model.FlushInfo, bool) { return model.FlushInfo{}, false }

func (b *stubBuffer) Config() batcher.Config {
	return batcher.Config{BatchSize: 10, MaxRetries: 3}
}

type stubReader struct {
	got model.QueryParams
	err error
}

func (r *stubReader) Query(_ context.Context, p model.QueryParams) ([]map[string]any, error) {
	r.got = p
	if r.err != nil {
		return nil, r.err
	}
	return []map[string]any{{"id": int64(1), "roll": 1.5}}, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Status  int             `json:"status"`
	Path    string          `json:"path"`
}

func setup() (*echo.Echo, *stubBuffer, *stubReader) {
	buf := &stubBuffer{flushOK: true, pingOK: true}
	rd := &stubReader{}
	h := &TelemetryHandler{
		Service: service.NewTelemetryService(buf, rd, zerolog.Nop()),
		Log:     zerolog.Nop(),
	}
	e := echo.New()
	e.HTTPErrorHandler = response.HTTPErrorHandler
	h.Register(e)
	return e, buf, rd
}

func do(t *testing.T, e *echo.Echo, method, target, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func TestParse_StoresByDefault(t *testing.T) {
	e, buf, _ := setup()

	rec, env := do(t, e, http.MethodPost, "/telemetry/parse", "roll:15.2,pitch:8,mode:auto")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.Equal(t, 1, buf.added)

	var data map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &data))
	parsed := data["parsed_data"].(map[string]any)
	assert.Equal(t, 15.2, parsed["roll"])
	assert.Equal(t, "auto", parsed["mode"])
	assert.Equal(t, "http_api", parsed["data_source"])
	assert.Equal(t, true, data["stored"])
	assert.NotNil(t, data["batch_status"])
}

func TestParse_StoreFalse(t *testing.T) {
	e, buf, _ := setup()

	rec, env := do(t, e, http.MethodPost, "/telemetry/parse?store=FALSE", "alt:150.0")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, buf.added)
	assert.Contains(t, string(env.Data), `"alt":150.0`)
	assert.NotContains(t, string(env.Data), "stored")
}

func TestParse_EmptyBody(t *testing.T) {
	e, buf, _ := setup()

	rec, env := do(t, e, http.MethodPost, "/telemetry/parse", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, env.Success)
	assert.Equal(t, "no telemetry data provided", env.Error)
	assert.Equal(t, 0, buf.added)
}

func TestFlush(t *testing.T) {
	e, buf, _ := setup()

	rec, env := do(t, e, http.MethodPost, "/telemetry/batch/flush", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.Equal(t, "Batch flushed successfully", env.Message)

	buf.flushOK = false
	rec, env = do(t, e, http.MethodPost, "/telemetry/batch/flush", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, env.Success)
	assert.Equal(t, "Batch flush failed", env.Message)
	assert.Contains(t, string(env.Data), `"batch_status"`)
}

func TestBatchStatus(t *testing.T) {
	e, buf, _ := setup()
	buf.added = 4
	buf.pingOK = false

	rec, env := do(t, e, http.MethodGet, "/telemetry/batch/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"batch_status":{"pending_count":4,"batch_size":10,"is_full":false,"store_reachable":false}}`, string(env.Data))
}

func TestQuery_Defaults(t *testing.T) {
	e, _, rd := setup()

	rec, env := do(t, e, http.MethodGet, "/telemetry/query", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.DefaultQueryParams(), rd.got)
	assert.JSONEq(t, `{"records":[{"id":1,"roll":1.5}],"count":1,"limit":100,"offset":0}`, string(env.Data))
}

func TestQuery_Params(t *testing.T) {
	e, _, rd := setup()

	rec, _ := do(t, e, http.MethodGet, "/telemetry/query?limit=5&offset=10&order_by=roll&desc=false", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.QueryParams{Limit: 5, Offset: 10, OrderBy: "roll", Descending: false}, rd.got)
}

func TestQuery_BadParams(t *testing.T) {
	for _, target := range []string{
		"/telemetry/query?limit=abc",
		"/telemetry/query?limit=-1",
		"/telemetry/query?offset=-3",
		"/telemetry/query?offset=1.5",
		"/telemetry/query?order_by=roll%3Bdrop",
	} {
		t.Run(target, func(t *testing.T) {
			e, _, _ := setup()
			rec, env := do(t, e, http.MethodGet, target, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.False(t, env.Success)
		})
	}
}

func TestQuery_StoreError(t *testing.T) {
	e, _, rd := setup()
	rd.err = errors.New("connection refused")

	rec, env := do(t, e, http.MethodGet, "/telemetry/query", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, env.Error, "connection refused")
}

func TestHealth(t *testing.T) {
	e, buf, _ := setup()
	buf.pingOK = false

	rec, env := do(t, e, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var data map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, true, data["healthy"])
	assert.Equal(t, false, data["store_reachable"])
}

func TestConfig(t *testing.T) {
	e, _, _ := setup()

	rec, env := do(t, e, http.MethodGet, "/config", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var data map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, 10.0, data["batch_size"])
	assert.Equal(t, 3.0, data["max_retries"])
	assert.Contains(t, data["telemetry_fields"], "gps_lat")
}

func TestUnknownRoute(t *testing.T) {
	e, _, _ := setup()

	rec, env := do(t, e, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, env.Success)
	assert.Equal(t, "/nope", env.Path)
}
