package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/akave-ai/teleingest/internal/model"
	"github.com/akave-ai/teleingest/internal/response"
	"github.com/akave-ai/teleingest/internal/service"
)

const maxLoggedBody = 2048

// TelemetryHandler maps the telemetry service onto HTTP. It does not depend
// on Echo beyond echo.Context.
type TelemetryHandler struct {
	Service *service.TelemetryService
	Log     zerolog.Logger
}

// Register mounts the telemetry routes on e.
func (h *TelemetryHandler) Register(e *echo.Echo) {
	e.POST("/telemetry/parse", h.Parse)
	e.POST("/telemetry/batch/flush", h.Flush)
	e.GET("/telemetry/batch/status", h.BatchStatus)
	e.GET("/telemetry/query", h.Query)
	e.GET("/health", h.Health)
	e.GET("/config", h.Config)
}

// Parse parses the request body and buffers it unless store=false
// (POST /telemetry/parse).
func (h *TelemetryHandler) Parse(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return response.BadRequest(c, "invalid request", "read body: "+err.Error())
	}

	preview := string(body)
	if len(preview) > maxLoggedBody {
		preview = preview[:maxLoggedBody] + "..."
	}
	h.Log.Debug().Int("bytes", len(body)).Str("body", preview).Msg("received telemetry")

	res, err := h.Service.Ingest(c.Request().Context(), string(body), boolParam(c, "store", true))
	if err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			return response.BadRequest(c, "invalid request", verr.Error())
		}
		h.Log.Error().Err(err).Msg("ingest telemetry")
		return response.InternalError(c, "failed to parse telemetry", err.Error())
	}
	return response.OK(c, res, "")
}

// Flush forces a flush of the pending batch (POST /telemetry/batch/flush).
// A failed flush is a 500 carrying the batch status.
func (h *TelemetryHandler) Flush(c echo.Context) error {
	res := h.Service.FlushNow(c.Request().Context())
	status := http.StatusOK
	if !res.Success {
		status = http.StatusInternalServerError
	}
	return response.JSON(c, status, res.Success, res, res.Message)
}

// BatchStatus returns the pending batch state (GET /telemetry/batch/status).
func (h *TelemetryHandler) BatchStatus(c echo.Context) error {
	return response.OK(c, h.Service.GetBatchStatus(c.Request().Context()), "")
}

// Query lists stored records (GET /telemetry/query).
func (h *TelemetryHandler) Query(c echo.Context) error {
	params, err := queryParams(c)
	if err != nil {
		return response.BadRequest(c, "invalid query parameters", err.Error())
	}

	res, err := h.Service.Query(c.Request().Context(), params)
	if err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			return response.BadRequest(c, "invalid query parameters", verr.Error())
		}
		h.Log.Error().Err(err).Msg("query telemetry")
		return response.InternalError(c, "failed to query telemetry", err.Error())
	}
	return response.OK(c, res, "")
}

// Health reports liveness and store reachability (GET /health).
func (h *TelemetryHandler) Health(c echo.Context) error {
	return response.OK(c, h.Service.HealthCheck(c.Request().Context()), "")
}

// Config returns field definitions and batching settings (GET /config).
func (h *TelemetryHandler) Config(c echo.Context) error {
	return response.OK(c, h.Service.GetConfig(), "")
}

func queryParams(c echo.Context) (model.QueryParams, error) {
	p := model.DefaultQueryParams()
	var err error
	if p.Limit, err = intParam(c, "limit", p.Limit); err != nil {
		return p, err
	}
	if p.Offset, err = intParam(c, "offset", p.Offset); err != nil {
		return p, err
	}
	if v := strings.TrimSpace(c.QueryParam("order_by")); v != "" {
		p.OrderBy = v
	}
	p.Descending = boolParam(c, "desc", p.Descending)
	return p, nil
}

func intParam(c echo.Context, name string, def int) (int, error) {
	v := strings.TrimSpace(c.QueryParam(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &service.ValidationError{Field: name, Message: "must be a non-negative integer"}
	}
	return n, nil
}

// boolParam is true only for a case-insensitive "true"; an absent parameter
// yields def.
func boolParam(c echo.Context, name string, def bool) bool {
	v := c.QueryParam(name)
	if v == "" {
		return def
	}
	return strings.EqualFold(strings.TrimSpace(v), "true")
}
