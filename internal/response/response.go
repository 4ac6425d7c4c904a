package response

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// APIResponse is the standard success response shape.
type APIResponse struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data"`
	Message   string `json:"message,omitempty"`
	Status    int    `json:"status"`
	Path      string `json:"path"`
	Timestamp string `json:"timestamp"`
}

// APIError is the standard error response shape.
type APIError struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Error     string `json:"error"`
	Status    int    `json:"status"`
	Path      string `json:"path"`
	Timestamp string `json:"timestamp"`
}

// now is replaced in tests.
var now = time.Now

func timestamp() string {
	return now().UTC().Format(time.RFC3339Nano)
}

// pathFromContext returns the request path from Echo context.
func pathFromContext(c echo.Context) string {
	if c == nil || c.Request() == nil {
		return ""
	}
	return c.Request().URL.Path
}

// JSON sends data in the success envelope with the given status. success is
// reported separately so that an operation can fail with a full body, as a
// failed flush does.
func JSON(c echo.Context, status int, success bool, data any, message string) error {
	return c.JSON(status, APIResponse{
		Success:   success,
		Data:      data,
		Message:   message,
		Status:    status,
		Path:      pathFromContext(c),
		Timestamp: timestamp(),
	})
}

// OK sends a 200 response with data.
func OK(c echo.Context, data any, message string) error {
	return JSON(c, http.StatusOK, true, data, message)
}

// Error sends a JSON error response using APIError.
func Error(c echo.Context, status int, message, errDetail string) error {
	return c.JSON(status, APIError{
		Success:   false,
		Message:   message,
		Error:     errDetail,
		Status:    status,
		Path:      pathFromContext(c),
		Timestamp: timestamp(),
	})
}

// BadRequest sends 400 with message and error detail.
func BadRequest(c echo.Context, message, errDetail string) error {
	return Error(c, http.StatusBadRequest, message, errDetail)
}

// InternalError sends 500 with message and error detail.
func InternalError(c echo.Context, message, errDetail string) error {
	return Error(c, http.StatusInternalServerError, message, errDetail)
}

// HTTPErrorHandler renders errors returned by handlers and middleware, such as
// 404s, 405s and oversized bodies, in the error envelope.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	message := http.StatusText(status)
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		if m, ok := he.Message.(string); ok {
			message = m
		} else {
			message = http.StatusText(status)
		}
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = Error(c, status, message, err.Error())
}
