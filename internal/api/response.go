package api

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Rajchodisetti/options-engine/internal/backtest"
	"github.com/Rajchodisetti/options-engine/internal/correlation"
	"github.com/Rajchodisetti/options-engine/internal/ledger"
	"github.com/Rajchodisetti/options-engine/internal/observ"
	"github.com/Rajchodisetti/options-engine/internal/scheduler"
	"github.com/Rajchodisetti/options-engine/internal/strategy"
)

// Response is the envelope every endpoint writes.
type Response struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// FieldError describes one rejected request field.
type FieldError struct {
	Code    string         `json:"code,omitempty"`
	Field   string         `json:"field,omitempty"`
	Message string         `json:"message,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

var validate = validator.New()

func respond(c echo.Context, status int, data any) error {
	return c.JSON(status, Response{
		Status:  status,
		Message: http.StatusText(status),
		Data:    data,
	})
}

func ok(c echo.Context, data any) error      { return respond(c, http.StatusOK, data) }
func created(c echo.Context, data any) error { return respond(c, http.StatusCreated, data) }

func badRequest(c echo.Context, errs []FieldError) error {
	return respond(c, http.StatusBadRequest, errs)
}

// bindRequest binds the body and query, applies `default` tags and validates.
// It returns nil when the request is usable.
func bindRequest(c echo.Context, req any) []FieldError {
	if err := c.Bind(req); err != nil {
		return fieldErrors(err)
	}
	if err := defaults.Set(req); err != nil {
		return fieldErrors(err)
	}
	if err := validate.StructCtx(c.Request().Context(), req); err != nil {
		return fieldErrors(err)
	}
	return nil
}

func fieldErrors(err error) []FieldError {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		out := make([]FieldError, 0, len(verrs))
		for _, fe := range verrs {
			out = append(out, FieldError{
				Code:    "ERR_" + strings.ToUpper(fe.Tag()),
				Field:   fe.Field(),
				Message: fieldMessage(fe),
				Params:  fieldParams(fe),
			})
		}
		return out
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return []FieldError{{Code: "ERR_BIND", Message: fmt.Sprintf("%v", he.Message)}}
	}
	return []FieldError{{Code: "ERR_INVALID", Message: err.Error()}}
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must have at least %s items", field, fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gt", "gte", "lt", "lte":
		return fmt.Sprintf("%s must be %s %s", field, fe.Tag(), fe.Param())
	case "gtefield":
		return fmt.Sprintf("%s must not be before %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}

func fieldParams(fe validator.FieldError) map[string]any {
	switch fe.Tag() {
	case "min", "gte":
		return map[string]any{"min": fe.Param()}
	case "max", "lte":
		return map[string]any{"max": fe.Param()}
	case "oneof":
		return map[string]any{"options": strings.Split(fe.Param(), " ")}
	}
	return nil
}

// statusOf maps domain errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, strategy.ErrNotFound),
		errors.Is(err, scheduler.ErrInstanceNotFound),
		errors.Is(err, backtest.ErrTaskNotFound),
		errors.Is(err, correlation.ErrNotComputed),
		errors.Is(err, ledger.ErrUnknownAccount):
		return http.StatusNotFound
	case errors.Is(err, strategy.ErrStillRunning),
		errors.Is(err, strategy.ErrHoldingPosition),
		errors.Is(err, strategy.ErrIllegalTransition),
		errors.Is(err, scheduler.ErrStrategyExists),
		errors.Is(err, backtest.ErrInconclusive):
		return http.StatusConflict
	case errors.Is(err, strategy.ErrInvalid),
		errors.Is(err, strategy.ErrInvalidParams),
		errors.Is(err, strategy.ErrInvalidSymbol),
		errors.Is(err, correlation.ErrTooFewSymbols),
		errors.Is(err, correlation.ErrInvalidThreshold):
		return http.StatusBadRequest
	case errors.Is(err, backtest.ErrRunnerClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func fail(c echo.Context, err error) error {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		observ.Log("api_error", map[string]any{
			"level":  "error",
			"method": c.Request().Method,
			"path":   c.Path(),
			"error":  err.Error(),
		})
		return respond(c, status, "Something went wrong")
	}
	return respond(c, status, []FieldError{{Code: codeOf(status), Message: err.Error()}})
}

func codeOf(status int) string {
	switch status {
	case http.StatusNotFound:
		return "ERR_NOT_FOUND"
	case http.StatusConflict:
		return "ERR_CONFLICT"
	default:
		return "ERR_INVALID"
	}
}
