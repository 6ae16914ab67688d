package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/parking-occupancy/internal/service"
)

// errorBody is the JSON shape of every failed response.
type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func statusFor(k service.Kind) int {
	switch k {
	case service.KindAlreadyOccupying, service.KindLotFull, service.KindAlreadyPaid, service.KindConflict:
		return http.StatusConflict
	case service.KindLotNotFound, service.KindSpaceNotFound, service.KindUserNotFound, service.KindNoActiveSession:
		return http.StatusNotFound
	case service.KindPaymentRequired, service.KindSolvencyRequired:
		return http.StatusPaymentRequired
	case service.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case service.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case service.KindInvalidInput:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeError renders err.  Service errors keep their kind; anything else is
// an opaque 500.
func writeError(c echo.Context, err error) error {
	var se *service.Error
	if !errors.As(err, &se) {
		c.Logger().Errorf("unhandled error on %s %s: %v", c.Request().Method, c.Path(), err)
		return c.JSON(http.StatusInternalServerError, errorBody{Error: "INTERNAL", Message: "internal error"})
	}
	status := statusFor(se.Kind)
	if status >= http.StatusInternalServerError {
		c.Logger().Warnf("%s %s: %v", c.Request().Method, c.Path(), err)
	}
	if se.Kind == service.KindRateLimitExceeded {
		c.Response().Header().Set("Retry-After", "60")
	}
	return c.JSON(status, errorBody{Error: string(se.Kind), Message: se.Message, Retryable: se.Retryable()})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorBody{Error: string(service.KindInvalidInput), Message: msg})
}
