package middleware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/parking-occupancy/internal/idempotency"
	"github.com/iliyamo/parking-occupancy/internal/logger"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"

	maxKeyLength = 128
)

// captureWriter copies the response body (up to limit bytes) while
// forwarding it to the client.
type captureWriter struct {
	http.ResponseWriter
	status   int
	buf      bytes.Buffer
	limit    int64
	overflow bool
}

func (cw *captureWriter) WriteHeader(code int) {
	cw.status = code
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	if !cw.overflow {
		if cw.limit > 0 && int64(cw.buf.Len()+len(b)) > cw.limit {
			cw.overflow = true
			cw.buf.Reset()
		} else {
			cw.buf.Write(b)
		}
	}
	return cw.ResponseWriter.Write(b)
}

// Idempotency replays the first response of a mutating request for every
// retry that carries the same Idempotency-Key.  Keys are scoped to the
// caller, method and requested path, so two users cannot collide and one key
// sent to /lots/1 and /lots/2 addresses two different operations.  Responses larger than
// maxBody are served but not recorded.
func Idempotency(g *idempotency.Guard, maxBody int64, log *logger.Logger) echo.MiddlewareFunc {
	log = logger.OrNop(log).With("component", "idempotency_middleware")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			raw := strings.TrimSpace(req.Header.Get(HeaderIdempotencyKey))
			if raw == "" || req.Method == http.MethodGet || req.Method == http.MethodHead {
				return next(c)
			}
			if len(raw) > maxKeyLength {
				return c.JSON(http.StatusBadRequest, echo.Map{
					"error": "INVALID_INPUT", "message": "idempotency key too long", "retryable": false,
				})
			}

			key := fmt.Sprintf("%s:%s:%s:%s", subject(c), req.Method, req.URL.Path, raw)
			rec, replayed, err := g.Execute(req.Context(), key, func(ctx context.Context) (idempotency.Record, error) {
				cw := &captureWriter{ResponseWriter: c.Response().Writer, status: http.StatusOK, limit: maxBody}
				c.Response().Writer = cw
				defer func() { c.Response().Writer = cw.ResponseWriter }()

				if err := next(c); err != nil {
					return idempotency.Record{}, err
				}
				return idempotency.Record{
					Status:      cw.status,
					ContentType: c.Response().Header().Get(echo.HeaderContentType),
					Body:        append([]byte(nil), cw.buf.Bytes()...),
					Volatile:    cw.overflow,
				}, nil
			})
			switch {
			case errors.Is(err, idempotency.ErrInProgress):
				return c.JSON(http.StatusConflict, echo.Map{
					"error":     "IDEMPOTENCY_IN_PROGRESS",
					"message":   "a request with this idempotency key is still running",
					"retryable": true,
				})
			case err != nil:
				return err
			case !replayed:
				return nil
			}

			log.Debug("replaying response", "key", key, "status", rec.Status)
			c.Response().Header().Set(HeaderReplayed, "true")
			return c.Blob(rec.Status, rec.ContentType, rec.Body)
		}
	}
}
