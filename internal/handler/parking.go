package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/parking-occupancy/internal/middleware"
	"github.com/iliyamo/parking-occupancy/internal/model"
	"github.com/iliyamo/parking-occupancy/internal/service"
)

// Occupancy is the part of service.Occupancy the HTTP layer drives.
type Occupancy interface {
	Assign(ctx context.Context, userID, lotID uint64) (service.Assignment, error)
	Pay(ctx context.Context, userID uint64) (service.Payment, error)
	Release(ctx context.Context, userID uint64) (service.Release, error)
	GuardAssign(ctx context.Context, target string, lotID uint64) (service.Assignment, error)
	GuardRelease(ctx context.Context, userID uint64) (service.Release, error)
	Status(ctx context.Context, lotID uint64) (model.LotStatus, error)
	OpenGate(ctx context.Context, userID uint64, gateID string) (service.GateOpening, error)
}

type LotLister interface {
	ListLots(ctx context.Context) ([]model.Lot, error)
}

type SettlementLister interface {
	ListByUser(ctx context.Context, userID uint64, limit int) ([]model.Settlement, error)
}

// ParkingHandler serves the driver facing routes.
type ParkingHandler struct {
	Occupancy   Occupancy
	Lots        LotLister
	Settlements SettlementLister
	Validator   *RequestValidator
	Timeout     time.Duration
}

func NewParkingHandler(o Occupancy, lots LotLister, settlements SettlementLister, v *RequestValidator) *ParkingHandler {
	return &ParkingHandler{Occupancy: o, Lots: lots, Settlements: settlements, Validator: v, Timeout: 10 * time.Second}
}

type assignReq struct {
	LotID uint64 `json:"lot_id" validate:"required,gt=0"`
}

type gateReq struct {
	GateID string `json:"gate_id" validate:"omitempty,max=64"`
}

func (h *ParkingHandler) ctx(c echo.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), h.Timeout)
}

// bind decodes the body into req and validates it.  A false return means
// the error response has been written.
func bind(c echo.Context, v *RequestValidator, req interface{}) (bool, error) {
	if err := c.Bind(req); err != nil {
		return false, badRequest(c, "invalid body")
	}
	if err := v.Validate(req); err != nil {
		if verrs, ok := err.(ValidationErrors); ok {
			return false, c.JSON(http.StatusBadRequest, echo.Map{
				"error": string(service.KindInvalidInput), "message": verrs.Error(), "fields": verrs, "retryable": false,
			})
		}
		return false, badRequest(c, err.Error())
	}
	return true, nil
}

func noCaller(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, errorBody{Error: "UNAUTHORIZED", Message: "no user in token"})
}

// Assign handles POST /v1/parking/assign.
func (h *ParkingHandler) Assign(c echo.Context) error {
	uid, ok := middleware.UserID(c)
	if !ok {
		return noCaller(c)
	}
	var req assignReq
	if ok, err := bind(c, h.Validator, &req); !ok {
		return err
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	out, err := h.Occupancy.Assign(ctx, uid, req.LotID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

// Pay handles POST /v1/parking/pay.
func (h *ParkingHandler) Pay(c echo.Context) error {
	uid, ok := middleware.UserID(c)
	if !ok {
		return noCaller(c)
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	out, err := h.Occupancy.Pay(ctx, uid)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

// Release handles POST /v1/parking/release.
func (h *ParkingHandler) Release(c echo.Context) error {
	uid, ok := middleware.UserID(c)
	if !ok {
		return noCaller(c)
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	out, err := h.Occupancy.Release(ctx, uid)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

// OpenGate handles POST /v1/parking/gate/open.  An empty gate_id means the
// exit gate.
func (h *ParkingHandler) OpenGate(c echo.Context) error {
	uid, ok := middleware.UserID(c)
	if !ok {
		return noCaller(c)
	}
	var req gateReq
	if ok, err := bind(c, h.Validator, &req); !ok {
		return err
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	out, err := h.Occupancy.OpenGate(ctx, uid, req.GateID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

// Status handles GET /v1/parking/status?lot_id=.
func (h *ParkingHandler) Status(c echo.Context) error {
	lotID, err := strconv.ParseUint(c.QueryParam("lot_id"), 10, 64)
	if err != nil || lotID == 0 {
		return badRequest(c, "lot_id query parameter is required")
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	st, err := h.Occupancy.Status(ctx, lotID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

// ListLots handles GET /v1/parking/lots.
func (h *ParkingHandler) ListLots(c echo.Context) error {
	ctx, cancel := h.ctx(c)
	defer cancel()
	lots, err := h.Lots.ListLots(ctx)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"lots": lots})
}

// History handles GET /v1/parking/history?limit=, the caller's settlements
// newest first.
func (h *ParkingHandler) History(c echo.Context) error {
	uid, ok := middleware.UserID(c)
	if !ok {
		return noCaller(c)
	}
	limit := 20
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			return badRequest(c, "limit must be between 1 and 100")
		}
		limit = n
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	rows, err := h.Settlements.ListByUser(ctx, uid, limit)
	if err != nil {
		return writeError(c, service.FromStore("history", err))
	}
	return c.JSON(http.StatusOK, echo.Map{"settlements": rows})
}
