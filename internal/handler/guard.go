package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// GuardHandler serves the routes a guard uses at the barrier.  Guards
// identify drivers by plate or email and bypass the solvency check.
type GuardHandler struct {
	*ParkingHandler
}

func NewGuardHandler(p *ParkingHandler) *GuardHandler { return &GuardHandler{ParkingHandler: p} }

type guardAssignReq struct {
	Target string `json:"target" validate:"nonblank,max=190"`
	LotID  uint64 `json:"lot_id" validate:"required,gt=0"`
}

type guardReleaseReq struct {
	UserID uint64 `json:"user_id" validate:"required,gt=0"`
}

// Assign handles POST /v1/guard/assign.
func (h *GuardHandler) Assign(c echo.Context) error {
	var req guardAssignReq
	if ok, err := bind(c, h.Validator, &req); !ok {
		return err
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	out, err := h.Occupancy.GuardAssign(ctx, req.Target, req.LotID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

// Release handles POST /v1/guard/release.
func (h *GuardHandler) Release(c echo.Context) error {
	var req guardReleaseReq
	if ok, err := bind(c, h.Validator, &req); !ok {
		return err
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	out, err := h.Occupancy.GuardRelease(ctx, req.UserID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}
