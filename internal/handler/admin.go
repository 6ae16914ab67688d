package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/parking-occupancy/internal/middleware"
	"github.com/iliyamo/parking-occupancy/internal/model"
	"github.com/iliyamo/parking-occupancy/internal/repository"
	"github.com/iliyamo/parking-occupancy/internal/service"
	"github.com/iliyamo/parking-occupancy/internal/solvency"
)

type LotAdmin interface {
	CreateLot(ctx context.Context, name string, lat, lng float64, total int) (model.Lot, error)
	UpdateLot(ctx context.Context, id uint64, name string, lat, lng float64) (model.Lot, error)
	ResizeLot(ctx context.Context, id uint64, total int) (model.Lot, error)
	DeleteLot(ctx context.Context, id uint64) error
	GetLot(ctx context.Context, id uint64) (model.Lot, error)
}

type SolvencyAdmin interface {
	Extend(ctx context.Context, userID uint64, months int, byUserID uint64) (solvency.Status, error)
	Report(ctx context.Context) ([]solvency.Status, error)
	StatusByCard(ctx context.Context, cardID string) (solvency.Status, error)
}

// AdminHandler manages lots and student solvency.
type AdminHandler struct {
	Lots      LotAdmin
	Solvency  SolvencyAdmin
	Validator *RequestValidator
	Timeout   time.Duration
}

func NewAdminHandler(lots LotAdmin, s SolvencyAdmin, v *RequestValidator) *AdminHandler {
	return &AdminHandler{Lots: lots, Solvency: s, Validator: v, Timeout: 30 * time.Second}
}

type createLotReq struct {
	Name        string  `json:"name" validate:"nonblank,max=120"`
	Latitude    float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude   float64 `json:"longitude" validate:"gte=-180,lte=180"`
	TotalSpaces int     `json:"total_spaces" validate:"required,min=1,max=1000"`
}

// updateLotReq is a partial update; absent fields keep their value.
type updateLotReq struct {
	Name        *string  `json:"name" validate:"omitempty,nonblank,max=120"`
	Latitude    *float64 `json:"latitude" validate:"omitempty,gte=-90,lte=90"`
	Longitude   *float64 `json:"longitude" validate:"omitempty,gte=-180,lte=180"`
	TotalSpaces *int     `json:"total_spaces" validate:"omitempty,min=1,max=1000"`
}

type solvencyReq struct {
	Months int `json:"months" validate:"required,min=1,max=12"`
}

func pathID(c echo.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	return id, err == nil && id > 0
}

// CreateLot handles POST /v1/admin/lots.
func (h *AdminHandler) CreateLot(c echo.Context) error {
	var req createLotReq
	if ok, err := bind(c, h.Validator, &req); !ok {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), h.Timeout)
	defer cancel()
	lot, err := h.Lots.CreateLot(ctx, req.Name, req.Latitude, req.Longitude, req.TotalSpaces)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, lot)
}

// UpdateLot handles PATCH /v1/admin/lots/:id.  Name and coordinates are
// updated first, then the lot is resized when total_spaces changes.
func (h *AdminHandler) UpdateLot(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid lot id")
	}
	var req updateLotReq
	if ok, err := bind(c, h.Validator, &req); !ok {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), h.Timeout)
	defer cancel()

	lot, err := h.Lots.GetLot(ctx, id)
	if err != nil {
		return writeError(c, err)
	}
	if req.Name != nil || req.Latitude != nil || req.Longitude != nil {
		name, lat, lng := lot.Name, lot.Latitude, lot.Longitude
		if req.Name != nil {
			name = *req.Name
		}
		if req.Latitude != nil {
			lat = *req.Latitude
		}
		if req.Longitude != nil {
			lng = *req.Longitude
		}
		if lot, err = h.Lots.UpdateLot(ctx, id, name, lat, lng); err != nil {
			return writeError(c, err)
		}
	}
	if req.TotalSpaces != nil && *req.TotalSpaces != lot.TotalSpaces {
		if lot, err = h.Lots.ResizeLot(ctx, id, *req.TotalSpaces); err != nil {
			return writeError(c, err)
		}
	}
	return c.JSON(http.StatusOK, lot)
}

// DeleteLot handles DELETE /v1/admin/lots/:id.
func (h *AdminHandler) DeleteLot(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid lot id")
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), h.Timeout)
	defer cancel()
	if err := h.Lots.DeleteLot(ctx, id); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// UpdateSolvency handles PUT /v1/admin/solvency/:userId.
func (h *AdminHandler) UpdateSolvency(c echo.Context) error {
	userID, ok := pathID(c, "userId")
	if !ok {
		return badRequest(c, "invalid user id")
	}
	adminID, _ := middleware.UserID(c)
	var req solvencyReq
	if ok, err := bind(c, h.Validator, &req); !ok {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), h.Timeout)
	defer cancel()
	st, err := h.Solvency.Extend(ctx, userID, req.Months, adminID)
	if err != nil {
		if errors.Is(err, solvency.ErrInvalidMonths) {
			return badRequest(c, err.Error())
		}
		return writeError(c, service.FromStore("update solvency", err))
	}
	return c.JSON(http.StatusOK, st)
}

// SolvencyByCard handles GET /v1/parking/solvency/:cardId.  Guards and
// admins may look up any card; everyone else only their own, and an unknown
// card reads as forbidden to them.
func (h *AdminHandler) SolvencyByCard(c echo.Context) error {
	callerID, _ := middleware.UserID(c)
	role := middleware.Role(c)
	privileged := role == model.RoleGuard || role == model.RoleAdmin

	ctx, cancel := context.WithTimeout(c.Request().Context(), h.Timeout)
	defer cancel()
	st, err := h.Solvency.StatusByCard(ctx, c.Param("cardId"))
	switch {
	case errors.Is(err, solvency.ErrBlankCard):
		return badRequest(c, err.Error())
	case !privileged && (errors.Is(err, repository.ErrUserNotFound) || (err == nil && st.UserID != callerID)):
		return c.JSON(http.StatusForbidden, echo.Map{
			"error": "FORBIDDEN", "message": "you may only check your own card", "retryable": false,
		})
	case err != nil:
		return writeError(c, service.FromStore("solvency by card", err))
	}
	return c.JSON(http.StatusOK, st)
}

// SolvencyReport handles GET /v1/admin/solvency-report.
func (h *AdminHandler) SolvencyReport(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), h.Timeout)
	defer cancel()
	rows, err := h.Solvency.Report(ctx)
	if err != nil {
		return writeError(c, service.FromStore("solvency report", err))
	}
	return c.JSON(http.StatusOK, echo.Map{"students": rows, "count": len(rows)})
}
