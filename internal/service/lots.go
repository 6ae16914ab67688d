package service

import (
	"context"
	"strings"

	"github.com/iliyamo/parking-occupancy/internal/logger"
	"github.com/iliyamo/parking-occupancy/internal/model"
	"github.com/iliyamo/parking-occupancy/internal/notify"
	"github.com/iliyamo/parking-occupancy/internal/queue"
)

// MaxLotSpaces bounds a single lot.
const MaxLotSpaces = 1000

// LotStore is the lot administration repository.
type LotStore interface {
	Create(ctx context.Context, name string, lat, lng float64, total int) (model.Lot, error)
	Get(ctx context.Context, id uint64) (model.Lot, error)
	List(ctx context.Context) ([]model.Lot, error)
	Update(ctx context.Context, id uint64, name string, lat, lng float64) (model.Lot, error)
	Resize(ctx context.Context, id uint64, total int) (model.Lot, error)
	Delete(ctx context.Context, id uint64) error
}

// Lots administers parking lots.  Changes to the set of spaces invalidate
// the lot snapshot after commit, like occupancy transitions do.
type Lots struct {
	store    LotStore
	cache    StatusCache
	notifier notify.Notifier
	log      *logger.Logger
}

func NewLots(store LotStore, cache StatusCache, notifier notify.Notifier, log *logger.Logger) *Lots {
	return &Lots{store: store, cache: cache, notifier: notifier, log: logger.OrNop(log).With("component", "lots")}
}

func validLot(name string, lat, lng float64) error {
	if strings.TrimSpace(name) == "" {
		return newError(KindInvalidInput, "lot name is required")
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return newError(KindInvalidInput, "coordinates out of range")
	}
	return nil
}

func validTotal(total int) error {
	if total < 1 || total > MaxLotSpaces {
		return newError(KindInvalidInput, "total spaces must be between 1 and 1000")
	}
	return nil
}

func (l *Lots) CreateLot(ctx context.Context, name string, lat, lng float64, total int) (model.Lot, error) {
	if err := validLot(name, lat, lng); err != nil {
		return model.Lot{}, err
	}
	if err := validTotal(total); err != nil {
		return model.Lot{}, err
	}
	lot, err := l.store.Create(ctx, name, lat, lng, total)
	if err != nil {
		return model.Lot{}, FromStore("create lot", err)
	}
	l.log.Info("lot created", "lot_id", lot.ID, "name", lot.Name, "spaces", lot.TotalSpaces)
	return lot, nil
}

func (l *Lots) UpdateLot(ctx context.Context, id uint64, name string, lat, lng float64) (model.Lot, error) {
	if err := validLot(name, lat, lng); err != nil {
		return model.Lot{}, err
	}
	lot, err := l.store.Update(ctx, id, name, lat, lng)
	if err != nil {
		return model.Lot{}, FromStore("update lot", err)
	}
	l.changed(ctx, id)
	return lot, nil
}

// ResizeLot grows or shrinks a lot.  Shrinking over an occupied space is a
// Conflict.
func (l *Lots) ResizeLot(ctx context.Context, id uint64, total int) (model.Lot, error) {
	if err := validTotal(total); err != nil {
		return model.Lot{}, err
	}
	lot, err := l.store.Resize(ctx, id, total)
	if err != nil {
		return model.Lot{}, FromStore("resize lot", err)
	}
	l.log.Info("lot resized", "lot_id", id, "spaces", lot.TotalSpaces)
	l.changed(ctx, id)
	return lot, nil
}

// DeleteLot removes a lot that has no occupied space.
func (l *Lots) DeleteLot(ctx context.Context, id uint64) error {
	if err := l.store.Delete(ctx, id); err != nil {
		return FromStore("delete lot", err)
	}
	l.log.Info("lot deleted", "lot_id", id)
	l.changed(ctx, id)
	return nil
}

func (l *Lots) GetLot(ctx context.Context, id uint64) (model.Lot, error) {
	lot, err := l.store.Get(ctx, id)
	if err != nil {
		return model.Lot{}, FromStore("get lot", err)
	}
	return lot, nil
}

func (l *Lots) ListLots(ctx context.Context) ([]model.Lot, error) {
	lots, err := l.store.List(ctx)
	if err != nil {
		return nil, FromStore("list lots", err)
	}
	return lots, nil
}

func (l *Lots) changed(ctx context.Context, id uint64) {
	ctx = context.WithoutCancel(ctx)
	if l.cache != nil {
		if err := l.cache.Invalidate(ctx, id); err != nil {
			l.log.Warn("status invalidation failed", "lot_id", id, "error", err)
		}
	}
	if l.notifier != nil {
		if err := l.notifier.Publish(ctx, queue.LotEvent(queue.TypeParkingUpdate, id)); err != nil {
			l.log.Warn("event publish failed", "lot_id", id, "error", err)
		}
	}
}
