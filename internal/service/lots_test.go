package service

import (
	"context"
	"testing"

	"github.com/iliyamo/parking-occupancy/internal/cache"
	"github.com/iliyamo/parking-occupancy/internal/model"
	"github.com/iliyamo/parking-occupancy/internal/queue"
	"github.com/iliyamo/parking-occupancy/internal/repository"
)

type fakeLots struct {
	lots     map[uint64]model.Lot
	occupied map[uint64]int
	next     uint64
}

func newFakeLots() *fakeLots {
	return &fakeLots{lots: map[uint64]model.Lot{}, occupied: map[uint64]int{}}
}

func (f *fakeLots) Create(_ context.Context, name string, lat, lng float64, total int) (model.Lot, error) {
	for _, l := range f.lots {
		if l.Name == name {
			return model.Lot{}, repository.ErrConflict
		}
	}
	f.next++
	l := model.Lot{ID: f.next, Name: name, Latitude: lat, Longitude: lng, TotalSpaces: total, AvailableSpaces: total}
	f.lots[l.ID] = l
	return l, nil
}

func (f *fakeLots) Get(_ context.Context, id uint64) (model.Lot, error) {
	l, ok := f.lots[id]
	if !ok {
		return model.Lot{}, repository.ErrLotNotFound
	}
	return l, nil
}

func (f *fakeLots) List(_ context.Context) ([]model.Lot, error) {
	out := []model.Lot{}
	for id := uint64(1); id <= f.next; id++ {
		if l, ok := f.lots[id]; ok {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeLots) Update(ctx context.Context, id uint64, name string, lat, lng float64) (model.Lot, error) {
	l, err := f.Get(ctx, id)
	if err != nil {
		return l, err
	}
	l.Name, l.Latitude, l.Longitude = name, lat, lng
	f.lots[id] = l
	return l, nil
}

func (f *fakeLots) Resize(ctx context.Context, id uint64, total int) (model.Lot, error) {
	l, err := f.Get(ctx, id)
	if err != nil {
		return l, err
	}
	if total < l.TotalSpaces && f.occupied[id] > 0 {
		return model.Lot{}, repository.ErrConflict
	}
	l.TotalSpaces, l.AvailableSpaces = total, total-f.occupied[id]
	f.lots[id] = l
	return l, nil
}

func (f *fakeLots) Delete(ctx context.Context, id uint64) error {
	if _, err := f.Get(ctx, id); err != nil {
		return err
	}
	if f.occupied[id] > 0 {
		return repository.ErrConflict
	}
	delete(f.lots, id)
	return nil
}

type countingCache struct {
	invalidated []uint64
}

func (c *countingCache) Get(ctx context.Context, _ uint64, load cache.Loader) (model.LotStatus, bool, error) {
	st, err := load(ctx)
	return st, false, err
}

func (c *countingCache) Invalidate(_ context.Context, lotID uint64) error {
	c.invalidated = append(c.invalidated, lotID)
	return nil
}

func TestLotValidation(t *testing.T) {
	l := NewLots(newFakeLots(), nil, nil, nil)
	ctx := context.Background()
	cases := []struct {
		name  string
		lot   string
		lat   float64
		lng   float64
		total int
	}{
		{"blank name", "  ", 14.6, -90.5, 10},
		{"latitude", "North", 91, 0, 10},
		{"longitude", "North", 0, -181, 10},
		{"zero spaces", "North", 0, 0, 0},
		{"too many spaces", "North", 0, 0, MaxLotSpaces + 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.CreateLot(ctx, tc.lot, tc.lat, tc.lng, tc.total)
			wantKind(t, err, KindInvalidInput)
		})
	}
}

func TestLotLifecycle(t *testing.T) {
	store := newFakeLots()
	c := &countingCache{}
	events := &recorder{}
	l := NewLots(store, c, events, nil)
	ctx := context.Background()

	lot, err := l.CreateLot(ctx, "North", 14.6, -90.5, 20)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.CreateLot(ctx, "North", 0, 0, 5); KindOf(err) != KindConflict {
		t.Fatalf("duplicate name: %v", err)
	}

	if _, err := l.ResizeLot(ctx, lot.ID, 30); err != nil {
		t.Fatal(err)
	}
	store.occupied[lot.ID] = 1
	_, err = l.ResizeLot(ctx, lot.ID, 10)
	wantKind(t, err, KindConflict)
	wantKind(t, l.DeleteLot(ctx, lot.ID), KindConflict)

	store.occupied[lot.ID] = 0
	if err := l.DeleteLot(ctx, lot.ID); err != nil {
		t.Fatal(err)
	}
	_, err = l.GetLot(ctx, lot.ID)
	wantKind(t, err, KindLotNotFound)

	if len(c.invalidated) != 2 {
		t.Fatalf("invalidations = %v, want resize and delete", c.invalidated)
	}
	for _, typ := range events.types() {
		if typ != queue.TypeParkingUpdate {
			t.Fatalf("unexpected event %s", typ)
		}
	}
	if len(events.types()) != 2 {
		t.Fatalf("events = %v", events.types())
	}
}

func TestListLots(t *testing.T) {
	l := NewLots(newFakeLots(), nil, nil, nil)
	ctx := context.Background()
	for _, name := range []string{"A", "B"} {
		if _, err := l.CreateLot(ctx, name, 0, 0, 1); err != nil {
			t.Fatal(err)
		}
	}
	lots, err := l.ListLots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(lots) != 2 || lots[0].Name != "A" {
		t.Fatalf("lots = %+v", lots)
	}
}
