package service

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/iliyamo/parking-occupancy/internal/model"
	"github.com/iliyamo/parking-occupancy/internal/queue"
	"github.com/iliyamo/parking-occupancy/internal/repository"
)

// memStore is an in-memory OccupancyStore with one mutex per row.  A
// transaction applies writes in place and undoes them on error, which is
// safe because every written row is locked by the writer.
type memStore struct {
	mu          sync.Mutex
	lots        map[uint64]model.Lot
	spaces      []*model.Space // ascending id
	users       map[uint64]*model.User
	settlements []model.Settlement
	rowLocks    map[string]*sync.Mutex
	statusLoads int

	// failOn makes the named tx method fail once with failErr.
	failOn  string
	failErr error
}

func newMemStore() *memStore {
	return &memStore{
		lots:     map[uint64]model.Lot{},
		users:    map[uint64]*model.User{},
		rowLocks: map[string]*sync.Mutex{},
	}
}

func (s *memStore) addLot(id uint64, name string, spaces int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lots[id] = model.Lot{ID: id, Name: name, TotalSpaces: spaces}
	for i := 1; i <= spaces; i++ {
		s.spaces = append(s.spaces, &model.Space{
			ID:     uint64(len(s.spaces) + 1),
			LotID:  id,
			Number: strconv.Itoa(i),
		})
	}
}

func (s *memStore) addUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.Role == "" {
		u.Role = model.RoleStudent
	}
	s.users[u.ID] = &u
}

func (s *memStore) user(id uint64) model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.users[id]
}

func (s *memStore) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rowLocks[key]
	if !ok {
		m = &sync.Mutex{}
		s.rowLocks[key] = m
	}
	return m
}

func (s *memStore) WithinTx(ctx context.Context, fn func(tx repository.OccupancyTx) error) error {
	tx := &memTx{s: s, held: map[string]*sync.Mutex{}}
	defer tx.unlockAll()
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *memStore) LotStatus(_ context.Context, lotID uint64) (model.LotStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusLoads++
	lot, ok := s.lots[lotID]
	if !ok {
		return model.LotStatus{}, repository.ErrLotNotFound
	}
	st := model.LotStatus{LotID: lotID, LotName: lot.Name, Occupied: []model.OccupiedDetail{}, GeneratedAt: time.Now()}
	for _, sp := range s.spaces {
		if sp.LotID != lotID {
			continue
		}
		st.TotalSpaces++
		if sp.Occupied {
			st.Occupied = append(st.Occupied, model.OccupiedDetail{SpaceNumber: sp.Number, UserID: *sp.OccupantID, EntryTime: *sp.EntryTime})
		}
	}
	st.OccupiedSpaces = len(st.Occupied)
	st.AvailableSpaces = st.TotalSpaces - st.OccupiedSpaces
	return st, nil
}

func (s *memStore) GetByID(_ context.Context, id uint64) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, repository.ErrUserNotFound
	}
	return *u, nil
}

// checkInvariants verifies that spaces and users mirror each other.
func (s *memStore) checkInvariants() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	holders := map[uint64]string{}
	for _, sp := range s.spaces {
		if !sp.Consistent() {
			return errors.New("inconsistent space " + sp.Number)
		}
		if !sp.Occupied {
			continue
		}
		if prev, dup := holders[*sp.OccupantID]; dup {
			return errors.New("user holds spaces " + prev + " and " + sp.Number)
		}
		holders[*sp.OccupantID] = sp.Number
		u := s.users[*sp.OccupantID]
		if u.CurrentSpace == nil || *u.CurrentSpace != sp.Number || *u.CurrentLotID != sp.LotID || !u.EntryTime.Equal(*sp.EntryTime) {
			return errors.New("user does not mirror space " + sp.Number)
		}
	}
	for id, u := range s.users {
		if u.HasSession() && holders[id] != *u.CurrentSpace {
			return errors.New("user session without space")
		}
	}
	return nil
}

type memTx struct {
	s    *memStore
	held map[string]*sync.Mutex
	undo []func()
}

func (t *memTx) lock(key string) {
	if _, ok := t.held[key]; ok {
		return
	}
	m := t.s.lockFor(key)
	m.Lock()
	t.held[key] = m
}

func (t *memTx) unlock(key string) {
	if m, ok := t.held[key]; ok {
		delete(t.held, key)
		m.Unlock()
	}
}

func (t *memTx) unlockAll() {
	for k := range t.held {
		t.unlock(k)
	}
}

func (t *memTx) rollback() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) fail(op string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.s.failOn == op {
		t.s.failOn = ""
		return t.s.failErr
	}
	return nil
}

func (t *memTx) LockUser(_ context.Context, userID uint64) (model.User, error) {
	if err := t.fail("LockUser"); err != nil {
		return model.User{}, err
	}
	t.lock("user:" + strconv.FormatUint(userID, 10))
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	u, ok := t.s.users[userID]
	if !ok {
		return model.User{}, repository.ErrUserNotFound
	}
	return *u, nil
}

func (t *memTx) LockUserByIdentity(ctx context.Context, target string) (model.User, error) {
	t.s.mu.Lock()
	var id uint64
	ids := make([]uint64, 0, len(t.s.users))
	for k := range t.s.users {
		ids = append(ids, k)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, k := range ids {
		u := t.s.users[k]
		if u.VehiclePlate == strings.ToUpper(target) || u.Email == strings.ToLower(target) {
			id = k
			break
		}
	}
	t.s.mu.Unlock()
	if id == 0 {
		return model.User{}, repository.ErrUserNotFound
	}
	return t.LockUser(ctx, id)
}

func (t *memTx) GetLot(_ context.Context, lotID uint64) (model.Lot, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	lot, ok := t.s.lots[lotID]
	if !ok {
		return model.Lot{}, repository.ErrLotNotFound
	}
	return lot, nil
}

// LockLowestFreeSpace waits on the lowest free row, then re-checks it the
// way InnoDB re-evaluates the WHERE clause after a lock wait.
func (t *memTx) LockLowestFreeSpace(ctx context.Context, lotID uint64) (model.Space, error) {
	if _, err := t.GetLot(ctx, lotID); err != nil {
		return model.Space{}, err
	}
	t.s.mu.Lock()
	candidates := []*model.Space{}
	for _, sp := range t.s.spaces {
		if sp.LotID == lotID {
			candidates = append(candidates, sp)
		}
	}
	t.s.mu.Unlock()
	for _, sp := range candidates {
		t.s.mu.Lock()
		busy := sp.Occupied
		t.s.mu.Unlock()
		if busy {
			continue
		}
		key := "space:" + strconv.FormatUint(sp.ID, 10)
		t.lock(key)
		t.s.mu.Lock()
		busy = sp.Occupied
		snapshot := *sp
		t.s.mu.Unlock()
		if busy {
			t.unlock(key)
			continue
		}
		return snapshot, nil
	}
	return model.Space{}, repository.ErrNoFreeSpace
}

func (t *memTx) LockSpaceByNumber(_ context.Context, lotID uint64, number string) (model.Space, error) {
	t.s.mu.Lock()
	var found *model.Space
	for _, sp := range t.s.spaces {
		if sp.LotID == lotID && sp.Number == number {
			found = sp
			break
		}
	}
	t.s.mu.Unlock()
	if found == nil {
		return model.Space{}, repository.ErrSpaceNotFound
	}
	t.lock("space:" + strconv.FormatUint(found.ID, 10))
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return *found, nil
}

func (t *memTx) space(id uint64) *model.Space {
	for _, sp := range t.s.spaces {
		if sp.ID == id {
			return sp
		}
	}
	return nil
}

func (t *memTx) OccupySpace(_ context.Context, spaceID, userID uint64, entry time.Time) error {
	if err := t.fail("OccupySpace"); err != nil {
		return err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	sp := t.space(spaceID)
	if sp == nil || sp.Occupied {
		return repository.ErrSpaceTaken
	}
	old := *sp
	t.undo = append(t.undo, func() { *sp = old })
	uid, e := userID, entry
	sp.Occupied, sp.OccupantID, sp.EntryTime = true, &uid, &e
	return nil
}

func (t *memTx) VacateSpace(_ context.Context, spaceID uint64) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	sp := t.space(spaceID)
	if sp == nil {
		return repository.ErrSpaceNotFound
	}
	old := *sp
	t.undo = append(t.undo, func() { *sp = old })
	sp.Occupied, sp.OccupantID, sp.EntryTime = false, nil, nil
	return nil
}

func (t *memTx) updateUser(userID uint64, fn func(u *model.User)) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	u, ok := t.s.users[userID]
	if !ok {
		return repository.ErrUserNotFound
	}
	old := *u
	t.undo = append(t.undo, func() { *u = old })
	fn(u)
	return nil
}

func (t *memTx) SetUserSession(_ context.Context, userID, lotID uint64, number string, entry time.Time) error {
	if err := t.fail("SetUserSession"); err != nil {
		return err
	}
	return t.updateUser(userID, func(u *model.User) {
		l, n, e := lotID, number, entry
		u.CurrentLotID, u.CurrentSpace, u.EntryTime, u.HasPaid = &l, &n, &e, false
	})
}

func (t *memTx) ClearUserSession(_ context.Context, userID uint64) error {
	if err := t.fail("ClearUserSession"); err != nil {
		return err
	}
	return t.updateUser(userID, func(u *model.User) {
		u.CurrentLotID, u.CurrentSpace, u.EntryTime, u.HasPaid = nil, nil, nil, false
	})
}

func (t *memTx) MarkPaid(_ context.Context, userID uint64, amount float64) error {
	return t.updateUser(userID, func(u *model.User) {
		u.HasPaid, u.LastPaymentAmount = true, amount
	})
}

func (t *memTx) CreateSettlement(_ context.Context, s *model.Settlement) error {
	if err := t.fail("CreateSettlement"); err != nil {
		return err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	n := len(t.s.settlements)
	s.ID = uint64(n + 1)
	t.s.settlements = append(t.s.settlements, *s)
	t.undo = append(t.undo, func() { t.s.settlements = t.s.settlements[:n] })
	return nil
}

// recorder is a Notifier that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []queue.Event
	err    error
}

func (r *recorder) Publish(_ context.Context, ev queue.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

var (
	_ repository.OccupancyStore = (*memStore)(nil)
	_ repository.OccupancyTx    = (*memTx)(nil)
)
