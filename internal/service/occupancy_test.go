package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/parking-occupancy/internal/cache"
	"github.com/iliyamo/parking-occupancy/internal/config"
	"github.com/iliyamo/parking-occupancy/internal/gate"
	"github.com/iliyamo/parking-occupancy/internal/model"
	"github.com/iliyamo/parking-occupancy/internal/queue"
	"github.com/iliyamo/parking-occupancy/internal/ratelimit"
	"github.com/iliyamo/parking-occupancy/internal/repository"
	"github.com/iliyamo/parking-occupancy/internal/solvency"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

type memPlans map[string]model.PricingPlan

func (m memPlans) ActiveByCode(_ context.Context, code string) (model.PricingPlan, error) {
	if p, ok := m[code]; ok && p.IsActive {
		return p, nil
	}
	return model.PricingPlan{}, repository.ErrPlanNotFound
}

func (m memPlans) FirstActiveHourly(_ context.Context) (model.PricingPlan, error) {
	if p, ok := m[model.PlanCodeStandardHourly]; ok {
		return p, nil
	}
	return model.PricingPlan{}, repository.ErrPlanNotFound
}

func seededPlans() memPlans {
	m := memPlans{}
	for _, p := range DefaultPlans() {
		m[p.Code] = p
	}
	return m
}

type fakeGate struct {
	mu     sync.Mutex
	opened []string
	err    error
}

func (g *fakeGate) Open(_ context.Context, gateID string, userID uint64) (gate.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.opened = append(g.opened, fmt.Sprintf("%s:%d", gateID, userID))
	if g.err != nil {
		return gate.Result{}, g.err
	}
	return gate.Result{GateID: gateID, RequestID: "req-1", Simulated: true}, nil
}

type fakeSolvency map[uint64]bool

func (f fakeSolvency) Check(_ context.Context, userID uint64) error {
	if f[userID] {
		return &solvency.RequiredError{}
	}
	return nil
}

type fixture struct {
	store  *memStore
	svc    *Occupancy
	events *recorder
	gates  *fakeGate
	mr     *miniredis.Miniredis
	now    time.Time
}

// newFixture builds lot 1 ("Main") with the given spaces and users 1..n
// with plates P1..Pn.
func newFixture(t *testing.T, spaces, users int) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &fixture{store: newMemStore(), events: &recorder{}, gates: &fakeGate{}, mr: mr, now: t0}
	f.store.addLot(1, "Main", spaces)
	for i := 1; i <= users; i++ {
		f.store.addUser(model.User{ID: uint64(i), Email: fmt.Sprintf("u%d@campus.test", i), VehiclePlate: fmt.Sprintf("P%d", i)})
	}
	f.svc = NewOccupancy(OccupancyDeps{
		Store:    f.store,
		Users:    f.store,
		Plans:    NewPlanResolver(seededPlans(), nil),
		Solvency: fakeSolvency{},
		Limiter:  ratelimit.New(rdb, "ratelimit", true, nil),
		Cache:    cache.NewStatusCache(rdb, config.CacheConfig{Enabled: true, TTL: 5 * time.Second, Prefix: "parking_status"}, nil),
		Notifier: f.events,
		Gates:    f.gates,
	}, DefaultOccupancyConfig())
	f.svc.now = func() time.Time { return f.now }
	return f
}

func wantKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	if KindOf(err) != kind {
		t.Fatalf("err = %v, want kind %s", err, kind)
	}
}

func TestAssignConcurrentContendersGetDistinctSpaces(t *testing.T) {
	f := newFixture(t, 5, 8)
	ctx := context.Background()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		spaces = map[string]uint64{}
		full   int
	)
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(uid uint64) {
			defer wg.Done()
			a, err := f.svc.Assign(ctx, uid, 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				if prev, dup := spaces[a.SpaceNumber]; dup {
					t.Errorf("space %s assigned to %d and %d", a.SpaceNumber, prev, uid)
				}
				spaces[a.SpaceNumber] = uid
			case KindOf(err) == KindLotFull:
				full++
			default:
				t.Errorf("user %d: %v", uid, err)
			}
		}(uint64(i))
	}
	wg.Wait()

	if len(spaces) != 5 || full != 3 {
		t.Fatalf("successes=%d lot-full=%d, want 5 and 3", len(spaces), full)
	}
	if err := f.store.checkInvariants(); err != nil {
		t.Fatal(err)
	}
}

func TestAssignSameUserTwiceConcurrently(t *testing.T) {
	f := newFixture(t, 5, 1)
	ctx := context.Background()
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok, dupes int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Assign(ctx, 1, 1)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if KindOf(err) == KindAlreadyOccupying {
				dupes++
			}
		}()
	}
	wg.Wait()
	if ok != 1 || dupes != 5 {
		t.Fatalf("ok=%d already-occupying=%d", ok, dupes)
	}
	if err := f.store.checkInvariants(); err != nil {
		t.Fatal(err)
	}
}

func TestAssignLowestFreeSpaceAndEvents(t *testing.T) {
	f := newFixture(t, 3, 2)
	ctx := context.Background()

	a, err := f.svc.Assign(ctx, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if a.SpaceNumber != "1" || a.LotName != "Main" || !a.EntryTime.Equal(t0) {
		t.Fatalf("assignment = %+v", a)
	}
	b, err := f.svc.Assign(ctx, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if b.SpaceNumber != "2" {
		t.Fatalf("second assignment got space %s", b.SpaceNumber)
	}
	got := f.events.types()
	want := []string{queue.TypeSpaceAssigned, queue.TypeParkingUpdate, queue.TypeSpaceAssigned, queue.TypeParkingUpdate}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}

	_, err = f.svc.Assign(ctx, 1, 1)
	wantKind(t, err, KindAlreadyOccupying)
}

func TestAssignErrors(t *testing.T) {
	f := newFixture(t, 1, 1)
	ctx := context.Background()

	_, err := f.svc.Assign(ctx, 1, 99)
	wantKind(t, err, KindLotNotFound)
	_, err = f.svc.Assign(ctx, 42, 1)
	wantKind(t, err, KindUserNotFound)
	_, err = f.svc.Assign(ctx, 0, 1)
	wantKind(t, err, KindInvalidInput)
}

func TestAssignRollsBackOnFailure(t *testing.T) {
	f := newFixture(t, 2, 1)
	ctx := context.Background()
	f.store.failOn, f.store.failErr = "SetUserSession", errors.New("connection reset")

	_, err := f.svc.Assign(ctx, 1, 1)
	wantKind(t, err, KindStoreUnavailable)
	var se *Error
	if !errors.As(err, &se) || !se.Retryable() {
		t.Fatalf("store failure not retryable: %v", err)
	}
	if err := f.store.checkInvariants(); err != nil {
		t.Fatal(err)
	}
	if u := f.store.user(1); u.HasSession() {
		t.Fatalf("user kept a session after rollback: %+v", u)
	}
	if len(f.events.types()) != 0 {
		t.Fatal("events published for a rolled back assign")
	}

	a, err := f.svc.Assign(ctx, 1, 1)
	if err != nil || a.SpaceNumber != "1" {
		t.Fatalf("retry: %+v %v", a, err)
	}
}

func TestAssignSolvencyGateAndGuardBypass(t *testing.T) {
	f := newFixture(t, 2, 1)
	f.svc.deps.Solvency = fakeSolvency{1: true}
	ctx := context.Background()

	_, err := f.svc.Assign(ctx, 1, 1)
	wantKind(t, err, KindSolvencyRequired)

	a, err := f.svc.GuardAssign(ctx, "p1", 1)
	if err != nil {
		t.Fatalf("guard assign: %v", err)
	}
	if a.UserID != 1 || a.SpaceNumber != "1" {
		t.Fatalf("guard assignment = %+v", a)
	}
	_, err = f.svc.GuardAssign(ctx, "nobody@campus.test", 1)
	wantKind(t, err, KindUserNotFound)
}

func TestPayAndReleaseLifecycle(t *testing.T) {
	f := newFixture(t, 2, 1)
	ctx := context.Background()
	if _, err := f.svc.Assign(ctx, 1, 1); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.Release(ctx, 1)
	wantKind(t, err, KindPaymentRequired)
	if u := f.store.user(1); !u.HasSession() {
		t.Fatal("unpaid release changed state")
	}

	f.now = t0.Add(61 * time.Minute)
	p, err := f.svc.Pay(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if p.Amount != 20 || p.HoursCharged != 2 || p.DurationMinutes != 61 || p.PlanCode != model.PlanCodeStandardHourly || p.Currency != "GTQ" {
		t.Fatalf("payment = %+v", p)
	}
	if len(p.InvoiceNumber) < 5 || p.InvoiceNumber[:4] != "INV-" {
		t.Fatalf("invoice number %q", p.InvoiceNumber)
	}
	if len(f.store.settlements) != 1 || f.store.settlements[0].Amount != 20 || f.store.settlements[0].LotID != 1 {
		t.Fatalf("settlements = %+v", f.store.settlements)
	}
	if u := f.store.user(1); !u.HasPaid || u.LastPaymentAmount != 20 {
		t.Fatalf("user after pay = %+v", u)
	}

	_, err = f.svc.Pay(ctx, 1)
	wantKind(t, err, KindAlreadyPaid)

	r, err := f.svc.Release(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if r.SpaceNumber != "1" || r.LotID != 1 {
		t.Fatalf("release = %+v", r)
	}
	if u := f.store.user(1); u.HasSession() || u.HasPaid {
		t.Fatalf("user after release = %+v", u)
	}
	if err := f.store.checkInvariants(); err != nil {
		t.Fatal(err)
	}
	if len(f.gates.opened) != 1 || f.gates.opened[0] != "GATE_MAIN_EXIT:1" {
		t.Fatalf("gates = %v", f.gates.opened)
	}
	want := []string{queue.TypeSpaceAssigned, queue.TypeParkingUpdate, queue.TypePaymentSettled, queue.TypeSpaceReleased, queue.TypeParkingUpdate}
	if got := f.events.types(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}

	_, err = f.svc.Release(ctx, 1)
	wantKind(t, err, KindNoActiveSession)
	_, err = f.svc.Pay(ctx, 1)
	wantKind(t, err, KindNoActiveSession)
}

func TestPayGracePeriodAndPlans(t *testing.T) {
	expires := t0.Add(30 * 24 * time.Hour)
	cases := []struct {
		name    string
		user    model.User
		stay    time.Duration
		amount  float64
		plan    string
		isGrace bool
	}{
		{"standard within grace", model.User{Role: model.RoleStudent}, 15 * time.Minute, 0, model.PlanCodeStandardHourly, true},
		{"standard after grace", model.User{Role: model.RoleVisitor}, 16 * time.Minute, 10, model.PlanCodeStandardHourly, false},
		{"standard capped", model.User{Role: model.RoleVisitor}, 15 * time.Hour, 100, model.PlanCodeStandardHourly, false},
		{"faculty", model.User{Role: model.RoleFaculty}, 31 * time.Minute, 5, model.PlanCodeFaculty, false},
		{"solvent student", model.User{Role: model.RoleStudent, IsSolvent: true, SolvencyExpires: &expires}, 3 * time.Hour, 0, model.PlanCodeMonthly, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 1, 0)
			u := tc.user
			u.ID, u.Email = 7, "x@campus.test"
			f.store.addUser(u)
			ctx := context.Background()
			if _, err := f.svc.Assign(ctx, 7, 1); err != nil {
				t.Fatal(err)
			}
			f.now = t0.Add(tc.stay)
			p, err := f.svc.Pay(ctx, 7)
			if err != nil {
				t.Fatal(err)
			}
			if p.Amount != tc.amount || p.PlanCode != tc.plan || p.IsGracePeriod != tc.isGrace {
				t.Fatalf("payment = %+v", p)
			}
		})
	}
}

func TestPayFallsBackToDefaultPlan(t *testing.T) {
	f := newFixture(t, 1, 1)
	f.svc.deps.Plans = NewPlanResolver(memPlans{}, nil)
	ctx := context.Background()
	if _, err := f.svc.Assign(ctx, 1, 1); err != nil {
		t.Fatal(err)
	}
	f.now = t0.Add(2 * time.Hour)
	p, err := f.svc.Pay(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if p.Amount != 20 || p.Currency != "GTQ" {
		t.Fatalf("payment under default plan = %+v", p)
	}
}

func TestPayRollsBackWhenSettlementFails(t *testing.T) {
	f := newFixture(t, 1, 1)
	ctx := context.Background()
	if _, err := f.svc.Assign(ctx, 1, 1); err != nil {
		t.Fatal(err)
	}
	f.store.failOn, f.store.failErr = "CreateSettlement", errors.New("disk full")
	f.now = t0.Add(time.Hour)
	_, err := f.svc.Pay(ctx, 1)
	wantKind(t, err, KindStoreUnavailable)
	if u := f.store.user(1); u.HasPaid {
		t.Fatal("paid flag survived a failed settlement")
	}
	if _, err := f.svc.Pay(ctx, 1); err != nil {
		t.Fatalf("pay after rollback: %v", err)
	}
}

func TestPayRateLimit(t *testing.T) {
	f := newFixture(t, 1, 1)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.svc.Pay(ctx, 1)
		wantKind(t, err, KindNoActiveSession)
	}
	_, err := f.svc.Pay(ctx, 1)
	wantKind(t, err, KindRateLimitExceeded)
	var se *Error
	if !errors.As(err, &se) || !se.Retryable() {
		t.Fatalf("rate limit error not retryable: %v", err)
	}

	f.mr.FastForward(61 * time.Second)
	_, err = f.svc.Pay(ctx, 1)
	wantKind(t, err, KindNoActiveSession)
}

func TestStatusReflectsReleaseImmediately(t *testing.T) {
	f := newFixture(t, 2, 1)
	ctx := context.Background()
	if _, err := f.svc.Assign(ctx, 1, 1); err != nil {
		t.Fatal(err)
	}

	st, err := f.svc.Status(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if st.OccupiedSpaces != 1 || st.AvailableSpaces != 1 {
		t.Fatalf("status after assign = %+v", st)
	}
	if _, err := f.svc.Status(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if f.store.statusLoads != 1 {
		t.Fatalf("loads = %d, second read should hit the cache", f.store.statusLoads)
	}

	if _, err := f.svc.Pay(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Release(ctx, 1); err != nil {
		t.Fatal(err)
	}
	st, err = f.svc.Status(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if st.OccupiedSpaces != 0 || st.AvailableSpaces != 2 {
		t.Fatalf("status after release = %+v", st)
	}

	_, err = f.svc.Status(ctx, 404)
	wantKind(t, err, KindLotNotFound)
}

func TestPostCommitFailuresAreSwallowed(t *testing.T) {
	f := newFixture(t, 1, 1)
	f.events.err = errors.New("broker down")
	f.gates.err = errors.New("gate offline")
	f.mr.Close()
	ctx := context.Background()

	if _, err := f.svc.Assign(ctx, 1, 1); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := f.svc.Pay(ctx, 1); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if _, err := f.svc.Release(ctx, 1); err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(f.gates.opened) != 1 {
		t.Fatalf("gate attempts = %d", len(f.gates.opened))
	}
	if err := f.store.checkInvariants(); err != nil {
		t.Fatal(err)
	}
}

func TestGuardRelease(t *testing.T) {
	f := newFixture(t, 1, 2)
	ctx := context.Background()
	if _, err := f.svc.GuardAssign(ctx, "u2@campus.test", 1); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.GuardRelease(ctx, 2)
	wantKind(t, err, KindPaymentRequired)
	if _, err := f.svc.Pay(ctx, 2); err != nil {
		t.Fatal(err)
	}
	r, err := f.svc.GuardRelease(ctx, 2)
	if err != nil || r.UserID != 2 {
		t.Fatalf("guard release = %+v, %v", r, err)
	}
	if _, err := f.svc.Assign(ctx, 1, 1); err != nil {
		t.Fatalf("space not reusable after guard release: %v", err)
	}
}

func TestOpenGate(t *testing.T) {
	f := newFixture(t, 1, 1)
	ctx := context.Background()

	_, err := f.svc.OpenGate(ctx, 1, "SIDE_DOOR")
	wantKind(t, err, KindInvalidInput)

	_, err = f.svc.OpenGate(ctx, 1, "")
	wantKind(t, err, KindNoActiveSession)

	if _, err := f.svc.Assign(ctx, 1, 1); err != nil {
		t.Fatal(err)
	}
	_, err = f.svc.OpenGate(ctx, 1, "GATE_MAIN_EXIT")
	wantKind(t, err, KindPaymentRequired)

	g, err := f.svc.OpenGate(ctx, 1, "GATE_MAIN_ENTRY")
	if err != nil || g.GateID != "GATE_MAIN_ENTRY" || !g.Simulated {
		t.Fatalf("entry gate = %+v, %v", g, err)
	}
	if _, err := f.svc.Pay(ctx, 1); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := f.svc.OpenGate(ctx, 1, ""); err != nil {
			t.Fatalf("exit gate %d: %v", i, err)
		}
	}
	_, err = f.svc.OpenGate(ctx, 1, "")
	wantKind(t, err, KindRateLimitExceeded)
}
