// Package service implements the occupancy state machine.  A user moves a
// space from FREE to ASSIGNED, settles it (PAID) and releases it back to
// FREE.  Every transition runs in one store transaction with the user row
// locked first and the space row second; cache invalidation, events and
// gate commands happen only after commit and never fail the operation.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/parking-occupancy/internal/cache"
	"github.com/iliyamo/parking-occupancy/internal/gate"
	"github.com/iliyamo/parking-occupancy/internal/logger"
	"github.com/iliyamo/parking-occupancy/internal/model"
	"github.com/iliyamo/parking-occupancy/internal/notify"
	"github.com/iliyamo/parking-occupancy/internal/pricing"
	"github.com/iliyamo/parking-occupancy/internal/queue"
	"github.com/iliyamo/parking-occupancy/internal/ratelimit"
	"github.com/iliyamo/parking-occupancy/internal/repository"
	"github.com/iliyamo/parking-occupancy/internal/solvency"
)

// SolvencyChecker gates self-service assignment.
type SolvencyChecker interface {
	Check(ctx context.Context, userID uint64) error
}

// RateLimiter counts attempts per subject.
type RateLimiter interface {
	Check(ctx context.Context, p ratelimit.Policy, subject string) ratelimit.Decision
}

// StatusCache holds lot snapshots between writes.
type StatusCache interface {
	Get(ctx context.Context, lotID uint64, load cache.Loader) (model.LotStatus, bool, error)
	Invalidate(ctx context.Context, lotID uint64) error
}

// UserReader reads a user outside any transaction.
type UserReader interface {
	GetByID(ctx context.Context, id uint64) (model.User, error)
}

// OccupancyDeps wires an Occupancy.  Only Store is required; a nil
// collaborator disables the matching side effect.
type OccupancyDeps struct {
	Store    repository.OccupancyStore
	Users    UserReader
	Plans    *PlanResolver
	Solvency SolvencyChecker
	Limiter  RateLimiter
	Cache    StatusCache
	Notifier notify.Notifier
	Gates    gate.Actuator
	Log      *logger.Logger
}

// OccupancyConfig holds the business limits and gate ids.
type OccupancyConfig struct {
	PayPolicy         ratelimit.Policy
	GatePolicy        ratelimit.Policy
	EntryGateID       string
	ExitGateID        string
	PostCommitTimeout time.Duration
}

// DefaultOccupancyConfig returns pay 3/min, gate_open 5/min and the main gates.
func DefaultOccupancyConfig() OccupancyConfig {
	return OccupancyConfig{
		PayPolicy:         ratelimit.Policy{Action: "pay", Limit: 3, Window: time.Minute},
		GatePolicy:        ratelimit.Policy{Action: "gate_open", Limit: 5, Window: time.Minute},
		EntryGateID:       "GATE_MAIN_ENTRY",
		ExitGateID:        "GATE_MAIN_EXIT",
		PostCommitTimeout: 3 * time.Second,
	}
}

type Occupancy struct {
	deps OccupancyDeps
	cfg  OccupancyConfig
	log  *logger.Logger
	now  func() time.Time
}

func NewOccupancy(deps OccupancyDeps, cfg OccupancyConfig) *Occupancy {
	if cfg.PostCommitTimeout <= 0 {
		cfg.PostCommitTimeout = 3 * time.Second
	}
	return &Occupancy{
		deps: deps,
		cfg:  cfg,
		log:  logger.OrNop(deps.Log).With("component", "occupancy"),
		now:  time.Now,
	}
}

// Assignment is the result of a successful assign.
type Assignment struct {
	UserID      uint64    `json:"user_id"`
	LotID       uint64    `json:"lot_id"`
	LotName     string    `json:"lot_name"`
	SpaceNumber string    `json:"space_number"`
	EntryTime   time.Time `json:"entry_time"`
}

// Payment is the result of a successful pay.
type Payment struct {
	UserID          uint64    `json:"user_id"`
	Amount          float64   `json:"amount"`
	Currency        string    `json:"currency"`
	PlanCode        string    `json:"plan_code"`
	DurationMinutes int64     `json:"duration_minutes"`
	HoursCharged    int64     `json:"hours_charged"`
	IsGracePeriod   bool      `json:"is_grace_period"`
	InvoiceNumber   string    `json:"invoice_number"`
	SpaceNumber     string    `json:"space_number"`
	PaidAt          time.Time `json:"paid_at"`
}

// Release is the result of a successful release.
type Release struct {
	UserID      uint64    `json:"user_id"`
	LotID       uint64    `json:"lot_id"`
	SpaceNumber string    `json:"space_number"`
	ExitTime    time.Time `json:"exit_time"`
}

// GateOpening is the result of a user initiated gate command.
type GateOpening struct {
	GateID    string `json:"gate_id"`
	RequestID string `json:"request_id"`
	Simulated bool   `json:"simulated"`
}

// clock returns the current time at the store's DATETIME(3) precision so
// the value written is the value read back.
func (o *Occupancy) clock() time.Time {
	return o.now().UTC().Truncate(time.Millisecond)
}

// Assign gives userID the lowest free space of lotID.  Students must hold a
// live solvency period.
func (o *Occupancy) Assign(ctx context.Context, userID, lotID uint64) (Assignment, error) {
	if userID == 0 || lotID == 0 {
		return Assignment{}, newError(KindInvalidInput, "user id and lot id are required")
	}
	if o.deps.Solvency != nil {
		if err := o.deps.Solvency.Check(ctx, userID); err != nil {
			var req *solvency.RequiredError
			if errors.As(err, &req) {
				return Assignment{}, wrapError(KindSolvencyRequired, req.Error(), err)
			}
			return Assignment{}, FromStore("solvency check", err)
		}
	}
	return o.assign(ctx, lotID, func(tx repository.OccupancyTx) (model.User, error) {
		return tx.LockUser(ctx, userID)
	})
}

// GuardAssign assigns a space to the user identified by plate or email,
// skipping the solvency check.
func (o *Occupancy) GuardAssign(ctx context.Context, target string, lotID uint64) (Assignment, error) {
	if target == "" || lotID == 0 {
		return Assignment{}, newError(KindInvalidInput, "target and lot id are required")
	}
	return o.assign(ctx, lotID, func(tx repository.OccupancyTx) (model.User, error) {
		return tx.LockUserByIdentity(ctx, target)
	})
}

func (o *Occupancy) assign(ctx context.Context, lotID uint64, lockUser func(repository.OccupancyTx) (model.User, error)) (Assignment, error) {
	var out Assignment
	err := o.deps.Store.WithinTx(ctx, func(tx repository.OccupancyTx) error {
		u, err := lockUser(tx)
		if err != nil {
			return err
		}
		if u.HasSession() {
			return newError(KindAlreadyOccupying, "user already occupies space "+*u.CurrentSpace)
		}
		lot, err := tx.GetLot(ctx, lotID)
		if err != nil {
			return err
		}
		space, err := tx.LockLowestFreeSpace(ctx, lotID)
		if err != nil {
			return err
		}
		entry := o.clock()
		if err := tx.OccupySpace(ctx, space.ID, u.ID, entry); err != nil {
			return err
		}
		if err := tx.SetUserSession(ctx, u.ID, lotID, space.Number, entry); err != nil {
			return err
		}
		out = Assignment{UserID: u.ID, LotID: lotID, LotName: lot.Name, SpaceNumber: space.Number, EntryTime: entry}
		return nil
	})
	if err != nil {
		return Assignment{}, FromStore("assign", err)
	}

	o.log.Info("space assigned", "user_id", out.UserID, "lot_id", lotID, "space", out.SpaceNumber)
	assigned := queue.UserEvent(queue.TypeSpaceAssigned, out.UserID)
	assigned.LotID, assigned.LotName, assigned.SpaceNumber = lotID, out.LotName, out.SpaceNumber
	o.afterCommit(ctx, lotID, assigned, o.lotUpdate(lotID, out.SpaceNumber))
	return out, nil
}

// Pay settles the open session of userID under the user's plan.
func (o *Occupancy) Pay(ctx context.Context, userID uint64) (Payment, error) {
	if userID == 0 {
		return Payment{}, newError(KindInvalidInput, "user id is required")
	}
	if err := o.limit(ctx, o.cfg.PayPolicy, userID); err != nil {
		return Payment{}, err
	}

	var out Payment
	err := o.deps.Store.WithinTx(ctx, func(tx repository.OccupancyTx) error {
		u, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		if !u.HasSession() {
			return newError(KindNoActiveSession, "no active parking session")
		}
		if u.HasPaid {
			return newError(KindAlreadyPaid, "session already paid")
		}
		exit := o.clock()
		plan, err := o.deps.Plans.Resolve(ctx, u, exit)
		if err != nil {
			return err
		}
		entry := exit
		if u.EntryTime != nil {
			entry = *u.EntryTime
		}
		bd := pricing.CalculateCost(plan, entry, exit)
		if err := tx.MarkPaid(ctx, u.ID, bd.TotalAmount); err != nil {
			return err
		}
		s := &model.Settlement{
			InvoiceNumber:   "INV-" + uuid.NewString(),
			UserID:          u.ID,
			SpaceNumber:     *u.CurrentSpace,
			PlanCode:        plan.Code,
			Amount:          bd.TotalAmount,
			Currency:        bd.Currency,
			DurationMinutes: bd.DurationMinutes,
			HoursCharged:    bd.HoursCharged,
			Status:          model.SettlementPaid,
			CreatedAt:       exit,
		}
		if u.CurrentLotID != nil {
			s.LotID = *u.CurrentLotID
		}
		if err := tx.CreateSettlement(ctx, s); err != nil {
			return err
		}
		out = Payment{
			UserID:          u.ID,
			Amount:          bd.TotalAmount,
			Currency:        bd.Currency,
			PlanCode:        plan.Code,
			DurationMinutes: bd.DurationMinutes,
			HoursCharged:    bd.HoursCharged,
			IsGracePeriod:   bd.IsGracePeriod,
			InvoiceNumber:   s.InvoiceNumber,
			SpaceNumber:     s.SpaceNumber,
			PaidAt:          exit,
		}
		return nil
	})
	if err != nil {
		return Payment{}, FromStore("pay", err)
	}

	o.log.Info("session paid", "user_id", userID, "amount", out.Amount, "invoice", out.InvoiceNumber)
	ev := queue.UserEvent(queue.TypePaymentSettled, userID)
	ev.SpaceNumber, ev.Amount, ev.Currency = out.SpaceNumber, out.Amount, out.Currency
	ev.InvoiceNumber, ev.DurationMinutes = out.InvoiceNumber, out.DurationMinutes
	o.afterCommit(ctx, 0, ev)
	return out, nil
}

// Release frees the space held by userID.  The session must be paid.
func (o *Occupancy) Release(ctx context.Context, userID uint64) (Release, error) {
	if userID == 0 {
		return Release{}, newError(KindInvalidInput, "user id is required")
	}
	return o.release(ctx, func(tx repository.OccupancyTx) (model.User, error) {
		return tx.LockUser(ctx, userID)
	})
}

// GuardRelease is Release performed by a guard on behalf of targetUserID.
func (o *Occupancy) GuardRelease(ctx context.Context, targetUserID uint64) (Release, error) {
	return o.Release(ctx, targetUserID)
}

func (o *Occupancy) release(ctx context.Context, lockUser func(repository.OccupancyTx) (model.User, error)) (Release, error) {
	var out Release
	err := o.deps.Store.WithinTx(ctx, func(tx repository.OccupancyTx) error {
		u, err := lockUser(tx)
		if err != nil {
			return err
		}
		if !u.HasSession() {
			return newError(KindNoActiveSession, "no active parking session")
		}
		if !u.HasPaid {
			return newError(KindPaymentRequired, "the session must be paid before leaving")
		}
		if u.CurrentLotID == nil {
			return repository.ErrSpaceNotFound
		}
		space, err := tx.LockSpaceByNumber(ctx, *u.CurrentLotID, *u.CurrentSpace)
		if err != nil {
			return err
		}
		if space.OccupantID != nil && *space.OccupantID != u.ID {
			// The space row names someone else; only the user's own
			// session is cleared.
			o.log.Error("space occupant mismatch", "user_id", u.ID, "space_id", space.ID, "occupant_id", *space.OccupantID)
		} else if err := tx.VacateSpace(ctx, space.ID); err != nil {
			return err
		}
		if err := tx.ClearUserSession(ctx, u.ID); err != nil {
			return err
		}
		out = Release{UserID: u.ID, LotID: *u.CurrentLotID, SpaceNumber: space.Number, ExitTime: o.clock()}
		return nil
	})
	if err != nil {
		return Release{}, FromStore("release", err)
	}

	o.log.Info("space released", "user_id", out.UserID, "lot_id", out.LotID, "space", out.SpaceNumber)
	released := queue.UserEvent(queue.TypeSpaceReleased, out.UserID)
	released.LotID, released.SpaceNumber = out.LotID, out.SpaceNumber
	o.afterCommit(ctx, out.LotID, released, o.lotUpdate(out.LotID, out.SpaceNumber))
	o.openGate(ctx, o.cfg.ExitGateID, out.UserID)
	return out, nil
}

// Status returns the occupancy snapshot of lotID, cached for a few seconds.
func (o *Occupancy) Status(ctx context.Context, lotID uint64) (model.LotStatus, error) {
	if lotID == 0 {
		return model.LotStatus{}, newError(KindInvalidInput, "lot id is required")
	}
	load := func(ctx context.Context) (model.LotStatus, error) {
		return o.deps.Store.LotStatus(ctx, lotID)
	}
	var (
		st  model.LotStatus
		err error
	)
	if o.deps.Cache != nil {
		st, _, err = o.deps.Cache.Get(ctx, lotID, load)
	} else {
		st, err = load(ctx)
	}
	if err != nil {
		return model.LotStatus{}, FromStore("status", err)
	}
	return st, nil
}

// OpenGate lets a driver open a gate from the app.  The exit gate requires
// a paid session; the entry gate requires an open one.
func (o *Occupancy) OpenGate(ctx context.Context, userID uint64, gateID string) (GateOpening, error) {
	if userID == 0 {
		return GateOpening{}, newError(KindInvalidInput, "user id is required")
	}
	if gateID == "" {
		gateID = o.cfg.ExitGateID
	}
	if gateID != o.cfg.ExitGateID && gateID != o.cfg.EntryGateID {
		return GateOpening{}, newError(KindInvalidInput, "unknown gate "+gateID)
	}
	if err := o.limit(ctx, o.cfg.GatePolicy, userID); err != nil {
		return GateOpening{}, err
	}
	if o.deps.Users == nil {
		return GateOpening{}, newError(KindStoreUnavailable, "user store not configured")
	}
	u, err := o.deps.Users.GetByID(ctx, userID)
	if err != nil {
		return GateOpening{}, FromStore("gate lookup", err)
	}
	if !u.HasSession() {
		return GateOpening{}, newError(KindNoActiveSession, "no active parking session")
	}
	if gateID == o.cfg.ExitGateID && !u.HasPaid {
		return GateOpening{}, newError(KindPaymentRequired, "the session must be paid before leaving")
	}
	if o.deps.Gates == nil {
		return GateOpening{}, newError(KindStoreUnavailable, "gate actuator not configured")
	}
	res, err := o.deps.Gates.Open(ctx, gateID, userID)
	if err != nil {
		return GateOpening{}, wrapError(KindStoreUnavailable, "gate did not accept the command", err)
	}
	return GateOpening{GateID: res.GateID, RequestID: res.RequestID, Simulated: res.Simulated}, nil
}

func (o *Occupancy) limit(ctx context.Context, p ratelimit.Policy, userID uint64) error {
	if o.deps.Limiter == nil || p.Limit <= 0 {
		return nil
	}
	d := o.deps.Limiter.Check(ctx, p, strconv.FormatUint(userID, 10))
	if d.Allowed {
		return nil
	}
	return newError(KindRateLimitExceeded,
		fmt.Sprintf("too many %s attempts, retry in %ds", p.Action, int(d.RetryAfter.Round(time.Second)/time.Second)))
}

func (o *Occupancy) lotUpdate(lotID uint64, space string) queue.Event {
	ev := queue.LotEvent(queue.TypeParkingUpdate, lotID)
	ev.SpaceNumber = space
	return ev
}

// afterCommit invalidates the lot snapshot (lotID 0 skips it) and publishes
// events.  It runs detached from the request's cancellation so a client
// hanging up right after commit cannot leave the cache stale.
func (o *Occupancy) afterCommit(ctx context.Context, lotID uint64, events ...queue.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PostCommitTimeout)
	defer cancel()
	if lotID != 0 && o.deps.Cache != nil {
		if err := o.deps.Cache.Invalidate(ctx, lotID); err != nil {
			o.log.Warn("status invalidation failed", "lot_id", lotID, "error", err)
		}
	}
	if o.deps.Notifier == nil {
		return
	}
	for _, ev := range events {
		if err := o.deps.Notifier.Publish(ctx, ev); err != nil {
			o.log.Warn("event publish failed", "type", ev.Type, "audience", ev.Audience, "error", err)
		}
	}
}

func (o *Occupancy) openGate(ctx context.Context, gateID string, userID uint64) {
	if o.deps.Gates == nil || gateID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PostCommitTimeout)
	defer cancel()
	if _, err := o.deps.Gates.Open(ctx, gateID, userID); err != nil {
		o.log.Error("gate open failed after release", "gate_id", gateID, "user_id", userID, "error", err)
	}
}
