package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/iliyamo/parking-occupancy/internal/config"
	"github.com/iliyamo/parking-occupancy/internal/logger"
	"github.com/iliyamo/parking-occupancy/internal/model"
	"github.com/iliyamo/parking-occupancy/internal/notify"
	"github.com/iliyamo/parking-occupancy/internal/queue"
)

// SessionSource lists open sessions that have not been paid yet.
type SessionSource interface {
	ActiveUnpaidSessions(ctx context.Context) ([]model.User, error)
}

// Reminders nudges drivers with unpaid sessions: a parking_reminder on each
// full hour parked and an expiration_warning during the last minutes before
// the stay limit.
type Reminders struct {
	sessions SessionSource
	notifier notify.Notifier
	cfg      config.SessionConfig
	log      *logger.Logger
	now      func() time.Time
}

func NewReminders(sessions SessionSource, notifier notify.Notifier, cfg config.SessionConfig, log *logger.Logger) *Reminders {
	return &Reminders{
		sessions: sessions,
		notifier: notifier,
		cfg:      cfg,
		log:      logger.OrNop(log).With("component", "reminders"),
		now:      time.Now,
	}
}

// Due returns the events owed to u at time now.
func (r *Reminders) Due(u model.User, now time.Time) []queue.Event {
	if u.EntryTime == nil || u.HasPaid {
		return nil
	}
	minutes := int64(now.Sub(*u.EntryTime) / time.Minute)
	limit := int64(r.cfg.Limit / time.Minute)
	warn := int64(r.cfg.Warning / time.Minute)

	var out []queue.Event
	if minutes > 0 && minutes%60 == 0 {
		ev := queue.UserEvent(queue.TypeParkingReminder, u.ID)
		ev.DurationMinutes = minutes
		ev.Message = fmt.Sprintf("you have been parked for %d hours", minutes/60)
		out = append(out, withSession(ev, u))
	}
	if limit > 0 && minutes >= limit-warn && minutes < limit {
		ev := queue.UserEvent(queue.TypeExpirationWarning, u.ID)
		ev.DurationMinutes = minutes
		ev.Message = fmt.Sprintf("your %d hour limit expires in %d minutes", limit/60, limit-minutes)
		out = append(out, withSession(ev, u))
	}
	return out
}

func withSession(ev queue.Event, u model.User) queue.Event {
	if u.CurrentLotID != nil {
		ev.LotID = *u.CurrentLotID
	}
	if u.CurrentSpace != nil {
		ev.SpaceNumber = *u.CurrentSpace
	}
	return ev
}

// Sweep publishes every due reminder once and returns how many were sent.
func (r *Reminders) Sweep(ctx context.Context) (int, error) {
	users, err := r.sessions.ActiveUnpaidSessions(ctx)
	if err != nil {
		return 0, err
	}
	now := r.now()
	sent := 0
	for _, u := range users {
		for _, ev := range r.Due(u, now) {
			if r.notifier == nil {
				continue
			}
			if err := r.notifier.Publish(ctx, ev); err != nil {
				r.log.Warn("reminder publish failed", "user_id", u.ID, "type", ev.Type, "error", err)
				continue
			}
			sent++
		}
	}
	return sent, nil
}

// Schedule registers the sweep on c using cfg.ReminderSchedule.
func (r *Reminders) Schedule(c *cron.Cron) (cron.EntryID, error) {
	return c.AddFunc(r.cfg.ReminderSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := r.Sweep(ctx)
		if err != nil {
			r.log.Error("reminder sweep failed", "error", err)
			return
		}
		if n > 0 {
			r.log.Info("reminders sent", "count", n)
		}
	})
}
