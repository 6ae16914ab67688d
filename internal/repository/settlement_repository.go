package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/parking-occupancy/internal/model"
)

// CreateSettlement records a payment inside the transaction that marks the
// session paid, so a settlement exists exactly when has_paid flipped.
func (t *sqlTx) CreateSettlement(ctx context.Context, s *model.Settlement) error {
	if s.Status == "" {
		s.Status = model.SettlementPaid
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO settlements
		 (invoice_number, user_id, lot_id, space_number, plan_code, amount, currency,
		  duration_minutes, hours_charged, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.InvoiceNumber, s.UserID, s.LotID, s.SpaceNumber, s.PlanCode, s.Amount, s.Currency,
		s.DurationMinutes, s.HoursCharged, s.Status, s.CreatedAt)
	if err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	s.ID = uint64(id)
	return nil
}

// SettlementRepo reads settlements for history views.
type SettlementRepo struct {
	db *sql.DB
}

func NewSettlementRepo(db *sql.DB) *SettlementRepo { return &SettlementRepo{db: db} }

// ListByUser returns a user's settlements, newest first.
func (r *SettlementRepo) ListByUser(ctx context.Context, userID uint64, limit int) ([]model.Settlement, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, invoice_number, user_id, lot_id, space_number, plan_code, amount, currency,
		        duration_minutes, hours_charged, status, created_at
		 FROM settlements WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Settlement{}
	for rows.Next() {
		var s model.Settlement
		if err := rows.Scan(&s.ID, &s.InvoiceNumber, &s.UserID, &s.LotID, &s.SpaceNumber, &s.PlanCode,
			&s.Amount, &s.Currency, &s.DurationMinutes, &s.HoursCharged, &s.Status, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
