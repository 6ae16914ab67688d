package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/parking-occupancy/internal/model"
)

const userColumns = `id, email, COALESCE(vehicle_plate, ''), COALESCE(card_id, ''), role,
	current_lot_id, current_space, entry_time, has_paid, last_payment_amount,
	is_solvent, solvency_expires`

func scanUser(row interface{ Scan(...interface{}) error }) (model.User, error) {
	var (
		u       model.User
		lotID   sql.NullInt64
		space   sql.NullString
		entry   sql.NullTime
		expires sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &u.VehiclePlate, &u.CardID, &u.Role,
		&lotID, &space, &entry, &u.HasPaid, &u.LastPaymentAmount,
		&u.IsSolvent, &expires)
	if err != nil {
		return model.User{}, err
	}
	u.CurrentLotID = nullUint(lotID)
	u.CurrentSpace = nullString(space)
	u.EntryTime = nullTime(entry)
	u.SolvencyExpires = nullTime(expires)
	return u, nil
}

func userOrNotFound(u model.User, err error) (model.User, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrUserNotFound
	}
	return u, err
}

// LockUser locks the user row.  Every occupancy transition takes this lock
// first, which serialises concurrent requests from the same user.
func (t *sqlTx) LockUser(ctx context.Context, userID uint64) (model.User, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ? FOR UPDATE`, userID)
	return userOrNotFound(scanUser(row))
}

// LockUserByIdentity locks the user whose plate (upper-cased) or email
// (lower-cased) equals target.  Guards identify drivers this way.  The plate
// is tried first; each lookup is a point read on one unique key so only the
// matching row is locked.
func (t *sqlTx) LockUserByIdentity(ctx context.Context, target string) (model.User, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return model.User{}, ErrUserNotFound
	}
	u, err := t.lockUserBy(ctx, "vehicle_plate", strings.ToUpper(target))
	if !errors.Is(err, ErrUserNotFound) {
		return u, err
	}
	return t.lockUserBy(ctx, "email", strings.ToLower(target))
}

// lockUserBy locks the row matching a unique column.  column is never user
// input.
func (t *sqlTx) lockUserBy(ctx context.Context, column, value string) (model.User, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE `+column+` = ? FOR UPDATE`, value)
	return userOrNotFound(scanUser(row))
}

func (t *sqlTx) SetUserSession(ctx context.Context, userID, lotID uint64, number string, entry time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE users SET current_lot_id = ?, current_space = ?, entry_time = ?, has_paid = 0
		 WHERE id = ?`, lotID, number, entry.UTC(), userID)
	return err
}

func (t *sqlTx) ClearUserSession(ctx context.Context, userID uint64) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE users SET current_lot_id = NULL, current_space = NULL, entry_time = NULL, has_paid = 0
		 WHERE id = ?`, userID)
	return err
}

func (t *sqlTx) MarkPaid(ctx context.Context, userID uint64, amount float64) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE users SET has_paid = 1, last_payment_amount = ? WHERE id = ?`, amount, userID)
	return err
}

// UserRepo serves user reads and writes outside the occupancy transaction.
type UserRepo struct {
	db *sql.DB
}

func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{db: db} }

// Create inserts a user and fills in its ID.  Email is lower-cased and the
// plate upper-cased so guard lookups match.
func (r *UserRepo) Create(ctx context.Context, u *model.User) error {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	u.VehiclePlate = strings.ToUpper(strings.TrimSpace(u.VehiclePlate))
	if u.Role == "" {
		u.Role = model.RoleStudent
	}
	var plate, card interface{}
	if u.VehiclePlate != "" {
		plate = u.VehiclePlate
	}
	u.CardID = strings.TrimSpace(u.CardID)
	if u.CardID != "" {
		card = u.CardID
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO users (email, vehicle_plate, card_id, role, is_solvent, solvency_expires)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.Email, plate, card, u.Role, u.IsSolvent, u.SolvencyExpires)
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
	u.ID = uint64(id)
	return nil
}

func (r *UserRepo) GetByID(ctx context.Context, id uint64) (model.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return userOrNotFound(scanUser(row))
}

// GetByCardID returns the user holding the institutional card cardID.
func (r *UserRepo) GetByCardID(ctx context.Context, cardID string) (model.User, error) {
	cardID = strings.TrimSpace(cardID)
	if cardID == "" {
		return model.User{}, ErrUserNotFound
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE card_id = ?`, cardID)
	return userOrNotFound(scanUser(row))
}

// UpdateSolvency sets the solvency flag and expiry and records who did it.
func (r *UserRepo) UpdateSolvency(ctx context.Context, id uint64, solvent bool, expires *time.Time, by uint64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET is_solvent = ?, solvency_expires = ?, solvency_updated_by = ? WHERE id = ?`,
		solvent, expires, by, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, gErr := r.GetByID(ctx, id); gErr != nil {
			return gErr
		}
	}
	return nil
}

// ListByRole returns every user with the given role ordered by email.
func (r *UserRepo) ListByRole(ctx context.Context, role string) ([]model.User, error) {
	return r.list(ctx, `SELECT `+userColumns+` FROM users WHERE role = ? ORDER BY email`, role)
}

// ActiveUnpaidSessions returns users holding a space they have not paid for.
func (r *UserRepo) ActiveUnpaidSessions(ctx context.Context) ([]model.User, error) {
	return r.list(ctx, `SELECT `+userColumns+` FROM users
		WHERE current_space IS NOT NULL AND entry_time IS NOT NULL AND has_paid = 0
		ORDER BY entry_time`)
}

func (r *UserRepo) list(ctx context.Context, q string, args ...interface{}) ([]model.User, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// isDuplicate reports a unique key violation (MySQL error 1062).
func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}
