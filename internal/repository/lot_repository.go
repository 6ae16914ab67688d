package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/iliyamo/parking-occupancy/internal/model"
)

const lotColumns = `l.id, l.name, l.latitude, l.longitude, l.total_spaces,
	(SELECT COUNT(*) FROM parking_spaces s WHERE s.lot_id = l.id AND s.is_occupied = 0),
	l.created_at, l.updated_at`

func scanLot(row interface{ Scan(...interface{}) error }) (model.Lot, error) {
	var l model.Lot
	err := row.Scan(&l.ID, &l.Name, &l.Latitude, &l.Longitude, &l.TotalSpaces,
		&l.AvailableSpaces, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Lot{}, ErrLotNotFound
	}
	return l, err
}

// GetLot reads a lot inside the occupancy transaction without locking it.
func (t *sqlTx) GetLot(ctx context.Context, lotID uint64) (model.Lot, error) {
	return scanLot(t.tx.QueryRowContext(ctx,
		`SELECT `+lotColumns+` FROM parking_lots l WHERE l.id = ?`, lotID))
}

// LotStatus builds the occupancy snapshot of one lot from the spaces table.
func (s *Store) LotStatus(ctx context.Context, lotID uint64) (model.LotStatus, error) {
	st := model.LotStatus{LotID: lotID, Occupied: []model.OccupiedDetail{}}
	err := s.db.QueryRowContext(ctx,
		`SELECT l.name,
		        (SELECT COUNT(*) FROM parking_spaces s WHERE s.lot_id = l.id)
		 FROM parking_lots l WHERE l.id = ?`, lotID).Scan(&st.LotName, &st.TotalSpaces)
	if errors.Is(err, sql.ErrNoRows) {
		return model.LotStatus{}, ErrLotNotFound
	}
	if err != nil {
		return model.LotStatus{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT s.space_number, s.occupant_id, s.entry_time,
		        COALESCE(u.email, ''), COALESCE(u.vehicle_plate, '')
		 FROM parking_spaces s
		 LEFT JOIN users u ON u.id = s.occupant_id
		 WHERE s.lot_id = ? AND s.is_occupied = 1
		 ORDER BY s.id`, lotID)
	if err != nil {
		return model.LotStatus{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			d        model.OccupiedDetail
			occupant sql.NullInt64
			entry    sql.NullTime
		)
		if err := rows.Scan(&d.SpaceNumber, &occupant, &entry, &d.Email, &d.VehiclePlate); err != nil {
			return model.LotStatus{}, err
		}
		d.UserID = uint64(occupant.Int64)
		d.EntryTime = entry.Time.UTC()
		st.Occupied = append(st.Occupied, d)
	}
	if err := rows.Err(); err != nil {
		return model.LotStatus{}, err
	}
	st.OccupiedSpaces = len(st.Occupied)
	st.AvailableSpaces = st.TotalSpaces - st.OccupiedSpaces
	st.GeneratedAt = time.Now().UTC()
	return st, nil
}

// LotRepo administers lots and their spaces.  Every method that changes
// the set of spaces runs in its own transaction with the lot row locked.
type LotRepo struct {
	db *sql.DB
}

func NewLotRepo(db *sql.DB) *LotRepo { return &LotRepo{db: db} }

func (r *LotRepo) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// Create inserts a lot with spaces numbered 1..total.
func (r *LotRepo) Create(ctx context.Context, name string, lat, lng float64, total int) (model.Lot, error) {
	var id uint64
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO parking_lots (name, latitude, longitude, total_spaces) VALUES (?, ?, ?, ?)`,
			strings.TrimSpace(name), lat, lng, total)
		if err != nil {
			if isDuplicate(err) {
				return ErrConflict
			}
			return err
		}
		lastID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		id = uint64(lastID)
		return insertSpacesTx(ctx, tx, id, 1, total)
	})
	if err != nil {
		return model.Lot{}, err
	}
	return r.Get(ctx, id)
}

func (r *LotRepo) Get(ctx context.Context, id uint64) (model.Lot, error) {
	return scanLot(r.db.QueryRowContext(ctx,
		`SELECT `+lotColumns+` FROM parking_lots l WHERE l.id = ?`, id))
}

func (r *LotRepo) List(ctx context.Context) ([]model.Lot, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+lotColumns+` FROM parking_lots l ORDER BY l.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Lot{}
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Update renames a lot and moves its coordinates.
func (r *LotRepo) Update(ctx context.Context, id uint64, name string, lat, lng float64) (model.Lot, error) {
	_, err := r.db.ExecContext(ctx,
		`UPDATE parking_lots SET name = ?, latitude = ?, longitude = ? WHERE id = ?`,
		strings.TrimSpace(name), lat, lng, id)
	if err != nil {
		if isDuplicate(err) {
			return model.Lot{}, ErrConflict
		}
		return model.Lot{}, err
	}
	return r.Get(ctx, id)
}

// Resize grows or shrinks a lot to total spaces.  Growth appends numbers
// after the current highest; shrinking removes the highest-numbered spaces
// and fails with ErrConflict when any of them is occupied.
func (r *LotRepo) Resize(ctx context.Context, id uint64, total int) (model.Lot, error) {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockLotTx(ctx, tx, id); err != nil {
			return err
		}
		var count, maxNumber int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*), COALESCE(MAX(CAST(space_number AS UNSIGNED)), 0)
			 FROM parking_spaces WHERE lot_id = ?`, id).Scan(&count, &maxNumber)
		if err != nil {
			return err
		}
		switch {
		case total > count:
			if err := insertSpacesTx(ctx, tx, id, maxNumber+1, total-count); err != nil {
				return err
			}
		case total < count:
			if err := removeHighestSpacesTx(ctx, tx, id, count-total); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `UPDATE parking_lots SET total_spaces = ? WHERE id = ?`, total, id)
		return err
	})
	if err != nil {
		return model.Lot{}, err
	}
	return r.Get(ctx, id)
}

// Delete removes a lot and its spaces.  A lot with any occupied space is
// refused with ErrConflict.
func (r *LotRepo) Delete(ctx context.Context, id uint64) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockLotTx(ctx, tx, id); err != nil {
			return err
		}
		var occupied int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM parking_spaces WHERE lot_id = ? AND is_occupied = 1 FOR UPDATE`,
			id).Scan(&occupied); err != nil {
			return err
		}
		if occupied > 0 {
			return fmt.Errorf("%w: lot has %d occupied spaces", ErrConflict, occupied)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM parking_spaces WHERE lot_id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM parking_lots WHERE id = ?`, id)
		return err
	})
}

func lockLotTx(ctx context.Context, tx *sql.Tx, id uint64) error {
	var got uint64
	err := tx.QueryRowContext(ctx, `SELECT id FROM parking_lots WHERE id = ? FOR UPDATE`, id).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrLotNotFound
	}
	return err
}

// insertSpacesTx bulk inserts count spaces numbered from first upward.
func insertSpacesTx(ctx context.Context, tx *sql.Tx, lotID uint64, first, count int) error {
	const batch = 500
	for done := 0; done < count; done += batch {
		n := count - done
		if n > batch {
			n = batch
		}
		q := `INSERT INTO parking_spaces (lot_id, space_number) VALUES `
		args := make([]interface{}, 0, n*2)
		for i := 0; i < n; i++ {
			if i > 0 {
				q += ","
			}
			q += "(?, ?)"
			args = append(args, lotID, strconv.Itoa(first+done+i))
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return err
		}
	}
	return nil
}

func removeHighestSpacesTx(ctx context.Context, tx *sql.Tx, lotID uint64, n int) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, space_number, is_occupied FROM parking_spaces WHERE lot_id = ?
		 ORDER BY CAST(space_number AS UNSIGNED) DESC, id DESC LIMIT ? FOR UPDATE`, lotID, n)
	if err != nil {
		return err
	}
	var (
		ids      []interface{}
		occupied []string
	)
	for rows.Next() {
		var (
			id     uint64
			number string
			busy   bool
		)
		if err := rows.Scan(&id, &number, &busy); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
		if busy {
			occupied = append(occupied, number)
		}
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if len(occupied) > 0 {
		return fmt.Errorf("%w: spaces %s are occupied", ErrConflict, strings.Join(occupied, ", "))
	}
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err = tx.ExecContext(ctx, `DELETE FROM parking_spaces WHERE id IN (`+placeholders+`)`, ids...)
	return err
}
