package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/parking-occupancy/internal/model"
)

const spaceColumns = `id, lot_id, space_number, is_occupied, occupant_id, entry_time`

func scanSpace(row interface{ Scan(...interface{}) error }) (model.Space, error) {
	var (
		s        model.Space
		occupant sql.NullInt64
		entry    sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.LotID, &s.Number, &s.Occupied, &occupant, &entry); err != nil {
		return model.Space{}, err
	}
	s.OccupantID = nullUint(occupant)
	s.EntryTime = nullTime(entry)
	return s, nil
}

// LockLowestFreeSpace locks the free space with the smallest id in the lot.
// Contenders serialise on that row; a loser wakes up to find it occupied and
// the re-evaluated WHERE clause moves it to the next free row.
func (t *sqlTx) LockLowestFreeSpace(ctx context.Context, lotID uint64) (model.Space, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+spaceColumns+` FROM parking_spaces
		 WHERE lot_id = ? AND is_occupied = 0
		 ORDER BY id LIMIT 1 FOR UPDATE`, lotID)
	s, err := scanSpace(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, lErr := t.GetLot(ctx, lotID); lErr != nil {
			return model.Space{}, lErr
		}
		return model.Space{}, ErrNoFreeSpace
	}
	return s, err
}

// LockSpaceByNumber locks one space of a lot by its number.
func (t *sqlTx) LockSpaceByNumber(ctx context.Context, lotID uint64, number string) (model.Space, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+spaceColumns+` FROM parking_spaces
		 WHERE lot_id = ? AND space_number = ? LIMIT 1 FOR UPDATE`, lotID, number)
	s, err := scanSpace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Space{}, ErrSpaceNotFound
	}
	return s, err
}

// OccupySpace marks a free space as held by userID.  The is_occupied guard
// turns a lost race into ErrSpaceTaken instead of a double assignment.
func (t *sqlTx) OccupySpace(ctx context.Context, spaceID, userID uint64, entry time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE parking_spaces SET is_occupied = 1, occupant_id = ?, entry_time = ?
		 WHERE id = ? AND is_occupied = 0`, userID, entry.UTC(), spaceID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSpaceTaken
	}
	return nil
}

// VacateSpace clears all three occupancy columns together.
func (t *sqlTx) VacateSpace(ctx context.Context, spaceID uint64) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE parking_spaces SET is_occupied = 0, occupant_id = NULL, entry_time = NULL WHERE id = ?`,
		spaceID)
	return err
}
