package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/parking-occupancy/internal/model"
)

// OccupancyTx is the set of row-level operations the occupancy service runs
// inside one transaction.  Lock* methods take FOR UPDATE locks that are
// held until the surrounding WithinTx returns.
type OccupancyTx interface {
	LockUser(ctx context.Context, userID uint64) (model.User, error)
	LockUserByIdentity(ctx context.Context, target string) (model.User, error)
	GetLot(ctx context.Context, lotID uint64) (model.Lot, error)
	LockLowestFreeSpace(ctx context.Context, lotID uint64) (model.Space, error)
	LockSpaceByNumber(ctx context.Context, lotID uint64, number string) (model.Space, error)
	OccupySpace(ctx context.Context, spaceID, userID uint64, entry time.Time) error
	VacateSpace(ctx context.Context, spaceID uint64) error
	SetUserSession(ctx context.Context, userID, lotID uint64, number string, entry time.Time) error
	ClearUserSession(ctx context.Context, userID uint64) error
	MarkPaid(ctx context.Context, userID uint64, amount float64) error
	CreateSettlement(ctx context.Context, s *model.Settlement) error
}

// OccupancyStore runs transactions and serves the occupancy snapshot.
type OccupancyStore interface {
	WithinTx(ctx context.Context, fn func(tx OccupancyTx) error) error
	LotStatus(ctx context.Context, lotID uint64) (model.LotStatus, error)
}

// Store is the MySQL OccupancyStore.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// maxTxAttempts bounds how often WithinTx re-runs fn after a deadlock or a
// lost space race.  fn must be safe to run again from the start.
const maxTxAttempts = 3

// WithinTx runs fn in a transaction and commits when fn returns nil.  Any
// error, including a panic in fn, rolls everything back.  Transient lock
// conflicts are retried with a fresh transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(tx OccupancyTx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !IsTransient(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(tx OccupancyTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&sqlTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// sqlTx implements OccupancyTx over a *sql.Tx.  Its methods live next to
// the table they touch.
type sqlTx struct {
	tx *sql.Tx
}

// IsTransient reports errors worth retrying in a fresh transaction: InnoDB
// deadlocks (1213), lock wait timeouts (1205) and a lost occupy race.
func IsTransient(err error) bool {
	if errors.Is(err, ErrSpaceTaken) {
		return true
	}
	var me *mysql.MySQLError
	return errors.As(err, &me) && (me.Number == 1213 || me.Number == 1205)
}

var _ OccupancyTx = (*sqlTx)(nil)
var _ OccupancyStore = (*Store)(nil)

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullUint(n sql.NullInt64) *uint64 {
	if !n.Valid {
		return nil
	}
	v := uint64(n.Int64)
	return &v
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
