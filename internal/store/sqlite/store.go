// Package sqlite stores slots and swap requests in a single SQLite file for
// development and single-node deployments. It does not offer transactions
// to the engine, which falls back to compensation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/HammerMeetNail/slotswap/internal/models"
	"github.com/HammerMeetNail/slotswap/internal/swap"
)

const slotColumns = `id, owner_id, title, description, location, start_time, end_time, status, created_at, updated_at`

const swapColumns = `id, requester_id, requested_user_id, my_slot_id, their_slot_id, message, status, responded_at, created_at, updated_at`

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ swap.Store = (*Store)(nil)

// New wraps an open handle. The schema must already be migrated.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// utc normalises times so that text comparisons in SQLite order correctly.
func utc(t time.Time) time.Time {
	return t.UTC()
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func idArg(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func strArg(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSlot(row scanner) (*models.Slot, error) {
	var (
		slot   models.Slot
		status string
	)
	err := row.Scan(
		&slot.ID, &slot.OwnerID, &slot.Title, &slot.Description, &slot.Location,
		&slot.StartTime, &slot.EndTime, &status, &slot.CreatedAt, &slot.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	slot.Status = models.SlotStatus(status)
	return &slot, nil
}

func scanSwap(row scanner) (*models.SwapRequest, error) {
	var (
		req         models.SwapRequest
		status      string
		respondedAt sql.NullTime
	)
	err := row.Scan(
		&req.ID, &req.RequesterID, &req.RequestedUserID, &req.MySlotID, &req.TheirSlotID,
		&req.Message, &status, &respondedAt, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	req.Status = models.SwapStatus(status)
	if respondedAt.Valid {
		t := respondedAt.Time
		req.RespondedAt = &t
	}
	return &req, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func missOrStale(ctx context.Context, q rowQuerier, table string, id uuid.UUID) error {
	var exists bool
	err := q.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM "+table+" WHERE id = ?)", id.String()).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking %s existence: %w", table, err)
	}
	if exists {
		return swap.ErrStaleStatus
	}
	return swap.ErrRecordNotFound
}

// inTx runs fn in a transaction. Only tx may be used inside fn: the handle
// has a single connection.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
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
		return fmt.Errorf("committing transaction: %w", err)
	}
	committed = true
	return nil
}

func (s *Store) GetSlot(ctx context.Context, id uuid.UUID) (*models.Slot, error) {
	return getSlot(ctx, s.db, id)
}

func getSlot(ctx context.Context, q rowQuerier, id uuid.UUID) (*models.Slot, error) {
	slot, err := scanSlot(q.QueryRowContext(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, swap.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting slot: %w", err)
	}
	return slot, nil
}

func (s *Store) ListSlotsByOwner(ctx context.Context, ownerID uuid.UUID, filter models.SlotFilter) ([]*models.Slot, error) {
	conds := []string{"owner_id = ?"}
	args := []any{ownerID.String()}
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.From != nil {
		conds = append(conds, "start_time >= ?")
		args = append(args, utc(*filter.From))
	}
	if filter.To != nil {
		conds = append(conds, "start_time <= ?")
		args = append(args, utc(*filter.To))
	}

	query := `SELECT ` + slotColumns + ` FROM slots WHERE ` + strings.Join(conds, " AND ") + ` ORDER BY start_time, id`
	return s.querySlots(ctx, "listing slots by owner", query, args...)
}

func (s *Store) ListSwappableSlots(ctx context.Context, excludeOwnerID uuid.UUID, after time.Time) ([]*models.Slot, error) {
	return s.querySlots(ctx, "listing swappable slots",
		`SELECT `+slotColumns+` FROM slots
		 WHERE status = 'SWAPPABLE' AND owner_id <> ? AND start_time > ?
		 ORDER BY start_time, id`,
		excludeOwnerID.String(), utc(after),
	)
}

func (s *Store) ListSlotsByStatus(ctx context.Context, status models.SlotStatus) ([]*models.Slot, error) {
	return s.querySlots(ctx, "listing slots by status",
		`SELECT `+slotColumns+` FROM slots WHERE status = ? ORDER BY start_time, id`,
		string(status),
	)
}

func (s *Store) querySlots(ctx context.Context, what, query string, args ...any) ([]*models.Slot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	defer rows.Close()

	slots := []*models.Slot{}
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning slot: %w", err)
		}
		slots = append(slots, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return slots, nil
}

func (s *Store) UpdateSlotStatus(ctx context.Context, t swap.SlotTransition) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE slots SET status = ?, owner_id = COALESCE(?, owner_id), updated_at = ?
			 WHERE id = ? AND status = ? AND (? IS NULL OR owner_id = ?)`,
			string(t.To), idArg(t.NewOwnerID), utc(s.now()), t.SlotID.String(), string(t.From),
			idArg(t.ExpectedOwnerID), idArg(t.ExpectedOwnerID),
		)
		if err != nil {
			return fmt.Errorf("updating slot status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return missOrStale(ctx, tx, "slots", t.SlotID)
		}
		return nil
	})
}

func (s *Store) CreateSlot(ctx context.Context, params models.CreateSlotParams) (*models.Slot, error) {
	now := utc(s.now())
	slot := &models.Slot{
		ID:          uuid.New(),
		OwnerID:     params.OwnerID,
		Title:       params.Title,
		Description: params.Description,
		Location:    params.Location,
		StartTime:   utc(params.StartTime),
		EndTime:     utc(params.EndTime),
		Status:      params.Status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if slot.Status == "" {
		slot.Status = models.SlotStatusBusy
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO slots (`+slotColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		slot.ID.String(), slot.OwnerID.String(), slot.Title, slot.Description, slot.Location,
		slot.StartTime, slot.EndTime, string(slot.Status), slot.CreatedAt, slot.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("creating slot: %w", err)
	}
	return slot, nil
}

func (s *Store) UpdateSlotDetails(ctx context.Context, id uuid.UUID, expected models.SlotStatus, patch models.SlotPatch) (*models.Slot, error) {
	var status any
	if patch.Status != nil {
		status = string(*patch.Status)
	}

	var slot *models.Slot
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE slots SET
			   title = COALESCE(?, title),
			   description = COALESCE(?, description),
			   location = COALESCE(?, location),
			   start_time = COALESCE(?, start_time),
			   end_time = COALESCE(?, end_time),
			   status = COALESCE(?, status),
			   updated_at = ?
			 WHERE id = ? AND status = ?`,
			strArg(patch.Title), strArg(patch.Description), strArg(patch.Location),
			utcPtr(patch.StartTime), utcPtr(patch.EndTime), status,
			utc(s.now()), id.String(), string(expected),
		)
		if err != nil {
			return fmt.Errorf("updating slot: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return missOrStale(ctx, tx, "slots", id)
		}
		slot, err = getSlot(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return slot, nil
}

func (s *Store) DeleteSlot(ctx context.Context, id uuid.UUID, expected models.SlotStatus) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM slots WHERE id = ? AND status = ?`, id.String(), string(expected))
		if err != nil {
			return fmt.Errorf("deleting slot: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return missOrStale(ctx, tx, "slots", id)
		}
		return nil
	})
}

func (s *Store) GetSwap(ctx context.Context, id uuid.UUID) (*models.SwapRequest, error) {
	req, err := scanSwap(s.db.QueryRowContext(ctx, `SELECT `+swapColumns+` FROM swap_requests WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, swap.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting swap request: %w", err)
	}
	return req, nil
}

func (s *Store) FindPendingDuplicate(ctx context.Context, key models.SwapKey) (*models.SwapRequest, error) {
	req, err := scanSwap(s.db.QueryRowContext(ctx,
		`SELECT `+swapColumns+` FROM swap_requests
		 WHERE requester_id = ? AND requested_user_id = ?
		   AND my_slot_id = ? AND their_slot_id = ?
		   AND status = 'PENDING'`,
		key.RequesterID.String(), key.RequestedUserID.String(), key.MySlotID.String(), key.TheirSlotID.String(),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, swap.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding duplicate swap request: %w", err)
	}
	return req, nil
}

func (s *Store) insertSwap(ctx context.Context, exec func(ctx context.Context, query string, args ...any) (sql.Result, error), req *models.SwapRequest) error {
	_, err := exec(ctx,
		`INSERT INTO swap_requests (`+swapColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID.String(), req.RequesterID.String(), req.RequestedUserID.String(),
		req.MySlotID.String(), req.TheirSlotID.String(), req.Message, string(req.Status),
		utcPtr(req.RespondedAt), utc(req.CreatedAt), utc(req.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return swap.ErrDuplicate
	}
	return err
}

func (s *Store) CreateSwap(ctx context.Context, req *models.SwapRequest) error {
	created := *req
	created.ID = uuid.New()
	created.CreatedAt = utc(s.now())
	created.UpdatedAt = created.CreatedAt

	if err := s.insertSwap(ctx, s.db.ExecContext, &created); err != nil {
		return fmt.Errorf("creating swap request: %w", err)
	}
	*req = created
	return nil
}

func (s *Store) UpdateSwapStatus(ctx context.Context, id uuid.UUID, from, to models.SwapStatus, respondedAt *time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE swap_requests SET status = ?, responded_at = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			string(to), utcPtr(respondedAt), utc(s.now()), id.String(), string(from),
		)
		if err != nil {
			return fmt.Errorf("updating swap request status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return missOrStale(ctx, tx, "swap_requests", id)
		}
		return nil
	})
}

func (s *Store) DeleteSwap(ctx context.Context, id uuid.UUID, expected models.SwapStatus) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM swap_requests WHERE id = ? AND status = ?`, id.String(), string(expected))
		if err != nil {
			return fmt.Errorf("deleting swap request: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return missOrStale(ctx, tx, "swap_requests", id)
		}
		return nil
	})
}

func (s *Store) CancelSwap(ctx context.Context, id uuid.UUID) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM swap_requests WHERE id = ? AND status = 'PENDING'`, id.String())
		if err != nil {
			return fmt.Errorf("cancelling swap request: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return missOrStale(ctx, tx, "swap_requests", id)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO swap_request_cancellations (request_id, cancelled_at) VALUES (?, ?)`,
			id.String(), utc(s.now()),
		)
		if err != nil {
			return fmt.Errorf("recording swap cancellation: %w", err)
		}
		return nil
	})
}

func (s *Store) RestoreSwap(ctx context.Context, req *models.SwapRequest) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertSwap(ctx, tx.ExecContext, req); err != nil {
			return fmt.Errorf("restoring swap request: %w", err)
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM swap_request_cancellations WHERE request_id = ?`, req.ID.String())
		if err != nil {
			return fmt.Errorf("clearing swap cancellation: %w", err)
		}
		return nil
	})
}

func (s *Store) SwapCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	var cancelled bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM swap_request_cancellations WHERE request_id = ?)`, id.String(),
	).Scan(&cancelled)
	if err != nil {
		return false, fmt.Errorf("checking swap cancellation: %w", err)
	}
	return cancelled, nil
}

func (s *Store) ListSwaps(ctx context.Context, filter models.SwapFilter) ([]*models.SwapRequest, error) {
	var (
		conds []string
		args  []any
	)
	if filter.RequesterID != nil {
		conds = append(conds, "requester_id = ?")
		args = append(args, filter.RequesterID.String())
	}
	if filter.RequestedUserID != nil {
		conds = append(conds, "requested_user_id = ?")
		args = append(args, filter.RequestedUserID.String())
	}
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT ` + swapColumns + ` FROM swap_requests`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing swap requests: %w", err)
	}
	defer rows.Close()

	reqs := []*models.SwapRequest{}
	for rows.Next() {
		req, err := scanSwap(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning swap request: %w", err)
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing swap requests: %w", err)
	}
	return reqs, nil
}
