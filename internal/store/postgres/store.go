// Package postgres stores slots and swap requests in PostgreSQL. Every
// status change is a conditional UPDATE; RunInTx lets the engine commit a
// whole swap atomically.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/HammerMeetNail/slotswap/internal/database"
	"github.com/HammerMeetNail/slotswap/internal/models"
	"github.com/HammerMeetNail/slotswap/internal/swap"
)

const uniqueViolation = "23505"

const slotColumns = `id, owner_id, title, description, location, start_time, end_time, status, created_at, updated_at`

const swapColumns = `id, requester_id, requested_user_id, my_slot_id, their_slot_id, message, status, responded_at, created_at, updated_at`

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (database.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (database.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) database.Row
}

type Store struct {
	db   database.DB
	q    querier
	inTx bool
}

var (
	_ swap.Store    = (*Store)(nil)
	_ swap.TxRunner = (*Store)(nil)
)

func New(db database.DB) *Store {
	return &Store{db: db, q: db}
}

// RunInTx runs fn against a Store bound to one transaction and commits if fn
// succeeds.
func (s *Store) RunInTx(ctx context.Context, fn func(swap.Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err := fn(&Store{db: s.db, q: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	committed = true
	return nil
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
		req    models.SwapRequest
		status string
	)
	err := row.Scan(
		&req.ID, &req.RequesterID, &req.RequestedUserID, &req.MySlotID, &req.TheirSlotID,
		&req.Message, &status, &req.RespondedAt, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	req.Status = models.SwapStatus(status)
	return &req, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// missOrStale tells a conditional write that matched no row apart: the row
// is either gone or in a different status.
func (s *Store) missOrStale(ctx context.Context, table string, id uuid.UUID) error {
	var exists bool
	err := s.q.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM "+table+" WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking %s existence: %w", table, err)
	}
	if exists {
		return swap.ErrStaleStatus
	}
	return swap.ErrRecordNotFound
}

func (s *Store) GetSlot(ctx context.Context, id uuid.UUID) (*models.Slot, error) {
	slot, err := scanSlot(s.q.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, swap.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting slot: %w", err)
	}
	return slot, nil
}

func (s *Store) ListSlotsByOwner(ctx context.Context, ownerID uuid.UUID, filter models.SlotFilter) ([]*models.Slot, error) {
	conds := []string{"owner_id = $1"}
	args := []any{ownerID}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		conds = append(conds, fmt.Sprintf("start_time >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		conds = append(conds, fmt.Sprintf("start_time <= $%d", len(args)))
	}

	query := `SELECT ` + slotColumns + ` FROM slots WHERE ` + strings.Join(conds, " AND ") + ` ORDER BY start_time, id`
	return s.querySlots(ctx, "listing slots by owner", query, args...)
}

func (s *Store) ListSwappableSlots(ctx context.Context, excludeOwnerID uuid.UUID, after time.Time) ([]*models.Slot, error) {
	return s.querySlots(ctx, "listing swappable slots",
		`SELECT `+slotColumns+` FROM slots
		 WHERE status = 'SWAPPABLE' AND owner_id <> $1 AND start_time > $2
		 ORDER BY start_time, id`,
		excludeOwnerID, after,
	)
}

func (s *Store) ListSlotsByStatus(ctx context.Context, status models.SlotStatus) ([]*models.Slot, error) {
	return s.querySlots(ctx, "listing slots by status",
		`SELECT `+slotColumns+` FROM slots WHERE status = $1 ORDER BY start_time, id`,
		string(status),
	)
}

func (s *Store) querySlots(ctx context.Context, what, query string, args ...any) ([]*models.Slot, error) {
	rows, err := s.q.Query(ctx, query, args...)
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
	tag, err := s.q.Exec(ctx,
		`UPDATE slots
		 SET status = $3, owner_id = COALESCE($4::uuid, owner_id), updated_at = NOW()
		 WHERE id = $1 AND status = $2 AND ($5::uuid IS NULL OR owner_id = $5)`,
		t.SlotID, string(t.From), string(t.To), t.NewOwnerID, t.ExpectedOwnerID,
	)
	if err != nil {
		return fmt.Errorf("updating slot status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrStale(ctx, "slots", t.SlotID)
	}
	return nil
}

func (s *Store) CreateSlot(ctx context.Context, params models.CreateSlotParams) (*models.Slot, error) {
	status := params.Status
	if status == "" {
		status = models.SlotStatusBusy
	}
	slot, err := scanSlot(s.q.QueryRow(ctx,
		`INSERT INTO slots (owner_id, title, description, location, start_time, end_time, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+slotColumns,
		params.OwnerID, params.Title, params.Description, params.Location,
		params.StartTime, params.EndTime, string(status),
	))
	if err != nil {
		return nil, fmt.Errorf("creating slot: %w", err)
	}
	return slot, nil
}

func (s *Store) UpdateSlotDetails(ctx context.Context, id uuid.UUID, expected models.SlotStatus, patch models.SlotPatch) (*models.Slot, error) {
	var status *string
	if patch.Status != nil {
		v := string(*patch.Status)
		status = &v
	}
	slot, err := scanSlot(s.q.QueryRow(ctx,
		`UPDATE slots SET
		   title = COALESCE($3::text, title),
		   description = COALESCE($4::text, description),
		   location = COALESCE($5::text, location),
		   start_time = COALESCE($6::timestamptz, start_time),
		   end_time = COALESCE($7::timestamptz, end_time),
		   status = COALESCE($8::text, status),
		   updated_at = NOW()
		 WHERE id = $1 AND status = $2
		 RETURNING `+slotColumns,
		id, string(expected), patch.Title, patch.Description, patch.Location,
		patch.StartTime, patch.EndTime, status,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.missOrStale(ctx, "slots", id)
	}
	if err != nil {
		return nil, fmt.Errorf("updating slot: %w", err)
	}
	return slot, nil
}

func (s *Store) DeleteSlot(ctx context.Context, id uuid.UUID, expected models.SlotStatus) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM slots WHERE id = $1 AND status = $2`, id, string(expected))
	if err != nil {
		return fmt.Errorf("deleting slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrStale(ctx, "slots", id)
	}
	return nil
}

func (s *Store) GetSwap(ctx context.Context, id uuid.UUID) (*models.SwapRequest, error) {
	req, err := scanSwap(s.q.QueryRow(ctx, `SELECT `+swapColumns+` FROM swap_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, swap.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting swap request: %w", err)
	}
	return req, nil
}

func (s *Store) FindPendingDuplicate(ctx context.Context, key models.SwapKey) (*models.SwapRequest, error) {
	req, err := scanSwap(s.q.QueryRow(ctx,
		`SELECT `+swapColumns+` FROM swap_requests
		 WHERE requester_id = $1 AND requested_user_id = $2
		   AND my_slot_id = $3 AND their_slot_id = $4
		   AND status = 'PENDING'`,
		key.RequesterID, key.RequestedUserID, key.MySlotID, key.TheirSlotID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, swap.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding duplicate swap request: %w", err)
	}
	return req, nil
}

func (s *Store) CreateSwap(ctx context.Context, req *models.SwapRequest) error {
	err := s.q.QueryRow(ctx,
		`INSERT INTO swap_requests (requester_id, requested_user_id, my_slot_id, their_slot_id, message, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at, updated_at`,
		req.RequesterID, req.RequestedUserID, req.MySlotID, req.TheirSlotID, req.Message, string(req.Status),
	).Scan(&req.ID, &req.CreatedAt, &req.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("creating swap request: %w", swap.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("creating swap request: %w", err)
	}
	return nil
}

func (s *Store) UpdateSwapStatus(ctx context.Context, id uuid.UUID, from, to models.SwapStatus, respondedAt *time.Time) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE swap_requests SET status = $3, responded_at = $4, updated_at = NOW()
		 WHERE id = $1 AND status = $2`,
		id, string(from), string(to), respondedAt,
	)
	if err != nil {
		return fmt.Errorf("updating swap request status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrStale(ctx, "swap_requests", id)
	}
	return nil
}

func (s *Store) DeleteSwap(ctx context.Context, id uuid.UUID, expected models.SwapStatus) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM swap_requests WHERE id = $1 AND status = $2`, id, string(expected))
	if err != nil {
		return fmt.Errorf("deleting swap request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrStale(ctx, "swap_requests", id)
	}
	return nil
}

func (s *Store) CancelSwap(ctx context.Context, id uuid.UUID) error {
	tag, err := s.q.Exec(ctx,
		`WITH deleted AS (
		   DELETE FROM swap_requests WHERE id = $1 AND status = 'PENDING' RETURNING id
		 )
		 INSERT INTO swap_request_cancellations (request_id)
		 SELECT id FROM deleted
		 ON CONFLICT (request_id) DO NOTHING`,
		id,
	)
	if err != nil {
		return fmt.Errorf("cancelling swap request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrStale(ctx, "swap_requests", id)
	}
	return nil
}

func (s *Store) RestoreSwap(ctx context.Context, req *models.SwapRequest) error {
	_, err := s.q.Exec(ctx,
		`WITH restored AS (
		   INSERT INTO swap_requests (`+swapColumns+`)
		   VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		   RETURNING id
		 )
		 DELETE FROM swap_request_cancellations
		 WHERE request_id IN (SELECT id FROM restored)`,
		req.ID, req.RequesterID, req.RequestedUserID, req.MySlotID, req.TheirSlotID,
		req.Message, string(req.Status), req.RespondedAt, req.CreatedAt, req.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("restoring swap request: %w", swap.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("restoring swap request: %w", err)
	}
	return nil
}

func (s *Store) SwapCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	var cancelled bool
	err := s.q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM swap_request_cancellations WHERE request_id = $1)`, id,
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
		args = append(args, *filter.RequesterID)
		conds = append(conds, fmt.Sprintf("requester_id = $%d", len(args)))
	}
	if filter.RequestedUserID != nil {
		args = append(args, *filter.RequestedUserID)
		conds = append(conds, fmt.Sprintf("requested_user_id = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + swapColumns + ` FROM swap_requests`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.q.Query(ctx, query, args...)
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
