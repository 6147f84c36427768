package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/HammerMeetNail/slotswap/internal/logging"
	"github.com/HammerMeetNail/slotswap/internal/models"
)

// DefaultStoreTimeout bounds every individual store call.
const DefaultStoreTimeout = 5 * time.Second

// Engine runs the swap operations. It holds no mutable state of its own and
// is safe for concurrent use; all coordination happens through conditional
// writes in the store.
type Engine struct {
	store   Store
	tx      TxRunner
	timeout time.Duration
	now     func() time.Time
	logger  *logging.Logger
}

type Option func(*Engine)

// WithStoreTimeout sets the per-call store deadline.
func WithStoreTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithClock replaces time.Now for RespondedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithoutTransactions forces the compensation path even when the store can
// run transactions.
func WithoutTransactions() Option {
	return func(e *Engine) { e.tx = nil }
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		timeout: DefaultStoreTimeout,
		now:     time.Now,
		logger:  logging.Default,
	}
	if tx, ok := store.(TxRunner); ok {
		e.tx = tx
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Atomic reports whether writes commit through a store transaction.
func (e *Engine) Atomic() bool {
	return e.tx != nil
}

// Propose creates a PENDING request and locks both slots.
func (e *Engine) Propose(ctx context.Context, cmd ProposeCommand) (*ProposeResult, error) {
	const op = "propose"

	if len([]rune(cmd.Message)) > models.MaxSwapMessageLength {
		return nil, newError(ErrInvalidOperation, op, fmt.Sprintf("message must be at most %d characters", models.MaxSwapMessageLength))
	}

	offered, err := e.loadSlot(ctx, op, cmd.OfferedSlotID)
	if err != nil {
		return nil, err
	}
	wanted, err := e.loadSlot(ctx, op, cmd.WantedSlotID)
	if err != nil {
		return nil, err
	}
	if offered.OwnerID != cmd.RequesterID {
		return nil, newError(ErrForbidden, op, "offered slot belongs to another user")
	}
	if wanted.OwnerID == cmd.RequesterID {
		return nil, newError(ErrInvalidOperation, op, "cannot request a swap with your own slot")
	}
	if err := CheckSlotOffer(offered); err != nil {
		return nil, withOp(err, op)
	}
	if err := CheckSlotOffer(wanted); err != nil {
		return nil, withOp(err, op)
	}

	req := &models.SwapRequest{
		RequesterID:     cmd.RequesterID,
		RequestedUserID: wanted.OwnerID,
		MySlotID:        offered.ID,
		TheirSlotID:     wanted.ID,
		Message:         cmd.Message,
		Status:          models.SwapStatusPending,
	}

	var dup *models.SwapRequest
	err = e.call(ctx, func(ctx context.Context) error {
		var err error
		dup, err = e.store.FindPendingDuplicate(ctx, req.Key())
		return err
	})
	switch {
	case err == nil:
		return nil, newError(ErrConflict, op, fmt.Sprintf("pending swap request %s already exists", dup.ID))
	case !errors.Is(err, ErrRecordNotFound):
		return nil, fmt.Errorf("%s: checking for duplicate request: %w", op, err)
	}

	j := newJournal(op)
	j.slots[offered.ID] = offered.Status
	j.slots[wanted.ID] = wanted.Status

	err = e.write(ctx, j, func(ctx context.Context, s Store) error {
		err := j.step(ctx, e, "create request", func(ctx context.Context) error {
			return s.CreateSwap(ctx, req)
		})
		if err != nil {
			if errors.Is(err, ErrDuplicate) {
				return wrapError(ErrConflict, op, "pending swap request already exists", err)
			}
			return fmt.Errorf("%s: creating request: %w", op, err)
		}
		j.requestID = req.ID
		j.swapStatus = models.SwapStatusPending
		j.undo("delete request", func(ctx context.Context) error {
			if err := s.DeleteSwap(ctx, req.ID, models.SwapStatusPending); err != nil {
				return err
			}
			j.swapStatus = ""
			return nil
		})

		for _, slot := range []*models.Slot{offered, wanted} {
			if err := e.lockSlot(ctx, s, j, op, slot); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("swap request proposed", map[string]interface{}{
		"request_id":      req.ID.String(),
		"requester_id":    req.RequesterID.String(),
		"requested_user":  req.RequestedUserID.String(),
		"offered_slot_id": offered.ID.String(),
		"wanted_slot_id":  wanted.ID.String(),
	})

	return &ProposeResult{
		Request:     req,
		OfferedSlot: withStatus(offered, models.SlotStatusSwapPending, nil),
		WantedSlot:  withStatus(wanted, models.SlotStatusSwapPending, nil),
	}, nil
}

// lockSlot moves slot to SWAP_PENDING only while it still has the owner it was
// loaded with.
func (e *Engine) lockSlot(ctx context.Context, s Store, j *journal, op string, slot *models.Slot) error {
	id := slot.ID
	owner := slot.OwnerID
	err := j.step(ctx, e, "lock slot "+id.String(), func(ctx context.Context) error {
		return s.UpdateSlotStatus(ctx, SlotTransition{
			SlotID:          id,
			From:            models.SlotStatusSwappable,
			To:              models.SlotStatusSwapPending,
			ExpectedOwnerID: &owner,
		})
	})
	if err != nil {
		return classifySlotWrite(op, id, err)
	}
	j.slots[id] = models.SlotStatusSwapPending
	j.undo("unlock slot "+id.String(), func(ctx context.Context) error {
		err := s.UpdateSlotStatus(ctx, SlotTransition{
			SlotID:          id,
			From:            models.SlotStatusSwapPending,
			To:              models.SlotStatusSwappable,
			ExpectedOwnerID: &owner,
		})
		if err != nil {
			return err
		}
		j.slots[id] = models.SlotStatusSwappable
		return nil
	})
	return nil
}

// Respond accepts or rejects a PENDING request on behalf of its recipient.
func (e *Engine) Respond(ctx context.Context, cmd RespondCommand) (*RespondResult, error) {
	const op = "respond"

	outcome, err := OutcomeOf(cmd.Decision)
	if err != nil {
		return nil, err
	}

	req, err := e.loadSwap(ctx, op, cmd.RequestID, ErrAlreadyResolved)
	if err != nil {
		return nil, err
	}
	if req.RequestedUserID != cmd.ResponderID {
		return nil, newError(ErrForbidden, op, "only the requested user can respond")
	}
	if err := CheckSwapResponse(req.Status); err != nil {
		return nil, err
	}
	offered, err := e.loadSlot(ctx, op, req.MySlotID)
	if err != nil {
		return nil, err
	}
	wanted, err := e.loadSlot(ctx, op, req.TheirSlotID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	j := newJournal(op)
	j.requestID = req.ID
	j.swapStatus = req.Status
	j.slots[offered.ID] = offered.Status
	j.slots[wanted.ID] = wanted.Status

	// Accepting hands each slot to the other party.
	offeredOwner, wantedOwner := offered.OwnerID, wanted.OwnerID
	if outcome.SwapsOwners {
		offeredOwner, wantedOwner = wanted.OwnerID, offered.OwnerID
	}

	err = e.write(ctx, j, func(ctx context.Context, s Store) error {
		err := j.step(ctx, e, "resolve request", func(ctx context.Context) error {
			return s.UpdateSwapStatus(ctx, req.ID, models.SwapStatusPending, outcome.SwapStatus, &now)
		})
		if err != nil {
			if errors.Is(err, ErrStaleStatus) || errors.Is(err, ErrRecordNotFound) {
				return wrapError(ErrAlreadyResolved, op, "swap request was resolved concurrently", err)
			}
			return fmt.Errorf("%s: resolving request: %w", op, err)
		}
		j.swapStatus = outcome.SwapStatus
		j.undo("reopen request", func(ctx context.Context) error {
			if err := s.UpdateSwapStatus(ctx, req.ID, outcome.SwapStatus, models.SwapStatusPending, nil); err != nil {
				return err
			}
			j.swapStatus = models.SwapStatusPending
			return nil
		})

		if err := e.releaseSlot(ctx, s, j, op, offered, outcome, offeredOwner); err != nil {
			return err
		}
		return e.releaseSlot(ctx, s, j, op, wanted, outcome, wantedOwner)
	})
	if err != nil {
		return nil, err
	}

	resolved := *req
	resolved.Status = outcome.SwapStatus
	resolved.RespondedAt = &now
	resolved.UpdatedAt = now

	e.logger.Info("swap request resolved", map[string]interface{}{
		"request_id": req.ID.String(),
		"status":     string(outcome.SwapStatus),
	})

	return &RespondResult{
		Request:     &resolved,
		OfferedSlot: withStatus(offered, outcome.SlotStatus, &offeredOwner),
		WantedSlot:  withStatus(wanted, outcome.SlotStatus, &wantedOwner),
	}, nil
}

func (e *Engine) releaseSlot(ctx context.Context, s Store, j *journal, op string, slot *models.Slot, outcome Outcome, newOwner uuid.UUID) error {
	id := slot.ID
	prevOwner := slot.OwnerID

	t := SlotTransition{SlotID: id, From: models.SlotStatusSwapPending, To: outcome.SlotStatus, ExpectedOwnerID: &prevOwner}
	if outcome.SwapsOwners {
		t.NewOwnerID = &newOwner
	}
	err := j.step(ctx, e, "release slot "+id.String(), func(ctx context.Context) error {
		return s.UpdateSlotStatus(ctx, t)
	})
	if err != nil {
		return classifySlotWrite(op, id, err)
	}
	j.slots[id] = outcome.SlotStatus

	revert := SlotTransition{SlotID: id, From: outcome.SlotStatus, To: models.SlotStatusSwapPending, ExpectedOwnerID: &prevOwner}
	if outcome.SwapsOwners {
		revert.ExpectedOwnerID = &newOwner
		revert.NewOwnerID = &prevOwner
	}
	j.undo("relock slot "+id.String(), func(ctx context.Context) error {
		if err := s.UpdateSlotStatus(ctx, revert); err != nil {
			return err
		}
		j.slots[id] = models.SlotStatusSwapPending
		return nil
	})
	return nil
}

// Cancel withdraws a PENDING request on behalf of its requester and frees
// both slots. Slots that are gone or no longer locked are skipped.
func (e *Engine) Cancel(ctx context.Context, cmd CancelCommand) (*CancelResult, error) {
	const op = "cancel"

	req, err := e.loadSwap(ctx, op, cmd.RequestID, ErrInvalidState)
	if err != nil {
		return nil, err
	}
	if req.RequesterID != cmd.RequesterID {
		return nil, newError(ErrForbidden, op, "only the requester can cancel")
	}
	if err := CheckSwapCancel(req.Status); err != nil {
		return nil, err
	}

	j := newJournal(op)
	j.requestID = req.ID
	j.swapStatus = req.Status
	result := &CancelResult{
		RequestID:       req.ID,
		ReleasedSlotIDs: []uuid.UUID{},
		SkippedSlotIDs:  []uuid.UUID{},
	}

	err = e.write(ctx, j, func(ctx context.Context, s Store) error {
		err := j.step(ctx, e, "delete request", func(ctx context.Context) error {
			return s.CancelSwap(ctx, req.ID)
		})
		if err != nil {
			if errors.Is(err, ErrStaleStatus) || errors.Is(err, ErrRecordNotFound) {
				return wrapError(ErrInvalidState, op, "swap request is no longer pending", err)
			}
			return fmt.Errorf("%s: deleting request: %w", op, err)
		}
		j.swapStatus = ""
		j.undo("restore request", func(ctx context.Context) error {
			if err := s.RestoreSwap(ctx, req); err != nil {
				return err
			}
			j.swapStatus = models.SwapStatusPending
			return nil
		})

		for _, id := range []uuid.UUID{req.MySlotID, req.TheirSlotID} {
			err := j.step(ctx, e, "unlock slot "+id.String(), func(ctx context.Context) error {
				return s.UpdateSlotStatus(ctx, SlotTransition{
					SlotID: id,
					From:   models.SlotStatusSwapPending,
					To:     models.SlotStatusSwappable,
				})
			})
			switch {
			case err == nil:
				j.slots[id] = models.SlotStatusSwappable
				result.ReleasedSlotIDs = append(result.ReleasedSlotIDs, id)
				j.undo("relock slot "+id.String(), func(ctx context.Context) error {
					err := s.UpdateSlotStatus(ctx, SlotTransition{
						SlotID: id,
						From:   models.SlotStatusSwappable,
						To:     models.SlotStatusSwapPending,
					})
					if err != nil {
						return err
					}
					j.slots[id] = models.SlotStatusSwapPending
					return nil
				})
			case errors.Is(err, ErrRecordNotFound), errors.Is(err, ErrStaleStatus):
				j.failedStep = ""
				result.SkippedSlotIDs = append(result.SkippedSlotIDs, id)
				e.logger.Warn("cancel skipped slot", map[string]interface{}{
					"request_id": req.ID.String(),
					"slot_id":    id.String(),
					"reason":     err.Error(),
				})
			default:
				return fmt.Errorf("%s: unlocking slot %s: %w", op, id, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("swap request cancelled", map[string]interface{}{
		"request_id": req.ID.String(),
		"released":   len(result.ReleasedSlotIDs),
		"skipped":    len(result.SkippedSlotIDs),
	})
	return result, nil
}

// Status returns a request together with the current state of its slots.
func (e *Engine) Status(ctx context.Context, q StatusQuery) (*StatusResult, error) {
	const op = "status"

	req, err := e.loadSwap(ctx, op, q.RequestID, ErrNotFound)
	if err != nil {
		return nil, err
	}
	if req.RequesterID != q.ViewerID && req.RequestedUserID != q.ViewerID {
		return nil, newError(ErrForbidden, op, "not a participant of this swap request")
	}

	offered, err := e.findSlot(ctx, req.MySlotID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	wanted, err := e.findSlot(ctx, req.TheirSlotID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	result := &StatusResult{Request: req, OfferedSlot: offered, WantedSlot: wanted, Consistent: true}
	if err := CheckComposite(req, offered, wanted); err != nil {
		result.Consistent = false
		result.Problem = err.Error()
	}
	return result, nil
}

// ListIncoming returns requests addressed to userID, newest first. A nil
// status selects PENDING.
func (e *Engine) ListIncoming(ctx context.Context, userID uuid.UUID, status *models.SwapStatus) ([]*models.SwapRequest, error) {
	return e.list(ctx, "list incoming", models.SwapFilter{RequestedUserID: &userID, Status: status})
}

// ListOutgoing returns requests made by userID, newest first. A nil status
// selects PENDING.
func (e *Engine) ListOutgoing(ctx context.Context, userID uuid.UUID, status *models.SwapStatus) ([]*models.SwapRequest, error) {
	return e.list(ctx, "list outgoing", models.SwapFilter{RequesterID: &userID, Status: status})
}

func (e *Engine) list(ctx context.Context, op string, filter models.SwapFilter) ([]*models.SwapRequest, error) {
	if filter.Status == nil {
		pending := models.SwapStatusPending
		filter.Status = &pending
	} else if !filter.Status.IsValid() {
		return nil, newError(ErrInvalidOperation, op, fmt.Sprintf("unknown status %q", *filter.Status))
	}

	var out []*models.SwapRequest
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = e.store.ListSwaps(ctx, filter)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if out == nil {
		out = []*models.SwapRequest{}
	}
	return out, nil
}

// write runs fn atomically when the store supports transactions and
// otherwise undoes the journaled steps when fn fails.
func (e *Engine) write(ctx context.Context, j *journal, fn func(ctx context.Context, s Store) error) error {
	if e.tx != nil {
		return e.tx.RunInTx(ctx, func(s Store) error {
			return fn(ctx, s)
		})
	}

	err := fn(ctx, e.store)
	if err == nil {
		return nil
	}

	cerr := e.compensate(context.WithoutCancel(ctx), j)
	if cerr == nil {
		e.logger.Warn("swap write rolled back", map[string]interface{}{
			"op":          j.op,
			"request_id":  j.requestID.String(),
			"failed_step": j.failedStep,
			"error":       err.Error(),
		})
		return err
	}

	txErr := &TransactionError{
		Op:           j.op,
		RequestID:    j.requestID,
		FailedStep:   j.failedStep,
		Cause:        err,
		Compensation: cerr,
		SlotStatus:   j.snapshot(),
		SwapStatus:   j.swapStatus,
	}
	e.logger.Error("swap compensation failed", txErr.Fields())
	return txErr
}

// compensate applies the undo steps newest first and stops at the first
// failure so later state is never rolled back over an unreverted step.
func (e *Engine) compensate(ctx context.Context, j *journal) error {
	for i := len(j.undos) - 1; i >= 0; i-- {
		u := j.undos[i]
		if err := e.call(ctx, u.fn); err != nil {
			return fmt.Errorf("%s: %w", u.name, err)
		}
	}
	return nil
}

func (e *Engine) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return fn(ctx)
}

func (e *Engine) loadSlot(ctx context.Context, op string, id uuid.UUID) (*models.Slot, error) {
	slot, err := e.findSlot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if slot == nil {
		return nil, newError(ErrNotFound, op, fmt.Sprintf("slot %s not found", id))
	}
	return slot, nil
}

// findSlot returns nil without error when the slot does not exist.
func (e *Engine) findSlot(ctx context.Context, id uuid.UUID) (*models.Slot, error) {
	var slot *models.Slot
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		slot, err = e.store.GetSlot(ctx, id)
		return err
	})
	if errors.Is(err, ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading slot %s: %w", id, err)
	}
	return slot, nil
}

// loadSwap reads a request. A missing request that was cancelled earlier is
// reported with cancelledKind instead of ErrNotFound.
func (e *Engine) loadSwap(ctx context.Context, op string, id uuid.UUID, cancelledKind error) (*models.SwapRequest, error) {
	var req *models.SwapRequest
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		req, err = e.store.GetSwap(ctx, id)
		return err
	})
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, ErrRecordNotFound) {
		return nil, fmt.Errorf("%s: loading request: %w", op, err)
	}

	var cancelled bool
	err = e.call(ctx, func(ctx context.Context) error {
		var err error
		cancelled, err = e.store.SwapCancelled(ctx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: checking cancellation: %w", op, err)
	}
	if cancelled {
		return nil, newError(cancelledKind, op, "swap request was cancelled")
	}
	return nil, newError(ErrNotFound, op, "swap request not found")
}

func classifySlotWrite(op string, id uuid.UUID, err error) error {
	switch {
	case errors.Is(err, ErrStaleStatus):
		return wrapError(ErrConflict, op, fmt.Sprintf("slot %s changed concurrently", id), err)
	case errors.Is(err, ErrRecordNotFound):
		return wrapError(ErrNotFound, op, fmt.Sprintf("slot %s was deleted", id), err)
	default:
		return fmt.Errorf("%s: updating slot %s: %w", op, id, err)
	}
}

// withOp stamps op onto a classified error produced by a state check.
func withOp(err error, op string) error {
	var se *Error
	if errors.As(err, &se) {
		cp := *se
		cp.Op = op
		return &cp
	}
	return err
}

func withStatus(slot *models.Slot, status models.SlotStatus, owner *uuid.UUID) *models.Slot {
	cp := *slot
	cp.Status = status
	if owner != nil {
		cp.OwnerID = *owner
	}
	return &cp
}

type undoStep struct {
	name string
	fn   func(ctx context.Context) error
}

// journal records the steps of one write so they can be undone, and tracks
// the last known state for failure reports.
type journal struct {
	op         string
	requestID  uuid.UUID
	swapStatus models.SwapStatus
	slots      map[uuid.UUID]models.SlotStatus
	undos      []undoStep
	failedStep string
}

func newJournal(op string) *journal {
	return &journal{op: op, slots: make(map[uuid.UUID]models.SlotStatus)}
}

// step runs one store write under the engine's timeout and remembers its
// name if it fails.
func (j *journal) step(ctx context.Context, e *Engine, name string, fn func(ctx context.Context) error) error {
	if err := e.call(ctx, fn); err != nil {
		j.failedStep = name
		return err
	}
	return nil
}

func (j *journal) undo(name string, fn func(ctx context.Context) error) {
	j.undos = append(j.undos, undoStep{name: name, fn: fn})
}

func (j *journal) snapshot() map[uuid.UUID]models.SlotStatus {
	out := make(map[uuid.UUID]models.SlotStatus, len(j.slots))
	for id, status := range j.slots {
		out[id] = status
	}
	return out
}
