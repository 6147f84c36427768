package swap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/HammerMeetNail/slotswap/internal/logging"
	"github.com/HammerMeetNail/slotswap/internal/models"
)

type FindingKind string

const (
	// FindingOrphanSlot is a SWAP_PENDING slot no PENDING request refers to.
	FindingOrphanSlot FindingKind = "orphan_slot"
	// FindingBrokenRequest is a PENDING request whose slots are not both
	// locked by it.
	FindingBrokenRequest FindingKind = "broken_request"
)

type Finding struct {
	Kind      FindingKind `json:"kind" yaml:"kind"`
	SlotID    *uuid.UUID  `json:"slot_id,omitempty" yaml:"slot_id,omitempty"`
	RequestID *uuid.UUID  `json:"request_id,omitempty" yaml:"request_id,omitempty"`
	Detail    string      `json:"detail" yaml:"detail"`
}

type Report struct {
	PendingSlots    int       `json:"pending_slots" yaml:"pending_slots"`
	PendingRequests int       `json:"pending_requests" yaml:"pending_requests"`
	Findings        []Finding `json:"findings" yaml:"findings"`
}

// Orphans returns the ids of orphaned slots in the report.
func (r *Report) Orphans() []uuid.UUID {
	var ids []uuid.UUID
	for _, f := range r.Findings {
		if f.Kind == FindingOrphanSlot && f.SlotID != nil {
			ids = append(ids, *f.SlotID)
		}
	}
	return ids
}

// DefaultRepairAge is how long a slot and the requests touching it must go
// without writes before Repair will release it. A Respond or Cancel that has
// resolved its request but not yet released the slots looks like an orphan
// for the duration of a few store calls.
const DefaultRepairAge = time.Minute

// Reconciler finds and repairs state left behind by a TransactionFailed
// write.
type Reconciler struct {
	store   Store
	timeout time.Duration
	minAge  time.Duration
	now     func() time.Time
	logger  *logging.Logger
}

type ReconcilerOption func(*Reconciler)

// WithRepairAge sets the quiet period Repair requires. Zero disables the
// check.
func WithRepairAge(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d >= 0 {
			r.minAge = d
		}
	}
}

func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

func NewReconciler(store Store, logger *logging.Logger, opts ...ReconcilerOption) *Reconciler {
	if logger == nil {
		logger = logging.Default
	}
	r := &Reconciler{
		store:   store,
		timeout: DefaultStoreTimeout,
		minAge:  DefaultRepairAge,
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return fn(ctx)
}

func (r *Reconciler) pendingRequests(ctx context.Context) ([]*models.SwapRequest, error) {
	pending := models.SwapStatusPending
	var reqs []*models.SwapRequest
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		reqs, err = r.store.ListSwaps(ctx, models.SwapFilter{Status: &pending})
		return err
	})
	return reqs, err
}

// Scan reports orphaned slots and broken pending requests. It never writes.
func (r *Reconciler) Scan(ctx context.Context) (*Report, error) {
	var slots []*models.Slot
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		slots, err = r.store.ListSlotsByStatus(ctx, models.SlotStatusSwapPending)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing locked slots: %w", err)
	}
	reqs, err := r.pendingRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing pending requests: %w", err)
	}

	report := &Report{PendingSlots: len(slots), PendingRequests: len(reqs), Findings: []Finding{}}

	referenced := make(map[uuid.UUID]bool, 2*len(reqs))
	for _, req := range reqs {
		referenced[req.MySlotID] = true
		referenced[req.TheirSlotID] = true
	}
	for _, slot := range slots {
		if referenced[slot.ID] {
			continue
		}
		id := slot.ID
		report.Findings = append(report.Findings, Finding{
			Kind:   FindingOrphanSlot,
			SlotID: &id,
			Detail: "slot is SWAP_PENDING without a pending request",
		})
	}

	for _, req := range reqs {
		offered, err := r.findSlot(ctx, req.MySlotID)
		if err != nil {
			return nil, err
		}
		wanted, err := r.findSlot(ctx, req.TheirSlotID)
		if err != nil {
			return nil, err
		}
		if err := CheckComposite(req, offered, wanted); err != nil {
			id := req.ID
			report.Findings = append(report.Findings, Finding{
				Kind:      FindingBrokenRequest,
				RequestID: &id,
				Detail:    err.Error(),
			})
		}
	}

	sort.Slice(report.Findings, func(i, k int) bool {
		a, b := report.Findings[i], report.Findings[k]
		if a.Kind != b.Kind {
			return a.Kind > b.Kind
		}
		return findingID(a) < findingID(b)
	})
	return report, nil
}

func findingID(f Finding) string {
	if f.SlotID != nil {
		return f.SlotID.String()
	}
	if f.RequestID != nil {
		return f.RequestID.String()
	}
	return ""
}

func (r *Reconciler) findSlot(ctx context.Context, id uuid.UUID) (*models.Slot, error) {
	var slot *models.Slot
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		slot, err = r.store.GetSlot(ctx, id)
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

// Repair releases an orphaned slot back to SWAPPABLE. Slots still referenced
// by a pending request are left alone, as are slots written to, or touched
// by a request written to, within the repair age.
func (r *Reconciler) Repair(ctx context.Context, slotID uuid.UUID) error {
	const op = "repair"

	slot, err := r.findSlot(ctx, slotID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if slot == nil {
		return newError(ErrNotFound, op, fmt.Sprintf("slot %s not found", slotID))
	}
	if slot.Status != models.SlotStatusSwapPending {
		return newError(ErrInvalidState, op, fmt.Sprintf("slot is %s", slot.Status))
	}

	reqs, err := r.pendingRequests(ctx)
	if err != nil {
		return fmt.Errorf("%s: listing pending requests: %w", op, err)
	}
	for _, req := range reqs {
		if req.MySlotID == slotID || req.TheirSlotID == slotID {
			return newError(ErrInvalidState, op, fmt.Sprintf("slot is locked by pending request %s", req.ID))
		}
	}

	if r.minAge > 0 {
		last, err := r.lastChange(ctx, slot)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if age := r.now().Sub(last); age < r.minAge {
			return newError(ErrInvalidState, op, fmt.Sprintf("slot changed %s ago, repair waits %s", age.Round(time.Second), r.minAge))
		}
	}

	owner := slot.OwnerID
	err = r.call(ctx, func(ctx context.Context) error {
		return r.store.UpdateSlotStatus(ctx, SlotTransition{
			SlotID:          slotID,
			From:            models.SlotStatusSwapPending,
			To:              models.SlotStatusSwappable,
			ExpectedOwnerID: &owner,
		})
	})
	if err != nil {
		return classifySlotWrite(op, slotID, err)
	}

	r.logger.Info("released orphaned slot", map[string]interface{}{"slot_id": slotID.String()})
	return nil
}

// lastChange returns the latest write to slot or to any request referencing
// it. A request touching a locked slot always has the slot's owner as one of
// its parties.
func (r *Reconciler) lastChange(ctx context.Context, slot *models.Slot) (time.Time, error) {
	last := slot.UpdatedAt
	owner := slot.OwnerID
	for _, filter := range []models.SwapFilter{{RequesterID: &owner}, {RequestedUserID: &owner}} {
		var reqs []*models.SwapRequest
		err := r.call(ctx, func(ctx context.Context) error {
			var err error
			reqs, err = r.store.ListSwaps(ctx, filter)
			return err
		})
		if err != nil {
			return time.Time{}, fmt.Errorf("listing requests of %s: %w", owner, err)
		}
		for _, req := range reqs {
			if req.MySlotID != slot.ID && req.TheirSlotID != slot.ID {
				continue
			}
			if req.UpdatedAt.After(last) {
				last = req.UpdatedAt
			}
		}
	}
	return last, nil
}
