package swap

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/HammerMeetNail/slotswap/internal/models"
)

// Store-level outcomes of conditional writes. Implementations return these
// (possibly wrapped) so the engine can tell a lost race from a missing record.
var (
	ErrRecordNotFound = errors.New("record not found")
	ErrStaleStatus    = errors.New("status does not match expected value")
	ErrDuplicate      = errors.New("duplicate pending swap request")
)

// SlotTransition is a compare-and-swap on a slot's status. The write only
// applies if the stored status equals From and, when ExpectedOwnerID is set,
// the stored owner equals it. Either mismatch is ErrStaleStatus.
type SlotTransition struct {
	SlotID          uuid.UUID
	From            models.SlotStatus
	To              models.SlotStatus
	ExpectedOwnerID *uuid.UUID
	// NewOwnerID, when set, replaces the owner in the same write.
	NewOwnerID *uuid.UUID
}

// SlotStore persists slots.
type SlotStore interface {
	GetSlot(ctx context.Context, id uuid.UUID) (*models.Slot, error)
	ListSlotsByOwner(ctx context.Context, ownerID uuid.UUID, filter models.SlotFilter) ([]*models.Slot, error)
	ListSwappableSlots(ctx context.Context, excludeOwnerID uuid.UUID, after time.Time) ([]*models.Slot, error)
	ListSlotsByStatus(ctx context.Context, status models.SlotStatus) ([]*models.Slot, error)
	UpdateSlotStatus(ctx context.Context, t SlotTransition) error

	CreateSlot(ctx context.Context, params models.CreateSlotParams) (*models.Slot, error)
	// UpdateSlotDetails applies patch only if the stored status equals
	// expected. A status in patch is written in the same statement.
	UpdateSlotDetails(ctx context.Context, id uuid.UUID, expected models.SlotStatus, patch models.SlotPatch) (*models.Slot, error)
	// DeleteSlot removes the slot only if the stored status equals expected.
	DeleteSlot(ctx context.Context, id uuid.UUID, expected models.SlotStatus) error
}

// SwapStore persists swap requests.
type SwapStore interface {
	GetSwap(ctx context.Context, id uuid.UUID) (*models.SwapRequest, error)
	// FindPendingDuplicate returns the PENDING request matching key, or
	// ErrRecordNotFound.
	FindPendingDuplicate(ctx context.Context, key models.SwapKey) (*models.SwapRequest, error)
	// CreateSwap inserts req, filling in ID and timestamps. It returns
	// ErrDuplicate when a PENDING request with the same key exists.
	CreateSwap(ctx context.Context, req *models.SwapRequest) error
	UpdateSwapStatus(ctx context.Context, id uuid.UUID, from, to models.SwapStatus, respondedAt *time.Time) error
	// DeleteSwap removes the request only if its status equals expected.
	DeleteSwap(ctx context.Context, id uuid.UUID, expected models.SwapStatus) error
	// CancelSwap removes a PENDING request and records a cancellation
	// tombstone in the same write.
	CancelSwap(ctx context.Context, id uuid.UUID) error
	// RestoreSwap re-inserts a request removed by CancelSwap and drops its
	// tombstone.
	RestoreSwap(ctx context.Context, req *models.SwapRequest) error
	SwapCancelled(ctx context.Context, id uuid.UUID) (bool, error)
	ListSwaps(ctx context.Context, filter models.SwapFilter) ([]*models.SwapRequest, error)
}

// Store is everything the engine needs from persistence.
type Store interface {
	SlotStore
	SwapStore
}

// TxRunner is implemented by stores that can commit several writes
// atomically. fn receives a Store bound to the transaction; returning an error
// rolls everything back.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(Store) error) error
}
