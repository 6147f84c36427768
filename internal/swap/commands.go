package swap

import (
	"github.com/google/uuid"

	"github.com/HammerMeetNail/slotswap/internal/models"
)

type ProposeCommand struct {
	RequesterID   uuid.UUID
	OfferedSlotID uuid.UUID
	WantedSlotID  uuid.UUID
	Message       string
}

type ProposeResult struct {
	Request     *models.SwapRequest `json:"swap_request"`
	OfferedSlot *models.Slot        `json:"offered_slot"`
	WantedSlot  *models.Slot        `json:"wanted_slot"`
}

type RespondCommand struct {
	ResponderID uuid.UUID
	RequestID   uuid.UUID
	Decision    models.SwapDecision
}

type RespondResult struct {
	Request     *models.SwapRequest `json:"swap_request"`
	OfferedSlot *models.Slot        `json:"offered_slot"`
	WantedSlot  *models.Slot        `json:"wanted_slot"`
}

type CancelCommand struct {
	RequesterID uuid.UUID
	RequestID   uuid.UUID
}

type CancelResult struct {
	RequestID       uuid.UUID   `json:"request_id"`
	ReleasedSlotIDs []uuid.UUID `json:"released_slot_ids"`
	// SkippedSlotIDs lists slots that were missing or no longer locked.
	SkippedSlotIDs []uuid.UUID `json:"skipped_slot_ids"`
}

type StatusQuery struct {
	ViewerID  uuid.UUID
	RequestID uuid.UUID
}

type StatusResult struct {
	Request     *models.SwapRequest `json:"swap_request"`
	OfferedSlot *models.Slot        `json:"offered_slot,omitempty"`
	WantedSlot  *models.Slot        `json:"wanted_slot,omitempty"`
	Consistent  bool                `json:"consistent"`
	Problem     string              `json:"problem,omitempty"`
}
