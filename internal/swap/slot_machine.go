package swap

import (
	"fmt"

	"github.com/HammerMeetNail/slotswap/internal/models"
)

// Actor identifies who is driving a slot transition.
type Actor int

const (
	// ActorOwner is the slot's owner editing it directly.
	ActorOwner Actor = iota
	// ActorEngine is the swap transaction engine.
	ActorEngine
)

func (a Actor) String() string {
	switch a {
	case ActorOwner:
		return "owner"
	case ActorEngine:
		return "engine"
	default:
		return "unknown"
	}
}

type slotEdge struct {
	from models.SlotStatus
	to   models.SlotStatus
}

// slotTransitions maps every legal slot status change to the only actor
// allowed to perform it. SWAP_PENDING is left exclusively by the engine.
var slotTransitions = map[slotEdge]Actor{
	{models.SlotStatusBusy, models.SlotStatusSwappable}:        ActorOwner,
	{models.SlotStatusSwappable, models.SlotStatusBusy}:        ActorOwner,
	{models.SlotStatusSwappable, models.SlotStatusSwapPending}: ActorEngine,
	{models.SlotStatusSwapPending, models.SlotStatusBusy}:      ActorEngine,
	{models.SlotStatusSwapPending, models.SlotStatusSwappable}: ActorEngine,
}

// CheckSlotTransition validates a slot status change for the given actor.
// A no-op change is allowed for the owner so that re-submitting the current
// status is harmless; it is never allowed out of SWAP_PENDING.
func CheckSlotTransition(from, to models.SlotStatus, actor Actor) error {
	if !from.IsValid() || !to.IsValid() {
		return newError(ErrInvalidOperation, "slot transition", fmt.Sprintf("unknown status %q -> %q", from, to))
	}
	if from == to {
		if actor == ActorOwner && from != models.SlotStatusSwapPending {
			return nil
		}
		return newError(ErrInvalidState, "slot transition", fmt.Sprintf("slot is already %s", from))
	}

	allowed, ok := slotTransitions[slotEdge{from, to}]
	if !ok {
		return newError(ErrInvalidState, "slot transition", fmt.Sprintf("cannot move slot from %s to %s", from, to))
	}
	if allowed != actor {
		if to == models.SlotStatusSwapPending {
			return newError(ErrInvalidOperation, "slot transition", "status SWAP_PENDING is managed by swap requests")
		}
		return newError(ErrInvalidState, "slot transition", fmt.Sprintf("%s cannot move slot from %s to %s", actor, from, to))
	}
	return nil
}

// CheckSlotEditable rejects edits of time, title, description or location
// while the slot is locked in a pending swap.
func CheckSlotEditable(status models.SlotStatus) error {
	if status == models.SlotStatusSwapPending {
		return newError(ErrInvalidState, "edit slot", "slot is locked by a pending swap request")
	}
	return nil
}

// CheckSlotDeletable rejects deletion while the slot is locked in a pending swap.
func CheckSlotDeletable(status models.SlotStatus) error {
	if status == models.SlotStatusSwapPending {
		return newError(ErrInvalidState, "delete slot", "slot is locked by a pending swap request")
	}
	return nil
}

// CheckSlotOffer validates that a slot can enter a new swap.
func CheckSlotOffer(slot *models.Slot) error {
	return CheckSlotTransition(slot.Status, models.SlotStatusSwapPending, ActorEngine)
}
