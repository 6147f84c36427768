package swap

import (
	"fmt"

	"github.com/HammerMeetNail/slotswap/internal/models"
)

// CheckSwapResponse validates that a request can still be accepted or rejected.
func CheckSwapResponse(status models.SwapStatus) error {
	if status != models.SwapStatusPending {
		return newError(ErrAlreadyResolved, "respond", fmt.Sprintf("swap request is %s", status))
	}
	return nil
}

// CheckSwapCancel validates that a request can still be cancelled.
func CheckSwapCancel(status models.SwapStatus) error {
	if status != models.SwapStatusPending {
		return newError(ErrInvalidState, "cancel", fmt.Sprintf("can only cancel pending requests, request is %s", status))
	}
	return nil
}

// Outcome describes how a decision resolves the request and its two slots.
type Outcome struct {
	SwapStatus  models.SwapStatus
	SlotStatus  models.SlotStatus
	SwapsOwners bool
}

// OutcomeOf maps a decision to its effect.
func OutcomeOf(decision models.SwapDecision) (Outcome, error) {
	target := decision.TargetStatus()
	if target == "" {
		return Outcome{}, newError(ErrInvalidOperation, "respond", fmt.Sprintf("unknown decision %q", decision))
	}
	return Outcome{
		SwapStatus:  target,
		SlotStatus:  decision.SlotOutcome(),
		SwapsOwners: decision == models.SwapDecisionAccept,
	}, nil
}

// CheckComposite reports whether a request and the current state of its two
// slots form a valid composite state. Nil slots stand for deleted ones.
func CheckComposite(req *models.SwapRequest, offered, wanted *models.Slot) error {
	if req.RequesterID == req.RequestedUserID {
		return fmt.Errorf("requester and recipient are the same user")
	}
	if req.MySlotID == req.TheirSlotID {
		return fmt.Errorf("offered and wanted slot are the same")
	}

	switch req.Status {
	case models.SwapStatusPending:
		if offered == nil || wanted == nil {
			return fmt.Errorf("pending request references a missing slot")
		}
		if offered.Status != models.SlotStatusSwapPending || wanted.Status != models.SlotStatusSwapPending {
			return fmt.Errorf("pending request with slots %s/%s", offered.Status, wanted.Status)
		}
		if offered.OwnerID != req.RequesterID || wanted.OwnerID != req.RequestedUserID {
			return fmt.Errorf("pending request slots changed owner")
		}
		if req.RespondedAt != nil {
			return fmt.Errorf("pending request has a response time")
		}
	case models.SwapStatusAccepted, models.SwapStatusRejected:
		if req.RespondedAt == nil {
			return fmt.Errorf("%s request has no response time", req.Status)
		}
	default:
		return fmt.Errorf("unknown swap status %q", req.Status)
	}
	return nil
}
