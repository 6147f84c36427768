package models

import (
	"time"

	"github.com/google/uuid"
)

type SwapStatus string

const (
	SwapStatusPending  SwapStatus = "PENDING"
	SwapStatusAccepted SwapStatus = "ACCEPTED"
	SwapStatusRejected SwapStatus = "REJECTED"
)

const MaxSwapMessageLength = 500

func (s SwapStatus) IsValid() bool {
	switch s {
	case SwapStatusPending, SwapStatusAccepted, SwapStatusRejected:
		return true
	}
	return false
}

// SwapRequest is a proposal to exchange the requester's slot (MySlotID) for
// a slot owned by another user (TheirSlotID).
type SwapRequest struct {
	ID              uuid.UUID  `json:"id"`
	RequesterID     uuid.UUID  `json:"requester_id"`
	RequestedUserID uuid.UUID  `json:"requested_user_id"`
	MySlotID        uuid.UUID  `json:"my_slot_id"`
	TheirSlotID     uuid.UUID  `json:"their_slot_id"`
	Message         string     `json:"message"`
	Status          SwapStatus `json:"status"`
	RespondedAt     *time.Time `json:"responded_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// SwapKey identifies a proposal for duplicate detection.
type SwapKey struct {
	RequesterID     uuid.UUID
	RequestedUserID uuid.UUID
	MySlotID        uuid.UUID
	TheirSlotID     uuid.UUID
}

func (r *SwapRequest) Key() SwapKey {
	return SwapKey{
		RequesterID:     r.RequesterID,
		RequestedUserID: r.RequestedUserID,
		MySlotID:        r.MySlotID,
		TheirSlotID:     r.TheirSlotID,
	}
}

// SwapFilter selects swap requests for listings. Exactly one of RequesterID
// and RequestedUserID is normally set.
type SwapFilter struct {
	RequesterID     *uuid.UUID
	RequestedUserID *uuid.UUID
	Status          *SwapStatus
}

type SwapDecision string

const (
	SwapDecisionAccept SwapDecision = "ACCEPT"
	SwapDecisionReject SwapDecision = "REJECT"
)

// ParseSwapDecision accepts both the verb form (ACCEPT) and the resulting
// status form (ACCEPTED).
func ParseSwapDecision(s string) (SwapDecision, bool) {
	switch s {
	case "ACCEPT", "ACCEPTED", "accept", "accepted":
		return SwapDecisionAccept, true
	case "REJECT", "REJECTED", "reject", "rejected":
		return SwapDecisionReject, true
	}
	return "", false
}

// TargetStatus is the status a request ends in after the decision.
func (d SwapDecision) TargetStatus() SwapStatus {
	switch d {
	case SwapDecisionAccept:
		return SwapStatusAccepted
	case SwapDecisionReject:
		return SwapStatusRejected
	}
	return ""
}

// SlotOutcome is the status both slots end in after the decision.
func (d SwapDecision) SlotOutcome() SlotStatus {
	switch d {
	case SwapDecisionAccept:
		return SlotStatusBusy
	case SwapDecisionReject:
		return SlotStatusSwappable
	}
	return ""
}
