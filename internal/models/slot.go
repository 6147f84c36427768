package models

import (
	"time"

	"github.com/google/uuid"
)

type SlotStatus string

const (
	SlotStatusBusy        SlotStatus = "BUSY"
	SlotStatusSwappable   SlotStatus = "SWAPPABLE"
	SlotStatusSwapPending SlotStatus = "SWAP_PENDING"
)

const (
	MaxSlotTitleLength       = 100
	MaxSlotDescriptionLength = 500
	MaxSlotLocationLength    = 200
)

// IsValid reports whether s is one of the known slot statuses.
func (s SlotStatus) IsValid() bool {
	switch s {
	case SlotStatusBusy, SlotStatusSwappable, SlotStatusSwapPending:
		return true
	}
	return false
}

// Slot is a bookable time range owned by a single user.
type Slot struct {
	ID          uuid.UUID  `json:"id"`
	OwnerID     uuid.UUID  `json:"owner_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Location    string     `json:"location,omitempty"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     time.Time  `json:"end_time"`
	Status      SlotStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// DurationMinutes returns the length of the slot in whole minutes.
func (s *Slot) DurationMinutes() int {
	if s.StartTime.IsZero() || s.EndTime.IsZero() {
		return 0
	}
	return int(s.EndTime.Sub(s.StartTime) / time.Minute)
}

type CreateSlotParams struct {
	OwnerID     uuid.UUID
	Title       string
	Description string
	Location    string
	StartTime   time.Time
	EndTime     time.Time
	Status      SlotStatus
}

// SlotPatch holds the owner-editable fields of a slot. Nil fields are left unchanged.
type SlotPatch struct {
	Title       *string
	Description *string
	Location    *string
	StartTime   *time.Time
	EndTime     *time.Time
	Status      *SlotStatus
}

// HasDetails reports whether the patch touches anything other than status.
func (p SlotPatch) HasDetails() bool {
	return p.Title != nil || p.Description != nil || p.Location != nil || p.StartTime != nil || p.EndTime != nil
}

type SlotFilter struct {
	Status *SlotStatus
	From   *time.Time
	To     *time.Time
}
