package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/HammerMeetNail/slotswap/internal/models"
	"github.com/HammerMeetNail/slotswap/internal/swap"
)

var ErrInvalidSlot = errors.New("invalid slot")

// SlotService handles owner edits of slots. Status changes into or out of
// SWAP_PENDING belong to the swap engine and are rejected here.
type SlotService struct {
	store swap.SlotStore
	now   func() time.Time
}

func NewSlotService(store swap.SlotStore) *SlotService {
	return &SlotService{store: store, now: time.Now}
}

func invalidSlot(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidSlot, fmt.Sprintf(format, args...))
}

func validateSlotText(title, description, location *string) error {
	if title != nil {
		t := strings.TrimSpace(*title)
		if t == "" {
			return invalidSlot("title is required")
		}
		if utf8.RuneCountInString(t) > models.MaxSlotTitleLength {
			return invalidSlot("title must be at most %d characters", models.MaxSlotTitleLength)
		}
	}
	if description != nil && utf8.RuneCountInString(*description) > models.MaxSlotDescriptionLength {
		return invalidSlot("description must be at most %d characters", models.MaxSlotDescriptionLength)
	}
	if location != nil && utf8.RuneCountInString(*location) > models.MaxSlotLocationLength {
		return invalidSlot("location must be at most %d characters", models.MaxSlotLocationLength)
	}
	return nil
}

func validateSlotTimes(start, end time.Time) error {
	if start.IsZero() || end.IsZero() {
		return invalidSlot("start and end time are required")
	}
	if !start.Before(end) {
		return invalidSlot("start time must be before end time")
	}
	return nil
}

func (s *SlotService) Create(ctx context.Context, params models.CreateSlotParams) (*models.Slot, error) {
	params.Title = strings.TrimSpace(params.Title)
	if err := validateSlotText(&params.Title, &params.Description, &params.Location); err != nil {
		return nil, err
	}
	if err := validateSlotTimes(params.StartTime, params.EndTime); err != nil {
		return nil, err
	}

	switch params.Status {
	case "":
		params.Status = models.SlotStatusBusy
	case models.SlotStatusBusy, models.SlotStatusSwappable:
	case models.SlotStatusSwapPending:
		return nil, &swap.Error{Kind: swap.ErrInvalidOperation, Op: "create slot", Message: "status SWAP_PENDING is managed by swap requests"}
	default:
		return nil, invalidSlot("unknown status %q", params.Status)
	}

	slot, err := s.store.CreateSlot(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("creating slot: %w", err)
	}
	return slot, nil
}

func (s *SlotService) ListByOwner(ctx context.Context, ownerID uuid.UUID, filter models.SlotFilter) ([]*models.Slot, error) {
	if filter.Status != nil && !filter.Status.IsValid() {
		return nil, invalidSlot("unknown status %q", *filter.Status)
	}
	slots, err := s.store.ListSlotsByOwner(ctx, ownerID, filter)
	if err != nil {
		return nil, fmt.Errorf("listing slots: %w", err)
	}
	return slots, nil
}

// Get returns the slot if ownerID owns it.
func (s *SlotService) Get(ctx context.Context, ownerID, slotID uuid.UUID) (*models.Slot, error) {
	return s.owned(ctx, "get slot", ownerID, slotID)
}

func (s *SlotService) owned(ctx context.Context, op string, ownerID, slotID uuid.UUID) (*models.Slot, error) {
	slot, err := s.store.GetSlot(ctx, slotID)
	if errors.Is(err, swap.ErrRecordNotFound) {
		return nil, &swap.Error{Kind: swap.ErrNotFound, Op: op, Message: "slot not found"}
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if slot.OwnerID != ownerID {
		return nil, &swap.Error{Kind: swap.ErrForbidden, Op: op, Message: "slot belongs to another user"}
	}
	return slot, nil
}

// Update applies an owner edit. The write is conditional on the status read
// here, so a slot locked by a swap in the meantime yields a conflict.
func (s *SlotService) Update(ctx context.Context, ownerID, slotID uuid.UUID, patch models.SlotPatch) (*models.Slot, error) {
	const op = "update slot"

	slot, err := s.owned(ctx, op, ownerID, slotID)
	if err != nil {
		return nil, err
	}
	if err := swap.CheckSlotEditable(slot.Status); err != nil {
		return nil, err
	}
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		patch.Title = &title
	}
	if err := validateSlotText(patch.Title, patch.Description, patch.Location); err != nil {
		return nil, err
	}

	start, end := slot.StartTime, slot.EndTime
	if patch.StartTime != nil {
		start = *patch.StartTime
	}
	if patch.EndTime != nil {
		end = *patch.EndTime
	}
	if err := validateSlotTimes(start, end); err != nil {
		return nil, err
	}

	if patch.Status != nil {
		if err := swap.CheckSlotTransition(slot.Status, *patch.Status, swap.ActorOwner); err != nil {
			return nil, err
		}
	}

	updated, err := s.store.UpdateSlotDetails(ctx, slotID, slot.Status, patch)
	switch {
	case errors.Is(err, swap.ErrStaleStatus):
		return nil, &swap.Error{Kind: swap.ErrConflict, Op: op, Message: "slot changed while updating, retry", Err: err}
	case errors.Is(err, swap.ErrRecordNotFound):
		return nil, &swap.Error{Kind: swap.ErrNotFound, Op: op, Message: "slot not found"}
	case err != nil:
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return updated, nil
}

func (s *SlotService) Delete(ctx context.Context, ownerID, slotID uuid.UUID) error {
	const op = "delete slot"

	slot, err := s.owned(ctx, op, ownerID, slotID)
	if err != nil {
		return err
	}
	if err := swap.CheckSlotDeletable(slot.Status); err != nil {
		return err
	}

	err = s.store.DeleteSlot(ctx, slotID, slot.Status)
	switch {
	case errors.Is(err, swap.ErrStaleStatus):
		return &swap.Error{Kind: swap.ErrConflict, Op: op, Message: "slot changed while deleting, retry", Err: err}
	case errors.Is(err, swap.ErrRecordNotFound):
		return &swap.Error{Kind: swap.ErrNotFound, Op: op, Message: "slot not found"}
	case err != nil:
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Marketplace lists future SWAPPABLE slots of other users, earliest first.
func (s *SlotService) Marketplace(ctx context.Context, userID uuid.UUID) ([]*models.Slot, error) {
	slots, err := s.store.ListSwappableSlots(ctx, userID, s.now())
	if err != nil {
		return nil, fmt.Errorf("listing marketplace: %w", err)
	}
	return slots, nil
}
