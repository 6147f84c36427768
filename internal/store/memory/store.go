// Package memory is an in-process slot and swap store. It has no
// multi-record transactions, so the engine runs its compensation path
// against it.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HammerMeetNail/slotswap/internal/models"
	"github.com/HammerMeetNail/slotswap/internal/swap"
)

type Store struct {
	mu        sync.RWMutex
	slots     map[uuid.UUID]*models.Slot
	swaps     map[uuid.UUID]*models.SwapRequest
	cancelled map[uuid.UUID]time.Time
	now       func() time.Time
}

var _ swap.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		slots:     make(map[uuid.UUID]*models.Slot),
		swaps:     make(map[uuid.UUID]*models.SwapRequest),
		cancelled: make(map[uuid.UUID]time.Time),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func copySlot(s *models.Slot) *models.Slot {
	cp := *s
	return &cp
}

func copySwap(r *models.SwapRequest) *models.SwapRequest {
	cp := *r
	if r.RespondedAt != nil {
		t := *r.RespondedAt
		cp.RespondedAt = &t
	}
	return &cp
}

func (s *Store) GetSlot(ctx context.Context, id uuid.UUID) (*models.Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	slot, ok := s.slots[id]
	if !ok {
		return nil, swap.ErrRecordNotFound
	}
	return copySlot(slot), nil
}

func (s *Store) ListSlotsByOwner(ctx context.Context, ownerID uuid.UUID, filter models.SlotFilter) ([]*models.Slot, error) {
	return s.selectSlots(ctx, func(slot *models.Slot) bool {
		if slot.OwnerID != ownerID {
			return false
		}
		if filter.Status != nil && slot.Status != *filter.Status {
			return false
		}
		if filter.From != nil && slot.StartTime.Before(*filter.From) {
			return false
		}
		if filter.To != nil && slot.StartTime.After(*filter.To) {
			return false
		}
		return true
	})
}

func (s *Store) ListSwappableSlots(ctx context.Context, excludeOwnerID uuid.UUID, after time.Time) ([]*models.Slot, error) {
	return s.selectSlots(ctx, func(slot *models.Slot) bool {
		return slot.Status == models.SlotStatusSwappable &&
			slot.OwnerID != excludeOwnerID &&
			slot.StartTime.After(after)
	})
}

func (s *Store) ListSlotsByStatus(ctx context.Context, status models.SlotStatus) ([]*models.Slot, error) {
	return s.selectSlots(ctx, func(slot *models.Slot) bool {
		return slot.Status == status
	})
}

// selectSlots returns copies of matching slots ordered by start time.
func (s *Store) selectSlots(ctx context.Context, match func(*models.Slot) bool) ([]*models.Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.Slot{}
	for _, slot := range s.slots {
		if match(slot) {
			out = append(out, copySlot(slot))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *Store) UpdateSlotStatus(ctx context.Context, t swap.SlotTransition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots[t.SlotID]
	if !ok {
		return swap.ErrRecordNotFound
	}
	if slot.Status != t.From {
		return swap.ErrStaleStatus
	}
	if t.ExpectedOwnerID != nil && slot.OwnerID != *t.ExpectedOwnerID {
		return swap.ErrStaleStatus
	}
	slot.Status = t.To
	if t.NewOwnerID != nil {
		slot.OwnerID = *t.NewOwnerID
	}
	slot.UpdatedAt = s.now()
	return nil
}

func (s *Store) CreateSlot(ctx context.Context, params models.CreateSlotParams) (*models.Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	status := params.Status
	if status == "" {
		status = models.SlotStatusBusy
	}
	now := s.now()
	slot := &models.Slot{
		ID:          uuid.New(),
		OwnerID:     params.OwnerID,
		Title:       params.Title,
		Description: params.Description,
		Location:    params.Location,
		StartTime:   params.StartTime,
		EndTime:     params.EndTime,
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.slots[slot.ID] = slot
	return copySlot(slot), nil
}

func (s *Store) UpdateSlotDetails(ctx context.Context, id uuid.UUID, expected models.SlotStatus, patch models.SlotPatch) (*models.Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots[id]
	if !ok {
		return nil, swap.ErrRecordNotFound
	}
	if slot.Status != expected {
		return nil, swap.ErrStaleStatus
	}
	if patch.Title != nil {
		slot.Title = *patch.Title
	}
	if patch.Description != nil {
		slot.Description = *patch.Description
	}
	if patch.Location != nil {
		slot.Location = *patch.Location
	}
	if patch.StartTime != nil {
		slot.StartTime = *patch.StartTime
	}
	if patch.EndTime != nil {
		slot.EndTime = *patch.EndTime
	}
	if patch.Status != nil {
		slot.Status = *patch.Status
	}
	slot.UpdatedAt = s.now()
	return copySlot(slot), nil
}

func (s *Store) DeleteSlot(ctx context.Context, id uuid.UUID, expected models.SlotStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots[id]
	if !ok {
		return swap.ErrRecordNotFound
	}
	if slot.Status != expected {
		return swap.ErrStaleStatus
	}
	delete(s.slots, id)
	return nil
}

func (s *Store) GetSwap(ctx context.Context, id uuid.UUID) (*models.SwapRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.swaps[id]
	if !ok {
		return nil, swap.ErrRecordNotFound
	}
	return copySwap(req), nil
}

func (s *Store) FindPendingDuplicate(ctx context.Context, key models.SwapKey) (*models.SwapRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if req := s.pendingWithKey(key); req != nil {
		return copySwap(req), nil
	}
	return nil, swap.ErrRecordNotFound
}

// pendingWithKey must be called with s.mu held.
func (s *Store) pendingWithKey(key models.SwapKey) *models.SwapRequest {
	for _, req := range s.swaps {
		if req.Status == models.SwapStatusPending && req.Key() == key {
			return req
		}
	}
	return nil
}

func (s *Store) CreateSwap(ctx context.Context, req *models.SwapRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Status == models.SwapStatusPending && s.pendingWithKey(req.Key()) != nil {
		return swap.ErrDuplicate
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	now := s.now()
	req.CreatedAt = now
	req.UpdatedAt = now
	s.swaps[req.ID] = copySwap(req)
	return nil
}

func (s *Store) UpdateSwapStatus(ctx context.Context, id uuid.UUID, from, to models.SwapStatus, respondedAt *time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.swaps[id]
	if !ok {
		return swap.ErrRecordNotFound
	}
	if req.Status != from {
		return swap.ErrStaleStatus
	}
	req.Status = to
	if respondedAt != nil {
		t := *respondedAt
		req.RespondedAt = &t
	} else {
		req.RespondedAt = nil
	}
	req.UpdatedAt = s.now()
	return nil
}

func (s *Store) DeleteSwap(ctx context.Context, id uuid.UUID, expected models.SwapStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.deleteSwapLocked(id, expected)
}

func (s *Store) deleteSwapLocked(id uuid.UUID, expected models.SwapStatus) error {
	req, ok := s.swaps[id]
	if !ok {
		return swap.ErrRecordNotFound
	}
	if req.Status != expected {
		return swap.ErrStaleStatus
	}
	delete(s.swaps, id)
	return nil
}

func (s *Store) CancelSwap(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.deleteSwapLocked(id, models.SwapStatusPending); err != nil {
		return err
	}
	s.cancelled[id] = s.now()
	return nil
}

func (s *Store) RestoreSwap(ctx context.Context, req *models.SwapRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.swaps[req.ID]; ok {
		return swap.ErrDuplicate
	}
	if req.Status == models.SwapStatusPending && s.pendingWithKey(req.Key()) != nil {
		return swap.ErrDuplicate
	}
	s.swaps[req.ID] = copySwap(req)
	delete(s.cancelled, req.ID)
	return nil
}

func (s *Store) SwapCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.cancelled[id]
	return ok, nil
}

func (s *Store) ListSwaps(ctx context.Context, filter models.SwapFilter) ([]*models.SwapRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.SwapRequest{}
	for _, req := range s.swaps {
		if filter.RequesterID != nil && req.RequesterID != *filter.RequesterID {
			continue
		}
		if filter.RequestedUserID != nil && req.RequestedUserID != *filter.RequestedUserID {
			continue
		}
		if filter.Status != nil && req.Status != *filter.Status {
			continue
		}
		out = append(out, copySwap(req))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}
