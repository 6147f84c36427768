package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/HammerMeetNail/slotswap/internal/models"
	"github.com/HammerMeetNail/slotswap/internal/services"
)

type SlotHandler struct {
	slotService services.SlotServiceInterface
}

func NewSlotHandler(slotService services.SlotServiceInterface) *SlotHandler {
	return &SlotHandler{slotService: slotService}
}

type CreateSlotRequest struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Location    string            `json:"location"`
	StartTime   time.Time         `json:"start_time"`
	EndTime     time.Time         `json:"end_time"`
	Status      models.SlotStatus `json:"status"`
}

type UpdateSlotRequest struct {
	Title       *string            `json:"title"`
	Description *string            `json:"description"`
	Location    *string            `json:"location"`
	StartTime   *time.Time         `json:"start_time"`
	EndTime     *time.Time         `json:"end_time"`
	Status      *models.SlotStatus `json:"status"`
}

type SlotResponse struct {
	Slot    *models.Slot `json:"slot,omitempty"`
	Message string       `json:"message,omitempty"`
}

type SlotListResponse struct {
	Slots []*models.Slot `json:"slots"`
}

func (h *SlotHandler) Create(w http.ResponseWriter, r *http.Request) {
	user := GetUserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req CreateSlotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	slot, err := h.slotService.Create(r.Context(), models.CreateSlotParams{
		OwnerID:     user.ID,
		Title:       req.Title,
		Description: req.Description,
		Location:    req.Location,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Status:      req.Status,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, SlotResponse{Slot: slot})
}

// List returns the caller's slots. Optional query parameters: status, and
// from/to as RFC 3339 times bounding the start time.
func (h *SlotHandler) List(w http.ResponseWriter, r *http.Request) {
	user := GetUserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var filter models.SlotFilter
	q := r.URL.Query()
	if s := q.Get("status"); s != "" {
		status := models.SlotStatus(s)
		if !status.IsValid() {
			writeError(w, http.StatusBadRequest, "Invalid status")
			return
		}
		filter.Status = &status
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &filter.From}, {"to", &filter.To}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+p.name+" time, expected RFC 3339")
			return
		}
		*p.dst = &t
	}

	slots, err := h.slotService.ListByOwner(r.Context(), user.ID, filter)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if slots == nil {
		slots = []*models.Slot{}
	}

	writeJSON(w, http.StatusOK, SlotListResponse{Slots: slots})
}

// Marketplace lists upcoming swappable slots owned by other users.
func (h *SlotHandler) Marketplace(w http.ResponseWriter, r *http.Request) {
	user := GetUserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	slots, err := h.slotService.Marketplace(r.Context(), user.ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if slots == nil {
		slots = []*models.Slot{}
	}

	writeJSON(w, http.StatusOK, SlotListResponse{Slots: slots})
}

func (h *SlotHandler) Get(w http.ResponseWriter, r *http.Request) {
	user := GetUserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	slotID, ok := parseID(w, r)
	if !ok {
		return
	}

	slot, err := h.slotService.Get(r.Context(), user.ID, slotID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SlotResponse{Slot: slot})
}

func (h *SlotHandler) Update(w http.ResponseWriter, r *http.Request) {
	user := GetUserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	slotID, ok := parseID(w, r)
	if !ok {
		return
	}

	var req UpdateSlotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	slot, err := h.slotService.Update(r.Context(), user.ID, slotID, models.SlotPatch{
		Title:       req.Title,
		Description: req.Description,
		Location:    req.Location,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Status:      req.Status,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SlotResponse{Slot: slot})
}

func (h *SlotHandler) Delete(w http.ResponseWriter, r *http.Request) {
	user := GetUserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	slotID, ok := parseID(w, r)
	if !ok {
		return
	}

	if err := h.slotService.Delete(r.Context(), user.ID, slotID); err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SlotResponse{Message: "Slot deleted"})
}
