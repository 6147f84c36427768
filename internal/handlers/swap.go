package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/HammerMeetNail/slotswap/internal/models"
	"github.com/HammerMeetNail/slotswap/internal/swap"
)

// SwapEngine is the subset of *swap.Engine the handler drives.
type SwapEngine interface {
	Propose(ctx context.Context, cmd swap.ProposeCommand) (*swap.ProposeResult, error)
	Respond(ctx context.Context, cmd swap.RespondCommand) (*swap.RespondResult, error)
	Cancel(ctx context.Context, cmd swap.CancelCommand) (*swap.CancelResult, error)
	Status(ctx context.Context, q swap.StatusQuery) (*swap.StatusResult, error)
	ListIncoming(ctx context.Context, userID uuid.UUID, status *models.SwapStatus) ([]*models.SwapRequest, error)
	ListOutgoing(ctx context.Context, userID uuid.UUID, status *models.SwapStatus) ([]*models.SwapRequest, error)
}

var _ SwapEngine = (*swap.Engine)(nil)

type SwapHandler struct {
	engine SwapEngine
}

func NewSwapHandler(engine SwapEngine) *SwapHandler {
	return &SwapHandler{engine: engine}
}

type CreateSwapRequest struct {
	MySlotID    uuid.UUID `json:"my_slot_id"`
	TheirSlotID uuid.UUID `json:"their_slot_id"`
	Message     string    `json:"message"`
}

type RespondSwapRequest struct {
	Response string `json:"response"`
}

type SwapListResponse struct {
	SwapRequests []*models.SwapRequest `json:"swap_requests"`
}

func (h *SwapHandler) Create(w http.ResponseWriter, r *http.Request) {
	user := GetUserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req CreateSwapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.MySlotID == uuid.Nil || req.TheirSlotID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "my_slot_id and their_slot_id are required")
		return
	}

	result, err := h.engine.Propose(r.Context(), swap.ProposeCommand{
		RequesterID:   user.ID,
		OfferedSlotID: req.MySlotID,
		WantedSlotID:  req.TheirSlotID,
		Message:       req.Message,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

func (h *SwapHandler) Respond(w http.ResponseWriter, r *http.Request) {
	user := GetUserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	requestID, ok := parseID(w, r)
	if !ok {
		return
	}

	var req RespondSwapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	decision, ok := models.ParseSwapDecision(req.Response)
	if !ok {
		writeError(w, http.StatusBadRequest, "response must be ACCEPTED or REJECTED")
		return
	}

	result, err := h.engine.Respond(r.Context(), swap.RespondCommand{
		ResponderID: user.ID,
		RequestID:   requestID,
		Decision:    decision,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *SwapHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	user := GetUserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	requestID, ok := parseID(w, r)
	if !ok {
		return
	}

	result, err := h.engine.Cancel(r.Context(), swap.CancelCommand{
		RequesterID: user.ID,
		RequestID:   requestID,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *SwapHandler) Status(w http.ResponseWriter, r *http.Request) {
	user := GetUserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	requestID, ok := parseID(w, r)
	if !ok {
		return
	}

	result, err := h.engine.Status(r.Context(), swap.StatusQuery{ViewerID: user.ID, RequestID: requestID})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *SwapHandler) Incoming(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.engine.ListIncoming)
}

func (h *SwapHandler) Outgoing(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.engine.ListOutgoing)
}

type listFunc func(ctx context.Context, userID uuid.UUID, status *models.SwapStatus) ([]*models.SwapRequest, error)

func (h *SwapHandler) list(w http.ResponseWriter, r *http.Request, fn listFunc) {
	user := GetUserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var status *models.SwapStatus
	if s := r.URL.Query().Get("status"); s != "" {
		st := models.SwapStatus(s)
		if !st.IsValid() {
			writeError(w, http.StatusBadRequest, "Invalid status")
			return
		}
		status = &st
	}

	requests, err := fn(r.Context(), user.ID, status)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if requests == nil {
		requests = []*models.SwapRequest{}
	}

	writeJSON(w, http.StatusOK, SwapListResponse{SwapRequests: requests})
}
