package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/HammerMeetNail/slotswap/internal/logging"
	"github.com/HammerMeetNail/slotswap/internal/services"
	"github.com/HammerMeetNail/slotswap/internal/swap"
)

// statusForKind maps an engine error kind to an HTTP status.
func statusForKind(kind error) int {
	switch kind {
	case swap.ErrNotFound:
		return http.StatusNotFound
	case swap.ErrForbidden:
		return http.StatusForbidden
	case swap.ErrInvalidOperation, swap.ErrInvalidState, swap.ErrAlreadyResolved:
		return http.StatusBadRequest
	case swap.ErrConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError writes the response for an error from a slot service or
// the swap engine. Unclassified and TransactionFailed errors are logged and
// hidden behind a generic message.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, services.ErrInvalidSlot) {
		writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), services.ErrInvalidSlot.Error()+": "))
		return
	}

	kind := swap.KindOf(err)
	if kind == nil || kind == swap.ErrTransactionFailed {
		fields := map[string]interface{}{
			"error":      err.Error(),
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": GetRequestIDFromContext(r.Context()),
		}
		var txErr *swap.TransactionError
		if errors.As(err, &txErr) {
			for k, v := range txErr.Fields() {
				if k == "request_id" {
					k = "swap_request_id"
				}
				fields[k] = v
			}
			logging.Error("Swap transaction failed", fields)
			writeError(w, http.StatusInternalServerError, "Swap could not be completed; it has been flagged for reconciliation")
			return
		}
		logging.Error("Internal error", fields)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeError(w, statusForKind(kind), errorMessage(err, kind))
}

func errorMessage(err, kind error) string {
	var se *swap.Error
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	return kind.Error()
}

// parseID reads the {id} path value, writing a 400 on failure.
func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid ID")
		return uuid.Nil, false
	}
	return id, true
}
