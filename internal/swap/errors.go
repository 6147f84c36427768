package swap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/HammerMeetNail/slotswap/internal/models"
)

// Error kinds returned by the engine and the state machines. Callers match
// them with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidOperation  = errors.New("invalid operation")
	ErrInvalidState      = errors.New("invalid state")
	ErrConflict          = errors.New("conflict")
	ErrAlreadyResolved   = errors.New("already resolved")
	ErrTransactionFailed = errors.New("transaction failed")
)

// Error is a classified engine failure. It unwraps to both its kind and the
// underlying cause, if any.
type Error struct {
	Kind    error
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func wrapError(kind error, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// TransactionError reports a multi-step write whose compensation could not be
// completed. The records named here need manual reconciliation.
type TransactionError struct {
	Op         string
	RequestID  uuid.UUID
	FailedStep string
	Cause      error
	// Compensation holds the error of the first undo step that failed.
	Compensation error
	// SlotStatus is the last status the engine knows each slot to have.
	SlotStatus map[uuid.UUID]models.SlotStatus
	// SwapStatus is the last status the engine knows the request to have;
	// empty when the request is known to be deleted.
	SwapStatus models.SwapStatus
}

func (e *TransactionError) Error() string {
	ids := make([]string, 0, len(e.SlotStatus))
	for id, status := range e.SlotStatus {
		ids = append(ids, fmt.Sprintf("%s=%s", id, status))
	}
	return fmt.Sprintf("%s: transaction failed at %s (request=%s, swap_status=%q, slots=[%s]): %v; compensation: %v",
		e.Op, e.FailedStep, e.RequestID, e.SwapStatus, strings.Join(ids, ", "), e.Cause, e.Compensation)
}

func (e *TransactionError) Unwrap() []error {
	errs := []error{ErrTransactionFailed}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// Fields returns the error details as structured log fields.
func (e *TransactionError) Fields() map[string]interface{} {
	slots := make(map[string]string, len(e.SlotStatus))
	for id, status := range e.SlotStatus {
		slots[id.String()] = string(status)
	}
	fields := map[string]interface{}{
		"op":          e.Op,
		"request_id":  e.RequestID.String(),
		"failed_step": e.FailedStep,
		"swap_status": string(e.SwapStatus),
		"slots":       slots,
	}
	if e.Cause != nil {
		fields["cause"] = e.Cause.Error()
	}
	if e.Compensation != nil {
		fields["compensation_error"] = e.Compensation.Error()
	}
	return fields
}

// KindOf returns the error kind carried by err, or nil for unclassified errors.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrTransactionFailed,
		ErrNotFound,
		ErrForbidden,
		ErrInvalidOperation,
		ErrInvalidState,
		ErrConflict,
		ErrAlreadyResolved,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
