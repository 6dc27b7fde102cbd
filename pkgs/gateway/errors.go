package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/feltledger/submission-gateway/pkgs/ledger"
	"github.com/feltledger/submission-gateway/pkgs/submissions"
)

// Kind is the failure taxonomy exposed to callers
type Kind string

const (
	KindAuthFailure        Kind = "auth_failure"
	KindRateLimited        Kind = "rate_limited"
	KindValidationFailure  Kind = "validation_failure"
	KindDuplicateInFlight  Kind = "duplicate_in_flight"
	KindLedgerWriteFailure Kind = "ledger_write_failure"
	KindInternal           Kind = "internal"
)

// Error is a classified failure with the HTTP status and the short reason
// shown to the client. Err is kept for logs and never rendered.
type Error struct {
	Kind   Kind
	Status int
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified error
func NewError(kind Kind, status int, reason string, err error) *Error {
	return &Error{Kind: kind, Status: status, Reason: reason, Err: err}
}

// AuthError rejects a request before any side effect
func AuthError(err error) *Error {
	return NewError(KindAuthFailure, http.StatusUnauthorized, err.Error(), err)
}

// ValidationError wraps a normalization failure
func ValidationError(err error) *Error {
	var ve *submissions.ValidationError
	if errors.As(err, &ve) {
		return NewError(KindValidationFailure, http.StatusBadRequest, ve.Error(), err)
	}
	return NewError(KindValidationFailure, http.StatusBadRequest, "invalid request", err)
}

// ConflictError reports a request id whose first attempt is still running
func ConflictError(key string) *Error {
	return NewError(KindDuplicateInFlight, http.StatusConflict,
		fmt.Sprintf("request %q is still being processed, retry later", key), nil)
}

// InternalError hides err behind a generic reason
func InternalError(reason string, err error) *Error {
	return NewError(KindInternal, http.StatusInternalServerError, reason, err)
}

// WriteFailure maps a ledger write error onto a status and reason
func WriteFailure(err error) *Error {
	class := ledger.Classify(err)
	var we *ledger.WriteError
	if errors.As(err, &we) {
		class = we.Class
	}

	switch class {
	case ledger.ClassInsufficientFunds:
		return NewError(KindLedgerWriteFailure, http.StatusPaymentRequired,
			"ledger signer has insufficient funds", err)
	case ledger.ClassAccessDenied:
		return NewError(KindLedgerWriteFailure, http.StatusForbidden,
			"ledger rejected the signer as unauthorized", err)
	case ledger.ClassReverted:
		return NewError(KindLedgerWriteFailure, http.StatusBadGateway,
			"ledger transaction reverted", err)
	default:
		return NewError(KindLedgerWriteFailure, http.StatusBadGateway,
			"ledger write failed", err)
	}
}

// AsError returns err as a classified *Error, wrapping unknown errors as internal
func AsError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return InternalError("internal error", err)
}
