package core

import (
	"errors"
)

// Kind classifies failures. Every failure aborts the enclosing transaction with no writes.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthorization
	KindState
	KindValidation
	KindArithmetic
	KindConsistency
	KindPaused
	// KindUnavailable is the only retryable kind: the secondary context could not be reached
	// and no state changed.
	KindUnavailable
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindValidation:
		return "validation"
	case KindArithmetic:
		return "arithmetic"
	case KindConsistency:
		return "consistency"
	case KindPaused:
		return "paused"
	case KindUnavailable:
		return "unavailable"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is a classified protocol error. Code is stable and crosses process boundaries.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(kind Kind, code, message string) *Error {
	err := &Error{Kind: kind, Code: code, Message: message}
	errorsByCode[code] = err
	return err
}

var errorsByCode = map[string]*Error{}

var (
	ErrUnauthorized = newError(KindAuthorization, "unauthorized_access", "the provided authority is not authorized to perform this action")

	ErrAlreadySettled     = newError(KindState, "auction_already_settled", "this auction has already been settled")
	ErrAlreadyBooked      = newError(KindState, "auction_already_booked", "this auction's results have already been processed")
	ErrNotBooked          = newError(KindState, "auction_not_booked", "this auction's results have not been processed")
	ErrNotResolved        = newError(KindState, "auction_not_resolved", "this auction has not been resolved")
	ErrRequestClosed      = newError(KindState, "request_closed", "the request has already been closed")
	ErrRequestExpired     = newError(KindState, "request_expired", "the request has expired")
	ErrAlreadyExists      = newError(KindState, "already_exists", "the record already exists")
	ErrAlreadyInitialized = newError(KindState, "already_initialized", "the protocol is already initialized")
	ErrNotInitialized     = newError(KindState, "not_initialized", "the protocol has not been initialized")
	ErrRecordDelegated    = newError(KindState, "record_delegated", "the record is delegated to the secondary context")
	ErrAlreadyDelegated   = newError(KindState, "already_delegated", "the record is already delegated")
	ErrNotDelegated       = newError(KindState, "account_not_delegated", "this record has not been delegated to the secondary context")
	ErrRecordFrozen       = newError(KindState, "record_frozen", "the record is being undelegated and can no longer change")

	ErrInvalidFeePercentage = newError(KindValidation, "invalid_fee_percentage", "invalid fee percentage, must be between 0-100")
	ErrInvalidRevenueShare  = newError(KindValidation, "invalid_revenue_share", "invalid revenue share, must be between 0-100")
	ErrStringTooLong        = newError(KindValidation, "string_too_long", "string exceeds maximum allowed length")
	ErrInvalidAmount        = newError(KindValidation, "invalid_amount", "amount must be greater than zero")
	ErrInvalidAuthority     = newError(KindValidation, "invalid_authority", "invalid authority")
	ErrInvalidID            = newError(KindValidation, "invalid_id", "invalid 32-byte identifier")
	ErrInvalidRecordRef     = newError(KindValidation, "invalid_record_ref", "invalid record reference")
	ErrInvalidArgument      = newError(KindValidation, "invalid_argument", "invalid argument")

	ErrOverflow          = newError(KindArithmetic, "overflow", "arithmetic overflow")
	ErrUnderflow         = newError(KindArithmetic, "underflow", "arithmetic underflow")
	ErrInsufficientFunds = newError(KindArithmetic, "insufficient_funds", "operation exceeds available funds")

	ErrInvalidAuctionID   = newError(KindConsistency, "invalid_auction_id", "the provided auction id is invalid")
	ErrInvalidPublisher   = newError(KindConsistency, "invalid_publisher", "the publisher does not match the auction record")
	ErrInvalidBidder      = newError(KindConsistency, "invalid_dsp", "the bidder does not match the auction record")
	ErrSessionMismatch    = newError(KindConsistency, "session_mismatch", "delegation session mismatch")
	ErrStaleSnapshot      = newError(KindConsistency, "stale_snapshot", "snapshot is older than the committed state")
	ErrDigestMismatch     = newError(KindConsistency, "digest_mismatch", "record digest mismatch")
	ErrIllegalTransition  = newError(KindConsistency, "illegal_transition", "illegal record transition")
	ErrAttestationInvalid = newError(KindConsistency, "attestation_invalid", "commit attestation failed verification")

	ErrProtocolPaused = newError(KindPaused, "protocol_paused", "the protocol is currently paused")

	ErrSecondaryUnavailable = newError(KindUnavailable, "secondary_unavailable", "the secondary execution context is unavailable")

	ErrNotFound = newError(KindNotFound, "not_found", "record not found")
)

// ErrorFromCode maps a wire code back to its sentinel. Unknown codes yield nil.
func ErrorFromCode(code string) *Error {
	return errorsByCode[code]
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the code of the first classified error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether the caller may retry the failed operation unchanged.
func IsRetryable(err error) bool {
	return KindOf(err) == KindUnavailable
}
