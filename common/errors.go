package common

import (
	"errors"
	"fmt"

	"github.com/hermeznetwork/tracerr"
)

// Wrap adds a stack trace to the error
func Wrap(err error) error {
	return tracerr.Wrap(err)
}

// Unwrap returns the original error removing the stack trace
func Unwrap(err error) error {
	return tracerr.Unwrap(err)
}

// ErrNotInFF is used when the *big.Int does not fit inside the Finite Field
var ErrNotInFF = errors.New("BigInt not inside the Finite Field")

// ErrEncodingOverflow is used when a value exceeds the bit width of the field
// it is being encoded into
var ErrEncodingOverflow = errors.New("encoding overflow")

// ErrPrecisionLoss is used when a value can not be represented exactly by a
// floating point encoding
var ErrPrecisionLoss = errors.New("encoding precision loss")

// ErrInvalidLength is used when a byte slice is too short for the value it
// should contain
var ErrInvalidLength = errors.New("invalid length")

// ErrIndexOutOfBounds is used when an account index does not fit in the
// account tree
var ErrIndexOutOfBounds = errors.New("account index out of bounds")

// ErrBlockFull is returned by the block builder when the operation does not
// fit in the remaining chunks of the open block
var ErrBlockFull = errors.New("block full")

// ErrInvalidBlockState is used when a block lifecycle transition is requested
// from the wrong state
var ErrInvalidBlockState = errors.New("invalid block state")

// ErrWitnessMismatch is used when the witness of a block does not correspond
// to its public data
var ErrWitnessMismatch = errors.New("witness and public data mismatch")

// ErrTooManyPendingBlocks is used when the number of sealed blocks waiting for
// a proof reached its limit
var ErrTooManyPendingBlocks = errors.New("too many pending blocks")

// ErrDone is used when a function returns earlier due to a cancelled context
var ErrDone = errors.New("done")

// IsErrDone returns true if the error or wrapped error is ErrDone
func IsErrDone(err error) bool {
	return Unwrap(err) == ErrDone
}

// Validation reasons
const (
	ReasonUnknownAccount      = "unknown_account"
	ReasonBadNonce            = "bad_nonce"
	ReasonBadSignature        = "bad_signature"
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonBadToken            = "bad_token"
	ReasonAccountExists       = "account_exists"
	ReasonNonzeroBalance      = "nonzero_balance"
	ReasonPubKeySet           = "pubkey_set"
	ReasonUnsupportedOp       = "unsupported_op"
)

// Non validation reasons, used in RejectReason
const (
	ReasonEncodingOverflow = "encoding_overflow"
	ReasonPrecisionLoss    = "precision_loss"
	ReasonIndexOutOfBounds = "index_out_of_bounds"
	ReasonPendingBlocks    = "too_many_pending_blocks"
	ReasonInternal         = "internal"
)

// ValidationError is returned when an operation is not valid against the
// current state. The state is never modified when it is returned.
type ValidationError struct {
	Reason string
	Msg    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error (%s): %s", e.Reason, e.Msg)
}

// NewValidationError returns a wrapped *ValidationError
func NewValidationError(reason, format string, args ...interface{}) error {
	return Wrap(&ValidationError{Reason: reason, Msg: fmt.Sprintf(format, args...)})
}

// IsValidationError returns true if the error or wrapped error is a
// *ValidationError
func IsValidationError(err error) bool {
	var vErr *ValidationError
	return errors.As(Unwrap(err), &vErr)
}

// RejectReason maps an error returned while processing an operation into a
// stable reason string
func RejectReason(err error) string {
	err = Unwrap(err)
	var vErr *ValidationError
	switch {
	case errors.As(err, &vErr):
		return vErr.Reason
	case errors.Is(err, ErrEncodingOverflow):
		return ReasonEncodingOverflow
	case errors.Is(err, ErrPrecisionLoss):
		return ReasonPrecisionLoss
	case errors.Is(err, ErrIndexOutOfBounds):
		return ReasonIndexOutOfBounds
	case errors.Is(err, ErrTooManyPendingBlocks):
		return ReasonPendingBlocks
	default:
		return ReasonInternal
	}
}
