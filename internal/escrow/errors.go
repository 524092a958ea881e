package escrow

import "errors"

// Validation errors, returned by CreatePool and for malformed arguments.
var (
	ErrZeroRecipient          = errors.New("recipient is the zero address")
	ErrDeadlineNotFuture      = errors.New("deadline is not in the future")
	ErrInvalidCooldown        = errors.New("cooldown must be positive and at most 30 days")
	ErrInvalidTierCount       = errors.New("tier count must be between 1 and 3")
	ErrTierLengthMismatch     = errors.New("tier thresholds, document hashes and vendors differ in length")
	ErrZeroThreshold          = errors.New("tier threshold is zero")
	ErrThresholdsNotAscending = errors.New("tier thresholds are not strictly ascending")
	ErrZeroVendor             = errors.New("tier vendor is the zero address")
	ErrVendorNotSigner        = errors.New("tier vendor is not a valid signing key")
	ErrZeroDocumentHash       = errors.New("tier document hash is zero")
	ErrValidUntilTooEarly     = errors.New("attestation expires before the cooldown ends")
	ErrZeroAmount             = errors.New("amount is zero")
)

// Authorization errors.
var (
	ErrNotTierVendor = errors.New("caller is not the tier vendor")
)

// State errors: the derived pool state does not permit the operation.
var (
	ErrAttestationWindowClosed = errors.New("attestation window closed")
	ErrTierOneNotAttested      = errors.New("tier 1 has not been attested")
	ErrPoolNotActive           = errors.New("pool is not active")
	ErrNotInCooldown           = errors.New("pool is not in cooldown")
	ErrNotPayable              = errors.New("pool is not payable")
	ErrNotRefunding            = errors.New("pool is not refunding")
)

// Idempotence errors: the operation already happened.
var (
	ErrAlreadyAttested  = errors.New("tier already attested")
	ErrAlreadyFinalized = errors.New("pool already finalized")
	ErrNoFunds          = errors.New("no funds in escrow for caller")
)

// Existence errors.
var (
	ErrPoolNotFound     = errors.New("pool not found")
	ErrInvalidTierIndex = errors.New("tier index out of range")
)

// ErrReentrantCall is returned when a mutation is attempted while another is in progress.
var ErrReentrantCall = errors.New("reentrant call")

// Transfer errors: the value medium did not deliver.
var (
	ErrTransferFailed      = errors.New("transfer failed")
	ErrTransferUnconfirmed = errors.New("transfer outcome unknown")
	ErrNothingReceived     = errors.New("no value received")
	ErrAmountOverflow      = errors.New("amount overflows pool accounting")
)

// Class groups errors by how a caller should react to them.
type Class string

const (
	ClassUnknown       Class = "unknown"
	ClassValidation    Class = "validation"
	ClassAuthorization Class = "authorization"
	ClassState         Class = "state"
	ClassIdempotence   Class = "idempotence"
	ClassExistence     Class = "existence"
	ClassReentrancy    Class = "reentrancy"
	ClassTransfer      Class = "transfer"
)

var classes = []struct {
	class Class
	errs  []error
}{
	{ClassValidation, []error{
		ErrZeroRecipient, ErrDeadlineNotFuture, ErrInvalidCooldown, ErrInvalidTierCount,
		ErrTierLengthMismatch, ErrZeroThreshold, ErrThresholdsNotAscending, ErrZeroVendor,
		ErrVendorNotSigner, ErrZeroDocumentHash, ErrValidUntilTooEarly, ErrZeroAmount,
	}},
	{ClassAuthorization, []error{ErrNotTierVendor}},
	{ClassState, []error{
		ErrAttestationWindowClosed, ErrTierOneNotAttested, ErrPoolNotActive,
		ErrNotInCooldown, ErrNotPayable, ErrNotRefunding,
	}},
	{ClassIdempotence, []error{ErrAlreadyAttested, ErrAlreadyFinalized, ErrNoFunds}},
	{ClassExistence, []error{ErrPoolNotFound, ErrInvalidTierIndex}},
	{ClassReentrancy, []error{ErrReentrantCall}},
	{ClassTransfer, []error{ErrTransferFailed, ErrTransferUnconfirmed, ErrNothingReceived, ErrAmountOverflow}},
}

// Classify returns the class of err, or ClassUnknown for storage and other
// infrastructure failures.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	for _, c := range classes {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.class
			}
		}
	}
	return ClassUnknown
}
