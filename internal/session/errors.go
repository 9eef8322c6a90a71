package session

import "errors"

// Error taxonomy shared across the orchestrator. Callers classify with
// errors.Is; chain and store packages wrap these with context.
var (
	// ErrValidation covers malformed input, unknown chains, bad
	// address or account formats, and timelock invariant violations.
	ErrValidation = errors.New("validation error")

	// ErrCapacityExceeded is returned when the active session limit
	// has been reached.
	ErrCapacityExceeded = errors.New("session capacity exceeded")

	// ErrIllegalTransition is returned for state-machine violations.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrNotFound is returned for unknown sessions, HTLCs, or escrows.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientFunds is returned when the signer balance or
	// attached deposit is below the requirement.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrRPCFailure is a transport or node error; retryable with
	// back-off.
	ErrRPCFailure = errors.New("rpc failure")

	// ErrChainRejection is an on-chain revert; not retryable.
	ErrChainRejection = errors.New("chain rejection")

	// Secret-store failures.
	ErrSecretNotFound    = errors.New("secret not found")
	ErrSecretExpired     = errors.New("secret expired")
	ErrSecretAlreadyUsed = errors.New("secret already used")

	// ErrWriteUnavailable is returned when no signing key is
	// configured for the given chain.
	ErrWriteUnavailable = errors.New("write operations unavailable")

	// ErrOperationTimeout is returned when an operation's deadline
	// elapsed.
	ErrOperationTimeout = errors.New("operation timeout")

	// ErrEscrowAlreadySet is returned on a second attachEscrow for the
	// same side of a session.
	ErrEscrowAlreadySet = errors.New("escrow reference already set")

	// ErrInternal is everything else; surfaces opaquely to callers.
	ErrInternal = errors.New("internal error")
)
