// Package session defines the swap session domain model: the per-swap
// state machine, timelock arithmetic, execution steps, and the error
// taxonomy shared by the rest of the orchestrator.
package session

import (
	"fmt"
	"math/big"
	"time"
)

// Status represents the lifecycle state of a swap session.
type Status string

// Session statuses.
const (
	StatusInitialized        Status = "initialized"
	StatusExecuting          Status = "executing"
	StatusSourceLocking      Status = "source_locking"
	StatusSourceLocked       Status = "source_locked"
	StatusDestinationLocking Status = "destination_locking"
	StatusBothLocked         Status = "both_locked"
	StatusRevealingSecret    Status = "revealing_secret"
	StatusCompleted          Status = "completed"
	StatusCancelling         Status = "cancelling"
	StatusCancelled          Status = "cancelled"
	StatusFailed             Status = "failed"
	StatusTimeout            Status = "timeout"
	StatusRefunding          Status = "refunding"
	StatusRefunded           Status = "refunded"
)

// validTransitions is the allowed-edge table. Edges not listed are
// illegal. Terminal states have no outgoing edges.
var validTransitions = map[Status][]Status{
	StatusInitialized:        {StatusExecuting, StatusCancelled},
	StatusExecuting:          {StatusSourceLocking, StatusCancelled, StatusFailed},
	StatusSourceLocking:      {StatusSourceLocked, StatusFailed},
	StatusSourceLocked:       {StatusDestinationLocking, StatusCancelling, StatusTimeout},
	StatusDestinationLocking: {StatusBothLocked, StatusFailed},
	StatusBothLocked:         {StatusRevealingSecret, StatusTimeout},
	StatusRevealingSecret:    {StatusCompleted, StatusFailed},
	StatusCancelling:         {StatusRefunding, StatusCancelled},
	StatusTimeout:            {StatusRefunding},
	StatusRefunding:          {StatusRefunded},
	StatusCompleted:          {},
	StatusCancelled:          {},
	StatusFailed:             {},
	StatusRefunded:           {},
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal reports whether s has no outgoing transitions.
func (s Status) IsTerminal() bool {
	edges, ok := validTransitions[s]
	return ok && len(edges) == 0
}

// CanTransitionTo reports whether the edge s -> target is allowed.
func (s Status) CanTransitionTo(target Status) bool {
	for _, t := range validTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// Chain identifies one side of a swap.
type Chain string

const (
	ChainEVM  Chain = "evm"
	ChainNEAR Chain = "near"
)

// StepStatus tracks the progress of a single execution step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepExecuting StepStatus = "executing"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// ExecutionStep is one entry in the per-session execution ledger.
// Immutable once completed; status progresses pending -> executing ->
// completed|failed.
type ExecutionStep struct {
	Seq       int        `json:"seq"`
	Function  string     `json:"function"`
	Contract  string     `json:"contract"`
	Params    string     `json:"params,omitempty"`
	Status    StepStatus `json:"status"`
	TxRef     string     `json:"txRef,omitempty"`
	EscrowRef string     `json:"escrowRef,omitempty"`
	Result    string     `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	GasUsed   uint64     `json:"gasUsed,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Session is the central entity, one per swap.
type Session struct {
	ID                 string    `json:"id"`
	Status             Status    `json:"status"`
	SourceChain        Chain     `json:"sourceChain"`
	DestinationChain   Chain     `json:"destinationChain"`
	SourceToken        string    `json:"sourceToken"`
	DestinationToken   string    `json:"destinationToken"`
	SourceAmount       *big.Int  `json:"sourceAmount"`
	DestinationAmount  *big.Int  `json:"destinationAmount"`
	Maker              string    `json:"maker"`
	Taker              string    `json:"taker"`
	SlippageToleranceBps uint32  `json:"slippageToleranceBps"`
	Hashlock           [32]byte  `json:"-"`
	OrderHash          [32]byte  `json:"-"`
	SrcEscrowAddress   string    `json:"srcEscrowAddress,omitempty"`
	DstHTLCHandle      string    `json:"dstHTLCHandle,omitempty"`
	RevealedSecret     []byte    `json:"-"`
	Timelocks          Timelocks `json:"timelocks"`
	ErrorKind          string    `json:"errorKind,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
	ExpirationTime     time.Time `json:"expirationTime"`
}

// Transition validates and applies the edge to target, updating
// UpdatedAt. The caller holds the per-session lock.
func (s *Session) Transition(target Status) error {
	if !target.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, target)
	}
	if !s.Status.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.Status, target)
	}
	s.Status = target
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// Native is the token identifier used for a chain's native asset.
const Native = "native"

// IsNativeToken reports whether the token identifier denotes the
// chain's native asset.
func IsNativeToken(token string) bool {
	return token == "" || token == Native
}
