package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslock-exchange/crosslock/internal/session"
	"github.com/crosslock-exchange/crosslock/internal/store"
)

// Timer names used with the scheduler.
const (
	timerSrcCancellation = "srcCancellation"
	timerDstCancellation = "dstCancellation"
)

// failEarly handles a failure before any on-chain state exists: the
// session just fails, nothing to unwind.
func (e *Executor) failEarly(id string, cause error) error {
	e.recordFailure(id, cause)
	if _, err := e.transition(id, session.StatusFailed); err != nil {
		e.log.Warn("fail transition rejected", "id", id, "err", err)
	}
	return cause
}

// failAfterSourceLock handles a failure once the source escrow is
// live: fail the session and cancel the escrow when its deadline
// passes.
func (e *Executor) failAfterSourceLock(id string, cause error) error {
	e.recordFailure(id, cause)

	sess, err := e.store.Get(id)
	if err != nil {
		return cause
	}
	if _, err := e.transition(id, session.StatusFailed); err != nil {
		e.log.Warn("fail transition rejected", "id", id, "err", err)
	}
	e.scheduleSrcCancellation(sess)
	return cause
}

// failAfterBothLocked additionally schedules the destination refund.
// If the secret was already revealed the source withdraw keeps being
// retried elsewhere until srcCancellation; past that the swap is lost
// to the HTLC liveness-vs-safety boundary.
func (e *Executor) failAfterBothLocked(id string, cause error) error {
	e.recordFailure(id, cause)

	sess, err := e.store.Get(id)
	if err != nil {
		return cause
	}
	if !sess.Status.IsTerminal() {
		if _, err := e.transition(id, session.StatusFailed); err != nil {
			e.log.Warn("fail transition rejected", "id", id, "err", err)
		}
	}
	e.scheduleRemediation(sess, true)
	return cause
}

func (e *Executor) recordFailure(id string, cause error) {
	if err := e.store.SetErrorKind(id, errorKindOf(cause)); err != nil {
		e.log.Warn("error kind not recorded", "id", id, "err", err)
	}
}

// scheduleRemediation queues the on-chain unwind for whichever sides
// are locked.
func (e *Executor) scheduleRemediation(sess *session.Session, includeDst bool) {
	e.scheduleSrcCancellation(sess)
	if includeDst && sess.DstHTLCHandle != "" {
		at := time.Unix(sess.Timelocks.DstCancellation, 0)
		id := sess.ID
		e.scheduler.Schedule(id, timerDstCancellation, at, func() {
			e.refundDestination(context.Background(), id)
		})
	}
}

func (e *Executor) scheduleSrcCancellation(sess *session.Session) {
	if sess.SrcEscrowAddress == "" {
		return
	}
	at := time.Unix(sess.Timelocks.SrcCancellation, 0)
	id := sess.ID
	e.scheduler.Schedule(id, timerSrcCancellation, at, func() {
		e.cancelSource(context.Background(), id)
	})
}

// cancelSource cancels the source escrow after its deadline. Runs from
// a scheduler callback.
func (e *Executor) cancelSource(ctx context.Context, id string) {
	sess, err := e.store.Get(id)
	if err != nil || sess.SrcEscrowAddress == "" {
		return
	}
	if sess.Status == session.StatusCompleted {
		return
	}

	opKey := "cancelA/" + sess.SrcEscrowAddress
	if !e.tryAcquire(opKey) {
		return
	}
	defer e.release(opKey)

	e.progressRefundState(id)

	step, err := e.appendStep(id, session.ExecutionStep{
		Function: "cancel",
		Contract: "escrow",
		Status:   session.StepExecuting,
	})
	if err != nil {
		return
	}

	var txRef string
	err = e.retryRPC(ctx, func() error {
		var cErr error
		txRef, cErr = e.chainA.Cancel(ctx, common.HexToAddress(sess.SrcEscrowAddress))
		return cErr
	})
	if err != nil {
		e.log.Error("source escrow cancel failed", "id", id, "err", err)
		e.finishStep(id, step.Seq, session.StepFailed, store.StepUpdate{Error: strPtr(err.Error())})
		return
	}
	e.finishStep(id, step.Seq, session.StepCompleted, store.StepUpdate{TxRef: strPtr(txRef)})

	e.finishRefundIfDone(id)
}

// refundDestination refunds the destination HTLC after its deadline.
func (e *Executor) refundDestination(ctx context.Context, id string) {
	sess, err := e.store.Get(id)
	if err != nil || sess.DstHTLCHandle == "" {
		return
	}
	if sess.Status == session.StatusCompleted {
		return
	}

	// A revealed secret means the destination side was (or will be)
	// withdrawn; refunding would revert on chain anyway.
	if state, err := e.chainB.GetHTLC(ctx, sess.DstHTLCHandle); err == nil {
		if state.Status != "" && state.Status != "active" {
			e.log.Debug("destination htlc not refundable", "id", id, "status", state.Status)
			e.finishRefundIfDone(id)
			return
		}
	}

	opKey := "refundB/" + sess.DstHTLCHandle
	if !e.tryAcquire(opKey) {
		return
	}
	defer e.release(opKey)

	e.progressRefundState(id)

	step, err := e.appendStep(id, session.ExecutionStep{
		Function: "refund",
		Contract: "htlc",
		Status:   session.StepExecuting,
	})
	if err != nil {
		return
	}

	var txRef string
	err = e.retryRPC(ctx, func() error {
		var rErr error
		txRef, rErr = e.chainB.Refund(ctx, sess.DstHTLCHandle)
		return rErr
	})
	if err != nil {
		e.log.Error("destination htlc refund failed", "id", id, "err", err)
		e.finishStep(id, step.Seq, session.StepFailed, store.StepUpdate{Error: strPtr(err.Error())})
		return
	}
	e.finishStep(id, step.Seq, session.StepCompleted, store.StepUpdate{TxRef: strPtr(txRef)})

	e.finishRefundIfDone(id)
}

// progressRefundState moves cancelling/timeout sessions into
// refunding. Failed sessions stay failed; the ledger carries the
// remediation record.
func (e *Executor) progressRefundState(id string) {
	sess, err := e.store.Get(id)
	if err != nil {
		return
	}
	switch sess.Status {
	case session.StatusCancelling, session.StatusTimeout:
		if _, err := e.transition(id, session.StatusRefunding); err != nil {
			e.log.Warn("refunding transition rejected", "id", id, "err", err)
		}
	}
}

// finishRefundIfDone finalizes refunding sessions once no scheduled
// remediation remains outstanding.
func (e *Executor) finishRefundIfDone(id string) {
	sess, err := e.store.Get(id)
	if err != nil || sess.Status != session.StatusRefunding {
		return
	}
	if _, err := e.transition(id, session.StatusRefunded); err != nil {
		e.log.Warn("refunded transition rejected", "id", id, "err", err)
		return
	}
	e.scheduler.CancelSession(id)
}

// CancelSwap cooperatively cancels a session. Sessions with no
// on-chain state cancel immediately; a locked source escrow takes the
// cancelling path with its on-chain unwind scheduled.
func (e *Executor) CancelSwap(ctx context.Context, id string) error {
	sess, err := e.store.Get(id)
	if err != nil {
		return err
	}

	switch sess.Status {
	case session.StatusInitialized, session.StatusExecuting:
		_, err := e.transition(id, session.StatusCancelled)
		return err
	case session.StatusSourceLocked:
		if _, err := e.transition(id, session.StatusCancelling); err != nil {
			return err
		}
		e.scheduleSrcCancellation(sess)
		return nil
	default:
		return fmt.Errorf("%w: cannot cancel from %s", session.ErrIllegalTransition, sess.Status)
	}
}

// errorKindOf maps an error chain onto the categorical kind recorded
// on failed sessions.
func errorKindOf(err error) string {
	switch {
	case errors.Is(err, session.ErrValidation):
		return "ValidationError"
	case errors.Is(err, session.ErrCapacityExceeded):
		return "CapacityExceeded"
	case errors.Is(err, session.ErrIllegalTransition):
		return "IllegalTransition"
	case errors.Is(err, session.ErrNotFound):
		return "NotFound"
	case errors.Is(err, session.ErrInsufficientFunds):
		return "InsufficientFunds"
	case errors.Is(err, session.ErrRPCFailure):
		return "RPCFailure"
	case errors.Is(err, session.ErrChainRejection):
		return "ChainRejection"
	case errors.Is(err, session.ErrSecretNotFound):
		return "SecretNotFound"
	case errors.Is(err, session.ErrSecretExpired):
		return "SecretExpired"
	case errors.Is(err, session.ErrSecretAlreadyUsed):
		return "SecretAlreadyUsed"
	case errors.Is(err, session.ErrWriteUnavailable):
		return "WriteOperationsUnavailable"
	case errors.Is(err, session.ErrOperationTimeout):
		return "OperationTimeout"
	default:
		return "Internal"
	}
}
