// Package executor drives the atomic-swap sequence: lock source, lock
// destination, wait for both, reveal the secret on the destination
// chain, and complete the source side. Every on-chain step lands in the
// execution ledger and fans out through the notifier.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslock-exchange/crosslock/internal/chains/evm"
	"github.com/crosslock-exchange/crosslock/internal/chains/nearapi"
	"github.com/crosslock-exchange/crosslock/internal/notify"
	"github.com/crosslock-exchange/crosslock/internal/session"
	"github.com/crosslock-exchange/crosslock/internal/store"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

// Mode selects who completes the source side after the secret is
// revealed on the destination chain.
type Mode string

const (
	// ModeExecutorCompletes has the executor withdraw on both chains.
	ModeExecutorCompletes Mode = "executor"
	// ModeClientCompletes publishes the revealed secret and waits for
	// the external taker's source-side withdraw event.
	ModeClientCompletes Mode = "client"
)

// ChainA is the EVM-side surface the executor needs.
type ChainA interface {
	DeploySrcEscrow(ctx context.Context, im evm.Immutables) (*evm.DeployResult, error)
	Withdraw(ctx context.Context, escrow common.Address, secret [32]byte) (string, error)
	Cancel(ctx context.Context, escrow common.Address) (string, error)
	SafetyDeposit() *big.Int
	ChainID() *big.Int
}

// ChainB is the NEAR-side surface the executor needs.
type ChainB interface {
	CreateHTLC(ctx context.Context, p nearapi.CreateHTLCParams) (htlcID, txRef string, err error)
	Withdraw(ctx context.Context, htlcID string, secret [32]byte, receiver string) (string, error)
	Refund(ctx context.Context, htlcID string) (string, error)
	GetHTLC(ctx context.Context, htlcID string) (*nearapi.HTLCState, error)
}

// Config holds executor tuning.
type Config struct {
	Mode Mode
	// WaitForBothLocked bounds step 4 of the sequence.
	WaitForBothLocked time.Duration
	// StatusPollInterval paces the both-locked wait loop.
	StatusPollInterval time.Duration
	// RPCRetries and RPCBackoff bound local retries of retryable
	// chain errors.
	RPCRetries int
	RPCBackoff time.Duration
}

// DefaultConfig returns the default executor tuning.
func DefaultConfig() Config {
	return Config{
		Mode:               ModeExecutorCompletes,
		WaitForBothLocked:  10 * time.Minute,
		StatusPollInterval: 5 * time.Second,
		RPCRetries:         5,
		RPCBackoff:         2 * time.Second,
	}
}

// Executor orchestrates swap sessions.
type Executor struct {
	cfg       Config
	store     *store.Store
	chainA    ChainA
	chainB    ChainB
	notifier  *notify.Notifier
	scheduler *Scheduler
	log       *logging.Logger

	// inflight holds (operation, ref) idempotency keys recorded
	// before submission so replays cannot double-submit.
	mu       sync.Mutex
	inflight map[string]struct{}
}

// New wires an executor.
func New(cfg Config, st *store.Store, a ChainA, b ChainB, n *notify.Notifier, sched *Scheduler, log *logging.Logger) *Executor {
	if log == nil {
		log = logging.GetDefault()
	}
	if cfg.WaitForBothLocked <= 0 {
		cfg.WaitForBothLocked = 10 * time.Minute
	}
	if cfg.StatusPollInterval <= 0 {
		cfg.StatusPollInterval = 5 * time.Second
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeExecutorCompletes
	}
	return &Executor{
		cfg:       cfg,
		store:     st,
		chainA:    a,
		chainB:    b,
		notifier:  n,
		scheduler: sched,
		log:       log.Component("executor"),
		inflight:  make(map[string]struct{}),
	}
}

func (e *Executor) tryAcquire(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[key]; busy {
		return false
	}
	e.inflight[key] = struct{}{}
	return true
}

func (e *Executor) release(key string) {
	e.mu.Lock()
	delete(e.inflight, key)
	e.mu.Unlock()
}

// ExecuteFullSwap runs the swap sequence for one session. Calling it
// on a session already past a step is a no-op for that step; terminal
// sessions return immediately.
func (e *Executor) ExecuteFullSwap(ctx context.Context, id string) error {
	sess, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if sess.Status.IsTerminal() {
		e.log.Debug("session already terminal", "id", id, "status", sess.Status)
		return nil
	}

	key := "executeFullSwap/" + id
	if !e.tryAcquire(key) {
		e.log.Debug("swap execution already in flight", "id", id)
		return nil
	}
	defer e.release(key)

	if err := e.run(ctx, id); err != nil {
		e.log.Error("swap execution failed", "id", id, "err", err)
		return err
	}
	return nil
}

func (e *Executor) run(ctx context.Context, id string) error {
	sess, err := e.store.Get(id)
	if err != nil {
		return err
	}

	if sess.Status == session.StatusInitialized {
		if sess, err = e.transition(id, session.StatusExecuting); err != nil {
			return err
		}
	}

	if sess.Status == session.StatusExecuting {
		if sess, err = e.transition(id, session.StatusSourceLocking); err != nil {
			return err
		}
	}

	if sess.Status == session.StatusSourceLocking {
		if sess, err = e.lockSource(ctx, sess); err != nil {
			return e.failEarly(id, err)
		}
	}

	if sess.Status == session.StatusSourceLocked {
		if sess, err = e.transition(id, session.StatusDestinationLocking); err != nil {
			return err
		}
	}

	if sess.Status == session.StatusDestinationLocking {
		if sess, err = e.lockDestination(ctx, sess); err != nil {
			return e.failAfterSourceLock(id, err)
		}
	}

	if sess.Status == session.StatusBothLocked {
		if err = e.waitForBothLocked(ctx, id); err != nil {
			return err
		}
		if sess, err = e.transition(id, session.StatusRevealingSecret); err != nil {
			return err
		}
	}

	if sess.Status == session.StatusRevealingSecret {
		if err = e.revealAndComplete(ctx, sess); err != nil {
			return e.failAfterBothLocked(id, err)
		}
	}

	return nil
}

// lockSource deploys the source-side escrow (step 2).
func (e *Executor) lockSource(ctx context.Context, sess *session.Session) (*session.Session, error) {
	id := sess.ID

	opKey := "deploySrcEscrow/" + id
	if !e.tryAcquire(opKey) {
		return nil, fmt.Errorf("%w: deploy already in flight for %s", session.ErrInternal, id)
	}
	defer e.release(opKey)

	im := evm.BuildImmutables(sess, e.chainA.SafetyDeposit(), e.chainA.ChainID())

	step, err := e.appendStep(id, session.ExecutionStep{
		Function: "createSrcEscrow",
		Contract: "factory",
		Params:   jsonParams(map[string]interface{}{"amount": sess.SourceAmount.String(), "token": sess.SourceToken}),
		Status:   session.StepExecuting,
	})
	if err != nil {
		return nil, err
	}

	var result *evm.DeployResult
	err = e.retryRPC(ctx, func() error {
		var deployErr error
		result, deployErr = e.chainA.DeploySrcEscrow(ctx, im)
		return deployErr
	})
	if err != nil {
		e.finishStep(id, step.Seq, session.StepFailed, store.StepUpdate{Error: strPtr(err.Error())})
		return nil, err
	}

	if err := e.store.AttachEscrow(id, store.SideSrc, result.EscrowAddress.Hex()); err != nil {
		if !errors.Is(err, session.ErrEscrowAlreadySet) {
			return nil, err
		}
	}
	e.finishStep(id, step.Seq, session.StepCompleted, store.StepUpdate{
		TxRef:     strPtr(result.TxHash.Hex()),
		EscrowRef: strPtr(result.EscrowAddress.Hex()),
		GasUsed:   &result.GasUsed,
	})

	return e.transition(id, session.StatusSourceLocked)
}

// lockDestination creates the destination HTLC (step 3). The HTLC's
// timelock is the session's dstCancellation, which the creation-time
// invariant keeps short of srcWithdrawal.
func (e *Executor) lockDestination(ctx context.Context, sess *session.Session) (*session.Session, error) {
	id := sess.ID

	opKey := "createHTLC/" + id
	if !e.tryAcquire(opKey) {
		return nil, fmt.Errorf("%w: htlc creation already in flight for %s", session.ErrInternal, id)
	}
	defer e.release(opKey)

	step, err := e.appendStep(id, session.ExecutionStep{
		Function: "create_htlc",
		Contract: "htlc",
		Params:   jsonParams(map[string]interface{}{"amount": sess.DestinationAmount.String(), "receiver": sess.Taker}),
		Status:   session.StepExecuting,
	})
	if err != nil {
		return nil, err
	}

	var htlcID, txRef string
	err = e.retryRPC(ctx, func() error {
		var createErr error
		htlcID, txRef, createErr = e.chainB.CreateHTLC(ctx, nearapi.CreateHTLCParams{
			Receiver:        sess.Taker,
			Token:           sess.DestinationToken,
			Amount:          sess.DestinationAmount,
			Hashlock:        sess.Hashlock,
			TimelockUnixSec: sess.Timelocks.DstCancellation,
			OrderHash:       sess.OrderHash,
		})
		return createErr
	})
	if err != nil {
		e.finishStep(id, step.Seq, session.StepFailed, store.StepUpdate{Error: strPtr(err.Error())})
		return nil, err
	}

	if err := e.store.AttachEscrow(id, store.SideDst, htlcID); err != nil {
		if !errors.Is(err, session.ErrEscrowAlreadySet) {
			return nil, err
		}
	}
	e.finishStep(id, step.Seq, session.StepCompleted, store.StepUpdate{
		TxRef:     strPtr(txRef),
		EscrowRef: strPtr(htlcID),
	})

	return e.transition(id, session.StatusBothLocked)
}

// waitForBothLocked polls the store until both escrow references are
// confirmed (step 4). On deadline the session takes the timeout path
// and remediation is scheduled.
func (e *Executor) waitForBothLocked(ctx context.Context, id string) error {
	deadline := time.Now().Add(e.cfg.WaitForBothLocked)
	ticker := time.NewTicker(e.cfg.StatusPollInterval)
	defer ticker.Stop()

	for {
		sess, err := e.store.Get(id)
		if err != nil {
			return err
		}
		if sess.Status == session.StatusBothLocked &&
			sess.SrcEscrowAddress != "" && sess.DstHTLCHandle != "" {
			return nil
		}

		if time.Now().After(deadline) {
			e.log.Error("both-locked confirmation timed out", "id", id)
			if _, err := e.transition(id, session.StatusTimeout); err != nil {
				return err
			}
			e.scheduleRemediation(sess, true)
			return fmt.Errorf("%w: both-locked confirmation for %s", session.ErrOperationTimeout, id)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// revealAndComplete performs steps 5 and 6: withdraw on the
// destination chain with the unsealed secret (publishing it), then
// either withdraw on the source chain or hand the secret to the
// external taker.
func (e *Executor) revealAndComplete(ctx context.Context, sess *session.Session) error {
	id := sess.ID

	secretBytes, err := e.store.Reveal(id)
	if err != nil {
		return err
	}

	sess, err = e.store.Get(id)
	if err != nil {
		return err
	}

	step, err := e.appendStep(id, session.ExecutionStep{
		Function: "withdraw_on_B",
		Contract: "htlc",
		Status:   session.StepExecuting,
	})
	if err != nil {
		return err
	}

	opKey := "withdrawB/" + sess.DstHTLCHandle
	if e.tryAcquire(opKey) {
		var txRef string
		err = e.retryRPC(ctx, func() error {
			var wErr error
			txRef, wErr = e.chainB.Withdraw(ctx, sess.DstHTLCHandle, secretBytes, sess.Taker)
			return wErr
		})
		e.release(opKey)
		if err != nil {
			e.finishStep(id, step.Seq, session.StepFailed, store.StepUpdate{Error: strPtr(err.Error())})
			return err
		}
		e.finishStep(id, step.Seq, session.StepCompleted, store.StepUpdate{TxRef: strPtr(txRef)})
	}

	if e.cfg.Mode == ModeClientCompletes {
		return e.publishSecretForClient(sess, secretBytes)
	}

	// Mode A: complete the source side ourselves.
	step, err = e.appendStep(id, session.ExecutionStep{
		Function: "withdraw_on_A",
		Contract: "escrow",
		Status:   session.StepExecuting,
	})
	if err != nil {
		return err
	}

	opKey = "withdrawA/" + sess.SrcEscrowAddress
	if e.tryAcquire(opKey) {
		var txRef string
		err = e.retryRPC(ctx, func() error {
			var wErr error
			txRef, wErr = e.chainA.Withdraw(ctx, common.HexToAddress(sess.SrcEscrowAddress), secretBytes)
			return wErr
		})
		e.release(opKey)
		if err != nil {
			e.finishStep(id, step.Seq, session.StepFailed, store.StepUpdate{Error: strPtr(err.Error())})
			return err
		}
		e.finishStep(id, step.Seq, session.StepCompleted, store.StepUpdate{TxRef: strPtr(txRef)})
	}

	return e.complete(id)
}

// publishSecretForClient records and announces the revealed secret;
// completion then waits on the observed source-side Withdrawn event.
func (e *Executor) publishSecretForClient(sess *session.Session, secretBytes [32]byte) error {
	id := sess.ID

	if _, err := e.appendStep(id, session.ExecutionStep{
		Function: "reveal_for_client",
		Contract: "escrow",
		Status:   session.StepCompleted,
	}); err != nil {
		return err
	}

	e.publish(notify.Message{
		Kind:      notify.KindSessionUpdate,
		SessionID: id,
		Status:    session.StatusRevealingSecret,
		Payload: map[string]interface{}{
			"action":    "withdraw_on_A",
			"escrow":    sess.SrcEscrowAddress,
			"secretHex": fmt.Sprintf("0x%x", secretBytes),
		},
	})
	e.log.Info("revealed secret published for client-side completion", "id", id)

	// Safety net: if the taker never withdraws, cancel the escrow
	// once its deadline passes.
	e.scheduleSrcCancellation(sess)
	return nil
}

// complete finalizes a successful swap.
func (e *Executor) complete(id string) error {
	sess, err := e.transition(id, session.StatusCompleted)
	if err != nil {
		return err
	}
	e.scheduler.CancelSession(id)
	e.publish(notify.Message{
		Kind:      notify.KindSwapCompleted,
		SessionID: id,
		Status:    sess.Status,
	})
	e.log.Info("swap completed", "id", id)
	return nil
}

// transition applies the edge and announces the new status.
func (e *Executor) transition(id string, target session.Status) (*session.Session, error) {
	sess, err := e.store.Transition(id, target)
	if err != nil {
		return nil, err
	}
	e.publish(notify.Message{
		Kind:      notify.KindSessionUpdate,
		SessionID: id,
		Status:    target,
	})
	return sess, nil
}

// rpcBackoffCeiling bounds the per-attempt retry delay.
const rpcBackoffCeiling = 30 * time.Second

// rpcBackoff returns base * 2^(attempt-1), capped at the ceiling.
func rpcBackoff(base time.Duration, attempt int) time.Duration {
	d := base << uint(attempt-1)
	if d <= 0 || d > rpcBackoffCeiling {
		return rpcBackoffCeiling
	}
	return d
}

// retryRPC retries fn on retryable chain errors with exponential
// backoff up to the configured bound. Validation and rejection errors
// surface immediately.
func (e *Executor) retryRPC(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= e.cfg.RPCRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(rpcBackoff(e.cfg.RPCBackoff, attempt)):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if !errors.Is(err, session.ErrRPCFailure) {
			return err
		}
		e.log.Warn("retryable chain error", "attempt", attempt, "err", err)
	}
	return err
}

func (e *Executor) appendStep(id string, step session.ExecutionStep) (session.ExecutionStep, error) {
	appended, err := e.store.AppendStep(id, step)
	if err != nil {
		return appended, err
	}
	e.publish(notify.Message{
		Kind:      notify.KindExecutionStep,
		SessionID: id,
		Step:      &appended,
	})
	return appended, nil
}

func (e *Executor) finishStep(id string, seq int, status session.StepStatus, upd store.StepUpdate) {
	upd.Status = status
	if err := e.store.UpdateStep(id, seq, upd); err != nil {
		e.log.Warn("step update failed", "id", id, "seq", seq, "err", err)
		return
	}
	e.publish(notify.Message{
		Kind:      notify.KindExecutionStepUpdate,
		SessionID: id,
		Payload:   map[string]interface{}{"seq": seq, "status": string(status)},
	})
}

func (e *Executor) publish(msg notify.Message) {
	if e.notifier != nil {
		e.notifier.Publish(msg)
	}
}

func jsonParams(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

func strPtr(s string) *string { return &s }
